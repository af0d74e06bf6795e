// Package transport carries peer traffic over QUIC and finds peers through
// the websocket signaling directory.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/session"
	"github.com/eind-chat/eind-core/internal/wire"
)

type quicErrorCode = quic.ApplicationErrorCode

const (
	errCodeNormalClose quicErrorCode = iota
	errCodeProtocolViolation
	errCodeStreamError
)

const (
	dialTimeout       = 10 * time.Second
	writeTimeout      = 5 * time.Second
	claimFrameTimeout = 10 * time.Second
)

// Resolver maps an identity to a dialable UDP endpoint. The signaling
// Client implements it.
type Resolver interface {
	Resolve(ctx context.Context, id identity.ID) (string, error)
}

// Config assembles a Transport.
type Config struct {
	Log        *zap.Logger
	Self       identity.ID
	ListenAddr string
	Resolver   Resolver

	// Events receives inbound sessions and frames. The session manager
	// implements it.
	Events session.Events
}

// Transport listens for inbound QUIC connections and dials outbound ones.
// It implements session.Dialer.
type Transport struct {
	log        *zap.Logger
	self       identity.ID
	resolver   Resolver
	events     session.Events
	tlsCfg     *tls.Config
	quicCfg    *quic.Config
	listenAddr string

	mu sync.Mutex
	ln *quic.Listener
}

// New builds a Transport. Start must be called before inbound peers can
// connect; Dial works independently of Start.
func New(cfg Config) (*Transport, error) {
	if cfg.Events == nil {
		return nil, errors.New("transport requires an events sink")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	tlsCfg, err := newTLSConfig(string(cfg.Self))
	if err != nil {
		return nil, err
	}
	return &Transport{
		log:        cfg.Log,
		self:       cfg.Self,
		resolver:   cfg.Resolver,
		events:     cfg.Events,
		tlsCfg:     tlsCfg,
		quicCfg:    newQUICConfig(),
		listenAddr: cfg.ListenAddr,
	}, nil
}

func newQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    10 * time.Second,
		MaxIdleTimeout:     45 * time.Second,
		MaxIncomingStreams: 64,
	}
}

// Start binds the listener and begins accepting peers until ctx ends.
func (t *Transport) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(t.listenAddr, t.tlsCfg, t.quicCfg)
	if err != nil {
		return fmt.Errorf("listen quic on %s: %w", t.listenAddr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	t.log.Info("transport listening", zap.String("addr", ln.Addr().String()))
	go t.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Close stops the listener. Established links close individually through
// the session manager.
func (t *Transport) Close() error {
	t.mu.Lock()
	ln := t.ln
	t.ln = nil
	t.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Dial resolves id through signaling and opens a link to it. The returned
// link is already reading; inbound frames go to Events.Deliver.
func (t *Transport) Dial(ctx context.Context, id identity.ID) (session.Link, error) {
	if t.resolver == nil {
		return nil, errors.New("no resolver configured")
	}
	addr, err := t.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, t.tlsCfg, t.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", id, addr, err)
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(errCodeStreamError, "stream open failed")
		return nil, fmt.Errorf("open stream to %s: %w", id, err)
	}

	link := &quicLink{conn: conn, stream: stream}
	go t.readLoop(id, link)
	return link, nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Debug("transport accept ended", zap.Error(err))
			}
			return
		}
		go t.handleInbound(ctx, conn)
	}
}

// handleInbound waits for the peer's first frame, which must carry its
// identity, before handing the link to the session manager.
func (t *Transport) handleInbound(ctx context.Context, conn *quic.Conn) {
	streamCtx, cancel := context.WithTimeout(ctx, claimFrameTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		conn.CloseWithError(errCodeStreamError, "no stream")
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(claimFrameTimeout))
	first, err := wire.ReadFrame(stream)
	if err != nil {
		t.log.Debug("inbound peer sent no identity frame", zap.Error(err))
		conn.CloseWithError(errCodeProtocolViolation, "missing identity frame")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if first.Type != wire.TypeHandshake || first.User == nil {
		t.log.Warn("inbound peer opened without handshake",
			zap.String("type", first.Type),
			zap.String("remote", conn.RemoteAddr().String()))
		conn.CloseWithError(errCodeProtocolViolation, "handshake required")
		return
	}
	id, err := identity.Derive(first.User.Phone)
	if err != nil {
		t.log.Warn("inbound peer claimed unusable phone",
			zap.String("remote", conn.RemoteAddr().String()))
		conn.CloseWithError(errCodeProtocolViolation, "malformed identity")
		return
	}

	link := &quicLink{conn: conn, stream: stream}
	t.events.Accept(id, link)
	t.events.Deliver(id, first)
	t.readLoop(id, link)
}

func (t *Transport) readLoop(id identity.ID, link *quicLink) {
	for {
		p, err := wire.ReadFrame(link.stream)
		if err != nil {
			t.events.Lost(id, link, err)
			return
		}
		t.events.Deliver(id, p)
	}
}

// quicLink is one peer connection: a single bidirectional stream carrying
// length-prefixed frames.
type quicLink struct {
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
}

func (l *quicLink) Send(p wire.Payload) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteFrame(l.stream, p)
}

func (l *quicLink) Close() error {
	return l.conn.CloseWithError(errCodeNormalClose, "session closed")
}

func (l *quicLink) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}
