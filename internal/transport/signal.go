package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eind-chat/eind-core/internal/identity"
)

// Signaling message types. The directory server speaks JSON text frames.
const (
	msgClaim          = "claim"
	msgClaimOK        = "claim_ok"
	msgClaimRejected  = "claim_rejected"
	msgResolve        = "resolve"
	msgResolveOK      = "resolve_ok"
	msgResolveUnknown = "resolve_unknown"
)

var (
	// ErrIdentityTaken reports that another node currently holds this
	// identity on the directory.
	ErrIdentityTaken = errors.New("identity already claimed")
	// ErrPeerUnknown reports an identity with no registered endpoint.
	ErrPeerUnknown = errors.New("peer not registered")
	// ErrSignalingDown reports that the directory connection is not
	// currently established.
	ErrSignalingDown = errors.New("signaling connection down")
)

const (
	signalBackoffInitial = time.Second
	signalBackoffMax     = 30 * time.Second
	signalRequestTimeout = 10 * time.Second
)

type signalMessage struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Addr string `json:"addr,omitempty"`
}

// Client holds the websocket session with the signaling directory. It
// claims the local identity on connect and answers Resolve lookups.
// Requests are serialized; the directory protocol is strict
// request/response on one connection.
type Client struct {
	log  *zap.Logger
	url  string
	self identity.ID

	// addr is the publicly reachable QUIC endpoint registered under self.
	addr func() string

	mu   sync.Mutex
	conn *websocket.Conn

	// reqMu serializes request/response exchanges on the shared conn.
	reqMu sync.Mutex
}

// NewClient prepares a signaling client. addr is called at each claim so a
// re-discovered public endpoint is registered after reconnects.
func NewClient(log *zap.Logger, rawURL string, self identity.ID, addr func() string) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signaling url must be ws or wss, got %q", u.Scheme)
	}
	return &Client{log: log, url: rawURL, self: self, addr: addr}, nil
}

// Connect dials the directory and claims the local identity. A claim
// rejection is terminal: the caller must not retry with the same identity
// while another node holds it.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	claim := signalMessage{Type: msgClaim, User: string(c.self), Addr: c.addr()}
	reply, err := roundTrip(conn, claim)
	if err != nil {
		conn.Close()
		return fmt.Errorf("claim identity: %w", err)
	}
	switch reply.Type {
	case msgClaimOK:
	case msgClaimRejected:
		conn.Close()
		return ErrIdentityTaken
	default:
		conn.Close()
		return fmt.Errorf("unexpected claim reply %q", reply.Type)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("signaling connected", zap.String("identity", string(c.self)))
	return nil
}

// Run keeps the directory connection alive until ctx ends, reconnecting
// with capped exponential backoff. An identity rejection stops the loop;
// everything else retries.
func (c *Client) Run(ctx context.Context) error {
	backoff := signalBackoffInitial
	for {
		wait := signalRequestTimeout
		if err := c.ping(); err != nil {
			if err := c.Connect(ctx); err != nil {
				if errors.Is(err, ErrIdentityTaken) {
					return err
				}
				c.log.Warn("signaling reconnect failed",
					zap.Duration("retry_in", backoff), zap.Error(err))
				wait = backoff
				backoff *= 2
				if backoff > signalBackoffMax {
					backoff = signalBackoffMax
				}
			} else {
				backoff = signalBackoffInitial
			}
		}

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Resolve asks the directory for the endpoint registered under id.
func (c *Client) Resolve(ctx context.Context, id identity.ID) (string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", ErrSignalingDown
	}

	c.reqMu.Lock()
	reply, err := roundTrip(conn, signalMessage{Type: msgResolve, User: string(id)})
	c.reqMu.Unlock()
	if err != nil {
		c.dropConn(conn)
		return "", fmt.Errorf("resolve %s: %w", id, err)
	}
	switch reply.Type {
	case msgResolveOK:
		return reply.Addr, nil
	case msgResolveUnknown:
		return "", ErrPeerUnknown
	default:
		return "", fmt.Errorf("unexpected resolve reply %q", reply.Type)
	}
}

// Close tears down the directory connection. The identity claim lapses
// server side once the socket drops.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrSignalingDown
	}
	deadline := time.Now().Add(signalRequestTimeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.dropConn(conn)
		return err
	}
	return nil
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// roundTrip serializes one request/response exchange. The connection's
// write and read are guarded by the caller holding exclusive use; resolve
// and claim callers never interleave because Client serializes them.
func roundTrip(conn *websocket.Conn, req signalMessage) (signalMessage, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(signalRequestTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return signalMessage{}, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(signalRequestTimeout))
	var reply signalMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return signalMessage{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return reply, nil
}
