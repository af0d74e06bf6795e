package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/wire"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 4 * time.Second
)

// Config wires dependencies for the session manager.
type Config struct {
	Log    *zap.Logger
	Self   identity.ID
	Dialer Dialer
	// Profile supplies the handshake metadata announced on every newly
	// opened session. Owned by the login lifecycle; read-only here.
	Profile func() wire.Profile
	// OnPayload receives every inbound non-ping frame.
	OnPayload func(from identity.ID, p wire.Payload)
	// OnStatus observes session transitions. Optional.
	OnStatus func(id identity.ID, status Status)
	// HeartbeatInterval is the ping cadence for Open sessions.
	HeartbeatInterval time.Duration
	// IdleTimeout closes sessions with no inbound frames for this long.
	// Zero disables the watchdog, matching the source behavior of leaving
	// liveness to the transport.
	IdleTimeout time.Duration
	Metrics     *Metrics
}

// Manager owns the active-session table, one entry per remote identity.
// All mutation of the table happens here; other components observe it
// through Send and the callback surface only.
type Manager struct {
	log       *zap.Logger
	self      identity.ID
	dialer    Dialer
	profile   func() wire.Profile
	onPayload func(identity.ID, wire.Payload)
	onStatus  func(identity.ID, Status)
	heartbeat time.Duration
	idle      time.Duration
	metrics   *Metrics

	mu       sync.RWMutex
	sessions map[identity.ID]*Session
}

// NewManager builds a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Self == "" {
		return nil, errors.New("self identity is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Profile == nil {
		cfg.Profile = func() wire.Profile { return wire.Profile{} }
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Manager{
		log:       cfg.Log,
		self:      cfg.Self,
		dialer:    cfg.Dialer,
		profile:   cfg.Profile,
		onPayload: cfg.OnPayload,
		onStatus:  cfg.OnStatus,
		heartbeat: cfg.HeartbeatInterval,
		idle:      cfg.IdleTimeout,
		metrics:   cfg.Metrics,
		sessions:  make(map[identity.ID]*Session),
	}, nil
}

// Connect opens an outbound session to id. Any existing session for the
// same identity is torn down first so at most one session per identity
// exists at any instant. The new session transitions to Open once the
// transport reports the link up and the handshake has been sent.
func (m *Manager) Connect(ctx context.Context, id identity.ID) error {
	if id == m.self {
		return errors.New("cannot connect to self")
	}

	s := &Session{id: id, isOut: true, opened: time.Now(), status: Connecting}
	m.replace(s)
	m.notify(id, Connecting)
	m.metrics.RecordConnectAttempt()

	link, err := m.dialer.Dial(ctx, id)
	if err != nil {
		m.metrics.RecordConnectFailure()
		m.drop(s)
		m.notify(id, Closed)
		// Peer unavailable is expected when a contact is simply offline;
		// log quietly and let the caller decide about retries.
		m.log.Debug("dial peer failed", zap.String("peer", id.String()), zap.Error(err))
		return fmt.Errorf("dial %s: %w", id, err)
	}

	if !s.open(link, time.Now()) {
		// Replaced while dialing; the newer session wins.
		_ = link.Close()
		return nil
	}
	m.metrics.SetOpenSessions(m.countOpen())
	m.notify(id, Open)
	m.sendHandshake(s)
	m.log.Info("session open", zap.String("peer", id.String()), zap.Bool("outbound", true))
	return nil
}

// Accept registers an inbound session, replacing any existing one for the
// same identity, and answers with the local handshake.
func (m *Manager) Accept(id identity.ID, link Link) {
	s := &Session{id: id, opened: time.Now(), status: Connecting}
	m.replace(s)
	if !s.open(link, time.Now()) {
		_ = link.Close()
		return
	}
	m.metrics.RecordInboundAccept()
	m.metrics.SetOpenSessions(m.countOpen())
	m.notify(id, Open)
	m.sendHandshake(s)
	m.log.Info("session open", zap.String("peer", id.String()), zap.Bool("outbound", false))
}

// Deliver stamps liveness and forwards non-ping frames upward. Pings are
// consumed here and never reach the router.
func (m *Manager) Deliver(id identity.ID, p wire.Payload) {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s != nil {
		s.touch(time.Now())
	}

	if p.Type == wire.TypePing {
		m.metrics.RecordPingReceived()
		return
	}
	if m.onPayload != nil {
		m.onPayload(id, p)
	}
}

// Lost marks the session Closed and removes it from the table, but only
// when the current session still holds the reported link; a replaced
// link's read loop must not destroy the session that replaced it. A nil
// link drops the session unconditionally. The manager does not retry
// per-peer losses; callers re-Connect when they next need the peer.
func (m *Manager) Lost(id identity.ID, link Link, err error) {
	m.mu.Lock()
	s := m.sessions[id]
	if s != nil && link != nil && !s.owns(link) {
		m.mu.Unlock()
		m.log.Debug("ignoring loss report from stale link", zap.String("peer", id.String()))
		return
	}
	if s != nil {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.close()
	m.metrics.SetOpenSessions(m.countOpen())
	m.notify(id, Closed)
	m.log.Debug("session lost", zap.String("peer", id.String()), zap.Error(err))
}

// Send transmits immediately iff an Open session for id exists. It never
// blocks on connection setup and never returns an error: a false return
// leaves any retry decision to the caller.
func (m *Manager) Send(id identity.ID, p wire.Payload) bool {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s == nil {
		m.metrics.RecordSendMiss()
		return false
	}
	if !s.send(p) {
		m.metrics.RecordSendMiss()
		return false
	}
	return true
}

// Get returns the session for id, if any.
func (m *Manager) Get(id identity.ID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Run drives the heartbeat ticker (and the idle watchdog when enabled)
// until ctx is canceled, then tears down every session.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case <-ticker.C:
			m.pingAll()
			if m.idle > 0 {
				m.reapIdle(time.Now().Add(-m.idle))
			}
		}
	}
}

// CloseAll tears down every session. Used on logout.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[identity.ID]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		s.close()
		m.notify(id, Closed)
	}
	m.metrics.SetOpenSessions(0)
}

func (m *Manager) pingAll() {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	ping := wire.Ping()
	for _, s := range open {
		if s.send(ping) {
			m.metrics.RecordPingSent()
		}
	}
}

func (m *Manager) reapIdle(cutoff time.Time) {
	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.Status() == Open && s.LastSeen().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.log.Info("closing idle session", zap.String("peer", s.id.String()))
		m.Lost(s.id, nil, errors.New("idle timeout"))
	}
}

// replace installs s in the table, closing any previous session for the
// same identity first.
func (m *Manager) replace(s *Session) {
	m.mu.Lock()
	old := m.sessions[s.id]
	m.sessions[s.id] = s
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// drop removes s only if it is still the current entry for its identity.
func (m *Manager) drop(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	s.close()
}

func (m *Manager) sendHandshake(s *Session) {
	if !s.send(wire.Handshake(m.profile())) {
		m.log.Debug("handshake send failed", zap.String("peer", s.id.String()))
	}
}

func (m *Manager) countOpen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status() == Open {
			n++
		}
	}
	return n
}

func (m *Manager) notify(id identity.ID, status Status) {
	if m.onStatus != nil {
		m.onStatus(id, status)
	}
}
