// Package session owns one transport session per remote identity and drives
// its lifecycle: connect, handshake, heartbeat, replacement and teardown.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/wire"
)

// Status is the lifecycle state of one peer session. Closed is terminal for
// the session object; a later connect for the same identity creates a fresh
// session rather than reviving the old one.
type Status int

const (
	Connecting Status = iota
	Open
	Closed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Link is one reliable per-peer channel provided by the external transport.
// Implementations deliver inbound frames and loss events back through the
// Events interface they were constructed with.
type Link interface {
	Send(p wire.Payload) error
	Close() error
}

// Dialer opens an outbound Link to a remote identity. The concrete
// transport (QUIC behind a signaling directory in this repo) implements it;
// tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, id identity.ID) (Link, error)
}

// Events is the callback surface the transport drives. *Manager implements
// it; all three methods are safe for concurrent use.
type Events interface {
	// Accept registers an inbound session. Accepted unconditionally: there
	// is no allow-list or proof that the claimed identity owns its phone
	// number.
	Accept(id identity.ID, link Link)
	// Deliver hands the manager one inbound frame from an established
	// session.
	Deliver(id identity.ID, p wire.Payload)
	// Lost reports that the link carrying the session to id died at the
	// transport level. The report is ignored when the current session no
	// longer holds that link, so a replaced link's read loop cannot tear
	// down its replacement. A nil link reports loss unconditionally.
	Lost(id identity.ID, link Link, err error)
}

// Session tracks one remote identity's connection state.
type Session struct {
	id     identity.ID
	isOut  bool
	opened time.Time

	mu       sync.Mutex
	status   Status
	link     Link
	lastSeen time.Time
}

// ID returns the remote identity this session addresses.
func (s *Session) ID() identity.ID { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastSeen returns the time of the most recent inbound frame, pings
// included.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// open attaches the link and moves Connecting -> Open. Returns false if the
// session was already closed by a concurrent replacement.
func (s *Session) open(link Link, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Closed {
		return false
	}
	s.link = link
	s.status = Open
	s.lastSeen = now
	return true
}

// close transitions to Closed and releases the link. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	link := s.link
	s.link = nil
	closed := s.status == Closed
	s.status = Closed
	s.mu.Unlock()

	if !closed && link != nil {
		_ = link.Close()
	}
}

// owns reports whether the session currently holds link.
func (s *Session) owns(link Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link == link
}

// send transmits iff the session is Open.
func (s *Session) send(p wire.Payload) bool {
	s.mu.Lock()
	link := s.link
	ok := s.status == Open && link != nil
	s.mu.Unlock()
	if !ok {
		return false
	}
	return link.Send(p) == nil
}
