// Package call manages the single audio/video call session layered on top
// of a peer identity, independent of the text-message session.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eind-chat/eind-core/internal/identity"
	"go.uber.org/zap"
)

// State is the call controller's lifecycle position. Exactly one call is
// supported at a time.
type State int

const (
	Idle State = iota
	Dialing
	Ringing
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	}
	return "unknown"
}

var (
	// ErrMediaAcquisition reports that the local camera or microphone
	// could not be acquired. Surfaced to the user; call setup aborts.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrCallInProgress reports an attempt to start a call while one is
	// already underway.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNoIncomingCall reports Answer/Reject with nothing ringing.
	ErrNoIncomingCall = errors.New("no incoming call")
)

// MediaStream is an opaque handle to a capture or playback stream owned by
// the external media layer.
type MediaStream interface {
	Stop()
}

// MediaSource acquires local capture devices. External collaborator.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// MediaSession is one negotiated media call at the transport.
type MediaSession interface {
	Close() error
}

// Transport initiates outbound media calls. External collaborator; remote
// stream arrival and teardown come back through Events.
type Transport interface {
	Dial(ctx context.Context, id identity.ID, local MediaStream) (MediaSession, error)
}

// Incoming is one inbound call offer delivered by the transport.
type Incoming interface {
	From() identity.ID
	Answer(ctx context.Context, local MediaStream) (MediaSession, error)
	Reject()
}

// Events is the callback surface the media transport drives. *Controller
// implements it.
type Events interface {
	IncomingCall(in Incoming)
	RemoteArrived(stream MediaStream)
	CallEnded(err error)
}

// Config wires the controller's collaborators.
type Config struct {
	Log       *zap.Logger
	Media     MediaSource
	Transport Transport
	// OnState observes transitions. Optional.
	OnState func(s State, peer identity.ID)
}

// Controller drives call setup and teardown. All methods are safe for
// concurrent use; teardown is synchronous from the caller's perspective
// and never exposes a partial state.
type Controller struct {
	log       *zap.Logger
	media     MediaSource
	transport Transport
	onState   func(State, identity.ID)

	mu       sync.Mutex
	state    State
	peer     identity.ID
	local    MediaStream
	remote   MediaStream
	session  MediaSession
	incoming Incoming
}

// NewController builds an idle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Media == nil {
		return nil, errors.New("media source is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("call transport is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Controller{
		log:       cfg.Log,
		media:     cfg.Media,
		transport: cfg.Transport,
		onState:   cfg.OnState,
	}, nil
}

// State returns the current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start places an outbound call. Media is acquired first; if that fails no
// transport call is ever initiated and the controller stays Idle. The call
// becomes Active when the remote stream arrives.
func (c *Controller) Start(ctx context.Context, id identity.ID, video bool) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.state = Dialing
	c.peer = id
	c.mu.Unlock()
	c.notify(Dialing, id)

	local, err := c.media.Acquire(ctx, video)
	if err != nil {
		c.toIdle()
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	session, err := c.transport.Dial(ctx, id, local)
	if err != nil {
		local.Stop()
		c.toIdle()
		return fmt.Errorf("dial call to %s: %w", id, err)
	}

	c.mu.Lock()
	// The remote stream may already have arrived, moving the call to
	// Active before Dial returned. Only a teardown discards the session.
	if c.state != Dialing && c.state != Active {
		c.mu.Unlock()
		local.Stop()
		_ = session.Close()
		return nil
	}
	c.local = local
	c.session = session
	c.mu.Unlock()
	c.log.Info("call dialing", zap.String("peer", id.String()), zap.Bool("video", video))
	return nil
}

// Answer accepts the ringing inbound call.
func (c *Controller) Answer(ctx context.Context, video bool) error {
	c.mu.Lock()
	if c.state != Ringing || c.incoming == nil {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	in := c.incoming
	c.mu.Unlock()

	local, err := c.media.Acquire(ctx, video)
	if err != nil {
		c.toIdle()
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	session, err := in.Answer(ctx, local)
	if err != nil {
		local.Stop()
		c.toIdle()
		return fmt.Errorf("answer call: %w", err)
	}

	c.mu.Lock()
	// A teardown while answering leaves any other state than Ringing or
	// Active; in that case the negotiated session is discarded.
	if c.state != Ringing && c.state != Active {
		c.mu.Unlock()
		local.Stop()
		_ = session.Close()
		return nil
	}
	c.local = local
	c.session = session
	c.incoming = nil
	became := c.state != Active
	c.state = Active
	peer := c.peer
	c.mu.Unlock()
	if became {
		c.notify(Active, peer)
	}
	c.log.Info("call answered", zap.String("peer", peer.String()))
	return nil
}

// Reject drops the ringing call without any transport-level negotiation.
func (c *Controller) Reject() error {
	c.mu.Lock()
	if c.state != Ringing || c.incoming == nil {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	in := c.incoming
	c.incoming = nil
	c.mu.Unlock()

	in.Reject()
	c.toIdle()
	return nil
}

// HangUp tears down whatever call is underway. Safe to call when Idle.
func (c *Controller) HangUp() {
	c.toIdle()
}

// IncomingCall implements Events. A second call while one is underway is
// rejected immediately; the current call is never disturbed.
func (c *Controller) IncomingCall(in Incoming) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		c.log.Info("rejecting call while busy", zap.String("peer", in.From().String()))
		in.Reject()
		return
	}
	c.state = Ringing
	c.peer = in.From()
	c.incoming = in
	peer := c.peer
	c.mu.Unlock()
	c.notify(Ringing, peer)
}

// RemoteArrived implements Events: the remote stream is bound and an
// outbound call becomes Active. A stream arriving while Ringing is held
// until Answer completes.
func (c *Controller) RemoteArrived(stream MediaStream) {
	c.mu.Lock()
	switch c.state {
	case Ringing:
		c.remote = stream
		c.mu.Unlock()
	case Dialing, Active:
		c.remote = stream
		became := c.state == Dialing
		c.state = Active
		peer := c.peer
		c.mu.Unlock()
		if became {
			c.notify(Active, peer)
		}
	default:
		c.mu.Unlock()
		stream.Stop()
	}
}

// CallEnded implements Events: either side's close or error tears the call
// down completely.
func (c *Controller) CallEnded(err error) {
	if err != nil {
		c.log.Debug("call ended with error", zap.Error(err))
	}
	c.toIdle()
}

// RemoteStream returns the bound remote stream, if any.
func (c *Controller) RemoteStream() MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// toIdle closes the media session, stops local tracks, discards stream
// references and returns to Idle in one step.
func (c *Controller) toIdle() {
	c.mu.Lock()
	session := c.session
	local := c.local
	remote := c.remote
	incoming := c.incoming
	peer := c.peer
	wasIdle := c.state == Idle
	c.session = nil
	c.local = nil
	c.remote = nil
	c.incoming = nil
	c.peer = ""
	c.state = Idle
	c.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if local != nil {
		local.Stop()
	}
	if remote != nil {
		remote.Stop()
	}
	if incoming != nil {
		incoming.Reject()
	}
	if !wasIdle {
		c.notify(Idle, peer)
	}
}

func (c *Controller) notify(s State, peer identity.ID) {
	if c.onState != nil {
		c.onState(s, peer)
	}
}
