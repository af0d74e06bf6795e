// Package fanout replicates one outbound message across a group's members.
//
// Delivery is best effort: each member gets one immediate send attempt and,
// if no session is open, one reconnect followed by a single delayed retry.
// There is no acknowledgment, no further retry and no record of which
// members received the message. Callers needing at-least-once delivery must
// build it above this layer.
package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/router"
	"github.com/eind-chat/eind-core/internal/wire"
	"go.uber.org/zap"
)

const defaultRetryDelay = 1500 * time.Millisecond

// Sender is the slice of the session manager the fanout drives.
type Sender interface {
	Send(id identity.ID, p wire.Payload) bool
	Connect(ctx context.Context, id identity.ID) error
}

// Config wires the fanout's collaborators.
type Config struct {
	Log    *zap.Logger
	Sender Sender
	Self   identity.ID
	// RetryDelay is the pause between the reconnect and the single retry.
	RetryDelay time.Duration
}

// Fanout delivers group messages member by member.
type Fanout struct {
	log    *zap.Logger
	sender Sender
	self   identity.ID
	delay  time.Duration
}

// New builds a Fanout.
func New(cfg Config) (*Fanout, error) {
	if cfg.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.Self == "" {
		return nil, errors.New("self identity is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Fanout{
		log:    cfg.Log,
		sender: cfg.Sender,
		self:   cfg.Self,
		delay:  cfg.RetryDelay,
	}, nil
}

// SendToGroup attempts delivery to every participant except the local
// identity. Members without an open session get a reconnect and exactly one
// delayed retry; ctx cancellation (logout) cancels pending retries.
func (f *Fanout) SendToGroup(ctx context.Context, conv router.Conversation, p wire.Payload) {
	for _, member := range conv.Participants {
		if member == f.self {
			continue
		}
		if f.sender.Send(member, p) {
			continue
		}
		go f.retry(ctx, member, p)
	}
}

func (f *Fanout) retry(ctx context.Context, member identity.ID, p wire.Payload) {
	if err := f.sender.Connect(ctx, member); err != nil {
		// Offline members are expected; the retry below still runs in
		// case an inbound session appeared meanwhile.
		f.log.Debug("fanout reconnect failed", zap.String("peer", member.String()), zap.Error(err))
	}

	timer := time.NewTimer(f.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if !f.sender.Send(member, p) {
		f.log.Debug("fanout delivery abandoned", zap.String("peer", member.String()))
	}
}
