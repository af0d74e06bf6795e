// Package node is the session-lifecycle root: one Node exists per login and
// owns every core component. Tearing the Node down is logout; nothing here
// survives it.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eind-chat/eind-core/internal/assistant"
	"github.com/eind-chat/eind-core/internal/call"
	"github.com/eind-chat/eind-core/internal/fanout"
	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/presence"
	"github.com/eind-chat/eind-core/internal/router"
	"github.com/eind-chat/eind-core/internal/session"
	"github.com/eind-chat/eind-core/internal/store"
	"github.com/eind-chat/eind-core/internal/wire"
)

const defaultAssistantReplyDelay = 500 * time.Millisecond

var (
	// ErrNotDirect reports a direct-send against a group conversation and
	// vice versa.
	ErrNotDirect = errors.New("conversation is not a direct chat")
	ErrNotGroup  = errors.New("conversation is not a group chat")
	// ErrCallsDisabled reports a call operation on a node built without
	// media collaborators.
	ErrCallsDisabled = errors.New("calls are not configured")
	// ErrNoTransport reports a dial before the transport was bound.
	ErrNoTransport = errors.New("transport not bound")
	// ErrMediaTooLarge reports an attachment over the wire.MaxMediaSize
	// cap. Rejected before anything is appended or transmitted.
	ErrMediaTooLarge = errors.New("media exceeds size limit")
)

// Config assembles a Node at login.
type Config struct {
	Log *zap.Logger

	Phone       string
	DisplayName string
	Avatar      string

	// Store persists conversations across logins. Optional.
	Store *store.Store

	// Media and CallTransport enable the call controller. Both optional;
	// either missing disables call operations.
	Media         call.MediaSource
	CallTransport call.Transport

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	FanoutRetryDelay  time.Duration
	// AssistantReplyDelay paces the helper contact's answers so they read
	// as a reply rather than an echo.
	AssistantReplyDelay time.Duration

	SessionMetrics *session.Metrics

	// OnConversation observes every conversation mutation. Optional; this
	// is the UI's feed.
	OnConversation func(router.Conversation)
	// OnPresence observes peers coming online. Optional.
	OnPresence func(id identity.ID)
}

// Node wires the session manager, router, fanout, presence tracker and
// call controller around one logged-in identity. It implements
// session.Dialer by delegating to the transport bound with BindTransport.
type Node struct {
	log         *zap.Logger
	self        identity.ID
	displayName string
	store       *store.Store
	manager     *session.Manager
	router      *router.Router
	fanout      *fanout.Fanout
	calls       *call.Controller
	presence    *presence.Tracker
	replyDelay  time.Duration

	onConversation func(router.Conversation)

	mu     sync.RWMutex
	dialer session.Dialer
	active router.ConvID
	runCtx context.Context
}

// New derives the identity from cfg.Phone and assembles the core. The
// returned Node is inert until Start; transport wiring happens in between
// via Events and BindTransport.
func New(cfg Config) (*Node, error) {
	self, err := identity.Derive(cfg.Phone)
	if err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	if cfg.AssistantReplyDelay <= 0 {
		cfg.AssistantReplyDelay = defaultAssistantReplyDelay
	}

	n := &Node{
		log:            cfg.Log,
		self:           self,
		displayName:    cfg.DisplayName,
		store:          cfg.Store,
		replyDelay:     cfg.AssistantReplyDelay,
		onConversation: cfg.OnConversation,
		runCtx:         context.Background(),
	}

	n.presence = presence.NewTracker(cfg.OnPresence)

	n.router = router.New(router.Config{
		Log:      cfg.Log,
		OnChange: n.conversationChanged,
	})

	profile := wire.Profile{
		DisplayName: cfg.DisplayName,
		Avatar:      cfg.Avatar,
		Phone:       cfg.Phone,
	}
	n.manager, err = session.NewManager(session.Config{
		Log:               cfg.Log,
		Self:              self,
		Dialer:            dialerFunc(n.dial),
		Profile:           func() wire.Profile { return profile },
		OnPayload:         n.inbound,
		OnStatus:          n.sessionStatus,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		Metrics:           cfg.SessionMetrics,
	})
	if err != nil {
		return nil, err
	}

	n.fanout, err = fanout.New(fanout.Config{
		Log:        cfg.Log,
		Sender:     n.manager,
		Self:       self,
		RetryDelay: cfg.FanoutRetryDelay,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Media != nil && cfg.CallTransport != nil {
		n.calls, err = call.NewController(call.Config{
			Log:       cfg.Log,
			Media:     cfg.Media,
			Transport: cfg.CallTransport,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Store != nil {
		if err := n.restore(); err != nil {
			return nil, err
		}
	}
	if _, ok := n.router.Get(assistant.ConvID); !ok {
		n.router.Seed([]router.Conversation{assistant.Conversation(time.Now())})
	}
	return n, nil
}

type dialerFunc func(ctx context.Context, id identity.ID) (session.Link, error)

func (f dialerFunc) Dial(ctx context.Context, id identity.ID) (session.Link, error) {
	return f(ctx, id)
}

// restore seeds the router from disk. A store last used by a different
// identity is wiped first; its conversations belong to the previous login.
func (n *Node) restore() error {
	prev, err := n.store.Self()
	if err != nil {
		return fmt.Errorf("read store owner: %w", err)
	}
	if prev != "" && prev != n.self {
		n.log.Info("store owned by previous login, wiping",
			zap.String("previous", prev.String()), zap.String("current", n.self.String()))
		if err := n.store.Wipe(); err != nil {
			return fmt.Errorf("wipe store: %w", err)
		}
	}
	if err := n.store.SaveSelf(n.self); err != nil {
		return fmt.Errorf("record store owner: %w", err)
	}

	convs, err := n.store.LoadConversations()
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	n.router.Seed(convs)
	n.log.Info("conversations restored", zap.Int("count", len(convs)))
	return nil
}

// Self returns the logged-in identity.
func (n *Node) Self() identity.ID { return n.self }

// Events exposes the session manager as the transport's callback sink.
func (n *Node) Events() session.Events { return n.manager }

// BindTransport attaches the outbound dialer. Must happen before any
// connect attempt; the transport itself needs Events first, hence the
// two-step wiring.
func (n *Node) BindTransport(d session.Dialer) {
	n.mu.Lock()
	n.dialer = d
	n.mu.Unlock()
}

func (n *Node) dial(ctx context.Context, id identity.ID) (session.Link, error) {
	n.mu.RLock()
	d := n.dialer
	n.mu.RUnlock()
	if d == nil {
		return nil, ErrNoTransport
	}
	return d.Dial(ctx, id)
}

// Start runs the background loops until ctx ends. Ctx cancellation is the
// logout signal: sessions close, pending fanout retries cancel.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	n.runCtx = ctx
	n.mu.Unlock()

	go n.manager.Run(ctx)
	if n.store != nil {
		go n.store.RunGC(ctx)
	}
}

func (n *Node) lifetime() context.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.runCtx
}

// Logout tears down every session and, when calls are configured, any call
// in flight. The Node must not be reused afterwards.
func (n *Node) Logout() {
	if n.calls != nil {
		n.calls.HangUp()
	}
	n.manager.CloseAll()
	n.presence.Reset()
	n.log.Info("logged out", zap.String("identity", n.self.String()))
}

// inbound feeds one frame into the router under the current active
// conversation.
func (n *Node) inbound(from identity.ID, p wire.Payload) {
	n.mu.RLock()
	active := n.active
	n.mu.RUnlock()
	n.router.Merge(from, p, active)
}

func (n *Node) sessionStatus(id identity.ID, status session.Status) {
	switch status {
	case session.Open:
		n.presence.SetOnline(id)
	case session.Closed:
		n.presence.SetOffline(id)
	}
}

func (n *Node) conversationChanged(c router.Conversation) {
	if n.store != nil {
		if err := n.store.SaveConversation(c); err != nil {
			n.log.Warn("persist conversation failed", zap.String("conv", string(c.ID)), zap.Error(err))
		}
	}
	if n.onConversation != nil {
		n.onConversation(c)
	}
}

// AddContact registers a phone number as a Direct conversation and kicks
// off a background connect so the session is ready when the user first
// opens the chat.
func (n *Node) AddContact(phone string) (router.Conversation, error) {
	conv, err := n.router.AddContact(phone)
	if err != nil {
		return router.Conversation{}, err
	}
	go func() {
		if err := n.manager.Connect(n.lifetime(), identity.ID(conv.ID)); err != nil {
			n.log.Debug("contact connect deferred", zap.String("peer", string(conv.ID)), zap.Error(err))
		}
	}()
	return conv, nil
}

// SendDirect appends the message optimistically and attempts exactly one
// transmit. A failed transmit is silent: the entry stays local with no
// delivery marker and no retry. Messages to the helper contact never touch
// the network; it answers locally after a short delay.
func (n *Node) SendDirect(convID router.ConvID, p wire.Payload) (router.Message, error) {
	conv, ok := n.router.Get(convID)
	if !ok {
		return router.Message{}, router.ErrUnknownConversation
	}
	if conv.Kind != router.Direct {
		return router.Message{}, ErrNotDirect
	}
	if p.OversizedMedia() {
		return router.Message{}, ErrMediaTooLarge
	}
	if p.SenderDisplayName == "" {
		p.SenderDisplayName = n.displayName
	}

	msg, err := n.router.AppendOutbound(convID, p)
	if err != nil {
		return router.Message{}, err
	}
	if convID == assistant.ConvID {
		if p.Type == wire.TypeText {
			n.assistantReply(chatText(p))
		}
		return msg, nil
	}
	if !n.manager.Send(identity.ID(convID), p) {
		n.log.Debug("direct send missed, message kept local", zap.String("peer", string(convID)))
	}
	return msg, nil
}

// assistantReply schedules the helper contact's answer on the node
// lifetime, so logout cancels pending replies.
func (n *Node) assistantReply(text string) {
	ctx := n.lifetime()
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.replyDelay):
		}
		n.inbound(identity.ID(assistant.ConvID), wire.Payload{
			Type:              wire.TypeText,
			Text:              assistant.Reply(text),
			SenderDisplayName: assistant.DisplayName,
		})
	}()
}

func chatText(p wire.Payload) string {
	if p.Text != "" {
		return p.Text
	}
	return p.Content
}

// CreateGroup builds a group conversation from member phone numbers.
func (n *Node) CreateGroup(name string, phones []string) (router.Conversation, error) {
	return n.router.CreateGroup(name, phones)
}

// SendGroup appends the message and fans it out to every participant.
// Retries for offline members run on the node lifetime context so logout
// cancels them.
func (n *Node) SendGroup(convID router.ConvID, p wire.Payload) (router.Message, error) {
	conv, ok := n.router.Get(convID)
	if !ok {
		return router.Message{}, router.ErrUnknownConversation
	}
	if conv.Kind != router.Group {
		return router.Message{}, ErrNotGroup
	}
	if p.OversizedMedia() {
		return router.Message{}, ErrMediaTooLarge
	}

	p.GroupID = string(convID)
	p.GroupName = conv.DisplayName
	if p.SenderDisplayName == "" {
		p.SenderDisplayName = n.displayName
	}

	msg, err := n.router.AppendOutbound(convID, p)
	if err != nil {
		return router.Message{}, err
	}
	n.fanout.SendToGroup(n.lifetime(), conv, p)
	return msg, nil
}

// MarkActive records the conversation open on screen. Unread accounting
// skips it from now on; its current counter clears. For direct chats with
// no live session a background connect warms the link.
func (n *Node) MarkActive(convID router.ConvID) {
	n.mu.Lock()
	n.active = convID
	n.mu.Unlock()

	n.router.MarkRead(convID)

	conv, ok := n.router.Get(convID)
	if !ok || conv.Kind != router.Direct {
		return
	}
	// The helper contact (or any id that is not a peer identity) is never
	// dialed.
	peer, err := identity.Parse(string(convID))
	if err != nil {
		return
	}
	if s, ok := n.manager.Get(peer); ok && s.Status() == session.Open {
		return
	}
	go func() {
		if err := n.manager.Connect(n.lifetime(), peer); err != nil {
			n.log.Debug("active chat connect deferred", zap.String("peer", peer.String()), zap.Error(err))
		}
	}()
}

// ClearActive records that no conversation is on screen.
func (n *Node) ClearActive() {
	n.mu.Lock()
	n.active = router.NoActive
	n.mu.Unlock()
}

// DeleteConversation drops a chat and its history, locally and on disk.
func (n *Node) DeleteConversation(id router.ConvID) error {
	if !n.router.Delete(id) {
		return router.ErrUnknownConversation
	}
	n.mu.Lock()
	if n.active == id {
		n.active = router.NoActive
	}
	n.mu.Unlock()

	if n.store != nil {
		if err := n.store.DeleteConversation(id); err != nil {
			return fmt.Errorf("delete stored conversation %s: %w", id, err)
		}
	}
	return nil
}

// Conversations returns the ordered conversation list snapshot.
func (n *Node) Conversations() []router.Conversation {
	return n.router.Conversations()
}

// Conversation returns one conversation snapshot.
func (n *Node) Conversation(id router.ConvID) (router.Conversation, bool) {
	return n.router.Get(id)
}

// Peers returns the current presence snapshot.
func (n *Node) Peers() []presence.Info {
	return n.presence.List()
}

// StartCall dials an outbound call toward a peer identity.
func (n *Node) StartCall(ctx context.Context, peer identity.ID, video bool) error {
	if n.calls == nil {
		return ErrCallsDisabled
	}
	return n.calls.Start(ctx, peer, video)
}

// AnswerCall accepts the ringing inbound call.
func (n *Node) AnswerCall(ctx context.Context, video bool) error {
	if n.calls == nil {
		return ErrCallsDisabled
	}
	return n.calls.Answer(ctx, video)
}

// RejectCall declines the ringing inbound call.
func (n *Node) RejectCall() error {
	if n.calls == nil {
		return ErrCallsDisabled
	}
	return n.calls.Reject()
}

// HangUp ends the current call, whatever its state.
func (n *Node) HangUp() {
	if n.calls != nil {
		n.calls.HangUp()
	}
}

// CallEvents exposes the controller as the media transport's callback
// sink, or nil when calls are disabled.
func (n *Node) CallEvents() call.Events {
	if n.calls == nil {
		return nil
	}
	return n.calls
}
