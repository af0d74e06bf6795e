// Package router classifies inbound payloads and owns all conversation
// state. It is the only writer of the conversation table; the session layer
// feeds it frames and the UI reads sorted snapshots.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NoActive is passed as the active conversation when no chat is open on
// screen, so every merge accrues unread count.
const NoActive ConvID = ""

var (
	// ErrDuplicateContact reports an AddContact call for an identity that
	// already has a conversation.
	ErrDuplicateContact = errors.New("contact already added")
	// ErrUnknownConversation reports an operation against a conversation
	// id with no local state.
	ErrUnknownConversation = errors.New("unknown conversation")
)

// Router merges inbound payloads into conversations and serves ordered
// snapshots. All exported methods are safe for concurrent use.
type Router struct {
	log *zap.Logger
	now func() time.Time
	// onChange receives a snapshot of every mutated conversation, outside
	// the router lock. Used to persist state; may be nil.
	onChange func(Conversation)

	mu     sync.RWMutex
	convs  map[ConvID]*Conversation
	nextID uint64
}

// Config wires the router's collaborators.
type Config struct {
	Log      *zap.Logger
	Now      func() time.Time
	OnChange func(Conversation)
}

// New builds an empty router.
func New(cfg Config) *Router {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		log:      cfg.Log,
		now:      cfg.Now,
		onChange: cfg.OnChange,
		convs:    make(map[ConvID]*Conversation),
		nextID:   1,
	}
}

// Seed loads previously persisted conversations, typically at login. The
// message id counter resumes past the highest seen id.
func (r *Router) Seed(convs []Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range convs {
		c := cloneConversation(&convs[i])
		r.convs[c.ID] = &c
		for _, m := range c.Messages {
			if m.ID >= r.nextID {
				r.nextID = m.ID + 1
			}
		}
	}
}

// Merge classifies one inbound payload and folds it into conversation
// state. active names the conversation currently open on screen; it is an
// explicit parameter so unread accounting stays testable rather than
// reading ambient UI state. Precedence: ping, handshake, group, direct.
func (r *Router) Merge(from identity.ID, p wire.Payload, active ConvID) {
	switch {
	case p.Type == wire.TypePing:
		// Heartbeats are consumed by the session layer; tolerate strays.
		return
	case p.Type == wire.TypeHandshake:
		r.mergeHandshake(from, p)
	case !p.IsChat():
		r.log.Debug("discarding unknown payload", zap.String("type", p.Type), zap.String("from", from.String()))
	case p.GroupID != "":
		r.mergeGroup(from, p, active)
	default:
		r.mergeDirect(from, p, active)
	}
}

// mergeHandshake refreshes (or creates) the Direct conversation for the
// sender from its self-declared profile. The claimed phone number is not
// verifiable; this is a naming convenience only. Handshakes never append
// to message history.
func (r *Router) mergeHandshake(from identity.ID, p wire.Payload) {
	if p.User == nil {
		return
	}

	r.mu.Lock()
	id := ConvID(from)
	c, ok := r.convs[id]
	if !ok {
		c = &Conversation{
			ID:             id,
			Kind:           Direct,
			DisplayName:    p.User.DisplayName,
			Avatar:         p.User.Avatar,
			Phone:          p.User.Phone,
			LastActivityAt: r.now(),
		}
		if c.DisplayName == "" {
			c.DisplayName = fallbackName(from)
		}
		r.convs[id] = c
	} else {
		if p.User.DisplayName != "" {
			c.DisplayName = p.User.DisplayName
		}
		if p.User.Avatar != "" {
			c.Avatar = p.User.Avatar
		}
		if p.User.Phone != "" {
			c.Phone = p.User.Phone
		}
	}
	snap := cloneConversation(c)
	r.mu.Unlock()

	r.changed(snap)
}

func (r *Router) mergeGroup(from identity.ID, p wire.Payload, active ConvID) {
	now := r.now()

	r.mu.Lock()
	id := ConvID(p.GroupID)
	c, ok := r.convs[id]
	if !ok {
		// Join by first message: any sender that knows a group id can
		// materialize the group locally. There is no invitation exchange.
		name := p.GroupName
		if name == "" {
			name = p.GroupID
		}
		c = &Conversation{ID: id, Kind: Group, DisplayName: name}
		r.convs[id] = c
	}
	if !c.hasParticipant(from) {
		c.Participants = append(c.Participants, from)
	}
	r.appendLocked(c, Message{
		Direction:         Inbound,
		Kind:              p.Type,
		Content:           chatContent(p),
		FileName:          p.FileName,
		SenderDisplayName: p.SenderDisplayName,
		Timestamp:         now,
	}, preview(p), now)
	if id != active {
		c.UnreadCount++
	}
	snap := cloneConversation(c)
	r.mu.Unlock()

	r.changed(snap)
}

func (r *Router) mergeDirect(from identity.ID, p wire.Payload, active ConvID) {
	now := r.now()

	r.mu.Lock()
	id := ConvID(from)
	c, ok := r.convs[id]
	if !ok {
		name := p.SenderDisplayName
		if name == "" && p.User != nil {
			name = p.User.DisplayName
		}
		if name == "" {
			name = fallbackName(from)
		}
		c = &Conversation{ID: id, Kind: Direct, DisplayName: name}
		r.convs[id] = c
	}
	if p.User != nil {
		if p.User.DisplayName != "" {
			c.DisplayName = p.User.DisplayName
		}
		if p.User.Avatar != "" {
			c.Avatar = p.User.Avatar
		}
	}
	r.appendLocked(c, Message{
		Direction:         Inbound,
		Kind:              p.Type,
		Content:           chatContent(p),
		FileName:          p.FileName,
		SenderDisplayName: p.SenderDisplayName,
		Timestamp:         now,
	}, preview(p), now)
	if id != active {
		c.UnreadCount++
	}
	snap := cloneConversation(c)
	r.mu.Unlock()

	r.changed(snap)
}

// AppendOutbound records a sent message optimistically, before any
// transport confirmation. There is no rollback if the transit send later
// fails; the entry simply stays local.
func (r *Router) AppendOutbound(id ConvID, p wire.Payload) (Message, error) {
	now := r.now()

	r.mu.Lock()
	c, ok := r.convs[id]
	if !ok {
		r.mu.Unlock()
		return Message{}, fmt.Errorf("append outbound to %s: %w", id, ErrUnknownConversation)
	}
	msg := Message{
		Direction: Outbound,
		Kind:      p.Type,
		Content:   chatContent(p),
		FileName:  p.FileName,
		Timestamp: now,
	}
	r.appendLocked(c, msg, preview(p), now)
	msg = c.Messages[len(c.Messages)-1]
	snap := cloneConversation(c)
	r.mu.Unlock()

	r.changed(snap)
	return msg, nil
}

// AddContact creates the placeholder Direct conversation for a newly added
// phone number.
func (r *Router) AddContact(phone string) (Conversation, error) {
	peer, err := identity.Derive(phone)
	if err != nil {
		return Conversation{}, err
	}
	now := r.now()

	r.mu.Lock()
	id := ConvID(peer)
	if _, ok := r.convs[id]; ok {
		r.mu.Unlock()
		return Conversation{}, ErrDuplicateContact
	}
	c := &Conversation{
		ID:             id,
		Kind:           Direct,
		DisplayName:    "User " + tail(peer.DisplayFragment(), 4),
		Phone:          phone,
		LastMessage:    "Tap to start chat",
		LastActivityAt: now,
	}
	r.convs[id] = c
	snap := cloneConversation(c)
	r.mu.Unlock()

	r.changed(snap)
	return snap, nil
}

// CreateGroup builds a Group conversation with a locally generated id.
func (r *Router) CreateGroup(name string, phones []string) (Conversation, error) {
	if name == "" {
		return Conversation{}, errors.New("group name is required")
	}
	members := make([]identity.ID, 0, len(phones))
	for _, ph := range phones {
		id, err := identity.Derive(ph)
		if err != nil {
			return Conversation{}, fmt.Errorf("member %q: %w", ph, err)
		}
		members = append(members, id)
	}
	now := r.now()

	r.mu.Lock()
	c := &Conversation{
		ID:             ConvID(uuid.NewString()),
		Kind:           Group,
		DisplayName:    name,
		Participants:   members,
		LastMessage:    "Group created",
		LastActivityAt: now,
	}
	r.convs[c.ID] = c
	snap := cloneConversation(c)
	r.mu.Unlock()

	r.changed(snap)
	return snap, nil
}

// MarkRead clears the unread counter, typically when the UI opens the
// conversation.
func (r *Router) MarkRead(id ConvID) {
	r.mu.Lock()
	c, ok := r.convs[id]
	if ok {
		c.UnreadCount = 0
	}
	var snap Conversation
	if ok {
		snap = cloneConversation(c)
	}
	r.mu.Unlock()

	if ok {
		r.changed(snap)
	}
}

// Delete removes a conversation and its history. Reports whether the id
// was known.
func (r *Router) Delete(id ConvID) bool {
	r.mu.Lock()
	_, ok := r.convs[id]
	delete(r.convs, id)
	r.mu.Unlock()
	return ok
}

// Get returns a snapshot of one conversation.
func (r *Router) Get(id ConvID) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return cloneConversation(c), true
}

// Conversations returns snapshots ordered by last activity, newest first.
func (r *Router) Conversations() []Conversation {
	r.mu.RLock()
	out := make([]Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, cloneConversation(c))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// appendLocked stamps the next local message id, appends, and refreshes
// the recency fields. Caller holds r.mu.
func (r *Router) appendLocked(c *Conversation, msg Message, preview string, now time.Time) {
	msg.ID = r.nextID
	r.nextID++
	c.Messages = append(c.Messages, msg)
	c.LastMessage = preview
	c.LastActivityAt = now
}

func (r *Router) changed(snap Conversation) {
	if r.onChange != nil {
		r.onChange(snap)
	}
}

func chatContent(p wire.Payload) string {
	if p.Content != "" {
		return p.Content
	}
	return p.Text
}

// preview mirrors the conversation-list caption: message text for text
// payloads, a generic marker for media.
func preview(p wire.Payload) string {
	if p.Type == wire.TypeText {
		return chatContent(p)
	}
	return "Media"
}

func fallbackName(id identity.ID) string {
	return "User " + id.DisplayFragment()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
