package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/wire"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	var tick int64
	return New(Config{
		Log: zaptest.NewLogger(t),
		// Deterministic, strictly increasing clock.
		Now: func() time.Time {
			tick++
			return time.Unix(0, tick)
		},
	})
}

func text(body string) wire.Payload {
	return wire.Payload{Type: wire.TypeText, Content: body, Text: body}
}

func TestPingNeverMutatesConversations(t *testing.T) {
	r := newTestRouter(t)
	r.Merge("eind-9123456789", wire.Ping(), NoActive)
	if got := r.Conversations(); len(got) != 0 {
		t.Fatalf("ping must not create conversations, got %d", len(got))
	}
}

func TestDirectMergeFromUnknownSenderCreatesConversation(t *testing.T) {
	r := newTestRouter(t)
	peer := identity.ID("eind-9123456789")

	r.Merge(peer, text("hi"), NoActive)

	c, ok := r.Get(ConvID(peer))
	if !ok {
		t.Fatalf("expected conversation created")
	}
	if c.Kind != Direct || c.UnreadCount != 1 || len(c.Messages) != 1 {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	if c.DisplayName != "User 9123456789" {
		t.Fatalf("expected fallback name from identity fragment, got %q", c.DisplayName)
	}
	if c.Messages[0].Direction != Inbound || c.Messages[0].Content != "hi" {
		t.Fatalf("unexpected message: %+v", c.Messages[0])
	}
}

func TestActiveConversationSkipsUnread(t *testing.T) {
	r := newTestRouter(t)
	peer := identity.ID("eind-9123456789")

	r.Merge(peer, text("hi"), ConvID(peer))

	c, _ := r.Get(ConvID(peer))
	if c.UnreadCount != 0 {
		t.Fatalf("active conversation must not accrue unread, got %d", c.UnreadCount)
	}

	r.Merge(peer, text("again"), NoActive)
	c, _ = r.Get(ConvID(peer))
	if c.UnreadCount != 1 {
		t.Fatalf("inactive conversation must accrue unread, got %d", c.UnreadCount)
	}
}

func TestMergeOrderIsPerConversation(t *testing.T) {
	r := newTestRouter(t)
	a := identity.ID("eind-9000000001")
	b := identity.ID("eind-9000000002")

	// Interleave merges across two conversations.
	for i := 0; i < 5; i++ {
		r.Merge(a, text(fmt.Sprintf("a%d", i)), NoActive)
		r.Merge(b, text(fmt.Sprintf("b%d", i)), NoActive)
	}

	ca, _ := r.Get(ConvID(a))
	cb, _ := r.Get(ConvID(b))
	for i := 0; i < 5; i++ {
		if ca.Messages[i].Content != fmt.Sprintf("a%d", i) {
			t.Fatalf("conversation a order broken at %d: %+v", i, ca.Messages[i])
		}
		if cb.Messages[i].Content != fmt.Sprintf("b%d", i) {
			t.Fatalf("conversation b order broken at %d: %+v", i, cb.Messages[i])
		}
	}
}

func TestRecencyOrdering(t *testing.T) {
	r := newTestRouter(t)
	a := identity.ID("eind-9000000001")
	b := identity.ID("eind-9000000002")

	r.Merge(a, text("first"), NoActive)
	r.Merge(b, text("second"), NoActive)

	convs := r.Conversations()
	if len(convs) != 2 || convs[0].ID != ConvID(b) {
		t.Fatalf("expected most recent conversation first, got %+v", convs)
	}

	r.Merge(a, text("third"), NoActive)
	convs = r.Conversations()
	if convs[0].ID != ConvID(a) {
		t.Fatalf("expected conversation a moved to top after new message")
	}
}

func TestHandshakeMergesProfileWithoutHistory(t *testing.T) {
	r := newTestRouter(t)
	peer := identity.ID("eind-9123456789")

	r.Merge(peer, wire.Handshake(wire.Profile{DisplayName: "Alice", Avatar: "a.png", Phone: "9123456789"}), NoActive)

	c, ok := r.Get(ConvID(peer))
	if !ok {
		t.Fatalf("handshake from unknown sender must create a conversation")
	}
	if c.DisplayName != "Alice" || c.Avatar != "a.png" {
		t.Fatalf("profile not merged: %+v", c)
	}
	if len(c.Messages) != 0 || c.UnreadCount != 0 {
		t.Fatalf("handshake must not append history or unread: %+v", c)
	}

	// Refresh on an existing conversation.
	r.Merge(peer, wire.Handshake(wire.Profile{DisplayName: "Alice B."}), NoActive)
	c, _ = r.Get(ConvID(peer))
	if c.DisplayName != "Alice B." || c.Avatar != "a.png" {
		t.Fatalf("refresh must update name and keep avatar: %+v", c)
	}
}

func TestGroupSynthesizedFromFirstMessage(t *testing.T) {
	r := newTestRouter(t)
	sender := identity.ID("eind-9000000001")

	p := text("go")
	p.GroupID = "team-token"
	p.GroupName = "Team"
	p.SenderDisplayName = "Bob"
	r.Merge(sender, p, NoActive)

	c, ok := r.Get(ConvID("team-token"))
	if !ok {
		t.Fatalf("group must materialize from first tagged message")
	}
	if c.Kind != Group || c.DisplayName != "Team" {
		t.Fatalf("unexpected group: %+v", c)
	}
	if len(c.Messages) != 1 || c.Messages[0].SenderDisplayName != "Bob" {
		t.Fatalf("sender name must come from the payload: %+v", c.Messages)
	}
	if !c.hasParticipant(sender) {
		t.Fatalf("sender must be recorded as participant")
	}
	if c.UnreadCount != 1 {
		t.Fatalf("group message must count unread, got %d", c.UnreadCount)
	}
}

func TestAddContactScenario(t *testing.T) {
	r := newTestRouter(t)

	c, err := r.AddContact("9123456789")
	if err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if c.ID != "eind-9123456789" {
		t.Fatalf("conversation id must equal derived identity, got %s", c.ID)
	}
	if c.UnreadCount != 0 || c.LastMessage != "Tap to start chat" {
		t.Fatalf("placeholder conversation wrong: %+v", c)
	}

	if _, err := r.AddContact("(912) 345-6789"); !errors.Is(err, ErrDuplicateContact) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	r.Merge("eind-9123456789", text("hi"), NoActive)
	got, _ := r.Get("eind-9123456789")
	if got.UnreadCount != 1 || got.LastMessage != "hi" {
		t.Fatalf("inbound text must bump unread and preview: %+v", got)
	}
	if top := r.Conversations()[0]; top.ID != got.ID {
		t.Fatalf("conversation must move to top of recency order")
	}
}

func TestCreateGroupResolvesMembers(t *testing.T) {
	r := newTestRouter(t)

	c, err := r.CreateGroup("Team", []string{"9000000001", "9000000002"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if c.Kind != Group || len(c.Participants) != 2 {
		t.Fatalf("unexpected group: %+v", c)
	}
	if c.Participants[0] != "eind-9000000001" || c.Participants[1] != "eind-9000000002" {
		t.Fatalf("participants not derived: %+v", c.Participants)
	}

	if _, err := r.CreateGroup("Bad", []string{"123"}); err == nil {
		t.Fatalf("expected invalid member to fail group creation")
	}
}

func TestAppendOutboundIsOptimistic(t *testing.T) {
	r := newTestRouter(t)
	if _, err := r.AddContact("9123456789"); err != nil {
		t.Fatalf("add contact: %v", err)
	}

	msg, err := r.AppendOutbound("eind-9123456789", text("hello"))
	if err != nil {
		t.Fatalf("append outbound: %v", err)
	}
	if msg.Direction != Outbound || msg.ID == 0 {
		t.Fatalf("unexpected message: %+v", msg)
	}

	c, _ := r.Get("eind-9123456789")
	if len(c.Messages) != 1 || c.LastMessage != "hello" {
		t.Fatalf("outbound append must be visible immediately: %+v", c)
	}
	if c.UnreadCount != 0 {
		t.Fatalf("own messages never count unread")
	}

	if _, err := r.AppendOutbound("nope", text("x")); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected unknown conversation error, got %v", err)
	}
}

func TestDeleteRemovesConversation(t *testing.T) {
	r := newTestRouter(t)
	peer := identity.ID("eind-9123456789")
	r.Merge(peer, text("hi"), NoActive)

	if !r.Delete(ConvID(peer)) {
		t.Fatal("delete of a known conversation must report true")
	}
	if _, ok := r.Get(ConvID(peer)); ok {
		t.Fatal("conversation still present after delete")
	}
	if r.Delete(ConvID(peer)) {
		t.Fatal("second delete must report false")
	}
}

func TestMessageIDsAreMonotonic(t *testing.T) {
	r := newTestRouter(t)
	peer := identity.ID("eind-9123456789")

	var last uint64
	for i := 0; i < 10; i++ {
		r.Merge(peer, text("m"), NoActive)
		c, _ := r.Get(ConvID(peer))
		id := c.Messages[len(c.Messages)-1].ID
		if id <= last {
			t.Fatalf("message ids must be monotonic: %d after %d", id, last)
		}
		last = id
	}
}

func TestSeedResumesMessageIDs(t *testing.T) {
	r := newTestRouter(t)
	r.Seed([]Conversation{{
		ID:   "eind-9123456789",
		Kind: Direct,
		Messages: []Message{
			{ID: 41, Direction: Inbound, Kind: wire.TypeText, Content: "old"},
		},
	}})

	msg, err := r.AppendOutbound("eind-9123456789", text("new"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID <= 41 {
		t.Fatalf("seeded ids must not be reused, got %d", msg.ID)
	}
}
