package node

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eind-chat/eind-core/internal/assistant"
	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/router"
	"github.com/eind-chat/eind-core/internal/session"
	"github.com/eind-chat/eind-core/internal/store"
	"github.com/eind-chat/eind-core/internal/wire"
)

type fakeLink struct {
	mu   sync.Mutex
	sent []wire.Payload
}

func (l *fakeLink) Send(p wire.Payload) error {
	l.mu.Lock()
	l.sent = append(l.sent, p)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Close() error { return nil }

// fakeDialer reports every dial on a channel. Offline identities fail.
type fakeDialer struct {
	mu     sync.Mutex
	online map[identity.ID]bool
	links  map[identity.ID]*fakeLink
	dialed chan identity.ID
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		online: make(map[identity.ID]bool),
		links:  make(map[identity.ID]*fakeLink),
		dialed: make(chan identity.ID, 16),
	}
}

func (d *fakeDialer) Dial(_ context.Context, id identity.ID) (session.Link, error) {
	d.dialed <- id
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.online[id] {
		return nil, errors.New("peer offline")
	}
	link := &fakeLink{}
	d.links[id] = link
	return link, nil
}

func newTestNode(t *testing.T, phone string, cfg Config) (*Node, *fakeDialer) {
	t.Helper()
	cfg.Log = zaptest.NewLogger(t)
	cfg.Phone = phone
	if cfg.DisplayName == "" {
		cfg.DisplayName = "Tester"
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	d := newFakeDialer()
	n.BindTransport(d)
	return n, d
}

func waitDial(t *testing.T, d *fakeDialer) identity.ID {
	t.Helper()
	select {
	case id := <-d.dialed:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return ""
	}
}

func TestIdentityFollowsPhone(t *testing.T) {
	n, _ := newTestNode(t, "9876543210", Config{})
	if n.Self() != "eind-9876543210" {
		t.Fatalf("self = %s", n.Self())
	}
}

func TestAddContactThenInboundText(t *testing.T) {
	n, d := newTestNode(t, "9876543210", Config{})

	conv, err := n.AddContact("9123456789")
	if err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if conv.ID != "eind-9123456789" {
		t.Fatalf("conversation id = %s", conv.ID)
	}
	if conv.UnreadCount != 0 || conv.LastMessage != "Tap to start chat" {
		t.Fatalf("placeholder conversation = %+v", conv)
	}
	if got := waitDial(t, d); got != "eind-9123456789" {
		t.Fatalf("add contact dialed %s", got)
	}

	n.Events().Deliver("eind-9123456789", wire.Payload{Type: wire.TypeText, Content: "hi", Text: "hi"})

	got, ok := n.Conversation("eind-9123456789")
	if !ok {
		t.Fatal("conversation missing after inbound text")
	}
	if got.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", got.UnreadCount)
	}
	if got.LastMessage != "hi" {
		t.Fatalf("last message = %q", got.LastMessage)
	}
}

func TestActiveConversationSkipsUnread(t *testing.T) {
	n, d := newTestNode(t, "9876543210", Config{})

	if _, err := n.AddContact("9123456789"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	waitDial(t, d)

	n.MarkActive("eind-9123456789")
	n.Events().Deliver("eind-9123456789", wire.Payload{Type: wire.TypeText, Content: "hi"})

	conv, ok := n.Conversation("eind-9123456789")
	if !ok {
		t.Fatal("conversation missing")
	}
	if conv.UnreadCount != 0 {
		t.Fatalf("unread = %d while active, want 0", conv.UnreadCount)
	}

	n.ClearActive()
	n.Events().Deliver("eind-9123456789", wire.Payload{Type: wire.TypeText, Content: "again"})
	conv, _ = n.Conversation("eind-9123456789")
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d after clearing active, want 1", conv.UnreadCount)
	}
}

func TestSendDirectKeepsMessageOnFailure(t *testing.T) {
	n, d := newTestNode(t, "9876543210", Config{})

	if _, err := n.AddContact("9123456789"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	waitDial(t, d)

	msg, err := n.SendDirect("eind-9123456789", wire.Payload{Type: wire.TypeText, Content: "hallo", Text: "hallo"})
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}
	if msg.Direction != router.Outbound || msg.Content != "hallo" {
		t.Fatalf("appended message = %+v", msg)
	}

	conv, _ := n.Conversation("eind-9123456789")
	if len(conv.Messages) != 1 {
		t.Fatalf("expected optimistic append despite offline peer, messages = %d", len(conv.Messages))
	}
}

func TestSendDirectRejectsGroups(t *testing.T) {
	n, _ := newTestNode(t, "9876543210", Config{})

	conv, err := n.CreateGroup("Team", []string{"9000000001", "9000000002"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := n.SendDirect(conv.ID, wire.Payload{Type: wire.TypeText, Content: "x"}); !errors.Is(err, ErrNotDirect) {
		t.Fatalf("expected ErrNotDirect, got %v", err)
	}
	if _, err := n.SendGroup("eind-9123456789", wire.Payload{Type: wire.TypeText}); !errors.Is(err, router.ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
}

func TestSendGroupFansOutToAllMembers(t *testing.T) {
	n, d := newTestNode(t, "9876543210", Config{FanoutRetryDelay: 10 * time.Millisecond})

	conv, err := n.CreateGroup("Team", []string{"9000000001", "9000000002"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if len(conv.Participants) != 2 {
		t.Fatalf("participants = %v", conv.Participants)
	}

	msg, err := n.SendGroup(conv.ID, wire.Payload{Type: wire.TypeText, Text: "go"})
	if err != nil {
		t.Fatalf("send group: %v", err)
	}
	if msg.Direction != router.Outbound {
		t.Fatalf("message = %+v", msg)
	}

	// Both members are offline, so the fanout reconnect dials each exactly
	// once.
	seen := map[identity.ID]int{}
	for i := 0; i < 2; i++ {
		seen[waitDial(t, d)]++
	}
	if seen["eind-9000000001"] != 1 || seen["eind-9000000002"] != 1 {
		t.Fatalf("dials = %v", seen)
	}

	stored, _ := n.Conversation(conv.ID)
	if len(stored.Messages) != 1 || stored.Messages[0].Kind != wire.TypeText {
		t.Fatalf("stored messages = %+v", stored.Messages)
	}
}

func TestConversationsPersistAcrossNodes(t *testing.T) {
	st, err := store.Open("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	first, d := newTestNode(t, "9876543210", Config{Store: st})
	if _, err := first.AddContact("9123456789"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	waitDial(t, d)
	first.Events().Deliver("eind-9123456789", wire.Payload{Type: wire.TypeText, Content: "bewaard"})
	first.Logout()

	second, _ := newTestNode(t, "9876543210", Config{Store: st})
	conv, ok := second.Conversation("eind-9123456789")
	if !ok {
		t.Fatal("conversation did not survive relogin")
	}
	if conv.LastMessage != "bewaard" {
		t.Fatalf("restored last message = %q", conv.LastMessage)
	}
}

func TestStoreWipedForDifferentIdentity(t *testing.T) {
	st, err := store.Open("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	first, d := newTestNode(t, "9876543210", Config{Store: st})
	if _, err := first.AddContact("9123456789"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	waitDial(t, d)
	first.Logout()

	second, _ := newTestNode(t, "9000000009", Config{Store: st})
	if _, ok := second.Conversation("eind-9123456789"); ok {
		t.Fatal("previous login's conversation must not survive an identity change")
	}
	// Only the reseeded helper chat remains.
	if convs := second.Conversations(); len(convs) != 1 || convs[0].ID != assistant.ConvID {
		t.Fatalf("expected only the helper conversation for new identity, got %+v", convs)
	}
}

func TestCallsDisabledWithoutMedia(t *testing.T) {
	n, _ := newTestNode(t, "9876543210", Config{})

	if err := n.StartCall(context.Background(), "eind-9123456789", false); !errors.Is(err, ErrCallsDisabled) {
		t.Fatalf("expected ErrCallsDisabled, got %v", err)
	}
	if err := n.AnswerCall(context.Background(), false); !errors.Is(err, ErrCallsDisabled) {
		t.Fatalf("expected ErrCallsDisabled, got %v", err)
	}
	if n.CallEvents() != nil {
		t.Fatal("call events should be nil when calls are disabled")
	}
}

func TestAssistantSeededOnFreshNode(t *testing.T) {
	n, _ := newTestNode(t, "9876543210", Config{})

	conv, ok := n.Conversation(assistant.ConvID)
	if !ok {
		t.Fatal("helper conversation missing on a fresh node")
	}
	if conv.DisplayName != assistant.DisplayName || conv.Kind != router.Direct {
		t.Fatalf("helper conversation = %+v", conv)
	}
	if conv.UnreadCount != 0 || len(conv.Messages) != 0 {
		t.Fatalf("helper seed must start empty: %+v", conv)
	}
}

func TestAssistantAnswersWithoutNetwork(t *testing.T) {
	n, d := newTestNode(t, "9876543210", Config{AssistantReplyDelay: 5 * time.Millisecond})

	if _, err := n.SendDirect(assistant.ConvID, wire.Payload{Type: wire.TypeText, Text: "2+2"}); err != nil {
		t.Fatalf("send to helper: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		conv, _ := n.Conversation(assistant.ConvID)
		if len(conv.Messages) == 2 {
			reply := conv.Messages[1]
			if reply.Direction != router.Inbound || reply.Content != "Result: 4" {
				t.Fatalf("helper reply = %+v", reply)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no helper reply, messages = %+v", conv.Messages)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The helper lives on-device; neither the send nor opening its chat
	// may dial anything.
	n.MarkActive(assistant.ConvID)
	select {
	case id := <-d.dialed:
		t.Fatalf("unexpected dial to %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOversizedMediaRejected(t *testing.T) {
	n, d := newTestNode(t, "9876543210", Config{})

	if _, err := n.AddContact("9123456789"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	waitDial(t, d)

	huge := wire.Payload{Type: wire.TypeImage, Content: strings.Repeat("a", wire.MaxMediaSize/3*4+8), FileName: "big.png"}
	if _, err := n.SendDirect("eind-9123456789", huge); !errors.Is(err, ErrMediaTooLarge) {
		t.Fatalf("expected ErrMediaTooLarge, got %v", err)
	}
	conv, _ := n.Conversation("eind-9123456789")
	if len(conv.Messages) != 0 {
		t.Fatalf("rejected media must not be appended, messages = %+v", conv.Messages)
	}

	group, err := n.CreateGroup("Team", []string{"9000000001"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := n.SendGroup(group.ID, huge); !errors.Is(err, ErrMediaTooLarge) {
		t.Fatalf("expected ErrMediaTooLarge on group send, got %v", err)
	}
}

func TestDeleteConversationRemovesLocalAndStored(t *testing.T) {
	st, err := store.Open("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	first, d := newTestNode(t, "9876543210", Config{Store: st})
	if _, err := first.AddContact("9123456789"); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	waitDial(t, d)
	first.Events().Deliver("eind-9123456789", wire.Payload{Type: wire.TypeText, Content: "weg"})

	first.MarkActive("eind-9123456789")
	if err := first.DeleteConversation("eind-9123456789"); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, ok := first.Conversation("eind-9123456789"); ok {
		t.Fatal("conversation still present after delete")
	}
	if err := first.DeleteConversation("eind-9123456789"); !errors.Is(err, router.ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation on second delete, got %v", err)
	}
	first.Logout()

	second, _ := newTestNode(t, "9876543210", Config{Store: st})
	if _, ok := second.Conversation("eind-9123456789"); ok {
		t.Fatal("deleted conversation came back after relogin")
	}
}

func TestPresenceFollowsSessionStatus(t *testing.T) {
	onlineCh := make(chan identity.ID, 1)
	n, _ := newTestNode(t, "9876543210", Config{OnPresence: func(id identity.ID) { onlineCh <- id }})

	n.Events().Accept("eind-9123456789", &fakeLink{})

	select {
	case id := <-onlineCh:
		if id != "eind-9123456789" {
			t.Fatalf("online notice for %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no online notice")
	}

	n.Events().Lost("eind-9123456789", nil, errors.New("gone"))
	peers := n.Peers()
	if len(peers) != 1 || peers[0].Online {
		t.Fatalf("presence after loss = %+v", peers)
	}
}
