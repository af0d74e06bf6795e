package router

import (
	"time"

	"github.com/eind-chat/eind-core/internal/identity"
)

// Kind distinguishes one-on-one chats from named groups.
type Kind int

const (
	Direct Kind = iota
	Group
)

func (k Kind) String() string {
	if k == Group {
		return "group"
	}
	return "direct"
}

// Direction marks who authored a message.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// ConvID identifies a conversation: the peer identity for Direct chats, a
// locally generated token for Groups.
type ConvID string

// Message is one entry in a conversation. Immutable once appended;
// conversations only ever append.
type Message struct {
	ID                uint64    `json:"id"`
	Direction         Direction `json:"direction"`
	Kind              string    `json:"kind"`
	Content           string    `json:"content"`
	FileName          string    `json:"fileName,omitempty"`
	SenderDisplayName string    `json:"senderDisplayName,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Conversation aggregates the exchanged messages with one peer or group.
type Conversation struct {
	ID             ConvID        `json:"id"`
	Kind           Kind          `json:"kind"`
	DisplayName    string        `json:"displayName"`
	Avatar         string        `json:"avatar,omitempty"`
	Phone          string        `json:"phone,omitempty"`
	Participants   []identity.ID `json:"participants,omitempty"`
	Messages       []Message     `json:"messages"`
	LastMessage    string        `json:"lastMessage"`
	UnreadCount    int           `json:"unreadCount"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

func cloneConversation(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]identity.ID(nil), c.Participants...)
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

func (c *Conversation) hasParticipant(id identity.ID) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}
