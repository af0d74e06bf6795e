// Package wire defines the tagged payload records exchanged over a per-peer
// reliable channel and the frame codec that carries them.
package wire

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Payload type tags. Every record on the wire carries exactly one.
const (
	TypePing      = "ping"
	TypeHandshake = "handshake"
	TypeText      = "text"
	TypeImage     = "image"
	TypeVideo     = "video"
	TypeVoice     = "voice"
	TypeFile      = "file"
)

// Profile carries the sender's self-declared metadata in a handshake.
// Nothing here is verified; the receiver treats it as a usability hint,
// not an identity guarantee.
type Profile struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Payload is one wire record. Chat kinds use Content/Text; handshake uses
// User; ping carries nothing. A non-empty GroupID routes the record to the
// group path on the receiving side.
type Payload struct {
	Type              string   `json:"type"`
	User              *Profile `json:"user,omitempty"`
	Content           string   `json:"content,omitempty"`
	Text              string   `json:"text,omitempty"`
	FileName          string   `json:"fileName,omitempty"`
	SenderDisplayName string   `json:"senderDisplayName,omitempty"`
	GroupID           string   `json:"groupId,omitempty"`
	GroupName         string   `json:"groupName,omitempty"`
}

// Ping returns the reserved heartbeat record.
func Ping() Payload {
	return Payload{Type: TypePing}
}

// Handshake builds the profile announcement sent on every newly opened
// session.
func Handshake(p Profile) Payload {
	return Payload{Type: TypeHandshake, User: &p}
}

// IsChat reports whether the payload is one of the chat message kinds.
func (p Payload) IsChat() bool {
	switch p.Type {
	case TypeText, TypeImage, TypeVideo, TypeVoice, TypeFile:
		return true
	}
	return false
}

// MaxMediaSize caps a media attachment before base64 encoding.
const MaxMediaSize = 3 << 19 // 1.5 MiB

// OversizedMedia reports whether a media payload's decoded size exceeds
// MaxMediaSize. Content carries base64, which grows the raw bytes by 4/3.
func (p Payload) OversizedMedia() bool {
	if !p.IsChat() || p.Type == TypeText {
		return false
	}
	return len(p.Content)/4*3 > MaxMediaSize
}

// ErrUnknownType reports a payload whose tag matches no known record kind.
var ErrUnknownType = errors.New("unknown payload type")

// Marshal encodes a payload record.
func Marshal(p Payload) ([]byte, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("marshal payload: %w", ErrUnknownType)
	}
	return json.Marshal(p)
}

// Unmarshal decodes a payload record. Unknown tags decode successfully so
// the router can classify and discard them.
func Unmarshal(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
