package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	sent := Payload{
		Type:              TypeText,
		Content:           "hi",
		Text:              "hi",
		SenderDisplayName: "Alice",
	}
	if err := WriteFrame(&buf, sent); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got != sent {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, sent)
	}
}

func TestFramePreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	for _, text := range []string{"one", "two", "three"} {
		if err := WriteFrame(&buf, Payload{Type: TypeText, Text: text}); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		p, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if p.Text != want {
			t.Fatalf("frame out of order: got %q want %q", p.Text, want)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestWriteFrameRejectsUntyped(t *testing.T) {
	if err := WriteFrame(io.Discard, Payload{}); err == nil {
		t.Fatalf("expected error for payload without type")
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	p := Payload{Type: TypeFile, Content: strings.Repeat("x", maxFrameSize)}
	if err := WriteFrame(io.Discard, p); err == nil {
		t.Fatalf("expected error for oversize frame")
	}
}

func TestOversizedMediaAppliesToMediaOnly(t *testing.T) {
	big := strings.Repeat("x", MaxMediaSize/3*4+8)
	if !(Payload{Type: TypeImage, Content: big}).OversizedMedia() {
		t.Fatalf("image over the cap must be flagged")
	}
	if (Payload{Type: TypeText, Content: big}).OversizedMedia() {
		t.Fatalf("text is never capped as media")
	}
	if (Payload{Type: TypeFile, Content: strings.Repeat("x", 1024)}).OversizedMedia() {
		t.Fatalf("small file must pass")
	}
}

func TestHandshakeCarriesProfile(t *testing.T) {
	hs := Handshake(Profile{DisplayName: "Bob", Phone: "9876543210"})
	data, err := Marshal(hs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeHandshake || got.User == nil || got.User.DisplayName != "Bob" {
		t.Fatalf("handshake did not survive encoding: %+v", got)
	}
	if got.IsChat() {
		t.Fatalf("handshake must not classify as chat")
	}
}
