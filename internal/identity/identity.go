package identity

import (
	"errors"
	"strings"
)

// Prefix is prepended to every derived address so identities are
// recognizable on the signaling network.
const Prefix = "eind-"

const minDigits = 10

// ErrInvalidIdentity reports a phone number that does not normalize to
// enough digits to address a peer.
var ErrInvalidIdentity = errors.New("invalid identity: phone must contain at least 10 digits")

// ID is an opaque peer address derived from a phone number. Two IDs are
// equal iff their digit sequences are equal; formatting differences in the
// source phone number never produce distinct IDs.
type ID string

// Derive normalizes a phone number to its digits and returns the prefixed
// identity. It is pure: no I/O, deterministic for any input string.
func Derive(phone string) (ID, error) {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < minDigits {
		return "", ErrInvalidIdentity
	}
	return ID(Prefix + digits), nil
}

// Parse validates an identity received from the network. It accepts exactly
// the strings Derive can produce.
func Parse(s string) (ID, error) {
	digits, ok := strings.CutPrefix(s, Prefix)
	if !ok || len(digits) < minDigits {
		return "", ErrInvalidIdentity
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidIdentity
		}
	}
	return ID(s), nil
}

// DisplayFragment strips the identity prefix for human display. Used only
// as a fallback name for contacts we have no handshake metadata for.
func (id ID) DisplayFragment() string {
	return strings.TrimPrefix(string(id), Prefix)
}

func (id ID) String() string {
	return string(id)
}
