// Package assistant implements the built-in helper contact seeded into
// every fresh conversation list. It answers locally: arithmetic in a text
// message gets its result, anything else a short introduction. No frames
// ever leave the device for it.
package assistant

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eind-chat/eind-core/internal/router"
)

// ConvID is the fixed conversation id of the helper contact. It is not a
// peer identity; the node never dials it.
const ConvID router.ConvID = "bot"

// DisplayName is the helper's sender name on its replies.
const DisplayName = "Eind Assistant"

const (
	avatar       = "🤖"
	greeting     = "I help calculate math."
	introduction = "I am Eind Assistant."
)

// Conversation builds the seeded helper chat shown on first login.
func Conversation(now time.Time) router.Conversation {
	return router.Conversation{
		ID:             ConvID,
		Kind:           router.Direct,
		DisplayName:    DisplayName,
		Avatar:         avatar,
		LastMessage:    greeting,
		LastActivityAt: now,
	}
}

// Reply computes the answer to one text message.
func Reply(text string) string {
	if v, ok := solve(text); ok {
		return "Result: " + strconv.FormatFloat(v, 'f', -1, 64)
	}
	return introduction
}

// solve evaluates text as an arithmetic expression over + - * / %,
// parentheses and unary minus. Characters outside that alphabet are
// stripped first, so "what is 2+2" still computes.
func solve(text string) (float64, bool) {
	var b strings.Builder
	digits := false
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			digits = true
			b.WriteRune(r)
		case strings.ContainsRune("+-*/%(). \t", r):
			b.WriteRune(r)
		}
	}
	if !digits {
		return 0, false
	}

	p := &parser{input: b.String()}
	v, ok := p.expr()
	p.skipSpace()
	if !ok || p.pos != len(p.input) {
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() (byte, bool) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) expr() (float64, bool) {
	v, ok := p.term()
	if !ok {
		return 0, false
	}
	for {
		op, more := p.peek()
		if !more || (op != '+' && op != '-') {
			return v, true
		}
		p.pos++
		rhs, ok := p.term()
		if !ok {
			return 0, false
		}
		if op == '+' {
			v += rhs
		} else {
			v -= rhs
		}
	}
}

func (p *parser) term() (float64, bool) {
	v, ok := p.unary()
	if !ok {
		return 0, false
	}
	for {
		op, more := p.peek()
		if !more || (op != '*' && op != '/' && op != '%') {
			return v, true
		}
		p.pos++
		rhs, ok := p.unary()
		if !ok {
			return 0, false
		}
		switch op {
		case '*':
			v *= rhs
		case '/':
			v /= rhs
		case '%':
			v = math.Mod(v, rhs)
		}
	}
}

func (p *parser) unary() (float64, bool) {
	if op, more := p.peek(); more && (op == '-' || op == '+') {
		p.pos++
		v, ok := p.unary()
		if !ok {
			return 0, false
		}
		if op == '-' {
			v = -v
		}
		return v, true
	}
	return p.factor()
}

func (p *parser) factor() (float64, bool) {
	if op, more := p.peek(); more && op == '(' {
		p.pos++
		v, ok := p.expr()
		if !ok {
			return 0, false
		}
		if op, more := p.peek(); !more || op != ')' {
			return 0, false
		}
		p.pos++
		return v, true
	}

	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c < '0' || c > '9') && c != '.' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return 0, false
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
