// Package presence tracks which contacts currently have an open session,
// feeding the "contact online" notices shown by the UI.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/eind-chat/eind-core/internal/identity"
)

// Info is one contact's observed connectivity.
type Info struct {
	ID       identity.ID
	Online   bool
	LastSeen time.Time
}

// Tracker keeps per-identity presence in memory. Presence is inferred from
// session state only; an offline mark means no open session, not that the
// contact is gone.
type Tracker struct {
	mu       sync.RWMutex
	contacts map[identity.ID]Info
	nowFn    func() time.Time
	// onOnline fires on the offline -> online edge. Optional.
	onOnline func(id identity.ID)
}

// NewTracker builds an empty tracker. onOnline may be nil.
func NewTracker(onOnline func(id identity.ID)) *Tracker {
	return &Tracker{
		contacts: make(map[identity.ID]Info),
		nowFn:    time.Now,
		onOnline: onOnline,
	}
}

// SetOnline records an open session for id.
func (t *Tracker) SetOnline(id identity.ID) {
	t.mu.Lock()
	prev := t.contacts[id]
	t.contacts[id] = Info{ID: id, Online: true, LastSeen: t.nowFn()}
	t.mu.Unlock()

	if !prev.Online && t.onOnline != nil {
		t.onOnline(id)
	}
}

// SetOffline records that the session for id is gone.
func (t *Tracker) SetOffline(id identity.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.contacts[id]
	if !ok {
		info = Info{ID: id}
	}
	info.Online = false
	info.LastSeen = t.nowFn()
	t.contacts[id] = info
}

// Get returns the presence record for one contact.
func (t *Tracker) Get(id identity.ID) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.contacts[id]
	return info, ok
}

// List returns all tracked contacts ordered by identity.
func (t *Tracker) List() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.contacts))
	for _, info := range t.contacts {
		out = append(out, info)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset drops all state. Used on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contacts = make(map[identity.ID]Info)
}
