package chat

import (
	"sync"
	"time"
)

// pendingSend is one optimistic send awaiting its permanent identifier.
// The original content stays retrievable until the entry is released,
// which must only happen after the store has swapped identifiers.
type pendingSend struct {
	content        string
	conversationID string
	resolvedID     string
	createdAt      time.Time
}

// tracker maps provisional message ids to their eventual permanent ids.
// It is per-connection state: cleared on every disconnect and fully
// rebuildable from server state.
type tracker struct {
	mu      sync.Mutex
	entries map[string]*pendingSend
}

func newTracker() *tracker {
	return &tracker{entries: make(map[string]*pendingSend)}
}

func (t *tracker) record(tempID, content, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[tempID] = &pendingSend{
		content:        content,
		conversationID: conversationID,
		createdAt:      time.Now(),
	}
}

func (t *tracker) get(tempID string) (pendingSend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[tempID]; ok {
		return *e, true
	}
	return pendingSend{}, false
}

func (t *tracker) resolve(tempID, permanentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tempID]
	if !ok {
		return false
	}
	e.resolvedID = permanentID
	return true
}

func (t *tracker) release(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, tempID)
}

// byConversation is the last-resort lookup for events that carry a
// permanent id without echoing the provisional one. It prefers an entry
// already resolved to permanentID, then falls back to the oldest
// unresolved entry for the conversation.
func (t *tracker) byConversation(conversationID, permanentID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest string
	var oldestAt time.Time
	for tempID, e := range t.entries {
		if e.conversationID != conversationID {
			continue
		}
		if permanentID != "" && e.resolvedID == permanentID {
			return tempID, true
		}
		if e.resolvedID != "" {
			continue
		}
		if oldest == "" || e.createdAt.Before(oldestAt) {
			oldest = tempID
			oldestAt = e.createdAt
		}
	}
	return oldest, oldest != ""
}

func (t *tracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*pendingSend)
}

func (t *tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
