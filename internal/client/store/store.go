// Package store holds the client's canonical in-memory view of
// conversations and their message timelines. It is the single source of
// truth the UI renders from; the sync layer is the only writer (event
// dispatch plus the optimistic insert on send), everything else reads
// through the selectors.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/casemark-dev/casechat/internal/protocol"
)

// PendingKind marks why a message is awaiting a server response.
type PendingKind string

const (
	PendingRegenerate   PendingKind = "regenerate"
	PendingEditResponse PendingKind = "edit_response"
)

type Store struct {
	mu sync.RWMutex

	conversations map[string]*protocol.Conversation
	messages      map[string][]protocol.Message

	userID    string
	username  string
	credits   float64
	connected bool
	typing    bool
	authReq   bool
	lastErr   string

	pending map[string]PendingKind

	notify chan struct{}
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*protocol.Conversation),
		messages:      make(map[string][]protocol.Message),
		pending:       make(map[string]PendingKind),
		notify:        make(chan struct{}, 1),
	}
}

// Changes returns a coalesced notification channel; a receive means the
// store mutated since the last receive.
func (s *Store) Changes() <-chan struct{} {
	return s.notify
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// --- Session / connection state ---

func (s *Store) SetSession(userID, username string, credits float64) {
	s.mu.Lock()
	s.userID = userID
	s.username = username
	s.credits = credits
	s.mu.Unlock()
	s.signal()
}

func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	if !connected {
		s.typing = false
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Store) SetTyping(typing bool) {
	s.mu.Lock()
	s.typing = typing
	s.mu.Unlock()
	s.signal()
}

func (s *Store) SetAuthRequired(required bool) {
	s.mu.Lock()
	s.authReq = required
	s.mu.Unlock()
	s.signal()
}

func (s *Store) SetLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	s.signal()
}

func (s *Store) ClearLastError() {
	s.SetLastError("")
}

func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Store) IsTyping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing
}

func (s *Store) AuthRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authReq
}

func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Store) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Store) Credits() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credits
}

// --- Pending requests ---

func (s *Store) SetPending(messageID string, kind PendingKind) {
	s.mu.Lock()
	s.pending[messageID] = kind
	s.mu.Unlock()
	s.signal()
}

func (s *Store) ClearPending(messageID string) {
	s.mu.Lock()
	delete(s.pending, messageID)
	s.mu.Unlock()
	s.signal()
}

func (s *Store) ClearAllPending() {
	s.mu.Lock()
	s.pending = make(map[string]PendingKind)
	s.mu.Unlock()
	s.signal()
}

func (s *Store) Pending(messageID string) (PendingKind, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kind, ok := s.pending[messageID]
	return kind, ok
}

func (s *Store) HasAnyPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// --- Messages ---

// AppendMessage adds msg to the end of its conversation's timeline.
// Returns false without mutating if the id is already present, keeping
// identifiers unique within a conversation.
func (s *Store) AppendMessage(msg protocol.Message) bool {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	if s.indexOf(msg.ConversationID, msg.ID) >= 0 {
		return false
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return true
}

// ReplaceMessage swaps the entry currently stored under oldID for msg,
// keeping its position in the list. This is the atomic provisional ->
// permanent identifier swap: exactly one entry changes, nothing is
// removed or reinserted. Returns false if oldID is absent or msg.ID is
// already taken by a different entry.
func (s *Store) ReplaceMessage(conversationID, oldID string, msg protocol.Message) bool {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	i := s.indexOf(conversationID, oldID)
	if i < 0 {
		return false
	}
	if j := s.indexOf(conversationID, msg.ID); j >= 0 && j != i {
		return false
	}
	s.messages[conversationID][i] = msg
	return true
}

// UpsertMessage updates the entry with msg.ID in place, or appends it if
// absent. Returns true when a new entry was inserted.
func (s *Store) UpsertMessage(msg protocol.Message) bool {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	if i := s.indexOf(msg.ConversationID, msg.ID); i >= 0 {
		s.messages[msg.ConversationID][i] = msg
		return false
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return true
}

// UpdateMessageContent rewrites a message's content in place and bumps
// its update timestamp. Returns false if the id is unknown.
func (s *Store) UpdateMessageContent(conversationID, id, content string) bool {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	i := s.indexOf(conversationID, id)
	if i < 0 {
		return false
	}
	m := &s.messages[conversationID][i]
	if m.Content != content {
		m.Content = content
		m.UpdatedAt = time.Now()
	}
	return true
}

// SetMessageVersions records version bookkeeping on an existing message.
func (s *Store) SetMessageVersions(conversationID, id string, total, current int) bool {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	i := s.indexOf(conversationID, id)
	if i < 0 {
		return false
	}
	m := &s.messages[conversationID][i]
	m.TotalVersions = total
	m.CurrentVersion = current
	return true
}

// DeleteMessage removes the entry if present. Deleting an absent id is a
// no-op, not an error.
func (s *Store) DeleteMessage(conversationID, id string) {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	i := s.indexOf(conversationID, id)
	if i < 0 {
		return
	}
	list := s.messages[conversationID]
	s.messages[conversationID] = append(list[:i], list[i+1:]...)
}

// SetMessages replaces a conversation's timeline wholesale. Duplicate
// ids in the input are dropped after their first occurrence.
func (s *Store) SetMessages(conversationID string, msgs []protocol.Message) {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	seen := make(map[string]struct{}, len(msgs))
	list := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = conversationID
		list = append(list, m)
	}
	s.messages[conversationID] = list
}

func (s *Store) HasMessage(conversationID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOf(conversationID, id) >= 0
}

func (s *Store) Message(conversationID, id string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(conversationID, id); i >= 0 {
		return s.messages[conversationID][i], true
	}
	return protocol.Message{}, false
}

// Messages returns a copy of the conversation's timeline in order.
func (s *Store) Messages(conversationID string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	out := make([]protocol.Message, len(list))
	copy(out, list)
	return out
}

// FindMessage looks the id up across all conversations, for events that
// do not echo a conversation id.
func (s *Store) FindMessage(id string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for convID, list := range s.messages {
		for i := range list {
			if list[i].ID == id {
				m := list[i]
				m.ConversationID = convID
				return m, true
			}
		}
	}
	return protocol.Message{}, false
}

// indexOf must be called with the lock held.
func (s *Store) indexOf(conversationID, id string) int {
	for i, m := range s.messages[conversationID] {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// --- Conversations ---

func (s *Store) SetConversations(convs []protocol.Conversation) {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()

	s.conversations = make(map[string]*protocol.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		s.conversations[c.ID] = &c
	}
}

func (s *Store) UpsertConversation(conv protocol.Conversation) {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()
	s.conversations[conv.ID] = &conv
}

// DeleteConversation removes the conversation and cascades its timeline.
func (s *Store) DeleteConversation(id string) {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()
	delete(s.conversations, id)
	delete(s.messages, id)
}

// TouchConversation updates last-activity bookkeeping and the
// denormalized preview shown in the conversation list.
func (s *Store) TouchConversation(id, preview string) {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.signal() }()
	c, ok := s.conversations[id]
	if !ok {
		return
	}
	c.LastMessage = preview
	c.LastActivityAt = time.Now()
	c.UpdatedAt = c.LastActivityAt
}

func (s *Store) Conversation(id string) (protocol.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return *c, true
	}
	return protocol.Conversation{}, false
}

// Conversations returns all conversations, pinned first, then most
// recent activity first.
func (s *Store) Conversations() []protocol.Conversation {
	s.mu.RLock()
	out := make([]protocol.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}
