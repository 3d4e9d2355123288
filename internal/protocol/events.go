package protocol

import "time"

// Inbound events. Each struct mirrors one flat server frame; the Type
// field is the discriminant and is populated when the server marshals
// the event.

// ConnectedEvent is the application-level handshake confirmation. The
// transport being up is not enough: until this arrives the client must
// treat itself as disconnected.
type ConnectedEvent struct {
	Type          string         `json:"type"`
	UserID        string         `json:"userId"`
	Username      string         `json:"username"`
	Credits       float64        `json:"credits"`
	Conversations []Conversation `json:"conversations,omitempty"`
}

// MessageAckEvent acknowledges receipt of an optimistic send. It is not
// authoritative; the confirmed event carries the permanent id.
type MessageAckEvent struct {
	Type           string `json:"type"`
	TempID         string `json:"tempId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// MessageConfirmedEvent resolves a provisional id to its permanent one.
type MessageConfirmedEvent struct {
	Type           string    `json:"type"`
	TempID         string    `json:"tempId,omitempty"`
	PermanentID    string    `json:"permanentId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

// MessageResponseEvent carries the assistant reply paired with the
// permanent id of the user message that prompted it.
type MessageResponseEvent struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	UserMessageID  string         `json:"userMessageId"`
	MessageID      string         `json:"messageId"`
	Response       string         `json:"response"`
	Citations      []Citation     `json:"citations,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type TypingEvent struct {
	Type           string `json:"type"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId,omitempty"`
}

type MessageEditedEvent struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	NewContent     string `json:"newContent"`
	ConversationID string `json:"conversationId,omitempty"`
	TotalVersions  int    `json:"totalVersions,omitempty"`
	CurrentVersion int    `json:"currentVersion,omitempty"`
}

type MessageRegeneratingEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Status    bool   `json:"status"`
}

// MessageRegeneratedEvent content may be partial; the client follows up
// with a full conversation reload which supersedes it.
type MessageRegeneratedEvent struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
	TotalVersions  int    `json:"totalVersions,omitempty"`
	CurrentVersion int    `json:"currentVersion,omitempty"`
}

// VersionSwitchedEvent updates whichever of the two messages the server
// includes; either pointer may be nil.
type VersionSwitchedEvent struct {
	Type             string   `json:"type"`
	UserMessage      *Message `json:"userMessage,omitempty"`
	AssistantMessage *Message `json:"assistantMessage,omitempty"`
}

type MessageDeletedEvent struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type ConversationMessagesEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
}

type MessageVersionsEvent struct {
	Type      string           `json:"type"`
	MessageID string           `json:"messageId"`
	Versions  []MessageVersion `json:"versions"`
}

type ConversationsEvent struct {
	Type          string         `json:"type"`
	Conversations []Conversation `json:"conversations"`
}

type ConversationUpdatedEvent struct {
	Type         string       `json:"type"`
	Conversation Conversation `json:"conversation"`
}

type ConversationDeletedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// ErrorEvent covers message_error, message_edit_error,
// message_regenerate_error and version_switch_error. TempID is set only
// on send errors so the optimistic entry can be rolled back.
type ErrorEvent struct {
	Type           string `json:"type"`
	Error          string `json:"error"`
	TempID         string `json:"tempId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type AuthErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
