// Package protocol defines the wire types shared by the casechat client
// and server: the domain models, the outbound command envelope and the
// inbound event set.
//
// Outbound frames (client -> server) are an envelope {type, payload}.
// Inbound frames (server -> client) are flat objects carrying a "type"
// discriminant next to the event fields, so handlers unmarshal the whole
// frame into the matching event struct.
package protocol

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single chat message. ID starts as a client-generated
// provisional string ("temp-...") on optimistic sends and is swapped for
// the server-issued permanent id on confirmation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Citations      []Citation     `json:"citations,omitempty"`
	TotalVersions  int            `json:"totalVersions,omitempty"`
	CurrentVersion int            `json:"currentVersion,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Citation points at a source document referenced by an assistant reply.
type Citation struct {
	Title  string `json:"title"`
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Title          string    `json:"title"`
	Language       string    `json:"language,omitempty"`
	Archived       bool      `json:"archived"`
	Pinned         bool      `json:"pinned"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// MessageVersion is one entry of a message's edit/regenerate history,
// fetched out of band over REST.
type MessageVersion struct {
	VersionNumber int       `json:"versionNumber"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Envelope is the outbound command frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Outbound command types.
const (
	CmdSendMessage             = "send_message"
	CmdEditMessage             = "edit_message"
	CmdRegenerateMessage       = "regenerate_message"
	CmdDeleteMessage           = "delete_message"
	CmdSwitchVersion           = "switch_version"
	CmdGetMessageVersions      = "get_message_versions"
	CmdGetConversationMessages = "get_conversation_messages"
	CmdGetConversations        = "get_conversations"
	CmdRenameConversation      = "rename_conversation"
	CmdArchiveConversation     = "archive_conversation"
	CmdPinConversation         = "pin_conversation"
	CmdDeleteConversation      = "delete_conversation"
)

// Inbound event types.
const (
	EvtConnected            = "connected"
	EvtMessageReceived      = "message_received"
	EvtMessageConfirmed     = "message_received_confirmed"
	EvtMessageResponse      = "message_response"
	EvtTyping               = "ai_typing"
	EvtMessageEdited        = "message_edited"
	EvtMessageRegenerating  = "message_regenerating"
	EvtMessageRegenerated   = "message_regenerated"
	EvtVersionSwitched      = "version_switched"
	EvtMessageDeleted       = "message_deleted"
	EvtConversationMessages = "conversation_messages"
	EvtMessageVersions      = "message_versions"
	EvtConversations        = "conversations"
	EvtConversationUpdated  = "conversation_updated"
	EvtConversationDeleted  = "conversation_deleted"
	EvtMessageError         = "message_error"
	EvtEditError            = "message_edit_error"
	EvtRegenerateError      = "message_regenerate_error"
	EvtVersionSwitchError   = "version_switch_error"
	EvtAuthError            = "auth_error"
)

// PeekType extracts the discriminant from a raw frame without decoding
// the rest of it.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

// Outbound command payloads.

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	TempID         string `json:"tempId"`
	Language       string `json:"language,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type RegenerateMessagePayload struct {
	MessageID string `json:"messageId"`
	Language  string `json:"language,omitempty"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type SwitchVersionPayload struct {
	MessageID     string `json:"messageId"`
	VersionNumber int    `json:"versionNumber"`
	IsUserMessage bool   `json:"isUserMessage"`
}

type GetMessageVersionsPayload struct {
	MessageID string `json:"messageId"`
}

type GetConversationMessagesPayload struct {
	ConversationID string `json:"conversationId"`
}

type RenameConversationPayload struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type ArchiveConversationPayload struct {
	ConversationID string `json:"conversationId"`
	Archived       bool   `json:"archived"`
}

type PinConversationPayload struct {
	ConversationID string `json:"conversationId"`
	Pinned         bool   `json:"pinned"`
}

type DeleteConversationPayload struct {
	ConversationID string `json:"conversationId"`
}
