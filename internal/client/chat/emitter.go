package chat

import (
	"strings"
	"time"

	"github.com/casemark-dev/casechat/internal/client/store"
	"github.com/casemark-dev/casechat/internal/protocol"
)

// Outbound commands. Each validates its preconditions locally and
// returns a descriptive error instead of going over the wire; only
// SendMessage mutates visible state before the server confirms.

// SendMessage optimistically appends the user message under a
// provisional id, records it in the tracker and emits send_message.
// Returns the provisional id the UI can key on until confirmation.
func (m *Manager) SendMessage(conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if !m.appConnected() {
		return "", ErrNotConnected
	}

	tempID := newTempID()
	now := time.Now()
	m.store.AppendMessage(protocol.Message{
		ID:             tempID,
		ConversationID: conversationID,
		Role:           protocol.RoleUser,
		Content:        text,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	m.tracker.record(tempID, text, conversationID)

	err := m.send(protocol.CmdSendMessage, protocol.SendMessagePayload{
		ConversationID: conversationID,
		Message:        text,
		TempID:         tempID,
		Language:       m.locale.Preferred(),
	})
	if err != nil {
		// Roll the optimistic insert back; nothing reached the server.
		m.store.DeleteMessage(conversationID, tempID)
		m.tracker.release(tempID)
		return "", err
	}
	m.store.TouchConversation(conversationID, preview(text))
	return tempID, nil
}

// EditMessage requests an in-place edit. The paired assistant reply, if
// any, is flagged pending: the server regenerates it after the edit.
func (m *Manager) EditMessage(messageID, newText string) error {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return ErrEmptyMessage
	}
	if !m.appConnected() {
		return ErrNotConnected
	}

	if replyID, ok := m.assistantReplyTo(messageID); ok {
		m.markPending(replyID, store.PendingEditResponse)
	}
	return m.send(protocol.CmdEditMessage, protocol.EditMessagePayload{
		MessageID: messageID,
		Content:   newText,
	})
}

// RegenerateMessage asks for a fresh assistant answer. languageHint is
// optional; the locale provider's preference applies when blank.
func (m *Manager) RegenerateMessage(messageID, languageHint string) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	if languageHint == "" {
		languageHint = m.locale.Preferred()
	}
	m.markPending(messageID, store.PendingRegenerate)
	return m.send(protocol.CmdRegenerateMessage, protocol.RegenerateMessagePayload{
		MessageID: messageID,
		Language:  languageHint,
	})
}

// DeleteMessage requests removal; the list mutates on message_deleted.
func (m *Manager) DeleteMessage(messageID string) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdDeleteMessage, protocol.DeleteMessagePayload{
		MessageID: messageID,
	})
}

func (m *Manager) SwitchVersion(messageID string, versionNumber int, isUserMessage bool) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdSwitchVersion, protocol.SwitchVersionPayload{
		MessageID:     messageID,
		VersionNumber: versionNumber,
		IsUserMessage: isUserMessage,
	})
}

func (m *Manager) RequestVersionHistory(messageID string) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdGetMessageVersions, protocol.GetMessageVersionsPayload{
		MessageID: messageID,
	})
}

// RequestConversationReload fetches the authoritative timeline for a
// conversation and marks it as the last-joined one.
func (m *Manager) RequestConversationReload(conversationID string) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	m.setCurrentConversation(conversationID)
	return m.send(protocol.CmdGetConversationMessages, protocol.GetConversationMessagesPayload{
		ConversationID: conversationID,
	})
}

// JoinConversation switches the active conversation and loads it.
func (m *Manager) JoinConversation(conversationID string) error {
	return m.RequestConversationReload(conversationID)
}

func (m *Manager) RequestConversations() error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdGetConversations, struct{}{})
}

func (m *Manager) RenameConversation(conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyMessage
	}
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdRenameConversation, protocol.RenameConversationPayload{
		ConversationID: conversationID,
		Title:          title,
	})
}

func (m *Manager) ArchiveConversation(conversationID string, archived bool) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdArchiveConversation, protocol.ArchiveConversationPayload{
		ConversationID: conversationID,
		Archived:       archived,
	})
}

func (m *Manager) PinConversation(conversationID string, pinned bool) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdPinConversation, protocol.PinConversationPayload{
		ConversationID: conversationID,
		Pinned:         pinned,
	})
}

func (m *Manager) DeleteConversation(conversationID string) error {
	if !m.appConnected() {
		return ErrNotConnected
	}
	return m.send(protocol.CmdDeleteConversation, protocol.DeleteConversationPayload{
		ConversationID: conversationID,
	})
}

// assistantReplyTo finds the assistant message directly following the
// given user message in its conversation timeline.
func (m *Manager) assistantReplyTo(userMessageID string) (string, bool) {
	msg, ok := m.store.FindMessage(userMessageID)
	if !ok {
		return "", false
	}
	msgs := m.store.Messages(msg.ConversationID)
	for i, candidate := range msgs {
		if candidate.ID != userMessageID {
			continue
		}
		for _, next := range msgs[i+1:] {
			if next.Role == protocol.RoleAssistant {
				return next.ID, true
			}
		}
		break
	}
	return "", false
}
