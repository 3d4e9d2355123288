package chat

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/client/store"
	"github.com/casemark-dev/casechat/internal/protocol"
)

// dispatch decodes one inbound frame and routes it to its handler.
// Unknown discriminants are logged and ignored; the server is the
// authority and the client must never get stuck on a frame it does not
// understand. Every mutating handler looks entries up by identifier
// first and branches insert vs update: confirmations can arrive
// duplicated and out of order relative to each other.
func (m *Manager) dispatch(data []byte) {
	evType, err := protocol.PeekType(data)
	if err != nil {
		m.log.Warn("undecodable frame", zap.Error(err))
		return
	}

	switch evType {
	case protocol.EvtConnected:
		var ev protocol.ConnectedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleConnected(ev)
		}
	case protocol.EvtMessageReceived:
		var ev protocol.MessageAckEvent
		if json.Unmarshal(data, &ev) == nil {
			// Ack only; the confirmed event is authoritative.
			m.log.Debug("message acked", zap.String("tempId", ev.TempID))
		}
	case protocol.EvtMessageConfirmed:
		var ev protocol.MessageConfirmedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleConfirmed(ev)
		}
	case protocol.EvtMessageResponse:
		var ev protocol.MessageResponseEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleResponse(ev)
		}
	case protocol.EvtTyping:
		var ev protocol.TypingEvent
		if json.Unmarshal(data, &ev) == nil {
			m.store.SetTyping(ev.IsTyping)
		}
	case protocol.EvtMessageEdited:
		var ev protocol.MessageEditedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleEdited(ev)
		}
	case protocol.EvtMessageRegenerating:
		var ev protocol.MessageRegeneratingEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleRegenerating(ev)
		}
	case protocol.EvtMessageRegenerated:
		var ev protocol.MessageRegeneratedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleRegenerated(ev)
		}
	case protocol.EvtVersionSwitched:
		var ev protocol.VersionSwitchedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleVersionSwitched(ev)
		}
	case protocol.EvtMessageDeleted:
		var ev protocol.MessageDeletedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleDeleted(ev)
		}
	case protocol.EvtConversationMessages:
		var ev protocol.ConversationMessagesEvent
		if json.Unmarshal(data, &ev) == nil {
			m.store.SetMessages(m.conversationOr(ev.ConversationID), ev.Messages)
		}
	case protocol.EvtMessageVersions:
		var ev protocol.MessageVersionsEvent
		if json.Unmarshal(data, &ev) == nil {
			m.versionsMu.Lock()
			m.versions[ev.MessageID] = ev.Versions
			m.versionsMu.Unlock()
		}
	case protocol.EvtConversations:
		var ev protocol.ConversationsEvent
		if json.Unmarshal(data, &ev) == nil {
			m.store.SetConversations(ev.Conversations)
		}
	case protocol.EvtConversationUpdated:
		var ev protocol.ConversationUpdatedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.store.UpsertConversation(ev.Conversation)
		}
	case protocol.EvtConversationDeleted:
		var ev protocol.ConversationDeletedEvent
		if json.Unmarshal(data, &ev) == nil {
			m.store.DeleteConversation(ev.ConversationID)
		}
	case protocol.EvtMessageError, protocol.EvtEditError,
		protocol.EvtRegenerateError, protocol.EvtVersionSwitchError:
		var ev protocol.ErrorEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleError(ev)
		}
	case protocol.EvtAuthError:
		var ev protocol.AuthErrorEvent
		if json.Unmarshal(data, &ev) == nil {
			m.handleAuthError(ev)
		}
	default:
		m.log.Warn("unknown event type", zap.String("type", evType))
	}
}

// conversationOr resolves an optional conversation id: if absent, use
// the last-joined conversation id.
func (m *Manager) conversationOr(id string) string {
	if id != "" {
		return id
	}
	return m.CurrentConversation()
}

// handleConnected flips app-level connectivity. The transport being up
// was never enough; this event carries the session metadata.
func (m *Manager) handleConnected(ev protocol.ConnectedEvent) {
	m.store.SetSession(ev.UserID, ev.Username, ev.Credits)
	if ev.Conversations != nil {
		m.store.SetConversations(ev.Conversations)
	}
	m.store.SetAuthRequired(false)
	m.store.SetConnected(true)
	m.log.Info("session established", zap.String("userId", ev.UserID))
}

// handleConfirmed swaps a provisional identifier for its permanent one.
// Receiving the same confirmation twice must converge to the same state
// without duplicating the entry.
func (m *Manager) handleConfirmed(ev protocol.MessageConfirmedEvent) {
	tempID := ev.TempID
	entry, tracked := pendingSend{}, false
	if tempID != "" {
		entry, tracked = m.tracker.get(tempID)
	}

	convID := m.conversationOr(ev.ConversationID)
	if tracked && entry.conversationID != "" {
		convID = entry.conversationID
	}

	// The event may omit the provisional id; fall back to the tracker's
	// best unresolved entry for the conversation.
	if !tracked {
		if fallbackID, ok := m.tracker.byConversation(convID, ev.PermanentID); ok {
			tempID = fallbackID
			entry, tracked = m.tracker.get(tempID)
		}
	}

	if m.store.HasMessage(convID, ev.PermanentID) {
		// Already reconciled, likely a duplicate delivery.
		if tracked {
			m.store.DeleteMessage(convID, tempID)
			m.tracker.release(tempID)
		}
		return
	}

	if tracked {
		if prov, ok := m.store.Message(convID, tempID); ok {
			prov.ID = ev.PermanentID
			if ev.Content != "" {
				prov.Content = ev.Content
			}
			if !ev.CreatedAt.IsZero() {
				prov.CreatedAt = ev.CreatedAt
			}
			m.tracker.resolve(tempID, ev.PermanentID)
			if m.store.ReplaceMessage(convID, tempID, prov) {
				m.tracker.release(tempID)
			}
			return
		}
		// A send without a conversation id created the conversation on the
		// server; the optimistic entry still sits under the id used at
		// send time and has to move into the assigned conversation.
		if entry.conversationID != convID {
			if prov, ok := m.store.Message(entry.conversationID, tempID); ok {
				m.store.DeleteMessage(entry.conversationID, tempID)
				prov.ID = ev.PermanentID
				prov.ConversationID = convID
				if ev.Content != "" {
					prov.Content = ev.Content
				}
				if !ev.CreatedAt.IsZero() {
					prov.CreatedAt = ev.CreatedAt
				}
				m.tracker.release(tempID)
				m.store.AppendMessage(prov)
				return
			}
		}
		// Optimistic entry lost; insert fresh under the permanent id.
		m.tracker.release(tempID)
	}

	content := ev.Content
	if content == "" && tracked {
		content = entry.content
	}
	m.store.AppendMessage(protocol.Message{
		ID:             ev.PermanentID,
		ConversationID: convID,
		Role:           protocol.RoleUser,
		Content:        content,
		CreatedAt:      firstNonZero(ev.CreatedAt, time.Now()),
		UpdatedAt:      time.Now(),
	})
}

// handleResponse applies the paired user/assistant confirmation. Both
// halves are insert-or-update: the same payload delivered twice must
// leave the list unchanged, and an existing assistant entry means a
// regenerated answer after an edit, whose content gets overwritten.
func (m *Manager) handleResponse(ev protocol.MessageResponseEvent) {
	convID := m.conversationOr(ev.ConversationID)

	m.store.SetTyping(false)
	m.clearPending(ev.UserMessageID)
	m.clearPending(ev.MessageID)

	if ev.UserMessageID != "" && !m.store.HasMessage(convID, ev.UserMessageID) {
		inserted := false
		if tempID, ok := m.tracker.byConversation(convID, ev.UserMessageID); ok {
			if prov, found := m.store.Message(convID, tempID); found {
				prov.ID = ev.UserMessageID
				m.tracker.resolve(tempID, ev.UserMessageID)
				if m.store.ReplaceMessage(convID, tempID, prov) {
					m.tracker.release(tempID)
					inserted = true
				}
			} else {
				m.tracker.release(tempID)
			}
		}
		if !inserted {
			m.store.AppendMessage(protocol.Message{
				ID:             ev.UserMessageID,
				ConversationID: convID,
				Role:           protocol.RoleUser,
				CreatedAt:      time.Now(),
				UpdatedAt:      time.Now(),
			})
		}
	}

	if existing, ok := m.store.Message(convID, ev.MessageID); ok {
		existing.Content = ev.Response
		existing.Citations = ev.Citations
		if ev.Metadata != nil {
			existing.Metadata = ev.Metadata
		}
		existing.UpdatedAt = time.Now()
		m.store.UpsertMessage(existing)
	} else {
		m.store.AppendMessage(protocol.Message{
			ID:             ev.MessageID,
			ConversationID: convID,
			Role:           protocol.RoleAssistant,
			Content:        ev.Response,
			Citations:      ev.Citations,
			Metadata:       ev.Metadata,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		})
	}

	m.store.TouchConversation(convID, preview(ev.Response))
}

func (m *Manager) handleEdited(ev protocol.MessageEditedEvent) {
	convID := ev.ConversationID
	if convID == "" {
		if found, ok := m.store.FindMessage(ev.MessageID); ok {
			convID = found.ConversationID
		} else {
			convID = m.CurrentConversation()
		}
	}
	if !m.store.UpdateMessageContent(convID, ev.MessageID, ev.NewContent) {
		m.log.Debug("edited unknown message", zap.String("messageId", ev.MessageID))
		return
	}
	if ev.TotalVersions > 0 {
		m.store.SetMessageVersions(convID, ev.MessageID, ev.TotalVersions, ev.CurrentVersion)
	}
}

func (m *Manager) handleRegenerating(ev protocol.MessageRegeneratingEvent) {
	if ev.Status {
		m.markPending(ev.MessageID, store.PendingRegenerate)
	} else {
		m.clearPending(ev.MessageID)
	}
}

// handleRegenerated applies the (possibly partial) regenerated content
// and then requests the authoritative timeline, which supersedes it.
func (m *Manager) handleRegenerated(ev protocol.MessageRegeneratedEvent) {
	convID := ev.ConversationID
	if convID == "" {
		if found, ok := m.store.FindMessage(ev.MessageID); ok {
			convID = found.ConversationID
		} else {
			convID = m.CurrentConversation()
		}
	}

	m.clearPending(ev.MessageID)
	m.store.SetTyping(false)
	m.store.UpdateMessageContent(convID, ev.MessageID, ev.Content)
	if ev.TotalVersions > 0 {
		m.store.SetMessageVersions(convID, ev.MessageID, ev.TotalVersions, ev.CurrentVersion)
	}

	if convID != "" {
		if err := m.send(protocol.CmdGetConversationMessages, protocol.GetConversationMessagesPayload{ConversationID: convID}); err != nil {
			m.log.Debug("post-regenerate reload failed", zap.Error(err))
		}
	}
}

func (m *Manager) handleVersionSwitched(ev protocol.VersionSwitchedEvent) {
	for _, msg := range []*protocol.Message{ev.UserMessage, ev.AssistantMessage} {
		if msg == nil {
			continue
		}
		upd := *msg
		if upd.ConversationID == "" {
			if found, ok := m.store.FindMessage(upd.ID); ok {
				upd.ConversationID = found.ConversationID
			} else {
				upd.ConversationID = m.CurrentConversation()
			}
		}
		m.clearPending(upd.ID)
		m.store.UpsertMessage(upd)
	}
}

func (m *Manager) handleDeleted(ev protocol.MessageDeletedEvent) {
	convID := ev.ConversationID
	if convID == "" {
		if found, ok := m.store.FindMessage(ev.MessageID); ok {
			convID = found.ConversationID
		} else {
			convID = m.CurrentConversation()
		}
	}
	m.clearPending(ev.MessageID)
	m.store.DeleteMessage(convID, ev.MessageID)
}

// handleError clears whatever optimistic or pending state the failed
// operation left behind and surfaces the reason for a bounded duration.
func (m *Manager) handleError(ev protocol.ErrorEvent) {
	m.store.SetTyping(false)

	if ev.TempID != "" {
		convID := m.conversationOr(ev.ConversationID)
		if entry, ok := m.tracker.get(ev.TempID); ok && entry.conversationID != "" {
			convID = entry.conversationID
		}
		m.store.DeleteMessage(convID, ev.TempID)
		m.tracker.release(ev.TempID)
	}
	if ev.MessageID != "" {
		m.clearPending(ev.MessageID)
	}

	m.log.Warn("server reported operation error",
		zap.String("type", ev.Type), zap.String("error", ev.Error))
	m.scheduleErrorClear(ev.Error)
}

func preview(content string) string {
	const max = 80
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max-3]) + "..."
}

func firstNonZero(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
