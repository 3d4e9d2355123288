// Package ws holds the reference backend's per-connection protocol
// handler: it decodes outbound command envelopes from the client and
// answers with the inbound event set the sync engine reconciles.
package ws

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/protocol"
	"github.com/casemark-dev/casechat/internal/server/assistant"
	"github.com/casemark-dev/casechat/internal/server/storage"
)

// creditCost is debited per generated assistant answer.
const creditCost = 1

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	Store    *storage.Store
	Log      *zap.Logger
	UserID   string
	Username string
	IP       string
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		_, msgBytes, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msgBytes, &env); err != nil {
			c.Log.Warn("undecodable envelope", zap.Error(err))
			continue
		}

		c.ProcessMessage(env)
	}
}

func (c *Client) WritePump() {
	defer func() {
		c.Conn.Close()
	}()
	for msg := range c.Send {
		c.Conn.WriteMessage(websocket.TextMessage, msg)
	}
}

// SendConnected completes the application-level handshake with session
// metadata. The client treats itself as disconnected until it arrives.
func (c *Client) SendConnected() {
	user, err := c.Store.GetUserByID(c.UserID)
	if err != nil {
		c.SendError(protocol.EvtAuthError, "unknown user")
		return
	}
	convs, _ := c.Store.GetUserConversations(c.UserID)
	c.SendJSON(protocol.ConnectedEvent{
		Type:          protocol.EvtConnected,
		UserID:        user.ID,
		Username:      user.Username,
		Credits:       user.Credits,
		Conversations: convs,
	})
}

func (c *Client) ProcessMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.CmdSendMessage:
		var p protocol.SendMessagePayload
		json.Unmarshal(env.Payload, &p)
		c.handleSend(p)

	case protocol.CmdEditMessage:
		var p protocol.EditMessagePayload
		json.Unmarshal(env.Payload, &p)
		c.handleEdit(p)

	case protocol.CmdRegenerateMessage:
		var p protocol.RegenerateMessagePayload
		json.Unmarshal(env.Payload, &p)
		c.handleRegenerate(p)

	case protocol.CmdDeleteMessage:
		var p protocol.DeleteMessagePayload
		json.Unmarshal(env.Payload, &p)
		c.handleDelete(p)

	case protocol.CmdSwitchVersion:
		var p protocol.SwitchVersionPayload
		json.Unmarshal(env.Payload, &p)
		c.handleSwitchVersion(p)

	case protocol.CmdGetMessageVersions:
		var p protocol.GetMessageVersionsPayload
		json.Unmarshal(env.Payload, &p)
		versions, err := c.Store.GetMessageVersions(p.MessageID)
		if err != nil {
			c.SendError(protocol.EvtVersionSwitchError, err.Error())
			return
		}
		c.SendJSON(protocol.MessageVersionsEvent{
			Type: protocol.EvtMessageVersions, MessageID: p.MessageID, Versions: versions,
		})

	case protocol.CmdGetConversationMessages:
		var p protocol.GetConversationMessagesPayload
		json.Unmarshal(env.Payload, &p)
		if !c.ownsConversation(p.ConversationID) {
			return
		}
		msgs, err := c.Store.GetConversationMessages(p.ConversationID)
		if err != nil {
			c.SendError(protocol.EvtMessageError, err.Error())
			return
		}
		c.SendJSON(protocol.ConversationMessagesEvent{
			Type: protocol.EvtConversationMessages, ConversationID: p.ConversationID, Messages: msgs,
		})

	case protocol.CmdGetConversations:
		c.sendConversations()

	case protocol.CmdRenameConversation:
		var p protocol.RenameConversationPayload
		json.Unmarshal(env.Payload, &p)
		if !c.ownsConversation(p.ConversationID) {
			return
		}
		c.Store.RenameConversation(p.ConversationID, p.Title)
		c.sendConversationUpdated(p.ConversationID)

	case protocol.CmdArchiveConversation:
		var p protocol.ArchiveConversationPayload
		json.Unmarshal(env.Payload, &p)
		if !c.ownsConversation(p.ConversationID) {
			return
		}
		c.Store.SetConversationArchived(p.ConversationID, p.Archived)
		c.sendConversationUpdated(p.ConversationID)

	case protocol.CmdPinConversation:
		var p protocol.PinConversationPayload
		json.Unmarshal(env.Payload, &p)
		if !c.ownsConversation(p.ConversationID) {
			return
		}
		c.Store.SetConversationPinned(p.ConversationID, p.Pinned)
		c.sendConversationUpdated(p.ConversationID)

	case protocol.CmdDeleteConversation:
		var p protocol.DeleteConversationPayload
		json.Unmarshal(env.Payload, &p)
		if !c.ownsConversation(p.ConversationID) {
			return
		}
		c.Store.DeleteConversation(p.ConversationID)
		c.fanOut(protocol.ConversationDeletedEvent{
			Type: protocol.EvtConversationDeleted, ConversationID: p.ConversationID,
		})

	default:
		c.Log.Warn("unknown command", zap.String("type", env.Type))
	}
}

func (c *Client) handleSend(p protocol.SendMessagePayload) {
	convID := p.ConversationID
	if convID == "" {
		// First send in a new thread creates the conversation.
		conv, err := c.Store.CreateConversation(c.UserID, "", p.Language)
		if err != nil {
			c.sendOpError(protocol.EvtMessageError, err.Error(), p.TempID, "")
			return
		}
		convID = conv.ID
	} else if !c.ownsConversation(convID) {
		c.sendOpError(protocol.EvtMessageError, "conversation not found", p.TempID, convID)
		return
	}

	c.SendJSON(protocol.MessageAckEvent{
		Type: protocol.EvtMessageReceived, TempID: p.TempID, ConversationID: convID,
	})

	userMsg, err := c.Store.SaveMessage(convID, protocol.RoleUser, p.Message, nil)
	if err != nil {
		c.sendOpError(protocol.EvtMessageError, err.Error(), p.TempID, convID)
		return
	}
	c.SendJSON(protocol.MessageConfirmedEvent{
		Type:           protocol.EvtMessageConfirmed,
		TempID:         p.TempID,
		PermanentID:    userMsg.ID,
		ConversationID: convID,
		Content:        userMsg.Content,
		CreatedAt:      userMsg.CreatedAt,
	})

	c.SendJSON(protocol.TypingEvent{Type: protocol.EvtTyping, IsTyping: true, ConversationID: convID})

	reply, citations := assistant.Reply(p.Message, p.Language, 0)
	aiMsg, err := c.Store.SaveMessage(convID, protocol.RoleAssistant, reply, citations)
	if err != nil {
		c.SendJSON(protocol.TypingEvent{Type: protocol.EvtTyping, IsTyping: false, ConversationID: convID})
		c.sendOpError(protocol.EvtMessageError, err.Error(), "", convID)
		return
	}
	c.Store.DebitCredits(c.UserID, creditCost)
	c.Store.TouchConversation(convID, reply)

	c.SendJSON(protocol.TypingEvent{Type: protocol.EvtTyping, IsTyping: false, ConversationID: convID})
	c.SendJSON(protocol.MessageResponseEvent{
		Type:           protocol.EvtMessageResponse,
		ConversationID: convID,
		UserMessageID:  userMsg.ID,
		MessageID:      aiMsg.ID,
		Response:       reply,
		Citations:      citations,
	})
	c.sendConversationUpdated(convID)
}

// handleEdit rewrites the user message as a new version and regenerates
// the paired assistant answer.
func (c *Client) handleEdit(p protocol.EditMessagePayload) {
	msg, err := c.Store.GetMessage(p.MessageID)
	if err != nil || !c.ownsConversation(msg.ConversationID) {
		c.sendOpError(protocol.EvtEditError, "message not found", "", "")
		return
	}

	updated, err := c.Store.AddMessageVersion(p.MessageID, p.Content)
	if err != nil {
		c.sendOpError(protocol.EvtEditError, err.Error(), "", msg.ConversationID)
		return
	}
	c.SendJSON(protocol.MessageEditedEvent{
		Type:           protocol.EvtMessageEdited,
		MessageID:      updated.ID,
		NewContent:     updated.Content,
		ConversationID: updated.ConversationID,
		TotalVersions:  updated.TotalVersions,
		CurrentVersion: updated.CurrentVersion,
	})

	aiMsg, ok := c.assistantReplyTo(updated)
	if !ok {
		return
	}

	c.SendJSON(protocol.TypingEvent{Type: protocol.EvtTyping, IsTyping: true, ConversationID: updated.ConversationID})
	reply, citations := assistant.Reply(p.Content, "", aiMsg.TotalVersions)
	regenerated, err := c.Store.AddMessageVersion(aiMsg.ID, reply)
	if err != nil {
		c.SendJSON(protocol.TypingEvent{Type: protocol.EvtTyping, IsTyping: false, ConversationID: updated.ConversationID})
		c.sendOpError(protocol.EvtEditError, err.Error(), "", updated.ConversationID)
		return
	}
	c.Store.DebitCredits(c.UserID, creditCost)
	c.Store.TouchConversation(updated.ConversationID, reply)

	c.SendJSON(protocol.TypingEvent{Type: protocol.EvtTyping, IsTyping: false, ConversationID: updated.ConversationID})
	// Existing assistant id: the client overwrites content in place.
	c.SendJSON(protocol.MessageResponseEvent{
		Type:           protocol.EvtMessageResponse,
		ConversationID: updated.ConversationID,
		UserMessageID:  updated.ID,
		MessageID:      regenerated.ID,
		Response:       reply,
		Citations:      citations,
	})
	c.sendConversationUpdated(updated.ConversationID)
}

func (c *Client) handleRegenerate(p protocol.RegenerateMessagePayload) {
	msg, err := c.Store.GetMessage(p.MessageID)
	if err != nil || !c.ownsConversation(msg.ConversationID) {
		c.sendOpError(protocol.EvtRegenerateError, "message not found", "", "")
		return
	}
	if msg.Role != protocol.RoleAssistant {
		c.sendOpError(protocol.EvtRegenerateError, "only assistant messages can be regenerated", "", msg.ConversationID)
		return
	}

	c.SendJSON(protocol.MessageRegeneratingEvent{
		Type: protocol.EvtMessageRegenerating, MessageID: msg.ID, Status: true,
	})

	reply, _ := assistant.Reply(msg.Content, p.Language, msg.TotalVersions)
	regenerated, err := c.Store.AddMessageVersion(msg.ID, reply)
	if err != nil {
		c.SendJSON(protocol.MessageRegeneratingEvent{
			Type: protocol.EvtMessageRegenerating, MessageID: msg.ID, Status: false,
		})
		c.sendOpError(protocol.EvtRegenerateError, err.Error(), "", msg.ConversationID)
		return
	}
	c.Store.DebitCredits(c.UserID, creditCost)
	c.Store.TouchConversation(msg.ConversationID, reply)

	c.SendJSON(protocol.MessageRegeneratedEvent{
		Type:           protocol.EvtMessageRegenerated,
		MessageID:      regenerated.ID,
		Content:        regenerated.Content,
		ConversationID: regenerated.ConversationID,
		TotalVersions:  regenerated.TotalVersions,
		CurrentVersion: regenerated.CurrentVersion,
	})
	c.sendConversationUpdated(msg.ConversationID)
}

func (c *Client) handleDelete(p protocol.DeleteMessagePayload) {
	msg, err := c.Store.GetMessage(p.MessageID)
	if err != nil {
		// Deleting an unknown id converges to the same outcome.
		c.SendJSON(protocol.MessageDeletedEvent{
			Type: protocol.EvtMessageDeleted, MessageID: p.MessageID,
		})
		return
	}
	if !c.ownsConversation(msg.ConversationID) {
		return
	}
	if err := c.Store.DeleteMessage(p.MessageID); err != nil {
		c.sendOpError(protocol.EvtMessageError, err.Error(), "", msg.ConversationID)
		return
	}
	ev := protocol.MessageDeletedEvent{
		Type: protocol.EvtMessageDeleted, MessageID: p.MessageID, ConversationID: msg.ConversationID,
	}
	c.SendJSON(ev)
	c.fanOut(ev)
}

func (c *Client) handleSwitchVersion(p protocol.SwitchVersionPayload) {
	msg, err := c.Store.GetMessage(p.MessageID)
	if err != nil || !c.ownsConversation(msg.ConversationID) {
		c.sendOpError(protocol.EvtVersionSwitchError, "message not found", "", "")
		return
	}

	switched, err := c.Store.SwitchMessageVersion(p.MessageID, p.VersionNumber)
	if err != nil {
		c.sendOpError(protocol.EvtVersionSwitchError, err.Error(), "", msg.ConversationID)
		return
	}

	ev := protocol.VersionSwitchedEvent{Type: protocol.EvtVersionSwitched}
	if p.IsUserMessage {
		ev.UserMessage = switched
	} else {
		ev.AssistantMessage = switched
	}
	c.SendJSON(ev)
}

func (c *Client) assistantReplyTo(userMsg *protocol.Message) (*protocol.Message, bool) {
	msgs, err := c.Store.GetConversationMessages(userMsg.ConversationID)
	if err != nil {
		return nil, false
	}
	seen := false
	for i := range msgs {
		if msgs[i].ID == userMsg.ID {
			seen = true
			continue
		}
		if seen && msgs[i].Role == protocol.RoleAssistant {
			return &msgs[i], true
		}
	}
	return nil, false
}

func (c *Client) ownsConversation(convID string) bool {
	conv, err := c.Store.GetConversation(convID)
	return err == nil && conv.UserID == c.UserID
}

func (c *Client) sendConversations() {
	convs, err := c.Store.GetUserConversations(c.UserID)
	if err != nil {
		c.SendError(protocol.EvtMessageError, err.Error())
		return
	}
	c.SendJSON(protocol.ConversationsEvent{Type: protocol.EvtConversations, Conversations: convs})
}

func (c *Client) sendConversationUpdated(convID string) {
	conv, err := c.Store.GetConversation(convID)
	if err != nil {
		return
	}
	ev := protocol.ConversationUpdatedEvent{Type: protocol.EvtConversationUpdated, Conversation: *conv}
	c.SendJSON(ev)
	c.fanOut(ev)
}

// fanOut pushes an event to the user's other live connections.
func (c *Client) fanOut(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Hub.Broadcast <- UserEvent{UserID: c.UserID, Origin: c, Data: data}
}

func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.Log.Error("marshal event", zap.Error(err))
		return
	}
	c.Send <- data
}

func (c *Client) SendError(evType, errStr string) {
	c.SendJSON(protocol.ErrorEvent{Type: evType, Error: errStr})
}

func (c *Client) sendOpError(evType, errStr, tempID, convID string) {
	c.SendJSON(protocol.ErrorEvent{Type: evType, Error: errStr, TempID: tempID, ConversationID: convID})
}
