package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casemark-dev/casechat/internal/protocol"
)

func msg(convID, id, content string) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: convID,
		Role:           protocol.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

func TestAppendMessageRejectsDuplicateID(t *testing.T) {
	s := New()

	require.True(t, s.AppendMessage(msg("c1", "m1", "first")))
	assert.False(t, s.AppendMessage(msg("c1", "m1", "again")))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Content)
}

func TestAppendMessageSameIDAcrossConversations(t *testing.T) {
	s := New()

	// Uniqueness holds per conversation, not globally.
	assert.True(t, s.AppendMessage(msg("c1", "m1", "a")))
	assert.True(t, s.AppendMessage(msg("c2", "m1", "b")))
}

func TestReplaceMessageKeepsPosition(t *testing.T) {
	s := New()
	s.AppendMessage(msg("c1", "m1", "one"))
	s.AppendMessage(msg("c1", "temp-x", "optimistic"))
	s.AppendMessage(msg("c1", "m3", "three"))

	replacement := msg("c1", "m2", "optimistic")
	require.True(t, s.ReplaceMessage("c1", "temp-x", replacement))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
	assert.False(t, s.HasMessage("c1", "temp-x"))
}

func TestReplaceMessageMissingOldID(t *testing.T) {
	s := New()
	s.AppendMessage(msg("c1", "m1", "one"))

	assert.False(t, s.ReplaceMessage("c1", "temp-gone", msg("c1", "m2", "x")))
	assert.Len(t, s.Messages("c1"), 1)
}

func TestReplaceMessageTargetIDTaken(t *testing.T) {
	s := New()
	s.AppendMessage(msg("c1", "temp-x", "optimistic"))
	s.AppendMessage(msg("c1", "m2", "already here"))

	// The permanent id already belongs to another entry; the swap must
	// not produce two entries with the same id.
	assert.False(t, s.ReplaceMessage("c1", "temp-x", msg("c1", "m2", "dupe")))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "temp-x", msgs[0].ID)
	assert.Equal(t, "already here", msgs[1].Content)
}

func TestReplaceMessageOntoItself(t *testing.T) {
	s := New()
	s.AppendMessage(msg("c1", "m1", "old"))

	require.True(t, s.ReplaceMessage("c1", "m1", msg("c1", "m1", "new")))
	got, ok := s.Message("c1", "m1")
	require.True(t, ok)
	assert.Equal(t, "new", got.Content)
}

func TestUpsertMessage(t *testing.T) {
	s := New()

	assert.True(t, s.UpsertMessage(msg("c1", "a1", "draft")))
	assert.False(t, s.UpsertMessage(msg("c1", "a1", "final")))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "final", msgs[0].Content)
}

func TestDeleteMessageIdempotent(t *testing.T) {
	s := New()
	s.AppendMessage(msg("c1", "m1", "one"))

	s.DeleteMessage("c1", "m1")
	s.DeleteMessage("c1", "m1")
	s.DeleteMessage("c1", "never-existed")

	assert.Empty(t, s.Messages("c1"))
}

func TestSetMessagesDropsDuplicates(t *testing.T) {
	s := New()
	s.AppendMessage(msg("c1", "stale", "gone after reload"))

	s.SetMessages("c1", []protocol.Message{
		msg("", "m1", "one"),
		msg("", "m2", "two"),
		msg("", "m1", "one again"),
	})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "c1", msgs[0].ConversationID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestFindMessageAcrossConversations(t *testing.T) {
	s := New()
	s.AppendMessage(msg("c1", "m1", "one"))
	s.AppendMessage(msg("c2", "m2", "two"))

	found, ok := s.FindMessage("m2")
	require.True(t, ok)
	assert.Equal(t, "c2", found.ConversationID)

	_, ok = s.FindMessage("nope")
	assert.False(t, ok)
}

func TestConversationOrdering(t *testing.T) {
	s := New()
	now := time.Now()
	s.SetConversations([]protocol.Conversation{
		{ID: "old", LastActivityAt: now.Add(-2 * time.Hour)},
		{ID: "pinned-old", Pinned: true, LastActivityAt: now.Add(-3 * time.Hour)},
		{ID: "fresh", LastActivityAt: now},
	})

	convs := s.Conversations()
	require.Len(t, convs, 3)
	assert.Equal(t, "pinned-old", convs[0].ID)
	assert.Equal(t, "fresh", convs[1].ID)
	assert.Equal(t, "old", convs[2].ID)
}

func TestDeleteConversationCascades(t *testing.T) {
	s := New()
	s.UpsertConversation(protocol.Conversation{ID: "c1", Title: "case"})
	s.AppendMessage(msg("c1", "m1", "one"))

	s.DeleteConversation("c1")

	_, ok := s.Conversation("c1")
	assert.False(t, ok)
	assert.Empty(t, s.Messages("c1"))
}

func TestTouchConversation(t *testing.T) {
	s := New()
	s.UpsertConversation(protocol.Conversation{ID: "c1"})

	s.TouchConversation("c1", "latest answer")
	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "latest answer", conv.LastMessage)
	assert.False(t, conv.LastActivityAt.IsZero())

	// Unknown ids are ignored.
	s.TouchConversation("missing", "x")
}

func TestPendingFlags(t *testing.T) {
	s := New()

	s.SetPending("m1", PendingRegenerate)
	kind, ok := s.Pending("m1")
	require.True(t, ok)
	assert.Equal(t, PendingRegenerate, kind)
	assert.True(t, s.HasAnyPending())

	s.ClearPending("m1")
	_, ok = s.Pending("m1")
	assert.False(t, ok)

	s.SetPending("m2", PendingEditResponse)
	s.ClearAllPending()
	assert.False(t, s.HasAnyPending())
}

func TestDisconnectClearsTyping(t *testing.T) {
	s := New()
	s.SetTyping(true)
	s.SetConnected(false)
	assert.False(t, s.IsTyping())
}

func TestChangesSignalCoalesces(t *testing.T) {
	s := New()

	s.SetTyping(true)
	s.SetTyping(false)
	s.SetLastError("boom")

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a pending change notification")
	}

	// All three mutations coalesced into one notification.
	select {
	case <-s.Changes():
		t.Fatal("expected the channel to be drained")
	default:
	}
}
