package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := newTracker()

	tr.record("temp-1", "hello", "c1")
	require.Equal(t, 1, tr.size())

	entry, ok := tr.get("temp-1")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.content)
	assert.Equal(t, "c1", entry.conversationID)
	assert.Empty(t, entry.resolvedID)

	require.True(t, tr.resolve("temp-1", "m1"))
	entry, _ = tr.get("temp-1")
	assert.Equal(t, "m1", entry.resolvedID)

	tr.release("temp-1")
	_, ok = tr.get("temp-1")
	assert.False(t, ok)
	assert.Equal(t, 0, tr.size())
}

func TestTrackerResolveUnknown(t *testing.T) {
	tr := newTracker()
	assert.False(t, tr.resolve("temp-missing", "m1"))
}

func TestTrackerByConversationPrefersResolvedMatch(t *testing.T) {
	tr := newTracker()
	tr.record("temp-1", "a", "c1")
	tr.record("temp-2", "b", "c1")
	tr.resolve("temp-2", "m2")

	tempID, ok := tr.byConversation("c1", "m2")
	require.True(t, ok)
	assert.Equal(t, "temp-2", tempID)
}

func TestTrackerByConversationOldestUnresolved(t *testing.T) {
	tr := newTracker()
	tr.record("temp-1", "a", "c1")
	time.Sleep(2 * time.Millisecond)
	tr.record("temp-2", "b", "c1")
	tr.record("temp-3", "c", "c2")

	tempID, ok := tr.byConversation("c1", "m-unknown")
	require.True(t, ok)
	assert.Equal(t, "temp-1", tempID)

	// Entries resolved to other ids are not candidates.
	tr.resolve("temp-1", "m1")
	tempID, ok = tr.byConversation("c1", "m-unknown")
	require.True(t, ok)
	assert.Equal(t, "temp-2", tempID)

	_, ok = tr.byConversation("c9", "")
	assert.False(t, ok)
}

func TestTrackerClear(t *testing.T) {
	tr := newTracker()
	tr.record("temp-1", "a", "c1")
	tr.record("temp-2", "b", "c2")

	tr.clear()
	assert.Equal(t, 0, tr.size())
}
