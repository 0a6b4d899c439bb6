package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func msg(id, ts, author int64) models.Message {
	return models.Message{ID: id, Timestamp: ts, AuthorID: author, Content: "m", State: models.MessageSent}
}

func TestCache_OrderedByTimestampThenID(t *testing.T) {
	c := New(nil)
	c.Upsert(msg(12, 300, 1))
	c.Upsert(msg(10, 100, 1))
	c.Upsert(msg(11, 100, 2))

	assert.Equal(t, []int64{10, 11, 12}, c.OrderedIDs())
}

func TestCache_SystemAuthorLastTieBreak(t *testing.T) {
	const bot = int64(0)
	c := New(SystemAuthorLast(bot))
	c.Upsert(msg(5, 100, bot))
	c.Upsert(msg(6, 100, 42))
	c.Upsert(msg(4, 90, bot))

	assert.Equal(t, []int64{4, 6, 5}, c.OrderedIDs())

	plain := New(NoTieBreak)
	plain.Upsert(msg(5, 100, bot))
	plain.Upsert(msg(6, 100, 42))
	assert.Equal(t, []int64{5, 6}, plain.OrderedIDs())
}

func TestCache_OptimisticSortAfterConfirmedAtSameTimestamp(t *testing.T) {
	c := New(nil)
	c.Upsert(msg(-1, 100, 1))
	c.Upsert(msg(-2, 100, 1))
	c.Upsert(msg(50, 100, 2))

	assert.Equal(t, []int64{50, -1, -2}, c.OrderedIDs())
}

func TestCache_UpsertNeverRegressesEdit(t *testing.T) {
	c := New(nil)
	newer, older := int64(200), int64(150)

	edited := msg(1, 100, 1)
	edited.Content = "edited"
	edited.EditedAt = &newer
	require.True(t, c.Upsert(edited))

	stale := msg(1, 100, 1)
	stale.Content = "original"
	assert.False(t, c.Upsert(stale), "missing edited_at must not overwrite")

	olderEdit := msg(1, 100, 1)
	olderEdit.Content = "first edit"
	olderEdit.EditedAt = &older
	assert.False(t, c.Upsert(olderEdit))

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "edited", got.Content)
}

func TestCache_UpsertKeepsStableKey(t *testing.T) {
	c := New(nil)
	first := msg(7, 100, 1)
	first.StableKey = "k1"
	c.Upsert(first)
	c.Upsert(msg(7, 100, 1))

	got, _ := c.Get(7)
	assert.Equal(t, "k1", got.StableKey)
}

func TestCache_OrderedIDsLazy(t *testing.T) {
	c := New(nil)
	c.UpsertBatch([]models.Message{msg(2, 2, 1), msg(1, 1, 1)})
	first := c.OrderedIDs()
	require.Equal(t, []int64{1, 2}, first)
	assert.False(t, c.dirty)

	// Content-only updates keep the order valid.
	c.Update(1, func(m *models.Message) { m.Content = "x" })
	assert.False(t, c.dirty)

	c.Remove(1)
	assert.True(t, c.dirty)
	assert.Equal(t, []int64{2}, c.OrderedIDs())
}

func TestCache_ReplaceIsSingleVersionBump(t *testing.T) {
	c := New(nil)
	c.Upsert(msg(-1, 100, 1))
	before := c.Version()

	c.Replace(-1, msg(99, 101, 1))
	assert.Equal(t, before+1, c.Version())
	assert.False(t, c.Has(-1))
	assert.Equal(t, []int64{99}, c.OrderedIDs())
}

func TestCache_ResetKeepsPinned(t *testing.T) {
	c := New(nil)
	c.Upsert(msg(1, 1, 1))
	pending := msg(-1, 5, 1)
	pending.State = models.MessageSending
	c.Upsert(pending)

	c.Reset([]models.Message{msg(100, 10, 2)}, func(m models.Message) bool { return m.IsPending() })
	assert.Equal(t, []int64{-1, 100}, c.OrderedIDs())
}

func TestCache_EvictOldestSkipsPinned(t *testing.T) {
	c := New(nil)
	pending := msg(-1, 1, 1)
	pending.State = models.MessageFailed
	c.Upsert(pending)
	for i := int64(1); i <= 5; i++ {
		c.Upsert(msg(i, 10+i, 1))
	}

	evicted := c.EvictOldest(3, func(m models.Message) bool { return m.IsPending() })
	assert.Equal(t, []int64{1, 2, 3}, evicted)
	assert.Equal(t, []int64{-1, 4, 5}, c.OrderedIDs())

	oldest, newest := c.ServerRange()
	assert.Equal(t, int64(4), oldest)
	assert.Equal(t, int64(5), newest)
}

func TestCache_Tail(t *testing.T) {
	c := New(nil)
	for i := int64(1); i <= 10; i++ {
		c.Upsert(msg(i, i, i))
	}
	tail := c.Tail(3, 0)
	require.Len(t, tail, 3)
	assert.Equal(t, int64(8), tail[0].ID)

	window := c.Tail(3, 5)
	require.Len(t, window, 3)
	assert.Equal(t, int64(3), window[0].ID)
	assert.Equal(t, int64(5), window[2].ID)
}

func TestCache_NoDuplicateIDs(t *testing.T) {
	c := New(nil)
	c.UpsertBatch([]models.Message{msg(1, 1, 1), msg(2, 2, 1), msg(3, 3, 1)})
	c.UpsertBatch([]models.Message{msg(2, 2, 1), msg(3, 3, 1), msg(4, 4, 1)})
	c.Upsert(msg(4, 4, 1))

	ids := c.OrderedIDs()
	seen := map[int64]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, ids, 4)
}
