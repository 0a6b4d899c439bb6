// Package cache holds the canonical keyed message store and its derived,
// always sorted id sequence.
package cache

import (
	"sort"

	"github.com/tOgg1/chatsync/internal/models"
)

// TieBreak orders two messages with equal timestamps. It returns a negative
// value when a sorts first, positive when b does, and zero to fall back to
// id order.
type TieBreak func(a, b models.Message) int

// NoTieBreak orders equal timestamps by id only.
func NoTieBreak(models.Message, models.Message) int { return 0 }

// SystemAuthorLast sorts messages from systemID after human messages that
// share a timestamp.
func SystemAuthorLast(systemID int64) TieBreak {
	return func(a, b models.Message) int {
		as, bs := a.AuthorID == systemID, b.AuthorID == systemID
		switch {
		case as == bs:
			return 0
		case as:
			return 1
		default:
			return -1
		}
	}
}

// Cache maps ids to messages and keeps a lazily sorted id slice.
// It is not safe for concurrent use; the engine loop owns it.
type Cache struct {
	entries  map[int64]models.Message
	ordered  []int64
	dirty    bool
	version  uint64
	tieBreak TieBreak
}

// New creates an empty cache. A nil tie-break means NoTieBreak.
func New(tb TieBreak) *Cache {
	if tb == nil {
		tb = NoTieBreak
	}
	return &Cache{
		entries:  make(map[int64]models.Message),
		tieBreak: tb,
	}
}

// Upsert inserts msg or overwrites the entry with the same id. An incoming
// copy never replaces a stored copy carrying a newer edit. Returns whether
// the cache changed.
func (c *Cache) Upsert(msg models.Message) bool {
	existing, ok := c.entries[msg.ID]
	if ok {
		if existing.EditedAfter(msg) {
			return false
		}
		if msg.StableKey == "" {
			msg.StableKey = existing.StableKey
		}
		if existing.Timestamp != msg.Timestamp || existing.AuthorID != msg.AuthorID {
			c.dirty = true
		}
	} else {
		c.dirty = true
	}
	c.entries[msg.ID] = msg.Clone()
	c.version++
	return true
}

// UpsertBatch upserts every message and returns how many changed the cache.
func (c *Cache) UpsertBatch(msgs []models.Message) int {
	changed := 0
	for _, m := range msgs {
		if c.Upsert(m) {
			changed++
		}
	}
	return changed
}

// Update applies fn to a copy of the entry and stores the result.
func (c *Cache) Update(id int64, fn func(*models.Message)) bool {
	existing, ok := c.entries[id]
	if !ok {
		return false
	}
	next := existing.Clone()
	fn(&next)
	next.ID = id
	if next.Timestamp != existing.Timestamp || next.AuthorID != existing.AuthorID {
		c.dirty = true
	}
	c.entries[id] = next
	c.version++
	return true
}

// Replace removes oldID and inserts msg as a single mutation.
func (c *Cache) Replace(oldID int64, msg models.Message) {
	delete(c.entries, oldID)
	c.entries[msg.ID] = msg.Clone()
	c.dirty = true
	c.version++
}

// Remove deletes the entry with the given id.
func (c *Cache) Remove(id int64) bool {
	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	c.dirty = true
	c.version++
	return true
}

// Reset discards every entry that keep does not pin and loads msgs.
func (c *Cache) Reset(msgs []models.Message, keep func(models.Message) bool) {
	next := make(map[int64]models.Message, len(msgs))
	if keep != nil {
		for id, m := range c.entries {
			if keep(m) {
				next[id] = m
			}
		}
	}
	c.entries = next
	c.dirty = true
	c.version++
	for _, m := range msgs {
		c.Upsert(m)
	}
}

// Get returns a copy of the message with the given id.
func (c *Cache) Get(id int64) (models.Message, bool) {
	m, ok := c.entries[id]
	if !ok {
		return models.Message{}, false
	}
	return m.Clone(), true
}

func (c *Cache) Has(id int64) bool {
	_, ok := c.entries[id]
	return ok
}

func (c *Cache) Len() int { return len(c.entries) }

// Version increases on every mutation.
func (c *Cache) Version() uint64 { return c.version }

// OrderedIDs returns the sorted id sequence. The sort only reruns when the
// set of entries or their ordering keys changed since the last call.
func (c *Cache) OrderedIDs() []int64 {
	c.sortIfDirty()
	return append([]int64(nil), c.ordered...)
}

// Ordered returns copies of every message in timeline order.
func (c *Cache) Ordered() []models.Message {
	c.sortIfDirty()
	out := make([]models.Message, 0, len(c.ordered))
	for _, id := range c.ordered {
		out = append(out, c.entries[id].Clone())
	}
	return out
}

// Tail returns up to n messages ending at endID, or at the newest entry
// when endID is zero or unknown.
func (c *Cache) Tail(n int, endID int64) []models.Message {
	c.sortIfDirty()
	end := len(c.ordered)
	if endID != 0 {
		for i, id := range c.ordered {
			if id == endID {
				end = i + 1
				break
			}
		}
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, 0, end-start)
	for _, id := range c.ordered[start:end] {
		out = append(out, c.entries[id])
	}
	return out
}

// ServerRange returns the smallest and largest confirmed ids.
func (c *Cache) ServerRange() (oldest, newest int64) {
	for id := range c.entries {
		if id <= 0 {
			continue
		}
		if oldest == 0 || id < oldest {
			oldest = id
		}
		if id > newest {
			newest = id
		}
	}
	return oldest, newest
}

// EvictOldest drops the oldest entries until at most max remain, skipping
// entries pinned by keep. Returns the evicted ids.
func (c *Cache) EvictOldest(max int, keep func(models.Message) bool) []int64 {
	if max <= 0 || len(c.entries) <= max {
		return nil
	}
	c.sortIfDirty()
	excess := len(c.entries) - max
	var evicted []int64
	for _, id := range c.ordered {
		if excess == 0 {
			break
		}
		if keep != nil && keep(c.entries[id]) {
			continue
		}
		delete(c.entries, id)
		evicted = append(evicted, id)
		excess--
	}
	if len(evicted) > 0 {
		c.dirty = true
		c.version++
	}
	return evicted
}

func (c *Cache) sortIfDirty() {
	if !c.dirty && len(c.ordered) == len(c.entries) {
		return
	}
	ids := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.entries[ids[i]], c.entries[ids[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if r := c.tieBreak(a, b); r != 0 {
			return r < 0
		}
		return less(a.ID, b.ID)
	})
	c.ordered = ids
	c.dirty = false
}

// less orders confirmed ids ascending and places optimistic ids after them,
// oldest send first.
func less(a, b int64) bool {
	if (a < 0) != (b < 0) {
		return a > 0
	}
	if a < 0 {
		return a > b
	}
	return a < b
}
