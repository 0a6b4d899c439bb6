package clientstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/clock"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFileStore_LoadMissingFileOK(t *testing.T) {
	root := t.TempDir()
	m := New(NewFileStore(filepath.Join(root, "chatsync", "state.json")), clock.NewFake(start))
	require.NoError(t, m.Load(context.Background()))
	require.Equal(t, CurrentVersion, m.Snapshot().Version)
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	fc := clock.NewFake(start)
	m := New(NewFileStore(path), fc)
	require.NoError(t, m.Load(ctx))

	m.SetLastRead(40)
	m.SetBrowseAnchor(33)
	m.SetChatOpen(true)
	m.Block(9)
	m.Block(9)
	require.NoError(t, m.SaveNow(ctx))

	loaded := New(NewFileStore(path), fc)
	require.NoError(t, loaded.Load(ctx))
	require.Equal(t, int64(40), loaded.LastReadID())
	id, ok := loaded.BrowseAnchor()
	require.True(t, ok)
	require.Equal(t, int64(33), id)
	require.True(t, loaded.Snapshot().ChatOpen)
	require.Equal(t, []int64{9}, loaded.Blocked())
}

func TestFileStore_LegacyFileWithoutVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"last_read_id":12}`), 0o644))

	m := New(NewFileStore(path), clock.NewFake(start))
	require.NoError(t, m.Load(context.Background()))
	s := m.Snapshot()
	require.Equal(t, CurrentVersion, s.Version)
	require.Equal(t, int64(12), s.LastReadID)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenSQLite(path, "user-3")
	require.NoError(t, err)

	m := New(store, clock.NewFake(start))
	require.NoError(t, m.Load(ctx))
	m.SetLastRead(7)
	m.SetMaximized(true)
	require.NoError(t, m.Close(ctx))

	reopened, err := OpenSQLite(path, "user-3")
	require.NoError(t, err)
	defer reopened.Close()
	s, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), s.LastReadID)
	require.True(t, s.Maximized)

	other, err := OpenSQLite(path, "user-4")
	require.NoError(t, err)
	defer other.Close()
	s, err = other.Load(ctx)
	require.NoError(t, err)
	require.Zero(t, s.LastReadID)
}

func TestManager_LastReadMonotonic(t *testing.T) {
	m := New(NewMemoryStore(), clock.NewFake(start))
	m.SetLastRead(10)
	m.SetLastRead(5)
	require.Equal(t, int64(10), m.LastReadID())
}

func TestManager_DebouncedSave(t *testing.T) {
	store := NewMemoryStore()
	fc := clock.NewFake(start)
	m := New(store, fc)

	m.SetLastRead(1)
	fc.Advance(500 * time.Millisecond)
	m.SetLastRead(2)
	fc.Advance(500 * time.Millisecond)
	require.Zero(t, store.Saves())

	fc.Advance(500 * time.Millisecond)
	require.Equal(t, 1, store.Saves())
	s, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), s.LastReadID)
}

func TestManager_BrowseAnchorExpires(t *testing.T) {
	fc := clock.NewFake(start)
	m := New(NewMemoryStore(), fc)
	m.SetBrowseAnchor(50)

	fc.Advance(AnchorMaxAge - time.Minute)
	_, ok := m.BrowseAnchor()
	require.True(t, ok)

	fc.Advance(2 * time.Minute)
	_, ok = m.BrowseAnchor()
	require.False(t, ok)

	m.ClearBrowseAnchor()
	require.Nil(t, m.Snapshot().BrowseAnchor)
}

func TestManager_UnblockAndNormalize(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, State{Blocked: []int64{5, 3, 5, 0}}))

	m := New(store, clock.NewFake(start))
	require.NoError(t, m.Load(ctx))
	require.Equal(t, []int64{3, 5}, m.Blocked())

	m.Unblock(3)
	require.Equal(t, []int64{5}, m.Blocked())
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("redis", "", "")
	require.Error(t, err)

	s, err := Open("memory", "", "")
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)
}
