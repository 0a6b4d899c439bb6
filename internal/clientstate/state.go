// Package clientstate persists client-side hints between sessions: the read
// cursor, the browse anchor, window flags and blocked users. None of it is
// authoritative; the server wins wherever it has an opinion.
package clientstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/logging"
)

const (
	CurrentVersion = 1

	defaultDebounce = 1 * time.Second
	// AnchorMaxAge is how long a saved browse position stays restorable.
	AnchorMaxAge = 24 * time.Hour
)

type State struct {
	Version      int           `json:"version"`
	LastReadID   int64         `json:"last_read_id,omitempty"`
	BrowseAnchor *BrowseAnchor `json:"browse_anchor,omitempty"`
	ChatOpen     bool          `json:"chat_open,omitempty"`
	Maximized    bool          `json:"maximized,omitempty"`
	Blocked      []int64       `json:"blocked,omitempty"`
}

type BrowseAnchor struct {
	MessageID int64     `json:"message_id"`
	SavedAt   time.Time `json:"saved_at"`
}

// Store loads and saves a State.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Close() error
}

type Manager struct {
	store  Store
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	dirty    bool
	timer    clock.Timer
	debounce time.Duration
}

// New creates a manager over store. A nil clock uses wall time.
func New(store Store, c clock.Clock) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{
		store:    store,
		clock:    c,
		logger:   logging.Component("clientstate"),
		state:    State{Version: CurrentVersion},
		debounce: defaultDebounce,
	}
}

// SetDebounce changes the save delay.
func (m *Manager) SetDebounce(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.debounce = d
	}
}

func (m *Manager) Load(ctx context.Context) error {
	loaded, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = normalizeState(loaded, m.clock.Now())
	m.dirty = false
	return nil
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state)
}

func (m *Manager) LastReadID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LastReadID
}

// SetLastRead records id if it is higher than the stored cursor.
func (m *Manager) SetLastRead(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= m.state.LastReadID {
		return
	}
	m.state.LastReadID = id
	m.markDirtyLocked()
}

// BrowseAnchor returns the saved browse position unless it has expired.
func (m *Manager) BrowseAnchor() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.state.BrowseAnchor
	if a == nil || a.MessageID <= 0 {
		return 0, false
	}
	if m.clock.Now().Sub(a.SavedAt) > AnchorMaxAge {
		return 0, false
	}
	return a.MessageID, true
}

func (m *Manager) SetBrowseAnchor(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 {
		return
	}
	if a := m.state.BrowseAnchor; a != nil && a.MessageID == id {
		return
	}
	m.state.BrowseAnchor = &BrowseAnchor{MessageID: id, SavedAt: m.clock.Now().UTC()}
	m.markDirtyLocked()
}

func (m *Manager) ClearBrowseAnchor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.BrowseAnchor == nil {
		return
	}
	m.state.BrowseAnchor = nil
	m.markDirtyLocked()
}

func (m *Manager) SetChatOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ChatOpen == open {
		return
	}
	m.state.ChatOpen = open
	m.markDirtyLocked()
}

func (m *Manager) SetMaximized(maximized bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Maximized == maximized {
		return
	}
	m.state.Maximized = maximized
	m.markDirtyLocked()
}

func (m *Manager) Block(uid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.state.Blocked {
		if b == uid {
			return
		}
	}
	m.state.Blocked = append(m.state.Blocked, uid)
	m.markDirtyLocked()
}

func (m *Manager) Unblock(uid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.state.Blocked {
		if b == uid {
			m.state.Blocked = append(m.state.Blocked[:i], m.state.Blocked[i+1:]...)
			m.markDirtyLocked()
			return
		}
	}
}

func (m *Manager) Blocked() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.state.Blocked...)
}

// Close cancels the pending save and flushes unsaved changes.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	needsSave := m.dirty
	m.mu.Unlock()
	if needsSave {
		if err := m.SaveNow(ctx); err != nil {
			return err
		}
	}
	return m.store.Close()
}

func (m *Manager) SaveNow(ctx context.Context) error {
	m.mu.Lock()
	state := cloneState(m.state)
	m.dirty = false
	m.timer = nil
	now := m.clock.Now()
	m.mu.Unlock()

	state.Version = CurrentVersion
	state = normalizeState(state, now)

	if err := m.store.Save(ctx, state); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) markDirtyLocked() {
	m.dirty = true
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(m.debounce, func() {
		if err := m.SaveNow(context.Background()); err != nil {
			m.logger.Warn().Err(err).Msg("save client state failed")
		}
	})
}

func normalizeState(state State, now time.Time) State {
	if state.Version <= 0 {
		state.Version = CurrentVersion
	}
	if a := state.BrowseAnchor; a != nil {
		if a.MessageID <= 0 || (!a.SavedAt.IsZero() && now.Sub(a.SavedAt) > AnchorMaxAge) {
			state.BrowseAnchor = nil
		}
	}
	if len(state.Blocked) > 0 {
		seen := make(map[int64]struct{}, len(state.Blocked))
		out := make([]int64, 0, len(state.Blocked))
		for _, uid := range state.Blocked {
			if uid <= 0 {
				continue
			}
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			out = append(out, uid)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		state.Blocked = out
	}
	return state
}

func cloneState(state State) State {
	out := state
	if state.BrowseAnchor != nil {
		a := *state.BrowseAnchor
		out.BrowseAnchor = &a
	}
	if len(state.Blocked) > 0 {
		out.Blocked = append([]int64(nil), state.Blocked...)
	}
	return out
}
