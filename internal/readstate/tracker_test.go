package readstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/loop"
)

type fakeBackend struct {
	remote    int64
	effective map[int64]int64
	fail      error
	pushes    []int64
	loads     int
}

func (f *fakeBackend) GetReadState(_ context.Context, _ int64) (int64, error) {
	f.loads++
	if f.fail != nil {
		return 0, f.fail
	}
	return f.remote, nil
}

func (f *fakeBackend) PutReadState(_ context.Context, _ int64, id int64) (int64, error) {
	f.pushes = append(f.pushes, id)
	if f.fail != nil {
		return 0, f.fail
	}
	if eff, ok := f.effective[id]; ok {
		return eff, nil
	}
	return id, nil
}

func newTracker(t *testing.T, backend *fakeBackend) (*Tracker, *loop.Manual, *[]int64) {
	t.Helper()
	sched := loop.NewManual(time.Unix(1_700_000_000, 0))
	var changes []int64
	tr := New(backend, sched, Config{UserID: 3}, Hooks{
		OnChange: func(id int64) { changes = append(changes, id) },
	})
	t.Cleanup(tr.Stop)
	return tr, sched, &changes
}

func TestAdvance_Monotonic(t *testing.T) {
	tr, _, changes := newTracker(t, &fakeBackend{})

	assert.True(t, tr.Advance(10))
	assert.False(t, tr.Advance(5))
	assert.False(t, tr.Advance(10))
	assert.Equal(t, int64(10), tr.LastReadID())
	assert.Equal(t, []int64{10}, *changes)
}

func TestAdvance_DebounceCoalesces(t *testing.T) {
	backend := &fakeBackend{}
	tr, sched, _ := newTracker(t, backend)

	tr.Advance(10)
	tr.Advance(12)
	sched.Advance(400 * time.Millisecond)
	assert.Empty(t, backend.pushes)

	sched.Advance(100 * time.Millisecond)
	assert.Equal(t, []int64{12}, backend.pushes)
	assert.Zero(t, tr.PendingSyncID())
}

func TestPushFailure_KeepsPending(t *testing.T) {
	backend := &fakeBackend{fail: errors.New("offline")}
	tr, sched, _ := newTracker(t, backend)

	tr.Advance(10)
	sched.Advance(DefaultDebounce)
	require.Equal(t, []int64{10}, backend.pushes)
	assert.Equal(t, int64(10), tr.PendingSyncID())

	backend.fail = nil
	tr.Resume()
	sched.Flush()
	assert.Equal(t, []int64{10, 10}, backend.pushes)
	assert.Zero(t, tr.PendingSyncID())
}

func TestPush_AdoptsEffective(t *testing.T) {
	backend := &fakeBackend{effective: map[int64]int64{10: 20}}
	tr, sched, changes := newTracker(t, backend)

	tr.Advance(10)
	sched.Advance(DefaultDebounce)
	assert.Equal(t, int64(20), tr.LastReadID())
	assert.Equal(t, []int64{10, 20}, *changes)

	assert.False(t, tr.Advance(15), "ids below the adopted value are ignored")
}

func TestPush_NewerWhileInFlight(t *testing.T) {
	backend := &fakeBackend{}
	tr, sched, _ := newTracker(t, backend)

	tr.Advance(10)
	sched.Clock.Advance(DefaultDebounce)
	sched.Drain()
	require.Equal(t, 1, sched.PendingWork())

	tr.Advance(11)
	sched.Clock.Advance(DefaultDebounce)
	sched.Drain()
	require.Equal(t, 1, sched.PendingWork(), "second push waits for the first")

	sched.Flush()
	assert.Equal(t, []int64{10}, backend.pushes)
	assert.Equal(t, int64(11), tr.PendingSyncID())

	sched.Advance(DefaultDebounce)
	assert.Equal(t, []int64{10, 11}, backend.pushes)
	assert.Zero(t, tr.PendingSyncID())
}

func TestLoad_MergesAndPushesWhenAhead(t *testing.T) {
	backend := &fakeBackend{remote: 20}
	tr, sched, _ := newTracker(t, backend)

	tr.Seed(30)
	tr.Load()
	sched.Flush()
	assert.Equal(t, []int64{30}, backend.pushes)
	assert.Equal(t, int64(30), tr.LastReadID())

	backend.remote = 40
	tr.Load()
	sched.Flush()
	assert.Equal(t, int64(40), tr.LastReadID())
	assert.Len(t, backend.pushes, 1)
}

func TestMergeRemote_ClearsCoveredPending(t *testing.T) {
	backend := &fakeBackend{}
	tr, sched, _ := newTracker(t, backend)

	tr.Advance(10)
	assert.True(t, tr.MergeRemote(12))
	assert.Zero(t, tr.PendingSyncID())

	sched.Advance(time.Second)
	assert.Empty(t, backend.pushes)
}

func TestAnonymous_NeverPushes(t *testing.T) {
	backend := &fakeBackend{}
	sched := loop.NewManual(time.Unix(0, 0))
	tr := New(backend, sched, Config{}, Hooks{})

	tr.Advance(5)
	tr.Load()
	sched.Advance(time.Second)
	assert.Empty(t, backend.pushes)
	assert.Zero(t, backend.loads)
}
