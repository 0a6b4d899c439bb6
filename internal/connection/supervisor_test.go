package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/loop"
)

var errClosed = errors.New("closed by peer")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	out   []string
	pings int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, string(frame))
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.out...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    int
	hang    bool
	aborted int
	conns   []*fakeConn
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.hang {
		d.mu.Unlock()
		<-ctx.Done()
		d.mu.Lock()
		d.aborted++
		return nil, ctx.Err()
	}
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) abortCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type harness struct {
	t      *testing.T
	clock  *clock.Fake
	loop   *loop.Loop
	ctx    context.Context
	dialer *fakeDialer
	sup    *Supervisor

	need         bool
	keepAlive    bool
	connected    int
	disconnected int
	frames       []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clock.NewFake(time.Unix(1_700_000_000, 0)),
		dialer: &fakeDialer{},
		need:   true,
	}
	h.loop = loop.New(h.clock)
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	go func() { _ = h.loop.Run(ctx) }()
	t.Cleanup(func() {
		_ = h.loop.Call(context.Background(), func() { h.sup.Shutdown() })
		cancel()
		h.loop.Wait()
	})

	h.sup = New(h.dialer, h.loop, cfg, Callbacks{
		Need:           func() bool { return h.need },
		KeepAlive:      func() bool { return h.keepAlive },
		OnConnected:    func() { h.connected++ },
		OnDisconnected: func(error) { h.disconnected++ },
		OnFrame:        func(raw []byte) { h.frames = append(h.frames, string(raw)) },
	})
	return h
}

func (h *harness) call(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Call(h.ctx, fn))
}

func (h *harness) waitState(st State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var got State
		h.call(func() { got = h.sup.State() })
		return got == st
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", st)
}

func (h *harness) waitReconnectPending() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var pending bool
		h.call(func() { pending = h.sup.ReconnectPending() })
		return pending
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStart_Connects(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(h.sup.Start)
	h.waitState(StateConnected)

	h.call(func() {
		assert.Equal(t, 1, h.connected)
		assert.Zero(t, h.sup.Attempts())
		assert.True(t, h.sup.HeartbeatRunning())
	})
}

func TestFramesDeliveredInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(h.sup.Start)
	h.waitState(StateConnected)

	conn := h.dialer.last()
	conn.in <- []byte(`{"n":1}`)
	conn.in <- []byte(`{"n":2}`)
	require.Eventually(t, func() bool {
		var n int
		h.call(func() { n = len(h.frames) })
		return n == 2
	}, time.Second, 5*time.Millisecond)
	h.call(func() { assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, h.frames) })
}

func TestSend_OrderedAndRequiresConnection(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(func() {
		assert.ErrorIs(t, h.sup.Send([]byte("x")), ErrNotConnected)
	})

	h.call(h.sup.Start)
	h.waitState(StateConnected)
	h.call(func() {
		require.NoError(t, h.sup.Send([]byte("a")))
		require.NoError(t, h.sup.Send([]byte("b")))
	})
	conn := h.dialer.last()
	require.Eventually(t, func() bool { return len(conn.written()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, conn.written())
}

func TestPeerClose_Reconnects(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(h.sup.Start)
	h.waitState(StateConnected)

	first := h.dialer.last()
	_ = first.Close()
	h.waitReconnectPending()
	h.call(func() {
		assert.Equal(t, StateDisconnected, h.sup.State())
		assert.Equal(t, 1, h.disconnected)
		assert.False(t, h.sup.HeartbeatRunning())
	})

	h.clock.Advance(2 * time.Second)
	h.waitState(StateConnected)
	assert.Equal(t, 2, h.dialer.dialCount())
	h.call(func() { assert.Equal(t, 2, h.connected) })
}

func TestReconnect_SkippedWhenNotNeeded(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(h.sup.Start)
	h.waitState(StateConnected)

	h.call(func() { h.need = false })
	_ = h.dialer.last().Close()
	h.waitReconnectPending()

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		var pending bool
		h.call(func() { pending = h.sup.ReconnectPending() })
		return !pending
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.dialer.dialCount())

	h.call(func() { h.need = true })
	h.clock.Advance(8 * time.Second)
	h.waitState(StateConnected)
	assert.Equal(t, 2, h.dialer.dialCount(), "poll heals the connection")
}

func TestDialFailure_RetriesAfterDelay(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.fail = 1
	h.call(h.sup.Start)
	h.waitReconnectPending()
	h.call(func() { assert.Equal(t, 1, h.sup.Attempts()) })

	h.clock.Advance(2 * time.Second)
	h.waitState(StateConnected)
	h.call(func() { assert.Zero(t, h.sup.Attempts()) })
}

func TestBackoff(t *testing.T) {
	s := New(nil, nil, Config{ReconnectDelay: time.Second, ReconnectMaxDelay: 4 * time.Second}, Callbacks{})
	want := []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for attempts, d := range want {
		s.attempts = attempts
		assert.Equal(t, d, s.backoff(), "attempts=%d", attempts)
	}

	fixed := New(nil, nil, Config{}, Callbacks{})
	fixed.attempts = 5
	assert.Equal(t, 2*time.Second, fixed.backoff())
}

func TestHeartbeat_SendsPingFrame(t *testing.T) {
	h := newHarness(t, Config{PingFrame: []byte(`{"type":"ping"}`)})
	h.call(h.sup.Start)
	h.waitState(StateConnected)

	h.clock.Advance(25 * time.Second)
	conn := h.dialer.last()
	require.Eventually(t, func() bool { return len(conn.written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"type":"ping"}`, conn.written()[0])
}

func TestHeartbeat_Suspend(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(h.sup.Start)
	h.waitState(StateConnected)

	h.call(func() {
		h.sup.SetHeartbeatSuspended(true)
		assert.False(t, h.sup.HeartbeatRunning())

		h.keepAlive = true
		h.sup.SetHeartbeatSuspended(false)
		assert.True(t, h.sup.HeartbeatRunning())
		h.sup.SetHeartbeatSuspended(true)
		assert.True(t, h.sup.HeartbeatRunning(), "keep-alive overrides suspension")
	})
}

func TestShutdown_NoReconnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(h.sup.Start)
	h.waitState(StateConnected)
	conn := h.dialer.last()

	h.call(h.sup.Shutdown)
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)

	h.clock.Advance(time.Minute)
	h.call(func() {
		assert.Equal(t, StateDisconnected, h.sup.State())
		assert.False(t, h.sup.ReconnectPending())
	})
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestShutdown_AbortsPendingDial(t *testing.T) {
	h := newHarness(t, Config{DialTimeout: time.Hour})
	h.dialer.hang = true
	h.call(h.sup.Start)
	h.waitState(StateConnecting)
	require.Eventually(t, func() bool { return h.dialer.dialCount() == 1 }, time.Second, 5*time.Millisecond)

	h.call(h.sup.Shutdown)
	require.Eventually(t, func() bool { return h.dialer.abortCount() == 1 }, time.Second, 5*time.Millisecond)
	h.call(func() {
		assert.Equal(t, StateDisconnected, h.sup.State())
		assert.Zero(t, h.connected)
	})
}

func TestDisconnect_AbortsPendingDial(t *testing.T) {
	h := newHarness(t, Config{DialTimeout: time.Hour})
	h.dialer.hang = true
	h.call(h.sup.Start)
	require.Eventually(t, func() bool { return h.dialer.dialCount() == 1 }, time.Second, 5*time.Millisecond)

	h.call(h.sup.Disconnect)
	require.Eventually(t, func() bool { return h.dialer.abortCount() == 1 }, time.Second, 5*time.Millisecond)
	h.call(func() {
		assert.Equal(t, StateDisconnected, h.sup.State())
		assert.False(t, h.sup.ReconnectPending(), "a cancelled dial is not retried")
	})
}

func TestPoll_IdlesUnneededConnection(t *testing.T) {
	h := newHarness(t, Config{})
	h.call(h.sup.Start)
	h.waitState(StateConnected)
	conn := h.dialer.last()

	h.call(func() { h.need = false })
	h.clock.Advance(10 * time.Second)
	h.waitState(StateDisconnected)
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	h.call(func() {
		assert.False(t, h.sup.ReconnectPending())
		assert.Equal(t, 1, h.disconnected)
	})

	h.call(func() { h.need = true })
	h.clock.Advance(10 * time.Second)
	h.waitState(StateConnected)
}
