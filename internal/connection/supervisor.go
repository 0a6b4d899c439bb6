// Package connection supervises the persistent connection: dialing,
// reconnecting after loss, heartbeats and an ordered outbound queue.
package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/loop"
)

var (
	// ErrNotConnected is returned by Send when there is no open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrOutboxFull is returned by Send when the writer has fallen behind.
	ErrOutboxFull = errors.New("outbox full")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is an open message-oriented connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config configures a Supervisor.
type Config struct {
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	OutboxSize        int
	// PingFrame is queued on every heartbeat. When empty, a transport
	// level ping is used instead.
	PingFrame []byte
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    2 * time.Second,
		ReconnectMaxDelay: 2 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		PollInterval:      10 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		OutboxSize:        256,
	}
}

// Callbacks connect the supervisor to its owner. They run on the loop.
type Callbacks struct {
	// Need reports whether a connection is wanted right now.
	Need func() bool
	// KeepAlive reports whether the heartbeat must run while suspended.
	KeepAlive      func() bool
	OnConnected    func()
	OnDisconnected func(err error)
	OnFrame        func(raw []byte)
	OnStateChange  func(State)
}

type session struct {
	id     uint64
	conn   Conn
	outbox chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Supervisor drives the connection state machine. All methods must run on
// the loop.
type Supervisor struct {
	cfg    Config
	dialer Dialer
	sched  loop.Scheduler
	cb     Callbacks
	logger zerolog.Logger

	// ctx bounds every dial and session; Shutdown cancels it.
	ctx        context.Context
	cancel     context.CancelFunc
	dialCancel context.CancelFunc

	state     State
	attempts  int
	seq       uint64
	current   *session
	started   bool
	shutdown  bool
	suspended bool

	reconnect clock.Timer
	heartbeat clock.Timer
	poll      clock.Timer
}

// New creates a supervisor.
func New(dialer Dialer, sched loop.Scheduler, cfg Config, cb Callbacks) *Supervisor {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		dialer: dialer,
		sched:  sched,
		cb:     cb,
		logger: logging.Component("connection"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current state.
func (s *Supervisor) State() State { return s.state }

// Attempts returns the number of consecutive failed dials.
func (s *Supervisor) Attempts() int { return s.attempts }

// ReconnectPending reports whether a reconnect timer is armed.
func (s *Supervisor) ReconnectPending() bool { return s.reconnect != nil }

// HeartbeatRunning reports whether the heartbeat timer is armed.
func (s *Supervisor) HeartbeatRunning() bool { return s.heartbeat != nil }

// Start arms the supervisory poll and connects if needed.
func (s *Supervisor) Start() {
	if s.started || s.shutdown {
		return
	}
	s.started = true
	s.armPoll()
	s.Ensure()
}

// Ensure dials when a connection is needed and none is open or opening.
func (s *Supervisor) Ensure() {
	if s.shutdown || s.state != StateDisconnected || !s.need() {
		return
	}
	s.stop(&s.reconnect)
	s.dial()
}

func (s *Supervisor) need() bool {
	return s.cb.Need == nil || s.cb.Need()
}

func (s *Supervisor) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(st)
	}
}

func (s *Supervisor) dial() {
	s.seq++
	id := s.seq
	s.setState(StateConnecting)
	s.logger.Debug().Uint64("session", id).Int("attempt", s.attempts+1).Msg("dialing")

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	s.dialCancel = cancel
	s.sched.Go(func() {
		conn, err := s.dialer.Dial(ctx)
		cancel()
		s.sched.Post(func() {
			if id == s.seq {
				s.dialCancel = nil
			}
			if s.shutdown || id != s.seq {
				if conn != nil {
					s.sched.Go(func() { _ = conn.Close() })
				}
				return
			}
			if err != nil {
				s.attempts++
				s.logger.Warn().Err(err).Int("attempt", s.attempts).Msg("dial failed")
				s.setState(StateDisconnected)
				s.scheduleReconnect()
				return
			}
			s.established(id, conn)
		})
	})
}

func (s *Supervisor) established(id uint64, conn Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		id:     id,
		conn:   conn,
		outbox: make(chan []byte, s.cfg.OutboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.current = sess
	s.attempts = 0
	s.setState(StateConnected)
	s.logger.Info().Uint64("session", id).Msg("connected")

	s.sched.Go(func() { s.readLoop(sess) })
	s.sched.Go(func() { s.writeLoop(sess) })
	s.startHeartbeat()

	if s.cb.OnConnected != nil {
		s.cb.OnConnected()
	}
}

func (s *Supervisor) readLoop(sess *session) {
	for {
		raw, err := sess.conn.Read(sess.ctx)
		if err != nil {
			s.sched.Post(func() { s.lost(sess.id, err) })
			return
		}
		s.sched.Post(func() {
			if s.current == nil || s.current.id != sess.id {
				return
			}
			if s.cb.OnFrame != nil {
				s.cb.OnFrame(raw)
			}
		})
	}
}

func (s *Supervisor) writeLoop(sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case frame := <-sess.outbox:
			ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.WriteTimeout)
			err := sess.conn.Write(ctx, frame)
			cancel()
			if err != nil {
				s.sched.Post(func() { s.lost(sess.id, err) })
				return
			}
		}
	}
}

// lost tears down session id after a read or write error. Errors from
// superseded sessions are ignored.
func (s *Supervisor) lost(id uint64, err error) {
	if s.current == nil || s.current.id != id {
		return
	}
	if s.current.ctx.Err() == nil {
		s.logger.Warn().Err(err).Uint64("session", id).Msg("connection lost")
	}
	s.teardown(err)
	s.scheduleReconnect()
}

func (s *Supervisor) teardown(err error) {
	sess := s.current
	s.current = nil
	s.stop(&s.heartbeat)
	if sess != nil {
		sess.cancel()
		s.sched.Go(func() { _ = sess.conn.Close() })
	}
	wasConnected := s.state == StateConnected
	s.setState(StateDisconnected)
	if wasConnected && s.cb.OnDisconnected != nil {
		s.cb.OnDisconnected(err)
	}
}

func (s *Supervisor) backoff() time.Duration {
	d := s.cfg.ReconnectDelay
	for i := 1; i < s.attempts; i++ {
		d *= 2
		if d >= s.cfg.ReconnectMaxDelay {
			return s.cfg.ReconnectMaxDelay
		}
	}
	return d
}

func (s *Supervisor) scheduleReconnect() {
	if s.shutdown {
		return
	}
	s.stop(&s.reconnect)
	delay := s.backoff()
	s.logger.Debug().Dur("delay", delay).Msg("reconnect scheduled")
	s.reconnect = s.sched.AfterFunc(delay, func() {
		s.reconnect = nil
		if !s.need() {
			s.logger.Debug().Msg("reconnect skipped, connection not needed")
			return
		}
		s.Ensure()
	})
}

func (s *Supervisor) armPoll() {
	s.poll = s.sched.AfterFunc(s.cfg.PollInterval, func() {
		s.poll = nil
		if s.shutdown {
			return
		}
		switch {
		case s.state == StateDisconnected && s.reconnect == nil && s.need():
			s.logger.Info().Msg("connection check found no connection, reconnecting")
			s.Ensure()
		case s.state == StateConnected && !s.need():
			s.logger.Info().Msg("connection idle, closing")
			s.Disconnect()
		}
		s.armPoll()
	})
}

func (s *Supervisor) startHeartbeat() {
	s.stop(&s.heartbeat)
	if s.state != StateConnected {
		return
	}
	if s.suspended && (s.cb.KeepAlive == nil || !s.cb.KeepAlive()) {
		return
	}
	s.heartbeat = s.sched.AfterFunc(s.cfg.HeartbeatInterval, func() {
		s.heartbeat = nil
		s.beat()
		s.startHeartbeat()
	})
}

// beat sends one ping. A failed or unanswered ping is not treated as a
// disconnect; the read side reports real closes.
func (s *Supervisor) beat() {
	if len(s.cfg.PingFrame) > 0 {
		if err := s.Send(s.cfg.PingFrame); err != nil {
			s.logger.Debug().Err(err).Msg("heartbeat not sent")
		}
		return
	}
	sess := s.current
	if sess == nil {
		return
	}
	s.sched.Go(func() {
		ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.WriteTimeout)
		defer cancel()
		if err := sess.conn.Ping(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("ping failed")
		}
	})
}

// SetHeartbeatSuspended pauses the heartbeat, for example while the page
// is hidden. KeepAlive overrides the pause.
func (s *Supervisor) SetHeartbeatSuspended(suspended bool) {
	s.suspended = suspended
	if suspended {
		if s.cb.KeepAlive == nil || !s.cb.KeepAlive() {
			s.stop(&s.heartbeat)
		}
		return
	}
	if s.heartbeat == nil {
		s.startHeartbeat()
	}
	s.Ensure()
}

// Send queues frame on the ordered writer.
func (s *Supervisor) Send(frame []byte) error {
	if s.state != StateConnected || s.current == nil {
		return ErrNotConnected
	}
	select {
	case s.current.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Disconnect closes the connection without scheduling a reconnect. The
// poll reopens it once Need reports true again.
func (s *Supervisor) Disconnect() {
	s.stop(&s.reconnect)
	if s.state == StateConnecting {
		if s.dialCancel != nil {
			s.dialCancel()
			s.dialCancel = nil
		}
		s.seq++
		s.setState(StateDisconnected)
		return
	}
	if s.current != nil {
		s.logger.Info().Uint64("session", s.current.id).Msg("disconnecting")
		s.teardown(nil)
	}
}

// Shutdown stops every timer and closes the connection for good.
func (s *Supervisor) Shutdown() {
	if s.shutdown {
		return
	}
	s.Disconnect()
	s.shutdown = true
	s.stop(&s.poll)
	s.stop(&s.heartbeat)
	s.cancel()
}

func (s *Supervisor) stop(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
