package engine

import (
	"context"
	"strings"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/history"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/protocol"
	"github.com/tOgg1/chatsync/internal/timeline"
)

// Send shows content immediately as a sending entry and posts it. The
// returned stable key identifies the send for Retry and Discard. A reply
// target outside the loaded window is sent without reply context.
func (e *Engine) Send(ctx context.Context, content string, replyToID int64) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	var key string
	err := e.call(ctx, func() {
		var reply *models.ReplyContext
		if replyToID > 0 {
			reply = &models.ReplyContext{ID: replyToID}
			if target, ok := e.cache.Get(replyToID); ok {
				reply.UID = target.AuthorID
				reply.Nickname = target.Nickname
				reply.Avatar = target.Avatar
				reply.Content = target.Content
			}
		}
		key = e.coord.BeginSend(content, e.cfg.User.ID, reply)
		e.metrics.Send("started")
		if e.timeline.Mode() == timeline.ModeHistorical {
			e.timeline.JumpToLatest()
		}
		e.post(key, content, replyToID)
	})
	return key, err
}

// Retry resubmits a failed send under the same id and stable key.
func (e *Engine) Retry(ctx context.Context, key string) error {
	var retryErr error
	err := e.call(ctx, func() {
		msg, err := e.coord.Retry(key)
		if err != nil {
			retryErr = err
			return
		}
		e.metrics.Send("retried")
		e.post(key, msg.Content, msg.ReplyToID)
	})
	if err != nil {
		return err
	}
	return retryErr
}

// Discard removes a pending or failed send.
func (e *Engine) Discard(ctx context.Context, key string) error {
	var discardErr error
	err := e.call(ctx, func() {
		discardErr = e.coord.Discard(key)
		if discardErr == nil {
			e.metrics.Send("discarded")
		}
	})
	if err != nil {
		return err
	}
	return discardErr
}

// post submits a send off the loop. A returned message reconciles at once;
// the pushed copy that follows is then an idempotent upsert. A failed POST
// marks the entry failed instead of waiting for the timeout.
func (e *Engine) post(key, content string, replyToID int64) {
	req := history.SendRequest{
		UserID:    e.cfg.User.ID,
		Content:   content,
		ReplyToID: replyToID,
		StableKey: key,
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.SendTimeout)
	e.sched.Go(func() {
		confirmed, err := e.history.PostMessage(ctx, req)
		cancel()
		e.sched.Post(func() {
			if err != nil {
				e.logger.Warn().Err(err).Str("key", key).Msg("send rejected")
				e.coord.Fail(key)
				return
			}
			if confirmed != nil && confirmed.ID > 0 {
				e.confirm(*confirmed, key)
			}
		})
	})
}

// LoadOlder pages backward. It reports whether a fetch was started.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	var started bool
	err := e.call(ctx, func() { started = e.timeline.LoadOlder() })
	return started, err
}

// LoadNewer pages forward while browsing history.
func (e *Engine) LoadNewer(ctx context.Context) (bool, error) {
	var started bool
	err := e.call(ctx, func() { started = e.timeline.LoadNewer() })
	return started, err
}

// JumpTo re-anchors the timeline around id.
func (e *Engine) JumpTo(ctx context.Context, id int64) error {
	return e.call(ctx, func() { e.timeline.JumpTo(id) })
}

// JumpToLatest reloads the tail and follows it.
func (e *Engine) JumpToLatest(ctx context.Context) error {
	return e.call(ctx, func() {
		e.timeline.JumpToLatest()
		if e.state != nil {
			e.state.ClearBrowseAnchor()
		}
	})
}

// CatchUp fills the gap between the loaded window and the server tail.
func (e *Engine) CatchUp(ctx context.Context) (bool, error) {
	var started bool
	err := e.call(ctx, func() { started = e.timeline.CatchUp() })
	return started, err
}

// SetViewerOpen records whether the chat viewer is shown. Opening it
// connects; closing it unsubscribes presence and, unless keep-alive is
// configured, lets the supervisor's poll close the idle connection.
// Pending sends are unaffected.
func (e *Engine) SetViewerOpen(ctx context.Context, open bool) error {
	return e.call(ctx, func() {
		if e.viewerOpen == open {
			return
		}
		e.viewerOpen = open
		if e.state != nil {
			e.state.SetChatOpen(open)
		}
		e.send(protocol.Presence(open))
		e.presence.Schedule()
		if open {
			e.sup.Ensure()
			e.markVisibleRead()
		}
	})
}

// SetMaximized persists the viewer size hint.
func (e *Engine) SetMaximized(ctx context.Context, maximized bool) error {
	return e.call(ctx, func() {
		if e.state != nil {
			e.state.SetMaximized(maximized)
		}
	})
}

// SetPageVisible is the page-visibility hook. Hiding suspends the
// heartbeat; showing resumes it, reconnects if needed and fills any gap.
func (e *Engine) SetPageVisible(ctx context.Context, visible bool) error {
	return e.call(ctx, func() {
		if e.pageVisible == visible {
			return
		}
		e.pageVisible = visible
		e.sup.SetHeartbeatSuspended(!visible)
		if !visible {
			return
		}
		e.read.Resume()
		if e.timeline.Mode() == timeline.ModeLive && e.timeline.Cursor().NewestID > 0 {
			e.timeline.CatchUp()
		}
		e.markVisibleRead()
	})
}

// SetAtBottom reports whether the viewport touches the newest loaded entry.
func (e *Engine) SetAtBottom(ctx context.Context, atBottom bool) error {
	return e.call(ctx, func() {
		e.timeline.SetAtBottom(atBottom)
		if !atBottom {
			return
		}
		if e.state != nil && e.timeline.Mode() == timeline.ModeLive {
			e.state.ClearBrowseAnchor()
		}
		if e.watching() && e.timeline.Mode() == timeline.ModeLive {
			if newest := e.timeline.Cursor().NewestID; newest > 0 {
				e.read.Advance(newest)
			}
		}
	})
}

// SetVisibleRange is the explicit viewport input: the ids of the first and
// last entries on screen. It drives the read cursor, the presence window
// and the saved browse position.
func (e *Engine) SetVisibleRange(ctx context.Context, topID, bottomID int64) error {
	return e.call(ctx, func() {
		e.visibleTop, e.visibleBot = topID, bottomID
		e.presence.SetViewportBottom(bottomID)
		e.markVisibleRead()
		if e.state == nil || topID <= 0 {
			return
		}
		if e.timeline.AtBottom() && e.timeline.Mode() == timeline.ModeLive {
			e.state.ClearBrowseAnchor()
			return
		}
		e.state.SetBrowseAnchor(topID)
	})
}

func (e *Engine) markVisibleRead() {
	if e.watching() && e.visibleBot > 0 {
		e.read.Advance(e.visibleBot)
	}
}

// AdvanceRead moves the read cursor forward to id. Lower ids are ignored.
func (e *Engine) AdvanceRead(ctx context.Context, id int64) error {
	return e.call(ctx, func() { e.read.Advance(id) })
}

// TypingStart announces that the local user is typing. It is a no-op when
// presence sharing is off or the connection is down.
func (e *Engine) TypingStart(ctx context.Context) error {
	return e.call(ctx, func() {
		if e.cfg.SharePresence && e.cfg.User.ID > 0 {
			e.send(protocol.TypingStart(e.cfg.User))
		}
	})
}

// TypingStop clears the typing announcement.
func (e *Engine) TypingStop(ctx context.Context) error {
	return e.call(ctx, func() {
		if e.cfg.SharePresence && e.cfg.User.ID > 0 {
			e.send(protocol.TypingStop(e.cfg.User))
		}
	})
}

// Block hides uid's messages and typing. Already loaded messages are
// removed; pending sends are never affected.
func (e *Engine) Block(ctx context.Context, uid int64) error {
	return e.call(ctx, func() {
		if uid <= 0 || uid == e.cfg.User.ID || e.isBlocked(uid) {
			return
		}
		e.blocked[uid] = struct{}{}
		if e.state != nil {
			e.state.Block(uid)
		}
		for _, m := range e.cache.Ordered() {
			if m.AuthorID == uid && !m.IsPending() {
				e.cache.Remove(m.ID)
			}
		}
		e.presence.TypingStopped(uid)
		e.presence.Schedule()
	})
}

// Unblock shows uid again. The live tail is reloaded so their recent
// messages reappear.
func (e *Engine) Unblock(ctx context.Context, uid int64) error {
	return e.call(ctx, func() {
		if !e.isBlocked(uid) {
			return
		}
		delete(e.blocked, uid)
		if e.state != nil {
			e.state.Unblock(uid)
		}
		if e.timeline.Mode() == timeline.ModeLive {
			e.timeline.JumpToLatest()
		}
	})
}

// Snapshot returns the current state.
func (e *Engine) Snapshot(ctx context.Context) (*events.Snapshot, error) {
	var snap *events.Snapshot
	err := e.call(ctx, func() {
		snap = e.snapshot()
	})
	return snap, err
}

// Lookup returns the current entry for a pending send.
func (e *Engine) Lookup(ctx context.Context, key string) (models.Message, bool, error) {
	var (
		msg models.Message
		ok  bool
	)
	err := e.call(ctx, func() { msg, ok = e.coord.Lookup(key) })
	return msg, ok, err
}

// Subscribe registers handler for change events matching filter. Handlers
// run on the engine loop and must not call back into the engine
// synchronously.
func (e *Engine) Subscribe(id string, filter events.Filter, handler events.Handler) error {
	return e.pub.Subscribe(id, filter, handler)
}

// Unsubscribe removes a subscription.
func (e *Engine) Unsubscribe(id string) error {
	return e.pub.Unsubscribe(id)
}
