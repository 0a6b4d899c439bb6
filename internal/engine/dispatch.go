package engine

import (
	"errors"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/protocol"
	"github.com/tOgg1/chatsync/internal/timeline"
)

// handleFrame acknowledges and dispatches one inbound frame. Frames arrive
// in order on the loop; a bad frame is dropped without touching state.
func (e *Engine) handleFrame(raw []byte) {
	if ack := protocol.PeekAck(raw); ack != nil {
		e.send(protocol.Ack(ack))
	}

	f, err := protocol.Decode(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownFrame) {
			reason = "unknown"
		}
		e.metrics.FrameDropped(reason)
		e.logger.Debug().Err(err).Int("bytes", len(raw)).Msg("inbound frame dropped")
		return
	}
	e.metrics.FrameReceived(f.Type)

	switch f.Type {
	case protocol.TypeNewMessages, protocol.TypeNewPM:
		for _, m := range f.Messages {
			if m.ID <= 0 {
				e.metrics.FrameDropped("malformed")
				e.logger.Debug().Str("type", f.Type).Msg("inbound message without id dropped")
				continue
			}
			e.applyInbound(m)
		}
	case protocol.TypeMessageEdit:
		for _, m := range f.Messages {
			if m.ID > 0 {
				e.applyEdit(m)
			}
		}
	case protocol.TypeMessageDelete:
		if f.DeletedID <= 0 {
			break
		}
		e.cache.Update(f.DeletedID, func(m *models.Message) {
			m.IsDeleted = true
		})
	case protocol.TypeReactionAdd, protocol.TypeReactionRemove:
		rc := f.Reaction
		e.cache.Update(rc.MessageID, func(m *models.Message) {
			if rc.Removed {
				*m = m.WithoutReaction(rc.Reaction.UserID, rc.Reaction.Emoji)
				return
			}
			*m = m.WithReaction(rc.Reaction)
		})
	case protocol.TypePresenceResult:
		e.presence.HandleResult(f.Presence)
	case protocol.TypePresenceUpdate:
		for _, u := range f.Presence {
			e.presence.HandleUpdate(u)
		}
	case protocol.TypeTypingStart:
		e.presence.TypingStarted(*f.Typing)
	case protocol.TypeTypingStop:
		e.presence.TypingStopped(f.Typing.ID)
	case protocol.TypeNotification:
		e.applyNotification(*f.Notification)
	case protocol.TypeOnlineCount:
		e.onlineCount = f.OnlineCount
	}
}

// applyInbound reconciles a pushed message against pending sends before
// handing it to the timeline.
func (e *Engine) applyInbound(m models.Message) {
	if e.isBlocked(m.AuthorID) {
		return
	}
	if m.StableKey != "" {
		if _, pending := e.coord.Lookup(m.StableKey); pending {
			e.confirm(m, m.StableKey)
			return
		}
	}
	res := e.timeline.HandleInbound(m)
	if res == timeline.InboundAppended && e.watching() && e.timeline.AtBottom() {
		e.read.Advance(m.ID)
	}
	if res == timeline.InboundAppended {
		e.presence.Schedule()
	}
}

// applyEdit merges an edit into a loaded message. Fields the payload does
// not carry, such as reactions, keep their cached values.
func (e *Engine) applyEdit(edit models.Message) {
	cur, ok := e.cache.Get(edit.ID)
	if !ok || cur.EditedAfter(edit) {
		return
	}
	e.cache.Update(edit.ID, func(m *models.Message) {
		m.Content = edit.Content
		m.IsDeleted = edit.IsDeleted
		if edit.EditedAt != nil {
			v := *edit.EditedAt
			m.EditedAt = &v
		}
		if len(edit.Reactions) > 0 {
			m.Reactions = append([]models.Reaction(nil), edit.Reactions...)
		}
		if edit.Reply != nil {
			r := *edit.Reply
			m.Reply = &r
		}
	})
}

// confirm swaps an optimistic entry for its server copy. The sender has
// seen their own message, so the read cursor follows it.
func (e *Engine) confirm(m models.Message, key string) {
	if !e.coord.Reconcile(m, key) {
		return
	}
	e.timeline.Confirmed(m)
	if m.ID > 0 {
		e.read.Advance(m.ID)
	}
	e.presence.Schedule()
}

func (e *Engine) applyNotification(n models.Notification) {
	e.notes = append(e.notes, n)
	if !e.viewerOpen || e.timeline.UnreadWhileScrolled() != 0 {
		return
	}
	mid := n.MessageID
	if mid == 0 && n.Message != nil {
		mid = n.Message.ID
	}
	if mid > 0 && e.cache.Has(mid) {
		e.read.Advance(mid)
	}
}

// watching reports whether the user can currently see the timeline.
func (e *Engine) watching() bool {
	return e.viewerOpen && e.pageVisible
}
