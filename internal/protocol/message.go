package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tOgg1/chatsync/internal/models"
)

// FlexInt decodes integers that the backend sometimes sends as strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse int %q: %w", s, err)
		}
		*f = FlexInt(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if v, err := n.Int64(); err == nil {
		*f = FlexInt(v)
		return nil
	}
	v, err := n.Float64()
	if err != nil {
		return err
	}
	*f = FlexInt(int64(v))
	return nil
}

// FlexBool decodes booleans sent as true/false, 0/1 or "0"/"1".
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(strings.TrimSpace(string(b)), `"`) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

type wireReaction struct {
	Emoji    string  `json:"emoji"`
	UserID   FlexInt `json:"user_id"`
	Nickname string  `json:"nickname"`
	Avatar   string  `json:"avatar"`
}

type wireReply struct {
	ID       FlexInt `json:"id"`
	UID      FlexInt `json:"uid"`
	Nickname string  `json:"nickname"`
	Avatar   string  `json:"avatar"`
	Content  string  `json:"content"`
	Message  string  `json:"message"`
}

type wireMessage struct {
	ID           FlexInt        `json:"id"`
	DBID         FlexInt        `json:"db_id"`
	UID          FlexInt        `json:"uid"`
	Nickname     string         `json:"nickname"`
	Avatar       string         `json:"avatar"`
	Message      string         `json:"message"`
	Msg          string         `json:"msg"`
	Timestamp    FlexInt        `json:"timestamp"`
	ReplyToID    FlexInt        `json:"reply_to_id"`
	ReplyDetails *wireReply     `json:"reply_details"`
	Reactions    []wireReaction `json:"reactions"`
	IsDeleted    FlexBool       `json:"is_deleted"`
	EditedAt     *FlexInt       `json:"edited_at"`
	StableKey    string         `json:"stableKey"`
	StableKeyAlt string         `json:"stable_key"`
}

func (w wireMessage) normalize() models.Message {
	id := int64(w.ID)
	if w.DBID > 0 {
		id = int64(w.DBID)
	}
	content := w.Message
	if content == "" {
		content = w.Msg
	}
	key := w.StableKey
	if key == "" {
		key = w.StableKeyAlt
	}
	m := models.Message{
		ID:        id,
		StableKey: key,
		AuthorID:  int64(w.UID),
		Nickname:  w.Nickname,
		Avatar:    w.Avatar,
		Timestamp: int64(w.Timestamp),
		Content:   content,
		IsDeleted: bool(w.IsDeleted),
		ReplyToID: int64(w.ReplyToID),
		State:     models.MessageSent,
	}
	if w.EditedAt != nil && *w.EditedAt > 0 {
		v := int64(*w.EditedAt)
		m.EditedAt = &v
	}
	if w.ReplyDetails != nil {
		r := &models.ReplyContext{
			ID:       int64(w.ReplyDetails.ID),
			UID:      int64(w.ReplyDetails.UID),
			Nickname: w.ReplyDetails.Nickname,
			Avatar:   w.ReplyDetails.Avatar,
			Content:  w.ReplyDetails.Content,
		}
		if r.Content == "" {
			r.Content = w.ReplyDetails.Message
		}
		if r.ID == 0 {
			r.ID = m.ReplyToID
		}
		m.Reply = r
	}
	for _, r := range w.Reactions {
		m = m.WithReaction(models.Reaction{
			Emoji:    r.Emoji,
			UserID:   int64(r.UserID),
			Nickname: r.Nickname,
			Avatar:   r.Avatar,
		})
	}
	return m
}

// DecodeMessage decodes one message and normalizes backend field aliases:
// db_id wins over id and msg fills an empty message body.
func DecodeMessage(raw []byte) (models.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.normalize(), nil
}

// DecodeMessages accepts a bare array or an object wrapping the list under
// messages or results.
func DecodeMessages(raw []byte) ([]models.Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var list []wireMessage
	if raw[0] == '{' {
		var wrapped struct {
			Messages []wireMessage `json:"messages"`
			Results  []wireMessage `json:"results"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		list = wrapped.Messages
		if list == nil {
			list = wrapped.Results
		}
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]models.Message, 0, len(list))
	for _, w := range list {
		out = append(out, w.normalize())
	}
	return out, nil
}

// DecodeContextWindow decodes a context response.
func DecodeContextWindow(raw []byte) (models.ContextWindow, error) {
	var w struct {
		Messages      json.RawMessage `json:"messages"`
		TargetID      FlexInt         `json:"target_id"`
		TargetIndex   *int            `json:"target_index"`
		HasMoreBefore *bool           `json:"has_more_before"`
		HasMoreAfter  *bool           `json:"has_more_after"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.ContextWindow{}, fmt.Errorf("decode context: %w", err)
	}
	msgs, err := DecodeMessages(w.Messages)
	if err != nil {
		return models.ContextWindow{}, err
	}
	win := models.ContextWindow{
		Messages:      msgs,
		TargetID:      int64(w.TargetID),
		TargetIndex:   -1,
		HasMoreBefore: true,
		HasMoreAfter:  true,
	}
	if w.TargetIndex != nil {
		win.TargetIndex = *w.TargetIndex
	}
	if w.HasMoreBefore != nil {
		win.HasMoreBefore = *w.HasMoreBefore
	}
	if w.HasMoreAfter != nil {
		win.HasMoreAfter = *w.HasMoreAfter
	}
	return win, nil
}
