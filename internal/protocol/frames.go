// Package protocol encodes and decodes the JSON frames exchanged over the
// persistent connection.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tOgg1/chatsync/internal/models"
)

// Frame types.
const (
	TypeIdentify            = "identify"
	TypeJoin                = "join"
	TypePing                = "ping"
	TypePong                = "pong"
	TypePresence            = "presence"
	TypePresenceSubscribe   = "presence_subscribe"
	TypePresenceUnsubscribe = "presence_unsubscribe"
	TypePresenceQuery       = "presence_query"
	TypePresenceResult      = "presence_result"
	TypePresenceUpdate      = "presence_update"
	TypeTypingStart         = "typing_start"
	TypeTypingStop          = "typing_stop"
	TypeReactionAdd         = "reaction_add"
	TypeReactionRemove      = "reaction_remove"
	TypeNewMessages         = "new_messages"
	TypeNewPM               = "new_pm"
	TypeMessageEdit         = "message_edit"
	TypeMessageDelete       = "message_delete"
	TypeNotification        = "notification"
	TypeOnlineCount         = "online_count_update"
	TypeAck                 = "ack"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON objects.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownFrame is returned for frame types the engine does not handle.
	ErrUnknownFrame = errors.New("unknown frame type")
)

// ReactionChange is a reaction added to or removed from a message.
type ReactionChange struct {
	MessageID int64
	Reaction  models.Reaction
	Removed   bool
}

// Frame is a decoded inbound frame. Only the fields relevant to Type are set.
type Frame struct {
	Type  string
	AckID json.RawMessage

	Messages     []models.Message
	DeletedID    int64
	Reaction     *ReactionChange
	Presence     []models.PresenceUser
	Typing       *models.PresenceUser
	Notification *models.Notification
	OnlineCount  int
}

type envelope struct {
	Type    string          `json:"type"`
	AckID   json.RawMessage `json:"ackId"`
	Payload json.RawMessage `json:"payload"`
	User    json.RawMessage `json:"user"`
	Users   json.RawMessage `json:"users"`
	Count   FlexInt         `json:"count"`
}

type wireUser struct {
	ID       FlexInt  `json:"id"`
	UID      FlexInt  `json:"uid"`
	Active   FlexBool `json:"active"`
	Nickname string   `json:"nickname"`
	Name     string   `json:"name"`
	Avatar   string   `json:"avatar"`
}

func (w wireUser) toModel() models.PresenceUser {
	id := int64(w.ID)
	if id == 0 {
		id = int64(w.UID)
	}
	nick := w.Nickname
	if nick == "" {
		nick = w.Name
	}
	return models.PresenceUser{ID: id, Active: bool(w.Active), Nickname: nick, Avatar: w.Avatar}
}

// PeekAck extracts the ackId from a raw frame without decoding the rest,
// so the acknowledgement can go out before dispatch. A frame whose payload
// is malformed can still be acknowledged.
func PeekAck(raw []byte) json.RawMessage {
	var env struct {
		AckID json.RawMessage `json:"ackId"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	if len(env.AckID) == 0 || bytes.Equal(env.AckID, []byte("null")) {
		return nil
	}
	return env.AckID
}

// Decode parses an inbound frame.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	f := Frame{Type: env.Type, AckID: env.AckID}
	if bytes.Equal(f.AckID, []byte("null")) {
		f.AckID = nil
	}

	var err error
	switch env.Type {
	case TypePong, TypeAck:
	case TypeNewMessages:
		f.Messages, err = DecodeMessages(env.Payload)
	case TypeNewPM, TypeMessageEdit:
		var m models.Message
		m, err = DecodeMessage(env.Payload)
		if err == nil {
			f.Messages = []models.Message{m}
		}
	case TypeMessageDelete:
		var p struct {
			ID   FlexInt `json:"id"`
			DBID FlexInt `json:"db_id"`
		}
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			f.DeletedID = int64(p.ID)
			if p.DBID > 0 {
				f.DeletedID = int64(p.DBID)
			}
		}
	case TypeReactionAdd, TypeReactionRemove:
		f.Reaction, err = decodeReaction(env.Payload, env.Type == TypeReactionRemove)
	case TypePresenceResult:
		var users []wireUser
		if len(env.Users) == 0 {
			break
		}
		if err = json.Unmarshal(env.Users, &users); err == nil {
			for _, u := range users {
				f.Presence = append(f.Presence, u.toModel())
			}
		}
	case TypePresenceUpdate:
		var u wireUser
		if err = json.Unmarshal(env.User, &u); err == nil {
			f.Presence = []models.PresenceUser{u.toModel()}
		}
	case TypeTypingStart, TypeTypingStop:
		var u wireUser
		if err = json.Unmarshal(env.User, &u); err == nil {
			user := u.toModel()
			f.Typing = &user
		}
	case TypeNotification:
		f.Notification, err = decodeNotification(env.Payload)
	case TypeOnlineCount:
		f.OnlineCount = int(env.Count)
	default:
		return f, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
	if err != nil {
		return f, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return f, nil
}

func decodeReaction(raw json.RawMessage, removed bool) (*ReactionChange, error) {
	var p struct {
		MessageID FlexInt       `json:"message_id"`
		Reaction  *wireReaction `json:"reaction"`
		UserID    FlexInt       `json:"user_id"`
		Emoji     string        `json:"emoji"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	rc := &ReactionChange{MessageID: int64(p.MessageID), Removed: removed}
	if p.Reaction != nil {
		rc.Reaction = models.Reaction{
			Emoji:    p.Reaction.Emoji,
			UserID:   int64(p.Reaction.UserID),
			Nickname: p.Reaction.Nickname,
			Avatar:   p.Reaction.Avatar,
		}
	}
	if rc.Reaction.UserID == 0 {
		rc.Reaction.UserID = int64(p.UserID)
	}
	if rc.Reaction.Emoji == "" {
		rc.Reaction.Emoji = p.Emoji
	}
	if rc.MessageID == 0 || rc.Reaction.Emoji == "" {
		return nil, errors.New("reaction without message_id or emoji")
	}
	return rc, nil
}

func decodeNotification(raw json.RawMessage) (*models.Notification, error) {
	var p struct {
		ID        FlexInt         `json:"id"`
		Type      string          `json:"type"`
		MessageID FlexInt         `json:"message_id"`
		Message   json.RawMessage `json:"message"`
		Content   string          `json:"content"`
		Nickname  string          `json:"nickname"`
		Avatar    string          `json:"avatar"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	n := &models.Notification{
		ID:        int64(p.ID),
		Type:      models.NotificationType(p.Type),
		MessageID: int64(p.MessageID),
		Content:   p.Content,
		Nickname:  p.Nickname,
		Avatar:    p.Avatar,
	}
	trimmed := bytes.TrimSpace(p.Message)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		m, err := DecodeMessage(trimmed)
		if err != nil {
			return nil, err
		}
		n.Message = &m
	} else if len(trimmed) > 0 && trimmed[0] == '"' && n.Content == "" {
		_ = json.Unmarshal(trimmed, &n.Content)
	}
	return n, nil
}
