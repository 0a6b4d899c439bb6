package protocol

import (
	"encoding/json"

	"github.com/tOgg1/chatsync/internal/models"
)

type outFrame struct {
	Type  string          `json:"type"`
	UID   int64           `json:"uid,omitempty"`
	UIDs  []int64         `json:"uids,omitempty"`
	User  any             `json:"user,omitempty"`
	Open  *bool           `json:"open,omitempty"`
	AckID json.RawMessage `json:"ackId,omitempty"`
}

func encode(f outFrame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// outFrame only holds plain values.
		panic(err)
	}
	return b
}

type wireJoinUser struct {
	ID       int64  `json:"id"`
	Nickname string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type wireTypingUser struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

func Identify(uid int64) []byte {
	return encode(outFrame{Type: TypeIdentify, UID: uid})
}

func Join(u models.User) []byte {
	return encode(outFrame{Type: TypeJoin, User: wireJoinUser{ID: u.ID, Nickname: u.Nickname, Avatar: u.Avatar}})
}

func Ping() []byte {
	return encode(outFrame{Type: TypePing})
}

// Presence announces whether the local viewer is open.
func Presence(open bool) []byte {
	return encode(outFrame{Type: TypePresence, Open: &open})
}

func PresenceSubscribe(uids []int64) []byte {
	return encode(outFrame{Type: TypePresenceSubscribe, UIDs: uids})
}

// PresenceUnsubscribe drops the given ids, or every subscription when uids
// is empty.
func PresenceUnsubscribe(uids []int64) []byte {
	return encode(outFrame{Type: TypePresenceUnsubscribe, UIDs: uids})
}

func PresenceQuery(uids []int64) []byte {
	return encode(outFrame{Type: TypePresenceQuery, UIDs: uids})
}

func TypingStart(u models.User) []byte {
	return encode(outFrame{Type: TypeTypingStart, User: wireTypingUser{ID: u.ID, Nickname: u.Nickname}})
}

func TypingStop(u models.User) []byte {
	return encode(outFrame{Type: TypeTypingStop, User: wireTypingUser{ID: u.ID, Nickname: u.Nickname}})
}

// Ack echoes an inbound ackId verbatim.
func Ack(ackID json.RawMessage) []byte {
	return encode(outFrame{Type: TypeAck, AckID: ackID})
}

// FrameType returns the type of an encoded frame, for logging.
func FrameType(raw []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Type
}
