// Package models defines the core data types shared across chatsync.
package models

// MessageState tracks the delivery state of a message.
type MessageState string

const (
	MessageSending MessageState = "sending"
	MessageSent    MessageState = "sent"
	MessageFailed  MessageState = "failed"
)

// Reaction is a single emoji reaction left by a user.
type Reaction struct {
	Emoji    string `json:"emoji"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// ReplyContext describes the message a reply points at.
type ReplyContext struct {
	ID       int64  `json:"id"`
	UID      int64  `json:"uid,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Message is one entry in the timeline.
//
// Negative IDs are reserved for optimistic entries that the server has not
// confirmed yet.
type Message struct {
	ID        int64         `json:"id"`
	StableKey string        `json:"stable_key,omitempty"`
	AuthorID  int64         `json:"uid"`
	Nickname  string        `json:"nickname,omitempty"`
	Avatar    string        `json:"avatar,omitempty"`
	Timestamp int64         `json:"timestamp"`
	Content   string        `json:"message"`
	EditedAt  *int64        `json:"edited_at,omitempty"`
	IsDeleted bool          `json:"is_deleted,omitempty"`
	Reactions []Reaction    `json:"reactions,omitempty"`
	ReplyToID int64         `json:"reply_to_id,omitempty"`
	Reply     *ReplyContext `json:"reply_details,omitempty"`
	State     MessageState  `json:"state,omitempty"`
}

// IsOptimistic reports whether the message still carries a synthetic id.
func (m Message) IsOptimistic() bool {
	return m.ID < 0
}

// IsPending reports whether the message is sending or failed.
func (m Message) IsPending() bool {
	return m.State == MessageSending || m.State == MessageFailed
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.EditedAt != nil {
		v := *m.EditedAt
		out.EditedAt = &v
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.Reply != nil {
		r := *m.Reply
		out.Reply = &r
	}
	return out
}

// WithReaction returns a copy with the reaction added. A reaction that
// already exists for the same emoji and user is replaced.
func (m Message) WithReaction(r Reaction) Message {
	out := m.Clone()
	for i, existing := range out.Reactions {
		if existing.Emoji == r.Emoji && existing.UserID == r.UserID {
			out.Reactions[i] = r
			return out
		}
	}
	out.Reactions = append(out.Reactions, r)
	return out
}

// WithoutReaction returns a copy with the user's reaction for emoji removed.
func (m Message) WithoutReaction(userID int64, emoji string) Message {
	out := m.Clone()
	kept := out.Reactions[:0]
	for _, existing := range out.Reactions {
		if existing.Emoji == emoji && existing.UserID == userID {
			continue
		}
		kept = append(kept, existing)
	}
	out.Reactions = kept
	return out
}

// EditedAfter reports whether m carries a newer edit than other.
func (m Message) EditedAfter(other Message) bool {
	if m.EditedAt == nil {
		return false
	}
	if other.EditedAt == nil {
		return true
	}
	return *m.EditedAt > *other.EditedAt
}
