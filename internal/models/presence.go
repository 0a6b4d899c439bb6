package models

// User identifies the local participant.
type User struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// PresenceUser is an online or typing status pushed by the server.
type PresenceUser struct {
	ID       int64  `json:"id"`
	Active   bool   `json:"active"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// NotificationType distinguishes reply and mention notifications.
type NotificationType string

const (
	NotificationReply   NotificationType = "reply"
	NotificationMention NotificationType = "mention"
)

// Notification tells the local user someone replied to or mentioned them.
type Notification struct {
	ID        int64            `json:"id"`
	Type      NotificationType `json:"type"`
	MessageID int64            `json:"message_id"`
	Message   *Message         `json:"message,omitempty"`
	Content   string           `json:"content,omitempty"`
	Nickname  string           `json:"nickname,omitempty"`
	Avatar    string           `json:"avatar,omitempty"`
}

// ContextWindow is the result of a fetch around an anchor message.
type ContextWindow struct {
	Messages      []Message `json:"messages"`
	TargetID      int64     `json:"target_id"`
	TargetIndex   int       `json:"target_index"`
	HasMoreBefore bool      `json:"has_more_before"`
	HasMoreAfter  bool      `json:"has_more_after"`
}

// UnreadCount is the server's count of messages newer than a given id.
type UnreadCount struct {
	Count    int   `json:"count"`
	LatestID int64 `json:"latest_id"`
}
