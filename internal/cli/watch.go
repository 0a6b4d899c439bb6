package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

// StreamConfig configures timeline streaming.
type StreamConfig struct {
	// JSONL writes one JSON record per line instead of text.
	JSONL bool

	// Backlog is how many already loaded messages are printed first.
	Backlog int

	// Buffer is the number of change events queued before new ones are
	// dropped.
	Buffer int
}

// DefaultStreamConfig returns sensible defaults for streaming.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Backlog: 20,
		Buffer:  256,
	}
}

// streamRecord is one JSONL line.
type streamRecord struct {
	Type         string               `json:"type"`
	Message      *models.Message      `json:"message,omitempty"`
	Connection   string               `json:"connection,omitempty"`
	Key          string               `json:"key,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
	Online       int                  `json:"online,omitempty"`
}

// TimelineStreamer writes timeline changes to out. Handle is the engine
// subscription; Stream drains it.
type TimelineStreamer struct {
	out     io.Writer
	config  StreamConfig
	queue   chan *events.ChangeEvent
	dropped atomic.Int64
	logger  zerolog.Logger

	started    bool
	lastID     int64
	connection string
}

// NewTimelineStreamer creates a streamer.
func NewTimelineStreamer(out io.Writer, config StreamConfig) *TimelineStreamer {
	if config.Buffer <= 0 {
		config.Buffer = 256
	}
	if config.Backlog < 0 {
		config.Backlog = 0
	}
	return &TimelineStreamer{
		out:    out,
		config: config,
		queue:  make(chan *events.ChangeEvent, config.Buffer),
		logger: logging.Component("tail"),
	}
}

// Handle queues an event without blocking the engine.
func (s *TimelineStreamer) Handle(event *events.ChangeEvent) {
	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
	}
}

// Stream writes queued events until ctx is cancelled.
func (s *TimelineStreamer) Stream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := s.dropped.Load(); n > 0 {
				s.logger.Warn().Int64("dropped", n).Msg("slow output dropped change events")
			}
			return nil
		case event := <-s.queue:
			if err := s.write(event); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
	}
}

func (s *TimelineStreamer) write(event *events.ChangeEvent) error {
	snap := event.Snapshot
	if snap != nil && snap.Connection != s.connection {
		s.connection = snap.Connection
		if err := s.emit(streamRecord{Type: "connection", Connection: snap.Connection}); err != nil {
			return err
		}
	}
	if snap != nil && event.Has(events.KindTimeline) {
		if err := s.writeMessages(snap); err != nil {
			return err
		}
	}
	for _, key := range event.FailedKeys {
		if err := s.emit(streamRecord{Type: "send_failed", Key: key}); err != nil {
			return err
		}
	}
	for i := range event.Notifications {
		n := event.Notifications[i]
		if err := s.emit(streamRecord{Type: "notification", Notification: &n}); err != nil {
			return err
		}
	}
	if snap != nil && event.Has(events.KindOnlineCount) {
		return s.emit(streamRecord{Type: "online", Online: snap.OnlineCount})
	}
	return nil
}

// writeMessages prints confirmed messages newer than the last printed one.
// The first batch is cut to the configured backlog.
func (s *TimelineStreamer) writeMessages(snap *events.Snapshot) error {
	var fresh []models.Message
	for _, m := range snap.Messages {
		if m.IsOptimistic() || m.ID <= s.lastID {
			continue
		}
		fresh = append(fresh, m)
	}
	if !s.started {
		if len(fresh) == 0 && snap.Loading {
			return nil
		}
		s.started = true
		if len(fresh) > s.config.Backlog {
			fresh = fresh[len(fresh)-s.config.Backlog:]
		}
	}
	for i := range fresh {
		m := fresh[i]
		if err := s.emit(streamRecord{Type: "message", Message: &m}); err != nil {
			return err
		}
		s.lastID = m.ID
	}
	return nil
}

func (s *TimelineStreamer) emit(rec streamRecord) error {
	if s.config.JSONL {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(s.out, string(data))
		return err
	}
	_, err := fmt.Fprintln(s.out, formatRecord(rec))
	return err
}

func formatRecord(rec streamRecord) string {
	switch rec.Type {
	case "message":
		return formatMessage(*rec.Message)
	case "connection":
		return fmt.Sprintf("-- %s", rec.Connection)
	case "send_failed":
		return fmt.Sprintf("!! send %s failed", rec.Key)
	case "notification":
		n := rec.Notification
		return fmt.Sprintf("** %s from %s on #%d", n.Type, displayName(n.Nickname, 0), n.MessageID)
	case "online":
		return fmt.Sprintf("-- %d online", rec.Online)
	default:
		return rec.Type
	}
}

func formatMessage(m models.Message) string {
	var b strings.Builder
	b.WriteString(time.Unix(m.Timestamp, 0).Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(displayName(m.Nickname, m.AuthorID))
	b.WriteString(": ")
	switch {
	case m.IsDeleted:
		b.WriteString("(deleted)")
	default:
		b.WriteString(m.Content)
	}
	if m.EditedAt != nil && !m.IsDeleted {
		b.WriteString(" (edited)")
	}
	if m.Reply != nil {
		fmt.Fprintf(&b, " [reply to #%d]", m.Reply.ID)
	}
	return b.String()
}

func displayName(nickname string, uid int64) string {
	if strings.TrimSpace(nickname) != "" {
		return nickname
	}
	if uid > 0 {
		return fmt.Sprintf("user-%d", uid)
	}
	return "anonymous"
}
