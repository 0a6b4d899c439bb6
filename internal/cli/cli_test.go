package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/models"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("HOME", dir)
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func snapshotOf(conn string, msgs ...models.Message) *events.Snapshot {
	return &events.Snapshot{Connection: conn, Messages: msgs}
}

func msg(id int64, content string) models.Message {
	return models.Message{ID: id, AuthorID: 3, Nickname: "ann", Content: content, Timestamp: 1_700_000_000 + id}
}

func drain(t *testing.T, s *TimelineStreamer) {
	t.Helper()
	for {
		select {
		case ev := <-s.queue:
			require.NoError(t, s.write(ev))
		default:
			return
		}
	}
}

func TestStreamer_TextBacklogAndDedup(t *testing.T) {
	var out bytes.Buffer
	s := NewTimelineStreamer(&out, StreamConfig{Backlog: 2})

	s.Handle(&events.ChangeEvent{
		Kinds:    []events.ChangeKind{events.KindTimeline, events.KindConnection},
		Snapshot: snapshotOf("connected", msg(1, "one"), msg(2, "two"), msg(3, "three")),
	})
	s.Handle(&events.ChangeEvent{
		Kinds: []events.ChangeKind{events.KindTimeline},
		Snapshot: snapshotOf("connected", msg(2, "two"), msg(3, "three"), msg(4, "four"),
			models.Message{ID: -1, StableKey: "k", Content: "pending", State: models.MessageSending}),
	})
	drain(t, s)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "-- connected", lines[0])
	assert.Contains(t, lines[1], "ann: two")
	assert.Contains(t, lines[2], "ann: three")
	assert.Contains(t, lines[3], "ann: four")
}

func TestStreamer_JSONLRecords(t *testing.T) {
	var out bytes.Buffer
	s := NewTimelineStreamer(&out, StreamConfig{JSONL: true, Backlog: 10})

	s.Handle(&events.ChangeEvent{
		Kinds:         []events.ChangeKind{events.KindTimeline, events.KindSendFailed, events.KindNotification},
		Snapshot:      snapshotOf("disconnected", msg(5, "hi")),
		FailedKeys:    []string{"key-1"},
		Notifications: []models.Notification{{ID: 1, Type: models.NotificationReply, MessageID: 5}},
	})
	drain(t, s)

	var types []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var rec streamRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		types = append(types, rec.Type)
		if rec.Type == "message" {
			require.NotNil(t, rec.Message)
			assert.Equal(t, int64(5), rec.Message.ID)
		}
		if rec.Type == "send_failed" {
			assert.Equal(t, "key-1", rec.Key)
		}
	}
	assert.Equal(t, []string{"connection", "message", "send_failed", "notification"}, types)
}

func TestStreamer_HandleNeverBlocks(t *testing.T) {
	s := NewTimelineStreamer(&bytes.Buffer{}, StreamConfig{Buffer: 1})
	ev := &events.ChangeEvent{Snapshot: snapshotOf("connected")}
	s.Handle(ev)
	s.Handle(ev)
	s.Handle(ev)
	assert.Equal(t, int64(2), s.dropped.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Stream(ctx))
}

func TestFormatMessage(t *testing.T) {
	edited := int64(1)
	m := models.Message{ID: 9, AuthorID: 4, Content: "x", EditedAt: &edited, Reply: &models.ReplyContext{ID: 2}}
	got := formatMessage(m)
	assert.Contains(t, got, "user-4: x (edited) [reply to #2]")

	m.IsDeleted = true
	assert.Contains(t, formatMessage(m), "(deleted)")
}

func TestWriteTable_AlignsWideRunes(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeTable(&out, []string{"ID", "NAME"}, [][]string{{"1", "日本"}, {"22", "ab"}}))
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID  NAME", lines[0])
	assert.Equal(t, "1   日本", lines[1])
	assert.Equal(t, "22  ab", lines[2])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
}

func TestRenderConfig_RedactsToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = "https://chat.example.com"
	cfg.Backend.Token = "s3cret"

	out, err := renderConfig(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "s3cret")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "backend")
	assert.Equal(t, "s3cret", cfg.Backend.Token, "caller's config is untouched")
}

func TestHistoryCommand_BeforeTable(t *testing.T) {
	dir := isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("before_id"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":8,"uid":3,"nickname":"ann","message":"hello","timestamp":1700000000},` +
			`{"id":9,"uid":4,"message":"bye","timestamp":1700000060}]`))
	}))
	defer srv.Close()

	path := writeConfig(t, dir, "backend:\n  base_url: "+srv.URL+"\n  token: tok\nlogging:\n  level: error\n")
	out, err := runRoot(t, "--config", path, "history", "--before", "10", "--limit", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "ann")
	assert.Contains(t, lines[1], "hello")
	assert.Contains(t, lines[2], "user-4")
}

func TestHistoryCommand_ExclusiveFlags(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "backend:\n  base_url: http://127.0.0.1:1\n")
	_, err := runRoot(t, "--config", path, "history", "--before", "1", "--after", "2")
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "backend:\n  base_url: https://chat.example.com\n  token: hidden\nuser:\n  id: 7\n")
	out, err := runRoot(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "id: 7")
	assert.NotContains(t, out, "hidden")
}

func TestSendCommand_RequiresBody(t *testing.T) {
	isolate(t)
	_, err := runRoot(t, "send", "   ")
	exitErr, ok := IsExitError(err)
	require.True(t, ok)
	assert.Equal(t, ExitCodeUsage, exitErr.Code)
}

func TestLoadConfig_LogFile(t *testing.T) {
	dir := isolate(t)
	logPath := filepath.Join(dir, "logs", "chatsync.log")
	path := writeConfig(t, dir, "backend:\n  base_url: http://localhost:8080\nlogging:\n  file: "+logPath+"\n")

	cfg, _, closeLog, err := loadConfig(&globalFlags{configFile: path, logLevel: "debug"})
	require.NoError(t, err)
	defer closeLog()
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(logPath)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}
