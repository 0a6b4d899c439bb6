package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_JSONComponentField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	log := Component("timeline")
	log.Debug().Int64("oldest", 10).Msg("page applied")

	out := buf.String()
	require.Contains(t, out, `"component":"timeline"`)
	assert.Contains(t, out, `"oldest":10`)
}

func TestInit_AutoFormatForNonTerminalIsJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "auto", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	tagged := WithSession(Component("engine"), "s1")
	ctx := WithContext(context.Background(), tagged)
	l := FromContext(ctx)
	l.Info().Msg("x")
	assert.Contains(t, buf.String(), `"session":"s1"`)
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("debug"))
	assert.True(t, ValidLevel("WARN"))
	assert.False(t, ValidLevel("loud"))
}
