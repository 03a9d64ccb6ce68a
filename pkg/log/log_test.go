package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	Init(Config{Level: level, JSONOutput: true, Output: buf})
	return buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestChildLoggersChainInline(t *testing.T) {
	tests := []struct {
		name  string
		emit  func()
		field string
		want  string
	}{
		{"component", func() { WithComponent("gateway").Info().Msg("up") }, "component", "gateway"},
		{"task", func() { WithTask("task1").Warn().Msg("up") }, "task_name", "task1"},
		{"user", func() { WithUser("user1").Error().Msg("up") }, "user_id", "user1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t, InfoLevel)
			tt.emit()
			entry := lastLine(t, buf)
			assert.Equal(t, tt.want, entry[tt.field])
			assert.Equal(t, "up", entry["message"])
		})
	}
}

func TestChildLoggerReusableAcrossCalls(t *testing.T) {
	buf := capture(t, InfoLevel)
	logger := WithComponent("reconciler")
	logger.Info().Str("entity", "task1").Msg("swept")

	entry := lastLine(t, buf)
	assert.Equal(t, "reconciler", entry["component"])
	assert.Equal(t, "task1", entry["entity"])
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, WarnLevel)
	WithComponent("lb").Debug().Msg("dropped")
	WithComponent("lb").Info().Msg("dropped")
	assert.Empty(t, buf.String())

	WithComponent("lb").Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
