package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m), buf.String())
	return m
}

func TestHandler_Attrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json", Output: &buf})

	logger.With("component", "index").
		WithGroup("window").
		Debug("window loaded",
			"events", 3,
			"span", 2*time.Hour,
			"clipped", true,
			"error", errors.New("boom"),
			slog.Group("bounds", "start", "a", "end", "b"))

	m := decodeLine(t, &buf)
	assert.Equal(t, "window loaded", m[zerolog.MessageFieldName])
	assert.Equal(t, "debug", m[zerolog.LevelFieldName])
	assert.Equal(t, "index", m["component"])
	assert.EqualValues(t, 3, m["window.events"])
	assert.Equal(t, true, m["window.clipped"])
	assert.Equal(t, "boom", m["window.error"])
	assert.Equal(t, "a", m["window.bounds.start"])
	assert.Equal(t, "b", m["window.bounds.end"])
	assert.Contains(t, m, "window.span")
}

func TestHandler_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   slog.Level
		want  bool
	}{
		{level: "info", log: slog.LevelDebug, want: false},
		{level: "info", log: slog.LevelInfo, want: true},
		{level: "warn", log: slog.LevelInfo, want: false},
		{level: "error", log: slog.LevelError, want: true},
		{level: "trace", log: slog.LevelDebug - 4, want: true},
		{level: "bogus", log: slog.LevelInfo, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.log.String(), func(t *testing.T) {
			var buf bytes.Buffer
			h := NewHandler(NewZerolog(Config{Level: tt.level, Output: &buf}))
			assert.Equal(t, tt.want, h.Enabled(context.Background(), tt.log))

			slog.New(h).Log(context.Background(), tt.log, "probe")
			assert.Equal(t, tt.want, buf.Len() > 0)
		})
	}
}

func TestNewZerolog_Console(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "console", Output: &buf}).Warn("store circuit breaker state change", "to", "open")
	out := buf.String()
	assert.Contains(t, out, "store circuit breaker state change")
	assert.Contains(t, out, "to=open")
}
