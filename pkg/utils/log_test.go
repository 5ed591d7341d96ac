package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogHandler(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		out := new(bytes.Buffer)
		logger := slog.New(newLogHandler(out, HandlerTypeJSON, LogLevelInfo, false /*addSource*/))
		logger.Info("Stored item.", "key", "a")

		record := make(map[string]any)
		require.NoError(t, json.Unmarshal(out.Bytes(), &record))
		assert.Equal(t, "Stored item.", record["msg"])
		assert.Equal(t, "a", record["key"])
	})
	t.Run("text", func(t *testing.T) {
		out := new(bytes.Buffer)
		logger := slog.New(newLogHandler(out, HandlerTypeText, LogLevelInfo, false /*addSource*/))
		logger.Info("Stored item.", "key", "a")
		assert.Contains(t, out.String(), "key=a")
	})
	t.Run("level_filters_records", func(t *testing.T) {
		out := new(bytes.Buffer)
		logger := slog.New(newLogHandler(out, HandlerTypeText, LogLevelWarn, false /*addSource*/))
		logger.Info("Dropped.")
		assert.Empty(t, out.String())
		logger.Warn("Kept.")
		assert.Contains(t, out.String(), "Kept.")
	})
}

func TestParseLogLevel(t *testing.T) {
	for _, testCase := range []struct {
		level    LogLevel
		expected slog.Level
	}{
		{level: LogLevelDebug, expected: slog.LevelDebug},
		{level: LogLevelInfo, expected: slog.LevelInfo},
		{level: LogLevelWarn, expected: slog.LevelWarn},
		{level: LogLevelError, expected: slog.LevelError},
	} {
		t.Run(string(testCase.level), func(t *testing.T) {
			assert.Equal(t, testCase.expected, parseLogLevel(testCase.level))
		})
	}
}
