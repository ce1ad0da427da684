package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWriter(t *testing.T) {
	t.Run("json by default", func(t *testing.T) {
		var buf bytes.Buffer
		NewWriter(&buf, "info", "").Info("order posted", "orderId", "abc")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "order posted", entry["msg"])
		assert.Equal(t, "abc", entry["orderId"])
	})

	t.Run("text on request", func(t *testing.T) {
		var buf bytes.Buffer
		NewWriter(&buf, "info", "text").Info("order posted")
		assert.Contains(t, buf.String(), `msg="order posted"`)
	})

	t.Run("filters below the level", func(t *testing.T) {
		var buf bytes.Buffer
		NewWriter(&buf, "warn", "json").Info("hidden")
		assert.Empty(t, buf.String())
	})
}
