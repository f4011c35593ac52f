package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriter(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Run("rejects unknown level", func(t *testing.T) {
		err := InitWithWriter(&bytes.Buffer{}, "json", "TRACE")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LOG_LEVEL")
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		err := InitWithWriter(&bytes.Buffer{}, "xml", "INFO")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LOG_FORMAT")
	})

	t.Run("enriches entries from context", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, InitWithWriter(&buf, "json", "DEBUG"))

		ctx := WithOrigin(WithRequestID(context.Background(), "req-1"), "https://dapp.example")
		Info(ctx, "request admitted", "method", "eth_accounts")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "req-1", entry["request_id"])
		assert.Equal(t, "https://dapp.example", entry["origin"])
		assert.Equal(t, "eth_accounts", entry["method"])
	})

	t.Run("redacts secret attributes", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, InitWithWriter(&buf, "json", "INFO"))

		Info(context.Background(), "unlock", "password", "hunter2", "Seed", "0xdead", "account", "0xabc")

		assert.NotContains(t, buf.String(), "hunter2")
		assert.NotContains(t, buf.String(), "0xdead")
		assert.Contains(t, buf.String(), "0xabc")
		assert.Contains(t, buf.String(), redacted)
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, InitWithWriter(&buf, "text", "WARN"))

		Debug(context.Background(), "hidden")
		Warn(context.Background(), "shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetOrigin(ctx))

	ctx = WithRequestID(ctx, "abc")
	assert.Equal(t, "abc", GetRequestID(ctx))
	ctx = WithOrigin(ctx, "https://dapp.example")
	assert.Equal(t, "https://dapp.example", GetOrigin(ctx))
}
