package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

type ctxKey struct{}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew(t *testing.T) {
	t.Run("json by default", func(t *testing.T) {
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf))
		log.Info("hello")

		entry := decode(t, buf)
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "hello", entry["msg"])
	})

	t.Run("text format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithFormat(logger.FormatText))
		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("invalid format panics", func(t *testing.T) {
		assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
	})

	t.Run("level by name", func(t *testing.T) {
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithLevelName("warn"))
		log.Info("dropped")
		assert.Empty(t, buf.String())
		log.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("unknown level name keeps default", func(t *testing.T) {
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithLevelName("loud"))
		log.Info("kept")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("production environment", func(t *testing.T) {
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithEnvironment("prod", "billing"), logger.WithOutput(buf))
		log.Debug("dropped")
		log.Info("hello")

		entry := decode(t, buf)
		assert.Equal(t, "billing", entry["service"])
		assert.Equal(t, "prod", entry["env"])
	})
}

func TestContextExtractors(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logger.New(
		logger.WithOutput(buf),
		logger.WithContextExtractors(nil, func(ctx context.Context) (slog.Attr, bool) {
			v, ok := ctx.Value(ctxKey{}).(string)
			return slog.String("trace", v), ok
		}),
	)

	ctx := context.WithValue(context.Background(), ctxKey{}, "abc")
	log.With(logger.Component("sync")).InfoContext(ctx, "synced", logger.Account("a@example.com"))

	entry := decode(t, buf)
	assert.Equal(t, "abc", entry["trace"])
	assert.Equal(t, "sync", entry["component"])
	assert.Equal(t, "a@example.com", entry["account"])
}

func TestAttrs(t *testing.T) {
	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
	assert.Equal(t, "boom", logger.Error(errors.New("boom")).Value.Any().(error).Error())
	assert.True(t, logger.RequestID("").Equal(slog.Attr{}))
	assert.Equal(t, "event_id", logger.EventID("evt_1").Key)
	assert.Equal(t, int64(3), logger.Attempt(3).Value.Int64())
}
