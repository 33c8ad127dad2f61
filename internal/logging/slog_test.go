package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufLogger() (*SlogLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogLogger(slog.New(h)), &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestSlogLogger_Levels(t *testing.T) {
	ctx := context.Background()

	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		log, buf := newBufLogger()
		switch level {
		case "DEBUG":
			log.Debug(ctx, "msg", "k", "v")
		case "INFO":
			log.Info(ctx, "msg", "k", "v")
		case "WARN":
			log.Warn(ctx, "msg", "k", "v")
		case "ERROR":
			log.Error(ctx, "msg", "k", "v")
		}
		rec := lastRecord(t, buf)
		assert.Equal(t, level, rec["level"])
		assert.Equal(t, "msg", rec["msg"])
		assert.Equal(t, "v", rec["k"])
	}
}

func TestSlogLogger_With(t *testing.T) {
	log, buf := newBufLogger()
	child := log.With("component", "scanner")
	child.Info(context.Background(), "hello")

	rec := lastRecord(t, buf)
	assert.Equal(t, "scanner", rec["component"])
}
