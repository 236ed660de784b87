package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/broker-testenv/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(context.Background(), slog.String("harness", "abc"))
	child := log.ContextAttrs(ctx, slog.Int("pid", 42))

	logger.InfoContext(ctx, "parent")
	logger.DebugContext(child, "hidden")
	logger.With("mode", "sqlite").InfoContext(child, "child")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var parent map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &parent))
	require.Equal(t, "abc", parent["harness"])
	require.NotContains(t, parent, "pid")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &rec))
	require.Equal(t, "abc", rec["harness"])
	require.EqualValues(t, 42, rec["pid"])
	require.Equal(t, "sqlite", rec["mode"])
}
