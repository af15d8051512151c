package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_AddsCorrelationFields(t *testing.T) {
	base := NewTestLogger()
	ctx := WithUpdateCode(WithTaskID(context.Background(), "task-1"), "scan-9")

	FromContext(ctx, base).Info("hello")

	entries := base.GetEntries()
	require.Len(t, entries, 1)
	keys := map[string]string{}
	for _, f := range entries[0].Fields {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "task-1", keys["taskId"])
	assert.Equal(t, "scan-9", keys["updateCode"])
	assert.Equal(t, "task-1", TaskID(ctx))
}

func TestFromContext_NoValuesReturnsSameLogger(t *testing.T) {
	base := NewTestLogger()
	assert.Same(t, base, FromContext(context.Background(), base))
}

func TestTestLogger_WithSharesBuffer(t *testing.T) {
	base := NewTestLogger()
	child := base.With(String("tenant", "acme"))

	child.Error("boom")
	base.Info("ok")

	assert.Equal(t, 1, base.Count("ERROR"))
	assert.Equal(t, 1, base.Count("INFO"))
	entries := base.GetEntries()
	require.Len(t, entries, 2)
	require.Len(t, entries[0].Fields, 1)
	assert.Equal(t, "tenant", entries[0].Fields[0].Key)

	base.Clear()
	assert.Empty(t, base.GetEntries())
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(WithLevel("loud"), WithOutputPaths([]string{"stdout"}))
	require.Error(t, err)
}

func TestNewLogger_RejectsUnknownEncoding(t *testing.T) {
	_, err := NewLogger(WithEncoding("xml"))
	require.Error(t, err)
}

func TestNewLogger_WritesToRotatingFile(t *testing.T) {
	path := t.TempDir() + "/logs/test.log"
	l, err := NewLogger(
		WithEncoding("console"),
		WithOutputPaths([]string{path}),
		WithRotation(Rotation{MaxSizeMB: 1, MaxBackups: 1}),
	)
	require.NoError(t, err)
	l.Named("test").With(Int("n", 1)).Info("written")
	require.NoError(t, l.Sync())
	assert.FileExists(t, path)
}
