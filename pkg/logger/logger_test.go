package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	t.Run("rejects unknown level", func(t *testing.T) {
		err := Init(Config{Level: "loud"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("defaults encoding", func(t *testing.T) {
		require.NoError(t, Init(Config{Level: "debug"}))
		assert.NotNil(t, Get())
	})
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	ctx := ContextWithJobID(context.Background(), "job-1")
	ctx = ContextWithMapping(ctx, "contacts")
	ctx = ContextWithStage(ctx, "fetch")

	WithContext(ctx).Info("fetched")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "contacts", fields["mapping"])
	assert.Equal(t, "fetch", fields["stage"])
	assert.NotContains(t, fields, "request_id")
}

func TestGetFallsBackToDefault(t *testing.T) {
	SetLogger(nil)
	assert.NotNil(t, Get())
}
