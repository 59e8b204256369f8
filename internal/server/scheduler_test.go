package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/crmsync/pkg/jobs"
)

func TestSchedulerStartsRuns(t *testing.T) {
	runner := &fakeRunner{tracker: jobs.NewTracker(time.Hour, 16)}
	s := NewScheduler(10*time.Millisecond, runner, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.startCount() == 1 }, time.Second, 5*time.Millisecond)

	// ticks are skipped while the run is active
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.startCount())

	runner.finish()
	require.Eventually(t, func() bool { return runner.startCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.False(t, runner.starts[0].Resync)
}

func TestSchedulerDisabled(t *testing.T) {
	runner := &fakeRunner{tracker: jobs.NewTracker(time.Hour, 16)}
	NewScheduler(0, runner, zaptest.NewLogger(t)).Run(context.Background())
	assert.Zero(t, runner.startCount())
}
