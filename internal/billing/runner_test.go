package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunnerBoundsConcurrency(t *testing.T) {
	r := NewRunner(2, zap.NewNop())
	var running, peak, done atomic.Int32

	for i := 0; i < 8; i++ {
		require.NoError(t, r.Go(func(ctx context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
		}))
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.EqualValues(t, 8, done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunnerRejectsAfterShutdown(t *testing.T) {
	r := NewRunner(1, zap.NewNop())
	require.NoError(t, r.Shutdown(context.Background()))
	assert.ErrorIs(t, r.Go(func(context.Context) {}), ErrRunnerClosed)
}

func TestRunnerShutdownCancelsOnDeadline(t *testing.T) {
	r := NewRunner(1, zap.NewNop())
	cancelled := make(chan struct{})
	require.NoError(t, r.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
	<-cancelled
}

func TestRunnerSurvivesPanics(t *testing.T) {
	r := NewRunner(1, zap.NewNop())
	var ran atomic.Bool
	require.NoError(t, r.Go(func(context.Context) { panic("boom") }))
	require.NoError(t, r.Go(func(context.Context) { ran.Store(true) }))
	require.NoError(t, r.Shutdown(context.Background()))
	assert.True(t, ran.Load())
}
