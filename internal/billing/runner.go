package billing

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runner executes detached tasks on a bounded number of goroutines. Tasks
// queue for a slot, so Go never blocks the caller.
type Runner struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewRunner(workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("runner"),
	}
}

// Go schedules task. The context handed to task is cancelled only when
// Shutdown gives up waiting.
func (r *Runner) Go(task func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Background task panicked", zap.Any("panic", p))
			}
		}()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			// cancelled while queued; the task still runs so it can record the outcome
			task(r.ctx)
			return
		}
		defer r.sem.Release(1)
		task(r.ctx)
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones. When ctx
// expires first, in-flight tasks are cancelled and awaited.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.logger.Warn("Shutdown deadline reached, cancelling background tasks")
		r.cancel()
		<-done
		return ctx.Err()
	}
}
