package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Async delivers through another Notifier on background goroutines so the
// caller never waits on the transport. Each delivery is bounded by timeout.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewAsync(next Notifier, timeout time.Duration, logger *zap.Logger) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger.Named("notify")}
}

// Notify returns immediately. Messages sent after Close are dropped.
func (a *Async) Notify(ctx context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("Dropping notification after close")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		a.next.Notify(sendCtx, text)
	}()
}

// Close stops accepting messages and waits for pending ones until ctx ends.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
