package runtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// InflightTracker counts work that must settle before shutdown: client
// requests and the background network legs they leave behind.
type InflightTracker struct {
	count  atomic.Int64
	mu     sync.Mutex
	zeroCh chan struct{}
}

func NewInflightTracker() *InflightTracker {
	zeroCh := make(chan struct{})
	close(zeroCh)
	return &InflightTracker{zeroCh: zeroCh}
}

func (t *InflightTracker) Inc() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.count.Add(1) == 1 {
		t.zeroCh = make(chan struct{})
	}
	t.mu.Unlock()
}

func (t *InflightTracker) Dec() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.count.Add(-1) == 0 {
		close(t.zeroCh)
	}
	t.mu.Unlock()
}

func (t *InflightTracker) Count() int64 {
	if t == nil {
		return 0
	}
	return t.count.Load()
}

func (t *InflightTracker) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	waitCh := t.zeroCh
	t.mu.Unlock()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
