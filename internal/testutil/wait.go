package testutil

import (
	"context"
	"testing"
	"time"
)

const (
	defaultWaitTimeout = 2 * time.Second
	pollInterval       = 10 * time.Millisecond
)

// Waiter is anything that can block until its background work settles, such
// as a worker with refreshes in flight or an inflight tracker.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Settle waits for w's background work, failing the test after the default
// timeout.
func Settle(t *testing.T, w Waiter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), defaultWaitTimeout)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("background work did not settle: %v", err)
	}
}

// Eventually polls cond until it returns nil. A zero timeout uses the default.
func Eventually(t *testing.T, timeout time.Duration, cond func() error) {
	t.Helper()
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	err := cond()
	for err != nil && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
		err = cond()
	}
	if err != nil {
		t.Fatalf("condition not met within %v: %v", timeout, err)
	}
}
