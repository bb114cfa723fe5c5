// Package retry re-runs seed fetches that fail for transient reasons.
package retry

import (
	"context"
	"log"
	"math/rand"
	"time"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/fetch"
)

const (
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

type Config struct {
	// Attempts is the total number of tries, the first one included.
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Budget caps retries relative to successful fetches. Nil means no cap.
	Budget  *Budget
	OnRetry func(reason string)
}

// Fetcher wraps another fetcher and retries transient failures with jittered
// exponential backoff. Only reads are retried.
type Fetcher struct {
	next fetch.Fetcher
	cfg  Config
}

func NewFetcher(next fetch.Fetcher, cfg Config) *Fetcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Fetcher{next: next, cfg: cfg}
}

func (f *Fetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	attempts := f.cfg.Attempts
	if !req.IsRead() {
		attempts = 1
	}
	var (
		resp *cache.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		resp, err = f.next.Fetch(ctx, req)
		reason, retryable := classify(resp, err)
		if !retryable {
			if err == nil {
				f.cfg.Budget.RecordSuccess()
			}
			return resp, err
		}
		if attempt >= attempts || !f.cfg.Budget.Consume() {
			return resp, err
		}
		if f.cfg.OnRetry != nil {
			f.cfg.OnRetry(reason)
		}
		log.Printf("retrying fetch url=%s attempt=%d reason=%s", req.URL, attempt+1, reason)
		if waitErr := sleep(ctx, backoff(f.cfg.BaseBackoff, f.cfg.MaxBackoff, attempt)); waitErr != nil {
			return resp, err
		}
	}
}

func classify(resp *cache.Response, err error) (string, bool) {
	if err != nil {
		return ClassifyError(err)
	}
	if resp == nil {
		return "", false
	}
	return ClassifyStatus(resp.Status)
}

func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > limit {
		d = limit
	}
	// Full jitter keeps concurrent installs from retrying in lockstep.
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
