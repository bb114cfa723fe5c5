package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/fetch"
)

func seedRequest(method string) *cache.Request {
	u, _ := url.Parse("http://origin.test/index.html")
	return &cache.Request{Method: method, URL: u}
}

func flaky(failures int, failWith error, status int) (fetch.Fetcher, *atomic.Int32) {
	calls := &atomic.Int32{}
	return fetch.FetcherFunc(func(ctx context.Context, req *cache.Request) (*cache.Response, error) {
		n := int(calls.Add(1))
		if n <= failures {
			if failWith != nil {
				return nil, failWith
			}
			return &cache.Response{Status: status}, nil
		}
		return &cache.Response{Status: http.StatusOK, Body: []byte("ok")}, nil
	}), calls
}

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetriesTransientErrors(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	next, calls := flaky(2, dialErr, 0)
	var reasons []string
	cfg := fastConfig(3)
	cfg.OnRetry = func(reason string) { reasons = append(reasons, reason) }

	resp, err := NewFetcher(next, cfg).Fetch(context.Background(), seedRequest(http.MethodGet))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != http.StatusOK || calls.Load() != 3 {
		t.Fatalf("expected success on third try, got %d after %d calls", resp.Status, calls.Load())
	}
	if len(reasons) != 2 || reasons[0] != "dial" {
		t.Fatalf("unexpected retry reasons %v", reasons)
	}
}

func TestRetriesUnavailableStatus(t *testing.T) {
	next, calls := flaky(1, nil, http.StatusServiceUnavailable)
	resp, err := NewFetcher(next, fastConfig(2)).Fetch(context.Background(), seedRequest(http.MethodGet))
	if err != nil || resp.Status != http.StatusOK || calls.Load() != 2 {
		t.Fatalf("expected retry past 503, got %v %v after %d calls", resp, err, calls.Load())
	}
}

func TestGivesUpAfterAttempts(t *testing.T) {
	next, calls := flaky(10, io.ErrUnexpectedEOF, 0)
	_, err := NewFetcher(next, fastConfig(3)).Fetch(context.Background(), seedRequest(http.MethodGet))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDoesNotRetryPermanentFailures(t *testing.T) {
	next, calls := flaky(10, nil, http.StatusNotFound)
	resp, _ := NewFetcher(next, fastConfig(3)).Fetch(context.Background(), seedRequest(http.MethodGet))
	if resp.Status != http.StatusNotFound || calls.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d after %d calls", resp.Status, calls.Load())
	}

	next, calls = flaky(10, errors.New("boom"), 0)
	_, _ = NewFetcher(next, fastConfig(3)).Fetch(context.Background(), seedRequest(http.MethodGet))
	if calls.Load() != 1 {
		t.Fatalf("unclassified error retried %d times", calls.Load())
	}

	next, calls = flaky(10, io.EOF, 0)
	_, _ = NewFetcher(next, fastConfig(3)).Fetch(context.Background(), seedRequest(http.MethodPost))
	if calls.Load() != 1 {
		t.Fatalf("non-read retried %d times", calls.Load())
	}
}

func TestBudgetLimitsRetries(t *testing.T) {
	budget := NewBudget(50, 1)
	next, calls := flaky(10, io.EOF, 0)
	cfg := fastConfig(5)
	cfg.Budget = budget
	_, _ = NewFetcher(next, cfg).Fetch(context.Background(), seedRequest(http.MethodGet))
	if calls.Load() != 2 {
		t.Fatalf("expected one budgeted retry, got %d calls", calls.Load())
	}

	budget.RecordSuccess()
	budget.RecordSuccess()
	if !budget.Consume() {
		t.Fatalf("expected successes to refill the budget")
	}
	if budget.Consume() {
		t.Fatalf("budget exceeded its burst")
	}
}

func TestCanceledContextStopsBackoff(t *testing.T) {
	next, calls := flaky(10, io.EOF, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{Attempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}
	_, err := NewFetcher(next, cfg).Fetch(ctx, seedRequest(http.MethodGet))
	if err == nil || calls.Load() != 1 {
		t.Fatalf("expected to stop after the first attempt, got %v after %d calls", err, calls.Load())
	}
}
