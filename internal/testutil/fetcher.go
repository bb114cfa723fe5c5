package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/fetch"
)

// StaticFetcher answers from a fixed table keyed by absolute URL. Unknown URLs
// get a 404.
type StaticFetcher struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	failures  map[string]error
	calls     map[string]int
	delay     time.Duration
	gate      <-chan struct{}
}

func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{
		responses: make(map[string]*cache.Response),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (f *StaticFetcher) Set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, url)
	f.responses[url] = &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte(body),
		URL:    url,
	}
}

func (f *StaticFetcher) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = err
}

func (f *StaticFetcher) SetDelay(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = delay
}

// Hold parks every fetch until gate is closed, then answers from the table.
func (f *StaticFetcher) Hold(gate <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *StaticFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *StaticFetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	url := req.URL.String()
	f.mu.Lock()
	f.calls[url]++
	delay := f.delay
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	failure := f.failures[url]
	resp := f.responses[url].Clone()
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if resp == nil {
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found"), URL: url}, nil
	}
	return resp, nil
}

// BlockingFetcher never answers until release is closed or the leg's context
// ends.
func BlockingFetcher(release <-chan struct{}) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, req *cache.Request) (*cache.Response, error) {
		select {
		case <-release:
			return nil, context.Canceled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
