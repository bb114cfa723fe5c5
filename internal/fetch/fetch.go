package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/obs"
)

const (
	DefaultDialTimeout           = 2 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultMaxBodyBytes          = cache.DefaultMaxObjectBytes
)

var ErrBodyTooLarge = errors.New("response body exceeds max body bytes")

// Fetcher performs the network leg of an intercepted read.
type Fetcher interface {
	Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error)
}

type FetcherFunc func(ctx context.Context, req *cache.Request) (*cache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	return f(ctx, req)
}

type Config struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	MaxBodyBytes          int64
	Transport             http.RoundTripper
}

// HTTPFetcher buffers whole responses so they can be cloned for the store.
type HTTPFetcher struct {
	transport    http.RoundTripper
	maxBodyBytes int64
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	transport := cfg.Transport
	if transport == nil {
		dialer := &net.Dialer{Timeout: cfg.DialTimeout}
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			IdleConnTimeout:       30 * time.Second,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
			ForceAttemptHTTP2:     true,
		}
	}
	return &HTTPFetcher{transport: transport, maxBodyBytes: cfg.MaxBodyBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request has no url")
	}
	if !cache.Storable(req.URL) {
		return nil, fmt.Errorf("fetch: unsupported scheme %q", req.URL.Scheme)
	}
	outbound, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		outbound.Header = req.Header.Clone()
	}
	removeHopByHop(outbound.Header)
	obs.InjectTraceHeaders(outbound.Header, ctx)

	resp, err := f.transport.RoundTrip(outbound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	header := resp.Header.Clone()
	removeHopByHop(header)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		URL:    req.URL.String(),
	}, nil
}

func (f *HTTPFetcher) CloseIdleConnections() {
	if f == nil {
		return
	}
	if closer, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func IsDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func removeHopByHop(header http.Header) {
	if header == nil {
		return
	}
	for _, name := range []string{"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te", "Trailer"} {
		header.Del(name)
	}
}
