package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline_portfolio/internal/fetch"
	"offline_portfolio/internal/obs"
)

// Engine forwards requests the cache does not handle straight to the origin.
type Engine struct {
	origin    *url.URL
	transport http.RoundTripper
}

func NewEngine(origin *url.URL, transport http.RoundTripper) *Engine {
	if transport == nil {
		dialer := &net.Dialer{Timeout: fetch.DefaultDialTimeout}
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: fetch.DefaultResponseHeaderTimeout,
			IdleConnTimeout:       30 * time.Second,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
			ForceAttemptHTTP2:     true,
		}
	}
	return &Engine{origin: origin, transport: transport}
}

// Target maps an inbound request path onto the origin.
func (e *Engine) Target(r *http.Request) *url.URL {
	target := *e.origin
	target.Path = joinPath(e.origin.Path, r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""
	return &target
}

func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, requestID string) {
	if e == nil || e.origin == nil {
		WriteProxyError(w, requestID, http.StatusBadGateway, "bad_gateway", "no origin configured")
		return
	}

	body := r.Body
	if r.Body != nil && r.ContentLength == 0 {
		body = http.NoBody
	}
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, e.Target(r).String(), body)
	if err != nil {
		WriteProxyError(w, requestID, http.StatusBadGateway, "bad_gateway", "invalid origin request")
		return
	}
	outbound.ContentLength = r.ContentLength
	outbound.Header = r.Header.Clone()
	outbound.Host = e.origin.Host
	setForwardedHeaders(outbound, r)
	obs.InjectTraceHeaders(outbound.Header, r.Context())

	obs.MarkPhase(r.Context(), "origin_roundtrip_start")
	resp, err := e.transport.RoundTrip(outbound)
	obs.MarkPhase(r.Context(), "origin_roundtrip_end")
	if err != nil {
		e.writeForwardError(w, r, requestID, err)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(RequestIDHeader, requestID)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (e *Engine) writeForwardError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		WriteProxyError(w, requestID, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
	case isClientCanceled(r.Context()):
	case isRequestTimeout(r.Context()):
		WriteProxyError(w, requestID, http.StatusGatewayTimeout, "request_timeout", "request timed out")
	case fetch.IsTimeout(err):
		WriteProxyError(w, requestID, http.StatusGatewayTimeout, "upstream_timeout", "origin timeout")
	case fetch.IsDialError(err):
		WriteProxyError(w, requestID, http.StatusBadGateway, "upstream_connect_failed", "origin connect failed")
	default:
		WriteProxyError(w, requestID, http.StatusBadGateway, "bad_gateway", "origin request failed")
	}
}

func (e *Engine) CloseIdleConnections() {
	if e == nil {
		return
	}
	if closer, ok := e.transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

func setForwardedHeaders(outbound *http.Request, inbound *http.Request) {
	clientIP := inbound.RemoteAddr
	if host, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		clientIP = host
	}

	if clientIP != "" {
		prior := outbound.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if inbound.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
	if inbound.Host != "" {
		outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		if path == "" {
			return "/"
		}
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}

func isRequestTimeout(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func isClientCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}
