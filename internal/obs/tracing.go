package obs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

type TraceContext struct {
	TraceParent string
	TraceState  string
	SpanID      string
	started     time.Time
	mu          sync.Mutex
	phases      map[string]time.Time
}

type traceKey struct{}

func StartTrace(ctx context.Context, header http.Header) context.Context {
	trace := &TraceContext{
		TraceParent: header.Get("traceparent"),
		TraceState:  header.Get("tracestate"),
		SpanID:      newSpanID(),
		started:     time.Now(),
		phases:      make(map[string]time.Time),
	}
	return context.WithValue(ctx, traceKey{}, trace)
}

func TraceFromContext(ctx context.Context) (*TraceContext, bool) {
	if ctx == nil {
		return nil, false
	}
	trace, ok := ctx.Value(traceKey{}).(*TraceContext)
	return trace, ok
}

func InjectTraceHeaders(header http.Header, ctx context.Context) {
	trace, ok := TraceFromContext(ctx)
	if !ok {
		return
	}
	if trace.TraceParent != "" {
		header.Set("traceparent", trace.TraceParent)
	}
	if trace.TraceState != "" {
		header.Set("tracestate", trace.TraceState)
	}
}

func MarkPhase(ctx context.Context, name string) {
	trace, ok := TraceFromContext(ctx)
	if !ok {
		return
	}
	trace.mu.Lock()
	defer trace.mu.Unlock()
	trace.phases[name] = time.Now()
}

// Phases reports every phase marked so far as milliseconds since the trace
// started. Legs still running in the background may add phases later.
func Phases(ctx context.Context) map[string]int64 {
	trace, ok := TraceFromContext(ctx)
	if !ok {
		return nil
	}
	trace.mu.Lock()
	defer trace.mu.Unlock()
	if len(trace.phases) == 0 {
		return nil
	}
	out := make(map[string]int64, len(trace.phases))
	for name, at := range trace.phases {
		out[name] = at.Sub(trace.started).Milliseconds()
	}
	return out
}

func newSpanID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
