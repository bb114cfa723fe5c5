package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLogAccessWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	SetAccessLogOutput(&buf)
	defer SetAccessLogOutput(nil)

	LogAccess(RequestContext{Method: http.MethodGet, Path: "/", Status: 200, CacheStatus: "hit", WorkerVersion: "portfolio-v1"})

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if entry["cache_status"] != "hit" {
		t.Fatalf("expected cache_status hit, got %v", entry["cache_status"])
	}
	if entry["request_id"] != "none" {
		t.Fatalf("expected default request id, got %v", entry["request_id"])
	}
	if entry["worker_version"] != "portfolio-v1" {
		t.Fatalf("unexpected worker_version %v", entry["worker_version"])
	}
}

func TestLogAccessIncludesPhases(t *testing.T) {
	var buf bytes.Buffer
	SetAccessLogOutput(&buf)
	defer SetAccessLogOutput(nil)

	ctx := StartTrace(context.Background(), http.Header{})
	MarkPhase(ctx, "cache_lookup")
	LogAccess(RequestContext{Method: http.MethodGet, Path: "/", Phases: Phases(ctx)})

	var entry AccessLogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if _, ok := entry.PhasesMS["cache_lookup"]; !ok {
		t.Fatalf("expected cache_lookup phase, got %v", entry.PhasesMS)
	}
}

func TestRedactHeaderValue(t *testing.T) {
	if got := RedactHeaderValue("Authorization", "Bearer secret"); got != "[redacted]" {
		t.Fatalf("expected redaction, got %q", got)
	}
	if got := RedactHeaderValue("Accept", "text/html"); got != "text/html" {
		t.Fatalf("unexpected redaction %q", got)
	}
}

func TestMetricsExposeCacheLookups(t *testing.T) {
	metrics := NewMetrics(MetricsConfig{})
	metrics.RecordCacheLookup("/index.html", "hit")
	metrics.RecordRefresh("error", 10*time.Millisecond)
	metrics.SetActiveVersion("portfolio-v1")
	metrics.SetActiveVersion("portfolio-v2")

	server := httptest.NewServer(metrics.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	if !strings.Contains(text, `portfolio_cache_lookups_total{path="/index.html",status="hit"} 1`) {
		t.Fatalf("missing lookup metric:\n%s", text)
	}
	if !strings.Contains(text, `portfolio_active_version_info{version="portfolio-v1"} 0`) {
		t.Fatalf("expected previous version cleared:\n%s", text)
	}
	if !strings.Contains(text, `portfolio_active_version_info{version="portfolio-v2"} 1`) {
		t.Fatalf("expected active version set:\n%s", text)
	}
	if !strings.Contains(text, "portfolio_network_failure_ratio 1") {
		t.Fatalf("expected failure ratio from the rolling window:\n%s", text)
	}
}

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestFailureRatioCountsOnlyFailedLegs(t *testing.T) {
	metrics := NewMetrics(MetricsConfig{FailureWindow: time.Minute})
	if text := scrape(t, metrics); !strings.Contains(text, "portfolio_network_failure_ratio 0") {
		t.Fatalf("idle window should report 0:\n%s", text)
	}
	for _, result := range []string{"stored", "stored", "shared", "error"} {
		metrics.RecordRefresh(result, time.Millisecond)
	}
	if text := scrape(t, metrics); !strings.Contains(text, "portfolio_network_failure_ratio 0.25") {
		t.Fatalf("expected one failure in four legs:\n%s", text)
	}
}

func TestForgetWorkerDropsStateSeries(t *testing.T) {
	metrics := NewMetrics(MetricsConfig{})
	metrics.SetWorkerState("portfolio-v1", 4)
	metrics.SetWorkerState("portfolio-v2", 4)
	metrics.ForgetWorker("portfolio-v1")

	text := scrape(t, metrics)
	if strings.Contains(text, `portfolio_worker_state{version="portfolio-v1"}`) {
		t.Fatalf("retired version still exported:\n%s", text)
	}
	if !strings.Contains(text, `portfolio_worker_state{version="portfolio-v2"} 4`) {
		t.Fatalf("current version missing:\n%s", text)
	}
}

func TestTopKFallsBackToOther(t *testing.T) {
	topk := NewTopK(1, time.Hour)
	topk.Observe("/a")
	topk.Observe("/b")
	if topk.Canon("/a") != "/a" {
		t.Fatalf("expected /a tracked")
	}
	if topk.Canon("/b") != "other" {
		t.Fatalf("expected /b folded into other")
	}
}

func TestTracePhases(t *testing.T) {
	header := http.Header{}
	header.Set("traceparent", "00-abc-def-01")
	ctx := StartTrace(context.Background(), header)
	if Phases(ctx) != nil {
		t.Fatalf("fresh trace should have no phases")
	}
	MarkPhase(ctx, "cache_lookup")
	if _, ok := Phases(ctx)["cache_lookup"]; !ok {
		t.Fatalf("expected phase recorded")
	}
	out := http.Header{}
	InjectTraceHeaders(out, ctx)
	if out.Get("traceparent") != "00-abc-def-01" {
		t.Fatalf("traceparent not propagated")
	}
}
