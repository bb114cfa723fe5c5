package limits

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"offline_portfolio/internal/config"
)

func TestFromConfigDefaults(t *testing.T) {
	got, err := FromConfig(config.LimitsConfig{})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if got != Default() {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestFromConfigOverrides(t *testing.T) {
	maxBody := int64(100)
	got, err := FromConfig(config.LimitsConfig{MaxBodyBytes: &maxBody, ReadHeaderTimeoutMS: 500, MaxURLBytes: 64})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if got.MaxBodyBytes != 100 || got.MaxURLBytes != 64 || got.ReadHeaderTimeout.Milliseconds() != 500 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if _, err := FromConfig(config.LimitsConfig{ReadHeaderTimeoutMS: -1}); err == nil {
		t.Fatalf("expected error for negative timeout")
	}
}

func TestCheck(t *testing.T) {
	l := Default()
	l.MaxURLBytes = 32
	l.MaxHeaderCount = 2
	l.MaxBodyBytes = 10

	if v := l.Check(httptest.NewRequest(http.MethodGet, "/", nil)); v.Category != "" {
		t.Fatalf("unexpected violation %+v", v)
	}
	if v := l.Check(httptest.NewRequest(http.MethodGet, "/"+strings.Repeat("a", 40), nil)); v.Status != http.StatusRequestURITooLong {
		t.Fatalf("expected 414, got %+v", v)
	}

	headers := httptest.NewRequest(http.MethodGet, "/", nil)
	headers.Header.Add("X-A", "1")
	headers.Header.Add("X-B", "2")
	headers.Header.Add("X-C", "3")
	if v := l.Check(headers); v.Category != "headers_too_large" {
		t.Fatalf("expected headers violation, got %+v", v)
	}

	body := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("b", 20)))
	if v := l.Check(body); v.Status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %+v", v)
	}
}
