package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"offline_portfolio/internal/runtime"
	"offline_portfolio/internal/testutil"
)

func fastShutdown() runtime.ShutdownConfig {
	return runtime.ShutdownConfig{
		Drain:           time.Millisecond,
		GracefulTimeout: 500 * time.Millisecond,
		ForceClose:      time.Millisecond,
	}
}

func TestStartServesHTTPAndTLS(t *testing.T) {
	certs := testutil.WriteServerCert(t, "localhost")
	tlsCfg, err := LoadTLSConfig(certs.CertFile, certs.KeyFile)
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv, err := Start(handler, Options{
		Name:     "edge",
		HTTPAddr: "127.0.0.1:0",
		TLSAddr:  "127.0.0.1:0",
		TLS:      tlsCfg,
		Shutdown: fastShutdown(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	client := testutil.NewAdminClient(t, testutil.AdminClientConfig{CAFile: certs.CertFile})
	for _, target := range []string{"http://" + srv.HTTPAddr + "/", "https://" + srv.TLSAddr + "/"} {
		resp, body, err := client.Get(target)
		if err != nil {
			t.Fatalf("get %s: %v", target, err)
		}
		if resp.StatusCode != http.StatusOK || string(body) != "ok" {
			t.Fatalf("unexpected response from %s: %d %q", target, resp.StatusCode, body)
		}
	}
}

func TestShutdownRunsStoppersAndWaitsForInflight(t *testing.T) {
	inflight := runtime.NewInflightTracker()
	inflight.Inc()
	var stopped atomic.Int32
	var closedIdle atomic.Int32

	srv, err := Start(http.NotFoundHandler(), Options{
		HTTPAddr: "127.0.0.1:0",
		Shutdown: fastShutdown(),
		Inflight: inflight,
		Stoppers: []Stopper{StopFunc(func(ctx context.Context) error {
			stopped.Add(1)
			return nil
		})},
		CloseIdle: []func(){func() { closedIdle.Add(1) }},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		inflight.Dec()
	}()
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if stopped.Load() != 1 || closedIdle.Load() != 1 {
		t.Fatalf("expected stopper and close idle once, got %d %d", stopped.Load(), closedIdle.Load())
	}
	if inflight.Count() != 0 {
		t.Fatalf("shutdown returned before in-flight work settled")
	}
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if stopped.Load() != 1 {
		t.Fatalf("stopper ran twice")
	}
	if _, err := http.Get("http://" + srv.HTTPAddr + "/"); err == nil {
		t.Fatalf("expected listener to be closed")
	}
}

func TestStartRejectsBadOptions(t *testing.T) {
	if _, err := Start(nil, Options{HTTPAddr: "127.0.0.1:0"}); err == nil {
		t.Fatalf("expected nil handler error")
	}
	if _, err := Start(http.NotFoundHandler(), Options{}); err == nil {
		t.Fatalf("expected no listeners error")
	}
	if _, err := Start(http.NotFoundHandler(), Options{TLSAddr: "127.0.0.1:0"}); err == nil {
		t.Fatalf("expected missing tls config error")
	}
	if _, err := LoadTLSConfig("", ""); err == nil {
		t.Fatalf("expected missing files error")
	}
}

func TestRequireBearerToken(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv, err := Start(RequireBearerToken(inner, true, "metrics-secret"), Options{HTTPAddr: "127.0.0.1:0", Shutdown: fastShutdown()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	client := testutil.NewAdminClient(t, testutil.AdminClientConfig{})
	resp, _, err := client.Get("http://" + srv.HTTPAddr + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	authed := testutil.NewAdminClient(t, testutil.AdminClientConfig{Token: "metrics-secret"})
	resp, _, err = authed.Get("http://" + srv.HTTPAddr + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if RequireBearerToken(inner, false, "x") == nil {
		t.Fatalf("expected passthrough handler")
	}
}
