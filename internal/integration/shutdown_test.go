package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"offline_portfolio/internal/testutil"
)

func TestShutdownDrainsInflightRequests(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	upstream, stop := testutil.StartUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			close(started)
			<-block
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer stop()

	cfg := parseConfig(t, fmt.Sprintf(`{"listen_addr": "127.0.0.1:0", "origin_url": %q, "shutdown": {"drain_ms": 50, "graceful_timeout_ms": 2000, "force_close_ms": 50}}`, upstream.String()))
	a := startApp(t, cfg)
	edge := "http://" + a.EdgeAddr()

	responseCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		client := &http.Client{Timeout: 5 * time.Second}
		req, _ := http.NewRequest(http.MethodGet, edge+"/slow", nil)
		req.Header.Set("X-Client-Id", "browser-1")
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		resp.Body.Close()
		responseCh <- resp.StatusCode
	}()
	<-started

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- a.Shutdown() }()

	testutil.Eventually(t, time.Second, func() error {
		conn, err := (&http.Client{Timeout: 100 * time.Millisecond}).Get(edge + "/")
		if err == nil {
			conn.Body.Close()
			return fmt.Errorf("edge still accepting")
		}
		return nil
	})

	close(block)
	select {
	case status := <-responseCh:
		if status != http.StatusOK {
			t.Fatalf("in-flight request got %d", status)
		}
	case err := <-errCh:
		t.Fatalf("in-flight request failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for in-flight request")
	}

	select {
	case err := <-shutdownErr:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not complete")
	}
}

func TestDiskStorageSurvivesRestart(t *testing.T) {
	o := startOrigin(t)
	dsn := "disk://" + t.TempDir()
	raw := func(version string) string {
		return fmt.Sprintf(`{"listen_addr": "127.0.0.1:0", "origin_url": %q, "cache": {"version": %q, "storage_dsn": %q}, %s}`,
			o.url.String(), version, dsn, fastShutdownJSON())
	}

	first := startApp(t, parseConfig(t, raw("portfolio-v1")))
	if err := first.Shutdown(); err != nil {
		t.Fatalf("shutdown first: %v", err)
	}

	second := startApp(t, parseConfig(t, raw("portfolio-v2")))
	names, err := second.Storage.Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 1 || names[0] != "portfolio-v2" {
		t.Fatalf("expected the old version purged on activation, got %v", names)
	}

	o.offline.Store(true)
	resp, _ := get(t, "http://"+second.EdgeAddr()+"/manifest.json", "browser-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected cached manifest from disk, got %d", resp.StatusCode)
	}
}
