package integration

import (
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"offline_portfolio/internal/app"
	"offline_portfolio/internal/config"
	"offline_portfolio/internal/gallery"
	"offline_portfolio/internal/obs"
	"offline_portfolio/internal/site"
	"offline_portfolio/internal/testutil"
)

const adminToken = "integration-admin-token"

// origin is a site origin that can be switched off to simulate going offline.
type origin struct {
	url     *url.URL
	offline atomic.Bool
	hits    atomic.Int32
}

func startOrigin(t *testing.T) *origin {
	t.Helper()
	handler, err := site.NewHandler(gallery.NewViewer(gallery.Generate(6)), site.DefaultManifest())
	if err != nil {
		t.Fatalf("site handler: %v", err)
	}
	o := &origin{}
	base, stop := testutil.StartUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if o.offline.Load() {
			// Hijack and drop the connection so the edge sees a transport error.
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(stop)
	o.url = base
	return o
}

func parseConfig(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.ParseJSON([]byte(raw))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	obs.SetAccessLogOutput(io.Discard)
	t.Cleanup(func() { obs.SetAccessLogOutput(nil) })

	env := map[string]string{"ADMIN_TOKEN": adminToken, "METRICS_TOKEN": "metrics-secret"}
	a, err := app.Start(t.Context(), cfg, func(key string) string { return env[key] })
	if err != nil {
		t.Fatalf("start app: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown() })
	return a
}

func get(t *testing.T, target string, clientID string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if clientID != "" {
		req.Header.Set("X-Client-Id", clientID)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func fastShutdownJSON() string {
	return `"shutdown": {"drain_ms": 1, "graceful_timeout_ms": 2000, "force_close_ms": 1}`
}
