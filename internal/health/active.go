package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Run probes base+Path every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, base *url.URL) {
	if m == nil || base == nil {
		return
	}
	client := &http.Client{Timeout: m.cfg.Timeout}
	target := base.JoinPath(strings.TrimPrefix(m.cfg.Path, "/"))

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			client.CloseIdleConnections()
			return
		case <-ticker.C:
			m.Probe(ctx, client, target)
		}
	}
}

// Probe runs one check and records its outcome.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, target *url.URL) {
	defer func() {
		if r := recover(); r != nil {
			m.RecordFailure(FailureProbe, fmt.Errorf("probe panic: %v", r))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		m.RecordFailure(FailureProbe, err)
		return
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.RecordFailure(Classify(err), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		m.RecordSuccess()
		return
	}
	m.RecordFailure(FailureStatus, fmt.Errorf("status %d", resp.StatusCode))
}
