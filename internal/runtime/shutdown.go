package runtime

import (
	"context"
	"fmt"
	"time"

	"offline_portfolio/internal/config"
)

// ShutdownConfig times the staged stop of a listener and the wait for
// network legs that workers left running in the background.
type ShutdownConfig struct {
	Drain           time.Duration
	GracefulTimeout time.Duration
	ForceClose      time.Duration
	// RefreshWait bounds how long shutdown lets detached refreshes finish
	// writing into the store.
	RefreshWait time.Duration
}

var shutdownDefaults = ShutdownConfig{
	Drain:           2 * time.Second,
	GracefulTimeout: 5 * time.Second,
	ForceClose:      2 * time.Second,
	RefreshWait:     3 * time.Second,
}

func ShutdownFromConfig(cfg config.ShutdownConfig) (ShutdownConfig, error) {
	out := shutdownDefaults
	fields := []struct {
		name string
		ms   int
		dst  *time.Duration
	}{
		{"drain_ms", cfg.DrainMS, &out.Drain},
		{"graceful_timeout_ms", cfg.GracefulTimeoutMS, &out.GracefulTimeout},
		{"force_close_ms", cfg.ForceCloseMS, &out.ForceClose},
		{"refresh_wait_ms", cfg.RefreshWaitMS, &out.RefreshWait},
	}
	for _, field := range fields {
		if field.ms < 0 {
			return ShutdownConfig{}, fmt.Errorf("shutdown.%s must be non-negative", field.name)
		}
		if field.ms > 0 {
			*field.dst = time.Duration(field.ms) * time.Millisecond
		}
	}
	return out, nil
}

// WithDefaults fills every unset timing.
func (c ShutdownConfig) WithDefaults() ShutdownConfig {
	if c.Drain <= 0 {
		c.Drain = shutdownDefaults.Drain
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = shutdownDefaults.GracefulTimeout
	}
	if c.ForceClose <= 0 {
		c.ForceClose = shutdownDefaults.ForceClose
	}
	if c.RefreshWait <= 0 {
		c.RefreshWait = shutdownDefaults.RefreshWait
	}
	return c
}

// WaitRefreshes blocks until refreshes drains or RefreshWait passes.
func (c ShutdownConfig) WaitRefreshes(refreshes *InflightTracker) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.WithDefaults().RefreshWait)
	defer cancel()
	if err := refreshes.Wait(ctx); err != nil {
		return fmt.Errorf("%d refreshes still running: %w", refreshes.Count(), err)
	}
	return nil
}
