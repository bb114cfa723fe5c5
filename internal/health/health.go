// Package health tracks whether the origin is reachable, from periodic
// probes and from the outcome of real network legs.
package health

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	defaultPath                   = "/manifest.json"
	defaultInterval               = 10 * time.Second
	defaultTimeout                = 2 * time.Second
	defaultUnhealthyAfterFailures = 3
	defaultHealthyAfterSuccesses  = 1
)

type Config struct {
	Path                   string
	Interval               time.Duration
	Timeout                time.Duration
	UnhealthyAfterFailures int
	HealthyAfterSuccesses  int
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.UnhealthyAfterFailures <= 0 {
		c.UnhealthyAfterFailures = defaultUnhealthyAfterFailures
	}
	if c.HealthyAfterSuccesses <= 0 {
		c.HealthyAfterSuccesses = defaultHealthyAfterSuccesses
	}
	return c
}

// Monitor flips between online and offline after consecutive failures or
// successes. It starts online.
type Monitor struct {
	cfg      Config
	onChange func(online bool)

	mu        sync.Mutex
	online    bool
	failures  int
	successes int
	changedAt time.Time
	lastError string
}

type Snapshot struct {
	OriginOnline bool      `json:"origin_online"`
	ChangedAt    time.Time `json:"changed_at"`
	LastError    string    `json:"last_error,omitempty"`
}

func NewMonitor(cfg Config, onChange func(online bool)) *Monitor {
	m := &Monitor{cfg: cfg.withDefaults(), onChange: onChange, online: true, changedAt: time.Now()}
	if onChange != nil {
		onChange(true)
	}
	return m
}

func (m *Monitor) Online() bool {
	if m == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{OriginOnline: true}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{OriginOnline: m.online, ChangedAt: m.changedAt, LastError: m.lastError}
}

func (m *Monitor) RecordSuccess() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.failures = 0
	m.successes++
	flip := !m.online && m.successes >= m.cfg.HealthyAfterSuccesses
	if flip {
		m.setLocked(true)
	}
	m.mu.Unlock()
	if flip {
		m.notify(true)
	}
}

func (m *Monitor) RecordFailure(kind FailureKind, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.successes = 0
	m.failures++
	if err != nil {
		m.lastError = string(kind) + ": " + err.Error()
	}
	flip := m.online && m.failures >= m.cfg.UnhealthyAfterFailures
	if flip {
		m.setLocked(false)
	}
	m.mu.Unlock()
	if flip {
		m.notify(false)
	}
}

func (m *Monitor) setLocked(online bool) {
	m.online = online
	m.changedAt = time.Now()
	if online {
		m.lastError = ""
	}
}

func (m *Monitor) notify(online bool) {
	log.Printf("origin reachability changed online=%t", online)
	if m.onChange != nil {
		m.onChange(online)
	}
}

// Handler answers health checks. The edge keeps serving cached content while
// the origin is down, so the status code is always 200.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
