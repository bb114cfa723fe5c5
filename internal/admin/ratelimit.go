package admin

import (
	"net"
	"sync"
	"time"
)

const (
	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 10
	defaultMaxFailures    = 20
	defaultBlockDuration  = 10 * time.Minute
)

type RateLimitConfig struct {
	RPS           int
	Burst         int
	MaxFailures   int
	BlockDuration time.Duration
	Now           func() time.Time
}

// RateLimiter throttles admin callers per source IP and locks out sources
// that keep failing authentication.
type RateLimiter struct {
	mu          sync.Mutex
	callers     map[string]*caller
	rate        float64
	burst       float64
	maxFailures int
	blockFor    time.Duration
	now         func() time.Time
}

type caller struct {
	tokens      float64
	refilledAt  time.Time
	failures    int
	blockedTill time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RPS <= 0 {
		cfg.RPS = defaultRateLimitRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultRateLimitBurst
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = defaultBlockDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{
		callers:     make(map[string]*caller),
		rate:        float64(cfg.RPS),
		burst:       float64(cfg.Burst),
		maxFailures: cfg.MaxFailures,
		blockFor:    cfg.BlockDuration,
		now:         cfg.Now,
	}
}

func (l *RateLimiter) callerLocked(addr string, now time.Time) *caller {
	ip := clientIP(addr)
	c := l.callers[ip]
	if c == nil {
		c = &caller{tokens: l.burst, refilledAt: now}
		l.callers[ip] = c
	}
	return c
}

func (l *RateLimiter) Allow(addr string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c := l.callerLocked(addr, now)
	if now.Before(c.blockedTill) {
		return false
	}
	c.tokens = min(l.burst, c.tokens+now.Sub(c.refilledAt).Seconds()*l.rate)
	c.refilledAt = now
	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

func (l *RateLimiter) RecordFailure(addr string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c := l.callerLocked(addr, now)
	if now.Before(c.blockedTill) {
		return
	}
	c.failures++
	if c.failures >= l.maxFailures {
		c.blockedTill = now.Add(l.blockFor)
		c.failures = 0
	}
}

func (l *RateLimiter) ResetFailures(addr string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c := l.callers[clientIP(addr)]; c != nil {
		c.failures = 0
	}
}

func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
