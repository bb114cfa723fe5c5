package obs

import (
	"sync"
	"time"
)

// rollingCounter keeps per-second buckets of network leg outcomes.
type rollingCounter struct {
	mu      sync.Mutex
	buckets []rollingBucket
	window  time.Duration
}

type rollingBucket struct {
	second   int64
	total    int
	failures int
}

func newRollingCounter(window time.Duration) *rollingCounter {
	if window <= 0 {
		window = 10 * time.Second
	}
	size := int(window.Seconds())
	if size < 1 {
		size = 1
	}
	return &rollingCounter{buckets: make([]rollingBucket, size), window: window}
}

func (r *rollingCounter) Record(failed bool) {
	if r == nil {
		return
	}
	now := time.Now().Unix()
	index := int(now % int64(len(r.buckets)))
	r.mu.Lock()
	bucket := r.buckets[index]
	if bucket.second != now {
		bucket = rollingBucket{second: now}
	}
	bucket.total++
	if failed {
		bucket.failures++
	}
	r.buckets[index] = bucket
	r.mu.Unlock()
}

func (r *rollingCounter) Counts() (int, int) {
	if r == nil {
		return 0, 0
	}
	maxAge := int64(r.window.Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	now := time.Now().Unix()
	var total int
	var failures int
	r.mu.Lock()
	for _, bucket := range r.buckets {
		if bucket.second == 0 {
			continue
		}
		if now-bucket.second < maxAge {
			total += bucket.total
			failures += bucket.failures
		}
	}
	r.mu.Unlock()
	return total, failures
}

// FailureRatio is failures over total inside the window, 0 when idle.
func (r *rollingCounter) FailureRatio() float64 {
	total, failures := r.Counts()
	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total)
}
