package obs

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultPathTopK          = 100
	defaultRecomputeInterval = 10 * time.Second
)

// TopK bounds the path label to the most requested paths; everything else is
// reported as "other".
type TopK struct {
	mu            sync.Mutex
	counts        map[string]int64
	top           map[string]struct{}
	k             int
	interval      time.Duration
	lastRecompute time.Time
}

func NewTopK(k int, interval time.Duration) *TopK {
	if k <= 0 {
		k = defaultPathTopK
	}
	if interval <= 0 {
		interval = defaultRecomputeInterval
	}
	return &TopK{
		counts:   make(map[string]int64),
		top:      make(map[string]struct{}),
		k:        k,
		interval: interval,
	}
}

func (t *TopK) Observe(path string) {
	if t == nil || path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[path]++
	if len(t.top) < t.k {
		t.top[path] = struct{}{}
	}
	if time.Since(t.lastRecompute) >= t.interval {
		t.top = buildTop(t.counts, t.k)
		t.lastRecompute = time.Now()
	}
}

func (t *TopK) Canon(path string) string {
	if t == nil {
		return "other"
	}
	if path == "" {
		return "none"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.top[path]; ok {
		return path
	}
	return "other"
}

func buildTop(counts map[string]int64, limit int) map[string]struct{} {
	type pair struct {
		key   string
		count int64
	}
	items := make([]pair, 0, len(counts))
	for key, count := range counts {
		items = append(items, pair{key: key, count: count})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].count == items[j].count {
			return items[i].key < items[j].key
		}
		return items[i].count > items[j].count
	})

	if limit > len(items) {
		limit = len(items)
	}
	result := make(map[string]struct{}, limit)
	for i := 0; i < limit; i++ {
		result[items[i].key] = struct{}{}
	}
	return result
}
