package admin

import (
	"slices"
	"sync"
	"time"
)

const defaultHistoryLimit = 50

type Deploy struct {
	Version     string    `json:"version"`
	RequestedAt time.Time `json:"requested_at"`
	Duration    string    `json:"duration"`
	Source      string    `json:"source"`
	Result      string    `json:"result"`
	Error       string    `json:"error,omitempty"`
}

// History keeps the most recent deploy attempts, newest last.
type History struct {
	mu      sync.RWMutex
	entries []Deploy
	limit   int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{limit: limit}
}

func (h *History) Record(entry Deploy) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if overflow := len(h.entries) - h.limit; overflow > 0 {
		h.entries = slices.Delete(h.entries, 0, overflow)
	}
}

func (h *History) List() []Deploy {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.entries)
}

func (h *History) Latest() (Deploy, bool) {
	if h == nil {
		return Deploy{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return Deploy{}, false
	}
	return h.entries[len(h.entries)-1], true
}
