package cache

import (
	"context"
	"sync"
	"time"
)

const DefaultMaxFlights = 10000

// Flight is one in-progress network fetch shared by every caller that asked
// for the same key while it was running.
type Flight struct {
	done      chan struct{}
	result    *Response
	err       error
	startedAt time.Time
}

type Coalescer struct {
	mu         sync.Mutex
	flights    map[string]*Flight
	maxFlights int
}

func NewCoalescer(maxFlights int) *Coalescer {
	if maxFlights <= 0 {
		maxFlights = DefaultMaxFlights
	}
	return &Coalescer{flights: make(map[string]*Flight), maxFlights: maxFlights}
}

// Start joins or creates the flight for key. The second result is true for
// the leader, the third is false when coalescing is unavailable and the caller
// should fetch on its own.
func (c *Coalescer) Start(key string) (*Flight, bool, bool) {
	if c == nil {
		return nil, false, false
	}
	if key == "" {
		return nil, false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.flights[key]; ok {
		return existing, false, true
	}
	if c.maxFlights > 0 && len(c.flights) >= c.maxFlights {
		return nil, false, false
	}
	flight := &Flight{done: make(chan struct{}), startedAt: time.Now()}
	c.flights[key] = flight
	return flight, true, true
}

func (c *Coalescer) Finish(key string, flight *Flight, resp *Response, err error) {
	if c == nil || flight == nil {
		return
	}
	c.mu.Lock()
	if current, exists := c.flights[key]; exists && current == flight {
		delete(c.flights, key)
	}
	c.mu.Unlock()
	flight.result = resp
	flight.err = err
	close(flight.done)
}

// Wait blocks until the flight settles or ctx ends. Every follower receives
// its own clone of the leader's response.
func (c *Coalescer) Wait(ctx context.Context, flight *Flight) (*Response, error) {
	if flight == nil {
		return nil, ErrStoreMissing
	}
	select {
	case <-flight.done:
		return flight.result.Clone(), flight.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coalescer) Inflight() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
