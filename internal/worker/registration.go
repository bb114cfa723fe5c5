package worker

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/obs"
)

const (
	defaultClientIdleTimeout = 30 * time.Minute
	defaultMaxClients        = 10000
)

// Policy controls the handoff between an active worker and a newly installed
// one. SkipWaiting activates the new worker as soon as it installs instead of
// waiting for the active worker's clients to go away. ClaimClients makes the
// new worker take control of clients that had no controller.
type Policy struct {
	SkipWaiting  bool
	ClaimClients bool
}

func DefaultPolicy() Policy {
	return Policy{SkipWaiting: true, ClaimClients: true}
}

type Factory func(version string) *Worker

type Options struct {
	Policy            Policy
	Factory           Factory
	Storage           *cache.Storage
	Metrics           *obs.Metrics
	ClientIdleTimeout time.Duration
	// MaxClients caps the client table; the least recently seen client is
	// evicted to make room.
	MaxClients int
	Now        func() time.Time
}

type WorkerStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Clients int    `json:"clients"`
}

type Status struct {
	Active       *WorkerStatus `json:"active,omitempty"`
	Waiting      *WorkerStatus `json:"waiting,omitempty"`
	Installing   *WorkerStatus `json:"installing,omitempty"`
	Clients      int           `json:"clients"`
	Uncontrolled int           `json:"uncontrolled"`
	SkipWaiting  bool          `json:"skip_waiting"`
	ClaimClients bool          `json:"claim_clients"`
}

type client struct {
	controller *Worker
	lastSeen   time.Time
}

// Registration owns the worker generations and decides which worker controls
// each client.
type Registration struct {
	updateMu   sync.Mutex
	activateMu sync.Mutex

	mu          sync.Mutex
	policy      Policy
	newWorker   Factory
	storage     *cache.Storage
	metrics     *obs.Metrics
	idleTimeout time.Duration
	maxClients  int
	now         func() time.Time
	installing  *Worker
	waiting     *Worker
	active      *Worker
	clients     map[string]*client
}

func NewRegistration(opts Options) (*Registration, error) {
	if opts.Factory == nil {
		return nil, errors.New("worker factory is nil")
	}
	if opts.ClientIdleTimeout <= 0 {
		opts.ClientIdleTimeout = defaultClientIdleTimeout
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxClients
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registration{
		policy:      opts.Policy,
		newWorker:   opts.Factory,
		storage:     opts.Storage,
		metrics:     opts.Metrics,
		idleTimeout: opts.ClientIdleTimeout,
		maxClients:  opts.MaxClients,
		now:         opts.Now,
		clients:     make(map[string]*client),
	}, nil
}

// Update installs a worker for version. Depending on the policy it is
// activated right away or parked as the waiting worker.
func (r *Registration) Update(ctx context.Context, version string) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	if (r.active != nil && r.active.Version() == version) || (r.waiting != nil && r.waiting.Version() == version) {
		r.mu.Unlock()
		log.Printf("worker update skipped version=%s already registered", version)
		return nil
	}
	next := r.newWorker(version)
	if next == nil {
		r.mu.Unlock()
		return errors.New("worker factory returned nil")
	}
	r.installing = next
	r.mu.Unlock()

	err := next.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if r.waiting != nil {
		r.waiting.Retire()
	}
	r.waiting = next
	var promoted *Worker
	if r.active == nil || r.policy.SkipWaiting || r.controlledLocked(r.active) == 0 {
		promoted = r.promoteLocked()
	} else {
		log.Printf("worker waiting version=%s active=%s clients=%d", version, r.active.Version(), r.controlledLocked(r.active))
	}
	r.mu.Unlock()
	return r.activate(ctx, promoted)
}

// promoteLocked makes the waiting worker active and hands clients over. The
// caller activates the returned worker once r.mu is released, so store
// cleanup never blocks Connect.
func (r *Registration) promoteLocked() *Worker {
	next := r.waiting
	if next == nil {
		return nil
	}
	r.waiting = nil
	previous := r.active
	if previous != nil {
		previous.Retire()
	}
	r.active = next

	for _, c := range r.clients {
		switch {
		case c.controller != nil && c.controller == previous:
			c.controller = next
		case c.controller == nil && r.policy.ClaimClients:
			c.controller = next
		}
	}
	return next
}

// activate runs the promoted worker's activation. Activations are serialized,
// and a worker superseded before its turn is skipped.
func (r *Registration) activate(ctx context.Context, next *Worker) error {
	if next == nil {
		return nil
	}
	r.activateMu.Lock()
	defer r.activateMu.Unlock()
	if r.Active() != next {
		log.Printf("worker activation skipped version=%s superseded", next.Version())
		return nil
	}
	return next.Activate(ctx)
}

func (r *Registration) finishPromotion(next *Worker) {
	if err := r.activate(context.Background(), next); err != nil {
		log.Printf("worker promotion reported errors error=%v", err)
	}
}

func (r *Registration) controlledLocked(w *Worker) int {
	if w == nil {
		return 0
	}
	count := 0
	for _, c := range r.clients {
		if c.controller == w {
			count++
		}
	}
	return count
}

func (r *Registration) maybePromoteLocked() *Worker {
	if r.waiting == nil {
		return nil
	}
	if r.active != nil && r.controlledLocked(r.active) > 0 {
		return nil
	}
	return r.promoteLocked()
}

func (r *Registration) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, c := range r.clients {
		if oldestID == "" || c.lastSeen.Before(oldest) {
			oldestID, oldest = id, c.lastSeen
		}
	}
	if oldestID != "" {
		delete(r.clients, oldestID)
	}
}

// Connect registers activity for a client and returns its controller. A nil
// worker means the client is uncontrolled and must go to the network.
func (r *Registration) Connect(id string) *Worker {
	if r == nil || id == "" {
		return nil
	}
	r.mu.Lock()
	var promoted *Worker
	c, ok := r.clients[id]
	if !ok {
		if len(r.clients) >= r.maxClients {
			r.evictOldestLocked()
			promoted = r.maybePromoteLocked()
		}
		c = &client{controller: r.active}
		r.clients[id] = c
		r.metrics.SetClients(len(r.clients))
	}
	c.lastSeen = r.now()
	controller := c.controller
	r.mu.Unlock()

	r.finishPromotion(promoted)
	return controller
}

func (r *Registration) Disconnect(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.clients[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	r.metrics.SetClients(len(r.clients))
	promoted := r.maybePromoteLocked()
	r.mu.Unlock()

	r.finishPromotion(promoted)
}

// Sweep forgets clients idle for longer than the idle timeout and returns how
// many were dropped.
func (r *Registration) Sweep() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	cutoff := r.now().Add(-r.idleTimeout)
	dropped := 0
	for id, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, id)
			dropped++
		}
	}
	var promoted *Worker
	if dropped > 0 {
		r.metrics.SetClients(len(r.clients))
		promoted = r.maybePromoteLocked()
	}
	r.mu.Unlock()

	r.finishPromotion(promoted)
	return dropped
}

// Run sweeps idle clients every interval until ctx ends.
func (r *Registration) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registration) Active() *Worker {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{
		Active:       r.workerStatusLocked(r.active),
		Waiting:      r.workerStatusLocked(r.waiting),
		Installing:   r.workerStatusLocked(r.installing),
		Clients:      len(r.clients),
		SkipWaiting:  r.policy.SkipWaiting,
		ClaimClients: r.policy.ClaimClients,
	}
	for _, c := range r.clients {
		if c.controller == nil {
			status.Uncontrolled++
		}
	}
	return status
}

func (r *Registration) workerStatusLocked(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{Version: w.Version(), State: w.State().String(), Clients: r.controlledLocked(w)}
}

// Caches lists the stores currently held in storage.
func (r *Registration) Caches() ([]string, error) {
	if r == nil || r.storage == nil {
		return nil, cache.ErrStoreMissing
	}
	names, err := r.storage.Names()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
