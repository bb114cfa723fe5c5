package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/fetch"
	"offline_portfolio/internal/obs"
	"offline_portfolio/internal/runtime"
)

var (
	ErrSeedFetch      = errors.New("seed fetch failed")
	ErrInvalidState   = errors.New("invalid worker state")
	ErrNotIntercepted = errors.New("request not intercepted")
	ErrNotActive      = errors.New("worker not active")
)

// DefaultManifest is the seed list cached on install.
var DefaultManifest = []string{"./", "./index.html", "./manifest.json"}

type Config struct {
	Version  string
	Origin   *url.URL
	Manifest []string
	Storage  *cache.Storage
	Fetcher  fetch.Fetcher
	// SeedFetcher serves install; nil falls back to Fetcher.
	SeedFetcher fetch.Fetcher
	Metrics     *obs.Metrics
	// Background tracks network legs that outlive their caller.
	Background *runtime.InflightTracker
	// RefreshTimeout bounds the network leg; zero leaves it unbounded.
	RefreshTimeout time.Duration
	// CoalesceRefresh lets concurrent legs for one key share a fetch. Each
	// worker keeps its own flights.
	CoalesceRefresh bool
}

type Worker struct {
	cfg       Config
	state     atomic.Int32
	coalescer *cache.Coalescer

	mu    sync.RWMutex
	store cache.Store
}

type networkResult struct {
	resp *cache.Response
	err  error
}

func New(cfg Config) *Worker {
	if cfg.Storage == nil {
		cfg.Storage = cache.NewStorage(nil)
	}
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest
	}
	if cfg.Metrics == nil {
		cfg.Metrics = obs.DefaultMetrics()
	}
	if cfg.Background == nil {
		cfg.Background = runtime.NewInflightTracker()
	}
	if cfg.SeedFetcher == nil {
		cfg.SeedFetcher = cfg.Fetcher
	}
	w := &Worker{cfg: cfg}
	if cfg.CoalesceRefresh {
		w.coalescer = cache.NewCoalescer(cache.DefaultMaxFlights)
	}
	return w
}

func (w *Worker) Version() string {
	if w == nil {
		return ""
	}
	return w.cfg.Version
}

func (w *Worker) State() State {
	if w == nil {
		return StateRedundant
	}
	return State(w.state.Load())
}

func (w *Worker) setState(state State) {
	w.state.Store(int32(state))
	w.report(state)
}

func (w *Worker) transition(from, to State) bool {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	w.report(to)
	return true
}

// report publishes state; redundant workers drop out of the gauge.
func (w *Worker) report(state State) {
	if state == StateRedundant {
		w.cfg.Metrics.ForgetWorker(w.cfg.Version)
		return
	}
	w.cfg.Metrics.SetWorkerState(w.cfg.Version, int(state))
}

// Retire marks the worker redundant. Its network legs keep running but no
// longer write into the store.
func (w *Worker) Retire() {
	if w == nil {
		return
	}
	w.setState(StateRedundant)
}

// Wait blocks until every background network leg has settled.
func (w *Worker) Wait(ctx context.Context) error {
	return w.cfg.Background.Wait(ctx)
}

// Install fetches every seed resource and, only if all of them succeed,
// writes them into the store named by the worker version.
func (w *Worker) Install(ctx context.Context) error {
	if w.cfg.Version == "" {
		return errors.New("worker version is empty")
	}
	if w.cfg.Fetcher == nil {
		return errors.New("worker fetcher is nil")
	}
	if !w.transition(StateUninstalled, StateInstalling) {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, w.State())
	}
	if err := w.install(ctx); err != nil {
		w.setState(StateRedundant)
		w.cfg.Metrics.RecordLifecycle("install", "fail")
		log.Printf("worker install failed version=%s error=%v", w.cfg.Version, err)
		return err
	}
	w.setState(StateInstalled)
	w.cfg.Metrics.RecordLifecycle("install", "ok")
	log.Printf("worker installed version=%s seeds=%d", w.cfg.Version, len(w.cfg.Manifest))
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	requests, err := w.seedRequests()
	if err != nil {
		return err
	}

	responses := make([]*cache.Response, len(requests))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, req := range requests {
		group.Go(func() error {
			resp, err := w.cfg.SeedFetcher.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrSeedFetch, req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s: status %d", ErrSeedFetch, req.URL, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return w.commit(requests, responses)
}

type undoEntry struct {
	key   string
	prior *cache.Response
	had   bool
}

func (w *Worker) commit(requests []*cache.Request, responses []*cache.Response) error {
	existed := w.cfg.Storage.Has(w.cfg.Version)
	store, err := w.cfg.Storage.Open(w.cfg.Version)
	if err != nil {
		return fmt.Errorf("%w: open store: %w", ErrSeedFetch, err)
	}

	undo := make([]undoEntry, 0, len(requests))
	for i, req := range requests {
		key := req.Key()
		prior, had := store.Get(key)
		if err := store.Set(key, responses[i]); err != nil {
			rollback(store, undo)
			if !existed {
				_, _ = w.cfg.Storage.Delete(w.cfg.Version)
			}
			return fmt.Errorf("%w: store %s: %w", ErrSeedFetch, req.URL, err)
		}
		undo = append(undo, undoEntry{key: key, prior: prior, had: had})
	}

	w.mu.Lock()
	w.store = store
	w.mu.Unlock()
	return nil
}

func rollback(store cache.Store, undo []undoEntry) {
	for i := len(undo) - 1; i >= 0; i-- {
		entry := undo[i]
		if entry.had {
			_ = store.Set(entry.key, entry.prior)
			continue
		}
		store.Delete(entry.key)
	}
}

func (w *Worker) seedRequests() ([]*cache.Request, error) {
	if w.cfg.Origin == nil {
		return nil, errors.New("worker origin is nil")
	}
	base := *w.cfg.Origin
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	requests := make([]*cache.Request, 0, len(w.cfg.Manifest))
	for _, entry := range w.cfg.Manifest {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: parse %q: %w", ErrSeedFetch, entry, err)
		}
		requests = append(requests, &cache.Request{Method: "GET", URL: base.ResolveReference(ref)})
	}
	return requests, nil
}

// Activate deletes every store whose name differs from the worker version.
// The worker ends up activated even when cleanup reports an error.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.transition(StateInstalled, StateActivating) {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, w.State())
	}
	err := w.cleanup(ctx)

	w.mu.Lock()
	if w.store == nil {
		if store, openErr := w.cfg.Storage.Open(w.cfg.Version); openErr == nil {
			w.store = store
		} else {
			err = errors.Join(err, openErr)
		}
	}
	w.mu.Unlock()

	if !w.transition(StateActivating, StateActivated) {
		return fmt.Errorf("%w: retired while activating", ErrInvalidState)
	}
	w.cfg.Metrics.SetActiveVersion(w.cfg.Version)
	if err != nil {
		w.cfg.Metrics.RecordLifecycle("activate", "partial")
		log.Printf("worker activated with cleanup errors version=%s error=%v", w.cfg.Version, err)
		return err
	}
	w.cfg.Metrics.RecordLifecycle("activate", "ok")
	log.Printf("worker activated version=%s", w.cfg.Version)
	return nil
}

func (w *Worker) cleanup(ctx context.Context) error {
	names, err := w.cfg.Storage.Names()
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == w.cfg.Version {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			errs = append(errs, ctxErr)
			break
		}
		if _, err := w.cfg.Storage.Delete(name); err != nil {
			errs = append(errs, fmt.Errorf("delete store %q: %w", name, err))
			continue
		}
		w.cfg.Metrics.ForgetWorker(name)
		log.Printf("deleted stale store name=%s current=%s", name, w.cfg.Version)
	}
	return errors.Join(errs...)
}

// Fetch answers a read with stale-while-revalidate: a cached response is
// returned at once, and the network leg refreshes the store either way.
func (w *Worker) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, Outcome, error) {
	if !req.IsRead() {
		return nil, OutcomeBypass, ErrNotIntercepted
	}
	if w.State() != StateActivated {
		return nil, OutcomeBypass, ErrNotActive
	}
	key := req.Key()
	path := ""
	if req.URL != nil {
		path = req.URL.Path
	}

	network := w.startNetwork(ctx, req, key)

	obs.MarkPhase(ctx, "cache_lookup")
	if cached, ok := w.lookup(key); ok {
		w.cfg.Metrics.RecordCacheLookup(path, string(OutcomeHit))
		return cached, OutcomeHit, nil
	}
	w.cfg.Metrics.RecordCacheLookup(path, string(OutcomeMiss))

	select {
	case result := <-network:
		return result.resp, OutcomeMiss, result.err
	case <-ctx.Done():
		return nil, OutcomeMiss, ctx.Err()
	}
}

func (w *Worker) lookup(key string) (*cache.Response, bool) {
	w.mu.RLock()
	store := w.store
	w.mu.RUnlock()
	if store == nil {
		return nil, false
	}
	return store.Get(key)
}

func (w *Worker) startNetwork(ctx context.Context, req *cache.Request, key string) <-chan networkResult {
	out := make(chan networkResult, 1)
	legCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if w.cfg.RefreshTimeout > 0 {
		legCtx, cancel = context.WithTimeout(legCtx, w.cfg.RefreshTimeout)
	}

	w.cfg.Background.Inc()
	go func() {
		defer w.cfg.Background.Dec()
		defer cancel()
		obs.MarkPhase(legCtx, "network_start")
		resp, err := w.revalidate(legCtx, req, key)
		obs.MarkPhase(legCtx, "network_end")
		out <- networkResult{resp: resp, err: err}
	}()
	return out
}

func (w *Worker) revalidate(ctx context.Context, req *cache.Request, key string) (*cache.Response, error) {
	start := time.Now()
	resp, shared, err := w.fetchNetwork(ctx, req, key)
	elapsed := time.Since(start)
	switch {
	case err != nil:
		w.cfg.Metrics.RecordRefresh("error", elapsed)
		log.Printf("network fetch failed version=%s url=%s error=%v", w.cfg.Version, req.URL, err)
		return nil, err
	case shared:
		w.cfg.Metrics.RecordRefresh("shared", elapsed)
		return resp, nil
	case !resp.OK():
		w.cfg.Metrics.RecordRefresh("not_ok", elapsed)
		return resp, nil
	case !cache.Storable(req.URL):
		w.cfg.Metrics.RecordRefresh("unstorable", elapsed)
		return resp, nil
	}

	w.put(key, resp.Clone())
	w.cfg.Metrics.RecordRefresh("stored", elapsed)
	return resp, nil
}

func (w *Worker) fetchNetwork(ctx context.Context, req *cache.Request, key string) (*cache.Response, bool, error) {
	flight, leader, ok := w.coalescer.Start(key)
	if ok && !leader {
		resp, err := w.coalescer.Wait(ctx, flight)
		return resp, true, err
	}
	resp, err := w.cfg.Fetcher.Fetch(ctx, req)
	if ok {
		w.coalescer.Finish(key, flight, resp.Clone(), err)
	}
	return resp, false, err
}

func (w *Worker) put(key string, resp *cache.Response) {
	if w.State() == StateRedundant {
		return
	}
	w.mu.RLock()
	store := w.store
	w.mu.RUnlock()
	if store == nil {
		return
	}
	if err := store.Set(key, resp); err != nil {
		w.cfg.Metrics.RecordCacheStoreFail(w.cfg.Version)
		log.Printf("cache write failed version=%s key=%s error=%v", w.cfg.Version, key, err)
	}
}
