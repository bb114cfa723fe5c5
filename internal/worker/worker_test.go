package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/fetch"
	"offline_portfolio/internal/obs"
	"offline_portfolio/internal/testutil"
)

const testOrigin = "http://origin.test/"

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func seededFetcher() *testutil.StaticFetcher {
	fetcher := testutil.NewStaticFetcher()
	fetcher.Set(testOrigin, http.StatusOK, "root")
	fetcher.Set(testOrigin+"index.html", http.StatusOK, "<html>index</html>")
	fetcher.Set(testOrigin+"manifest.json", http.StatusOK, `{"name":"portfolio"}`)
	return fetcher
}

func newTestWorker(t *testing.T, version string, storage *cache.Storage, fetcher fetch.Fetcher) *Worker {
	t.Helper()
	return New(Config{
		Version: version,
		Origin:  mustURL(t, testOrigin),
		Storage: storage,
		Fetcher: fetcher,
	})
}

func readRequest(t *testing.T, raw string) *cache.Request {
	t.Helper()
	return &cache.Request{Method: http.MethodGet, URL: mustURL(t, raw)}
}

func storeKeys(t *testing.T, storage *cache.Storage, name string) []string {
	t.Helper()
	store, err := storage.Open(name)
	if err != nil {
		t.Fatalf("open store %q: %v", name, err)
	}
	return store.Keys()
}

func activeWorker(t *testing.T, storage *cache.Storage, fetcher fetch.Fetcher, seed map[string]string) *Worker {
	t.Helper()
	store, err := storage.Open("portfolio-v1")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for raw, body := range seed {
		key := readRequest(t, raw).Key()
		if err := store.Set(key, &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body), URL: raw}); err != nil {
			t.Fatalf("seed %s: %v", raw, err)
		}
	}
	w := New(Config{
		Version:  "portfolio-v1",
		Origin:   mustURL(t, testOrigin),
		Manifest: []string{},
		Storage:  storage,
		Fetcher:  fetcher,
	})
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return w
}

func TestInstallSeedsManifestIdempotently(t *testing.T) {
	once := cache.NewStorage(nil)
	if err := newTestWorker(t, "portfolio-v1", once, seededFetcher()).Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	twice := cache.NewStorage(nil)
	for i := 0; i < 2; i++ {
		if err := newTestWorker(t, "portfolio-v1", twice, seededFetcher()).Install(context.Background()); err != nil {
			t.Fatalf("install %d: %v", i, err)
		}
	}

	first := storeKeys(t, once, "portfolio-v1")
	second := storeKeys(t, twice, "portfolio-v1")
	if len(first) != 3 {
		t.Fatalf("expected 3 seeded keys, got %v", first)
	}
	if !slices.Equal(first, second) {
		t.Fatalf("repeated install changed key set: %v vs %v", first, second)
	}
}

func TestInstallIsAtomicOnSeedFailure(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := seededFetcher()
	fetcher.Fail(testOrigin+"manifest.json", errors.New("connection refused"))

	w := newTestWorker(t, "portfolio-v1", storage, fetcher)
	err := w.Install(context.Background())
	if !errors.Is(err, ErrSeedFetch) {
		t.Fatalf("expected ErrSeedFetch, got %v", err)
	}
	if storage.Has("portfolio-v1") {
		t.Fatalf("failed install created a store")
	}
	if w.State() != StateRedundant {
		t.Fatalf("expected redundant worker, got %s", w.State())
	}
}

func TestInstallFailsOnNonOKSeed(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := seededFetcher()
	fetcher.Set(testOrigin+"index.html", http.StatusServiceUnavailable, "down")

	err := newTestWorker(t, "portfolio-v1", storage, fetcher).Install(context.Background())
	if !errors.Is(err, ErrSeedFetch) {
		t.Fatalf("expected ErrSeedFetch, got %v", err)
	}
	if storage.Has("portfolio-v1") {
		t.Fatalf("failed install created a store")
	}
}

func TestInstallRollsBackPartialCommit(t *testing.T) {
	storage := cache.NewStorage(cache.NewMemoryBackend(16))
	store, _ := storage.Open("portfolio-v1")
	rootKey := readRequest(t, testOrigin).Key()
	_ = store.Set(rootKey, &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("old")})

	fetcher := seededFetcher()
	fetcher.Set(testOrigin+"big.bin", http.StatusOK, "this body is far too large for the store")
	w := New(Config{
		Version:  "portfolio-v1",
		Origin:   mustURL(t, testOrigin),
		Manifest: []string{"./", "./index.html", "./big.bin"},
		Storage:  storage,
		Fetcher:  fetcher,
	})
	if err := w.Install(context.Background()); !errors.Is(err, ErrSeedFetch) {
		t.Fatalf("expected ErrSeedFetch, got %v", err)
	}

	keys := store.Keys()
	if len(keys) != 1 || keys[0] != rootKey {
		t.Fatalf("expected only the prior entry to survive, got %v", keys)
	}
	prior, _ := store.Get(rootKey)
	if string(prior.Body) != "old" {
		t.Fatalf("prior entry not restored: %q", prior.Body)
	}
}

func TestInstallRollbackRemovesNewStore(t *testing.T) {
	storage := cache.NewStorage(cache.NewMemoryBackend(16))
	fetcher := seededFetcher()
	fetcher.Set(testOrigin+"big.bin", http.StatusOK, "this body is far too large for the store")
	w := New(Config{
		Version:  "portfolio-v1",
		Origin:   mustURL(t, testOrigin),
		Manifest: []string{"./", "./big.bin"},
		Storage:  storage,
		Fetcher:  fetcher,
	})
	if err := w.Install(context.Background()); err == nil {
		t.Fatalf("expected install failure")
	}
	if storage.Has("portfolio-v1") {
		t.Fatalf("store created by failed install was kept")
	}
}

func TestActivateDeletesOtherStores(t *testing.T) {
	storage := cache.NewStorage(nil)
	for _, name := range []string{"portfolio-v0", "scratch"} {
		store, _ := storage.Open(name)
		_ = store.Set("k", &cache.Response{Status: http.StatusOK})
	}

	w := newTestWorker(t, "portfolio-v1", storage, seededFetcher())
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	names, _ := storage.Names()
	if !slices.Equal(names, []string{"portfolio-v1"}) {
		t.Fatalf("unexpected stores after activate: %v", names)
	}
	if got := len(storeKeys(t, storage, "portfolio-v1")); got != 3 {
		t.Fatalf("current store lost entries: %d", got)
	}
	if w.State() != StateActivated {
		t.Fatalf("expected activated, got %s", w.State())
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	w := newTestWorker(t, "portfolio-v1", cache.NewStorage(nil), seededFetcher())
	if err := w.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestFetchPrefersCacheOverPendingNetwork(t *testing.T) {
	release := make(chan struct{})
	w := activeWorker(t, cache.NewStorage(nil), testutil.BlockingFetcher(release), map[string]string{
		testOrigin + "art.png": "cached",
	})
	t.Cleanup(func() {
		close(release)
		_ = w.Wait(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, outcome, err := w.Fetch(ctx, readRequest(t, testOrigin+"art.png"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if outcome != OutcomeHit || string(resp.Body) != "cached" {
		t.Fatalf("expected cached hit, got %s %q", outcome, resp.Body)
	}
}

func TestFetchRefreshesStoreInBackground(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := testutil.NewStaticFetcher()
	fetcher.Set(testOrigin+"art.png", http.StatusOK, "fresh")
	w := activeWorker(t, storage, fetcher, map[string]string{testOrigin + "art.png": "stale"})

	req := readRequest(t, testOrigin+"art.png")
	resp, outcome, err := w.Fetch(context.Background(), req)
	if err != nil || outcome != OutcomeHit || string(resp.Body) != "stale" {
		t.Fatalf("expected stale hit, got %s %v %v", outcome, resp, err)
	}

	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	store, _ := storage.Open("portfolio-v1")
	refreshed, ok := store.Get(req.Key())
	if !ok || string(refreshed.Body) != "fresh" {
		t.Fatalf("store not refreshed: %v", refreshed)
	}

	resp, _, _ = w.Fetch(context.Background(), req)
	if string(resp.Body) != "fresh" {
		t.Fatalf("second read served %q", resp.Body)
	}
	_ = w.Wait(context.Background())
}

func TestFetchPassesThroughErrorStatusWithoutCaching(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := testutil.NewStaticFetcher()
	fetcher.Set(testOrigin+"broken", http.StatusInternalServerError, "boom")
	w := activeWorker(t, storage, fetcher, nil)

	req := readRequest(t, testOrigin+"broken")
	resp, outcome, err := w.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if outcome != OutcomeMiss || resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 miss, got %s %d", outcome, resp.Status)
	}
	_ = w.Wait(context.Background())

	store, _ := storage.Open("portfolio-v1")
	if _, ok := store.Get(req.Key()); ok {
		t.Fatalf("error response was cached")
	}
}

func TestFetchMissWithNetworkFailure(t *testing.T) {
	fetcher := testutil.NewStaticFetcher()
	fetcher.Fail(testOrigin+"offline", errors.New("no route to host"))
	w := activeWorker(t, cache.NewStorage(nil), fetcher, nil)

	resp, outcome, err := w.Fetch(context.Background(), readRequest(t, testOrigin+"offline"))
	if err == nil || resp != nil {
		t.Fatalf("expected network error, got %v %v", resp, err)
	}
	if outcome != OutcomeMiss {
		t.Fatalf("expected miss, got %s", outcome)
	}
}

func TestFetchHitSurvivesNetworkFailure(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := testutil.NewStaticFetcher()
	fetcher.Fail(testOrigin+"art.png", errors.New("offline"))
	w := activeWorker(t, storage, fetcher, map[string]string{testOrigin + "art.png": "cached"})

	resp, outcome, err := w.Fetch(context.Background(), readRequest(t, testOrigin+"art.png"))
	if err != nil || outcome != OutcomeHit || string(resp.Body) != "cached" {
		t.Fatalf("expected cached hit, got %s %v %v", outcome, resp, err)
	}
	_ = w.Wait(context.Background())
	store, _ := storage.Open("portfolio-v1")
	kept, _ := store.Get(readRequest(t, testOrigin+"art.png").Key())
	if string(kept.Body) != "cached" {
		t.Fatalf("entry changed after failed refresh: %q", kept.Body)
	}
}

func TestFetchRejectsNonReads(t *testing.T) {
	w := activeWorker(t, cache.NewStorage(nil), testutil.NewStaticFetcher(), nil)
	req := readRequest(t, testOrigin+"api/contact")
	req.Method = http.MethodPost
	if _, outcome, err := w.Fetch(context.Background(), req); !errors.Is(err, ErrNotIntercepted) || outcome != OutcomeBypass {
		t.Fatalf("expected bypass, got %s %v", outcome, err)
	}
}

func TestFetchRequiresActivation(t *testing.T) {
	w := newTestWorker(t, "portfolio-v1", cache.NewStorage(nil), seededFetcher())
	if _, _, err := w.Fetch(context.Background(), readRequest(t, testOrigin)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestFetchNeverStoresNonNetworkScheme(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := testutil.NewStaticFetcher()
	fetcher.Set("chrome-extension://abc/script.js", http.StatusOK, "ext")
	w := activeWorker(t, storage, fetcher, nil)

	req := readRequest(t, "chrome-extension://abc/script.js")
	resp, _, err := w.Fetch(context.Background(), req)
	if err != nil || string(resp.Body) != "ext" {
		t.Fatalf("expected network response, got %v %v", resp, err)
	}
	_ = w.Wait(context.Background())
	store, _ := storage.Open("portfolio-v1")
	if store.Len() != 0 {
		t.Fatalf("non-network scheme was stored: %v", store.Keys())
	}
}

func TestRetiredWorkerDoesNotWrite(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := testutil.NewStaticFetcher()
	fetcher.Set(testOrigin+"late", http.StatusOK, "late")
	fetcher.SetDelay(50 * time.Millisecond)
	w := activeWorker(t, storage, fetcher, map[string]string{testOrigin + "late": "cached"})

	if _, _, err := w.Fetch(context.Background(), readRequest(t, testOrigin+"late")); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	w.Retire()
	_ = w.Wait(context.Background())

	store, _ := storage.Open("portfolio-v1")
	kept, _ := store.Get(readRequest(t, testOrigin+"late").Key())
	if string(kept.Body) != "cached" {
		t.Fatalf("retired worker wrote %q", kept.Body)
	}
}

func TestCoalescedRefreshSharesUpstreamFetch(t *testing.T) {
	storage := cache.NewStorage(nil)
	fetcher := testutil.NewStaticFetcher()
	fetcher.Set(testOrigin+"hot", http.StatusOK, "hot")
	fetcher.SetDelay(100 * time.Millisecond)

	w := New(Config{
		Version:         "portfolio-v1",
		Origin:          mustURL(t, testOrigin),
		Manifest:        []string{},
		Storage:         storage,
		Fetcher:         fetcher,
		CoalesceRefresh: true,
	})
	_ = w.Install(context.Background())
	_ = w.Activate(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := w.Fetch(context.Background(), readRequest(t, testOrigin+"hot"))
			if err != nil || string(resp.Body) != "hot" {
				t.Errorf("unexpected response %v %v", resp, err)
			}
		}()
	}
	wg.Wait()
	_ = w.Wait(context.Background())

	if calls := fetcher.Calls(testOrigin + "hot"); calls > 2 {
		t.Fatalf("expected coalesced upstream fetches, got %d", calls)
	}
}

func TestCoalescedRefreshLandsInCurrentStore(t *testing.T) {
	storage := cache.NewStorage(nil)
	gate := make(chan struct{})
	fetcher := testutil.NewStaticFetcher()
	fetcher.Set(testOrigin+"art.png", http.StatusOK, "fresh")
	fetcher.Hold(gate)
	build := func(version string) *Worker {
		w := New(Config{
			Version:         version,
			Origin:          mustURL(t, testOrigin),
			Manifest:        []string{},
			Storage:         storage,
			Fetcher:         fetcher,
			CoalesceRefresh: true,
		})
		if err := w.Install(context.Background()); err != nil {
			t.Fatalf("install %s: %v", version, err)
		}
		return w
	}
	waitCalls := func(want int) {
		testutil.Eventually(t, 0, func() error {
			if got := fetcher.Calls(testOrigin + "art.png"); got != want {
				return fmt.Errorf("%d upstream fetches, want %d", got, want)
			}
			return nil
		})
	}

	previous := build("portfolio-v1")
	_ = previous.Activate(context.Background())
	req := readRequest(t, testOrigin+"art.png")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, _ = previous.Fetch(context.Background(), req)
	}()
	waitCalls(1)
	previous.Retire()

	current := build("portfolio-v2")
	if err := current.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	var resp *cache.Response
	var fetchErr error
	go func() {
		defer wg.Done()
		resp, _, fetchErr = current.Fetch(context.Background(), req)
	}()
	waitCalls(2)
	close(gate)
	wg.Wait()
	testutil.Settle(t, previous)
	testutil.Settle(t, current)

	if fetchErr != nil || resp == nil || resp.Status != http.StatusOK {
		t.Fatalf("expected fresh 200, got %v %v", resp, fetchErr)
	}
	store, _ := storage.Open("portfolio-v2")
	stored, ok := store.Get(req.Key())
	if !ok || string(stored.Body) != "fresh" {
		t.Fatalf("fresh response missing from current store: %v", stored)
	}
}

func scrapeMetrics(t *testing.T, metrics *obs.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestRetiredWorkerLeavesStateGauge(t *testing.T) {
	metrics := obs.NewMetrics(obs.MetricsConfig{})
	w := New(Config{
		Version: "portfolio-v1",
		Origin:  mustURL(t, testOrigin),
		Storage: cache.NewStorage(nil),
		Fetcher: seededFetcher(),
		Metrics: metrics,
	})
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	_ = w.Activate(context.Background())
	series := `portfolio_worker_state{version="portfolio-v1"}`
	if !strings.Contains(scrapeMetrics(t, metrics), series) {
		t.Fatalf("active worker missing from state gauge")
	}
	w.Retire()
	if strings.Contains(scrapeMetrics(t, metrics), series) {
		t.Fatalf("retired worker still exported")
	}
}

func TestActivateForgetsDeletedVersions(t *testing.T) {
	metrics := obs.NewMetrics(obs.MetricsConfig{})
	storage := cache.NewStorage(nil)
	_, _ = storage.Open("portfolio-v0")
	metrics.SetWorkerState("portfolio-v0", int(StateActivated))

	w := New(Config{
		Version: "portfolio-v1",
		Origin:  mustURL(t, testOrigin),
		Storage: storage,
		Fetcher: seededFetcher(),
		Metrics: metrics,
	})
	_ = w.Install(context.Background())
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if strings.Contains(scrapeMetrics(t, metrics), `version="portfolio-v0"`) {
		t.Fatalf("deleted store still has a state series")
	}
}

func TestStateString(t *testing.T) {
	if StateActivated.String() != "activated" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}

func TestInstallUsesSeedFetcher(t *testing.T) {
	storage := cache.NewStorage(nil)
	seeds := seededFetcher()
	runtimeFetcher := testutil.NewStaticFetcher()
	w := New(Config{
		Version:     "portfolio-v1",
		Origin:      mustURL(t, testOrigin),
		Storage:     storage,
		Fetcher:     runtimeFetcher,
		SeedFetcher: seeds,
	})
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if seeds.Calls(testOrigin+"index.html") != 1 {
		t.Fatalf("seed fetcher not used for install")
	}
	if runtimeFetcher.Calls(testOrigin+"index.html") != 0 {
		t.Fatalf("runtime fetcher used during install")
	}
}
