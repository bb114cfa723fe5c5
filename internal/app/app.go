// Package app assembles the portfolio edge: the origin site, the caching
// edge in front of it, and the admin and control planes that deploy new
// cache versions.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"offline_portfolio/internal/admin"
	"offline_portfolio/internal/cache"
	"offline_portfolio/internal/config"
	"offline_portfolio/internal/control"
	"offline_portfolio/internal/fetch"
	"offline_portfolio/internal/gallery"
	"offline_portfolio/internal/health"
	"offline_portfolio/internal/limits"
	"offline_portfolio/internal/obs"
	"offline_portfolio/internal/proxy"
	"offline_portfolio/internal/retry"
	"offline_portfolio/internal/runtime"
	"offline_portfolio/internal/server"
	"offline_portfolio/internal/site"
	"offline_portfolio/internal/worker"
)

const (
	minSweepInterval = time.Second
	seedRetryPercent = 20
	seedRetryBurst   = 10
)

type App struct {
	Metrics      *obs.Metrics
	Storage      *cache.Storage
	Registration *worker.Registration
	Service      *admin.Service
	Origin       *url.URL
	Health       *health.Monitor

	edge        *server.Server
	origin      *server.Server
	admin       *server.Server
	control     *control.Listener
	background  *runtime.InflightTracker
	fetcher     *fetch.HTTPFetcher
	backend     cache.Backend
	stopLoops   context.CancelFunc
	shutdown    runtime.ShutdownConfig

	shutdownOnce sync.Once
	shutdownErr  error
}

// Start builds every component from cfg and opens its listeners. getenv
// supplies secrets; nil means os.Getenv.
func Start(ctx context.Context, cfg *config.Config, getenv func(string) string) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	limitConfig, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("limits: %w", err)
	}
	shutdownConfig, err := runtime.ShutdownFromConfig(cfg.Shutdown)
	if err != nil {
		return nil, fmt.Errorf("shutdown: %w", err)
	}

	a := &App{background: runtime.NewInflightTracker(), shutdown: shutdownConfig}
	ok := false
	defer func() {
		if !ok {
			a.Shutdown()
		}
	}()

	a.Metrics = obs.NewMetrics(metricsConfig(cfg.Metrics))
	obs.SetDefaultMetrics(a.Metrics)

	a.backend, err = cache.OpenBackend(cfg.Cache.StorageDSN, cfg.Cache.MaxObjectBytes)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.Storage = cache.NewStorage(a.backend)

	if err := a.startOrigin(cfg, limitConfig); err != nil {
		return nil, err
	}

	a.fetcher = fetch.NewHTTPFetcher(fetch.Config{
		DialTimeout:           millis(cfg.Upstream.DialTimeoutMS),
		ResponseHeaderTimeout: millis(cfg.Upstream.ResponseHeaderTimeoutMS),
		MaxBodyBytes:          cfg.Upstream.MaxBodyBytes,
	})
	a.Health = health.NewMonitor(health.Config{
		Path:                   cfg.Health.Path,
		Interval:               millis(cfg.Health.IntervalMS),
		Timeout:                millis(cfg.Health.TimeoutMS),
		UnhealthyAfterFailures: cfg.Health.UnhealthyAfterFailures,
		HealthyAfterSuccesses:  cfg.Health.HealthyAfterSuccesses,
	}, a.Metrics.SetOriginUp)
	a.Registration, err = worker.NewRegistration(worker.Options{
		Policy: worker.Policy{
			SkipWaiting:  cfg.Cache.SkipWaitingEnabled(),
			ClaimClients: cfg.Cache.ClaimClientsEnabled(),
		},
		Factory:           a.workerFactory(cfg.Cache),
		Storage:           a.Storage,
		Metrics:           a.Metrics,
		ClientIdleTimeout: millis(cfg.Cache.ClientIdleTimeoutMS),
		MaxClients:        cfg.Cache.MaxClients,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Registration.Update(ctx, cfg.Cache.Version); err != nil {
		// Clients stay uncontrolled and go to the network until a deploy succeeds.
		log.Printf("initial install failed version=%s error=%v", cfg.Cache.Version, err)
	}
	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	a.stopLoops = stopLoops
	go a.Registration.Run(loopCtx, sweepInterval(cfg.Cache.ClientIdleTimeoutMS))
	go a.Health.Run(loopCtx, a.Origin)

	if cfg.AdminListenAddr != "" || cfg.ControlListenAddr != "" {
		if err := a.startAdmin(cfg, getenv, limitConfig); err != nil {
			return nil, err
		}
	}
	if err := a.startEdge(cfg, getenv, limitConfig); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *App) startOrigin(cfg *config.Config, limitConfig limits.Limits) error {
	if cfg.OriginURL != "" {
		origin, err := url.Parse(cfg.OriginURL)
		if err != nil {
			return fmt.Errorf("origin_url: %w", err)
		}
		a.Origin = origin
		return nil
	}
	viewer := gallery.NewViewer(gallery.Generate(cfg.Gallery.Count))
	handler, err := site.NewHandler(viewer, site.DefaultManifest())
	if err != nil {
		return fmt.Errorf("site: %w", err)
	}
	srv, err := server.Start(handler, server.Options{
		Name:     "origin",
		HTTPAddr: cfg.OriginListenAddr,
		Limits:   limitConfig,
		Shutdown: a.shutdown,
	})
	if err != nil {
		return fmt.Errorf("start origin: %w", err)
	}
	a.origin = srv
	a.Origin = &url.URL{Scheme: "http", Host: srv.HTTPAddr, Path: "/"}
	return nil
}

func (a *App) workerFactory(cacheCfg config.CacheConfig) worker.Factory {
	manifest := cacheCfg.SeedManifest
	network := health.ObserveFetcher(a.Health, a.fetcher)
	// One retry budget is shared by every install.
	seeds := retry.NewFetcher(network, retry.Config{
		Attempts: cacheCfg.InstallAttempts,
		Budget:   retry.NewBudget(seedRetryPercent, max(seedRetryBurst, len(manifest)*cacheCfg.InstallAttempts)),
		OnRetry:  a.Metrics.RecordSeedRetry,
	})
	return func(version string) *worker.Worker {
		return worker.New(worker.Config{
			Version:         version,
			Origin:          a.Origin,
			Manifest:        manifest,
			Storage:         a.Storage,
			Fetcher:         network,
			SeedFetcher:     seeds,
			Metrics:         a.Metrics,
			Background:      a.background,
			RefreshTimeout:  millis(cacheCfg.RefreshTimeoutMS),
			CoalesceRefresh: cacheCfg.CoalesceRefresh,
		})
	}
}

func (a *App) startAdmin(cfg *config.Config, getenv func(string) string, limitConfig limits.Limits) error {
	certFile, keyFile, clientCAFile := cfg.AdminTLS()
	auth, err := admin.NewAuthenticator(admin.AuthConfig{
		Token:        getenv(cfg.AdminTokenEnv()),
		ClientCAFile: clientCAFile,
	})
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	var adminTLS *tls.Config
	if certFile != "" {
		adminTLS, err = admin.TLSConfig(certFile, keyFile, clientCAFile)
		if err != nil {
			return fmt.Errorf("admin tls: %w", err)
		}
	}
	limiter := admin.NewRateLimiter(admin.RateLimitConfig{})
	a.Service = admin.NewService(a.Registration, admin.NewHistory(0), 0)

	if cfg.AdminListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/admin/", admin.NewHandler(admin.HandlerConfig{
			Service:     a.Service,
			Auth:        auth,
			RateLimiter: limiter,
		}))
		mux.Handle("/metrics", server.RequireBearerToken(a.Metrics.Handler(), true, cfg.MetricsToken(getenv)))
		opts := server.Options{Name: "admin", Limits: limitConfig, Shutdown: a.shutdown, TLS: adminTLS}
		if adminTLS != nil {
			opts.TLSAddr = cfg.AdminListenAddr
		} else {
			opts.HTTPAddr = cfg.AdminListenAddr
		}
		a.admin, err = server.Start(mux, opts)
		if err != nil {
			return fmt.Errorf("start admin: %w", err)
		}
	}

	if cfg.ControlListenAddr != "" {
		var controlTLS *tls.Config
		if adminTLS != nil {
			controlTLS = adminTLS.Clone()
			controlTLS.NextProtos = []string{"h2"}
			if controlTLS.ClientCAs != nil {
				controlTLS.ClientAuth = tls.RequireAndVerifyClientCert
			}
		}
		a.control, err = control.Start(cfg.ControlListenAddr, control.NewServer(a.Service), control.Options{
			Auth:        auth,
			RateLimiter: limiter,
			TLS:         controlTLS,
		})
		if err != nil {
			return fmt.Errorf("start control: %w", err)
		}
		log.Printf("control listening on %s", a.control.Addr)
	}
	return nil
}

func (a *App) startEdge(cfg *config.Config, getenv func(string) string, limitConfig limits.Limits) error {
	engine := proxy.NewEngine(a.Origin, nil)
	requests := runtime.NewInflightTracker()
	handler := &proxy.Handler{
		Registration: a.Registration,
		Engine:       engine,
		Metrics:      a.Metrics,
		Limits:       limitConfig,
		Inflight:     requests,
	}

	mux := http.NewServeMux()
	if a.admin == nil {
		mux.Handle("/metrics", server.RequireBearerToken(a.Metrics.Handler(), true, cfg.MetricsToken(getenv)))
	}
	mux.Handle("/healthz", a.Health.Handler())
	mux.Handle("/", handler)

	opts := server.Options{
		Name:     "edge",
		HTTPAddr: cfg.ListenAddr,
		Limits:   limitConfig,
		Shutdown: a.shutdown,
		Inflight: requests,
		Stoppers: []server.Stopper{
			server.StopFunc(func(context.Context) error {
				a.stopLoops()
				return nil
			}),
		},
		CloseIdle: []func(){engine.CloseIdleConnections},
	}
	if cfg.TLS != nil {
		tlsCfg, err := server.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("edge tls: %w", err)
		}
		opts.TLSAddr = cfg.TLS.ListenAddr
		opts.TLS = tlsCfg
	}
	srv, err := server.Start(mux, opts)
	if err != nil {
		return fmt.Errorf("start edge: %w", err)
	}
	a.edge = srv
	return nil
}

func (a *App) EdgeAddr() string {
	if a == nil || a.edge == nil {
		return ""
	}
	return a.edge.HTTPAddr
}

func (a *App) EdgeTLSAddr() string {
	if a == nil || a.edge == nil {
		return ""
	}
	return a.edge.TLSAddr
}

func (a *App) AdminAddr() string {
	if a == nil || a.admin == nil {
		return ""
	}
	if a.admin.TLSAddr != "" {
		return a.admin.TLSAddr
	}
	return a.admin.HTTPAddr
}

func (a *App) ControlAddr() string {
	if a == nil || a.control == nil {
		return ""
	}
	return a.control.Addr
}

// Shutdown drains the edge first so no new network legs start, then waits
// for background refreshes before closing the admin planes and the origin.
// The storage backend closes last.
func (a *App) Shutdown() error {
	if a == nil {
		return nil
	}
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdownSequence()
	})
	return a.shutdownErr
}

func (a *App) shutdownSequence() error {
	var errs []error
	if err := a.edge.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("edge: %w", err))
	}
	if a.stopLoops != nil {
		a.stopLoops()
	}

	if err := a.shutdown.WaitRefreshes(a.background); err != nil {
		errs = append(errs, fmt.Errorf("background refreshes: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdown.GracefulTimeout)
	defer cancel()
	if err := a.control.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("control: %w", err))
	}
	if err := a.admin.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("admin: %w", err))
	}
	if a.fetcher != nil {
		a.fetcher.CloseIdleConnections()
	}
	if err := a.origin.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("origin: %w", err))
	}
	if closer, ok := a.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

func metricsConfig(cfg *config.MetricsConfig) obs.MetricsConfig {
	if cfg == nil {
		return obs.MetricsConfig{}
	}
	return obs.MetricsConfig{
		PathTopK:          cfg.PathTopK,
		RecomputeInterval: millis(cfg.RecomputeIntervalMS),
		FailureWindow:     millis(cfg.FailureWindowMS),
	}
}

func sweepInterval(idleTimeoutMS int) time.Duration {
	if idleTimeoutMS <= 0 {
		return time.Minute
	}
	return max(millis(idleTimeoutMS)/4, minSweepInterval)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
