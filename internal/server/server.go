package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"offline_portfolio/internal/limits"
	"offline_portfolio/internal/runtime"
)

// Server runs one handler on a plaintext listener, a TLS listener, or both,
// and owns the staged shutdown of everything registered with it.
type Server struct {
	Name     string
	HTTPAddr string
	TLSAddr  string

	listeners    []*listener
	shutdown     runtime.ShutdownConfig
	inflight     *runtime.InflightTracker
	stoppers     []Stopper
	closeIdle    []func()
	shutdownOnce sync.Once
	shutdownErr  error
}

type listener struct {
	srv *http.Server
	ln  net.Listener
}

type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

type Options struct {
	// Name prefixes log lines so several servers can share a process.
	Name     string
	HTTPAddr string
	TLSAddr  string
	TLS      *tls.Config
	Limits   limits.Limits
	Shutdown runtime.ShutdownConfig
	// Inflight is drained before the HTTP servers shut down.
	Inflight  *runtime.InflightTracker
	Stoppers  []Stopper
	CloseIdle []func()
}

// LoadTLSConfig reads a certificate pair for a listener.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("cert and key files are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

func Start(handler http.Handler, opts Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if opts.HTTPAddr == "" && opts.TLSAddr == "" {
		return nil, errors.New("no listeners configured")
	}
	if opts.TLSAddr != "" && opts.TLS == nil {
		return nil, errors.New("tls config is required")
	}
	if opts.Name == "" {
		opts.Name = "http"
	}
	limitConfig := opts.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}

	s := &Server{
		Name:      opts.Name,
		shutdown:  opts.Shutdown.WithDefaults(),
		inflight:  opts.Inflight,
		stoppers:  opts.Stoppers,
		closeIdle: opts.CloseIdle,
	}
	if opts.HTTPAddr != "" {
		l, err := s.listen(handler, limitConfig, opts.HTTPAddr, nil)
		if err != nil {
			return nil, err
		}
		s.HTTPAddr = l.ln.Addr().String()
	}
	if opts.TLSAddr != "" {
		l, err := s.listen(handler, limitConfig, opts.TLSAddr, opts.TLS)
		if err != nil {
			s.closeListeners()
			return nil, err
		}
		s.TLSAddr = l.ln.Addr().String()
	}
	return s, nil
}

func (s *Server) listen(handler http.Handler, limitConfig limits.Limits, addr string, tlsCfg *tls.Config) (*listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
	}
	l := &listener{srv: srv, ln: ln}
	s.listeners = append(s.listeners, l)

	serveLn := ln
	scheme := "http"
	if tlsCfg != nil {
		serveLn = tls.NewListener(ln, tlsCfg)
		scheme = "https"
	}
	go func() {
		if err := srv.Serve(serveLn); err != nil && !closedErr(err) {
			log.Printf("%s server error: %v", s.Name, err)
		}
	}()
	log.Printf("%s listening on %s://%s", s.Name, scheme, ln.Addr())
	return l, nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Shutdown stops accepting connections, runs the stoppers, drains, waits for
// in-flight work, then shuts the HTTP servers down. It is safe to call twice.
func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	s.closeListeners()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	var errs []error
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	stopCancel()

	if s.shutdown.Drain > 0 {
		time.Sleep(s.shutdown.Drain)
	}
	for _, closeIdle := range s.closeIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()
	if err := s.inflight.Wait(gracefulCtx); err != nil {
		log.Printf("%s shutdown: in-flight work still running count=%d", s.Name, s.inflight.Count())
	}
	for _, l := range s.listeners {
		if err := l.srv.Shutdown(gracefulCtx); err != nil && !closedErr(err) {
			errs = append(errs, err)
		}
	}
	if gracefulCtx.Err() == nil {
		return errors.Join(errs...)
	}

	if s.shutdown.ForceClose > 0 {
		time.Sleep(s.shutdown.ForceClose)
	}
	for _, l := range s.listeners {
		_ = l.srv.Close()
	}
	return errors.Join(append(errs, gracefulCtx.Err())...)
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.ln.Close()
	}
}

// closedErr reports errors that only mean the listener was already closed by
// the shutdown sequence.
func closedErr(err error) bool {
	return errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed)
}
