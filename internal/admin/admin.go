package admin

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"os"
)

type HandlerConfig struct {
	Service     *Service
	Auth        *Authenticator
	RateLimiter *RateLimiter
}

func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		service:     cfg.Service,
		auth:        cfg.Auth,
		rateLimiter: cfg.RateLimiter,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/status", h.handleStatus)
	mux.HandleFunc("/admin/caches", h.handleCaches)
	mux.HandleFunc("/admin/deploy", h.handleDeploy)
	mux.HandleFunc("/admin/deploys", h.handleDeploys)
	h.mux = mux
	return h
}

// TLSConfig builds the admin listener's TLS settings. Client certificates are
// requested only when clientCAFile is set.
func TLSConfig(certFile string, keyFile string, clientCAFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("admin cert and key are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCAFile != "" {
		caData, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, errors.New("failed to parse client CA")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequestClientCert
	}
	return cfg, nil
}
