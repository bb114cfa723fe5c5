package testutil

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"os"
	"testing"
)

type AdminClient struct {
	Client *http.Client
	Token  string
}

type AdminClientConfig struct {
	CAFile     string
	ClientCert *CertFiles
	Token      string
}

// NewAdminClient returns a client for the admin listener. TLS is configured
// only when a CA file or client certificate is given.
func NewAdminClient(t *testing.T, cfg AdminClientConfig) *AdminClient {
	t.Helper()
	if cfg.CAFile == "" && cfg.ClientCert == nil {
		return &AdminClient{Client: &http.Client{}, Token: cfg.Token}
	}

	tlsConfig := &tls.Config{RootCAs: x509.NewCertPool()}
	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			t.Fatalf("read CA file: %v", err)
		}
		if !tlsConfig.RootCAs.AppendCertsFromPEM(caData) {
			t.Fatalf("append CA cert")
		}
	}
	if cfg.ClientCert != nil {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert.CertFile, cfg.ClientCert.KeyFile)
		if err != nil {
			t.Fatalf("load client cert: %v", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	t.Cleanup(transport.CloseIdleConnections)
	return &AdminClient{Client: &http.Client{Transport: transport}, Token: cfg.Token}
}

func (c *AdminClient) Do(req *http.Request) (*http.Response, []byte, error) {
	if c == nil || c.Client == nil {
		return nil, nil, http.ErrServerClosed
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func (c *AdminClient) Get(url string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.Do(req)
}

func (c *AdminClient) PostJSON(url string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}
