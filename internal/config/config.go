package config

import (
	"encoding/json"
	"os"
)

const (
	DefaultListenAddr       = "127.0.0.1:8080"
	DefaultOriginListenAddr = "127.0.0.1:8081"
	DefaultCacheVersion     = "portfolio-v1"
	DefaultStorageDSN       = "memory://"
	DefaultGalleryCount     = 12
)

type Config struct {
	ListenAddr        string         `json:"listen_addr"`
	OriginListenAddr  string         `json:"origin_listen_addr"`
	OriginURL         string         `json:"origin_url"`
	AdminListenAddr   string         `json:"admin_listen_addr"`
	ControlListenAddr string         `json:"control_listen_addr"`
	Limits            LimitsConfig   `json:"limits"`
	Shutdown          ShutdownConfig `json:"shutdown"`
	Cache             CacheConfig    `json:"cache"`
	Upstream          UpstreamConfig `json:"upstream"`
	Gallery           GalleryConfig  `json:"gallery"`
	Health            HealthConfig   `json:"health"`
	TLS               *TLSConfig     `json:"tls,omitempty"`
	Metrics           *MetricsConfig `json:"metrics,omitempty"`
	Admin             *AdminConfig   `json:"admin,omitempty"`
}

// TLSConfig adds an HTTPS listener for the public edge.
type TLSConfig struct {
	ListenAddr string `json:"listen_addr"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
}

type LimitsConfig struct {
	MaxHeaderBytes          int    `json:"max_header_bytes"`
	MaxHeaderCount          int    `json:"max_header_count"`
	MaxURLBytes             int    `json:"max_url_bytes"`
	MaxBodyBytes            *int64 `json:"max_body_bytes,omitempty"`
	ReadHeaderTimeoutMS     int    `json:"read_header_timeout_ms"`
	ReadTimeoutMS           int    `json:"read_timeout_ms"`
	WriteTimeoutMS          int    `json:"write_timeout_ms"`
	IdleTimeoutMS           int    `json:"idle_timeout_ms"`
	ResponseStreamTimeoutMS int    `json:"response_stream_timeout_ms"`
}

type ShutdownConfig struct {
	DrainMS           int `json:"drain_ms"`
	GracefulTimeoutMS int `json:"graceful_timeout_ms"`
	ForceCloseMS      int `json:"force_close_ms"`
	RefreshWaitMS     int `json:"refresh_wait_ms"`
}

type CacheConfig struct {
	Version             string   `json:"version"`
	SeedManifest        []string `json:"seed_manifest,omitempty"`
	StorageDSN          string   `json:"storage_dsn"`
	MaxObjectBytes      int64    `json:"max_object_bytes"`
	SkipWaiting         *bool    `json:"skip_waiting,omitempty"`
	ClaimClients        *bool    `json:"claim_clients,omitempty"`
	ClientIdleTimeoutMS int      `json:"client_idle_timeout_ms"`
	RefreshTimeoutMS    int      `json:"refresh_timeout_ms"`
	CoalesceRefresh     bool     `json:"coalesce_refresh"`
	InstallAttempts     int      `json:"install_attempts"`
	MaxClients          int      `json:"max_clients"`
}

type UpstreamConfig struct {
	DialTimeoutMS           int   `json:"dial_timeout_ms"`
	ResponseHeaderTimeoutMS int   `json:"response_header_timeout_ms"`
	MaxBodyBytes            int64 `json:"max_body_bytes"`
}

// HealthConfig drives the origin reachability probe.
type HealthConfig struct {
	Path                   string `json:"path"`
	IntervalMS             int    `json:"interval_ms"`
	TimeoutMS              int    `json:"timeout_ms"`
	UnhealthyAfterFailures int    `json:"unhealthy_after_failures"`
	HealthyAfterSuccesses  int    `json:"healthy_after_successes"`
}

type GalleryConfig struct {
	Count int `json:"count"`
}

type MetricsConfig struct {
	PathTopK            int    `json:"path_top_k"`
	RecomputeIntervalMS int    `json:"recompute_interval_ms"`
	FailureWindowMS     int    `json:"failure_window_ms"`
	TokenEnv            string `json:"token_env"`
}

type AdminConfig struct {
	TokenEnv     string `json:"token_env"`
	CertFile     string `json:"cert_file"`
	KeyFile      string `json:"key_file"`
	ClientCAFile string `json:"client_ca_file"`
}

func ParseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseJSON(data)
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.OriginListenAddr == "" && c.OriginURL == "" {
		c.OriginListenAddr = DefaultOriginListenAddr
	}
	if c.Cache.Version == "" {
		c.Cache.Version = DefaultCacheVersion
	}
	if c.Cache.StorageDSN == "" {
		c.Cache.StorageDSN = DefaultStorageDSN
	}
	if c.Gallery.Count == 0 {
		c.Gallery.Count = DefaultGalleryCount
	}
}

func (c CacheConfig) SkipWaitingEnabled() bool {
	return c.SkipWaiting == nil || *c.SkipWaiting
}

func (c CacheConfig) ClaimClientsEnabled() bool {
	return c.ClaimClients == nil || *c.ClaimClients
}

// ApplyEnv overlays the values that deployments set through the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if value := getenv("LISTEN_ADDR"); value != "" {
		c.ListenAddr = value
	}
	if value := getenv("CACHE_VERSION"); value != "" {
		c.Cache.Version = value
	}
	if value := getenv("STORAGE_DSN"); value != "" {
		c.Cache.StorageDSN = value
	}
	if value := getenv("ADMIN_LISTEN_ADDR"); value != "" {
		c.AdminListenAddr = value
	}
	if value := getenv("CONTROL_LISTEN_ADDR"); value != "" {
		c.ControlListenAddr = value
	}
}

func (c *Config) AdminTokenEnv() string {
	if c.Admin != nil && c.Admin.TokenEnv != "" {
		return c.Admin.TokenEnv
	}
	return "ADMIN_TOKEN"
}

// MetricsToken returns the bearer token guarding /metrics, or "" when the
// endpoint is open.
func (c *Config) MetricsToken(getenv func(string) string) string {
	if c.Metrics == nil || c.Metrics.TokenEnv == "" {
		return ""
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv(c.Metrics.TokenEnv)
}

// AdminTLS reports the admin certificate settings. An empty cert file means
// the admin and control listeners serve plaintext.
func (c *Config) AdminTLS() (certFile, keyFile, clientCAFile string) {
	if c.Admin == nil {
		return "", "", ""
	}
	return c.Admin.CertFile, c.Admin.KeyFile, c.Admin.ClientCAFile
}
