package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validateListeners(cfg); err != nil {
		return warnings, err
	}
	if err := validateLimits(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateCache(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateUpstream(cfg); err != nil {
		return warnings, err
	}
	if err := validateAdmin(cfg); err != nil {
		return warnings, err
	}
	if err := validateTLS(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateHealth(cfg.Health); err != nil {
		return warnings, err
	}
	if cfg.Gallery.Count < 0 {
		return warnings, errors.New("gallery.count must be >= 0")
	}
	return warnings, nil
}

// ValidateAdminToken checks that the admin token is present when an admin or
// control listener is configured.
func ValidateAdminToken(cfg *Config) error {
	return validateAdmin(cfg)
}

func validateListeners(cfg *Config) error {
	addrs := map[string]string{
		"listen_addr":         cfg.ListenAddr,
		"origin_listen_addr":  cfg.OriginListenAddr,
		"admin_listen_addr":   cfg.AdminListenAddr,
		"control_listen_addr": cfg.ControlListenAddr,
	}
	seen := make(map[string]string, len(addrs))
	for _, name := range []string{"listen_addr", "origin_listen_addr", "admin_listen_addr", "control_listen_addr"} {
		addr := strings.TrimSpace(addrs[name])
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s %q: %w", name, addr, err)
		}
		if prior, ok := seen[addr]; ok && !strings.HasSuffix(addr, ":0") {
			return fmt.Errorf("%s and %s share address %q", prior, name, addr)
		}
		seen[addr] = name
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return errors.New("listen_addr is required")
	}
	if cfg.OriginURL != "" {
		origin, err := url.Parse(cfg.OriginURL)
		if err != nil {
			return fmt.Errorf("origin_url: %w", err)
		}
		if origin.Scheme != "http" && origin.Scheme != "https" {
			return fmt.Errorf("origin_url scheme %q must be http or https", origin.Scheme)
		}
		if origin.Host == "" {
			return errors.New("origin_url host is required")
		}
	} else if strings.TrimSpace(cfg.OriginListenAddr) == "" {
		return errors.New("origin_listen_addr or origin_url is required")
	}
	return nil
}

func validateLimits(cfg *Config, warnings *[]string) error {
	limitsConfigured := limitsConfigured(cfg.Limits)
	if cfg.Limits.MaxBodyBytes != nil {
		if *cfg.Limits.MaxBodyBytes <= 0 {
			return errors.New("limits.max_body_bytes must be > 0")
		}
	}
	if limitsConfigured && cfg.Limits.ReadHeaderTimeoutMS <= 0 {
		return errors.New("limits.read_header_timeout_ms must be > 0")
	}
	if cfg.Shutdown.DrainMS < 0 || cfg.Shutdown.GracefulTimeoutMS < 0 || cfg.Shutdown.ForceCloseMS < 0 || cfg.Shutdown.RefreshWaitMS < 0 {
		return errors.New("shutdown timings must be non-negative")
	}
	return nil
}

func validateCache(cfg *Config, warnings *[]string) error {
	cacheCfg := cfg.Cache
	if strings.TrimSpace(cacheCfg.Version) == "" {
		return errors.New("cache.version is required")
	}
	if cacheCfg.SeedManifest != nil && len(cacheCfg.SeedManifest) == 0 {
		*warnings = append(*warnings, "cache.seed_manifest is empty; install seeds nothing")
	}
	for _, entry := range cacheCfg.SeedManifest {
		if strings.TrimSpace(entry) == "" {
			return errors.New("cache.seed_manifest entries must not be empty")
		}
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("cache.seed_manifest entry %q: %w", entry, err)
		}
	}
	dsn := strings.TrimSpace(cacheCfg.StorageDSN)
	if !strings.HasPrefix(dsn, "memory://") && !strings.HasPrefix(dsn, "disk://") {
		return fmt.Errorf("cache.storage_dsn %q must use memory:// or disk://", dsn)
	}
	if cacheCfg.MaxObjectBytes < 0 {
		return errors.New("cache.max_object_bytes must be >= 0")
	}
	if cacheCfg.InstallAttempts < 0 || cacheCfg.InstallAttempts > 10 {
		return errors.New("cache.install_attempts must be between 0 and 10")
	}
	if cacheCfg.MaxClients < 0 {
		return errors.New("cache.max_clients must be non-negative")
	}
	if cacheCfg.ClientIdleTimeoutMS < 0 || cacheCfg.RefreshTimeoutMS < 0 {
		return errors.New("cache timeouts must be >= 0")
	}
	if time.Duration(cacheCfg.RefreshTimeoutMS)*time.Millisecond > time.Minute {
		*warnings = append(*warnings, "cache.refresh_timeout_ms exceeds 1m")
	}
	if !cacheCfg.SkipWaitingEnabled() && cacheCfg.ClientIdleTimeoutMS == 0 {
		*warnings = append(*warnings, "cache.skip_waiting disabled; new versions wait for the default client idle timeout")
	}
	return nil
}

func validateUpstream(cfg *Config) error {
	upstream := cfg.Upstream
	if upstream.DialTimeoutMS < 0 || upstream.ResponseHeaderTimeoutMS < 0 {
		return errors.New("upstream timeouts must be >= 0")
	}
	if upstream.MaxBodyBytes < 0 {
		return errors.New("upstream.max_body_bytes must be >= 0")
	}
	if upstream.MaxBodyBytes > 0 && cfg.Cache.MaxObjectBytes > 0 && upstream.MaxBodyBytes > cfg.Cache.MaxObjectBytes {
		return errors.New("upstream.max_body_bytes must not exceed cache.max_object_bytes")
	}
	return nil
}

func validateAdmin(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.AdminListenAddr == "" && cfg.ControlListenAddr == "" {
		return nil
	}
	env := cfg.AdminTokenEnv()
	if strings.TrimSpace(os.Getenv(env)) == "" {
		return fmt.Errorf("admin token missing in %s", env)
	}
	return nil
}

func validateTLS(cfg *Config, warnings *[]string) error {
	if cfg.TLS != nil {
		if strings.TrimSpace(cfg.TLS.ListenAddr) == "" {
			return errors.New("tls.listen_addr is required")
		}
		if _, _, err := net.SplitHostPort(cfg.TLS.ListenAddr); err != nil {
			return fmt.Errorf("tls.listen_addr %q: %w", cfg.TLS.ListenAddr, err)
		}
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return errors.New("tls.cert_file and tls.key_file are required")
		}
	}
	certFile, keyFile, clientCAFile := cfg.AdminTLS()
	if (certFile == "") != (keyFile == "") {
		return errors.New("admin.cert_file and admin.key_file must be set together")
	}
	if clientCAFile != "" && certFile == "" {
		return errors.New("admin.client_ca_file requires admin.cert_file")
	}
	if certFile == "" && (cfg.AdminListenAddr != "" || cfg.ControlListenAddr != "") {
		*warnings = append(*warnings, "admin listeners serve plaintext; set admin.cert_file for TLS")
	}
	return nil
}

func validateHealth(cfg HealthConfig) error {
	if cfg.IntervalMS < 0 || cfg.TimeoutMS < 0 {
		return errors.New("health timings must be >= 0")
	}
	if cfg.UnhealthyAfterFailures < 0 || cfg.HealthyAfterSuccesses < 0 {
		return errors.New("health thresholds must be >= 0")
	}
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("health.path %q must start with /", cfg.Path)
	}
	if cfg.IntervalMS > 0 && cfg.TimeoutMS > cfg.IntervalMS {
		return errors.New("health.timeout_ms must not exceed health.interval_ms")
	}
	return nil
}

func limitsConfigured(cfg LimitsConfig) bool {
	if cfg.MaxHeaderBytes != 0 || cfg.MaxHeaderCount != 0 || cfg.MaxURLBytes != 0 {
		return true
	}
	if cfg.MaxBodyBytes != nil {
		return true
	}
	if cfg.ReadHeaderTimeoutMS != 0 || cfg.ReadTimeoutMS != 0 || cfg.WriteTimeoutMS != 0 {
		return true
	}
	if cfg.IdleTimeoutMS != 0 || cfg.ResponseStreamTimeoutMS != 0 {
		return true
	}
	return false
}
