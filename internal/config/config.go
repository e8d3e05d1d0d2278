// Package config handles environment and TOML configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/divortio-proxy/config.toml",
	"configs/config.toml",
}

// hostnamePattern is a conservative RFC-1123 hostname check: labels of
// letters/digits/hyphens, no leading/trailing hyphen, no scheme or path.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

// defaultCacheableTypes mirrors the env-var configuration contract.
var defaultCacheableTypes = []string{
	"image/", "font/", "audio/", "video/", "text/css", "text/plain",
	"application/javascript", "application/x-javascript", "application/pdf",
	"image/x-icon", "image/vnd.microsoft.icon",
}

// CLI holds command-line arguments parsed by Kong (each also settable via
// the environment variable in its tag). Non-empty CLI values override the
// file config; none of these fields is also set by applyEnv.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level, immutable-after-load application configuration.
type Config struct {
	RootDomain string `toml:"root_domain"`

	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Feature  FeatureConfig  `toml:"features"`
	Cookies  CookieConfig   `toml:"cookies"`
	Mods     map[string]bool
	Log      LogConfig     `toml:"log"`
	Metrics  MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig controls the HTTP client used to fetch origin servers.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// CacheConfig controls the edge cache (C8).
type CacheConfig struct {
	Enabled        bool     `toml:"enabled"`
	TTLSeconds     int      `toml:"ttl_seconds"`
	CacheableTypes []string `toml:"cacheable_types"`
}

// FeatureConfig controls proxy-wide feature flags.
type FeatureConfig struct {
	StealthMode   bool
	ServiceWorker bool
}

// CookieConfig holds glob patterns of cookie names that are never forwarded
// upstream: a name matching a pattern in either list is dropped from the
// outbound Cookie header.
type CookieConfig struct {
	RootPassthrough  []string `toml:"root_passthrough"`
	ProxyPassthrough []string `toml:"proxy_passthrough"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load builds the Config from an optional TOML file followed by the
// environment variable contract, then CLI overrides for the handful of
// fields kong also exposes. Environment variables win over the file; CLI
// flags win over both.
func Load(cli *CLI) (*Config, error) {
	// Seed the boolean-default fields before the TOML file is decoded: the
	// decoder only touches keys present in the document, so a document that
	// omits [cache].enabled (or features) leaves these defaults standing,
	// while an explicit `enabled = false` overwrites them correctly.
	cfg := &Config{
		Mods:    map[string]bool{},
		Cache:   CacheConfig{Enabled: true},
		Feature: FeatureConfig{StealthMode: true, ServiceWorker: true},
	}

	if path := resolveConfigPath(cli.Config); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides config values from the documented environment
// variables. Unset variables leave the existing (file or zero) value alone.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("ROOT_DOMAIN"); ok {
		c.RootDomain = v
	}

	if v, ok := os.LookupEnv("UPSTREAM_TIMEOUT_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS: %w", err)
		}
		c.Upstream.TimeoutSeconds = n
	}
	if v, ok := os.LookupEnv("UPSTREAM_IDLE_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UPSTREAM_IDLE_CONNECTIONS: %w", err)
		}
		c.Upstream.IdleConnections = n
	}

	if v, ok := os.LookupEnv("CACHE_ENABLED"); ok {
		c.Cache.Enabled = parseBoolLike(v, c.Cache.Enabled)
	}
	if v, ok := os.LookupEnv("CACHE_TTL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		c.Cache.TTLSeconds = n
	}
	if v, ok := os.LookupEnv("CACHEABLE_TYPES"); ok {
		var types []string
		if err := json.Unmarshal([]byte(v), &types); err != nil {
			return fmt.Errorf("CACHEABLE_TYPES: %w", err)
		}
		c.Cache.CacheableTypes = types
	}

	if v, ok := os.LookupEnv("FEATURES_STEALTH_MODE"); ok {
		c.Feature.StealthMode = parseBoolLike(v, c.Feature.StealthMode)
	}
	if v, ok := os.LookupEnv("FEATURES_SERVICE_WORKER"); ok {
		c.Feature.ServiceWorker = parseBoolLike(v, c.Feature.ServiceWorker)
	}

	if v, ok := os.LookupEnv("COOKIE_ROOT_PASSTHROUGH"); ok {
		var patterns []string
		if err := json.Unmarshal([]byte(v), &patterns); err != nil {
			return fmt.Errorf("COOKIE_ROOT_PASSTHROUGH: %w", err)
		}
		c.Cookies.RootPassthrough = patterns
	}
	if v, ok := os.LookupEnv("COOKIE_PROXY_PASSTHROUGH"); ok {
		var patterns []string
		if err := json.Unmarshal([]byte(v), &patterns); err != nil {
			return fmt.Errorf("COOKIE_PROXY_PASSTHROUGH: %w", err)
		}
		c.Cookies.ProxyPassthrough = patterns
	}

	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "MOD_") {
			continue
		}
		id := strings.ToLower(strings.TrimPrefix(key, "MOD_"))
		c.Mods[id] = parseBoolLike(val, false)
	}

	return nil
}

// parseBoolLike implements the "true|1|on" boolean-like contract for
// boolean-valued environment variables; unparsable values fall back to the
// existing value.
func parseBoolLike(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "on":
		return true
	case "false", "0", "off":
		return false
	default:
		return fallback
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.RootDomain == "" {
		return fmt.Errorf("root_domain (ROOT_DOMAIN) is required")
	}
	if strings.Contains(c.RootDomain, "://") || strings.Contains(c.RootDomain, "/") {
		return fmt.Errorf("root_domain must be a bare hostname, no scheme or path; got %q", c.RootDomain)
	}
	if !hostnamePattern.MatchString(c.RootDomain) {
		return fmt.Errorf("root_domain %q is not a valid RFC-1123 hostname", c.RootDomain)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be non-negative; got %d", c.Cache.TTLSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 16 * 1024 * 1024
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if len(c.Cache.CacheableTypes) == 0 {
		c.Cache.CacheableTypes = defaultCacheableTypes
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// resolveConfigPath returns the path to use for the TOML file, or "" if none
// is configured and none of the search paths exist. A missing TOML file is
// not an error: the environment-variable contract can fully configure the
// proxy on its own.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range configSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
