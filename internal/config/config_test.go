package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// withEnv sets env vars for the duration of the test and restores them after.
func withEnv(t *testing.T, kv map[string]string) {
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_RootDomainFromEnv(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RootDomain != "p.example" {
		t.Errorf("RootDomain = %q, want %q", cfg.RootDomain, "p.example")
	}
}

func TestLoad_MissingRootDomain(t *testing.T) {
	_, err := Load(&CLI{})
	if err == nil {
		t.Fatal("Load() expected error when ROOT_DOMAIN is unset, got nil")
	}
}

func TestLoad_RootDomainWithScheme(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "https://p.example"})

	_, err := Load(&CLI{})
	if err == nil {
		t.Fatal("Load() expected error for root_domain with scheme, got nil")
	}
}

func TestLoad_RootDomainInvalidHostname(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "-bad-.example"})

	_, err := Load(&CLI{})
	if err == nil {
		t.Fatal("Load() expected error for invalid hostname, got nil")
	}
}

func TestLoad_CacheDefaults(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Cache.Enabled {
		t.Error("Cache.Enabled default should be true")
	}
	if cfg.Cache.TTLSeconds != 3600 {
		t.Errorf("Cache.TTLSeconds = %d, want 3600", cfg.Cache.TTLSeconds)
	}
	if len(cfg.Cache.CacheableTypes) != len(defaultCacheableTypes) {
		t.Errorf("Cache.CacheableTypes = %v, want default set", cfg.Cache.CacheableTypes)
	}
	if !cfg.Feature.StealthMode || !cfg.Feature.ServiceWorker {
		t.Error("feature flags should default to true")
	}
}

func TestLoad_CacheEnvOverrides(t *testing.T) {
	withEnv(t, map[string]string{
		"ROOT_DOMAIN":       "p.example",
		"CACHE_ENABLED":     "false",
		"CACHE_TTL":         "120",
		"CACHEABLE_TYPES":   `["text/html","image/"]`,
	})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.Enabled {
		t.Error("Cache.Enabled should be false")
	}
	if cfg.Cache.TTLSeconds != 120 {
		t.Errorf("Cache.TTLSeconds = %d, want 120", cfg.Cache.TTLSeconds)
	}
	if len(cfg.Cache.CacheableTypes) != 2 {
		t.Errorf("Cache.CacheableTypes = %v, want 2 entries", cfg.Cache.CacheableTypes)
	}
}

func TestLoad_CacheEnabledBooleanLikeValues(t *testing.T) {
	for _, v := range []string{"true", "1", "on", "TRUE", "On"} {
		t.Run(v, func(t *testing.T) {
			withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example", "CACHE_ENABLED": v})
			cfg, err := Load(&CLI{})
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !cfg.Cache.Enabled {
				t.Errorf("Cache.Enabled should be true for %q", v)
			}
		})
	}
}

func TestLoad_CookiePatterns(t *testing.T) {
	withEnv(t, map[string]string{
		"ROOT_DOMAIN":              "p.example",
		"COOKIE_ROOT_PASSTHROUGH":  `["__cf_*","session_id"]`,
		"COOKIE_PROXY_PASSTHROUGH": `["app_*"]`,
	})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Cookies.RootPassthrough) != 2 {
		t.Errorf("RootPassthrough = %v, want 2 entries", cfg.Cookies.RootPassthrough)
	}
	if len(cfg.Cookies.ProxyPassthrough) != 1 {
		t.Errorf("ProxyPassthrough = %v, want 1 entry", cfg.Cookies.ProxyPassthrough)
	}
}

func TestLoad_CookiePatternsInvalidJSON(t *testing.T) {
	withEnv(t, map[string]string{
		"ROOT_DOMAIN":             "p.example",
		"COOKIE_ROOT_PASSTHROUGH": `not-json`,
	})

	_, err := Load(&CLI{})
	if err == nil {
		t.Fatal("Load() expected error for invalid JSON cookie pattern, got nil")
	}
}

func TestLoad_ModFlags(t *testing.T) {
	withEnv(t, map[string]string{
		"ROOT_DOMAIN": "p.example",
		"MOD_BANNER":  "true",
		"MOD_TRACKER": "0",
	})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Mods["banner"] {
		t.Error(`Mods["banner"] should be true`)
	}
	if cfg.Mods["tracker"] {
		t.Error(`Mods["tracker"] should be false`)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})

	_, err := Load(&CLI{LogLevel: "verbose"})
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.BodyMaxBytes != 16*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 16*1024*1024)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})

	cli := &CLI{
		Host:     "127.0.0.1",
		Port:     3000,
		LogLevel: "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_NegativePort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
root_domain = "p.example"

[server]
port = -1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_NegativeBodyMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
root_domain = "p.example"

[server]
body_max_bytes = -1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative body_max_bytes, got nil")
	}
}

func TestLoad_TOMLFileSetsRootDomain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
root_domain = "from-file.example"

[log]
level = "warn"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RootDomain != "from-file.example" {
		t.Errorf("RootDomain = %q, want %q", cfg.RootDomain, "from-file.example")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
}

func TestLoad_EnvOverridesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `root_domain = "from-file.example"`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	withEnv(t, map[string]string{"ROOT_DOMAIN": "from-env.example"})

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RootDomain != "from-env.example" {
		t.Errorf("RootDomain = %q, want env value %q", cfg.RootDomain, "from-env.example")
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestResolveConfigPath_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("root_domain = \"p.example\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := resolveConfigPath(path)
	if got != path {
		t.Errorf("resolveConfigPath() = %q, want %q", got, path)
	}
}

func TestResolveConfigPath_NotFound(t *testing.T) {
	got := resolveConfigPath("")
	if got != "" {
		// search paths are unlikely to exist in the test sandbox
		t.Logf("resolveConfigPath() unexpectedly found %q", got)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
root_domain = "p.example"

[metrics]
enabled = true
path = "metrics"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
root_domain = "p.example"

[metrics]
enabled = false
path = "bad-no-slash"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_Disabled(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = false by default")
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	withEnv(t, map[string]string{"ROOT_DOMAIN": "p.example"})
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server.rate_limit]
enabled = true
requests_per_second = 0
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate_limit enabled with requests_per_second <= 0, got nil")
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
