package webproxy

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearEnvAliases blanks the short environment names so the host
// environment cannot leak into a test. Empty values count as unset.
func clearEnvAliases(t *testing.T) {
	t.Helper()
	for _, alias := range envAliases {
		t.Setenv(alias, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8080 {
		t.Errorf("listen = %s", cfg.Server.Addr())
	}
	if cfg.Server.BufferSize != 4096 || cfg.Server.MaxConnections != 100 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ConnectionTimeout != 10*time.Second || cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("timeouts = %v, %v", cfg.Server.ConnectionTimeout, cfg.Server.ReadTimeout)
	}
	if cfg.Server.OverrideTarget != "localhost:7070" {
		t.Errorf("override target = %q", cfg.Server.OverrideTarget)
	}
	if !cfg.Cache.Enabled || cfg.Cache.TTL != time.Hour || cfg.Cache.MaxSize != 1000 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cache.EvictionPolicy != PolicyLeastRecentlyUsed {
		t.Errorf("policy = %q", cfg.Cache.EvictionPolicy)
	}
	if !reflect.DeepEqual(cfg.Blocklist.Patterns, DefaultBlockPatterns) {
		t.Errorf("patterns = %v", cfg.Blocklist.Patterns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDefaultConfig_PatternsNotShared(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Blocklist.Patterns[0] = "changed"
	if DefaultBlockPatterns[0] == "changed" {
		t.Error("DefaultConfig should copy the default patterns")
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	clearEnvAliases(t)
	yaml := `
server:
  host: 0.0.0.0
  port: 3128
  buffer_size: 8192
  read_timeout: 5s
  connection_timeout: 2
  override_target: ""
cache:
  ttl: 90
  max_size: 50
  eviction_policy: least_frequently_used
  compression: zstd
blocklist:
  patterns:
    - "http://ads\\."
  sources:
    - type: csv
      path: /etc/webproxy/blocklist.csv
      has_header: true
  reload_interval: 5m
logging:
  level: debug
  format: json
`
	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"addr", cfg.Server.Addr(), "0.0.0.0:3128"},
		{"buffer", cfg.Server.BufferSize, 8192},
		{"read timeout", cfg.Server.ReadTimeout, 5 * time.Second},
		{"bare seconds", cfg.Server.ConnectionTimeout, 2 * time.Second},
		{"override", cfg.Server.OverrideTarget, ""},
		{"default kept", cfg.Server.MaxWorkers, DefaultMaxWorkers},
		{"ttl", cfg.Cache.TTL, 90 * time.Second},
		{"max size", cfg.Cache.MaxSize, 50},
		{"policy", cfg.Cache.EvictionPolicy, PolicyLeastFrequentlyUsed},
		{"compression", cfg.Cache.Compression, "zstd"},
		{"patterns", cfg.Blocklist.Patterns, []string{`http://ads\.`}},
		{"sources", cfg.Blocklist.Sources, []SourceConfig{{Type: "csv", Path: "/etc/webproxy/blocklist.csv", HasHeader: true}}},
		{"reload", cfg.Blocklist.ReloadInterval, 5 * time.Minute},
		{"log level", cfg.Logging.Level, "debug"},
		{"log format", cfg.Logging.Format, "json"},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadConfig_File(t *testing.T) {
	clearEnvAliases(t)
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Cache.TTL != DefaultCacheTTL {
		t.Errorf("ttl = %v, want default", cfg.Cache.TTL)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnvAliases(t)
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WEBPROXY_SERVER_PORT", "8181")
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("CACHE_TIMEOUT", "3600")
	t.Setenv("ENABLE_CACHING", "false")
	t.Setenv("EVICTION_POLICY", "first_in_first_out")
	t.Setenv("READ_TIMEOUT", "7")
	t.Setenv("WEBPROXY_BLOCKLIST_PATTERNS", "http://a\\.,http://b\\.")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 8181 {
		t.Errorf("port = %d, env should override the file", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("ttl = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.Cache.Enabled {
		t.Error("caching should be disabled")
	}
	if cfg.Cache.EvictionPolicy != PolicyFirstInFirstOut {
		t.Errorf("policy = %q", cfg.Cache.EvictionPolicy)
	}
	if cfg.Server.ReadTimeout != 7*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if want := []string{`http://a\.`, `http://b\.`}; !reflect.DeepEqual(cfg.Blocklist.Patterns, want) {
		t.Errorf("patterns = %v, want %v", cfg.Blocklist.Patterns, want)
	}
}

func TestLoadConfig_PrefixedEnvWinsOverAlias(t *testing.T) {
	clearEnvAliases(t)
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "1111")
	t.Setenv("WEBPROXY_SERVER_PORT", "2222")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 2222 {
		t.Errorf("port = %d, want 2222", cfg.Server.Port)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"buffer", func(c *Config) { c.Server.BufferSize = 0 }, "buffer_size"},
		{"workers", func(c *Config) { c.Server.MaxWorkers = 0 }, "max_workers"},
		{"negative timeout", func(c *Config) { c.Server.ReadTimeout = -time.Second }, "timeouts"},
		{"override", func(c *Config) { c.Server.OverrideTarget = "nohost" }, "override_target"},
		{"rate limit", func(c *Config) { c.Server.RateLimit = RateLimitConfig{Enabled: true} }, "rate_limit"},
		{"cache size", func(c *Config) { c.Cache.MaxSize = 0 }, "cache.max_size"},
		{"cache ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"codec", func(c *Config) { c.Cache.Compression = "lzma" }, "cache.compression"},
		{"source type", func(c *Config) { c.Blocklist.Sources = []SourceConfig{{Type: "ftp"}} }, "source type"},
		{"source path", func(c *Config) { c.Blocklist.Sources = []SourceConfig{{Type: "file"}} }, "needs a path"},
		{"source url", func(c *Config) { c.Blocklist.Sources = []SourceConfig{{Type: "url"}} }, "needs a url"},
		{"admin addr", func(c *Config) { c.Admin = AdminConfig{Enabled: true} }, "admin.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCacheDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Enabled = false
	cfg.Cache.MaxSize = 0
	cfg.Cache.TTL = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("cache limits should not matter when caching is off: %v", err)
	}
}

func TestConfig_BuildPatternLoader(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "list.txt")
	csvPath := filepath.Join(dir, "list.csv")
	_ = os.WriteFile(txt, []byte("from-file\n"), 0o644)
	_ = os.WriteFile(csvPath, []byte("pattern,reason\nfrom-csv,test\n"), 0o644)

	cfg := DefaultConfig()
	cfg.Blocklist.Patterns = []string{"inline"}
	cfg.Blocklist.Sources = []SourceConfig{
		{Type: "file", Path: txt},
		{Type: "csv", Path: csvPath, HasHeader: true},
	}

	loader, err := cfg.BuildPatternLoader()
	if err != nil {
		t.Fatalf("BuildPatternLoader: %v", err)
	}
	got, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := []string{"inline", "from-file", "from-csv"}; !reflect.DeepEqual(got, want) {
		t.Errorf("patterns = %v, want %v", got, want)
	}
}

func TestConfig_BuildPatternLoader_Empty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Blocklist.Patterns = nil

	loader, err := cfg.BuildPatternLoader()
	if err != nil {
		t.Fatalf("BuildPatternLoader: %v", err)
	}
	got, _ := loader.Load(context.Background())
	if len(got) != 0 {
		t.Errorf("patterns = %v", got)
	}

	cfg.Blocklist.Sources = []SourceConfig{{Type: "bogus"}}
	if _, err := cfg.BuildPatternLoader(); err == nil {
		t.Error("expected error for unknown source type")
	}
}

func TestConfig_BuildStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.EvictionPolicy = "lfu"
	cfg.Cache.Compression = "gzip"

	s, err := cfg.BuildStore(nil)
	if err != nil {
		t.Fatalf("BuildStore: %v", err)
	}
	stats := s.Stats()
	if stats.Policy != PolicyLeastFrequentlyUsed || stats.Codec != "gzip" || stats.MaxSize != 1000 {
		t.Errorf("stats = %+v", stats)
	}

	cfg.Cache.Enabled = false
	s, err = cfg.BuildStore(nil)
	if err != nil || s != nil {
		t.Errorf("disabled cache: store = %v, err = %v", s, err)
	}
}

func TestConfig_BuildConnector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ConnectionTimeout = 3 * time.Second
	cfg.Server.MaxResponseSize = 1 << 20

	c := cfg.BuildConnector()
	if c.ConnectTimeout != 3*time.Second || c.MaxResponseSize != 1<<20 || c.BufferSize != cfg.Server.BufferSize {
		t.Errorf("connector = %+v", c)
	}
}

func TestWriteExampleConfig(t *testing.T) {
	clearEnvAliases(t)
	path := filepath.Join(t.TempDir(), "sub", "webproxy.yaml")

	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config invalid: %v", err)
	}

	def := DefaultConfig()
	if cfg.Cache.TTL != def.Cache.TTL || !reflect.DeepEqual(cfg.Blocklist.Patterns, def.Blocklist.Patterns) {
		t.Errorf("example config drifted from defaults: ttl=%v patterns=%v", cfg.Cache.TTL, cfg.Blocklist.Patterns)
	}
}
