package webproxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Response cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// Blocklist configuration
	Blocklist BlocklistConfig `mapstructure:"blocklist"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains listener and connection settings.
type ServerConfig struct {
	// Host and Port to listen on
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// BufferSize is the most read from a client and the size of each read
	// from an origin
	BufferSize int `mapstructure:"buffer_size"`

	// MaxConnections is the listen backlog (reported only)
	MaxConnections int `mapstructure:"max_connections"`

	// MaxWorkers bounds concurrently handled connections
	MaxWorkers int `mapstructure:"max_workers"`

	// ConnectionTimeout bounds connecting to an origin
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	// ReadTimeout bounds each socket read
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout bounds each socket write
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is how long in-flight connections get to finish
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// OverrideTarget is a host:port tried before the real destination
	// (empty disables it)
	OverrideTarget string `mapstructure:"override_target"`

	// MaxResponseSize caps an origin response in bytes (0 = unlimited)
	MaxResponseSize int64 `mapstructure:"max_response_size"`

	// RateLimit throttles connections per client IP
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RateLimitConfig contains per-client rate limit settings.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	// Enabled turns response caching on
	Enabled bool `mapstructure:"enabled"`

	// TTL is the maximum age of a cached response
	TTL time.Duration `mapstructure:"ttl"`

	// MaxSize is the maximum number of cached responses
	MaxSize int `mapstructure:"max_size"`

	// EvictionPolicy is least_recently_used, first_in_first_out or
	// least_frequently_used
	EvictionPolicy string `mapstructure:"eviction_policy"`

	// Compression is the at-rest codec: identity, gzip, zstd or br
	Compression string `mapstructure:"compression"`
}

// BlocklistConfig contains URL blocklist settings.
type BlocklistConfig struct {
	// Patterns are regular expressions matched against the start of the URL
	Patterns []string `mapstructure:"patterns"`

	// Sources defines external pattern sources
	Sources []SourceConfig `mapstructure:"sources"`

	// ReloadInterval for external sources (0 = no auto-reload)
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// SourceConfig defines an external pattern source.
type SourceConfig struct {
	// Type of source: "file", "csv", "url"
	Type string `mapstructure:"type"`

	// Path for file-based sources
	Path string `mapstructure:"path"`

	// URL for remote sources
	URL string `mapstructure:"url"`

	// HasHeader indicates if CSV has a header row
	HasHeader bool `mapstructure:"has_header"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`

	// MaxConns caps simultaneous admin connections
	MaxConns int `mapstructure:"max_conns"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	// Enabled exposes /metrics on the admin API
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			BufferSize:        DefaultBufferSize,
			MaxConnections:    100,
			MaxWorkers:        DefaultMaxWorkers,
			ConnectionTimeout: DefaultConnectTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			ShutdownTimeout:   15 * time.Second,
			OverrideTarget:    "localhost:7070",
			RateLimit: RateLimitConfig{
				Rate:  50,
				Burst: 100,
			},
		},
		Cache: CacheConfig{
			Enabled:        true,
			TTL:            DefaultCacheTTL,
			MaxSize:        DefaultCacheMaxSize,
			EvictionPolicy: PolicyLeastRecentlyUsed,
			Compression:    EncodingIdentity,
		},
		Blocklist: BlocklistConfig{
			Patterns: append([]string(nil), DefaultBlockPatterns...),
		},
		Admin: AdminConfig{
			Addr:     "127.0.0.1:9090",
			MaxConns: 16,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// envAliases binds the short environment names to config keys. The
// WEBPROXY_ prefixed form always takes precedence.
var envAliases = map[string]string{
	"server.host":               "HOST",
	"server.port":               "PORT",
	"server.buffer_size":        "BUFFER_SIZE",
	"server.max_connections":    "MAX_CONNECTIONS",
	"server.connection_timeout": "CONNECTION_TIMEOUT",
	"server.read_timeout":       "READ_TIMEOUT",
	"cache.enabled":             "ENABLE_CACHING",
	"cache.ttl":                 "CACHE_TIMEOUT",
	"cache.max_size":            "CACHE_MAX_SIZE",
	"cache.eviction_policy":     "EVICTION_POLICY",
	"logging.level":             "LOG_LEVEL",
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./webproxy.yaml, ./webproxy.yml, ./webproxy.json, ./webproxy.toml
// 3. $HOME/.webproxy/webproxy.yaml
// 4. /etc/webproxy/webproxy.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigName("webproxy")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.webproxy")
	v.AddConfigPath("/etc/webproxy")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	return unmarshalConfig(v)
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshalConfig(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WEBPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		envKey := "WEBPROXY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envKey, alias)
	}
	return v
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// secondsToDurationHook decodes durations from Go duration strings ("30s")
// or from bare numbers, which are read as seconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch d := data.(type) {
		case string:
			s := strings.TrimSpace(d)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(d) * time.Second, nil
		case int64:
			return time.Duration(d) * time.Second, nil
		case float64:
			return time.Duration(d * float64(time.Second)), nil
		case time.Duration:
			return d, nil
		}
		return data, nil
	}
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.buffer_size", defaults.Server.BufferSize)
	v.SetDefault("server.max_connections", defaults.Server.MaxConnections)
	v.SetDefault("server.max_workers", defaults.Server.MaxWorkers)
	v.SetDefault("server.connection_timeout", defaults.Server.ConnectionTimeout.String())
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout.String())
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout.String())
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout.String())
	v.SetDefault("server.override_target", defaults.Server.OverrideTarget)
	v.SetDefault("server.max_response_size", defaults.Server.MaxResponseSize)
	v.SetDefault("server.rate_limit.enabled", defaults.Server.RateLimit.Enabled)
	v.SetDefault("server.rate_limit.rate", defaults.Server.RateLimit.Rate)
	v.SetDefault("server.rate_limit.burst", defaults.Server.RateLimit.Burst)

	// Cache defaults
	v.SetDefault("cache.enabled", defaults.Cache.Enabled)
	v.SetDefault("cache.ttl", defaults.Cache.TTL.String())
	v.SetDefault("cache.max_size", defaults.Cache.MaxSize)
	v.SetDefault("cache.eviction_policy", defaults.Cache.EvictionPolicy)
	v.SetDefault("cache.compression", defaults.Cache.Compression)

	// Blocklist defaults
	v.SetDefault("blocklist.patterns", defaults.Blocklist.Patterns)
	v.SetDefault("blocklist.reload_interval", defaults.Blocklist.ReloadInterval.String())

	// Admin defaults
	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.addr", defaults.Admin.Addr)
	v.SetDefault("admin.max_conns", defaults.Admin.MaxConns)

	// Metrics defaults
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	s := c.Server
	switch {
	case s.Port < 1 || s.Port > 65535:
		return fmt.Errorf("server.port %d out of range 1-65535", s.Port)
	case s.BufferSize <= 0:
		return fmt.Errorf("server.buffer_size must be positive, got %d", s.BufferSize)
	case s.MaxWorkers <= 0:
		return fmt.Errorf("server.max_workers must be positive, got %d", s.MaxWorkers)
	case s.MaxConnections < 0:
		return fmt.Errorf("server.max_connections must not be negative, got %d", s.MaxConnections)
	case s.ConnectionTimeout < 0, s.ReadTimeout < 0, s.WriteTimeout < 0, s.ShutdownTimeout < 0:
		return errors.New("server timeouts must not be negative")
	case s.MaxResponseSize < 0:
		return fmt.Errorf("server.max_response_size must not be negative, got %d", s.MaxResponseSize)
	}

	if s.OverrideTarget != "" {
		if _, err := ParseTarget(s.OverrideTarget); err != nil {
			return fmt.Errorf("server.override_target: %w", err)
		}
	}

	if s.RateLimit.Enabled && (s.RateLimit.Rate <= 0 || s.RateLimit.Burst <= 0) {
		return errors.New("server.rate_limit rate and burst must be positive")
	}

	if c.Cache.Enabled {
		if c.Cache.MaxSize <= 0 {
			return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive, got %v", c.Cache.TTL)
		}
	}
	if _, err := CodecByName(c.Cache.Compression); err != nil {
		return fmt.Errorf("cache.compression: %w", err)
	}

	if c.Blocklist.ReloadInterval < 0 {
		return errors.New("blocklist.reload_interval must not be negative")
	}
	for _, src := range c.Blocklist.Sources {
		switch src.Type {
		case "file", "csv":
			if src.Path == "" {
				return fmt.Errorf("blocklist %s source needs a path", src.Type)
			}
		case "url":
			if src.URL == "" {
				return errors.New("blocklist url source needs a url")
			}
		default:
			return fmt.Errorf("unknown blocklist source type: %q", src.Type)
		}
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		return errors.New("admin.addr is required when the admin API is enabled")
	}

	return nil
}

// BuildPatternLoader creates a PatternLoader from the configured patterns
// and sources, in that order.
func (c *Config) BuildPatternLoader() (PatternLoader, error) {
	var loaders []PatternLoader

	if len(c.Blocklist.Patterns) > 0 {
		loaders = append(loaders, NewStaticLoader(c.Blocklist.Patterns...))
	}

	for _, source := range c.Blocklist.Sources {
		switch source.Type {
		case "file":
			loaders = append(loaders, NewFileLoader(source.Path))

		case "csv":
			loader := NewCSVLoader(source.Path)
			loader.HasHeader = source.HasHeader
			loaders = append(loaders, loader)

		case "url":
			loaders = append(loaders, NewURLLoader(source.URL))

		default:
			return nil, fmt.Errorf("unknown source type: %s", source.Type)
		}
	}

	if len(loaders) == 0 {
		return NewStaticLoader(), nil
	}

	if len(loaders) == 1 {
		return loaders[0], nil
	}

	return NewMultiLoader(loaders...), nil
}

// BuildStore creates the response store, or nil when caching is disabled.
func (c *Config) BuildStore(metrics *Metrics) (*Store, error) {
	if !c.Cache.Enabled {
		return nil, nil
	}

	codec, err := CodecByName(c.Cache.Compression)
	if err != nil {
		return nil, err
	}

	return NewStore(StoreConfig{
		MaxSize: c.Cache.MaxSize,
		TTL:     c.Cache.TTL,
		Policy:  ParseEvictionPolicy(c.Cache.EvictionPolicy),
		Codec:   codec,
		Metrics: metrics,
	})
}

// BuildConnector creates the outbound connector from the server settings.
func (c *Config) BuildConnector() *Connector {
	conn := NewConnector()
	conn.ConnectTimeout = c.Server.ConnectionTimeout
	conn.ReadTimeout = c.Server.ReadTimeout
	conn.WriteTimeout = c.Server.WriteTimeout
	conn.BufferSize = c.Server.BufferSize
	conn.MaxResponseSize = c.Server.MaxResponseSize
	return conn
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# webproxy configuration
# Every key can also be set from the environment as WEBPROXY_<SECTION>_<KEY>,
# e.g. WEBPROXY_SERVER_PORT=8081.

server:
  # Address to listen on
  host: "127.0.0.1"
  port: 8080

  # Bytes read from a client per request, and per read from an origin
  buffer_size: 4096

  # Listen backlog (reported only) and concurrent connection limit
  max_connections: 100
  max_workers: 100

  # Timeouts; bare numbers are seconds
  connection_timeout: 10s
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 15s

  # Tried before the request's own host; empty disables
  override_target: "localhost:7070"

  # Largest origin response accepted in bytes (0 = unlimited)
  max_response_size: 0

  rate_limit:
    enabled: false
    rate: 50
    burst: 100

cache:
  enabled: true
  ttl: 3600s
  max_size: 1000

  # least_recently_used, first_in_first_out, least_frequently_used
  eviction_policy: "least_recently_used"

  # identity, gzip, zstd, br
  compression: "identity"

blocklist:
  # Regular expressions matched case-insensitively against the start of the URL
  patterns:
    - ".*malicious\\..*"
    - ".*porn\\..*"
    - ".*gambling\\..*"

  # External pattern sources
  sources:
    # - type: file
    #   path: "/etc/webproxy/blocklist.txt"
    # - type: csv
    #   path: "/etc/webproxy/blocklist.csv"
    #   has_header: true
    # - type: url
    #   url: "https://blocklist.example.com/patterns.txt"

  # Auto-reload interval for sources (0 = off)
  reload_interval: 0s

admin:
  enabled: false
  addr: "127.0.0.1:9090"
  max_conns: 16

metrics:
  # Serve /metrics on the admin API
  enabled: true

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
