package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"depiction-map/cluster"
)

// Config represents the application configuration with environment variable support
type Config struct {
	Server         ServerConfig         `json:"server" mapstructure:"server"`
	Database       DatabaseConfig       `json:"database" mapstructure:"database"`
	Redis          RedisConfig          `json:"redis" mapstructure:"redis"`
	Storage        StorageConfig        `json:"storage" mapstructure:"storage"`
	Sources        SourcesConfig        `json:"sources" mapstructure:"sources"`
	Map            MapConfig            `json:"map" mapstructure:"map"`
	HTTP           HTTPConfig           `json:"http" mapstructure:"http"`
	Monitoring     MonitoringConfig     `json:"monitoring" mapstructure:"monitoring"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" mapstructure:"circuit_breaker"`
	RateLimiting   RateLimitingConfig   `json:"rate_limiting" mapstructure:"rate_limiting"`
	Observability  ObservabilityConfig  `json:"observability" mapstructure:"observability"`
	Security       SecurityConfig       `json:"security" mapstructure:"security"`
	JWT            JWTConfig            `json:"jwt" mapstructure:"jwt"`
}

type ServerConfig struct {
	Host                    string        `json:"host" mapstructure:"host"`
	Port                    string        `json:"port" mapstructure:"port"`
	ImagesDir               string        `json:"images_dir" mapstructure:"images_dir"`
	ReadTimeout             time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `json:"graceful_shutdown_timeout" mapstructure:"graceful_shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

type DatabaseConfig struct {
	Host               string        `json:"host" mapstructure:"host"`
	Port               string        `json:"port" mapstructure:"port"`
	User               string        `json:"user" mapstructure:"user"`
	Password           string        `json:"password" mapstructure:"password"`
	Name               string        `json:"name" mapstructure:"name"`
	MaxConnections     int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int           `json:"max_idle_connections" mapstructure:"max_idle_connections"`
	ConnectionLifetime time.Duration `json:"connection_lifetime" mapstructure:"connection_lifetime"`
	RetryAttempts      int           `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
}

// DSN builds the go-sql-driver/mysql connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Enabled            bool          `json:"enabled" mapstructure:"enabled"`
	Host               string        `json:"host" mapstructure:"host"`
	Port               string        `json:"port" mapstructure:"port"`
	Username           string        `json:"username" mapstructure:"username"`
	Password           string        `json:"password" mapstructure:"password"`
	DB                 int           `json:"db" mapstructure:"db"`
	PoolSize           int           `json:"pool_size" mapstructure:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections" mapstructure:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	MaxRetries         int           `json:"max_retries" mapstructure:"max_retries"`
	Namespace          string        `json:"namespace" mapstructure:"namespace"`
	CacheTTL           time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
}

// StorageConfig selects where fetched source data is persisted.
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

// SourceConfig describes one upstream source and the categories it depicts.
type SourceConfig struct {
	Name       string        `json:"name" mapstructure:"name"`
	Kind       string        `json:"kind" mapstructure:"kind"`
	Title      string        `json:"title" mapstructure:"title"`
	Query      string        `json:"query" mapstructure:"query"`
	Categories []string      `json:"categories" mapstructure:"categories"`
	File       string        `json:"file" mapstructure:"file"`
	RetryEvery time.Duration `json:"retry_every" mapstructure:"retry_every"`
}

type SourcesConfig struct {
	Enabled       bool           `json:"enabled" mapstructure:"enabled"`
	CheckInterval time.Duration  `json:"check_interval" mapstructure:"check_interval"`
	FetchTimeout  time.Duration  `json:"fetch_timeout" mapstructure:"fetch_timeout"`
	MaxWorkers    int            `json:"max_workers" mapstructure:"max_workers"`
	OverpassURL   string         `json:"overpass_url" mapstructure:"overpass_url"`
	WikidataURL   string         `json:"wikidata_url" mapstructure:"wikidata_url"`
	UserAgent     string         `json:"user_agent" mapstructure:"user_agent"`
	OverridesFile string         `json:"overrides_file" mapstructure:"overrides_file"`
	Entries       []SourceConfig `json:"entries" mapstructure:"entries"`
}

// MapConfig configures the map session served to the page.
type MapConfig struct {
	DatasetURL     string        `json:"dataset_url" mapstructure:"dataset_url"`
	Category       string        `json:"category" mapstructure:"category"`
	LoadTimeout    time.Duration `json:"load_timeout" mapstructure:"load_timeout"`
	ClusterRadius  float64       `json:"cluster_radius" mapstructure:"cluster_radius"`
	ClusterExtent  int           `json:"cluster_extent" mapstructure:"cluster_extent"`
	MinPoints      int           `json:"min_points" mapstructure:"min_points"`
	MaxZoom        int           `json:"max_zoom" mapstructure:"max_zoom"`
	DefaultFilters FilterConfig  `json:"default_filters" mapstructure:"default_filters"`
}

// ClusterOptions converts the map section to marker grouping options.
func (m MapConfig) ClusterOptions() cluster.Options {
	opts := cluster.DefaultOptions()
	opts.Radius = m.ClusterRadius
	opts.Extent = m.ClusterExtent
	opts.MinPoints = m.MinPoints
	opts.MaxZoom = m.MaxZoom
	return opts
}

type HTTPConfig struct {
	MaxIdleConnections        int           `json:"max_idle_connections" mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `json:"max_idle_connections_per_host" mapstructure:"max_idle_connections_per_host"`
	IdleConnectionTimeout     time.Duration `json:"idle_connection_timeout" mapstructure:"idle_connection_timeout"`
	MaxConnectionsPerHost     int           `json:"max_connections_per_host" mapstructure:"max_connections_per_host"`
	TLSHandshakeTimeout       time.Duration `json:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout     time.Duration `json:"response_header_timeout" mapstructure:"response_header_timeout"`
	ExpectContinueTimeout     time.Duration `json:"expect_continue_timeout" mapstructure:"expect_continue_timeout"`
}

// NewClient builds an outbound HTTP client with the configured pooling.
func (h HTTPConfig) NewClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          h.MaxIdleConnections,
		MaxIdleConnsPerHost:   h.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:       h.MaxConnectionsPerHost,
		IdleConnTimeout:       h.IdleConnectionTimeout,
		TLSHandshakeTimeout:   h.TLSHandshakeTimeout,
		ResponseHeaderTimeout: h.ResponseHeaderTimeout,
		ExpectContinueTimeout: h.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

type MonitoringConfig struct {
	HealthCheckInterval time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
	MetricsInterval     time.Duration `json:"metrics_interval" mapstructure:"metrics_interval"`
	LogLevel            string        `json:"log_level" mapstructure:"log_level"`
	EnablePrometheus    bool          `json:"enable_prometheus" mapstructure:"enable_prometheus"`
}

type CircuitBreakerConfig struct {
	MaxFailures      int           `json:"max_failures" mapstructure:"max_failures"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls" mapstructure:"half_open_max_calls"`
}

type RateLimitingConfig struct {
	PerIPLimit int           `json:"per_ip_limit" mapstructure:"per_ip_limit"`
	Window     time.Duration `json:"window" mapstructure:"window"`
}

type ObservabilityConfig struct {
	LogFormat      string `json:"log_format" mapstructure:"log_format"`
	EnableMetrics  bool   `json:"enable_metrics" mapstructure:"enable_metrics"`
	EnableTracing  bool   `json:"enable_tracing" mapstructure:"enable_tracing"`
	JaegerEndpoint string `json:"jaeger_endpoint" mapstructure:"jaeger_endpoint"`
	ServiceName    string `json:"service_name" mapstructure:"service_name"`
	ServiceVersion string `json:"service_version" mapstructure:"service_version"`
}

type SecurityConfig struct {
	EnableCORS       bool     `json:"enable_cors" mapstructure:"enable_cors"`
	CORSOrigins      []string `json:"cors_origins" mapstructure:"cors_origins"`
	TrustedProxies   []string `json:"trusted_proxies" mapstructure:"trusted_proxies"`
	RateLimitEnabled bool     `json:"rate_limit_enabled" mapstructure:"rate_limit_enabled"`
}

type JWTConfig struct {
	Secret            string        `json:"secret" mapstructure:"secret"`
	Issuer            string        `json:"issuer" mapstructure:"issuer"`
	Audience          string        `json:"audience" mapstructure:"audience"`
	AccessTokenExpiry time.Duration `json:"access_token_expiry" mapstructure:"access_token_expiry"`
	Leeway            time.Duration `json:"leeway" mapstructure:"leeway"`
}

const (
	defaultConfigFile = "config.json"
	defaultRetryEvery = 3 * time.Hour

	defaultDragonQuery = `[out:json][timeout:30];
nwr["artwork_subject"~"dragon"]["artwork_subject"!~"dragonfl"];
out geom;`
)

// Global config instance with mutex for thread safety
var (
	config     *Config
	configMu   sync.RWMutex
	configPath string
)

// ConfigFileFromEnv returns the config path from DEPICT_CONFIG, or config.json.
func ConfigFileFromEnv() string {
	return GetEnvString("DEPICT_CONFIG", defaultConfigFile)
}

// LoadConfig loads configuration from file and environment variables. A missing
// file is not an error: defaults and environment still apply.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType(configType(configFile))

	v.AutomaticEnv()
	v.SetEnvPrefix("DEPICT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if _, err := os.Stat(configFile); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applySourceDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	configMu.Lock()
	config = &cfg
	configPath = configFile
	configMu.Unlock()

	return &cfg, nil
}

func configType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// GetConfig returns the current configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return config
}

// ReloadConfig reloads configuration from file
func ReloadConfig() (*Config, error) {
	configMu.RLock()
	path := configPath
	configMu.RUnlock()

	if path == "" {
		return nil, fmt.Errorf("no config file path set")
	}
	return LoadConfig(path)
}

// WatchConfig reloads the configuration whenever the file is written and hands
// the new value to onChange. The returned function stops the watcher.
func WatchConfig(onChange func(*Config)) (func() error, error) {
	configMu.RLock()
	path := configPath
	configMu.RUnlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := ReloadConfig()
				if err != nil {
					GetLogger().WithError(err).Error("Failed to reload config")
					continue
				}
				GetLogger().Info("Config reloaded successfully")
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				GetLogger().WithError(err).Warn("Config watcher error")
			}
		}
	}()

	return watcher.Close, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.images_dir", "./images")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "depiction_map")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.max_idle_connections", 2)
	v.SetDefault("database.connection_lifetime", "5m")
	v.SetDefault("database.retry_attempts", 3)
	v.SetDefault("database.retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_connections", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.namespace", "depiction_map")
	v.SetDefault("redis.cache_ttl", "24h")

	// Storage defaults
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "./storage")

	// Source defaults
	v.SetDefault("sources.enabled", true)
	v.SetDefault("sources.check_interval", "10s")
	v.SetDefault("sources.fetch_timeout", "2m")
	v.SetDefault("sources.max_workers", 2)
	v.SetDefault("sources.overpass_url", "https://overpass-api.de/api/interpreter")
	v.SetDefault("sources.wikidata_url", "https://query.wikidata.org/sparql")
	v.SetDefault("sources.user_agent", "depiction-map (https://github.com/marius851000/depiction-map)")
	v.SetDefault("sources.overrides_file", "")
	v.SetDefault("sources.entries", []map[string]interface{}{
		{
			"name":        "osm_dragon",
			"kind":        "overpass",
			"title":       "Dragons from OpenStreetMap",
			"query":       defaultDragonQuery,
			"categories":  []string{"dragon"},
			"file":        "osm_dragon.json",
			"retry_every": "3h",
		},
	})

	// Map defaults
	v.SetDefault("map.dataset_url", "http://127.0.0.1:8080/depiction/dragon.json")
	v.SetDefault("map.category", "dragon")
	v.SetDefault("map.load_timeout", "30s")
	v.SetDefault("map.cluster_radius", 30.0)
	v.SetDefault("map.cluster_extent", 256)
	v.SetDefault("map.min_points", 2)
	v.SetDefault("map.max_zoom", 18)
	v.SetDefault("map.default_filters.exclude_exhibits", false)
	v.SetDefault("map.default_filters.missing_image_only", false)

	// HTTP defaults
	v.SetDefault("http.max_idle_connections", 100)
	v.SetDefault("http.max_idle_connections_per_host", 10)
	v.SetDefault("http.idle_connection_timeout", "90s")
	v.SetDefault("http.max_connections_per_host", 20)
	v.SetDefault("http.tls_handshake_timeout", "10s")
	v.SetDefault("http.response_header_timeout", "60s")
	v.SetDefault("http.expect_continue_timeout", "1s")

	// Monitoring defaults
	v.SetDefault("monitoring.health_check_interval", "30s")
	v.SetDefault("monitoring.metrics_interval", "60s")
	v.SetDefault("monitoring.log_level", "info")
	v.SetDefault("monitoring.enable_prometheus", true)

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.max_failures", 3)
	v.SetDefault("circuit_breaker.timeout", "5m")
	v.SetDefault("circuit_breaker.half_open_max_calls", 1)

	// Rate limiting defaults
	v.SetDefault("rate_limiting.per_ip_limit", 120)
	v.SetDefault("rate_limiting.window", "1m")

	// Observability defaults
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.service_name", "depiction-map")
	v.SetDefault("observability.service_version", "1.0.0")

	// Security defaults
	v.SetDefault("security.enable_cors", true)
	v.SetDefault("security.cors_origins", []string{"*"})
	v.SetDefault("security.trusted_proxies", []string{})
	v.SetDefault("security.rate_limit_enabled", true)

	// JWT defaults
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "depiction-map")
	v.SetDefault("jwt.audience", "depiction-map-admin")
	v.SetDefault("jwt.access_token_expiry", "15m")
	v.SetDefault("jwt.leeway", "30s")
}

func applySourceDefaults(cfg *Config) {
	for i := range cfg.Sources.Entries {
		src := &cfg.Sources.Entries[i]
		if src.RetryEvery <= 0 {
			src.RetryEvery = defaultRetryEvery
		}
		if src.Title == "" {
			src.Title = src.Name
		}
		if src.File == "" {
			src.File = src.Name + ".json"
		}
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch cfg.Storage.Backend {
	case "file":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("storage dir is required for the file backend")
		}
	case "mysql":
		if cfg.Database.Host == "" {
			return fmt.Errorf("database host is required for the mysql backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Redis.Enabled && cfg.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if cfg.Sources.CheckInterval <= 0 {
		return fmt.Errorf("sources check_interval must be greater than 0")
	}
	if cfg.Sources.MaxWorkers <= 0 {
		return fmt.Errorf("sources max_workers must be greater than 0")
	}

	names := make(map[string]bool)
	files := make(map[string]bool)
	for _, src := range cfg.Sources.Entries {
		if src.Name == "" {
			return fmt.Errorf("source name is required")
		}
		if names[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		names[src.Name] = true
		if files[src.File] {
			return fmt.Errorf("source %q: file %q already used", src.Name, src.File)
		}
		files[src.File] = true
		if strings.ContainsAny(src.File, `/\`) || src.File == "." || src.File == ".." {
			return fmt.Errorf("source %q: file must be a plain file name", src.Name)
		}
		if src.Kind != sourceKindOverpass && src.Kind != sourceKindWikidata {
			return fmt.Errorf("source %q: unknown kind %q", src.Name, src.Kind)
		}
		if src.Query == "" {
			return fmt.Errorf("source %q: query is required", src.Name)
		}
		if len(src.Categories) == 0 {
			return fmt.Errorf("source %q: at least one category is required", src.Name)
		}
	}

	if cfg.Map.DatasetURL == "" {
		return fmt.Errorf("map dataset_url is required")
	}
	if cfg.Map.ClusterRadius <= 0 || cfg.Map.ClusterExtent <= 0 {
		return fmt.Errorf("map cluster_radius and cluster_extent must be greater than 0")
	}
	if cfg.Map.MinPoints < 1 {
		return fmt.Errorf("map min_points must be at least 1")
	}

	return nil
}

// GetEnvString gets environment variable with fallback
func GetEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// GetEnvInt gets environment variable as int with fallback
func GetEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return fallback
}

// GetEnvBool gets environment variable as bool with fallback
func GetEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return fallback
}
