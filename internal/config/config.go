// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// TrinoConfig describes the Trino coordinator and the session identity used
// for submitted statements.
type TrinoConfig struct {
	BaseURL           string        `yaml:"base_url"`
	User              string        `yaml:"user"`
	QueryDataEncoding string        `yaml:"query_data_encoding"` // spooling hint sent as X-Trino-Query-Data-Encoding
	Source            string        `yaml:"source"`
	Catalog           string        `yaml:"catalog"`
	Schema            string        `yaml:"schema"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxPolls          int           `yaml:"max_polls"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// FlightConfig holds the Arrow Flight listener settings.
type FlightConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BindHost      string `yaml:"bind_host"`
	AdvertiseHost string `yaml:"advertise_host"` // host put into FlightInfo locations
	Port          int    `yaml:"port"`
}

// ListenAddr returns the address the Flight listener binds to.
func (f FlightConfig) ListenAddr() string {
	return net.JoinHostPort(f.BindHost, strconv.Itoa(f.Port))
}

// AdvertiseAddr returns the host:port clients are told to connect to.
func (f FlightConfig) AdvertiseAddr() string {
	return net.JoinHostPort(f.AdvertiseHost, strconv.Itoa(f.Port))
}

// ConversionConfig sizes the segment streaming pipeline.
type ConversionConfig struct {
	Parallelism                  int `yaml:"parallelism"`
	BatchSize                    int `yaml:"batch_size"`
	MaxInFlightSegments          int `yaml:"max_in_flight_segments"` // 0 means same as Parallelism
	MaxBufferedBatchesPerSegment int `yaml:"max_buffered_batches_per_segment"`
}

// S3Config configures access to s3:// segment URIs.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	KeyID     string `yaml:"key_id"`
	Secret    string `yaml:"secret"`
	PathStyle bool   `yaml:"path_style"`
}

// SpoolConfig holds segment transport settings.
type SpoolConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	StrictAck       bool          `yaml:"strict_ack"`
	S3              S3Config      `yaml:"s3"`
}

// RegistryConfig controls query handle retention.
type RegistryConfig struct {
	TTL           time.Duration `yaml:"ttl"` // 0 keeps handles until evicted explicitly
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Config holds the gateway configuration.
type Config struct {
	Trino      TrinoConfig      `yaml:"trino"`
	Flight     FlightConfig     `yaml:"flight"`
	Conversion ConversionConfig `yaml:"conversion"`
	Spool      SpoolConfig      `yaml:"spool"`
	Registry   RegistryConfig   `yaml:"registry"`

	AdminListenAddr string `yaml:"admin_listen_addr"` // empty disables the admin HTTP server
	// CORSAllowedOrigins lists browser origins allowed to call the admin endpoints.
	// Empty sends no CORS headers.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Rate limiting of query submissions. RPS 0 disables the limiter.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error (default "info")
	LogFormat string `yaml:"log_format"` // json (default) or text
	Env       string `yaml:"env"`        // "development" (default) or "production"

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string `yaml:"-"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Trino: TrinoConfig{
			BaseURL:           "http://localhost:8080",
			User:              "trino-arrow-gateway",
			QueryDataEncoding: "json+zstd",
			Source:            "trino-arrow-gateway",
			PollInterval:      100 * time.Millisecond,
			MaxPolls:          10000,
			RequestTimeout:    30 * time.Second,
		},
		Flight: FlightConfig{
			Enabled:       true,
			BindHost:      "0.0.0.0",
			AdvertiseHost: "localhost",
			Port:          31337,
		},
		Conversion: ConversionConfig{
			Parallelism:                  runtime.NumCPU(),
			BatchSize:                    1024,
			MaxBufferedBatchesPerSegment: 4,
		},
		Spool: SpoolConfig{
			ConnectTimeout:  10 * time.Second,
			DownloadTimeout: 5 * time.Minute,
			AckTimeout:      30 * time.Second,
			S3: S3Config{
				Region:    "eu-central-1",
				PathStyle: true,
			},
		},
		Registry: RegistryConfig{
			TTL:           time.Hour,
			SweepInterval: time.Minute,
		},
		AdminListenAddr: ":9090",
		RateLimitBurst:  20,
		LogLevel:        "info",
		LogFormat:       "json",
		Env:             "development",
	}
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the gateway is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from defaults and environment variables.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Conversion.MaxInFlightSegments == 0 {
		cfg.Conversion.MaxInFlightSegments = cfg.Conversion.Parallelism
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Warnings = append(cfg.Warnings, cfg.warnings()...)
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Trino.BaseURL) == "" {
		errs = append(errs, fmt.Errorf("TRINO_BASE_URL must not be empty"))
	}
	if c.Conversion.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("CONVERSION_BATCH_SIZE must be >= 1, got %d", c.Conversion.BatchSize))
	}
	if c.Conversion.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("CONVERSION_PARALLELISM must be >= 1, got %d", c.Conversion.Parallelism))
	}
	if c.Conversion.MaxInFlightSegments < 1 {
		errs = append(errs, fmt.Errorf("CONVERSION_MAX_IN_FLIGHT_SEGMENTS must be >= 1, got %d", c.Conversion.MaxInFlightSegments))
	}
	if c.Conversion.MaxBufferedBatchesPerSegment < 1 {
		errs = append(errs, fmt.Errorf("CONVERSION_MAX_BUFFERED_BATCHES_PER_SEGMENT must be >= 1, got %d", c.Conversion.MaxBufferedBatchesPerSegment))
	}
	if c.Flight.Port < 1 || c.Flight.Port > 65535 {
		errs = append(errs, fmt.Errorf("FLIGHT_PORT must be between 1 and 65535, got %d", c.Flight.Port))
	}
	if c.Trino.MaxPolls < 1 {
		errs = append(errs, fmt.Errorf("TRINO_MAX_POLLS must be >= 1, got %d", c.Trino.MaxPolls))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting is enabled"))
	}

	if c.IsProduction() && len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
		errs = append(errs, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)"))
	}

	// Production mode: clients outside the host cannot reach a localhost location.
	if c.IsProduction() && c.Flight.Enabled && isLoopbackHost(c.Flight.AdvertiseHost) {
		errs = append(errs, fmt.Errorf("FLIGHT_ADVERTISE_HOST must not be %q in production (ENV=production)", c.Flight.AdvertiseHost))
	}
	return errors.Join(errs...)
}

func (c *Config) warnings() []string {
	var out []string
	if strings.TrimSpace(c.Trino.QueryDataEncoding) == "" {
		out = append(out, "TRINO_QUERY_DATA_ENCODING is empty: Trino will not spool results and DoGet will fail")
	}
	if (c.Spool.S3.KeyID == "") != (c.Spool.S3.Secret == "") {
		out = append(out, "SPOOL_S3_KEY_ID and SPOOL_S3_SECRET should be set together: falling back to anonymous S3 access")
	}
	if !c.Flight.Enabled {
		out = append(out, "FLIGHT_ENABLED=false: only the admin server will run")
	}
	if c.Registry.TTL == 0 {
		out = append(out, "REGISTRY_TTL=0: query handles are kept until evicted explicitly")
	}
	return out
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// applyEnv overrides cfg with every environment variable that is set.
func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
				return
			}
			*dst = d
		}
	}

	str("TRINO_BASE_URL", &cfg.Trino.BaseURL)
	str("TRINO_USER", &cfg.Trino.User)
	// An explicitly empty encoding disables the spooling hint.
	if v, ok := os.LookupEnv("TRINO_QUERY_DATA_ENCODING"); ok {
		cfg.Trino.QueryDataEncoding = strings.TrimSpace(v)
	}
	str("TRINO_SOURCE", &cfg.Trino.Source)
	str("TRINO_CATALOG", &cfg.Trino.Catalog)
	str("TRINO_SCHEMA", &cfg.Trino.Schema)
	dur("TRINO_POLL_INTERVAL", &cfg.Trino.PollInterval)
	num("TRINO_MAX_POLLS", &cfg.Trino.MaxPolls)
	dur("TRINO_REQUEST_TIMEOUT", &cfg.Trino.RequestTimeout)

	cfg.Flight.Enabled = parseBoolEnvDefault("FLIGHT_ENABLED", cfg.Flight.Enabled)
	str("FLIGHT_BIND_HOST", &cfg.Flight.BindHost)
	str("FLIGHT_ADVERTISE_HOST", &cfg.Flight.AdvertiseHost)
	num("FLIGHT_PORT", &cfg.Flight.Port)

	num("CONVERSION_PARALLELISM", &cfg.Conversion.Parallelism)
	num("CONVERSION_BATCH_SIZE", &cfg.Conversion.BatchSize)
	num("CONVERSION_MAX_IN_FLIGHT_SEGMENTS", &cfg.Conversion.MaxInFlightSegments)
	num("CONVERSION_MAX_BUFFERED_BATCHES_PER_SEGMENT", &cfg.Conversion.MaxBufferedBatchesPerSegment)

	dur("SPOOL_CONNECT_TIMEOUT", &cfg.Spool.ConnectTimeout)
	dur("SPOOL_DOWNLOAD_TIMEOUT", &cfg.Spool.DownloadTimeout)
	dur("SPOOL_ACK_TIMEOUT", &cfg.Spool.AckTimeout)
	cfg.Spool.StrictAck = parseBoolEnvDefault("SPOOL_STRICT_ACK", cfg.Spool.StrictAck)
	str("SPOOL_S3_REGION", &cfg.Spool.S3.Region)
	str("SPOOL_S3_ENDPOINT", &cfg.Spool.S3.Endpoint)
	str("SPOOL_S3_KEY_ID", &cfg.Spool.S3.KeyID)
	str("SPOOL_S3_SECRET", &cfg.Spool.S3.Secret)
	cfg.Spool.S3.PathStyle = parseBoolEnvDefault("SPOOL_S3_PATH_STYLE", cfg.Spool.S3.PathStyle)

	dur("REGISTRY_TTL", &cfg.Registry.TTL)
	dur("REGISTRY_SWEEP_INTERVAL", &cfg.Registry.SweepInterval)

	// An explicitly empty address disables the admin server.
	if v, ok := os.LookupEnv("ADMIN_LISTEN_ADDR"); ok {
		cfg.AdminListenAddr = strings.TrimSpace(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: invalid number %q", v))
		} else {
			cfg.RateLimitRPS = f
		}
	}
	num("RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("ENV", &cfg.Env)

	return errors.Join(errs...)
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if _, exists := os.LookupEnv(key); !exists {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
