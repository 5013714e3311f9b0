package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML document at path onto cfg. Keys missing from
// the file keep their current values. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Redacted returns a copy of the configuration that is safe to print.
func (c *Config) Redacted() Config {
	out := *c
	out.Warnings = nil
	if out.Spool.S3.Secret != "" {
		out.Spool.S3.Secret = "****"
	}
	return out
}

// MarshalRedactedYAML renders the redacted configuration as YAML.
func (c *Config) MarshalRedactedYAML() ([]byte, error) {
	r := c.Redacted()
	return yaml.Marshal(&r)
}

// LogEffective logs the effective configuration once at startup.
func LogEffective(logger *slog.Logger, c *Config) {
	r := c.Redacted()
	logger.Info("effective configuration",
		slog.Group("trino",
			"base_url", r.Trino.BaseURL,
			"user", r.Trino.User,
			"query_data_encoding", r.Trino.QueryDataEncoding,
			"source", r.Trino.Source,
			"catalog", r.Trino.Catalog,
			"schema", r.Trino.Schema,
			"poll_interval", r.Trino.PollInterval,
			"max_polls", r.Trino.MaxPolls,
		),
		slog.Group("flight",
			"enabled", r.Flight.Enabled,
			"listen", r.Flight.ListenAddr(),
			"advertise", r.Flight.AdvertiseAddr(),
		),
		slog.Group("conversion",
			"parallelism", r.Conversion.Parallelism,
			"batch_size", r.Conversion.BatchSize,
			"max_in_flight_segments", r.Conversion.MaxInFlightSegments,
			"max_buffered_batches_per_segment", r.Conversion.MaxBufferedBatchesPerSegment,
		),
		slog.Group("spool",
			"connect_timeout", r.Spool.ConnectTimeout,
			"download_timeout", r.Spool.DownloadTimeout,
			"ack_timeout", r.Spool.AckTimeout,
			"strict_ack", r.Spool.StrictAck,
			"s3_region", r.Spool.S3.Region,
			"s3_endpoint", r.Spool.S3.Endpoint,
			"s3_key_id", r.Spool.S3.KeyID,
			"s3_secret", r.Spool.S3.Secret,
		),
		slog.Group("registry",
			"ttl", r.Registry.TTL,
			"sweep_interval", r.Registry.SweepInterval,
		),
		"admin_listen_addr", r.AdminListenAddr,
		"cors_allowed_origins", r.CORSAllowedOrigins,
		"rate_limit_rps", r.RateLimitRPS,
		"env", r.Env,
	)
}
