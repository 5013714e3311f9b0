// Package observability provides logging, metrics and the admin HTTP endpoint.
package observability

import (
	"io"
	"log/slog"
	"strings"

	"trino-arrow-gateway/internal/config"
)

// NewLogger builds the process logger from the configured level and format.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(
		slog.String("service", "trino-arrow-gateway"),
		slog.String("env", cfg.Env),
	)
}
