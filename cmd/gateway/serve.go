package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"trino-arrow-gateway/internal/config"
	"trino-arrow-gateway/internal/flightsql"
	"trino-arrow-gateway/internal/middleware"
	"trino-arrow-gateway/internal/observability"
	"trino-arrow-gateway/internal/registry"
	"trino-arrow-gateway/internal/spool"
	"trino-arrow-gateway/internal/stream"
	"trino-arrow-gateway/internal/trino"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, opts *rootOptions, logOut io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg, logOut)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	config.LogEffective(logger, cfg)
	flightsql.Version = version

	spoolClient := spool.NewClient(spool.Options{
		ConnectTimeout:  cfg.Spool.ConnectTimeout,
		DownloadTimeout: cfg.Spool.DownloadTimeout,
		AckTimeout:      cfg.Spool.AckTimeout,
		Objects: spool.NewS3Fetcher(spool.S3Options{
			Region:       cfg.Spool.S3.Region,
			Endpoint:     cfg.Spool.S3.Endpoint,
			KeyID:        cfg.Spool.S3.KeyID,
			Secret:       cfg.Spool.S3.Secret,
			UsePathStyle: cfg.Spool.S3.PathStyle,
		}),
		Logger: logger,
	})
	trinoClient := trino.NewClient(trino.Options{
		BaseURL:           cfg.Trino.BaseURL,
		User:              cfg.Trino.User,
		Source:            cfg.Trino.Source,
		Catalog:           cfg.Trino.Catalog,
		Schema:            cfg.Trino.Schema,
		QueryDataEncoding: cfg.Trino.QueryDataEncoding,
		PollInterval:      cfg.Trino.PollInterval,
		MaxPolls:          cfg.Trino.MaxPolls,
		HTTPClient:        &http.Client{Timeout: cfg.Trino.RequestTimeout},
		Logger:            logger,
	})
	handles := registry.New(registry.Options{
		TTL:           cfg.Registry.TTL,
		SweepInterval: cfg.Registry.SweepInterval,
		Logger:        logger,
	})
	pipeline := stream.New(spoolClient, stream.Options{
		Parallelism:                  cfg.Conversion.Parallelism,
		MaxInFlightSegments:          cfg.Conversion.MaxInFlightSegments,
		MaxBufferedBatchesPerSegment: cfg.Conversion.MaxBufferedBatchesPerSegment,
		BatchSize:                    cfg.Conversion.BatchSize,
		StrictAck:                    cfg.Spool.StrictAck,
		Logger:                       logger,
	})
	gw := flightsql.NewGateway(flightsql.GatewayOptions{
		Submitter:     trinoClient,
		Handles:       handles,
		Streamer:      pipeline,
		AdvertiseAddr: cfg.Flight.AdvertiseAddr(),
		Logger:        logger,
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	var bg errgroup.Group
	bg.Go(func() error {
		handles.Run(bgCtx)
		return nil
	})

	var limiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			Methods:           []string{flightsql.GetFlightInfoMethod},
			OnReject:          func(string) { observability.IncRateLimited() },
		})
		bg.Go(func() error {
			limiter.Run(bgCtx)
			return nil
		})
	}

	var flightSrv *flightsql.Server
	if cfg.Flight.Enabled {
		flightSrv = flightsql.NewServer(flightsql.ServerOptions{
			Addr:        cfg.Flight.ListenAddr(),
			Gateway:     gw,
			Logger:      logger,
			RateLimiter: limiter,
		})
		if err := flightSrv.Start(); err != nil {
			stopBackground()
			_ = bg.Wait()
			return err
		}
	}

	var admin *observability.AdminServer
	if cfg.AdminListenAddr != "" {
		admin, err = observability.StartAdmin(cfg.AdminListenAddr, observability.NewAdminHandler(logger, trinoClient.Ping, cfg.CORSAllowedOrigins...), logger)
		if err != nil {
			err = fmt.Errorf("start admin server: %w", err)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if flightSrv != nil {
				_ = flightSrv.Shutdown(shutdownCtx)
			}
			stopBackground()
			_ = bg.Wait()
			return err
		}
	}

	<-ctx.Done()
	logger.Info("shutting down", "reason", context.Cause(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if flightSrv != nil {
		if err := flightSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	stopBackground()
	if err := bg.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
