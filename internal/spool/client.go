package spool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trino-arrow-gateway/internal/domain"
)

// Default transport timeouts.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultAckTimeout      = 30 * time.Second
)

// ObjectFetcher reads an object from S3-compatible storage.
type ObjectFetcher interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Options configures a Client.
type Options struct {
	ConnectTimeout  time.Duration
	DownloadTimeout time.Duration
	AckTimeout      time.Duration
	// Objects serves s3:// segment URIs. Nil rejects them.
	Objects ObjectFetcher
	Logger  *slog.Logger
}

// Client downloads and acknowledges spooled segments.
type Client struct {
	fetch   *http.Client
	ack     *http.Client
	objects ObjectFetcher
	logger  *slog.Logger
}

// NewClient creates a Client. Zero timeouts fall back to the defaults.
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext

	return &Client{
		fetch:   &http.Client{Transport: transport, Timeout: opts.DownloadTimeout},
		ack:     &http.Client{Transport: transport, Timeout: opts.AckTimeout},
		objects: opts.Objects,
		logger:  opts.Logger,
	}
}

// Fetch opens the segment payload. The caller must close the returned reader.
func (c *Client) Fetch(ctx context.Context, seg domain.SpoolSegment) (io.ReadCloser, error) {
	u, err := url.Parse(seg.URI)
	if err != nil {
		return nil, fmt.Errorf("parse segment uri %q: %w", seg.URI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return c.fetchHTTP(ctx, seg)
	case "s3":
		if c.objects == nil {
			return nil, fmt.Errorf("segment %s uses s3 but no object store is configured", seg.URI)
		}
		bucket, key, err := ParseS3URI(seg.URI)
		if err != nil {
			return nil, err
		}
		return c.objects.GetObject(ctx, bucket, key)
	default:
		return nil, fmt.Errorf("unsupported segment uri scheme %q", u.Scheme)
	}
}

func (c *Client) fetchHTTP(ctx context.Context, seg domain.SpoolSegment) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	setHeaders(req, seg.Headers)

	resp, err := c.fetch.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch segment %s: %w", seg.URI, err)
	}
	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp.Body)
		return nil, &domain.FetchError{URI: seg.URI, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// Ack tells Trino the segment was consumed. A segment without an ack URI is
// a no-op.
func (c *Client) Ack(ctx context.Context, seg domain.SpoolSegment) error {
	if seg.AckURI == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.AckURI, nil)
	if err != nil {
		return fmt.Errorf("create ack request: %w", err)
	}
	setHeaders(req, seg.Headers)

	resp, err := c.ack.Do(req)
	if err != nil {
		return fmt.Errorf("ack segment %s: %w", seg.AckURI, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &domain.AckError{URI: seg.AckURI, StatusCode: resp.StatusCode}
	}
	c.logger.Debug("acknowledged spooled segment", "uri", seg.URI)
	return nil
}

func setHeaders(req *http.Request, headers map[string]string) {
	for name, value := range headers {
		req.Header.Set(name, value)
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
