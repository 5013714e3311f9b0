package trino

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trino-arrow-gateway/internal/convert"
	"trino-arrow-gateway/internal/domain"
	"trino-arrow-gateway/internal/observability"
)

// Request headers understood by Trino.
const (
	HeaderUser              = "X-Trino-User"
	HeaderSource            = "X-Trino-Source"
	HeaderCatalog           = "X-Trino-Catalog"
	HeaderSchema            = "X-Trino-Schema"
	HeaderQueryDataEncoding = "X-Trino-Query-Data-Encoding"
)

// Poll loop defaults.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxPolls     = 10000
)

// Options configures a Client.
type Options struct {
	BaseURL           string
	User              string
	Source            string
	Catalog           string
	Schema            string
	QueryDataEncoding string
	PollInterval      time.Duration
	MaxPolls          int
	// HTTPClient is used for submission and polling. Nil uses a client with
	// a 30s request timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client submits statements to Trino and follows them to completion.
type Client struct {
	baseURL  string
	user     string
	source   string
	catalog  string
	schema   string
	encoding string
	interval time.Duration
	maxPolls int
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a Client from opts.
func NewClient(opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		user:     opts.User,
		source:   opts.Source,
		catalog:  opts.Catalog,
		schema:   opts.Schema,
		encoding: strings.TrimSpace(opts.QueryDataEncoding),
		interval: opts.PollInterval,
		maxPolls: opts.MaxPolls,
		http:     opts.HTTPClient,
		logger:   opts.Logger,
	}
}

// BaseURL returns the Trino coordinator address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// SubmitQuery runs sql on Trino, waits for a terminal state and returns the
// resolved handle with its segments in canonical order.
func (c *Client) SubmitQuery(ctx context.Context, sql string) (*domain.QueryHandle, error) {
	start := time.Now()
	handle, err := c.submitQuery(ctx, sql)
	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeError
		if errors.Is(err, context.Canceled) {
			outcome = observability.OutcomeCanceled
		}
	}
	observability.ObserveQuerySubmitted(outcome, time.Since(start))
	return handle, err
}

func (c *Client) submitQuery(ctx context.Context, sql string) (*domain.QueryHandle, error) {
	c.logger.Debug("submitting query to Trino", "sql", sql)

	resp, err := c.post(ctx, sql)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, domain.ErrInvariant("Trino /v1/statement returned no query id")
	}

	queryID := resp.ID
	segments := newSegmentSet(queryID, c.logger)
	segments.merge(resp.Data)
	columns := resp.Columns

	for polls := 0; ; polls++ {
		state := strings.ToUpper(resp.Stats.State)
		if state == StateFailed || state == StateCanceled {
			msg := "(no error message)"
			if resp.Error != nil && resp.Error.Message != "" {
				msg = resp.Error.Message
			}
			return nil, &domain.QueryFailedError{QueryID: queryID, State: state, Message: msg}
		}

		if resp.NextURI == "" {
			if state == StateFinished || state == "" {
				break
			}
			return nil, domain.ErrInvariant("Trino query %s is in state %s but nextUri is missing", queryID, state)
		}
		if polls >= c.maxPolls {
			return nil, domain.ErrInvariant("Trino query %s did not reach FINISHED after %d polls", queryID, c.maxPolls)
		}
		if state != StateFinished {
			if err := sleepCtx(ctx, c.interval); err != nil {
				return nil, fmt.Errorf("poll query %s: %w", queryID, err)
			}
		}

		resp, err = c.get(ctx, resp.NextURI)
		if err != nil {
			return nil, err
		}
		observability.IncTrinoPolls()
		if resp.ID != queryID {
			c.logger.Warn("Trino response id changed", "query_id", queryID, "response_id", resp.ID)
		}
		segments.merge(resp.Data)
		if len(resp.Columns) > 0 {
			columns = resp.Columns
		}
	}

	cols := make([]domain.Column, len(columns))
	for i, col := range columns {
		cols[i] = domain.Column{Name: col.Name, Type: col.Type}
	}
	schema, err := convert.SchemaFromColumns(cols)
	if err != nil {
		return nil, err
	}

	handle := &domain.QueryHandle{
		QueryID:       queryID,
		Columns:       cols,
		Schema:        schema,
		SpoolEncoding: segments.encoding,
		Segments:      segments.sorted(),
		CreatedAt:     time.Now(),
	}
	c.logger.Info("Trino query finished",
		"query_id", queryID,
		"columns", len(cols),
		"spooled_segments", len(handle.Segments),
		"encoding", handle.SpoolEncoding)
	return handle, nil
}

// Ping checks that the coordinator answers GET /v1/info.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/info", nil)
	if err != nil {
		return fmt.Errorf("create info request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.UnavailableError{BaseURL: c.baseURL, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return &domain.UnavailableError{BaseURL: c.baseURL, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, sql string) (*StatementResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/statement", strings.NewReader(sql))
	if err != nil {
		return nil, fmt.Errorf("create statement request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set(HeaderUser, c.user)
	if c.source != "" {
		req.Header.Set(HeaderSource, c.source)
	}
	if c.catalog != "" {
		req.Header.Set(HeaderCatalog, c.catalog)
	}
	if c.schema != "" {
		req.Header.Set(HeaderSchema, c.schema)
	}
	if c.encoding != "" {
		req.Header.Set(HeaderQueryDataEncoding, c.encoding)
	}
	return c.do(req, true)
}

func (c *Client) get(ctx context.Context, nextURI string) (*StatementResponse, error) {
	target, err := c.resolve(nextURI)
	if err != nil {
		return nil, domain.ErrInvariant("invalid nextUri %q: %v", nextURI, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create poll request: %w", err)
	}
	req.Header.Set(HeaderUser, c.user)
	return c.do(req, false)
}

// resolve turns a relative nextUri into an absolute one against the base URL.
func (c *Client) resolve(nextURI string) (string, error) {
	u, err := url.Parse(nextURI)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return nextURI, nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

func (c *Client) do(req *http.Request, submission bool) (*StatementResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.UnavailableError{BaseURL: c.baseURL, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body := readSnippet(resp.Body)
		if submission {
			return nil, &domain.RequestRejectedError{StatusCode: resp.StatusCode, Body: body}
		}
		return nil, domain.ErrInvariant("Trino poll returned HTTP %d: %s", resp.StatusCode, body)
	default:
		return nil, &domain.UnavailableError{
			BaseURL: c.baseURL,
			Err:     fmt.Errorf("HTTP %d: %s", resp.StatusCode, readSnippet(resp.Body)),
		}
	}

	var out StatementResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.ErrInvariant("decode Trino statement response: %v", err)
	}
	return &out, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(b))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
