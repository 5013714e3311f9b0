package flightsql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"trino-arrow-gateway/internal/domain"
	"trino-arrow-gateway/internal/observability"
)

// QuerySubmitter runs a statement against Trino until its result is spooled.
type QuerySubmitter interface {
	SubmitQuery(ctx context.Context, sql string) (*domain.QueryHandle, error)
}

// Streamer converts the spooled segments of a handle into Arrow batches.
type Streamer interface {
	Stream(ctx context.Context, handle *domain.QueryHandle, emit func(arrow.RecordBatch) error) error
}

// HandleStore keeps resolved query handles between GetFlightInfo and DoGet.
type HandleStore interface {
	Put(handle *domain.QueryHandle)
	Get(queryID string) (*domain.QueryHandle, error)
	Delete(queryID string) bool
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Submitter QuerySubmitter
	Handles   HandleStore
	Streamer  Streamer
	// AdvertiseAddr is the host:port placed in endpoint locations. When empty
	// clients are told to reuse the connection they already have.
	AdvertiseAddr string
	Allocator     memory.Allocator
	Logger        *slog.Logger
}

// Gateway holds the query lifecycle shared by the plain Flight service and
// the Flight SQL adapter.
type Gateway struct {
	submitter QuerySubmitter
	handles   HandleStore
	streamer  Streamer
	advertise string
	mem       memory.Allocator
	logger    *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mem := opts.Allocator
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Gateway{
		submitter: opts.Submitter,
		handles:   opts.Handles,
		streamer:  opts.Streamer,
		advertise: opts.AdvertiseAddr,
		mem:       mem,
		logger:    logger,
	}
}

// Prepare submits sql to Trino and stores the resulting handle.
func (g *Gateway) Prepare(ctx context.Context, sql string) (*domain.QueryHandle, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, domain.ErrValidation("query must not be empty")
	}
	handle, err := g.submitter.SubmitQuery(ctx, sql)
	if err != nil {
		g.logger.WarnContext(ctx, "query submission failed", "error", err)
		return nil, err
	}
	g.handles.Put(handle)
	g.logger.InfoContext(ctx, "query ready",
		"query_id", handle.QueryID,
		"segments", len(handle.Segments),
		"encoding", handle.SpoolEncoding,
		"total_rows", handle.TotalRows(),
	)
	return handle, nil
}

// Lookup returns the handle stored for queryID.
func (g *Gateway) Lookup(queryID string) (*domain.QueryHandle, error) {
	return g.handles.Get(queryID)
}

// Evict forgets queryID. It reports whether a handle was removed.
func (g *Gateway) Evict(queryID string) bool {
	return g.handles.Delete(queryID)
}

// Stream emits every batch of handle in canonical segment order.
func (g *Gateway) Stream(ctx context.Context, handle *domain.QueryHandle, emit func(arrow.RecordBatch) error) error {
	start := time.Now()
	err := g.streamer.Stream(ctx, handle, emit)

	outcome := observability.OutcomeOK
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = observability.OutcomeCanceled
	case err != nil:
		outcome = observability.OutcomeError
	}
	observability.ObserveStream(outcome)

	if err != nil {
		g.logger.WarnContext(ctx, "stream failed", "query_id", handle.QueryID, "error", err)
		return err
	}
	g.logger.InfoContext(ctx, "stream complete",
		"query_id", handle.QueryID,
		"duration", time.Since(start).String(),
	)
	return nil
}

// FlightInfo describes handle as a single ordered endpoint carrying ticket.
func (g *Gateway) FlightInfo(handle *domain.QueryHandle, desc *arrowflight.FlightDescriptor, ticket []byte) *arrowflight.FlightInfo {
	location := arrowflight.LocationReuseConnection
	if g.advertise != "" {
		location = fmt.Sprintf("grpc+tcp://%s", g.advertise)
	}
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(handle.Schema, g.mem),
		FlightDescriptor: desc,
		Endpoint: []*arrowflight.FlightEndpoint{{
			Ticket:   &arrowflight.Ticket{Ticket: ticket},
			Location: []*arrowflight.Location{{Uri: location}},
		}},
		TotalRecords: handle.TotalRows(),
		TotalBytes:   -1,
		Ordered:      true,
	}
}
