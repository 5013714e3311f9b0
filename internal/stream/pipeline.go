// Package stream converts the spooled segments of a finished query into an
// ordered stream of Arrow record batches.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"trino-arrow-gateway/internal/convert"
	"trino-arrow-gateway/internal/domain"
	"trino-arrow-gateway/internal/observability"
	"trino-arrow-gateway/internal/spool"
)

// DefaultMaxBufferedBatches is the per-segment queue capacity used when
// Options.MaxBufferedBatchesPerSegment is unset.
const DefaultMaxBufferedBatches = 4

// Transport retrieves and acknowledges remote segments.
type Transport interface {
	Fetch(ctx context.Context, seg domain.SpoolSegment) (io.ReadCloser, error)
	Ack(ctx context.Context, seg domain.SpoolSegment) error
}

// Options configures a Pipeline. Zero values select defaults.
type Options struct {
	// Parallelism bounds the number of segment workers. Defaults to NumCPU.
	Parallelism int
	// MaxInFlightSegments bounds how many segments are fetched or buffered at
	// once. Defaults to Parallelism.
	MaxInFlightSegments          int
	MaxBufferedBatchesPerSegment int
	BatchSize                    int
	// StrictAck fails a segment whose acknowledgment fails.
	StrictAck bool
	Allocator memory.Allocator
	Logger    *slog.Logger
}

// Pipeline fans segment retrieval and conversion out to a bounded pool and
// fans the batches back in in canonical segment order. A Pipeline holds no
// per-query state and is safe for concurrent use.
type Pipeline struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	// afterSegment runs once a worker has finished with a segment.
	afterSegment func(seg domain.SpoolSegment, err error)
}

// New creates a Pipeline that fetches remote segments through transport.
func New(transport Transport, opts Options) *Pipeline {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.MaxInFlightSegments <= 0 {
		opts.MaxInFlightSegments = opts.Parallelism
	}
	if opts.MaxBufferedBatchesPerSegment <= 0 {
		opts.MaxBufferedBatchesPerSegment = DefaultMaxBufferedBatches
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = convert.DefaultBatchSize
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{transport: transport, opts: opts, logger: opts.Logger}
}

// item is one element of a segment queue. A queue carries zero or more
// batches followed by exactly one terminal item.
type item struct {
	batch arrow.RecordBatch
	done  bool
	err   error
}

// Stream emits every batch of handle in canonical segment order. The batch
// passed to emit is released when emit returns; emit must Retain it to keep
// it longer. The first failure aborts the stream and is returned as a
// *domain.SegmentError naming the segment.
func (p *Pipeline) Stream(ctx context.Context, handle *domain.QueryHandle, emit func(arrow.RecordBatch) error) error {
	if len(handle.Segments) == 0 {
		return &domain.NoSegmentsError{QueryID: handle.QueryID}
	}
	if !domain.SupportedEncoding(handle.SpoolEncoding) {
		return &domain.UnsupportedEncodingError{Encoding: handle.SpoolEncoding}
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	segments := handle.Segments
	queues := make([]chan item, len(segments))
	for i := range queues {
		queues[i] = make(chan item, p.opts.MaxBufferedBatchesPerSegment)
	}

	inFlight := semaphore.NewWeighted(int64(p.opts.MaxInFlightSegments))
	var g errgroup.Group
	g.SetLimit(p.opts.Parallelism)

	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, seg := range segments {
			// Permits are taken in segment order so the segment the consumer
			// is waiting on always holds one.
			if err := inFlight.Acquire(workCtx, 1); err != nil {
				return
			}
			queue := queues[i]
			g.Go(func() error {
				defer inFlight.Release(1)
				p.runSegment(workCtx, handle, seg, queue)
				return nil
			})
		}
	}()

	shutdown := func() {
		cancel()
		<-launched
		_ = g.Wait()
		for _, q := range queues {
			drain(q)
		}
	}

	for i, seg := range segments {
		if err := p.consume(ctx, seg, queues[i], emit); err != nil {
			shutdown()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("stream query %s: %w", handle.QueryID, ctxErr)
			}
			return err
		}
	}
	shutdown()
	return nil
}

// consume forwards one segment queue to emit until its terminal item.
func (p *Pipeline) consume(ctx context.Context, seg domain.SpoolSegment, queue <-chan item, emit func(arrow.RecordBatch) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-queue:
			switch {
			case it.batch != nil:
				rows := it.batch.NumRows()
				err := emit(it.batch)
				it.batch.Release()
				if err != nil {
					return &domain.SegmentError{Source: seg.URI, Err: fmt.Errorf("emit batch: %w", err)}
				}
				observability.ObserveBatchStreamed(rows)
			case it.err != nil:
				return &domain.SegmentError{Source: seg.URI, Err: it.err}
			case it.done:
				return nil
			}
		}
	}
}

// runSegment fetches, decodes and converts one segment into queue, then
// pushes the terminal item. On failure the segment's still-buffered batches
// are released before the error is pushed.
func (p *Pipeline) runSegment(ctx context.Context, handle *domain.QueryHandle, seg domain.SpoolSegment, queue chan item) {
	source := "remote"
	if seg.Inline() {
		source = "inline"
	}
	finish := observability.SegmentStarted(source)

	n, err := p.convertSegment(ctx, handle, seg, queue)
	if err == nil && !seg.Inline() {
		if ackErr := p.transport.Ack(ctx, seg); ackErr != nil {
			observability.IncSegmentAckFailures()
			p.logger.Warn("segment ack failed", "query_id", handle.QueryID, "uri", seg.URI, "error", ackErr)
			if p.opts.StrictAck {
				err = fmt.Errorf("ack segment: %w", ackErr)
			}
		}
	}

	if err != nil {
		drain(queue)
		push(ctx, queue, item{err: err})
		outcome := observability.OutcomeError
		if errors.Is(err, context.Canceled) {
			outcome = observability.OutcomeCanceled
		}
		finish(outcome, n)
	} else {
		push(ctx, queue, item{done: true})
		finish(observability.OutcomeOK, n)
	}

	if p.afterSegment != nil {
		p.afterSegment(seg, err)
	}
}

func (p *Pipeline) convertSegment(ctx context.Context, handle *domain.QueryHandle, seg domain.SpoolSegment, queue chan<- item) (int64, error) {
	var body io.ReadCloser
	if seg.Inline() {
		body = io.NopCloser(bytes.NewReader(seg.InlineData))
	} else {
		rc, err := p.transport.Fetch(ctx, seg)
		if err != nil {
			return 0, err
		}
		body = rc
	}
	defer body.Close() //nolint:errcheck

	counted := &countingReader{r: body}
	decoded, err := spool.NewDecodingReader(counted, handle.SpoolEncoding)
	if err != nil {
		return 0, err
	}
	defer decoded.Close() //nolint:errcheck

	reader := convert.NewReader(p.opts.Allocator, handle.Schema, p.opts.BatchSize)
	err = reader.Convert(ctx, decoded, func(batch arrow.RecordBatch) error {
		select {
		case queue <- item{batch: batch}:
			return nil
		case <-ctx.Done():
			batch.Release()
			return ctx.Err()
		}
	})
	return counted.n, err
}

// push delivers a terminal item unless the stream is being torn down.
func push(ctx context.Context, queue chan<- item, it item) {
	select {
	case queue <- it:
	case <-ctx.Done():
	}
}

// drain releases every batch currently buffered in queue without blocking.
func drain(queue chan item) {
	for {
		select {
		case it := <-queue:
			if it.batch != nil {
				it.batch.Release()
			}
		default:
			return
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
