package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trino-arrow-gateway/internal/domain"
)

// fakeTransport serves segment payloads from memory and records every call.
type fakeTransport struct {
	mu        sync.Mutex
	payloads  map[string][]byte
	delays    map[string]time.Duration
	gates     map[string]chan struct{}
	ackErr    error
	fetches   []string
	acks      []string
	active    int
	maxActive int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		payloads: make(map[string][]byte),
		delays:   make(map[string]time.Duration),
		gates:    make(map[string]chan struct{}),
	}
}

func (f *fakeTransport) Fetch(ctx context.Context, seg domain.SpoolSegment) (io.ReadCloser, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, seg.URI)
	payload, ok := f.payloads[seg.URI]
	delay := f.delays[seg.URI]
	gate := f.gates[seg.URI]
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	body := &trackedBody{Reader: bytes.NewReader(payload), onClose: f.closed}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			_ = body.Close()
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = body.Close()
			return nil, ctx.Err()
		}
	}
	if !ok {
		_ = body.Close()
		return nil, &domain.FetchError{URI: seg.URI, StatusCode: 404}
	}
	return body, nil
}

func (f *fakeTransport) Ack(_ context.Context, seg domain.SpoolSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, seg.URI)
	return f.ackErr
}

func (f *fakeTransport) closed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func (f *fakeTransport) calls() (fetches, acks []string, maxActive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...), append([]string(nil), f.acks...), f.maxActive
}

type trackedBody struct {
	*bytes.Reader
	once    sync.Once
	onClose func()
}

func (b *trackedBody) Close() error {
	b.once.Do(b.onClose)
	return nil
}

var idSchema = arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)

func int64p(v int64) *int64 { return &v }

// rowsFrom renders rows [from, from+n) as a JSON array of single-column rows.
func rowsFrom(from, n int) []byte {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "[%d]", from+i)
	}
	sb.WriteString("]")
	return []byte(sb.String())
}

func remoteSegment(uri string, offset, rows int64) domain.SpoolSegment {
	return domain.SpoolSegment{URI: uri, AckURI: uri + "/ack", RowOffset: int64p(offset), RowsCount: int64p(rows)}
}

func newHandle(encoding string, segments ...domain.SpoolSegment) *domain.QueryHandle {
	return &domain.QueryHandle{QueryID: "q1", Schema: idSchema, SpoolEncoding: encoding, Segments: segments}
}

func newCheckedPipeline(t *testing.T, transport Transport, opts Options) *Pipeline {
	t.Helper()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	t.Cleanup(func() { mem.AssertSize(t, 0) })
	opts.Allocator = mem
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(transport, opts)
}

// collectIDs streams handle and returns every id value in emission order.
func collectIDs(ctx context.Context, p *Pipeline, handle *domain.QueryHandle) ([]int64, error) {
	var ids []int64
	err := p.Stream(ctx, handle, func(batch arrow.RecordBatch) error {
		col := batch.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			ids = append(ids, col.Value(i))
		}
		return nil
	})
	return ids, err
}

func sequence(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

func TestStream_PreservesCanonicalOrder(t *testing.T) {
	transport := newFakeTransport()
	var segments []domain.SpoolSegment
	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("http://spool/%d", i)
		transport.payloads[uri] = rowsFrom(i*7, 7)
		// Later segments finish first.
		transport.delays[uri] = time.Duration(5-i) * 10 * time.Millisecond
		segments = append(segments, remoteSegment(uri, int64(i*7), 7))
	}

	p := newCheckedPipeline(t, transport, Options{Parallelism: 5, BatchSize: 3})
	ids, err := collectIDs(context.Background(), p, newHandle("json", segments...))
	require.NoError(t, err)
	assert.Equal(t, sequence(35), ids)

	fetches, acks, _ := transport.calls()
	assert.Len(t, fetches, 5)
	assert.ElementsMatch(t, fetches, acks)
}

func TestStream_BoundsInFlightSegments(t *testing.T) {
	transport := newFakeTransport()
	var segments []domain.SpoolSegment
	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("http://spool/%d", i)
		transport.payloads[uri] = rowsFrom(i*4, 4)
		transport.delays[uri] = 15 * time.Millisecond
		segments = append(segments, remoteSegment(uri, int64(i*4), 4))
	}

	p := newCheckedPipeline(t, transport, Options{Parallelism: 4, MaxInFlightSegments: 2, BatchSize: 2})
	ids, err := collectIDs(context.Background(), p, newHandle("json", segments...))
	require.NoError(t, err)
	assert.Equal(t, sequence(20), ids)

	_, _, maxActive := transport.calls()
	assert.LessOrEqual(t, maxActive, 2)
	assert.GreaterOrEqual(t, maxActive, 1)
}

func TestRunSegment_BlocksWhenQueueIsFull(t *testing.T) {
	const capacity = 2
	transport := newFakeTransport()
	p := newCheckedPipeline(t, transport, Options{BatchSize: 1, MaxBufferedBatchesPerSegment: capacity})

	seg := domain.SpoolSegment{URI: "inline://trino/q1/0", InlineData: rowsFrom(0, capacity+1)}
	handle := newHandle("json", seg)
	queue := make(chan item, capacity)

	finished := make(chan struct{})
	go func() {
		p.runSegment(context.Background(), handle, seg, queue)
		close(finished)
	}()

	require.Eventually(t, func() bool { return len(queue) == capacity }, time.Second, time.Millisecond)
	select {
	case <-finished:
		t.Fatal("worker finished while its queue was full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, capacity, len(queue))

	var ids []int64
	for {
		it := <-queue
		if it.batch != nil {
			ids = append(ids, it.batch.Column(0).(*array.Int64).Value(0))
			it.batch.Release()
			continue
		}
		require.True(t, it.done)
		require.NoError(t, it.err)
		break
	}
	<-finished
	assert.Equal(t, sequence(capacity+1), ids)
}

func TestStream_FailedSegmentNeverDeliversItsBatches(t *testing.T) {
	transport := newFakeTransport()
	transport.payloads["http://spool/a"] = rowsFrom(0, 2)
	transport.payloads["http://spool/b"] = []byte(`[[100],[101],"not a row"]`)
	gate := make(chan struct{})
	transport.gates["http://spool/a"] = gate

	p := newCheckedPipeline(t, transport, Options{Parallelism: 2, BatchSize: 1})
	var failedSeen sync.Once
	p.afterSegment = func(seg domain.SpoolSegment, err error) {
		if seg.URI == "http://spool/b" && err != nil {
			failedSeen.Do(func() { close(gate) })
		}
	}

	handle := newHandle("json",
		remoteSegment("http://spool/a", 0, 2),
		remoteSegment("http://spool/b", 2, 3))
	ids, err := collectIDs(context.Background(), p, handle)
	require.Error(t, err)

	var segErr *domain.SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, "http://spool/b", segErr.Source)
	var malformed *domain.MalformedPayloadError
	require.ErrorAs(t, err, &malformed)

	assert.Equal(t, []int64{0, 1}, ids, "batches of the failed segment must not reach the client")
	_, acks, _ := transport.calls()
	assert.Equal(t, []string{"http://spool/a"}, acks)
}

func TestStream_FetchFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.payloads["http://spool/a"] = rowsFrom(0, 3)

	p := newCheckedPipeline(t, transport, Options{Parallelism: 2, BatchSize: 2})
	_, err := collectIDs(context.Background(), p, newHandle("json",
		remoteSegment("http://spool/a", 0, 3),
		remoteSegment("http://spool/missing", 3, 3)))

	var segErr *domain.SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, "http://spool/missing", segErr.Source)
	var fetchErr *domain.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 404, fetchErr.StatusCode)
}

func TestStream_InlineSegmentsSkipTransport(t *testing.T) {
	transport := newFakeTransport()
	p := newCheckedPipeline(t, transport, Options{BatchSize: 4})

	handle := newHandle("json",
		domain.SpoolSegment{URI: "inline://trino/q1/0", RowOffset: int64p(0), InlineData: rowsFrom(0, 5)},
		domain.SpoolSegment{URI: "inline://trino/q1/1", RowOffset: int64p(5), InlineData: rowsFrom(5, 5), AckURI: "http://ignored"})
	ids, err := collectIDs(context.Background(), p, handle)
	require.NoError(t, err)
	assert.Equal(t, sequence(10), ids)

	fetches, acks, _ := transport.calls()
	assert.Empty(t, fetches)
	assert.Empty(t, acks)
}

func TestStream_ZstdEncoding(t *testing.T) {
	t.Run("declared_but_plain", func(t *testing.T) {
		transport := newFakeTransport()
		transport.payloads["http://spool/a"] = rowsFrom(0, 3)
		p := newCheckedPipeline(t, transport, Options{})

		ids, err := collectIDs(context.Background(), p, newHandle("json+zstd", remoteSegment("http://spool/a", 0, 3)))
		require.NoError(t, err)
		assert.Equal(t, sequence(3), ids)
	})

	t.Run("compressed", func(t *testing.T) {
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		compressed := enc.EncodeAll(rowsFrom(0, 50), nil)
		require.NoError(t, enc.Close())

		transport := newFakeTransport()
		transport.payloads["http://spool/a"] = compressed
		p := newCheckedPipeline(t, transport, Options{BatchSize: 16})

		ids, err := collectIDs(context.Background(), p, newHandle("JSON+ZSTD", remoteSegment("http://spool/a", 0, 50)))
		require.NoError(t, err)
		assert.Equal(t, sequence(50), ids)
	})
}

func TestStream_Preconditions(t *testing.T) {
	t.Run("no_segments", func(t *testing.T) {
		transport := newFakeTransport()
		p := newCheckedPipeline(t, transport, Options{})
		err := p.Stream(context.Background(), newHandle("json"), func(arrow.RecordBatch) error { return nil })
		var noSegs *domain.NoSegmentsError
		require.ErrorAs(t, err, &noSegs)
		assert.Equal(t, "q1", noSegs.QueryID)
	})

	t.Run("unsupported_encoding", func(t *testing.T) {
		transport := newFakeTransport()
		transport.payloads["http://spool/a"] = rowsFrom(0, 1)
		p := newCheckedPipeline(t, transport, Options{})
		err := p.Stream(context.Background(), newHandle("arrow-ipc", remoteSegment("http://spool/a", 0, 1)),
			func(arrow.RecordBatch) error { return nil })
		var unsupported *domain.UnsupportedEncodingError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "arrow-ipc", unsupported.Encoding)

		fetches, _, _ := transport.calls()
		assert.Empty(t, fetches)
	})
}

func TestStream_AckFailures(t *testing.T) {
	newSetup := func(t *testing.T, strict bool) (*Pipeline, *domain.QueryHandle) {
		transport := newFakeTransport()
		transport.payloads["http://spool/a"] = rowsFrom(0, 2)
		transport.ackErr = &domain.AckError{URI: "http://spool/a/ack", StatusCode: 500}
		return newCheckedPipeline(t, transport, Options{StrictAck: strict}), newHandle("json", remoteSegment("http://spool/a", 0, 2))
	}

	t.Run("best_effort", func(t *testing.T) {
		p, handle := newSetup(t, false)
		ids, err := collectIDs(context.Background(), p, handle)
		require.NoError(t, err)
		assert.Equal(t, sequence(2), ids)
	})

	t.Run("strict", func(t *testing.T) {
		p, handle := newSetup(t, true)
		_, err := collectIDs(context.Background(), p, handle)
		var ackErr *domain.AckError
		require.ErrorAs(t, err, &ackErr)
	})
}

func TestStream_EmitFailureAborts(t *testing.T) {
	transport := newFakeTransport()
	var segments []domain.SpoolSegment
	for i := 0; i < 4; i++ {
		uri := fmt.Sprintf("http://spool/%d", i)
		transport.payloads[uri] = rowsFrom(i*10, 10)
		segments = append(segments, remoteSegment(uri, int64(i*10), 10))
	}
	p := newCheckedPipeline(t, transport, Options{Parallelism: 4, BatchSize: 2})

	errClientGone := errors.New("client went away")
	emitted := 0
	err := p.Stream(context.Background(), newHandle("json", segments...), func(arrow.RecordBatch) error {
		emitted++
		if emitted == 3 {
			return errClientGone
		}
		return nil
	})
	require.ErrorIs(t, err, errClientGone)
	var segErr *domain.SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, "http://spool/0", segErr.Source)
}

func TestStream_ContextCanceled(t *testing.T) {
	transport := newFakeTransport()
	transport.payloads["http://spool/a"] = rowsFrom(0, 1)
	transport.gates["http://spool/a"] = make(chan struct{})
	p := newCheckedPipeline(t, transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := collectIDs(ctx, p, newHandle("json", remoteSegment("http://spool/a", 0, 1)))
	require.ErrorIs(t, err, context.Canceled)
}
