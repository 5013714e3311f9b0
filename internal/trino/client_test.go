package trino

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trino-arrow-gateway/internal/domain"
)

// fakeTrino serves a scripted sequence of statement responses. The first
// entry answers POST /v1/statement, each following entry answers one poll.
type fakeTrino struct {
	t         *testing.T
	mu        sync.Mutex
	responses []map[string]any
	polls     int
	headers   http.Header
	body      string
	srv       *httptest.Server
}

func newFakeTrino(t *testing.T, responses ...map[string]any) *fakeTrino {
	t.Helper()
	f := &fakeTrino{t: t, responses: responses}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTrino) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := 0
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/statement":
		f.headers = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		f.body = string(b)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/statement/executing/"):
		f.polls++
		idx = f.polls
	default:
		http.NotFound(w, r)
		return
	}
	if idx >= len(f.responses) {
		http.Error(w, "no more responses", http.StatusGone)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(f.t, json.NewEncoder(w).Encode(f.responses[idx]))
}

func (f *fakeTrino) next(n int) string {
	return fmt.Sprintf("%s/v1/statement/executing/q1/%d", f.srv.URL, n)
}

func (f *fakeTrino) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func newTestClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:           baseURL,
		User:              "tester",
		Source:            "gateway-test",
		QueryDataEncoding: "json+zstd",
		PollInterval:      time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func stats(state string) map[string]any {
	return map[string]any{"state": state}
}

func spooled(encoding string, segments ...map[string]any) map[string]any {
	return map[string]any{"encoding": encoding, "segments": segments}
}

func spooledSegment(uri string, offset, rows int64) map[string]any {
	return map[string]any{
		"type": "spooled",
		"uri":  uri,
		"metadata": map[string]any{
			"rowOffset": offset,
			"rowsCount": rows,
		},
	}
}

var idColumns = []map[string]any{{"name": "id", "type": "bigint"}}

func TestSubmitQuery_CollectsSegmentsAcrossPolls(t *testing.T) {
	f := newFakeTrino(t)
	f.responses = []map[string]any{
		{"id": "q1", "nextUri": f.next(1), "stats": stats(StateQueued)},
		{
			"id": "q1", "nextUri": f.next(2), "stats": stats(StateRunning),
			"columns": idColumns,
			"data":    spooled("json", spooledSegment("http://spool/b", 10, 10)),
		},
		{
			"id": "q1", "nextUri": f.next(3), "stats": stats(StateRunning),
			"data": spooled("json+zstd",
				spooledSegment("http://spool/a", 0, 10),
				spooledSegment("http://spool/b", 99, 1)),
		},
		{"id": "q1", "stats": stats(StateFinished)},
	}

	handle, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT id FROM t")
	require.NoError(t, err)

	assert.Equal(t, "q1", handle.QueryID)
	assert.Equal(t, "json+zstd", handle.SpoolEncoding)
	require.Len(t, handle.Segments, 2)
	assert.Equal(t, "http://spool/a", handle.Segments[0].URI)
	assert.Equal(t, "http://spool/b", handle.Segments[1].URI)
	assert.Equal(t, int64(10), *handle.Segments[1].RowOffset, "first occurrence of a URI wins")
	assert.Equal(t, int64(20), handle.TotalRows())

	require.NotNil(t, handle.Schema)
	require.Equal(t, 1, handle.Schema.NumFields())
	assert.Equal(t, arrow.PrimitiveTypes.Int64, handle.Schema.Field(0).Type)
	assert.Equal(t, 3, f.pollCount())

	assert.Equal(t, "SELECT id FROM t", f.body)
	assert.Equal(t, "tester", f.headers.Get(HeaderUser))
	assert.Equal(t, "gateway-test", f.headers.Get(HeaderSource))
	assert.Equal(t, "json+zstd", f.headers.Get(HeaderQueryDataEncoding))
	assert.Empty(t, f.headers.Get(HeaderCatalog))
}

func TestSubmitQuery_FollowsNextURIAfterFinished(t *testing.T) {
	f := newFakeTrino(t)
	f.responses = []map[string]any{
		{"id": "q1", "nextUri": f.next(1), "stats": stats(StateFinished), "columns": idColumns,
			"data": spooled("json", spooledSegment("http://spool/a", 0, 1))},
		{"id": "q1", "stats": stats(StateFinished),
			"data": spooled("json", spooledSegment("http://spool/b", 1, 1))},
	}

	handle, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Len(t, handle.Segments, 2)
	assert.Equal(t, 1, f.pollCount())
}

func TestSubmitQuery_RelativeNextURI(t *testing.T) {
	f := newFakeTrino(t)
	f.responses = []map[string]any{
		{"id": "q1", "nextUri": "/v1/statement/executing/q1/1", "stats": stats(StateQueued)},
		{"id": "q1", "stats": stats(StateFinished), "columns": idColumns},
	}

	handle, err := newTestClient(f.srv.URL + "/").SubmitQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Empty(t, handle.Segments)
	assert.Equal(t, 1, f.pollCount())
}

func TestSubmitQuery_InlineSegments(t *testing.T) {
	f := newFakeTrino(t)
	payload := []byte(`[[1],[2]]`)
	f.responses = []map[string]any{
		{
			"id": "q1", "stats": stats(StateFinished), "columns": idColumns,
			"data": spooled("json",
				map[string]any{"type": "inline", "data": payload, "metadata": map[string]any{"rowOffset": 0, "rowsCount": 2}},
				map[string]any{"type": "inline", "data": payload, "metadata": map[string]any{"rowOffset": 2, "rowsCount": 2}},
				map[string]any{"type": "spooled"}),
		},
	}

	handle, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Len(t, handle.Segments, 2, "segment without uri or data is skipped")
	for i, seg := range handle.Segments {
		assert.True(t, seg.Inline())
		assert.Equal(t, fmt.Sprintf("inline://trino/q1/%d", i), seg.URI)
		assert.Equal(t, payload, seg.InlineData)
	}
}

func TestSubmitQuery_Failures(t *testing.T) {
	t.Run("failed_query_carries_message", func(t *testing.T) {
		f := newFakeTrino(t)
		f.responses = []map[string]any{
			{"id": "q1", "nextUri": f.next(1), "stats": stats(StateQueued)},
			{"id": "q1", "stats": stats(StateFailed), "error": map[string]any{"message": "line 1:1: syntax error"}},
		}
		_, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELEC 1")
		var failed *domain.QueryFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, "q1", failed.QueryID)
		assert.Equal(t, "line 1:1: syntax error", failed.Message)
	})

	t.Run("failed_query_without_message", func(t *testing.T) {
		f := newFakeTrino(t, map[string]any{"id": "q1", "stats": stats(StateCanceled)})
		_, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		var failed *domain.QueryFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, StateCanceled, failed.State)
		assert.Equal(t, "(no error message)", failed.Message)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		_, err := newTestClient(addr).SubmitQuery(context.Background(), "SELECT 1")
		var unavailable *domain.UnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, addr, unavailable.BaseURL)
	})

	t.Run("submission_rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "missing user", http.StatusBadRequest)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestClient(srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		var rejected *domain.RequestRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
		assert.Equal(t, "missing user", rejected.Body)
	})

	t.Run("submission_server_error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "starting", http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestClient(srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		var unavailable *domain.UnavailableError
		require.ErrorAs(t, err, &unavailable)
	})

	t.Run("poll_client_error_is_protocol_violation", func(t *testing.T) {
		f := newFakeTrino(t)
		f.responses = []map[string]any{
			{"id": "q1", "nextUri": f.next(1), "stats": stats(StateQueued)},
		}
		_, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		var invariant *domain.InvariantError
		require.ErrorAs(t, err, &invariant)
		assert.Contains(t, err.Error(), "410")
	})

	t.Run("missing_query_id", func(t *testing.T) {
		f := newFakeTrino(t, map[string]any{"stats": stats(StateFinished)})
		_, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		var invariant *domain.InvariantError
		require.ErrorAs(t, err, &invariant)
	})

	t.Run("running_without_next_uri", func(t *testing.T) {
		f := newFakeTrino(t, map[string]any{"id": "q1", "stats": stats(StateRunning)})
		_, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		var invariant *domain.InvariantError
		require.ErrorAs(t, err, &invariant)
		assert.Contains(t, err.Error(), "nextUri")
	})

	t.Run("empty_state_without_next_uri_is_finished", func(t *testing.T) {
		f := newFakeTrino(t, map[string]any{"id": "q1", "columns": idColumns})
		handle, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		require.NoError(t, err)
		assert.Empty(t, handle.Segments)
	})

	t.Run("unsupported_column_type", func(t *testing.T) {
		f := newFakeTrino(t, map[string]any{
			"id": "q1", "stats": stats(StateFinished),
			"columns": []map[string]any{{"name": "m", "type": "map(varchar, bigint)"}},
		})
		_, err := newTestClient(f.srv.URL).SubmitQuery(context.Background(), "SELECT m")
		var unsupported *domain.UnsupportedSchemaError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "m", unsupported.Column)
	})

	t.Run("undecodable_response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>proxy</html>"))
		}))
		t.Cleanup(srv.Close)

		_, err := newTestClient(srv.URL).SubmitQuery(context.Background(), "SELECT 1")
		var invariant *domain.InvariantError
		require.ErrorAs(t, err, &invariant)
	})
}

func TestSubmitQuery_MaxPolls(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "q1", "nextUri": srv.URL + "/v1/statement/executing/q1/x", "stats": stats(StateRunning),
		})
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(srv.URL)
	c.maxPolls = 3
	_, err := c.SubmitQuery(context.Background(), "SELECT 1")
	var invariant *domain.InvariantError
	require.ErrorAs(t, err, &invariant)
	assert.Contains(t, err.Error(), "3 polls")
}

func TestSubmitQuery_ContextCanceledWhilePolling(t *testing.T) {
	f := newFakeTrino(t)
	f.responses = []map[string]any{
		{"id": "q1", "nextUri": f.next(1), "stats": stats(StateQueued)},
	}
	c := newTestClient(f.srv.URL)
	c.interval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.SubmitQuery(ctx, "SELECT 1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitQuery_OptionalHeaders(t *testing.T) {
	f := newFakeTrino(t, map[string]any{"id": "q1", "stats": stats(StateFinished)})
	c := NewClient(Options{
		BaseURL: f.srv.URL,
		User:    "u",
		Catalog: "tpch",
		Schema:  "tiny",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := c.SubmitQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "tpch", f.headers.Get(HeaderCatalog))
	assert.Equal(t, "tiny", f.headers.Get(HeaderSchema))
	assert.Empty(t, f.headers.Values(HeaderQueryDataEncoding))
	assert.Empty(t, f.headers.Values(HeaderSource))
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/info" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"starting":false}`)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, newTestClient(srv.URL).Ping(context.Background()))

	err := newTestClient(srv.URL + "/nope").Ping(context.Background())
	var unavailable *domain.UnavailableError
	require.ErrorAs(t, err, &unavailable)

	err = newTestClient("http://127.0.0.1:1").Ping(context.Background())
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "http://127.0.0.1:1", unavailable.BaseURL)
}
