// Package trino implements the client side of Trino's statement protocol.
package trino

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Query states reported in stats.state.
const (
	StateQueued   = "QUEUED"
	StateRunning  = "RUNNING"
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
	StateCanceled = "CANCELED"
)

// StatementResponse is the body returned by POST /v1/statement and every nextUri.
type StatementResponse struct {
	ID      string      `json:"id"`
	InfoURI string      `json:"infoUri,omitempty"`
	NextURI string      `json:"nextUri,omitempty"`
	Columns []Column    `json:"columns,omitempty"`
	Data    Data        `json:"data"`
	Stats   Stats       `json:"stats"`
	Error   *QueryError `json:"error,omitempty"`
}

// Column is a result column descriptor.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Stats carries the query state plus a few progress counters used for logging.
type Stats struct {
	State          string `json:"state"`
	Queued         bool   `json:"queued"`
	Scheduled      bool   `json:"scheduled"`
	ProcessedRows  int64  `json:"processedRows"`
	ProcessedBytes int64  `json:"processedBytes"`
}

// QueryError is the error object attached to FAILED responses.
type QueryError struct {
	Message   string `json:"message"`
	ErrorCode int    `json:"errorCode"`
	ErrorName string `json:"errorName"`
	ErrorType string `json:"errorType"`
}

// DataKind identifies which variant of Data is populated.
type DataKind int

const (
	DataNone DataKind = iota
	DataRows
	DataSpooled
)

// Data is the polymorphic "data" member: either inline row arrays or a
// spooled-results object.
type Data struct {
	Kind    DataKind
	Rows    []json.RawMessage
	Spooled *SpooledData
}

// UnmarshalJSON resolves the variant from the first JSON token.
func (d *Data) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*d = Data{Kind: DataNone}
	case trimmed[0] == '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return fmt.Errorf("decode inline rows: %w", err)
		}
		*d = Data{Kind: DataRows, Rows: rows}
	case trimmed[0] == '{':
		var spooled SpooledData
		if err := json.Unmarshal(trimmed, &spooled); err != nil {
			return fmt.Errorf("decode spooled data: %w", err)
		}
		*d = Data{Kind: DataSpooled, Spooled: &spooled}
	default:
		return fmt.Errorf("unexpected data payload starting with %q", trimmed[0])
	}
	return nil
}

// MarshalJSON writes the populated variant back out.
func (d Data) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case DataRows:
		return json.Marshal(d.Rows)
	case DataSpooled:
		return json.Marshal(d.Spooled)
	default:
		return []byte("null"), nil
	}
}

// SpooledData lists the segments of a spooled result.
type SpooledData struct {
	Encoding string    `json:"encoding"`
	Segments []Segment `json:"segments"`
}

// Segment is one spooled segment descriptor. Inline segments carry their
// payload base64-encoded in Data and have no URI.
type Segment struct {
	Type     string              `json:"type"`
	URI      string              `json:"uri,omitempty"`
	AckURI   string              `json:"ackUri,omitempty"`
	Data     []byte              `json:"data,omitempty"`
	Metadata *SegmentMetadata    `json:"metadata,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
}

// SegmentMetadata holds the optional positional metadata of a segment.
type SegmentMetadata struct {
	RowOffset   *int64 `json:"rowOffset,omitempty"`
	RowsCount   *int64 `json:"rowsCount,omitempty"`
	SegmentSize *int64 `json:"segmentSize,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}
