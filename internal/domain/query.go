package domain

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// Spool encodings understood by the gateway.
const (
	EncodingJSON     = "json"
	EncodingJSONZstd = "json+zstd"
)

// InlineScheme prefixes the synthetic URI given to segments whose payload
// arrived inside the statement response.
const InlineScheme = "inline://"

// Column is a result column as reported by Trino.
type Column struct {
	Name string
	Type string
}

// SpoolSegment describes one independently retrievable chunk of a spooled result.
type SpoolSegment struct {
	URI         string
	AckURI      string
	RowOffset   *int64
	RowsCount   *int64
	SegmentSize *int64
	ExpiresAt   string
	Kind        string
	Headers     map[string]string
	InlineData  []byte
}

// Inline reports whether the payload is carried in the segment itself.
func (s SpoolSegment) Inline() bool {
	return s.InlineData != nil
}

func (s SpoolSegment) offset() int64 {
	if s.RowOffset == nil {
		return math.MaxInt64
	}
	return *s.RowOffset
}

// CompareSegments orders segments by row offset, then URI. Segments without
// an offset sort after every segment that has one.
func CompareSegments(a, b SpoolSegment) int {
	if c := cmp.Compare(a.offset(), b.offset()); c != 0 {
		return c
	}
	return strings.Compare(a.URI, b.URI)
}

// SortSegments sorts segments into canonical order in place.
func SortSegments(segments []SpoolSegment) {
	slices.SortStableFunc(segments, CompareSegments)
}

// QueryHandle is the resolved, immutable result description of a finished query.
type QueryHandle struct {
	QueryID       string
	Columns       []Column
	Schema        *arrow.Schema
	SpoolEncoding string
	Segments      []SpoolSegment
	CreatedAt     time.Time
}

// TotalRows returns the sum of segment row counts, or -1 when any segment
// does not report one.
func (h *QueryHandle) TotalRows() int64 {
	if len(h.Segments) == 0 {
		return -1
	}
	var total int64
	for _, seg := range h.Segments {
		if seg.RowsCount == nil {
			return -1
		}
		total += *seg.RowsCount
	}
	return total
}

// SupportedEncoding reports whether the spool encoding can be decoded.
// A blank encoding is treated as plain JSON.
func SupportedEncoding(encoding string) bool {
	enc := strings.TrimSpace(encoding)
	return enc == "" || strings.EqualFold(enc, EncodingJSON) || strings.EqualFold(enc, EncodingJSONZstd)
}

// IsZstdEncoding reports whether segments may be zstd compressed.
func IsZstdEncoding(encoding string) bool {
	return strings.EqualFold(strings.TrimSpace(encoding), EncodingJSONZstd)
}
