package trino

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"trino-arrow-gateway/internal/domain"
	"trino-arrow-gateway/internal/spool"
)

// segmentSet accumulates spooled segments across polls of one query.
type segmentSet struct {
	queryID  string
	logger   *slog.Logger
	seen     map[string]struct{}
	segments []domain.SpoolSegment
	encoding string
	inline   int
}

func newSegmentSet(queryID string, logger *slog.Logger) *segmentSet {
	return &segmentSet{queryID: queryID, logger: logger, seen: make(map[string]struct{})}
}

// merge adds the segments of one response. The first occurrence of a URI
// wins and the last non-blank encoding is kept.
func (s *segmentSet) merge(data Data) {
	if data.Kind != DataSpooled || data.Spooled == nil {
		return
	}
	if enc := strings.TrimSpace(data.Spooled.Encoding); enc != "" {
		s.encoding = enc
	}

	for _, seg := range data.Spooled.Segments {
		uri := strings.TrimSpace(seg.URI)
		if uri == "" {
			if seg.Data == nil {
				s.logger.Warn("skipping spooled segment without uri or data", "query_id", s.queryID, "type", seg.Type)
				continue
			}
			uri = fmt.Sprintf("%strino/%s/%d", domain.InlineScheme, s.queryID, s.inline)
			s.inline++
		} else if _, err := url.Parse(uri); err != nil {
			s.logger.Warn("skipping spooled segment with invalid uri", "query_id", s.queryID, "uri", uri, "error", err)
			continue
		}

		if _, dup := s.seen[uri]; dup {
			continue
		}
		s.seen[uri] = struct{}{}
		s.segments = append(s.segments, toDomainSegment(uri, seg))
	}
}

// sorted returns the collected segments in canonical order.
func (s *segmentSet) sorted() []domain.SpoolSegment {
	out := make([]domain.SpoolSegment, len(s.segments))
	copy(out, s.segments)
	domain.SortSegments(out)
	return out
}

func toDomainSegment(uri string, seg Segment) domain.SpoolSegment {
	out := domain.SpoolSegment{
		URI:     uri,
		AckURI:  strings.TrimSpace(seg.AckURI),
		Kind:    seg.Type,
		Headers: spool.SingleValueHeaders(seg.Headers),
	}
	if seg.URI == "" {
		out.InlineData = seg.Data
	}
	if md := seg.Metadata; md != nil {
		out.RowOffset = md.RowOffset
		out.RowsCount = md.RowsCount
		out.SegmentSize = md.SegmentSize
		out.ExpiresAt = md.ExpiresAt
	}
	return out
}
