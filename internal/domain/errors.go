// Package domain defines core types and errors for the Trino Arrow gateway.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RequestRejectedError indicates Trino refused the statement submission at the HTTP layer.
type RequestRejectedError struct {
	StatusCode int
	Body       string
}

func (e *RequestRejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("Trino rejected the query request (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("Trino rejected the query request (HTTP %d): %s", e.StatusCode, e.Body)
}

// QueryFailedError indicates the query reached a terminal FAILED or CANCELED state.
type QueryFailedError struct {
	QueryID string
	State   string
	Message string
}

func (e *QueryFailedError) Error() string {
	return fmt.Sprintf("query %s %s: %s", e.QueryID, strings.ToLower(e.State), e.Message)
}

// UnavailableError indicates Trino could not be reached at the transport layer.
type UnavailableError struct {
	BaseURL string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("trino unavailable at %s", e.BaseURL)
	}
	return fmt.Sprintf("trino unavailable at %s: %v", e.BaseURL, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// UnsupportedSchemaError indicates a result column whose Trino type has no Arrow mapping.
type UnsupportedSchemaError struct {
	Column string
	Type   string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported Trino type %s (column %s)", e.Type, e.Column)
}

// InvariantError indicates Trino broke the statement protocol.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return e.Message }

// UnsupportedEncodingError indicates a spool encoding the gateway cannot decode.
type UnsupportedEncodingError struct {
	Encoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported spooled encoding %q", e.Encoding)
}

// NoSegmentsError indicates a finished query that produced no spooled segments.
type NoSegmentsError struct {
	QueryID string
}

func (e *NoSegmentsError) Error() string {
	return fmt.Sprintf("no spooled segments for query %s", e.QueryID)
}

// FetchError indicates a segment download returned a non-200 status.
type FetchError struct {
	URI        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch spooled segment %s: HTTP %d", e.URI, e.StatusCode)
}

// AckError indicates a segment acknowledgment returned a non-200 status.
type AckError struct {
	URI        string
	StatusCode int
}

func (e *AckError) Error() string {
	return fmt.Sprintf("failed to ack spooled segment %s: HTTP %d", e.URI, e.StatusCode)
}

// MalformedPayloadError indicates a segment payload that is not a JSON array of rows.
type MalformedPayloadError struct {
	Message string
}

func (e *MalformedPayloadError) Error() string { return "malformed row payload: " + e.Message }

// SegmentError wraps any failure raised while processing a single segment.
type SegmentError struct {
	Source string
	Err    error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.Source, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// RootCause follows the Unwrap chain to the deepest error.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrInvariant creates an InvariantError with a formatted message.
func ErrInvariant(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}
