package flightsql

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"trino-arrow-gateway/internal/domain"
)

// statusFromError maps a domain error to the gRPC status returned to Flight
// clients. Errors that already carry a status pass through unchanged.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var (
		validation  *domain.ValidationError
		rejected    *domain.RequestRejectedError
		schema      *domain.UnsupportedSchemaError
		failed      *domain.QueryFailedError
		unavailable *domain.UnavailableError
		notFound    *domain.NotFoundError
		encoding    *domain.UnsupportedEncodingError
		noSegments  *domain.NoSegmentsError
		segment     *domain.SegmentError
		invariant   *domain.InvariantError
	)
	switch {
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, validation.Message)
	case errors.As(err, &rejected):
		return status.Error(codes.InvalidArgument, rejected.Error())
	case errors.As(err, &schema):
		return status.Error(codes.InvalidArgument, "Unsupported query result schema: "+schema.Error())
	case errors.As(err, &failed):
		return status.Error(codes.InvalidArgument,
			fmt.Sprintf("Trino query failed (queryId=%s): %s", failed.QueryID, failed.Message))
	case errors.As(err, &unavailable):
		return status.Error(codes.Unavailable,
			fmt.Sprintf("Trino is unavailable at %s. Start Trino or update TRINO_BASE_URL.", unavailable.BaseURL))
	case errors.As(err, &notFound):
		return status.Error(codes.NotFound, notFound.Message)
	case errors.As(err, &encoding):
		return status.Error(codes.InvalidArgument,
			fmt.Sprintf("Unsupported Trino spooled encoding: %s (supported: %s, %s)", encoding.Encoding, domain.EncodingJSON, domain.EncodingJSONZstd))
	case errors.As(err, &noSegments):
		return status.Error(codes.InvalidArgument,
			fmt.Sprintf("Trino did not return spooled segments for queryId=%s. Ensure Trino spooling is enabled and X-Trino-Query-Data-Encoding requests spooling.", noSegments.QueryID))
	case errors.As(err, &segment):
		return status.Error(codes.Internal,
			fmt.Sprintf("Spooled segment failed for uri=%s: %s", segment.Source, domain.RootCause(segment.Err).Error()))
	case errors.As(err, &invariant):
		return status.Error(codes.Internal, "Trino protocol violation: "+invariant.Message)
	default:
		return status.Error(codes.Internal, "Unexpected error while submitting query to Trino: "+err.Error())
	}
}
