package flightsql

import (
	"context"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Actions served by DoAction besides the Flight SQL ones.
const (
	ActionEvictQuery  = "evict-query"
	ActionCancelQuery = "cancel-query"
)

// GetFlightInfoMethod is the full gRPC name of the call that submits queries.
const GetFlightInfoMethod = "/arrow.flight.protocol.FlightService/GetFlightInfo"

const flightSQLTypePrefix = "type.googleapis.com/arrow.flight.protocol.sql."

// service answers plain Flight calls itself, where a command descriptor is
// raw SQL and a ticket is a Trino query id. Flight SQL commands are handed
// to the Flight SQL server built on the same gateway.
type service struct {
	arrowflight.BaseFlightServer
	gw     *Gateway
	sql    arrowflight.FlightServer
	logger *slog.Logger
}

func newService(gw *Gateway, logger *slog.Logger) *service {
	return &service{
		gw:     gw,
		sql:    arrowflightsql.NewFlightServer(newQueryServer(gw)),
		logger: logger,
	}
}

// isFlightSQLCommand reports whether b is a packed Flight SQL protobuf message.
func isFlightSQLCommand(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	var msg anypb.Any
	if err := proto.Unmarshal(b, &msg); err != nil {
		return false
	}
	return strings.HasPrefix(msg.GetTypeUrl(), flightSQLTypePrefix)
}

func (s *service) GetFlightInfo(ctx context.Context, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	if desc.GetType() != arrowflight.DescriptorCMD {
		return nil, status.Error(codes.InvalidArgument, "only command descriptors are supported")
	}
	if isFlightSQLCommand(desc.GetCmd()) {
		return s.sql.GetFlightInfo(ctx, desc)
	}

	handle, err := s.gw.Prepare(ctx, string(desc.GetCmd()))
	if err != nil {
		return nil, statusFromError(err)
	}
	return s.gw.FlightInfo(handle, desc, []byte(handle.QueryID)), nil
}

func (s *service) GetSchema(ctx context.Context, desc *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	if isFlightSQLCommand(desc.GetCmd()) {
		return s.sql.GetSchema(ctx, desc)
	}
	return nil, status.Error(codes.Unimplemented, "GetSchema requires a Flight SQL command; use GetFlightInfo for raw SQL")
}

func (s *service) DoGet(tkt *arrowflight.Ticket, stream arrowflight.FlightService_DoGetServer) error {
	if isFlightSQLCommand(tkt.GetTicket()) {
		return s.sql.DoGet(tkt, stream)
	}

	handle, err := s.gw.Lookup(string(tkt.GetTicket()))
	if err != nil {
		return statusFromError(err)
	}

	w := arrowflight.NewRecordWriter(stream, ipc.WithSchema(handle.Schema), ipc.WithAllocator(s.gw.mem))
	err = s.gw.Stream(stream.Context(), handle, func(batch arrow.RecordBatch) error {
		return w.Write(batch)
	})
	if err != nil {
		// Closing would emit the schema and end-of-stream marker ahead of the
		// error status.
		return statusFromError(err)
	}
	return w.Close()
}

func (s *service) ListActions(_ *arrowflight.Empty, stream arrowflight.FlightService_ListActionsServer) error {
	actions := []*arrowflight.ActionType{
		{Type: ActionEvictQuery, Description: "Forget a query id so its ticket can no longer be redeemed."},
		{Type: ActionCancelQuery, Description: "Alias of evict-query. The Trino query itself has already finished."},
	}
	for _, a := range actions {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) DoAction(action *arrowflight.Action, stream arrowflight.FlightService_DoActionServer) error {
	switch action.GetType() {
	case ActionEvictQuery, ActionCancelQuery:
		queryID := strings.TrimSpace(string(action.GetBody()))
		if queryID == "" {
			return status.Error(codes.InvalidArgument, "action body must carry a query id")
		}
		result := "not_found"
		if s.gw.Evict(queryID) {
			result = "evicted"
		}
		s.logger.InfoContext(stream.Context(), "query evicted by action",
			"action", action.GetType(), "query_id", queryID, "result", result)
		return stream.Send(&arrowflight.Result{Body: []byte(result)})
	default:
		return s.sql.DoAction(action, stream)
	}
}
