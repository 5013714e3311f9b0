package flightsql

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
)

// Version is reported through Flight SQL SqlInfo. It is overridden at build time.
var Version = "dev"

// queryServer adapts the gateway to the Flight SQL statement commands.
// Everything else falls through to BaseServer and answers Unimplemented.
type queryServer struct {
	arrowflightsql.BaseServer
	gw *Gateway
}

func newQueryServer(gw *Gateway) *queryServer {
	srv := &queryServer{gw: gw}
	srv.Alloc = gw.mem
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerName, "trino-arrow-gateway")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerVersion, Version)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerArrowVersion, "18")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerSql, true)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerReadOnly, true)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerCancel, false)
	return srv
}

func (s *queryServer) GetFlightInfoStatement(ctx context.Context, stmt arrowflightsql.StatementQuery, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	handle, err := s.gw.Prepare(ctx, stmt.GetQuery())
	if err != nil {
		return nil, statusFromError(err)
	}
	ticket, err := arrowflightsql.CreateStatementQueryTicket([]byte(handle.QueryID))
	if err != nil {
		return nil, statusFromError(err)
	}
	return s.gw.FlightInfo(handle, desc, ticket), nil
}

// DoGetStatement streams through a channel. The Flight SQL writer releases
// every chunk after sending it, so batches are retained before handoff.
func (s *queryServer) DoGetStatement(ctx context.Context, ticket arrowflightsql.StatementQueryTicket) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	handle, err := s.gw.Lookup(string(ticket.GetStatementHandle()))
	if err != nil {
		return nil, nil, statusFromError(err)
	}

	ch := make(chan arrowflight.StreamChunk)
	go func() {
		defer close(ch)
		err := s.gw.Stream(ctx, handle, func(batch arrow.RecordBatch) error {
			batch.Retain()
			select {
			case ch <- arrowflight.StreamChunk{Data: batch}:
				return nil
			case <-ctx.Done():
				batch.Release()
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case ch <- arrowflight.StreamChunk{Err: statusFromError(err)}:
			case <-ctx.Done():
			}
		}
	}()
	return handle.Schema, ch, nil
}
