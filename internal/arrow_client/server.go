package arrow_client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-eager/internal/logger"
)

// ReadExchange reads the single payload record a FlightClient sends on a
// DoExchange stream together with its descriptor.
func ReadExchange(stream flight.FlightService_DoExchangeServer, mem memory.Allocator) (ExchangeDescriptor, []byte, error) {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(mem))
	if err != nil {
		return ExchangeDescriptor{}, nil, fmt.Errorf("failed to open exchange reader: %w", err)
	}
	defer reader.Release()

	desc, err := ParseExchangeDescriptor(reader.LatestFlightDescriptor())
	if err != nil {
		return ExchangeDescriptor{}, nil, err
	}
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return desc, nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return desc, nil, fmt.Errorf("no payload for %s", desc)
	}
	payload, err := PayloadOf(reader.Record())
	return desc, payload, err
}

// WriteExchange answers a DoExchange stream with one payload record.
func WriteExchange(stream flight.FlightService_DoExchangeServer, mem memory.Allocator, payload []byte) error {
	rec := NewPayloadRecord(mem, payload)
	defer rec.Release()
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(PayloadSchema), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return writer.Close()
}

// Server runs a Flight service on a listening address.
type Server struct {
	srv flight.Server
}

// NewServer listens on addr ("localhost:0" picks a free port) and starts
// serving svc in the background.
func NewServer(addr string, svc flight.FlightServer) (*Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("flight server stopped", "addr", addr, "error", err.Error())
		}
	}()
	logger.Log.Info("flight server listening", "addr", srv.Addr().String())
	return &Server{srv: srv}, nil
}

func (s *Server) Addr() string { return s.srv.Addr().String() }

func (s *Server) Shutdown() { s.srv.Shutdown() }
