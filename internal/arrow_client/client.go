package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/metrics"
)

const (
	// Flight reducer port
	PortReduce = 3002
)

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// Exchanger sends one rank's payload for a collective request and returns
// that rank's result once every rank has arrived.
type Exchanger interface {
	Exchange(ctx context.Context, desc ExchangeDescriptor, payload []byte) ([]byte, error)
	Close() error
}

// FlightClient wraps Apache Arrow Flight DoExchange for collective payloads
type FlightClient struct {
	client     flight.Client
	addr       string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	mem        memory.Allocator
}

// NewFlightClient creates a client for a reducer at host:port
func NewFlightClient(host string, port int) (*FlightClient, error) {
	if host == "" {
		return nil, fmt.Errorf("empty reducer host")
	}
	if port <= 0 {
		port = PortReduce
	}
	return NewFlightClientAddr(fmt.Sprintf("%s:%d", host, port)), nil
}

// NewFlightClientAddr creates a client for a reducer at addr
func NewFlightClientAddr(addr string) *FlightClient {
	return &FlightClient{
		addr:       addr,
		timeout:    30 * time.Second,
		maxRetries: 3,
		backoff:    50 * time.Millisecond,
		mem:        memory.NewGoAllocator(),
	}
}

// WithRetries sets how often an Unavailable exchange is retried
func (fc *FlightClient) WithRetries(n int, backoff time.Duration) *FlightClient {
	fc.maxRetries = n
	fc.backoff = backoff
	return fc
}

// WithTimeout bounds a single exchange attempt
func (fc *FlightClient) WithTimeout(d time.Duration) *FlightClient {
	fc.timeout = d
	return fc
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect establishes connection to Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	logger.Log.Debug("flight client connected", "addr", fc.addr)
	return nil
}

// Close disconnects from Flight server
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// Exchange sends payload tagged with desc and waits for this rank's result.
// Unavailable errors are retried with linear backoff.
func (fc *FlightClient) Exchange(ctx context.Context, desc ExchangeDescriptor, payload []byte) ([]byte, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	var out []byte
	err := Retry(ctx, fc.maxRetries, fc.backoff, func() error {
		var err error
		out, err = fc.exchangeOnce(ctx, desc, payload)
		return err
	})
	return out, err
}

func (fc *FlightClient) exchangeOnce(ctx context.Context, desc ExchangeDescriptor, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open exchange: %w", err)
	}

	rec := NewPayloadRecord(fc.mem, payload)
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(PayloadSchema), ipc.WithAllocator(fc.mem))
	writer.SetFlightDescriptor(desc.FlightDescriptor())
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send: %w", err)
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(fc.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	defer reader.Release()
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("empty exchange response for %s", desc)
	}
	return PayloadOf(reader.Record())
}

// Retry runs fn until it succeeds, fails with a non-Unavailable error or
// maxRetries retries are used up.
func Retry(ctx context.Context, maxRetries int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || status.Code(err) != codes.Unavailable || attempt >= maxRetries {
			return err
		}
		metrics.RecordTransportRetry("flight")
		logger.Log.Warn("flight exchange unavailable, retrying", "attempt", attempt+1, "error", err.Error())
		select {
		case <-time.After(backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return fmt.Errorf("%w (retry aborted: %v)", err, ctx.Err())
		}
	}
}
