package collective

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	client "github.com/23skdu/longbow-eager/internal/arrow_client"
	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/logger"
)

// FlightTransport sends every rank of a group to a FlightReducer over Arrow
// Flight DoExchange. Each Execute call opens a fresh session so requests of
// different iterations never meet at one rendezvous.
type FlightTransport struct {
	exchanger client.Exchanger
}

func NewFlightTransport(ex client.Exchanger) *FlightTransport {
	return &FlightTransport{exchanger: ex}
}

func (t *FlightTransport) Name() string { return "flight" }

func (t *FlightTransport) Execute(ctx context.Context, items []GroupItem) error {
	session := uuid.NewString()
	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		op := item.Desc.Op
		for rank, r := range item.Requests {
			desc := client.ExchangeDescriptor{
				Session:  session,
				Request:  item.Desc.ID,
				Rank:     rank,
				NumRanks: op.NumRanks,
				Kind:     op.Kind.String(),
				Method:   op.ReduceMethod.String(),
				DType:    op.DType.String(),
				Root:     op.Root,
			}
			g.Go(func() error {
				out, err := t.exchanger.Exchange(ctx, desc, r.Send)
				if err != nil {
					return fmt.Errorf("exchange %s: %w", desc, err)
				}
				if len(out) != len(r.Recv) {
					return fmt.Errorf("exchange %s: got %d bytes, want %d", desc, len(out), len(r.Recv))
				}
				copy(r.Recv, out)
				return nil
			})
		}
	}
	return g.Wait()
}

type rendezvous struct {
	desc    client.ExchangeDescriptor
	send    [][]byte
	seen    []bool
	arrived int
	ready   chan struct{}
	out     [][]byte
	err     error
}

// FlightReducer is the Flight service behind FlightTransport. It holds each
// rank's exchange open until every rank of the request has arrived, then
// answers all of them with their share of the result.
type FlightReducer struct {
	flight.BaseFlightServer

	mem     memory.Allocator
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*rendezvous
}

// NewFlightReducer builds a reducer whose rendezvous give up after timeout.
func NewFlightReducer(timeout time.Duration) *FlightReducer {
	return &FlightReducer{
		mem:     memory.NewGoAllocator(),
		timeout: timeout,
		pending: make(map[string]*rendezvous),
	}
}

// Pending is the number of rendezvous waiting for ranks.
func (f *FlightReducer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *FlightReducer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	desc, payload, err := client.ReadExchange(stream, f.mem)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	rv, err := f.arrive(desc, payload)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := context.WithTimeout(stream.Context(), f.timeout)
	defer cancel()
	select {
	case <-rv.ready:
	case <-ctx.Done():
		f.abandon(desc.Key(), rv)
		return status.Errorf(codes.DeadlineExceeded, "%s: %d of %d ranks arrived", desc.Key(), f.arrivals(rv), desc.NumRanks)
	}
	if rv.err != nil {
		return status.Error(codes.FailedPrecondition, rv.err.Error())
	}
	return client.WriteExchange(stream, f.mem, rv.out[desc.Rank])
}

func (f *FlightReducer) arrive(desc client.ExchangeDescriptor, payload []byte) (*rendezvous, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := desc.Key()
	rv, ok := f.pending[key]
	if !ok {
		rv = &rendezvous{
			desc:  desc,
			send:  make([][]byte, desc.NumRanks),
			seen:  make([]bool, desc.NumRanks),
			ready: make(chan struct{}),
		}
		f.pending[key] = rv
	}
	if rv.desc.NumRanks != desc.NumRanks || rv.desc.Kind != desc.Kind || rv.desc.DType != desc.DType {
		return nil, fmt.Errorf("%s: rank %d disagrees with rank %d on the operation", key, desc.Rank, rv.desc.Rank)
	}
	if rv.seen[desc.Rank] {
		return nil, fmt.Errorf("%s: rank %d arrived twice", key, desc.Rank)
	}
	rv.seen[desc.Rank] = true
	rv.send[desc.Rank] = payload
	rv.arrived++
	logger.Log.Trace("reducer arrival", "key", key, "rank", desc.Rank, "arrived", rv.arrived, "ranks", desc.NumRanks)
	if rv.arrived == desc.NumRanks {
		rv.out, rv.err = reduceExchange(rv.desc, rv.send)
		delete(f.pending, key)
		close(rv.ready)
	}
	return rv, nil
}

func (f *FlightReducer) abandon(key string, rv *rendezvous) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[key] == rv {
		delete(f.pending, key)
	}
}

func (f *FlightReducer) arrivals(rv *rendezvous) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rv.arrived
}

// reduceExchange rebuilds the op from the descriptor. The element count
// comes from the payloads: all-gather sends one slice per rank, broadcast
// only has data at the root.
func reduceExchange(desc client.ExchangeDescriptor, send [][]byte) ([][]byte, error) {
	kind, err := ParseOpKind(desc.Kind)
	if err != nil {
		return nil, err
	}
	method, err := ParseReduceMethod(desc.Method)
	if err != nil {
		return nil, err
	}
	dtype, err := blob.ParseDType(desc.DType)
	if err != nil {
		return nil, err
	}
	op := OpDesc{Kind: kind, ReduceMethod: method, DType: dtype, NumRanks: desc.NumRanks, Root: desc.Root}
	if op.hasRoot() && (op.Root < 0 || op.Root >= op.NumRanks) {
		return nil, fmt.Errorf("root %d out of range", op.Root)
	}

	var total int
	switch kind {
	case AllGather:
		for _, b := range send {
			total += len(b)
		}
	case Broadcast:
		total = len(send[op.Root])
	default:
		total = len(send[0])
	}
	if total%dtype.Size() != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %v", total, dtype)
	}
	op.Shape = blob.Shape{total / dtype.Size()}
	return Compute(op, send)
}
