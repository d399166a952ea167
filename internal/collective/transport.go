package collective

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// GroupItem is one ready request of a group: its plan entry and the runtime
// request of every rank, indexed by rank.
type GroupItem struct {
	Desc     RequestDesc
	Requests []RuntimeRequest
}

// Transport moves the data of one group. A group either succeeds as a
// whole or fails as a whole; receive buffers of a failed group are
// undefined.
type Transport interface {
	Name() string
	Execute(ctx context.Context, items []GroupItem) error
}

// LocalTransport reduces in process. Every rank's buffers live in this
// process, so each request is computed once and scattered to the ranks.
type LocalTransport struct{}

func (LocalTransport) Name() string { return "local" }

func (LocalTransport) Execute(ctx context.Context, items []GroupItem) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			send := make([][]byte, len(item.Requests))
			for rank, r := range item.Requests {
				send[rank] = r.Send
			}
			out, err := Compute(item.Desc.Op, send)
			if err != nil {
				return fmt.Errorf("request %d: %w", item.Desc.ID, err)
			}
			for rank, r := range item.Requests {
				copy(r.Recv, out[rank])
			}
			return nil
		})
	}
	return g.Wait()
}
