package collective

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/metrics"
)

// Executor turns ready requests into communication operations. Init is
// called once before any request flows.
type Executor interface {
	Init(plan *Plan, store *RequestStore) error
	GroupRequests(ids []int) [][]int
	ExecuteRequests(ids []int) error
}

var ErrNotInitialized = errors.New("executor not initialized")

// GroupError reports a failed group. Every rank of every request in IDs
// was notified with Err.
type GroupError struct {
	IDs []int
	Err error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("collective group %v failed: %v", e.IDs, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

// BoxingExecutor groups with a GroupPolicy and executes each group through
// a Transport as one operation.
type BoxingExecutor struct {
	policy    GroupPolicy
	transport Transport
	timeout   time.Duration
	log       *logger.Logger

	plan  *Plan
	store *RequestStore
}

// NewExecutor builds an executor. timeout bounds a single group execution;
// zero means no bound.
func NewExecutor(transport Transport, policy GroupPolicy, timeout time.Duration) *BoxingExecutor {
	return &BoxingExecutor{
		policy:    policy,
		transport: transport,
		timeout:   timeout,
		log:       logger.Log.With("component", "collective", "transport", transport.Name()),
	}
}

func (e *BoxingExecutor) Init(plan *Plan, store *RequestStore) error {
	if e.plan != nil {
		return fmt.Errorf("executor already initialized")
	}
	if plan == nil || store == nil {
		return fmt.Errorf("init: nil plan or store")
	}
	if store.Plan() != plan {
		return fmt.Errorf("init: request store was built for a different plan")
	}
	e.plan, e.store = plan, store
	e.log.Info("collective executor ready", "requests", plan.Len())
	return nil
}

func (e *BoxingExecutor) GroupRequests(ids []int) [][]int {
	if e.plan == nil {
		return nil
	}
	groups := e.policy.Group(e.plan, ids)
	e.log.Trace("grouped requests", "requests", len(ids), "groups", len(groups))
	return groups
}

// ExecuteRequests runs exactly ids as one operation, resets their store
// entries and fires every deposited rank callback with the outcome. If any
// request of the group is incomplete the group fails as a whole and the
// ranks that did deposit are notified.
func (e *BoxingExecutor) ExecuteRequests(ids []int) error {
	if e.plan == nil {
		return ErrNotInitialized
	}
	start := time.Now()

	items := make([]GroupItem, 0, len(ids))
	var err error
	for _, id := range ids {
		desc, reqs, entryErr := e.store.Entry(id)
		if entryErr != nil {
			err = entryErr
			break
		}
		items = append(items, GroupItem{Desc: desc, Requests: reqs})
	}

	kind := "mixed"
	if len(items) > 0 {
		kind = items[0].Desc.Op.Kind.String()
	}

	if err == nil {
		ctx := context.Background()
		if e.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		err = e.transport.Execute(ctx, items)
	}
	if err != nil {
		err = &GroupError{IDs: append([]int(nil), ids...), Err: err}
	}
	metrics.RecordCollectiveGroup(kind, len(ids), time.Since(start), err)

	// entries are reset before callbacks so a callback may deposit the
	// next iteration of the same request
	var callbacks []func(error)
	for _, id := range ids {
		for _, r := range e.store.Take(id) {
			if r.Callback != nil {
				callbacks = append(callbacks, r.Callback)
			}
		}
	}
	for _, cb := range callbacks {
		cb(err)
	}
	if err != nil {
		return err
	}
	e.log.Trace("executed group", "requests", ids, "kind", kind, "duration", time.Since(start).String())
	return nil
}
