// Package collective groups and executes multi-participant communication
// requests issued by eager instructions against a static boxing plan.
package collective

import (
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-eager/internal/blob"
)

// OpKind is the communication primitive of a request.
type OpKind int

const (
	AllReduce OpKind = iota
	ReduceScatter
	AllGather
	Reduce
	Broadcast
)

func (k OpKind) String() string {
	switch k {
	case AllReduce:
		return "all_reduce"
	case ReduceScatter:
		return "reduce_scatter"
	case AllGather:
		return "all_gather"
	case Reduce:
		return "reduce"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("op_kind(%d)", int(k))
	}
}

// ParseOpKind is the inverse of OpKind.String.
func ParseOpKind(s string) (OpKind, error) {
	for k := AllReduce; k <= Broadcast; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown op kind %q", s)
}

type ReduceMethod int

const (
	Sum ReduceMethod = iota
	Prod
	Max
	Min
)

func (m ReduceMethod) String() string {
	switch m {
	case Sum:
		return "sum"
	case Prod:
		return "prod"
	case Max:
		return "max"
	case Min:
		return "min"
	default:
		return fmt.Sprintf("reduce_method(%d)", int(m))
	}
}

func ParseReduceMethod(s string) (ReduceMethod, error) {
	for m := Sum; m <= Min; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown reduce method %q", s)
}

// OpDesc describes one collective operation site. Shape is the logical
// tensor shape: the full tensor for all-reduce, reduce and broadcast, the
// gathered result for all-gather and the scattered input for reduce-scatter.
type OpDesc struct {
	Name         string
	Kind         OpKind
	ReduceMethod ReduceMethod
	DType        blob.DType
	Shape        blob.Shape
	NumRanks     int
	Root         int
}

func (d OpDesc) byteSize() int { return blob.ByteSize(d.Shape, d.DType) }

func (d OpDesc) hasRoot() bool { return d.Kind == Reduce || d.Kind == Broadcast }

func (d OpDesc) reduces() bool {
	return d.Kind == AllReduce || d.Kind == ReduceScatter || d.Kind == Reduce
}

// SendBytes is the size of the buffer a rank contributes.
func (d OpDesc) SendBytes(rank int) int {
	switch d.Kind {
	case AllGather:
		return d.byteSize() / d.NumRanks
	case Broadcast:
		if rank != d.Root {
			return 0
		}
	}
	return d.byteSize()
}

// RecvBytes is the size of the buffer a rank receives into.
func (d OpDesc) RecvBytes(rank int) int {
	switch d.Kind {
	case ReduceScatter:
		return d.byteSize() / d.NumRanks
	case Reduce:
		if rank != d.Root {
			return 0
		}
	}
	return d.byteSize()
}

func (d OpDesc) validate() error {
	if !d.DType.Valid() {
		return fmt.Errorf("op %q: invalid dtype %v", d.Name, d.DType)
	}
	if !d.Shape.Valid() {
		return fmt.Errorf("op %q: invalid shape %v", d.Name, d.Shape)
	}
	if d.NumRanks <= 0 {
		return fmt.Errorf("op %q: num_ranks %d must be positive", d.Name, d.NumRanks)
	}
	if d.Kind < AllReduce || d.Kind > Broadcast {
		return fmt.Errorf("op %q: unknown kind %v", d.Name, d.Kind)
	}
	if d.reduces() && (d.ReduceMethod < Sum || d.ReduceMethod > Min) {
		return fmt.Errorf("op %q: unknown reduce method %v", d.Name, d.ReduceMethod)
	}
	if d.hasRoot() && (d.Root < 0 || d.Root >= d.NumRanks) {
		return fmt.Errorf("op %q: root %d out of range [0,%d)", d.Name, d.Root, d.NumRanks)
	}
	if (d.Kind == AllGather || d.Kind == ReduceScatter) && d.Shape.NumElements()%d.NumRanks != 0 {
		return fmt.Errorf("op %q: %d elements do not split over %d ranks", d.Name, d.Shape.NumElements(), d.NumRanks)
	}
	return nil
}

// RequestDesc is one entry of the plan. DeviceSet lists the device of each
// rank in rank order. Requests with a larger DependencyDepth consume the
// results of shallower ones; Order breaks ties within a depth.
type RequestDesc struct {
	ID              int
	Op              OpDesc
	DeviceSet       []int
	DependencyDepth int
	Order           int
}

// Plan is the static description of every collective operation site. It is
// read-only after NewPlan.
type Plan struct {
	requests []RequestDesc
	byID     map[int]int
	byName   map[string]int
}

// NewPlan validates requests and indexes them by id and op name.
func NewPlan(requests []RequestDesc) (*Plan, error) {
	p := &Plan{
		requests: make([]RequestDesc, len(requests)),
		byID:     make(map[int]int, len(requests)),
		byName:   make(map[string]int, len(requests)),
	}
	for i, r := range requests {
		if err := r.Op.validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", r.ID, err)
		}
		if len(r.DeviceSet) != r.Op.NumRanks {
			return nil, fmt.Errorf("request %d: %d devices for %d ranks", r.ID, len(r.DeviceSet), r.Op.NumRanks)
		}
		if _, dup := p.byID[r.ID]; dup {
			return nil, fmt.Errorf("request %d: duplicate id", r.ID)
		}
		if r.Op.Name != "" {
			if _, dup := p.byName[r.Op.Name]; dup {
				return nil, fmt.Errorf("request %d: duplicate op name %q", r.ID, r.Op.Name)
			}
			p.byName[r.Op.Name] = i
		}
		r.Op.Shape = r.Op.Shape.Clone()
		r.DeviceSet = append([]int(nil), r.DeviceSet...)
		p.requests[i] = r
		p.byID[r.ID] = i
	}
	return p, nil
}

func (p *Plan) Lookup(id int) (RequestDesc, bool) {
	i, ok := p.byID[id]
	if !ok {
		return RequestDesc{}, false
	}
	return p.requests[i], true
}

func (p *Plan) LookupByName(name string) (RequestDesc, bool) {
	i, ok := p.byName[name]
	if !ok {
		return RequestDesc{}, false
	}
	return p.requests[i], true
}

func (p *Plan) Len() int { return len(p.requests) }

// IDs returns every request id in ascending order.
func (p *Plan) IDs() []int {
	ids := make([]int, 0, len(p.requests))
	for _, r := range p.requests {
		ids = append(ids, r.ID)
	}
	sort.Ints(ids)
	return ids
}

// RuntimeRequest is one rank's contribution to a planned request. Send and
// Recv alias the instruction operands' memory. Callback fires exactly once
// with the group outcome.
type RuntimeRequest struct {
	Rank     int
	Send     []byte
	Recv     []byte
	Callback func(error)
}

// ArrivalInfo describes a request that is still waiting for ranks.
type ArrivalInfo struct {
	ID           int
	Arrived      int
	NumRanks     int
	FirstArrival time.Time
}
