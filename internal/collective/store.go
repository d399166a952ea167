package collective

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-eager/internal/metrics"
)

var (
	ErrUnknownRequest = errors.New("request not in plan")
	ErrDuplicateRank  = errors.New("rank already deposited")
	ErrNotReady       = errors.New("request is missing ranks")
)

type entry struct {
	desc         RequestDesc
	ranks        []*RuntimeRequest
	arrived      int
	firstArrival time.Time
	queued       bool
}

// RequestStore holds the runtime requests of every planned request until
// its group is executed. A request becomes ready once every rank of its
// device set has deposited.
type RequestStore struct {
	plan *Plan

	mu      sync.Mutex
	entries map[int]*entry
	ready   []int
	notify  chan struct{}
	now     func() time.Time
}

func NewRequestStore(plan *Plan) *RequestStore {
	s := &RequestStore{
		plan:    plan,
		entries: make(map[int]*entry, plan.Len()),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
	for _, id := range plan.IDs() {
		desc, _ := plan.Lookup(id)
		s.entries[id] = &entry{desc: desc, ranks: make([]*RuntimeRequest, desc.Op.NumRanks)}
	}
	return s
}

func (s *RequestStore) Plan() *Plan { return s.plan }

// AddRuntimeRequest deposits one rank. It reports whether the request is now
// complete; complete requests are queued for TakeReady.
func (s *RequestStore) AddRuntimeRequest(id int, req RuntimeRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, fmt.Errorf("request %d: %w", id, ErrUnknownRequest)
	}
	op := e.desc.Op
	if req.Rank < 0 || req.Rank >= op.NumRanks {
		return false, fmt.Errorf("request %d: rank %d out of range [0,%d)", id, req.Rank, op.NumRanks)
	}
	if e.ranks[req.Rank] != nil {
		return false, fmt.Errorf("request %d rank %d: %w", id, req.Rank, ErrDuplicateRank)
	}
	if len(req.Send) != op.SendBytes(req.Rank) || len(req.Recv) != op.RecvBytes(req.Rank) {
		return false, fmt.Errorf("request %d rank %d: buffers %d/%d bytes, plan wants %d/%d",
			id, req.Rank, len(req.Send), len(req.Recv), op.SendBytes(req.Rank), op.RecvBytes(req.Rank))
	}

	r := req
	e.ranks[req.Rank] = &r
	if e.arrived == 0 {
		e.firstArrival = s.now()
	}
	e.arrived++
	if e.arrived == 1 {
		s.recordPendingLocked()
	}
	if e.arrived < op.NumRanks {
		return false, nil
	}
	if !e.queued {
		e.queued = true
		s.ready = append(s.ready, id)
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return true, nil
}

// Notify receives a value whenever new requests become ready.
func (s *RequestStore) Notify() <-chan struct{} { return s.notify }

// TakeReady drains the ids that became ready since the last call, in the
// order they became ready.
func (s *RequestStore) TakeReady() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ready
	s.ready = nil
	return ids
}

// Ready reports whether every rank of id has deposited.
func (s *RequestStore) Ready(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.arrived == e.desc.Op.NumRanks
}

// Entry returns the plan entry and the deposited ranks of a ready request.
func (s *RequestStore) Entry(id int) (RequestDesc, []RuntimeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return RequestDesc{}, nil, fmt.Errorf("request %d: %w", id, ErrUnknownRequest)
	}
	if e.arrived != e.desc.Op.NumRanks {
		return RequestDesc{}, nil, fmt.Errorf("request %d (%d of %d ranks): %w", id, e.arrived, e.desc.Op.NumRanks, ErrNotReady)
	}
	reqs := make([]RuntimeRequest, len(e.ranks))
	for i, r := range e.ranks {
		reqs[i] = *r
	}
	return e.desc, reqs, nil
}

// Reset clears the deposited ranks of id so the plan entry can be reused by
// the next iteration.
func (s *RequestStore) Reset(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		s.resetLocked(id, e)
	}
}

// Take returns the ranks deposited for id, whether or not the request is
// complete, and resets the entry.
func (s *RequestStore) Take(id int) []RuntimeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	var reqs []RuntimeRequest
	for _, r := range e.ranks {
		if r != nil {
			reqs = append(reqs, *r)
		}
	}
	s.resetLocked(id, e)
	return reqs
}

func (s *RequestStore) resetLocked(id int, e *entry) {
	for i := range e.ranks {
		e.ranks[i] = nil
	}
	e.arrived = 0
	e.firstArrival = time.Time{}
	if e.queued {
		for i, r := range s.ready {
			if r == id {
				s.ready = append(s.ready[:i], s.ready[i+1:]...)
				break
			}
		}
	}
	e.queued = false
	s.recordPendingLocked()
}

// Pending lists requests with some but not all ranks deposited, oldest
// first arrival first.
func (s *RequestStore) Pending() []ArrivalInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ArrivalInfo
	for id, e := range s.entries {
		if e.arrived == 0 || e.arrived == e.desc.Op.NumRanks {
			continue
		}
		out = append(out, ArrivalInfo{ID: id, Arrived: e.arrived, NumRanks: e.desc.Op.NumRanks, FirstArrival: e.firstArrival})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstArrival.Equal(out[j].FirstArrival) {
			return out[i].FirstArrival.Before(out[j].FirstArrival)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *RequestStore) recordPendingLocked() {
	n := 0
	for _, e := range s.entries {
		if e.arrived > 0 {
			n++
		}
	}
	metrics.RecordPendingRequests(n)
}
