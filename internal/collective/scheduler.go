package collective

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-eager/internal/config"
	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/metrics"
)

// ErrWatchdog means a planned request did not collect all of its ranks in
// time. The plan and the running program disagree, which is not
// recoverable.
var ErrWatchdog = errors.New("collective request incomplete past watchdog")

// FatalFunc receives errors the process cannot survive.
type FatalFunc func(source string, err error)

// Scheduler drains ready requests from the store, groups them and executes
// the groups in order on one goroutine.
type Scheduler struct {
	exec     Executor
	store    *RequestStore
	watchdog time.Duration
	poll     time.Duration
	fatal    FatalFunc
	log      *logger.Logger
	now      func() time.Time

	tripped map[int]time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(exec Executor, store *RequestStore, cfg config.CollectiveConfig, fatal FatalFunc) *Scheduler {
	return &Scheduler{
		exec:     exec,
		store:    store,
		watchdog: cfg.WatchdogTimeout,
		poll:     cfg.PollInterval,
		fatal:    fatal,
		log:      logger.Log.With("component", "collective_scheduler"),
		now:      time.Now,
		tripped:  make(map[int]time.Time),
		done:     make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop ends the loop and waits for it. Groups already taken are finished.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.store.Notify():
			s.Drain()
		case <-ticker.C:
			s.Drain()
			s.checkWatchdog()
		}
	}
}

// Drain executes everything that is ready now. It is exported so callers
// without a running loop can step the scheduler.
func (s *Scheduler) Drain() {
	ids := s.store.TakeReady()
	if len(ids) == 0 {
		return
	}
	for _, group := range s.exec.GroupRequests(ids) {
		if err := s.exec.ExecuteRequests(group); err != nil {
			s.fatal(fmt.Sprintf("collective group %v", group), errors.WithStack(err))
		}
	}
}

func (s *Scheduler) checkWatchdog() {
	now := s.now()
	for _, p := range s.store.Pending() {
		if now.Sub(p.FirstArrival) < s.watchdog {
			continue
		}
		if first, ok := s.tripped[p.ID]; ok && first.Equal(p.FirstArrival) {
			continue
		}
		s.tripped[p.ID] = p.FirstArrival
		metrics.RecordWatchdogTrip()
		err := errors.Wrapf(ErrWatchdog, "request %d: %d of %d ranks after %v", p.ID, p.Arrived, p.NumRanks, now.Sub(p.FirstArrival).Round(time.Millisecond))
		s.fatal("collective watchdog", err)
	}
}
