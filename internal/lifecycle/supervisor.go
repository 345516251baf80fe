// Package lifecycle implements the Run Lifecycle (C8): the state machine
// governing PREPARED -> WARMING_UP -> MEASURING -> STOPPING -> PROCESSING
// -> a terminal status, plus the worker supervisor that scales the active
// goroutine set up and down as the Controller demands.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/elchinoo/benchctl/internal/logging"
	"github.com/elchinoo/benchctl/pkg/bench"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// defaultMaxParallelCreates bounds concurrent worker spawns when
// NewSupervisor is given a non-positive value, matching the process
// config's own default for max_parallel_creates.
const defaultMaxParallelCreates = 8

// WorkerFactory builds a runnable worker for id; Supervisor owns its
// goroutine and cancellation but not its construction.
type WorkerFactory func(id int) Runnable

// Runnable is the subset of worker.Worker the supervisor depends on,
// avoiding an import of the concrete worker package.
type Runnable interface {
	Run(ctx context.Context) error
	Status() bench.WorkerStatus
}

type handle struct {
	w      Runnable
	cancel context.CancelFunc
}

// Supervisor scales a set of Runnables to a target count, reusing the
// lowest free ids so worker identity stays stable for parameter-generator
// cursor striding across scale-up/scale-down events.
type Supervisor struct {
	mu      sync.Mutex
	ctx     context.Context
	factory WorkerFactory
	log     *logging.Logger

	handles map[int]*handle
	wg      sync.WaitGroup
	errs    chan error

	// createSem bounds how many factory() calls (worker construction) run
	// concurrently during a scale-up. Construction itself acquires no
	// backend connection; workers draw connections from the shared pool
	// when they execute operations.
	createSem *semaphore.Weighted
}

// NewSupervisor binds a Supervisor to a parent context; workers inherit
// cancellation from it directly, and from per-worker contexts derived from
// it for individual scale-down. maxParallelCreates bounds concurrent worker
// construction; a non-positive value falls back to defaultMaxParallelCreates.
func NewSupervisor(ctx context.Context, factory WorkerFactory, log *logging.Logger, maxParallelCreates int) *Supervisor {
	if maxParallelCreates <= 0 {
		maxParallelCreates = defaultMaxParallelCreates
	}
	return &Supervisor{
		ctx:       ctx,
		factory:   factory,
		log:       log,
		handles:   map[int]*handle{},
		errs:      make(chan error, 16),
		createSem: semaphore.NewWeighted(int64(maxParallelCreates)),
	}
}

// Errs surfaces fatal worker errors (DEAD transitions) to the caller
// without blocking the supervisor's internal bookkeeping.
func (s *Supervisor) Errs() <-chan error { return s.errs }

// SetTarget scales the live worker set to n, starting new workers at the
// lowest unused ids and stopping the highest-id workers first when
// shrinking, so active worker identity stays contiguous from 0.
func (s *Supervisor) SetTarget(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.handles)
	if n > current {
		for id := 0; len(s.handles) < n; id++ {
			if _, exists := s.handles[id]; exists {
				continue
			}
			s.startLocked(id)
		}
		return
	}
	if n < current {
		ids := make([]int, 0, current)
		for id := range s.handles {
			ids = append(ids, id)
		}
		for len(s.handles) > n {
			highest := ids[0]
			for _, id := range ids {
				if id > highest {
					highest = id
				}
			}
			s.stopLocked(highest)
			for i, id := range ids {
				if id == highest {
					ids = append(ids[:i], ids[i+1:]...)
					break
				}
			}
		}
	}
}

func (s *Supervisor) startLocked(id int) {
	wctx, cancel := context.WithCancel(s.ctx)
	h := &handle{cancel: cancel}
	s.handles[id] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.createSem.Acquire(s.ctx, 1); err != nil {
			return // parent context already cancelled before this worker got to start
		}
		w := s.factory(id)
		s.createSem.Release(1)

		s.mu.Lock()
		h.w = w
		s.mu.Unlock()

		// Run either until the Run Lifecycle cancels wctx (the normal
		// shutdown path) or the worker itself gives up (DEAD, or any other
		// natural return). Either way the handle must come out of
		// s.handles so Count()/SetTarget() see the drop and the next
		// SetTarget call can spawn a replacement at this id.
		defer func() {
			s.mu.Lock()
			if cur, ok := s.handles[id]; ok && cur == h {
				delete(s.handles, id)
			}
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.log.Worker(id).Error("worker panicked", zap.Any("recover", r))
				select {
				case s.errs <- errRecovered(r):
				default:
				}
			}
		}()
		if err := w.Run(wctx); err != nil {
			select {
			case s.errs <- err:
			default:
			}
		}
	}()
}

func (s *Supervisor) stopLocked(id int) {
	h, ok := s.handles[id]
	if !ok {
		return
	}
	h.cancel()
	delete(s.handles, id)
}

// Count returns the current live worker count.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Shutdown cancels every worker and waits up to a 5 s grace period for all
// goroutines to return; a worker still running after the grace period is
// abandoned (its context is already cancelled) and Shutdown returns anyway.
func (s *Supervisor) Shutdown() {
	const shutdownGrace = 5 * time.Second

	s.mu.Lock()
	for id := range s.handles {
		s.handles[id].cancel()
	}
	s.handles = map[int]*handle{}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
	}
}

type recoveredPanic struct{ v any }

func (p recoveredPanic) Error() string { return "worker panic recovered" }

func errRecovered(v any) error { return recoveredPanic{v: v} }
