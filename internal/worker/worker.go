// Package worker implements the Worker (C5): one goroutine drawing
// operations from the Scenario's schedule, executing them against a
// ConnectionPool, and reporting every Outcome to the Aggregator.
package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elchinoo/benchctl/internal/aggregator"
	"github.com/elchinoo/benchctl/internal/paramgen"
	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/google/uuid"
)

// maxConsecutiveHardErrors is the threshold past which a Worker gives up
// and transitions to DEAD rather than retrying indefinitely.
const maxConsecutiveHardErrors = 100

// PhaseFunc reports the Run Lifecycle's current phase, read on every
// operation so a Worker started mid-warmup picks up MEASURING without a
// restart.
type PhaseFunc func() bench.RunPhase

// ConcurrencyFunc reports the Controller's current target concurrency, used
// for parameter-generator cursor striding; it may change while the Worker
// runs under QPS or FIND_MAX_CONCURRENCY modes.
type ConcurrencyFunc func() int

// Worker executes one scenario's schedule against one connection pool.
type Worker struct {
	ID int

	sc   *bench.Scenario
	pool bench.ConnectionPool
	gen  *paramgen.Generator
	agg  *aggregator.Aggregator

	phase       PhaseFunc
	concurrency ConcurrencyFunc

	status atomic.Int32 // bench.WorkerStatus

	tick           int64
	perKindCounter [4]int64
}

// New builds a Worker in the STARTING state.
func New(id int, sc *bench.Scenario, pool bench.ConnectionPool, gen *paramgen.Generator, agg *aggregator.Aggregator, phase PhaseFunc, concurrency ConcurrencyFunc) *Worker {
	w := &Worker{ID: id, sc: sc, pool: pool, gen: gen, agg: agg, phase: phase, concurrency: concurrency}
	w.status.Store(int32(bench.WorkerStarting))
	return w
}

// Status is safe for concurrent reads while Run executes.
func (w *Worker) Status() bench.WorkerStatus {
	return bench.WorkerStatus(w.status.Load())
}

// Run drives the schedule loop until ctx is cancelled or the Worker goes
// DEAD. A non-nil error is only returned on the DEAD path; context
// cancellation is the normal STOPPING/STOPPED exit and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.status.Store(int32(bench.WorkerRunning))
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			w.status.Store(int32(bench.WorkerStopped))
			return nil
		default:
		}

		if err := w.step(ctx); err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveHardErrors {
				w.status.Store(int32(bench.WorkerDead))
				return err
			}
		} else {
			consecutiveErrors = 0
		}

		if w.sc.ThinkTimeMs > 0 {
			select {
			case <-ctx.Done():
				w.status.Store(int32(bench.WorkerStopped))
				return nil
			case <-time.After(time.Duration(w.sc.ThinkTimeMs) * time.Millisecond):
			}
		}
	}
}

// Stop requests a graceful exit; the next loop iteration observes ctx.Done
// via the caller-owned context and transitions to STOPPED. Exposed for
// symmetry with the STARTING/RUNNING/STOPPING/STOPPED state machine; actual
// cancellation is driven by the supervisor's context.
func (w *Worker) Stop() {
	w.status.CompareAndSwap(int32(bench.WorkerRunning), int32(bench.WorkerStopping))
}

func (w *Worker) step(ctx context.Context) error {
	tickIdx := (w.ID + int(atomic.AddInt64(&w.tick, 1)-1)) % 100
	kind := w.sc.Schedule[tickIdx]
	sqlText := strings.ReplaceAll(w.sc.SQL[kind], "{table}", w.sc.Table)
	counter := int(atomic.AddInt64(&w.perKindCounter[kind], 1) - 1)
	concurrency := w.concurrency()
	if concurrency <= 0 {
		concurrency = 1
	}

	now := time.Now()
	params, err := w.gen.Params(kind, sqlText, w.ID, counter, concurrency, now)
	if err != nil {
		w.record(kind, now, now, false, err, 0)
		return err
	}

	fetch := kind == bench.PointLookup || kind == bench.RangeScan

	timeout := time.Duration(w.sc.OperationTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(bench.DefaultOperationTimeoutMs) * time.Millisecond
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)

	start := time.Now()
	res, execErr := w.pool.Execute(opCtx, sqlText, params, fetch)
	elapsed := time.Since(start)
	end := time.Now()
	cancel()

	if execErr != nil {
		w.record(kind, start, end, false, bench.TransientBackendError(execErr), 0)
		return execErr
	}

	o := bench.Outcome{
		ExecutionID:      uuid.NewString(),
		WorkerID:         w.ID,
		Kind:             kind,
		StartTS:          start,
		EndTS:            end,
		AppElapsedMs:     float64(elapsed.Microseconds()) / 1000.0,
		Success:          true,
		RowsAffected:     res.RowCount,
		Warmup:           w.phase() == bench.PhaseWarmup,
		BackendQueryID:   res.QueryID,
		ServerElapsedMs:  res.ServerElapsedMs,
		HasServerElapsed: res.HasServerElapsed,
	}
	w.agg.Record(o)
	return nil
}

func (w *Worker) record(kind bench.Kind, start, end time.Time, success bool, err error, rows int64) {
	w.agg.Record(bench.Outcome{
		ExecutionID:  uuid.NewString(),
		WorkerID:     w.ID,
		Kind:         kind,
		StartTS:      start,
		EndTS:        end,
		AppElapsedMs: float64(end.Sub(start).Microseconds()) / 1000.0,
		Success:      success,
		Err:          err,
		RowsAffected: rows,
		Warmup:       w.phase() == bench.PhaseWarmup,
	})
}
