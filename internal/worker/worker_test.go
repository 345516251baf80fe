package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elchinoo/benchctl/internal/aggregator"
	"github.com/elchinoo/benchctl/internal/paramgen"
	"github.com/elchinoo/benchctl/pkg/bench"
)

type fakePool struct {
	failAlways bool
	calls      int
	blockFor   time.Duration
}

func (f *fakePool) Execute(ctx context.Context, sql string, params []any, fetch bool) (bench.ExecResult, error) {
	f.calls++
	if f.blockFor > 0 {
		select {
		case <-time.After(f.blockFor):
		case <-ctx.Done():
			return bench.ExecResult{}, ctx.Err()
		}
	}
	if f.failAlways {
		return bench.ExecResult{}, errors.New("boom")
	}
	return bench.ExecResult{RowCount: 1}, nil
}

func (f *fakePool) Acquire(ctx context.Context) (bench.Conn, error) { return nil, nil }
func (f *fakePool) PoolStats() bench.PoolStats                      { return bench.PoolStats{} }
func (f *fakePool) Close()                                          {}

func testScenario() *bench.Scenario {
	sc := &bench.Scenario{
		Weights: [4]int{100, 0, 0, 0},
		SQL:     [4]string{"SELECT {table} WHERE id = ?", "", "", ""},
	}
	sc.Schedule = bench.BuildSchedule(sc.Weights)
	return sc
}

func testGenerator() *paramgen.Generator {
	return paramgen.New(&bench.TableProfile{}, &bench.ValuePools{Keys: []any{int64(1)}})
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	sc := testScenario()
	agg := aggregator.New(time.Now())
	pool := &fakePool{}
	w := New(0, sc, pool, testGenerator(), agg, func() bench.RunPhase { return bench.PhaseMeasurement }, func() int { return 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("expected nil error on context cancellation, got %v", err)
	}
	if w.Status() != bench.WorkerStopped {
		t.Errorf("expected STOPPED status, got %v", w.Status())
	}
	if pool.calls == 0 {
		t.Error("expected at least one Execute call before cancellation")
	}
}

func TestWorkerStepEnforcesOperationTimeoutInsteadOfHanging(t *testing.T) {
	sc := testScenario()
	sc.OperationTimeoutMs = 10
	agg := aggregator.New(time.Now())
	pool := &fakePool{blockFor: time.Hour}
	w := New(0, sc, pool, testGenerator(), agg, func() bench.RunPhase { return bench.PhaseMeasurement }, func() int { return 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.Run(ctx)
	if err == nil {
		t.Fatal("expected the worker to go DEAD once every attempt times out")
	}
	if w.Status() != bench.WorkerDead {
		t.Errorf("expected DEAD status, got %v", w.Status())
	}
	if pool.calls < maxConsecutiveHardErrors {
		t.Errorf("expected the timed-out call to count as a hard error and retry, got %d calls", pool.calls)
	}
}

func TestWorkerGoesDeadAfterConsecutiveHardErrors(t *testing.T) {
	sc := testScenario()
	agg := aggregator.New(time.Now())
	pool := &fakePool{failAlways: true}
	w := New(0, sc, pool, testGenerator(), agg, func() bench.RunPhase { return bench.PhaseMeasurement }, func() int { return 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.Run(ctx)
	if err == nil {
		t.Fatal("expected an error once the worker goes DEAD")
	}
	if w.Status() != bench.WorkerDead {
		t.Errorf("expected DEAD status, got %v", w.Status())
	}
	if pool.calls < maxConsecutiveHardErrors {
		t.Errorf("expected at least %d attempts, got %d", maxConsecutiveHardErrors, pool.calls)
	}
}
