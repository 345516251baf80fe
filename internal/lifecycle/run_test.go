package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elchinoo/benchctl/internal/aggregator"
	"github.com/elchinoo/benchctl/internal/controller"
	"github.com/elchinoo/benchctl/internal/logging"
	"github.com/elchinoo/benchctl/internal/paramgen"
	"github.com/elchinoo/benchctl/internal/worker"
	"github.com/elchinoo/benchctl/pkg/bench"
)

// These exercise Run.Execute end to end against fakes for every backend
// collaborator (ConnectionPool, TableCatalog, ValuePoolStore), covering the
// same six scenario shapes as the manual test matrix: a mixed preset, a
// read-heavy preset, QPS mode, FIND_MAX_CONCURRENCY mode, a guardrail trip
// and an external cancellation. Durations are compressed to a few seconds
// each (the real matrix runs 10-30s per scenario) so the suite stays fast;
// each test still drives a Run through its full PREPARED->terminal state
// machine with real goroutines, timers and the real Aggregator/Controller/
// Supervisor/Worker/paramgen stack.

type fakeCatalog struct{}

func (fakeCatalog) Describe(ctx context.Context, db, schema, table string) ([]bench.ColumnInfo, error) {
	return []bench.ColumnInfo{
		{Name: "id", Type: "bigint"},
		{Name: "created_at", Type: "timestamp"},
		{Name: "name", Type: "character varying", MaxLength: 32},
	}, nil
}

func (fakeCatalog) MinMaxInt(ctx context.Context, table, column string) (int64, int64, error) {
	return 1, 100000, nil
}

func (fakeCatalog) MinMaxTime(ctx context.Context, table, column string) (time.Time, time.Time, error) {
	now := time.Now()
	return now.Add(-48 * time.Hour), now, nil
}

type fakePoolStore struct{}

func (fakePoolStore) Load(ctx context.Context, poolID string) (*bench.ValuePools, error) {
	keys := make([]any, 500)
	for i := range keys {
		keys[i] = int64(i + 1)
	}
	ranges := make([]any, 500)
	now := time.Now()
	for i := range ranges {
		ranges[i] = now.Add(-time.Duration(i) * time.Minute)
	}
	rows := make([]bench.RowValue, 100)
	for i := range rows {
		rows[i] = bench.RowValue{"name": fmt.Sprintf("row-%d", i), "created_at": now}
	}
	return &bench.ValuePools{Keys: keys, Range: ranges, Rows: rows}, nil
}

// fakeConnPool stands in for a real backend: every Execute succeeds (unless
// failAfter caps the op count) after a small fixed delay so operation
// counts stay bounded and deterministic-ish within a short test window.
type fakeConnPool struct {
	ops       atomic.Int64
	failAfter int64
}

func (p *fakeConnPool) Execute(ctx context.Context, sql string, params []any, fetch bool) (bench.ExecResult, error) {
	n := p.ops.Add(1)
	time.Sleep(time.Millisecond)
	if p.failAfter > 0 && n > p.failAfter {
		return bench.ExecResult{}, errors.New("simulated backend error")
	}
	return bench.ExecResult{RowCount: 1}, nil
}

func (p *fakeConnPool) Acquire(ctx context.Context) (bench.Conn, error) {
	return nil, errors.New("fakeConnPool does not support Acquire")
}

func (p *fakeConnPool) PoolStats() bench.PoolStats { return bench.PoolStats{} }
func (p *fakeConnPool) Close()                     {}

const testTableName = "DB.SCHEMA.TBL"

func baseScenario(weights [4]int, loadMode bench.LoadMode) *bench.Scenario {
	sc := &bench.Scenario{
		Name:          testTableName,
		TargetBackend: bench.BackendPostgres,
		Table:         testTableName,
		Weights:       weights,
		SQL: [4]string{
			"SELECT id FROM {table} WHERE id = ?",
			"SELECT id FROM {table} WHERE created_at > ?",
			"INSERT INTO {table} (id, name, created_at) VALUES (?, ?, ?)",
			"UPDATE {table} SET name = ? WHERE id = ?",
		},
		LoadMode: loadMode,
	}
	sc.Schedule = bench.BuildSchedule(weights)
	return sc
}

func newTestDeps(pool bench.ConnectionPool) Deps {
	log := logging.NewDefaultLogger()
	return Deps{
		Pool:      pool,
		Catalog:   fakeCatalog{},
		PoolStore: fakePoolStore{},
		Log:       log.Zap(),
		NewSupervisor: func(ctx context.Context, factory WorkerFactory) *Supervisor {
			return NewSupervisor(ctx, factory, log, 8)
		},
		NewController: func(sc *bench.Scenario, scaler WorkerScaler, agg *aggregator.Aggregator, p bench.WarehouseQueueProbe) Controller {
			return controller.New(sc, scaler, agg, p, log.Zap())
		},
		NewWorker: func(id int, sc *bench.Scenario, pool bench.ConnectionPool, gen *paramgen.Generator, agg *aggregator.Aggregator, phase func() bench.RunPhase, concurrency func() int) Runnable {
			return worker.New(id, sc, pool, gen, agg, phase, concurrency)
		},
	}
}

func TestRunMixedPresetCompletesAndCoversAllKinds(t *testing.T) {
	sc := baseScenario([4]int{25, 25, 35, 15}, bench.LoadModeConcurrency)
	sc.DurationSeconds = 2
	sc.MinConcurrency = 4
	sc.MaxConcurrency = 4
	sc.TargetConcurrency = 4

	pool := &fakeConnPool{}
	run := NewRun(sc, newTestDeps(pool))

	summary, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != bench.RunCompleted {
		t.Fatalf("expected COMPLETED, got %v", summary.Status)
	}
	if summary.TotalOps == 0 {
		t.Fatal("expected nonzero total ops")
	}
	for i, kind := range bench.Kinds {
		if sc.Weights[i] > 0 && summary.PerKindCounts[kind] == 0 {
			t.Errorf("expected nonzero count for kind %s (weight %d)", kind, sc.Weights[i])
		}
	}
}

func TestRunReadHeavyPresetFavorsReads(t *testing.T) {
	sc := baseScenario([4]int{40, 40, 15, 5}, bench.LoadModeConcurrency)
	sc.DurationSeconds = 2
	sc.MinConcurrency = 6
	sc.MaxConcurrency = 6
	sc.TargetConcurrency = 6

	pool := &fakeConnPool{}
	run := NewRun(sc, newTestDeps(pool))

	summary, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != bench.RunCompleted {
		t.Fatalf("expected COMPLETED, got %v", summary.Status)
	}
	reads := summary.PerKindCounts[bench.PointLookup] + summary.PerKindCounts[bench.RangeScan]
	writes := summary.PerKindCounts[bench.Insert] + summary.PerKindCounts[bench.Update]
	if reads <= writes {
		t.Errorf("expected reads (%d) to dominate writes (%d) under an 80%% read-weighted schedule", reads, writes)
	}
}

func TestRunQPSModeStaysWithinConcurrencyBounds(t *testing.T) {
	sc := baseScenario([4]int{50, 30, 10, 10}, bench.LoadModeQPS)
	sc.DurationSeconds = 3
	sc.MinConcurrency = 1
	sc.MaxConcurrency = 10
	sc.TargetQPS = 50

	pool := &fakeConnPool{}
	run := NewRun(sc, newTestDeps(pool))

	summary, err := run.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != bench.RunCompleted {
		t.Fatalf("expected COMPLETED, got %v", summary.Status)
	}
	if summary.TotalOps == 0 {
		t.Fatal("expected nonzero total ops under QPS mode")
	}
}

func TestRunFindMaxConcurrencyReportsBestConcurrency(t *testing.T) {
	sc := baseScenario([4]int{60, 20, 10, 10}, bench.LoadModeFindMax)
	// The Run Lifecycle's own MEASURING window (DurationSeconds) is
	// independent of the Controller's step search; it must stay at least
	// as long as the search can possibly take (at most 2 steps plus one
	// backoff retry, each 0.5s settle + 1s measure = 4.5s here) or Execute
	// tears the Controller down mid-search and no TerminationReason gets
	// recorded.
	sc.DurationSeconds = 15
	sc.MinConcurrency = 1
	sc.MaxConcurrency = 2
	sc.FindMax = bench.FindMaxConfig{
		StartConcurrency:    1,
		Increment:           1,
		StepDurationSeconds: 1,
		QPSDropPct:          50,
		LatencyRisePct:      500,
		MaxErrorRatePct:     50,
		BackoffAttemptsMax:  1,
	}

	pool := &fakeConnPool{}
	run := NewRun(sc, newTestDeps(pool))

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	summary, err := run.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.FindMax == nil {
		t.Fatal("expected FindMax telemetry on the terminal summary")
	}
	if summary.FindMax.BestConcurrency == 0 {
		t.Error("expected a nonzero best concurrency from a stable step search")
	}
	if summary.FindMax.TerminationReason == "" {
		t.Error("expected a termination reason to be recorded")
	}
}

func TestRunGuardrailBreachStopsEarlyAsFailed(t *testing.T) {
	sc := baseScenario([4]int{100, 0, 0, 0}, bench.LoadModeConcurrency)
	sc.DurationSeconds = 10
	sc.MinConcurrency = 2
	sc.MaxConcurrency = 2
	sc.TargetConcurrency = 2
	// A ceiling no real host ever satisfies forces the guardrail to trip on
	// the very first 1 Hz snapshot tick, exercising the STOPPING->FAILED
	// path deterministically without simulating a resource spike.
	sc.Guardrails = bench.Guardrails{MaxHostMemoryPct: 0.0000001}

	pool := &fakeConnPool{}
	run := NewRun(sc, newTestDeps(pool))

	start := time.Now()
	summary, err := run.Execute(context.Background())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != bench.RunFailed {
		t.Fatalf("expected FAILED from a guardrail breach, got %v", summary.Status)
	}
	if summary.TerminationReason != "guardrail" {
		t.Errorf("expected termination reason %q, got %q", "guardrail", summary.TerminationReason)
	}
	if elapsed >= time.Duration(sc.DurationSeconds)*time.Second {
		t.Errorf("expected the guardrail to stop the run well before its %ds duration elapsed, took %s", sc.DurationSeconds, elapsed)
	}
}

func TestRunExternalCancellationReportsCancelled(t *testing.T) {
	sc := baseScenario([4]int{100, 0, 0, 0}, bench.LoadModeConcurrency)
	sc.DurationSeconds = 10
	sc.MinConcurrency = 2
	sc.MaxConcurrency = 2
	sc.TargetConcurrency = 2

	pool := &fakeConnPool{}
	run := NewRun(sc, newTestDeps(pool))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Second)
		cancel()
	}()

	summary, err := run.Execute(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != bench.RunCancelled {
		t.Fatalf("expected CANCELLED from external cancellation, got %v", summary.Status)
	}
}
