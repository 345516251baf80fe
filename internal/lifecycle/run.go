package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elchinoo/benchctl/internal/aggregator"
	"github.com/elchinoo/benchctl/internal/paramgen"
	"github.com/elchinoo/benchctl/internal/profiler"
	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller is the subset of controller.Controller the Run needs; declared
// locally so lifecycle does not import controller (controller already
// depends on aggregator, and lifecycle depends on both).
type Controller interface {
	Run(ctx context.Context) error
	Telemetry() bench.ControllerTelemetry
	TargetWorkers() int
}

// Deps bundles every collaborator a Run needs, built by the caller (the
// CLI entry point) before the Run's PREPARED phase begins.
type Deps struct {
	Pool       bench.ConnectionPool
	Catalog    bench.TableCatalog
	PoolStore  bench.ValuePoolStore
	Probe      bench.WarehouseQueueProbe // nil unless the backend supports it
	Sink       bench.DurableSink // nil if no durable sink configured
	Hub        LiveHubPublisher // nil if no live fan-out wired
	Log        *zap.Logger
	NewSupervisor func(ctx context.Context, factory WorkerFactory) *Supervisor
	NewController func(sc *bench.Scenario, scaler WorkerScaler, agg *aggregator.Aggregator, probe bench.WarehouseQueueProbe) Controller
	NewWorker     func(id int, sc *bench.Scenario, pool bench.ConnectionPool, gen *paramgen.Generator, agg *aggregator.Aggregator, phase func() bench.RunPhase, concurrency func() int) Runnable
}

// WorkerScaler mirrors controller.WorkerScaler; redeclared to avoid a
// circular import between lifecycle and controller.
type WorkerScaler interface {
	SetTarget(n int)
	Count() int
}

// LiveHubPublisher is the narrow slice of sink.LiveHub the Run needs.
type LiveHubPublisher interface {
	Publish(snap bench.LiveSnapshot)
}

// Run drives one Scenario through PREPARED -> WARMING_UP -> MEASURING ->
// STOPPING -> PROCESSING -> a terminal RunStatus.
type Run struct {
	ID  string
	sc  *bench.Scenario
	dep Deps

	status atomic.Int32 // bench.RunStatus
	phase  atomic.Int32 // bench.RunPhase

	agg  *aggregator.Aggregator
	ctl  Controller
	sup  *Supervisor
	mu   sync.Mutex
}

// NewRun allocates a Run in PREPARED.
func NewRun(sc *bench.Scenario, dep Deps) *Run {
	r := &Run{ID: uuid.NewString(), sc: sc, dep: dep}
	r.status.Store(int32(bench.RunPrepared))
	r.phase.Store(int32(bench.PhaseNone))
	return r
}

// Status is safe to poll concurrently from a snapshot-ticking goroutine.
func (r *Run) Status() bench.RunStatus { return bench.RunStatus(r.status.Load()) }
func (r *Run) Phase() bench.RunPhase   { return bench.RunPhase(r.phase.Load()) }

// Execute runs the full lifecycle to a terminal status. ctx cancellation
// (including os/signal-driven cancellation from the caller) drives the
// STOPPING transition with status CANCELLED; a guardrail breach or fatal
// setup error drives STOPPING with status FAILED.
func (r *Run) Execute(ctx context.Context) (*bench.TerminalSummary, error) {
	profile, pools, err := r.prepare(ctx)
	if err != nil {
		r.status.Store(int32(bench.RunFailed))
		return r.summary("prepare_failed"), err
	}

	gen := paramgen.New(profile, pools)
	runStart := time.Now()
	r.agg = aggregator.New(runStart)

	factory := func(id int) Runnable {
		return r.dep.NewWorker(id, r.sc, r.dep.Pool, gen, r.agg, r.Phase, r.currentTargetWorkers)
	}
	r.sup = r.dep.NewSupervisor(ctx, factory)

	r.ctl = r.dep.NewController(r.sc, r.sup, r.agg, r.dep.Probe)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.ctl.Run(runCtx)
	}()

	terminationReason := r.runPhases(runCtx, runStart)

	cancelRun()
	r.sup.Shutdown()
	wg.Wait()

	r.status.Store(int32(r.finalStatus(terminationReason)))
	return r.finalize(ctx, terminationReason)
}

func (r *Run) prepare(ctx context.Context) (*bench.TableProfile, *bench.ValuePools, error) {
	profile, err := profiler.Profile(ctx, r.dep.Catalog, r.sc)
	if err != nil {
		return nil, nil, err
	}
	pools, err := r.dep.PoolStore.Load(ctx, r.sc.Name)
	if err != nil {
		return nil, nil, err
	}
	return profile, pools, nil
}

// runPhases runs warmup then measurement, publishing a LiveSnapshot every
// second, and returns the reason the loop ended ("duration_elapsed",
// "guardrail", or "" for an external ctx cancellation).
func (r *Run) runPhases(ctx context.Context, runStart time.Time) string {
	if r.sc.WarmupSeconds > 0 {
		r.status.Store(int32(bench.RunWarmingUp))
		r.phase.Store(int32(bench.PhaseWarmup))
		if r.tickUntil(ctx, time.Duration(r.sc.WarmupSeconds)*time.Second, runStart) {
			return ""
		}
		if r.Status() == bench.RunStopping {
			return "guardrail"
		}
	}

	r.status.Store(int32(bench.RunMeasuring))
	r.phase.Store(int32(bench.PhaseMeasurement))
	r.agg.Reset()
	if r.tickUntil(ctx, time.Duration(r.sc.DurationSeconds)*time.Second, runStart) {
		return ""
	}
	if r.Status() == bench.RunStopping {
		return "guardrail"
	}

	r.status.Store(int32(bench.RunStopping))
	return "duration_elapsed"
}

// tickUntil publishes snapshots every second until d elapses or ctx is
// cancelled; it returns true if ctx was cancelled first.
func (r *Run) tickUntil(ctx context.Context, d time.Duration, runStart time.Time) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case now := <-ticker.C:
			r.publishSnapshot(now)
			if r.Status() == bench.RunStopping || now.After(deadline) {
				return false
			}
		}
	}
}

func (r *Run) publishSnapshot(now time.Time) {
	if r.agg == nil {
		return
	}
	active := r.sup.Count()
	target := r.ctl.TargetWorkers()
	idle := target - active
	if idle < 0 {
		idle = 0
	}
	snap := r.agg.Snapshot(now, r.Phase(), r.Status(), r.ctl.Telemetry(), active, target, idle)
	if r.dep.Hub != nil {
		r.dep.Hub.Publish(snap)
	}
	if r.dep.Sink != nil {
		_ = r.dep.Sink.AppendLiveSnapshot(context.Background(), r.ID, snap)
	}
	if breach := r.checkGuardrails(snap); breach {
		r.status.Store(int32(bench.RunStopping))
	}
}

func (r *Run) checkGuardrails(snap bench.LiveSnapshot) bool {
	g := r.sc.Guardrails
	if g.MaxHostCPUPct > 0 && snap.Resources.EffectiveCPUPct > g.MaxHostCPUPct {
		return true
	}
	if g.MaxHostMemoryPct > 0 && snap.Resources.EffectiveMemPct > g.MaxHostMemoryPct {
		return true
	}
	return false
}

func (r *Run) currentTargetWorkers() int {
	if r.ctl == nil {
		return r.sc.TargetConcurrency
	}
	return r.ctl.TargetWorkers()
}

func (r *Run) finalStatus(reason string) bench.RunStatus {
	switch reason {
	case "duration_elapsed", "stop":
		return bench.RunCompleted
	case "guardrail":
		return bench.RunFailed
	default:
		return bench.RunCancelled
	}
}

func (r *Run) finalize(ctx context.Context, reason string) (*bench.TerminalSummary, error) {
	r.status.Store(int32(bench.RunProcessing))

	success, fail, perKind := r.agg.Totals()
	summary := &bench.TerminalSummary{
		RunID:             r.ID,
		TotalOps:          success + fail,
		SuccessfulOps:     success,
		FailedOps:         fail,
		PerKindCounts:     perKind,
		TerminationReason: reason,
	}

	if r.dep.Sink != nil {
		byKind, overall, err := r.dep.Sink.Finalize(ctx, r.ID)
		if err == nil {
			summary.Overall = overall
			for i, k := range bench.Kinds {
				summary.ByKind[i] = byKind[k]
			}
		} else {
			summary.PercentileSourceReservoir = true
			overall, perKindStats := r.agg.Stats()
			summary.Overall = overall
			summary.ByKind = perKindStats
		}
	} else {
		summary.PercentileSourceReservoir = true
		overall, perKindStats := r.agg.Stats()
		summary.Overall = overall
		summary.ByKind = perKindStats
	}

	if r.sc.LoadMode == bench.LoadModeFindMax {
		t := r.ctl.Telemetry()
		summary.FindMax = &t
	}

	final := r.finalStatus(reason)
	summary.Status = final
	r.status.Store(int32(final))
	return summary, nil
}

func (r *Run) summary(reason string) *bench.TerminalSummary {
	return &bench.TerminalSummary{RunID: r.ID, Status: r.Status(), TerminationReason: reason}
}
