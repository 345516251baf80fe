// Package controller implements the Controller (C7): the goroutine that
// governs worker count for the duration of a Run, in one of three modes
// (CONCURRENCY, QPS, FIND_MAX_CONCURRENCY).
package controller

import (
	"context"
	"time"

	"github.com/elchinoo/benchctl/internal/aggregator"
	"github.com/elchinoo/benchctl/pkg/bench"
	"go.uber.org/zap"
)

// WorkerScaler is the subset of lifecycle.Supervisor the Controller needs;
// declared locally to avoid an import cycle between controller and
// lifecycle (the supervisor is owned by the Run Lifecycle, not vice versa).
type WorkerScaler interface {
	SetTarget(n int)
	Count() int
}

// Controller drives one Run's worker count according to its Scenario's
// LoadMode, publishing a ControllerTelemetry snapshot on every tick.
type Controller struct {
	sc     *bench.Scenario
	scaler WorkerScaler
	agg    *aggregator.Aggregator
	probe  bench.WarehouseQueueProbe // nil unless the backend supports it
	log    *zap.Logger

	telemetry bench.ControllerTelemetry
}

// New builds a Controller bound to a Scenario; probe is obtained by the
// caller type-asserting its bench.ConnectionPool for
// bench.WarehouseQueueProbe, and is nil for backends that don't implement
// it (Postgres); the Snowflake probe reports Supported=false when queue
// history is unavailable.
func New(sc *bench.Scenario, scaler WorkerScaler, agg *aggregator.Aggregator, probe bench.WarehouseQueueProbe, log *zap.Logger) *Controller {
	return &Controller{
		sc:     sc,
		scaler: scaler,
		agg:    agg,
		probe:  probe,
		log:    log,
		telemetry: bench.ControllerTelemetry{
			Mode: sc.LoadMode,
		},
	}
}

// Telemetry returns the most recent tick's snapshot for inclusion in the
// Aggregator's LiveSnapshot.
func (c *Controller) Telemetry() bench.ControllerTelemetry {
	return c.telemetry
}

// TargetWorkers reports the current desired worker count, read by
// worker.ConcurrencyFunc for parameter-generator cursor striding.
func (c *Controller) TargetWorkers() int {
	if c.telemetry.TargetWorkers <= 0 {
		return 1
	}
	return c.telemetry.TargetWorkers
}

// Run drives the Controller until ctx is cancelled (STOPPING reached) or,
// in FIND_MAX_CONCURRENCY mode, until the step search concludes early.
func (c *Controller) Run(ctx context.Context) error {
	switch c.sc.LoadMode {
	case bench.LoadModeConcurrency:
		return c.runConcurrency(ctx)
	case bench.LoadModeQPS:
		return c.runQPS(ctx)
	case bench.LoadModeFindMax:
		return c.runFindMax(ctx)
	default:
		return bench.ConfigurationErrorf("unknown load mode %q", c.sc.LoadMode)
	}
}

const controllerTickInterval = 2 * time.Second

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
