package controller

import (
	"context"
	"math"
	"time"
)

// runQPS adjusts worker count to hit TargetQPS, staying within
// [MinConcurrency, MaxConcurrency].
func (c *Controller) runQPS(ctx context.Context) error {
	current := c.sc.MinConcurrency
	if current <= 0 {
		current = 1
	}
	if current > c.sc.MaxConcurrency {
		current = c.sc.MaxConcurrency
	}
	c.scaler.SetTarget(current)
	c.telemetry.TargetWorkers = current

	lastOps := c.agg.OpsTotal()
	lastAt := time.Now()

	for {
		if sleepOrDone(ctx, controllerTickInterval) {
			return nil
		}

		ops := c.agg.OpsTotal()
		now := time.Now()
		elapsed := now.Sub(lastAt).Seconds()
		achievedQPS := 0.0
		if elapsed > 0 {
			achievedQPS = float64(ops-lastOps) / elapsed
		}
		lastOps, lastAt = ops, now

		current = adjustTowardTarget(current, achievedQPS, c.sc.TargetQPS, c.sc.MinConcurrency, c.sc.MaxConcurrency)
		c.scaler.SetTarget(current)

		c.telemetry.TargetWorkers = current
		c.telemetry.CurrentQPSWindowed = achievedQPS
	}
}

// adjustTowardTarget computes the worker count needed to hit targetQPS from
// the per-worker throughput observed this window: qps_per_worker =
// achievedQPS / current, desired = ceil(targetQPS / qps_per_worker). With no
// throughput signal yet (qps_per_worker <= 0, e.g. the first tick or an
// all-error window) it nudges up by one worker rather than standing still,
// and the result is always clamped to [min, max].
func adjustTowardTarget(current int, achievedQPS, targetQPS float64, min, max int) int {
	if targetQPS <= 0 {
		return current
	}

	qpsPerWorker := achievedQPS / math.Max(1, float64(current))

	desired := current + 1
	if qpsPerWorker > 0 {
		desired = int(math.Ceil(targetQPS / qpsPerWorker))
	}

	if desired < min {
		desired = min
	}
	if desired > max {
		desired = max
	}
	return desired
}
