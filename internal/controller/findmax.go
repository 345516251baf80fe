package controller

import (
	"context"
	"time"

	"github.com/elchinoo/benchctl/pkg/bench"
	"go.uber.org/zap"
)

// findMaxSettleDuration lets the worker count stabilize before a step's
// measurement window starts counting toward its stats.
const findMaxSettleDuration = 500 * time.Millisecond

// findMaxStepDuration is the default measurement window for one concurrency
// step, used when the Scenario doesn't configure step_duration_seconds.
const findMaxStepDuration = 10 * time.Second

// findMaxStepCount bounds how many steps the search takes between
// MinConcurrency and MaxConcurrency when the Scenario doesn't configure an
// explicit increment.
const findMaxStepCount = 8

// findMaxDefaultBackoffAttempts is how many times an unstable step retries
// measuring the last known-good concurrency before the search gives up,
// when the Scenario doesn't configure backoff_attempts_max.
const findMaxDefaultBackoffAttempts = 2

const (
	defaultMaxErrorRatePct     = 1.0
	defaultQPSDropTolerancePct = 10.0
	defaultLatencyRisePct      = 50.0
)

// runFindMax walks concurrency upward from FindMax.StartConcurrency in
// FindMax.Increment steps, measuring each for FindMax.StepDurationSeconds
// after a settle period, and stops at the first unstable step (or the top
// of the range). An unstable step doesn't end the search immediately: it
// first retries measuring the last stable concurrency up to
// BackoffAttemptsMax times to rule out a transient blip, and — if that
// confirms the last stable step still holds — probes the midpoint between
// it and the failing step once before terminating. The best confirmed
// stable step's concurrency is reported as BestConcurrency.
func (c *Controller) runFindMax(ctx context.Context) error {
	lo := c.sc.FindMax.StartConcurrency
	if lo <= 0 {
		lo = c.sc.MinConcurrency
	}
	if lo <= 0 {
		lo = 1
	}
	hi := c.sc.MaxConcurrency
	if hi < lo {
		hi = lo
	}

	increment := c.sc.FindMax.Increment
	if increment <= 0 {
		increment = (hi - lo) / findMaxStepCount
	}
	if increment < 1 {
		increment = 1
	}

	stepDuration := findMaxStepDuration
	if c.sc.FindMax.StepDurationSeconds > 0 {
		stepDuration = time.Duration(c.sc.FindMax.StepDurationSeconds) * time.Second
	}

	backoffMax := c.sc.FindMax.BackoffAttemptsMax
	if backoffMax <= 0 {
		backoffMax = findMaxDefaultBackoffAttempts
	}

	var best *bench.StepResult
	var lastStable *bench.StepResult
	step := 0

	measure := func(concurrency int) (bench.StepResult, bool) {
		step++
		c.scaler.SetTarget(concurrency)
		c.telemetry.CurrentStep = step
		c.telemetry.CurrentConcurrency = concurrency
		c.telemetry.TargetWorkers = concurrency
		c.telemetry.StepEndAtMs = time.Now().Add(findMaxSettleDuration + stepDuration).UnixMilli()

		if sleepOrDone(ctx, findMaxSettleDuration) {
			return bench.StepResult{}, true
		}

		// Reset the measurement window so the previous step's samples and
		// per-kind attempt counts don't bleed into this one; live display
		// counters (OpsTotal) are untouched.
		c.agg.Reset()

		if sleepOrDone(ctx, stepDuration) {
			return bench.StepResult{}, true
		}

		attempts := c.agg.PerKindAttempts()
		var totalAttempts int64
		for _, a := range attempts {
			totalAttempts += a
		}
		overall, perKind := c.agg.Stats()

		result := bench.StepResult{
			Concurrency:  concurrency,
			QPS:          float64(totalAttempts) / stepDuration.Seconds(),
			P95Ms:        overall.P95,
			P99Ms:        overall.P99,
			ErrorRatePct: c.agg.ErrorRatePct(),
		}
		for i := range perKind {
			result.PerKindP95[i] = perKind[i].P95
			result.PerKindP99[i] = perKind[i].P99
			result.PerKindErrorRate[i] = perKindErrorRate(attempts[i], perKind[i].Samples)
		}
		return result, false
	}

	record := func(r bench.StepResult, previous *bench.StepResult) (bool, string) {
		stable, reason := c.checkStability(r, previous)
		r.Stable = stable
		r.InstabilityReason = reason
		c.telemetry.StepHistory = append(c.telemetry.StepHistory, r)
		return stable, reason
	}

	for concurrency := lo; concurrency <= hi; concurrency += increment {
		result, cancelled := measure(concurrency)
		if cancelled {
			return nil
		}

		stable, reason := record(result, lastStable)
		if stable {
			lastStable = &result
			if best == nil || result.QPS >= best.QPS {
				best = &result
				c.telemetry.BestConcurrency = result.Concurrency
				c.telemetry.BestQPS = result.QPS
			}
			continue
		}

		c.log.Info("find_max_concurrency step unstable, entering backoff",
			zap.Int("concurrency", concurrency), zap.String("reason", reason))

		if best == nil {
			c.telemetry.TerminationReason = "step_unstable:" + reason
			return nil
		}

		confirmed := false
		for attempt := 0; attempt < backoffMax; attempt++ {
			retry, cancelled := measure(best.Concurrency)
			if cancelled {
				return nil
			}
			if stable, _ := record(retry, nil); stable {
				confirmed = true
				break
			}
		}

		if !confirmed {
			c.telemetry.TerminationReason = "backoff_exhausted"
			return nil
		}

		mid := best.Concurrency + (concurrency-best.Concurrency)/2
		if mid <= best.Concurrency || mid >= concurrency {
			c.telemetry.TerminationReason = "backoff_confirmed"
			return nil
		}

		midResult, cancelled := measure(mid)
		if cancelled {
			return nil
		}
		if stable, _ := record(midResult, best); stable {
			best = &midResult
			c.telemetry.BestConcurrency = midResult.Concurrency
			c.telemetry.BestQPS = midResult.QPS
			c.telemetry.TerminationReason = "midpoint_confirmed"
		} else {
			c.telemetry.TerminationReason = "midpoint_unstable"
		}
		return nil
	}

	c.telemetry.TerminationReason = "max_concurrency_reached"
	return nil
}

// checkStability applies the fixed-order stability check: error rate,
// queue depth, per-kind SLO, QPS drop vs. previous stable step, latency
// rise vs. previous stable step. The first failing criterion wins. Every
// tolerance is read from the Scenario's FindMax config, falling back to
// the package defaults when left unconfigured (zero).
func (c *Controller) checkStability(r bench.StepResult, previous *bench.StepResult) (bool, string) {
	maxErrorRatePct := c.sc.FindMax.MaxErrorRatePct
	if maxErrorRatePct <= 0 {
		maxErrorRatePct = defaultMaxErrorRatePct
	}
	if r.ErrorRatePct > maxErrorRatePct {
		return false, "error_rate"
	}

	if c.probe != nil {
		if qs, err := c.probe.WarehouseQueueStatus(context.Background()); err == nil && qs.Supported {
			if qs.QueueDepth > 0 {
				return false, "queue_depth"
			}
		}
	}

	for i, slo := range c.sc.SLO {
		if !slo.Enabled {
			continue
		}
		if slo.P95Ms > 0 && r.PerKindP95[i] > slo.P95Ms {
			return false, "per_kind_slo"
		}
		if slo.P99Ms > 0 && r.PerKindP99[i] > slo.P99Ms {
			return false, "per_kind_slo"
		}
		if slo.ErrorRatePct > 0 && r.PerKindErrorRate[i] > slo.ErrorRatePct {
			return false, "per_kind_slo"
		}
	}

	if previous != nil {
		qpsDropTolerancePct := c.sc.FindMax.QPSDropPct
		if qpsDropTolerancePct <= 0 {
			qpsDropTolerancePct = defaultQPSDropTolerancePct
		}
		if previous.QPS > 0 {
			drop := 100 * (previous.QPS - r.QPS) / previous.QPS
			if drop > qpsDropTolerancePct {
				return false, "qps_drop"
			}
		}

		latencyRiseTolerancePct := c.sc.FindMax.LatencyRisePct
		if latencyRiseTolerancePct <= 0 {
			latencyRiseTolerancePct = defaultLatencyRisePct
		}
		if previous.P95Ms > 0 {
			rise := 100 * (r.P95Ms - previous.P95Ms) / previous.P95Ms
			if rise > latencyRiseTolerancePct {
				return false, "latency_rise"
			}
		}
	}

	return true, ""
}

func perKindErrorRate(attempts int64, successSamples int64) float64 {
	if attempts == 0 {
		return 0
	}
	failures := attempts - successSamples
	if failures < 0 {
		failures = 0
	}
	return 100 * float64(failures) / float64(attempts)
}
