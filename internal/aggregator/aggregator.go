// Package aggregator implements the Metrics Aggregator (C6): it consumes
// Outcomes from every Worker, maintains bounded live-percentile reservoirs
// and counters, samples host/process/cgroup resources, and builds the
// LiveSnapshot published once per second.
package aggregator

import (
	"sync"
	"time"

	"github.com/elchinoo/benchctl/pkg/bench"
)

// qpsEMAAlpha smooths the 1 Hz instantaneous ops/sec into OpsCurrentPerSec;
// a higher alpha reacts faster but is noisier.
const qpsEMAAlpha = 0.3

// Aggregator is safe for concurrent Record calls from many Workers; Snapshot
// is intended to be called from a single ticking goroutine.
type Aggregator struct {
	mu sync.Mutex

	overall reservoir
	byKind  [4]reservoir

	opsTotal        int64
	successTotal    int64
	failTotal       int64
	perKindCounts   [4]int64
	perKindAttempts [4]int64
	rowsTotal       int64
	errorTotal      int64

	// windowed counters, reset every Snapshot call
	windowOps  int64
	windowRows int64

	emaOpsPerSec  float64
	peakOpsPerSec float64
	runStart      time.Time

	sampler *ResourceSampler
}

// New builds an Aggregator; runStart anchors ElapsedTotalSeconds.
func New(runStart time.Time) *Aggregator {
	return &Aggregator{runStart: runStart, sampler: NewResourceSampler()}
}

// Record ingests one completed operation. The raw ops/sec activity
// counters (opsTotal, windowOps) move regardless of phase so the live
// dashboard shows warmup traffic ramping up; the latency reservoirs and the
// success/fail/per-kind summary counters used for terminal percentiles and
// FIND_MAX stability checks are measurement-phase only (§3, §4.5) and are
// skipped entirely for a warmup Outcome. Reset clears them again at the
// WARMING_UP->MEASURING boundary in case any warmup Outcome slipped in
// under a stale phase read.
func (a *Aggregator) Record(o bench.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.opsTotal++
	a.windowOps++

	if o.Warmup {
		return
	}

	a.perKindAttempts[o.Kind]++
	if o.Success {
		a.successTotal++
		a.rowsTotal += o.RowsAffected
		a.windowRows += o.RowsAffected
		a.overall.add(o.AppElapsedMs)
		a.byKind[o.Kind].add(o.AppElapsedMs)
		a.perKindCounts[o.Kind]++
	} else {
		a.failTotal++
		a.errorTotal++
	}
}

// Reset clears the measurement-phase summary counters and latency
// reservoirs without touching the live activity counters (opsTotal,
// windowOps, emaOpsPerSec, peakOpsPerSec) or the resource sampler. Called
// by the Run Lifecycle on the WARMING_UP->MEASURING transition (§4.7), and
// by the FIND_MAX_CONCURRENCY controller at the start of every concurrency
// step (§4.6.3's "reset per-step latency buckets and per-step counters"),
// so neither warmup traffic nor a prior step's traffic pollutes the window
// now being measured.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.overall = reservoir{}
	for i := range a.byKind {
		a.byKind[i] = reservoir{}
	}
	a.successTotal = 0
	a.failTotal = 0
	a.perKindCounts = [4]int64{}
	a.perKindAttempts = [4]int64{}
	a.rowsTotal = 0
	a.errorTotal = 0
}

// Snapshot builds the next LiveSnapshot, folds the windowed ops-per-second
// counters into the EMA and peak trackers, and resets the window. phase,
// status and controller telemetry are supplied by the caller (Run
// Lifecycle / Controller), since the Aggregator owns no lifecycle state of
// its own.
func (a *Aggregator) Snapshot(now time.Time, phase bench.RunPhase, status bench.RunStatus, ctl bench.ControllerTelemetry, connActive, connTarget, connIdle int) bench.LiveSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	instantaneous := float64(a.windowOps) // one-second window
	a.emaOpsPerSec = qpsEMAAlpha*instantaneous + (1-qpsEMAAlpha)*a.emaOpsPerSec
	if instantaneous > a.peakOpsPerSec {
		a.peakOpsPerSec = instantaneous
	}
	elapsed := now.Sub(a.runStart).Seconds()
	avgOpsPerSec := 0.0
	if elapsed > 0 {
		avgOpsPerSec = float64(a.opsTotal) / elapsed
	}

	rowsPerSec := float64(a.windowRows)
	bytesPerSec := rowsPerSec * 0 // no row-size accounting in this engine

	snap := bench.LiveSnapshot{
		Timestamp:             now,
		Phase:                 phase,
		Status:                status,
		ElapsedTotalSeconds:   elapsed,
		ElapsedDisplaySeconds: elapsed,

		OpsTotal:         a.opsTotal,
		OpsCurrentPerSec: a.emaOpsPerSec,
		OpsAvgPerSec:     avgOpsPerSec,
		OpsPeakPerSec:    a.peakOpsPerSec,

		Reads:   a.perKindCounts[bench.PointLookup] + a.perKindCounts[bench.RangeScan],
		Writes:  a.perKindCounts[bench.Insert],
		Updates: a.perKindCounts[bench.Update],

		Latency:     a.statsFromReservoir(&a.overall),
		BytesPerSec: bytesPerSec,
		RowsPerSec:  rowsPerSec,

		ErrorCount: a.errorTotal,
		ErrorRate:  errorRate(a.errorTotal, a.successTotal+a.failTotal),

		ConnectionsActive: connActive,
		ConnectionsTarget: connTarget,
		ConnectionsIdle:   connIdle,

		Controller: ctl,
	}
	for i := range a.byKind {
		snap.LatencyByKind[i] = a.statsFromReservoir(&a.byKind[i])
	}

	reading := a.sampler.Sample()
	snap.Resources = bench.ResourceSample{
		Timestamp:       reading.Timestamp,
		ProcessCPUPct:   reading.ProcessCPUPct,
		ProcessRSSMB:    reading.ProcessRSSMB,
		HostCPUPct:      reading.HostCPUPct,
		HostMemoryPct:   reading.HostMemoryPct,
		CgroupCPUPct:    reading.CgroupCPUPct,
		CgroupMemoryPct: reading.CgroupMemoryPct,
		HasCgroup:       reading.HasCgroup,
		EffectiveCPUPct: reading.EffectiveCPUPct,
		EffectiveMemPct: reading.EffectiveMemPct,
	}

	a.windowOps = 0
	a.windowRows = 0
	return snap
}

func (a *Aggregator) statsFromReservoir(r *reservoir) bench.LatencyStats {
	p50, p90, p95, p99, min, max, avg := r.percentiles()
	return bench.LatencyStats{
		P50: p50, P90: p90, P95: p95, P99: p99,
		Min: min, Max: max, Avg: avg,
		Samples:          r.count,
		SamplesAvailable: r.len() > 0,
		FromReservoir:    true,
	}
}

// Totals returns the running success/fail/per-kind counters, used by the
// Run Lifecycle to build a TerminalSummary when the durable sink's exact
// percentiles are unavailable.
func (a *Aggregator) Totals() (success, fail int64, perKind [4]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.successTotal, a.failTotal, a.perKindCounts
}

// PerKindAttempts returns the cumulative attempt count per kind (success +
// failure), used to compute per-kind error rates for the SLO stability
// check and the terminal summary.
func (a *Aggregator) PerKindAttempts() [4]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perKindAttempts
}

// Stats returns the current reservoir-derived overall and per-kind latency
// stats without resetting any windowed counters, for callers (the
// FIND_MAX_CONCURRENCY step search) that need a read at an arbitrary
// moment rather than at the Aggregator's own 1 Hz cadence.
func (a *Aggregator) Stats() (overall bench.LatencyStats, perKind [4]bench.LatencyStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	overall = a.statsFromReservoir(&a.overall)
	for i := range a.byKind {
		perKind[i] = a.statsFromReservoir(&a.byKind[i])
	}
	return overall, perKind
}

// OpsTotal returns the cumulative successful+failed operation count without
// touching the windowed counters Snapshot consumes, so callers (the
// Controller's own QPS-tracking tick) can diff it across arbitrary
// intervals independently of the Aggregator's 1 Hz snapshot cadence.
func (a *Aggregator) OpsTotal() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opsTotal
}

// ErrorRatePct returns the error rate over the measurement-phase counters
// accumulated since the last Reset (run start, the WARMING_UP->MEASURING
// transition, or the most recent FIND_MAX_CONCURRENCY step boundary).
func (a *Aggregator) ErrorRatePct() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return errorRate(a.errorTotal, a.successTotal+a.failTotal)
}

func errorRate(errs, total int64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(errs) / float64(total)
}
