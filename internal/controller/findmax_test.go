package controller

import (
	"testing"

	"github.com/elchinoo/benchctl/pkg/bench"
)

func TestCheckStabilityErrorRateFailsFirst(t *testing.T) {
	sc := &bench.Scenario{}
	c := newTestController(sc, nil)

	r := bench.StepResult{ErrorRatePct: 5.0, P95Ms: 10, QPS: 100}
	stable, reason := c.checkStability(r, nil)
	if stable || reason != "error_rate" {
		t.Fatalf("expected error_rate failure, got stable=%v reason=%q", stable, reason)
	}
}

func TestCheckStabilityQueueDepthFailsWhenProbeReportsBacklog(t *testing.T) {
	sc := &bench.Scenario{}
	probe := &fakeProbe{status: bench.QueueStatus{Supported: true, QueueDepth: 3}}
	c := newTestController(sc, probe)

	r := bench.StepResult{ErrorRatePct: 0}
	stable, reason := c.checkStability(r, nil)
	if stable || reason != "queue_depth" {
		t.Fatalf("expected queue_depth failure, got stable=%v reason=%q", stable, reason)
	}
}

func TestCheckStabilityPerKindSLOFailsOnLatency(t *testing.T) {
	sc := &bench.Scenario{}
	sc.SLO[bench.PointLookup] = bench.SLOTarget{Enabled: true, P95Ms: 50}
	c := newTestController(sc, nil)

	r := bench.StepResult{}
	r.PerKindP95[bench.PointLookup] = 100
	stable, reason := c.checkStability(r, nil)
	if stable || reason != "per_kind_slo" {
		t.Fatalf("expected per_kind_slo failure, got stable=%v reason=%q", stable, reason)
	}
}

func TestCheckStabilityQPSDropVsPreviousStable(t *testing.T) {
	sc := &bench.Scenario{}
	c := newTestController(sc, nil)

	previous := &bench.StepResult{QPS: 1000, P95Ms: 20}
	r := bench.StepResult{QPS: 800, P95Ms: 20}
	stable, reason := c.checkStability(r, previous)
	if stable || reason != "qps_drop" {
		t.Fatalf("expected qps_drop failure, got stable=%v reason=%q", stable, reason)
	}
}

func TestCheckStabilityLatencyRiseVsPreviousStable(t *testing.T) {
	sc := &bench.Scenario{}
	c := newTestController(sc, nil)

	previous := &bench.StepResult{QPS: 1000, P95Ms: 20}
	r := bench.StepResult{QPS: 1000, P95Ms: 40}
	stable, reason := c.checkStability(r, previous)
	if stable || reason != "latency_rise" {
		t.Fatalf("expected latency_rise failure, got stable=%v reason=%q", stable, reason)
	}
}

func TestCheckStabilityStableWhenAllCriteriaPass(t *testing.T) {
	sc := &bench.Scenario{}
	c := newTestController(sc, nil)

	previous := &bench.StepResult{QPS: 1000, P95Ms: 20}
	r := bench.StepResult{ErrorRatePct: 0.1, QPS: 1050, P95Ms: 22}
	stable, reason := c.checkStability(r, previous)
	if !stable || reason != "" {
		t.Fatalf("expected stable step, got stable=%v reason=%q", stable, reason)
	}
}

func TestAdjustTowardTargetScalesByCeilOfQPSPerWorker(t *testing.T) {
	// 10 workers achieving 50 qps -> 5 qps/worker; ceil(200/5) = 40.
	next := adjustTowardTarget(10, 50, 200, 1, 1000)
	if next != 40 {
		t.Fatalf("expected ceil(target_qps/qps_per_worker) = 40, got %d", next)
	}
}

func TestAdjustTowardTargetClampsToMax(t *testing.T) {
	next := adjustTowardTarget(100, 10, 10000, 1, 120)
	if next != 120 {
		t.Fatalf("expected clamp to max 120, got %d", next)
	}
}

func TestAdjustTowardTargetNudgesUpWithoutSignal(t *testing.T) {
	if next := adjustTowardTarget(10, 0, 100, 1, 1000); next != 11 {
		t.Fatalf("expected a one-worker nudge with zero achievedQPS, got %d", next)
	}
}

func TestAdjustTowardTargetNoOpWithoutTargetQPS(t *testing.T) {
	if next := adjustTowardTarget(10, 50, 0, 1, 1000); next != 10 {
		t.Fatalf("expected no change with zero targetQPS, got %d", next)
	}
}
