package bench

import "testing"

func TestBuildScheduleWeightDistribution(t *testing.T) {
	sched := BuildSchedule([4]int{25, 25, 25, 25})
	var counts [4]int
	for _, k := range sched {
		counts[k]++
	}
	for i, c := range counts {
		if c != 25 {
			t.Errorf("kind %d: expected 25 occurrences, got %d", i, c)
		}
	}
}

func TestBuildScheduleIsDeterministic(t *testing.T) {
	weights := [4]int{70, 10, 15, 5}
	a := BuildSchedule(weights)
	b := BuildSchedule(weights)
	if a != b {
		t.Fatal("BuildSchedule is not deterministic for identical weights")
	}
}

func TestBuildScheduleSingleKind(t *testing.T) {
	sched := BuildSchedule([4]int{100, 0, 0, 0})
	for i, k := range sched {
		if k != PointLookup {
			t.Fatalf("tick %d: expected PointLookup, got %v", i, k)
		}
	}
}

func TestBuildScheduleSpreadsEvenly(t *testing.T) {
	// A 1% weight kind should never appear twice within a short run of ticks.
	sched := BuildSchedule([4]int{1, 33, 33, 33})
	lastSeenAt := -100
	for i, k := range sched {
		if k == PointLookup {
			if i-lastSeenAt < 50 {
				t.Fatalf("PointLookup repeated too closely at ticks %d and %d", lastSeenAt, i)
			}
			lastSeenAt = i
		}
	}
}

func TestScenarioHasKind(t *testing.T) {
	sc := &Scenario{Weights: [4]int{50, 0, 50, 0}}
	if !sc.HasKind(PointLookup) {
		t.Error("expected PointLookup to be present")
	}
	if sc.HasKind(RangeScan) {
		t.Error("expected RangeScan to be absent")
	}
	if !sc.HasKind(Insert) {
		t.Error("expected Insert to be present")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunCompleted, RunCancelled, RunFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	nonTerminal := []RunStatus{RunPrepared, RunWarmingUp, RunMeasuring, RunStopping, RunProcessing}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		PointLookup: "POINT_LOOKUP",
		RangeScan:   "RANGE_SCAN",
		Insert:      "INSERT",
		Update:      "UPDATE",
		Kind(99):    "UNKNOWN",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestColumnByNameCaseInsensitive(t *testing.T) {
	p := &TableProfile{Columns: []ColumnInfo{{Name: "CreatedAt"}}}
	if _, ok := p.ColumnByName("createdat"); !ok {
		t.Error("expected case-insensitive match")
	}
	if _, ok := p.ColumnByName("missing"); ok {
		t.Error("expected no match for missing column")
	}
}
