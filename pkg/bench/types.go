// Package bench defines the data model and collaborator contracts of the
// benchmark execution engine: Scenario, TableProfile, ValuePool, Schedule,
// Outcome, and the live/terminal reporting shapes derived from them.
package bench

import "time"

// Kind is the tagged sum type dispatched on throughout the engine. There are
// exactly four members; adding a fifth is a breaking change to Schedule,
// ParameterGenerator and the Aggregator's per-kind buckets alike, so no
// registry or plugin surface exists for it.
type Kind int

const (
	PointLookup Kind = iota
	RangeScan
	Insert
	Update
)

// Kinds is the stable insertion order used to break accumulator ties in the
// smooth weighted round-robin schedule builder.
var Kinds = [4]Kind{PointLookup, RangeScan, Insert, Update}

// DefaultOperationTimeoutMs is the per-SQL-execute deadline used when a
// Scenario doesn't configure OperationTimeoutMs.
const DefaultOperationTimeoutMs = 60_000

func (k Kind) String() string {
	switch k {
	case PointLookup:
		return "POINT_LOOKUP"
	case RangeScan:
		return "RANGE_SCAN"
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Backend identifies the target database family a Scenario runs against.
type Backend string

const (
	BackendSnowflake Backend = "snowflake"
	BackendPostgres  Backend = "postgres"
)

// LoadMode selects which Controller algorithm governs the worker count.
type LoadMode string

const (
	LoadModeConcurrency LoadMode = "CONCURRENCY"
	LoadModeQPS         LoadMode = "QPS"
	LoadModeFindMax     LoadMode = "FIND_MAX_CONCURRENCY"
)

// SLOTarget is an optional per-kind service-level objective.
type SLOTarget struct {
	Enabled      bool
	P95Ms        float64
	P99Ms        float64
	ErrorRatePct float64
}

// Guardrails bound host/cgroup resource consumption before a Run is forced
// into STOPPING.
type Guardrails struct {
	MaxHostCPUPct    float64
	MaxHostMemoryPct float64
}

// FindMaxConfig carries every FIND_MAX_CONCURRENCY tunable named in §4.6.3.
// A zero value for any field means "not configured"; the Controller applies
// the spec's documented defaults for that field (see controller package).
type FindMaxConfig struct {
	StartConcurrency    int
	Increment           int
	StepDurationSeconds int
	QPSDropPct          float64
	LatencyRisePct      float64
	BackoffAttemptsMax  int
	MaxErrorRatePct     float64
}

// Scenario is the frozen, immutable output of the Workload Planner (C3). It
// is never mutated after BuildScenario returns it.
type Scenario struct {
	Name              string
	TargetBackend     Backend
	Table             string // fully qualified: db.schema.table
	Weights           [4]int // indexed by Kind
	SQL               [4]string
	DurationSeconds   int
	WarmupSeconds     int
	LoadMode          LoadMode
	MinConcurrency    int
	MaxConcurrency    int
	TargetConcurrency int // CONCURRENCY mode only
	TargetQPS         float64
	SLO               [4]SLOTarget
	Guardrails        Guardrails
	FindMax           FindMaxConfig // FIND_MAX_CONCURRENCY mode only

	CollectQueryHistory bool
	UseCachedResult     bool
	ThinkTimeMs         int64

	// OperationTimeoutMs bounds a single SQL execute; 0 falls back to
	// DefaultOperationTimeoutMs. A deadline exceeded is recorded as a failed
	// Outcome and the worker continues (§5).
	OperationTimeoutMs int64

	// Schedule is derived from Weights at BuildScenario time; see
	// BuildSchedule.
	Schedule Schedule
}

// HasKind reports whether a kind participates in this Scenario (weight > 0).
func (s *Scenario) HasKind(k Kind) bool {
	return s.Weights[k] > 0
}

// TableProfile is the immutable output of the Table Profiler (C2).
type TableProfile struct {
	IDColumn   string // empty if none
	IDMin      int64
	IDMax      int64
	HasIDRange bool

	TimeColumn   string // empty if none
	TimeMin      time.Time
	TimeMax      time.Time
	HasTimeRange bool

	// Columns is ordered as returned by DESCRIBE/information_schema.
	Columns         []ColumnInfo
	RequiredColumns map[string]bool
}

// ColumnInfo describes one column of the profiled table.
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
	Default  string // empty if none

	// MaxLength is character_maximum_length for text-ish types, 0 if the
	// backend reports none (unbounded / non-character type).
	MaxLength int
}

// ColumnByName returns the ColumnInfo for name, case-insensitively, or false.
func (p *TableProfile) ColumnByName(name string) (ColumnInfo, bool) {
	for _, c := range p.Columns {
		if equalFoldASCII(c.Name, name) {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// PoolKind identifies which of the three value-pool shapes a draw comes from.
type PoolKind int

const (
	PoolKey PoolKind = iota
	PoolRange
	PoolRow
)

// RowValue is a single ROW-pool entry: a column-name to value map sampled
// from the target table.
type RowValue map[string]any

// ValuePools holds the full, immutable, in-memory pool set loaded once at
// run start by the Value Pool Store (C1).
type ValuePools struct {
	Keys  []any      // PoolKey, keyed implicitly by IDColumn
	Range []any      // PoolRange, keyed implicitly by TimeColumn
	Rows  []RowValue // PoolRow
}

// Schedule is the length-100 deterministic sequence of Kinds produced by
// smooth weighted round-robin over a Scenario's weights.
type Schedule [100]Kind

// BuildSchedule implements the smooth weighted round-robin schedule: at each
// of 100 ticks, add weight[k] to each kind's accumulator, select the kind
// with the maximum accumulator, emit it, subtract 100 from the selected
// kind's accumulator. Ties are broken by the stable order in Kinds.
func BuildSchedule(weights [4]int) Schedule {
	var sched Schedule
	var acc [4]int
	for tick := 0; tick < 100; tick++ {
		for i, k := range Kinds {
			acc[k] += weights[i]
		}
		winner := 0
		best := acc[Kinds[0]]
		for i := 1; i < len(Kinds); i++ {
			if acc[Kinds[i]] > best {
				best = acc[Kinds[i]]
				winner = i
			}
		}
		sched[tick] = Kinds[winner]
		acc[Kinds[winner]] -= 100
	}
	return sched
}

// Outcome is recorded once per operation by a Worker.
type Outcome struct {
	ExecutionID  string
	WorkerID     int
	Kind         Kind
	StartTS      time.Time
	EndTS        time.Time
	AppElapsedMs float64 // monotonic-clock derived; authoritative for latency
	Success      bool
	Err          error
	RowsAffected int64
	Warmup       bool

	BackendQueryID   string // optional
	ServerElapsedMs  float64
	HasServerElapsed bool
}

// WorkerStatus is the lifecycle state of one Worker.
type WorkerStatus int

const (
	WorkerStarting WorkerStatus = iota
	WorkerRunning
	WorkerStopping
	WorkerStopped
	WorkerDead
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerStarting:
		return "STARTING"
	case WorkerRunning:
		return "RUNNING"
	case WorkerStopping:
		return "STOPPING"
	case WorkerStopped:
		return "STOPPED"
	case WorkerDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// RunStatus is the Run Lifecycle's top-level state.
type RunStatus int

const (
	RunPrepared RunStatus = iota
	RunWarmingUp
	RunMeasuring
	RunStopping
	RunProcessing
	RunCompleted
	RunCancelled
	RunFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunPrepared:
		return "PREPARED"
	case RunWarmingUp:
		return "WARMING_UP"
	case RunMeasuring:
		return "MEASURING"
	case RunStopping:
		return "STOPPING"
	case RunProcessing:
		return "PROCESSING"
	case RunCompleted:
		return "COMPLETED"
	case RunCancelled:
		return "CANCELLED"
	case RunFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether status is one from which no further transition
// is possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled || s == RunFailed
}

// RunPhase distinguishes warmup from measurement within the non-terminal
// portion of a Run's lifetime.
type RunPhase int

const (
	PhaseNone RunPhase = iota
	PhaseWarmup
	PhaseMeasurement
)

func (p RunPhase) String() string {
	switch p {
	case PhaseWarmup:
		return "WARMUP"
	case PhaseMeasurement:
		return "MEASUREMENT"
	default:
		return "NONE"
	}
}

// LatencyStats is a single percentile/summary bundle, reused for overall and
// per-kind breakdowns in both live snapshots and terminal summaries.
type LatencyStats struct {
	P50, P90, P95, P99 float64
	Min, Max, Avg      float64
	Samples            int64
	SamplesAvailable   bool
	FromReservoir      bool // true = live reservoir, false = durable stream
}

// ResourceSample is one 1 Hz tick of process/host/cgroup resource usage.
type ResourceSample struct {
	Timestamp       time.Time
	ProcessCPUPct   float64
	ProcessRSSMB    float64
	HostCPUPct      float64
	HostMemoryPct   float64
	CgroupCPUPct    float64
	CgroupMemoryPct float64
	HasCgroup       bool
	EffectiveCPUPct float64 // cgroup if present, else host
	EffectiveMemPct float64
}

// ControllerTelemetry is the small per-tick object the Controller writes
// into every live snapshot; fields beyond Mode are mode-specific and may be
// zero for modes that don't use them.
type ControllerTelemetry struct {
	Mode               LoadMode
	TargetWorkers      int
	CurrentQPSWindowed float64

	// FIND_MAX_CONCURRENCY only.
	CurrentStep        int
	CurrentConcurrency int
	BestConcurrency    int
	BestQPS            float64
	StepEndAtMs        int64
	StepHistory        []StepResult
	TerminationReason  string
}

// StepResult is one concurrency step's outcome in FIND_MAX_CONCURRENCY mode.
type StepResult struct {
	Concurrency       int
	QPS               float64
	P95Ms, P99Ms      float64
	ErrorRatePct      float64
	PerKindP95        [4]float64
	PerKindP99        [4]float64
	PerKindErrorRate  [4]float64
	Stable            bool
	InstabilityReason string
}

// LiveSnapshot is published at 1 Hz by the Aggregator to the Metrics Sink's
// live channel. Field names mirror the original system's websocket payload
// shape even though this repo does not implement a transport for it.
type LiveSnapshot struct {
	Timestamp             time.Time
	Phase                 RunPhase
	Status                RunStatus
	ElapsedTotalSeconds   float64
	ElapsedDisplaySeconds float64

	OpsTotal         int64
	OpsCurrentPerSec float64
	OpsAvgPerSec     float64
	OpsPeakPerSec    float64

	Reads, Writes, Updates, Deletes int64

	Latency       LatencyStats
	LatencyByKind [4]LatencyStats

	BytesPerSec float64
	RowsPerSec  float64

	ErrorCount int64
	ErrorRate  float64

	ConnectionsActive int
	ConnectionsTarget int
	ConnectionsIdle   int

	Resources  ResourceSample
	Controller ControllerTelemetry
}

// TerminalSummary is the single record emitted when a Run reaches a
// terminal status.
type TerminalSummary struct {
	RunID             string
	Status            RunStatus
	TerminationReason string

	TotalOps, SuccessfulOps, FailedOps int64
	PerKindCounts                      [4]int64

	Overall LatencyStats
	ByKind  [4]LatencyStats
	Reads   LatencyStats
	Writes  LatencyStats

	AppOverhead    LatencyStats
	HasAppOverhead bool

	PercentileSourceReservoir bool // true if durable sink was unavailable

	FindMax *ControllerTelemetry // non-nil only for FIND_MAX_CONCURRENCY runs
}

// OperationRecord is the optional per-operation record persisted when
// Scenario.CollectQueryHistory is set.
type OperationRecord struct {
	ExecutionID    string
	Kind           Kind
	WorkerID       int
	Warmup         bool
	StartTS, EndTS time.Time
	AppElapsedMs   float64
	RowsAffected   int64
	Success        bool
	Error          string
	BackendQueryID string
}
