// Package planner implements the Workload Planner: it turns a template
// config into a frozen bench.Scenario with a derived Schedule.
package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/go-playground/validator/v10"
)

var identifierRe = regexp.MustCompile(`^[A-Z0-9_]+$`)

// TemplateInput is the raw template config consumed at §6.1. Field names
// and mapstructure tags mirror the wire shape; struct tags carry the
// primitive-level validation rules, domain rules (weights sum to 100, SQL
// required per enabled kind) are checked by BuildScenario itself.
type TemplateInput struct {
	WorkloadType string `mapstructure:"workload_type" validate:"required,oneof=CUSTOM"`

	PointLookupPct int `mapstructure:"custom_point_lookup_pct" validate:"gte=0,lte=100"`
	RangeScanPct   int `mapstructure:"custom_range_scan_pct" validate:"gte=0,lte=100"`
	InsertPct      int `mapstructure:"custom_insert_pct" validate:"gte=0,lte=100"`
	UpdatePct      int `mapstructure:"custom_update_pct" validate:"gte=0,lte=100"`

	PointLookupQuery string `mapstructure:"custom_point_lookup_query"`
	RangeScanQuery   string `mapstructure:"custom_range_scan_query"`
	InsertQuery      string `mapstructure:"custom_insert_query"`
	UpdateQuery      string `mapstructure:"custom_update_query"`

	Database  string `mapstructure:"database" validate:"required"`
	Schema    string `mapstructure:"schema" validate:"required"`
	TableName string `mapstructure:"table_name" validate:"required"`
	TableType string `mapstructure:"table_type" validate:"required,oneof=STANDARD HYBRID INTERACTIVE POSTGRES SNOWFLAKE_POSTGRES"`

	DurationSeconds int `mapstructure:"duration" validate:"gte=0"`
	WarmupSeconds   int `mapstructure:"warmup" validate:"gte=0"`

	ConcurrentConnections int `mapstructure:"concurrent_connections" validate:"gte=1"`
	LoadMode              string `mapstructure:"load_mode" validate:"required,oneof=CONCURRENCY QPS FIND_MAX_CONCURRENCY"`
	TargetQPS             float64 `mapstructure:"target_qps"`

	// MinConnections is read from a top-level min_connections key; a nested
	// scaling.min_connections block is not bound.
	MinConnections int  `mapstructure:"min_connections"`
	UseCachedResult bool `mapstructure:"use_cached_result"`

	SLO struct {
		PointLookup bench.SLOTarget `mapstructure:"point_lookup"`
		RangeScan   bench.SLOTarget `mapstructure:"range_scan"`
		Insert      bench.SLOTarget `mapstructure:"insert"`
		Update      bench.SLOTarget `mapstructure:"update"`
	} `mapstructure:"slo"`

	// FindMax carries the FIND_MAX_CONCURRENCY tunables (§4.6.3); ignored
	// outside that load_mode. A zero field falls back to the Controller's
	// documented default for it.
	FindMax struct {
		StartConcurrency    int     `mapstructure:"start_cc"`
		Increment           int     `mapstructure:"increment"`
		StepDurationSeconds int     `mapstructure:"step_duration_seconds"`
		QPSDropPct          float64 `mapstructure:"qps_drop_pct"`
		LatencyRisePct      float64 `mapstructure:"latency_rise_pct"`
		BackoffAttemptsMax  int     `mapstructure:"backoff_attempts_max"`
		MaxErrorRatePct     float64 `mapstructure:"max_error_rate_pct"`
	} `mapstructure:"find_max_concurrency"`

	MaxHostCPUPct    float64 `mapstructure:"max_host_cpu_pct"`
	MaxHostMemoryPct float64 `mapstructure:"max_host_memory_pct"`

	CollectQueryHistory bool  `mapstructure:"collect_query_history"`
	ThinkTimeMs         int64 `mapstructure:"think_time_ms"`
	OperationTimeoutMs  int64 `mapstructure:"operation_timeout_ms"`

	// MaxWorkersCeiling corresponds to benchmark_executor_max_workers: a
	// hard ceiling enforced regardless of what the template requests.
	MaxWorkersCeiling int `mapstructure:"-"`
}

var validate = validator.New()

// BuildScenario consumes a TemplateInput (which carries the target table's
// database, schema and name) and produces a frozen bench.Scenario, or a bench.ConfigurationErrorf /
// bench.CapabilityErrorf wrapped error per §4.1 / §7.
func BuildScenario(in *TemplateInput) (*bench.Scenario, error) {
	if err := validate.Struct(in); err != nil {
		return nil, bench.ConfigurationErrorf("template validation failed: %v", err)
	}

	if in.WorkloadType != "CUSTOM" {
		return nil, bench.ConfigurationErrorf("workload_type must be CUSTOM at core entry, got %q", in.WorkloadType)
	}

	weights := [4]int{in.PointLookupPct, in.RangeScanPct, in.InsertPct, in.UpdatePct}
	sum := 0
	for _, w := range weights {
		if w < 0 {
			return nil, bench.ConfigurationErrorf("weights must be non-negative")
		}
		sum += w
	}
	if sum != 100 {
		return nil, bench.ConfigurationErrorf("weights must sum to 100, got %d", sum)
	}

	sqlByKind := [4]string{in.PointLookupQuery, in.RangeScanQuery, in.InsertQuery, in.UpdateQuery}
	for i, w := range weights {
		if w > 0 {
			if err := validateSQL(sqlByKind[i], bench.Kinds[i]); err != nil {
				return nil, err
			}
		}
	}

	if !identifierRe.MatchString(in.Database) || !identifierRe.MatchString(in.Schema) || !identifierRe.MatchString(in.TableName) {
		return nil, bench.ConfigurationErrorf("database/schema/table_name must match ^[A-Z0-9_]+$")
	}

	if in.ConcurrentConnections < 1 {
		return nil, bench.ConfigurationErrorf("concurrent_connections must be >= 1")
	}
	if in.MaxWorkersCeiling > 0 && in.ConcurrentConnections > in.MaxWorkersCeiling {
		return nil, bench.ConfigurationErrorf("concurrent_connections %d exceeds hard ceiling %d", in.ConcurrentConnections, in.MaxWorkersCeiling)
	}

	loadMode := bench.LoadMode(in.LoadMode)
	if loadMode == bench.LoadModeQPS && in.TargetQPS <= 0 {
		return nil, bench.ConfigurationErrorf("target_qps must be positive in QPS mode")
	}
	if in.MinConnections > 0 && in.MinConnections > in.ConcurrentConnections {
		return nil, bench.ConfigurationErrorf("scaling.min_connections (%d) must be <= concurrent_connections (%d)", in.MinConnections, in.ConcurrentConnections)
	}

	// table_type -> backend: STANDARD/HYBRID/INTERACTIVE are Snowflake-native
	// table kinds; POSTGRES and SNOWFLAKE_POSTGRES are both Postgres-backed,
	// per original_source/backend/core/test_registry.py's is_postgres list.
	backend := bench.BackendSnowflake
	if in.TableType == "POSTGRES" || in.TableType == "SNOWFLAKE_POSTGRES" {
		backend = bench.BackendPostgres
	}

	minConc := in.MinConnections
	if minConc == 0 {
		minConc = 1
	}

	sc := &bench.Scenario{
		Name:              fmt.Sprintf("%s.%s.%s", in.Database, in.Schema, in.TableName),
		TargetBackend:     backend,
		Table:             fmt.Sprintf("%s.%s.%s", in.Database, in.Schema, in.TableName),
		Weights:           weights,
		SQL:               sqlByKind,
		DurationSeconds:   in.DurationSeconds,
		WarmupSeconds:     in.WarmupSeconds,
		LoadMode:          loadMode,
		MinConcurrency:    minConc,
		MaxConcurrency:    in.ConcurrentConnections,
		TargetConcurrency: in.ConcurrentConnections,
		TargetQPS:         in.TargetQPS,
		SLO: [4]bench.SLOTarget{
			in.SLO.PointLookup, in.SLO.RangeScan, in.SLO.Insert, in.SLO.Update,
		},
		Guardrails: bench.Guardrails{
			MaxHostCPUPct:    in.MaxHostCPUPct,
			MaxHostMemoryPct: in.MaxHostMemoryPct,
		},
		FindMax: bench.FindMaxConfig{
			StartConcurrency:    in.FindMax.StartConcurrency,
			Increment:           in.FindMax.Increment,
			StepDurationSeconds: in.FindMax.StepDurationSeconds,
			QPSDropPct:          in.FindMax.QPSDropPct,
			LatencyRisePct:      in.FindMax.LatencyRisePct,
			BackoffAttemptsMax:  in.FindMax.BackoffAttemptsMax,
			MaxErrorRatePct:     in.FindMax.MaxErrorRatePct,
		},
		CollectQueryHistory: in.CollectQueryHistory,
		UseCachedResult:     in.UseCachedResult,
		ThinkTimeMs:         in.ThinkTimeMs,
		OperationTimeoutMs:  in.OperationTimeoutMs,
	}
	sc.Schedule = bench.BuildSchedule(weights)
	return sc, nil
}

// validateSQL requires non-empty SQL containing exactly one {table} token
// for the given kind (§4.1); it does not check the `?` placeholder count.
func validateSQL(sql string, k bench.Kind) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return bench.ConfigurationErrorf("SQL required for kind %s (weight > 0)", k)
	}
	if strings.Count(trimmed, "{table}") != 1 {
		return bench.ConfigurationErrorf("SQL for kind %s must contain exactly one {table} token", k)
	}
	return nil
}
