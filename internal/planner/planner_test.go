package planner

import (
	"testing"

	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() *TemplateInput {
	return &TemplateInput{
		WorkloadType:          "CUSTOM",
		PointLookupPct:        40,
		RangeScanPct:          20,
		InsertPct:             30,
		UpdatePct:             10,
		PointLookupQuery:      "SELECT * FROM {table} WHERE id = ?",
		RangeScanQuery:        "SELECT * FROM {table} WHERE ts BETWEEN ? AND ?",
		InsertQuery:           "INSERT INTO {table} VALUES (?)",
		UpdateQuery:           "UPDATE {table} SET v = ? WHERE id = ?",
		Database:              "DB",
		Schema:                "PUBLIC",
		TableName:             "ORDERS",
		TableType:             "POSTGRES",
		DurationSeconds:       60,
		WarmupSeconds:         10,
		ConcurrentConnections: 16,
		LoadMode:              "CONCURRENCY",
		MaxWorkersCeiling:     500,
	}
}

func TestBuildScenarioValid(t *testing.T) {
	sc, err := BuildScenario(validInput())
	require.NoError(t, err)
	assert.Equal(t, bench.BackendPostgres, sc.TargetBackend)
	assert.Equal(t, "DB.PUBLIC.ORDERS", sc.Table)
	assert.Equal(t, 16, sc.MaxConcurrency)
	assert.True(t, sc.HasKind(bench.Insert))
}

func TestBuildScenarioWeightsMustSumTo100(t *testing.T) {
	in := validInput()
	in.UpdatePct = 20
	_, err := BuildScenario(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 100")
}

func TestBuildScenarioRequiresSQLForEnabledKind(t *testing.T) {
	in := validInput()
	in.InsertQuery = ""
	_, err := BuildScenario(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT")
}

func TestBuildScenarioRejectsMissingTableToken(t *testing.T) {
	in := validInput()
	in.PointLookupQuery = "SELECT * FROM orders WHERE id = ?"
	_, err := BuildScenario(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{table}")
}

func TestBuildScenarioRejectsLowercaseIdentifiers(t *testing.T) {
	in := validInput()
	in.TableName = "orders"
	_, err := BuildScenario(in)
	require.Error(t, err)
}

func TestBuildScenarioEnforcesWorkerCeiling(t *testing.T) {
	in := validInput()
	in.ConcurrentConnections = 600
	in.MaxWorkersCeiling = 500
	_, err := BuildScenario(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceiling")
}

func TestBuildScenarioQPSModeRequiresTargetQPS(t *testing.T) {
	in := validInput()
	in.LoadMode = "QPS"
	in.TargetQPS = 0
	_, err := BuildScenario(in)
	require.Error(t, err)
}

func TestBuildScenarioMinConnectionsMustNotExceedConcurrency(t *testing.T) {
	in := validInput()
	in.MinConnections = 32
	_, err := BuildScenario(in)
	require.Error(t, err)
}

func TestBuildScenarioScheduleMatchesWeights(t *testing.T) {
	sc, err := BuildScenario(validInput())
	require.NoError(t, err)
	assert.Equal(t, bench.BuildSchedule(sc.Weights), sc.Schedule)
}
