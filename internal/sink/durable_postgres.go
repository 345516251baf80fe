// Package sink implements the Metrics Sink (C9): a durable Postgres-backed
// channel for per-operation records and live snapshots, plus the in-memory
// live subscriber fan-out in live.go.
package sink

import (
	"context"
	"fmt"
	"sort"

	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// DurablePostgres persists OperationRecords and LiveSnapshots under a
// configurable table prefix, and computes exact summary percentiles at
// Finalize time from the full operation history rather than the live
// reservoir.
type DurablePostgres struct {
	db     *pgxpool.Pool
	prefix string
}

// NewDurablePostgres creates the backing tables if absent and returns a
// ready DurablePostgres sink.
func NewDurablePostgres(ctx context.Context, db *pgxpool.Pool, tablePrefix string) (*DurablePostgres, error) {
	if tablePrefix == "" {
		tablePrefix = "benchctl"
	}
	s := &DurablePostgres{db: db, prefix: tablePrefix}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DurablePostgres) createTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			termination_reason TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finalized_at TIMESTAMPTZ
		)`, s.prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_outcomes (
			run_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			kind SMALLINT NOT NULL,
			worker_id INT NOT NULL,
			warmup BOOLEAN NOT NULL,
			start_ts TIMESTAMPTZ NOT NULL,
			end_ts TIMESTAMPTZ NOT NULL,
			app_elapsed_ms DOUBLE PRECISION NOT NULL,
			rows_affected BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT,
			backend_query_id TEXT
		)`, s.prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_live_snapshots (
			run_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			phase TEXT NOT NULL,
			ops_total BIGINT NOT NULL,
			ops_current_per_sec DOUBLE PRECISION NOT NULL,
			error_rate DOUBLE PRECISION NOT NULL
		)`, s.prefix),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "creating durable sink tables")
		}
	}
	return nil
}

// AppendOutcome inserts one operation record; it is called on the
// measurement path and must stay cheap, so each call is a single-row insert
// rather than batched, matching the append-only durable-channel design.
func (s *DurablePostgres) AppendOutcome(ctx context.Context, runID string, rec bench.OperationRecord) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s_outcomes
			(run_id, execution_id, kind, worker_id, warmup, start_ts, end_ts, app_elapsed_ms, rows_affected, success, error, backend_query_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, s.prefix),
		runID, rec.ExecutionID, int(rec.Kind), rec.WorkerID, rec.Warmup,
		rec.StartTS, rec.EndTS, rec.AppElapsedMs, rec.RowsAffected, rec.Success, rec.Error, rec.BackendQueryID,
	)
	if err != nil {
		return bench.TransientBackendError(err)
	}
	return nil
}

// AppendLiveSnapshot persists a coarse trail of 1 Hz snapshots for
// post-hoc inspection; the live websocket-shaped fan-out itself lives in
// live.go and does not depend on this durable copy.
func (s *DurablePostgres) AppendLiveSnapshot(ctx context.Context, runID string, snap bench.LiveSnapshot) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s_live_snapshots (run_id, ts, phase, ops_total, ops_current_per_sec, error_rate)
		VALUES ($1,$2,$3,$4,$5,$6)`, s.prefix),
		runID, snap.Timestamp, snap.Phase.String(), snap.OpsTotal, snap.OpsCurrentPerSec, snap.ErrorRate,
	)
	if err != nil {
		return bench.TransientBackendError(err)
	}
	return nil
}

// Finalize computes exact (sort-based) percentiles per kind and overall
// from the full non-warmup outcome history, the durable counterpart to the
// live reservoir's approximation.
func (s *DurablePostgres) Finalize(ctx context.Context, runID string) (map[bench.Kind]bench.LatencyStats, bench.LatencyStats, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT kind, app_elapsed_ms FROM %s_outcomes WHERE run_id = $1 AND warmup = false AND success = true`, s.prefix),
		runID)
	if err != nil {
		return nil, bench.LatencyStats{}, bench.TransientBackendError(err)
	}
	defer rows.Close()

	byKind := map[bench.Kind][]float64{}
	var all []float64
	for rows.Next() {
		var kind int
		var ms float64
		if err := rows.Scan(&kind, &ms); err != nil {
			return nil, bench.LatencyStats{}, bench.TransientBackendError(err)
		}
		byKind[bench.Kind(kind)] = append(byKind[bench.Kind(kind)], ms)
		all = append(all, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, bench.LatencyStats{}, bench.TransientBackendError(err)
	}

	result := map[bench.Kind]bench.LatencyStats{}
	for _, k := range bench.Kinds {
		result[k] = exactStats(byKind[k])
	}
	overall := exactStats(all)
	return result, overall, nil
}

func exactStats(samples []float64) bench.LatencyStats {
	n := len(samples)
	if n == 0 {
		return bench.LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return bench.LatencyStats{
		P50:              percentile(sorted, 0.50),
		P90:              percentile(sorted, 0.90),
		P95:              percentile(sorted, 0.95),
		P99:              percentile(sorted, 0.99),
		Min:              sorted[0],
		Max:              sorted[n-1],
		Avg:              sum / float64(n),
		Samples:          int64(n),
		SamplesAvailable: true,
		FromReservoir:    false,
	}
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
