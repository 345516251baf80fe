package pool

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/elchinoo/benchctl/pkg/bench"
)

// SnowflakeStore samples value pools directly against a *sql.DB opened with
// the gosnowflake driver, using Snowflake's SAMPLE clause in place of
// Postgres's TABLESAMPLE SYSTEM. Sampling is a setup-time concern distinct
// from the per-operation bench.ConnectionPool abstraction, so it talks to
// database/sql directly rather than through it.
type SnowflakeStore struct {
	db      *sql.DB
	sc      *bench.Scenario
	profile *bench.TableProfile
}

// NewSnowflakeStore builds a SnowflakeStore bound to a Scenario and its
// already-resolved TableProfile.
func NewSnowflakeStore(db *sql.DB, sc *bench.Scenario, profile *bench.TableProfile) *SnowflakeStore {
	return &SnowflakeStore{db: db, sc: sc, profile: profile}
}

func (s *SnowflakeStore) keyPoolSize() int {
	return clampInt(max(5000, s.sc.MaxConcurrency*50), 1, 1_000_000)
}

func (s *SnowflakeStore) rangePoolSize() int {
	return clampInt(max(2000, s.sc.MaxConcurrency*10), 1, 1_000_000)
}

func (s *SnowflakeStore) rowPoolSize() int {
	return clampInt(max(2000, s.sc.MaxConcurrency*10), 1, 100_000)
}

// Load samples the pools required by the bound Scenario. poolID is accepted
// for interface compatibility and ignored; this implementation is
// one-Store-per-Scenario.
func (s *SnowflakeStore) Load(ctx context.Context, poolID string) (*bench.ValuePools, error) {
	pools := &bench.ValuePools{}

	if s.sc.HasKind(bench.PointLookup) || s.sc.HasKind(bench.Update) {
		if !s.profile.HasIDRange {
			return nil, bench.CapabilityErrorf("cannot sample key pool: no id range resolved")
		}
		keys, err := s.sampleColumn(ctx, s.profile.IDColumn, s.keyPoolSize())
		if err != nil {
			return nil, err
		}
		pools.Keys = keys
	}

	if s.sc.HasKind(bench.RangeScan) {
		if !s.profile.HasTimeRange {
			return nil, bench.CapabilityErrorf("cannot sample range pool: no time range resolved")
		}
		ts, err := s.sampleColumn(ctx, s.profile.TimeColumn, s.rangePoolSize())
		if err != nil {
			return nil, err
		}
		pools.Range = ts
	}

	if s.sc.HasKind(bench.Insert) || s.sc.HasKind(bench.Update) {
		rows, err := s.sampleRows(ctx, s.rowPoolSize())
		if err != nil {
			return nil, err
		}
		pools.Rows = rows
	}

	return pools, nil
}

func (s *SnowflakeStore) sampleColumn(ctx context.Context, column string, size int) ([]any, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s SAMPLE (1) LIMIT %d`,
		quoteSnowflakeIdent(column), s.sc.Table, size,
	)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, bench.TransientBackendError(err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, bench.TransientBackendError(err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, bench.TransientBackendError(err)
	}
	if len(out) == 0 {
		return nil, bench.CapabilityErrorf("sampled zero rows for column %s", column)
	}
	return out, nil
}

func (s *SnowflakeStore) sampleRows(ctx context.Context, size int) ([]bench.RowValue, error) {
	query := fmt.Sprintf(`SELECT * FROM %s SAMPLE (1) LIMIT %d`, s.sc.Table, size)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, bench.TransientBackendError(err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, bench.TransientBackendError(err)
	}

	var out []bench.RowValue
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, bench.TransientBackendError(err)
		}
		rv := make(bench.RowValue, len(names))
		for i, name := range names {
			rv[name] = vals[i]
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, bench.TransientBackendError(err)
	}
	if len(out) == 0 {
		return nil, bench.CapabilityErrorf("sampled zero rows for ROW pool")
	}
	return out, nil
}

func quoteSnowflakeIdent(name string) string {
	return `"` + name + `"`
}
