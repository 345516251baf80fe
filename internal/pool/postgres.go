// Package pool implements the Value Pool Store (C1): a one-shot sampler
// that loads KEY, RANGE and ROW pools from the target table into memory
// before a Run leaves PREPARED.
package pool

import (
	"context"
	"fmt"

	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store samples value pools directly against a pgxpool.Pool. Sampling is a
// setup-time concern distinct from the per-operation bench.ConnectionPool
// abstraction, so it talks to pgx directly rather than through it.
type Store struct {
	db      *pgxpool.Pool
	sc      *bench.Scenario
	profile *bench.TableProfile
}

// NewStore builds a Store bound to a Scenario and its already-resolved
// TableProfile.
func NewStore(db *pgxpool.Pool, sc *bench.Scenario, profile *bench.TableProfile) *Store {
	return &Store{db: db, sc: sc, profile: profile}
}

// clampInt bounds v to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// keyPoolSize, rangePoolSize and rowPoolSize implement §4.8's
// concurrency-scaled sample sizes: each pool kind grows with the
// Scenario's worker count so a highly concurrent Run doesn't exhaust a
// fixed-size pool and start re-striding over a handful of values, but each
// is capped independently since ROW pool entries (whole rows) are far more
// expensive to hold in memory than KEY/RANGE scalars.
func (s *Store) keyPoolSize() int {
	return clampInt(max(5000, s.sc.MaxConcurrency*50), 1, 1_000_000)
}

func (s *Store) rangePoolSize() int {
	return clampInt(max(2000, s.sc.MaxConcurrency*10), 1, 1_000_000)
}

func (s *Store) rowPoolSize() int {
	return clampInt(max(2000, s.sc.MaxConcurrency*10), 1, 100_000)
}

// Load samples the pools required by the bound Scenario. poolID is accepted
// for interface compatibility and ignored; this implementation is
// one-Store-per-Scenario.
func (s *Store) Load(ctx context.Context, poolID string) (*bench.ValuePools, error) {
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

func (s *Store) sampleColumn(ctx context.Context, column string, size int) ([]any, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s TABLESAMPLE SYSTEM (1) LIMIT %d",
		quoteIdent(column), s.sc.Table, size,
	)
	rows, err := s.db.Query(ctx, query)
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

func (s *Store) sampleRows(ctx context.Context, size int) ([]bench.RowValue, error) {
	query := fmt.Sprintf("SELECT * FROM %s TABLESAMPLE SYSTEM (1) LIMIT %d", s.sc.Table, size)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, bench.TransientBackendError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f.Name)
	}

	var out []bench.RowValue
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, bench.TransientBackendError(err)
		}
		rv := make(bench.RowValue, len(vals))
		for i, v := range vals {
			if i < len(names) {
				rv[names[i]] = v
			}
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

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
