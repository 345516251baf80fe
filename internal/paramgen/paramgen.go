// Package paramgen implements the Parameter Generator (C4): per-kind
// positional SQL parameters drawn from the value pools loaded by C1,
// striding deterministically across each pool per worker, with typed
// fallback synthesis when a pool is empty (§4.3).
package paramgen

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/google/uuid"
)

// insertColumnsRe extracts the target column list from an INSERT's
// "(col1, col2, …) VALUES (?, …)" clause.
var insertColumnsRe = regexp.MustCompile(`(?is)\(([^)]+)\)\s*VALUES`)

// Generator draws parameters for one operation at a time. It is safe for
// concurrent use by many Workers: the INSERT id counter is an
// atomic.Int64, and the fallback random source is guarded by its own
// mutex (math/rand's Rand is not itself concurrency-safe).
type Generator struct {
	profile *bench.TableProfile
	pools   *bench.ValuePools
	idSeq   atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Generator rooted at profile.IDMax+1 for INSERT id
// assignment, per the documented single-Run id-collision restriction: two
// concurrent Runs against the same table are not coordinated.
func New(profile *bench.TableProfile, pools *bench.ValuePools) *Generator {
	g := &Generator{
		profile: profile,
		pools:   pools,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	g.idSeq.Store(profile.IDMax + 1)
	return g
}

// Params produces the positional parameter slice for kind, given the
// kind's resolved SQL template (needed to count `?` placeholders for the
// RANGE_SCAN/UPDATE branching and to parse the column list for INSERT).
// Cursor striding ((counter*concurrency + workerID) mod pool length)
// selects a pool entry deterministically without inter-worker
// coordination; an empty pool falls back to the §4.3 synthesis rules
// instead of failing the operation.
func (g *Generator) Params(kind bench.Kind, sql string, workerID, counter, concurrency int, now time.Time) ([]any, error) {
	switch kind {
	case bench.PointLookup:
		v, err := g.pointLookupValue(workerID, counter, concurrency)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	case bench.RangeScan:
		return g.rangeScan(sql, workerID, counter, concurrency)
	case bench.Insert:
		return g.insert(sql, workerID, counter, concurrency, now)
	case bench.Update:
		return g.update(sql, workerID, counter, concurrency, now)
	default:
		return nil, bench.ConfigurationErrorf("unknown kind %v", kind)
	}
}

// pointLookupValue draws the next KEY-pool entry, or — if no key pool was
// sampled — a uniformly random integer in [id_min, id_max], per §4.3.
func (g *Generator) pointLookupValue(workerID, counter, concurrency int) (any, error) {
	if len(g.pools.Keys) > 0 {
		return g.pools.Keys[stride(counter, concurrency, workerID, len(g.pools.Keys))], nil
	}
	if !g.profile.HasIDRange {
		return nil, bench.CapabilityErrorf("no key pool loaded and no id range resolved for POINT_LOOKUP")
	}
	return g.randomInt63(g.profile.IDMin, g.profile.IDMax), nil
}

// rangeScan branches on the SQL's placeholder count: one `?` is the
// time-bounded form (a single cutoff drawn from the RANGE pool, or a
// random time in [time_min, time_max]); two `?` is the degenerate
// id-bounded form, (start_id, start_id), with start_id chosen exactly as
// in POINT_LOOKUP.
func (g *Generator) rangeScan(sql string, workerID, counter, concurrency int) ([]any, error) {
	switch strings.Count(sql, "?") {
	case 1:
		if len(g.pools.Range) > 0 {
			idx := stride(counter, concurrency, workerID, len(g.pools.Range))
			return []any{g.pools.Range[idx]}, nil
		}
		if !g.profile.HasTimeRange {
			return nil, bench.CapabilityErrorf("no range pool loaded and no time range resolved for RANGE_SCAN")
		}
		return []any{g.randomTime(g.profile.TimeMin, g.profile.TimeMax)}, nil
	case 2:
		start, err := g.pointLookupValue(workerID, counter, concurrency)
		if err != nil {
			return nil, err
		}
		return []any{start, start}, nil
	default:
		return nil, bench.ConfigurationErrorf("RANGE_SCAN SQL must have one or two ? placeholders, got %d", strings.Count(sql, "?"))
	}
}

// insert parses the target column list from sql, draws a ROW-pool entry
// for it if one was sampled, and otherwise synthesizes a typed value per
// column; the id_column always gets a monotonically increasing
// next_insert_id and the time_column always gets now.
func (g *Generator) insert(sql string, workerID, counter, concurrency int, now time.Time) ([]any, error) {
	cols := parseInsertColumns(sql)
	if len(cols) == 0 {
		return nil, bench.ConfigurationErrorf("could not parse column list from INSERT SQL")
	}

	var template bench.RowValue
	if len(g.pools.Rows) > 0 {
		template = g.pools.Rows[stride(counter, concurrency, workerID, len(g.pools.Rows))]
	}

	params := make([]any, 0, len(cols))
	for _, raw := range cols {
		info, known := g.profile.ColumnByName(raw)
		name := raw
		if known {
			name = info.Name
		}
		switch {
		case g.profile.IDColumn != "" && strings.EqualFold(name, g.profile.IDColumn):
			params = append(params, g.idSeq.Add(1)-1)
		case g.profile.TimeColumn != "" && strings.EqualFold(name, g.profile.TimeColumn):
			params = append(params, now)
		default:
			if v, ok := template[name]; ok {
				params = append(params, v)
				continue
			}
			params = append(params, g.synthesize(info, now))
		}
	}
	return params, nil
}

// update chooses the target key as in POINT_LOOKUP. A degenerate
// single-placeholder SQL (`WHERE id = ?` with no SET param bound
// positionally — e.g. a stored-procedure call) binds just the key;
// otherwise the param list is exactly [new_value, key], with new_value
// typed from the first non-id column (ai_workload.update_columns, when
// configured, is not yet wired — this is the documented fallback).
func (g *Generator) update(sql string, workerID, counter, concurrency int, now time.Time) ([]any, error) {
	key, err := g.pointLookupValue(workerID, counter, concurrency)
	if err != nil {
		return nil, err
	}
	if strings.Count(sql, "?") == 1 {
		return []any{key}, nil
	}

	col := g.updateColumn()
	var newValue any
	if len(g.pools.Rows) > 0 {
		template := g.pools.Rows[stride(counter, concurrency, workerID, len(g.pools.Rows))]
		if v, ok := template[col.Name]; ok {
			newValue = v
		}
	}
	if newValue == nil {
		newValue = g.synthesize(col, now)
	}
	return []any{newValue, key}, nil
}

// updateColumn picks the first column that isn't id_column, per §4.3's
// fallback when no ai_workload.update_columns is configured.
func (g *Generator) updateColumn() bench.ColumnInfo {
	for _, c := range g.profile.Columns {
		if g.profile.IDColumn != "" && strings.EqualFold(c.Name, g.profile.IDColumn) {
			continue
		}
		return c
	}
	return bench.ColumnInfo{}
}

// synthesize produces a value typed by col's declared SQL type: numeric
// types get a bounded random integer, date/timestamp types get now, and
// everything else (text/varchar/etc.) gets a short uuid-derived string
// bounded to the column's declared length when known.
func (g *Generator) synthesize(col bench.ColumnInfo, now time.Time) any {
	t := strings.ToLower(col.Type)
	switch {
	case strings.Contains(t, "int") || strings.Contains(t, "numeric") || strings.Contains(t, "decimal") ||
		strings.Contains(t, "float") || strings.Contains(t, "double") || strings.Contains(t, "real"):
		return g.randomInt63(0, 1_000_000)
	case strings.Contains(t, "time") || strings.Contains(t, "date"):
		return now
	default:
		s := uuid.NewString()
		if col.MaxLength > 0 && col.MaxLength < len(s) {
			s = s[:col.MaxLength]
		}
		return s
	}
}

func (g *Generator) randomInt63(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return lo + g.rng.Int63n(hi-lo+1)
}

func (g *Generator) randomTime(lo, hi time.Time) time.Time {
	if !hi.After(lo) {
		return lo
	}
	span := hi.Sub(lo)
	g.rngMu.Lock()
	n := g.rng.Int63n(int64(span))
	g.rngMu.Unlock()
	return lo.Add(time.Duration(n))
}

// parseInsertColumns extracts the column-name list from an INSERT SQL
// template's "(col1, col2, …) VALUES" clause.
func parseInsertColumns(sql string) []string {
	m := insertColumnsRe.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	parts := strings.Split(m[1], ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			cols = append(cols, name)
		}
	}
	return cols
}

// stride implements (counter*concurrency + workerID) mod poolLen.
func stride(counter, concurrency, workerID, poolLen int) int {
	if poolLen <= 0 {
		return 0
	}
	idx := (counter*concurrency + workerID) % poolLen
	if idx < 0 {
		idx += poolLen
	}
	return idx
}
