// Package profiler implements the Table Profiler (C2): it describes the
// target table once at PREPARED time and resolves id/time bounds for the
// kinds the Scenario actually uses.
package profiler

import (
	"context"
	"strings"

	"github.com/elchinoo/benchctl/pkg/bench"
	"golang.org/x/sync/errgroup"
)

// idColumnCandidates and timeColumnCandidates are checked in order; the
// first matching column present on the table wins.
var idColumnCandidates = []string{"id", "pk", "row_id"}
var timeColumnCandidates = []string{"created_at", "event_time", "ts"}

// Profile builds a bench.TableProfile for db.schema.table, resolving only
// the bounds required by the kinds the scenario enables. A missing bound
// for a required kind surfaces as bench.CapabilityErrorf; a catalog failure
// surfaces as bench.ProfileError and the caller decides whether to degrade.
func Profile(ctx context.Context, catalog bench.TableCatalog, sc *bench.Scenario) (*bench.TableProfile, error) {
	parts := strings.SplitN(sc.Table, ".", 3)
	if len(parts) != 3 {
		return nil, bench.ConfigurationErrorf("table %q is not fully qualified as db.schema.table", sc.Table)
	}
	db, schema, table := parts[0], parts[1], parts[2]

	cols, err := catalog.Describe(ctx, db, schema, table)
	if err != nil {
		return nil, bench.ProfileError(err)
	}

	profile := &bench.TableProfile{
		Columns:         cols,
		RequiredColumns: map[string]bool{},
	}

	for _, name := range idColumnCandidates {
		if _, ok := columnByName(cols, name); ok {
			profile.IDColumn = name
			break
		}
	}
	for _, name := range timeColumnCandidates {
		if _, ok := columnByName(cols, name); ok {
			profile.TimeColumn = name
			break
		}
	}

	needsID := sc.HasKind(bench.PointLookup) || sc.HasKind(bench.Update)
	needsTime := sc.HasKind(bench.RangeScan)

	if needsID && profile.IDColumn == "" {
		return nil, bench.CapabilityErrorf("no id column found, required by POINT_LOOKUP/UPDATE")
	}
	if needsTime && profile.TimeColumn == "" {
		return nil, bench.CapabilityErrorf("no time column found, required by RANGE_SCAN")
	}

	// The id and time bound queries are independent full-table scans against
	// possibly large tables; resolving them concurrently keeps PREPARED from
	// paying their sum when a scenario needs both.
	g, gctx := errgroup.WithContext(ctx)
	if needsID {
		g.Go(func() error {
			min, max, err := catalog.MinMaxInt(gctx, sc.Table, profile.IDColumn)
			if err != nil {
				return bench.ProfileError(err)
			}
			profile.IDMin, profile.IDMax, profile.HasIDRange = min, max, true
			return nil
		})
	}
	if needsTime {
		g.Go(func() error {
			min, max, err := catalog.MinMaxTime(gctx, sc.Table, profile.TimeColumn)
			if err != nil {
				return bench.ProfileError(err)
			}
			profile.TimeMin, profile.TimeMax, profile.HasTimeRange = min, max, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if needsID {
		profile.RequiredColumns[profile.IDColumn] = true
	}
	if needsTime {
		profile.RequiredColumns[profile.TimeColumn] = true
	}

	return profile, nil
}

func columnByName(cols []bench.ColumnInfo, name string) (bench.ColumnInfo, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return bench.ColumnInfo{}, false
}
