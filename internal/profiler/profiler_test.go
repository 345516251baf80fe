package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/elchinoo/benchctl/pkg/bench"
)

type fakeCatalog struct {
	cols       []bench.ColumnInfo
	idMin      int64
	idMax      int64
	timeMin    time.Time
	timeMax    time.Time
	describeErr error
}

func (f *fakeCatalog) Describe(ctx context.Context, db, schema, table string) ([]bench.ColumnInfo, error) {
	return f.cols, f.describeErr
}

func (f *fakeCatalog) MinMaxInt(ctx context.Context, table, column string) (int64, int64, error) {
	return f.idMin, f.idMax, nil
}

func (f *fakeCatalog) MinMaxTime(ctx context.Context, table, column string) (time.Time, time.Time, error) {
	return f.timeMin, f.timeMax, nil
}

func TestProfileResolvesIDColumnOnly(t *testing.T) {
	cat := &fakeCatalog{
		cols:  []bench.ColumnInfo{{Name: "id"}, {Name: "payload"}},
		idMin: 1, idMax: 1000,
	}
	sc := &bench.Scenario{Table: "db.schema.orders", Weights: [4]int{100, 0, 0, 0}}

	profile, err := Profile(context.Background(), cat, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.IDColumn != "id" {
		t.Errorf("expected id column 'id', got %q", profile.IDColumn)
	}
	if !profile.HasIDRange || profile.IDMax != 1000 {
		t.Errorf("expected resolved id range, got %+v", profile)
	}
	if profile.HasTimeRange {
		t.Error("RANGE_SCAN is not enabled; time range should not be resolved")
	}
}

func TestProfileMissingIDColumnFailsForPointLookup(t *testing.T) {
	cat := &fakeCatalog{cols: []bench.ColumnInfo{{Name: "payload"}}}
	sc := &bench.Scenario{Table: "db.schema.orders", Weights: [4]int{100, 0, 0, 0}}

	_, err := Profile(context.Background(), cat, sc)
	if err == nil {
		t.Fatal("expected an error when no id column can be resolved")
	}
	kind, ok := bench.KindOf(err)
	if !ok || kind != bench.KindCapability {
		t.Errorf("expected capability error, got kind=%v ok=%v", kind, ok)
	}
}

func TestProfileRequiresFullyQualifiedTable(t *testing.T) {
	cat := &fakeCatalog{}
	sc := &bench.Scenario{Table: "orders", Weights: [4]int{100, 0, 0, 0}}

	_, err := Profile(context.Background(), cat, sc)
	if err == nil {
		t.Fatal("expected an error for an unqualified table name")
	}
}

func TestProfileSkipsBoundsNoKindNeeds(t *testing.T) {
	cat := &fakeCatalog{cols: []bench.ColumnInfo{{Name: "id"}, {Name: "created_at"}}}
	sc := &bench.Scenario{Table: "db.schema.orders", Weights: [4]int{0, 0, 100, 0}}

	profile, err := Profile(context.Background(), cat, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.HasIDRange || profile.HasTimeRange {
		t.Error("INSERT-only scenario should not resolve any bounds")
	}
}
