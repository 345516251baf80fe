package bench

import (
	"context"
	"time"
)

// ConnectionPool is the opaque collaborator every Worker and backend-facing
// component is injected with. Implementations MUST bind placeholders
// positionally. The engine never assumes a concrete driver behind it.
type ConnectionPool interface {
	Execute(ctx context.Context, sql string, params []any, fetch bool) (ExecResult, error)
	Acquire(ctx context.Context) (Conn, error)
	PoolStats() PoolStats
	Close()
}

// Conn is a scoped connection handle; Release MUST be safe to call exactly
// once on every exit path (success, error, cancellation).
type Conn interface {
	Execute(ctx context.Context, sql string, params []any, fetch bool) (ExecResult, error)
	Release()
}

// ExecResult is what a ConnectionPool.Execute call reports back.
type ExecResult struct {
	RowCount        int64
	QueryID         string
	HasQueryID      bool
	ServerElapsedMs float64
	HasServerElapsed bool
}

// PoolStats is a point-in-time snapshot of connection pool utilization.
type PoolStats struct {
	Active int
	Idle   int
	Max    int
}

// QueueStatus reports a backend-native notion of request queueing, used by
// the FIND_MAX_CONCURRENCY stability check (b). Postgres has no comparable
// signal; its adapter implements no WarehouseQueueProbe at all.
type QueueStatus struct {
	QueueDepth int
	Supported  bool
}

// WarehouseQueueProbe is implemented by backends that can report queueing
// depth (currently only the Snowflake adapter); the Controller receives it
// as a separate, optional constructor argument rather than requiring every
// ConnectionPool to implement it.
type WarehouseQueueProbe interface {
	WarehouseQueueStatus(ctx context.Context) (QueueStatus, error)
}

// ValuePoolStore loads the persisted value pools for a template (C1).
type ValuePoolStore interface {
	Load(ctx context.Context, poolID string) (*ValuePools, error)
}

// TableCatalog resolves column metadata and id/time bounds for the Table
// Profiler (C2).
type TableCatalog interface {
	Describe(ctx context.Context, db, schema, table string) ([]ColumnInfo, error)
	MinMaxInt(ctx context.Context, table, column string) (min, max int64, err error)
	MinMaxTime(ctx context.Context, table, column string) (min, max time.Time, err error)
}

// DurableSink is the finalize-time collaborator (C9, durable channel) that
// persists per-operation Outcomes and computes exact summary percentiles.
type DurableSink interface {
	AppendOutcome(ctx context.Context, runID string, rec OperationRecord) error
	AppendLiveSnapshot(ctx context.Context, runID string, snap LiveSnapshot) error
	Finalize(ctx context.Context, runID string) (map[Kind]LatencyStats, LatencyStats, error)
}
