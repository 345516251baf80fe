package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/elchinoo/benchctl/internal/config"
	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/pkg/errors"
	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"
)

// Snowflake adapts database/sql over gosnowflake to bench.ConnectionPool,
// bench.TableCatalog and bench.WarehouseQueueProbe. Unlike Postgres,
// Snowflake exposes a warehouse-level queueing signal the Controller can use
// for the FIND_MAX_CONCURRENCY stability check's queue-depth criterion.
type Snowflake struct {
	db        *sql.DB
	log       *zap.Logger
	warehouse string
}

// NewSnowflake opens a database/sql pool using the gosnowflake driver.
func NewSnowflake(ctx context.Context, cfg config.SnowflakeConfig, log *zap.Logger) (*Snowflake, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.Username,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building snowflake dsn")
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening snowflake pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initial snowflake ping failed")
	}

	return &Snowflake{db: db, log: log, warehouse: cfg.Warehouse}, nil
}

// Execute binds params positionally with Snowflake's native '?' markers.
// gosnowflake.WithQueryIDChan delivers the backend-native query id onto a
// buffered channel as soon as the driver learns it, which drainQueryID reads
// without blocking Execute when the driver doesn't populate it.
func (s *Snowflake) Execute(ctx context.Context, query string, params []any, fetch bool) (bench.ExecResult, error) {
	idCh := make(chan string, 1)
	qctx := gosnowflake.WithQueryIDChan(ctx, idCh)

	if fetch {
		rows, err := s.db.QueryContext(qctx, query, params...)
		if err != nil {
			return bench.ExecResult{}, err
		}
		defer rows.Close()
		var n int64
		for rows.Next() {
			n++
		}
		if err := rows.Err(); err != nil {
			return bench.ExecResult{}, err
		}
		queryID := drainQueryID(idCh)
		return bench.ExecResult{RowCount: n, QueryID: queryID, HasQueryID: queryID != ""}, nil
	}

	res, err := s.db.ExecContext(qctx, query, params...)
	if err != nil {
		return bench.ExecResult{}, err
	}
	affected, _ := res.RowsAffected()
	queryID := drainQueryID(idCh)
	return bench.ExecResult{RowCount: affected, QueryID: queryID, HasQueryID: queryID != ""}, nil
}

// drainQueryID reads the one value gosnowflake.WithQueryIDChan delivers, or
// returns "" if the driver never sent one (older driver versions, or a
// non-Snowflake mock during tests).
func drainQueryID(ch chan string) string {
	select {
	case id := <-ch:
		return id
	default:
		return ""
	}
}

// Acquire is not a first-class concept over database/sql; the returned Conn
// executes against the shared *sql.DB pool directly.
func (s *Snowflake) Acquire(ctx context.Context) (bench.Conn, error) {
	return &sfConn{db: s.db}, nil
}

func (s *Snowflake) PoolStats() bench.PoolStats {
	stats := s.db.Stats()
	return bench.PoolStats{Active: stats.InUse, Idle: stats.Idle, Max: stats.MaxOpenConnections}
}

// DB exposes the underlying *sql.DB for collaborators (the Value Pool
// Store) that sample directly rather than through bench.ConnectionPool.
func (s *Snowflake) DB() *sql.DB { return s.db }

func (s *Snowflake) Close() { s.db.Close() }

// Describe resolves column metadata via Snowflake's information_schema.
func (s *Snowflake) Describe(ctx context.Context, db, schema, table string) ([]bench.ColumnInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, COALESCE(column_default, ''), COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_catalog = ? AND table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, db, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []bench.ColumnInfo
	for rows.Next() {
		var name, dtype, nullable, def string
		var maxLen int
		if err := rows.Scan(&name, &dtype, &nullable, &def, &maxLen); err != nil {
			return nil, err
		}
		cols = append(cols, bench.ColumnInfo{Name: name, Type: dtype, Nullable: nullable == "YES", Default: def, MaxLength: maxLen})
	}
	return cols, rows.Err()
}

func (s *Snowflake) MinMaxInt(ctx context.Context, table, column string) (int64, int64, error) {
	var min, max int64
	query := fmt.Sprintf("SELECT COALESCE(MIN(%s),0), COALESCE(MAX(%s),0) FROM %s", column, column, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&min, &max); err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

func (s *Snowflake) MinMaxTime(ctx context.Context, table, column string) (time.Time, time.Time, error) {
	var min, max time.Time
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", column, column, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&min, &max); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return min, max, nil
}

// WarehouseQueueStatus reports the warehouse's queued-load average over the
// last minute from ACCOUNT_USAGE.WAREHOUSE_LOAD_HISTORY. Supported is false
// when the view is unavailable (insufficient privileges, replica lag).
func (s *Snowflake) WarehouseQueueStatus(ctx context.Context) (bench.QueueStatus, error) {
	var queuedLoad sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(AVG_QUEUED_LOAD)
		FROM SNOWFLAKE.ACCOUNT_USAGE.WAREHOUSE_LOAD_HISTORY
		WHERE WAREHOUSE_NAME = ? AND START_TIME > DATEADD('minute', -1, CURRENT_TIMESTAMP())`,
		s.warehouse).Scan(&queuedLoad)
	if err != nil {
		return bench.QueueStatus{Supported: false}, nil
	}
	depth := 0
	if queuedLoad.Valid {
		depth = int(queuedLoad.Float64 * 100) // fractional average load to an integer depth proxy
	}
	return bench.QueueStatus{QueueDepth: depth, Supported: true}, nil
}

type sfConn struct {
	db *sql.DB
}

func (c *sfConn) Execute(ctx context.Context, query string, params []any, fetch bool) (bench.ExecResult, error) {
	if fetch {
		rows, err := c.db.QueryContext(ctx, query, params...)
		if err != nil {
			return bench.ExecResult{}, err
		}
		defer rows.Close()
		var n int64
		for rows.Next() {
			n++
		}
		return bench.ExecResult{RowCount: n}, rows.Err()
	}
	res, err := c.db.ExecContext(ctx, query, params...)
	if err != nil {
		return bench.ExecResult{}, err
	}
	affected, _ := res.RowsAffected()
	return bench.ExecResult{RowCount: affected}, nil
}

func (c *sfConn) Release() {}
