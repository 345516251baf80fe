// Package backend implements the bench.ConnectionPool and bench.TableCatalog
// adapters. postgres.go is the default backend; snowflake.go adds the
// Snowflake adapter plus its warehouse queue-depth probe.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elchinoo/benchctl/internal/config"
	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Postgres adapts a pgxpool.Pool to bench.ConnectionPool and
// bench.TableCatalog. It never implements bench.WarehouseQueueProbe:
// Postgres has no comparable backend-native queueing signal.
type Postgres struct {
	pool   *pgxpool.Pool
	log    *zap.Logger
	cfg    config.PostgresConfig
	closed atomic.Bool

	connectionsCreated atomic.Int64
	acquireFailures    atomic.Int64

	healthStop chan struct{}
}

// NewPostgres establishes the pool with BeforeConnect/AfterConnect hooks for
// connection-lifecycle logging, then starts a background health-check loop.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, log *zap.Logger) (*Postgres, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parsing postgres connection string")
	}

	p := &Postgres{log: log, cfg: cfg, healthStop: make(chan struct{})}

	poolConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		p.log.Debug("opening postgres connection", zap.String("host", cc.Host), zap.Uint16("port", cc.Port))
		return nil
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		p.connectionsCreated.Add(1)
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating postgres connection pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "initial postgres ping failed")
	}
	p.pool = pool

	go p.healthLoop()
	return p, nil
}

func (p *Postgres) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.pool.Ping(ctx); err != nil {
				p.log.Warn("postgres health check failed", zap.Error(err))
			}
			cancel()
		case <-p.healthStop:
			return
		}
	}
}

// Execute rewrites the template's `?` placeholders to $1..$n and binds
// params positionally via pgx's native protocol.
func (p *Postgres) Execute(ctx context.Context, sql string, params []any, fetch bool) (bench.ExecResult, error) {
	var b strings.Builder
	n := 0
	for _, r := range sql {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	sql = b.String()

	if fetch {
		rows, err := p.pool.Query(ctx, sql, params...)
		if err != nil {
			p.acquireFailures.Add(1)
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
		return bench.ExecResult{RowCount: n}, nil
	}

	tag, err := p.pool.Exec(ctx, sql, params...)
	if err != nil {
		p.acquireFailures.Add(1)
		return bench.ExecResult{}, err
	}
	return bench.ExecResult{RowCount: tag.RowsAffected()}, nil
}

// Acquire hands out a scoped connection for collaborators that need one
// outside the Execute path (e.g. the value pool store's sampling queries).
func (p *Postgres) Acquire(ctx context.Context) (bench.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		p.acquireFailures.Add(1)
		return nil, err
	}
	return &pgConn{conn: conn}, nil
}

// PoolStats reports current pgxpool utilization.
func (p *Postgres) PoolStats() bench.PoolStats {
	stat := p.pool.Stat()
	return bench.PoolStats{
		Active: int(stat.AcquiredConns()),
		Idle:   int(stat.IdleConns()),
		Max:    int(stat.MaxConns()),
	}
}

// PgxPool exposes the underlying pgxpool.Pool for collaborators (the Value
// Pool Store) that sample directly rather than through bench.ConnectionPool.
func (p *Postgres) PgxPool() *pgxpool.Pool {
	return p.pool
}

// Close stops the health loop and closes the underlying pool exactly once.
func (p *Postgres) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.healthStop)
	p.pool.Close()
}

// Describe resolves column metadata via information_schema.
func (p *Postgres) Describe(ctx context.Context, db, schema, table string) ([]bench.ColumnInfo, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable, COALESCE(column_default, ''), COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_catalog = $1 AND table_schema = $2 AND table_name = $3
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
		cols = append(cols, bench.ColumnInfo{
			Name:      name,
			Type:      dtype,
			Nullable:  nullable == "YES",
			Default:   def,
			MaxLength: maxLen,
		})
	}
	return cols, rows.Err()
}

// MinMaxInt resolves the integer bounds of an id-like column.
func (p *Postgres) MinMaxInt(ctx context.Context, table, column string) (int64, int64, error) {
	var min, max int64
	query := fmt.Sprintf("SELECT COALESCE(MIN(%s),0), COALESCE(MAX(%s),0) FROM %s", quoteIdent(column), quoteIdent(column), table)
	if err := p.pool.QueryRow(ctx, query).Scan(&min, &max); err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

// MinMaxTime resolves the timestamp bounds of a time-like column.
func (p *Postgres) MinMaxTime(ctx context.Context, table, column string) (time.Time, time.Time, error) {
	var min, max time.Time
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", quoteIdent(column), quoteIdent(column), table)
	if err := p.pool.QueryRow(ctx, query).Scan(&min, &max); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return min, max, nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

type pgConn struct {
	conn *pgxpool.Conn
}

func (c *pgConn) Execute(ctx context.Context, sql string, params []any, fetch bool) (bench.ExecResult, error) {
	if fetch {
		rows, err := c.conn.Query(ctx, sql, params...)
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
	tag, err := c.conn.Exec(ctx, sql, params...)
	if err != nil {
		return bench.ExecResult{}, err
	}
	return bench.ExecResult{RowCount: tag.RowsAffected()}, nil
}

func (c *pgConn) Release() { c.conn.Release() }
