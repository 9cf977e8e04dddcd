package datarecording

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/qflex/timing/cache"
)

const createClickHouseTableSQL = `CREATE TABLE IF NOT EXISTS cache_stats (
	session   String,
	snapshot  UInt32,
	level     LowCardinality(String),
	accesses  UInt64,
	misses    UInt64,
	miss_rate Float64
) ENGINE = MergeTree()
ORDER BY (session, snapshot, level)`

// IsClickHouseDSN reports whether target names a ClickHouse server rather
// than a SQLite file.
func IsClickHouseDSN(target string) bool {
	return strings.HasPrefix(target, "clickhouse://")
}

// ClickHouseRecorder sends statistics snapshots to a ClickHouse server in
// batches.
type ClickHouseRecorder struct {
	conn      clickhouse.Conn
	mu        sync.Mutex
	session   string
	snapshot  uint32
	batchSize int
	pending   []row
	exitID    atexit.HandlerID
}

// NewClickHouse connects to the server named by dsn, for example
// clickhouse://localhost:9000/qflex?username=default, and creates the
// cache_stats table.
func NewClickHouse(dsn string) (*ClickHouseRecorder, error) {
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ClickHouse DSN: %w", err)
	}
	options.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, createClickHouseTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create cache_stats table: %w", err)
	}

	r := &ClickHouseRecorder{
		conn:      conn,
		session:   xid.New().String(),
		batchSize: 100000,
	}
	r.exitID = atexit.Register(func() { _ = r.Flush() })

	return r, nil
}

// SessionID identifies the rows written by this recorder.
func (r *ClickHouseRecorder) SessionID() string {
	return r.session
}

// Record buffers one snapshot of per-level statistics.
func (r *ClickHouseRecorder) Record(stats []cache.LevelStats) error {
	r.mu.Lock()
	for _, s := range stats {
		r.pending = append(r.pending, row{snapshot: int(r.snapshot), stats: s})
	}
	r.snapshot++
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		return r.Flush()
	}
	return nil
}

// Flush sends all buffered rows as one batch.
func (r *ClickHouseRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(context.Background(), "INSERT INTO cache_stats")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	if err := appendRows(batch, r.session, r.pending); err != nil {
		_ = batch.Abort()
		return err
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send cache stats: %w", err)
	}

	r.pending = nil

	return nil
}

// appender is the part of a ClickHouse batch that takes rows.
type appender interface {
	Append(v ...any) error
}

// appendRows adds rows to batch in cache_stats column order, with the Go
// types the column types require.
func appendRows(batch appender, session string, rows []row) error {
	for _, p := range rows {
		err := batch.Append(
			session,
			uint32(p.snapshot),
			p.stats.Level,
			p.stats.Accesses,
			p.stats.Misses,
			p.stats.MissRate(),
		)
		if err != nil {
			return fmt.Errorf("failed to append cache stats: %w", err)
		}
	}
	return nil
}

// Close flushes buffered rows and closes the connection.
func (r *ClickHouseRecorder) Close() error {
	_ = r.exitID.Cancel()

	if err := r.Flush(); err != nil {
		return err
	}

	return r.conn.Close()
}
