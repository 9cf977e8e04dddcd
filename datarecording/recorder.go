// Package datarecording stores cache model statistics in a SQLite database.
package datarecording

import (
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/qflex/timing/cache"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS cache_stats (
	session   TEXT    NOT NULL,
	snapshot  INTEGER NOT NULL,
	level     TEXT    NOT NULL,
	accesses  INTEGER NOT NULL,
	misses    INTEGER NOT NULL,
	miss_rate REAL    NOT NULL
);`

const insertSQL = `INSERT INTO cache_stats VALUES (?, ?, ?, ?, ?, ?)`

type row struct {
	snapshot int
	stats    cache.LevelStats
}

// Recorder buffers statistics snapshots of one profiling session and writes
// them to the cache_stats table in batches.
type Recorder struct {
	db        *sql.DB
	ownsDB    bool
	session   string
	snapshot  int
	batchSize int
	pending   []row
	exitID    atexit.HandlerID
}

// New opens (or creates) the database at path. An empty path creates a new
// database file named after a fresh session id. Buffered rows are flushed
// when the program exits through atexit.
func New(path string) (*Recorder, error) {
	session := xid.New().String()
	if path == "" {
		path = "qflex_cache_stats_" + session + ".sqlite3"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}

	r, err := newRecorder(db, session)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.ownsDB = true

	fmt.Fprintf(os.Stderr, "Recording cache statistics to %s (session %s)\n", path, session)

	return r, nil
}

// NewWithDB creates a Recorder on an open database. The caller keeps
// ownership of db.
func NewWithDB(db *sql.DB) (*Recorder, error) {
	return newRecorder(db, xid.New().String())
}

func newRecorder(db *sql.DB, session string) (*Recorder, error) {
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create cache_stats table: %w", err)
	}

	r := &Recorder{
		db:        db,
		session:   session,
		batchSize: 1024,
	}
	r.exitID = atexit.Register(func() { _ = r.Flush() })

	return r, nil
}

// SessionID identifies the rows written by this Recorder.
func (r *Recorder) SessionID() string {
	return r.session
}

// Record buffers one snapshot of per-level statistics.
func (r *Recorder) Record(stats []cache.LevelStats) error {
	for _, s := range stats {
		r.pending = append(r.pending, row{snapshot: r.snapshot, stats: s})
	}
	r.snapshot++

	if len(r.pending) >= r.batchSize {
		return r.Flush()
	}
	return nil
}

// Flush writes all buffered rows in one transaction.
func (r *Recorder) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range r.pending {
		_, err := stmt.Exec(
			r.session,
			p.snapshot,
			p.stats.Level,
			int64(p.stats.Accesses),
			int64(p.stats.Misses),
			p.stats.MissRate(),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert cache stats: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache stats: %w", err)
	}

	r.pending = nil

	return nil
}

// Close flushes buffered rows and, when the Recorder opened the database,
// closes it.
func (r *Recorder) Close() error {
	_ = r.exitID.Cancel()

	if err := r.Flush(); err != nil {
		return err
	}

	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}
