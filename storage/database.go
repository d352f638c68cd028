package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "mesh.db"
	// DefaultMaintenanceInterval controls WAL truncation and seen-ID pruning.
	DefaultMaintenanceInterval = time.Hour
	// DefaultSeenRetention is how long seen message IDs are kept on disk.
	DefaultSeenRetention = 7 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS outbound_queue (
  position      INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id    TEXT NOT NULL UNIQUE,
  envelope      BLOB NOT NULL,
  status        TEXT NOT NULL CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  attempts      INTEGER NOT NULL DEFAULT 0,
  last_attempt  INTEGER,
  enqueued_at   INTEGER NOT NULL,
  origin        TEXT NOT NULL DEFAULT 'local'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_outbound_queue_status
ON outbound_queue (status, position);
`,
	`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id         TEXT PRIMARY KEY,
  name            TEXT NOT NULL,
  address         TEXT NOT NULL,
  signal_strength INTEGER NOT NULL DEFAULT 0,
  last_seen       INTEGER NOT NULL,
  is_relay        INTEGER NOT NULL DEFAULT 0,
  missed_cycles   INTEGER NOT NULL DEFAULT 0
);
`,
}

// Options tunes background maintenance of a Store.
type Options struct {
	MaintenanceInterval time.Duration
	SeenRetention       time.Duration
	Logger              *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.SeenRetention <= 0 {
		o.SeenRetention = DefaultSeenRetention
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger

	maintenanceStop chan struct{}
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) mesh.db under the given data directory and runs migrations.
func Open(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, options Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	opts := options.withDefaults()
	store := &Store{
		db:              db,
		opts:            opts,
		logger:          opts.Logger.Named("storage"),
		maintenanceStop: make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// Close stops maintenance and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.maintenanceStop)
		s.maintenanceWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) runMaintenance() {
	if err := s.checkpointWAL(); err != nil {
		s.logger.Warn("wal checkpoint failed", zap.Error(err))
	}
	cutoff := time.Now().Add(-s.opts.SeenRetention).UnixMilli()
	pruned, err := s.PruneSeenIDs(cutoff)
	if err != nil {
		s.logger.Warn("seen id prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		s.logger.Debug("pruned seen message ids", zap.Int64("count", pruned))
	}
}

func (s *Store) startMaintenanceLoop() {
	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(s.opts.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runMaintenance()
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}

type scanner interface {
	Scan(dest ...any) error
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
