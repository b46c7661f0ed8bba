// Package store is the local relational sample store the device-support
// subsystem writes into and the history reconciler reads from.
//
// The table layout follows the device subsystem's naming (DEVICE,
// COLMI_HEART_RATE_SAMPLE, COLMI_ACTIVITY_SAMPLE); timestamps are unix seconds.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - DEVICE, COLMI_HEART_RATE_SAMPLE, COLMI_ACTIVITY_SAMPLE
const currentSchemaVersion = 1

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrAlreadyOpen is returned when a second handle is requested for a file
// that already has a live handle in this process.
var ErrAlreadyOpen = errors.New("database already open in this process")

var (
	openMu    sync.Mutex
	openPaths = map[string]struct{}{}
)

// Store is the single database-access handle for one database file.
type Store struct {
	db   *sql.DB
	path string
	once sync.Once
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// At most one Store per file exists in a process; a second Open of the same
// file fails with ErrAlreadyOpen until the first is closed.
func Open(path string) (*Store, error) {
	key, err := registryKey(path)
	if err != nil {
		return nil, err
	}

	if key != "" {
		openMu.Lock()
		if _, busy := openPaths[key]; busy {
			openMu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, path)
		}
		openPaths[key] = struct{}{}
		openMu.Unlock()
	}

	s, err := open(path)
	if err != nil {
		release(key)
		return nil, err
	}
	s.path = key
	return s, nil
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, and an in-memory database
	// lives only as long as its single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func registryKey(path string) (string, error) {
	if path == "" {
		return "", errors.New("database path must not be empty")
	}
	if path == MemoryPath {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	return abs, nil
}

func release(key string) {
	if key == "" {
		return
	}
	openMu.Lock()
	delete(openPaths, key)
	openMu.Unlock()
}

// Close closes the database connection and releases the file for reopening.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		err = s.db.Close()
		release(s.path)
	})
	return err
}

// Path returns the absolute database file path, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps the schema version.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
