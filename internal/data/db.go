// Package data provides the SQLite-based structured data store for the task
// engine, using modernc.org/sqlite for pure-Go, CGO-free database access.
package data

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed migrations/001_templates.sql
var templatesSchema string

//go:embed migrations/002_tasks.sql
var tasksSchema string

//go:embed migrations/003_reasoning_memories.sql
var memoriesSchema string

//go:embed migrations/004_vector_index.sql
var vectorIndexSchema string

//go:embed migrations/005_workers.sql
var workersSchema string

// Store provides access to the SQLite database backing the structured data
// store capability (SPEC_FULL.md §6.1.1).
type Store struct {
	db *sql.DB
}

// NewDB creates a new database connection and runs all migrations.
// dataDir must point to a LOCAL directory; network paths are rejected since
// SQLite's locking guarantees do not hold over network filesystems.
func NewDB(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := validateLocalPath(dataDir); err != nil {
		return nil, fmt.Errorf("validate data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "taskengine.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with a single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

func (s *Store) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Migrate runs all embedded schema migrations. Idempotent - safe to call
// more than once.
func (s *Store) Migrate() error {
	migrations := []struct {
		name   string
		schema string
	}{
		{"templates", templatesSchema},
		{"tasks", tasksSchema},
		{"reasoning_memories", memoriesSchema},
		{"vector_index", vectorIndexSchema},
		{"workers", workersSchema},
	}

	for _, m := range migrations {
		if err := s.runMigration(m.name, m.schema); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *Store) runMigration(name, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitSQL(schema) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w\nSQL: %s", i+1, err, stmt)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// Health checks that the database connection is alive and responsive.
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("health check returned unexpected value: %d", result)
	}
	return nil
}

// Close flushes the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: WAL checkpoint failed: %v\n", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB for advanced operations. Prefer the
// Store methods and package-level repositories where possible.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error. Used throughout the registry/task/memory repositories to
// implement the document-level read-modify-write guard required by
// SPEC_FULL.md §5's shared-resource policy.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// validateLocalPath ensures the path is on a local filesystem; network
// mounts can silently corrupt SQLite's locking.
func validateLocalPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	networkPrefixes := []string{"//", `\\`, "/mnt/", "/net/", "/Volumes/"}
	for _, prefix := range networkPrefixes {
		if strings.HasPrefix(absPath, prefix) {
			return fmt.Errorf("network path detected: %s (SQLite requires local filesystem)", absPath)
		}
	}

	testFile := filepath.Join(path, ".taskengine-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}

// splitSQL splits a multi-statement SQL string into individual statements,
// tolerant of comments, quoted strings, and BEGIN...END trigger blocks.
func splitSQL(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)
	beginDepth := 0

	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		upperLine := strings.ToUpper(trimmed)
		if !inString && strings.Contains(upperLine, "BEGIN") && !strings.Contains(upperLine, "BEGIN TRANSACTION") {
			beginDepth++
		}

		for _, ch := range line {
			if (ch == '\'' || ch == '"') && !inString {
				inString = true
				stringChar = ch
			} else if ch == stringChar && inString {
				inString = false
				stringChar = 0
			}

			current.WriteRune(ch)

			if ch == ';' && !inString {
				currentStr := strings.TrimSpace(current.String())
				if beginDepth > 0 && strings.HasSuffix(strings.ToUpper(currentStr), "END;") {
					beginDepth--
				}
				if beginDepth == 0 {
					if currentStr != "" && !strings.HasPrefix(currentStr, "--") {
						statements = append(statements, currentStr)
					}
					current.Reset()
				}
			}
		}
		current.WriteRune('\n')
	}

	if final := strings.TrimSpace(current.String()); final != "" && !strings.HasPrefix(final, "--") {
		statements = append(statements, final)
	}
	return statements
}

var globalStore *Store

// SetGlobalStore sets the process-wide store instance, used by background
// goroutines (queue maintenance, feedback cycle) that cannot take a
// constructor argument.
func SetGlobalStore(s *Store) {
	globalStore = s
}

// GetGlobalStore returns the process-wide store instance, or nil if unset.
func GetGlobalStore() *Store {
	return globalStore
}
