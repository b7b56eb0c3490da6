package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	logMsgMigrated       = "schema migrated"
	logMsgRollbackFailed = "transaction rollback failed"
	logAttrError         = "error"
	logAttrVersion       = "schema_version"
	logAttrPath          = "path"
)

// Logger receives operational messages. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Database owns the SQLite connection holding the books, users and loans
// relations. Writers serialize on writeMu; readers go straight to the pool.
type Database struct {
	db      *sqlx.DB
	writeMu sync.Mutex
	logger  Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*Database)

// WithDatabaseLogger sets the logger used for migrations and rollback failures.
func WithDatabaseLogger(logger Logger) DatabaseOption {
	return func(d *Database) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations. It is safe to call on an existing database.
func NewDatabase(dbPath string, opts ...DatabaseOption) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// busy_timeout for readers racing a writer, foreign keys on every
	// connection, and BEGIN IMMEDIATE so a write transaction takes the lock up front.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	d := &Database{db: db, logger: nopLogger{}}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	d.logger.Info(logMsgMigrated, logAttrPath, dbPath, logAttrVersion, schemaVersion)
	return d, nil
}

// Close closes the DB.
func (d *Database) Close() error {
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func (d *Database) applyMigrations() error {
	// WAL lets queries read while a borrow is being written.
	if _, err := d.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	err := d.db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
            isbn TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            binding TEXT NOT NULL,
            authors TEXT NOT NULL,
            series TEXT,
            location TEXT,
            available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0)
        );`,
		`CREATE TABLE IF NOT EXISTS users (
            user_id TEXT PRIMARY KEY,
            display_name TEXT NOT NULL,
            banned BOOLEAN NOT NULL DEFAULT 0
        );`,
		// isbn is checked by trigger rather than a foreign key: Delete removes a
		// book whose closed loans stay in the history.
		`CREATE TABLE IF NOT EXISTS loans (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            isbn TEXT NOT NULL,
            user_id TEXT NOT NULL REFERENCES users(user_id),
            borrowed_at INTEGER NOT NULL,
            due_at INTEGER NOT NULL,
            returned_at INTEGER,
            returned BOOLEAN NOT NULL DEFAULT 0,
            CHECK (due_at >= borrowed_at),
            CHECK (returned_at IS NULL OR returned_at >= borrowed_at)
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_one_active
            ON loans(user_id, isbn) WHERE returned = 0;`,
		`CREATE INDEX IF NOT EXISTS idx_loans_isbn ON loans(isbn);`,
		`CREATE INDEX IF NOT EXISTS idx_loans_due ON loans(due_at) WHERE returned = 0;`,
		`CREATE TRIGGER IF NOT EXISTS trg_loans_book_exists BEFORE INSERT ON loans
            WHEN NOT EXISTS (SELECT 1 FROM books WHERE isbn = new.isbn)
        BEGIN
            SELECT RAISE(ABORT, 'loan references unknown book');
        END;`,
		`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, schemaVersion); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	return tx.Commit()
}

// SchemaVersion reports the migration level recorded in the meta table.
func (d *Database) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := d.db.GetContext(ctx, &v, `SELECT value FROM meta WHERE key='schema_version'`); err != nil {
		return 0, err
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// writeTx runs fn inside one write transaction while holding the process-wide
// write lock. fn's error rolls everything back.
func (d *Database) writeTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Warn(logMsgRollbackFailed, logAttrError, rbErr.Error())
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
