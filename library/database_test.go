package library

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Valid ISBN-13s used across the package tests.
const (
	isbnDune        = "9780441172719"
	isbnMessiah     = "9780441172696"
	isbnFoundation  = "9780553293357"
	isbnGatsby      = "9780743273565"
	isbnHobbit      = "9780261102385"
	isbnPride       = "9780141439518"
	isbnUnknown     = "9781789993158"
	isbnNeverStored = "9780008108298"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tempDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDatabase(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedBook stores one title with the given shelf count.
func seedBook(t *testing.T, db *Database, isbn, title string, available int) {
	t.Helper()
	err := db.writeTx(context.Background(), func(tx *sqlx.Tx) error {
		report, err := insertBooks(context.Background(), tx, []ImportRecord{{
			Line: 1, ISBN: isbn, Title: title, Binding: "Paperback", Authors: "Test Author", Available: available,
		}})
		if err == nil && len(report.Inserted) != 1 {
			t.Fatalf("seed %s rejected: %+v", isbn, report.Rejected)
		}
		return err
	})
	if err != nil {
		t.Fatalf("seed %s: %v", isbn, err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	seedBook(t, db, isbnDune, "Dune", 2)
	require.NoError(t, db.Close())

	db, err = NewDatabase(path)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	book, err := getBook(context.Background(), db.db, isbnDune)
	require.NoError(t, err)
	assert.Equal(t, 2, book.Available)
}

func TestUnreadableSchemaVersionFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	_, err = db.db.Exec(`UPDATE meta SET value='not a number' WHERE key='schema_version'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = NewDatabase(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read schema version")
}

func TestNewDatabaseCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")
	db, err := NewDatabase(path)
	require.NoError(t, err)
	assert.NoError(t, db.Close())
}

func TestSchemaRejectsNegativeAvailability(t *testing.T) {
	db := tempDB(t)
	seedBook(t, db, isbnDune, "Dune", 0)

	err := db.writeTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := adjustAvailability(context.Background(), tx, isbnDune, -1)
		return err
	})
	require.Error(t, err)

	book, err := getBook(context.Background(), db.db, isbnDune)
	require.NoError(t, err)
	assert.Equal(t, 0, book.Available)
}

func TestSchemaAllowsOneActiveLoanPerPair(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	seedBook(t, db, isbnDune, "Dune", 3)
	require.NoError(t, db.writeTx(ctx, func(tx *sqlx.Tx) error {
		_, _, err := getOrCreateUser(ctx, tx, "42", "Ada")
		return err
	}))

	require.NoError(t, db.writeTx(ctx, func(tx *sqlx.Tx) error {
		_, err := createLoan(ctx, tx, "42", isbnDune, t0, t0.Add(day))
		return err
	}))

	err := db.writeTx(ctx, func(tx *sqlx.Tx) error {
		_, err := createLoan(ctx, tx, "42", isbnDune, t0, t0.Add(day))
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicateLoan)
}

func TestSchemaRejectsLoanOfUnknownBook(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	require.NoError(t, db.writeTx(ctx, func(tx *sqlx.Tx) error {
		_, _, err := getOrCreateUser(ctx, tx, "42", "Ada")
		return err
	}))

	err := db.writeTx(ctx, func(tx *sqlx.Tx) error {
		_, err := createLoan(ctx, tx, "42", isbnUnknown, t0, t0.Add(day))
		return err
	})
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestWriteTxRollsBackOnError(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	seedBook(t, db, isbnDune, "Dune", 1)

	err := db.writeTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := adjustAvailability(ctx, tx, isbnDune, 5); err != nil {
			return err
		}
		return ErrValidation
	})
	require.ErrorIs(t, err, ErrValidation)

	book, err := getBook(ctx, db.db, isbnDune)
	require.NoError(t, err)
	assert.Equal(t, 1, book.Available)
}
