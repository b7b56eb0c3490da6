package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const bookColumns = `isbn, title, binding, authors, COALESCE(series,'') AS series,
       COALESCE(location,'') AS location, available`

// getBook loads one book; ErrBookNotFound when the ISBN is not catalogued.
func getBook(ctx context.Context, q sqlx.QueryerContext, isbn string) (Book, error) {
	var b Book
	err := sqlx.GetContext(ctx, q, &b, `SELECT `+bookColumns+` FROM books WHERE isbn=?`, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
	}
	if err != nil {
		return Book{}, fmt.Errorf("get book %s: %w", isbn, err)
	}
	return b, nil
}

// insertBooks stores each record on its own. A bad ISBN, a missing field, a
// negative count or a key already present rejects that record only; the
// error return is reserved for storage failures.
func insertBooks(ctx context.Context, tx *sqlx.Tx, records []ImportRecord) (ImportReport, error) {
	report := ImportReport{Inserted: []Imported{}, Rejected: []Rejection{}}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO books(isbn,title,binding,authors,series,location,available)
        VALUES(?,?,?,?,NULLIF(?,''),NULLIF(?,''),?)`)
	if err != nil {
		return report, fmt.Errorf("prepare insert book: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		reject := func(reason string) {
			report.Rejected = append(report.Rejected, Rejection{Line: rec.Line, ISBN: rec.ISBN, Reason: reason})
		}

		isbn, err := NormalizeISBN(rec.ISBN)
		if err != nil {
			reject(err.Error())
			continue
		}
		if reason := missingField(rec); reason != "" {
			reject(reason)
			continue
		}
		if rec.Available < 0 {
			reject(fmt.Sprintf("%s: available copies must not be negative, got %d", ErrValidation, rec.Available))
			continue
		}

		_, err = stmt.ExecContext(ctx, isbn, rec.Title, rec.Binding, rec.Authors, rec.Series, rec.Location, rec.Available)
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			reject("duplicate book " + isbn)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("insert book %s: %w", isbn, err)
		}
		report.Inserted = append(report.Inserted, Imported{Line: rec.Line, ISBN: isbn, Title: rec.Title})
	}
	return report, nil
}

func missingField(rec ImportRecord) string {
	switch {
	case strings.TrimSpace(rec.Title) == "":
		return fmt.Sprintf("%s: title is required", ErrValidation)
	case strings.TrimSpace(rec.Binding) == "":
		return fmt.Sprintf("%s: binding is required", ErrValidation)
	case strings.TrimSpace(rec.Authors) == "":
		return fmt.Sprintf("%s: authors are required", ErrValidation)
	}
	return ""
}

// adjustAvailability moves the counter by delta without clamping. The CHECK
// constraint rejects a negative result, so callers clamp first.
func adjustAvailability(ctx context.Context, tx *sqlx.Tx, isbn string, delta int) (Book, error) {
	res, err := tx.ExecContext(ctx, `UPDATE books SET available = available + ? WHERE isbn=?`, delta, isbn)
	if err != nil {
		return Book{}, fmt.Errorf("adjust availability %s: %w", isbn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Book{}, err
	}
	if n == 0 {
		return Book{}, fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
	}
	return getBook(ctx, tx, isbn)
}

func removeBook(ctx context.Context, tx *sqlx.Tx, isbn string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM books WHERE isbn=?`, isbn)
	if err != nil {
		return fmt.Errorf("remove book %s: %w", isbn, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
	}
	return nil
}

func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, c := range codes {
		if sqliteErr.ExtendedCode == c {
			return true
		}
	}
	return false
}
