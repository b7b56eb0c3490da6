package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // dialect registration
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const (
	loanColumns    = `id, isbn, user_id, borrowed_at, due_at, returned_at, returned`
	dialectSQLite3 = "sqlite3"
	tableLoans     = "loans"
	tableBooks     = "books"
	colReturned    = "returned"
	colDueAt       = "due_at"
	colID          = "id"
)

// LoanScope selects a subset of the ledger for admin listings.
type LoanScope string

const (
	LoansAll      LoanScope = "all"
	LoansReturned LoanScope = "returned"
	LoansOut      LoanScope = "out"
	LoansOverdue  LoanScope = "overdue"
)

// ParseLoanScope maps user input onto a known scope. An empty string means all.
func ParseLoanScope(s string) (LoanScope, error) {
	switch LoanScope(s) {
	case "", LoansAll:
		return LoansAll, nil
	case LoansReturned, LoansOut, LoansOverdue:
		return LoanScope(s), nil
	}
	return "", fmt.Errorf("%w: unknown loan scope %q", ErrValidation, s)
}

func activeLoan(ctx context.Context, q sqlx.QueryerContext, userID, isbn string) (Loan, bool, error) {
	var r loanRow
	err := sqlx.GetContext(ctx, q, &r,
		`SELECT `+loanColumns+` FROM loans WHERE user_id=? AND isbn=? AND returned=0`, userID, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return Loan{}, false, nil
	}
	if err != nil {
		return Loan{}, false, fmt.Errorf("active loan %s/%s: %w", userID, isbn, err)
	}
	return r.toLoan(), true, nil
}

func activeCount(ctx context.Context, q sqlx.QueryerContext, userID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM loans WHERE user_id=? AND returned=0`, userID); err != nil {
		return 0, fmt.Errorf("count loans %s: %w", userID, err)
	}
	return n, nil
}

func getLoan(ctx context.Context, q sqlx.QueryerContext, id int64) (Loan, error) {
	var r loanRow
	err := sqlx.GetContext(ctx, q, &r, `SELECT `+loanColumns+` FROM loans WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Loan{}, fmt.Errorf("%w: loan %d", ErrNotFound, id)
	}
	if err != nil {
		return Loan{}, fmt.Errorf("get loan %d: %w", id, err)
	}
	return r.toLoan(), nil
}

func createLoan(ctx context.Context, tx *sqlx.Tx, userID, isbn string, borrowedAt, dueAt time.Time) (Loan, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO loans(isbn, user_id, borrowed_at, due_at, returned) VALUES(?,?,?,?,0)`,
		isbn, userID, toNanos(borrowedAt), toNanos(dueAt))
	if isConstraint(err, sqlite3.ErrConstraintUnique) {
		return Loan{}, fmt.Errorf("%w: %s holds %s", ErrDuplicateLoan, userID, isbn)
	}
	if isConstraint(err, sqlite3.ErrConstraintTrigger) {
		return Loan{}, fmt.Errorf("%w: %s", ErrBookNotFound, isbn)
	}
	if err != nil {
		return Loan{}, fmt.Errorf("create loan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Loan{}, err
	}
	return getLoan(ctx, tx, id)
}

// extendLoan replaces the due date of an active loan.
func extendLoan(ctx context.Context, tx *sqlx.Tx, loanID int64, dueAt time.Time) (Loan, error) {
	res, err := tx.ExecContext(ctx, `UPDATE loans SET due_at=? WHERE id=? AND returned=0`, toNanos(dueAt), loanID)
	if err != nil {
		return Loan{}, fmt.Errorf("extend loan %d: %w", loanID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Loan{}, fmt.Errorf("%w: loan %d", ErrNoActiveLoan, loanID)
	}
	return getLoan(ctx, tx, loanID)
}

// closeLoan marks the pair's active loan returned. A second call finds no
// active loan and fails.
func closeLoan(ctx context.Context, tx *sqlx.Tx, isbn, userID string, returnedAt time.Time) (Loan, error) {
	l, ok, err := activeLoan(ctx, tx, userID, isbn)
	if err != nil {
		return Loan{}, err
	}
	if !ok {
		return Loan{}, fmt.Errorf("%w: %s has no copy of %s", ErrNoActiveLoan, userID, isbn)
	}
	if returnedAt.Before(l.BorrowedAt) {
		return Loan{}, fmt.Errorf("%w: return time precedes borrow time", ErrValidation)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE loans SET returned=1, returned_at=? WHERE id=?`, toNanos(returnedAt), l.ID); err != nil {
		return Loan{}, fmt.Errorf("close loan %d: %w", l.ID, err)
	}
	return getLoan(ctx, tx, l.ID)
}

// forceCloseAll returns every active loan of a book and reports how many.
func forceCloseAll(ctx context.Context, tx *sqlx.Tx, isbn string, returnedAt time.Time) (int, error) {
	// MAX keeps returned_at >= borrowed_at if the clock runs behind a loan.
	res, err := tx.ExecContext(ctx,
		`UPDATE loans SET returned=1, returned_at=MAX(?, borrowed_at) WHERE isbn=? AND returned=0`,
		toNanos(returnedAt), isbn)
	if err != nil {
		return 0, fmt.Errorf("force close loans %s: %w", isbn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// listLoans builds the scope filter from the closed LoanScope set; no caller
// text reaches the SQL.
func listLoans(ctx context.Context, q sqlx.QueryerContext, scope LoanScope, now time.Time) ([]Loan, error) {
	ds := goqu.Dialect(dialectSQLite3).
		From(tableLoans).
		Select("id", "isbn", "user_id", "borrowed_at", "due_at", "returned_at", "returned").
		Order(goqu.I(colID).Asc())

	switch scope {
	case LoansAll:
	case LoansReturned:
		ds = ds.Where(goqu.C(colReturned).Eq(1))
	case LoansOut:
		ds = ds.Where(goqu.C(colReturned).Eq(0))
	case LoansOverdue:
		ds = ds.Where(goqu.C(colReturned).Eq(0), goqu.C(colDueAt).Lt(toNanos(now)))
	default:
		return nil, fmt.Errorf("%w: unknown loan scope %q", ErrValidation, scope)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}
	var rows []loanRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return toLoans(rows), nil
}

// listOverdue returns active loans whose due date has passed, oldest first.
func listOverdue(ctx context.Context, q sqlx.QueryerContext, now time.Time) ([]Loan, error) {
	var rows []loanRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+loanColumns+` FROM loans WHERE returned=0 AND due_at < ? ORDER BY due_at, id`, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	return toLoans(rows), nil
}

func activeLoansForUser(ctx context.Context, q sqlx.QueryerContext, userID string) ([]Loan, error) {
	var rows []loanRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+loanColumns+` FROM loans WHERE user_id=? AND returned=0 ORDER BY due_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("loans for %s: %w", userID, err)
	}
	return toLoans(rows), nil
}
