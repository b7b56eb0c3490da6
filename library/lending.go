package library

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "library-ledger/library"

	opBorrow  = "borrow"
	opReturn  = "return"
	opRenew   = "renew"
	opAdjust  = "adjust_copies"
	opBan     = "ban"
	opUnban   = "unban"
	opDelete  = "delete"
	opImport  = "import"
	outcomeOK = "ok"
)

// LendingService runs every mutating ledger operation as one transaction
// against the catalog, user registry and loan ledger, and enforces the
// borrowing rules.
type LendingService struct {
	db      *Database
	policy  Policy
	tracer  trace.Tracer
	counter metric.Int64Counter
}

// LendingOption configures a LendingService.
type LendingOption func(*lendingOptions)

type lendingOptions struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) LendingOption {
	return func(o *lendingOptions) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) LendingOption {
	return func(o *lendingOptions) { o.meterProvider = mp }
}

// NewLendingService binds the service to an open Database.
func NewLendingService(db *Database, policy Policy, opts ...LendingOption) (*LendingService, error) {
	if db == nil {
		return nil, errors.New("nil database")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	o := lendingOptions{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	counter, err := o.meterProvider.Meter(instrumentationName).Int64Counter("lending.operations",
		metric.WithDescription("Lending operations by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return &LendingService{
		db:      db,
		policy:  policy,
		tracer:  o.tracerProvider.Tracer(instrumentationName),
		counter: counter,
	}, nil
}

// Policy returns the limits the service enforces.
func (s *LendingService) Policy() Policy { return s.policy }

// ---------------------------------------------------------------------------
// Circulation
// ---------------------------------------------------------------------------

// Borrow lends one copy of isbn to userID. Gates are checked in order and the
// first failure wins: banned, already holding the title, at the loan limit,
// unknown book, no copy on the shelf. A first-time user is registered in its
// own transaction before the gates run, so the user stays registered when a
// later gate fails and the result then carries a Welcome event.
func (s *LendingService) Borrow(ctx context.Context, userID, displayName, isbn string, now time.Time) (res BorrowResult, err error) {
	ctx, span := s.start(ctx, opBorrow, attribute.String("user.id", userID), attribute.String("book.isbn", isbn))
	defer func() { s.finish(ctx, span, opBorrow, err) }()

	isbn, err = NormalizeISBN(isbn)
	if err != nil {
		return BorrowResult{}, err
	}

	var (
		user    User
		created bool
	)
	// Registration commits on its own so a refused first borrow still
	// remembers the user.
	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		user, created, err = getOrCreateUser(ctx, tx, userID, displayName)
		return err
	})
	if err != nil {
		return BorrowResult{}, fmt.Errorf("borrow: %w", err)
	}

	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		// Re-read under the write lock; a ban may have landed in between.
		u, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		user = u
		if user.Banned {
			return fmt.Errorf("%w: %s", ErrBanned, userID)
		}

		if _, holding, err := activeLoan(ctx, tx, userID, isbn); err != nil {
			return err
		} else if holding {
			return fmt.Errorf("%w: %s holds %s", ErrDuplicateLoan, userID, isbn)
		}

		count, err := activeCount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if count >= s.policy.MaxLoans {
			return fmt.Errorf("%w: %s has %d of %d", ErrLoanLimitExceeded, userID, count, s.policy.MaxLoans)
		}

		book, err := getBook(ctx, tx, isbn)
		if err != nil {
			return err
		}
		if book.Available < 1 {
			return fmt.Errorf("%w: %s", ErrUnavailable, isbn)
		}

		if res.Book, err = adjustAvailability(ctx, tx, isbn, -1); err != nil {
			return err
		}
		res.Loan, err = createLoan(ctx, tx, userID, isbn, now, now.Add(s.policy.loanPeriod()))
		return err
	})

	res.User = user
	res.Welcome = created
	if created {
		res.Events = append(res.Events, Welcome{UserID: user.UserID, DisplayName: user.DisplayName})
	}
	if err != nil {
		return res, fmt.Errorf("borrow: %w", err)
	}

	res.Events = append(res.Events, NewLoanNotice{
		LoanID:      res.Loan.ID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		ISBN:        isbn,
		Title:       res.Book.Title,
		DueAt:       res.Loan.DueAt,
	})
	return res, nil
}

// Return closes userID's active loan of isbn and puts the copy back.
func (s *LendingService) Return(ctx context.Context, isbn, userID string, now time.Time) (loan Loan, err error) {
	ctx, span := s.start(ctx, opReturn, attribute.String("user.id", userID), attribute.String("book.isbn", isbn))
	defer func() { s.finish(ctx, span, opReturn, err) }()

	if isbn, err = NormalizeISBN(isbn); err != nil {
		return Loan{}, err
	}

	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getBook(ctx, tx, isbn); err != nil {
			return err
		}
		var err error
		if loan, err = closeLoan(ctx, tx, isbn, userID, now); err != nil {
			return err
		}
		_, err = adjustAvailability(ctx, tx, isbn, 1)
		return err
	})
	if err != nil {
		return Loan{}, fmt.Errorf("return: %w", err)
	}
	return loan, nil
}

// Renew sets the due date of userID's active loan of isbn to now plus days.
// days may be negative but the loan cannot become due before it was borrowed.
func (s *LendingService) Renew(ctx context.Context, isbn, userID string, days int, now time.Time) (loan Loan, err error) {
	ctx, span := s.start(ctx, opRenew, attribute.String("user.id", userID), attribute.String("book.isbn", isbn), attribute.Int("renew.days", days))
	defer func() { s.finish(ctx, span, opRenew, err) }()

	if isbn, err = NormalizeISBN(isbn); err != nil {
		return Loan{}, err
	}

	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		current, ok, err := activeLoan(ctx, tx, userID, isbn)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s has no copy of %s", ErrNoActiveLoan, userID, isbn)
		}
		due := now.Add(time.Duration(days) * day)
		if due.Before(current.BorrowedAt) {
			return fmt.Errorf("%w: due date %s precedes borrow date", ErrValidation, due.Format(time.DateOnly))
		}
		loan, err = extendLoan(ctx, tx, current.ID, due)
		return err
	})
	if err != nil {
		return Loan{}, fmt.Errorf("renew: %w", err)
	}
	return loan, nil
}

// ---------------------------------------------------------------------------
// Catalog administration
// ---------------------------------------------------------------------------

// AdjustCopies moves the shelf count of isbn by delta. A removal larger than
// what is on the shelf leaves zero copies rather than a negative count; an
// addition the count cannot hold fails with ErrValidation.
func (s *LendingService) AdjustCopies(ctx context.Context, isbn string, delta int) (book Book, err error) {
	ctx, span := s.start(ctx, opAdjust, attribute.String("book.isbn", isbn), attribute.Int("copies.delta", delta))
	defer func() { s.finish(ctx, span, opAdjust, err) }()

	if isbn, err = NormalizeISBN(isbn); err != nil {
		return Book{}, err
	}

	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getBook(ctx, tx, isbn)
		if err != nil {
			return err
		}
		if delta > 0 && current.Available > math.MaxInt-delta {
			return fmt.Errorf("%w: cannot add %d copies to %d on the shelf", ErrValidation, delta, current.Available)
		}
		if current.Available+delta < 0 {
			delta = -current.Available
		}
		book, err = adjustAvailability(ctx, tx, isbn, delta)
		return err
	})
	if err != nil {
		return Book{}, fmt.Errorf("adjust copies: %w", err)
	}
	return book, nil
}

// AddCopies puts count more copies of isbn on the shelf.
func (s *LendingService) AddCopies(ctx context.Context, isbn string, count int) (Book, error) {
	return s.AdjustCopies(ctx, isbn, count)
}

// RemoveCopies takes count copies of isbn off the shelf; the sign of count is
// ignored.
func (s *LendingService) RemoveCopies(ctx context.Context, isbn string, count int) (Book, error) {
	if count > 0 {
		count = -count
	}
	return s.AdjustCopies(ctx, isbn, count)
}

// Delete force-returns every active loan of isbn and removes the book. The
// returned copies are not counted back since the title no longer exists.
func (s *LendingService) Delete(ctx context.Context, isbn string, now time.Time) (res DeleteResult, err error) {
	ctx, span := s.start(ctx, opDelete, attribute.String("book.isbn", isbn))
	defer func() { s.finish(ctx, span, opDelete, err) }()

	if isbn, err = NormalizeISBN(isbn); err != nil {
		return DeleteResult{}, err
	}

	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if res.Book, err = getBook(ctx, tx, isbn); err != nil {
			return err
		}
		if res.ForceClosed, err = forceCloseAll(ctx, tx, isbn, now); err != nil {
			return err
		}
		return removeBook(ctx, tx, isbn)
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete: %w", err)
	}
	span.SetAttributes(attribute.Int("loans.force_closed", res.ForceClosed))
	return res, nil
}

// ImportBooks adds a batch of catalog records. Bad records are reported in
// the result and never abort the batch.
func (s *LendingService) ImportBooks(ctx context.Context, records []ImportRecord) (report ImportReport, err error) {
	ctx, span := s.start(ctx, opImport, attribute.Int("import.records", len(records)))
	defer func() { s.finish(ctx, span, opImport, err) }()

	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		report, err = insertBooks(ctx, tx, records)
		return err
	})
	if err != nil {
		return ImportReport{}, fmt.Errorf("import: %w", err)
	}
	span.SetAttributes(
		attribute.Int("import.inserted", len(report.Inserted)),
		attribute.Int("import.rejected", len(report.Rejected)),
	)
	return report, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// Ban stops userID from borrowing. Existing loans are untouched.
func (s *LendingService) Ban(ctx context.Context, userID string) (User, error) {
	return s.setBanned(ctx, opBan, userID, true)
}

// Unban lets userID borrow again.
func (s *LendingService) Unban(ctx context.Context, userID string) (User, error) {
	return s.setBanned(ctx, opUnban, userID, false)
}

func (s *LendingService) setBanned(ctx context.Context, op, userID string, banned bool) (user User, err error) {
	ctx, span := s.start(ctx, op, attribute.String("user.id", userID))
	defer func() { s.finish(ctx, span, op, err) }()

	err = s.db.writeTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		user, err = setBanned(ctx, tx, userID, banned)
		return err
	})
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

func (s *LendingService) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "lending."+op, trace.WithAttributes(attrs...))
}

func (s *LendingService) finish(ctx context.Context, span trace.Span, op string, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = failureKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	span.End()
}

// failureKind names the sentinel behind err for metrics.
func failureKind(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{ErrBookNotFound, "book_not_found"},
		{ErrNoActiveLoan, "no_active_loan"},
		{ErrNotFound, "not_found"},
		{ErrBanned, "banned"},
		{ErrDuplicateLoan, "duplicate_loan"},
		{ErrLoanLimitExceeded, "loan_limit_exceeded"},
		{ErrUnavailable, "unavailable"},
		{ErrValidation, "validation"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "error"
}
