package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	logMsgNotifyFailed  = "notification failed"
	logMsgUnauthorized  = "privileged command refused"
	logMsgRateLimited   = "command rate limited"
	logAttrOperation    = "operation"
	logAttrUserID       = "user_id"
	logAttrEventType    = "event_type"
	defaultWorkers      = 8
	defaultCommandBurst = 5
)

// Caller is the identity behind one command. IsAdmin has already been
// resolved by whoever parsed the command.
type Caller struct {
	UserID      string
	DisplayName string
	IsAdmin     bool
}

// LibraryManager is the command boundary in front of the LendingService and
// CatalogQuery. It checks the caller's capability, throttles callers, bounds
// how many commands run at once and forwards events once their transaction
// has committed.
type LibraryManager struct {
	lending  *LendingService
	query    *CatalogQuery
	notifier Notifier
	logger   Logger
	now      func() time.Time

	pool *semaphore.Weighted

	limit      rate.Limit
	burst      int
	limitersMu sync.Mutex
	limiters   map[string]*callerLimiter
	lastSweep  time.Time
}

// callerLimiter is one caller's token bucket and when it was last used. A
// bucket idle for longer than it takes to refill is dropped; a fresh one
// behaves the same.
type callerLimiter struct {
	*rate.Limiter
	lastUsed time.Time
}

// ManagerOption configures a LibraryManager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	notifier    Notifier
	logger      Logger
	now         func() time.Time
	workers     int
	perMinute   int
	burst       int
	searchCache SearchCache
}

// WithNotifier sets where events go. Without one they are dropped.
func WithNotifier(n Notifier) ManagerOption {
	return func(o *managerOptions) { o.notifier = n }
}

// WithLogger sets the logger for the manager and the stores it drives.
func WithLogger(l Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

// WithWorkers caps the number of commands executing concurrently.
func WithWorkers(n int) ManagerOption {
	return func(o *managerOptions) { o.workers = n }
}

// WithRateLimit allows each caller perMinute commands with bursts of burst.
// Zero disables throttling.
func WithRateLimit(perMinute, burst int) ManagerOption {
	return func(o *managerOptions) {
		o.perMinute = perMinute
		o.burst = burst
	}
}

// WithCache puts a search cache in front of catalog searches.
func WithCache(c SearchCache) ManagerOption {
	return func(o *managerOptions) { o.searchCache = c }
}

// NewLibraryManager wires the lending service and catalog query over db. The
// caller keeps ownership of db and closes it after the manager is done.
func NewLibraryManager(db *Database, policy Policy, opts ...ManagerOption) (*LibraryManager, error) {
	o := managerOptions{
		notifier: discardNotifier{},
		logger:   nopLogger{},
		now:      time.Now,
		workers:  defaultWorkers,
		burst:    defaultCommandBurst,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = discardNotifier{}
	}
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	if o.workers < 1 {
		return nil, fmt.Errorf("%w: workers must be at least 1, got %d", ErrValidation, o.workers)
	}

	lending, err := NewLendingService(db, policy)
	if err != nil {
		return nil, err
	}

	lm := &LibraryManager{
		lending:  lending,
		query:    NewCatalogQuery(db, WithSearchCache(o.searchCache), WithQueryLogger(o.logger)),
		notifier: o.notifier,
		logger:   o.logger,
		now:      o.now,
		pool:     semaphore.NewWeighted(int64(o.workers)),
		burst:    max(o.burst, 1),
		limiters: make(map[string]*callerLimiter),
	}
	if o.perMinute > 0 {
		lm.limit = rate.Every(time.Minute / time.Duration(o.perMinute))
	}
	return lm, nil
}

// Policy returns the lending limits in force.
func (lm *LibraryManager) Policy() Policy { return lm.lending.Policy() }

// ------------------ Command plumbing ------------------

// run admits one command: capability check, per-caller throttle, then a slot
// in the worker pool for the duration of fn.
func (lm *LibraryManager) run(ctx context.Context, c Caller, op string, privileged bool, fn func(ctx context.Context) error) error {
	if privileged && !c.IsAdmin {
		lm.logger.Warn(logMsgUnauthorized, logAttrOperation, op, logAttrUserID, c.UserID)
		lm.publish(ctx, AuthFailureNotice{UserID: c.UserID, DisplayName: c.DisplayName, Operation: op})
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	if !lm.allow(c.UserID) {
		lm.logger.Info(logMsgRateLimited, logAttrOperation, op, logAttrUserID, c.UserID)
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	}

	if err := lm.pool.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer lm.pool.Release(1)

	return fn(ctx)
}

func (lm *LibraryManager) allow(userID string) bool {
	if lm.limit == 0 {
		return true
	}
	now := lm.now()

	lm.limitersMu.Lock()
	defer lm.limitersMu.Unlock()
	lm.sweepLimiters(now)
	l, ok := lm.limiters[userID]
	if !ok {
		l = &callerLimiter{Limiter: rate.NewLimiter(lm.limit, lm.burst)}
		lm.limiters[userID] = l
	}
	l.lastUsed = now
	return l.AllowN(now, 1)
}

// sweepLimiters drops buckets that have refilled completely. It runs at most
// once per refill period.
func (lm *LibraryManager) sweepLimiters(now time.Time) {
	refill := time.Duration(float64(lm.burst) / float64(lm.limit) * float64(time.Second))
	if now.Sub(lm.lastSweep) < refill {
		return
	}
	lm.lastSweep = now
	for id, l := range lm.limiters {
		if now.Sub(l.lastUsed) >= refill {
			delete(lm.limiters, id)
		}
	}
}

// publish hands events to the notifier. Delivery failures are logged; the
// ledger change they describe has already committed.
func (lm *LibraryManager) publish(ctx context.Context, events ...Event) {
	for _, e := range events {
		if err := lm.notifier.Notify(ctx, e); err != nil {
			lm.logger.Error(logMsgNotifyFailed, logAttrEventType, e.EventType(), logAttrError, err.Error())
		}
	}
}

// ------------------ Circulation ------------------

// Borrow lends a copy of isbn to the caller.
func (lm *LibraryManager) Borrow(ctx context.Context, c Caller, isbn string) (BorrowResult, error) {
	var res BorrowResult
	err := lm.run(ctx, c, opBorrow, false, func(ctx context.Context) error {
		var err error
		res, err = lm.lending.Borrow(ctx, c.UserID, c.DisplayName, isbn, lm.now())
		// A refused first borrow still registered the user.
		lm.publish(ctx, res.Events...)
		return err
	})
	return res, err
}

// Return closes a loan of isbn. userID defaults to the caller; returning on
// someone else's behalf is privileged.
func (lm *LibraryManager) Return(ctx context.Context, c Caller, isbn, userID string) (Loan, error) {
	if userID == "" {
		userID = c.UserID
	}
	var loan Loan
	err := lm.run(ctx, c, opReturn, userID != c.UserID, func(ctx context.Context) error {
		var err error
		loan, err = lm.lending.Return(ctx, isbn, userID, lm.now())
		return err
	})
	return loan, err
}

// Renew resets the due date of userID's loan of isbn to days from now.
func (lm *LibraryManager) Renew(ctx context.Context, c Caller, isbn, userID string, days int) (Loan, error) {
	var loan Loan
	err := lm.run(ctx, c, opRenew, true, func(ctx context.Context) error {
		var err error
		loan, err = lm.lending.Renew(ctx, isbn, userID, days, lm.now())
		return err
	})
	return loan, err
}

// ------------------ Catalog administration ------------------

func (lm *LibraryManager) AddCopies(ctx context.Context, c Caller, isbn string, n int) (Book, error) {
	var book Book
	err := lm.run(ctx, c, opAdjust, true, func(ctx context.Context) error {
		var err error
		book, err = lm.lending.AddCopies(ctx, isbn, n)
		return err
	})
	return book, err
}

func (lm *LibraryManager) RemoveCopies(ctx context.Context, c Caller, isbn string, n int) (Book, error) {
	var book Book
	err := lm.run(ctx, c, opAdjust, true, func(ctx context.Context) error {
		var err error
		book, err = lm.lending.RemoveCopies(ctx, isbn, n)
		return err
	})
	return book, err
}

// Delete removes a title, force-returning its outstanding loans.
func (lm *LibraryManager) Delete(ctx context.Context, c Caller, isbn string) (DeleteResult, error) {
	var res DeleteResult
	err := lm.run(ctx, c, opDelete, true, func(ctx context.Context) error {
		var err error
		res, err = lm.lending.Delete(ctx, isbn, lm.now())
		return err
	})
	return res, err
}

// Import adds a parsed batch of catalog records.
func (lm *LibraryManager) Import(ctx context.Context, c Caller, records []ImportRecord) (ImportReport, error) {
	var report ImportReport
	err := lm.run(ctx, c, opImport, true, func(ctx context.Context) error {
		var err error
		report, err = lm.lending.ImportBooks(ctx, records)
		return err
	})
	return report, err
}

// ------------------ Users ------------------

func (lm *LibraryManager) Ban(ctx context.Context, c Caller, userID string) (User, error) {
	var u User
	err := lm.run(ctx, c, opBan, true, func(ctx context.Context) error {
		var err error
		u, err = lm.lending.Ban(ctx, userID)
		return err
	})
	return u, err
}

func (lm *LibraryManager) Unban(ctx context.Context, c Caller, userID string) (User, error) {
	var u User
	err := lm.run(ctx, c, opUnban, true, func(ctx context.Context) error {
		var err error
		u, err = lm.lending.Unban(ctx, userID)
		return err
	})
	return u, err
}

func (lm *LibraryManager) Users(ctx context.Context, c Caller) ([]User, error) {
	var users []User
	err := lm.run(ctx, c, "users", true, func(ctx context.Context) error {
		var err error
		users, err = lm.query.ListUsers(ctx)
		return err
	})
	return users, err
}

// ------------------ Queries ------------------

func (lm *LibraryManager) Search(ctx context.Context, c Caller, scope SearchScope, attr SearchAttribute, value string) ([]Book, error) {
	var books []Book
	err := lm.run(ctx, c, "search", false, func(ctx context.Context) error {
		var err error
		books, err = lm.query.Search(ctx, scope, attr, value)
		return err
	})
	return books, err
}

func (lm *LibraryManager) Book(ctx context.Context, c Caller, isbn string) (Book, error) {
	var book Book
	err := lm.run(ctx, c, "book", false, func(ctx context.Context) error {
		var err error
		book, err = lm.query.Book(ctx, isbn)
		return err
	})
	return book, err
}

func (lm *LibraryManager) Loans(ctx context.Context, c Caller, scope LoanScope) ([]Loan, error) {
	var loans []Loan
	err := lm.run(ctx, c, "loans", true, func(ctx context.Context) error {
		var err error
		loans, err = lm.query.ListLoans(ctx, scope, lm.now())
		return err
	})
	return loans, err
}

// Due lists the caller's loans. Each overdue one is also reported to the
// administrator.
func (lm *LibraryManager) Due(ctx context.Context, c Caller) ([]DueItem, error) {
	var items []DueItem
	err := lm.run(ctx, c, "due", false, func(ctx context.Context) error {
		var err error
		items, err = lm.query.DueForUser(ctx, c.UserID, lm.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	lm.publish(ctx, overdueNotices(items)...)
	return items, nil
}

// SweepOverdue lists every overdue loan and reports each one.
func (lm *LibraryManager) SweepOverdue(ctx context.Context, c Caller) ([]DueItem, error) {
	var items []DueItem
	err := lm.run(ctx, c, "overdue", true, func(ctx context.Context) error {
		var err error
		items, err = lm.query.Overdue(ctx, lm.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	lm.publish(ctx, overdueNotices(items)...)
	return items, nil
}

func overdueNotices(items []DueItem) []Event {
	var events []Event
	for _, it := range items {
		if !it.Overdue() {
			continue
		}
		events = append(events, OverdueNotice{
			LoanID:      it.Loan.ID,
			UserID:      it.Loan.UserID,
			ISBN:        it.Book.ISBN,
			Title:       it.Book.Title,
			DueAt:       it.Loan.DueAt,
			DaysOverdue: 1 - it.DaysRemaining,
		})
	}
	return events
}

// Surprise picks a random title; nil when the catalog is empty.
func (lm *LibraryManager) Surprise(ctx context.Context, c Caller) (*Book, error) {
	var book *Book
	err := lm.run(ctx, c, "surprise", false, func(ctx context.Context) error {
		var err error
		book, err = lm.query.RandomBook(ctx)
		return err
	})
	return book, err
}

// ReportIssue forwards free text to the administrator.
func (lm *LibraryManager) ReportIssue(ctx context.Context, c Caller, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("issue: %w: empty report", ErrValidation)
	}
	return lm.run(ctx, c, "issue", false, func(ctx context.Context) error {
		err := lm.notifier.Notify(ctx, IssueReport{UserID: c.UserID, DisplayName: c.DisplayName, Text: text})
		if err != nil {
			return errors.Join(errors.New("issue: report not delivered"), err)
		}
		return nil
	})
}
