package library

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.EventType())
	}
	return out
}

var (
	admin  = Caller{UserID: "admin", DisplayName: "Librarian", IsAdmin: true}
	reader = Caller{UserID: "42", DisplayName: "Ada"}
)

func newManager(t *testing.T, opts ...ManagerOption) (*LibraryManager, *Database, *recordingNotifier) {
	t.Helper()
	db := tempDB(t)
	n := &recordingNotifier{}
	opts = append([]ManagerOption{WithNotifier(n), WithClock(func() time.Time { return t0 })}, opts...)
	mgr, err := NewLibraryManager(db, Policy{LoanPeriodDays: 14, MaxLoans: 2}, opts...)
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	return mgr, db, n
}

func TestManagerBorrowPublishesEvents(t *testing.T) {
	mgr, db, n := newManager(t)
	ctx := context.Background()
	seedBook(t, db, isbnDune, "Dune", 1)

	res, err := mgr.Borrow(ctx, reader, isbnDune)
	require.NoError(t, err)
	assert.True(t, res.Loan.DueAt.Equal(t0.Add(14*day)))
	assert.Equal(t, []string{WelcomeEventType, NewLoanNoticeEventType}, n.types())
}

func TestManagerRefusedFirstBorrowStillWelcomes(t *testing.T) {
	mgr, _, n := newManager(t)

	_, err := mgr.Borrow(context.Background(), reader, isbnUnknown)
	require.ErrorIs(t, err, ErrBookNotFound)
	assert.Equal(t, []string{WelcomeEventType}, n.types())
}

func TestManagerPrivilegedCommandsRequireAdmin(t *testing.T) {
	mgr, db, n := newManager(t)
	ctx := context.Background()
	seedBook(t, db, isbnDune, "Dune", 1)

	calls := map[string]func(Caller) error{
		"add":    func(c Caller) error { _, err := mgr.AddCopies(ctx, c, isbnDune, 1); return err },
		"remove": func(c Caller) error { _, err := mgr.RemoveCopies(ctx, c, isbnDune, 1); return err },
		"renew":  func(c Caller) error { _, err := mgr.Renew(ctx, c, isbnDune, "42", 7); return err },
		"ban":    func(c Caller) error { _, err := mgr.Ban(ctx, c, "42"); return err },
		"unban":  func(c Caller) error { _, err := mgr.Unban(ctx, c, "42"); return err },
		"delete": func(c Caller) error { _, err := mgr.Delete(ctx, c, isbnDune); return err },
		"import": func(c Caller) error { _, err := mgr.Import(ctx, c, nil); return err },
		"users":  func(c Caller) error { _, err := mgr.Users(ctx, c); return err },
		"loans":  func(c Caller) error { _, err := mgr.Loans(ctx, c, LoansAll); return err },
		"sweep":  func(c Caller) error { _, err := mgr.SweepOverdue(ctx, c); return err },
		"return for another": func(c Caller) error {
			_, err := mgr.Return(ctx, c, isbnDune, "someone-else")
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(reader), ErrUnauthorized)
		})
	}

	assert.Len(t, n.types(), len(calls))
	for _, typ := range n.types() {
		assert.Equal(t, AuthFailureNoticeEventType, typ)
	}
	assert.Equal(t, 1, availableOf(t, db, isbnDune))
}

func TestManagerAdminFlow(t *testing.T) {
	mgr, db, _ := newManager(t)
	ctx := context.Background()
	seedBook(t, db, isbnDune, "Dune", 1)

	_, err := mgr.Borrow(ctx, reader, isbnDune)
	require.NoError(t, err)

	loan, err := mgr.Renew(ctx, admin, isbnDune, reader.UserID, 30)
	require.NoError(t, err)
	assert.True(t, loan.DueAt.Equal(t0.Add(30*day)))

	_, err = mgr.Ban(ctx, admin, reader.UserID)
	require.NoError(t, err)

	loan, err = mgr.Return(ctx, reader, isbnDune, "")
	require.NoError(t, err)
	assert.True(t, loan.Returned)

	book, err := mgr.AddCopies(ctx, admin, isbnDune, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, book.Available)

	users, err := mgr.Users(ctx, admin)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.True(t, users[0].Banned)

	res, err := mgr.Delete(ctx, admin, isbnDune)
	require.NoError(t, err)
	assert.Zero(t, res.ForceClosed)
}

func TestManagerDueReportsOverdue(t *testing.T) {
	db := tempDB(t)
	n := &recordingNotifier{}
	now := t0
	mgr, err := NewLibraryManager(db, Policy{LoanPeriodDays: 1, MaxLoans: 2},
		WithNotifier(n), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()
	seedBook(t, db, isbnDune, "Dune", 1)

	_, err = mgr.Borrow(ctx, reader, isbnDune)
	require.NoError(t, err)

	now = t0.Add(3 * day)
	items, err := mgr.Due(ctx, reader)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Overdue())

	n.mu.Lock()
	last := n.events[len(n.events)-1]
	n.mu.Unlock()
	notice, ok := last.(OverdueNotice)
	require.True(t, ok)
	assert.Equal(t, 2, notice.DaysOverdue)
	assert.Equal(t, isbnDune, notice.ISBN)

	swept, err := mgr.SweepOverdue(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, swept, 1)
}

func TestManagerRateLimit(t *testing.T) {
	mgr, db, _ := newManager(t, WithRateLimit(1, 2))
	ctx := context.Background()
	seedBook(t, db, isbnDune, "Dune", 1)

	for i := 0; i < 2; i++ {
		_, err := mgr.Search(ctx, reader, ScopeAll, AttrAny, "")
		require.NoError(t, err)
	}
	_, err := mgr.Search(ctx, reader, ScopeAll, AttrAny, "")
	assert.ErrorIs(t, err, ErrRateLimited)

	// Limits are per caller.
	_, err = mgr.Search(ctx, admin, ScopeAll, AttrAny, "")
	assert.NoError(t, err)
}

func TestManagerDropsIdleLimiters(t *testing.T) {
	db := tempDB(t)
	now := t0
	mgr, err := NewLibraryManager(db, Policy{LoanPeriodDays: 14, MaxLoans: 2},
		WithClock(func() time.Time { return now }), WithRateLimit(60, 1))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = mgr.Search(ctx, reader, ScopeAll, AttrAny, "")
	require.NoError(t, err)
	_, err = mgr.Search(ctx, reader, ScopeAll, AttrAny, "")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, mgr.limiters, 1)

	now = t0.Add(2 * time.Second)
	_, err = mgr.Search(ctx, admin, ScopeAll, AttrAny, "")
	require.NoError(t, err)
	assert.Len(t, mgr.limiters, 1)
	assert.Contains(t, mgr.limiters, admin.UserID)

	_, err = mgr.Search(ctx, reader, ScopeAll, AttrAny, "")
	assert.NoError(t, err)
}

func TestManagerNotifierFailureDoesNotFailBorrow(t *testing.T) {
	mgr, db, n := newManager(t)
	n.err = errors.New("broker down")
	seedBook(t, db, isbnDune, "Dune", 1)

	_, err := mgr.Borrow(context.Background(), reader, isbnDune)
	require.NoError(t, err)
	assert.Equal(t, 0, availableOf(t, db, isbnDune))
}

func TestManagerReportIssue(t *testing.T) {
	mgr, _, n := newManager(t)
	ctx := context.Background()

	require.ErrorIs(t, mgr.ReportIssue(ctx, reader, "   "), ErrValidation)
	require.NoError(t, mgr.ReportIssue(ctx, reader, "the scanner is broken"))
	require.Len(t, n.events, 1)
	assert.Equal(t, IssueReport{UserID: "42", DisplayName: "Ada", Text: "the scanner is broken"}, n.events[0])

	n.err = errors.New("broker down")
	assert.Error(t, mgr.ReportIssue(ctx, reader, "again"))
}

func TestManagerWorkerPoolHonoursContext(t *testing.T) {
	mgr, _, _ := newManager(t, WithWorkers(1))
	require.NoError(t, mgr.pool.Acquire(context.Background(), 1))
	defer mgr.pool.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mgr.Surprise(ctx, reader)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewLibraryManagerValidates(t *testing.T) {
	db := tempDB(t)
	_, err := NewLibraryManager(db, Policy{LoanPeriodDays: 14, MaxLoans: 2}, WithWorkers(0))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewLibraryManager(db, Policy{})
	assert.ErrorIs(t, err, ErrValidation)
}
