package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

const (
	logMsgCacheReadFailed  = "search cache read failed"
	logMsgCacheWriteFailed = "search cache write failed"
	logAttrCacheKey        = "cache_key"
)

// SearchScope filters search results by shelf availability.
type SearchScope string

const (
	ScopeAll         SearchScope = "all"
	ScopeAvailable   SearchScope = "available"
	ScopeUnavailable SearchScope = "unavailable"
)

// SearchAttribute names the book field a search value is matched against.
// AttrAny matches every book regardless of value.
type SearchAttribute string

const (
	AttrTitle   SearchAttribute = "title"
	AttrAuthors SearchAttribute = "authors"
	AttrSeries  SearchAttribute = "series"
	AttrISBN    SearchAttribute = "isbn"
	AttrAny     SearchAttribute = "*"
)

// ParseSearchScope maps user input onto a known scope.
func ParseSearchScope(s string) (SearchScope, error) {
	switch SearchScope(strings.ToLower(s)) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeAvailable:
		return ScopeAvailable, nil
	case ScopeUnavailable:
		return ScopeUnavailable, nil
	}
	return "", fmt.Errorf("%w: unknown search scope %q", ErrValidation, s)
}

// ParseSearchAttribute maps user input onto a known attribute.
func ParseSearchAttribute(s string) (SearchAttribute, error) {
	switch a := SearchAttribute(strings.ToLower(s)); a {
	case AttrTitle, AttrAuthors, AttrSeries, AttrISBN, AttrAny:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown search attribute %q", ErrValidation, s)
}

// SearchCache stores search results keyed by the normalized query. A miss is
// reported with ok=false; stale entries are acceptable.
type SearchCache interface {
	Get(ctx context.Context, key string) (books []Book, ok bool, err error)
	Set(ctx context.Context, key string, books []Book) error
}

// CatalogQuery answers read-only questions about the catalog and the ledger.
// It never takes the write lock, so counts may trail a concurrent borrow.
type CatalogQuery struct {
	db     *Database
	cache  SearchCache
	logger Logger
}

// QueryOption configures a CatalogQuery.
type QueryOption func(*CatalogQuery)

// WithSearchCache puts a read-through cache in front of Search.
func WithSearchCache(cache SearchCache) QueryOption {
	return func(q *CatalogQuery) { q.cache = cache }
}

// WithQueryLogger sets the logger used for cache failures.
func WithQueryLogger(logger Logger) QueryOption {
	return func(q *CatalogQuery) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func NewCatalogQuery(db *Database, opts ...QueryOption) *CatalogQuery {
	q := &CatalogQuery{db: db, logger: nopLogger{}}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Search returns books whose attribute contains value, ignoring case, within
// scope. Results are ordered by title then ISBN.
func (q *CatalogQuery) Search(ctx context.Context, scope SearchScope, attr SearchAttribute, value string) ([]Book, error) {
	ds := goqu.Dialect(dialectSQLite3).
		From(tableBooks).
		Select(goqu.L(bookColumns)).
		Order(goqu.C("title").Asc(), goqu.C("isbn").Asc())

	switch scope {
	case ScopeAll:
	case ScopeAvailable:
		ds = ds.Where(goqu.C("available").Gte(1))
	case ScopeUnavailable:
		ds = ds.Where(goqu.C("available").Eq(0))
	default:
		return nil, fmt.Errorf("%w: unknown search scope %q", ErrValidation, scope)
	}

	needle := strings.ToLower(strings.TrimSpace(value))
	switch attr {
	case AttrAny:
	case AttrTitle, AttrAuthors, AttrSeries:
		ds = ds.Where(contains(string(attr), needle))
	case AttrISBN:
		// ISBNs are stored without separators.
		needle = strings.NewReplacer("-", "", " ", "").Replace(needle)
		ds = ds.Where(contains(string(attr), needle))
	default:
		return nil, fmt.Errorf("%w: unknown search attribute %q", ErrValidation, attr)
	}

	key := searchKey(scope, attr, needle)
	if books, ok := q.cached(ctx, key); ok {
		return books, nil
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}
	books := []Book{}
	if err := q.db.db.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	if q.cache != nil {
		if err := q.cache.Set(ctx, key, books); err != nil {
			q.logger.Warn(logMsgCacheWriteFailed, logAttrCacheKey, key, logAttrError, err.Error())
		}
	}
	return books, nil
}

// contains matches a case-insensitive substring with instr so that LIKE
// metacharacters in the value have no special meaning.
func contains(col, needle string) exp.Expression {
	return goqu.L("instr(LOWER(?), ?)", goqu.C(col), needle).Gt(0)
}

func searchKey(scope SearchScope, attr SearchAttribute, needle string) string {
	return "search:" + string(scope) + ":" + string(attr) + ":" + needle
}

func (q *CatalogQuery) cached(ctx context.Context, key string) ([]Book, bool) {
	if q.cache == nil {
		return nil, false
	}
	books, ok, err := q.cache.Get(ctx, key)
	if err != nil {
		q.logger.Warn(logMsgCacheReadFailed, logAttrCacheKey, key, logAttrError, err.Error())
		return nil, false
	}
	return books, ok
}

// Book loads one catalogued title.
func (q *CatalogQuery) Book(ctx context.Context, isbn string) (Book, error) {
	isbn, err := NormalizeISBN(isbn)
	if err != nil {
		return Book{}, err
	}
	return getBook(ctx, q.db.db, isbn)
}

// ListLoans returns the ledger entries in scope, oldest first.
func (q *CatalogQuery) ListLoans(ctx context.Context, scope LoanScope, now time.Time) ([]Loan, error) {
	return listLoans(ctx, q.db.db, scope, now)
}

// DueForUser returns the user's active loans, soonest due first.
func (q *CatalogQuery) DueForUser(ctx context.Context, userID string, now time.Time) ([]DueItem, error) {
	loans, err := activeLoansForUser(ctx, q.db.db, userID)
	if err != nil {
		return nil, err
	}
	return q.dueItems(ctx, loans, now)
}

// Overdue returns every active loan past its due date, oldest due first.
func (q *CatalogQuery) Overdue(ctx context.Context, now time.Time) ([]DueItem, error) {
	loans, err := listOverdue(ctx, q.db.db, now)
	if err != nil {
		return nil, err
	}
	return q.dueItems(ctx, loans, now)
}

func (q *CatalogQuery) dueItems(ctx context.Context, loans []Loan, now time.Time) ([]DueItem, error) {
	items := make([]DueItem, 0, len(loans))
	for _, l := range loans {
		book, err := getBook(ctx, q.db.db, l.ISBN)
		// Active loans of a deleted book cannot exist, but a racing Delete can
		// remove the row between the two reads.
		if errors.Is(err, ErrBookNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, DueItem{Book: book, Loan: l, DaysRemaining: DaysRemaining(l.DueAt, now)})
	}
	return items, nil
}

// RandomBook picks one catalogued title uniformly. It returns nil when the
// catalog is empty.
func (q *CatalogQuery) RandomBook(ctx context.Context) (*Book, error) {
	var b Book
	err := q.db.db.GetContext(ctx, &b, `SELECT `+bookColumns+` FROM books ORDER BY RANDOM() LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("random book: %w", err)
	}
	return &b, nil
}

// ListUsers returns every known borrower ordered by display name.
func (q *CatalogQuery) ListUsers(ctx context.Context) ([]User, error) {
	return listUsers(ctx, q.db.db)
}

// User loads one known borrower.
func (q *CatalogQuery) User(ctx context.Context, userID string) (User, error) {
	return getUser(ctx, q.db.db, userID)
}
