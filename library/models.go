package library

import (
	"cmp"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// Book is a catalog title and how many of its copies are on the shelf.
// Series and Location are empty when unknown.
type Book struct {
	ISBN      string `db:"isbn" json:"isbn"`
	Title     string `db:"title" json:"title"`
	Binding   string `db:"binding" json:"binding"`
	Authors   string `db:"authors" json:"authors"`
	Series    string `db:"series" json:"series,omitempty"`
	Location  string `db:"location" json:"location,omitempty"`
	Available int    `db:"available" json:"available"`
}

// User is a borrower known to the ledger. DisplayName is captured on first
// contact and never refreshed.
type User struct {
	UserID      string `db:"user_id" json:"user_id"`
	DisplayName string `db:"display_name" json:"display_name"`
	Banned      bool   `db:"banned" json:"banned"`
}

// Loan is one borrowing of one copy. Loans are never deleted.
type Loan struct {
	ID         int64      `json:"id"`
	ISBN       string     `json:"isbn"`
	UserID     string     `json:"user_id"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	Returned   bool       `json:"returned"`
}

// Active reports whether the loan still holds a copy.
func (l Loan) Active() bool { return !l.Returned }

// loanRow mirrors the loans table. Timestamps are UTC unix nanoseconds.
type loanRow struct {
	ID         int64         `db:"id"`
	ISBN       string        `db:"isbn"`
	UserID     string        `db:"user_id"`
	BorrowedAt int64         `db:"borrowed_at"`
	DueAt      int64         `db:"due_at"`
	ReturnedAt sql.NullInt64 `db:"returned_at"`
	Returned   bool          `db:"returned"`
}

func (r loanRow) toLoan() Loan {
	l := Loan{
		ID:         r.ID,
		ISBN:       r.ISBN,
		UserID:     r.UserID,
		BorrowedAt: fromNanos(r.BorrowedAt),
		DueAt:      fromNanos(r.DueAt),
		Returned:   r.Returned,
	}
	if r.ReturnedAt.Valid {
		t := fromNanos(r.ReturnedAt.Int64)
		l.ReturnedAt = &t
	}
	return l
}

func toLoans(rows []loanRow) []Loan {
	loans := make([]Loan, 0, len(rows))
	for _, r := range rows {
		loans = append(loans, r.toLoan())
	}
	return loans
}

func toNanos(t time.Time) int64   { return t.UTC().UnixNano() }
func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// Policy holds the lending limits supplied by configuration.
type Policy struct {
	LoanPeriodDays int
	MaxLoans       int
}

// Validate checks both limits are at least one.
func (p Policy) Validate() error {
	if p.LoanPeriodDays < 1 {
		return fmt.Errorf("%w: loan period must be at least 1 day, got %d", ErrValidation, p.LoanPeriodDays)
	}
	if p.MaxLoans < 1 {
		return fmt.Errorf("%w: max loans must be at least 1, got %d", ErrValidation, p.MaxLoans)
	}
	return nil
}

func (p Policy) loanPeriod() time.Duration {
	return time.Duration(p.LoanPeriodDays) * day
}

const day = 24 * time.Hour

// BorrowResult is the outcome of a successful Borrow.
type BorrowResult struct {
	Loan    Loan
	Book    Book
	User    User
	Welcome bool
	Events  []Event
}

// DeleteResult is the outcome of a successful Delete.
type DeleteResult struct {
	Book        Book
	ForceClosed int
}

// DueItem is one of a user's active loans with its countdown.
type DueItem struct {
	Book          Book
	Loan          Loan
	DaysRemaining int
}

// Overdue reports whether the loan is past its due day.
func (d DueItem) Overdue() bool { return d.DaysRemaining <= 0 }

// DaysRemaining counts whole days until due, rounding down, plus one: a loan
// due right now still has one day left and a loan due a day ago has none.
func DaysRemaining(dueAt, now time.Time) int {
	d := dueAt.Sub(now)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days + 1
}

// ImportRecord is one candidate row of a bulk catalog import.
type ImportRecord struct {
	Line      int
	ISBN      string
	Title     string
	Binding   string
	Authors   string
	Series    string
	Location  string
	Available int
}

// Rejection explains why an import record was not stored.
type Rejection struct {
	Line   int    `json:"line"`
	ISBN   string `json:"isbn"`
	Reason string `json:"reason"`
}

// Imported identifies the record a stored book came from.
type Imported struct {
	Line  int    `json:"line"`
	ISBN  string `json:"isbn"`
	Title string `json:"title"`
}

// ImportReport lists the outcome of every record in a batch.
type ImportReport struct {
	Inserted []Imported  `json:"inserted"`
	Rejected []Rejection `json:"rejected"`
}

// InsertedISBNs returns the normalized ISBNs stored, in record order.
func (r ImportReport) InsertedISBNs() []string {
	isbns := make([]string, 0, len(r.Inserted))
	for _, in := range r.Inserted {
		isbns = append(isbns, in.ISBN)
	}
	return isbns
}

// ImportOutcome is the fate of one input line. Reason is empty when the
// record was stored.
type ImportOutcome struct {
	Line   int
	ISBN   string
	Title  string
	Reason string
}

func (o ImportOutcome) Stored() bool { return o.Reason == "" }

// Outcomes merges stored and rejected records, plus any rejections made
// before the batch reached the ledger, into line order.
func (r ImportReport) Outcomes(earlier ...Rejection) []ImportOutcome {
	out := make([]ImportOutcome, 0, len(r.Inserted)+len(r.Rejected)+len(earlier))
	for _, in := range r.Inserted {
		out = append(out, ImportOutcome{Line: in.Line, ISBN: in.ISBN, Title: in.Title})
	}
	for _, rejected := range [][]Rejection{earlier, r.Rejected} {
		for _, rej := range rejected {
			out = append(out, ImportOutcome{Line: rej.Line, ISBN: rej.ISBN, Reason: rej.Reason})
		}
	}
	slices.SortStableFunc(out, func(a, b ImportOutcome) int { return cmp.Compare(a.Line, b.Line) })
	return out
}
