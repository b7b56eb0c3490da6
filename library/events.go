package library

import (
	"context"
	"time"
)

// Event type identifiers.
const (
	WelcomeEventType           = "Welcome"
	NewLoanNoticeEventType     = "NewLoanNotice"
	AuthFailureNoticeEventType = "AuthFailureNotice"
	OverdueNoticeEventType     = "OverdueNotice"
	IssueReportEventType       = "IssueReport"
)

// Event is plain data handed to a Notifier. Rendering it for humans is the
// notifier's job.
type Event interface {
	EventType() string
}

// Notifier receives events once the transaction that produced them has
// committed.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Welcome is raised the first time a user borrows.
type Welcome struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// EventType returns the event type identifier.
func (Welcome) EventType() string { return WelcomeEventType }

// NewLoanNotice tells the administrator a copy went out.
type NewLoanNotice struct {
	LoanID      int64     `json:"loan_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	DueAt       time.Time `json:"due_at"`
}

// EventType returns the event type identifier.
func (NewLoanNotice) EventType() string { return NewLoanNoticeEventType }

// AuthFailureNotice reports a privileged command from a non-admin caller.
type AuthFailureNotice struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Operation   string `json:"operation"`
}

// EventType returns the event type identifier.
func (AuthFailureNotice) EventType() string { return AuthFailureNoticeEventType }

// OverdueNotice flags an active loan past its due day.
type OverdueNotice struct {
	LoanID      int64     `json:"loan_id"`
	UserID      string    `json:"user_id"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	DueAt       time.Time `json:"due_at"`
	DaysOverdue int       `json:"days_overdue"`
}

// EventType returns the event type identifier.
func (OverdueNotice) EventType() string { return OverdueNoticeEventType }

// IssueReport forwards a free-text problem report to the administrator.
type IssueReport struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
}

// EventType returns the event type identifier.
func (IssueReport) EventType() string { return IssueReportEventType }

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, Event) error { return nil }
