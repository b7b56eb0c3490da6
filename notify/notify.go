package notify

import (
	"context"
	"errors"
	"log/slog"

	"library-ledger/library"
)

// Logger writes every event to a slog.Logger. It is the notifier used when
// no broker is configured.
type Logger struct {
	log     *slog.Logger
	routing Routing
}

func NewLogger(log *slog.Logger, routing Routing) *Logger {
	return &Logger{log: log, routing: routing}
}

// Notify logs e at info level, or warn for auth failures and overdue loans.
func (l *Logger) Notify(ctx context.Context, e library.Event) error {
	level := slog.LevelInfo
	switch e.(type) {
	case library.AuthFailureNotice, library.OverdueNotice:
		level = slog.LevelWarn
	}
	channel := l.routing.AdminChannel
	if AudienceOf(e) == AudienceAnnounce {
		channel = l.routing.AnnounceChannel
	}
	l.log.Log(ctx, level, "event",
		slog.String("type", e.EventType()),
		slog.String("audience", string(AudienceOf(e))),
		slog.String("channel", channel),
		slog.Any("payload", e),
	)
	return nil
}

// Fanout hands each event to every notifier and reports all failures.
type Fanout []library.Notifier

func (f Fanout) Notify(ctx context.Context, e library.Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
