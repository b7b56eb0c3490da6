package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"library-ledger/library"
)

const dateLayout = "Mon Jan 2 2006"

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run commands interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.shell(cmd.Context(), os.Stdin)
		},
	}
}

func (a *app) shell(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)

	fmt.Fprintf(a.out, "Welcome to the library, %s!\n", a.caller.DisplayName)
	fmt.Fprintln(a.out, "Available commands:")
	fmt.Fprintln(a.out, "  Books: search, book, borrow, return, due, surprise")
	fmt.Fprintln(a.out, "  Librarian: load, add, remove, delete, renew, ban, unban, users, loans, overdue")
	fmt.Fprintln(a.out, "  Other: about, issue, help, exit")

	for {
		fmt.Fprint(a.out, "\n> ")
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "exit", "quit":
			fmt.Fprintln(a.out, "Goodbye!")
			return nil
		case "help":
			a.printHelp()
			continue
		}

		c, ok := lookupCommand(fields[0])
		if !ok {
			fmt.Fprintln(a.out, "Unknown command. Type 'help' for the list.")
			continue
		}
		if err := a.dispatch(ctx, c, fields[1:]); err != nil {
			fmt.Fprintf(a.out, "Error: %s\n", describeError(err))
		}
	}
	return scanner.Err()
}

func (a *app) dispatch(ctx context.Context, c command, args []string) error {
	if err := c.checkArgs(args); err != nil {
		return err
	}
	if c.privileged {
		if err := a.elevate(); err != nil {
			return err
		}
	}
	return c.run(ctx, a, args)
}

func (a *app) printHelp() {
	for _, c := range commands {
		fmt.Fprintf(a.out, "  %-70s %s\n", truncateString(c.usage(), 70), c.short)
	}
}

// describeError turns ledger errors into something a borrower can act on.
func describeError(err error) string {
	switch {
	case errors.Is(err, library.ErrBookNotFound):
		return "that ISBN is not in the catalog"
	case errors.Is(err, library.ErrNoActiveLoan):
		return "there is no open loan for that book and user"
	case errors.Is(err, library.ErrBanned):
		return "you are not allowed to borrow books"
	case errors.Is(err, library.ErrDuplicateLoan):
		return "you already have a copy of this book"
	case errors.Is(err, library.ErrLoanLimitExceeded):
		return "you have reached your loan limit, return something first"
	case errors.Is(err, library.ErrUnavailable):
		return "all copies are checked out"
	case errors.Is(err, library.ErrUnauthorized):
		return "only the librarian can do that"
	case errors.Is(err, library.ErrRateLimited):
		return "too many commands, slow down a little"
	case errors.Is(err, library.ErrNotFound):
		return "not found"
	default:
		return err.Error()
	}
}

// ------------------ Rendering ------------------

func printBooks(w io.Writer, books []library.Book) {
	fmt.Fprintf(w, "%-14s %-35s %-25s %-20s %s\n", "ISBN", "Title", "Authors", "Series", "Available")
	fmt.Fprintln(w, strings.Repeat("-", 105))
	for _, b := range books {
		fmt.Fprintf(w, "%-14s %-35s %-25s %-20s %d\n",
			b.ISBN,
			truncateString(b.Title, 35),
			truncateString(b.Authors, 25),
			truncateString(b.Series, 20),
			b.Available,
		)
	}
}

func printBookDetail(w io.Writer, b library.Book) {
	fmt.Fprintf(w, "%s\n", b.Title)
	fmt.Fprintf(w, "  by %s\n", b.Authors)
	if b.Series != "" {
		fmt.Fprintf(w, "  series: %s\n", b.Series)
	}
	fmt.Fprintf(w, "  ISBN %s, %s\n", b.ISBN, b.Binding)
	if b.Location != "" {
		fmt.Fprintf(w, "  shelf: %s\n", b.Location)
	}
	fmt.Fprintf(w, "  %d available\n", b.Available)
}

func printDue(w io.Writer, items []library.DueItem) {
	fmt.Fprintf(w, "%-14s %-35s %-15s %-16s %s\n", "ISBN", "Title", "Borrower", "Due", "Status")
	for _, it := range items {
		status := fmt.Sprintf("%d day(s) left", it.DaysRemaining)
		if it.Overdue() {
			status = fmt.Sprintf("OVERDUE by %d day(s)", 1-it.DaysRemaining)
		}
		fmt.Fprintf(w, "%-14s %-35s %-15s %-16s %s\n",
			it.Book.ISBN,
			truncateString(it.Book.Title, 35),
			truncateString(it.Loan.UserID, 15),
			it.Loan.DueAt.Local().Format(dateLayout),
			status,
		)
	}
}

func printLoans(w io.Writer, loans []library.Loan) {
	fmt.Fprintf(w, "%-6s %-14s %-15s %-16s %-16s %s\n", "ID", "ISBN", "User", "Borrowed", "Due", "Returned")
	for _, l := range loans {
		returned := "-"
		if l.ReturnedAt != nil {
			returned = l.ReturnedAt.Local().Format(dateLayout)
		}
		fmt.Fprintf(w, "%-6d %-14s %-15s %-16s %-16s %s\n",
			l.ID,
			l.ISBN,
			truncateString(l.UserID, 15),
			l.BorrowedAt.Local().Format(dateLayout),
			l.DueAt.Local().Format(dateLayout),
			returned,
		)
	}
}

func printUsers(w io.Writer, users []library.User) {
	fmt.Fprintf(w, "%-20s %-30s %s\n", "User", "Name", "Banned")
	for _, u := range users {
		fmt.Fprintf(w, "%-20s %-30s %t\n", truncateString(u.UserID, 20), truncateString(u.DisplayName, 30), u.Banned)
	}
}

func printImportReport(w io.Writer, r library.ImportReport, earlier []library.Rejection) {
	for _, o := range r.Outcomes(earlier...) {
		if o.Stored() {
			fmt.Fprintf(w, "Importing %s... SUCCESS\n", o.ISBN)
			continue
		}
		fmt.Fprintf(w, "Importing line %d (%s)... ERROR: %s\n", o.Line, o.ISBN, o.Reason)
	}
	fmt.Fprintf(w, "\nImport complete: %d added, %d rejected.\n", len(r.Inserted), len(r.Rejected)+len(earlier))
}

func truncateString(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	return string(runes[:maxLength-3]) + "..."
}
