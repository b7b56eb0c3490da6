package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"library-ledger/library"
)

const annotationPrivileged = "privileged"

// command is one ledger command, shared by the cobra tree and the shell.
type command struct {
	name       string
	args       string
	short      string
	minArgs    int
	maxArgs    int // -1 for unbounded
	privileged bool
	run        func(ctx context.Context, a *app, args []string) error
}

func (c command) usage() string {
	if c.args == "" {
		return c.name
	}
	return c.name + " " + c.args
}

func (c command) checkArgs(args []string) error {
	if len(args) < c.minArgs || (c.maxArgs >= 0 && len(args) > c.maxArgs) {
		return fmt.Errorf("%w: usage: %s", library.ErrValidation, c.usage())
	}
	return nil
}

func (c command) cobra(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   c.usage(),
		Short: c.short,
		Args: func(_ *cobra.Command, args []string) error {
			return c.checkArgs(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), a, args)
		},
	}
	if c.privileged {
		cmd.Annotations = map[string]string{annotationPrivileged: "true"}
	}
	return cmd
}

var commands []command

func init() {
	commands = []command{
		{name: "init", args: "[catalog.csv]", short: "Create the ledger and optionally load a catalog", maxArgs: 1, privileged: true, run: runInit},
		{name: "load", args: "<catalog.csv>", short: "Import books from a catalog CSV", minArgs: 1, maxArgs: 1, privileged: true, run: runLoad},
		{name: "search", args: "<all|available|unavailable> <title|authors|series|isbn|*> [value...]", short: "Search the catalog", minArgs: 2, maxArgs: -1, run: runSearch},
		{name: "book", args: "<isbn>", short: "Show one title", minArgs: 1, maxArgs: 1, run: runBook},
		{name: "borrow", args: "<isbn>", short: "Borrow a copy", minArgs: 1, maxArgs: 1, run: runBorrow},
		{name: "return", args: "<isbn> [user]", short: "Return a copy", minArgs: 1, maxArgs: 2, run: runReturn},
		{name: "due", short: "List your loans and when they are due", run: runDue},
		{name: "surprise", short: "Suggest a random book", run: runSurprise},
		{name: "issue", args: "<text...>", short: "Report a problem to the librarian", minArgs: 1, maxArgs: -1, run: runIssue},
		{name: "about", short: "About this library", run: runAbout},
		{name: "version", short: "Print the version", run: runVersion},
		{name: "renew", args: "<isbn> <user> <days>", short: "Set a loan's due date to days from now", minArgs: 3, maxArgs: 3, privileged: true, run: runRenew},
		{name: "add", args: "<isbn> <copies>", short: "Put copies on the shelf", minArgs: 2, maxArgs: 2, privileged: true, run: runAdd},
		{name: "remove", args: "<isbn> <copies>", short: "Take copies off the shelf", minArgs: 2, maxArgs: 2, privileged: true, run: runRemove},
		{name: "delete", args: "<isbn>", short: "Delete a title, closing its loans", minArgs: 1, maxArgs: 1, privileged: true, run: runDelete},
		{name: "ban", args: "<user>", short: "Stop a user from borrowing", minArgs: 1, maxArgs: 1, privileged: true, run: runBan},
		{name: "unban", args: "<user>", short: "Let a user borrow again", minArgs: 1, maxArgs: 1, privileged: true, run: runUnban},
		{name: "users", short: "List known borrowers", privileged: true, run: runUsers},
		{name: "loans", args: "[all|returned|out|overdue]", short: "List loans", maxArgs: 1, privileged: true, run: runLoans},
		{name: "overdue", short: "List overdue loans and notify the librarian", privileged: true, run: runOverdue},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// ------------------ Catalog ------------------

func runInit(ctx context.Context, a *app, args []string) error {
	v, err := a.db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Ledger ready at %s (schema v%d)\n", a.cfg.Database.Path, v)
	if len(args) == 0 {
		return nil
	}
	return runLoad(ctx, a, args)
}

func runLoad(ctx context.Context, a *app, args []string) error {
	f, err := os.Open(filepath.Clean(args[0]))
	if err != nil {
		return err
	}
	defer f.Close()

	records, rejected, err := library.ParseCatalogCSV(f)
	if err != nil {
		return err
	}
	report, err := a.mgr.Import(ctx, a.caller, records)
	if err != nil {
		return err
	}
	printImportReport(a.out, report, rejected)
	return nil
}

func runSearch(ctx context.Context, a *app, args []string) error {
	scope, err := library.ParseSearchScope(args[0])
	if err != nil {
		return err
	}
	attr, err := library.ParseSearchAttribute(args[1])
	if err != nil {
		return err
	}
	value := strings.Join(args[2:], " ")

	books, err := a.mgr.Search(ctx, a.caller, scope, attr, value)
	if err != nil {
		return err
	}
	if len(books) == 0 {
		fmt.Fprintf(a.out, "No books found matching '%s'.\n", value)
		return nil
	}
	printBooks(a.out, books)
	return nil
}

func runBook(ctx context.Context, a *app, args []string) error {
	book, err := a.mgr.Book(ctx, a.caller, args[0])
	if err != nil {
		return err
	}
	printBookDetail(a.out, book)
	return nil
}

func runSurprise(ctx context.Context, a *app, _ []string) error {
	book, err := a.mgr.Surprise(ctx, a.caller)
	if err != nil {
		return err
	}
	if book == nil {
		fmt.Fprintln(a.out, "The catalog is empty.")
		return nil
	}
	fmt.Fprintln(a.out, "How about this one?")
	printBookDetail(a.out, *book)
	return nil
}

func runAdd(ctx context.Context, a *app, args []string) error {
	n, err := parseCount(args[1])
	if err != nil {
		return err
	}
	book, err := a.mgr.AddCopies(ctx, a.caller, args[0], n)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "'%s' now has %d available.\n", book.Title, book.Available)
	return nil
}

func runRemove(ctx context.Context, a *app, args []string) error {
	n, err := parseCount(args[1])
	if err != nil {
		return err
	}
	book, err := a.mgr.RemoveCopies(ctx, a.caller, args[0], n)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "'%s' now has %d available.\n", book.Title, book.Available)
	return nil
}

func runDelete(ctx context.Context, a *app, args []string) error {
	res, err := a.mgr.Delete(ctx, a.caller, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted '%s'. %d outstanding loan(s) closed.\n", res.Book.Title, res.ForceClosed)
	return nil
}

// ------------------ Circulation ------------------

func runBorrow(ctx context.Context, a *app, args []string) error {
	res, err := a.mgr.Borrow(ctx, a.caller, args[0])
	if res.Welcome {
		fmt.Fprintf(a.out, "Welcome to the library, %s!\n", res.User.DisplayName)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Book '%s' checked out to %s, due %s.\n",
		res.Book.Title, res.User.DisplayName, res.Loan.DueAt.Local().Format(dateLayout))
	if msg := a.cfg.Library.BorrowMessage; msg != "" {
		fmt.Fprintln(a.out, msg)
	}
	return nil
}

func runReturn(ctx context.Context, a *app, args []string) error {
	userID := ""
	if len(args) == 2 {
		userID = args[1]
		if userID != a.caller.UserID {
			if err := a.elevate(); err != nil {
				return err
			}
		}
	}
	loan, err := a.mgr.Return(ctx, a.caller, args[0], userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Book %s returned by %s. Thank you!\n", loan.ISBN, loan.UserID)
	return nil
}

func runRenew(ctx context.Context, a *app, args []string) error {
	days, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("%w: days must be a whole number, got %q", library.ErrValidation, args[2])
	}
	loan, err := a.mgr.Renew(ctx, a.caller, args[0], args[1], days)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Loan of %s to %s now due %s.\n", loan.ISBN, loan.UserID, loan.DueAt.Local().Format(dateLayout))
	return nil
}

func runDue(ctx context.Context, a *app, _ []string) error {
	items, err := a.mgr.Due(ctx, a.caller)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(a.out, "You have no books checked out.")
		return nil
	}
	printDue(a.out, items)
	return nil
}

func runOverdue(ctx context.Context, a *app, _ []string) error {
	items, err := a.mgr.SweepOverdue(ctx, a.caller)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(a.out, "Nothing is overdue.")
		return nil
	}
	printDue(a.out, items)
	return nil
}

func runLoans(ctx context.Context, a *app, args []string) error {
	raw := ""
	if len(args) == 1 {
		raw = args[0]
	}
	scope, err := library.ParseLoanScope(raw)
	if err != nil {
		return err
	}
	loans, err := a.mgr.Loans(ctx, a.caller, scope)
	if err != nil {
		return err
	}
	if len(loans) == 0 {
		fmt.Fprintln(a.out, "No loans.")
		return nil
	}
	printLoans(a.out, loans)
	return nil
}

// ------------------ Users ------------------

func runBan(ctx context.Context, a *app, args []string) error {
	u, err := a.mgr.Ban(ctx, a.caller, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s is banned from borrowing.\n", u.DisplayName)
	return nil
}

func runUnban(ctx context.Context, a *app, args []string) error {
	u, err := a.mgr.Unban(ctx, a.caller, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s may borrow again.\n", u.DisplayName)
	return nil
}

func runUsers(ctx context.Context, a *app, _ []string) error {
	users, err := a.mgr.Users(ctx, a.caller)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(a.out, "No users yet.")
		return nil
	}
	printUsers(a.out, users)
	return nil
}

// ------------------ Misc ------------------

func runIssue(ctx context.Context, a *app, args []string) error {
	if err := a.mgr.ReportIssue(ctx, a.caller, strings.Join(args, " ")); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Thanks, the librarian has been told.")
	return nil
}

func runAbout(_ context.Context, a *app, _ []string) error {
	fmt.Fprintln(a.out, a.cfg.Library.About)
	p := a.mgr.Policy()
	fmt.Fprintf(a.out, "Loans last %d days; up to %d at a time.\n", p.LoanPeriodDays, p.MaxLoans)
	return nil
}

func runVersion(_ context.Context, a *app, _ []string) error {
	fmt.Fprintf(a.out, "library-ledger %s\n", version)
	return nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: copies must be a whole number, got %q", library.ErrValidation, s)
	}
	return n, nil
}
