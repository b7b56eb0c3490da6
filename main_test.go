package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"library-ledger/config"
	"library-ledger/library"
)

const (
	isbnDune   = "9780441172719"
	isbnHobbit = "9780261102385"
	librarian  = "librarian"
)

const testCatalog = `Title,Binding,Authors,Series,Available,ISBN,Location
Dune,Paperback,Frank Herbert,Dune,1,9780441172719,A1
The Hobbit,Hardcover,J.R.R. Tolkien,,2,9780261102385,B2
`

type testLedger struct {
	dir     string
	cfgPath string
	csvPath string
	out     *bytes.Buffer
	app     *app
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{"LIBRARY_DB", "LIBRARY_ADMIN_USER", "LIBRARY_ADMIN_PASSPHRASE_HASH", "RABBITMQ_URL", "REDIS_ADDR", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(k, "")
	}

	cfg := fmt.Sprintf(`database:
  path: %s
admin:
  user: %s
loans:
  period: 14
  max: 2
limits:
  commands_per_minute: 0
log:
  level: error
`, filepath.Join(dir, "ledger.db"), librarian)

	l := &testLedger{
		dir:     dir,
		cfgPath: filepath.Join(dir, "config.yml"),
		csvPath: filepath.Join(dir, "catalog.csv"),
		out:     &bytes.Buffer{},
	}
	require.NoError(t, os.WriteFile(l.cfgPath, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(l.csvPath, []byte(testCatalog), 0o600))
	l.app = &app{out: l.out, readSecret: func(string) (string, error) {
		return "", errors.New("no terminal in tests")
	}}
	return l
}

// run executes one CLI invocation and returns what it printed.
func (l *testLedger) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	l.out.Reset()
	root := newRootCmd(l.app)
	root.SetArgs(append([]string{"--config", l.cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	require.NoError(t, l.app.close(context.Background()))
	return l.out.String(), err
}

func TestCLILendingRoundTrip(t *testing.T) {
	l := newTestLedger(t)

	out, err := l.run(t, "--as", librarian, "load", l.csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Importing "+isbnDune+"... SUCCESS")
	assert.Contains(t, out, "2 added, 0 rejected")

	out, err = l.run(t, "--as", "alice", "--name", "Alice", "borrow", isbnDune)
	require.NoError(t, err)
	assert.Contains(t, out, "Welcome to the library, Alice!")
	assert.Contains(t, out, "Book 'Dune' checked out to Alice")

	out, err = l.run(t, "--as", "bob", "borrow", isbnDune)
	require.ErrorIs(t, err, library.ErrUnavailable)
	assert.Contains(t, out, "Welcome to the library, bob!")

	out, err = l.run(t, "--as", "alice", "due")
	require.NoError(t, err)
	assert.Contains(t, out, "Dune")
	assert.Regexp(t, `1[45] day\(s\) left`, out)

	out, err = l.run(t, "--as", "alice", "search", "unavailable", "*")
	require.NoError(t, err)
	assert.Contains(t, out, isbnDune)
	assert.NotContains(t, out, isbnHobbit)

	out, err = l.run(t, "--as", "alice", "return", "978-0-441-17271-9")
	require.NoError(t, err)
	assert.Contains(t, out, "returned by alice")

	out, err = l.run(t, "--as", "alice", "search", "available", "authors", "herbert")
	require.NoError(t, err)
	assert.Contains(t, out, "Dune")
}

func TestCLIPrivilegedCommandsNeedTheLibrarian(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.run(t, "--as", librarian, "load", l.csvPath)
	require.NoError(t, err)

	_, err = l.run(t, "--as", "alice", "ban", "bob")
	require.ErrorIs(t, err, library.ErrUnauthorized)

	_, err = l.run(t, "--as", "alice", "add", isbnDune, "2")
	require.ErrorIs(t, err, library.ErrUnauthorized)

	out, err := l.run(t, "--as", librarian, "add", isbnDune, "2")
	require.NoError(t, err)
	assert.Contains(t, out, "'Dune' now has 3 available.")
}

func TestCLIReturnForAnotherUser(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.run(t, "--as", librarian, "load", l.csvPath)
	require.NoError(t, err)
	_, err = l.run(t, "--as", "alice", "borrow", isbnHobbit)
	require.NoError(t, err)

	_, err = l.run(t, "--as", "bob", "return", isbnHobbit, "alice")
	require.ErrorIs(t, err, library.ErrUnauthorized)

	out, err := l.run(t, "--as", librarian, "return", isbnHobbit, "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "returned by alice")
}

func TestCLIRejectsBadArguments(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.run(t, "--as", "alice", "borrow")
	require.ErrorIs(t, err, library.ErrValidation)

	_, err = l.run(t, "--as", librarian, "add", isbnDune, "lots")
	require.ErrorIs(t, err, library.ErrValidation)

	_, err = l.run(t, "--as", "alice", "search", "everywhere", "title", "dune")
	require.ErrorIs(t, err, library.ErrValidation)
}

func TestShellDispatchesCommands(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.run(t, "--as", librarian, "load", l.csvPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.app.open(ctx, l.cfgPath))
	t.Cleanup(func() { l.app.close(ctx) })
	l.app.caller = library.Caller{UserID: "alice", DisplayName: "Alice"}
	l.out.Reset()

	script := strings.Join([]string{
		"",
		"bogus",
		"borrow " + isbnHobbit,
		"ban bob",
		"book " + isbnHobbit,
		"exit",
		"surprise",
	}, "\n")
	require.NoError(t, l.app.shell(ctx, strings.NewReader(script)))

	out := l.out.String()
	assert.Contains(t, out, "Unknown command.")
	assert.Contains(t, out, "Book 'The Hobbit' checked out to Alice")
	assert.Contains(t, out, "Error: only the librarian can do that")
	assert.Contains(t, out, "1 available")
	assert.Contains(t, out, "Goodbye!")
	assert.NotContains(t, out, "How about this one?")
}

func TestElevateChecksPassphrase(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open sesame"), bcrypt.MinCost)
	require.NoError(t, err)

	newApp := func(typed string) *app {
		return &app{
			cfg:    config.Config{Admin: config.AdminConfig{User: librarian, PassphraseHash: string(hash)}},
			caller: library.Caller{UserID: librarian},
			readSecret: func(string) (string, error) {
				return typed, nil
			},
		}
	}

	a := newApp("open sesame")
	require.NoError(t, a.elevate())
	assert.True(t, a.caller.IsAdmin)

	a.caller = library.Caller{UserID: librarian}
	a.readSecret = func(string) (string, error) { return "", errors.New("should not prompt twice") }
	require.NoError(t, a.elevate())
	assert.True(t, a.caller.IsAdmin)

	a = newApp("wrong")
	require.ErrorIs(t, a.elevate(), library.ErrUnauthorized)
	assert.False(t, a.caller.IsAdmin)

	a = newApp("open sesame")
	a.caller.UserID = "alice"
	require.NoError(t, a.elevate())
	assert.False(t, a.caller.IsAdmin)
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("borrow: %w", library.ErrBookNotFound), "that ISBN is not in the catalog"},
		{fmt.Errorf("return: %w", library.ErrNoActiveLoan), "there is no open loan for that book and user"},
		{library.ErrLoanLimitExceeded, "you have reached your loan limit, return something first"},
		{fmt.Errorf("ban: %w", library.ErrUnauthorized), "only the librarian can do that"},
		{library.ErrNotFound, "not found"},
		{errors.New("disk on fire"), "disk on fire"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeError(tt.err))
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "Dune", truncateString("Dune", 10))
	assert.Equal(t, "The Ho...", truncateString("The Hobbit, or There and Back Again", 9))
	assert.Equal(t, "Les Misé...", truncateString("Les Misérables", 11))
	assert.Equal(t, "東京物語", truncateString("東京物語", 4))
}
