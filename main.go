package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"library-ledger/cache"
	"library-ledger/config"
	"library-ledger/library"
	"library-ledger/notify"
	"library-ledger/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	logMsgAMQPUnavailable  = "rabbitmq unavailable, events go to the log only"
	logMsgRedisUnavailable = "redis unavailable, searching without cache"
	logMsgCloseFailed      = "shutdown step failed"
	logAttrError           = "error"
	logAttrAddr            = "addr"
)

// app holds everything a command needs once the ledger is open.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *library.Database
	mgr      *library.LibraryManager
	caller   library.Caller
	elevated bool
	out      io.Writer
	closers  []func(context.Context) error

	// read a passphrase without echo; replaced in tests
	readSecret func(prompt string) (string, error)
}

// readPassword securely reads a password with masking
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

func main() {
	a := &app{out: os.Stdout, readSecret: readPassword}
	err := newRootCmd(a).Execute()
	if cerr := a.close(context.Background()); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var (
		configPath string
		asUser     string
		asName     string
	)

	root := &cobra.Command{
		Use:           "library",
		Short:         "Lending ledger for a small physical book collection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd.Context(), configPath); err != nil {
				return err
			}
			a.caller = library.Caller{UserID: asUser, DisplayName: asName}
			if a.caller.DisplayName == "" {
				a.caller.DisplayName = a.caller.UserID
			}
			if cmd.Annotations[annotationPrivileged] == "true" {
				return a.elevate()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to config.yml")
	root.PersistentFlags().StringVar(&asUser, "as", defaultUser(), "user id issuing the command")
	root.PersistentFlags().StringVar(&asName, "name", "", "display name recorded on first borrow")

	for _, c := range commands {
		root.AddCommand(c.cobra(a))
	}
	root.AddCommand(newShellCmd(a))
	return root
}

func defaultUser() string {
	if v := os.Getenv("LIBRARY_USER"); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "anonymous"
}

// open loads configuration and wires the ledger. Calling it twice is a no-op.
func (a *app) open(ctx context.Context, configPath string) error {
	if a.mgr != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, os.Stderr)

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, providers.Shutdown)

	db, err := library.NewDatabase(cfg.Database.Path, library.WithDatabaseLogger(a.logger))
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	routing := notify.Routing{AdminChannel: cfg.Notify.AdminChannel, AnnounceChannel: cfg.Notify.AnnounceChannel}
	notifier := notify.Fanout{notify.NewLogger(a.logger, routing)}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Queue, routing, cfg.Notify.PublishTimeout)
		if err != nil {
			a.logger.Warn(logMsgAMQPUnavailable, logAttrError, err.Error())
		} else {
			notifier = append(notifier, pub)
			a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		}
	}

	opts := []library.ManagerOption{
		library.WithNotifier(notifier),
		library.WithLogger(a.logger),
		library.WithWorkers(cfg.Limits.Workers),
		library.WithRateLimit(cfg.Limits.CommandsPerMinute, cfg.Limits.Burst),
	}
	if cfg.Cache.RedisAddr != "" {
		client := cache.NewRedisClient(ctx, cache.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if client == nil {
			a.logger.Warn(logMsgRedisUnavailable, logAttrAddr, cfg.Cache.RedisAddr)
		} else {
			sc := cache.NewSearchCache(client, cfg.Cache.TTL, cfg.Cache.Prefix)
			opts = append(opts, library.WithCache(sc))
			a.closers = append(a.closers, func(context.Context) error { return sc.Close() })
		}
	}

	mgr, err := library.NewLibraryManager(db, library.Policy{
		LoanPeriodDays: cfg.Loans.Period,
		MaxLoans:       cfg.Loans.Max,
	}, opts...)
	if err != nil {
		return err
	}
	a.mgr = mgr
	return nil
}

// close runs the shutdown steps in reverse order of setup.
func (a *app) close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn(logMsgCloseFailed, logAttrError, err.Error())
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.mgr = nil
	return errors.Join(errs...)
}

// elevate marks the caller as administrator when they are the configured
// admin and, if a passphrase hash is configured, type the passphrase.
// Anyone else stays unprivileged and the ledger refuses the command.
func (a *app) elevate() error {
	if a.caller.UserID != a.cfg.Admin.User {
		return nil
	}
	if a.elevated {
		a.caller.IsAdmin = true
		return nil
	}
	if hash := a.cfg.Admin.PassphraseHash; hash != "" {
		pass, err := a.readSecret("Admin passphrase: ")
		if err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
			return fmt.Errorf("%w: wrong passphrase", library.ErrUnauthorized)
		}
	}
	a.elevated = true
	a.caller.IsAdmin = true
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
