// Command import_books bulk loads a catalog CSV into the ledger database
// named by config.yml.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"library-ledger/config"
	"library-ledger/library"
)

func main() {
	if err := newImportCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newImportCmd(out io.Writer) *cobra.Command {
	var (
		configPath string
		fresh      bool
	)
	cmd := &cobra.Command{
		Use:           "import_books <catalog.csv>",
		Short:         "Import a catalog CSV into the ledger",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if fresh {
				removeDatabase(out, cfg.Database.Path)
			}
			return importCatalog(cmd.Context(), out, cfg, args[0])
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yml", "path to config.yml")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "delete the existing database first")
	return cmd
}

func removeDatabase(out io.Writer, path string) {
	fmt.Fprintln(out, "Cleaning up existing database files...")
	for _, file := range []string{path, path + "-shm", path + "-wal"} {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(out, "Warning: Could not remove %s: %v\n", file, err)
		}
	}
}

func importCatalog(ctx context.Context, out io.Writer, cfg config.Config, csvPath string) error {
	f, err := os.Open(filepath.Clean(csvPath))
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	records, rejected, err := library.ParseCatalogCSV(f)
	if err != nil {
		return err
	}

	db, err := library.NewDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	mgr, err := library.NewLibraryManager(db, library.Policy{
		LoanPeriodDays: cfg.Loans.Period,
		MaxLoans:       cfg.Loans.Max,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Importing %d books from %s...\n", len(records), csvPath)
	admin := library.Caller{UserID: cfg.Admin.User, DisplayName: cfg.Admin.User, IsAdmin: true}
	report, err := mgr.Import(ctx, admin, records)
	if err != nil {
		return err
	}

	for _, o := range report.Outcomes(rejected...) {
		if o.Stored() {
			fmt.Fprintf(out, "Importing: %s (%s)... SUCCESS\n", o.Title, o.ISBN)
			continue
		}
		fmt.Fprintf(out, "Importing line %d (%s)... ERROR: %s\n", o.Line, o.ISBN, o.Reason)
	}

	fmt.Fprintf(out, "\nImport complete!\n")
	fmt.Fprintf(out, "Successfully imported: %d books\n", len(report.Inserted))
	fmt.Fprintf(out, "Errors: %d books\n", len(rejected)+len(report.Rejected))
	return nil
}
