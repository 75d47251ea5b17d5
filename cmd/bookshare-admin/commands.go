package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"bookshare/internal/maintenance"
	"bookshare/pkg/store"
)

// opener connects to the store; close releases it.
type opener func(dsn string) (st store.Store, close func() error, err error)

var errViolations = errors.New("consistency check failed")

func newRootCmd(open opener) *cobra.Command {
	var dsn string
	root := &cobra.Command{
		Use:           "bookshare-admin",
		Short:         "Maintenance tasks for the bookshare database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN (default $DATABASE_URL)")

	withStore := func(fn func(cmd *cobra.Command, st store.Store) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(dsn) == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			st, closeFn, err := open(dsn)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = closeFn() }()
			return fn(cmd, st)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, _ store.Store) error {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}),
	})

	var dryRun bool
	recompute := &cobra.Command{
		Use:   "recompute-ratings",
		Short: "Rebuild owner ratings from reviewed borrow history",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, st store.Store) error {
			changes, err := maintenance.RecomputeRatings(st, dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range changes {
				fmt.Fprintf(out, "%s: %.0f/%d -> %.0f/%d\n", c.UserID, c.OldSum, c.OldCount, c.NewSum, c.NewCount)
			}
			verb := "updated"
			if dryRun {
				verb = "would update"
			}
			fmt.Fprintf(out, "%s %d users\n", verb, len(changes))
			return nil
		}),
	}
	recompute.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing them")
	root.AddCommand(recompute)

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report books whose status, borrower and requests disagree",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, st store.Store) error {
			violations, err := maintenance.Check(st)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range violations {
				fmt.Fprintln(out, v)
			}
			if len(violations) > 0 {
				return fmt.Errorf("%w: %d problems", errViolations, len(violations))
			}
			fmt.Fprintln(out, "ok")
			return nil
		}),
	})
	return root
}
