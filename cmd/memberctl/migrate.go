package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/GoCodeAlone/membership/migration"
	"github.com/GoCodeAlone/membership/store"
)

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	db := addDBFlags(fs)
	to := fs.String("to", "", "Target version for rollback (empty rolls back everything)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: memberctl migrate <subcommand> [options]

Manage database schema migrations.

Subcommands:
  status    Show the current version, pending steps and history
  apply     Apply pending migrations
  rollback  Roll back to --to (exclusive of later versions)

Examples:
  memberctl migrate status --dsn membership.db
  memberctl migrate apply --config membership.yaml
  memberctl migrate rollback --to 1.2.0 --dsn membership.db

Options:
`)
		fs.PrintDefaults()
	}

	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("subcommand required: status, apply, or rollback")
	}

	subcmd := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, d, err := db.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	mgr, err := store.NewMigrator(ctx, d, cliLogger())
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}

	switch subcmd {
	case "status":
		return migrateStatus(ctx, mgr)
	case "apply":
		return migrateApply(ctx, mgr)
	case "rollback":
		return migrateRollback(ctx, mgr, *to)
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand: %s", subcmd)
	}
}

func migrateStatus(ctx context.Context, mgr *migration.Manager) error {
	status, err := mgr.Status(ctx)
	if err != nil {
		return err
	}

	current := status.Current
	if current == "" {
		current = "(none)"
	}
	fmt.Fprintf(stdout, "Current version: %s\n", current)
	fmt.Fprintf(stdout, "Latest version:  %s\n", status.Latest)

	if len(status.History) > 0 {
		fmt.Fprintln(stdout, "\nHistory:")
		for _, e := range status.History {
			fmt.Fprintf(stdout, "  %-8s %-4s %s  checksum=%s  %s\n",
				e.Version, e.Direction, e.AppliedAt.Format(time.RFC3339), e.Checksum, e.Description)
		}
	}

	if len(status.Pending) > 0 {
		fmt.Fprintf(stdout, "\nPending: %d migration(s)\n", len(status.Pending))
		for _, m := range status.Pending {
			fmt.Fprintf(stdout, "  %s: %s\n", m.Version, m.Description)
		}
	} else {
		fmt.Fprintln(stdout, "\nSchema up to date.")
	}
	return nil
}

func migrateApply(ctx context.Context, mgr *migration.Manager) error {
	applied, err := mgr.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) == 0 {
		fmt.Fprintln(stdout, "No pending migrations.")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(stdout, "  applied %s\n", v)
	}
	fmt.Fprintf(stdout, "Applied %d migration(s).\n", len(applied))
	return nil
}

func migrateRollback(ctx context.Context, mgr *migration.Manager, target string) error {
	reverted, err := mgr.Rollback(ctx, target)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if len(reverted) == 0 {
		fmt.Fprintln(stdout, "Nothing to roll back.")
		return nil
	}
	for _, v := range reverted {
		fmt.Fprintf(stdout, "  reverted %s\n", v)
	}
	fmt.Fprintf(stdout, "Rolled back %d migration(s).\n", len(reverted))
	return nil
}
