package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/GoCodeAlone/membership/app"
	"github.com/GoCodeAlone/membership/scheduler"
)

func runRenew(args []string) error {
	fs := flag.NewFlagSet("renew", flag.ContinueOnError)
	db := addDBFlags(fs)
	nowFlag := fs.String("now", "", "Evaluate due dates as of this RFC3339 time (default: current time)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Abort the check after this long")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: memberctl renew [options]

Run one renewal check: charge due recurring subscriptions and expire
elapsed ones. The check holds the same lock as the daemon's scheduler, so
it is skipped while another check is running.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	var now time.Time
	if *nowFlag != "" {
		t, err := time.Parse(time.RFC3339, *nowFlag)
		if err != nil {
			return fmt.Errorf("invalid --now %q: %w", *nowFlag, err)
		}
		now = t
	}

	cfg, err := db.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, cliLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	rec := a.Scheduler.RunNow(ctx, now)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}

	switch rec.Status {
	case scheduler.RunStatusFailed:
		return fmt.Errorf("renewal check failed: %s", rec.Error)
	case scheduler.RunStatusSkipped:
		return fmt.Errorf("renewal check skipped: another check holds the lock")
	}
	return nil
}
