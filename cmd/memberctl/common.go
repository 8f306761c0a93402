package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/GoCodeAlone/membership/config"
	"github.com/GoCodeAlone/membership/store"
)

// dbFlags are the connection options shared by commands that open the
// database.
type dbFlags struct {
	config *string
	env    *string
	driver *string
	dsn    *string
}

func addDBFlags(fs *flag.FlagSet) *dbFlags {
	return &dbFlags{
		config: fs.String("config", "", "Path to membership configuration YAML file"),
		env:    fs.String("env", ".env", "Path to a .env file loaded before the config"),
		driver: fs.String("driver", "", "Database driver, sqlite or pgx (overrides database.driver)"),
		dsn:    fs.String("dsn", "", "Database DSN (overrides database.dsn)"),
	}
}

func (f *dbFlags) load() (*config.Config, error) {
	if err := config.LoadEnv(*f.env); err != nil {
		return nil, err
	}
	cfg := config.Default()
	if *f.config != "" {
		var err error
		if cfg, err = config.Load(*f.config); err != nil {
			return nil, err
		}
	}
	if *f.driver != "" {
		cfg.Database.Driver = *f.driver
	}
	if *f.dsn != "" {
		cfg.Database.DSN = *f.dsn
	}
	return cfg, nil
}

func (f *dbFlags) open(ctx context.Context) (*config.Config, *store.DB, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
