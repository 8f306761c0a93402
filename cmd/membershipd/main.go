package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/membership/app"
	"github.com/GoCodeAlone/membership/config"
)

var (
	configFile = flag.String("config", "", "Path to membership configuration YAML file")
	envFile    = flag.String("env", ".env", "Path to a .env file loaded before the config")
	addr       = flag.String("addr", "", "HTTP listen address (overrides http.addr)")
)

// envOrFlag returns the environment variable value if set, otherwise the
// flag value.
func envOrFlag(envKey string, flagVal *string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if flagVal != nil {
		return *flagVal
	}
	return ""
}

// applyEnvOverrides lets MEMBERSHIP_* variables stand in for flags that were
// not given on the command line.
func applyEnvOverrides() {
	if *configFile == "" {
		*configFile = envOrFlag("MEMBERSHIP_CONFIG", configFile)
	}
	if *addr == "" {
		*addr = envOrFlag("MEMBERSHIP_ADDR", addr)
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(*envFile); err != nil {
		return nil, err
	}
	applyEnvOverrides()
	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, level := cfg.Log.NewDynamicLogger(os.Stdout)
	if *configFile == "" {
		logger.Info("No config file specified, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	a.LogLevel = level

	if cfg.Reload.Watch && *configFile != "" {
		if _, err := a.WatchConfig(*configFile); err != nil {
			log.Fatalf("Failed to watch configuration: %v", err)
		}
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	if cfg.Renewal.Enabled {
		a.Scheduler.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("Shutting down...")
		a.Scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	fmt.Printf("Membership server started on %s\n", cfg.HTTP.Addr)

	exitCode := 0
	if err := g.Wait(); err != nil {
		log.Printf("HTTP server error: %v", err)
		exitCode = 1
	}
	if err := a.Close(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	fmt.Println("Shutdown complete")
	os.Exit(exitCode)
}
