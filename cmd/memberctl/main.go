package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

var commands = map[string]func([]string) error{
	"migrate": runMigrate,
	"renew":   runRenew,
	"config":  runConfig,
	"token":   runToken,
}

func usage() {
	fmt.Fprintf(os.Stderr, `memberctl - membership billing admin CLI (version %s)

Usage:
  memberctl <command> [options]

Commands:
  migrate    Manage database schema migrations (status, apply, rollback)
  renew      Run one renewal check against the configured database
  config     Validate a configuration file and print the effective values
  token      Sign an access token for a user with auth.jwt_secret

Run 'memberctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
