package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/GoCodeAlone/membership/auth"
)

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	db := addDBFlags(fs)
	user := fs.Int64("user", 0, "User id to put in the token's sub claim")
	ttl := fs.Duration("ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: memberctl token --user <id> [options]

Sign a bearer token accepted by GET /api/v1/access, and by the admin API
when the user is listed in auth.admin_users.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user <= 0 {
		return errors.New("--user is required")
	}

	cfg, err := db.load()
	if err != nil {
		return err
	}
	ac := cfg.Auth
	if *ttl > 0 {
		ac.TokenTTL = *ttl
	}
	a, err := auth.New(ac)
	if err != nil {
		return err
	}
	tok, err := a.Issue(*user)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}
