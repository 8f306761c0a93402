package main

import (
	"flag"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/membership/config"
	"github.com/GoCodeAlone/membership/notify"
)

const redacted = "********"

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	db := addDBFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: memberctl config [options]

Load and validate the configuration, then print the effective values with
secrets redacted.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := db.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	out, err := yaml.Marshal(redact(*cfg))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = stdout.Write(out)
	return err
}

// redact blanks credentials in a copy of cfg.
func redact(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Redis.Password)
	mask(&cfg.Gateways.Stripe.APIKey)
	mask(&cfg.Gateways.Stripe.WebhookSecret)
	mask(&cfg.Gateways.PayPal.ClientSecret)
	mask(&cfg.Auth.JWTSecret)
	cfg.Events.Webhooks = append([]notify.WebhookConfig(nil), cfg.Events.Webhooks...)
	for i := range cfg.Events.Webhooks {
		mask(&cfg.Events.Webhooks[i].Secret)
	}
	return cfg
}
