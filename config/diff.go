package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Section names of Config as they appear in YAML.
const (
	SectionHTTP     = "http"
	SectionLog      = "log"
	SectionDatabase = "database"
	SectionRedis    = "redis"
	SectionRenewal  = "renewal"
	SectionRetry    = "retry"
	SectionGateways = "gateways"
	SectionEvents   = "events"
	SectionPolicy   = "policy"
	SectionMetrics  = "metrics"
	SectionTracing  = "tracing"
	SectionReload   = "reload"
	SectionAuth     = "auth"
	SectionCurrency = "currency"
)

// hotSections can be applied to a running daemon without a restart.
var hotSections = map[string]bool{
	SectionLog:    true,
	SectionPolicy: true,
}

// Diff lists the top-level sections that differ between two configs.
type Diff struct {
	Changed []string
}

// Empty reports whether nothing changed.
func (d *Diff) Empty() bool { return len(d.Changed) == 0 }

// Has reports whether section changed.
func (d *Diff) Has(section string) bool {
	for _, s := range d.Changed {
		if s == section {
			return true
		}
	}
	return false
}

// RestartRequired returns the changed sections that only take effect on
// restart.
func (d *Diff) RestartRequired() []string {
	var out []string
	for _, s := range d.Changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// DiffConfigs compares two configs section by section.
func DiffConfigs(old, new *Config) *Diff {
	sections := func(c *Config) map[string]any {
		return map[string]any{
			SectionHTTP:     c.HTTP,
			SectionLog:      c.Log,
			SectionDatabase: c.Database,
			SectionRedis:    c.Redis,
			SectionRenewal:  c.Renewal,
			SectionRetry:    c.Retry,
			SectionGateways: c.Gateways,
			SectionEvents:   c.Events,
			SectionPolicy:   c.Policy,
			SectionMetrics:  c.Metrics,
			SectionTracing:  c.Tracing,
			SectionReload:   c.Reload,
			SectionAuth:     c.Auth,
			SectionCurrency: c.Currency,
		}
	}
	oldS, newS := sections(old), sections(new)
	diff := &Diff{}
	for name, v := range newS {
		if hashAny(oldS[name]) != hashAny(v) {
			diff.Changed = append(diff.Changed, name)
		}
	}
	sort.Strings(diff.Changed)
	return diff
}

func hashAny(v any) string {
	if v == nil {
		return "nil"
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error:%v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
