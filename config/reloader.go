package config

import (
	"log/slog"
	"sync"
)

// ApplyFunc applies the hot-reloadable sections of next to the running
// daemon. diff never lists only restart-bound sections.
type ApplyFunc func(next *Config, diff *Diff) error

// Reloader decides what a config change means for a running daemon. Log and
// policy changes are applied in place; any other changed section is logged
// as needing a restart and otherwise ignored.
type Reloader struct {
	mu          sync.Mutex
	current     *Config
	currentHash string
	logger      *slog.Logger
	apply       ApplyFunc
}

// NewReloader creates a Reloader starting from initial.
func NewReloader(initial *Config, apply ApplyFunc, logger *slog.Logger) (*Reloader, error) {
	hash, err := HashConfig(initial)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		current:     initial,
		currentHash: hash,
		logger:      logger,
		apply:       apply,
	}, nil
}

// Current returns the config most recently accepted.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// HandleChange diffs evt.Config against the current config and applies the
// hot sections. Restart-bound sections keep their running values.
func (r *Reloader) HandleChange(evt ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := DiffConfigs(r.current, evt.Config)
	if diff.Empty() {
		r.logger.Debug("config change detected but no effective differences", "source", evt.Source)
		return nil
	}
	if restart := diff.RestartRequired(); len(restart) > 0 {
		r.logger.Warn("config sections changed that need a restart to take effect", "sections", restart)
	}

	hot := &Diff{}
	for _, s := range diff.Changed {
		if hotSections[s] {
			hot.Changed = append(hot.Changed, s)
		}
	}
	if !hot.Empty() {
		if err := r.apply(evt.Config, hot); err != nil {
			return err
		}
		r.logger.Info("config reloaded", "sections", hot.Changed)
	}

	// Restart-bound sections keep describing what is actually running.
	next := *r.current
	next.Log = evt.Config.Log
	next.Policy = evt.Config.Policy
	r.current = &next
	r.currentHash = evt.NewHash
	return nil
}
