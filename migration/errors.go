package migration

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Manager.
var (
	ErrInvalidVersion   = errors.New("invalid migration version")
	ErrDuplicateVersion = errors.New("duplicate migration version")
	ErrInvalidTarget    = errors.New("invalid rollback target")
	ErrIrreversible     = errors.New("migration is irreversible")
)

// MigrationError reports the migration step that halted a migrate or rollback
// run. Steps applied before it stay applied.
type MigrationError struct {
	Version     string
	Direction   Direction
	Description string
	Err         error
}

func (e *MigrationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("migration %s %s (%s): %v", e.Version, e.Direction, e.Description, e.Err)
	}
	return fmt.Sprintf("migration %s %s: %v", e.Version, e.Direction, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }
