// Package migration applies ordered, semantically versioned schema changes
// with up/down steps, tracks the applied version as a single scalar marker and
// supports rolling back to any earlier registered version.
package migration

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// BaseVersion is the marker value of a database with no migrations applied.
const BaseVersion = "0.0.0"

// Direction is the way a migration step is applied.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Migration is one versioned schema change. Either the SQL or the func form
// may be set for each direction; the func form wins when both are present.
// A migration with neither Down nor DownSQL cannot be rolled back.
type Migration struct {
	Version     string
	Description string

	UpSQL   string
	DownSQL string

	Up   func(ctx context.Context, tx *sql.Tx) error
	Down func(ctx context.Context, tx *sql.Tx) error
}

// Reversible reports whether the migration has a down step.
func (m Migration) Reversible() bool {
	return m.Down != nil || strings.TrimSpace(m.DownSQL) != ""
}

func (m Migration) run(ctx context.Context, tx *sql.Tx, dir Direction) error {
	fn, script := m.Up, m.UpSQL
	if dir == Down {
		if !m.Reversible() {
			return ErrIrreversible
		}
		fn, script = m.Down, m.DownSQL
	}
	if fn != nil {
		return fn(ctx, tx)
	}
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m Migration) checksum(dir Direction) string {
	script := m.UpSQL
	if dir == Down {
		script = m.DownSQL
	}
	h := sha256.Sum256([]byte(m.Version + "\n" + script))
	return fmt.Sprintf("%x", h[:8])
}

// splitStatements breaks a script on semicolons. Scripts must not carry
// semicolons inside string literals.
func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Canonical normalises a version string ("1.2", "v1.2.0") to the
// "MAJOR.MINOR.PATCH" form stored in the marker.
func Canonical(version string) (string, error) {
	v := strings.TrimSpace(version)
	if v == "" || v == "0" {
		return BaseVersion, nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	c := semver.Canonical(v)
	if semver.Build(v) != "" || semver.Prerelease(v) != "" {
		return "", fmt.Errorf("%w: %q: pre-release and build suffixes are not supported", ErrInvalidVersion, version)
	}
	return strings.TrimPrefix(c, "v"), nil
}

// Compare orders two canonical versions the way semver.Compare does.
func Compare(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}
