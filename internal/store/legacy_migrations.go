package store

import (
	"context"
	"fmt"
	"strings"
)

// legacyMigration is a single idempotent schema tweak applied after the
// golang-migrate pass, for one-off additive changes that don't warrant a
// numbered migration pair.
type legacyMigration struct {
	name  string
	sql   string
	check string
}

var legacyMigrations = []legacyMigration{
	{
		name:  "add device_bindings.hardware_model default backfill",
		sql:   `UPDATE device_bindings SET hardware_model = 'unknown' WHERE hardware_model = ''`,
		check: `SELECT NOT EXISTS (SELECT 1 FROM device_bindings WHERE hardware_model = '')`,
	},
	{
		name:  "add digital_tasks.push_context",
		sql:   `ALTER TABLE digital_tasks ADD COLUMN IF NOT EXISTS push_context jsonb`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'digital_tasks' AND column_name = 'push_context')`,
	},
	{
		name:  "add digital_tasks.error",
		sql:   `ALTER TABLE digital_tasks ADD COLUMN IF NOT EXISTS error text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'digital_tasks' AND column_name = 'error')`,
	},
}

// ApplyLegacyMigrations runs the idempotent ALTER/UPDATE-style migrations
// in order, skipping any whose check query already reports true.
func (db *DB) ApplyLegacyMigrations(ctx context.Context) error {
	var pending []legacyMigration
	for _, m := range legacyMigrations {
		if m.check != "" {
			var done bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&done); err == nil && done {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &LegacyMigrationError{failed: m, pending: pending[applied:], err: err}
		}
		db.log.Info().Str("migration", m.name).Msg("legacy schema migration applied")
		applied++
	}
	return nil
}

// LegacyMigrationError is returned when a legacy migration fails; it
// includes the SQL needed to apply the rest manually.
type LegacyMigrationError struct {
	failed  legacyMigration
	pending []legacyMigration
	err     error
}

func (e *LegacyMigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "legacy migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	return b.String()
}

func (e *LegacyMigrationError) Unwrap() error {
	return e.err
}
