package database

import (
	"context"
	"fmt"
	"strings"
)

// migration is one idempotent schema change with a probe that reports
// whether the change is already present.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
// schema.sql already carries the end state, so all of these are
// no-ops on a fresh database.
var migrations = []migration{
	{
		name:  "add iot_meta_data.model",
		sql:   `ALTER TABLE iot_meta_data ADD COLUMN IF NOT EXISTS model text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'iot_meta_data' AND column_name = 'model')`,
	},
	{
		name:  "add iot_raw_message.device_id",
		sql:   `ALTER TABLE iot_raw_message ADD COLUMN IF NOT EXISTS device_id text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'iot_raw_message' AND column_name = 'device_id')`,
	},
	{
		name:  "add iot_rfid_event tag index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_iot_rfid_event_tag ON iot_rfid_event (tag_id, parse_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_iot_rfid_event_tag')`,
	},
	{
		name:  "add iot_temp_hum module index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_iot_temp_hum_module ON iot_temp_hum (device_id, module_index, parse_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_iot_temp_hum_module')`,
	},
}

// Migrate walks the migration list in order, applying whatever is not
// yet present. A failed apply (usually insufficient privileges) aborts
// the walk and is fatal for the caller: the history queries depend on
// these columns and indexes existing.
func (db *DB) Migrate(ctx context.Context) error {
	applied := 0
	for i, m := range migrations {
		if db.migrationApplied(ctx, m) {
			continue
		}
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			// Everything from the failed entry on still needs to run.
			return &MigrationError{failed: m, remaining: migrations[i:], err: err}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	if applied > 0 {
		db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	}
	return nil
}

// migrationApplied probes whether a migration's change is already in
// place. A failed probe counts as not applied; the SQL is idempotent,
// so re-running it is safe.
func (db *DB) migrationApplied(ctx context.Context, m migration) bool {
	if m.check == "" {
		return false
	}
	var exists bool
	if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err != nil {
		return false
	}
	return exists
}

// MigrationError reports a failed migration together with the SQL for
// it and every migration after it, so an operator can finish the job
// by hand.
type MigrationError struct {
	failed    migration
	remaining []migration
	err       error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema migration %q failed: %v\n", e.failed.name, e.err)
	b.WriteString("\nApply the remaining statements as a database superuser:\n\n")
	for _, m := range e.remaining {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart rack-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
