package database

import (
	"context"
	"fmt"
	"time"
)

// purgeChunk bounds a single delete so retention sweeps do not hold
// long row locks on hot history tables.
const purgeChunk = 10000

// PurgeOlderThan deletes rows whose timeColumn falls before the
// retention horizon, in chunks, and reports the total removed. Table
// and column names come from a fixed caller-side list, never from
// user input.
func (db *DB) PurgeOlderThan(ctx context.Context, table, timeColumn string, retention time.Duration) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE ctid IN (SELECT ctid FROM %s WHERE %s < now() - $1::interval LIMIT %d)`,
		table, table, timeColumn, purgeChunk,
	)

	var total int64
	for {
		tag, err := db.Pool.Exec(ctx, query, retention.String())
		if err != nil {
			return total, err
		}
		n := tag.RowsAffected()
		total += n
		if n < purgeChunk {
			return total, nil
		}
	}
}
