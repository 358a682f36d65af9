package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// TopChangeRow is one row of iot_topchange_event: a single observed
// topology or metadata change.
type TopChangeRow struct {
	DeviceID    string
	DeviceType  string
	ChangeKind  string
	Target      string
	OldValue    string
	NewValue    string
	Description string
	MessageID   string
	ParseAt     time.Time
}

// InsertTopChanges batch-inserts metadata change events using CopyFrom.
func (db *DB) InsertTopChanges(ctx context.Context, rows []TopChangeRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.DeviceID, r.DeviceType, r.ChangeKind, r.Target,
			r.OldValue, r.NewValue, r.Description, r.MessageID, r.ParseAt,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_topchange_event"},
		[]string{
			"device_id", "device_type", "change_kind", "target",
			"old_value", "new_value", "description", "message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}
