package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// DoorEventRow is one row of iot_door_event. A nil door value means
// the frame did not report that contact.
type DoorEventRow struct {
	DeviceID    string
	DeviceType  string
	ModuleIndex int
	ModuleID    string
	Door        *int
	Door1       *int
	Door2       *int
	MessageID   string
	ParseAt     time.Time
}

// InsertDoorEvents batch-inserts door state changes using CopyFrom.
func (db *DB) InsertDoorEvents(ctx context.Context, rows []DoorEventRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.DeviceID, r.DeviceType, r.ModuleIndex, r.ModuleID,
			r.Door, r.Door1, r.Door2, r.MessageID, r.ParseAt,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_door_event"},
		[]string{
			"device_id", "device_type", "module_index", "module_id",
			"door", "door1", "door2", "message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}
