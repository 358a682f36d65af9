package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type HeartbeatRow struct {
	DeviceID      string
	DeviceType    string
	ActiveModules []byte // jsonb; nil for null
	ModuleCount   int
	MessageID     string
	ParseAt       time.Time
}

// InsertHeartbeats batch-inserts gateway heartbeats using CopyFrom.
func (db *DB) InsertHeartbeats(ctx context.Context, rows []HeartbeatRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.DeviceID, r.DeviceType, r.ActiveModules, r.ModuleCount,
			r.MessageID, r.ParseAt,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_heartbeat"},
		[]string{
			"device_id", "device_type", "active_modules", "module_count",
			"message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}
