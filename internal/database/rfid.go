package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type RfidSnapshotRow struct {
	DeviceID    string
	DeviceType  string
	ModuleIndex int
	ModuleID    string
	Snapshot    []byte // jsonb; full slot list
	TagCount    int
	MessageID   string
	ParseAt     time.Time
}

// InsertRfidSnapshots batch-inserts RFID slot snapshots using CopyFrom.
func (db *DB) InsertRfidSnapshots(ctx context.Context, rows []RfidSnapshotRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.DeviceID, r.DeviceType, r.ModuleIndex, r.ModuleID,
			r.Snapshot, r.TagCount, r.MessageID, r.ParseAt,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_rfid_snapshot"},
		[]string{
			"device_id", "device_type", "module_index", "module_id",
			"snapshot", "tag_count", "message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}

type RfidEventRow struct {
	DeviceID    string
	DeviceType  string
	ModuleIndex int
	ModuleID    string
	SensorIndex int
	TagID       string
	Action      string // ATTACHED or DETACHED
	MessageID   string
	ParseAt     time.Time
}

// InsertRfidEvents batch-inserts tag movement events using CopyFrom.
func (db *DB) InsertRfidEvents(ctx context.Context, rows []RfidEventRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.DeviceID, r.DeviceType, r.ModuleIndex, r.ModuleID,
			r.SensorIndex, r.TagID, r.Action, r.MessageID, r.ParseAt,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_rfid_event"},
		[]string{
			"device_id", "device_type", "module_index", "module_id",
			"sensor_index", "tag_id", "action", "message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}
