package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// RawMessageRow is one archived ingress frame. Payload is text: hex
// for binary frames, the document itself for JSON frames.
type RawMessageRow struct {
	Topic      string
	DeviceID   string
	Payload    string
	ReceivedAt time.Time
}

// InsertRawMessages batch-inserts raw MQTT frames using CopyFrom.
func (db *DB) InsertRawMessages(ctx context.Context, rows []RawMessageRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{r.Topic, r.DeviceID, r.Payload, r.ReceivedAt}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_raw_message"},
		[]string{"topic", "device_id", "payload", "received_at"},
		pgx.CopyFromRows(copyRows),
	)
}
