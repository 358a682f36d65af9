package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type CmdResultRow struct {
	DeviceID    string
	DeviceType  string
	MsgType     string // QRY_CLR_RESP, SET_CLR_RESP, CLN_ALM_RESP
	ModuleIndex *int
	SensorIndex *int
	Result      string
	Colors      []byte // jsonb; nil for null
	MessageID   string
	ParseAt     time.Time
}

// InsertCmdResults batch-inserts command acknowledgements using CopyFrom.
func (db *DB) InsertCmdResults(ctx context.Context, rows []CmdResultRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.DeviceID, r.DeviceType, r.MsgType, r.ModuleIndex,
			r.SensorIndex, r.Result, r.Colors, r.MessageID, r.ParseAt,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_cmd_result"},
		[]string{
			"device_id", "device_type", "msg_type", "module_index",
			"sensor_index", "result", "colors", "message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}
