package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// TempHumRow is one pivoted row of iot_temp_hum. Temp and Hum index
// sensor slots 10 through 15 at offsets 0 through 5; nil entries
// become NULL, never zero.
type TempHumRow struct {
	DeviceID    string
	DeviceType  string
	ModuleIndex int
	ModuleID    string
	Temp        [6]*float64
	Hum         [6]*float64
	MessageID   string
	ParseAt     time.Time
}

// InsertTempHum batch-inserts pivoted temperature/humidity rows using CopyFrom.
func (db *DB) InsertTempHum(ctx context.Context, rows []TempHumRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		vals := make([]any, 0, 18)
		vals = append(vals, r.DeviceID, r.DeviceType, r.ModuleIndex, r.ModuleID)
		for _, t := range r.Temp {
			vals = append(vals, t)
		}
		for _, h := range r.Hum {
			vals = append(vals, h)
		}
		vals = append(vals, r.MessageID, r.ParseAt)
		copyRows[i] = vals
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_temp_hum"},
		[]string{
			"device_id", "device_type", "module_index", "module_id",
			"temp_index10", "temp_index11", "temp_index12", "temp_index13", "temp_index14", "temp_index15",
			"hum_index10", "hum_index11", "hum_index12", "hum_index13", "hum_index14", "hum_index15",
			"message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}
