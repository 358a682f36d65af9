package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// NoiseRow is one pivoted row of iot_noise_level. Noise indexes sensor
// slots 16 through 18 at offsets 0 through 2.
type NoiseRow struct {
	DeviceID    string
	DeviceType  string
	ModuleIndex int
	ModuleID    string
	Noise       [3]*float64
	MessageID   string
	ParseAt     time.Time
}

// InsertNoiseLevels batch-inserts pivoted noise rows using CopyFrom.
func (db *DB) InsertNoiseLevels(ctx context.Context, rows []NoiseRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		vals := make([]any, 0, 9)
		vals = append(vals, r.DeviceID, r.DeviceType, r.ModuleIndex, r.ModuleID)
		for _, n := range r.Noise {
			vals = append(vals, n)
		}
		vals = append(vals, r.MessageID, r.ParseAt)
		copyRows[i] = vals
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"iot_noise_level"},
		[]string{
			"device_id", "device_type", "module_index", "module_id",
			"noise_index16", "noise_index17", "noise_index18",
			"message_id", "parse_at",
		},
		pgx.CopyFromRows(copyRows),
	)
}
