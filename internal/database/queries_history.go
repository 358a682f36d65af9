package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// queryBuilder builds parameterized WHERE clauses for dynamic queries.
type queryBuilder struct {
	where  []string
	args   []any
	argIdx int
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{argIdx: 1}
}

// Add appends a WHERE condition. The clause should contain %s which will be replaced with $N.
func (qb *queryBuilder) Add(clause string, val any) {
	parameterized := strings.Replace(clause, "%s", fmt.Sprintf("$%d", qb.argIdx), 1)
	qb.where = append(qb.where, parameterized)
	qb.args = append(qb.args, val)
	qb.argIdx++
}

// AddRaw appends a WHERE condition with no parameters.
func (qb *queryBuilder) AddRaw(clause string) {
	qb.where = append(qb.where, clause)
}

// WhereClause returns the full WHERE clause (including "WHERE") or empty string if no conditions.
func (qb *queryBuilder) WhereClause() string {
	if len(qb.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(qb.where, " AND ")
}

// Args returns all accumulated arguments.
func (qb *queryBuilder) Args() []any {
	return qb.args
}

// HistoryFilter narrows history queries. Zero values mean no filter.
// Without explicit bounds queries default to the last 24 hours so a
// bare request cannot sweep the whole table.
type HistoryFilter struct {
	DeviceID    string
	ModuleIndex *int
	Start       *time.Time
	End         *time.Time
	Limit       int
	Offset      int
}

func (f HistoryFilter) apply(qb *queryBuilder) {
	f.applyDevice(qb)
	if f.ModuleIndex != nil {
		qb.Add("module_index = %s", *f.ModuleIndex)
	}
}

// applyDevice applies the time window and device filter only, for
// tables without a module_index column.
func (f HistoryFilter) applyDevice(qb *queryBuilder) {
	if f.Start != nil {
		qb.Add("parse_at >= %s", *f.Start)
	} else {
		qb.Add("parse_at >= %s", time.Now().Add(-24*time.Hour))
	}
	if f.End != nil {
		qb.Add("parse_at < %s", *f.End)
	}
	if f.DeviceID != "" {
		qb.Add("device_id = %s", f.DeviceID)
	}
}

func (f HistoryFilter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

// ── Temperature / humidity ───────────────────────────────────────────

// TempHumAPI represents one pivoted temperature/humidity row for API
// responses. Absent sensor slots stay null.
type TempHumAPI struct {
	ID          int64    `json:"id"`
	DeviceID    string   `json:"device_id"`
	DeviceType  string   `json:"device_type"`
	ModuleIndex *int     `json:"module_index,omitempty"`
	ModuleID    string   `json:"module_id,omitempty"`
	Temp10      *float64 `json:"temp_index10,omitempty"`
	Temp11      *float64 `json:"temp_index11,omitempty"`
	Temp12      *float64 `json:"temp_index12,omitempty"`
	Temp13      *float64 `json:"temp_index13,omitempty"`
	Temp14      *float64 `json:"temp_index14,omitempty"`
	Temp15      *float64 `json:"temp_index15,omitempty"`
	Hum10       *float64 `json:"hum_index10,omitempty"`
	Hum11       *float64 `json:"hum_index11,omitempty"`
	Hum12       *float64 `json:"hum_index12,omitempty"`
	Hum13       *float64 `json:"hum_index13,omitempty"`
	Hum14       *float64 `json:"hum_index14,omitempty"`
	Hum15       *float64 `json:"hum_index15,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	ParseAt     APITime  `json:"parse_at"`
}

// ListTempHumHistory returns pivoted readings matching the filter with a total count.
func (db *DB) ListTempHumHistory(ctx context.Context, filter HistoryFilter) ([]TempHumAPI, int, error) {
	qb := newQueryBuilder()
	filter.apply(qb)
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM iot_temp_hum"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, device_id, device_type, module_index, COALESCE(module_id, ''),
			temp_index10, temp_index11, temp_index12, temp_index13, temp_index14, temp_index15,
			hum_index10, hum_index11, hum_index12, hum_index13, hum_index14, hum_index15,
			COALESCE(message_id, ''), parse_at
		FROM iot_temp_hum%s
		ORDER BY parse_at DESC
		LIMIT %d OFFSET %d
	`, whereClause, filter.limit(), filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []TempHumAPI
	for rows.Next() {
		var r TempHumAPI
		var parseAt time.Time
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.DeviceType, &r.ModuleIndex, &r.ModuleID,
			&r.Temp10, &r.Temp11, &r.Temp12, &r.Temp13, &r.Temp14, &r.Temp15,
			&r.Hum10, &r.Hum11, &r.Hum12, &r.Hum13, &r.Hum14, &r.Hum15,
			&r.MessageID, &parseAt,
		); err != nil {
			return nil, 0, err
		}
		r.ParseAt = APITime{parseAt}
		out = append(out, r)
	}
	if out == nil {
		out = []TempHumAPI{}
	}
	return out, total, rows.Err()
}

// ── Noise ────────────────────────────────────────────────────────────

type NoiseAPI struct {
	ID          int64    `json:"id"`
	DeviceID    string   `json:"device_id"`
	DeviceType  string   `json:"device_type"`
	ModuleIndex *int     `json:"module_index,omitempty"`
	ModuleID    string   `json:"module_id,omitempty"`
	Noise16     *float64 `json:"noise_index16,omitempty"`
	Noise17     *float64 `json:"noise_index17,omitempty"`
	Noise18     *float64 `json:"noise_index18,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	ParseAt     APITime  `json:"parse_at"`
}

// ListNoiseHistory returns pivoted noise readings matching the filter with a total count.
func (db *DB) ListNoiseHistory(ctx context.Context, filter HistoryFilter) ([]NoiseAPI, int, error) {
	qb := newQueryBuilder()
	filter.apply(qb)
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM iot_noise_level"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, device_id, device_type, module_index, COALESCE(module_id, ''),
			noise_index16, noise_index17, noise_index18,
			COALESCE(message_id, ''), parse_at
		FROM iot_noise_level%s
		ORDER BY parse_at DESC
		LIMIT %d OFFSET %d
	`, whereClause, filter.limit(), filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []NoiseAPI
	for rows.Next() {
		var r NoiseAPI
		var parseAt time.Time
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.DeviceType, &r.ModuleIndex, &r.ModuleID,
			&r.Noise16, &r.Noise17, &r.Noise18,
			&r.MessageID, &parseAt,
		); err != nil {
			return nil, 0, err
		}
		r.ParseAt = APITime{parseAt}
		out = append(out, r)
	}
	if out == nil {
		out = []NoiseAPI{}
	}
	return out, total, rows.Err()
}

// ── RFID events ──────────────────────────────────────────────────────

// RfidEventFilter adds tag and action filters on top of HistoryFilter.
type RfidEventFilter struct {
	HistoryFilter
	TagID  string
	Action string // ATTACHED or DETACHED
}

type RfidEventAPI struct {
	ID          int64   `json:"id"`
	DeviceID    string  `json:"device_id"`
	DeviceType  string  `json:"device_type"`
	ModuleIndex *int    `json:"module_index,omitempty"`
	ModuleID    string  `json:"module_id,omitempty"`
	SensorIndex *int    `json:"sensor_index,omitempty"`
	TagID       string  `json:"tag_id,omitempty"`
	Action      string  `json:"action"`
	MessageID   string  `json:"message_id,omitempty"`
	ParseAt     APITime `json:"parse_at"`
}

// ListRfidEvents returns tag movements matching the filter with a total count.
func (db *DB) ListRfidEvents(ctx context.Context, filter RfidEventFilter) ([]RfidEventAPI, int, error) {
	qb := newQueryBuilder()
	filter.apply(qb)
	if filter.TagID != "" {
		qb.Add("tag_id = %s", filter.TagID)
	}
	if filter.Action != "" {
		qb.Add("action = %s", filter.Action)
	}
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM iot_rfid_event"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, device_id, device_type, module_index, COALESCE(module_id, ''),
			sensor_index, COALESCE(tag_id, ''), action,
			COALESCE(message_id, ''), parse_at
		FROM iot_rfid_event%s
		ORDER BY parse_at DESC
		LIMIT %d OFFSET %d
	`, whereClause, filter.limit(), filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []RfidEventAPI
	for rows.Next() {
		var r RfidEventAPI
		var parseAt time.Time
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.DeviceType, &r.ModuleIndex, &r.ModuleID,
			&r.SensorIndex, &r.TagID, &r.Action,
			&r.MessageID, &parseAt,
		); err != nil {
			return nil, 0, err
		}
		r.ParseAt = APITime{parseAt}
		out = append(out, r)
	}
	if out == nil {
		out = []RfidEventAPI{}
	}
	return out, total, rows.Err()
}

// ── Door events ──────────────────────────────────────────────────────

type DoorEventAPI struct {
	ID          int64   `json:"id"`
	DeviceID    string  `json:"device_id"`
	DeviceType  string  `json:"device_type"`
	ModuleIndex *int    `json:"module_index,omitempty"`
	ModuleID    string  `json:"module_id,omitempty"`
	Door        *int    `json:"door,omitempty"`
	Door1       *int    `json:"door1,omitempty"`
	Door2       *int    `json:"door2,omitempty"`
	MessageID   string  `json:"message_id,omitempty"`
	ParseAt     APITime `json:"parse_at"`
}

// ListDoorEvents returns door state changes matching the filter with a total count.
func (db *DB) ListDoorEvents(ctx context.Context, filter HistoryFilter) ([]DoorEventAPI, int, error) {
	qb := newQueryBuilder()
	filter.apply(qb)
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM iot_door_event"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, device_id, device_type, module_index, COALESCE(module_id, ''),
			door, door1, door2,
			COALESCE(message_id, ''), parse_at
		FROM iot_door_event%s
		ORDER BY parse_at DESC
		LIMIT %d OFFSET %d
	`, whereClause, filter.limit(), filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []DoorEventAPI
	for rows.Next() {
		var r DoorEventAPI
		var parseAt time.Time
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.DeviceType, &r.ModuleIndex, &r.ModuleID,
			&r.Door, &r.Door1, &r.Door2,
			&r.MessageID, &parseAt,
		); err != nil {
			return nil, 0, err
		}
		r.ParseAt = APITime{parseAt}
		out = append(out, r)
	}
	if out == nil {
		out = []DoorEventAPI{}
	}
	return out, total, rows.Err()
}

// ── Heartbeats ───────────────────────────────────────────────────────

type HeartbeatAPI struct {
	ID            int64           `json:"id"`
	DeviceID      string          `json:"device_id"`
	DeviceType    string          `json:"device_type"`
	ActiveModules json.RawMessage `json:"active_modules,omitempty"`
	ModuleCount   int             `json:"module_count"`
	MessageID     string          `json:"message_id,omitempty"`
	ParseAt       APITime         `json:"parse_at"`
}

// ListHeartbeats returns heartbeat rows matching the filter with a
// total count. Heartbeats are device level, so ModuleIndex is ignored.
func (db *DB) ListHeartbeats(ctx context.Context, filter HistoryFilter) ([]HeartbeatAPI, int, error) {
	qb := newQueryBuilder()
	filter.applyDevice(qb)
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM iot_heartbeat"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, device_id, device_type, active_modules, module_count,
			COALESCE(message_id, ''), parse_at
		FROM iot_heartbeat%s
		ORDER BY parse_at DESC
		LIMIT %d OFFSET %d
	`, whereClause, filter.limit(), filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []HeartbeatAPI
	for rows.Next() {
		var r HeartbeatAPI
		var parseAt time.Time
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.DeviceType, &r.ActiveModules, &r.ModuleCount,
			&r.MessageID, &parseAt,
		); err != nil {
			return nil, 0, err
		}
		r.ParseAt = APITime{parseAt}
		out = append(out, r)
	}
	if out == nil {
		out = []HeartbeatAPI{}
	}
	return out, total, rows.Err()
}

// ── Metadata changes ─────────────────────────────────────────────────

type TopChangeAPI struct {
	ID          int64   `json:"id"`
	DeviceID    string  `json:"device_id"`
	DeviceType  string  `json:"device_type"`
	ChangeKind  string  `json:"change_kind"`
	Target      string  `json:"target,omitempty"`
	OldValue    string  `json:"old_value,omitempty"`
	NewValue    string  `json:"new_value,omitempty"`
	Description string  `json:"description,omitempty"`
	MessageID   string  `json:"message_id,omitempty"`
	ParseAt     APITime `json:"parse_at"`
}

// ListTopChanges returns metadata change events matching the filter
// with a total count. Kind narrows to one change kind when non-empty.
// Changes are device level, so ModuleIndex is ignored.
func (db *DB) ListTopChanges(ctx context.Context, filter HistoryFilter, kind string) ([]TopChangeAPI, int, error) {
	qb := newQueryBuilder()
	filter.applyDevice(qb)
	if kind != "" {
		qb.Add("change_kind = %s", kind)
	}
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM iot_topchange_event"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, device_id, device_type, change_kind, COALESCE(target, ''),
			COALESCE(old_value, ''), COALESCE(new_value, ''), COALESCE(description, ''),
			COALESCE(message_id, ''), parse_at
		FROM iot_topchange_event%s
		ORDER BY parse_at DESC
		LIMIT %d OFFSET %d
	`, whereClause, filter.limit(), filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []TopChangeAPI
	for rows.Next() {
		var r TopChangeAPI
		var parseAt time.Time
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.DeviceType, &r.ChangeKind, &r.Target,
			&r.OldValue, &r.NewValue, &r.Description,
			&r.MessageID, &parseAt,
		); err != nil {
			return nil, 0, err
		}
		r.ParseAt = APITime{parseAt}
		out = append(out, r)
	}
	if out == nil {
		out = []TopChangeAPI{}
	}
	return out, total, rows.Err()
}
