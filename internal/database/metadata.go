package database

import (
	"context"
	"encoding/json"
	"time"
)

// MetadataRow is the upsert payload for iot_meta_data.
type MetadataRow struct {
	DeviceID   string
	DeviceType string
	Model      string
	FwVer      string
	DeviceIP   string
	NetMask    string
	GatewayIP  string
	MacAddr    string
	Online     bool
	ModuleInfo []byte // jsonb; nil for null
	MessageID  string
	ParseAt    time.Time
}

// UpsertDeviceMetadata inserts or refreshes one gateway's metadata.
// Empty string fields never overwrite known values; the module list
// and online flag always track the latest snapshot.
func (db *DB) UpsertDeviceMetadata(ctx context.Context, r MetadataRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO iot_meta_data (
			device_id, device_type, model, fw_ver, device_ip, net_mask,
			gateway_ip, mac_addr, online, module_info, message_id, parse_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (device_id) DO UPDATE SET
			device_type = $2,
			model       = COALESCE(NULLIF($3, ''), iot_meta_data.model),
			fw_ver      = COALESCE(NULLIF($4, ''), iot_meta_data.fw_ver),
			device_ip   = COALESCE(NULLIF($5, ''), iot_meta_data.device_ip),
			net_mask    = COALESCE(NULLIF($6, ''), iot_meta_data.net_mask),
			gateway_ip  = COALESCE(NULLIF($7, ''), iot_meta_data.gateway_ip),
			mac_addr    = COALESCE(NULLIF($8, ''), iot_meta_data.mac_addr),
			online      = $9,
			module_info = COALESCE($10, iot_meta_data.module_info),
			message_id  = $11,
			parse_at    = $12,
			update_at   = now()
	`, r.DeviceID, r.DeviceType, r.Model, r.FwVer, r.DeviceIP, r.NetMask,
		r.GatewayIP, r.MacAddr, r.Online, r.ModuleInfo, r.MessageID, r.ParseAt)
	return err
}

// MetadataAPI represents a persisted gateway record for API responses.
type MetadataAPI struct {
	DeviceID   string          `json:"device_id"`
	DeviceType string          `json:"device_type"`
	Model      string          `json:"model,omitempty"`
	FwVer      string          `json:"fw_ver,omitempty"`
	DeviceIP   string          `json:"device_ip,omitempty"`
	NetMask    string          `json:"net_mask,omitempty"`
	GatewayIP  string          `json:"gateway_ip,omitempty"`
	MacAddr    string          `json:"mac_addr,omitempty"`
	Online     bool            `json:"online"`
	ModuleInfo json.RawMessage `json:"module_info,omitempty"`
	ParseAt    APITime         `json:"parse_at"`
	UpdateAt   APITime         `json:"update_at"`
}

// ListDeviceMetadata returns every persisted gateway, most recently
// updated first. Unlike the live topology this survives restarts.
func (db *DB) ListDeviceMetadata(ctx context.Context) ([]MetadataAPI, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT device_id, device_type,
		       COALESCE(model, ''), COALESCE(fw_ver, ''),
		       COALESCE(device_ip, ''), COALESCE(net_mask, ''),
		       COALESCE(gateway_ip, ''), COALESCE(mac_addr, ''),
		       online, module_info, parse_at, update_at
		FROM iot_meta_data
		ORDER BY update_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetadataAPI
	for rows.Next() {
		var m MetadataAPI
		var parseAt, updateAt time.Time
		if err := rows.Scan(
			&m.DeviceID, &m.DeviceType, &m.Model, &m.FwVer,
			&m.DeviceIP, &m.NetMask, &m.GatewayIP, &m.MacAddr,
			&m.Online, &m.ModuleInfo, &parseAt, &updateAt,
		); err != nil {
			return nil, err
		}
		m.ParseAt = APITime{parseAt}
		m.UpdateAt = APITime{updateAt}
		out = append(out, m)
	}
	return out, rows.Err()
}
