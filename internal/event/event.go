// Package event defines the message vocabulary shared by the pipeline stages:
// raw MQTT frames, the intermediate form produced by the parsers, canonical
// events produced by the normalizer, and command requests flowing back out.
package event

import "time"

// DeviceType identifies the gateway family a message belongs to.
type DeviceType string

const (
	DeviceV5008 DeviceType = "V5008" // binary framing
	DeviceV6800 DeviceType = "V6800" // JSON envelopes
)

// MessageType classifies parsed and canonical messages.
type MessageType string

const (
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypeRfidSnapshot    MessageType = "RFID_SNAPSHOT"
	TypeRfidEvent       MessageType = "RFID_EVENT"
	TypeTempHum         MessageType = "TEMP_HUM"
	TypeNoiseLevel      MessageType = "NOISE_LEVEL"
	TypeDoorState       MessageType = "DOOR_STATE"
	TypeDeviceInfo      MessageType = "DEVICE_INFO"
	TypeModuleInfo      MessageType = "MODULE_INFO"
	TypeDevModInfo      MessageType = "DEV_MOD_INFO"
	TypeUTotalChanged   MessageType = "UTOTAL_CHANGED"
	TypeQryTempHumResp  MessageType = "QRY_TEMP_HUM_RESP"
	TypeQryDoorResp     MessageType = "QRY_DOOR_STATE_RESP"
	TypeQryColorResp    MessageType = "QRY_CLR_RESP"
	TypeSetColorResp    MessageType = "SET_CLR_RESP"
	TypeCleanAlarmResp  MessageType = "CLN_ALM_RESP"
	TypeDeviceMetadata  MessageType = "DEVICE_METADATA"
	TypeMetaChanged     MessageType = "META_CHANGED_EVENT"
	TypeUnknown         MessageType = "UNKNOWN"
)

// Command message types accepted on the command.request channel.
const (
	CmdQryRfidSnapshot = "QRY_RFID_SNAPSHOT"
	CmdSetColor        = "SET_COLOR"
	CmdCleanAlarm      = "CLN_ALARM"
	CmdQryColor        = "QRY_COLOR"
	CmdQryDeviceInfo   = "QRY_DEVICE_INFO"
	CmdQryModuleInfo   = "QRY_MODULE_INFO"
	CmdQryDevModInfo   = "QRY_DEV_MOD_INFO"
	CmdQryTempHum      = "QRY_TEMP_HUM"
	CmdQryDoorState    = "QRY_DOOR_STATE"
)

// RawMessage is one inbound MQTT publish, untouched.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Meta carries provenance for a parsed message, including the raw wire
// payload for diagnostics and optional archival.
type Meta struct {
	Topic      string
	Raw        []byte
	ReceivedAt time.Time
}

// HeartbeatModule is one module slot reported in a heartbeat frame.
type HeartbeatModule struct {
	ModuleIndex int    `json:"moduleIndex"`
	ModuleID    string `json:"moduleId"`
	UTotal      int    `json:"uTotal"`
}

// RfidSlot is one occupied slot position in an RFID snapshot.
type RfidSlot struct {
	SlotIndex int    `json:"slotIndex"`
	TagID     string `json:"tagId"`
	Alarm     bool   `json:"alarm"`
}

// RfidModule is the full slot inventory of one module.
type RfidModule struct {
	ModuleIndex int        `json:"moduleIndex"`
	ModuleID    string     `json:"moduleId"`
	UTotal      int        `json:"uTotal,omitempty"`
	Slots       []RfidSlot `json:"slots"`
}

// RfidEventRecord is a single attach/detach notification (V6800 only;
// V5008 derives events by diffing snapshots).
type RfidEventRecord struct {
	ModuleIndex int    `json:"moduleIndex"`
	ModuleID    string `json:"moduleId,omitempty"`
	SlotIndex   int    `json:"slotIndex"`
	TagID       string `json:"tagId,omitempty"`
	Action      string `json:"action"` // ATTACHED or DETACHED
}

// TempHumReading is one sensor position. Nil means the position reported
// no value and must stay null downstream.
type TempHumReading struct {
	SensorIndex int      `json:"sensorIndex"`
	Temp        *float64 `json:"temp"`
	Hum         *float64 `json:"hum"`
}

// TempHumModule groups readings from one module.
type TempHumModule struct {
	ModuleIndex int              `json:"moduleIndex"`
	ModuleID    string           `json:"moduleId,omitempty"`
	Readings    []TempHumReading `json:"readings"`
}

// NoiseReading is one noise sensor position.
type NoiseReading struct {
	SensorIndex int      `json:"sensorIndex"`
	Noise       *float64 `json:"noise"`
}

// NoiseModule groups noise readings from one module.
type NoiseModule struct {
	ModuleIndex int            `json:"moduleIndex"`
	ModuleID    string         `json:"moduleId,omitempty"`
	Readings    []NoiseReading `json:"readings"`
}

// DoorRecord is a door state report. Single-door devices set Door;
// dual-door devices set Door1/Door2.
type DoorRecord struct {
	ModuleIndex int    `json:"moduleIndex,omitempty"`
	ModuleID    string `json:"moduleId,omitempty"`
	Door        *int   `json:"door,omitempty"`
	Door1       *int   `json:"door1,omitempty"`
	Door2       *int   `json:"door2,omitempty"`
}

// ModuleInfoRecord describes one module as reported by the device itself.
type ModuleInfoRecord struct {
	ModuleIndex int    `json:"moduleIndex"`
	ModuleID    string `json:"moduleId,omitempty"`
	UTotal      int    `json:"uTotal,omitempty"`
	FwVer       string `json:"fwVer,omitempty"`
}

// DeviceInfoRecord is the device-level identity block. Modules is filled
// when the report also enumerates attached modules (DEV_MOD_INFO).
type DeviceInfoRecord struct {
	Model   string             `json:"model,omitempty"`
	FwVer   string             `json:"fwVer,omitempty"`
	IP      string             `json:"ip,omitempty"`
	Mask    string             `json:"mask,omitempty"`
	Gateway string             `json:"gateway,omitempty"`
	MAC     string             `json:"mac,omitempty"`
	Modules []ModuleInfoRecord `json:"modules,omitempty"`
}

// UTotalRecord reports a changed slot capacity for one module.
type UTotalRecord struct {
	ModuleIndex int    `json:"moduleIndex"`
	ModuleID    string `json:"moduleId,omitempty"`
	UTotal      int    `json:"uTotal"`
}

// ColorEntry is one slot's indicator color. The field names follow the
// device vocabulary (u_index); the JSON tags follow the canonical one.
type ColorEntry struct {
	UIndex int `json:"sensorIndex"`
	Color  int `json:"colorCode"`
}

// CmdResultRecord is the device's acknowledgement of an earlier command.
type CmdResultRecord struct {
	ModuleIndex int          `json:"moduleIndex,omitempty"`
	SensorIndex int          `json:"sensorIndex,omitempty"`
	Result      string       `json:"result,omitempty"` // Success or Failure
	Colors      []ColorEntry `json:"colors,omitempty"`
}

// Intermediate is the family-neutral parse result. Type selects which of
// the variant fields is populated; all others are zero.
type Intermediate struct {
	DeviceType DeviceType
	DeviceID   string
	Type       MessageType
	MessageID  string
	Meta       Meta

	Heartbeat  []HeartbeatModule
	Rfid       []RfidModule
	RfidEvents []RfidEventRecord
	TempHum    []TempHumModule
	Noise      []NoiseModule
	Door       *DoorRecord
	Device     *DeviceInfoRecord
	Modules    []ModuleInfoRecord
	UTotal     *UTotalRecord
	CmdResult  *CmdResultRecord
	Unknown    map[string]any
}

// Canonical is the stable downstream event shape. Payload is always an
// array, even for single-record events, so consumers never branch on
// shape.
type Canonical struct {
	Type        MessageType      `json:"messageType"`
	DeviceType  DeviceType       `json:"deviceType"`
	DeviceID    string           `json:"deviceId"`
	ModuleIndex *int             `json:"moduleIndex,omitempty"`
	ModuleID    string           `json:"moduleId,omitempty"`
	MessageID   string           `json:"messageId,omitempty"`
	Payload     []map[string]any `json:"payload"`
}

// CommandRequest asks the translator to build and send one device command.
// SensorIndex and ColorCode use pointers so zero values survive validation.
type CommandRequest struct {
	CommandID   string       `json:"commandId,omitempty"`
	DeviceID    string       `json:"deviceId"`
	DeviceType  DeviceType   `json:"deviceType"`
	Type        string       `json:"commandType"`
	ModuleIndex int          `json:"moduleIndex,omitempty"`
	SensorIndex *int         `json:"sensorIndex,omitempty"`
	ColorCode   *int         `json:"colorCode,omitempty"`
	ColorMap    []ColorEntry `json:"colorMap,omitempty"`
	MessageID   string       `json:"messageId,omitempty"`
}

// ErrorEvent is published on the error channel when a pipeline stage fails.
type ErrorEvent struct {
	Source string    `json:"source"`
	Err    error     `json:"-"`
	Detail string    `json:"detail"`
	Time   time.Time `json:"time"`
}
