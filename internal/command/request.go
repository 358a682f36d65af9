package command

import (
	"github.com/google/uuid"

	"github.com/snarg/rack-engine/internal/event"
)

// Payload carries the command-specific fields of an inbound command
// request, as posted to the API or sent over a websocket.
type Payload struct {
	ModuleIndex int                `json:"moduleIndex"`
	SensorIndex *int               `json:"sensorIndex"`
	ColorCode   *int               `json:"colorCode"`
	ColorMap    []event.ColorEntry `json:"colorMap"`
	MessageID   string             `json:"messageId"`
}

// BuildRequest assembles a CommandRequest with a fresh command id and
// runs the same validation the translator applies, so callers can
// reject bad requests before anything reaches the bus.
func BuildRequest(deviceID string, deviceType event.DeviceType, msgType string, p Payload) (event.CommandRequest, error) {
	req := event.CommandRequest{
		CommandID:   "cmd_" + uuid.NewString(),
		DeviceID:    deviceID,
		DeviceType:  deviceType,
		Type:        msgType,
		ModuleIndex: p.ModuleIndex,
		SensorIndex: p.SensorIndex,
		ColorCode:   p.ColorCode,
		ColorMap:    p.ColorMap,
		MessageID:   p.MessageID,
	}
	if err := validate(req); err != nil {
		return event.CommandRequest{}, err
	}
	return req, nil
}
