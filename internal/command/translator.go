// Package command translates canonical command requests into the wire
// form each gateway family understands: fixed opcode frames for the
// binary family, msg_type JSON documents for the JSON family. Both go
// out on the family's download topic at QoS 1.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
)

// Publisher sends one message to the broker. Satisfied by
// mqttclient.Client.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Translator consumes command.request events and publishes device
// commands. Failures surface on the error channel; the translator
// itself never stops.
type Translator struct {
	bus *bus.Bus
	pub Publisher
	log zerolog.Logger
}

func New(b *bus.Bus, pub Publisher, log zerolog.Logger) *Translator {
	return &Translator{
		bus: b,
		pub: pub,
		log: log.With().Str("component", "command").Logger(),
	}
}

// Register subscribes the translator to command.request. The returned
// cancel detaches it again.
func (t *Translator) Register() func() {
	return t.bus.Subscribe(bus.CommandRequest, "command", t.handle)
}

func (t *Translator) handle(msg any) error {
	req, ok := msg.(event.CommandRequest)
	if !ok {
		return fmt.Errorf("unexpected message type %T on command.request", msg)
	}

	if err := validate(req); err != nil {
		return err
	}

	switch req.DeviceType {
	case event.DeviceV5008:
		return t.sendBinary(req)
	case event.DeviceV6800:
		return t.sendJSON(req)
	default:
		return fmt.Errorf("command %s for %s: unknown device type %q", req.Type, req.DeviceID, req.DeviceType)
	}
}

func (t *Translator) sendBinary(req event.CommandRequest) error {
	frames, err := binaryFrames(req)
	if err != nil {
		return err
	}

	topic := "V5008Download/" + req.DeviceID
	for _, frame := range frames {
		if err := t.pub.Publish(topic, 1, frame); err != nil {
			return fmt.Errorf("publish %s to %s: %w", req.Type, topic, err)
		}
	}

	t.log.Debug().
		Str("device_id", req.DeviceID).
		Str("command", req.Type).
		Str("command_id", req.CommandID).
		Int("frames", len(frames)).
		Msg("binary command sent")
	metrics.CommandsSentTotal.WithLabelValues(req.Type).Inc()
	return nil
}

func (t *Translator) sendJSON(req event.CommandRequest) error {
	body, err := jsonBody(req)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s for %s: %w", req.Type, req.DeviceID, err)
	}

	topic := "V6800Download/" + req.DeviceID
	if err := t.pub.Publish(topic, 1, payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", req.Type, topic, err)
	}

	t.log.Debug().
		Str("device_id", req.DeviceID).
		Str("command", req.Type).
		Str("command_id", req.CommandID).
		Msg("json command sent")
	metrics.CommandsSentTotal.WithLabelValues(req.Type).Inc()
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

func validate(req event.CommandRequest) error {
	if req.DeviceID == "" {
		return errors.New("command request missing deviceId")
	}
	if req.Type == "" {
		return fmt.Errorf("command request for %s missing messageType", req.DeviceID)
	}
	switch req.DeviceType {
	case event.DeviceV5008, event.DeviceV6800:
	case "":
		return fmt.Errorf("command %s for %s missing deviceType", req.Type, req.DeviceID)
	default:
		return fmt.Errorf("command %s for %s: unknown device type %q", req.Type, req.DeviceID, req.DeviceType)
	}

	switch req.Type {
	case event.CmdSetColor:
		if err := moduleInRange(req); err != nil {
			return err
		}
		if len(req.ColorMap) == 0 && (req.SensorIndex == nil || req.ColorCode == nil) {
			return fmt.Errorf("%s for %s requires colorMap or sensorIndex and colorCode", req.Type, req.DeviceID)
		}
	case event.CmdCleanAlarm:
		if err := moduleInRange(req); err != nil {
			return err
		}
		if req.SensorIndex == nil {
			return fmt.Errorf("%s for %s requires sensorIndex", req.Type, req.DeviceID)
		}
	case event.CmdQryRfidSnapshot, event.CmdQryColor:
		if err := moduleInRange(req); err != nil {
			return err
		}
	}
	return nil
}

// moduleInRange checks the index fits a 1-based byte address.
func moduleInRange(req event.CommandRequest) error {
	if req.ModuleIndex < 1 || req.ModuleIndex > 255 {
		return fmt.Errorf("%s for %s: module index %d out of range", req.Type, req.DeviceID, req.ModuleIndex)
	}
	return nil
}

// colorEntries resolves the slot/color pairs for SET_COLOR: an
// explicit colorMap wins, otherwise the single pair.
func colorEntries(req event.CommandRequest) []event.ColorEntry {
	if len(req.ColorMap) > 0 {
		return req.ColorMap
	}
	return []event.ColorEntry{{UIndex: *req.SensorIndex, Color: *req.ColorCode}}
}

// ── Binary family ────────────────────────────────────────────────────

// binaryFrames builds the downlink frame(s) for one command. The
// combined device+module query expands to two sequential frames.
func binaryFrames(req event.CommandRequest) ([][]byte, error) {
	switch req.Type {
	case event.CmdQryRfidSnapshot:
		return [][]byte{{0xE9, 0x01, byte(req.ModuleIndex)}}, nil

	case event.CmdSetColor:
		frame := []byte{0xE1, byte(req.ModuleIndex)}
		for _, e := range colorEntries(req) {
			frame = append(frame, byte(e.UIndex), byte(e.Color))
		}
		return [][]byte{frame}, nil

	case event.CmdCleanAlarm:
		return [][]byte{{0xE2, byte(req.ModuleIndex), byte(*req.SensorIndex)}}, nil

	case event.CmdQryColor:
		return [][]byte{{0xE4, byte(req.ModuleIndex)}}, nil

	case event.CmdQryDeviceInfo:
		return [][]byte{{0xEF, 0x01, 0x00}}, nil

	case event.CmdQryModuleInfo:
		return [][]byte{{0xEF, 0x02, 0x00}}, nil

	case event.CmdQryDevModInfo:
		return [][]byte{{0xEF, 0x01, 0x00}, {0xEF, 0x02, 0x00}}, nil

	default:
		return nil, fmt.Errorf("command %s has no binary form", req.Type)
	}
}

// ── JSON family ──────────────────────────────────────────────────────

// jsonBody builds the downlink document for one command. Every
// document carries uuid_number so acknowledgements can be correlated.
func jsonBody(req event.CommandRequest) (map[string]any, error) {
	body := map[string]any{"uuid_number": uuidNumber(req)}

	switch req.Type {
	case event.CmdSetColor:
		body["msg_type"] = "set_module_property_req"
		body["module_index"] = req.ModuleIndex
		data := make([]map[string]any, 0, len(req.ColorMap)+1)
		for _, e := range colorEntries(req) {
			data = append(data, map[string]any{"u_index": e.UIndex, "color": e.Color})
		}
		body["u_color_data"] = data

	case event.CmdCleanAlarm:
		body["msg_type"] = "clear_u_warning"
		body["module_index"] = req.ModuleIndex
		body["u_index"] = *req.SensorIndex

	case event.CmdQryRfidSnapshot:
		body["msg_type"] = "get_u_state_req"
		body["module_index"] = req.ModuleIndex

	case event.CmdQryTempHum:
		body["msg_type"] = "get_th_state_req"
		if req.ModuleIndex > 0 {
			body["module_index"] = req.ModuleIndex
		}

	case event.CmdQryDoorState:
		body["msg_type"] = "get_door_state_req"
		if req.ModuleIndex > 0 {
			body["module_index"] = req.ModuleIndex
		}

	case event.CmdQryColor:
		body["msg_type"] = "get_module_property_req"
		body["module_index"] = req.ModuleIndex

	case event.CmdQryDevModInfo:
		body["msg_type"] = "devies_init_req"

	default:
		return nil, fmt.Errorf("command %s has no JSON form", req.Type)
	}
	return body, nil
}

// uuidNumber echoes the request's message id when present so the
// device's response correlates back to the caller.
func uuidNumber(req event.CommandRequest) string {
	if req.MessageID != "" {
		return req.MessageID
	}
	return uuid.NewString()
}
