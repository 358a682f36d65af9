package parse

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/snarg/rack-engine/internal/event"
)

// msgTypes maps the V6800 wire discriminator to the canonical message
// type. "devies_init_req" is not a mistake in this table: real devices
// emit that spelling and it must not be corrected.
var msgTypes = map[string]event.MessageType{
	"heart_beat_req":                 event.TypeHeartbeat,
	"u_state_resp":                   event.TypeRfidSnapshot,
	"u_state_changed_notify_req":     event.TypeRfidEvent,
	"th_state_notify_req":            event.TypeTempHum,
	"th_state_resp":                  event.TypeQryTempHumResp,
	"door_state_changed_notify_req":  event.TypeDoorState,
	"door_state_resp":                event.TypeQryDoorResp,
	"devies_init_req":                event.TypeDevModInfo,
	"u_total_changed_notify_req":     event.TypeUTotalChanged,
	"get_module_property_resp":       event.TypeQryColorResp,
	"set_module_property_resp":       event.TypeSetColorResp,
	"clear_u_warning_resp":           event.TypeCleanAlarmResp,
}

// ParseV6800 decodes one JSON envelope from the V6800 family. Returns
// nil when the payload is not a JSON object or carries no usable device
// identity; unknown msg_type values are preserved as UNKNOWN.
func ParseV6800(topic string, payload []byte, receivedAt time.Time) *event.Intermediate {
	var env map[string]any
	if err := json.Unmarshal(payload, &env); err != nil || env == nil {
		return nil
	}

	msgType, _ := env["msg_type"].(string)
	if msgType == "" {
		return nil
	}

	inf := &event.Intermediate{
		DeviceType: event.DeviceV6800,
		DeviceID:   extractDeviceID(env, msgType, topic),
		MessageID:  asString(env["uuid_number"]),
		Meta:       event.Meta{Topic: topic, Raw: payload, ReceivedAt: receivedAt},
	}
	if inf.DeviceID == "" {
		return nil
	}

	mapped, ok := msgTypes[msgType]
	if !ok {
		inf.Type = event.TypeUnknown
		inf.Unknown = env
		return inf
	}
	inf.Type = mapped

	switch mapped {
	case event.TypeHeartbeat:
		return parseJSONHeartbeat(inf, env)
	case event.TypeRfidSnapshot:
		return parseJSONRfidSnapshot(inf, env)
	case event.TypeRfidEvent:
		return parseJSONRfidEvent(inf, env)
	case event.TypeTempHum, event.TypeQryTempHumResp:
		return parseJSONTempHum(inf, env)
	case event.TypeDoorState, event.TypeQryDoorResp:
		return parseJSONDoor(inf, env)
	case event.TypeDevModInfo:
		return parseJSONDevModInfo(inf, env)
	case event.TypeUTotalChanged:
		return parseJSONUTotal(inf, env)
	default: // command responses
		return parseJSONCmdResult(inf, env)
	}
}

// extractDeviceID walks the identity fields in priority order. Gateway
// heartbeats report their own serial under module_sn.
func extractDeviceID(env map[string]any, msgType, topic string) string {
	if msgType == "heart_beat_req" && asString(env["module_type"]) == "mt_gw" {
		if sn := asString(env["module_sn"]); sn != "" {
			return sn
		}
	}
	if id := firstString(env, "gateway_sn", "gateway_id", "device_id", "dev_id", "sn"); id != "" {
		return id
	}
	return topicSegment(topic, 1)
}

func parseJSONHeartbeat(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	inf.Heartbeat = []event.HeartbeatModule{}
	for _, item := range itemsOf(env, "data") {
		idx, ok := moduleIndexOf(item)
		if !ok {
			continue
		}
		total, _ := firstInt(item, "u_total")
		inf.Heartbeat = append(inf.Heartbeat, event.HeartbeatModule{
			ModuleIndex: idx,
			ModuleID:    moduleIDOf(item),
			UTotal:      total,
		})
	}
	return inf
}

func parseJSONRfidSnapshot(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	inf.Rfid = []event.RfidModule{}
	for _, item := range itemsOf(env, "data") {
		idx, ok := moduleIndexOf(item)
		if !ok {
			continue
		}
		mod := event.RfidModule{
			ModuleIndex: idx,
			ModuleID:    moduleIDOf(item),
			Slots:       []event.RfidSlot{},
		}
		if total, ok := firstInt(item, "u_total"); ok {
			mod.UTotal = total
		}
		for _, slot := range itemsOf(item, "data", "u_data") {
			tag := asString(slot["tag_code"])
			if tag == "" {
				continue
			}
			u, ok := firstInt(slot, "u_index")
			if !ok {
				continue
			}
			warning, _ := firstInt(slot, "warning")
			mod.Slots = append(mod.Slots, event.RfidSlot{
				SlotIndex: u,
				TagID:     tag,
				Alarm:     warning == 1,
			})
		}
		inf.Rfid = append(inf.Rfid, mod)
	}
	return inf
}

func parseJSONRfidEvent(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	inf.RfidEvents = []event.RfidEventRecord{}
	for _, item := range itemsOf(env, "data") {
		idx, ok := moduleIndexOf(item)
		if !ok {
			continue
		}
		modID := moduleIDOf(item)
		for _, slot := range itemsOf(item, "data", "u_data") {
			u, ok := firstInt(slot, "u_index")
			if !ok {
				continue
			}
			newState, _ := firstInt(slot, "new_state")
			oldState, _ := firstInt(slot, "old_state")
			inf.RfidEvents = append(inf.RfidEvents, event.RfidEventRecord{
				ModuleIndex: idx,
				ModuleID:    modID,
				SlotIndex:   u,
				TagID:       asString(slot["tag_code"]),
				Action:      rfidAction(newState, oldState),
			})
		}
	}
	return inf
}

func rfidAction(newState, oldState int) string {
	switch {
	case newState == 1 && oldState == 0:
		return "ATTACHED"
	case newState == 0 && oldState == 1:
		return "DETACHED"
	case newState == 1:
		return "ATTACHED"
	default:
		return "DETACHED"
	}
}

func parseJSONTempHum(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	inf.TempHum = []event.TempHumModule{}
	for _, item := range itemsOf(env, "data") {
		idx, ok := moduleIndexOf(item)
		if !ok {
			continue
		}
		mod := event.TempHumModule{
			ModuleIndex: idx,
			ModuleID:    moduleIDOf(item),
			Readings:    []event.TempHumReading{},
		}
		for _, r := range itemsOf(item, "data", "th_data") {
			th, ok := firstInt(r, "th_index", "index")
			if !ok {
				continue
			}
			mod.Readings = append(mod.Readings, event.TempHumReading{
				SensorIndex: th,
				Temp:        zeroToNil(r["temp"]),
				Hum:         zeroToNil(r["hum"]),
			})
		}
		inf.TempHum = append(inf.TempHum, mod)
	}
	return inf
}

func parseJSONDoor(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	// Notifications nest under data[0]; responses may carry the fields
	// at the top level.
	src := env
	if items := itemsOf(env, "data"); len(items) > 0 {
		src = items[0]
	}

	door := &event.DoorRecord{ModuleID: moduleIDOf(src)}
	if idx, ok := moduleIndexOf(src); ok {
		door.ModuleIndex = idx
	} else if idx, ok := moduleIndexOf(env); ok {
		door.ModuleIndex = idx
	}
	if door.ModuleID == "" {
		door.ModuleID = moduleIDOf(env)
	}

	s1, has1 := firstInt(src, "new_state1")
	s2, has2 := firstInt(src, "new_state2")
	if has1 || has2 {
		if has1 {
			door.Door1 = &s1
		}
		if has2 {
			door.Door2 = &s2
		}
	} else if s, ok := firstInt(src, "new_state"); ok {
		door.Door = &s
	} else {
		return nil
	}

	inf.Door = door
	return inf
}

func parseJSONDevModInfo(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	inf.Device = &event.DeviceInfoRecord{
		IP:  asString(env["gateway_ip"]),
		MAC: asString(env["gateway_mac"]),
	}
	for _, item := range itemsOf(env, "data") {
		idx, ok := moduleIndexOf(item)
		if !ok {
			continue
		}
		total, _ := firstInt(item, "u_total")
		inf.Device.Modules = append(inf.Device.Modules, event.ModuleInfoRecord{
			ModuleIndex: idx,
			ModuleID:    moduleIDOf(item),
			UTotal:      total,
			FwVer:       firstString(item, "fw_version", "fw_ver"),
		})
	}
	return inf
}

func parseJSONUTotal(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	src := env
	if items := itemsOf(env, "data"); len(items) > 0 {
		src = items[0]
	}
	idx, ok := moduleIndexOf(src)
	if !ok {
		return nil
	}
	total, ok := firstInt(src, "u_total")
	if !ok {
		return nil
	}
	inf.UTotal = &event.UTotalRecord{
		ModuleIndex: idx,
		ModuleID:    moduleIDOf(src),
		UTotal:      total,
	}
	return inf
}

func parseJSONCmdResult(inf *event.Intermediate, env map[string]any) *event.Intermediate {
	res := &event.CmdResultRecord{Result: resultString(env["result"])}
	if idx, ok := moduleIndexOf(env); ok {
		res.ModuleIndex = idx
	}
	if inf.Type == event.TypeQryColorResp {
		res.Colors = []event.ColorEntry{}
		for _, c := range itemsOf(env, "u_color_data", "data") {
			u, ok := firstInt(c, "u_index")
			if !ok {
				continue
			}
			color, _ := firstInt(c, "color")
			res.Colors = append(res.Colors, event.ColorEntry{UIndex: u, Color: color})
		}
	}
	inf.CmdResult = res
	return inf
}

// resultString normalizes the device's result conventions: 0 and true
// mean success, 1 and false mean failure.
func resultString(v any) string {
	switch r := v.(type) {
	case bool:
		if r {
			return "Success"
		}
		return "Failure"
	case float64:
		if r == 0 {
			return "Success"
		}
		return "Failure"
	case string:
		if r == "0" || r == "true" || r == "success" {
			return "Success"
		}
		return "Failure"
	default:
		return ""
	}
}

// ── JSON field helpers ───────────────────────────────────────────────

// asString renders a JSON scalar as a string. Integral floats drop the
// fraction so uuid_number 123456 reads "123456", not "123456.000000".
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == math.Trunc(s) && math.Abs(s) < 1e15 {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		case bool:
			if v {
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}

// itemsOf returns the first present key as a slice of objects,
// skipping non-object elements.
func itemsOf(m map[string]any, keys ...string) []map[string]any {
	for _, k := range keys {
		arr, ok := m[k].([]any)
		if !ok {
			continue
		}
		items := make([]map[string]any, 0, len(arr))
		for _, el := range arr {
			if obj, ok := el.(map[string]any); ok {
				items = append(items, obj)
			}
		}
		return items
	}
	return nil
}

func moduleIndexOf(m map[string]any) (int, bool) {
	return firstInt(m, "module_index", "host_gateway_port_index", "index")
}

func moduleIDOf(m map[string]any) string {
	return firstString(m, "module_sn", "extend_module_sn", "module_id")
}

// zeroToNil converts a numeric reading to a pointer, treating 0 as the
// device's "no reading" sentinel.
func zeroToNil(v any) *float64 {
	f, ok := v.(float64)
	if !ok || f == 0 {
		return nil
	}
	return &f
}
