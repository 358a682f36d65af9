package parse

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/snarg/rack-engine/internal/event"
)

// Frame discriminators for the V5008 binary family.
const (
	hdrDoor       = 0xBA
	hdrHeartbeat  = 0xCC
	hdrHeartbeat2 = 0xCB
	hdrRfid       = 0xBB
	hdrInfo       = 0xEF
	hdrCmdAck     = 0xAA

	infoDevice = 0x01
	infoModule = 0x02

	ackQryColor   = 0xE4
	ackSetColor   = 0xE1
	ackCleanAlarm = 0xE2

	resultOK = 0xA1
)

// Fixed frame lengths.
const (
	heartbeatLen  = 65 // header + 10 module slots of 6 bytes + messageId
	tempHumLen    = 39 // module header + 6 sensor records of 5 bytes + messageId
	noiseLen      = 18 // module header + 3 sensor records of 3 bytes + messageId
	doorLen       = 11
	deviceInfoLen = 30
)

// Heartbeat slots with modAddr above this are wiring artifacts, not
// real modules.
const maxModuleAddr = 5

// ParseV5008 decodes one binary frame from the V5008 family. The device
// id comes from the topic (V5008Upload/{deviceId}/...). Returns nil on
// any malformed or truncated frame; it never panics on bad input.
func ParseV5008(topic string, payload []byte, receivedAt time.Time) *event.Intermediate {
	deviceID := topicSegment(topic, 1)
	if deviceID == "" {
		return nil
	}

	inf := &event.Intermediate{
		DeviceType: event.DeviceV5008,
		DeviceID:   deviceID,
		Meta:       event.Meta{Topic: topic, Raw: payload, ReceivedAt: receivedAt},
	}

	// Topic suffix wins over frame headers.
	switch {
	case strings.HasSuffix(topic, "/LabelState"):
		return parseRfidSnapshot(inf, payload)
	case strings.HasSuffix(topic, "/TemHum"):
		return parseTempHum(inf, payload)
	case strings.HasSuffix(topic, "/Noise"):
		return parseNoise(inf, payload)
	}

	if len(payload) == 0 {
		return nil
	}
	switch payload[0] {
	case hdrDoor:
		return parseDoor(inf, payload)
	case hdrHeartbeat, hdrHeartbeat2:
		return parseHeartbeat(inf, payload)
	case hdrRfid:
		return parseRfidSnapshot(inf, payload)
	case hdrInfo:
		if len(payload) < 2 {
			return nil
		}
		switch payload[1] {
		case infoDevice:
			return parseDeviceInfo(inf, payload)
		case infoModule:
			return parseModuleInfo(inf, payload)
		}
	case hdrCmdAck:
		if len(payload) > 6 {
			switch payload[6] {
			case ackQryColor, ackSetColor, ackCleanAlarm:
				return parseCmdResult(inf, payload)
			}
		}
	}
	return parseUnknownFrame(inf, payload)
}

func parseHeartbeat(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) != heartbeatLen {
		return nil
	}
	inf.Type = event.TypeHeartbeat
	inf.MessageID = trailingMessageID(b)
	inf.Heartbeat = []event.HeartbeatModule{}

	for i := 0; i < 10; i++ {
		off := 1 + i*6
		modAddr := int(b[off])
		modID := binary.BigEndian.Uint32(b[off+1 : off+5])
		if modID == 0 || modAddr > maxModuleAddr {
			continue
		}
		inf.Heartbeat = append(inf.Heartbeat, event.HeartbeatModule{
			ModuleIndex: modAddr,
			ModuleID:    strconv.FormatUint(uint64(modID), 10),
			UTotal:      int(b[off+5]),
		})
	}
	return inf
}

func parseRfidSnapshot(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) < 9 {
		return nil
	}
	count := int(b[8])
	if len(b) != 13+count*6 {
		return nil
	}

	mod := event.RfidModule{
		ModuleIndex: int(b[1]),
		ModuleID:    u32String(b[2:6]),
		UTotal:      int(b[7]),
		Slots:       []event.RfidSlot{},
	}
	for k := 0; k < count; k++ {
		off := 9 + k*6
		mod.Slots = append(mod.Slots, event.RfidSlot{
			SlotIndex: int(b[off]),
			Alarm:     b[off+1] == 0x01,
			TagID:     u32String(b[off+2 : off+6]),
		})
	}

	inf.Type = event.TypeRfidSnapshot
	inf.MessageID = trailingMessageID(b)
	inf.Rfid = []event.RfidModule{mod}
	return inf
}

func parseTempHum(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) != tempHumLen {
		return nil
	}
	mod := event.TempHumModule{
		ModuleIndex: int(b[0]),
		ModuleID:    u32String(b[1:5]),
		Readings:    []event.TempHumReading{},
	}
	for k := 0; k < 6; k++ {
		off := 5 + k*5
		addr := int(b[off])
		if addr == 0 {
			continue
		}
		mod.Readings = append(mod.Readings, event.TempHumReading{
			SensorIndex: addr,
			Temp:        decodeSensorValue(b[off+1], b[off+2]),
			Hum:         decodeSensorValue(b[off+3], b[off+4]),
		})
	}

	inf.Type = event.TypeTempHum
	inf.MessageID = trailingMessageID(b)
	inf.TempHum = []event.TempHumModule{mod}
	return inf
}

func parseNoise(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) != noiseLen {
		return nil
	}
	mod := event.NoiseModule{
		ModuleIndex: int(b[0]),
		ModuleID:    u32String(b[1:5]),
		Readings:    []event.NoiseReading{},
	}
	for k := 0; k < 3; k++ {
		off := 5 + k*3
		addr := int(b[off])
		if addr == 0 {
			continue
		}
		mod.Readings = append(mod.Readings, event.NoiseReading{
			SensorIndex: addr,
			Noise:       decodeSensorValue(b[off+1], b[off+2]),
		})
	}

	inf.Type = event.TypeNoiseLevel
	inf.MessageID = trailingMessageID(b)
	inf.Noise = []event.NoiseModule{mod}
	return inf
}

func parseDoor(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) != doorLen {
		return nil
	}
	state := int(b[6])
	inf.Type = event.TypeDoorState
	inf.MessageID = trailingMessageID(b)
	inf.Door = &event.DoorRecord{
		ModuleIndex: int(b[1]),
		ModuleID:    u32String(b[2:6]),
		Door:        &state,
	}
	return inf
}

func parseDeviceInfo(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) != deviceInfoLen {
		return nil
	}
	inf.Type = event.TypeDeviceInfo
	inf.MessageID = trailingMessageID(b)
	inf.Device = &event.DeviceInfoRecord{
		Model:   strconv.FormatUint(uint64(binary.BigEndian.Uint16(b[2:4])), 10),
		FwVer:   fwString(b[4:8]),
		IP:      ipString(b[8:12]),
		Mask:    ipString(b[12:16]),
		Gateway: ipString(b[16:20]),
		MAC:     macString(b[20:26]),
	}
	return inf
}

func parseModuleInfo(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) < 6 || (len(b)-6)%5 != 0 {
		return nil
	}
	n := (len(b) - 6) / 5
	mods := []event.ModuleInfoRecord{}
	for k := 0; k < n; k++ {
		off := 2 + k*5
		mods = append(mods, event.ModuleInfoRecord{
			ModuleIndex: int(b[off]),
			FwVer:       fwString(b[off+1 : off+5]),
		})
	}

	inf.Type = event.TypeModuleInfo
	inf.MessageID = trailingMessageID(b)
	inf.Modules = mods
	return inf
}

func parseCmdResult(inf *event.Intermediate, b []byte) *event.Intermediate {
	if len(b) < 10 {
		return nil
	}
	result := "Failure"
	if b[5] == resultOK {
		result = "Success"
	}

	// The frame embeds the device id; prefer it over the topic when set.
	if id := binary.BigEndian.Uint32(b[1:5]); id != 0 {
		inf.DeviceID = strconv.FormatUint(uint64(id), 10)
	}

	res := &event.CmdResultRecord{Result: result}
	switch b[6] {
	case ackQryColor:
		if len(b) < 12 {
			return nil
		}
		inf.Type = event.TypeQryColorResp
		res.ModuleIndex = int(b[7])
		res.Colors = []event.ColorEntry{}
		for k, code := range b[8 : len(b)-4] {
			res.Colors = append(res.Colors, event.ColorEntry{UIndex: k + 1, Color: int(code)})
		}
	case ackSetColor, ackCleanAlarm:
		orig := b[6 : len(b)-4]
		if len(orig) >= 2 {
			res.ModuleIndex = int(orig[1])
		}
		if len(orig) >= 3 {
			res.SensorIndex = int(orig[2])
		}
		if b[6] == ackSetColor {
			inf.Type = event.TypeSetColorResp
		} else {
			inf.Type = event.TypeCleanAlarmResp
		}
	}

	inf.MessageID = trailingMessageID(b)
	inf.CmdResult = res
	return inf
}

func parseUnknownFrame(inf *event.Intermediate, b []byte) *event.Intermediate {
	inf.Type = event.TypeUnknown
	inf.Unknown = map[string]any{
		"payloadHex": hex.EncodeToString(b),
		"length":     len(b),
	}
	return inf
}

// decodeSensorValue decodes the two-byte sensor encoding shared by the
// temp/hum and noise frames: the integer byte carries the sign in its
// high bit, the second byte is hundredths. (0x00, 0x00) is the "no
// reading" sentinel and decodes to nil, distinct from 0.0.
func decodeSensorValue(intByte, fracByte byte) *float64 {
	if intByte == 0x00 && fracByte == 0x00 {
		return nil
	}
	v := float64(intByte&0x7F) + float64(fracByte)/100
	if intByte&0x80 != 0 {
		v = -v
	}
	v = math.Round(v*100) / 100
	return &v
}

// trailingMessageID renders the last four bytes of a frame as the
// decimal message id.
func trailingMessageID(b []byte) string {
	if len(b) < 4 {
		return ""
	}
	return u32String(b[len(b)-4:])
}

func u32String(b []byte) string {
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b)), 10)
}

func ipString(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func fwString(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func macString(b []byte) string {
	return strings.ToUpper(fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5]))
}

// topicSegment returns the nth slash-separated topic segment, or "".
func topicSegment(topic string, n int) string {
	parts := strings.Split(topic, "/")
	if n < len(parts) {
		return parts[n]
	}
	return ""
}
