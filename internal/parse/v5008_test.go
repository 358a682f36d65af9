package parse

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// heartbeatFrame builds a 65-byte heartbeat with the given populated
// slots; remaining slots carry their address byte but a zero module id.
func heartbeatFrame(header byte, slots map[int][]byte, messageID []byte) []byte {
	frame := []byte{header}
	for addr := 1; addr <= 10; addr++ {
		if s, ok := slots[addr]; ok {
			frame = append(frame, s...)
			continue
		}
		frame = append(frame, byte(addr), 0x00, 0x00, 0x00, 0x00, 0x00)
	}
	return append(frame, messageID...)
}

// ── Heartbeat ────────────────────────────────────────────────────────

func TestParseV5008Heartbeat(t *testing.T) {
	t.Run("two_modules_reference_frame", func(t *testing.T) {
		frame := heartbeatFrame(0xCC, map[int][]byte{
			1: {0x01, 0xEC, 0x37, 0x37, 0xBF, 0x06},
			2: {0x02, 0x8C, 0x09, 0x09, 0x95, 0x0C},
		}, []byte{0xF2, 0x00, 0x16, 0x8F})

		inf := ParseV5008("V5008Upload/2437871205/OpeAck", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "HEARTBEAT" {
			t.Errorf("Type = %q, want HEARTBEAT", inf.Type)
		}
		if inf.DeviceID != "2437871205" {
			t.Errorf("DeviceID = %q, want 2437871205", inf.DeviceID)
		}
		if inf.MessageID != "4060092047" {
			t.Errorf("MessageID = %q, want 4060092047", inf.MessageID)
		}
		if len(inf.Heartbeat) != 2 {
			t.Fatalf("got %d modules, want 2", len(inf.Heartbeat))
		}
		m1, m2 := inf.Heartbeat[0], inf.Heartbeat[1]
		if m1.ModuleIndex != 1 || m1.ModuleID != "3963041727" || m1.UTotal != 6 {
			t.Errorf("module 1 = %+v, want {1 3963041727 6}", m1)
		}
		if m2.ModuleIndex != 2 || m2.ModuleID != "2349402517" || m2.UTotal != 12 {
			t.Errorf("module 2 = %+v, want {2 2349402517 12}", m2)
		}
	})

	t.Run("all_slots_zero_yields_empty_list", func(t *testing.T) {
		frame := heartbeatFrame(0xCC, nil, []byte{0x00, 0x00, 0x00, 0x01})

		inf := ParseV5008("V5008Upload/1/OpeAck", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Heartbeat == nil {
			t.Fatal("Heartbeat list is nil, want empty")
		}
		if len(inf.Heartbeat) != 0 {
			t.Errorf("got %d modules, want 0", len(inf.Heartbeat))
		}
	})

	t.Run("cb_header_also_heartbeat", func(t *testing.T) {
		frame := heartbeatFrame(0xCB, map[int][]byte{
			1: {0x01, 0x00, 0x00, 0x00, 0x07, 0x06},
		}, []byte{0x00, 0x00, 0x00, 0x01})

		inf := ParseV5008("V5008Upload/1/OpeAck", frame, t0)
		if inf == nil || inf.Type != "HEARTBEAT" {
			t.Fatalf("inf = %+v, want HEARTBEAT", inf)
		}
	})

	t.Run("high_module_address_filtered", func(t *testing.T) {
		frame := heartbeatFrame(0xCC, map[int][]byte{
			6: {0x06, 0x00, 0x00, 0x00, 0x07, 0x06},
		}, []byte{0x00, 0x00, 0x00, 0x01})

		inf := ParseV5008("V5008Upload/1/OpeAck", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if len(inf.Heartbeat) != 0 {
			t.Errorf("slot with modAddr 6 should be filtered, got %+v", inf.Heartbeat)
		}
	})

	t.Run("truncated_frame_rejected", func(t *testing.T) {
		frame := heartbeatFrame(0xCC, nil, []byte{0x00, 0x00, 0x00, 0x01})
		if inf := ParseV5008("V5008Upload/1/OpeAck", frame[:64], t0); inf != nil {
			t.Errorf("expected nil for truncated frame, got %+v", inf)
		}
	})

	t.Run("missing_topic_device_id_rejected", func(t *testing.T) {
		frame := heartbeatFrame(0xCC, nil, []byte{0x00, 0x00, 0x00, 0x01})
		if inf := ParseV5008("V5008Upload", frame, t0); inf != nil {
			t.Errorf("expected nil without a device id, got %+v", inf)
		}
	})
}

// ── Sensor value decoding ────────────────────────────────────────────

func TestDecodeSensorValue(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		intByte  byte
		fracByte byte
		want     *float64
	}{
		{"zero_sentinel_is_nil", 0x00, 0x00, nil},
		{"positive_value", 0x33, 0x1B, f(51.27)},
		{"sign_bit_negates", 0x85, 0x19, f(-5.25)},
		{"fraction_only", 0x00, 0x19, f(0.25)},
		{"negative_fraction_only", 0x80, 0x19, f(-0.25)},
		{"max_positive", 0x7F, 0x63, f(127.99)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeSensorValue(tt.intByte, tt.fracByte)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("got %v, want nil", *got)
			case tt.want != nil && got == nil:
				t.Errorf("got nil, want %v", *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("got %v, want %v", *got, *tt.want)
			}
		})
	}
}

// ── Temp/hum and noise ───────────────────────────────────────────────

func TestParseV5008TempHum(t *testing.T) {
	t.Run("negative_temperature_reading", func(t *testing.T) {
		frame := []byte{0x01, 0xEC, 0x37, 0x37, 0xBF}
		frame = append(frame, 0x0A, 0x85, 0x19, 0x33, 0x1B) // addr 10
		for i := 0; i < 5; i++ {
			frame = append(frame, 0x00, 0x00, 0x00, 0x00, 0x00) // addr 0: dropped
		}
		frame = append(frame, 0x00, 0x00, 0x00, 0x2A)

		inf := ParseV5008("V5008Upload/77/TemHum", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "TEMP_HUM" {
			t.Errorf("Type = %q, want TEMP_HUM", inf.Type)
		}
		if len(inf.TempHum) != 1 {
			t.Fatalf("got %d modules, want 1", len(inf.TempHum))
		}
		mod := inf.TempHum[0]
		if mod.ModuleIndex != 1 || mod.ModuleID != "3963041727" {
			t.Errorf("module = %+v", mod)
		}
		if len(mod.Readings) != 1 {
			t.Fatalf("got %d readings, want 1 (addr 0 records dropped)", len(mod.Readings))
		}
		r := mod.Readings[0]
		if r.SensorIndex != 10 {
			t.Errorf("SensorIndex = %d, want 10", r.SensorIndex)
		}
		if r.Temp == nil || *r.Temp != -5.25 {
			t.Errorf("Temp = %v, want -5.25", r.Temp)
		}
		if r.Hum == nil || *r.Hum != 51.27 {
			t.Errorf("Hum = %v, want 51.27", r.Hum)
		}
		if inf.MessageID != "42" {
			t.Errorf("MessageID = %q, want 42", inf.MessageID)
		}
	})

	t.Run("wrong_length_rejected", func(t *testing.T) {
		if inf := ParseV5008("V5008Upload/77/TemHum", make([]byte, 38), t0); inf != nil {
			t.Errorf("expected nil for 38-byte frame, got %+v", inf)
		}
	})
}

func TestParseV5008Noise(t *testing.T) {
	frame := []byte{0x02, 0x00, 0x00, 0x00, 0x63}
	frame = append(frame, 0x10, 0x2D, 0x32) // addr 16, 45.50
	frame = append(frame, 0x00, 0x00, 0x00) // dropped
	frame = append(frame, 0x12, 0x00, 0x00) // addr 18, sentinel: null reading
	frame = append(frame, 0x00, 0x00, 0x01, 0x00)

	inf := ParseV5008("V5008Upload/77/Noise", frame, t0)
	if inf == nil {
		t.Fatal("ParseV5008 returned nil")
	}
	if inf.Type != "NOISE_LEVEL" {
		t.Errorf("Type = %q, want NOISE_LEVEL", inf.Type)
	}
	mod := inf.Noise[0]
	if mod.ModuleIndex != 2 || mod.ModuleID != "99" {
		t.Errorf("module = %+v", mod)
	}
	if len(mod.Readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(mod.Readings))
	}
	if mod.Readings[0].Noise == nil || *mod.Readings[0].Noise != 45.5 {
		t.Errorf("reading 16 = %v, want 45.5", mod.Readings[0].Noise)
	}
	if mod.Readings[1].Noise != nil {
		t.Errorf("reading 18 = %v, want nil", *mod.Readings[1].Noise)
	}
}

// ── RFID snapshot ────────────────────────────────────────────────────

func TestParseV5008RfidSnapshot(t *testing.T) {
	snapshot := func(count byte, slots []byte) []byte {
		// header, modAddr 3, modId 1, reserved, uTotal 42, count
		frame := []byte{0xBB, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x2A, count}
		frame = append(frame, slots...)
		return append(frame, 0x00, 0x00, 0x00, 0x07)
	}

	t.Run("slots_decoded", func(t *testing.T) {
		frame := snapshot(2, []byte{
			0x01, 0x01, 0x00, 0x00, 0x30, 0x39, // slot 1, alarm, tag 12345
			0x05, 0x00, 0x00, 0x00, 0xFF, 0xFF, // slot 5, tag 65535
		})

		inf := ParseV5008("V5008Upload/9/LabelState", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "RFID_SNAPSHOT" {
			t.Errorf("Type = %q, want RFID_SNAPSHOT", inf.Type)
		}
		mod := inf.Rfid[0]
		if mod.ModuleIndex != 3 || mod.ModuleID != "1" || mod.UTotal != 42 {
			t.Errorf("module = %+v", mod)
		}
		if len(mod.Slots) != 2 {
			t.Fatalf("got %d slots, want 2", len(mod.Slots))
		}
		if s := mod.Slots[0]; s.SlotIndex != 1 || s.TagID != "12345" || !s.Alarm {
			t.Errorf("slot 0 = %+v", s)
		}
		if s := mod.Slots[1]; s.SlotIndex != 5 || s.TagID != "65535" || s.Alarm {
			t.Errorf("slot 1 = %+v", s)
		}
	})

	t.Run("bb_header_routes_without_topic_hint", func(t *testing.T) {
		frame := snapshot(0, nil)
		inf := ParseV5008("V5008Upload/9/OpeAck", frame, t0)
		if inf == nil || inf.Type != "RFID_SNAPSHOT" {
			t.Fatalf("inf = %+v, want RFID_SNAPSHOT", inf)
		}
		if len(inf.Rfid[0].Slots) != 0 {
			t.Errorf("got %d slots, want 0", len(inf.Rfid[0].Slots))
		}
	})

	t.Run("count_length_mismatch_rejected", func(t *testing.T) {
		frame := snapshot(3, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x01})
		if inf := ParseV5008("V5008Upload/9/LabelState", frame, t0); inf != nil {
			t.Errorf("expected nil for count/length mismatch, got %+v", inf)
		}
	})
}

// ── Door, device info, module info ───────────────────────────────────

func TestParseV5008Door(t *testing.T) {
	frame := []byte{0xBA, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x00, 0x00, 0x00, 0x09}

	inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0)
	if inf == nil {
		t.Fatal("ParseV5008 returned nil")
	}
	if inf.Type != "DOOR_STATE" {
		t.Errorf("Type = %q, want DOOR_STATE", inf.Type)
	}
	if inf.Door.ModuleIndex != 1 || inf.Door.ModuleID != "7" {
		t.Errorf("door = %+v", inf.Door)
	}
	if inf.Door.Door == nil || *inf.Door.Door != 1 {
		t.Errorf("Door = %v, want 1", inf.Door.Door)
	}
	if inf.MessageID != "9" {
		t.Errorf("MessageID = %q, want 9", inf.MessageID)
	}
}

func TestParseV5008DeviceInfo(t *testing.T) {
	frame := []byte{
		0xEF, 0x01,
		0x01, 0x01, // model 257
		0x01, 0x02, 0x03, 0x04, // fw 1.2.3.4
		0xC0, 0xA8, 0x00, 0x02, // ip
		0xFF, 0xFF, 0xFF, 0x00, // mask
		0xC0, 0xA8, 0x00, 0x01, // gateway
		0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, // mac
		0x00, 0x00, 0x00, 0x63,
	}

	inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0)
	if inf == nil {
		t.Fatal("ParseV5008 returned nil")
	}
	if inf.Type != "DEVICE_INFO" {
		t.Errorf("Type = %q, want DEVICE_INFO", inf.Type)
	}
	d := inf.Device
	if d.Model != "257" {
		t.Errorf("Model = %q, want 257", d.Model)
	}
	if d.FwVer != "1.2.3.4" {
		t.Errorf("FwVer = %q, want 1.2.3.4", d.FwVer)
	}
	if d.IP != "192.168.0.2" {
		t.Errorf("IP = %q, want 192.168.0.2", d.IP)
	}
	if d.Mask != "255.255.255.0" {
		t.Errorf("Mask = %q, want 255.255.255.0", d.Mask)
	}
	if d.Gateway != "192.168.0.1" {
		t.Errorf("Gateway = %q, want 192.168.0.1", d.Gateway)
	}
	if d.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MAC = %q, want AA:BB:CC:DD:EE:FF", d.MAC)
	}
	if inf.MessageID != "99" {
		t.Errorf("MessageID = %q, want 99", inf.MessageID)
	}
}

func TestParseV5008ModuleInfo(t *testing.T) {
	t.Run("two_modules", func(t *testing.T) {
		frame := []byte{
			0xEF, 0x02,
			0x01, 0x02, 0x00, 0x00, 0x07, // module 1 fw 2.0.0.7
			0x02, 0x02, 0x00, 0x01, 0x00, // module 2 fw 2.0.1.0
			0x00, 0x00, 0x00, 0x63,
		}

		inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "MODULE_INFO" {
			t.Errorf("Type = %q, want MODULE_INFO", inf.Type)
		}
		if len(inf.Modules) != 2 {
			t.Fatalf("got %d modules, want 2", len(inf.Modules))
		}
		if m := inf.Modules[0]; m.ModuleIndex != 1 || m.FwVer != "2.0.0.7" {
			t.Errorf("module 0 = %+v", m)
		}
		if m := inf.Modules[1]; m.ModuleIndex != 2 || m.FwVer != "2.0.1.0" {
			t.Errorf("module 1 = %+v", m)
		}
	})

	t.Run("ragged_length_rejected", func(t *testing.T) {
		frame := []byte{0xEF, 0x02, 0x01, 0x02, 0x00, 0x00, 0x00, 0x00, 0x63}
		if inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0); inf != nil {
			t.Errorf("expected nil for ragged module list, got %+v", inf)
		}
	})
}

// ── Command acknowledgements ─────────────────────────────────────────

func TestParseV5008CmdResults(t *testing.T) {
	t.Run("set_color_success", func(t *testing.T) {
		frame := []byte{
			0xAA,
			0x00, 0x00, 0x00, 0x05, // device 5
			0xA1,                   // success
			0xE1, 0x01, 0x0A, 0x01, // echoed request
			0x00, 0x00, 0x00, 0x0C,
		}

		inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "SET_CLR_RESP" {
			t.Errorf("Type = %q, want SET_CLR_RESP", inf.Type)
		}
		if inf.DeviceID != "5" {
			t.Errorf("DeviceID = %q, want 5 (from frame)", inf.DeviceID)
		}
		if inf.CmdResult.Result != "Success" {
			t.Errorf("Result = %q, want Success", inf.CmdResult.Result)
		}
		if inf.CmdResult.ModuleIndex != 1 {
			t.Errorf("ModuleIndex = %d, want 1", inf.CmdResult.ModuleIndex)
		}
		if inf.CmdResult.SensorIndex != 10 {
			t.Errorf("SensorIndex = %d, want 10", inf.CmdResult.SensorIndex)
		}
	})

	t.Run("clean_alarm_failure", func(t *testing.T) {
		frame := []byte{
			0xAA,
			0x00, 0x00, 0x00, 0x05,
			0x00,             // anything but 0xA1
			0xE2, 0x03, 0x0B, // echoed request
			0x00, 0x00, 0x00, 0x0D,
		}

		inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "CLN_ALM_RESP" {
			t.Errorf("Type = %q, want CLN_ALM_RESP", inf.Type)
		}
		if inf.CmdResult.Result != "Failure" {
			t.Errorf("Result = %q, want Failure", inf.CmdResult.Result)
		}
		if inf.CmdResult.ModuleIndex != 3 || inf.CmdResult.SensorIndex != 11 {
			t.Errorf("result = %+v", inf.CmdResult)
		}
	})

	t.Run("query_color_with_color_list", func(t *testing.T) {
		frame := []byte{
			0xAA,
			0x00, 0x00, 0x00, 0x05,
			0xA1,
			0xE4, 0x02, // echoed request: query module 2
			0x01, 0x04, 0x00, // three slot colors
			0x00, 0x00, 0x00, 0x0E,
		}

		inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "QRY_CLR_RESP" {
			t.Errorf("Type = %q, want QRY_CLR_RESP", inf.Type)
		}
		if inf.CmdResult.ModuleIndex != 2 {
			t.Errorf("ModuleIndex = %d, want 2", inf.CmdResult.ModuleIndex)
		}
		colors := inf.CmdResult.Colors
		if len(colors) != 3 {
			t.Fatalf("got %d colors, want 3", len(colors))
		}
		if colors[0].UIndex != 1 || colors[0].Color != 1 {
			t.Errorf("colors[0] = %+v", colors[0])
		}
		if colors[2].UIndex != 3 || colors[2].Color != 0 {
			t.Errorf("colors[2] = %+v", colors[2])
		}
	})
}

// ── Dispatch precedence and unknowns ─────────────────────────────────

func TestParseV5008Dispatch(t *testing.T) {
	t.Run("topic_suffix_beats_frame_header", func(t *testing.T) {
		// First byte 0xBA would normally classify as DOOR_STATE, but the
		// TemHum topic wins.
		frame := make([]byte, tempHumLen)
		frame[0] = 0xBA

		inf := ParseV5008("V5008Upload/5/TemHum", frame, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "TEMP_HUM" {
			t.Errorf("Type = %q, want TEMP_HUM", inf.Type)
		}
	})

	t.Run("unknown_header_preserved", func(t *testing.T) {
		inf := ParseV5008("V5008Upload/5/OpeAck", []byte{0x99, 0x01, 0x02}, t0)
		if inf == nil {
			t.Fatal("ParseV5008 returned nil")
		}
		if inf.Type != "UNKNOWN" {
			t.Errorf("Type = %q, want UNKNOWN", inf.Type)
		}
		if inf.Unknown["payloadHex"] != "990102" {
			t.Errorf("payloadHex = %v, want 990102", inf.Unknown["payloadHex"])
		}
	})

	t.Run("ack_with_unknown_opcode_is_unknown", func(t *testing.T) {
		frame := []byte{0xAA, 0x00, 0x00, 0x00, 0x05, 0xA1, 0x77, 0x01, 0x00, 0x00, 0x00, 0x0C}
		inf := ParseV5008("V5008Upload/5/OpeAck", frame, t0)
		if inf == nil || inf.Type != "UNKNOWN" {
			t.Fatalf("inf = %+v, want UNKNOWN", inf)
		}
	})

	t.Run("empty_payload_rejected", func(t *testing.T) {
		if inf := ParseV5008("V5008Upload/5/OpeAck", nil, t0); inf != nil {
			t.Errorf("expected nil for empty payload, got %+v", inf)
		}
	})
}
