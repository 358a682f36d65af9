package normalize

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/cache"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/parse"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type rig struct {
	bus  *bus.Bus
	c    *cache.Cache
	n    *Normalizer
	ces  chan event.Canonical
	cmds chan event.CommandRequest
}

func newRig(t *testing.T) *rig {
	t.Helper()
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)

	c := cache.New()
	n := New(b, c, 30*time.Second, zerolog.Nop())
	n.now = func() time.Time { return t0 }

	r := &rig{
		bus:  b,
		c:    c,
		n:    n,
		ces:  make(chan event.Canonical, 64),
		cmds: make(chan event.CommandRequest, 16),
	}
	b.Subscribe(bus.DataNormalized, "test_ces", func(m any) error {
		r.ces <- m.(event.Canonical)
		return nil
	})
	b.Subscribe(bus.CommandRequest, "test_cmds", func(m any) error {
		r.cmds <- m.(event.CommandRequest)
		return nil
	})
	return r
}

func (r *rig) recvCE(t *testing.T) event.Canonical {
	t.Helper()
	select {
	case ce := <-r.ces:
		return ce
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for canonical event")
		return event.Canonical{}
	}
}

func (r *rig) recvCmd(t *testing.T) event.CommandRequest {
	t.Helper()
	select {
	case cmd := <-r.cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command request")
		return event.CommandRequest{}
	}
}

func (r *rig) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case ce := <-r.ces:
		t.Errorf("unexpected canonical event: %+v", ce)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *rig) drainCmds(t *testing.T) {
	t.Helper()
	for {
		select {
		case <-r.cmds:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

// referenceHeartbeat builds the two-module binary heartbeat frame and
// parses it into an intermediate form.
func referenceHeartbeat(t *testing.T) *event.Intermediate {
	t.Helper()
	frame := []byte{0xCC}
	frame = append(frame, 0x01, 0xEC, 0x37, 0x37, 0xBF, 0x06)
	frame = append(frame, 0x02, 0x8C, 0x09, 0x09, 0x95, 0x0C)
	for addr := byte(3); addr <= 10; addr++ {
		frame = append(frame, addr, 0x00, 0x00, 0x00, 0x00, 0x00)
	}
	frame = append(frame, 0xF2, 0x00, 0x16, 0x8F)

	inf := parse.ParseV5008("V5008Upload/2437871205/OpeAck", frame, t0)
	if inf == nil {
		t.Fatal("reference heartbeat failed to parse")
	}
	return inf
}

// ── Heartbeat flow ───────────────────────────────────────────────────

func TestHeartbeatFlow(t *testing.T) {
	t.Run("first_heartbeat_emits_metadata_and_changes", func(t *testing.T) {
		r := newRig(t)

		if err := r.n.handle(referenceHeartbeat(t)); err != nil {
			t.Fatalf("handle: %v", err)
		}

		hb := r.recvCE(t)
		if hb.Type != event.TypeHeartbeat || hb.DeviceID != "2437871205" || hb.MessageID != "4060092047" {
			t.Errorf("heartbeat CE = %+v", hb)
		}
		if len(hb.Payload) != 2 {
			t.Fatalf("heartbeat payload has %d items, want 2", len(hb.Payload))
		}
		if p := hb.Payload[0]; p["moduleIndex"] != 1 || p["moduleId"] != "3963041727" || p["uTotal"] != 6 {
			t.Errorf("payload[0] = %+v", p)
		}

		meta := r.recvCE(t)
		if meta.Type != event.TypeDeviceMetadata {
			t.Fatalf("second CE = %q, want DEVICE_METADATA", meta.Type)
		}
		mods, ok := meta.Payload[0]["modules"].([]map[string]any)
		if !ok || len(mods) != 2 {
			t.Errorf("metadata modules = %+v", meta.Payload[0]["modules"])
		}

		changed := r.recvCE(t)
		if changed.Type != event.TypeMetaChanged {
			t.Fatalf("third CE = %q, want META_CHANGED_EVENT", changed.Type)
		}
		if len(changed.Payload) != 2 {
			t.Fatalf("change payload has %d items, want 2", len(changed.Payload))
		}
		for _, ch := range changed.Payload {
			if ch["kind"] != "module_added" {
				t.Errorf("change = %+v, want module_added", ch)
			}
		}
	})

	t.Run("repeat_heartbeat_is_a_stable_round_trip", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(referenceHeartbeat(t))
		for i := 0; i < 3; i++ {
			r.recvCE(t)
		}

		r.n.handle(referenceHeartbeat(t))
		if ce := r.recvCE(t); ce.Type != event.TypeHeartbeat {
			t.Errorf("first CE = %q, want HEARTBEAT", ce.Type)
		}
		if ce := r.recvCE(t); ce.Type != event.TypeDeviceMetadata {
			t.Errorf("second CE = %q, want DEVICE_METADATA", ce.Type)
		}
		r.expectQuiet(t)
	})

	t.Run("empty_module_list_reports_removals", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(referenceHeartbeat(t))
		for i := 0; i < 3; i++ {
			r.recvCE(t)
		}

		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "2437871205",
			Type:       event.TypeHeartbeat,
			Heartbeat:  []event.HeartbeatModule{},
		})
		if ce := r.recvCE(t); ce.Type != event.TypeHeartbeat || len(ce.Payload) != 0 {
			t.Errorf("heartbeat CE = %+v, want empty payload", ce)
		}
		if ce := r.recvCE(t); ce.Type != event.TypeDeviceMetadata {
			t.Errorf("CE = %q, want DEVICE_METADATA", ce.Type)
		}
		changed := r.recvCE(t)
		if changed.Type != event.TypeMetaChanged || len(changed.Payload) != 2 {
			t.Fatalf("changes = %+v, want 2 removals", changed.Payload)
		}
		for _, ch := range changed.Payload {
			if ch["kind"] != "module_removed" {
				t.Errorf("change = %+v, want module_removed", ch)
			}
		}
	})
}

func TestRepairTriggers(t *testing.T) {
	t.Run("binary_device_triggers_split_queries", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(referenceHeartbeat(t))

		if cmd := r.recvCmd(t); cmd.Type != event.CmdQryDeviceInfo {
			t.Errorf("cmd 1 = %q, want QRY_DEVICE_INFO", cmd.Type)
		}
		if cmd := r.recvCmd(t); cmd.Type != event.CmdQryModuleInfo {
			t.Errorf("cmd 2 = %q, want QRY_MODULE_INFO", cmd.Type)
		}
		// Both modules lack firmware, one query each.
		for i := 0; i < 2; i++ {
			if cmd := r.recvCmd(t); cmd.Type != event.CmdQryModuleInfo {
				t.Errorf("fw repair cmd = %q, want QRY_MODULE_INFO", cmd.Type)
			}
		}
	})

	t.Run("repairs_debounced_within_window", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(referenceHeartbeat(t))
		r.drainCmds(t)

		r.n.now = func() time.Time { return t0.Add(10 * time.Second) }
		r.n.handle(referenceHeartbeat(t))
		select {
		case cmd := <-r.cmds:
			t.Errorf("repair re-issued inside debounce window: %+v", cmd)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("repairs_fire_again_after_window", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(referenceHeartbeat(t))
		r.drainCmds(t)

		r.n.now = func() time.Time { return t0.Add(31 * time.Second) }
		r.n.handle(referenceHeartbeat(t))
		if cmd := r.recvCmd(t); cmd.Type != event.CmdQryDeviceInfo {
			t.Errorf("cmd = %q, want QRY_DEVICE_INFO after window", cmd.Type)
		}
	})

	t.Run("json_device_uses_single_query", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeHeartbeat,
			Heartbeat:  []event.HeartbeatModule{{ModuleIndex: 1, ModuleID: "M1", UTotal: 12}},
		})

		if cmd := r.recvCmd(t); cmd.Type != event.CmdQryDevModInfo {
			t.Errorf("cmd = %q, want QRY_DEV_MOD_INFO", cmd.Type)
		}
		select {
		case cmd := <-r.cmds:
			t.Errorf("unexpected extra command for JSON device: %+v", cmd)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("no_repairs_once_metadata_complete", func(t *testing.T) {
		r := newRig(t)
		r.c.UpsertMetadata("2437871205", event.DeviceV5008, cache.MetadataPatch{
			IP:  "192.168.0.2",
			MAC: "AA:BB:CC:DD:EE:FF",
			Modules: []cache.ModulePatch{
				{ModuleIndex: 1, FwVer: "2.0.0.7"},
				{ModuleIndex: 2, FwVer: "2.0.0.7"},
			},
		})

		r.n.handle(referenceHeartbeat(t))
		select {
		case cmd := <-r.cmds:
			t.Errorf("unexpected repair: %+v", cmd)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

// ── Info frames ──────────────────────────────────────────────────────

func TestMetadataInfo(t *testing.T) {
	t.Run("ip_change_description_is_exact", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeDeviceInfo,
			Device:     &event.DeviceInfoRecord{IP: "192.168.0.2"},
		})
		r.recvCE(t) // DEVICE_METADATA
		r.recvCE(t) // META_CHANGED (ip set)

		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeDeviceInfo,
			Device:     &event.DeviceInfoRecord{IP: "192.168.0.5"},
		})
		if ce := r.recvCE(t); ce.Type != event.TypeDeviceMetadata {
			t.Errorf("CE = %q, want DEVICE_METADATA", ce.Type)
		}
		changed := r.recvCE(t)
		if changed.Type != event.TypeMetaChanged || len(changed.Payload) != 1 {
			t.Fatalf("changed = %+v", changed)
		}
		want := "Device IP changed from 192.168.0.2 to 192.168.0.5"
		if changed.Payload[0]["description"] != want {
			t.Errorf("description = %q, want %q", changed.Payload[0]["description"], want)
		}
	})

	t.Run("module_info_fills_firmware", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeHeartbeat,
			Heartbeat:  []event.HeartbeatModule{{ModuleIndex: 1, ModuleID: "111", UTotal: 6}},
		})
		for i := 0; i < 3; i++ {
			r.recvCE(t)
		}

		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeModuleInfo,
			Modules:    []event.ModuleInfoRecord{{ModuleIndex: 1, FwVer: "2.0.0.7"}},
		})
		meta := r.recvCE(t)
		mods := meta.Payload[0]["modules"].([]map[string]any)
		if mods[0]["fwVer"] != "2.0.0.7" {
			t.Errorf("metadata fwVer = %v", mods[0]["fwVer"])
		}
		changed := r.recvCE(t)
		if changed.Payload[0]["kind"] != "module_fw" {
			t.Errorf("change = %+v", changed.Payload[0])
		}

		m, _ := r.c.Module("5", 1)
		if m.FwVer != "2.0.0.7" || m.ModuleID != "111" {
			t.Errorf("cached module = %+v", m)
		}
	})

	t.Run("dev_mod_info_applies_device_and_modules", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeDevModInfo,
			Device: &event.DeviceInfoRecord{
				IP:  "10.0.0.9",
				MAC: "AA:BB:CC:00:11:22",
				Modules: []event.ModuleInfoRecord{
					{ModuleIndex: 1, ModuleID: "M1", UTotal: 12, FwVer: "3.1.0"},
				},
			},
		})
		r.recvCE(t)
		r.recvCE(t)

		dev, _ := r.c.Device("GW1")
		if dev.IP != "10.0.0.9" || dev.MAC != "AA:BB:CC:00:11:22" {
			t.Errorf("device = %+v", dev)
		}
		if len(dev.Modules) != 1 || dev.Modules[0].FwVer != "3.1.0" || dev.Modules[0].UTotal != 12 {
			t.Errorf("modules = %+v", dev.Modules)
		}
	})
}

func TestUTotalChanged(t *testing.T) {
	t.Run("change_recorded", func(t *testing.T) {
		r := newRig(t)
		r.c.ReconcileMetadata("GW1", event.DeviceV6800, []event.HeartbeatModule{{ModuleIndex: 4, ModuleID: "M4", UTotal: 6}})

		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeUTotalChanged,
			UTotal:     &event.UTotalRecord{ModuleIndex: 4, ModuleID: "M4", UTotal: 24},
		})
		changed := r.recvCE(t)
		if changed.Type != event.TypeMetaChanged {
			t.Fatalf("CE = %q, want META_CHANGED_EVENT", changed.Type)
		}
		ch := changed.Payload[0]
		if ch["kind"] != "module_utotal" || ch["before"] != "6" || ch["after"] != "24" {
			t.Errorf("change = %+v", ch)
		}
	})

	t.Run("no_op_still_announced", func(t *testing.T) {
		r := newRig(t)
		r.c.ReconcileMetadata("GW1", event.DeviceV6800, []event.HeartbeatModule{{ModuleIndex: 4, ModuleID: "M4", UTotal: 24}})

		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeUTotalChanged,
			UTotal:     &event.UTotalRecord{ModuleIndex: 4, ModuleID: "M4", UTotal: 24},
		})
		changed := r.recvCE(t)
		if changed.Type != event.TypeMetaChanged || len(changed.Payload) != 1 {
			t.Fatalf("changed = %+v", changed)
		}
		ch := changed.Payload[0]
		if ch["before"] != "24" || ch["after"] != "24" || ch["description"] != "Module 4 uTotal is 24" {
			t.Errorf("change = %+v", ch)
		}
	})
}

// ── Telemetry fan-out ────────────────────────────────────────────────

func TestTelemetryFanOut(t *testing.T) {
	t.Run("temp_hum_one_ce_per_module", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeTempHum,
			MessageID:  "m1",
			TempHum: []event.TempHumModule{
				{ModuleIndex: 1, ModuleID: "M1", Readings: []event.TempHumReading{{SensorIndex: 10, Temp: f64(21.5), Hum: f64(48.2)}}},
				{ModuleIndex: 2, ModuleID: "M2", Readings: []event.TempHumReading{{SensorIndex: 10, Temp: nil, Hum: f64(51.0)}}},
			},
		})

		ce1 := r.recvCE(t)
		if ce1.Type != event.TypeTempHum || ce1.ModuleIndex == nil || *ce1.ModuleIndex != 1 || ce1.ModuleID != "M1" {
			t.Errorf("ce1 = %+v", ce1)
		}
		if p := ce1.Payload[0]; p["sensorIndex"] != 10 || p["temp"] != 21.5 || p["hum"] != 48.2 {
			t.Errorf("ce1 payload = %+v", p)
		}

		ce2 := r.recvCE(t)
		if ce2.ModuleIndex == nil || *ce2.ModuleIndex != 2 {
			t.Errorf("ce2 = %+v", ce2)
		}
		if p := ce2.Payload[0]; p["temp"] != nil {
			t.Errorf("nil reading leaked a value: %+v", p)
		}

		m, _ := r.c.Module("GW1", 1)
		if v := m.TempHum[10]; v.Temp == nil || *v.Temp != 21.5 {
			t.Errorf("cache not updated: %+v", v)
		}
	})

	t.Run("module_id_falls_back_to_cache", func(t *testing.T) {
		r := newRig(t)
		r.c.ReconcileMetadata("5", event.DeviceV5008, []event.HeartbeatModule{{ModuleIndex: 1, ModuleID: "3963041727", UTotal: 6}})

		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeTempHum,
			TempHum:    []event.TempHumModule{{ModuleIndex: 1, Readings: []event.TempHumReading{{SensorIndex: 10, Temp: f64(-5.25)}}}},
		})
		ce := r.recvCE(t)
		if ce.ModuleID != "3963041727" {
			t.Errorf("ModuleID = %q, want cache fallback 3963041727", ce.ModuleID)
		}
	})

	t.Run("noise_ce", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeNoiseLevel,
			Noise:      []event.NoiseModule{{ModuleIndex: 3, ModuleID: "333", Readings: []event.NoiseReading{{SensorIndex: 16, Noise: f64(45.5)}}}},
		})
		ce := r.recvCE(t)
		if ce.Type != event.TypeNoiseLevel || *ce.ModuleIndex != 3 {
			t.Errorf("ce = %+v", ce)
		}
		if p := ce.Payload[0]; p["sensorIndex"] != 16 || p["noise"] != 45.5 {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("door_response_updates_cache_and_passes_through", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeQryDoorResp,
			Door:       &event.DoorRecord{ModuleIndex: 2, Door: i(1)},
		})
		ce := r.recvCE(t)
		if ce.Type != event.TypeQryDoorResp || *ce.ModuleIndex != 2 {
			t.Errorf("ce = %+v", ce)
		}
		if p := ce.Payload[0]; p["door"] != 1 {
			t.Errorf("payload = %+v", p)
		}

		m, _ := r.c.Module("GW1", 2)
		if m.Door == nil || m.Door.Door == nil || *m.Door.Door != 1 {
			t.Errorf("cached door = %+v", m.Door)
		}
	})
}

// ── RFID ─────────────────────────────────────────────────────────────

func TestRfidSnapshotDiffing(t *testing.T) {
	snapshot := func(slots ...event.RfidSlot) *event.Intermediate {
		return &event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeRfidSnapshot,
			Rfid:       []event.RfidModule{{ModuleIndex: 3, ModuleID: "333", UTotal: 42, Slots: slots}},
		}
	}

	t.Run("first_snapshot_attaches_everything", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(snapshot(
			event.RfidSlot{SlotIndex: 1, TagID: "T1"},
			event.RfidSlot{SlotIndex: 2, TagID: "T2"},
		))

		snap := r.recvCE(t)
		if snap.Type != event.TypeRfidSnapshot || len(snap.Payload) != 2 {
			t.Fatalf("snapshot CE = %+v", snap)
		}
		for _, want := range []string{"T1", "T2"} {
			ev := r.recvCE(t)
			if ev.Type != event.TypeRfidEvent {
				t.Fatalf("CE = %q, want RFID_EVENT", ev.Type)
			}
			p := ev.Payload[0]
			if p["action"] != "ATTACHED" || p["tagId"] != want {
				t.Errorf("event payload = %+v, want ATTACHED %s", p, want)
			}
		}
	})

	t.Run("removed_tag_detaches", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(snapshot(
			event.RfidSlot{SlotIndex: 1, TagID: "T1"},
			event.RfidSlot{SlotIndex: 2, TagID: "T2"},
		))
		for i := 0; i < 3; i++ {
			r.recvCE(t)
		}

		r.n.handle(snapshot(event.RfidSlot{SlotIndex: 1, TagID: "T1"}))
		if snap := r.recvCE(t); len(snap.Payload) != 1 {
			t.Errorf("snapshot payload = %+v", snap.Payload)
		}
		ev := r.recvCE(t)
		p := ev.Payload[0]
		if p["action"] != "DETACHED" || p["tagId"] != "T2" || p["slotIndex"] != 2 {
			t.Errorf("event payload = %+v, want DETACHED T2 slot 2", p)
		}
		r.expectQuiet(t)
	})

	t.Run("identical_snapshot_emits_no_events", func(t *testing.T) {
		r := newRig(t)
		slots := []event.RfidSlot{{SlotIndex: 1, TagID: "T1"}}
		r.n.handle(snapshot(slots...))
		r.recvCE(t)
		r.recvCE(t)

		r.n.handle(snapshot(slots...))
		if snap := r.recvCE(t); snap.Type != event.TypeRfidSnapshot {
			t.Errorf("CE = %q, want RFID_SNAPSHOT", snap.Type)
		}
		r.expectQuiet(t)
	})

	t.Run("tag_swap_detaches_then_attaches", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(snapshot(event.RfidSlot{SlotIndex: 1, TagID: "T1"}))
		r.recvCE(t)
		r.recvCE(t)

		r.n.handle(snapshot(event.RfidSlot{SlotIndex: 1, TagID: "T9"}))
		r.recvCE(t) // snapshot
		first := r.recvCE(t)
		second := r.recvCE(t)
		if first.Payload[0]["action"] != "DETACHED" || first.Payload[0]["tagId"] != "T1" {
			t.Errorf("first event = %+v, want DETACHED T1", first.Payload[0])
		}
		if second.Payload[0]["action"] != "ATTACHED" || second.Payload[0]["tagId"] != "T9" {
			t.Errorf("second event = %+v, want ATTACHED T9", second.Payload[0])
		}
	})
}

func TestRfidEventResync(t *testing.T) {
	t.Run("movement_notification_requests_snapshot", func(t *testing.T) {
		r := newRig(t)
		err := r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeRfidEvent,
			RfidEvents: []event.RfidEventRecord{{ModuleIndex: 2, SlotIndex: 7, TagID: "T7", Action: "ATTACHED"}},
		})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}

		cmd := r.recvCmd(t)
		if cmd.Type != event.CmdQryRfidSnapshot || cmd.ModuleIndex != 2 || cmd.DeviceID != "GW1" {
			t.Errorf("cmd = %+v", cmd)
		}
		r.expectQuiet(t)
		if _, ok := r.c.Module("GW1", 2); ok {
			t.Error("notification must not create cache state")
		}
	})

	t.Run("same_module_requested_once", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeRfidEvent,
			RfidEvents: []event.RfidEventRecord{
				{ModuleIndex: 2, SlotIndex: 7, TagID: "T7", Action: "ATTACHED"},
				{ModuleIndex: 2, SlotIndex: 8, TagID: "T8", Action: "DETACHED"},
			},
		})

		r.recvCmd(t)
		select {
		case cmd := <-r.cmds:
			t.Errorf("duplicate resync request: %+v", cmd)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

// ── Command responses ────────────────────────────────────────────────

func TestCmdResultPassthrough(t *testing.T) {
	t.Run("set_color_response", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeSetColorResp,
			MessageID:  "42",
			CmdResult:  &event.CmdResultRecord{ModuleIndex: 1, SensorIndex: 10, Result: "Success"},
		})

		ce := r.recvCE(t)
		if ce.Type != event.TypeSetColorResp || ce.ModuleIndex == nil || *ce.ModuleIndex != 1 {
			t.Errorf("ce = %+v", ce)
		}
		p := ce.Payload[0]
		if p["result"] != "Success" || p["sensorIndex"] != 10 {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("color_query_renames_u_index", func(t *testing.T) {
		r := newRig(t)
		r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeQryColorResp,
			CmdResult: &event.CmdResultRecord{
				ModuleIndex: 1,
				Result:      "Success",
				Colors:      []event.ColorEntry{{UIndex: 1, Color: 4}, {UIndex: 2, Color: 0}},
			},
		})

		ce := r.recvCE(t)
		colors, ok := ce.Payload[0]["colors"].([]map[string]any)
		if !ok || len(colors) != 2 {
			t.Fatalf("colors = %+v", ce.Payload[0]["colors"])
		}
		if colors[0]["sensorIndex"] != 1 || colors[0]["colorCode"] != 4 {
			t.Errorf("colors[0] = %+v", colors[0])
		}
	})
}

// ── Plumbing ─────────────────────────────────────────────────────────

func TestNormalizerPlumbing(t *testing.T) {
	t.Run("unknown_frames_dropped_silently", func(t *testing.T) {
		r := newRig(t)
		err := r.n.handle(&event.Intermediate{
			DeviceType: event.DeviceV6800,
			DeviceID:   "GW1",
			Type:       event.TypeUnknown,
			Unknown:    map[string]any{"msg_type": "future_thing_req"},
		})
		if err != nil {
			t.Errorf("handle returned %v, want nil", err)
		}
		r.expectQuiet(t)
	})

	t.Run("register_receives_from_bus", func(t *testing.T) {
		r := newRig(t)
		r.n.Register()

		r.bus.Publish(bus.DataParsed, &event.Intermediate{
			DeviceType: event.DeviceV5008,
			DeviceID:   "5",
			Type:       event.TypeNoiseLevel,
			Noise:      []event.NoiseModule{{ModuleIndex: 3, Readings: []event.NoiseReading{{SensorIndex: 16, Noise: f64(45.5)}}}},
		})
		if ce := r.recvCE(t); ce.Type != event.TypeNoiseLevel {
			t.Errorf("CE = %q, want NOISE_LEVEL", ce.Type)
		}
	})
}

func f64(v float64) *float64 { return &v }
func i(v int) *int           { return &v }
