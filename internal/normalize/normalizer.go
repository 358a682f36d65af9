// Package normalize turns intermediate forms into canonical events.
// It reconciles metadata against the cache, diffs RFID snapshots into
// movement events, fans per-module telemetry out to one event per
// module, and requests repair queries when cached state is incomplete.
package normalize

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/cache"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
)

// Normalizer consumes intermediate forms from data.parsed and emits
// canonical events on data.normalized.
type Normalizer struct {
	bus   *bus.Bus
	cache *cache.Cache
	log   zerolog.Logger

	// Repair queries are debounced per device and kind so a missing
	// field does not trigger a query storm on every heartbeat.
	repairDebounce time.Duration
	mu             sync.Mutex
	lastRepair     map[string]time.Time

	now func() time.Time
}

func New(b *bus.Bus, c *cache.Cache, repairDebounce time.Duration, log zerolog.Logger) *Normalizer {
	return &Normalizer{
		bus:            b,
		cache:          c,
		log:            log.With().Str("component", "normalize").Logger(),
		repairDebounce: repairDebounce,
		lastRepair:     make(map[string]time.Time),
		now:            time.Now,
	}
}

// Register subscribes the normalizer to data.parsed. The returned
// cancel detaches it again.
func (n *Normalizer) Register() func() {
	return n.bus.Subscribe(bus.DataParsed, "normalize", n.handle)
}

func (n *Normalizer) handle(msg any) error {
	inf, ok := msg.(*event.Intermediate)
	if !ok {
		return fmt.Errorf("unexpected message type %T on data.parsed", msg)
	}

	switch inf.Type {
	case event.TypeHeartbeat:
		return n.heartbeat(inf)
	case event.TypeDeviceInfo, event.TypeModuleInfo, event.TypeDevModInfo:
		return n.metadataInfo(inf)
	case event.TypeUTotalChanged:
		return n.uTotalChanged(inf)
	case event.TypeTempHum, event.TypeQryTempHumResp:
		return n.tempHum(inf)
	case event.TypeNoiseLevel:
		return n.noise(inf)
	case event.TypeDoorState, event.TypeQryDoorResp:
		return n.door(inf)
	case event.TypeRfidSnapshot:
		return n.rfidSnapshot(inf)
	case event.TypeRfidEvent:
		return n.rfidEvent(inf)
	case event.TypeQryColorResp, event.TypeSetColorResp, event.TypeCleanAlarmResp:
		return n.cmdResult(inf)
	case event.TypeUnknown:
		n.log.Debug().
			Str("device_id", inf.DeviceID).
			Str("topic", inf.Meta.Topic).
			Msg("unknown frame dropped")
		return nil
	default:
		return fmt.Errorf("no branch for message type %s", inf.Type)
	}
}

// ── Metadata branches ────────────────────────────────────────────────

// heartbeat reconciles the authoritative module list, then emits the
// heartbeat itself, the resulting metadata snapshot, and a change
// event when anything moved.
func (n *Normalizer) heartbeat(inf *event.Intermediate) error {
	changes := n.cache.ReconcileMetadata(inf.DeviceID, inf.DeviceType, inf.Heartbeat)

	payload := make([]map[string]any, 0, len(inf.Heartbeat))
	for _, m := range inf.Heartbeat {
		payload = append(payload, map[string]any{
			"moduleIndex": m.ModuleIndex,
			"moduleId":    m.ModuleID,
			"uTotal":      m.UTotal,
		})
	}
	n.emit(event.Canonical{
		Type:       event.TypeHeartbeat,
		DeviceType: inf.DeviceType,
		DeviceID:   inf.DeviceID,
		MessageID:  inf.MessageID,
		Payload:    payload,
	})

	n.emitDeviceMetadata(inf)
	if len(changes) > 0 {
		n.emitMetaChanged(inf, changes)
	}

	n.repairTriggers(inf)
	return nil
}

func (n *Normalizer) metadataInfo(inf *event.Intermediate) error {
	var patch cache.MetadataPatch
	if inf.Device != nil {
		patch.Model = inf.Device.Model
		patch.FwVer = inf.Device.FwVer
		patch.IP = inf.Device.IP
		patch.Mask = inf.Device.Mask
		patch.Gateway = inf.Device.Gateway
		patch.MAC = inf.Device.MAC
		for _, rec := range inf.Device.Modules {
			u := rec.UTotal
			patch.Modules = append(patch.Modules, cache.ModulePatch{
				ModuleIndex: rec.ModuleIndex,
				ModuleID:    rec.ModuleID,
				UTotal:      &u,
				FwVer:       rec.FwVer,
			})
		}
	}
	for _, rec := range inf.Modules {
		patch.Modules = append(patch.Modules, cache.ModulePatch{
			ModuleIndex: rec.ModuleIndex,
			FwVer:       rec.FwVer,
		})
	}

	changes := n.cache.UpsertMetadata(inf.DeviceID, inf.DeviceType, patch)
	n.emitDeviceMetadata(inf)
	if len(changes) > 0 {
		n.emitMetaChanged(inf, changes)
	}
	return nil
}

// uTotalChanged merges the new slot count and always announces the
// resulting configuration, even when it matches the cache.
func (n *Normalizer) uTotalChanged(inf *event.Intermediate) error {
	rec := inf.UTotal
	if rec == nil {
		return fmt.Errorf("uTotal record missing for %s", inf.DeviceID)
	}

	u := rec.UTotal
	changes := n.cache.UpsertMetadata(inf.DeviceID, inf.DeviceType, cache.MetadataPatch{
		Modules: []cache.ModulePatch{{ModuleIndex: rec.ModuleIndex, ModuleID: rec.ModuleID, UTotal: &u}},
	})
	if len(changes) == 0 {
		changes = []cache.Change{{
			Kind:        "module_utotal",
			Target:      strconv.Itoa(rec.ModuleIndex),
			Before:      strconv.Itoa(u),
			After:       strconv.Itoa(u),
			Description: fmt.Sprintf("Module %d uTotal is %d", rec.ModuleIndex, u),
		}}
	}
	n.emitMetaChanged(inf, changes)
	return nil
}

// ── Telemetry branches ───────────────────────────────────────────────

func (n *Normalizer) tempHum(inf *event.Intermediate) error {
	for _, mod := range inf.TempHum {
		n.cache.UpdateTempHum(inf.DeviceID, inf.DeviceType, mod)

		payload := make([]map[string]any, 0, len(mod.Readings))
		for _, r := range mod.Readings {
			payload = append(payload, map[string]any{
				"sensorIndex": r.SensorIndex,
				"temp":        floatOrNil(r.Temp),
				"hum":         floatOrNil(r.Hum),
			})
		}
		idx := mod.ModuleIndex
		n.emit(event.Canonical{
			Type:        inf.Type,
			DeviceType:  inf.DeviceType,
			DeviceID:    inf.DeviceID,
			ModuleIndex: &idx,
			ModuleID:    n.moduleID(inf.DeviceID, idx, mod.ModuleID),
			MessageID:   inf.MessageID,
			Payload:     payload,
		})
	}
	return nil
}

func (n *Normalizer) noise(inf *event.Intermediate) error {
	for _, mod := range inf.Noise {
		n.cache.UpdateNoise(inf.DeviceID, inf.DeviceType, mod)

		payload := make([]map[string]any, 0, len(mod.Readings))
		for _, r := range mod.Readings {
			payload = append(payload, map[string]any{
				"sensorIndex": r.SensorIndex,
				"noise":       floatOrNil(r.Noise),
			})
		}
		idx := mod.ModuleIndex
		n.emit(event.Canonical{
			Type:        event.TypeNoiseLevel,
			DeviceType:  inf.DeviceType,
			DeviceID:    inf.DeviceID,
			ModuleIndex: &idx,
			ModuleID:    n.moduleID(inf.DeviceID, idx, mod.ModuleID),
			MessageID:   inf.MessageID,
			Payload:     payload,
		})
	}
	return nil
}

func (n *Normalizer) door(inf *event.Intermediate) error {
	rec := inf.Door
	if rec == nil {
		return fmt.Errorf("door record missing for %s", inf.DeviceID)
	}
	n.cache.UpdateDoor(inf.DeviceID, inf.DeviceType, *rec)

	item := map[string]any{}
	if rec.Door != nil {
		item["door"] = *rec.Door
	}
	if rec.Door1 != nil {
		item["door1"] = *rec.Door1
	}
	if rec.Door2 != nil {
		item["door2"] = *rec.Door2
	}
	idx := rec.ModuleIndex
	n.emit(event.Canonical{
		Type:        inf.Type,
		DeviceType:  inf.DeviceType,
		DeviceID:    inf.DeviceID,
		ModuleIndex: &idx,
		ModuleID:    n.moduleID(inf.DeviceID, idx, rec.ModuleID),
		MessageID:   inf.MessageID,
		Payload:     []map[string]any{item},
	})
	return nil
}

// ── RFID branches ────────────────────────────────────────────────────

// rfidSnapshot emits the full slot list plus one movement event per
// attach or detach found against the cached snapshot. Detaches go
// first so a same-slot tag swap reads in physical order.
func (n *Normalizer) rfidSnapshot(inf *event.Intermediate) error {
	for _, mod := range inf.Rfid {
		attached, detached := n.cache.UpdateRfid(inf.DeviceID, inf.DeviceType, mod)

		idx := mod.ModuleIndex
		modID := n.moduleID(inf.DeviceID, idx, mod.ModuleID)

		payload := make([]map[string]any, 0, len(mod.Slots))
		for _, s := range mod.Slots {
			payload = append(payload, map[string]any{
				"slotIndex": s.SlotIndex,
				"tagId":     s.TagID,
				"alarm":     s.Alarm,
			})
		}
		n.emit(event.Canonical{
			Type:        event.TypeRfidSnapshot,
			DeviceType:  inf.DeviceType,
			DeviceID:    inf.DeviceID,
			ModuleIndex: &idx,
			ModuleID:    modID,
			MessageID:   inf.MessageID,
			Payload:     payload,
		})

		for _, s := range detached {
			n.emitRfidEvent(inf, idx, modID, s, "DETACHED")
		}
		for _, s := range attached {
			n.emitRfidEvent(inf, idx, modID, s, "ATTACHED")
		}
	}
	return nil
}

// rfidEvent handles device-reported movement notifications. These are
// not authoritative: instead of trusting them we request a fresh
// snapshot and let its diff produce the movement events, which keeps
// event emission single-sourced when notifications race snapshots.
func (n *Normalizer) rfidEvent(inf *event.Intermediate) error {
	seen := make(map[int]bool)
	for _, ev := range inf.RfidEvents {
		if seen[ev.ModuleIndex] {
			continue
		}
		seen[ev.ModuleIndex] = true
		n.publishCommand(inf, event.CmdQryRfidSnapshot, ev.ModuleIndex)
		n.log.Debug().
			Str("device_id", inf.DeviceID).
			Int("module_index", ev.ModuleIndex).
			Msg("movement notification, requesting snapshot resync")
	}
	return nil
}

func (n *Normalizer) emitRfidEvent(inf *event.Intermediate, idx int, modID string, s event.RfidSlot, action string) {
	n.emit(event.Canonical{
		Type:        event.TypeRfidEvent,
		DeviceType:  inf.DeviceType,
		DeviceID:    inf.DeviceID,
		ModuleIndex: &idx,
		ModuleID:    modID,
		MessageID:   inf.MessageID,
		Payload: []map[string]any{{
			"slotIndex": s.SlotIndex,
			"tagId":     s.TagID,
			"action":    action,
		}},
	})
}

// ── Command responses ────────────────────────────────────────────────

func (n *Normalizer) cmdResult(inf *event.Intermediate) error {
	res := inf.CmdResult
	if res == nil {
		return fmt.Errorf("command result missing for %s", inf.DeviceID)
	}

	item := map[string]any{"result": res.Result}
	if res.SensorIndex != 0 {
		item["sensorIndex"] = res.SensorIndex
	}
	if inf.Type == event.TypeQryColorResp {
		colors := make([]map[string]any, 0, len(res.Colors))
		for _, c := range res.Colors {
			colors = append(colors, map[string]any{"sensorIndex": c.UIndex, "colorCode": c.Color})
		}
		item["colors"] = colors
	}

	ce := event.Canonical{
		Type:       inf.Type,
		DeviceType: inf.DeviceType,
		DeviceID:   inf.DeviceID,
		MessageID:  inf.MessageID,
		Payload:    []map[string]any{item},
	}
	if res.ModuleIndex > 0 {
		idx := res.ModuleIndex
		ce.ModuleIndex = &idx
		ce.ModuleID = n.cache.ModuleID(inf.DeviceID, idx)
	}
	n.emit(ce)
	return nil
}

// ── Repair ───────────────────────────────────────────────────────────

func (n *Normalizer) repairTriggers(inf *event.Intermediate) {
	if n.cache.IsDeviceInfoMissing(inf.DeviceID) && n.shouldRepair(inf.DeviceID+"/devinfo") {
		switch inf.DeviceType {
		case event.DeviceV5008:
			n.publishCommand(inf, event.CmdQryDeviceInfo, 0)
			n.publishCommand(inf, event.CmdQryModuleInfo, 0)
		case event.DeviceV6800:
			n.publishCommand(inf, event.CmdQryDevModInfo, 0)
		}
	}

	if inf.DeviceType != event.DeviceV5008 {
		return
	}
	for _, idx := range n.cache.ModulesMissingFwVer(inf.DeviceID) {
		if n.shouldRepair(fmt.Sprintf("%s/modfw/%d", inf.DeviceID, idx)) {
			n.publishCommand(inf, event.CmdQryModuleInfo, idx)
		}
	}
}

// shouldRepair reports whether the keyed repair may fire now, and if
// so stamps it.
func (n *Normalizer) shouldRepair(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastRepair[key]; ok && now.Sub(last) < n.repairDebounce {
		return false
	}
	n.lastRepair[key] = now
	return true
}

func (n *Normalizer) publishCommand(inf *event.Intermediate, cmdType string, moduleIndex int) {
	n.bus.Publish(bus.CommandRequest, event.CommandRequest{
		CommandID:   "cmd_" + uuid.NewString(),
		DeviceID:    inf.DeviceID,
		DeviceType:  inf.DeviceType,
		Type:        cmdType,
		ModuleIndex: moduleIndex,
	})
}

// ── Emission helpers ─────────────────────────────────────────────────

func (n *Normalizer) emit(ce event.Canonical) {
	metrics.EventsNormalizedTotal.WithLabelValues(string(ce.Type)).Inc()
	n.bus.Publish(bus.DataNormalized, ce)
}

// emitDeviceMetadata publishes the cached device state as it stands
// after the triggering mutation.
func (n *Normalizer) emitDeviceMetadata(inf *event.Intermediate) {
	dev, ok := n.cache.Device(inf.DeviceID)
	if !ok {
		return
	}

	mods := make([]map[string]any, 0, len(dev.Modules))
	for _, m := range dev.Modules {
		mods = append(mods, map[string]any{
			"moduleIndex": m.ModuleIndex,
			"moduleId":    m.ModuleID,
			"uTotal":      m.UTotal,
			"fwVer":       m.FwVer,
			"online":      m.Online,
		})
	}
	n.emit(event.Canonical{
		Type:       event.TypeDeviceMetadata,
		DeviceType: inf.DeviceType,
		DeviceID:   inf.DeviceID,
		MessageID:  inf.MessageID,
		Payload: []map[string]any{{
			"model":   dev.Model,
			"fwVer":   dev.FwVer,
			"ip":      dev.IP,
			"mask":    dev.Mask,
			"gwIp":    dev.Gateway,
			"mac":     dev.MAC,
			"online":  dev.Online,
			"modules": mods,
		}},
	})
}

func (n *Normalizer) emitMetaChanged(inf *event.Intermediate, changes []cache.Change) {
	payload := make([]map[string]any, 0, len(changes))
	for _, ch := range changes {
		payload = append(payload, map[string]any{
			"kind":        ch.Kind,
			"target":      ch.Target,
			"before":      ch.Before,
			"after":       ch.After,
			"description": ch.Description,
		})
	}
	n.emit(event.Canonical{
		Type:       event.TypeMetaChanged,
		DeviceType: inf.DeviceType,
		DeviceID:   inf.DeviceID,
		MessageID:  inf.MessageID,
		Payload:    payload,
	})
}

// moduleID prefers the id carried by the frame, falling back to the
// cache so telemetry events keep their module identity even when the
// device omits it.
func (n *Normalizer) moduleID(deviceID string, moduleIndex int, fromFrame string) string {
	if fromFrame != "" {
		return fromFrame
	}
	return n.cache.ModuleID(deviceID, moduleIndex)
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
