// Package cache holds the live state of every known device and module:
// metadata reconciled from heartbeats and info frames, plus the latest
// telemetry per sensor slot. It is the single source of truth for the
// snapshot endpoints and the diff base for RFID movement detection.
package cache

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/snarg/rack-engine/internal/event"
)

// DeviceState is the cached metadata for one gateway.
type DeviceState struct {
	DeviceID     string           `json:"deviceId"`
	DeviceType   event.DeviceType `json:"deviceType"`
	Model        string           `json:"model,omitempty"`
	FwVer        string           `json:"fwVer,omitempty"`
	IP           string           `json:"ip,omitempty"`
	Mask         string           `json:"mask,omitempty"`
	Gateway      string           `json:"gwIp,omitempty"`
	MAC          string           `json:"mac,omitempty"`
	Online       bool             `json:"online"`
	LastSeenInfo time.Time        `json:"lastSeenInfo"`
	LastSeenHb   time.Time        `json:"lastSeenHb"`

	// Modules is only populated on read accessors, sorted by index.
	Modules []ModuleState `json:"modules,omitempty"`
}

// ModuleState is the cached state for one (device, moduleIndex) slot.
type ModuleState struct {
	DeviceID    string    `json:"deviceId"`
	ModuleIndex int       `json:"moduleIndex"`
	ModuleID    string    `json:"moduleId"`
	UTotal      int       `json:"uTotal"`
	FwVer       string    `json:"fwVer,omitempty"`
	Online      bool      `json:"online"`
	LastSeenHb  time.Time `json:"lastSeenHb"`

	TempHum map[int]TempHumValue  `json:"tempHum,omitempty"`
	Noise   map[int]NoiseValue    `json:"noise,omitempty"`
	Door    *DoorValue            `json:"door,omitempty"`
	Rfid    map[int]RfidSlotState `json:"rfid,omitempty"`
}

// TempHumValue is one sensor's latest reading. Nil means the sensor
// reported the no-reading sentinel.
type TempHumValue struct {
	Temp      *float64  `json:"temp"`
	Hum       *float64  `json:"hum"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type NoiseValue struct {
	Noise     *float64  `json:"noise"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DoorValue holds single- or dual-door state; a device reports one
// style or the other, never both.
type DoorValue struct {
	Door      *int      `json:"door,omitempty"`
	Door1     *int      `json:"door1,omitempty"`
	Door2     *int      `json:"door2,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RfidSlotState is one occupied U slot.
type RfidSlotState struct {
	TagID     string    `json:"tagId"`
	Alarm     bool      `json:"alarm"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Change describes one observed metadata difference.
type Change struct {
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	Before      string `json:"before"`
	After       string `json:"after"`
	Description string `json:"description"`
}

// MetadataPatch carries the fields an info frame reported. Empty
// strings and nil pointers mean "not carried" and leave the cached
// value untouched.
type MetadataPatch struct {
	Model   string
	FwVer   string
	IP      string
	Mask    string
	Gateway string
	MAC     string
	Modules []ModulePatch
}

type ModulePatch struct {
	ModuleIndex int
	ModuleID    string
	UTotal      *int
	FwVer       string
}

type moduleKey struct {
	deviceID    string
	moduleIndex int
}

// Cache guards both maps with a single lock; read accessors return
// deep copies so callers never alias live state.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState
	modules map[moduleKey]*ModuleState

	now func() time.Time
}

func New() *Cache {
	return &Cache{
		devices: make(map[string]*DeviceState),
		modules: make(map[moduleKey]*ModuleState),
		now:     time.Now,
	}
}

// ── Metadata mutation ────────────────────────────────────────────────

// ReconcileMetadata treats modules as the device's complete module
// list: absent modules are removed (telemetry pruned with them), new
// ones added, and id/uTotal differences recorded. Firmware versions
// are preserved because heartbeats do not carry them. The device and
// every listed module are stamped online.
func (c *Cache) ReconcileMetadata(deviceID string, deviceType event.DeviceType, modules []event.HeartbeatModule) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dev := c.ensureDevice(deviceID, deviceType)
	dev.Online = true
	dev.LastSeenHb = now

	var changes []Change
	seen := make(map[int]bool, len(modules))

	for _, in := range modules {
		seen[in.ModuleIndex] = true
		key := moduleKey{deviceID, in.ModuleIndex}
		cur, ok := c.modules[key]
		if !ok {
			c.modules[key] = &ModuleState{
				DeviceID:    deviceID,
				ModuleIndex: in.ModuleIndex,
				ModuleID:    in.ModuleID,
				UTotal:      in.UTotal,
				Online:      true,
				LastSeenHb:  now,
			}
			changes = append(changes, Change{
				Kind:        "module_added",
				Target:      strconv.Itoa(in.ModuleIndex),
				After:       in.ModuleID,
				Description: fmt.Sprintf("Module %d added (id %s, uTotal %d)", in.ModuleIndex, in.ModuleID, in.UTotal),
			})
			continue
		}

		if in.ModuleID != "" && in.ModuleID != cur.ModuleID {
			changes = append(changes, fieldChange("module_id", strconv.Itoa(in.ModuleIndex),
				fmt.Sprintf("Module %d id", in.ModuleIndex), cur.ModuleID, in.ModuleID))
			cur.ModuleID = in.ModuleID
		}
		if in.UTotal != cur.UTotal {
			changes = append(changes, fieldChange("module_utotal", strconv.Itoa(in.ModuleIndex),
				fmt.Sprintf("Module %d uTotal", in.ModuleIndex), strconv.Itoa(cur.UTotal), strconv.Itoa(in.UTotal)))
			cur.UTotal = in.UTotal
		}
		cur.Online = true
		cur.LastSeenHb = now
	}

	var removedIdx []int
	for key := range c.modules {
		if key.deviceID == deviceID && !seen[key.moduleIndex] {
			removedIdx = append(removedIdx, key.moduleIndex)
		}
	}
	sort.Ints(removedIdx)
	for _, idx := range removedIdx {
		key := moduleKey{deviceID, idx}
		changes = append(changes, Change{
			Kind:        "module_removed",
			Target:      strconv.Itoa(idx),
			Before:      c.modules[key].ModuleID,
			Description: fmt.Sprintf("Module %d removed", idx),
		})
		delete(c.modules, key)
	}
	return changes
}

// UpsertMetadata merges the carried fields of an info frame into the
// cached device and module state. Unlike ReconcileMetadata it never
// removes modules.
func (c *Cache) UpsertMetadata(deviceID string, deviceType event.DeviceType, patch MetadataPatch) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev := c.ensureDevice(deviceID, deviceType)
	dev.LastSeenInfo = c.now()

	var changes []Change
	apply := func(kind, target, label string, field *string, val string) {
		if val == "" || val == *field {
			return
		}
		changes = append(changes, fieldChange(kind, target, label, *field, val))
		*field = val
	}

	apply("device_model", "model", "Device model", &dev.Model, patch.Model)
	apply("device_fw", "fwVer", "Device firmware", &dev.FwVer, patch.FwVer)
	apply("device_ip", "ip", "Device IP", &dev.IP, patch.IP)
	apply("device_mask", "mask", "Device netmask", &dev.Mask, patch.Mask)
	apply("device_gw", "gwIp", "Device gateway", &dev.Gateway, patch.Gateway)
	apply("device_mac", "mac", "Device MAC", &dev.MAC, patch.MAC)

	for _, in := range patch.Modules {
		key := moduleKey{deviceID, in.ModuleIndex}
		cur, ok := c.modules[key]
		if !ok {
			cur = &ModuleState{DeviceID: deviceID, ModuleIndex: in.ModuleIndex}
			c.modules[key] = cur
			changes = append(changes, Change{
				Kind:        "module_added",
				Target:      strconv.Itoa(in.ModuleIndex),
				After:       in.ModuleID,
				Description: fmt.Sprintf("Module %d added (id %s, uTotal %d)", in.ModuleIndex, in.ModuleID, derefInt(in.UTotal)),
			})
			cur.ModuleID = in.ModuleID
			if in.UTotal != nil {
				cur.UTotal = *in.UTotal
			}
			cur.FwVer = in.FwVer
			continue
		}

		target := strconv.Itoa(in.ModuleIndex)
		if in.ModuleID != "" && in.ModuleID != cur.ModuleID {
			changes = append(changes, fieldChange("module_id", target,
				fmt.Sprintf("Module %d id", in.ModuleIndex), cur.ModuleID, in.ModuleID))
			cur.ModuleID = in.ModuleID
		}
		if in.UTotal != nil && *in.UTotal != cur.UTotal {
			changes = append(changes, fieldChange("module_utotal", target,
				fmt.Sprintf("Module %d uTotal", in.ModuleIndex), strconv.Itoa(cur.UTotal), strconv.Itoa(*in.UTotal)))
			cur.UTotal = *in.UTotal
		}
		if in.FwVer != "" && in.FwVer != cur.FwVer {
			changes = append(changes, fieldChange("module_fw", target,
				fmt.Sprintf("Module %d firmware", in.ModuleIndex), cur.FwVer, in.FwVer))
			cur.FwVer = in.FwVer
		}
	}

	return changes
}

// ── Telemetry mutation ───────────────────────────────────────────────

// UpdateTempHum merges one module's readings into the cache, touching
// only the reported sensor indexes.
func (c *Cache) UpdateTempHum(deviceID string, deviceType event.DeviceType, mod event.TempHumModule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.ensureModule(deviceID, deviceType, mod.ModuleIndex, mod.ModuleID)
	if m.TempHum == nil {
		m.TempHum = make(map[int]TempHumValue)
	}
	now := c.now()
	for _, r := range mod.Readings {
		m.TempHum[r.SensorIndex] = TempHumValue{
			Temp:      copyFloat(r.Temp),
			Hum:       copyFloat(r.Hum),
			UpdatedAt: now,
		}
	}
}

// UpdateNoise merges one module's noise readings into the cache.
func (c *Cache) UpdateNoise(deviceID string, deviceType event.DeviceType, mod event.NoiseModule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.ensureModule(deviceID, deviceType, mod.ModuleIndex, mod.ModuleID)
	if m.Noise == nil {
		m.Noise = make(map[int]NoiseValue)
	}
	now := c.now()
	for _, r := range mod.Readings {
		m.Noise[r.SensorIndex] = NoiseValue{Noise: copyFloat(r.Noise), UpdatedAt: now}
	}
}

// UpdateDoor merges a door report field-wise: a single-door report
// leaves dual fields alone and vice versa.
func (c *Cache) UpdateDoor(deviceID string, deviceType event.DeviceType, rec event.DoorRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.ensureModule(deviceID, deviceType, rec.ModuleIndex, rec.ModuleID)
	if m.Door == nil {
		m.Door = &DoorValue{}
	}
	if rec.Door != nil {
		m.Door.Door = copyInt(rec.Door)
	}
	if rec.Door1 != nil {
		m.Door.Door1 = copyInt(rec.Door1)
	}
	if rec.Door2 != nil {
		m.Door.Door2 = copyInt(rec.Door2)
	}
	m.Door.UpdatedAt = c.now()
}

// UpdateRfid diffs the incoming snapshot against the cached slots,
// replaces the cached state with the snapshot, and returns the
// movements. Slots whose tag did not change keep their timestamps.
func (c *Cache) UpdateRfid(deviceID string, deviceType event.DeviceType, mod event.RfidModule) (attached, detached []event.RfidSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.ensureModule(deviceID, deviceType, mod.ModuleIndex, mod.ModuleID)
	if mod.UTotal > 0 {
		m.UTotal = mod.UTotal
	}

	attached, detached = DiffRfid(m.Rfid, mod.Slots)

	now := c.now()
	next := make(map[int]RfidSlotState, len(mod.Slots))
	for _, s := range mod.Slots {
		at := now
		if prev, ok := m.Rfid[s.SlotIndex]; ok && prev.TagID == s.TagID {
			at = prev.UpdatedAt
		}
		next[s.SlotIndex] = RfidSlotState{TagID: s.TagID, Alarm: s.Alarm, UpdatedAt: at}
	}
	m.Rfid = next
	return attached, detached
}

// DiffRfid compares a cached slot map against an incoming snapshot.
// A slot present in both with a different tag counts as a detach of
// the old tag plus an attach of the new one. Results are ordered by
// slot index.
func DiffRfid(prev map[int]RfidSlotState, incoming []event.RfidSlot) (attached, detached []event.RfidSlot) {
	seen := make(map[int]bool, len(incoming))
	for _, s := range incoming {
		seen[s.SlotIndex] = true
		old, ok := prev[s.SlotIndex]
		if !ok {
			attached = append(attached, s)
			continue
		}
		if old.TagID != s.TagID {
			detached = append(detached, event.RfidSlot{SlotIndex: s.SlotIndex, TagID: old.TagID, Alarm: old.Alarm})
			attached = append(attached, s)
		}
	}
	for idx, old := range prev {
		if !seen[idx] {
			detached = append(detached, event.RfidSlot{SlotIndex: idx, TagID: old.TagID, Alarm: old.Alarm})
		}
	}

	sort.Slice(attached, func(i, j int) bool { return attached[i].SlotIndex < attached[j].SlotIndex })
	sort.Slice(detached, func(i, j int) bool { return detached[i].SlotIndex < detached[j].SlotIndex })
	return attached, detached
}

// ── Repair queries ───────────────────────────────────────────────────

// IsDeviceInfoMissing reports whether the device still lacks network
// identity, meaning a device-info query is warranted.
func (c *Cache) IsDeviceInfoMissing(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dev, ok := c.devices[deviceID]
	if !ok {
		return true
	}
	return dev.IP == "" || dev.MAC == ""
}

// ModulesMissingFwVer returns the indexes of the device's modules
// without a known firmware version, sorted.
func (c *Cache) ModulesMissingFwVer(deviceID string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var idxs []int
	for key, m := range c.modules {
		if key.deviceID == deviceID && m.FwVer == "" {
			idxs = append(idxs, key.moduleIndex)
		}
	}
	sort.Ints(idxs)
	return idxs
}

// ── Read accessors ───────────────────────────────────────────────────

// Devices returns every cached device with its modules attached,
// sorted by device id.
func (c *Cache) Devices() []DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DeviceState, 0, len(c.devices))
	for id, dev := range c.devices {
		d := *dev
		d.Modules = c.modulesOfLocked(id)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Device returns one device with modules attached.
func (c *Cache) Device(deviceID string) (DeviceState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dev, ok := c.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	d := *dev
	d.Modules = c.modulesOfLocked(deviceID)
	return d, true
}

// Module returns a deep copy of one module's full state.
func (c *Cache) Module(deviceID string, moduleIndex int) (ModuleState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.modules[moduleKey{deviceID, moduleIndex}]
	if !ok {
		return ModuleState{}, false
	}
	return copyModule(m), true
}

// ModuleID returns the cached module id for a slot, or "".
func (c *Cache) ModuleID(deviceID string, moduleIndex int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.modules[moduleKey{deviceID, moduleIndex}]; ok {
		return m.ModuleID
	}
	return ""
}

// DeviceCounts returns total and online device counts.
func (c *Cache) DeviceCounts() (total, online int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, d := range c.devices {
		total++
		if d.Online {
			online++
		}
	}
	return total, online
}

// ModuleCounts returns total and online module counts.
func (c *Cache) ModuleCounts() (total, online int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.modules {
		total++
		if m.Online {
			online++
		}
	}
	return total, online
}

// ── Staleness ────────────────────────────────────────────────────────

// MarkStale flips entries offline whose last heartbeat is older than
// timeout. Entries are never deleted here; only heartbeats remove
// modules. Returns the number of entries flipped.
func (c *Cache) MarkStale(timeout time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-timeout)
	marked := 0
	for _, d := range c.devices {
		if d.Online && d.LastSeenHb.Before(cutoff) {
			d.Online = false
			marked++
		}
	}
	for _, m := range c.modules {
		if m.Online && m.LastSeenHb.Before(cutoff) {
			m.Online = false
			marked++
		}
	}
	return marked
}

// ── internals ────────────────────────────────────────────────────────

func (c *Cache) ensureDevice(deviceID string, deviceType event.DeviceType) *DeviceState {
	dev, ok := c.devices[deviceID]
	if !ok {
		dev = &DeviceState{DeviceID: deviceID, DeviceType: deviceType}
		c.devices[deviceID] = dev
	}
	if dev.DeviceType == "" {
		dev.DeviceType = deviceType
	}
	return dev
}

func (c *Cache) ensureModule(deviceID string, deviceType event.DeviceType, moduleIndex int, moduleID string) *ModuleState {
	c.ensureDevice(deviceID, deviceType)
	key := moduleKey{deviceID, moduleIndex}
	m, ok := c.modules[key]
	if !ok {
		m = &ModuleState{DeviceID: deviceID, ModuleIndex: moduleIndex}
		c.modules[key] = m
	}
	if moduleID != "" {
		m.ModuleID = moduleID
	}
	return m
}

func (c *Cache) modulesOfLocked(deviceID string) []ModuleState {
	var out []ModuleState
	for key, m := range c.modules {
		if key.deviceID == deviceID {
			out = append(out, copyModule(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleIndex < out[j].ModuleIndex })
	return out
}

func copyModule(m *ModuleState) ModuleState {
	out := *m
	if m.TempHum != nil {
		out.TempHum = make(map[int]TempHumValue, len(m.TempHum))
		for k, v := range m.TempHum {
			v.Temp = copyFloat(v.Temp)
			v.Hum = copyFloat(v.Hum)
			out.TempHum[k] = v
		}
	}
	if m.Noise != nil {
		out.Noise = make(map[int]NoiseValue, len(m.Noise))
		for k, v := range m.Noise {
			v.Noise = copyFloat(v.Noise)
			out.Noise[k] = v
		}
	}
	if m.Door != nil {
		d := *m.Door
		d.Door = copyInt(m.Door.Door)
		d.Door1 = copyInt(m.Door.Door1)
		d.Door2 = copyInt(m.Door.Door2)
		out.Door = &d
	}
	if m.Rfid != nil {
		out.Rfid = make(map[int]RfidSlotState, len(m.Rfid))
		for k, v := range m.Rfid {
			out.Rfid[k] = v
		}
	}
	return out
}

func fieldChange(kind, target, label, before, after string) Change {
	desc := fmt.Sprintf("%s changed from %s to %s", label, before, after)
	if before == "" {
		desc = fmt.Sprintf("%s set to %s", label, after)
	}
	return Change{Kind: kind, Target: target, Before: before, After: after, Description: desc}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
