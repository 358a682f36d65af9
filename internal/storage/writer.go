// Package storage persists canonical events to Postgres. The writer
// buffers rows per destination table and flushes on an interval or
// when enough rows accumulate; temperature, humidity, and noise
// readings are pivoted into one row per module per flush window. A
// failed batch is reported on the error channel and dropped so the
// pipeline never stalls on the database.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/database"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
)

const flushTimeout = 10 * time.Second

type Options struct {
	FlushInterval time.Duration // default 1s
	BatchSize     int           // default 100, total rows across tables
}

// Writer subscribes to data.normalized and turns canonical events into
// table rows. Metadata upserts bypass the buffers and hit the database
// immediately; everything else is batched.
type Writer struct {
	db  *database.DB
	bus *bus.Bus
	log zerolog.Logger

	flushInterval time.Duration
	batchSize     int

	mu  sync.Mutex
	cur *batch

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

func NewWriter(db *database.DB, b *bus.Bus, opts Options, log zerolog.Logger) *Writer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		db:            db,
		bus:           b,
		log:           log.With().Str("component", "storage").Logger(),
		flushInterval: opts.FlushInterval,
		batchSize:     opts.BatchSize,
		cur:           newBatch(),
		flushCh:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
}

// Register subscribes the writer to data.normalized. The returned
// cancel detaches it again.
func (w *Writer) Register() func() {
	return w.bus.Subscribe(bus.DataNormalized, "storage", w.handle)
}

// Start launches the flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.flushLoop()
	w.log.Info().
		Dur("interval", w.flushInterval).
		Int("batch_size", w.batchSize).
		Msg("storage writer started")
}

// Stop halts the flush loop and writes whatever is still buffered.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.Flush()
	w.log.Info().Msg("storage writer stopped")
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.flushCh:
		}
		w.Flush()
	}
}

func (w *Writer) handle(msg any) error {
	ce, ok := msg.(event.Canonical)
	if !ok {
		return fmt.Errorf("unexpected message type %T on data.normalized", msg)
	}

	// Metadata is an upsert keyed by device, not an append. Writing it
	// through the batch would reorder it against its own change events.
	if ce.Type == event.TypeDeviceMetadata {
		return w.upsertMetadata(ce)
	}

	w.mu.Lock()
	w.cur.add(ce, w.now())
	full := w.cur.total >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush swaps out the current batch and writes it.
func (w *Writer) Flush() {
	w.mu.Lock()
	b := w.cur
	w.cur = newBatch()
	w.mu.Unlock()

	if b.total == 0 {
		return
	}
	w.write(b)
}

func (w *Writer) write(b *batch) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	w.insert(ctx, "iot_heartbeat", len(b.heartbeats), func(ctx context.Context) (int64, error) {
		return w.db.InsertHeartbeats(ctx, b.heartbeats)
	})
	w.insert(ctx, "iot_temp_hum", len(b.tempHum), func(ctx context.Context) (int64, error) {
		return w.db.InsertTempHum(ctx, b.tempHumRows())
	})
	w.insert(ctx, "iot_noise_level", len(b.noise), func(ctx context.Context) (int64, error) {
		return w.db.InsertNoiseLevels(ctx, b.noiseRows())
	})
	w.insert(ctx, "iot_rfid_snapshot", len(b.rfidSnapshots), func(ctx context.Context) (int64, error) {
		return w.db.InsertRfidSnapshots(ctx, b.rfidSnapshots)
	})
	w.insert(ctx, "iot_rfid_event", len(b.rfidEvents), func(ctx context.Context) (int64, error) {
		return w.db.InsertRfidEvents(ctx, b.rfidEvents)
	})
	w.insert(ctx, "iot_door_event", len(b.doorEvents), func(ctx context.Context) (int64, error) {
		return w.db.InsertDoorEvents(ctx, b.doorEvents)
	})
	w.insert(ctx, "iot_cmd_result", len(b.cmdResults), func(ctx context.Context) (int64, error) {
		return w.db.InsertCmdResults(ctx, b.cmdResults)
	})
	w.insert(ctx, "iot_topchange_event", len(b.topChanges), func(ctx context.Context) (int64, error) {
		return w.db.InsertTopChanges(ctx, b.topChanges)
	})
}

// insert runs one table's batch insert. A failure is reported and the
// batch dropped; remaining tables still get their turn.
func (w *Writer) insert(ctx context.Context, table string, n int, fn func(context.Context) (int64, error)) {
	if n == 0 {
		return
	}
	if _, err := fn(ctx); err != nil {
		w.log.Error().Err(err).Str("table", table).Int("rows", n).Msg("batch insert failed, dropping")
		w.bus.PublishError("storage", fmt.Errorf("insert %s (%d rows): %w", table, n, err))
		metrics.StorageFlushErrorsTotal.Inc()
		return
	}
	metrics.StorageRowsTotal.WithLabelValues(table).Add(float64(n))
}

func (w *Writer) upsertMetadata(ce event.Canonical) error {
	row, err := metadataRow(ce, w.now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := w.db.UpsertDeviceMetadata(ctx, row); err != nil {
		metrics.StorageFlushErrorsTotal.Inc()
		return fmt.Errorf("upsert metadata %s: %w", ce.DeviceID, err)
	}
	metrics.StorageRowsTotal.WithLabelValues("iot_meta_data").Inc()
	return nil
}

// metadataRow flattens a DEVICE_METADATA event into the upsert payload.
func metadataRow(ce event.Canonical, now time.Time) (database.MetadataRow, error) {
	if len(ce.Payload) == 0 {
		return database.MetadataRow{}, fmt.Errorf("metadata event for %s has empty payload", ce.DeviceID)
	}
	item := ce.Payload[0]

	row := database.MetadataRow{
		DeviceID:   ce.DeviceID,
		DeviceType: string(ce.DeviceType),
		Model:      itemString(item, "model"),
		FwVer:      itemString(item, "fwVer"),
		DeviceIP:   itemString(item, "ip"),
		NetMask:    itemString(item, "mask"),
		GatewayIP:  itemString(item, "gwIp"),
		MacAddr:    itemString(item, "mac"),
		Online:     itemBool(item, "online"),
		MessageID:  ce.MessageID,
		ParseAt:    now,
	}
	if mods, ok := item["modules"]; ok {
		buf, err := json.Marshal(mods)
		if err != nil {
			return row, fmt.Errorf("marshal module list for %s: %w", ce.DeviceID, err)
		}
		row.ModuleInfo = buf
	}
	return row, nil
}

// ── Batch accumulation ───────────────────────────────────────────────

// batch holds rows for one flush window. tempHum and noise are keyed
// by device and module so repeated readings within the window merge
// into a single pivoted row.
type batch struct {
	heartbeats    []database.HeartbeatRow
	tempHum       map[string]*database.TempHumRow
	noise         map[string]*database.NoiseRow
	rfidSnapshots []database.RfidSnapshotRow
	rfidEvents    []database.RfidEventRow
	doorEvents    []database.DoorEventRow
	cmdResults    []database.CmdResultRow
	topChanges    []database.TopChangeRow

	total int
}

func newBatch() *batch {
	return &batch{
		tempHum: make(map[string]*database.TempHumRow),
		noise:   make(map[string]*database.NoiseRow),
	}
}

// add routes one canonical event into the buffers. Unroutable types
// are skipped without error; not every event is persisted.
func (b *batch) add(ce event.Canonical, now time.Time) {
	switch ce.Type {
	case event.TypeHeartbeat:
		b.addHeartbeat(ce, now)
	case event.TypeMetaChanged:
		b.addTopChanges(ce, now)
	case event.TypeTempHum, event.TypeQryTempHumResp:
		b.addTempHum(ce, now)
	case event.TypeNoiseLevel:
		b.addNoise(ce, now)
	case event.TypeRfidSnapshot:
		b.addRfidSnapshot(ce, now)
	case event.TypeRfidEvent:
		b.addRfidEvents(ce, now)
	case event.TypeDoorState, event.TypeQryDoorResp:
		b.addDoorEvent(ce, now)
	case event.TypeQryColorResp, event.TypeSetColorResp, event.TypeCleanAlarmResp:
		b.addCmdResult(ce, now)
	}
}

func (b *batch) addHeartbeat(ce event.Canonical, now time.Time) {
	modules, err := json.Marshal(ce.Payload)
	if err != nil {
		modules = nil
	}
	b.heartbeats = append(b.heartbeats, database.HeartbeatRow{
		DeviceID:      ce.DeviceID,
		DeviceType:    string(ce.DeviceType),
		ActiveModules: modules,
		ModuleCount:   len(ce.Payload),
		MessageID:     ce.MessageID,
		ParseAt:       now,
	})
	b.total++
}

func (b *batch) addTopChanges(ce event.Canonical, now time.Time) {
	for _, item := range ce.Payload {
		b.topChanges = append(b.topChanges, database.TopChangeRow{
			DeviceID:    ce.DeviceID,
			DeviceType:  string(ce.DeviceType),
			ChangeKind:  itemString(item, "kind"),
			Target:      itemString(item, "target"),
			OldValue:    itemString(item, "before"),
			NewValue:    itemString(item, "after"),
			Description: itemString(item, "description"),
			MessageID:   ce.MessageID,
			ParseAt:     now,
		})
		b.total++
	}
}

func (b *batch) addTempHum(ce event.Canonical, now time.Time) {
	idx := moduleIndexOf(ce)
	row := b.tempHum[pivotKey(ce.DeviceID, idx)]
	if row == nil {
		row = &database.TempHumRow{
			DeviceID:    ce.DeviceID,
			DeviceType:  string(ce.DeviceType),
			ModuleIndex: idx,
			ModuleID:    ce.ModuleID,
			MessageID:   ce.MessageID,
			ParseAt:     now,
		}
		b.tempHum[pivotKey(ce.DeviceID, idx)] = row
		b.total++
	}
	// Later readings in the window win; an absent reading never
	// clears an earlier value.
	row.MessageID = ce.MessageID
	for _, item := range ce.Payload {
		si, ok := itemInt(item, "sensorIndex")
		if !ok || si < 10 || si > 15 {
			continue
		}
		if t := itemFloat(item, "temp"); t != nil {
			row.Temp[si-10] = t
		}
		if h := itemFloat(item, "hum"); h != nil {
			row.Hum[si-10] = h
		}
	}
}

func (b *batch) addNoise(ce event.Canonical, now time.Time) {
	idx := moduleIndexOf(ce)
	row := b.noise[pivotKey(ce.DeviceID, idx)]
	if row == nil {
		row = &database.NoiseRow{
			DeviceID:    ce.DeviceID,
			DeviceType:  string(ce.DeviceType),
			ModuleIndex: idx,
			ModuleID:    ce.ModuleID,
			MessageID:   ce.MessageID,
			ParseAt:     now,
		}
		b.noise[pivotKey(ce.DeviceID, idx)] = row
		b.total++
	}
	row.MessageID = ce.MessageID
	for _, item := range ce.Payload {
		si, ok := itemInt(item, "sensorIndex")
		if !ok || si < 16 || si > 18 {
			continue
		}
		if n := itemFloat(item, "noise"); n != nil {
			row.Noise[si-16] = n
		}
	}
}

func (b *batch) addRfidSnapshot(ce event.Canonical, now time.Time) {
	snapshot, err := json.Marshal(ce.Payload)
	if err != nil {
		snapshot = nil
	}
	tags := 0
	for _, item := range ce.Payload {
		if itemString(item, "tagId") != "" {
			tags++
		}
	}
	b.rfidSnapshots = append(b.rfidSnapshots, database.RfidSnapshotRow{
		DeviceID:    ce.DeviceID,
		DeviceType:  string(ce.DeviceType),
		ModuleIndex: moduleIndexOf(ce),
		ModuleID:    ce.ModuleID,
		Snapshot:    snapshot,
		TagCount:    tags,
		MessageID:   ce.MessageID,
		ParseAt:     now,
	})
	b.total++
}

func (b *batch) addRfidEvents(ce event.Canonical, now time.Time) {
	for _, item := range ce.Payload {
		slot, _ := itemInt(item, "slotIndex")
		b.rfidEvents = append(b.rfidEvents, database.RfidEventRow{
			DeviceID:    ce.DeviceID,
			DeviceType:  string(ce.DeviceType),
			ModuleIndex: moduleIndexOf(ce),
			ModuleID:    ce.ModuleID,
			SensorIndex: slot,
			TagID:       itemString(item, "tagId"),
			Action:      itemString(item, "action"),
			MessageID:   ce.MessageID,
			ParseAt:     now,
		})
		b.total++
	}
}

func (b *batch) addDoorEvent(ce event.Canonical, now time.Time) {
	if len(ce.Payload) == 0 {
		return
	}
	item := ce.Payload[0]
	b.doorEvents = append(b.doorEvents, database.DoorEventRow{
		DeviceID:    ce.DeviceID,
		DeviceType:  string(ce.DeviceType),
		ModuleIndex: moduleIndexOf(ce),
		ModuleID:    ce.ModuleID,
		Door:        itemIntPtr(item, "door"),
		Door1:       itemIntPtr(item, "door1"),
		Door2:       itemIntPtr(item, "door2"),
		MessageID:   ce.MessageID,
		ParseAt:     now,
	})
	b.total++
}

func (b *batch) addCmdResult(ce event.Canonical, now time.Time) {
	if len(ce.Payload) == 0 {
		return
	}
	item := ce.Payload[0]

	row := database.CmdResultRow{
		DeviceID:    ce.DeviceID,
		DeviceType:  string(ce.DeviceType),
		MsgType:     string(ce.Type),
		ModuleIndex: ce.ModuleIndex,
		SensorIndex: itemIntPtr(item, "sensorIndex"),
		Result:      itemString(item, "result"),
		MessageID:   ce.MessageID,
		ParseAt:     now,
	}
	if colors, ok := item["colors"]; ok {
		if buf, err := json.Marshal(colors); err == nil {
			row.Colors = buf
		}
	}
	b.cmdResults = append(b.cmdResults, row)
	b.total++
}

func (b *batch) tempHumRows() []database.TempHumRow {
	rows := make([]database.TempHumRow, 0, len(b.tempHum))
	for _, r := range b.tempHum {
		rows = append(rows, *r)
	}
	return rows
}

func (b *batch) noiseRows() []database.NoiseRow {
	rows := make([]database.NoiseRow, 0, len(b.noise))
	for _, r := range b.noise {
		rows = append(rows, *r)
	}
	return rows
}

func pivotKey(deviceID string, moduleIndex int) string {
	return deviceID + "/" + strconv.Itoa(moduleIndex)
}

func moduleIndexOf(ce event.Canonical) int {
	if ce.ModuleIndex != nil {
		return *ce.ModuleIndex
	}
	return 0
}

// ── Payload item accessors ───────────────────────────────────────────
//
// Canonical payloads are map[string]any built in-process, so values
// keep their native Go types; the accessors only tolerate the shapes
// the normalizer actually produces.

func itemString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func itemBool(m map[string]any, key string) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return false
}

func itemInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func itemIntPtr(m map[string]any, key string) *int {
	if v, ok := itemInt(m, key); ok {
		return &v
	}
	return nil
}

func itemFloat(m map[string]any, key string) *float64 {
	switch v := m[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}
