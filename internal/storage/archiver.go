package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/database"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
)

// Archiver optionally records every ingress frame for diagnostics.
// Binary payloads are hex-encoded so the archive stays greppable;
// JSON payloads go in as-is.
type Archiver struct {
	db      *database.DB
	bus     *bus.Bus
	batcher *Batcher[database.RawMessageRow]
	log     zerolog.Logger
}

func NewArchiver(db *database.DB, b *bus.Bus, log zerolog.Logger) *Archiver {
	a := &Archiver{
		db:  db,
		bus: b,
		log: log.With().Str("component", "raw_archive").Logger(),
	}
	a.batcher = NewBatcher[database.RawMessageRow](100, 2*time.Second, a.flush)
	return a
}

// Register subscribes the archiver to ingress.raw. The returned
// cancel detaches it again.
func (a *Archiver) Register() func() {
	return a.bus.Subscribe(bus.IngressRaw, "raw_archive", a.handle)
}

// Stop flushes anything still buffered.
func (a *Archiver) Stop() {
	a.batcher.Stop()
}

func (a *Archiver) handle(msg any) error {
	rm, ok := msg.(event.RawMessage)
	if !ok {
		return fmt.Errorf("unexpected message type %T on ingress.raw", msg)
	}

	payload := string(rm.Payload)
	if strings.HasPrefix(rm.Topic, "V5008Upload/") {
		payload = hex.EncodeToString(rm.Payload)
	}

	a.batcher.Add(database.RawMessageRow{
		Topic:      rm.Topic,
		DeviceID:   deviceIDFromTopic(rm.Topic),
		Payload:    payload,
		ReceivedAt: rm.ReceivedAt,
	})
	return nil
}

func (a *Archiver) flush(rows []database.RawMessageRow) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if _, err := a.db.InsertRawMessages(ctx, rows); err != nil {
		a.log.Error().Err(err).Int("rows", len(rows)).Msg("raw archive insert failed, dropping")
		a.bus.PublishError("raw_archive", fmt.Errorf("insert iot_raw_message (%d rows): %w", len(rows), err))
		metrics.StorageFlushErrorsTotal.Inc()
		return
	}
	metrics.StorageRowsTotal.WithLabelValues("iot_raw_message").Add(float64(len(rows)))
}

// deviceIDFromTopic pulls the device segment out of an upload topic,
// e.g. "V5008Upload/864333333333333" or "V6800Upload/GW-7/LabelState".
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
