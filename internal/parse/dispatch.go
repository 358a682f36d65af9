// Package parse decodes gateway uplink frames into the intermediate
// form: a binary decoder for the V5008 family, a JSON decoder for the
// V6800 family, and a dispatcher that routes raw MQTT messages to the
// right one by topic prefix.
package parse

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
)

// Topic prefixes the dispatcher routes on.
const (
	prefixV5008 = "V5008Upload/"
	prefixV6800 = "V6800Upload/"
)

// Dispatcher consumes raw frames from the ingress channel and
// republishes the parsed intermediate form.
type Dispatcher struct {
	bus *bus.Bus
	log zerolog.Logger
}

func NewDispatcher(b *bus.Bus, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		bus: b,
		log: log.With().Str("component", "dispatch").Logger(),
	}
}

// Register subscribes the dispatcher to ingress.raw. The returned
// cancel detaches it again.
func (d *Dispatcher) Register() func() {
	return d.bus.Subscribe(bus.IngressRaw, "dispatch", d.handle)
}

func (d *Dispatcher) handle(msg any) error {
	raw, ok := msg.(event.RawMessage)
	if !ok {
		return fmt.Errorf("unexpected message type %T on ingress.raw", msg)
	}

	var inf *event.Intermediate
	switch {
	case strings.HasPrefix(raw.Topic, prefixV5008):
		metrics.MQTTMessagesTotal.WithLabelValues("v5008").Inc()
		if inf = ParseV5008(raw.Topic, raw.Payload, raw.ReceivedAt); inf == nil {
			metrics.ParseErrorsTotal.WithLabelValues("v5008").Inc()
			return fmt.Errorf("v5008: undecodable frame on %s (%d bytes)", raw.Topic, len(raw.Payload))
		}
	case strings.HasPrefix(raw.Topic, prefixV6800):
		metrics.MQTTMessagesTotal.WithLabelValues("v6800").Inc()
		if inf = ParseV6800(raw.Topic, raw.Payload, raw.ReceivedAt); inf == nil {
			metrics.ParseErrorsTotal.WithLabelValues("v6800").Inc()
			return fmt.Errorf("v6800: undecodable payload on %s", raw.Topic)
		}
	default:
		metrics.MQTTMessagesTotal.WithLabelValues("unknown").Inc()
		return fmt.Errorf("no parser for topic %s", raw.Topic)
	}

	metrics.MessagesParsedTotal.WithLabelValues(string(inf.Type)).Inc()
	d.log.Debug().
		Str("topic", raw.Topic).
		Str("device_id", inf.DeviceID).
		Str("message_type", string(inf.Type)).
		Msg("frame parsed")

	d.bus.Publish(bus.DataParsed, inf)
	return nil
}
