// Package webhook forwards canonical events to an external HTTP
// endpoint. Delivery is fire and forget: a failed POST surfaces on the
// error channel and is never retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
)

const defaultTimeout = 10 * time.Second

type Options struct {
	URL string

	// Filters lists the message types to forward. Empty forwards
	// everything.
	Filters []string

	Timeout time.Duration
}

// Sender subscribes to normalized events and POSTs the matching ones.
type Sender struct {
	bus     *bus.Bus
	client  *http.Client
	url     string
	allowed map[event.MessageType]struct{}
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func New(b *bus.Bus, opts Options, log zerolog.Logger) *Sender {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var allowed map[event.MessageType]struct{}
	if len(opts.Filters) > 0 {
		allowed = make(map[event.MessageType]struct{}, len(opts.Filters))
		for _, f := range opts.Filters {
			allowed[event.MessageType(f)] = struct{}{}
		}
	}
	return &Sender{
		bus:     b,
		client:  &http.Client{Timeout: timeout},
		url:     opts.URL,
		allowed: allowed,
		log:     log.With().Str("component", "webhook").Logger(),
	}
}

// Register subscribes the sender to data.normalized. The returned
// cancel detaches it again.
func (s *Sender) Register() func() {
	return s.bus.Subscribe(bus.DataNormalized, "webhook", s.handle)
}

// Stop waits for in-flight deliveries to finish.
func (s *Sender) Stop() {
	s.wg.Wait()
}

// Wants reports whether the configured filter passes this type.
func (s *Sender) Wants(t event.MessageType) bool {
	if s.allowed == nil {
		return true
	}
	_, ok := s.allowed[t]
	return ok
}

func (s *Sender) handle(msg any) error {
	ce, ok := msg.(event.Canonical)
	if !ok || !s.Wants(ce.Type) {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(ce)
	}()
	return nil
}

func (s *Sender) deliver(ce event.Canonical) {
	body, err := json.Marshal(ce)
	if err != nil {
		s.fail(ce, fmt.Errorf("marshal event: %w", err))
		return
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.fail(ce, fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(ce, fmt.Errorf("post %s: %w", s.url, err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.fail(ce, fmt.Errorf("post %s: status %d", s.url, resp.StatusCode))
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	s.log.Debug().
		Str("device_id", ce.DeviceID).
		Str("message_type", string(ce.Type)).
		Msg("event delivered")
}

func (s *Sender) fail(ce event.Canonical, err error) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
	s.log.Warn().Err(err).
		Str("device_id", ce.DeviceID).
		Str("message_type", string(ce.Type)).
		Msg("delivery failed")
	s.bus.PublishError("webhook", err)
}
