// Package bus provides the in-process pub-sub backbone connecting the
// pipeline stages. Channels are named, delivery per subscriber is FIFO,
// and a slow subscriber exerts backpressure on publishers instead of
// losing telemetry. The error channel is the one exception: it drops
// when full so error reporting can never wedge the pipeline.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/event"
	"github.com/snarg/rack-engine/internal/metrics"
)

// Channel names the pipeline hops.
type Channel string

const (
	IngressRaw     Channel = "ingress.raw"
	DataParsed     Channel = "data.parsed"
	DataNormalized Channel = "data.normalized"
	CommandRequest Channel = "command.request"
	Errors         Channel = "error"
)

const inboxSize = 1024

// Handler consumes one message. A returned error is reported on the
// error channel; it does not stop delivery.
type Handler func(msg any) error

type subscriber struct {
	name string
	ch   chan any
	fn   Handler
}

// Bus distributes messages to named channels. Each subscriber runs its
// own goroutine draining a bounded inbox, so one stalled handler never
// blocks its peers on the same channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Channel][]*subscriber
	closed bool
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[Channel][]*subscriber),
		log:  log.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers fn on a channel and returns a cancel function.
// The name identifies the subscriber in error events and logs.
func (b *Bus) Subscribe(c Channel, name string, fn Handler) func() {
	s := &subscriber{name: name, ch: make(chan any, inboxSize), fn: fn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[c] = append(b.subs[c], s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(c, s)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.subs[c] {
			if cur == s {
				b.subs[c] = append(b.subs[c][:i], b.subs[c][i+1:]...)
				close(s.ch)
				return
			}
		}
	}
}

// Publish delivers msg to every subscriber of the channel. For all
// channels except Errors the send blocks when a subscriber's inbox is
// full; upstream stages stall rather than drop telemetry.
func (b *Bus) Publish(c Channel, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	metrics.BusPublishedTotal.WithLabelValues(string(c)).Inc()
	for _, s := range b.subs[c] {
		if c == Errors {
			select {
			case s.ch <- msg:
			default:
				metrics.BusDroppedTotal.WithLabelValues(string(c)).Inc()
			}
			continue
		}
		s.ch <- msg
	}
}

// PublishError reports a stage failure on the error channel. Rendering
// is left to the error-channel subscribers.
func (b *Bus) PublishError(source string, err error) {
	if err == nil {
		return
	}
	b.Publish(Errors, event.ErrorEvent{
		Source: source,
		Err:    err,
		Detail: err.Error(),
		Time:   time.Now().UTC(),
	})
}

// Close removes all subscribers and waits for their inboxes to drain.
// Publishes after Close are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.subs = make(map[Channel][]*subscriber)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) run(c Channel, s *subscriber) {
	defer b.wg.Done()
	for msg := range s.ch {
		b.deliver(c, s, msg)
	}
}

func (b *Bus) deliver(c Channel, s *subscriber, msg any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("channel", string(c)).
				Str("subscriber", s.name).
				Interface("panic", r).
				Msg("subscriber panicked")
			if c != Errors {
				b.PublishError(s.name, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	if err := s.fn(msg); err != nil {
		if c == Errors {
			b.log.Error().Str("subscriber", s.name).Err(err).Msg("error handler failed")
			return
		}
		b.PublishError(s.name, err)
	}
}
