package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/event"
)

func testEvent() event.Canonical {
	return event.Canonical{
		Type:       event.TypeTempHum,
		DeviceType: event.DeviceV5008,
		DeviceID:   "RACK-1",
		Payload:    []map[string]any{{"sensorIndex": 10, "temp": 21.5}},
	}
}

func TestWants(t *testing.T) {
	t.Run("no_filter_passes_everything", func(t *testing.T) {
		s := New(nil, Options{URL: "http://example"}, zerolog.Nop())
		if !s.Wants(event.TypeTempHum) || !s.Wants(event.TypeHeartbeat) {
			t.Error("unfiltered sender rejected an event")
		}
	})

	t.Run("filter_restricts_types", func(t *testing.T) {
		s := New(nil, Options{
			URL:     "http://example",
			Filters: []string{"RFID_EVENT", "DOOR_STATE"},
		}, zerolog.Nop())
		if !s.Wants(event.TypeRfidEvent) || !s.Wants(event.TypeDoorState) {
			t.Error("listed type rejected")
		}
		if s.Wants(event.TypeTempHum) {
			t.Error("unlisted type accepted")
		}
	})
}

func TestDeliverPostsEvent(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer ts.Close()

	b := bus.New(zerolog.Nop())
	defer b.Close()
	s := New(b, Options{URL: ts.URL}, zerolog.Nop())

	s.deliver(testEvent())

	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	var ce event.Canonical
	if err := json.Unmarshal(gotBody, &ce); err != nil {
		t.Fatalf("posted body is not a canonical event: %v", err)
	}
	if ce.DeviceID != "RACK-1" || ce.Type != event.TypeTempHum {
		t.Errorf("posted = %+v", ce)
	}
}

func TestDeliverFailureGoesToErrorChannel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	b := bus.New(zerolog.Nop())
	defer b.Close()
	errs := make(chan event.ErrorEvent, 1)
	cancel := b.Subscribe(bus.Errors, "test", func(msg any) error {
		if ev, ok := msg.(event.ErrorEvent); ok {
			errs <- ev
		}
		return nil
	})
	defer cancel()

	s := New(b, Options{URL: ts.URL}, zerolog.Nop())
	s.deliver(testEvent())

	select {
	case ev := <-errs:
		if ev.Source != "webhook" {
			t.Errorf("source = %q", ev.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event published")
	}
}

func TestHandleAppliesFilter(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	b := bus.New(zerolog.Nop())
	defer b.Close()
	s := New(b, Options{URL: ts.URL, Filters: []string{"RFID_EVENT"}}, zerolog.Nop())

	if err := s.handle(testEvent()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	s.Stop()
	if n := calls.Load(); n != 0 {
		t.Errorf("filtered event was delivered %d times", n)
	}

	ce := testEvent()
	ce.Type = event.TypeRfidEvent
	if err := s.handle(ce); err != nil {
		t.Fatalf("handle: %v", err)
	}
	s.Stop()
	if n := calls.Load(); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestStopWaitsForInflightDeliveries(t *testing.T) {
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		close(done)
	}))
	defer ts.Close()

	b := bus.New(zerolog.Nop())
	defer b.Close()
	s := New(b, Options{URL: ts.URL}, zerolog.Nop())

	if err := s.handle(testEvent()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	s.Stop()

	select {
	case <-done:
	default:
		t.Error("Stop returned before the delivery finished")
	}
}
