package notifier

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSubscriber) Notify(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.events = append(s.events, event)

	return nil
}

func (s *recordingSubscriber) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Event(nil), s.events...)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := New(slog.Default())
	first := &recordingSubscriber{}
	second := &recordingSubscriber{}

	n.Subscribe(first)
	n.Subscribe(second)

	n.IncidentCreated(42, "critical")

	for _, s := range []*recordingSubscriber{first, second} {
		events := s.received()
		if len(events) != 1 {
			t.Fatalf("events = %d, expected 1", len(events))
		}

		if events[0].Event != EventIncidentCreated {
			t.Errorf("event = %q, expected %q", events[0].Event, EventIncidentCreated)
		}

		if events[0].Data["incident_id"] != int64(42) || events[0].Data["severity"] != "critical" {
			t.Errorf("data = %+v", events[0].Data)
		}
	}
}

func TestPublishDropsFailedSubscriber(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := New(slog.Default())
	healthy := &recordingSubscriber{}
	broken := &recordingSubscriber{err: errors.New("connection reset")}

	n.Subscribe(broken)
	n.Subscribe(healthy)

	n.ScanCompleted(5, 1)
	n.ScanCompleted(6, 0)

	if got := len(healthy.received()); got != 2 {
		t.Errorf("healthy subscriber events = %d, expected 2", got)
	}

	// The broken subscriber was dropped after the first publish.
	broken.err = nil
	n.ScanCompleted(7, 0)

	if got := len(broken.received()); got != 0 {
		t.Errorf("dropped subscriber events = %d, expected 0", got)
	}
}

func TestIncidentUpdatedOmitsEmptyFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := New(slog.Default())
	s := &recordingSubscriber{}
	n.Subscribe(s)

	n.IncidentUpdated(7, "high", "")

	events := s.received()
	if len(events) != 1 {
		t.Fatalf("events = %d, expected 1", len(events))
	}

	if _, present := events[0].Data["status"]; present {
		t.Errorf("data = %+v, expected status omitted", events[0].Data)
	}

	if events[0].Data["severity"] != "high" {
		t.Errorf("data = %+v, expected severity high", events[0].Data)
	}
}

func TestEventPayloadShapes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	n := New(slog.Default())
	s := &recordingSubscriber{}
	n.Subscribe(s)

	n.ScanCompleted(12, 3)
	n.DiscoveryUpdate(4)

	events := s.received()
	if len(events) != 2 {
		t.Fatalf("events = %d, expected 2", len(events))
	}

	scan := events[0]
	if scan.Event != EventScanCompleted || scan.Data["tables_scanned"] != 12 || scan.Data["anomalies_found"] != 3 {
		t.Errorf("scan event = %+v", scan)
	}

	discovery := events[1]
	if discovery.Event != EventDiscoveryUpdate || discovery.Data["total_deltas"] != 4 {
		t.Errorf("discovery event = %+v", discovery)
	}
}
