// Package notifier fans platform events out to subscribers: connected
// WebSocket clients and, when configured, a Kafka topic. Delivery is best
// effort; a failing subscriber never blocks the pipeline.
package notifier

import (
	"log/slog"
	"sync"
)

// Event kinds emitted by the platform.
const (
	EventIncidentCreated = "incident.created"
	EventIncidentUpdated = "incident.updated"
	EventScanCompleted   = "scan.completed"
	EventDiscoveryUpdate = "discovery.update"
)

type (
	// Event is one notification message: kind plus structured payload.
	Event struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}

	// Subscriber receives events. Implementations must be safe for
	// concurrent Notify calls.
	Subscriber interface {
		Notify(event Event) error
	}

	// Notifier is the process-wide event fanout.
	Notifier struct {
		mu          sync.Mutex
		subscribers []Subscriber
		logger      *slog.Logger
	}
)

// New builds an empty notifier.
func New(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Subscribe registers a subscriber for all future events.
func (n *Notifier) Subscribe(subscriber Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.subscribers = append(n.subscribers, subscriber)
}

// Publish delivers an event to every subscriber. Failures are logged and the
// failing subscriber is dropped so one dead client cannot degrade the rest.
func (n *Notifier) Publish(event Event) {
	n.mu.Lock()
	subscribers := make([]Subscriber, len(n.subscribers))
	copy(subscribers, n.subscribers)
	n.mu.Unlock()

	var failed []Subscriber

	for _, subscriber := range subscribers {
		if err := subscriber.Notify(event); err != nil {
			n.logger.Warn("Dropping failed event subscriber",
				slog.String("event", event.Event),
				slog.Any("error", err),
			)

			failed = append(failed, subscriber)
		}
	}

	if len(failed) > 0 {
		n.drop(failed)
	}
}

// IncidentCreated publishes the incident creation event.
func (n *Notifier) IncidentCreated(incidentID int64, severity string) {
	n.Publish(Event{
		Event: EventIncidentCreated,
		Data:  map[string]any{"incident_id": incidentID, "severity": severity},
	})
}

// IncidentUpdated publishes an incident merge or status change.
func (n *Notifier) IncidentUpdated(incidentID int64, severity, status string) {
	data := map[string]any{"incident_id": incidentID}

	if severity != "" {
		data["severity"] = severity
	}

	if status != "" {
		data["status"] = status
	}

	n.Publish(Event{Event: EventIncidentUpdated, Data: data})
}

// ScanCompleted publishes the end-of-cycle summary.
func (n *Notifier) ScanCompleted(tablesScanned, anomaliesFound int) {
	n.Publish(Event{
		Event: EventScanCompleted,
		Data:  map[string]any{"tables_scanned": tablesScanned, "anomalies_found": anomaliesFound},
	})
}

// DiscoveryUpdate publishes the rediscovery delta count.
func (n *Notifier) DiscoveryUpdate(totalDeltas int) {
	n.Publish(Event{
		Event: EventDiscoveryUpdate,
		Data:  map[string]any{"total_deltas": totalDeltas},
	})
}

func (n *Notifier) drop(failed []Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	kept := n.subscribers[:0]

	for _, subscriber := range n.subscribers {
		dead := false

		for _, f := range failed {
			if subscriber == f {
				dead = true

				break
			}
		}

		if !dead {
			kept = append(kept, subscriber)
		}
	}

	n.subscribers = kept
}
