package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

// Freshness severity thresholds expressed as overdue ratio (minutes late
// divided by SLA minutes).
const (
	criticalRatio = 5.0
	highRatio     = 2.0
)

// FreshnessDetail is the structured payload of a freshness anomaly.
type FreshnessDetail struct {
	LastUpdate     time.Time `json:"last_update"`
	SLAMinutes     int       `json:"sla_minutes"`
	MinutesOverdue float64   `json:"minutes_overdue"`
}

// FreshnessSentinel detects tables whose last update exceeds their SLA.
type FreshnessSentinel struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// FreshnessOption configures optional sentinel behavior.
type FreshnessOption func(*FreshnessSentinel)

// WithFreshnessClock overrides time.Now for tests.
func WithFreshnessClock(now func() time.Time) FreshnessOption {
	return func(s *FreshnessSentinel) {
		s.now = now
	}
}

// NewFreshnessSentinel builds a freshness detector.
func NewFreshnessSentinel(store Store, logger *slog.Logger, opts ...FreshnessOption) *FreshnessSentinel {
	s := &FreshnessSentinel{store: store, logger: logger, now: time.Now}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Kind returns the check type tables enroll in for this sentinel.
func (s *FreshnessSentinel) Kind() string {
	return storage.CheckTypeFreshness
}

// Inspect checks a table's last update against its freshness SLA. Tables
// without an SLA, without a known update time, or behind a failing connector
// are skipped without side effects.
func (s *FreshnessSentinel) Inspect(
	ctx context.Context,
	table *storage.MonitoredTable,
	connector warehouse.Connector,
) (*storage.Anomaly, error) {
	if table.FreshnessSLAMinutes == nil {
		return nil, nil
	}

	lastUpdate, err := connector.FetchLastUpdateTime(ctx, table.SchemaName, table.TableName)
	if err != nil {
		s.logger.Warn("Last update fetch failed, skipping table",
			slog.String("fqn", table.FullyQualifiedName),
			slog.Any("error", err),
		)

		return nil, nil
	}

	if lastUpdate == nil {
		return nil, nil
	}

	sla := *table.FreshnessSLAMinutes
	minutesSince := s.now().UTC().Sub(lastUpdate.UTC()).Minutes()

	if minutesSince <= float64(sla) {
		return nil, nil
	}

	overdue := math.Round((minutesSince-float64(sla))*10) / 10

	detail, err := json.Marshal(FreshnessDetail{
		LastUpdate:     lastUpdate.UTC(),
		SLAMinutes:     sla,
		MinutesOverdue: overdue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode freshness detail: %w", err)
	}

	anomaly := &storage.Anomaly{
		TableID:  table.ID,
		Type:     storage.AnomalyTypeFreshnessViolation,
		Severity: freshnessSeverity(minutesSince / float64(sla)),
		Detail:   detail,
	}

	if err := s.store.InsertAnomaly(ctx, anomaly); err != nil {
		return nil, err
	}

	return anomaly, nil
}

func freshnessSeverity(ratio float64) string {
	switch {
	case ratio > criticalRatio:
		return storage.SeverityCritical
	case ratio > highRatio:
		return storage.SeverityHigh
	default:
		return storage.SeverityMedium
	}
}
