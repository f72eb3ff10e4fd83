package architect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aegis-io/aegis/internal/lineage"
	"github.com/aegis-io/aegis/internal/storage"
)

// scriptedCompleter returns canned responses in order.
type scriptedCompleter struct {
	responses []completion
	calls     int
}

type completion struct {
	content string
	err     error
}

func (s *scriptedCompleter) Complete(_ context.Context, _ string) (string, error) {
	if s.calls >= len(s.responses) {
		return "", errors.New("unexpected extra call")
	}

	response := s.responses[s.calls]
	s.calls++

	return response.content, response.err
}

type fakeLineage struct {
	upstream   []lineage.Node
	downstream []lineage.Node
	err        error
}

func (f *fakeLineage) Upstream(context.Context, string, int) ([]lineage.Node, error) {
	return f.upstream, f.err
}

func (f *fakeLineage) Downstream(context.Context, string, int) ([]lineage.Node, error) {
	return f.downstream, f.err
}

type fakeHistory struct {
	anomalies []storage.Anomaly
}

func (f *fakeHistory) ListAnomaliesForTable(context.Context, int64, int) ([]storage.Anomaly, error) {
	return f.anomalies, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// noSleep records requested waits instead of sleeping.
func noSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)

		return nil
	}
}

func testAnomaly() *storage.Anomaly {
	return &storage.Anomaly{
		ID:         9,
		TableID:    1,
		Type:       storage.AnomalyTypeSchemaDrift,
		Severity:   storage.SeverityHigh,
		Detail:     json.RawMessage(`[{"change":"column_deleted","column":"price"}]`),
		DetectedAt: time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
	}
}

func testTable() *storage.MonitoredTable {
	return &storage.MonitoredTable{
		ID:                 1,
		SchemaName:         "public",
		TableName:          "orders",
		FullyQualifiedName: "public.orders",
	}
}

func validDiagnosisJSON() string {
	return `{"root_cause":"Upstream load job dropped the price column",
		"root_cause_table":"staging.orders","blast_radius":["analytics.daily_revenue"],
		"severity":"critical","confidence":0.85,
		"recommendations":[{"action":"restore_column","description":"Re-add price","priority":1}]}`
}

func TestDiagnosePrimaryPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("valid completion parses", func(t *testing.T) {
		completer := &scriptedCompleter{responses: []completion{{content: validDiagnosisJSON()}}}
		architect := New(completer, nil, nil, testLogger())

		diagnosis := architect.Diagnose(context.Background(), testAnomaly(), testTable())

		if diagnosis.RootCauseTable != "staging.orders" || diagnosis.Confidence != 0.85 {
			t.Errorf("diagnosis = %+v, expected parsed model output", diagnosis)
		}

		if len(diagnosis.Recommendations) != 1 || diagnosis.Recommendations[0].Action != "restore_column" {
			t.Errorf("recommendations = %+v, expected one parsed entry", diagnosis.Recommendations)
		}
	})

	t.Run("markdown fences are tolerated", func(t *testing.T) {
		fenced := "```json\n" + validDiagnosisJSON() + "\n```"
		completer := &scriptedCompleter{responses: []completion{{content: fenced}}}
		architect := New(completer, nil, nil, testLogger())

		diagnosis := architect.Diagnose(context.Background(), testAnomaly(), testTable())
		if diagnosis.RootCause == fallbackRootCause {
			t.Error("fenced JSON should still parse on the primary path")
		}
	})

	t.Run("malformed output retries with scheduled backoff", func(t *testing.T) {
		completer := &scriptedCompleter{responses: []completion{
			{content: "I think the problem is..."},
			{content: ""},
			{content: validDiagnosisJSON()},
		}}

		var waits []time.Duration
		architect := New(completer, nil, nil, testLogger(), WithSleeper(noSleep(&waits)))

		diagnosis := architect.Diagnose(context.Background(), testAnomaly(), testTable())

		if completer.calls != 3 {
			t.Errorf("completer calls = %d, expected 3", completer.calls)
		}

		if diagnosis.RootCause == fallbackRootCause {
			t.Error("third attempt succeeded, fallback should not apply")
		}

		if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
			t.Errorf("waits = %v, expected [2s 4s]", waits)
		}
	})

	t.Run("rate limit hint overrides scheduled backoff", func(t *testing.T) {
		completer := &scriptedCompleter{responses: []completion{
			{err: &RateLimitError{RetryAfter: 7 * time.Second}},
			{content: validDiagnosisJSON()},
		}}

		var waits []time.Duration
		architect := New(completer, nil, nil, testLogger(), WithSleeper(noSleep(&waits)))

		architect.Diagnose(context.Background(), testAnomaly(), testTable())

		if len(waits) != 1 || waits[0] != 7*time.Second {
			t.Errorf("waits = %v, expected [7s]", waits)
		}
	})

	t.Run("invalid severity falls back to the anomaly severity", func(t *testing.T) {
		content := `{"root_cause":"something","severity":"catastrophic","confidence":0.5,"recommendations":[]}`
		completer := &scriptedCompleter{responses: []completion{{content: content}}}
		architect := New(completer, nil, nil, testLogger())

		diagnosis := architect.Diagnose(context.Background(), testAnomaly(), testTable())
		if diagnosis.Severity != storage.SeverityHigh {
			t.Errorf("severity = %s, expected anomaly severity high", diagnosis.Severity)
		}

		if diagnosis.RootCauseTable != "public.orders" {
			t.Errorf("root cause table = %s, expected table fqn default", diagnosis.RootCauseTable)
		}
	})
}

func TestDiagnoseFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("exhausted retries produce deterministic fallback", func(t *testing.T) {
		completer := &scriptedCompleter{responses: []completion{
			{err: errors.New("timeout")},
			{err: errors.New("timeout")},
			{err: errors.New("timeout")},
		}}

		graph := &fakeLineage{downstream: []lineage.Node{
			{FQN: "analytics.daily_revenue", Depth: 1},
			{FQN: "analytics.customer_ltv", Depth: 1},
		}}

		var waits []time.Duration
		architect := New(completer, graph, nil, testLogger(), WithSleeper(noSleep(&waits)))

		diagnosis := architect.Diagnose(context.Background(), testAnomaly(), testTable())

		if diagnosis.RootCause != fallbackRootCause {
			t.Errorf("root cause = %q, expected fallback text", diagnosis.RootCause)
		}

		if diagnosis.Confidence != 0.0 || diagnosis.Severity != storage.SeverityHigh {
			t.Errorf("diagnosis = %+v, expected zero confidence and anomaly severity", diagnosis)
		}

		if len(diagnosis.BlastRadius) != 2 {
			t.Errorf("blast radius = %v, expected downstream fqns", diagnosis.BlastRadius)
		}

		recs := diagnosis.Recommendations
		if len(recs) != 1 || recs[0].Action != "investigate" || recs[0].Priority != 1 {
			t.Errorf("recommendations = %+v, expected single investigate entry", recs)
		}
	})

	t.Run("nil completer goes straight to fallback", func(t *testing.T) {
		architect := New(nil, nil, nil, testLogger())

		diagnosis := architect.Diagnose(context.Background(), testAnomaly(), testTable())
		if diagnosis.RootCause != fallbackRootCause {
			t.Error("nil completer must use the fallback")
		}
	})

	t.Run("lineage failure leaves blast radius empty", func(t *testing.T) {
		graph := &fakeLineage{err: errors.New("store down")}
		architect := New(nil, graph, nil, testLogger())

		diagnosis := architect.Diagnose(context.Background(), testAnomaly(), testTable())
		if diagnosis.BlastRadius == nil || len(diagnosis.BlastRadius) != 0 {
			t.Errorf("blast radius = %v, expected empty", diagnosis.BlastRadius)
		}
	})
}

func TestBuildPrompt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	graph := &fakeLineage{
		upstream:   []lineage.Node{{FQN: "staging.orders", Depth: 1}, {FQN: "raw.orders", Depth: 2}},
		downstream: []lineage.Node{{FQN: "analytics.daily_revenue", Depth: 1}},
	}

	history := &fakeHistory{anomalies: []storage.Anomaly{
		{ID: 9, Type: storage.AnomalyTypeSchemaDrift, Severity: storage.SeverityHigh},
		{ID: 5, Type: storage.AnomalyTypeFreshnessViolation, Severity: storage.SeverityMedium,
			DetectedAt: time.Date(2026, 3, 13, 8, 0, 0, 0, time.UTC)},
	}}

	architect := New(nil, graph, history, testLogger())

	prompt := architect.buildPrompt(context.Background(), testAnomaly(), testTable())

	for _, section := range []string{"## Anomaly", "## Lineage", "## Recent History"} {
		if !strings.Contains(prompt, section) {
			t.Errorf("prompt missing section %s:\n%s", section, prompt)
		}
	}

	if !strings.Contains(prompt, "raw.orders -> staging.orders -> public.orders") {
		t.Errorf("prompt missing upstream chain:\n%s", prompt)
	}

	// The current anomaly (id 9) is excluded from history.
	if strings.Count(prompt, "schema_drift") != 1 {
		t.Errorf("prompt should mention schema_drift only in the anomaly section:\n%s", prompt)
	}
}
