// Package architect produces root-cause diagnoses for incidents. The primary
// path asks a language model; a deterministic rule-based fallback covers
// every failure so the orchestrator always receives a diagnosis.
package architect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aegis-io/aegis/internal/lineage"
	"github.com/aegis-io/aegis/internal/storage"
)

// Retry schedule for the primary path: three attempts, backing off 2s then 4s.
const (
	maxAttempts     = 3
	initialBackoff  = 2 * time.Second
	backoffMultiple = 2.0

	promptLineageDepth = 3
	historyLimit       = 5
)

// fallbackRootCause is the diagnosis text when automated analysis fails.
const fallbackRootCause = "Automated analysis unavailable. Manual investigation required."

// ErrEmptyCompletion is returned when the model responds with no content.
var ErrEmptyCompletion = errors.New("empty completion")

// ErrMalformedDiagnosis is returned when the model output is not a valid diagnosis.
var ErrMalformedDiagnosis = errors.New("malformed diagnosis")

type (
	// Recommendation is one advised remediation step.
	Recommendation struct {
		Action      string `json:"action"`
		Description string `json:"description"`
		SQL         string `json:"sql,omitempty"`
		Priority    int    `json:"priority"`
	}

	// Diagnosis is the architect's structured verdict on an incident.
	Diagnosis struct {
		RootCause       string           `json:"root_cause"`
		RootCauseTable  string           `json:"root_cause_table"`
		BlastRadius     []string         `json:"blast_radius"`
		Severity        string           `json:"severity"`
		Confidence      float64          `json:"confidence"`
		Recommendations []Recommendation `json:"recommendations"`
	}

	// LineageReader supplies graph context for prompts and fallback blast
	// radius. *lineage.Graph satisfies it.
	LineageReader interface {
		Upstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
		Downstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
	}

	// HistoryReader supplies recent anomalies for the same table.
	// *storage.Store satisfies it.
	HistoryReader interface {
		ListAnomaliesForTable(ctx context.Context, tableID int64, limit int) ([]storage.Anomaly, error)
	}

	// Architect runs the diagnosis pipeline.
	Architect struct {
		completer Completer
		graph     LineageReader
		history   HistoryReader
		logger    *slog.Logger
		sleep     func(context.Context, time.Duration) error
	}

	// Option configures optional Architect behavior.
	Option func(*Architect)
)

// WithSleeper overrides the inter-attempt sleep for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(a *Architect) {
		a.sleep = sleep
	}
}

// New builds an architect. The completer may be nil, in which case every
// diagnosis takes the fallback path.
func New(completer Completer, graph LineageReader, history HistoryReader, logger *slog.Logger, opts ...Option) *Architect {
	a := &Architect{
		completer: completer,
		graph:     graph,
		history:   history,
		logger:    logger,
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Diagnose returns a diagnosis for the anomaly. The primary LLM path is
// retried on transient failures; when it is exhausted or unavailable the
// deterministic fallback applies. The returned diagnosis is never nil.
func (a *Architect) Diagnose(ctx context.Context, anomaly *storage.Anomaly, table *storage.MonitoredTable) *Diagnosis {
	if a.completer != nil {
		if diagnosis := a.primary(ctx, anomaly, table); diagnosis != nil {
			return diagnosis
		}
	}

	return a.Fallback(ctx, anomaly, table)
}

func (a *Architect) primary(ctx context.Context, anomaly *storage.Anomaly, table *storage.MonitoredTable) *Diagnosis {
	prompt := a.buildPrompt(ctx, anomaly, table)

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = initialBackoff
	schedule.Multiplier = backoffMultiple
	schedule.RandomizationFactor = 0
	schedule.Reset()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		diagnosis, err := a.attempt(ctx, prompt, anomaly, table)
		if err == nil {
			return diagnosis
		}

		a.logger.Warn("Diagnosis attempt failed",
			slog.Int("attempt", attempt),
			slog.String("fqn", table.FullyQualifiedName),
			slog.Any("error", err),
		)

		if attempt == maxAttempts {
			break
		}

		wait := schedule.NextBackOff()

		// A rate-limited API may tell us exactly how long to wait.
		var rateLimited *RateLimitError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
			wait = rateLimited.RetryAfter
		}

		if err := a.sleep(ctx, wait); err != nil {
			break
		}
	}

	return nil
}

func (a *Architect) attempt(
	ctx context.Context,
	prompt string,
	anomaly *storage.Anomaly,
	table *storage.MonitoredTable,
) (*Diagnosis, error) {
	content, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyCompletion
	}

	diagnosis, err := parseDiagnosis(content)
	if err != nil {
		return nil, err
	}

	if diagnosis.RootCauseTable == "" {
		diagnosis.RootCauseTable = table.FullyQualifiedName
	}

	if !storage.ValidSeverity(diagnosis.Severity) {
		diagnosis.Severity = anomaly.Severity
	}

	return diagnosis, nil
}

// Fallback builds the deterministic diagnosis: unavailable analysis, the
// anomaly's own severity and the downstream blast radius when lineage is
// reachable.
func (a *Architect) Fallback(ctx context.Context, anomaly *storage.Anomaly, table *storage.MonitoredTable) *Diagnosis {
	var blastRadius []string

	if a.graph != nil {
		if downstream, err := a.graph.Downstream(ctx, table.FullyQualifiedName, lineage.BlastRadiusDepth); err == nil {
			for _, node := range downstream {
				blastRadius = append(blastRadius, node.FQN)
			}
		} else {
			a.logger.Warn("Lineage unavailable for fallback diagnosis",
				slog.String("fqn", table.FullyQualifiedName),
				slog.Any("error", err),
			)
		}
	}

	if blastRadius == nil {
		blastRadius = []string{}
	}

	return &Diagnosis{
		RootCause:      fallbackRootCause,
		RootCauseTable: table.FullyQualifiedName,
		BlastRadius:    blastRadius,
		Severity:       anomaly.Severity,
		Confidence:     0.0,
		Recommendations: []Recommendation{
			{Action: "investigate", Description: "Check upstream tables for recent changes", Priority: 1},
		},
	}
}

// buildPrompt assembles the three prompt sections: the anomaly itself,
// lineage context when available, and recent history for the same table.
func (a *Architect) buildPrompt(ctx context.Context, anomaly *storage.Anomaly, table *storage.MonitoredTable) string {
	var b strings.Builder

	b.WriteString("## Anomaly\n")
	fmt.Fprintf(&b, "Type: %s\n", anomaly.Type)
	fmt.Fprintf(&b, "Table: %s\n", table.FullyQualifiedName)
	fmt.Fprintf(&b, "Detail: %s\n", string(anomaly.Detail))
	fmt.Fprintf(&b, "Detected at: %s\n", anomaly.DetectedAt.UTC().Format(time.RFC3339))

	a.writeLineageSection(ctx, &b, table.FullyQualifiedName)
	a.writeHistorySection(ctx, &b, anomaly, table)

	return b.String()
}

func (a *Architect) writeLineageSection(ctx context.Context, b *strings.Builder, fqn string) {
	if a.graph == nil {
		return
	}

	upstream, upErr := a.graph.Upstream(ctx, fqn, promptLineageDepth)
	downstream, downErr := a.graph.Downstream(ctx, fqn, promptLineageDepth)

	if upErr != nil || downErr != nil || (len(upstream) == 0 && len(downstream) == 0) {
		return
	}

	b.WriteString("\n## Lineage\n")

	if len(upstream) > 0 {
		chain := make([]string, 0, len(upstream)+1)
		for i := len(upstream) - 1; i >= 0; i-- {
			chain = append(chain, upstream[i].FQN)
		}

		chain = append(chain, fqn)
		fmt.Fprintf(b, "Upstream chain: %s\n", strings.Join(chain, " -> "))
	}

	if len(downstream) > 0 {
		targets := make([]string, 0, len(downstream))
		for _, node := range downstream {
			targets = append(targets, node.FQN)
		}

		fmt.Fprintf(b, "Downstream tables: %s\n", strings.Join(targets, ", "))
	}
}

func (a *Architect) writeHistorySection(ctx context.Context, b *strings.Builder, anomaly *storage.Anomaly, table *storage.MonitoredTable) {
	if a.history == nil {
		return
	}

	// One extra row covers the current anomaly being among the results.
	recent, err := a.history.ListAnomaliesForTable(ctx, table.ID, historyLimit+1)
	if err != nil {
		return
	}

	var lines []string

	for _, past := range recent {
		if past.ID == anomaly.ID {
			continue
		}

		lines = append(lines, fmt.Sprintf("- %s %s (%s)",
			past.DetectedAt.UTC().Format(time.RFC3339), past.Type, past.Severity))

		if len(lines) == historyLimit {
			break
		}
	}

	if len(lines) == 0 {
		return
	}

	b.WriteString("\n## Recent History\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n")
}

// parseDiagnosis decodes the model output, tolerating markdown code fences.
func parseDiagnosis(content string) (*Diagnosis, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var diagnosis Diagnosis
	if err := json.Unmarshal([]byte(cleaned), &diagnosis); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDiagnosis, err)
	}

	if strings.TrimSpace(diagnosis.RootCause) == "" {
		return nil, fmt.Errorf("%w: missing root_cause", ErrMalformedDiagnosis)
	}

	if diagnosis.Confidence < 0 {
		diagnosis.Confidence = 0
	}

	if diagnosis.Confidence > 1 {
		diagnosis.Confidence = 1
	}

	if diagnosis.BlastRadius == nil {
		diagnosis.BlastRadius = []string{}
	}

	return &diagnosis, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
