// Package executor turns a diagnosis into an advisory remediation plan.
// Remediation is never applied automatically; actions with SQL wait for
// operator approval, everything else is manual guidance.
package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/aegis-io/aegis/internal/architect"
)

// Action statuses. SQL-bearing actions require an operator to approve them;
// the rest are manual instructions.
const (
	ActionStatusPendingApproval = "pending_approval"
	ActionStatusManual          = "manual"
)

// blastRadiusPreview bounds how many affected tables the summary lists.
const blastRadiusPreview = 10

type (
	// Action is one remediation step derived from a recommendation.
	Action struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Priority    int    `json:"priority"`
		SQL         string `json:"sql,omitempty"`
		Status      string `json:"status"`
	}

	// Remediation is the full advisory plan attached to an incident.
	Remediation struct {
		Actions     []Action  `json:"actions"`
		Summary     string    `json:"summary"`
		GeneratedAt time.Time `json:"generated_at"`
	}
)

// Build derives a remediation plan from a diagnosis. Input order of
// recommendations is preserved.
func Build(diagnosis *architect.Diagnosis, now time.Time) *Remediation {
	actions := make([]Action, 0, len(diagnosis.Recommendations))

	for _, rec := range diagnosis.Recommendations {
		status := ActionStatusManual
		if rec.SQL != "" {
			status = ActionStatusPendingApproval
		}

		actions = append(actions, Action{
			Type:        rec.Action,
			Description: rec.Description,
			Priority:    rec.Priority,
			SQL:         rec.SQL,
			Status:      status,
		})
	}

	return &Remediation{
		Actions:     actions,
		Summary:     buildSummary(diagnosis),
		GeneratedAt: now.UTC(),
	}
}

// buildSummary renders the markdown block shown to operators.
func buildSummary(diagnosis *architect.Diagnosis) string {
	var b strings.Builder

	b.WriteString("## Remediation Plan\n\n")
	fmt.Fprintf(&b, "**Severity:** %s\n", strings.ToUpper(diagnosis.Severity))
	fmt.Fprintf(&b, "**Confidence:** %.0f%%\n\n", diagnosis.Confidence*100)
	fmt.Fprintf(&b, "**Root cause:** %s\n", diagnosis.RootCause)
	fmt.Fprintf(&b, "**Source table:** %s\n", diagnosis.RootCauseTable)

	if total := len(diagnosis.BlastRadius); total > 0 {
		preview := diagnosis.BlastRadius
		if len(preview) > blastRadiusPreview {
			preview = preview[:blastRadiusPreview]
		}

		fmt.Fprintf(&b, "\n**Affected tables (%d):** %s", total, strings.Join(preview, ", "))

		if remaining := total - len(preview); remaining > 0 {
			fmt.Fprintf(&b, " ... and %d more", remaining)
		}

		b.WriteString("\n")
	}

	if len(diagnosis.Recommendations) > 0 {
		b.WriteString("\n**Recommended actions:**\n")

		for i, rec := range diagnosis.Recommendations {
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, rec.Action, rec.Description)
		}
	}

	return b.String()
}
