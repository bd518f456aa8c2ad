// Package escalation is the L3 tier: incidents neither deterministic rules
// nor the LLM planner could resolve get packaged into a ticket and routed
// to humans. Routing prefers the control plane; when that path is disabled
// the locally configured channels receive the ticket by priority.
package escalation

import (
	"fmt"
	"strings"

	"github.com/osiriscare/compliance-appliance/internal/store"
)

// Priorities.
const (
	PriorityCritical = "CRITICAL"
	PriorityHigh     = "HIGH"
	PriorityMedium   = "MEDIUM"
	PriorityLow      = "LOW"
)

// Ticket is the escalation package handed to humans.
type Ticket struct {
	TicketID          string                 `json:"ticket_id"`
	IncidentID        int64                  `json:"incident_id"`
	SiteID            string                 `json:"site_id"`
	HostID            string                 `json:"host_id"`
	IncidentType      string                 `json:"incident_type"`
	Severity          string                 `json:"severity"`
	Priority          string                 `json:"priority"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	RecommendedAction string                 `json:"recommended_action,omitempty"`
	AttemptedActions  []string               `json:"attempted_actions,omitempty"`
	HIPAAControls     []string               `json:"hipaa_controls,omitempty"`
	RawData           map[string]interface{} `json:"raw_data,omitempty"`
	Reason            string                 `json:"reason"`
	CreatedAt         string                 `json:"created_at"`
}

// derivePriority maps severity plus reason substrings onto a ticket
// priority. Encryption problems are always critical: they mean PHI may be
// sitting unprotected on disk.
func derivePriority(severity, reason string) string {
	lower := strings.ToLower(reason)

	if strings.Contains(lower, "encryption") || strings.Contains(lower, "bitlocker") || strings.Contains(lower, "luks") {
		return PriorityCritical
	}
	if severity == "critical" {
		return PriorityCritical
	}
	if strings.Contains(lower, "security") || strings.Contains(lower, "breach") || strings.Contains(lower, "violation") {
		return PriorityHigh
	}
	if severity == "high" {
		return PriorityHigh
	}
	if severity == "medium" {
		return PriorityMedium
	}
	return PriorityLow
}

// buildDescription renders the rich ticket body: incident details, pattern
// history, what worked before, and the raw check data.
func buildDescription(inc *store.Incident, pctx *store.PatternContext, reason string, attempted []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Automated remediation could not resolve this incident.\n\n")
	fmt.Fprintf(&b, "Escalation reason: %s\n\n", reason)
	fmt.Fprintf(&b, "Incident:\n")
	fmt.Fprintf(&b, "  type:     %s\n", inc.IncidentType)
	fmt.Fprintf(&b, "  severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "  site:     %s\n", inc.SiteID)
	fmt.Fprintf(&b, "  host:     %s\n", inc.HostID)
	fmt.Fprintf(&b, "  created:  %s\n", inc.CreatedAt)

	if len(attempted) > 0 {
		fmt.Fprintf(&b, "\nAttempted actions:\n")
		for _, a := range attempted {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}

	if pctx != nil && pctx.Stats != nil {
		s := pctx.Stats
		fmt.Fprintf(&b, "\nPattern history (%s):\n", s.PatternSignature)
		fmt.Fprintf(&b, "  seen %d times, %d L1 fixes, %d L2 fixes, %d escalations, success rate %.0f%%\n",
			s.TotalOccurrences, s.L1Resolutions, s.L2Resolutions, s.L3Escalations, s.SuccessRate()*100)
		for _, af := range pctx.SuccessfulActions {
			fmt.Fprintf(&b, "  previously worked: %s (%d times)\n", af.Action, af.Count)
		}
	}

	if len(inc.RawData) > 0 {
		fmt.Fprintf(&b, "\nRaw check data:\n")
		for k, v := range inc.RawData {
			fmt.Fprintf(&b, "  %s: %v\n", k, v)
		}
	}

	return b.String()
}
