package l2planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/osiriscare/compliance-appliance/internal/healing"
	"github.com/osiriscare/compliance-appliance/internal/store"
)

// systemPrompt constrains the model to the action allow-list and the
// structured decision schema. PHI never reaches the model (scrubbed before
// send), but the prompt forbids echoing anything that slips through.
const systemPrompt = `You are the L2 remediation planner inside a HIPAA compliance appliance at a medical practice. You decide how to fix ONE infrastructure incident.

Hard rules:
- Never include patient data, names, or any PHI in your output. If the incident data appears to contain PHI, do not repeat it.
- You may only choose an action from the allowed list given in the request, or "escalate".
- Prefer "escalate" whenever you are unsure. A wrong automated fix at a clinic is worse than a human looking at it.
- Respond with a single JSON object and nothing else:
{
  "action": "<allowed action name or escalate>",
  "params": {},
  "confidence": 0.0,
  "reasoning": "<one short paragraph>",
  "runbook_id": "<optional runbook id>",
  "requires_approval": false,
  "escalate": false
}`

// buildPrompt renders the incident plus its pattern history into the user
// message. Context comes from the incident store: pattern stats, recent
// incidents for the signature, top successful actions, and similar
// incidents at the same site.
func buildPrompt(inc *store.Incident, pctx *store.PatternContext, similar []*store.Incident) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Incident:\n")
	fmt.Fprintf(&b, "  type: %s\n  severity: %s\n  site: %s\n  host: %s\n",
		inc.IncidentType, inc.Severity, inc.SiteID, inc.HostID)
	if raw, err := json.Marshal(inc.RawData); err == nil {
		fmt.Fprintf(&b, "  raw_data: %s\n", raw)
	}

	if pctx != nil && pctx.Stats != nil {
		s := pctx.Stats
		fmt.Fprintf(&b, "\nPattern history (signature %s):\n", s.PatternSignature)
		fmt.Fprintf(&b, "  occurrences: %d, l1: %d, l2: %d, escalations: %d, success_rate: %.2f\n",
			s.TotalOccurrences, s.L1Resolutions, s.L2Resolutions, s.L3Escalations, s.SuccessRate())
		for _, af := range pctx.SuccessfulActions {
			fmt.Fprintf(&b, "  worked before: %s (%d times)\n", af.Action, af.Count)
		}
	}

	if len(similar) > 0 {
		fmt.Fprintf(&b, "\nSimilar resolved incidents at this site:\n")
		for _, si := range similar {
			fmt.Fprintf(&b, "  %s on %s -> %s (%s)\n",
				si.IncidentType, si.HostID, si.ResolutionAction, si.Outcome)
		}
	}

	fmt.Fprintf(&b, "\nAllowed actions: %s\n", strings.Join(allowedActionNames(), ", "))
	fmt.Fprintf(&b, "Decide now. JSON only.\n")
	return b.String()
}

func allowedActionNames() []string {
	names := make([]string, 0, len(healing.AllowedActions))
	for name := range healing.AllowedActions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
