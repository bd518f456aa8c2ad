package l2planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/osiriscare/compliance-appliance/internal/healing"
)

// Guardrails validates L2 LLM decisions before execution. Checks run in a
// fixed order: action allow-list, dangerous-pattern scan over params and
// reasoning, confidence floor, and the dangerous-action approval set.
type Guardrails struct {
	dangerousPatterns []*regexp.Regexp
	confidenceFloor   float64
}

// dangerousPatternDefs are regex patterns that indicate destructive or
// exfiltrating commands. A hit anywhere in a decision forces escalation
// with zero confidence.
var dangerousPatternDefs = []string{
	// filesystem destruction
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,
	`>\s*/dev/sd[a-z]\b`,

	// permission destruction
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,

	// remote code execution via pipe
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`curl\s+.*\|\s*python`,
	`wget\s+.*\|\s*python`,

	// SQL destruction
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bDELETE\s+FROM\b`,
	`(?i)\bTRUNCATE\b`,

	// credential material
	`/etc/shadow`,
	`\bid_rsa\b`,
	`\.ssh/`,
	`(?i)\bapi[_\s]?key\b`,
	`\.env\b`,

	// reverse shells and listeners
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,
	`\bnc\s+-l\b`,

	// container privilege escalation
	`--privileged\b`,
	`(?i)docker\s+.*-v\s+/:/`,

	// forced power state
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,

	// Windows destruction
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Stop-Computer\s+-Force`,
}

// dangerousActionWords: an otherwise-allowed action whose name contains one
// of these requires human approval.
var dangerousActionWords = []string{"delete", "format", "reboot", "shutdown"}

const defaultConfidenceFloor = 0.6

// NewGuardrails creates a Guardrails checker. confidenceFloor <= 0 selects
// the default of 0.6.
func NewGuardrails(confidenceFloor float64) *Guardrails {
	if confidenceFloor <= 0 {
		confidenceFloor = defaultConfidenceFloor
	}
	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &Guardrails{dangerousPatterns: patterns, confidenceFloor: confidenceFloor}
}

// Apply mutates the decision according to the guardrail rules, in order:
//
//  1. Action outside the allow-list: force escalate, require approval.
//  2. Dangerous pattern anywhere in params (keys and string values,
//     recursively) or reasoning: force escalate, zero confidence, flag
//     security violation.
//  3. Confidence below the floor: require approval.
//  4. Dangerous action word: require approval.
func (g *Guardrails) Apply(d *Decision) {
	if d.Action != "" && d.Action != "escalate" && !healing.ActionAllowed(d.Action) {
		d.Escalate = true
		d.RequiresApproval = true
		d.Reasoning = fmt.Sprintf("guardrails: action %q not in allow-list. %s", d.Action, d.Reasoning)
		return
	}

	hit := g.scanValue(d.Params)
	if hit == "" {
		hit = g.scanString(d.Reasoning)
	}
	if hit == "" {
		hit = g.scanString(d.Action)
	}
	if hit != "" {
		g.flagViolation(d, hit)
		return
	}

	if d.Confidence < g.confidenceFloor {
		d.RequiresApproval = true
	}

	lower := strings.ToLower(d.Action)
	for _, word := range dangerousActionWords {
		if strings.Contains(lower, word) {
			d.RequiresApproval = true
			break
		}
	}
}

func (g *Guardrails) flagViolation(d *Decision, hit string) {
	d.Escalate = true
	d.RequiresApproval = true
	d.SecurityViolation = true
	d.Confidence = 0
	d.Reasoning = fmt.Sprintf("guardrails: dangerous pattern %q. %s", hit, d.Reasoning)
}

// scanValue walks params recursively checking keys and string values.
// Returns the first matched pattern, or "".
func (g *Guardrails) scanValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return g.scanString(val)
	case map[string]interface{}:
		for k, inner := range val {
			if hit := g.scanString(k); hit != "" {
				return hit
			}
			if hit := g.scanValue(inner); hit != "" {
				return hit
			}
		}
	case []interface{}:
		for _, inner := range val {
			if hit := g.scanValue(inner); hit != "" {
				return hit
			}
		}
	}
	return ""
}

func (g *Guardrails) scanString(s string) string {
	for _, p := range g.dangerousPatterns {
		if p.MatchString(s) {
			return p.String()
		}
	}
	return ""
}
