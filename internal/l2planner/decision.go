package l2planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is the planner's verdict on one incident.
type Decision struct {
	IncidentID        string                 `json:"incident_id"`
	Action            string                 `json:"action"`
	Params            map[string]interface{} `json:"params"`
	Confidence        float64                `json:"confidence"`
	Reasoning         string                 `json:"reasoning"`
	RunbookID         string                 `json:"runbook_id,omitempty"`
	RequiresApproval  bool                   `json:"requires_approval"`
	Escalate          bool                   `json:"escalate"`
	SecurityViolation bool                   `json:"security_violation,omitempty"`

	// Accounting, filled by the planner.
	Mode         string  `json:"mode,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	LatencyMs    int64   `json:"latency_ms,omitempty"`
}

const maxRawReasoning = 500

// parseDecision extracts the structured decision from a model response.
// Models wrap JSON in fenced code blocks or surround it with prose, so the
// first brace-balanced object is extracted and decoded. On any failure an
// escalate decision carrying the (truncated) raw response is returned.
func parseDecision(raw string) *Decision {
	jsonStr := extractJSONObject(raw)
	if jsonStr == "" {
		return escalateDecision("no JSON object in model response: " + truncate(raw, maxRawReasoning))
	}

	var parsed struct {
		Action           string                 `json:"action"`
		Params           map[string]interface{} `json:"params"`
		Confidence       float64                `json:"confidence"`
		Reasoning        string                 `json:"reasoning"`
		RunbookID        string                 `json:"runbook_id"`
		RequiresApproval bool                   `json:"requires_approval"`
		Escalate         bool                   `json:"escalate"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return escalateDecision(fmt.Sprintf("malformed decision JSON (%v): %s", err, truncate(raw, maxRawReasoning)))
	}

	d := &Decision{
		Action:           parsed.Action,
		Params:           parsed.Params,
		Confidence:       clamp01(parsed.Confidence),
		Reasoning:        parsed.Reasoning,
		RunbookID:        parsed.RunbookID,
		RequiresApproval: parsed.RequiresApproval,
		Escalate:         parsed.Escalate,
	}
	if d.Params == nil {
		d.Params = map[string]interface{}{}
	}
	if d.Action == "" {
		d.Escalate = true
		if d.Reasoning == "" {
			d.Reasoning = "model returned no action"
		}
	}
	return d
}

func escalateDecision(reasoning string) *Decision {
	return &Decision{
		Action:           "escalate",
		Params:           map[string]interface{}{},
		Escalate:         true,
		RequiresApproval: true,
		Reasoning:        reasoning,
	}
}

// extractJSONObject returns the first brace-balanced {...} span in s,
// respecting string literals and escapes. Empty string if none.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
