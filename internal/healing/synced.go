package healing

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/osiriscare/compliance-appliance/internal/crypto"
)

// parseSyncedBundle reads one synced JSON rules file. Two formats are
// accepted: a bare array of rules, or a wrapped object with "rules" plus an
// optional Ed25519 "signature" over the canonical (sorted-keys) rules JSON.
// Once the control plane key is known, a bad signature rejects the file.
func (e *Engine) parseSyncedBundle(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var rulesList []map[string]interface{}
	if err := json.Unmarshal(data, &rulesList); err == nil {
		out := make([]*Rule, 0, len(rulesList))
		for _, rd := range rulesList {
			if r := ruleFromSyncedJSON(rd); r != nil {
				out = append(out, r)
			}
		}
		return out, nil
	}

	var wrapped map[string]interface{}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	// The bundle may carry the server key itself; install it before
	// verification so first-boot sync works.
	if pubKey, ok := wrapped["server_public_key"].(string); ok && pubKey != "" {
		if err := e.verifier.SetPublicKey(pubKey); err != nil {
			log.Printf("[l1] failed to set server public key from bundle: %v", err)
		}
	}

	sigHex, _ := wrapped["signature"].(string)
	if sigHex != "" && e.verifier.HasKey() {
		canonicalRules, err := crypto.CanonicalJSON(wrapped["rules"])
		if err != nil {
			return nil, fmt.Errorf("canonicalize rules: %w", err)
		}
		if err := e.verifier.VerifyPayload(string(canonicalRules), sigHex); err != nil {
			return nil, fmt.Errorf("signature verification failed: %w", err)
		}
	} else if sigHex == "" && e.verifier.HasKey() {
		log.Printf("[l1] WARNING: unsigned rules file %s", path)
	}

	var out []*Rule
	if rulesRaw, ok := wrapped["rules"]; ok {
		if arr, ok := rulesRaw.([]interface{}); ok {
			for _, rr := range arr {
				if rd, ok := rr.(map[string]interface{}); ok {
					if r := ruleFromSyncedJSON(rd); r != nil {
						out = append(out, r)
					}
				}
			}
		}
	}
	return out, nil
}

func ruleFromSyncedJSON(m map[string]interface{}) *Rule {
	id, _ := m["id"].(string)
	if id == "" {
		return nil
	}

	// Synced rules may carry an 'actions' list; the first entry wins.
	action := ""
	if actions, ok := m["actions"].([]interface{}); ok && len(actions) > 0 {
		action, _ = actions[0].(string)
	}
	if action == "" {
		action = strOrDefault(m, "action", "escalate")
	}

	r := &Rule{
		ID:              id,
		Name:            strOrDefault(m, "name", id),
		Description:     strOrDefault(m, "description", ""),
		IncidentType:    strOrDefault(m, "incident_type", ""),
		Action:          action,
		ActionParams:    mapOrEmpty(m, "action_params"),
		HIPAAControls:   strSlice(m, "hipaa_controls"),
		SeverityFilter:  strSlice(m, "severity_filter"),
		Enabled:         boolOrDefault(m, "enabled", true),
		Priority:        intOrDefault(m, "priority", 5), // synced rules outrank builtins
		CooldownSeconds: intOrDefault(m, "cooldown_seconds", 300),
		MaxRetries:      intOrDefault(m, "max_retries", 1),
		Source:          "synced",
		GPOManaged:      boolOrDefault(m, "gpo_managed", false),
	}

	if conds, ok := m["conditions"].([]interface{}); ok {
		for _, c := range conds {
			if cm, ok := c.(map[string]interface{}); ok {
				r.Conditions = append(r.Conditions, RuleCondition{
					Field:    strOrDefault(cm, "field", ""),
					Operator: MatchOperator(strOrDefault(cm, "operator", "eq")),
					Value:    cm["value"],
				})
			}
		}
	}

	return r
}
