// Package healing implements the L1 deterministic rules engine.
//
// L1 handles the majority of incidents with sub-100ms response, zero LLM
// cost, and auditable behavior. Rules are loaded from built-in defaults,
// YAML rule files under the rules directory, signed JSON bundles synced
// from the control plane, and promoted rules written by the learning
// engine under rules_dir/promoted.
package healing

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/compliance-appliance/internal/crypto"
)

// MatchOperator defines comparison operators for rule conditions.
type MatchOperator string

const (
	OpEquals      MatchOperator = "eq"
	OpNotEquals   MatchOperator = "ne"
	OpContains    MatchOperator = "contains"
	OpRegex       MatchOperator = "regex"
	OpGreaterThan MatchOperator = "gt"
	OpLessThan    MatchOperator = "lt"
	OpIn          MatchOperator = "in"
	OpNotIn       MatchOperator = "not_in"
	OpExists      MatchOperator = "exists"
)

// AllowedActions is the exhaustive set of action names a rule may carry.
// run_runbook:<ID> forms are additionally accepted; the host executor
// resolves those. Anything else is refused at load time.
var AllowedActions = map[string]bool{
	"update_to_baseline_generation": true,
	"restart_av_service":            true,
	"run_backup_job":                true,
	"restart_logging_services":      true,
	"restore_firewall_baseline":     true,
	"renew_certificate":             true,
	"cleanup_disk_space":            true,
	"restart_service":               true,
	"clear_cache":                   true,
	"rotate_logs":                   true,
	"escalate":                      true,
}

// ActionAllowed reports whether an action name is acceptable on a rule.
func ActionAllowed(action string) bool {
	if AllowedActions[action] {
		return true
	}
	return strings.HasPrefix(action, "run_runbook:") && len(action) > len("run_runbook:")
}

// RuleCondition is a single condition in a rule. All conditions on a rule
// are AND-combined; Field uses dotted paths into the incident raw_data.
type RuleCondition struct {
	Field    string        `json:"field" yaml:"field"`
	Operator MatchOperator `json:"operator" yaml:"operator"`
	Value    interface{}   `json:"value" yaml:"value"`
}

// Matches checks if this condition matches the given data.
func (c *RuleCondition) Matches(data map[string]interface{}) bool {
	actual := getFieldValue(data, c.Field)

	// exists checks field presence regardless of value
	if c.Operator == OpExists {
		fieldExists := actual != nil
		if boolVal, ok := c.Value.(bool); ok {
			return fieldExists == boolVal
		}
		return fieldExists
	}

	if actual == nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value))
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	case OpGreaterThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af > vf
	case OpLessThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af < vf
	case OpIn:
		return valueIn(actual, c.Value)
	case OpNotIn:
		return !valueIn(actual, c.Value)
	}

	return false
}

// Rule is a deterministic rule for incident handling.
type Rule struct {
	ID              string                 `json:"id" yaml:"id"`
	Name            string                 `json:"name" yaml:"name"`
	Description     string                 `json:"description" yaml:"description"`
	IncidentType    string                 `json:"incident_type" yaml:"incident_type"`
	Conditions      []RuleCondition        `json:"conditions" yaml:"conditions"`
	Action          string                 `json:"action" yaml:"action"`
	ActionParams    map[string]interface{} `json:"action_params" yaml:"action_params"`
	HIPAAControls   []string               `json:"hipaa_controls" yaml:"hipaa_controls"`
	SeverityFilter  []string               `json:"severity_filter" yaml:"severity_filter"`
	Enabled         bool                   `json:"enabled" yaml:"enabled"`
	Priority        int                    `json:"priority" yaml:"priority"`
	CooldownSeconds int                    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MaxRetries      int                    `json:"max_retries" yaml:"max_retries"`
	Source          string                 `json:"source" yaml:"source"`
	GPOManaged      bool                   `json:"gpo_managed" yaml:"gpo_managed"`
}

// Matches checks if this rule matches an incident.
func (r *Rule) Matches(incidentType, severity string, data map[string]interface{}) bool {
	if !r.Enabled {
		return false
	}

	if r.IncidentType != "" && r.IncidentType != incidentType {
		return false
	}

	if len(r.SeverityFilter) > 0 {
		found := false
		for _, s := range r.SeverityFilter {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, cond := range r.Conditions {
		if !cond.Matches(data) {
			return false
		}
	}

	return true
}

// RuleMatch is the result of a successful rule match.
type RuleMatch struct {
	Rule         *Rule
	IncidentID   string
	MatchedAt    string
	Action       string
	ActionParams map[string]interface{}
}

// ExecutionResult is the result of executing a matched rule's action.
type ExecutionResult struct {
	RuleID      string                 `json:"rule_id"`
	IncidentID  string                 `json:"incident_id"`
	Action      string                 `json:"action"`
	StartedAt   string                 `json:"started_at"`
	CompletedAt string                 `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	Success     bool                   `json:"success"`
	Output      interface{}            `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// ActionExecutor is a callback that executes a healing action against a host.
type ActionExecutor func(action string, params map[string]interface{}, siteID, hostID string) (map[string]interface{}, error)

// Engine is the L1 deterministic rules engine.
//
// Reload builds a fresh rule set and swaps it in under the lock, so a match
// in flight never sees a half-loaded set.
type Engine struct {
	rulesDir       string
	rules          []*Rule
	cooldowns      map[string]time.Time // "rule_id:host_id" -> last execution
	mu             sync.RWMutex
	actionExecutor ActionExecutor
	verifier       *crypto.Verifier // verifies signed rule bundles from the control plane
}

// NewEngine creates the engine and performs the initial rule load.
func NewEngine(rulesDir string, executor ActionExecutor) *Engine {
	e := &Engine{
		rulesDir:       rulesDir,
		cooldowns:      make(map[string]time.Time),
		actionExecutor: executor,
		verifier:       crypto.NewVerifier(""),
	}
	e.LoadRules()
	return e
}

// SetServerPublicKey sets the Ed25519 public key for verifying signed rules.
func (e *Engine) SetServerPublicKey(hexKey string) error {
	return e.verifier.SetPublicKey(hexKey)
}

// LoadRules loads builtins plus all rule files and swaps the active set.
func (e *Engine) LoadRules() {
	fresh := builtinRules()

	if e.rulesDir != "" {
		fresh = append(fresh, e.loadYAMLRules(e.rulesDir, "custom")...)
		fresh = append(fresh, e.loadSyncedJSONRules(e.rulesDir)...)
		fresh = append(fresh, e.loadYAMLRules(filepath.Join(e.rulesDir, "promoted"), "promoted")...)
	}

	// Refuse anything outside the allow-list before it can ever match.
	valid := fresh[:0]
	for _, r := range fresh {
		if !ActionAllowed(r.Action) {
			log.Printf("[l1] refusing rule %s: action %q not in allow-list", r.ID, r.Action)
			continue
		}
		valid = append(valid, r)
	}

	// Stable sort preserves load order on priority ties.
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority < valid[j].Priority
	})

	e.mu.Lock()
	e.rules = valid
	e.mu.Unlock()

	log.Printf("[l1] loaded %d rules", len(valid))
}

// ReloadRules reloads rules from disk. Called after promoted-rule deploys
// and on rules-directory changes.
func (e *Engine) ReloadRules() {
	e.LoadRules()
}

// Match finds the first matching rule for an incident, skipping rules in
// cooldown for this host. Returns nil if nothing matches (escalate to L2).
func (e *Engine) Match(incidentID, incidentType, severity string, data map[string]interface{}) *RuleMatch {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Matches(incidentType, severity, data) {
			continue
		}

		hostID, _ := data["host_id"].(string)
		if hostID == "" {
			hostID = "unknown"
		}
		cooldownKey := rule.ID + ":" + hostID

		if lastExec, ok := e.cooldowns[cooldownKey]; ok {
			elapsed := time.Since(lastExec).Seconds()
			if elapsed < float64(rule.CooldownSeconds) {
				log.Printf("[l1] rule %s in cooldown (%.0fs < %ds)",
					rule.ID, elapsed, rule.CooldownSeconds)
				continue
			}
		}

		return &RuleMatch{
			Rule:         rule,
			IncidentID:   incidentID,
			MatchedAt:    time.Now().UTC().Format(time.RFC3339),
			Action:       rule.Action,
			ActionParams: rule.ActionParams,
		}
	}

	return nil
}

// Execute runs a matched rule's action through the injected executor.
// Success is output["success"] == true; legacy actions lacking that field
// succeed iff the executor returned no error.
func (e *Engine) Execute(match *RuleMatch, siteID, hostID string) *ExecutionResult {
	start := time.Now().UTC()
	result := &ExecutionResult{
		RuleID:     match.Rule.ID,
		IncidentID: match.IncidentID,
		Action:     match.Action,
		StartedAt:  start.Format(time.RFC3339),
		Params:     match.ActionParams,
	}

	cooldownKey := match.Rule.ID + ":" + hostID
	e.mu.Lock()
	e.cooldowns[cooldownKey] = start
	e.mu.Unlock()

	if e.actionExecutor == nil {
		log.Printf("[l1] no action executor configured, dry run: %s", match.Action)
		result.Output = "DRY_RUN"
		result.Success = true
		result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	output, err := e.actionExecutor(match.Action, match.ActionParams, siteID, hostID)
	if err != nil {
		log.Printf("[l1] rule %s execution failed: %v", match.Rule.ID, err)
		result.Error = err.Error()
		result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	result.Output = output
	if output != nil {
		if s, ok := output["success"]; ok {
			if bv, ok := s.(bool); ok {
				result.Success = bv
			}
		} else {
			result.Success = true
		}
		if errVal, ok := output["error"]; ok {
			if ev, ok := errVal.(string); ok {
				result.Error = ev
			}
		}
	} else {
		result.Success = true
	}

	result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	result.DurationMs = time.Since(start).Milliseconds()

	return result
}

// Stats returns statistics about loaded rules.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	bySource := map[string]int{"builtin": 0, "custom": 0, "promoted": 0, "synced": 0}
	byAction := map[string]int{}
	enabled := 0

	for _, r := range e.rules {
		bySource[r.Source]++
		byAction[r.Action]++
		if r.Enabled {
			enabled++
		}
	}

	return map[string]interface{}{
		"total_rules":      len(e.rules),
		"enabled_rules":    enabled,
		"by_source":        bySource,
		"by_action":        byAction,
		"active_cooldowns": len(e.cooldowns),
	}
}

// ListRules returns all rules with their details.
func (e *Engine) ListRules() []map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]map[string]interface{}, len(e.rules))
	for i, r := range e.rules {
		result[i] = map[string]interface{}{
			"id":             r.ID,
			"name":           r.Name,
			"description":    r.Description,
			"action":         r.Action,
			"priority":       r.Priority,
			"enabled":        r.Enabled,
			"source":         r.Source,
			"hipaa_controls": r.HIPAAControls,
		}
	}
	return result
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// --- Rule loading helpers ---

func (e *Engine) loadYAMLRules(dir, source string) []*Rule {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var out []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[l1] failed to read rule file %s: %v", path, err)
			continue
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			log.Printf("[l1] failed to parse rule file %s: %v", path, err)
			continue
		}

		if rulesRaw, ok := raw["rules"]; ok {
			if rulesList, ok := rulesRaw.([]interface{}); ok {
				for _, rr := range rulesList {
					if rd, ok := rr.(map[string]interface{}); ok {
						if r := ruleFromMap(rd, source); r != nil {
							out = append(out, r)
						}
					}
				}
			}
		} else {
			if r := ruleFromMap(raw, source); r != nil {
				out = append(out, r)
			}
		}
	}
	return out
}

func (e *Engine) loadSyncedJSONRules(dir string) []*Rule {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var out []*Rule
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rules, err := e.parseSyncedBundle(path)
		if err != nil {
			log.Printf("[l1] skipping synced rules %s: %v", entry.Name(), err)
			continue
		}
		out = append(out, rules...)
	}
	return out
}

// --- Value comparison helpers ---

func getFieldValue(data map[string]interface{}, field string) interface{} {
	parts := strings.Split(field, ".")
	var current interface{} = data

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}

	return current
}

func valuesEqual(a, b interface{}) bool {
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}

	// YAML/JSON may decode numbers as float64 or int
	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		return af == bf
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func valueIn(actual, list interface{}) bool {
	arr, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

// --- Rule constructors ---

func ruleFromMap(m map[string]interface{}, source string) *Rule {
	id, _ := m["id"].(string)
	if id == "" {
		return nil
	}

	r := &Rule{
		ID:              id,
		Name:            strOrDefault(m, "name", id),
		Description:     strOrDefault(m, "description", ""),
		IncidentType:    strOrDefault(m, "incident_type", ""),
		Action:          strOrDefault(m, "action", ""),
		ActionParams:    mapOrEmpty(m, "action_params"),
		HIPAAControls:   strSlice(m, "hipaa_controls"),
		SeverityFilter:  strSlice(m, "severity_filter"),
		Enabled:         boolOrDefault(m, "enabled", true),
		Priority:        intOrDefault(m, "priority", 100),
		CooldownSeconds: intOrDefault(m, "cooldown_seconds", 300),
		MaxRetries:      intOrDefault(m, "max_retries", 1),
		Source:          source,
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

// --- Map access helpers ---

func strOrDefault(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func intOrDefault(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return def
}

func boolOrDefault(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func mapOrEmpty(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return map[string]interface{}{}
}

func strSlice(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
