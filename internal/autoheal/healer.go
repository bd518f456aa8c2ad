// Package autoheal is the tier orchestrator. Each detected drift flows
// through it exactly once per cycle: flap and circuit gates first, then the
// deterministic rules engine, then the LLM planner, then human escalation.
// Resolution is recorded at most once per incident across the tiers.
package autoheal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/osiriscare/compliance-appliance/internal/escalation"
	"github.com/osiriscare/compliance-appliance/internal/healing"
	"github.com/osiriscare/compliance-appliance/internal/l2planner"
	"github.com/osiriscare/compliance-appliance/internal/store"
)

// Synthetic L3 action markers returned without touching any executor.
const (
	ActionFlapDetected    = "flap_detected_escalation"
	ActionFlapSuppressed  = "flap_suppressed_awaiting_human"
	ActionCircuitCooldown = "circuit_breaker_cooldown"
)

// errHealFailed marks an attempt where an action ran and did not succeed.
// The circuit breaker counts these toward its trip threshold.
var errHealFailed = errors.New("heal attempt failed")

// Config controls the orchestrator's gates and tier availability.
type Config struct {
	SiteID string

	MaxHealAttempts int           // circuit trips at this many attempts per window
	CircuitWindow   time.Duration // counting window
	CooldownPeriod  time.Duration // open-state duration after a trip

	FlapWindow   time.Duration // resolve-then-recur counting window
	MaxFlapCount int           // successes within the window before suppression
}

// DefaultConfig returns the production gate settings.
func DefaultConfig(siteID string) Config {
	return Config{
		SiteID:          siteID,
		MaxHealAttempts: 5,
		CircuitWindow:   10 * time.Minute,
		CooldownPeriod:  30 * time.Minute,
		FlapWindow:      120 * time.Minute,
		MaxFlapCount:    3,
	}
}

// Planner is the L2 tier surface.
type Planner interface {
	Plan(ctx context.Context, inc *store.Incident) (*l2planner.Decision, error)
}

// Escalator is the L3 tier surface.
type Escalator interface {
	Escalate(ctx context.Context, inc *store.Incident, pctx *store.PatternContext, reason, recommended string, attempted []string) *escalation.Ticket
}

// StateCapture snapshots host state around an action for the telemetry diff.
type StateCapture func(hostID, incidentType string) map[string]interface{}

// TelemetryFunc receives one execution report per tier action.
type TelemetryFunc func(payload map[string]interface{})

// HealingResult is the outcome of one heal call.
type HealingResult struct {
	IncidentID      int64                  `json:"incident_id,omitempty"`
	ResolutionLevel string                 `json:"resolution_level"`
	ActionTaken     string                 `json:"action_taken"`
	RuleID          string                 `json:"rule_id,omitempty"`
	Success         bool                   `json:"success"`
	Escalated       bool                   `json:"escalated"`
	DurationMs      int64                  `json:"duration_ms"`
	Output          map[string]interface{} `json:"output,omitempty"`
	StateBefore     map[string]interface{} `json:"state_before,omitempty"`
	StateAfter      map[string]interface{} `json:"state_after,omitempty"`
	StateDiff       map[string]interface{} `json:"state_diff,omitempty"`
}

// Healer dispatches incidents through the three tiers.
type Healer struct {
	cfg      Config
	db       *store.Store
	l1       *healing.Engine
	l2       Planner   // nil disables the LLM tier
	l3       Escalator // nil means escalations are record-only
	executor healing.ActionExecutor

	capture   StateCapture
	telemetry TelemetryFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	flaps    map[string][]time.Time // success timestamps per flap key
}

// New creates a healer. The executor must be the same one bound into the L1
// engine so both tiers act through the identical path.
func New(cfg Config, db *store.Store, l1 *healing.Engine, l2 Planner, l3 Escalator, executor healing.ActionExecutor) *Healer {
	if cfg.MaxHealAttempts <= 0 {
		cfg.MaxHealAttempts = 5
	}
	if cfg.CircuitWindow <= 0 {
		cfg.CircuitWindow = 10 * time.Minute
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 30 * time.Minute
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = 120 * time.Minute
	}
	if cfg.MaxFlapCount <= 0 {
		cfg.MaxFlapCount = 3
	}
	return &Healer{
		cfg:      cfg,
		db:       db,
		l1:       l1,
		l2:       l2,
		l3:       l3,
		executor: executor,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		flaps:    make(map[string][]time.Time),
	}
}

// SetStateCapture installs the before/after snapshot hook.
func (h *Healer) SetStateCapture(fn StateCapture) { h.capture = fn }

// SetTelemetry installs the execution report sink.
func (h *Healer) SetTelemetry(fn TelemetryFunc) { h.telemetry = fn }

// Heal runs one incident through the tiers and returns the structured
// outcome. Only infrastructure failures (store unavailable) surface as
// errors; a failed heal is a result, not an error.
func (h *Healer) Heal(ctx context.Context, hostID, incidentType, severity string, rawData map[string]interface{}) (*HealingResult, error) {
	if rawData == nil {
		rawData = map[string]interface{}{}
	}

	// L1 rules and the per-host cooldown key match on host_id, check_type
	// and drift_detected. The intake paths carry host and check type as
	// call parameters, and every Heal call is a failed check.
	if _, ok := rawData["host_id"]; !ok {
		rawData["host_id"] = hostID
	}
	if _, ok := rawData["hostname"]; !ok {
		rawData["hostname"] = hostID
	}
	if _, ok := rawData["check_type"]; !ok {
		rawData["check_type"] = incidentType
	}
	if _, ok := rawData["drift_detected"]; !ok {
		rawData["drift_detected"] = true
	}

	// Distinct runbooks within one check type must not cross-trigger the
	// flap or circuit gates.
	flapType := incidentType
	if rb, _ := rawData["runbook_id"].(string); rb != "" {
		flapType = incidentType + ":" + rb
	}
	key := h.cfg.SiteID + "|" + hostID + "|" + flapType

	// Resolve-then-recur counter. Repeated successful heals that keep
	// recurring mean something external (a GPO, another agent) is reverting
	// the fix, so a human has to break the tie.
	if h.flapCount(key) >= h.cfg.MaxFlapCount {
		if suppressed, _ := h.db.IsFlapSuppressed(h.cfg.SiteID, hostID, flapType); !suppressed {
			reason := fmt.Sprintf("%d successful heals recurred within %s", h.cfg.MaxFlapCount, h.cfg.FlapWindow)
			if err := h.db.RecordFlapSuppression(h.cfg.SiteID, hostID, flapType, reason); err != nil {
				log.Printf("[autoheal] record flap suppression: %v", err)
			}
		}
		log.Printf("[autoheal] flap detected for %s, escalating", key)
		return syntheticL3(ActionFlapDetected), nil
	}

	// Persistent suppression stays active until an operator clears it.
	if suppressed, err := h.db.IsFlapSuppressed(h.cfg.SiteID, hostID, flapType); err != nil {
		return nil, fmt.Errorf("flap suppression lookup: %w", err)
	} else if suppressed {
		return syntheticL3(ActionFlapSuppressed), nil
	}

	cb := h.breakerFor(key)
	v, err := cb.Execute(func() (interface{}, error) {
		return h.healOnce(ctx, key, hostID, incidentType, severity, rawData)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Printf("[autoheal] circuit open for %s", key)
		return syntheticL3(ActionCircuitCooldown), nil
	}
	if err != nil && !errors.Is(err, errHealFailed) {
		return nil, err
	}
	return v.(*HealingResult), nil
}

// healOnce runs the tier ladder for one incident. It returns errHealFailed
// when an action executed and did not succeed so the breaker counts it.
func (h *Healer) healOnce(ctx context.Context, flapKey, hostID, incidentType, severity string, rawData map[string]interface{}) (*HealingResult, error) {
	start := time.Now()

	inc, err := h.db.CreateIncident(h.cfg.SiteID, hostID, incidentType, severity, rawData)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	result := &HealingResult{IncidentID: inc.ID}
	if h.capture != nil {
		result.StateBefore = addRawScalars(h.capture(hostID, incidentType), rawData)
	}

	// L1: deterministic rules.
	match := h.l1.Match(strconv.FormatInt(inc.ID, 10), incidentType, severity, rawData)
	if match != nil {
		if match.Action == "escalate" {
			reason := fmt.Sprintf("rule %s escalates %s", match.Rule.ID, incidentType)
			h.escalateL3(ctx, inc, result, reason, "", nil, start)
			return result, nil
		}
		return h.runL1(ctx, inc, match, result, flapKey, hostID, rawData, start)
	}

	// L2: LLM planner.
	if h.l2 != nil {
		decision, err := h.l2.Plan(ctx, inc)
		switch {
		case err != nil:
			log.Printf("[autoheal] planner failed for incident %d: %v", inc.ID, err)
			h.escalateL3(ctx, inc, result, "planner unavailable: "+err.Error(), "", nil, start)
			return result, nil
		case decision.Escalate || decision.Action == "escalate":
			h.escalateL3(ctx, inc, result, decision.Reasoning, decision.Action, nil, start)
			return result, nil
		case decision.RequiresApproval:
			reason := "requires approval: " + decision.Reasoning
			h.escalateL3(ctx, inc, result, reason, decision.Action, nil, start)
			return result, nil
		default:
			return h.runL2(ctx, inc, decision, result, flapKey, hostID, start)
		}
	}

	// L3: nothing below could act.
	h.escalateL3(ctx, inc, result, "no matching rule and planner disabled", "", nil, start)
	return result, nil
}

func (h *Healer) runL1(ctx context.Context, inc *store.Incident, match *healing.RuleMatch, result *HealingResult, flapKey, hostID string, rawData map[string]interface{}, start time.Time) (*HealingResult, error) {
	match.ActionParams = mergeContextParams(match.ActionParams, rawData)

	exec := h.l1.Execute(match, inc.SiteID, hostID)

	result.ResolutionLevel = store.LevelL1
	result.ActionTaken = match.Action
	result.RuleID = match.Rule.ID
	result.Success = exec.Success
	result.DurationMs = exec.DurationMs
	if out, ok := exec.Output.(map[string]interface{}); ok {
		result.Output = out
	}
	h.finishState(result, hostID, inc.IncidentType, rawData)

	outcome := store.OutcomeFailure
	if exec.Success {
		outcome = store.OutcomeSuccess
	}
	if err := h.db.ResolveIncident(inc.ID, store.LevelL1, match.Action, match.Rule.ID, outcome, exec.DurationMs); err != nil {
		log.Printf("[autoheal] resolve incident %d: %v", inc.ID, err)
	}
	h.report(inc, result, 1.0)

	if exec.Success {
		h.recordSuccess(flapKey)
		return result, nil
	}
	return result, errHealFailed
}

func (h *Healer) runL2(ctx context.Context, inc *store.Incident, decision *l2planner.Decision, result *HealingResult, flapKey, hostID string, start time.Time) (*HealingResult, error) {
	result.ResolutionLevel = store.LevelL2
	result.ActionTaken = decision.Action

	var output map[string]interface{}
	var execErr error
	if h.executor != nil {
		output, execErr = h.executor(decision.Action, decision.Params, inc.SiteID, hostID)
	} else {
		execErr = errors.New("no action executor configured")
	}

	success := execErr == nil
	if output != nil {
		if s, ok := output["success"].(bool); ok {
			success = s
		}
	}
	result.Success = success
	result.Output = output
	result.DurationMs = time.Since(start).Milliseconds()
	h.finishState(result, hostID, inc.IncidentType, inc.RawData)

	outcome := store.OutcomeFailure
	if success {
		outcome = store.OutcomeSuccess
	}
	if err := h.db.ResolveIncident(inc.ID, store.LevelL2, decision.Action, "", outcome, result.DurationMs); err != nil {
		log.Printf("[autoheal] resolve incident %d: %v", inc.ID, err)
	}
	h.report(inc, result, 0.8)

	if success {
		h.recordSuccess(flapKey)
		return result, nil
	}
	if execErr != nil {
		log.Printf("[autoheal] L2 action %s failed on %s: %v", decision.Action, hostID, execErr)
	}
	return result, errHealFailed
}

func (h *Healer) escalateL3(ctx context.Context, inc *store.Incident, result *HealingResult, reason, recommended string, attempted []string, start time.Time) {
	result.ResolutionLevel = store.LevelL3
	result.ActionTaken = "escalated"
	result.Escalated = true
	result.DurationMs = time.Since(start).Milliseconds()

	if h.l3 != nil {
		pctx, err := h.db.GetPatternContext(inc.PatternSignature, 5)
		if err != nil {
			log.Printf("[autoheal] pattern context for %s: %v", inc.PatternSignature, err)
		}
		h.l3.Escalate(ctx, inc, pctx, reason, recommended, attempted)
	}

	if err := h.db.ResolveIncident(inc.ID, store.LevelL3, "escalated", "", store.OutcomeEscalated, result.DurationMs); err != nil {
		log.Printf("[autoheal] resolve incident %d: %v", inc.ID, err)
	}
	h.report(inc, result, 0)
}

// finishState captures post-action state and computes the diff.
func (h *Healer) finishState(result *HealingResult, hostID, incidentType string, rawData map[string]interface{}) {
	if h.capture == nil {
		return
	}
	result.StateAfter = addRawScalars(h.capture(hostID, incidentType), rawData)
	result.StateDiff = diffStates(result.StateBefore, result.StateAfter)
}

func (h *Healer) report(inc *store.Incident, result *HealingResult, confidence float64) {
	if h.telemetry == nil {
		return
	}
	platform, _ := inc.RawData["platform"].(string)
	h.telemetry(map[string]interface{}{
		"incident_id":      inc.ID,
		"site_id":          inc.SiteID,
		"host_id":          inc.HostID,
		"incident_type":    inc.IncidentType,
		"severity":         inc.Severity,
		"resolution_level": result.ResolutionLevel,
		"action":           result.ActionTaken,
		"rule_id":          result.RuleID,
		"success":          result.Success,
		"escalated":        result.Escalated,
		"duration_ms":      result.DurationMs,
		"platform":         platform,
		"confidence":       confidence,
		"state_before":     result.StateBefore,
		"state_after":      result.StateAfter,
		"state_diff":       result.StateDiff,
	})
}

// breakerFor returns the circuit breaker for a key, creating it on first
// use. Failed attempts within the counting window trip the breaker once the
// attempt budget is spent; successes are bounded by the flap detector.
func (h *Healer) breakerFor(key string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, ok := h.breakers[key]; ok {
		return cb
	}
	maxAttempts := uint32(h.cfg.MaxHealAttempts)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    h.cfg.CircuitWindow,
		Timeout:     h.cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= maxAttempts
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[autoheal] circuit %s: %s -> %s", name, from, to)
		},
	})
	h.breakers[key] = cb
	return cb
}

// recordSuccess notes a successful heal for the flap detector and persists
// the suppression the moment the threshold is hit.
func (h *Healer) recordSuccess(key string) {
	h.mu.Lock()
	cutoff := time.Now().Add(-h.cfg.FlapWindow)
	kept := h.flaps[key][:0]
	for _, ts := range h.flaps[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, time.Now())
	h.flaps[key] = kept
	count := len(kept)
	h.mu.Unlock()

	if count >= h.cfg.MaxFlapCount {
		site, host, flapType := splitFlapKey(key)
		if suppressed, _ := h.db.IsFlapSuppressed(site, host, flapType); !suppressed {
			reason := fmt.Sprintf("%d successful heals recurred within %s", count, h.cfg.FlapWindow)
			if err := h.db.RecordFlapSuppression(site, host, flapType, reason); err != nil {
				log.Printf("[autoheal] record flap suppression: %v", err)
			} else {
				log.Printf("[autoheal] flap suppression recorded for %s", key)
			}
		}
	}
}

func (h *Healer) flapCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.cfg.FlapWindow)
	n := 0
	for _, ts := range h.flaps[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// ClearFlap resets the in-memory counter after an operator clears the
// persistent suppression.
func (h *Healer) ClearFlap(hostID, flapType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.flaps, h.cfg.SiteID+"|"+hostID+"|"+flapType)
}

func syntheticL3(action string) *HealingResult {
	return &HealingResult{
		ResolutionLevel: store.LevelL3,
		ActionTaken:     action,
		Escalated:       true,
	}
}

func splitFlapKey(key string) (site, host, flapType string) {
	parts := strings.SplitN(key, "|", 3)
	return parts[0], parts[1], parts[2]
}

// mergeContextParams overlays contextual keys from the incident's raw data
// onto the rule's params without overriding what the rule pinned.
func mergeContextParams(ruleParams, rawData map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(ruleParams)+4)
	for k, v := range ruleParams {
		merged[k] = v
	}
	for _, k := range []string{"service_name", "service", "check_type", "target_path", "runbook_id", "drift_detected"} {
		if v, ok := rawData[k]; ok {
			if _, pinned := merged[k]; !pinned {
				merged[k] = v
			}
		}
	}
	return merged
}

// addRawScalars copies scalar incident fields into a snapshot under raw_*
// so the telemetry diff carries the triggering context. A nil snapshot
// stays nil: no host data means no diff.
func addRawScalars(snap, rawData map[string]interface{}) map[string]interface{} {
	if snap == nil {
		return nil
	}
	for k, v := range rawData {
		switch v.(type) {
		case string, bool, int, int64, float64:
			snap["raw_"+k] = v
		}
	}
	return snap
}

// diffStates summarizes what changed between two snapshots: sorted
// added_keys, removed_keys, and changed_keys lists plus a before/after pair
// per affected key.
func diffStates(before, after map[string]interface{}) map[string]interface{} {
	if before == nil && after == nil {
		return nil
	}
	added := []string{}
	removed := []string{}
	changed := []string{}
	diff := map[string]interface{}{}
	for k, av := range after {
		bv, had := before[k]
		switch {
		case !had:
			added = append(added, k)
			diff[k] = map[string]interface{}{"before": nil, "after": av}
		case fmt.Sprintf("%v", bv) != fmt.Sprintf("%v", av):
			changed = append(changed, k)
			diff[k] = map[string]interface{}{"before": bv, "after": av}
		}
	}
	for k, bv := range before {
		if _, still := after[k]; !still {
			removed = append(removed, k)
			diff[k] = map[string]interface{}{"before": bv, "after": nil}
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	diff["added_keys"] = added
	diff["removed_keys"] = removed
	diff["changed_keys"] = changed
	return diff
}
