package learning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/compliance-appliance/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var seedRaw = map[string]interface{}{
	"check_type":     "av_check",
	"drift_detected": true,
	"service":        "WinDefend",
	"service_name":   "WinDefend",
}

// seedEligiblePattern records 6 L2 successes for one pattern, which crosses
// every promotion threshold (>=5 occurrences, >=3 L2, 100% success, 4s avg).
func seedEligiblePattern(t *testing.T, db *store.Store) string {
	t.Helper()
	var sig string
	for i := 0; i < 6; i++ {
		inc, err := db.CreateIncident("site-1", "h1", "av_stopped", "high", seedRaw)
		if err != nil {
			t.Fatal(err)
		}
		if err := db.ResolveIncident(inc.ID, store.LevelL2, "restart_av_service", "", store.OutcomeSuccess, 4000); err != nil {
			t.Fatal(err)
		}
		sig = inc.PatternSignature
	}
	return sig
}

func TestAutoPromoteWritesRuleFile(t *testing.T) {
	db := testStore(t)
	sig := seedEligiblePattern(t, db)

	rulesDir := t.TempDir()
	reloads := 0
	cfg := DefaultConfig("site-1", rulesDir)
	cfg.AutoPromote = true
	sys := New(cfg, db, func() { reloads++ }, nil)

	if deployed := sys.EvaluateCandidates(); deployed != 1 {
		t.Fatalf("deployed = %d, want 1", deployed)
	}
	if reloads != 1 {
		t.Fatalf("reloads = %d, want 1", reloads)
	}

	pr, err := db.GetPromotedRule(sig)
	if err != nil || pr == nil {
		t.Fatalf("promoted rule not registered: %v", err)
	}
	if !strings.HasPrefix(pr.RuleID, "AUTO-AV-STOPPED-") {
		t.Fatalf("unexpected rule id %s", pr.RuleID)
	}

	data, err := os.ReadFile(filepath.Join(rulesDir, "promoted", pr.RuleID+".yaml"))
	if err != nil {
		t.Fatalf("rule file missing: %v", err)
	}
	var rule map[string]interface{}
	if err := yaml.Unmarshal(data, &rule); err != nil {
		t.Fatal(err)
	}

	if rule["priority"] != 50 {
		t.Fatalf("priority = %v, want 50", rule["priority"])
	}
	if rule["incident_type"] != "av_stopped" || rule["action"] != "restart_av_service" {
		t.Fatalf("rule core fields wrong: %v", rule)
	}
	conds, _ := rule["conditions"].([]interface{})
	fields := map[string]bool{}
	for _, c := range conds {
		cm, _ := c.(map[string]interface{})
		f, _ := cm["field"].(string)
		fields[f] = true
	}
	if !fields["check_type"] || !fields["drift_detected"] {
		t.Fatalf("expected check_type and drift_detected conditions, got %v", conds)
	}
	meta, _ := rule["_promotion_metadata"].(map[string]interface{})
	if meta == nil || meta["promoted_by"] != "learning-flywheel" {
		t.Fatalf("promotion metadata missing: %v", rule)
	}

	// Eligibility cleared, so a second cycle promotes nothing.
	if deployed := sys.EvaluateCandidates(); deployed != 0 {
		t.Fatalf("second cycle deployed %d, want 0", deployed)
	}
}

func TestCandidateReportedWhenApprovalRequired(t *testing.T) {
	db := testStore(t)
	sig := seedEligiblePattern(t, db)

	var reported *PromotionCandidate
	cfg := DefaultConfig("site-1", t.TempDir())
	sys := New(cfg, db, nil, func(c *PromotionCandidate) { reported = c })

	if deployed := sys.EvaluateCandidates(); deployed != 0 {
		t.Fatalf("deployed = %d, want 0 without auto-promote", deployed)
	}
	if reported == nil {
		t.Fatal("candidate not reported")
	}
	if reported.RecommendedAction != "restart_av_service" || reported.Confidence <= 0.9 {
		t.Fatalf("unexpected candidate: %+v", reported)
	}
	if reported.Params["service"] != "WinDefend" {
		t.Fatalf("majority param not extracted: %v", reported.Params)
	}

	if pr, _ := db.GetPromotedRule(sig); pr != nil {
		t.Fatal("rule must not be registered without approval")
	}
}

func TestRollbackAfterPostPromotionFailures(t *testing.T) {
	db := testStore(t)
	sig := seedEligiblePattern(t, db)

	rulesDir := t.TempDir()
	reloads := 0
	cfg := DefaultConfig("site-1", rulesDir)
	cfg.AutoPromote = true
	sys := New(cfg, db, func() { reloads++ }, nil)

	if deployed := sys.EvaluateCandidates(); deployed != 1 {
		t.Fatal("promotion failed")
	}
	pr, _ := db.GetPromotedRule(sig)

	// Nothing to roll back yet: under the incident minimum.
	if n := sys.MonitorPromotedRules(); n != 0 {
		t.Fatalf("premature rollback: %d", n)
	}

	// Three post-promotion L1 failures attributed to the promoted rule.
	for i := 0; i < 3; i++ {
		inc, err := db.CreateIncident("site-1", "h1", "av_stopped", "high", seedRaw)
		if err != nil {
			t.Fatal(err)
		}
		if err := db.ResolveIncident(inc.ID, store.LevelL1, "restart_av_service", pr.RuleID, store.OutcomeFailure, 1000); err != nil {
			t.Fatal(err)
		}
	}

	if n := sys.MonitorPromotedRules(); n != 1 {
		t.Fatalf("rolled back = %d, want 1", n)
	}

	if _, err := os.Stat(filepath.Join(rulesDir, "promoted", pr.RuleID+".yaml")); !os.IsNotExist(err) {
		t.Fatal("rule file still in promoted/")
	}
	data, err := os.ReadFile(filepath.Join(rulesDir, "promoted", "rolled_back", pr.RuleID+".yaml"))
	if err != nil {
		t.Fatalf("rolled back file missing: %v", err)
	}
	var rule map[string]interface{}
	if err := yaml.Unmarshal(data, &rule); err != nil {
		t.Fatal(err)
	}
	if rule["enabled"] != false {
		t.Fatal("rolled back rule must be disabled")
	}
	meta, _ := rule["_rollback_metadata"].(map[string]interface{})
	if meta == nil {
		t.Fatal("rollback metadata missing")
	}
	if rate, _ := meta["failure_rate"].(float64); rate < 1.0 {
		t.Fatalf("failure_rate = %v, want >= 1.0", meta["failure_rate"])
	}

	if got, _ := db.GetPromotedRule(sig); got != nil {
		t.Fatal("promoted rule row should be gone after rollback")
	}
}

func TestPromotionConfidenceFormula(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339)
	ps := &store.PatternStats{
		TotalOccurrences: 10,
		SuccessCount:     10,
		LastSeen:         now,
	}
	pctx := &store.PatternContext{
		SuccessfulActions: []*store.ActionFrequency{{Action: "a", Count: 10}},
	}

	// 1.0 + min(10/50, 0.1) + 1.0*0.1 - 0 clamps to 1.0.
	if c := promotionConfidence(ps, pctx); c != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", c)
	}

	stale := time.Now().UTC().Add(-90 * 24 * time.Hour).Format(time.RFC3339)
	ps2 := &store.PatternStats{TotalOccurrences: 10, SuccessCount: 5, LastSeen: stale}
	// 0.5 + 0.1 + 0 - 0.2 = 0.4 (idle penalty capped at 0.2).
	c := promotionConfidence(ps2, &store.PatternContext{})
	if c < 0.39 || c > 0.41 {
		t.Fatalf("confidence = %v, want ~0.4", c)
	}
}

func TestExtractParamsMajorityRule(t *testing.T) {
	incidents := []*store.Incident{
		{Severity: "high", RawData: map[string]interface{}{"service": "sshd", "one_off": "x"}},
		{Severity: "high", RawData: map[string]interface{}{"service": "sshd"}},
		{Severity: "high", RawData: map[string]interface{}{"service": "nginx"}},
	}

	params := extractParams("restart_service", incidents)
	if params["service"] != "sshd" {
		t.Fatalf("majority value not chosen: %v", params)
	}
	if params["severity"] != "high" {
		t.Fatalf("common key severity missing: %v", params)
	}
	if _, ok := params["one_off"]; ok {
		t.Fatal("non-whitelisted key leaked")
	}
}

func TestPromotedRuleIDShape(t *testing.T) {
	cand := &PromotionCandidate{IncidentType: "av_stopped", PatternSignature: "abcdef1234567890"}
	if got := promotedRuleID(cand); got != "AUTO-AV-STOPPED-abcdef12" {
		t.Fatalf("rule id = %s", got)
	}
}
