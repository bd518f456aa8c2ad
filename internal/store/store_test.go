package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPatternSignatureDeterministic(t *testing.T) {
	raw := map[string]interface{}{
		"check_type": "firewall",
		"expected":   "active",
		"actual":     "inactive",
	}
	a := PatternSignature("firewall_disabled", raw)
	b := PatternSignature("firewall_disabled", raw)
	if a != b {
		t.Fatalf("signature not deterministic: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("signature length = %d, want 16", len(a))
	}
}

func TestPatternSignatureNormalizesVolatileTokens(t *testing.T) {
	a := PatternSignature("backup_failure", map[string]interface{}{
		"error": "job failed at 2026-01-15T03:00:00Z from 10.1.2.3 run 9e107d9d4f3a4c7c9e107d9d4f3a4c7c",
	})
	b := PatternSignature("backup_failure", map[string]interface{}{
		"error": "job failed at 2026-02-20T04:30:00Z from 192.168.0.9 run deadbeefdeadbeefdeadbeefdeadbeef",
	})
	if a != b {
		t.Fatal("timestamps, IPs, and hex tokens should not affect the signature")
	}

	c := PatternSignature("backup_failure", map[string]interface{}{
		"error": "disk full",
	})
	if a == c {
		t.Fatal("different errors should produce different signatures")
	}
}

func TestCreateIncidentUpsertsStats(t *testing.T) {
	s := testStore(t)
	raw := map[string]interface{}{"check_type": "av", "status": "stopped"}

	inc1, err := s.CreateIncident("site-1", "h1", "av_stopped", "high", raw)
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	inc2, err := s.CreateIncident("site-1", "h2", "av_stopped", "high", raw)
	if err != nil {
		t.Fatalf("CreateIncident 2: %v", err)
	}
	if inc1.PatternSignature != inc2.PatternSignature {
		t.Fatal("same shape should share a signature")
	}

	ps, err := s.GetPatternStats(inc1.PatternSignature)
	if err != nil {
		t.Fatalf("GetPatternStats: %v", err)
	}
	if ps.TotalOccurrences != 2 {
		t.Fatalf("total_occurrences = %d, want 2", ps.TotalOccurrences)
	}
	if ps.IncidentType != "av_stopped" {
		t.Fatalf("incident_type = %q", ps.IncidentType)
	}
}

func TestCreateIncidentRejectsBadSeverity(t *testing.T) {
	s := testStore(t)
	if _, err := s.CreateIncident("s", "h", "t", "urgent", nil); err == nil {
		t.Fatal("expected error for invalid severity")
	}
}

func TestResolveIncidentIdempotent(t *testing.T) {
	s := testStore(t)
	inc, _ := s.CreateIncident("site-1", "h1", "service_down", "medium",
		map[string]interface{}{"service": "sshd"})

	if err := s.ResolveIncident(inc.ID, LevelL1, "restart_service", "LIN-SSH-001", OutcomeSuccess, 1200); err != nil {
		t.Fatalf("ResolveIncident: %v", err)
	}
	// Second call must not double-count.
	if err := s.ResolveIncident(inc.ID, LevelL2, "other", "", OutcomeFailure, 99); err != nil {
		t.Fatalf("ResolveIncident repeat: %v", err)
	}

	got, err := s.GetIncident(inc.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.ResolutionLevel != LevelL1 || got.Outcome != OutcomeSuccess {
		t.Fatalf("first resolution overwritten: %+v", got)
	}
	if got.ResolvingRuleID != "LIN-SSH-001" {
		t.Fatalf("resolving_rule_id = %q", got.ResolvingRuleID)
	}

	ps, _ := s.GetPatternStats(inc.PatternSignature)
	if ps.L1Resolutions != 1 || ps.L2Resolutions != 0 || ps.SuccessCount != 1 {
		t.Fatalf("stats double-counted: %+v", ps)
	}
	if ps.RecommendedAction != "restart_service" {
		t.Fatalf("recommended_action = %q", ps.RecommendedAction)
	}
}

func TestPromotionEligibility(t *testing.T) {
	s := testStore(t)
	raw := map[string]interface{}{"check_type": "firewall", "status": "inactive"}

	var sig string
	for i := 0; i < 5; i++ {
		inc, err := s.CreateIncident("site-1", "h1", "firewall_disabled", "high", raw)
		if err != nil {
			t.Fatalf("CreateIncident: %v", err)
		}
		sig = inc.PatternSignature
		if err := s.ResolveIncident(inc.ID, LevelL2, "restore_firewall_baseline", "", OutcomeSuccess, 4000); err != nil {
			t.Fatalf("ResolveIncident: %v", err)
		}
	}

	ps, _ := s.GetPatternStats(sig)
	if !ps.PromotionEligible {
		t.Fatalf("expected eligible after 5 fast L2 successes: %+v", ps)
	}

	cands, err := s.GetPromotionCandidates()
	if err != nil {
		t.Fatalf("GetPromotionCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].PatternSignature != sig {
		t.Fatalf("candidates = %+v", cands)
	}
}

func TestPromotionIneligibleWhenSlow(t *testing.T) {
	s := testStore(t)
	raw := map[string]interface{}{"check_type": "backup"}

	var sig string
	for i := 0; i < 5; i++ {
		inc, _ := s.CreateIncident("site-1", "h1", "backup_failure", "high", raw)
		sig = inc.PatternSignature
		// 90s average blows the 30s promotion bound.
		if err := s.ResolveIncident(inc.ID, LevelL2, "run_backup_job", "", OutcomeSuccess, 90_000); err != nil {
			t.Fatalf("ResolveIncident: %v", err)
		}
	}
	ps, _ := s.GetPatternStats(sig)
	if ps.PromotionEligible {
		t.Fatal("slow pattern should not be promotion eligible")
	}
}

func TestPromotePattern(t *testing.T) {
	s := testStore(t)
	raw := map[string]interface{}{"check_type": "av"}

	var sig string
	var ids []int64
	for i := 0; i < 5; i++ {
		inc, _ := s.CreateIncident("site-1", "h1", "av_stopped", "high", raw)
		sig = inc.PatternSignature
		ids = append(ids, inc.ID)
		s.ResolveIncident(inc.ID, LevelL2, "restart_av_service", "", OutcomeSuccess, 2000)
	}

	if err := s.PromotePattern(sig, "AUTO-AV-"+sig[:8], "id: AUTO\naction: restart_av_service\n", ids); err != nil {
		t.Fatalf("PromotePattern: %v", err)
	}

	pr, err := s.GetPromotedRule(sig)
	if err != nil || pr == nil {
		t.Fatalf("GetPromotedRule: %v %v", pr, err)
	}
	if pr.OccurrencesAtPromotion != 5 || pr.SuccessRateAtPromotion != 1.0 {
		t.Fatalf("snapshot wrong: %+v", pr)
	}

	ps, _ := s.GetPatternStats(sig)
	if ps.PromotionEligible {
		t.Fatal("eligibility should clear after promotion")
	}
	inc, _ := s.GetIncident(ids[0])
	if !inc.PromotedToL1 {
		t.Fatal("source incident not stamped promoted_to_l1")
	}

	cands, _ := s.GetPromotionCandidates()
	if len(cands) != 0 {
		t.Fatalf("promoted pattern still a candidate: %+v", cands)
	}
}

func TestRollbackPromotedRule(t *testing.T) {
	s := testStore(t)
	raw := map[string]interface{}{"check_type": "av"}
	var sig string
	for i := 0; i < 5; i++ {
		inc, _ := s.CreateIncident("site-1", "h1", "av_stopped", "high", raw)
		sig = inc.PatternSignature
		s.ResolveIncident(inc.ID, LevelL2, "restart_av_service", "", OutcomeSuccess, 2000)
	}
	s.PromotePattern(sig, "AUTO-AV-1", "id: AUTO\n", nil)

	if err := s.RollbackPromotedRule(sig, "failure_rate 0.4 over 5 incidents"); err != nil {
		t.Fatalf("RollbackPromotedRule: %v", err)
	}
	pr, _ := s.GetPromotedRule(sig)
	if pr != nil {
		t.Fatal("rule still promoted after rollback")
	}
	ps, _ := s.GetPatternStats(sig)
	if ps.PromotionEligible {
		t.Fatal("rolled-back pattern must not be auto-eligible")
	}
}

func TestFlapSuppressionLifecycle(t *testing.T) {
	s := testStore(t)

	on, err := s.IsFlapSuppressed("site-1", "h1", "ssh_config:LIN-SSH-002")
	if err != nil || on {
		t.Fatalf("fresh triple suppressed: %v %v", on, err)
	}

	if err := s.RecordFlapSuppression("site-1", "h1", "ssh_config:LIN-SSH-002", "3 resolve-recur cycles in 120m"); err != nil {
		t.Fatalf("RecordFlapSuppression: %v", err)
	}
	// Duplicate record is a no-op.
	if err := s.RecordFlapSuppression("site-1", "h1", "ssh_config:LIN-SSH-002", "again"); err != nil {
		t.Fatalf("duplicate RecordFlapSuppression: %v", err)
	}

	on, _ = s.IsFlapSuppressed("site-1", "h1", "ssh_config:LIN-SSH-002")
	if !on {
		t.Fatal("triple not suppressed after record")
	}

	active, _ := s.ListActiveFlapSuppressions()
	if len(active) != 1 {
		t.Fatalf("active suppressions = %d, want 1", len(active))
	}

	cleared, err := s.ClearFlapSuppression("site-1", "h1", "ssh_config:LIN-SSH-002", "operator@msp")
	if err != nil || !cleared {
		t.Fatalf("ClearFlapSuppression: %v %v", cleared, err)
	}
	on, _ = s.IsFlapSuppressed("site-1", "h1", "ssh_config:LIN-SSH-002")
	if on {
		t.Fatal("still suppressed after clear")
	}

	// Re-suppression after clearing works (partial unique index).
	if err := s.RecordFlapSuppression("site-1", "h1", "ssh_config:LIN-SSH-002", "flapping again"); err != nil {
		t.Fatalf("re-record after clear: %v", err)
	}
}

func TestGetSimilarIncidents(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 3; i++ {
		inc, _ := s.CreateIncident("site-1", "h1", "service_down",
			"medium", map[string]interface{}{"service": "nginx"})
		s.ResolveIncident(inc.ID, LevelL2, "restart_service", "", OutcomeSuccess, 1000)
	}
	failed, _ := s.CreateIncident("site-1", "h1", "service_down", "medium",
		map[string]interface{}{"service": "nginx"})
	s.ResolveIncident(failed.ID, LevelL2, "restart_service", "", OutcomeFailure, 1000)
	other, _ := s.CreateIncident("site-2", "h9", "service_down", "medium",
		map[string]interface{}{"service": "postgres"})
	s.ResolveIncident(other.ID, LevelL1, "restart_service", "", OutcomeSuccess, 500)

	all, err := s.GetSimilarIncidents("service_down", "", 10)
	if err != nil {
		t.Fatalf("GetSimilarIncidents: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d successful incidents, want 4", len(all))
	}

	site1, _ := s.GetSimilarIncidents("service_down", "site-1", 10)
	if len(site1) != 3 {
		t.Fatalf("site filter got %d, want 3", len(site1))
	}
}

func TestPatternContext(t *testing.T) {
	s := testStore(t)
	raw := map[string]interface{}{"check_type": "disk", "mount_point": "/var"}

	var sig string
	for i := 0; i < 4; i++ {
		inc, _ := s.CreateIncident("site-1", "h1", "disk_full", "high", raw)
		sig = inc.PatternSignature
		action := "cleanup_disk_space"
		if i == 3 {
			action = "rotate_logs"
		}
		s.ResolveIncident(inc.ID, LevelL2, action, "", OutcomeSuccess, 3000)
	}

	ctx, err := s.GetPatternContext(sig, 2)
	if err != nil {
		t.Fatalf("GetPatternContext: %v", err)
	}
	if ctx.Stats.TotalOccurrences != 4 {
		t.Fatalf("total = %d", ctx.Stats.TotalOccurrences)
	}
	if len(ctx.RecentIncidents) != 2 {
		t.Fatalf("recent incidents = %d, want limit 2", len(ctx.RecentIncidents))
	}
	if len(ctx.SuccessfulActions) != 2 || ctx.SuccessfulActions[0].Action != "cleanup_disk_space" {
		t.Fatalf("successful actions = %+v", ctx.SuccessfulActions)
	}

	missing, err := s.GetPatternContext("0000000000000000", 5)
	if err != nil || missing != nil {
		t.Fatalf("unknown signature should return nil, got %+v %v", missing, err)
	}
}

func TestHumanFeedbackAndPrune(t *testing.T) {
	s := testStore(t)
	inc, _ := s.CreateIncident("site-1", "h1", "cert_expiring", "medium",
		map[string]interface{}{"check_type": "tls"})
	s.ResolveIncident(inc.ID, LevelL3, "escalate", "", OutcomeEscalated, 0)

	if err := s.RecordHumanFeedback(inc.ID, "renewed manually, ACME account was locked", "renew_certificate", "oncall"); err != nil {
		t.Fatalf("RecordHumanFeedback: %v", err)
	}
	got, _ := s.GetIncident(inc.ID)
	if !strings.Contains(got.HumanFeedback, "ACME") {
		t.Fatalf("feedback not stored: %q", got.HumanFeedback)
	}

	unresolved, _ := s.CreateIncident("site-1", "h2", "cert_expiring", "medium",
		map[string]interface{}{"check_type": "tls"})

	// retention_days = -1 puts the cutoff in the future so resolved rows age out.
	deleted, err := s.PruneOldIncidents(-1, true)
	if err != nil {
		t.Fatalf("PruneOldIncidents: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1 (resolved only)", deleted)
	}
	if _, err := s.GetIncident(unresolved.ID); err != nil {
		t.Fatal("unresolved incident was pruned")
	}

	st, err := s.GetDatabaseStats()
	if err != nil {
		t.Fatalf("GetDatabaseStats: %v", err)
	}
	if st.Incidents != 1 || st.Unresolved != 1 {
		t.Fatalf("stats after prune: %+v", st)
	}
}

func TestListPatternStats(t *testing.T) {
	s := testStore(t)
	av, _ := s.CreateIncident("site-1", "h1", "av_stopped", "high",
		map[string]interface{}{"actual": "Stopped"})
	s.CreateIncident("site-1", "h2", "av_stopped", "high",
		map[string]interface{}{"actual": "Stopped"})
	disk, _ := s.CreateIncident("site-1", "h1", "disk_pressure", "medium",
		map[string]interface{}{"actual": "95"})

	all, err := s.ListPatternStats("1970-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("ListPatternStats: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("patterns = %d, want 2", len(all))
	}
	// Busiest signature first.
	if all[0].PatternSignature != av.PatternSignature || all[0].TotalOccurrences != 2 {
		t.Fatalf("first pattern = %+v", all[0])
	}
	if all[1].PatternSignature != disk.PatternSignature {
		t.Fatalf("second pattern = %+v", all[1])
	}

	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	none, err := s.ListPatternStats(future)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("future cutoff returned %d patterns", len(none))
	}
}
