package learning

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/compliance-appliance/internal/store"
)

// Promote writes the generated rule under <RulesDir>/promoted and registers
// the promotion in the store.
func (s *System) Promote(cand *PromotionCandidate) error {
	ruleID := promotedRuleID(cand)
	rule := s.generateRule(ruleID, cand)

	ruleYAML, err := yaml.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	dir := filepath.Join(s.cfg.RulesDir, "promoted")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create promoted dir: %w", err)
	}
	path := filepath.Join(dir, ruleID+".yaml")
	if err := os.WriteFile(path, ruleYAML, 0o644); err != nil {
		return fmt.Errorf("write rule file: %w", err)
	}

	incidentIDs := make([]int64, 0, cand.SampleCount)
	if pctx, err := s.db.GetPatternContext(cand.PatternSignature, s.cfg.SampleLimit); err == nil && pctx != nil {
		for _, inc := range pctx.RecentIncidents {
			incidentIDs = append(incidentIDs, inc.ID)
		}
	}

	if err := s.db.PromotePattern(cand.PatternSignature, ruleID, string(ruleYAML), incidentIDs); err != nil {
		os.Remove(path)
		return fmt.Errorf("register promotion: %w", err)
	}

	return nil
}

// promotedRuleID derives a stable rule id: AUTO-<TYPE>-<sig prefix>.
func promotedRuleID(cand *PromotionCandidate) string {
	typePart := strings.ToUpper(strings.NewReplacer("_", "-", " ", "-").Replace(cand.IncidentType))
	sigPart := cand.PatternSignature
	if len(sigPart) > 8 {
		sigPart = sigPart[:8]
	}
	return "AUTO-" + typePart + "-" + sigPart
}

// generateRule builds the YAML-shaped rule structure. Conditions come from
// the first sample incident: incident_type always, check_type and
// drift_detected when present. Priority 50 slots promoted rules between the
// builtin 10s and user custom rules. No severity filter.
func (s *System) generateRule(ruleID string, cand *PromotionCandidate) map[string]interface{} {
	conditions := []map[string]interface{}{}
	if sample := s.firstSampleIncident(cand); sample != nil {
		if ct, ok := sample.RawData["check_type"]; ok {
			conditions = append(conditions, map[string]interface{}{
				"field": "check_type", "operator": "eq", "value": ct,
			})
		}
		if dd, ok := sample.RawData["drift_detected"]; ok && dd == true {
			conditions = append(conditions, map[string]interface{}{
				"field": "drift_detected", "operator": "eq", "value": true,
			})
		}
	}

	return map[string]interface{}{
		"id":            ruleID,
		"name":          fmt.Sprintf("Promoted: %s via %s", cand.IncidentType, cand.RecommendedAction),
		"description":   cand.Reason,
		"incident_type": cand.IncidentType,
		"conditions":    conditions,
		"action":        cand.RecommendedAction,
		"action_params": cand.Params,
		"priority":      50,
		"enabled":       true,
		"_promotion_metadata": map[string]interface{}{
			"promoted_at":  time.Now().UTC().Format(time.RFC3339),
			"promoted_by":  "learning-flywheel",
			"confidence":   cand.Confidence,
			"sample_count": cand.SampleCount,
			"stats": map[string]interface{}{
				"total_occurrences": cand.Stats.TotalOccurrences,
				"success_count":     cand.Stats.SuccessCount,
				"l2_resolutions":    cand.Stats.L2Resolutions,
				"avg_resolution_ms": cand.Stats.AvgResolutionTimeMs(),
			},
		},
	}
}

func (s *System) firstSampleIncident(cand *PromotionCandidate) *store.Incident {
	pctx, err := s.db.GetPatternContext(cand.PatternSignature, 1)
	if err != nil || pctx == nil || len(pctx.RecentIncidents) == 0 {
		return nil
	}
	return pctx.RecentIncidents[0]
}
