package learning

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MonitorPromotedRules checks every promoted rule against its field record
// and rolls back the ones that are failing. Returns the number rolled back.
func (s *System) MonitorPromotedRules() int {
	promoted, err := s.db.ListPromotedRules()
	if err != nil {
		log.Printf("[learning] list promoted rules: %v", err)
		return 0
	}

	rolledBack := 0
	for _, pr := range promoted {
		total, failures, err := s.db.RuleOutcomeCounts(pr.RuleID, pr.PromotedAt)
		if err != nil {
			log.Printf("[learning] outcomes for %s: %v", pr.RuleID, err)
			continue
		}
		if total < int64(s.cfg.RollbackMinIncidents) {
			continue
		}

		failureRate := float64(failures) / float64(total)
		if failureRate <= s.cfg.RollbackFailureRate {
			continue
		}

		reason := fmt.Sprintf("failure rate %.2f over %d incidents since promotion", failureRate, total)
		if err := s.rollback(pr.PatternSignature, pr.RuleID, reason, failureRate, total); err != nil {
			log.Printf("[learning] rollback %s: %v", pr.RuleID, err)
			continue
		}
		log.Printf("[learning] rolled back %s: %s", pr.RuleID, reason)
		rolledBack++
	}

	if rolledBack > 0 && s.reload != nil {
		s.reload()
	}
	return rolledBack
}

// rollback moves the rule file into promoted/rolled_back, disables it, and
// records the rollback in the store.
func (s *System) rollback(sig, ruleID, reason string, failureRate float64, incidents int64) error {
	src := filepath.Join(s.cfg.RulesDir, "promoted", ruleID+".yaml")
	dstDir := filepath.Join(s.cfg.RulesDir, "promoted", "rolled_back")
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create rolled_back dir: %w", err)
	}

	data, err := os.ReadFile(src)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read rule file: %w", err)
	}

	if data != nil {
		var rule map[string]interface{}
		if err := yaml.Unmarshal(data, &rule); err != nil {
			// Preserve the original bytes when the file is malformed.
			log.Printf("[learning] rule file %s unparseable, moving as-is: %v", src, err)
		} else {
			rule["enabled"] = false
			rule["_rollback_metadata"] = map[string]interface{}{
				"rolled_back_at": time.Now().UTC().Format(time.RFC3339),
				"reason":         reason,
				"failure_rate":   failureRate,
				"incidents":      incidents,
			}
			if updated, err := yaml.Marshal(rule); err == nil {
				data = updated
			}
		}

		dst := filepath.Join(dstDir, ruleID+".yaml")
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write rolled back rule: %w", err)
		}
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove promoted rule: %w", err)
		}
	}

	return s.db.RollbackPromotedRule(sig, reason)
}
