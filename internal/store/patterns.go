package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PatternStats is the materialized aggregate for one pattern signature.
type PatternStats struct {
	PatternSignature      string `json:"pattern_signature"`
	IncidentType          string `json:"incident_type"`
	TotalOccurrences      int64  `json:"total_occurrences"`
	L1Resolutions         int64  `json:"l1_resolutions"`
	L2Resolutions         int64  `json:"l2_resolutions"`
	L3Escalations         int64  `json:"l3_escalations"`
	SuccessCount          int64  `json:"success_count"`
	TotalResolutionTimeMs int64  `json:"total_resolution_time_ms"`
	LastSeen              string `json:"last_seen"`
	RecommendedAction     string `json:"recommended_action,omitempty"`
	PromotionEligible     bool   `json:"promotion_eligible"`
}

// SuccessRate returns success_count / total_occurrences, 0 when empty.
func (p *PatternStats) SuccessRate() float64 {
	if p.TotalOccurrences == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.TotalOccurrences)
}

// AvgResolutionTimeMs averages over successful resolutions.
func (p *PatternStats) AvgResolutionTimeMs() int64 {
	if p.SuccessCount == 0 {
		return 0
	}
	return p.TotalResolutionTimeMs / p.SuccessCount
}

// ActionFrequency is one (action, count) pair from successful resolutions.
type ActionFrequency struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

// PatternContext bundles everything the L2 planner and the learning pipeline
// need to reason about one signature.
type PatternContext struct {
	Stats             *PatternStats      `json:"stats"`
	RecentIncidents   []*Incident        `json:"recent_incidents"`
	SuccessfulActions []*ActionFrequency `json:"successful_actions"`
}

// GetPatternStats loads the stats row for one signature, nil when absent.
func (s *Store) GetPatternStats(sig string) (*PatternStats, error) {
	row := s.db.QueryRow(`SELECT pattern_signature, incident_type, total_occurrences,
		l1_resolutions, l2_resolutions, l3_escalations, success_count,
		total_resolution_time_ms, last_seen, recommended_action, promotion_eligible
		FROM pattern_stats WHERE pattern_signature = ?`, sig)

	ps, err := scanPatternStats(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ps, err
}

// GetPatternContext returns the stats, last N incidents, and top successful
// actions by frequency for sig.
func (s *Store) GetPatternContext(sig string, limit int) (*PatternContext, error) {
	stats, err := s.GetPatternStats(sig)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT id, site_id, host_id, incident_type, severity, raw_data,
		pattern_signature, created_at, resolved_at, resolution_level, resolution_action,
		resolving_rule_id, outcome, resolution_time_ms, human_feedback, promoted_to_l1
		FROM incidents WHERE pattern_signature = ? ORDER BY created_at DESC LIMIT ?`, sig, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	incidents, err := scanIncidents(rows)
	if err != nil {
		return nil, err
	}

	actRows, err := s.db.Query(`SELECT resolution_action, COUNT(*) AS n FROM incidents
		WHERE pattern_signature = ? AND outcome = ? AND resolution_action IS NOT NULL
		GROUP BY resolution_action ORDER BY n DESC LIMIT 5`, sig, OutcomeSuccess)
	if err != nil {
		return nil, err
	}
	defer actRows.Close()

	var actions []*ActionFrequency
	for actRows.Next() {
		af := &ActionFrequency{}
		if err := actRows.Scan(&af.Action, &af.Count); err != nil {
			return nil, err
		}
		actions = append(actions, af)
	}
	if err := actRows.Err(); err != nil {
		return nil, err
	}

	return &PatternContext{Stats: stats, RecentIncidents: incidents, SuccessfulActions: actions}, nil
}

// ListPatternStats returns every aggregate seen at or after a timestamp,
// busiest signatures first. The sync layer batches these to the control
// plane.
func (s *Store) ListPatternStats(since string) ([]*PatternStats, error) {
	rows, err := s.db.Query(`SELECT pattern_signature, incident_type, total_occurrences,
		l1_resolutions, l2_resolutions, l3_escalations, success_count,
		total_resolution_time_ms, last_seen, recommended_action, promotion_eligible
		FROM pattern_stats WHERE last_seen >= ?
		ORDER BY total_occurrences DESC, pattern_signature ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatternStats
	for rows.Next() {
		ps, err := scanPatternStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// GetPromotionCandidates returns all signatures currently flagged eligible
// that do not already have a promoted rule.
func (s *Store) GetPromotionCandidates() ([]*PatternStats, error) {
	rows, err := s.db.Query(`SELECT ps.pattern_signature, ps.incident_type, ps.total_occurrences,
		ps.l1_resolutions, ps.l2_resolutions, ps.l3_escalations, ps.success_count,
		ps.total_resolution_time_ms, ps.last_seen, ps.recommended_action, ps.promotion_eligible
		FROM pattern_stats ps
		LEFT JOIN promoted_rules pr ON pr.pattern_signature = ps.pattern_signature
		WHERE ps.promotion_eligible = 1 AND pr.pattern_signature IS NULL
		ORDER BY ps.total_occurrences DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatternStats
	for rows.Next() {
		ps, err := scanPatternStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// PromotedRule records a pattern that graduated to a deterministic rule.
type PromotedRule struct {
	PatternSignature       string  `json:"pattern_signature"`
	RuleID                 string  `json:"rule_id"`
	RuleYAML               string  `json:"rule_yaml"`
	PromotedAt             string  `json:"promoted_at"`
	PromotedFromIncidents  []int64 `json:"promoted_from_incidents"`
	SuccessRateAtPromotion float64 `json:"success_rate_at_promotion"`
	OccurrencesAtPromotion int64   `json:"occurrences_at_promotion"`
}

// PromotePattern inserts the promoted rule, stamps the source incidents, and
// clears the eligibility flag so the pattern is not promoted twice.
func (s *Store) PromotePattern(sig, ruleID, ruleYAML string, incidentIDs []int64) error {
	stats, err := s.GetPatternStats(sig)
	if err != nil {
		return err
	}
	if stats == nil {
		return fmt.Errorf("no pattern stats for signature %s", sig)
	}

	idsJSON, err := json.Marshal(incidentIDs)
	if err != nil {
		return fmt.Errorf("marshal incident ids: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO promoted_rules
		(pattern_signature, rule_id, rule_yaml, promoted_at, promoted_from_incidents,
		 success_rate_at_promotion, occurrences_at_promotion)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig, ruleID, ruleYAML, nowUTC(), string(idsJSON),
		stats.SuccessRate(), stats.TotalOccurrences)
	if err != nil {
		return fmt.Errorf("insert promoted rule: %w", err)
	}

	if len(incidentIDs) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(incidentIDs)), ",")
		args := make([]interface{}, len(incidentIDs))
		for i, id := range incidentIDs {
			args[i] = id
		}
		_, err = tx.Exec(`UPDATE incidents SET promoted_to_l1 = 1 WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("stamp source incidents: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE pattern_stats SET promotion_eligible = 0 WHERE pattern_signature = ?`, sig); err != nil {
		return fmt.Errorf("clear eligibility: %w", err)
	}

	return tx.Commit()
}

// GetPromotedRule loads the promoted rule for sig, nil when absent.
func (s *Store) GetPromotedRule(sig string) (*PromotedRule, error) {
	row := s.db.QueryRow(`SELECT pattern_signature, rule_id, rule_yaml, promoted_at,
		promoted_from_incidents, success_rate_at_promotion, occurrences_at_promotion
		FROM promoted_rules WHERE pattern_signature = ?`, sig)

	var pr PromotedRule
	var idsJSON string
	err := row.Scan(&pr.PatternSignature, &pr.RuleID, &pr.RuleYAML, &pr.PromotedAt,
		&idsJSON, &pr.SuccessRateAtPromotion, &pr.OccurrencesAtPromotion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &pr.PromotedFromIncidents); err != nil {
		return nil, fmt.Errorf("decode promoted incident ids: %w", err)
	}
	return &pr, nil
}

// ListPromotedRules returns all currently promoted rules.
func (s *Store) ListPromotedRules() ([]*PromotedRule, error) {
	rows, err := s.db.Query(`SELECT pattern_signature, rule_id, rule_yaml, promoted_at,
		promoted_from_incidents, success_rate_at_promotion, occurrences_at_promotion
		FROM promoted_rules ORDER BY promoted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PromotedRule
	for rows.Next() {
		var pr PromotedRule
		var idsJSON string
		if err := rows.Scan(&pr.PatternSignature, &pr.RuleID, &pr.RuleYAML, &pr.PromotedAt,
			&idsJSON, &pr.SuccessRateAtPromotion, &pr.OccurrencesAtPromotion); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(idsJSON), &pr.PromotedFromIncidents); err != nil {
			return nil, fmt.Errorf("decode promoted incident ids: %w", err)
		}
		out = append(out, &pr)
	}
	return out, rows.Err()
}

// RollbackPromotedRule moves a promoted rule into the rolled-back set with a
// snapshot of its stats and the rollback reason.
func (s *Store) RollbackPromotedRule(sig, reason string) error {
	stats, err := s.GetPatternStats(sig)
	if err != nil {
		return err
	}
	statsJSON := "{}"
	if stats != nil {
		b, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("marshal stats snapshot: %w", err)
		}
		statsJSON = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var ruleID string
	err = tx.QueryRow(`SELECT rule_id FROM promoted_rules WHERE pattern_signature = ?`, sig).Scan(&ruleID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no promoted rule for signature %s", sig)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO rolled_back_rules (pattern_signature, rule_id, rolled_back_at, reason, stats_at_rollback)
		VALUES (?, ?, ?, ?, ?)`,
		sig, ruleID, nowUTC(), reason, statsJSON)
	if err != nil {
		return fmt.Errorf("insert rolled back rule: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM promoted_rules WHERE pattern_signature = ?`, sig); err != nil {
		return fmt.Errorf("delete promoted rule: %w", err)
	}
	// Eligibility stays false after rollback; re-promotion requires a human.
	if _, err := tx.Exec(`UPDATE pattern_stats SET promotion_eligible = 0 WHERE pattern_signature = ?`, sig); err != nil {
		return err
	}

	return tx.Commit()
}

// RuleOutcomeCounts returns how many incidents a rule resolved since a
// timestamp and how many of those failed. Used by post-promotion monitoring.
func (s *Store) RuleOutcomeCounts(ruleID, since string) (total, failures int64, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(outcome != ?), 0)
		FROM incidents
		WHERE resolving_rule_id = ? AND resolved_at >= ?`,
		OutcomeSuccess, ruleID, since).Scan(&total, &failures)
	return total, failures, err
}

func scanPatternStats(r rowScanner) (*PatternStats, error) {
	var ps PatternStats
	var action sql.NullString
	var eligible int
	err := r.Scan(&ps.PatternSignature, &ps.IncidentType, &ps.TotalOccurrences,
		&ps.L1Resolutions, &ps.L2Resolutions, &ps.L3Escalations, &ps.SuccessCount,
		&ps.TotalResolutionTimeMs, &ps.LastSeen, &action, &eligible)
	if err != nil {
		return nil, err
	}
	ps.RecommendedAction = action.String
	ps.PromotionEligible = eligible != 0
	return &ps, nil
}
