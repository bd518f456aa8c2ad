package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Incident is one detected compliance deviation.
type Incident struct {
	ID               int64                  `json:"id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	IncidentType     string                 `json:"incident_type"`
	Severity         string                 `json:"severity"`
	RawData          map[string]interface{} `json:"raw_data"`
	PatternSignature string                 `json:"pattern_signature"`
	CreatedAt        string                 `json:"created_at"`
	ResolvedAt       string                 `json:"resolved_at,omitempty"`
	ResolutionLevel  string                 `json:"resolution_level,omitempty"`
	ResolutionAction string                 `json:"resolution_action,omitempty"`
	ResolvingRuleID  string                 `json:"resolving_rule_id,omitempty"`
	Outcome          string                 `json:"outcome,omitempty"`
	ResolutionTimeMs int64                  `json:"resolution_time_ms,omitempty"`
	HumanFeedback    string                 `json:"human_feedback,omitempty"`
	PromotedToL1     bool                   `json:"promoted_to_l1"`
}

// CreateIncident computes the pattern signature, inserts the incident, and
// upserts the pattern stats row in the same transaction.
func (s *Store) CreateIncident(siteID, hostID, incidentType, severity string, rawData map[string]interface{}) (*Incident, error) {
	if !ValidSeverities[severity] {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}
	if rawData == nil {
		rawData = map[string]interface{}{}
	}

	sig := PatternSignature(incidentType, rawData)
	rawJSON, err := json.Marshal(rawData)
	if err != nil {
		return nil, fmt.Errorf("marshal raw_data: %w", err)
	}
	now := nowUTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO incidents
		(site_id, host_id, incident_type, severity, raw_data, pattern_signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		siteID, hostID, incidentType, severity, string(rawJSON), sig, now)
	if err != nil {
		return nil, fmt.Errorf("insert incident: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("incident id: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO pattern_stats (pattern_signature, incident_type, total_occurrences, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(pattern_signature) DO UPDATE SET
			total_occurrences = total_occurrences + 1,
			last_seen = excluded.last_seen`,
		sig, incidentType, now)
	if err != nil {
		return nil, fmt.Errorf("upsert pattern stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Incident{
		ID:               id,
		SiteID:           siteID,
		HostID:           hostID,
		IncidentType:     incidentType,
		Severity:         severity,
		RawData:          rawData,
		PatternSignature: sig,
		CreatedAt:        now,
	}, nil
}

// ResolveIncident records the resolution of an incident. A second call for
// the same id is a no-op: resolution happens at most once.
func (s *Store) ResolveIncident(id int64, level, action, ruleID, outcome string, durationMs int64) error {
	now := nowUTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var sig string
	var resolvedAt sql.NullString
	err = tx.QueryRow(`SELECT pattern_signature, resolved_at FROM incidents WHERE id = ?`, id).
		Scan(&sig, &resolvedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("incident %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("lookup incident %d: %w", id, err)
	}
	if resolvedAt.Valid {
		return nil // already resolved
	}

	_, err = tx.Exec(`UPDATE incidents SET
		resolved_at = ?, resolution_level = ?, resolution_action = ?,
		resolving_rule_id = NULLIF(?, ''), outcome = ?, resolution_time_ms = ?
		WHERE id = ?`,
		now, level, action, ruleID, outcome, durationMs, id)
	if err != nil {
		return fmt.Errorf("update incident %d: %w", id, err)
	}

	var levelCol string
	switch level {
	case LevelL1:
		levelCol = "l1_resolutions"
	case LevelL2:
		levelCol = "l2_resolutions"
	case LevelL3, LevelUnresolved:
		levelCol = "l3_escalations"
	default:
		return fmt.Errorf("invalid resolution level %q", level)
	}

	success := 0
	if outcome == OutcomeSuccess {
		success = 1
	}
	_, err = tx.Exec(fmt.Sprintf(`UPDATE pattern_stats SET
		%s = %s + 1,
		success_count = success_count + ?,
		total_resolution_time_ms = total_resolution_time_ms + ?
		WHERE pattern_signature = ?`, levelCol, levelCol),
		success, durationMs, sig)
	if err != nil {
		return fmt.Errorf("update pattern stats: %w", err)
	}
	if outcome == OutcomeSuccess && action != "" {
		if _, err := tx.Exec(`UPDATE pattern_stats SET recommended_action = ? WHERE pattern_signature = ?`, action, sig); err != nil {
			return fmt.Errorf("update recommended action: %w", err)
		}
	}

	if err := s.refreshPromotionEligibility(tx, sig); err != nil {
		return err
	}

	return tx.Commit()
}

// Promotion thresholds. A pattern becomes promotion-eligible once the LLM
// tier has proven the fix enough times that a deterministic rule is safe.
const (
	promotionMinOccurrences  = 5
	promotionMinL2           = 3
	promotionMinSuccessRate  = 0.9
	promotionMaxAvgTimeMs    = 30_000
)

func (s *Store) refreshPromotionEligibility(tx *sql.Tx, sig string) error {
	var total, l2, successes, totalMs int64
	var action sql.NullString
	err := tx.QueryRow(`SELECT total_occurrences, l2_resolutions, success_count,
		total_resolution_time_ms, recommended_action
		FROM pattern_stats WHERE pattern_signature = ?`, sig).
		Scan(&total, &l2, &successes, &totalMs, &action)
	if err != nil {
		return fmt.Errorf("read pattern stats: %w", err)
	}

	resolved := successes // only resolutions contribute time; rate is over resolutions recorded
	eligible := false
	if total >= promotionMinOccurrences && l2 >= promotionMinL2 && action.Valid && action.String != "" {
		attempts := float64(total)
		rate := float64(successes) / attempts
		avgMs := int64(0)
		if resolved > 0 {
			avgMs = totalMs / resolved
		}
		eligible = rate >= promotionMinSuccessRate && avgMs <= promotionMaxAvgTimeMs
	}

	_, err = tx.Exec(`UPDATE pattern_stats SET promotion_eligible = ? WHERE pattern_signature = ?`,
		boolToInt(eligible), sig)
	return err
}

// GetIncident loads one incident by id.
func (s *Store) GetIncident(id int64) (*Incident, error) {
	row := s.db.QueryRow(`SELECT id, site_id, host_id, incident_type, severity, raw_data,
		pattern_signature, created_at, resolved_at, resolution_level, resolution_action,
		resolving_rule_id, outcome, resolution_time_ms, human_feedback, promoted_to_l1
		FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %d not found", id)
	}
	return inc, err
}

// GetUnresolvedIncidents returns incidents with no resolution yet, oldest first.
func (s *Store) GetUnresolvedIncidents(limit int) ([]*Incident, error) {
	rows, err := s.db.Query(`SELECT id, site_id, host_id, incident_type, severity, raw_data,
		pattern_signature, created_at, resolved_at, resolution_level, resolution_action,
		resolving_rule_id, outcome, resolution_time_ms, human_feedback, promoted_to_l1
		FROM incidents WHERE resolved_at IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// GetSimilarIncidents returns the last N successful incidents of the same
// type, optionally filtered by site. The L2 planner feeds these to the model
// as precedent.
func (s *Store) GetSimilarIncidents(incidentType, siteID string, limit int) ([]*Incident, error) {
	q := `SELECT id, site_id, host_id, incident_type, severity, raw_data,
		pattern_signature, created_at, resolved_at, resolution_level, resolution_action,
		resolving_rule_id, outcome, resolution_time_ms, human_feedback, promoted_to_l1
		FROM incidents WHERE incident_type = ? AND outcome = ?`
	args := []interface{}{incidentType, OutcomeSuccess}
	if siteID != "" {
		q += ` AND site_id = ?`
		args = append(args, siteID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// RecordHumanFeedback stores operator feedback on an escalated incident and
// appends a learning feedback row for the promotion pipeline.
func (s *Store) RecordHumanFeedback(incidentID int64, feedback, actionTaken, submittedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE incidents SET human_feedback = ? WHERE id = ?`, feedback, incidentID)
	if err != nil {
		return fmt.Errorf("update incident feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %d not found", incidentID)
	}

	_, err = tx.Exec(`INSERT INTO learning_feedback (incident_id, feedback, action_taken, submitted_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		incidentID, feedback, actionTaken, submittedBy, nowUTC())
	if err != nil {
		return fmt.Errorf("insert learning feedback: %w", err)
	}

	return tx.Commit()
}

// PruneOldIncidents deletes resolved incidents older than retentionDays.
// Learning feedback cascades via foreign key. Orphan pattern stats rows that
// are not promotion-eligible and have no remaining incidents are swept, then
// storage is compacted.
func (s *Store) PruneOldIncidents(retentionDays int, keepUnresolved bool) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	q := `DELETE FROM incidents WHERE created_at < ?`
	if keepUnresolved {
		q += ` AND resolved_at IS NOT NULL`
	}
	res, err := s.db.Exec(q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune incidents: %w", err)
	}
	deleted, _ := res.RowsAffected()

	_, err = s.db.Exec(`DELETE FROM pattern_stats
		WHERE promotion_eligible = 0
		AND pattern_signature NOT IN (SELECT DISTINCT pattern_signature FROM incidents)
		AND pattern_signature NOT IN (SELECT pattern_signature FROM promoted_rules)`)
	if err != nil {
		return deleted, fmt.Errorf("sweep orphan stats: %w", err)
	}

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return deleted, fmt.Errorf("vacuum: %w", err)
	}
	return deleted, nil
}

func scanIncidents(rows *sql.Rows) ([]*Incident, error) {
	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(r rowScanner) (*Incident, error) {
	var inc Incident
	var rawJSON string
	var resolvedAt, level, action, ruleID, outcome, feedback sql.NullString
	var timeMs sql.NullInt64
	var promoted int

	err := r.Scan(&inc.ID, &inc.SiteID, &inc.HostID, &inc.IncidentType, &inc.Severity,
		&rawJSON, &inc.PatternSignature, &inc.CreatedAt,
		&resolvedAt, &level, &action, &ruleID, &outcome, &timeMs, &feedback, &promoted)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rawJSON), &inc.RawData); err != nil {
		return nil, fmt.Errorf("decode raw_data for incident %d: %w", inc.ID, err)
	}
	inc.ResolvedAt = resolvedAt.String
	inc.ResolutionLevel = level.String
	inc.ResolutionAction = action.String
	inc.ResolvingRuleID = ruleID.String
	inc.Outcome = outcome.String
	inc.ResolutionTimeMs = timeMs.Int64
	inc.HumanFeedback = feedback.String
	inc.PromotedToL1 = promoted != 0
	return &inc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
