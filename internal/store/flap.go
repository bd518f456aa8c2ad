package store

import (
	"database/sql"
)

// FlapSuppression marks a (site, host, type) triple where automated healing
// keeps resolving an incident that keeps coming back. While active, healing
// for the triple is suppressed at every tier until an operator clears it.
type FlapSuppression struct {
	ID           int64  `json:"id"`
	SiteID       string `json:"site_id"`
	HostID       string `json:"host_id"`
	IncidentType string `json:"incident_type"`
	SuppressedAt string `json:"suppressed_at"`
	Reason       string `json:"reason"`
	ClearedAt    string `json:"cleared_at,omitempty"`
	ClearedBy    string `json:"cleared_by,omitempty"`
}

// RecordFlapSuppression persists a suppression for the triple. Recording
// against an already-suppressed triple is a no-op.
func (s *Store) RecordFlapSuppression(siteID, hostID, incidentType, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO flap_suppressions (site_id, host_id, incident_type, suppressed_at, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		siteID, hostID, incidentType, nowUTC(), reason)
	return err
}

// IsFlapSuppressed reports whether the triple has an active suppression.
func (s *Store) IsFlapSuppressed(siteID, hostID, incidentType string) (bool, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM flap_suppressions
		WHERE site_id = ? AND host_id = ? AND incident_type = ? AND cleared_at IS NULL`,
		siteID, hostID, incidentType).Scan(&n)
	return n > 0, err
}

// ClearFlapSuppression clears the active suppression for the triple.
// Returns false if none was active.
func (s *Store) ClearFlapSuppression(siteID, hostID, incidentType, clearedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE flap_suppressions SET cleared_at = ?, cleared_by = ?
		WHERE site_id = ? AND host_id = ? AND incident_type = ? AND cleared_at IS NULL`,
		nowUTC(), clearedBy, siteID, hostID, incidentType)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListActiveFlapSuppressions returns all active suppressions for status
// queries and operator review.
func (s *Store) ListActiveFlapSuppressions() ([]*FlapSuppression, error) {
	rows, err := s.db.Query(`SELECT id, site_id, host_id, incident_type, suppressed_at, reason, cleared_at, cleared_by
		FROM flap_suppressions WHERE cleared_at IS NULL ORDER BY suppressed_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FlapSuppression
	for rows.Next() {
		var fs FlapSuppression
		var clearedAt, clearedBy sql.NullString
		if err := rows.Scan(&fs.ID, &fs.SiteID, &fs.HostID, &fs.IncidentType,
			&fs.SuppressedAt, &fs.Reason, &clearedAt, &clearedBy); err != nil {
			return nil, err
		}
		fs.ClearedAt = clearedAt.String
		fs.ClearedBy = clearedBy.String
		out = append(out, &fs)
	}
	return out, rows.Err()
}
