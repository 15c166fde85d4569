package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmorrell/loom/pkg/models"
)

// payloadBlob maps payload bytes to a storable blob. A nil Data is a legal
// empty payload; the conflict columns are NOT NULL, so it persists as empty
// bytes.
func payloadBlob(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

// CreateConflict persists a newly detected conflict.
func (db *DB) CreateConflict(c *models.Conflict) error {
	attempts, err := json.Marshal(c.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	var resolutionKind interface{}
	var resolution interface{}
	if c.Resolution != nil {
		resolutionKind = string(c.Resolution.Kind)
		resolution = payloadBlob(c.Resolution.Data)
	}

	_, err = db.Exec(`
		INSERT INTO conflicts (
			id, project_id, key, base_version,
			committed_kind, committed, challenger_kind, challenger,
			challenger_holder, lock_token, status, resolved_tier,
			resolution_kind, resolution, attempts, detected_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.Key, c.BaseVersion,
		string(c.Committed.Kind), payloadBlob(c.Committed.Data),
		string(c.Challenger.Kind), payloadBlob(c.Challenger.Data),
		c.ChallengerHolder, c.LockToken, string(c.Status), string(c.ResolvedTier),
		resolutionKind, resolution, string(attempts), formatTime(c.DetectedAt), nil)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

// UpdateConflict persists resolution progress: status, tier audit trail,
// accepted payload, and resolution timestamp.
func (db *DB) UpdateConflict(c *models.Conflict) error {
	attempts, err := json.Marshal(c.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	var resolutionKind interface{}
	var resolution interface{}
	if c.Resolution != nil {
		resolutionKind = string(c.Resolution.Kind)
		resolution = payloadBlob(c.Resolution.Data)
	}
	var resolvedAt interface{}
	if c.ResolvedAt != nil {
		resolvedAt = formatTime(*c.ResolvedAt)
	}

	_, err = db.Exec(`
		UPDATE conflicts
		SET status = ?, resolved_tier = ?, resolution_kind = ?, resolution = ?,
		    attempts = ?, lock_token = ?, resolved_at = ?
		WHERE id = ?
	`, string(c.Status), string(c.ResolvedTier), resolutionKind, resolution,
		string(attempts), c.LockToken, resolvedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID. Returns nil when not found.
func (db *DB) GetConflict(id string) (*models.Conflict, error) {
	row := db.QueryRow(`
		SELECT id, project_id, key, base_version,
		       committed_kind, committed, challenger_kind, challenger,
		       challenger_holder, lock_token, status, resolved_tier,
		       resolution_kind, resolution, attempts, detected_at, resolved_at
		FROM conflicts WHERE id = ?
	`, id)
	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConflicts returns conflicts with the given status, oldest first.
// An empty status returns everything.
func (db *DB) ListConflicts(projectID string, status models.ResolutionStatus) ([]models.Conflict, error) {
	query := `
		SELECT id, project_id, key, base_version,
		       committed_kind, committed, challenger_kind, challenger,
		       challenger_holder, lock_token, status, resolved_tier,
		       resolution_kind, resolution, attempts, detected_at, resolved_at
		FROM conflicts WHERE project_id = ?`
	args := []interface{}{projectID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY detected_at"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

func scanConflict(scan func(dest ...interface{}) error) (*models.Conflict, error) {
	var c models.Conflict
	var committedKind, challengerKind, status, tier, attempts, detectedAt string
	var resolutionKind, resolvedAt sql.NullString
	var resolution []byte

	err := scan(&c.ID, &c.ProjectID, &c.Key, &c.BaseVersion,
		&committedKind, &c.Committed.Data, &challengerKind, &c.Challenger.Data,
		&c.ChallengerHolder, &c.LockToken, &status, &tier,
		&resolutionKind, &resolution, &attempts, &detectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	c.Committed.Kind = models.PayloadKind(committedKind)
	c.Challenger.Kind = models.PayloadKind(challengerKind)
	c.Status = models.ResolutionStatus(status)
	c.ResolvedTier = models.ResolutionTier(tier)
	if resolutionKind.Valid {
		c.Resolution = &models.Payload{
			Kind: models.PayloadKind(resolutionKind.String),
			Data: resolution,
		}
	}
	if err := json.Unmarshal([]byte(attempts), &c.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts for conflict %s: %w", c.ID, err)
	}
	if t, err := parseTime(detectedAt); err == nil {
		c.DetectedAt = t
	}
	c.ResolvedAt = parseNullableTime(resolvedAt)
	return &c, nil
}
