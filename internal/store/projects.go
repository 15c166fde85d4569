package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmorrell/loom/pkg/models"
)

// CreateProject persists a new project.
func (db *DB) CreateProject(p *models.Project) error {
	_, err := db.Exec(`
		INSERT INTO projects (id, stage_index, sub_stage_id, status, retry_count, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.StageIndex, p.SubStageID, string(p.Status), p.RetryCount, p.FailureReason,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// UpdateProject persists a project transition. The Workflow Engine calls
// this before reporting any transition to callers.
func (db *DB) UpdateProject(p *models.Project) error {
	p.UpdatedAt = time.Now()
	res, err := db.Exec(`
		UPDATE projects
		SET stage_index = ?, sub_stage_id = ?, status = ?, retry_count = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?
	`, p.StageIndex, p.SubStageID, string(p.Status), p.RetryCount, p.FailureReason,
		formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update project %s: not found", p.ID)
	}
	return nil
}

// GetProject retrieves a project by ID. Returns nil when not found.
func (db *DB) GetProject(id string) (*models.Project, error) {
	row := db.QueryRow(`
		SELECT id, stage_index, sub_stage_id, status, retry_count, failure_reason, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)

	var p models.Project
	var status, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.StageIndex, &p.SubStageID, &status, &p.RetryCount, &p.FailureReason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	p.Status = models.ProjectStatus(status)
	if t, err := parseTime(createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		p.UpdatedAt = t
	}
	spend, err := db.SumProjectSpend(id)
	if err != nil {
		return nil, err
	}
	p.SpendMicroUSD = spend
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (db *DB) ListProjects() ([]models.Project, error) {
	rows, err := db.Query(`
		SELECT id, stage_index, sub_stage_id, status, retry_count, failure_reason, created_at, updated_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var status, createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.StageIndex, &p.SubStageID, &status, &p.RetryCount, &p.FailureReason, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Status = models.ProjectStatus(status)
		if t, err := parseTime(createdAt); err == nil {
			p.CreatedAt = t
		}
		if t, err := parseTime(updatedAt); err == nil {
			p.UpdatedAt = t
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
