package store

import (
	"fmt"
	"time"

	"github.com/jmorrell/loom/pkg/models"
)

// AppendLedger appends one billing entry. Entries are never updated or
// deleted; all totals are recomputed by summation.
func (db *DB) AppendLedger(e *models.LedgerEntry) error {
	res, err := db.Exec(`
		INSERT INTO ledger (project_id, tier, class, input_units, output_units, cost_micro_usd, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ProjectID, string(e.Tier), string(e.Class), e.InputUnits, e.OutputUnits,
		e.CostMicroUSD, formatTime(e.At))
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	e.ID = id
	return nil
}

// windowStart returns the UTC start of the accounting window containing now.
func windowStart(w models.Window, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case models.WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// SumSpend returns total spend in micro-USD across all projects within the
// window containing now.
func (db *DB) SumSpend(w models.Window, now time.Time) (int64, error) {
	var total int64
	err := db.QueryRow(`
		SELECT COALESCE(SUM(cost_micro_usd), 0) FROM ledger WHERE at >= ?
	`, formatTime(windowStart(w, now))).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum %s spend: %w", w, err)
	}
	return total, nil
}

// SumProjectSpend returns a project's lifetime spend in micro-USD.
func (db *DB) SumProjectSpend(projectID string) (int64, error) {
	var total int64
	err := db.QueryRow(`
		SELECT COALESCE(SUM(cost_micro_usd), 0) FROM ledger WHERE project_id = ?
	`, projectID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum project spend: %w", err)
	}
	return total, nil
}

// ListLedger returns ledger entries for a project in append order.
func (db *DB) ListLedger(projectID string) ([]models.LedgerEntry, error) {
	rows, err := db.Query(`
		SELECT id, project_id, tier, class, input_units, output_units, cost_micro_usd, at
		FROM ledger WHERE project_id = ? ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var tier, class, at string
		if err := rows.Scan(&e.ID, &e.ProjectID, &tier, &class, &e.InputUnits, &e.OutputUnits, &e.CostMicroUSD, &at); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Tier = models.Tier(tier)
		e.Class = models.RequestClass(class)
		if t, err := parseTime(at); err == nil {
			e.At = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
