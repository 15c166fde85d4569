package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmorrell/loom/pkg/models"
)

// ErrVersionMismatch is returned by CompareAndSwap when the caller's
// expected version is stale. The caller receives the committed record so it
// can raise a conflict.
var ErrVersionMismatch = errors.New("record version mismatch")

// ErrLockRequired is returned when a write is attempted without holding the
// key's lock.
var ErrLockRequired = errors.New("write requires holding the record lock")

// GetRecord returns the current committed record for a key.
// Returns nil when the record has never been written. Reads never consult
// locks.
func (db *DB) GetRecord(projectID, key string) (*models.ContextRecord, error) {
	row := db.QueryRow(`
		SELECT kind, payload, version, last_writer, updated_at
		FROM context_records WHERE project_id = ? AND key = ?
	`, projectID, key)
	return scanRecord(row, projectID, key)
}

func scanRecord(row *sql.Row, projectID, key string) (*models.ContextRecord, error) {
	var r models.ContextRecord
	var kind, updatedAt string
	err := row.Scan(&kind, &r.Payload.Data, &r.Version, &r.LastWriter, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	r.ProjectID = projectID
	r.Key = key
	r.Payload.Kind = models.PayloadKind(kind)
	if t, err := parseTime(updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}

// CompareAndSwap commits a write at expectedVersion+1.
//
// The lock check, version check, and increment run in one transaction under
// the store mutex, so the check-and-increment is atomic with respect to all
// other writers. Failure modes:
//   - ErrLockRequired: the key's lock is missing, expired, or owned by a
//     token other than lockToken.
//   - ErrVersionMismatch: another write committed first. The returned record
//     is the committed winner, for conflict construction.
func (db *DB) CompareAndSwap(projectID, key string, expectedVersion int64, payload models.Payload, holder, lockToken string) (*models.ContextRecord, error) {
	now := time.Now()
	var committed *models.ContextRecord

	err := db.Transaction(func(tx *sql.Tx) error {
		// The writer must still hold the lock: token match and unexpired.
		var token string
		var expiresNS int64
		err := tx.QueryRow(`
			SELECT token, expires_at_ns FROM locks WHERE project_id = ? AND key = ?
		`, projectID, key).Scan(&token, &expiresNS)
		if err == sql.ErrNoRows {
			return ErrLockRequired
		}
		if err != nil {
			return fmt.Errorf("check lock %s: %w", key, err)
		}
		if token != lockToken || expiresNS <= now.UnixNano() {
			return ErrLockRequired
		}

		var currentVersion int64
		var curKind string
		var curPayload []byte
		var curWriter string
		err = tx.QueryRow(`
			SELECT version, kind, payload, last_writer
			FROM context_records WHERE project_id = ? AND key = ?
		`, projectID, key).Scan(&currentVersion, &curKind, &curPayload, &curWriter)
		switch {
		case err == sql.ErrNoRows:
			currentVersion = 0
		case err != nil:
			return fmt.Errorf("read record %s: %w", key, err)
		}

		if currentVersion != expectedVersion {
			committed = &models.ContextRecord{
				ProjectID:  projectID,
				Key:        key,
				Payload:    models.Payload{Kind: models.PayloadKind(curKind), Data: curPayload},
				Version:    currentVersion,
				LastWriter: curWriter,
			}
			return ErrVersionMismatch
		}

		if currentVersion == 0 {
			_, err = tx.Exec(`
				INSERT INTO context_records (project_id, key, kind, payload, version, last_writer, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, ?)
			`, projectID, key, string(payload.Kind), payload.Data, holder, formatTime(now))
		} else {
			_, err = tx.Exec(`
				UPDATE context_records
				SET kind = ?, payload = ?, version = version + 1, last_writer = ?, updated_at = ?
				WHERE project_id = ? AND key = ? AND version = ?
			`, string(payload.Kind), payload.Data, holder, formatTime(now), projectID, key, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("commit record %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return committed, err
		}
		return nil, err
	}

	return &models.ContextRecord{
		ProjectID:  projectID,
		Key:        key,
		Payload:    payload,
		Version:    expectedVersion + 1,
		LastWriter: holder,
		UpdatedAt:  now,
	}, nil
}

// ListRecords returns every record in the project, ordered by key.
func (db *DB) ListRecords(projectID string) ([]models.ContextRecord, error) {
	rows, err := db.Query(`
		SELECT key, kind, payload, version, last_writer, updated_at
		FROM context_records WHERE project_id = ? ORDER BY key
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []models.ContextRecord
	for rows.Next() {
		var r models.ContextRecord
		var kind, updatedAt string
		if err := rows.Scan(&r.Key, &kind, &r.Payload.Data, &r.Version, &r.LastWriter, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.ProjectID = projectID
		r.Payload.Kind = models.PayloadKind(kind)
		if t, err := parseTime(updatedAt); err == nil {
			r.UpdatedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PurgeProject removes a project's records, locks, and conflicts.
// Ledger entries are retained: the ledger is append-only and spend history
// survives project deletion.
func (db *DB) PurgeProject(projectID string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM context_records WHERE project_id = ?",
			"DELETE FROM locks WHERE project_id = ?",
			"DELETE FROM conflicts WHERE project_id = ?",
			"DELETE FROM projects WHERE id = ?",
		} {
			if _, err := tx.Exec(stmt, projectID); err != nil {
				return fmt.Errorf("purge project %s: %w", projectID, err)
			}
		}
		return nil
	})
}
