package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmorrell/loom/pkg/models"
)

// ErrLockHeld is returned when a non-expired lock on the key belongs to
// another holder.
var ErrLockHeld = errors.New("lock held by another holder")

// ErrNotHolder is returned when a token does not match the current lock,
// typically because the lock expired and was reclaimed.
var ErrNotHolder = errors.New("token does not match current lock holder")

// AcquireLock grants an exclusive time-bounded lock on a context record key.
// An existing lock is displaced only when its expiry has elapsed; otherwise
// ErrLockHeld is returned. The acquire-or-reclaim decision and the lock write
// happen in one statement, so concurrent acquirers cannot both succeed.
func (db *DB) AcquireLock(projectID, key, holder string, ttl time.Duration) (models.Lock, error) {
	now := time.Now()
	lock := models.Lock{
		ProjectID:  projectID,
		Key:        key,
		Token:      uuid.New().String(),
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	res, err := db.Exec(`
		INSERT INTO locks (project_id, key, token, holder, acquired_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, key) DO UPDATE SET
			token = excluded.token,
			holder = excluded.holder,
			acquired_at_ns = excluded.acquired_at_ns,
			expires_at_ns = excluded.expires_at_ns
		WHERE locks.expires_at_ns <= excluded.acquired_at_ns
	`, projectID, key, lock.Token, holder, now.UnixNano(), lock.ExpiresAt.UnixNano())
	if err != nil {
		return models.Lock{}, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.Lock{}, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if affected == 0 {
		return models.Lock{}, ErrLockHeld
	}
	return lock, nil
}

// ReleaseLock releases the lock identified by token. Releasing with a stale
// token (the lock expired and was reclaimed) returns ErrNotHolder; callers
// treat that as a logged no-op.
func (db *DB) ReleaseLock(projectID, key, token string) error {
	res, err := db.Exec(`
		DELETE FROM locks WHERE project_id = ? AND key = ? AND token = ?
	`, projectID, key, token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if affected == 0 {
		return ErrNotHolder
	}
	return nil
}

// RebindLock transfers a held lock to a new holder with a fresh TTL,
// keeping the key blocked. The Context Bus uses this to park a disputed key
// under its conflict while the Arbitrator works.
func (db *DB) RebindLock(projectID, key, token, newHolder string, ttl time.Duration) (models.Lock, error) {
	now := time.Now()
	newToken := uuid.New().String()

	res, err := db.Exec(`
		UPDATE locks
		SET token = ?, holder = ?, acquired_at_ns = ?, expires_at_ns = ?
		WHERE project_id = ? AND key = ? AND token = ?
	`, newToken, newHolder, now.UnixNano(), now.Add(ttl).UnixNano(), projectID, key, token)
	if err != nil {
		return models.Lock{}, fmt.Errorf("rebind lock %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Lock{}, fmt.Errorf("rebind lock %s: %w", key, err)
	}
	if affected == 0 {
		return models.Lock{}, ErrNotHolder
	}

	return models.Lock{
		ProjectID:  projectID,
		Key:        key,
		Token:      newToken,
		Holder:     newHolder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// GetLock returns the current lock on a key, or nil when the key is unlocked.
func (db *DB) GetLock(projectID, key string) (*models.Lock, error) {
	row := db.QueryRow(`
		SELECT token, holder, acquired_at_ns, expires_at_ns
		FROM locks WHERE project_id = ? AND key = ?
	`, projectID, key)

	var l models.Lock
	var acquiredNS, expiresNS int64
	err := row.Scan(&l.Token, &l.Holder, &acquiredNS, &expiresNS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock %s: %w", key, err)
	}
	l.ProjectID = projectID
	l.Key = key
	l.AcquiredAt = time.Unix(0, acquiredNS)
	l.ExpiresAt = time.Unix(0, expiresNS)
	return &l, nil
}

// ReleaseLocksByHolder releases every lock the holder still owns in the
// project. Used when a cancelled task unwinds.
func (db *DB) ReleaseLocksByHolder(projectID, holder string) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM locks WHERE project_id = ? AND holder = ?
	`, projectID, holder)
	if err != nil {
		return 0, fmt.Errorf("release locks for %s: %w", holder, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release locks for %s: %w", holder, err)
	}
	return count, nil
}
