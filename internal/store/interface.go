// Package store provides SQLite-backed persistence for Loom.
package store

import (
	"io"
	"time"

	"github.com/jmorrell/loom/pkg/models"
)

// RecordStore handles context record persistence.
type RecordStore interface {
	GetRecord(projectID, key string) (*models.ContextRecord, error)
	CompareAndSwap(projectID, key string, expectedVersion int64, payload models.Payload, holder, lockToken string) (*models.ContextRecord, error)
	ListRecords(projectID string) ([]models.ContextRecord, error)
	PurgeProject(projectID string) error
}

// LockStore handles lock persistence.
type LockStore interface {
	AcquireLock(projectID, key, holder string, ttl time.Duration) (models.Lock, error)
	ReleaseLock(projectID, key, token string) error
	RebindLock(projectID, key, token, newHolder string, ttl time.Duration) (models.Lock, error)
	GetLock(projectID, key string) (*models.Lock, error)
	ReleaseLocksByHolder(projectID, holder string) (int64, error)
}

// ConflictStore handles conflict persistence.
type ConflictStore interface {
	CreateConflict(c *models.Conflict) error
	UpdateConflict(c *models.Conflict) error
	GetConflict(id string) (*models.Conflict, error)
	ListConflicts(projectID string, status models.ResolutionStatus) ([]models.Conflict, error)
}

// ProjectStore handles project persistence.
type ProjectStore interface {
	CreateProject(p *models.Project) error
	UpdateProject(p *models.Project) error
	GetProject(id string) (*models.Project, error)
	ListProjects() ([]models.Project, error)
}

// LedgerStore handles append-only budget ledger persistence.
type LedgerStore interface {
	AppendLedger(e *models.LedgerEntry) error
	SumSpend(w models.Window, now time.Time) (int64, error)
	SumProjectSpend(projectID string) (int64, error)
	ListLedger(projectID string) ([]models.LedgerEntry, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence boundary. The one shared mutable resource
// in the system lives behind it; components otherwise communicate only
// through explicit call/return.
type Store interface {
	io.Closer
	Migrator
	RecordStore
	LockStore
	ConflictStore
	ProjectStore
	LedgerStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ RecordStore   = (*DB)(nil)
	_ LockStore     = (*DB)(nil)
	_ ConflictStore = (*DB)(nil)
	_ ProjectStore  = (*DB)(nil)
	_ LedgerStore   = (*DB)(nil)
)
