// Package bus implements the Context Bus: the single source of truth for
// shared project state, with exclusive time-bounded locks, atomic versioned
// writes, and change notification.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmorrell/loom/internal/store"
	"github.com/jmorrell/loom/pkg/models"
)

// ErrResourceBusy is returned when lock acquisition exhausts its retry
// budget. Callers may surface it; it never indicates data loss.
var ErrResourceBusy = errors.New("resource busy: lock acquisition retries exhausted")

// ErrConflict is returned when a write lost the version race. The competing
// payload has already been handed to the Arbitrator via a persisted Conflict;
// the triggering caller should not treat this as failure.
var ErrConflict = errors.New("write conflict")

// ConflictError carries the persisted conflict raised by a failed write.
type ConflictError struct {
	Conflict *models.Conflict
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s (conflict %s)", e.Conflict.Key, e.Conflict.ID)
}

// Unwrap makes errors.Is(err, ErrConflict) work.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Logger receives diagnostic messages for non-fatal conditions (stale lock
// releases, dropped subscriber events).
type Logger interface {
	Logf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...interface{}) {}

// Options configures a Bus.
type Options struct {
	// LockTTL is the default lock lifetime. Zero means DefaultLockTTL.
	LockTTL time.Duration
	// AcquireAttempts bounds lock retry attempts in AcquireLockWait.
	// Zero means DefaultAcquireAttempts.
	AcquireAttempts int
	// AcquireBaseDelay is the initial backoff delay between attempts.
	// Zero means DefaultAcquireBaseDelay.
	AcquireBaseDelay time.Duration
	// Logger receives diagnostics. Nil means discard.
	Logger Logger
}

const (
	// DefaultLockTTL is the default lock lifetime.
	DefaultLockTTL = 30 * time.Second
	// DefaultAcquireAttempts bounds lock acquisition retries.
	DefaultAcquireAttempts = 6
	// DefaultAcquireBaseDelay is the initial retry backoff.
	DefaultAcquireBaseDelay = 50 * time.Millisecond
)

// Bus coordinates shared state access for one store.
type Bus struct {
	store  store.Store
	router *Router
	opts   Options

	// pubMu orders the commit-then-publish sequence so subscribers observe
	// events for a key in version order.
	pubMu sync.Mutex
}

// New creates a Bus over the given store.
func New(st store.Store, opts Options) *Bus {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.AcquireAttempts <= 0 {
		opts.AcquireAttempts = DefaultAcquireAttempts
	}
	if opts.AcquireBaseDelay <= 0 {
		opts.AcquireBaseDelay = DefaultAcquireBaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &Bus{
		store:  st,
		router: NewRouter(RouterWithLogger(opts.Logger)),
		opts:   opts,
	}
}

// LockTTL returns the configured default lock lifetime.
func (b *Bus) LockTTL() time.Duration {
	return b.opts.LockTTL
}

// AcquireLock attempts a single lock acquisition.
// Returns store.ErrLockHeld when another non-expired holder exists.
func (b *Bus) AcquireLock(projectID, key, holder string, ttl time.Duration) (models.Lock, error) {
	if ttl <= 0 {
		ttl = b.opts.LockTTL
	}
	return b.store.AcquireLock(projectID, key, holder, ttl)
}

// AcquireLockWait acquires a lock, retrying with exponential backoff and
// jitter up to the configured attempt budget. Exhausting the budget returns
// ErrResourceBusy; contention never propagates past this boundary as any
// other error.
func (b *Bus) AcquireLockWait(ctx context.Context, projectID, key, holder string, ttl time.Duration) (models.Lock, error) {
	delay := b.opts.AcquireBaseDelay
	for attempt := 0; attempt < b.opts.AcquireAttempts; attempt++ {
		lock, err := b.AcquireLock(projectID, key, holder, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, store.ErrLockHeld) {
			return models.Lock{}, err
		}

		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-ctx.Done():
			return models.Lock{}, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return models.Lock{}, fmt.Errorf("acquire %s for %s: %w", key, holder, ErrResourceBusy)
}

// ReleaseLock releases a lock. Releasing with a stale token (the lock
// expired and was reclaimed) is logged and swallowed: the caller's cleanup
// path must never fail on it.
func (b *Bus) ReleaseLock(projectID, key, token string) error {
	err := b.store.ReleaseLock(projectID, key, token)
	if errors.Is(err, store.ErrNotHolder) {
		b.opts.Logger.Logf("release of %s ignored: token no longer current", key)
		return nil
	}
	return err
}

// ReleaseLocksByHolder releases every lock a holder still owns. Used when a
// cancelled task unwinds.
func (b *Bus) ReleaseLocksByHolder(projectID, holder string) error {
	count, err := b.store.ReleaseLocksByHolder(projectID, holder)
	if err != nil {
		return err
	}
	if count > 0 {
		b.opts.Logger.Logf("released %d abandoned locks held by %s", count, holder)
	}
	return nil
}

// Read returns the current payload and version for a key. Reads are
// snapshots: they never consult or wait on locks. A missing record returns
// nil with no error.
func (b *Bus) Read(projectID, key string) (*models.ContextRecord, error) {
	return b.store.GetRecord(projectID, key)
}

// Write commits a payload at expectedVersion+1. The caller must hold the
// key's lock (lock.Token). On success the version increments exactly once
// and a change event is published to subscribers.
//
// When expectedVersion is stale, the write is NOT applied: a Conflict is
// persisted carrying both payloads, the disputed lock is rebound to the
// conflict so the key stays blocked, and a *ConflictError is returned for
// routing to the Arbitrator.
func (b *Bus) Write(projectID, key string, expectedVersion int64, payload models.Payload, holder, lockToken string) (*models.ContextRecord, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	rec, err := b.store.CompareAndSwap(projectID, key, expectedVersion, payload, holder, lockToken)
	if err == nil {
		b.router.Publish(models.ChangeEvent{
			ProjectID: projectID,
			Key:       key,
			Version:   rec.Version,
			Holder:    holder,
			At:        rec.UpdatedAt,
		})
		return rec, nil
	}
	if !errors.Is(err, store.ErrVersionMismatch) {
		return nil, err
	}

	// rec is the committed winner; the challenger's payload goes to a
	// persisted conflict and the key stays locked under it.
	conflict := &models.Conflict{
		ID:               uuid.New().String(),
		ProjectID:        projectID,
		Key:              key,
		BaseVersion:      expectedVersion,
		Committed:        rec.Payload,
		Challenger:       payload,
		ChallengerHolder: holder,
		Status:           models.Unresolved,
		DetectedAt:       time.Now(),
	}

	parked, rebindErr := b.store.RebindLock(projectID, key, lockToken, "conflict:"+conflict.ID, b.opts.LockTTL*4)
	if rebindErr != nil {
		// The challenger's lock already expired; the key is not blocked, but
		// the conflict is still recorded for arbitration.
		b.opts.Logger.Logf("conflict %s on %s: could not park lock: %v", conflict.ID, key, rebindErr)
	} else {
		conflict.LockToken = parked.Token
	}

	if err := b.store.CreateConflict(conflict); err != nil {
		return nil, fmt.Errorf("persist conflict for %s: %w", key, err)
	}
	return nil, &ConflictError{Conflict: conflict}
}

// ResolveWrite commits an arbitration result for a disputed key using the
// conflict's parked lock, then releases it. The resolution wins the version
// race: it lands at the version after the committed winner.
func (b *Bus) ResolveWrite(c *models.Conflict, payload models.Payload) (*models.ContextRecord, error) {
	rec, err := b.Read(c.ProjectID, c.Key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("disputed record %s no longer exists", c.Key)
	}

	// Manual escalation is unbounded, so the parked lock may have expired
	// (and possibly been reclaimed) long before the reviewer answers. Use it
	// only while it is still current; otherwise reacquire, which displaces
	// an expired lock.
	token := c.LockToken
	cur, err := b.store.GetLock(c.ProjectID, c.Key)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.Token != token || !cur.ExpiresAt.After(time.Now()) {
		lock, err := b.AcquireLock(c.ProjectID, c.Key, "conflict:"+c.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("reacquire disputed lock %s: %w", c.Key, err)
		}
		token = lock.Token
	}

	out, err := b.Write(c.ProjectID, c.Key, rec.Version, payload, "conflict:"+c.ID, token)
	if err != nil {
		return nil, err
	}
	if err := b.ReleaseLock(c.ProjectID, c.Key, token); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe returns a subscription delivering change events whose keys match
// the given glob pattern (path.Match syntax, e.g. "result:*"). The stream
// never terminates on its own; the subscriber cancels it with Close.
func (b *Bus) Subscribe(projectID, pattern string) Subscription {
	return b.router.Subscribe(projectID, pattern)
}
