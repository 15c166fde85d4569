package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmorrell/loom/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestAcquireLock_Exclusive(t *testing.T) {
	db := setupTestDB(t)

	lock1, err := db.AcquireLock("p1", "requirements", "agent-a", 30*time.Second)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if lock1.Token == "" {
		t.Error("expected non-empty token")
	}

	_, err = db.AcquireLock("p1", "requirements", "agent-b", 30*time.Second)
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("second acquire: got %v, want ErrLockHeld", err)
	}

	// A different key is independent.
	if _, err := db.AcquireLock("p1", "schema", "agent-b", 30*time.Second); err != nil {
		t.Errorf("acquire on different key failed: %v", err)
	}
}

func TestAcquireLock_ReclaimExpired(t *testing.T) {
	db := setupTestDB(t)

	lock1, err := db.AcquireLock("p1", "requirements", "agent-a", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	lock2, err := db.AcquireLock("p1", "requirements", "agent-b", 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim after expiry failed: %v", err)
	}
	if lock2.Token == lock1.Token {
		t.Error("reclaimed lock should carry a fresh token")
	}

	// The original holder's release is now a stale-token no-op.
	if err := db.ReleaseLock("p1", "requirements", lock1.Token); !errors.Is(err, ErrNotHolder) {
		t.Errorf("stale release: got %v, want ErrNotHolder", err)
	}
}

func TestAcquireLock_ConcurrentSingleWinner(t *testing.T) {
	db := setupTestDB(t)

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.AcquireLock("p1", "hot-key", "agent", 30*time.Second); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("got %d lock winners, want exactly 1", winners)
	}
}

func TestReleaseLock(t *testing.T) {
	db := setupTestDB(t)

	lock, err := db.AcquireLock("p1", "k", "agent-a", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := db.ReleaseLock("p1", "k", lock.Token); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	// Key is free again.
	if _, err := db.AcquireLock("p1", "k", "agent-b", 30*time.Second); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestCompareAndSwap_FirstWrite(t *testing.T) {
	db := setupTestDB(t)

	lock, err := db.AcquireLock("p1", "requirements", "agent-a", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	rec, err := db.CompareAndSwap("p1", "requirements", 0,
		models.StructuredPayload([]byte(`{"field":"A"}`)), "agent-a", lock.Token)
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
	if rec.LastWriter != "agent-a" {
		t.Errorf("last writer = %q, want agent-a", rec.LastWriter)
	}
}

func TestCompareAndSwap_RequiresLock(t *testing.T) {
	db := setupTestDB(t)

	tests := []struct {
		name  string
		setup func(t *testing.T) string // returns lock token to write with
	}{
		{
			name:  "no lock at all",
			setup: func(t *testing.T) string { return "bogus-token" },
		},
		{
			name: "wrong token",
			setup: func(t *testing.T) string {
				if _, err := db.AcquireLock("p1", "k", "agent-a", 30*time.Second); err != nil {
					t.Fatalf("acquire failed: %v", err)
				}
				return "not-the-token"
			},
		},
		{
			name: "expired lock",
			setup: func(t *testing.T) string {
				db.Exec("DELETE FROM locks")
				lock, err := db.AcquireLock("p1", "k", "agent-a", time.Millisecond)
				if err != nil {
					t.Fatalf("acquire failed: %v", err)
				}
				time.Sleep(5 * time.Millisecond)
				return lock.Token
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.setup(t)
			_, err := db.CompareAndSwap("p1", "k", 0,
				models.OpaquePayload([]byte("x")), "agent-a", token)
			if !errors.Is(err, ErrLockRequired) {
				t.Errorf("got %v, want ErrLockRequired", err)
			}
		})
	}
}

func TestCompareAndSwap_VersionMismatch(t *testing.T) {
	db := setupTestDB(t)

	lock, err := db.AcquireLock("p1", "k", "agent-a", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := db.CompareAndSwap("p1", "k", 0,
		models.StructuredPayload([]byte(`{"field":"A"}`)), "agent-a", lock.Token); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	// Stale expected version: the committed winner comes back with the error.
	committed, err := db.CompareAndSwap("p1", "k", 0,
		models.StructuredPayload([]byte(`{"field":"B"}`)), "agent-a", lock.Token)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
	if committed == nil || committed.Version != 1 {
		t.Fatalf("committed record = %+v, want version 1", committed)
	}
	if string(committed.Payload.Data) != `{"field":"A"}` {
		t.Errorf("committed payload = %s, want the winner's payload", committed.Payload.Data)
	}
}

func TestCompareAndSwap_VersionCountsCommits(t *testing.T) {
	db := setupTestDB(t)

	const writes = 10
	for i := 0; i < writes; i++ {
		lock, err := db.AcquireLock("p1", "counter", "agent-a", 30*time.Second)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		rec, err := db.CompareAndSwap("p1", "counter", int64(i),
			models.OpaquePayload([]byte{byte(i)}), "agent-a", lock.Token)
		if err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if rec.Version != int64(i)+1 {
			t.Fatalf("write %d: version = %d, want %d", i, rec.Version, i+1)
		}
		if err := db.ReleaseLock("p1", "counter", lock.Token); err != nil {
			t.Fatalf("release %d failed: %v", i, err)
		}
	}

	rec, err := db.GetRecord("p1", "counter")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Version != writes {
		t.Errorf("final version = %d, want %d", rec.Version, writes)
	}
}

func TestCompareAndSwap_ConcurrentWriters(t *testing.T) {
	db := setupTestDB(t)

	// Many writers race acquire-read-write-release loops. The final version
	// must equal the number of successful commits, and no two commits may
	// observe the same pre-write version.
	const writers = 8
	const attemptsPer = 5

	var wg sync.WaitGroup
	var mu sync.Mutex
	commits := 0
	seenBase := make(map[int64]bool)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for a := 0; a < attemptsPer; a++ {
				lock, err := db.AcquireLock("p1", "shared", "writer", 5*time.Second)
				if err != nil {
					continue
				}
				var base int64
				if rec, err := db.GetRecord("p1", "shared"); err == nil && rec != nil {
					base = rec.Version
				}
				_, err = db.CompareAndSwap("p1", "shared", base,
					models.OpaquePayload([]byte{byte(id)}), "writer", lock.Token)
				if err == nil {
					mu.Lock()
					if seenBase[base] {
						t.Errorf("two commits observed the same pre-write version %d", base)
					}
					seenBase[base] = true
					commits++
					mu.Unlock()
				}
				db.ReleaseLock("p1", "shared", lock.Token)
			}
		}(w)
	}
	wg.Wait()

	rec, err := db.GetRecord("p1", "shared")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec == nil || rec.Version != int64(commits) {
		t.Errorf("final version = %v, want %d committed writes", rec, commits)
	}
}

func TestLedger_SumByWindow(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()

	entries := []models.LedgerEntry{
		{ProjectID: "p1", Tier: models.TierPrimary, Class: models.ClassGeneration, InputUnits: 1000, OutputUnits: 500, CostMicroUSD: 10_500, At: now},
		{ProjectID: "p1", Tier: models.TierEconomical, Class: models.ClassArbitration, InputUnits: 200, OutputUnits: 100, CostMicroUSD: 560, At: now},
		// Previous month: outside both windows.
		{ProjectID: "p1", Tier: models.TierPrimary, Class: models.ClassGeneration, InputUnits: 100, OutputUnits: 50, CostMicroUSD: 99_999, At: now.AddDate(0, -1, 0)},
	}
	for i := range entries {
		if err := db.AppendLedger(&entries[i]); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	day, err := db.SumSpend(models.WindowDay, now)
	if err != nil {
		t.Fatalf("sum day failed: %v", err)
	}
	if day != 11_060 {
		t.Errorf("day spend = %d, want 11060", day)
	}

	project, err := db.SumProjectSpend("p1")
	if err != nil {
		t.Fatalf("sum project failed: %v", err)
	}
	if project != 111_059 { // all three entries
		t.Errorf("project spend = %d, want 111059", project)
	}
}

func TestLedger_ReplayIdempotent(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e := models.LedgerEntry{ProjectID: "p1", Tier: models.TierPrimary, Class: models.ClassGeneration, InputUnits: 10, OutputUnits: 10, CostMicroUSD: 1000, At: now}
		if err := db.AppendLedger(&e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	before, err := db.SumSpend(models.WindowDay, now)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	db.Close()

	// Reopen (simulated restart) and re-sum: totals must not drift.
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()
	after, err := db2.SumSpend(models.WindowDay, now)
	if err != nil {
		t.Fatalf("re-sum failed: %v", err)
	}
	if before != after {
		t.Errorf("spend after restart = %d, want %d", after, before)
	}
}

func TestConflict_RoundTrip(t *testing.T) {
	db := setupTestDB(t)

	c := &models.Conflict{
		ID:               "c-1",
		ProjectID:        "p1",
		Key:              "requirements",
		BaseVersion:      3,
		Committed:        models.StructuredPayload([]byte(`{"field":"A"}`)),
		Challenger:       models.StructuredPayload([]byte(`{"field":"B"}`)),
		ChallengerHolder: "agent-b",
		LockToken:        "tok-1",
		Status:           models.Unresolved,
		DetectedAt:       time.Now(),
	}
	if err := db.CreateConflict(c); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	resolvedAt := time.Now()
	c.Status = models.ResolvedAutomated
	c.ResolvedTier = models.TierModelPrimary
	c.Resolution = &models.Payload{Kind: models.PayloadStructured, Data: []byte(`{"field":"AB"}`)}
	c.Attempts = []models.TierAttempt{
		{Tier: models.TierStructural, Accepted: false, Detail: "overlapping fields"},
		{Tier: models.TierModelPrimary, Accepted: true, Confidence: 0.9, CostMicroUSD: 420},
	}
	c.ResolvedAt = &resolvedAt
	if err := db.UpdateConflict(c); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := db.GetConflict("c-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("conflict not found")
	}
	if got.Status != models.ResolvedAutomated {
		t.Errorf("status = %q, want resolved-automated", got.Status)
	}
	if len(got.Attempts) != 2 || !got.Attempts[1].Accepted {
		t.Errorf("attempts = %+v, want structural fail then accepted model attempt", got.Attempts)
	}
	if got.Resolution == nil || string(got.Resolution.Data) != `{"field":"AB"}` {
		t.Errorf("resolution = %+v", got.Resolution)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not persisted")
	}
}

func TestListConflicts_FiltersByStatus(t *testing.T) {
	db := setupTestDB(t)

	for i, status := range []models.ResolutionStatus{models.Unresolved, models.ManualPending, models.ResolvedAutomated} {
		c := &models.Conflict{
			ID:         string(rune('a' + i)),
			ProjectID:  "p1",
			Key:        "k",
			Committed:  models.OpaquePayload(nil),
			Challenger: models.OpaquePayload(nil),
			Status:     status,
			DetectedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := db.CreateConflict(c); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	pending, err := db.ListConflicts("p1", models.ManualPending)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != models.ManualPending {
		t.Errorf("pending = %+v, want one manual-pending conflict", pending)
	}

	all, err := db.ListConflicts("p1", "")
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d conflicts, want 3", len(all))
	}
}

func TestProject_CRUD(t *testing.T) {
	db := setupTestDB(t)

	p := &models.Project{
		ID:         "p1",
		StageIndex: 0,
		SubStageID: "draft",
		Status:     models.StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	p.Status = models.StatusRunning
	p.RetryCount = 1
	if err := db.UpdateProject(p); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := db.GetProject("p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.StatusRunning || got.RetryCount != 1 {
		t.Errorf("got %+v", got)
	}

	if err := db.UpdateProject(&models.Project{ID: "missing"}); err == nil {
		t.Error("expected error updating missing project")
	}
}

func TestPurgeProject(t *testing.T) {
	db := setupTestDB(t)

	p := &models.Project{ID: "p1", SubStageID: "draft", Status: models.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("create project failed: %v", err)
	}
	lock, err := db.AcquireLock("p1", "k", "agent-a", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := db.CompareAndSwap("p1", "k", 0, models.OpaquePayload([]byte("v")), "agent-a", lock.Token); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := db.PurgeProject("p1"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	rec, err := db.GetRecord("p1", "k")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if rec != nil {
		t.Error("record survived purge")
	}
	proj, err := db.GetProject("p1")
	if err != nil {
		t.Fatalf("get project failed: %v", err)
	}
	if proj != nil {
		t.Error("project survived purge")
	}
}
