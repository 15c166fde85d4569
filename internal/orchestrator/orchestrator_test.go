package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmorrell/loom/internal/arbiter"
	"github.com/jmorrell/loom/internal/backend"
	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/internal/bus"
	"github.com/jmorrell/loom/internal/store"
	"github.com/jmorrell/loom/internal/workflow"
	"github.com/jmorrell/loom/pkg/models"
)

// harness bundles a fully wired coordination stack over a temp database.
type harness struct {
	db     *store.DB
	bus    *bus.Bus
	engine *workflow.Engine
	orch   *Orchestrator
}

func setupHarness(t *testing.T, plan models.Plan, workers *WorkerRegistry, opts Options) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := plan.Validate(); err != nil {
		t.Fatalf("plan: %v", err)
	}

	b := bus.New(db, bus.Options{})
	engine := workflow.New(db, b, plan, 0)
	gov := budget.NewGovernor(db, budget.DefaultPolicy())
	reg := backend.NewRegistry()
	arb := arbiter.New(b, gov, reg, db, arbiter.Options{})

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	orch := New(b, engine, arb, gov, reg, workers, opts)
	return &harness{db: db, bus: b, engine: engine, orch: orch}
}

// singleStagePlan is the smallest valid plan: one sub-stage, no gate.
func singleStagePlan(taskTypes ...string) models.Plan {
	return models.Plan{Stages: []models.Stage{{
		Name:      "build",
		SubStages: []models.SubStage{{ID: "draft", RequiredTasks: taskTypes}},
	}}}
}

// collectEvents drains orchestrator events into a slice until the channel
// closes.
func collectEvents(o *Orchestrator) (<-chan struct{}, *[]Event) {
	done := make(chan struct{})
	events := &[]Event{}
	go func() {
		defer close(done)
		for ev := range o.Events() {
			*events = append(*events, ev)
		}
	}()
	return done, events
}

func hasEvent(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestRun_SingleStageCompletes(t *testing.T) {
	var calls atomic.Int32
	workers := NewWorkerRegistry()
	workers.Register("writer", func(ctx context.Context, tc *TaskContext) error {
		calls.Add(1)
		lock, err := tc.Lock(ctx, "doc")
		if err != nil {
			return err
		}
		defer tc.Unlock("doc", lock.Token)
		_, err = tc.Write(ctx, "doc", 0, models.StructuredPayload([]byte(`{"text":"hello"}`)), lock.Token)
		return err
	})

	h := setupHarness(t, singleStagePlan("writer"), workers, Options{})
	if _, err := h.engine.Start("p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	done, events := collectEvents(h.orch)
	if err := h.orch.Run(context.Background(), "p1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.orch.Close()
	<-done

	if calls.Load() != 1 {
		t.Errorf("worker ran %d times, want 1", calls.Load())
	}
	p, err := h.engine.Get("p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
	if !hasEvent(*events, EventTaskStarted) || !hasEvent(*events, EventTaskCompleted) || !hasEvent(*events, EventProjectDone) {
		t.Errorf("missing lifecycle events: %+v", *events)
	}

	// The worker's output and its result record are both committed.
	rec, _ := h.bus.Read("p1", "doc")
	if rec == nil || rec.Version != 1 {
		t.Errorf("doc record = %+v", rec)
	}
	res, _ := h.bus.Read("p1", models.ResultKey("draft", "writer"))
	if res == nil {
		t.Fatal("result record missing")
	}
}

func TestRun_GateParksUntilApproved(t *testing.T) {
	workers := NewWorkerRegistry()
	workers.Register("reviewer", func(ctx context.Context, tc *TaskContext) error {
		return nil
	})

	plan := models.Plan{Stages: []models.Stage{{
		Name:      "build",
		SubStages: []models.SubStage{{ID: "review", RequiredTasks: []string{"reviewer"}, Gate: true}},
	}}}
	h := setupHarness(t, plan, workers, Options{})
	if _, err := h.engine.Start("p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- h.orch.Run(context.Background(), "p1") }()

	// The project must park on the gate, never auto-advance.
	waitForApproval := func() {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			p, err := h.engine.Get("p1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if p.Status == models.StatusAwaitingApproval {
				return
			}
			if p.Status.Terminal() {
				t.Fatalf("project reached %s without approval", p.Status)
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("project never parked on the gate")
	}
	waitForApproval()

	// Still parked after a grace period.
	time.Sleep(50 * time.Millisecond)
	if p, _ := h.engine.Get("p1"); p.Status != models.StatusAwaitingApproval {
		t.Fatalf("gate auto-advanced to %s", p.Status)
	}

	if _, err := h.engine.Approve("p1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
	if p, _ := h.engine.Get("p1"); p.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
}

func TestRun_RejectRerunsTasksThenApproves(t *testing.T) {
	var calls atomic.Int32
	workers := NewWorkerRegistry()
	workers.Register("reviewer", func(ctx context.Context, tc *TaskContext) error {
		calls.Add(1)
		return nil
	})

	plan := models.Plan{Stages: []models.Stage{{
		Name:      "build",
		SubStages: []models.SubStage{{ID: "review", RequiredTasks: []string{"reviewer"}, Gate: true}},
	}}}
	h := setupHarness(t, plan, workers, Options{})
	if _, err := h.engine.Start("p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- h.orch.Run(context.Background(), "p1") }()

	waitStatus := func(want models.ProjectStatus) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if p, _ := h.engine.Get("p1"); p != nil && p.Status == want {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("project never reached %s", want)
	}

	waitStatus(models.StatusAwaitingApproval)
	if _, err := h.engine.Reject("p1", "needs another pass"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// Rejection re-runs the sub-stage's tasks before re-parking.
	waitStatus(models.StatusAwaitingApproval)
	if got := calls.Load(); got != 2 {
		t.Errorf("worker ran %d times, want 2 (initial + post-reject)", got)
	}
	p, _ := h.engine.Get("p1")
	if p.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", p.RetryCount)
	}

	if _, err := h.engine.Approve("p1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_ConflictResolvedThroughArbiter(t *testing.T) {
	// Both workers decide to write the same key from the same observed
	// version. The loser's write becomes a conflict; the structural tier
	// merges the disjoint fields and both tasks complete.
	writeShared := func(field string) WorkerFunc {
		return func(ctx context.Context, tc *TaskContext) error {
			lock, err := tc.Lock(ctx, "shared")
			if err != nil {
				return err
			}
			defer tc.Unlock("shared", lock.Token)
			rec, err := tc.Write(ctx, "shared", 0, models.StructuredPayload([]byte(`{"`+field+`":1}`)), lock.Token)
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.New("no committed record returned")
			}
			return nil
		}
	}

	workers := NewWorkerRegistry()
	workers.Register("alpha", writeShared("alpha"))
	workers.Register("beta", writeShared("beta"))

	h := setupHarness(t, singleStagePlan("alpha", "beta"), workers, Options{})
	if _, err := h.engine.Start("p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	done, events := collectEvents(h.orch)
	if err := h.orch.Run(context.Background(), "p1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.orch.Close()
	<-done

	if !hasEvent(*events, EventConflictDetected) || !hasEvent(*events, EventConflictResolved) {
		t.Fatalf("conflict events missing: %+v", *events)
	}

	rec, err := h.bus.Read("p1", "shared")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("version = %d, want 2 (winner then resolution)", rec.Version)
	}
	fields, ok := rec.Payload.Fields()
	if !ok || string(fields["alpha"]) != "1" || string(fields["beta"]) != "1" {
		t.Errorf("resolved payload = %s, want both fields merged", rec.Payload.Data)
	}

	resolved, err := h.db.ListConflicts("p1", models.ResolvedAutomated)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(resolved) != 1 || resolved[0].ResolvedTier != models.TierStructural {
		t.Errorf("conflicts = %+v", resolved)
	}
}

func TestRun_TaskFailureFailsProject(t *testing.T) {
	workers := NewWorkerRegistry()
	workers.Register("writer", func(ctx context.Context, tc *TaskContext) error {
		return errors.New("model output rejected")
	})

	h := setupHarness(t, singleStagePlan("writer"), workers, Options{})
	if _, err := h.engine.Start("p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := h.orch.Run(context.Background(), "p1")
	if err == nil {
		t.Fatal("run succeeded despite task failure")
	}
	p, _ := h.engine.Get("p1")
	if p.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", p.Status)
	}
}

func TestRun_SLAExceededFailsProject(t *testing.T) {
	workers := NewWorkerRegistry()
	workers.Register("writer", func(ctx context.Context, tc *TaskContext) error {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	h := setupHarness(t, singleStagePlan("writer"), workers, Options{SLA: 50 * time.Millisecond})
	if _, err := h.engine.Start("p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := h.orch.Run(context.Background(), "p1")
	if !errors.Is(err, ErrSLAExceeded) {
		t.Fatalf("run: got %v, want ErrSLAExceeded", err)
	}
	p, _ := h.engine.Get("p1")
	if p.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", p.Status)
	}
}

func TestRun_CancelReleasesTaskLocks(t *testing.T) {
	started := make(chan struct{})
	workers := NewWorkerRegistry()
	workers.Register("writer", func(ctx context.Context, tc *TaskContext) error {
		lock, err := tc.Lock(ctx, "doc")
		if err != nil {
			return err
		}
		_ = lock
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	h := setupHarness(t, singleStagePlan("writer"), workers, Options{})
	if _, err := h.engine.Start("p1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.orch.Run(ctx, "p1") }()

	<-started
	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: got %v, want context.Canceled", err)
	}

	// The abandoned task's lock was released on unwind.
	if _, err := h.bus.AcquireLock("p1", "doc", "someone-else", 0); err != nil {
		t.Errorf("lock not released after cancel: %v", err)
	}

	// The project is resumable, not failed.
	p, _ := h.engine.Get("p1")
	if p.Status.Terminal() {
		t.Errorf("status = %s, want resumable", p.Status)
	}
}
