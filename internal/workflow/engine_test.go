package workflow

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmorrell/loom/internal/bus"
	"github.com/jmorrell/loom/internal/store"
	"github.com/jmorrell/loom/pkg/models"
)

// setupEngine creates an engine over a fresh store and bus.
func setupEngine(t *testing.T, plan models.Plan, maxRetries int) (*Engine, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	b := bus.New(db, bus.Options{})
	return New(db, b, plan, maxRetries), b
}

// postResult writes a task result to the bus the way an agent task would.
func postResult(t *testing.T, b *bus.Bus, projectID, subStageID, taskType string, status models.ResultStatus, errMsg string) {
	t.Helper()
	key := models.ResultKey(subStageID, taskType)
	payload, err := models.EncodeResult(models.TaskResult{
		TaskType:   taskType,
		SubStageID: subStageID,
		Status:     status,
		Error:      errMsg,
	})
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	lock, err := b.AcquireLock(projectID, key, "agent:"+taskType, 0)
	if err != nil {
		t.Fatalf("acquire result lock: %v", err)
	}
	var base int64
	if rec, err := b.Read(projectID, key); err == nil && rec != nil {
		base = rec.Version
	}
	if _, err := b.Write(projectID, key, base, payload, "agent:"+taskType, lock.Token); err != nil {
		t.Fatalf("write result: %v", err)
	}
	if err := b.ReleaseLock(projectID, key, lock.Token); err != nil {
		t.Fatalf("release result lock: %v", err)
	}
}

func TestStart_InitialState(t *testing.T) {
	e, _ := setupEngine(t, DefaultPlan(), 0)

	p, err := e.Start("p1")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if p.StageIndex != 0 || p.SubStageID != "draft" || p.Status != models.StatusPending {
		t.Errorf("initial state = %d/%s/%s, want 0/draft/pending", p.StageIndex, p.SubStageID, p.Status)
	}

	// Start persists: a reload observes the same state.
	got, err := e.Get("p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("persisted status = %s", got.Status)
	}
}

func TestAdvance_RequiresAllResults(t *testing.T) {
	e, b := setupEngine(t, DefaultPlan(), 0)
	e.Start("p1")
	e.Activate("p1")

	_, err := e.Advance("p1")
	if !errors.Is(err, ErrTasksIncomplete) {
		t.Fatalf("advance with no results: got %v, want ErrTasksIncomplete", err)
	}

	postResult(t, b, "p1", "draft", "writer", models.ResultSuccess, "")
	p, err := e.Advance("p1")
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if p.SubStageID != "review" || p.Status != models.StatusRunning {
		t.Errorf("after advance: %s/%s", p.SubStageID, p.Status)
	}
}

func TestAdvance_FailureResultBlocks(t *testing.T) {
	e, b := setupEngine(t, DefaultPlan(), 0)
	e.Start("p1")
	e.Activate("p1")

	postResult(t, b, "p1", "draft", "writer", models.ResultFailure, "compile error")
	_, err := e.Advance("p1")
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("got %v, want ErrTaskFailed (no auto-advance on partial success)", err)
	}
}

func TestAdvance_MultipleRequiredTasks(t *testing.T) {
	plan := models.Plan{Stages: []models.Stage{{
		Name: "s",
		SubStages: []models.SubStage{
			{ID: "pair", RequiredTasks: []string{"writer", "tester"}},
			{ID: "done", RequiredTasks: []string{"publisher"}},
		},
	}}}
	e, b := setupEngine(t, plan, 0)
	e.Start("p1")
	e.Activate("p1")

	postResult(t, b, "p1", "pair", "writer", models.ResultSuccess, "")
	if _, err := e.Advance("p1"); !errors.Is(err, ErrTasksIncomplete) {
		t.Fatalf("one of two results: got %v, want ErrTasksIncomplete", err)
	}

	postResult(t, b, "p1", "pair", "tester", models.ResultSuccess, "")
	p, err := e.Advance("p1")
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if p.SubStageID != "done" {
		t.Errorf("sub-stage = %s, want done", p.SubStageID)
	}
}

func TestGate_NeverAdvancesWithoutApproval(t *testing.T) {
	e, b := setupEngine(t, DefaultPlan(), 0)
	e.Start("p1")
	e.Activate("p1")
	postResult(t, b, "p1", "draft", "writer", models.ResultSuccess, "")
	e.Advance("p1")

	postResult(t, b, "p1", "review", "reviewer", models.ResultSuccess, "")
	p, err := e.Advance("p1")
	if !errors.Is(err, ErrAwaitingApproval) {
		t.Fatalf("gated advance: got %v, want ErrAwaitingApproval", err)
	}
	if p.Status != models.StatusAwaitingApproval {
		t.Errorf("status = %s, want awaiting-approval", p.Status)
	}

	// Repeated Advance calls do not slip past the gate.
	if _, err := e.Advance("p1"); !errors.Is(err, ErrAwaitingApproval) {
		t.Fatalf("second advance: got %v, want ErrAwaitingApproval", err)
	}

	p, err = e.Approve("p1")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if p.StageIndex != 1 || p.SubStageID != "finalize" || p.Status != models.StatusRunning {
		t.Errorf("after approve: %d/%s/%s", p.StageIndex, p.SubStageID, p.Status)
	}
}

func TestReject_IncrementsRetryExactlyOnce(t *testing.T) {
	e, b := setupEngine(t, DefaultPlan(), 3)
	e.Start("p1")
	e.Activate("p1")
	postResult(t, b, "p1", "draft", "writer", models.ResultSuccess, "")
	e.Advance("p1")
	postResult(t, b, "p1", "review", "reviewer", models.ResultSuccess, "")
	e.Advance("p1")

	p, err := e.Reject("p1", "needs work")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if p.RetryCount != 1 {
		t.Errorf("retry count = %d, want exactly 1", p.RetryCount)
	}
	if p.Status != models.StatusRunning || p.SubStageID != "review" {
		t.Errorf("after reject: %s at %s, want running at review", p.Status, p.SubStageID)
	}

	// Reject outside a gate is rejected itself.
	if _, err := e.Reject("p1", "again"); !errors.Is(err, ErrNotAwaiting) {
		t.Errorf("got %v, want ErrNotAwaiting", err)
	}
}

func TestReject_MaxRetriesFailsProject(t *testing.T) {
	e, b := setupEngine(t, DefaultPlan(), 2)
	e.Start("p1")
	e.Activate("p1")
	postResult(t, b, "p1", "draft", "writer", models.ResultSuccess, "")
	e.Advance("p1")
	postResult(t, b, "p1", "review", "reviewer", models.ResultSuccess, "")

	for i := 0; i < 2; i++ {
		if _, err := e.Advance("p1"); !errors.Is(err, ErrAwaitingApproval) {
			t.Fatalf("advance %d: %v", i, err)
		}
		if _, err := e.Reject("p1", "no"); err != nil {
			t.Fatalf("reject %d: %v", i, err)
		}
	}

	if _, err := e.Advance("p1"); !errors.Is(err, ErrAwaitingApproval) {
		t.Fatalf("final advance: %v", err)
	}
	p, err := e.Reject("p1", "still no")
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("got %v, want ErrMaxRetriesExceeded", err)
	}
	if p.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed (terminal)", p.Status)
	}

	// Terminal: nothing moves anymore.
	if _, err := e.Advance("p1"); !errors.Is(err, ErrTerminal) {
		t.Errorf("advance after failure: got %v, want ErrTerminal", err)
	}
}

func TestFinalSubStageCompletes(t *testing.T) {
	e, b := setupEngine(t, DefaultPlan(), 0)
	e.Start("p1")
	e.Activate("p1")
	postResult(t, b, "p1", "draft", "writer", models.ResultSuccess, "")
	e.Advance("p1")
	postResult(t, b, "p1", "review", "reviewer", models.ResultSuccess, "")
	e.Advance("p1")
	e.Approve("p1")

	postResult(t, b, "p1", "finalize", "publisher", models.ResultSuccess, "")
	p, err := e.Advance("p1")
	if err != nil {
		t.Fatalf("final advance failed: %v", err)
	}
	if p.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
}

func TestRetryCounterResetsOnNewSubStage(t *testing.T) {
	e, b := setupEngine(t, DefaultPlan(), 5)
	e.Start("p1")
	e.Activate("p1")
	postResult(t, b, "p1", "draft", "writer", models.ResultSuccess, "")
	e.Advance("p1")
	postResult(t, b, "p1", "review", "reviewer", models.ResultSuccess, "")
	e.Advance("p1")
	e.Reject("p1", "once")
	e.Advance("p1")
	p, err := e.Approve("p1")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if p.RetryCount != 0 {
		t.Errorf("retry count = %d after entering new sub-stage, want 0", p.RetryCount)
	}
}

func TestFail_SetsReason(t *testing.T) {
	e, _ := setupEngine(t, DefaultPlan(), 0)
	e.Start("p1")

	p, err := e.Fail("p1", "wall-clock SLA exceeded")
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if p.Status != models.StatusFailed || p.FailureReason == "" {
		t.Errorf("got %+v", p)
	}
}
