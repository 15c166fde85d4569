// Package workflow implements the stage state machine that drives a project
// through its ordered stages and sub-stages, enforcing approval gates and
// retry limits. Every transition is persisted before it is reported.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmorrell/loom/internal/store"
	"github.com/jmorrell/loom/pkg/models"
)

// ErrTasksIncomplete is returned by Advance while required task results are
// still missing.
var ErrTasksIncomplete = errors.New("required task results incomplete")

// ErrTaskFailed is returned by Advance when a required task posted a failure
// result. The engine never auto-advances on partial success.
var ErrTaskFailed = errors.New("required task failed")

// ErrAwaitingApproval is returned by Advance while the sub-stage gate waits
// on an external decision. It is an expected long-lived state, not a fault.
var ErrAwaitingApproval = errors.New("awaiting human approval")

// ErrMaxRetriesExceeded indicates repeated gate rejections exhausted the
// retry budget. Terminal for the project.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// ErrTerminal is returned for operations on completed or failed projects.
var ErrTerminal = errors.New("project is in a terminal state")

// ErrNotAwaiting is returned by Approve/Reject when the project is not
// parked on a gate.
var ErrNotAwaiting = errors.New("project is not awaiting approval")

// DefaultMaxRetries bounds gate rejections per sub-stage.
const DefaultMaxRetries = 3

// ResultReader reads task results from the Context Bus.
type ResultReader interface {
	Read(projectID, key string) (*models.ContextRecord, error)
}

// Engine drives projects through a static plan.
type Engine struct {
	projects   store.ProjectStore
	results    ResultReader
	plan       models.Plan
	maxRetries int
}

// New creates an Engine. The plan must already be validated; maxRetries <= 0
// selects DefaultMaxRetries.
func New(projects store.ProjectStore, results ResultReader, plan models.Plan, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{
		projects:   projects,
		results:    results,
		plan:       plan,
		maxRetries: maxRetries,
	}
}

// Plan returns the engine's stage plan.
func (e *Engine) Plan() models.Plan {
	return e.plan
}

// Start creates a project at stage 0, sub-stage 0, status pending.
func (e *Engine) Start(projectID string) (*models.Project, error) {
	stageIndex, subStageID := e.plan.First()
	now := time.Now()
	p := &models.Project{
		ID:         projectID,
		StageIndex: stageIndex,
		SubStageID: subStageID,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.projects.CreateProject(p); err != nil {
		return nil, fmt.Errorf("start project %s: %w", projectID, err)
	}
	return p, nil
}

// Activate moves a pending project to running so task dispatch can begin.
func (e *Engine) Activate(projectID string) (*models.Project, error) {
	p, err := e.load(projectID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, ErrTerminal
	}
	if p.Status == models.StatusPending {
		p.Status = models.StatusRunning
		if err := e.projects.UpdateProject(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Advance attempts to move the project past its current sub-stage.
//
// It succeeds only when every required task type has posted a success result
// to the Context Bus. A sub-stage with a gate parks the project in
// awaiting-approval instead and returns ErrAwaitingApproval; the actual
// transition then happens in Approve. The final sub-stage of the final stage
// transitions to completed.
func (e *Engine) Advance(projectID string) (*models.Project, error) {
	p, err := e.load(projectID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, ErrTerminal
	}
	if p.Status == models.StatusAwaitingApproval {
		return p, ErrAwaitingApproval
	}

	sub, ok := e.plan.SubStageAt(p.StageIndex, p.SubStageID)
	if !ok {
		return nil, fmt.Errorf("project %s at unknown sub-stage %d/%s", p.ID, p.StageIndex, p.SubStageID)
	}

	if err := e.checkResults(p, sub); err != nil {
		return p, err
	}

	if sub.Gate {
		p.Status = models.StatusAwaitingApproval
		if err := e.projects.UpdateProject(p); err != nil {
			return nil, err
		}
		return p, ErrAwaitingApproval
	}

	return e.transition(p)
}

// Approve clears the gate on an awaiting-approval project and commits the
// transition the gate was holding back.
func (e *Engine) Approve(projectID string) (*models.Project, error) {
	p, err := e.load(projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusAwaitingApproval {
		return p, ErrNotAwaiting
	}
	return e.transition(p)
}

// Reject returns an awaiting-approval project to running at the same
// sub-stage with its retry counter incremented exactly once. Exceeding the
// retry budget fails the project.
func (e *Engine) Reject(projectID, reason string) (*models.Project, error) {
	p, err := e.load(projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusAwaitingApproval {
		return p, ErrNotAwaiting
	}

	p.RetryCount++
	if p.RetryCount > e.maxRetries {
		p.Status = models.StatusFailed
		p.FailureReason = fmt.Sprintf("sub-stage %s rejected %d times: %s", p.SubStageID, p.RetryCount, reason)
		if err := e.projects.UpdateProject(p); err != nil {
			return nil, err
		}
		return p, ErrMaxRetriesExceeded
	}

	p.Status = models.StatusRunning
	if err := e.projects.UpdateProject(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Fail moves a project to failed with the given reason. Used by the
// Orchestrator for wall-clock SLA breaches and unrecoverable task errors.
func (e *Engine) Fail(projectID, reason string) (*models.Project, error) {
	p, err := e.load(projectID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return p, ErrTerminal
	}
	p.Status = models.StatusFailed
	p.FailureReason = reason
	if err := e.projects.UpdateProject(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the current persisted project state.
func (e *Engine) Get(projectID string) (*models.Project, error) {
	return e.load(projectID)
}

// CurrentSubStage returns the active sub-stage definition for a project.
func (e *Engine) CurrentSubStage(p *models.Project) (models.SubStage, error) {
	sub, ok := e.plan.SubStageAt(p.StageIndex, p.SubStageID)
	if !ok {
		return models.SubStage{}, fmt.Errorf("unknown sub-stage %d/%s", p.StageIndex, p.SubStageID)
	}
	return sub, nil
}

func (e *Engine) load(projectID string) (*models.Project, error) {
	p, err := e.projects.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	return p, nil
}

// checkResults verifies every required task type posted a success result.
func (e *Engine) checkResults(p *models.Project, sub models.SubStage) error {
	for _, taskType := range sub.RequiredTasks {
		rec, err := e.results.Read(p.ID, models.ResultKey(sub.ID, taskType))
		if err != nil {
			return fmt.Errorf("read result for %s: %w", taskType, err)
		}
		if rec == nil {
			return fmt.Errorf("task %s: %w", taskType, ErrTasksIncomplete)
		}
		result, err := models.DecodeResult(rec.Payload)
		if err != nil {
			return fmt.Errorf("decode result for %s: %w", taskType, err)
		}
		if result.Status != models.ResultSuccess {
			return fmt.Errorf("task %s: %s: %w", taskType, result.Error, ErrTaskFailed)
		}
	}
	return nil
}

// transition commits the move to the next sub-stage, or to completed when
// the current position is the last. The retry counter resets on entry to a
// new sub-stage.
func (e *Engine) transition(p *models.Project) (*models.Project, error) {
	nextStage, nextSub, ok := e.plan.Next(p.StageIndex, p.SubStageID)
	if !ok {
		p.Status = models.StatusCompleted
		if err := e.projects.UpdateProject(p); err != nil {
			return nil, err
		}
		return p, nil
	}

	p.StageIndex = nextStage
	p.SubStageID = nextSub
	p.Status = models.StatusRunning
	p.RetryCount = 0
	if err := e.projects.UpdateProject(p); err != nil {
		return nil, err
	}
	return p, nil
}
