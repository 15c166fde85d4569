package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmorrell/loom/internal/arbiter"
	"github.com/jmorrell/loom/internal/backend"
	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/internal/bus"
	"github.com/jmorrell/loom/pkg/models"
)

// WorkerFunc executes one agent task. It does its work against the Context
// Bus through the task context and returns nil once its output is committed;
// the orchestrator posts the task result itself. A returned error becomes a
// failure result.
type WorkerFunc func(ctx context.Context, tc *TaskContext) error

// WorkerRegistry maps task types to workers. Dispatching a sub-stage whose
// required task type has no registered worker fails the task immediately.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]WorkerFunc
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]WorkerFunc)}
}

// Register binds a worker to a task type, replacing any previous binding.
func (r *WorkerRegistry) Register(taskType string, fn WorkerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[taskType] = fn
}

// Lookup returns the worker for a task type.
func (r *WorkerRegistry) Lookup(taskType string) (WorkerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workers[taskType]
	return fn, ok
}

// TaskTypes returns the registered task types.
func (r *WorkerRegistry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.workers))
	for t := range r.workers {
		types = append(types, t)
	}
	return types
}

// TaskContext is the coordination surface handed to a worker. All shared
// state access goes through it; workers never touch the store directly.
type TaskContext struct {
	// ProjectID is the owning project.
	ProjectID string
	// SubStageID is the sub-stage the task runs for.
	SubStageID string
	// TaskType is the declared task type being executed.
	TaskType string
	// Holder is the lock holder identity for this task.
	Holder string

	orch *Orchestrator
}

// Read returns the current committed record for a key, or nil.
func (tc *TaskContext) Read(key string) (*models.ContextRecord, error) {
	return tc.orch.bus.Read(tc.ProjectID, key)
}

// Lock acquires the key's lock for this task, waiting with backoff under
// contention.
func (tc *TaskContext) Lock(ctx context.Context, key string) (models.Lock, error) {
	return tc.orch.bus.AcquireLockWait(ctx, tc.ProjectID, key, tc.Holder, 0)
}

// Unlock releases a lock held by this task.
func (tc *TaskContext) Unlock(key, token string) error {
	return tc.orch.bus.ReleaseLock(tc.ProjectID, key, token)
}

// Write commits a payload at expectedVersion+1 under a held lock. A write
// that loses the version race is not an error for the worker: the conflict
// is handed to the Arbitrator and, once resolved, the accepted payload is
// returned as the committed record. Only a manual escalation surfaces as an
// error, since the task cannot complete until a reviewer decides.
func (tc *TaskContext) Write(ctx context.Context, key string, expectedVersion int64, payload models.Payload, lockToken string) (*models.ContextRecord, error) {
	rec, err := tc.orch.bus.Write(tc.ProjectID, key, expectedVersion, payload, tc.Holder, lockToken)
	if err == nil {
		return rec, nil
	}
	var ce *bus.ConflictError
	if !errors.As(err, &ce) {
		return nil, err
	}
	return tc.orch.handleConflict(ctx, ce.Conflict)
}

// Model invokes a backend at the Governor-selected tier and returns the
// response along with the tier that served it.
func (tc *TaskContext) Model(ctx context.Context, prompt string, maxUnits int64) (backend.Response, models.Tier, error) {
	return tc.orch.callModel(ctx, tc.ProjectID, models.ClassGeneration, prompt, maxUnits)
}

// handleConflict delegates a detected conflict to the Arbitrator and maps
// the outcome back to the triggering writer.
func (o *Orchestrator) handleConflict(ctx context.Context, c *models.Conflict) (*models.ContextRecord, error) {
	o.emitter.emit(Event{
		Type:       EventConflictDetected,
		ProjectID:  c.ProjectID,
		ConflictID: c.ID,
		Message:    fmt.Sprintf("write conflict on %s at version %d", c.Key, c.BaseVersion),
	})
	o.logger.Logf("conflict %s detected on %s (challenger %s)", c.ID, c.Key, c.ChallengerHolder)

	err := o.arb.Resolve(ctx, c)
	if errors.Is(err, arbiter.ErrManualPending) {
		o.emitter.emit(Event{
			Type:       EventConflictEscalated,
			ProjectID:  c.ProjectID,
			ConflictID: c.ID,
			Message:    fmt.Sprintf("conflict on %s needs manual resolution", c.Key),
		})
		return nil, fmt.Errorf("write to %s: %w", c.Key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("arbitrate conflict on %s: %w", c.Key, err)
	}

	o.emitter.emit(Event{
		Type:       EventConflictResolved,
		ProjectID:  c.ProjectID,
		ConflictID: c.ID,
		Message:    fmt.Sprintf("conflict on %s resolved via %s", c.Key, c.ResolvedTier),
	})
	return o.bus.Read(c.ProjectID, c.Key)
}

// callModel routes a backend call through the Governor: tier selection from
// the ledger, invocation, outcome reporting, and usage recording. A routing
// decision below the primary tier is surfaced as a budget event.
func (o *Orchestrator) callModel(ctx context.Context, projectID string, class models.RequestClass, prompt string, maxUnits int64) (backend.Response, models.Tier, error) {
	tier, err := o.gov.SelectTier(class)
	if err != nil {
		return backend.Response{}, "", fmt.Errorf("select tier: %w", err)
	}
	// The policy can tighten between selection and dispatch (hot reload,
	// concurrent spend). Authorize re-checks the cap and reroutes to the
	// floor tier instead of billing past it.
	if authErr := o.gov.Authorize(tier); authErr != nil {
		if !errors.Is(authErr, budget.ErrBudgetExceeded) {
			return backend.Response{}, "", fmt.Errorf("authorize tier: %w", authErr)
		}
		tier = o.gov.Policy().FloorTier
	}
	if tier != models.TierPrimary {
		o.emitter.emit(Event{
			Type:      EventBudgetDegraded,
			ProjectID: projectID,
			Tier:      tier,
			Message:   fmt.Sprintf("%s call routed to %s tier", class, tier),
		})
	}

	start := time.Now()
	resp, err := o.backends.Invoke(ctx, tier, backend.Request{Prompt: prompt, MaxUnits: maxUnits})
	if err != nil {
		o.gov.ReportOutcome(tier, false)
		return backend.Response{}, tier, fmt.Errorf("invoke %s backend: %w", tier, err)
	}
	o.gov.ReportOutcome(tier, true)
	o.logger.Logf("model call on %s served in %s (%d in / %d out units)", tier, time.Since(start).Round(time.Millisecond), resp.InputUnits, resp.OutputUnits)

	if resp.InputUnits > 0 || resp.OutputUnits > 0 {
		if _, _, err := o.gov.RecordUsage(projectID, tier, class, resp.InputUnits, resp.OutputUnits); err != nil {
			return backend.Response{}, tier, fmt.Errorf("record usage: %w", err)
		}
	}
	return resp, tier, nil
}
