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
	"github.com/jmorrell/loom/internal/workflow"
	"github.com/jmorrell/loom/pkg/models"
)

// ErrSLAExceeded indicates a project ran past its wall-clock deadline and
// was marked failed.
var ErrSLAExceeded = errors.New("project wall-clock SLA exceeded")

const (
	// DefaultMaxConcurrency bounds simultaneously running agent tasks.
	DefaultMaxConcurrency = 4
	// DefaultPollInterval is how often the run loop re-reads project state
	// while waiting. Approvals and manual resolutions arrive through the
	// shared store from other processes, so waiting is never event-only.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultEventBuffer sizes the event channel.
	DefaultEventBuffer = 100
)

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrency bounds the worker pool. Zero means DefaultMaxConcurrency.
	MaxConcurrency int
	// SLA is the wall-clock budget for a whole project. Zero disables it.
	SLA time.Duration
	// PollInterval overrides the state poll cadence. Zero means default.
	PollInterval time.Duration
	// Logger receives diagnostics. Nil means discard.
	Logger *DebugLogger
}

// Orchestrator drives one project at a time through its stage plan.
type Orchestrator struct {
	bus      *bus.Bus
	engine   *workflow.Engine
	arb      *arbiter.Arbiter
	gov      *budget.Governor
	backends *backend.Registry
	workers  *WorkerRegistry

	emitter *eventEmitter
	logger  *DebugLogger
	opts    Options
	sem     chan struct{}

	mu         sync.Mutex
	dispatched map[string]bool
	inFlight   int
}

// New creates an Orchestrator.
func New(b *bus.Bus, engine *workflow.Engine, arb *arbiter.Arbiter, gov *budget.Governor, backends *backend.Registry, workers *WorkerRegistry, opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger()
	}
	return &Orchestrator{
		bus:        b,
		engine:     engine,
		arb:        arb,
		gov:        gov,
		backends:   backends,
		workers:    workers,
		emitter:    newEventEmitter(DefaultEventBuffer),
		logger:     opts.Logger,
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrency),
		dispatched: make(map[string]bool),
	}
}

// Events returns the channel operator surfaces read orchestration events from.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.events
}

// DroppedEventCount returns how many events were dropped on a full channel.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.emitter.DroppedCount()
}

// Close releases the event channel. Call after Run has returned.
func (o *Orchestrator) Close() {
	o.emitter.close()
}

// Run drives a project until it reaches a terminal state. Cancelling the
// context stops dispatch, waits for in-flight tasks to unwind, and leaves
// the project resumable; task locks are released as each task exits.
func (o *Orchestrator) Run(ctx context.Context, projectID string) error {
	p, err := o.engine.Activate(projectID)
	if err != nil {
		return fmt.Errorf("activate project %s: %w", projectID, err)
	}

	var deadline time.Time
	if o.opts.SLA > 0 {
		deadline = p.CreatedAt.Add(o.opts.SLA)
	}

	// Results from our own tasks and from resolutions arrive here; the poll
	// ticker covers state changed by other processes (approvals, manual
	// conflict resolutions).
	results := o.bus.Subscribe(projectID, "result:*")
	defer results.Close()

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	// Leaving the loop cancels in-flight tasks and waits for them to unwind
	// before the subscription closes.
	var wg sync.WaitGroup
	defer wg.Wait()
	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	approvalAnnounced := ""

	for {
		p, err = o.engine.Get(projectID)
		if err != nil {
			return err
		}

		switch {
		case p.Status == models.StatusCompleted:
			o.emitter.emit(Event{Type: EventProjectDone, ProjectID: projectID})
			o.logger.Logf("project %s completed", projectID)
			return nil

		case p.Status == models.StatusFailed:
			o.emitter.emit(Event{Type: EventProjectFailed, ProjectID: projectID, Message: p.FailureReason})
			return fmt.Errorf("project %s failed: %s", projectID, p.FailureReason)

		case !deadline.IsZero() && time.Now().After(deadline):
			reason := fmt.Sprintf("wall-clock SLA of %s exceeded", o.opts.SLA)
			if _, err := o.engine.Fail(projectID, reason); err != nil {
				return err
			}
			o.emitter.emit(Event{Type: EventProjectFailed, ProjectID: projectID, Message: reason})
			return fmt.Errorf("project %s: %w", projectID, ErrSLAExceeded)

		case p.Status == models.StatusRunning:
			sub, err := o.engine.CurrentSubStage(p)
			if err != nil {
				return err
			}
			if err := o.dispatchMissing(taskCtx, &wg, p, sub); err != nil {
				return err
			}

			if o.generationSettled(p, sub) {
				if fatal, err := o.tryAdvance(p, sub, &approvalAnnounced); fatal {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-results.Events:
		case <-ticker.C:
		}
	}
}

// genKey identifies one dispatch generation of a task: rejection bumps the
// retry counter, which forces a re-run of the sub-stage's tasks.
func genKey(p *models.Project, taskType string) string {
	return fmt.Sprintf("%s/%d/%s", p.SubStageID, p.RetryCount, taskType)
}

// dispatchMissing starts a worker for every required task type of the
// current generation that is neither satisfied nor already running.
func (o *Orchestrator) dispatchMissing(ctx context.Context, wg *sync.WaitGroup, p *models.Project, sub models.SubStage) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, taskType := range sub.RequiredTasks {
		key := genKey(p, taskType)
		if o.dispatched[key] {
			continue
		}

		// A first-generation task whose result survived a restart is done.
		if p.RetryCount == 0 {
			rec, err := o.bus.Read(p.ID, models.ResultKey(sub.ID, taskType))
			if err != nil {
				return err
			}
			if rec != nil {
				o.dispatched[key] = true
				continue
			}
		}

		o.dispatched[key] = true
		o.inFlight++
		wg.Add(1)
		go o.runTask(ctx, wg, p.ID, sub.ID, taskType)
	}
	return nil
}

// generationSettled reports whether no task of the current generation is
// still running, so Advance sees a stable result set.
func (o *Orchestrator) generationSettled(p *models.Project, sub models.SubStage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight > 0 {
		return false
	}
	for _, taskType := range sub.RequiredTasks {
		if !o.dispatched[genKey(p, taskType)] {
			return false
		}
	}
	return true
}

// tryAdvance attempts the stage transition and maps engine outcomes to
// events. fatal is true when Run should return.
func (o *Orchestrator) tryAdvance(p *models.Project, sub models.SubStage, approvalAnnounced *string) (fatal bool, err error) {
	next, err := o.engine.Advance(p.ID)
	switch {
	case err == nil:
		if next.Status == models.StatusCompleted {
			return false, nil // terminal handling on the next loop pass
		}
		o.emitter.emit(Event{
			Type:       EventStageAdvanced,
			ProjectID:  p.ID,
			SubStageID: next.SubStageID,
			Message:    fmt.Sprintf("advanced from %s to %s", sub.ID, next.SubStageID),
		})
		o.logger.Logf("project %s advanced to %d/%s", p.ID, next.StageIndex, next.SubStageID)
		return false, nil

	case errors.Is(err, workflow.ErrAwaitingApproval):
		if *approvalAnnounced != genKey(p, "gate") {
			*approvalAnnounced = genKey(p, "gate")
			o.emitter.emit(Event{
				Type:       EventApprovalRequested,
				ProjectID:  p.ID,
				SubStageID: sub.ID,
				Message:    fmt.Sprintf("sub-stage %s awaits approval", sub.ID),
			})
		}
		return false, nil

	case errors.Is(err, workflow.ErrTasksIncomplete):
		return false, nil

	case errors.Is(err, workflow.ErrTaskFailed):
		reason := err.Error()
		if _, failErr := o.engine.Fail(p.ID, reason); failErr != nil {
			return true, failErr
		}
		return false, nil // failed status emitted on the next loop pass

	default:
		return true, err
	}
}

// runTask executes one worker and posts its result to the Context Bus.
// Whatever happens, the task's locks are released on the way out.
func (o *Orchestrator) runTask(ctx context.Context, wg *sync.WaitGroup, projectID, subStageID, taskType string) {
	defer wg.Done()

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		o.taskDone(ctx.Err())
		return
	}

	holder := "task:" + subStageID + ":" + taskType
	defer func() {
		if err := o.bus.ReleaseLocksByHolder(projectID, holder); err != nil {
			o.logger.Logf("task %s: release locks: %v", holder, err)
		}
	}()

	o.emitter.emit(Event{Type: EventTaskStarted, ProjectID: projectID, SubStageID: subStageID, TaskType: taskType})
	o.logger.Logf("task %s started", holder)

	tc := &TaskContext{
		ProjectID:  projectID,
		SubStageID: subStageID,
		TaskType:   taskType,
		Holder:     holder,
		orch:       o,
	}

	var runErr error
	if fn, ok := o.workers.Lookup(taskType); ok {
		runErr = fn(ctx, tc)
	} else {
		runErr = fmt.Errorf("no worker registered for task type %q", taskType)
	}

	if ctx.Err() != nil && runErr != nil {
		// Cancelled mid-task: no result is posted, the task re-runs on resume.
		o.taskDone(runErr)
		return
	}

	result := models.TaskResult{TaskType: taskType, SubStageID: subStageID, Status: models.ResultSuccess}
	if runErr != nil {
		result.Status = models.ResultFailure
		result.Error = runErr.Error()
	}
	if err := o.postResult(ctx, tc, result); err != nil {
		o.logger.Logf("task %s: post result: %v", holder, err)
		o.taskDone(err)
		return
	}

	if runErr != nil {
		o.emitter.emit(Event{Type: EventTaskFailed, ProjectID: projectID, SubStageID: subStageID, TaskType: taskType, Err: runErr})
		o.logger.Logf("task %s failed: %v", holder, runErr)
	} else {
		o.emitter.emit(Event{Type: EventTaskCompleted, ProjectID: projectID, SubStageID: subStageID, TaskType: taskType})
		o.logger.Logf("task %s completed", holder)
	}
	o.taskDone(nil)
}

func (o *Orchestrator) taskDone(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight--
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Logf("task finished with error: %v", err)
	}
}

// postResult commits a task result under the conventional result key. The
// key is re-read under the lock so retried tasks overwrite their previous
// result at the next version.
func (o *Orchestrator) postResult(ctx context.Context, tc *TaskContext, result models.TaskResult) error {
	payload, err := models.EncodeResult(result)
	if err != nil {
		return err
	}
	key := models.ResultKey(result.SubStageID, result.TaskType)

	lock, err := o.bus.AcquireLockWait(ctx, tc.ProjectID, key, tc.Holder, 0)
	if err != nil {
		return err
	}
	defer o.bus.ReleaseLock(tc.ProjectID, key, lock.Token)

	var version int64
	if rec, err := o.bus.Read(tc.ProjectID, key); err != nil {
		return err
	} else if rec != nil {
		version = rec.Version
	}
	_, err = o.bus.Write(tc.ProjectID, key, version, payload, tc.Holder, lock.Token)
	return err
}
