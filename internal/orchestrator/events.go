// Package orchestrator wires the coordination layer together: it dispatches
// agent tasks for the active sub-stage through a bounded worker pool, watches
// task results on the Context Bus, routes write conflicts to the Arbitrator,
// and drives the Workflow Engine until the project reaches a terminal state.
package orchestrator

import (
	"time"

	"github.com/jmorrell/loom/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventTaskStarted indicates an agent task has started execution.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates an agent task posted a success result.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates an agent task posted a failure result.
	EventTaskFailed EventType = "task_failed"
	// EventConflictDetected indicates a write lost the version race and was
	// handed to the Arbitrator.
	EventConflictDetected EventType = "conflict_detected"
	// EventConflictResolved indicates the Arbitrator reached a resolution.
	EventConflictResolved EventType = "conflict_resolved"
	// EventConflictEscalated indicates a conflict is waiting on a reviewer.
	EventConflictEscalated EventType = "conflict_escalated"
	// EventStageAdvanced indicates the project moved to a new sub-stage.
	EventStageAdvanced EventType = "stage_advanced"
	// EventApprovalRequested indicates the project is parked on a gate.
	EventApprovalRequested EventType = "approval_requested"
	// EventBudgetDegraded indicates the Governor routed a call below the
	// primary tier.
	EventBudgetDegraded EventType = "budget_degraded"
	// EventProjectDone indicates the project completed its final sub-stage.
	EventProjectDone EventType = "project_done"
	// EventProjectFailed indicates the project reached the failed state.
	EventProjectFailed EventType = "project_failed"
)

// Event is emitted by the orchestrator for operator surfaces to render.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// ProjectID is the project the event belongs to.
	ProjectID string
	// SubStageID is the active sub-stage, if applicable.
	SubStageID string
	// TaskType is the related task type, if applicable.
	TaskType string
	// ConflictID is the related conflict, if applicable.
	ConflictID string
	// Tier is the backend tier involved, for budget events.
	Tier models.Tier
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// At is when the event occurred.
	At time.Time
}
