package models

import "time"

// ProjectStatus represents the current state of a project.
type ProjectStatus string

const (
	// StatusPending indicates the project has been created but not started.
	StatusPending ProjectStatus = "pending"
	// StatusRunning indicates agent tasks are executing for the current sub-stage.
	StatusRunning ProjectStatus = "running"
	// StatusAwaitingApproval indicates the current sub-stage is parked on a
	// human-approval gate.
	StatusAwaitingApproval ProjectStatus = "awaiting-approval"
	// StatusCompleted indicates the final sub-stage finished. Terminal.
	StatusCompleted ProjectStatus = "completed"
	// StatusFailed indicates the project cannot proceed. Terminal.
	StatusFailed ProjectStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible from this status.
func (s ProjectStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Project is the unit of work driven through the workflow.
// It is owned exclusively by the Workflow Engine; other components hold
// references only.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`
	// StageIndex is the index into the stage plan of the active stage.
	StageIndex int `json:"stage_index"`
	// SubStageID is the identifier of the active sub-stage.
	SubStageID string `json:"sub_stage_id"`
	// Status is the current workflow status.
	Status ProjectStatus `json:"status"`
	// RetryCount is the number of times the active sub-stage has been rejected.
	RetryCount int `json:"retry_count"`
	// FailureReason records why the project failed, if it did.
	FailureReason string `json:"failure_reason,omitempty"`
	// SpendMicroUSD is the cumulative ledger spend in micro-USD.
	SpendMicroUSD int64 `json:"spend_micro_usd"`
	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the project last transitioned.
	UpdatedAt time.Time `json:"updated_at"`
}
