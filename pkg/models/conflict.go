package models

import "time"

// ResolutionStatus represents the lifecycle state of a conflict.
type ResolutionStatus string

const (
	// Unresolved means no resolution tier has produced an accepted payload yet.
	Unresolved ResolutionStatus = "unresolved"
	// ResolvedAutomated means a merge or model tier produced the accepted
	// payload. Terminal.
	ResolvedAutomated ResolutionStatus = "resolved-automated"
	// ResolvedManual means a human reviewer supplied the accepted payload.
	// Terminal.
	ResolvedManual ResolutionStatus = "resolved-manual"
	// ManualPending means every automated tier was exhausted and the conflict
	// is waiting on a reviewer. The disputed record stays locked.
	ManualPending ResolutionStatus = "manual-pending"
)

// Valid returns true if the status is a known value.
func (s ResolutionStatus) Valid() bool {
	switch s {
	case Unresolved, ResolvedAutomated, ResolvedManual, ManualPending:
		return true
	default:
		return false
	}
}

// Terminal returns true once the conflict needs no further work.
func (s ResolutionStatus) Terminal() bool {
	return s == ResolvedAutomated || s == ResolvedManual
}

// ResolutionTier identifies which arbitration strategy produced an outcome.
type ResolutionTier string

const (
	// TierStructural is the mechanical disjoint-field merge. Zero cost.
	TierStructural ResolutionTier = "structural"
	// TierModelPrimary is model-assisted resolution on the primary backend.
	TierModelPrimary ResolutionTier = "model-primary"
	// TierModelEconomical is model-assisted resolution on the economical backend.
	TierModelEconomical ResolutionTier = "model-economical"
	// TierManual is human escalation.
	TierManual ResolutionTier = "manual"
)

// TierAttempt records the outcome of one arbitration tier for audit.
type TierAttempt struct {
	// Tier is the strategy that was attempted.
	Tier ResolutionTier `json:"tier"`
	// Accepted is true if this tier produced the accepted payload.
	Accepted bool `json:"accepted"`
	// Confidence is the backend-reported confidence, when a model was involved.
	Confidence float64 `json:"confidence,omitempty"`
	// CostMicroUSD is the spend this attempt incurred.
	CostMicroUSD int64 `json:"cost_micro_usd"`
	// Detail explains a failed attempt.
	Detail string `json:"detail,omitempty"`
	// At is when the attempt finished.
	At time.Time `json:"at"`
}

// Conflict is raised when a writer's version stamp is stale at commit time.
// It is created by the Context Bus and owned by the Arbitrator until it
// reaches a terminal resolution status.
type Conflict struct {
	// ID is the unique identifier for this conflict.
	ID string `json:"id"`
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`
	// Key is the disputed context record key.
	Key string `json:"key"`
	// BaseVersion is the version both writers read before writing.
	BaseVersion int64 `json:"base_version"`
	// Committed is the payload that won the version race.
	Committed Payload `json:"committed"`
	// Challenger is the payload whose commit was rejected, in arrival order
	// after Committed.
	Challenger Payload `json:"challenger"`
	// ChallengerHolder identifies the writer whose commit was rejected.
	ChallengerHolder string `json:"challenger_holder"`
	// LockToken is the disputed lock, transferred to the conflict so the key
	// stays blocked until resolution.
	LockToken string `json:"lock_token"`
	// Status is the resolution lifecycle state.
	Status ResolutionStatus `json:"status"`
	// ResolvedTier is the tier that produced the accepted payload, if any.
	ResolvedTier ResolutionTier `json:"resolved_tier,omitempty"`
	// Resolution is the accepted payload, once resolved.
	Resolution *Payload `json:"resolution,omitempty"`
	// Attempts is the per-tier audit trail.
	Attempts []TierAttempt `json:"attempts,omitempty"`
	// DetectedAt is when the Context Bus raised the conflict.
	DetectedAt time.Time `json:"detected_at"`
	// ResolvedAt is when the conflict reached a terminal status.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
