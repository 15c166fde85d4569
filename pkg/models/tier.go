package models

// Tier represents a model backend pricing class.
type Tier string

const (
	// TierPrimary is the full-capability paid backend used by default.
	TierPrimary Tier = "primary"
	// TierEconomical is the cost-minimized paid backend used once spending
	// thresholds are crossed or the primary backend degrades.
	TierEconomical Tier = "economical"
	// TierLocal is the free local backend of last resort.
	TierLocal Tier = "local"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierPrimary, TierEconomical, TierLocal:
		return true
	default:
		return false
	}
}

// RequestClass identifies the logical caller of a model backend invocation.
// The Budget Governor may apply different routing rules per class.
type RequestClass string

const (
	// ClassGeneration is a regular agent-task model call.
	ClassGeneration RequestClass = "generation"
	// ClassArbitration is a conflict-resolution model call.
	ClassArbitration RequestClass = "arbitration"
)
