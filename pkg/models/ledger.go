package models

import "time"

// Window selects the accounting period for budget projections.
type Window string

const (
	// WindowDay covers the current UTC calendar day.
	WindowDay Window = "day"
	// WindowMonth covers the current UTC calendar month.
	WindowMonth Window = "month"
)

// Valid returns true if the window is a known value.
func (w Window) Valid() bool {
	return w == WindowDay || w == WindowMonth
}

// LedgerEntry is one append-only billing record for a single backend call.
// The ledger is the single source of truth for spend; totals are always
// recomputed by summation, never tracked in a mutable counter.
type LedgerEntry struct {
	// ID is the append sequence number assigned by the store.
	ID int64 `json:"id"`
	// ProjectID is the project the call was billed to.
	ProjectID string `json:"project_id"`
	// Tier is the backend tier that served the call.
	Tier Tier `json:"tier"`
	// Class is the logical caller class.
	Class RequestClass `json:"class"`
	// InputUnits is the number of input units consumed.
	InputUnits int64 `json:"input_units"`
	// OutputUnits is the number of output units produced.
	OutputUnits int64 `json:"output_units"`
	// CostMicroUSD is the computed cost in integer micro-USD.
	CostMicroUSD int64 `json:"cost_micro_usd"`
	// At is when the entry was appended.
	At time.Time `json:"at"`
}
