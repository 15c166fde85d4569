// Package arbiter resolves write conflicts raised by the Context Bus into a
// single authoritative payload via a cascading strategy: mechanical
// structural merge, model-assisted resolution on progressively cheaper
// tiers, and finally manual escalation.
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmorrell/loom/internal/backend"
	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/internal/bus"
	"github.com/jmorrell/loom/internal/store"
	"github.com/jmorrell/loom/pkg/models"
)

// ErrManualPending indicates every automated tier was exhausted; the
// conflict now waits on a reviewer and the disputed key stays locked.
// This is an expected long-lived state, not a failure.
var ErrManualPending = errors.New("conflict escalated to manual resolution")

// ErrAlreadyResolved is returned by SubmitResolution for terminal conflicts.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// DefaultConfidenceThreshold is the minimum backend-reported confidence at
// which a model-assisted resolution is accepted.
const DefaultConfidenceThreshold = 0.8

// maxResolutionUnits bounds the output of a resolution model call.
const maxResolutionUnits = 4096

// Options configures an Arbiter.
type Options struct {
	// ConfidenceThreshold overrides DefaultConfidenceThreshold when > 0.
	ConfidenceThreshold float64
	// Logger receives diagnostics. Nil means discard.
	Logger bus.Logger
}

// Arbiter owns conflicts from detection to terminal resolution.
type Arbiter struct {
	bus       *bus.Bus
	governor  *budget.Governor
	backends  *backend.Registry
	conflicts store.ConflictStore
	threshold float64
	logger    bus.Logger
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...interface{}) {}

// New creates an Arbiter.
func New(b *bus.Bus, gov *budget.Governor, reg *backend.Registry, conflicts store.ConflictStore, opts Options) *Arbiter {
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Arbiter{
		bus:       b,
		governor:  gov,
		backends:  reg,
		conflicts: conflicts,
		threshold: threshold,
		logger:    logger,
	}
}

// Resolve runs the tier cascade on a conflict. Tiers run strictly in order;
// the only permitted skip is jumping directly to the economical model tier
// when the Budget Governor reports the spending cap already met. When no
// tier reaches the confidence threshold the conflict parks as
// manual-pending and ErrManualPending is returned; the disputed key stays
// locked until a reviewer calls SubmitResolution.
func (a *Arbiter) Resolve(ctx context.Context, c *models.Conflict) error {
	if c.Status.Terminal() {
		return nil
	}

	// Tier 1: structural merge. No model call, zero cost.
	if merged, err := mergeStructural(c.Committed, c.Challenger); err == nil {
		a.recordAttempt(c, models.TierAttempt{Tier: models.TierStructural, Accepted: true})
		return a.accept(c, models.TierStructural, merged, models.ResolvedAutomated)
	} else {
		a.recordAttempt(c, models.TierAttempt{Tier: models.TierStructural, Detail: err.Error()})
	}

	capExceeded, err := a.governor.CapExceeded()
	if err != nil {
		return fmt.Errorf("check budget cap: %w", err)
	}

	// Tier 2: model-assisted at the governor-selected tier. Skipped only
	// when the cap already forces economical-only operation.
	if !capExceeded {
		tier, err := a.governor.SelectTier(models.ClassArbitration)
		if err != nil {
			return fmt.Errorf("select arbitration tier: %w", err)
		}
		resolved, done, err := a.modelAttempt(ctx, c, models.TierModelPrimary, tier)
		if err != nil {
			return err
		}
		if done {
			return a.accept(c, models.TierModelPrimary, resolved, models.ResolvedAutomated)
		}
	}

	// Tier 3: model-assisted at the economical tier. Also the sole model
	// tier under an exhausted budget.
	econTier := models.TierEconomical
	if capExceeded || !a.backends.Has(econTier) {
		econTier = a.governor.Policy().FloorTier
	}
	resolved, done, err := a.modelAttempt(ctx, c, models.TierModelEconomical, econTier)
	if err != nil {
		return err
	}
	if done {
		return a.accept(c, models.TierModelEconomical, resolved, models.ResolvedAutomated)
	}

	// Tier 4: manual escalation. The record stays locked.
	c.Status = models.ManualPending
	if err := a.conflicts.UpdateConflict(c); err != nil {
		return fmt.Errorf("persist manual escalation: %w", err)
	}
	a.logger.Logf("conflict %s on %s escalated to manual review", c.ID, c.Key)
	return ErrManualPending
}

// SubmitResolution completes a manually escalated conflict with a
// reviewer-supplied payload, committing it and releasing the disputed lock.
func (a *Arbiter) SubmitResolution(conflictID string, payload models.Payload) error {
	c, err := a.conflicts.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("conflict %s not found", conflictID)
	}
	if c.Status.Terminal() {
		return ErrAlreadyResolved
	}
	a.recordAttempt(c, models.TierAttempt{Tier: models.TierManual, Accepted: true})
	return a.accept(c, models.TierManual, payload, models.ResolvedManual)
}

// Pending lists conflicts awaiting manual resolution for a project.
func (a *Arbiter) Pending(projectID string) ([]models.Conflict, error) {
	return a.conflicts.ListConflicts(projectID, models.ManualPending)
}

// modelAttempt runs one model-assisted resolution attempt. done is true
// when the attempt produced an accepted payload. A backend failure is
// recorded and reported to the Governor but does not abort the cascade.
func (a *Arbiter) modelAttempt(ctx context.Context, c *models.Conflict, resTier models.ResolutionTier, tier models.Tier) (models.Payload, bool, error) {
	attempt := models.TierAttempt{Tier: resTier}

	// Pre-dispatch cap check. A paid tier blocked mid-cascade (for example
	// a paid floor tier once the cap is met) is recorded and cascades, never
	// billed.
	if err := a.governor.Authorize(tier); err != nil {
		if !errors.Is(err, budget.ErrBudgetExceeded) {
			return models.Payload{}, false, fmt.Errorf("authorize %s tier: %w", tier, err)
		}
		attempt.Detail = err.Error()
		a.recordAttempt(c, attempt)
		a.logger.Logf("conflict %s: %s attempt on %s blocked: %v", c.ID, resTier, tier, err)
		return models.Payload{}, false, nil
	}

	resp, err := a.backends.Invoke(ctx, tier, backend.Request{
		Prompt:   buildResolutionPrompt(c),
		MaxUnits: maxResolutionUnits,
	})
	if err != nil {
		a.governor.ReportOutcome(tier, false)
		attempt.Detail = err.Error()
		a.recordAttempt(c, attempt)
		a.logger.Logf("conflict %s: %s attempt on %s failed: %v", c.ID, resTier, tier, err)
		return models.Payload{}, false, nil
	}
	a.governor.ReportOutcome(tier, true)

	// Every billable attempt lands in the ledger, accepted or not.
	if resp.InputUnits > 0 || resp.OutputUnits > 0 {
		if _, _, err := a.governor.RecordUsage(c.ProjectID, tier, models.ClassArbitration, resp.InputUnits, resp.OutputUnits); err != nil {
			return models.Payload{}, false, fmt.Errorf("record arbitration usage: %w", err)
		}
	}
	attempt.Confidence = resp.Confidence
	attempt.CostMicroUSD = a.governor.Policy().Prices.Cost(tier, resp.InputUnits, resp.OutputUnits)

	if resp.Confidence < a.threshold {
		attempt.Detail = fmt.Sprintf("confidence %.2f below threshold %.2f", resp.Confidence, a.threshold)
		a.recordAttempt(c, attempt)
		return models.Payload{}, false, nil
	}
	if !json.Valid([]byte(resp.Payload)) {
		attempt.Detail = "backend returned invalid JSON payload"
		a.recordAttempt(c, attempt)
		return models.Payload{}, false, nil
	}

	attempt.Accepted = true
	a.recordAttempt(c, attempt)
	return models.StructuredPayload([]byte(resp.Payload)), true, nil
}

// accept commits a resolution: the payload wins the version race on the
// disputed key, the lock is released, and the conflict reaches a terminal
// status.
func (a *Arbiter) accept(c *models.Conflict, tier models.ResolutionTier, payload models.Payload, status models.ResolutionStatus) error {
	rec, err := a.bus.ResolveWrite(c, payload)
	if err != nil {
		return fmt.Errorf("commit resolution for %s: %w", c.Key, err)
	}

	now := time.Now()
	c.Status = status
	c.ResolvedTier = tier
	c.Resolution = &payload
	c.ResolvedAt = &now
	if err := a.conflicts.UpdateConflict(c); err != nil {
		return fmt.Errorf("persist resolution: %w", err)
	}
	a.logger.Logf("conflict %s on %s resolved by %s at version %d", c.ID, c.Key, tier, rec.Version)
	return nil
}

// recordAttempt appends to the audit trail and persists it best-effort, so
// a crash mid-cascade keeps the attempts already made.
func (a *Arbiter) recordAttempt(c *models.Conflict, attempt models.TierAttempt) {
	attempt.At = time.Now()
	c.Attempts = append(c.Attempts, attempt)
	if err := a.conflicts.UpdateConflict(c); err != nil {
		a.logger.Logf("conflict %s: persist attempt audit: %v", c.ID, err)
	}
}
