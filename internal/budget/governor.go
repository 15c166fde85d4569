// Package budget implements the Budget Governor: it meters per-call cost
// against an append-only ledger and deterministically reroutes traffic to
// cheaper tiers when spending thresholds are crossed.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmorrell/loom/internal/store"
	"github.com/jmorrell/loom/pkg/models"
)

// ErrBudgetExceeded is returned by Authorize when a paid tier is requested
// while the active window cap is already met. Callers degrade to the floor
// tier; a call is never silently dropped.
var ErrBudgetExceeded = errors.New("budget cap exceeded")

// Policy is the budget configuration the Governor evaluates on every call.
// It is swapped atomically when the config file changes on disk.
type Policy struct {
	// DailyCapMicroUSD caps spend for the current UTC day. Zero disables it.
	DailyCapMicroUSD int64 `mapstructure:"daily_cap_micro_usd"`
	// MonthlyCapMicroUSD caps spend for the current UTC month. Zero disables it.
	MonthlyCapMicroUSD int64 `mapstructure:"monthly_cap_micro_usd"`
	// Prices is the static per-tier price table.
	Prices PriceTable `mapstructure:"prices"`
	// FloorTier is the tier used once a cap is met. Defaults to TierLocal.
	FloorTier models.Tier `mapstructure:"floor_tier"`
	// ErrorRateThreshold degrades a tier when its failure fraction within
	// ErrorWindow meets or exceeds this value. Zero disables degrade.
	ErrorRateThreshold float64 `mapstructure:"error_rate_threshold"`
	// ErrorWindow is the sliding window for error-rate evaluation.
	ErrorWindow time.Duration `mapstructure:"error_window"`
}

// DefaultPolicy returns a policy with the default price table, no caps, and
// error degrade at 50% over one minute.
func DefaultPolicy() Policy {
	return Policy{
		Prices:             DefaultPriceTable,
		FloorTier:          models.TierLocal,
		ErrorRateThreshold: 0.5,
		ErrorWindow:        time.Minute,
	}
}

// Governor gates every outbound backend call behind the cost policy.
// The ledger in the store is the single source of truth: spend is summed
// from entries on every decision, never tracked in a drifting counter.
type Governor struct {
	ledger store.LedgerStore

	mu     sync.RWMutex
	policy Policy

	// outcomes holds recent per-tier call outcomes for error-rate degrade.
	outcomes map[models.Tier][]outcome

	now func() time.Time
}

type outcome struct {
	at time.Time
	ok bool
}

// NewGovernor creates a Governor over the given ledger store.
func NewGovernor(ledger store.LedgerStore, policy Policy) *Governor {
	if policy.FloorTier == "" {
		policy.FloorTier = models.TierLocal
	}
	if policy.Prices == nil {
		policy.Prices = DefaultPriceTable
	}
	return &Governor{
		ledger:   ledger,
		policy:   policy,
		outcomes: make(map[models.Tier][]outcome),
		now:      time.Now,
	}
}

// SetPolicy swaps the active policy. Takes effect on the next call; tier
// selection is never cached longer than one call.
func (g *Governor) SetPolicy(policy Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if policy.FloorTier == "" {
		policy.FloorTier = models.TierLocal
	}
	if policy.Prices == nil {
		policy.Prices = DefaultPriceTable
	}
	g.policy = policy
}

// Policy returns the active policy.
func (g *Governor) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// CapExceeded reports whether the tighter of the day/month windows has met
// its cap. The comparison is inclusive (spend >= cap) and is evaluated from
// the ledger before dispatch, never after.
func (g *Governor) CapExceeded() (bool, error) {
	policy := g.Policy()
	now := g.now()

	if policy.DailyCapMicroUSD > 0 {
		day, err := g.ledger.SumSpend(models.WindowDay, now)
		if err != nil {
			return false, fmt.Errorf("sum day spend: %w", err)
		}
		if day >= policy.DailyCapMicroUSD {
			return true, nil
		}
	}
	if policy.MonthlyCapMicroUSD > 0 {
		month, err := g.ledger.SumSpend(models.WindowMonth, now)
		if err != nil {
			return false, fmt.Errorf("sum month spend: %w", err)
		}
		if month >= policy.MonthlyCapMicroUSD {
			return true, nil
		}
	}
	return false, nil
}

// SelectTier returns the backend tier to use for a call of the given class.
// The decision is recomputed from the ledger on every call:
//  1. cap met in either window -> the floor tier, regardless of class
//  2. primary degraded by error rate -> economical
//  3. otherwise -> primary
func (g *Governor) SelectTier(class models.RequestClass) (models.Tier, error) {
	exceeded, err := g.CapExceeded()
	if err != nil {
		return "", err
	}
	if exceeded {
		return g.Policy().FloorTier, nil
	}
	if g.degraded(models.TierPrimary) {
		return models.TierEconomical, nil
	}
	return models.TierPrimary, nil
}

// Authorize checks that a call on the given tier may proceed under the
// active caps. Free tiers are always authorized; a paid tier at or past the
// cap returns ErrBudgetExceeded and the caller reroutes to the floor tier.
func (g *Governor) Authorize(tier models.Tier) error {
	policy := g.Policy()
	price, priced := policy.Prices[tier]
	if !priced || (price.InputPerMillion == 0 && price.OutputPerMillion == 0) {
		return nil
	}
	exceeded, err := g.CapExceeded()
	if err != nil {
		return err
	}
	if exceeded {
		return fmt.Errorf("tier %s: %w", tier, ErrBudgetExceeded)
	}
	return nil
}

// RecordUsage computes the cost of a completed call from the price table,
// appends a ledger entry, and returns the updated day and month totals.
func (g *Governor) RecordUsage(projectID string, tier models.Tier, class models.RequestClass, inputUnits, outputUnits int64) (day, month int64, err error) {
	policy := g.Policy()
	now := g.now()

	entry := models.LedgerEntry{
		ProjectID:    projectID,
		Tier:         tier,
		Class:        class,
		InputUnits:   inputUnits,
		OutputUnits:  outputUnits,
		CostMicroUSD: policy.Prices.Cost(tier, inputUnits, outputUnits),
		At:           now,
	}
	if err := g.ledger.AppendLedger(&entry); err != nil {
		return 0, 0, fmt.Errorf("record usage: %w", err)
	}

	day, err = g.ledger.SumSpend(models.WindowDay, now)
	if err != nil {
		return 0, 0, err
	}
	month, err = g.ledger.SumSpend(models.WindowMonth, now)
	if err != nil {
		return 0, 0, err
	}
	return day, month, nil
}

// RemainingBudget returns cap minus spend for the window, floored at zero.
// A window without a configured cap returns ok=false.
func (g *Governor) RemainingBudget(w models.Window) (remaining int64, ok bool, err error) {
	policy := g.Policy()
	var capMicro int64
	switch w {
	case models.WindowDay:
		capMicro = policy.DailyCapMicroUSD
	case models.WindowMonth:
		capMicro = policy.MonthlyCapMicroUSD
	}
	if capMicro <= 0 {
		return 0, false, nil
	}
	spend, err := g.ledger.SumSpend(w, g.now())
	if err != nil {
		return 0, false, err
	}
	remaining = capMicro - spend
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

// ReportOutcome feeds a call outcome into the error-rate tracker.
// Repeated failures on a tier degrade routing away from it.
func (g *Governor) ReportOutcome(tier models.Tier, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[tier] = append(g.pruneLocked(tier), outcome{at: g.now(), ok: ok})
}

// degraded reports whether a tier's recent failure fraction meets the
// configured threshold. At least three outcomes are required before a tier
// can degrade, so a single early failure does not reroute everything.
func (g *Governor) degraded(tier models.Tier) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	policy := g.policy
	if policy.ErrorRateThreshold <= 0 {
		return false
	}
	recent := g.pruneLocked(tier)
	g.outcomes[tier] = recent
	if len(recent) < 3 {
		return false
	}
	failures := 0
	for _, o := range recent {
		if !o.ok {
			failures++
		}
	}
	return float64(failures)/float64(len(recent)) >= policy.ErrorRateThreshold
}

// pruneLocked drops outcomes older than the error window. Callers hold g.mu.
func (g *Governor) pruneLocked(tier models.Tier) []outcome {
	window := g.policy.ErrorWindow
	if window <= 0 {
		window = time.Minute
	}
	cutoff := g.now().Add(-window)
	recent := g.outcomes[tier][:0:0]
	for _, o := range g.outcomes[tier] {
		if o.at.After(cutoff) {
			recent = append(recent, o)
		}
	}
	return recent
}
