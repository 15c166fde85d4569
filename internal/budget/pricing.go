package budget

import "github.com/jmorrell/loom/pkg/models"

// Price is the cost of one million units on a tier, in micro-USD.
// All arithmetic is integer fixed-point; costs never touch floating point,
// so totals cannot drift across thousands of small entries.
type Price struct {
	// InputPerMillion is micro-USD per 1M input units.
	InputPerMillion int64 `mapstructure:"input_per_million" yaml:"input_per_million"`
	// OutputPerMillion is micro-USD per 1M output units.
	OutputPerMillion int64 `mapstructure:"output_per_million" yaml:"output_per_million"`
}

// PriceTable maps tiers to their prices. Tiers absent from the table are
// free (the local tier is normally absent).
type PriceTable map[models.Tier]Price

// DefaultPriceTable mirrors current Claude pricing: primary at $3/$15 per
// million tokens, economical at $0.80/$4.
var DefaultPriceTable = PriceTable{
	models.TierPrimary:    {InputPerMillion: 3_000_000, OutputPerMillion: 15_000_000},
	models.TierEconomical: {InputPerMillion: 800_000, OutputPerMillion: 4_000_000},
}

// Cost computes the micro-USD cost of a call. Division rounds up so a
// fraction of a micro-dollar is never silently dropped; the same inputs
// always produce the same cost.
func (t PriceTable) Cost(tier models.Tier, inputUnits, outputUnits int64) int64 {
	p, ok := t[tier]
	if !ok {
		return 0
	}
	return ceilDiv(inputUnits*p.InputPerMillion, 1_000_000) +
		ceilDiv(outputUnits*p.OutputPerMillion, 1_000_000)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
