package loyalty

import (
	"github.com/shopspring/decimal"
)

// DefaultTierWidth is the spend covered by one tier.
var DefaultTierWidth = decimal.NewFromInt(50000)

// TierCalculator maps cumulative spend to a tier with fixed-width bands:
//
//	spend <= 0              -> tier 0
//	0 < spend <= width      -> tier 1
//	width < spend <= 2*width -> tier 2
type TierCalculator struct {
	Width decimal.Decimal
}

func NewTierCalculator(width decimal.Decimal) TierCalculator {
	if !width.IsPositive() {
		width = DefaultTierWidth
	}
	return TierCalculator{Width: width}
}

func (c TierCalculator) width() decimal.Decimal {
	if !c.Width.IsPositive() {
		return DefaultTierWidth
	}
	return c.Width
}

// TierFor returns ceil(spend / width), or 0 for non-positive spend.
func (c TierCalculator) TierFor(spend decimal.Decimal) int {
	if !spend.IsPositive() {
		return 0
	}
	return int(spend.Div(c.width()).Ceil().IntPart())
}

// RangeFor returns the inclusive spend bounds of a tier. Tier 0 is (0, 0) and
// tier 1 starts at 0 so that a spend of exactly 0 stays predictable.
func (c TierCalculator) RangeFor(tier int) (min, max decimal.Decimal) {
	if tier <= 0 {
		return decimal.Zero, decimal.Zero
	}
	w := c.width()
	max = w.Mul(decimal.NewFromInt(int64(tier)))
	if tier == 1 {
		return decimal.Zero, max
	}
	min = w.Mul(decimal.NewFromInt(int64(tier - 1))).Add(decimal.NewFromInt(1))
	return min, max
}

// SpendToNextTier returns how much more spend moves the customer up one tier.
func (c TierCalculator) SpendToNextTier(spend decimal.Decimal) decimal.Decimal {
	tier := c.TierFor(spend)
	if tier == 0 {
		return decimal.NewFromInt(1)
	}
	_, max := c.RangeFor(tier)
	// Whole-unit gap: the next tier starts at max+1.
	return max.Sub(spend).Add(decimal.NewFromInt(1))
}
