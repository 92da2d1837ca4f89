package loyalty_test

import (
	"testing"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// TIER CALCULATOR
// =============================================================================

func TestTierFor_DefaultWidth(t *testing.T) {
	calc := loyalty.NewTierCalculator(decimal.Zero)

	cases := []struct {
		spend string
		tier  int
	}{
		{"-10", 0},
		{"0", 0},
		{"0.01", 1},
		{"1", 1},
		{"50000", 1},
		{"50000.01", 2},
		{"50001", 2},
		{"100000", 2},
		{"180000", 4},
		{"260000", 6},
		{"500000", 10},
	}
	for _, tc := range cases {
		t.Run(tc.spend, func(t *testing.T) {
			assert.Equal(t, tc.tier, calc.TierFor(decimal.RequireFromString(tc.spend)))
		})
	}
}

func TestTierFor_BoundariesAreInclusiveAtTop(t *testing.T) {
	// GIVEN: A width of 1,000
	// WHEN: Spend sits exactly on a tier's upper bound, and one unit above it
	// THEN: The bound stays in the tier; one unit more moves up exactly one tier

	calc := loyalty.NewTierCalculator(dec(1000))
	for tier := 1; tier <= 40; tier++ {
		_, max := calc.RangeFor(tier)
		assert.Equal(t, tier, calc.TierFor(max), "upper bound of tier %d", tier)
		assert.Equal(t, tier+1, calc.TierFor(max.Add(dec(1))), "one above tier %d", tier)
	}
}

func TestTierFor_IsMonotonic(t *testing.T) {
	calc := loyalty.NewTierCalculator(dec(50000))
	prev := 0
	for spend := int64(0); spend <= 1_000_000; spend += 7919 {
		tier := calc.TierFor(dec(spend))
		assert.GreaterOrEqual(t, tier, prev, "spend %d", spend)
		prev = tier
	}
}

func TestRangeFor(t *testing.T) {
	calc := loyalty.NewTierCalculator(dec(50000))

	min, max := calc.RangeFor(0)
	assert.True(t, min.IsZero())
	assert.True(t, max.IsZero())

	min, max = calc.RangeFor(1)
	assert.True(t, min.Equal(dec(0)), "tier 1 min %s", min)
	assert.True(t, max.Equal(dec(50000)), "tier 1 max %s", max)

	min, max = calc.RangeFor(2)
	assert.True(t, min.Equal(dec(50001)), "tier 2 min %s", min)
	assert.True(t, max.Equal(dec(100000)), "tier 2 max %s", max)

	min, max = calc.RangeFor(6)
	assert.True(t, min.Equal(dec(250001)), "tier 6 min %s", min)
	assert.True(t, max.Equal(dec(300000)), "tier 6 max %s", max)
}

func TestSpendToNextTier(t *testing.T) {
	calc := loyalty.NewTierCalculator(dec(50000))

	assert.True(t, calc.SpendToNextTier(dec(0)).Equal(dec(1)))
	assert.True(t, calc.SpendToNextTier(dec(60000)).Equal(dec(40001)))
	assert.True(t, calc.SpendToNextTier(dec(100000)).Equal(dec(1)))

	next := dec(60000).Add(calc.SpendToNextTier(dec(60000)))
	assert.Equal(t, 3, calc.TierFor(next))
}

func TestNewTierCalculator_NonPositiveWidthFallsBack(t *testing.T) {
	assert.True(t, loyalty.NewTierCalculator(dec(-5)).Width.Equal(loyalty.DefaultTierWidth))
	assert.Equal(t, 1, loyalty.TierCalculator{}.TierFor(dec(50000)))
}

// =============================================================================
// MILESTONES
// =============================================================================

func TestMilestoneResolver_DefaultPlan(t *testing.T) {
	r := loyalty.NewMilestoneResolver(loyalty.DefaultMilestonePlan())

	cases := []struct {
		name          string
		before, after int
		category      loyalty.RewardCategory
		crossed       int
	}{
		{"4 to 6 crosses 5", 4, 6, loyalty.CategoryMidTierBonus, 5},
		{"0 to 5 lands on 5", 0, 5, loyalty.CategoryMidTierBonus, 5},
		{"4 to 11 crosses 5 and 10, highest wins", 4, 11, loyalty.CategoryVIPNight, 10},
		{"9 to 16 crosses 10 and 15, highest wins", 9, 16, loyalty.CategoryMidTierBonus, 15},
		{"19 to 20", 19, 20, loyalty.CategoryVIPNight, 20},
		{"24 to 25 repeats the cycle", 24, 25, loyalty.CategoryMidTierBonus, 25},
		{"29 to 30 repeats the cycle", 29, 30, loyalty.CategoryVIPNight, 30},
		{"6 to 9 crosses nothing", 6, 9, "", 0},
		{"5 to 6 starts on a milestone", 5, 6, "", 0},
		{"downgrade never resolves", 11, 4, "", 0},
		{"flat never resolves", 5, 5, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, ok := r.Resolve(tc.before, tc.after)
			assert.Equal(t, tc.category != "", ok)
			assert.Equal(t, tc.category, c)
			assert.Equal(t, tc.crossed, r.Crossed(tc.before, tc.after))
		})
	}
}

func TestMilestonePlan_UnmappedMilestoneYieldsNothing(t *testing.T) {
	// GIVEN: A plan that maps tier 5 to a non-milestone category
	// WHEN: Crossing 5
	// THEN: No reward resolves

	plan := loyalty.MilestonePlan{Tiers: map[int]loyalty.RewardCategory{
		5: loyalty.CategoryWelcomeDiscount,
	}}
	r := loyalty.NewMilestoneResolver(plan)

	_, ok := r.Resolve(4, 6)
	assert.False(t, ok)
	assert.True(t, plan.IsMilestone(5))
	assert.False(t, plan.IsMilestone(10))
}

func TestMilestonePlan_Milestones(t *testing.T) {
	plan := loyalty.DefaultMilestonePlan()
	assert.Equal(t, []int{5, 10, 15, 20, 25}, plan.Milestones(0, 27))
	assert.Empty(t, plan.Milestones(5, 9))
	assert.Equal(t, []int{10}, plan.Milestones(5, 10))
}

// =============================================================================
// FIRST-EVER PURCHASE
// =============================================================================

func TestIsFirstEverPurchase(t *testing.T) {
	cases := []struct {
		name    string
		summary loyalty.SpendSummary
		want    bool
	}{
		{
			name:    "single live purchase",
			summary: loyalty.SpendSummary{CountLive: 1, TotalLive: dec(60000), TotalHistorical: decimal.Zero},
			want:    true,
		},
		{
			name:    "archive spend disqualifies however small",
			summary: loyalty.SpendSummary{CountLive: 1, TotalLive: dec(60000), CountHistorical: 1, TotalHistorical: dec(1)},
			want:    false,
		},
		{
			name:    "second live purchase",
			summary: loyalty.SpendSummary{CountLive: 2, TotalLive: dec(60000), TotalHistorical: decimal.Zero},
			want:    false,
		},
		{
			name:    "no purchases",
			summary: loyalty.SpendSummary{TotalLive: decimal.Zero, TotalHistorical: decimal.Zero},
			want:    false,
		},
		{
			name:    "zero-amount purchase",
			summary: loyalty.SpendSummary{CountLive: 1, TotalLive: decimal.Zero, TotalHistorical: decimal.Zero},
			want:    false,
		},
		{
			name:    "archive unavailable counts as empty",
			summary: loyalty.SpendSummary{CountLive: 1, TotalLive: dec(10), TotalHistorical: decimal.Zero, HistoricalUnavailable: true},
			want:    true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, loyalty.IsFirstEverPurchase(tc.summary))
		})
	}
}
