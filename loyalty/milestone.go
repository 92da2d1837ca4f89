/*
milestone.go - Which tier changes earn a reward

TWO RULES:
  1. MilestoneResolver (tier delta): when the tier goes up and crosses one or
     more configured milestone tiers, the highest crossed milestone decides
     the category. Unmapped milestones yield no reward.
  2. First-ever purchase (sibling rule): a customer leaving tier 0 whose full
     ledger (archive + live) holds exactly one qualifying record, and that
     record is live, earns the welcome category.

IsFirstEverPurchase is the single authoritative predicate for rule 2. The
evaluator and the welcome audit both call it; nothing else decides it.

MILESTONE PLAN:
  Explicit map of tier -> category, plus an optional repeating rule so the
  plan is not limited to a fixed list:

    Tiers: {5: mid_tier_bonus, 10: vip_night}
    Every: 5, Cycle: [mid_tier_bonus, vip_night]
    -> 15: mid_tier_bonus, 20: vip_night, 25: mid_tier_bonus, ...
*/
package loyalty

import (
	"sort"
)

// MilestonePlan configures which tiers are milestones and what they earn.
type MilestonePlan struct {
	Tiers map[int]RewardCategory

	// Every > 0 makes every multiple of Every a milestone; the category is
	// Cycle[(tier/Every - 1) % len(Cycle)]. Explicit Tiers entries win.
	Every int
	Cycle []RewardCategory
}

// DefaultMilestonePlan: 5 and 15 -> mid-tier bonus, 10 and 20 -> VIP night, repeating.
func DefaultMilestonePlan() MilestonePlan {
	return MilestonePlan{
		Tiers: map[int]RewardCategory{
			5:  CategoryMidTierBonus,
			10: CategoryVIPNight,
			15: CategoryMidTierBonus,
			20: CategoryVIPNight,
		},
		Every: 5,
		Cycle: []RewardCategory{CategoryMidTierBonus, CategoryVIPNight},
	}
}

// IsMilestone reports whether tier is a configured milestone.
func (p MilestonePlan) IsMilestone(tier int) bool {
	if tier <= 0 {
		return false
	}
	if _, ok := p.Tiers[tier]; ok {
		return true
	}
	return p.Every > 0 && tier%p.Every == 0
}

// CategoryFor returns the category mapped to a milestone tier.
func (p MilestonePlan) CategoryFor(tier int) (RewardCategory, bool) {
	if c, ok := p.Tiers[tier]; ok {
		return c, c.IsMilestoneCategory()
	}
	if p.Every > 0 && tier > 0 && tier%p.Every == 0 && len(p.Cycle) > 0 {
		c := p.Cycle[(tier/p.Every-1)%len(p.Cycle)]
		return c, c.IsMilestoneCategory()
	}
	return "", false
}

// Milestones returns the configured milestones in (from, to], ascending.
func (p MilestonePlan) Milestones(from, to int) []int {
	var out []int
	for t := range p.Tiers {
		if t > from && t <= to {
			out = append(out, t)
		}
	}
	if p.Every > 0 {
		for t := (from/p.Every + 1) * p.Every; t <= to; t += p.Every {
			if _, ok := p.Tiers[t]; !ok && t > 0 {
				out = append(out, t)
			}
		}
	}
	sort.Ints(out)
	return out
}

// =============================================================================
// MILESTONE RESOLVER
// =============================================================================

// MilestoneResolver decides whether a tier change earns a milestone reward.
type MilestoneResolver struct {
	Plan MilestonePlan
}

func NewMilestoneResolver(plan MilestonePlan) MilestoneResolver {
	return MilestoneResolver{Plan: plan}
}

// Resolve returns the category for the highest mapped milestone crossed going
// from before to after. Downward or flat changes never resolve.
func (r MilestoneResolver) Resolve(before, after int) (RewardCategory, bool) {
	if after <= before {
		return "", false
	}
	crossed := r.Plan.Milestones(before, after)
	for i := len(crossed) - 1; i >= 0; i-- {
		if c, ok := r.Plan.CategoryFor(crossed[i]); ok {
			return c, true
		}
	}
	return "", false
}

// Crossed returns the milestone tier Resolve used, or 0.
func (r MilestoneResolver) Crossed(before, after int) int {
	if after <= before {
		return 0
	}
	crossed := r.Plan.Milestones(before, after)
	for i := len(crossed) - 1; i >= 0; i-- {
		if _, ok := r.Plan.CategoryFor(crossed[i]); ok {
			return crossed[i]
		}
	}
	return 0
}

// =============================================================================
// FIRST-EVER PURCHASE
// =============================================================================

// IsFirstEverPurchase reports whether the customer's entire spend history,
// archive and live together, consists of exactly one qualifying transaction
// and that transaction came through the live system.
//
// A customer with archive spend is never "first-ever", however small the
// archive. An unavailable archive counts as empty, same as in the totals.
func IsFirstEverPurchase(s SpendSummary) bool {
	if s.CountHistorical != 0 || s.CountLive != 1 {
		return false
	}
	return s.TotalHistorical.IsZero() && s.TotalLive.IsPositive()
}
