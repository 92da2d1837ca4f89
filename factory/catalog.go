/*
Package factory provides JSON/YAML to Go reward catalog conversion.

PURPOSE:
  Converts a catalog document into reward definitions, the tier width and
  the milestone plan. Operators edit the catalog as a file; the factory
  validates it and produces the engine's types.

CATALOG SCHEMA (JSON shown, YAML uses the same keys):
  {
    "tier_width": "50000",
    "milestones": {
      "tiers": {"5": "mid_tier_bonus", "10": "vip_night"},
      "every": 5,
      "cycle": ["mid_tier_bonus", "vip_night"]
    },
    "rewards": [
      {"category": "welcome_discount", "name": "Welcome discount",
       "description": "15% off your next treatment", "active": true, "validity_days": 30}
    ]
  }

VALIDATION:
  - Every category must be one of the closed set in loyalty.AllCategories
  - validity_days must be positive
  - Milestone tiers must be positive and map to milestone categories
  - A category may appear at most once

USAGE:
  f := factory.NewCatalogFactory()
  catalog, err := f.Load("catalog.yaml")
  err = catalog.Apply(ctx, store, clock.Now())

SEE ALSO:
  - loyalty/milestone.go: MilestonePlan
  - loyalty/types.go: RewardDefinition
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// CatalogJSON is the file representation of a catalog.
type CatalogJSON struct {
	TierWidth  string          `json:"tier_width,omitempty" yaml:"tier_width,omitempty"`
	Milestones *MilestonesJSON `json:"milestones,omitempty" yaml:"milestones,omitempty"`
	Rewards    []RewardJSON    `json:"rewards" yaml:"rewards"`
}

// MilestonesJSON represents the milestone plan. Tier keys are strings so the
// same struct decodes from JSON objects.
type MilestonesJSON struct {
	Tiers map[string]string `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Every int               `json:"every,omitempty" yaml:"every,omitempty"`
	Cycle []string          `json:"cycle,omitempty" yaml:"cycle,omitempty"`
}

// RewardJSON represents one reward definition.
type RewardJSON struct {
	Category     string `json:"category" yaml:"category"`
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	Active       *bool  `json:"active,omitempty" yaml:"active,omitempty"` // default true
	ValidityDays int    `json:"validity_days" yaml:"validity_days"`
}

// Catalog is a validated catalog.
type Catalog struct {
	TierWidth   decimal.Decimal
	Plan        loyalty.MilestonePlan
	Definitions []loyalty.RewardDefinition
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts catalog documents to Go structs.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseJSON parses a JSON catalog.
func (f *CatalogFactory) ParseJSON(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// ParseYAML parses a YAML catalog.
func (f *CatalogFactory) ParseYAML(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := yaml.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return f.FromJSON(cj)
}

// Load reads a catalog file, choosing the format by extension.
func (f *CatalogFactory) Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return f.ParseYAML(data)
	default:
		return f.ParseJSON(data)
	}
}

// FromJSON validates cj and converts it.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*Catalog, error) {
	catalog := &Catalog{
		TierWidth: loyalty.DefaultTierWidth,
		Plan:      loyalty.DefaultMilestonePlan(),
	}

	if cj.TierWidth != "" {
		w, err := decimal.NewFromString(cj.TierWidth)
		if err != nil {
			return nil, fmt.Errorf("invalid tier_width %q: %w", cj.TierWidth, err)
		}
		if !w.IsPositive() {
			return nil, fmt.Errorf("tier_width must be positive, got %s", w)
		}
		catalog.TierWidth = w
	}

	if cj.Milestones != nil {
		plan, err := parseMilestones(*cj.Milestones)
		if err != nil {
			return nil, err
		}
		catalog.Plan = plan
	}

	seen := make(map[loyalty.RewardCategory]bool)
	for _, rj := range cj.Rewards {
		def, err := parseReward(rj)
		if err != nil {
			return nil, err
		}
		if seen[def.Category] {
			return nil, fmt.Errorf("category %s defined more than once", def.Category)
		}
		seen[def.Category] = true
		catalog.Definitions = append(catalog.Definitions, def)
	}
	return catalog, nil
}

// ToJSON converts a Catalog back to its file representation.
func (f *CatalogFactory) ToJSON(c *Catalog) CatalogJSON {
	cj := CatalogJSON{TierWidth: c.TierWidth.String()}

	m := &MilestonesJSON{Every: c.Plan.Every}
	if len(c.Plan.Tiers) > 0 {
		m.Tiers = make(map[string]string, len(c.Plan.Tiers))
		for tier, cat := range c.Plan.Tiers {
			m.Tiers[strconv.Itoa(tier)] = string(cat)
		}
	}
	for _, cat := range c.Plan.Cycle {
		m.Cycle = append(m.Cycle, string(cat))
	}
	cj.Milestones = m

	for _, def := range c.Definitions {
		active := def.Active
		cj.Rewards = append(cj.Rewards, RewardJSON{
			Category:     string(def.Category),
			Name:         def.Name,
			Description:  def.Description,
			Active:       &active,
			ValidityDays: def.ValidityDays,
		})
	}
	return cj
}

// Apply saves every definition in the catalog, stamping UpdatedAt.
func (c *Catalog) Apply(ctx context.Context, store loyalty.TxStore, now time.Time) error {
	return store.WithTx(ctx, func(s loyalty.Store) error {
		for _, def := range c.Definitions {
			def.UpdatedAt = now
			if err := s.SaveDefinition(ctx, def); err != nil {
				return fmt.Errorf("save definition %s: %w", def.Category, err)
			}
		}
		return nil
	})
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseReward(rj RewardJSON) (loyalty.RewardDefinition, error) {
	category, ok := loyalty.ParseCategory(rj.Category)
	if !ok {
		return loyalty.RewardDefinition{}, fmt.Errorf("reward %q: %w", rj.Category, loyalty.ErrInvalidCategory)
	}
	if rj.ValidityDays <= 0 {
		return loyalty.RewardDefinition{}, fmt.Errorf("reward %s: validity_days must be positive", category)
	}
	name := rj.Name
	if name == "" {
		name = string(category)
	}
	active := true
	if rj.Active != nil {
		active = *rj.Active
	}
	return loyalty.RewardDefinition{
		Category:     category,
		Name:         name,
		Description:  rj.Description,
		Active:       active,
		ValidityDays: rj.ValidityDays,
	}, nil
}

func parseMilestones(mj MilestonesJSON) (loyalty.MilestonePlan, error) {
	plan := loyalty.MilestonePlan{
		Tiers: make(map[int]loyalty.RewardCategory),
		Every: mj.Every,
	}
	if mj.Every < 0 {
		return plan, fmt.Errorf("milestones.every must not be negative")
	}

	keys := make([]string, 0, len(mj.Tiers))
	for k := range mj.Tiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tier, err := strconv.Atoi(k)
		if err != nil || tier <= 0 {
			return plan, fmt.Errorf("milestone tier %q must be a positive integer", k)
		}
		cat, err := milestoneCategory(mj.Tiers[k])
		if err != nil {
			return plan, fmt.Errorf("milestone tier %d: %w", tier, err)
		}
		plan.Tiers[tier] = cat
	}

	for _, s := range mj.Cycle {
		cat, err := milestoneCategory(s)
		if err != nil {
			return plan, fmt.Errorf("milestone cycle: %w", err)
		}
		plan.Cycle = append(plan.Cycle, cat)
	}
	if plan.Every > 0 && len(plan.Cycle) == 0 {
		return plan, fmt.Errorf("milestones.every requires a non-empty cycle")
	}
	return plan, nil
}

func milestoneCategory(s string) (loyalty.RewardCategory, error) {
	cat, ok := loyalty.ParseCategory(s)
	if !ok {
		return "", fmt.Errorf("%q: %w", s, loyalty.ErrInvalidCategory)
	}
	if !cat.IsMilestoneCategory() {
		return "", fmt.Errorf("%s cannot be a milestone reward", cat)
	}
	return cat, nil
}

// =============================================================================
// DEFAULT CATALOG
// =============================================================================

// DefaultCatalogYAML is the catalog used when no file is configured.
const DefaultCatalogYAML = `
tier_width: "50000"
milestones:
  tiers:
    "5": mid_tier_bonus
    "10": vip_night
    "15": mid_tier_bonus
    "20": vip_night
  every: 5
  cycle: [mid_tier_bonus, vip_night]
rewards:
  - category: welcome_discount
    name: Welcome discount
    description: 15% off your next treatment.
    validity_days: 30
  - category: mid_tier_bonus
    name: Complimentary upgrade
    description: A free upgrade to any 90-minute treatment.
    validity_days: 60
  - category: vip_night
    name: VIP spa night
    description: A private evening with sauna, dinner and a signature massage.
    validity_days: 90
`

// DefaultCatalog parses DefaultCatalogYAML.
func DefaultCatalog() *Catalog {
	c, err := NewCatalogFactory().ParseYAML([]byte(DefaultCatalogYAML))
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return c
}
