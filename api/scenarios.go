/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with customers,
	spend and grants demonstrating the engine's main rules end to end.

AVAILABLE SCENARIOS:

	first-purchase:     $0 history, first purchase of $60,000 -> tier 2,
	                    welcome grant pending approval, no milestone grant
	milestone-crossing: archive spend $180,000 (tier 4), purchase to
	                    $260,000 -> tier 6, crosses milestone 5, mid-tier
	                    bonus granted and referenced by the 4->6 history entry
	grant-expiry:       30-day grants issued 30 and 31 days ago; the first
	                    redeems, the second is rejected as expired

HOW SCENARIOS WORK:
 1. Create fresh customers (ids carry a random suffix, so loading twice
    never collides with earlier data)
 2. Feed spend through the engine exactly as live intake would
 3. Return what was created so a UI can link to it

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "milestone-crossing"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to runScenario

NOTE:

	Scenarios write real rows. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Endpoint helpers
  - loyalty/engine.go: RecordTransaction, ImportHistorical
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	ScenarioFirstPurchase     = "first-purchase"
	ScenarioMilestoneCrossing = "milestone-crossing"
	ScenarioGrantExpiry       = "grant-expiry"
)

var errUnknownScenario = errors.New("unknown scenario")

var scenarios = []ScenarioDTO{
	{
		ID:          ScenarioFirstPurchase,
		Name:        "First Purchase",
		Description: "New customer spends $60,000 on a first visit: tier 0 -> 2, welcome discount pending approval",
	},
	{
		ID:          ScenarioMilestoneCrossing,
		Name:        "Milestone Crossing",
		Description: "Archive spend $180,000 plus a $80,000 purchase: tier 4 -> 6 crosses milestone 5",
	},
	{
		ID:          ScenarioGrantExpiry,
		Name:        "Grant Expiry",
		Description: "30-day grants on day 30 (redeemable) and day 31 (expired)",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.runScenario(r.Context(), req.ScenarioID)
	if err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		h.writeFailure(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) runScenario(ctx context.Context, id string) (*ScenarioResult, error) {
	var (
		res *ScenarioResult
		err error
	)
	switch id {
	case ScenarioFirstPurchase:
		res, err = h.loadFirstPurchaseScenario(ctx)
	case ScenarioMilestoneCrossing:
		res, err = h.loadMilestoneCrossingScenario(ctx)
	case ScenarioGrantExpiry:
		res, err = h.loadGrantExpiryScenario(ctx)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownScenario, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	for _, s := range scenarios {
		if s.ID == id {
			res.Scenario = s
		}
	}
	return res, nil
}

// =============================================================================
// LOADERS
// =============================================================================

// loadFirstPurchaseScenario: a single $60,000 paid purchase from a customer
// with no history.
func (h *Handler) loadFirstPurchaseScenario(ctx context.Context) (*ScenarioResult, error) {
	c, err := h.scenarioCustomer(ctx, "first", "Lucia First-Visit")
	if err != nil {
		return nil, err
	}
	ev, err := h.Engine.RecordTransaction(ctx, loyalty.LiveSpendRecord{
		ID:           "tx-" + string(c.ID),
		CustomerID:   c.ID,
		Date:         h.Engine.Clock.Now(),
		Amount:       decimal.NewFromInt(60000),
		Category:     "treatment",
		PaymentState: loyalty.PaymentPaid,
	})
	if err != nil {
		return nil, err
	}

	res := &ScenarioResult{CustomerIDs: []string{string(c.ID)}}
	if dto := toEvaluationDTO(ev); dto != nil {
		res.Evaluations = append(res.Evaluations, *dto)
	}
	if ev != nil && ev.WelcomeGrant != nil {
		res.Grants = append(res.Grants, toGrantDTO(*ev.WelcomeGrant))
	}
	return res, nil
}

// loadMilestoneCrossingScenario: archive spend puts the customer at tier 4,
// then a live purchase lifts them to tier 6.
func (h *Handler) loadMilestoneCrossingScenario(ctx context.Context) (*ScenarioResult, error) {
	c, err := h.scenarioCustomer(ctx, "regular", "Marta Regular")
	if err != nil {
		return nil, err
	}
	res := &ScenarioResult{CustomerIDs: []string{string(c.ID)}}

	archive := []loyalty.HistoricalSpendRecord{{
		ID:         "arch-" + string(c.ID) + "-1",
		CustomerID: c.ID,
		Date:       time.Date(2021, 6, 12, 0, 0, 0, 0, time.UTC),
		Amount:     decimal.NewFromInt(180000),
		Category:   "membership",
	}}
	if !h.Engine.Placeholder.IsZero() {
		// Migrated row with an unknown date; it must not count.
		archive = append(archive, loyalty.HistoricalSpendRecord{
			ID:         "arch-" + string(c.ID) + "-legacy",
			CustomerID: c.ID,
			Date:       h.Engine.Placeholder,
			Amount:     decimal.NewFromInt(999999),
			Category:   "legacy",
		})
		res.Notes = append(res.Notes, "placeholder-dated archive row of 999999 imported as synthetic and excluded from spend")
	}
	if _, err := h.Engine.ImportHistorical(ctx, archive); err != nil {
		return nil, err
	}

	first, err := h.Engine.Evaluator.Evaluate(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	res.Evaluations = append(res.Evaluations, *toEvaluationDTO(first))

	second, err := h.Engine.RecordTransaction(ctx, loyalty.LiveSpendRecord{
		ID:           "tx-" + string(c.ID),
		CustomerID:   c.ID,
		Date:         h.Engine.Clock.Now(),
		Amount:       decimal.NewFromInt(80000),
		Category:     "treatment",
		PaymentState: loyalty.PaymentPaid,
	})
	if err != nil {
		return nil, err
	}
	if dto := toEvaluationDTO(second); dto != nil {
		res.Evaluations = append(res.Evaluations, *dto)
	}
	if second != nil && second.MilestoneGrant != nil {
		res.Grants = append(res.Grants, toGrantDTO(*second.MilestoneGrant))
	}
	return res, nil
}

// loadGrantExpiryScenario issues welcome grants backdated to day 30 and day
// 31 of their validity, approves both, then tries to redeem both today.
func (h *Handler) loadGrantExpiryScenario(ctx context.Context) (*ScenarioResult, error) {
	def, err := h.Engine.Backend.GetDefinition(ctx, loyalty.CategoryWelcomeDiscount)
	if err != nil {
		return nil, err
	}
	if def == nil || !def.Active {
		return nil, fmt.Errorf("welcome discount: %w", loyalty.ErrDefinitionUnavailable)
	}
	days := def.ValidityDays
	now := h.Engine.Clock.Now()
	res := &ScenarioResult{}

	cases := []struct {
		suffix string
		name   string
		issued time.Time
	}{
		// An hour inside the window so the redeem below still falls on the last valid day.
		{"day30", "Ana Day-Thirty", now.AddDate(0, 0, -days).Add(time.Hour)},
		{"day31", "Bea Day-Thirty-One", now.AddDate(0, 0, -(days + 1))},
	}
	for _, tc := range cases {
		c, err := h.scenarioCustomer(ctx, tc.suffix, tc.name)
		if err != nil {
			return nil, err
		}
		res.CustomerIDs = append(res.CustomerIDs, string(c.ID))

		past := loyalty.NewRewardLedger(h.Engine.Backend, loyalty.NewFakeClock(tc.issued), h.Log)
		g, err := past.Grant(ctx, loyalty.GrantRequest{
			CustomerID: c.ID,
			Category:   loyalty.CategoryWelcomeDiscount,
			Notes:      "demo grant issued " + tc.issued.Format("2006-01-02"),
		})
		if err != nil {
			return nil, err
		}
		if _, err := past.Approve(ctx, g.ID, "scenario"); err != nil {
			return nil, err
		}

		used, err := h.Engine.Ledger.Redeem(ctx, g.RedemptionCode, "scenario-redeem")
		switch {
		case err == nil:
			res.Grants = append(res.Grants, toGrantDTO(*used))
			res.Notes = append(res.Notes, fmt.Sprintf("%s: redeemed %s", tc.suffix, g.RedemptionCode))
		case loyalty.IsRejection(err):
			current, gerr := h.Engine.Backend.GetGrant(ctx, g.ID)
			if gerr != nil {
				return nil, gerr
			}
			res.Grants = append(res.Grants, toGrantDTO(*current))
			res.Notes = append(res.Notes, fmt.Sprintf("%s: redeem rejected: %v", tc.suffix, err))
		default:
			return nil, err
		}
	}
	return res, nil
}

func (h *Handler) scenarioCustomer(ctx context.Context, tag, name string) (*loyalty.Customer, error) {
	c := loyalty.Customer{
		ID:               loyalty.CustomerID(fmt.Sprintf("demo-%s-%s", tag, uuid.NewString()[:8])),
		Name:             name,
		Email:            tag + "@example.com",
		PreferredChannel: loyalty.ChannelLog,
		CreatedAt:        h.Engine.Clock.Now(),
	}
	if err := h.Engine.Backend.SaveCustomer(ctx, c); err != nil {
		return nil, fmt.Errorf("save customer: %w", err)
	}
	return &c, nil
}
