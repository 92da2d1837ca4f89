/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Each scenario must leave the store in the state its description
	promises, so scenarios double as end-to-end checks of the engine.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_FirstPurchase(t *testing.T) {
	// GIVEN: A fresh store
	// WHEN: Loading the first-purchase scenario
	// THEN: One customer at tier 2 holding a pending welcome grant

	a := setupTestAPI(t)
	res, err := a.handler.runScenario(context.Background(), ScenarioFirstPurchase)
	require.NoError(t, err)

	require.Len(t, res.CustomerIDs, 1)
	require.Len(t, res.Evaluations, 1)
	assert.Equal(t, 2, res.Evaluations[0].TierAfter)
	require.Len(t, res.Grants, 1)
	assert.Equal(t, "welcome_discount", res.Grants[0].Category)
	assert.Equal(t, "pending_approval", res.Grants[0].State)
	assert.Equal(t, ScenarioFirstPurchase, res.Scenario.ID)
}

func TestScenario_MilestoneCrossing(t *testing.T) {
	// GIVEN: A fresh store with a placeholder date configured
	// WHEN: Loading the milestone-crossing scenario
	// THEN: Archive spend lands at tier 4 with no grant, the purchase moves
	//       the customer to tier 6 with a mid-tier bonus, and the placeholder
	//       row is ignored

	a := setupTestAPI(t)
	res, err := a.handler.runScenario(context.Background(), ScenarioMilestoneCrossing)
	require.NoError(t, err)

	require.Len(t, res.Evaluations, 2)
	first, second := res.Evaluations[0], res.Evaluations[1]
	assert.Equal(t, 4, first.TierAfter)
	assert.Nil(t, first.WelcomeGrant, "archive spend rules out a welcome grant")
	assert.Nil(t, first.MilestoneGrant)
	assert.Equal(t, "180000", first.TotalCombined.String())

	assert.Equal(t, 4, second.TierBefore)
	assert.Equal(t, 6, second.TierAfter)
	assert.Equal(t, 5, second.MilestoneTier)
	require.NotNil(t, second.History)
	require.NotNil(t, second.History.RewardGrantID)

	require.Len(t, res.Grants, 1)
	assert.Equal(t, "mid_tier_bonus", res.Grants[0].Category)
	assert.Equal(t, res.Grants[0].ID, *second.History.RewardGrantID)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "synthetic")
}

func TestScenario_GrantExpiry(t *testing.T) {
	// GIVEN: Welcome grants issued 30 and 31 days ago, both approved
	// WHEN: Redeeming both today
	// THEN: The day-30 grant is used and the day-31 grant is rejected

	a := setupTestAPI(t)
	res, err := a.handler.runScenario(context.Background(), ScenarioGrantExpiry)
	require.NoError(t, err)

	require.Len(t, res.CustomerIDs, 2)
	require.Len(t, res.Grants, 2)
	assert.Equal(t, "used", res.Grants[0].State)
	assert.Equal(t, "approved", res.Grants[1].State)
	require.Len(t, res.Notes, 2)
	assert.True(t, strings.HasPrefix(res.Notes[0], "day30: redeemed"), res.Notes[0])
	assert.Contains(t, res.Notes[1], "redeem rejected")
}

func TestScenario_LoadTwiceUsesFreshCustomers(t *testing.T) {
	a := setupTestAPI(t)
	ctx := context.Background()

	first, err := a.handler.runScenario(ctx, ScenarioFirstPurchase)
	require.NoError(t, err)
	second, err := a.handler.runScenario(ctx, ScenarioFirstPurchase)
	require.NoError(t, err)

	assert.NotEqual(t, first.CustomerIDs[0], second.CustomerIDs[0])
	require.Len(t, second.Grants, 1, "each load starts from a customer with no history")
}

func TestScenario_HTTP(t *testing.T) {
	a := setupTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), 3)

	rec = a.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	rec = a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "office-party"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: ScenarioGrantExpiry})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, ScenarioGrantExpiry, decode[ScenarioDTO](t, rec).ID)
}
