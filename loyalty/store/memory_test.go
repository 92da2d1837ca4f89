package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/oasis-spa/loyalty-engine/loyalty/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

func liveGrant(id, customer string, category loyalty.RewardCategory) loyalty.RewardGrant {
	return loyalty.RewardGrant{
		ID:             loyalty.GrantID(id),
		CustomerID:     loyalty.CustomerID(customer),
		Category:       category,
		State:          loyalty.StatePendingApproval,
		GrantedAt:      t0,
		ExpiresAt:      t0.AddDate(0, 0, 30),
		RedemptionCode: "SPA-" + id,
	}
}

func TestMemory_WithTxRestoresSnapshotOnError(t *testing.T) {
	// GIVEN: A transaction that inserts a grant and a history entry, then fails
	// WHEN: WithTx returns
	// THEN: Neither write is visible

	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s loyalty.Store) error {
		require.NoError(t, s.InsertGrant(ctx, liveGrant("g-1", "c-1", loyalty.CategoryWelcomeDiscount)))
		require.NoError(t, s.AppendTierHistory(ctx, loyalty.TierHistoryEntry{ID: "h-1", CustomerID: "c-1", TierTo: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	g, err := m.GetGrant(ctx, "g-1")
	require.NoError(t, err)
	assert.Nil(t, g)
	last, err := m.LastTierEntry(ctx, "c-1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestMemory_OneLiveGrantPerCategory(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.InsertGrant(ctx, liveGrant("g-1", "c-1", loyalty.CategoryWelcomeDiscount)))
	assert.ErrorIs(t, m.InsertGrant(ctx, liveGrant("g-2", "c-1", loyalty.CategoryWelcomeDiscount)), loyalty.ErrDuplicateActiveGrant)

	dupCode := liveGrant("g-3", "c-2", loyalty.CategoryWelcomeDiscount)
	dupCode.RedemptionCode = "SPA-g-1"
	assert.ErrorIs(t, m.InsertGrant(ctx, dupCode), loyalty.ErrDuplicateRedemptionCode)

	done := liveGrant("g-4", "c-1", loyalty.CategoryWelcomeDiscount)
	done.State = loyalty.StateUsed
	assert.NoError(t, m.InsertGrant(ctx, done))
}

func TestMemory_UpdateUnknownGrant(t *testing.T) {
	m := store.NewMemory()
	err := m.UpdateGrant(context.Background(), liveGrant("ghost", "c-1", loyalty.CategoryVIPNight))
	assert.ErrorIs(t, err, loyalty.ErrGrantNotFound)
}

func TestMemory_HistoricalAvailability(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_, err := m.ImportHistorical(ctx, []loyalty.HistoricalSpendRecord{
		{ID: "a-1", CustomerID: "c-1", Date: t0, Amount: decimal.NewFromInt(10)},
	})
	require.NoError(t, err)

	rows, err := m.HistoricalSpend(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	m.SetHistoricalAvailable(false)
	_, err = m.HistoricalSpend(ctx, "c-1")
	assert.ErrorIs(t, err, loyalty.ErrSourceUnavailable)
}

func TestMemory_Customers(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveCustomer(ctx, loyalty.Customer{ID: "b", Name: "B"}))
	require.NoError(t, m.SaveCustomer(ctx, loyalty.Customer{ID: "a", Name: "A"}))
	require.NoError(t, m.SaveCustomer(ctx, loyalty.Customer{ID: "b", Name: "B2"}))

	ids, err := m.ListCustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.CustomerID{"b", "a"}, ids, "insertion order, updates keep position")

	c, err := m.GetCustomer(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "B2", c.Name)

	missing, err := m.GetCustomer(ctx, "z")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_SendSlot(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	ok, _, err := m.AcquireSendSlot(ctx, "log", t0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, wait, err := m.AcquireSendSlot(ctx, "log", t0.Add(15*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 45*time.Second, wait)

	last, err := m.LastSend(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, t0, last)
}
