package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/oasis-spa/loyalty-engine/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { store.Close() })
	return store
}

func newFileStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, s *sqlite.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, s.SaveCustomer(ctx, loyalty.Customer{
			ID:               loyalty.CustomerID(id),
			Name:             "Guest " + id,
			Email:            id + "@example.com",
			PreferredChannel: loyalty.ChannelEmail,
			CreatedAt:        t0,
		}))
	}
	for _, d := range []loyalty.RewardDefinition{
		{Category: loyalty.CategoryWelcomeDiscount, Name: "Welcome", Active: true, ValidityDays: 30, UpdatedAt: t0},
		{Category: loyalty.CategoryMidTierBonus, Name: "Facial", Active: true, ValidityDays: 60, UpdatedAt: t0},
		{Category: loyalty.CategoryVIPNight, Name: "VIP night", Active: true, ValidityDays: 90, UpdatedAt: t0},
	} {
		require.NoError(t, s.SaveDefinition(ctx, d))
	}
}

func grant(id, customer string, category loyalty.RewardCategory, state loyalty.GrantState, grantedAt time.Time) loyalty.RewardGrant {
	return loyalty.RewardGrant{
		ID:             loyalty.GrantID(id),
		CustomerID:     loyalty.CustomerID(customer),
		Category:       category,
		State:          state,
		TierAtGrant:    2,
		SpendAtGrant:   decimal.NewFromInt(60000),
		GrantedAt:      grantedAt,
		ExpiresAt:      grantedAt.AddDate(0, 0, 30),
		RedemptionCode: "SPA-" + id,
	}
}

// =============================================================================
// GRANTS
// =============================================================================

func TestStore_GrantRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "c-1")

	approvedAt := t0.Add(time.Hour)
	g := grant("g-1", "c-1", loyalty.CategoryWelcomeDiscount, loyalty.StateApproved, t0)
	g.TierBefore = 0
	g.ApprovedAt = &approvedAt
	g.ApprovedBy = "desk"
	g.Notes = "first visit"
	g.DeliveryAttempts = 2
	g.LastDeliveryErr = "timeout"
	g.SentVia = loyalty.ChannelEmail
	require.NoError(t, store.InsertGrant(ctx, g))

	got, err := store.GetGrant(ctx, "g-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, loyalty.StateApproved, got.State)
	assert.True(t, got.GrantedAt.Equal(t0))
	assert.True(t, got.ExpiresAt.Equal(t0.AddDate(0, 0, 30)))
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(approvedAt))
	assert.Nil(t, got.SentAt)
	assert.Equal(t, "desk", got.ApprovedBy)
	assert.Equal(t, "first visit", got.Notes)
	assert.Equal(t, 2, got.DeliveryAttempts)
	assert.Equal(t, "timeout", got.LastDeliveryErr)
	assert.Equal(t, loyalty.ChannelEmail, got.SentVia)
	assert.True(t, got.SpendAtGrant.Equal(decimal.NewFromInt(60000)))

	byCode, err := store.GetGrantByCode(ctx, "SPA-g-1")
	require.NoError(t, err)
	assert.Equal(t, g.ID, byCode.ID)

	missing, err := store.GetGrant(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_OneLiveGrantPerCategory(t *testing.T) {
	// GIVEN: A live welcome grant
	// WHEN: Inserting a second live welcome grant for the same customer
	// THEN: The partial unique index rejects it; terminal states are not constrained

	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "c-1")

	require.NoError(t, store.InsertGrant(ctx, grant("g-1", "c-1", loyalty.CategoryWelcomeDiscount, loyalty.StatePendingApproval, t0)))

	err := store.InsertGrant(ctx, grant("g-2", "c-1", loyalty.CategoryWelcomeDiscount, loyalty.StateApproved, t0))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateActiveGrant)

	require.NoError(t, store.InsertGrant(ctx, grant("g-3", "c-1", loyalty.CategoryWelcomeDiscount, loyalty.StateCancelled, t0)))
	require.NoError(t, store.InsertGrant(ctx, grant("g-4", "c-1", loyalty.CategoryMidTierBonus, loyalty.StatePendingApproval, t0)))
}

func TestStore_DuplicateRedemptionCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "c-1", "c-2")

	a := grant("g-1", "c-1", loyalty.CategoryWelcomeDiscount, loyalty.StatePendingApproval, t0)
	b := grant("g-2", "c-2", loyalty.CategoryWelcomeDiscount, loyalty.StatePendingApproval, t0)
	b.RedemptionCode = a.RedemptionCode
	require.NoError(t, store.InsertGrant(ctx, a))
	assert.ErrorIs(t, store.InsertGrant(ctx, b), loyalty.ErrDuplicateRedemptionCode)
}

func TestStore_GrantQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "c-1", "c-2")

	require.NoError(t, store.InsertGrant(ctx, grant("late", "c-1", loyalty.CategoryWelcomeDiscount, loyalty.StateApproved, t0.Add(2*time.Hour))))
	require.NoError(t, store.InsertGrant(ctx, grant("early", "c-2", loyalty.CategoryWelcomeDiscount, loyalty.StateApproved, t0)))
	require.NoError(t, store.InsertGrant(ctx, grant("sent", "c-1", loyalty.CategoryMidTierBonus, loyalty.StateSent, t0)))
	require.NoError(t, store.InsertGrant(ctx, grant("pending", "c-1", loyalty.CategoryVIPNight, loyalty.StatePendingApproval, t0)))

	approved, err := store.GrantsByState(ctx, loyalty.StateApproved, 0)
	require.NoError(t, err)
	require.Len(t, approved, 2)
	assert.Equal(t, loyalty.GrantID("early"), approved[0].ID, "oldest first")

	limited, err := store.GrantsByState(ctx, loyalty.StateApproved, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	live, err := store.LiveGrants(ctx, "c-1", loyalty.CategoryMidTierBonus)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	mine, err := store.GrantsByCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	deliverable, err := store.DeliverableGrants(ctx, t0.AddDate(0, 0, 30).Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, deliverable, 1, "early is past expiry, sent is not approved")
	assert.Equal(t, loyalty.GrantID("late"), deliverable[0].ID)

	deliverable, err = store.DeliverableGrants(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, deliverable, 1)
	assert.Equal(t, loyalty.GrantID("early"), deliverable[0].ID)

	expirable, err := store.ExpirableGrants(ctx, t0.AddDate(0, 0, 31))
	require.NoError(t, err)
	ids := make([]loyalty.GrantID, 0, len(expirable))
	for _, g := range expirable {
		ids = append(ids, g.ID)
	}
	assert.ElementsMatch(t, []loyalty.GrantID{"early", "late", "sent"}, ids)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "c-1")
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s loyalty.Store) error {
		if err := s.InsertGrant(ctx, grant("g-1", "c-1", loyalty.CategoryWelcomeDiscount, loyalty.StatePendingApproval, t0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetGrant(ctx, "g-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// SPEND
// =============================================================================

func TestStore_LiveTransactions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "c-1")

	tx := loyalty.LiveSpendRecord{ID: "tx-1", CustomerID: "c-1", Date: t0, Amount: decimal.RequireFromString("1250.50"), Category: "massage", PaymentState: loyalty.PaymentPending}
	require.NoError(t, store.RecordLiveTransaction(ctx, tx))
	assert.ErrorIs(t, store.RecordLiveTransaction(ctx, tx), loyalty.ErrDuplicateTransaction)

	tx.ID, tx.CustomerID = "tx-2", "ghost"
	assert.ErrorIs(t, store.RecordLiveTransaction(ctx, tx), loyalty.ErrCustomerNotFound)

	updated, err := store.UpdatePaymentState(ctx, "tx-1", loyalty.PaymentPartial)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, loyalty.PaymentPartial, updated.PaymentState)
	assert.True(t, updated.Amount.Equal(decimal.RequireFromString("1250.5")))

	unknown, err := store.UpdatePaymentState(ctx, "nope", loyalty.PaymentPaid)
	require.NoError(t, err)
	assert.Nil(t, unknown)

	live, err := store.LiveSpend(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "massage", live[0].Category)
}

func TestStore_ImportHistoricalIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rows := []loyalty.HistoricalSpendRecord{
		{ID: "a-1", CustomerID: "c-1", Date: time.Date(2021, 6, 12, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(180000)},
		{ID: "a-2", CustomerID: "c-1", Date: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(999), IsSynthetic: true},
	}

	n, err := store.ImportHistorical(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.ImportHistorical(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	hist, err := store.HistoricalSpend(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "a-1", hist[0].ID, "newest first")
	assert.True(t, hist[1].IsSynthetic)
}

func TestStore_DroppedArchiveIsUnavailable(t *testing.T) {
	// GIVEN: A database whose historical_spend table is dropped while running
	// WHEN: Reading archive spend and evaluating a customer
	// THEN: The archive reports unavailable and evaluation uses live spend only

	path := filepath.Join(t.TempDir(), "loyalty.db")
	store := newFileStore(t, path)
	ctx := context.Background()
	seed(t, store, "c-1")
	_, err := store.ImportHistorical(ctx, []loyalty.HistoricalSpendRecord{
		{ID: "a-1", CustomerID: "c-1", Date: t0.AddDate(-3, 0, 0), Amount: decimal.NewFromInt(180000)},
	})
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`DROP TABLE historical_spend`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = store.HistoricalSpend(ctx, "c-1")
	assert.ErrorIs(t, err, loyalty.ErrSourceUnavailable)

	engine := loyalty.NewEngine(store, nil, loyalty.EngineOptions{Clock: loyalty.NewFakeClock(t0)})
	ev, err := engine.RecordTransaction(ctx, loyalty.LiveSpendRecord{
		ID: "tx-1", CustomerID: "c-1", Date: t0, Amount: decimal.NewFromInt(10000), PaymentState: loyalty.PaymentPaid,
	})
	require.NoError(t, err)
	assert.True(t, ev.Summary.HistoricalUnavailable)
	assert.Equal(t, 1, ev.TierAfter)
}

func TestStore_CorruptAmountIsAnError(t *testing.T) {
	// GIVEN: Stored amounts that no longer parse as decimals
	// WHEN: Reading spend or evaluating the customer
	// THEN: Reads fail loudly instead of counting the row as zero

	path := filepath.Join(t.TempDir(), "loyalty.db")
	store := newFileStore(t, path)
	ctx := context.Background()
	seed(t, store, "c-1")
	require.NoError(t, store.RecordLiveTransaction(ctx, loyalty.LiveSpendRecord{
		ID: "tx-1", CustomerID: "c-1", Date: t0, Amount: decimal.NewFromInt(60000), PaymentState: loyalty.PaymentPaid,
	}))
	_, err := store.ImportHistorical(ctx, []loyalty.HistoricalSpendRecord{
		{ID: "a-1", CustomerID: "c-1", Date: t0.AddDate(-1, 0, 0), Amount: decimal.NewFromInt(1000)},
	})
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE live_transactions SET amount = '60,000' WHERE id = 'tx-1'`)
	require.NoError(t, err)
	_, err = raw.Exec(`UPDATE historical_spend SET amount = 'n/a' WHERE id = 'a-1'`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = store.LiveSpend(ctx, "c-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx-1")

	_, err = store.HistoricalSpend(ctx, "c-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, loyalty.ErrSourceUnavailable)

	engine := loyalty.NewEngine(store, nil, loyalty.EngineOptions{Clock: loyalty.NewFakeClock(t0)})
	_, err = engine.Evaluator.Evaluate(ctx, "c-1")
	assert.Error(t, err)
	history, err := store.TierHistory(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_AddsColumnsToOlderDatabase(t *testing.T) {
	// GIVEN: A database created before tier_history.notes and reward_grants.sent_via existed
	// WHEN: Opening it
	// THEN: The columns are added and round-trip

	path := filepath.Join(t.TempDir(), "loyalty.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE tier_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			customer_id TEXT NOT NULL,
			tier_from INTEGER NOT NULL,
			tier_to INTEGER NOT NULL,
			spend_at_change TEXT NOT NULL,
			changed_at TEXT NOT NULL,
			reward_grant_id TEXT
		)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	store := newFileStore(t, path)
	ctx := context.Background()
	require.NoError(t, store.AppendTierHistory(ctx, loyalty.TierHistoryEntry{
		ID: "h-1", CustomerID: "c-1", TierTo: 6, SpendAtChange: decimal.NewFromInt(260000), ChangedAt: t0, Notes: "welcome grant g-2",
	}))
	history, err := store.TierHistory(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "welcome grant g-2", history[0].Notes)

	// Reopening is a no-op.
	newFileStore(t, path)
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestStore_EngineBothGrantsInOneChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "c-1")
	engine := loyalty.NewEngine(store, nil, loyalty.EngineOptions{Clock: loyalty.NewFakeClock(t0)})

	ev, err := engine.RecordTransaction(ctx, loyalty.LiveSpendRecord{
		ID: "tx-1", CustomerID: "c-1", Date: t0, Amount: decimal.NewFromInt(260000), PaymentState: loyalty.PaymentPaid,
	})
	require.NoError(t, err)
	require.NotNil(t, ev.MilestoneGrant)
	require.NotNil(t, ev.WelcomeGrant)

	history, err := store.TierHistory(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].RewardGrantID)
	assert.Equal(t, ev.MilestoneGrant.ID, *history[0].RewardGrantID)
	assert.Contains(t, history[0].Notes, string(ev.WelcomeGrant.ID))
}

func TestStore_EngineTierFlapDoesNotRegrant(t *testing.T) {
	// GIVEN: A redeemed mid-tier bonus from crossing milestone 5
	// WHEN: The crossing payment is cancelled and paid again
	// THEN: The customer still holds exactly one mid-tier grant

	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "marta")
	engine := loyalty.NewEngine(store, nil, loyalty.EngineOptions{Clock: loyalty.NewFakeClock(t0)})
	_, err := engine.ImportHistorical(ctx, []loyalty.HistoricalSpendRecord{
		{ID: "a-1", CustomerID: "marta", Date: time.Date(2021, 6, 12, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(180000)},
	})
	require.NoError(t, err)
	_, err = engine.Evaluator.Evaluate(ctx, "marta")
	require.NoError(t, err)
	ev, err := engine.RecordTransaction(ctx, loyalty.LiveSpendRecord{
		ID: "tx-1", CustomerID: "marta", Date: t0, Amount: decimal.NewFromInt(80000), PaymentState: loyalty.PaymentPaid,
	})
	require.NoError(t, err)
	require.NotNil(t, ev.MilestoneGrant)
	_, err = engine.Ledger.Approve(ctx, ev.MilestoneGrant.ID, "desk")
	require.NoError(t, err)
	_, err = engine.Ledger.Redeem(ctx, ev.MilestoneGrant.RedemptionCode, "")
	require.NoError(t, err)

	_, _, err = engine.UpdatePaymentState(ctx, "tx-1", loyalty.PaymentCancelled)
	require.NoError(t, err)
	_, up, err := engine.UpdatePaymentState(ctx, "tx-1", loyalty.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, 6, up.TierAfter)
	assert.Nil(t, up.MilestoneGrant)

	grants, err := store.GrantsByCustomer(ctx, "marta")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestStore_ConcurrentEvaluationAcrossProcesses(t *testing.T) {
	// GIVEN: Two engines on separate stores sharing one database file, and a
	//        $260,000 first purchase stored without evaluation
	// WHEN: Twenty goroutines split across both engines evaluate the customer
	// THEN: No call fails, one history row is written, and exactly the
	//       welcome and mid-tier grants exist

	path := filepath.Join(t.TempDir(), "loyalty.db")
	a := newFileStore(t, path)
	b := newFileStore(t, path)
	ctx := context.Background()
	seed(t, a, "c-1")
	require.NoError(t, a.RecordLiveTransaction(ctx, loyalty.LiveSpendRecord{
		ID: "tx-1", CustomerID: "c-1", Date: t0, Amount: decimal.NewFromInt(260000), PaymentState: loyalty.PaymentPaid,
	}))

	clock := loyalty.NewFakeClock(t0)
	engines := []*loyalty.Engine{
		loyalty.NewEngine(a, nil, loyalty.EngineOptions{Clock: clock}),
		loyalty.NewEngine(b, nil, loyalty.EngineOptions{Clock: clock}),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(e *loyalty.Engine) {
			defer wg.Done()
			if _, err := e.Evaluator.Evaluate(ctx, "c-1"); err != nil {
				errs <- err
			}
		}(engines[i%2])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("evaluate: %v", err)
	}
	history, err := a.TierHistory(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	grants, err := b.GrantsByCustomer(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.ElementsMatch(t,
		[]loyalty.RewardCategory{loyalty.CategoryWelcomeDiscount, loyalty.CategoryMidTierBonus},
		[]loyalty.RewardCategory{grants[0].Category, grants[1].Category})
}

func TestStore_EngineMilestoneCrossing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "marta")
	engine := loyalty.NewEngine(store, nil, loyalty.EngineOptions{Clock: loyalty.NewFakeClock(t0)})

	_, err := engine.ImportHistorical(ctx, []loyalty.HistoricalSpendRecord{
		{ID: "a-1", CustomerID: "marta", Date: time.Date(2021, 6, 12, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(180000)},
	})
	require.NoError(t, err)
	_, err = engine.Evaluator.Evaluate(ctx, "marta")
	require.NoError(t, err)

	ev, err := engine.RecordTransaction(ctx, loyalty.LiveSpendRecord{
		ID: "tx-1", CustomerID: "marta", Date: t0, Amount: decimal.NewFromInt(80000), PaymentState: loyalty.PaymentPaid,
	})
	require.NoError(t, err)
	require.NotNil(t, ev.MilestoneGrant)
	assert.Equal(t, loyalty.CategoryMidTierBonus, ev.MilestoneGrant.Category)

	history, err := store.TierHistory(ctx, "marta")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 4, history[0].TierTo)
	assert.Equal(t, 6, history[1].TierTo)
	require.NotNil(t, history[1].RewardGrantID)
	assert.Equal(t, ev.MilestoneGrant.ID, *history[1].RewardGrantID)

	last, err := store.LastTierEntry(ctx, "marta")
	require.NoError(t, err)
	assert.Equal(t, history[1].ID, last.ID)

	again, err := engine.Evaluator.Evaluate(ctx, "marta")
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

// =============================================================================
// COOLDOWN
// =============================================================================

func TestStore_AcquireSendSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cooldown := 30 * time.Minute

	ok, _, err := store.AcquireSendSlot(ctx, "email", t0, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, wait, err := store.AcquireSendSlot(ctx, "email", t0.Add(10*time.Minute), cooldown)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 20*time.Minute, wait)

	ok, _, err = store.AcquireSendSlot(ctx, "whatsapp", t0.Add(10*time.Minute), cooldown)
	require.NoError(t, err)
	assert.True(t, ok, "channels are independent")

	ok, _, err = store.AcquireSendSlot(ctx, "email", t0.Add(cooldown), cooldown)
	require.NoError(t, err)
	assert.True(t, ok)

	last, err := store.LastSend(ctx, "email")
	require.NoError(t, err)
	assert.True(t, last.Equal(t0.Add(cooldown)))
}

func TestStore_CooldownSharedAcrossProcesses(t *testing.T) {
	// GIVEN: Two stores opened on the same database file
	// WHEN: The first claims the email slot
	// THEN: The second sees the slot taken until the window passes

	path := filepath.Join(t.TempDir(), "loyalty.db")
	a := newFileStore(t, path)
	b := newFileStore(t, path)
	ctx := context.Background()

	ok, _, err := a.AcquireSendSlot(ctx, "email", t0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = b.AcquireSendSlot(ctx, "email", t0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = b.AcquireSendSlot(ctx, "email", t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
