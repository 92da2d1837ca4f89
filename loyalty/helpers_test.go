package loyalty_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/oasis-spa/loyalty-engine/loyalty/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	store    *store.Memory
	clock    *loyalty.FakeClock
	notifier *recordingNotifier
	engine   *loyalty.Engine
	logs     *observer.ObservedLogs
}

type fixtureOption func(*loyalty.EngineOptions)

func withDelivery(cfg loyalty.DeliveryConfig) fixtureOption {
	return func(o *loyalty.EngineOptions) { o.Delivery = cfg }
}

func withPlaceholder(d time.Time) fixtureOption {
	return func(o *loyalty.EngineOptions) { o.Placeholder = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	f := &fixture{
		ctx:      context.Background(),
		store:    store.NewMemory(),
		clock:    loyalty.NewFakeClock(t0),
		notifier: &recordingNotifier{},
		logs:     logs,
	}
	seedDefinitions(t, f.store)

	o := loyalty.EngineOptions{Clock: f.clock, Log: zap.New(core)}
	for _, opt := range opts {
		opt(&o)
	}
	f.engine = loyalty.NewEngine(f.store, f.notifier, o)
	return f
}

func seedDefinitions(t *testing.T, s *store.Memory) {
	t.Helper()
	defs := []loyalty.RewardDefinition{
		{Category: loyalty.CategoryWelcomeDiscount, Name: "Welcome 15% off", Description: "15% off your next treatment.", Active: true, ValidityDays: 30},
		{Category: loyalty.CategoryMidTierBonus, Name: "Complimentary facial", Description: "A 30-minute facial on us.", Active: true, ValidityDays: 60},
		{Category: loyalty.CategoryVIPNight, Name: "VIP spa night", Description: "An evening with the whole spa to yourself.", Active: true, ValidityDays: 90},
	}
	for _, d := range defs {
		require.NoError(t, s.SaveDefinition(context.Background(), d))
	}
}

func (f *fixture) customer(t *testing.T, id string, channel loyalty.Channel) loyalty.CustomerID {
	t.Helper()
	c := loyalty.Customer{
		ID:               loyalty.CustomerID(id),
		Name:             "Guest " + id,
		Email:            id + "@example.com",
		Phone:            "+34600000000",
		PreferredChannel: channel,
		CreatedAt:        f.clock.Now(),
	}
	require.NoError(t, f.store.SaveCustomer(f.ctx, c))
	return c.ID
}

func (f *fixture) pay(t *testing.T, customer loyalty.CustomerID, txID string, amount int64) *loyalty.Evaluation {
	t.Helper()
	ev, err := f.engine.RecordTransaction(f.ctx, liveTx(customer, txID, amount, loyalty.PaymentPaid, f.clock.Now()))
	require.NoError(t, err)
	return ev
}

func (f *fixture) archive(t *testing.T, customer loyalty.CustomerID, rowID string, amount int64, date time.Time) {
	t.Helper()
	_, err := f.engine.ImportHistorical(f.ctx, []loyalty.HistoricalSpendRecord{{
		ID:         rowID,
		CustomerID: customer,
		Date:       date,
		Amount:     decimal.NewFromInt(amount),
		Category:   "membership",
	}})
	require.NoError(t, err)
}

func (f *fixture) grants(t *testing.T, customer loyalty.CustomerID) []loyalty.RewardGrant {
	t.Helper()
	gs, err := f.store.GrantsByCustomer(f.ctx, customer)
	require.NoError(t, err)
	return gs
}

func (f *fixture) history(t *testing.T, customer loyalty.CustomerID) []loyalty.TierHistoryEntry {
	t.Helper()
	h, err := f.store.TierHistory(f.ctx, customer)
	require.NoError(t, err)
	return h
}

func (f *fixture) grant(t *testing.T, id loyalty.GrantID) *loyalty.RewardGrant {
	t.Helper()
	g, err := f.store.GetGrant(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

func liveTx(customer loyalty.CustomerID, id string, amount int64, state loyalty.PaymentState, at time.Time) loyalty.LiveSpendRecord {
	return loyalty.LiveSpendRecord{
		ID:           id,
		CustomerID:   customer,
		Date:         at,
		Amount:       decimal.NewFromInt(amount),
		Category:     "treatment",
		PaymentState: state,
	}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// =============================================================================
// FAKE NOTIFIER
// =============================================================================

type sentMessage struct {
	Channel  loyalty.Channel
	Customer loyalty.CustomerID
	Message  loyalty.Message
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	// routes maps a requested channel to the transport carrying it. Nil
	// means every channel carries itself.
	routes map[loyalty.Channel]loyalty.Channel
}

func (n *recordingNotifier) Resolve(channel loyalty.Channel) (loyalty.Channel, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.routes == nil {
		return channel, true
	}
	transport, ok := n.routes[channel]
	return transport, ok
}

func (n *recordingNotifier) route(routes map[loyalty.Channel]loyalty.Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = routes
}

func (n *recordingNotifier) Send(_ context.Context, channel loyalty.Channel, to loyalty.Customer, msg loyalty.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{Channel: channel, Customer: to.ID, Message: msg})
	return nil
}

func (n *recordingNotifier) failWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

// =============================================================================
// FAKE SOURCES
// =============================================================================

type staticLive []loyalty.LiveSpendRecord

func (s staticLive) LiveSpend(_ context.Context, id loyalty.CustomerID) ([]loyalty.LiveSpendRecord, error) {
	var out []loyalty.LiveSpendRecord
	for _, r := range s {
		if r.CustomerID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

type staticHistory []loyalty.HistoricalSpendRecord

func (s staticHistory) HistoricalSpend(_ context.Context, id loyalty.CustomerID) ([]loyalty.HistoricalSpendRecord, error) {
	var out []loyalty.HistoricalSpendRecord
	for _, r := range s {
		if r.CustomerID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

type brokenHistory struct{ err error }

func (b brokenHistory) HistoricalSpend(context.Context, loyalty.CustomerID) ([]loyalty.HistoricalSpendRecord, error) {
	return nil, b.err
}

var errDiskGone = errors.New("archive disk unreadable")
