// Package store provides in-memory implementations of the loyalty storage
// interfaces, for tests and the demo server.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements loyalty.Backend. All public methods lock; WithTx hands fn
// the unlocked data directly and restores a snapshot if fn fails.
type Memory struct {
	mu sync.RWMutex
	d  *data

	historicalAvailable bool
}

type data struct {
	customers     map[loyalty.CustomerID]loyalty.Customer
	customerOrder []loyalty.CustomerID

	live       map[loyalty.CustomerID][]loyalty.LiveSpendRecord
	liveIndex  map[string]loyalty.CustomerID
	historical map[loyalty.CustomerID][]loyalty.HistoricalSpendRecord
	histIndex  map[string]bool

	definitions map[loyalty.RewardCategory]loyalty.RewardDefinition
	grants      map[loyalty.GrantID]loyalty.RewardGrant
	grantOrder  []loyalty.GrantID
	codes       map[string]loyalty.GrantID
	history     map[loyalty.CustomerID][]loyalty.TierHistoryEntry
	cooldowns   map[string]time.Time
}

func newData() *data {
	return &data{
		customers:   make(map[loyalty.CustomerID]loyalty.Customer),
		live:        make(map[loyalty.CustomerID][]loyalty.LiveSpendRecord),
		liveIndex:   make(map[string]loyalty.CustomerID),
		historical:  make(map[loyalty.CustomerID][]loyalty.HistoricalSpendRecord),
		histIndex:   make(map[string]bool),
		definitions: make(map[loyalty.RewardCategory]loyalty.RewardDefinition),
		grants:      make(map[loyalty.GrantID]loyalty.RewardGrant),
		codes:       make(map[string]loyalty.GrantID),
		history:     make(map[loyalty.CustomerID][]loyalty.TierHistoryEntry),
		cooldowns:   make(map[string]time.Time),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData(), historicalAvailable: true}
}

// SetHistoricalAvailable toggles the archive source. When false,
// HistoricalSpend returns loyalty.ErrSourceUnavailable.
func (m *Memory) SetHistoricalAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historicalAvailable = ok
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.customers {
		c.customers[k] = v
	}
	c.customerOrder = append([]loyalty.CustomerID(nil), d.customerOrder...)
	for k, v := range d.live {
		c.live[k] = append([]loyalty.LiveSpendRecord(nil), v...)
	}
	for k, v := range d.liveIndex {
		c.liveIndex[k] = v
	}
	for k, v := range d.historical {
		c.historical[k] = append([]loyalty.HistoricalSpendRecord(nil), v...)
	}
	for k, v := range d.histIndex {
		c.histIndex[k] = v
	}
	for k, v := range d.definitions {
		c.definitions[k] = v
	}
	for k, v := range d.grants {
		c.grants[k] = v
	}
	c.grantOrder = append([]loyalty.GrantID(nil), d.grantOrder...)
	for k, v := range d.codes {
		c.codes[k] = v
	}
	for k, v := range d.history {
		c.history[k] = append([]loyalty.TierHistoryEntry(nil), v...)
	}
	for k, v := range d.cooldowns {
		c.cooldowns[k] = v
	}
	return c
}

// =============================================================================
// STORE - locked wrappers
// =============================================================================

func (m *Memory) GetDefinition(ctx context.Context, category loyalty.RewardCategory) (*loyalty.RewardDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetDefinition(ctx, category)
}

func (m *Memory) ListDefinitions(ctx context.Context) ([]loyalty.RewardDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListDefinitions(ctx)
}

func (m *Memory) SaveDefinition(ctx context.Context, def loyalty.RewardDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SaveDefinition(ctx, def)
}

func (m *Memory) InsertGrant(ctx context.Context, g loyalty.RewardGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.InsertGrant(ctx, g)
}

func (m *Memory) UpdateGrant(ctx context.Context, g loyalty.RewardGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateGrant(ctx, g)
}

func (m *Memory) GetGrant(ctx context.Context, id loyalty.GrantID) (*loyalty.RewardGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetGrant(ctx, id)
}

func (m *Memory) GetGrantByCode(ctx context.Context, code string) (*loyalty.RewardGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetGrantByCode(ctx, code)
}

func (m *Memory) LiveGrants(ctx context.Context, customerID loyalty.CustomerID, category loyalty.RewardCategory) ([]loyalty.RewardGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.LiveGrants(ctx, customerID, category)
}

func (m *Memory) GrantsByState(ctx context.Context, state loyalty.GrantState, limit int) ([]loyalty.RewardGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GrantsByState(ctx, state, limit)
}

func (m *Memory) GrantsByCustomer(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.RewardGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GrantsByCustomer(ctx, customerID)
}

func (m *Memory) DeliverableGrants(ctx context.Context, now time.Time, limit int) ([]loyalty.RewardGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.DeliverableGrants(ctx, now, limit)
}

func (m *Memory) ExpirableGrants(ctx context.Context, now time.Time) ([]loyalty.RewardGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ExpirableGrants(ctx, now)
}

func (m *Memory) AppendTierHistory(ctx context.Context, entry loyalty.TierHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendTierHistory(ctx, entry)
}

func (m *Memory) LastTierEntry(ctx context.Context, customerID loyalty.CustomerID) (*loyalty.TierHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.LastTierEntry(ctx, customerID)
}

func (m *Memory) TierHistory(ctx context.Context, customerID loyalty.CustomerID) ([]loyalty.TierHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.TierHistory(ctx, customerID)
}

// =============================================================================
// STORE - unlocked data (also the transactional view)
// =============================================================================

func (d *data) GetDefinition(_ context.Context, category loyalty.RewardCategory) (*loyalty.RewardDefinition, error) {
	def, ok := d.definitions[category]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (d *data) ListDefinitions(_ context.Context) ([]loyalty.RewardDefinition, error) {
	out := make([]loyalty.RewardDefinition, 0, len(d.definitions))
	for _, def := range d.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (d *data) SaveDefinition(_ context.Context, def loyalty.RewardDefinition) error {
	if !def.Category.Valid() {
		return fmt.Errorf("save definition %q: %w", def.Category, loyalty.ErrInvalidCategory)
	}
	d.definitions[def.Category] = def
	return nil
}

func (d *data) InsertGrant(_ context.Context, g loyalty.RewardGrant) error {
	if _, exists := d.grants[g.ID]; exists {
		return fmt.Errorf("grant %s already exists", g.ID)
	}
	if _, exists := d.codes[g.RedemptionCode]; exists {
		return loyalty.ErrDuplicateRedemptionCode
	}
	if g.State.IsLive() {
		for _, other := range d.grants {
			if other.CustomerID == g.CustomerID && other.Category == g.Category && other.State.IsLive() {
				return loyalty.ErrDuplicateActiveGrant
			}
		}
	}
	d.grants[g.ID] = g
	d.grantOrder = append(d.grantOrder, g.ID)
	d.codes[g.RedemptionCode] = g.ID
	return nil
}

func (d *data) UpdateGrant(_ context.Context, g loyalty.RewardGrant) error {
	if _, exists := d.grants[g.ID]; !exists {
		return loyalty.ErrGrantNotFound
	}
	d.grants[g.ID] = g
	return nil
}

func (d *data) GetGrant(_ context.Context, id loyalty.GrantID) (*loyalty.RewardGrant, error) {
	g, ok := d.grants[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (d *data) GetGrantByCode(ctx context.Context, code string) (*loyalty.RewardGrant, error) {
	id, ok := d.codes[code]
	if !ok {
		return nil, nil
	}
	return d.GetGrant(ctx, id)
}

func (d *data) LiveGrants(_ context.Context, customerID loyalty.CustomerID, category loyalty.RewardCategory) ([]loyalty.RewardGrant, error) {
	return d.filter(0, func(g loyalty.RewardGrant) bool {
		return g.CustomerID == customerID && g.Category == category && g.State.IsLive()
	}), nil
}

func (d *data) GrantsByState(_ context.Context, state loyalty.GrantState, limit int) ([]loyalty.RewardGrant, error) {
	return d.filter(limit, func(g loyalty.RewardGrant) bool { return g.State == state }), nil
}

func (d *data) GrantsByCustomer(_ context.Context, customerID loyalty.CustomerID) ([]loyalty.RewardGrant, error) {
	return d.filter(0, func(g loyalty.RewardGrant) bool { return g.CustomerID == customerID }), nil
}

func (d *data) DeliverableGrants(_ context.Context, now time.Time, limit int) ([]loyalty.RewardGrant, error) {
	return d.filter(limit, func(g loyalty.RewardGrant) bool {
		return g.State == loyalty.StateApproved && !g.ExpiresAt.Before(now)
	}), nil
}

func (d *data) ExpirableGrants(_ context.Context, now time.Time) ([]loyalty.RewardGrant, error) {
	return d.filter(0, func(g loyalty.RewardGrant) bool {
		return (g.State == loyalty.StateApproved || g.State == loyalty.StateSent) && g.ExpiresAt.Before(now)
	}), nil
}

// filter walks grants in insertion order, which is also GrantedAt order.
func (d *data) filter(limit int, keep func(loyalty.RewardGrant) bool) []loyalty.RewardGrant {
	var out []loyalty.RewardGrant
	for _, id := range d.grantOrder {
		g := d.grants[id]
		if !keep(g) {
			continue
		}
		out = append(out, g)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (d *data) AppendTierHistory(_ context.Context, entry loyalty.TierHistoryEntry) error {
	d.history[entry.CustomerID] = append(d.history[entry.CustomerID], entry)
	return nil
}

func (d *data) LastTierEntry(_ context.Context, customerID loyalty.CustomerID) (*loyalty.TierHistoryEntry, error) {
	entries := d.history[customerID]
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func (d *data) TierHistory(_ context.Context, customerID loyalty.CustomerID) ([]loyalty.TierHistoryEntry, error) {
	return append([]loyalty.TierHistoryEntry(nil), d.history[customerID]...), nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) SaveCustomer(_ context.Context, c loyalty.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.d.customers[c.ID]; !exists {
		m.d.customerOrder = append(m.d.customerOrder, c.ID)
	}
	m.d.customers[c.ID] = c
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.d.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) ListCustomerIDs(_ context.Context) ([]loyalty.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]loyalty.CustomerID(nil), m.d.customerOrder...), nil
}

func (m *Memory) ListCustomers(_ context.Context) ([]loyalty.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]loyalty.Customer, 0, len(m.d.customerOrder))
	for _, id := range m.d.customerOrder {
		out = append(out, m.d.customers[id])
	}
	return out, nil
}

// =============================================================================
// SPEND SOURCES AND INTAKE
// =============================================================================

func (m *Memory) LiveSpend(_ context.Context, customerID loyalty.CustomerID) ([]loyalty.LiveSpendRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]loyalty.LiveSpendRecord(nil), m.d.live[customerID]...), nil
}

func (m *Memory) HistoricalSpend(_ context.Context, customerID loyalty.CustomerID) ([]loyalty.HistoricalSpendRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.historicalAvailable {
		return nil, loyalty.ErrSourceUnavailable
	}
	return append([]loyalty.HistoricalSpendRecord(nil), m.d.historical[customerID]...), nil
}

func (m *Memory) RecordLiveTransaction(_ context.Context, r loyalty.LiveSpendRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.customers[r.CustomerID]; !ok {
		return loyalty.ErrCustomerNotFound
	}
	if _, ok := m.d.liveIndex[r.ID]; ok {
		return loyalty.ErrDuplicateTransaction
	}
	m.d.live[r.CustomerID] = append(m.d.live[r.CustomerID], r)
	m.d.liveIndex[r.ID] = r.CustomerID
	return nil
}

func (m *Memory) UpdatePaymentState(_ context.Context, id string, state loyalty.PaymentState) (*loyalty.LiveSpendRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	customerID, ok := m.d.liveIndex[id]
	if !ok {
		return nil, nil
	}
	records := m.d.live[customerID]
	for i := range records {
		if records[i].ID == id {
			records[i].PaymentState = state
			r := records[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) ImportHistorical(_ context.Context, records []loyalty.HistoricalSpendRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range records {
		if m.d.histIndex[r.ID] {
			continue
		}
		m.d.historical[r.CustomerID] = append(m.d.historical[r.CustomerID], r)
		m.d.histIndex[r.ID] = true
		n++
	}
	return n, nil
}

// =============================================================================
// COOLDOWN
// =============================================================================

func (m *Memory) AcquireSendSlot(_ context.Context, channel string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.d.cooldowns[channel]
	if ok {
		if elapsed := now.Sub(last); elapsed < cooldown {
			return false, cooldown - elapsed, nil
		}
	}
	m.d.cooldowns[channel] = now
	return true, 0, nil
}

func (m *Memory) LastSend(_ context.Context, channel string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.cooldowns[channel], nil
}

var _ loyalty.Backend = (*Memory)(nil)
