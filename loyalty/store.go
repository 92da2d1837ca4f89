/*
store.go - Persistence interfaces consumed by the engine

KEY INTERFACES:
  LiveSpendSource:       Read-only view of the live sales system
  HistoricalSpendSource: Read-only view of the legacy archive (may be absent)
  CustomerDirectory:     Customer identity and contact lookups
  Store:                 Definitions, grants, tier history
  TxStore:               Store + atomic WithTx
  CooldownStore:         Shared send-slot for the delivery cooldown
  Backend:               Everything above plus customer and spend intake

NOT-FOUND CONVENTION:
  Single-record getters return (nil, nil) when the record does not exist.
  Callers translate that into ErrGrantNotFound / ErrCustomerNotFound.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// EXTERNAL SOURCES (read-only)
// =============================================================================

// LiveSpendSource exposes a customer's transactions from the live system.
type LiveSpendSource interface {
	LiveSpend(ctx context.Context, customerID CustomerID) ([]LiveSpendRecord, error)
}

// HistoricalSpendSource exposes a customer's archived spend.
// Implementations return ErrSourceUnavailable when the archive is not provisioned.
type HistoricalSpendSource interface {
	HistoricalSpend(ctx context.Context, customerID CustomerID) ([]HistoricalSpendRecord, error)
}

// CustomerDirectory resolves customer identity and contact info.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	ListCustomerIDs(ctx context.Context) ([]CustomerID, error)
}

// =============================================================================
// STORE - Engine-owned durable state
// =============================================================================

type Store interface {
	// Definitions
	GetDefinition(ctx context.Context, category RewardCategory) (*RewardDefinition, error)
	ListDefinitions(ctx context.Context) ([]RewardDefinition, error)
	SaveDefinition(ctx context.Context, def RewardDefinition) error

	// Grants
	InsertGrant(ctx context.Context, g RewardGrant) error
	UpdateGrant(ctx context.Context, g RewardGrant) error
	GetGrant(ctx context.Context, id GrantID) (*RewardGrant, error)
	GetGrantByCode(ctx context.Context, code string) (*RewardGrant, error)
	// LiveGrants returns grants in a live state for (customer, category), regardless of expiry.
	LiveGrants(ctx context.Context, customerID CustomerID, category RewardCategory) ([]RewardGrant, error)
	// GrantsByState returns grants in state, oldest first. limit <= 0 means no limit.
	GrantsByState(ctx context.Context, state GrantState, limit int) ([]RewardGrant, error)
	GrantsByCustomer(ctx context.Context, customerID CustomerID) ([]RewardGrant, error)
	// DeliverableGrants returns approved grants not yet past ExpiresAt at now,
	// oldest first. limit <= 0 means no limit.
	DeliverableGrants(ctx context.Context, now time.Time, limit int) ([]RewardGrant, error)
	// ExpirableGrants returns approved or sent grants whose ExpiresAt is before now.
	ExpirableGrants(ctx context.Context, now time.Time) ([]RewardGrant, error)

	// Tier history (append-only)
	AppendTierHistory(ctx context.Context, entry TierHistoryEntry) error
	LastTierEntry(ctx context.Context, customerID CustomerID) (*TierHistoryEntry, error)
	TierHistory(ctx context.Context, customerID CustomerID) ([]TierHistoryEntry, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error, nothing fn wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// CooldownStore holds the last-send time per channel so the cooldown is
// enforced across processes sharing the store.
type CooldownStore interface {
	// AcquireSendSlot claims the channel's send slot at now if the previous
	// claim is at least cooldown old. On failure it reports how long to wait.
	AcquireSendSlot(ctx context.Context, channel string, now time.Time, cooldown time.Duration) (acquired bool, wait time.Duration, err error)
	// LastSend returns the last claimed slot time, zero if none.
	LastSend(ctx context.Context, channel string) (time.Time, error)
}

// =============================================================================
// INTAKE - Writes into the customer directory and the spend sources
// =============================================================================

// CustomerRegistry is a writable CustomerDirectory.
type CustomerRegistry interface {
	CustomerDirectory
	SaveCustomer(ctx context.Context, c Customer) error
	ListCustomers(ctx context.Context) ([]Customer, error)
}

// SpendIntake records live sales and one-off archive imports.
type SpendIntake interface {
	// RecordLiveTransaction stores a new live transaction. Returns
	// ErrCustomerNotFound for an unknown customer and ErrDuplicateTransaction
	// for a reused id.
	RecordLiveTransaction(ctx context.Context, r LiveSpendRecord) error
	// UpdatePaymentState returns (nil, nil) when the transaction is unknown.
	UpdatePaymentState(ctx context.Context, id string, state PaymentState) (*LiveSpendRecord, error)
	// ImportHistorical appends archive rows, skipping ids already imported.
	ImportHistorical(ctx context.Context, records []HistoricalSpendRecord) (int, error)
}

// Backend is a complete storage backend for one deployment.
type Backend interface {
	TxStore
	CooldownStore
	CustomerRegistry
	LiveSpendSource
	HistoricalSpendSource
	SpendIntake
	Close() error
}
