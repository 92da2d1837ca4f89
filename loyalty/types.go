/*
Package loyalty provides the tiered spend-reward engine.

PURPOSE:
  Turns a customer's cumulative spend into a tier number, detects tier
  changes, grants rewards when a milestone tier is reached (or when a
  customer makes their first-ever purchase), and moves each reward grant
  through its lifecycle until it is used, expires, or is cancelled.

KEY CONCEPTS IN THIS FILE (types.go):
  - SpendRecord: One line of a customer's spend ledger (archive or live)
  - RewardCategory: Closed set of reward kinds
  - GrantState: Lifecycle state of a RewardGrant
  - RewardDefinition: Operator-managed catalog entry for a category
  - RewardGrant: One reward issued to one customer
  - TierHistoryEntry: Append-only record of a tier change

LIFECYCLE:
  pending_approval ──approve──▶ approved ──deliver──▶ sent ──redeem──▶ used
         │                         │  ▲                 │
         │                         │  └──redeem─────────┼──▶ used
         │                         ▼                    ▼
         └──────cancel──────▶ cancelled          expired (sweep, now > expires_at)

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Closed enums: categories and states are typed strings with exhaustive switches
  3. Append-only history: tier changes are never updated or deleted
  4. Explicit rejections: invalid transitions return *RejectionError, never panic

SEE ALSO:
  - ledger.go: RewardLedger state machine
  - evaluator.go: Orchestration of a single customer evaluation
  - delivery.go: Rate-limited notification of approved grants
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type GrantID string
type HistoryID string

// =============================================================================
// CUSTOMER
// =============================================================================

// Channel names an outbound notification channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelLog      Channel = "log"
)

// Customer is identity plus contact info. Only contact fields change after creation.
type Customer struct {
	ID               CustomerID
	Name             string
	Email            string
	Phone            string
	PreferredChannel Channel
	CreatedAt        time.Time
}

// =============================================================================
// SPEND RECORDS - Two sources, one ledger
// =============================================================================

type SpendSource string

const (
	SourceArchive SpendSource = "archive"
	SourceLive    SpendSource = "live"
)

type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentPartial   PaymentState = "partial"
	PaymentPaid      PaymentState = "paid"
	PaymentCancelled PaymentState = "cancelled"
)

// Counts reports whether a live transaction in this state contributes to spend.
func (p PaymentState) Counts() bool {
	return p == PaymentPaid || p == PaymentPartial
}

func (p PaymentState) Valid() bool {
	switch p {
	case PaymentPending, PaymentPartial, PaymentPaid, PaymentCancelled:
		return true
	}
	return false
}

// HistoricalSpendRecord is an immutable row imported from the legacy archive.
// IsSynthetic is set at import time for rows whose real date is unknown; such
// rows never count toward spend.
type HistoricalSpendRecord struct {
	ID          string
	CustomerID  CustomerID
	Date        time.Time
	Amount      decimal.Decimal
	Category    string
	IsSynthetic bool
}

// LiveSpendRecord is derived from a transaction in the live reservations/sales system.
type LiveSpendRecord struct {
	ID           string
	CustomerID   CustomerID
	Date         time.Time
	Amount       decimal.Decimal
	Category     string
	PaymentState PaymentState
}

// SpendRecord is the unified ledger line produced by the aggregator.
type SpendRecord struct {
	ID           string
	Date         time.Time
	Amount       decimal.Decimal
	Category     string
	Source       SpendSource
	PaymentState PaymentState // empty for archive rows
}

// SpendSummary is the result of aggregating both sources for one customer.
type SpendSummary struct {
	CustomerID      CustomerID
	Ledger          []SpendRecord // date descending
	TotalHistorical decimal.Decimal
	TotalLive       decimal.Decimal
	TotalCombined   decimal.Decimal
	CountHistorical int
	CountLive       int

	// HistoricalUnavailable is true when the archive source could not be read
	// and its contribution was taken as zero.
	HistoricalUnavailable bool
}

// =============================================================================
// REWARD CATEGORY - Closed enum
// =============================================================================

type RewardCategory string

const (
	CategoryWelcomeDiscount RewardCategory = "welcome_discount"
	CategoryMidTierBonus    RewardCategory = "mid_tier_bonus"
	CategoryVIPNight        RewardCategory = "vip_night"
)

// AllCategories lists every category. Exhaustiveness tests iterate it.
var AllCategories = []RewardCategory{
	CategoryWelcomeDiscount,
	CategoryMidTierBonus,
	CategoryVIPNight,
}

func (c RewardCategory) Valid() bool {
	switch c {
	case CategoryWelcomeDiscount, CategoryMidTierBonus, CategoryVIPNight:
		return true
	}
	return false
}

// IsMilestoneCategory reports whether the category can be produced by a tier
// milestone. The welcome category comes only from the first-purchase rule.
func (c RewardCategory) IsMilestoneCategory() bool {
	switch c {
	case CategoryMidTierBonus, CategoryVIPNight:
		return true
	case CategoryWelcomeDiscount:
		return false
	}
	return false
}

// ParseCategory converts a string to a RewardCategory.
func ParseCategory(s string) (RewardCategory, bool) {
	c := RewardCategory(s)
	return c, c.Valid()
}

// =============================================================================
// REWARD DEFINITION - Operator catalog
// =============================================================================

// RewardDefinition is a catalog entry. Read-only to the engine.
type RewardDefinition struct {
	Category     RewardCategory
	Name         string
	Description  string
	Active       bool
	ValidityDays int
	UpdatedAt    time.Time
}

// =============================================================================
// REWARD GRANT - The core mutable entity
// =============================================================================

type GrantState string

const (
	StatePendingApproval GrantState = "pending_approval"
	StateApproved        GrantState = "approved"
	StateSent            GrantState = "sent"
	StateUsed            GrantState = "used"
	StateExpired         GrantState = "expired"
	StateCancelled       GrantState = "cancelled"
)

// LiveStates are the states in which a grant occupies its (customer, category) slot.
var LiveStates = []GrantState{StatePendingApproval, StateApproved, StateSent}

func (s GrantState) IsLive() bool {
	switch s {
	case StatePendingApproval, StateApproved, StateSent:
		return true
	}
	return false
}

func (s GrantState) IsTerminal() bool {
	switch s {
	case StateUsed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// RewardGrant is one reward issued to one customer.
type RewardGrant struct {
	ID             GrantID
	CustomerID     CustomerID
	Category       RewardCategory
	State          GrantState
	TierBefore     int
	TierAtGrant    int
	SpendAtGrant   decimal.Decimal
	GrantedAt      time.Time
	ApprovedAt     *time.Time
	SentAt         *time.Time
	UsedAt         *time.Time
	ExpiredAt      *time.Time
	CancelledAt    *time.Time
	ExpiresAt      time.Time
	RedemptionCode string
	Notes          string

	ApprovedBy       string
	CancelReason     string
	MessageSent      string
	RedeemedTxRef    string
	DeliveryAttempts int
	LastDeliveryErr  string
	// SentVia is the transport the notification actually went out on.
	SentVia Channel
}

// IsActive reports whether the grant blocks another grant of the same category.
func (g *RewardGrant) IsActive(now time.Time) bool {
	return g.State.IsLive() && !now.After(g.ExpiresAt)
}

// Expired reports whether the grant is past its validity window.
func (g *RewardGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// =============================================================================
// TIER HISTORY - Append-only
// =============================================================================

type TierHistoryEntry struct {
	ID            HistoryID
	CustomerID    CustomerID
	TierFrom      int
	TierTo        int
	SpendAtChange decimal.Decimal
	ChangedAt     time.Time
	RewardGrantID *GrantID
	// Notes cross-references a second grant issued by the same change.
	Notes         string
}
