/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Customer:
    CustomerDTO, SaveCustomerRequest, CustomerStatusDTO

  Spend:
    TransactionRequest, PaymentStateRequest, ArchiveImportRequest, EvaluationDTO

  Grants:
    GrantDTO, ApproveRequest, ApproveBatchRequest, CancelRequest, RedeemRequest

  Catalog:
    DefinitionDTO

  Admin:
    SweepResponse, DeliveryReportDTO, BatchEvaluationDTO, AuditReportDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("1234.50")
  and decodes from either a string or a number.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerDTO represents a customer in API responses.
type CustomerDTO struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	PreferredChannel string    `json:"preferred_channel,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SaveCustomerRequest creates a customer or updates its contact fields.
// ID is generated when empty.
type SaveCustomerRequest struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	PreferredChannel string `json:"preferred_channel,omitempty"`
}

// CustomerStatusDTO is the customer's current standing.
type CustomerStatusDTO struct {
	Customer        CustomerDTO      `json:"customer"`
	TotalHistorical decimal.Decimal  `json:"total_historical"`
	TotalLive       decimal.Decimal  `json:"total_live"`
	TotalCombined   decimal.Decimal  `json:"total_combined"`
	ArchiveMissing  bool             `json:"archive_unavailable,omitempty"`
	Tier            int              `json:"tier"`
	RecordedTier    int              `json:"recorded_tier"`
	TierMin         decimal.Decimal  `json:"tier_min"`
	TierMax         decimal.Decimal  `json:"tier_max"`
	SpendToNextTier decimal.Decimal  `json:"spend_to_next_tier"`
	Ledger          []SpendRecordDTO `json:"ledger"`
	History         []TierHistoryDTO `json:"tier_history"`
	Grants          []GrantDTO       `json:"grants"`
}

// SpendRecordDTO is one line of the combined ledger.
type SpendRecordDTO struct {
	ID           string          `json:"id"`
	Date         time.Time       `json:"date"`
	Amount       decimal.Decimal `json:"amount"`
	Category     string          `json:"category,omitempty"`
	Source       string          `json:"source"`
	PaymentState string          `json:"payment_state,omitempty"`
}

// =============================================================================
// SPEND INTAKE
// =============================================================================

// TransactionRequest records a live sale for the customer in the URL.
type TransactionRequest struct {
	ID           string          `json:"id,omitempty"`
	Date         *time.Time      `json:"date,omitempty"` // defaults to now
	Amount       decimal.Decimal `json:"amount"`
	Category     string          `json:"category,omitempty"`
	PaymentState string          `json:"payment_state"`
}

// PaymentStateRequest changes a live transaction's payment state.
type PaymentStateRequest struct {
	PaymentState string `json:"payment_state"`
}

// ArchiveRecordDTO is one archive row to import.
type ArchiveRecordDTO struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Date       string          `json:"date"` // YYYY-MM-DD
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category,omitempty"`
}

// ArchiveImportRequest is a batch of archive rows.
type ArchiveImportRequest struct {
	Records []ArchiveRecordDTO `json:"records"`
}

// ArchiveImportResponse reports how many rows were new.
type ArchiveImportResponse struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

// EvaluationDTO is the result of one customer evaluation.
type EvaluationDTO struct {
	CustomerID        string          `json:"customer_id"`
	TotalCombined     decimal.Decimal `json:"total_combined"`
	TierBefore        int             `json:"tier_before"`
	TierAfter         int             `json:"tier_after"`
	Changed           bool            `json:"changed"`
	FirstEverPurchase bool            `json:"first_ever_purchase"`
	MilestoneTier     int             `json:"milestone_tier,omitempty"`
	MilestoneGrant    *GrantDTO       `json:"milestone_grant,omitempty"`
	WelcomeGrant      *GrantDTO       `json:"welcome_grant,omitempty"`
	History           *TierHistoryDTO `json:"history,omitempty"`
	Rejections        []string        `json:"rejections,omitempty"`
}

// TransactionResponse wraps a stored transaction and the evaluation it caused.
type TransactionResponse struct {
	TransactionID string         `json:"transaction_id"`
	PaymentState  string         `json:"payment_state"`
	Evaluation    *EvaluationDTO `json:"evaluation,omitempty"`
}

// =============================================================================
// GRANTS
// =============================================================================

// GrantDTO represents a reward grant in API responses.
type GrantDTO struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	Category         string          `json:"category"`
	State            string          `json:"state"`
	TierBefore       int             `json:"tier_before"`
	TierAtGrant      int             `json:"tier_at_grant"`
	SpendAtGrant     decimal.Decimal `json:"spend_at_grant"`
	GrantedAt        time.Time       `json:"granted_at"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	UsedAt           *time.Time      `json:"used_at,omitempty"`
	ExpiredAt        *time.Time      `json:"expired_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	RedemptionCode   string          `json:"redemption_code"`
	Notes            string          `json:"notes,omitempty"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	RedeemedTxRef    string          `json:"redeemed_tx_ref,omitempty"`
	DeliveryAttempts int             `json:"delivery_attempts,omitempty"`
	LastDeliveryErr  string          `json:"last_delivery_error,omitempty"`
	SentVia          string          `json:"sent_via,omitempty"`
}

type ApproveRequest struct {
	Actor string `json:"actor"`
}

type ApproveBatchRequest struct {
	IDs   []string `json:"ids"`
	Actor string   `json:"actor"`
}

// ApproveBatchResponse reports per-item outcomes.
type ApproveBatchResponse struct {
	Approved int               `json:"approved"`
	Rejected int               `json:"rejected"`
	Failures map[string]string `json:"failures,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RedeemRequest struct {
	Code           string `json:"code"`
	TransactionRef string `json:"transaction_ref,omitempty"`
}

// TierHistoryDTO is one append-only tier change.
type TierHistoryDTO struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	TierFrom      int             `json:"tier_from"`
	TierTo        int             `json:"tier_to"`
	SpendAtChange decimal.Decimal `json:"spend_at_change"`
	ChangedAt     time.Time       `json:"changed_at"`
	RewardGrantID *string         `json:"reward_grant_id,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// DefinitionDTO is one reward catalog entry.
type DefinitionDTO struct {
	Category     string    `json:"category"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Active       *bool     `json:"active,omitempty"`
	ValidityDays int       `json:"validity_days"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type SweepResponse struct {
	Expired int `json:"expired"`
}

type DeliveryReportDTO struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
}

type BatchEvaluationDTO struct {
	Evaluated int `json:"evaluated"`
	Changed   int `json:"changed"`
	Granted   int `json:"granted"`
	Errors    int `json:"errors"`
}

type AuditFindingDTO struct {
	CustomerID string `json:"customer_id"`
	Kind       string `json:"kind"`
	GrantID    string `json:"grant_id,omitempty"`
	GrantState string `json:"grant_state,omitempty"`
	Detail     string `json:"detail"`
	Fixed      bool   `json:"fixed,omitempty"`
}

type AuditReportDTO struct {
	Checked  int               `json:"checked"`
	Findings []AuditFindingDTO `json:"findings"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResult lists what a scenario created.
type ScenarioResult struct {
	Scenario    ScenarioDTO     `json:"scenario"`
	CustomerIDs []string        `json:"customer_ids"`
	Evaluations []EvaluationDTO `json:"evaluations,omitempty"`
	Grants      []GrantDTO      `json:"grants,omitempty"`
	Notes       []string        `json:"notes,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCustomerDTO(c loyalty.Customer) CustomerDTO {
	return CustomerDTO{
		ID:               string(c.ID),
		Name:             c.Name,
		Email:            c.Email,
		Phone:            c.Phone,
		PreferredChannel: string(c.PreferredChannel),
		CreatedAt:        c.CreatedAt,
	}
}

func toGrantDTO(g loyalty.RewardGrant) GrantDTO {
	return GrantDTO{
		ID:               string(g.ID),
		CustomerID:       string(g.CustomerID),
		Category:         string(g.Category),
		State:            string(g.State),
		TierBefore:       g.TierBefore,
		TierAtGrant:      g.TierAtGrant,
		SpendAtGrant:     g.SpendAtGrant,
		GrantedAt:        g.GrantedAt,
		ApprovedAt:       g.ApprovedAt,
		SentAt:           g.SentAt,
		UsedAt:           g.UsedAt,
		ExpiredAt:        g.ExpiredAt,
		CancelledAt:      g.CancelledAt,
		ExpiresAt:        g.ExpiresAt,
		RedemptionCode:   g.RedemptionCode,
		Notes:            g.Notes,
		ApprovedBy:       g.ApprovedBy,
		CancelReason:     g.CancelReason,
		RedeemedTxRef:    g.RedeemedTxRef,
		DeliveryAttempts: g.DeliveryAttempts,
		LastDeliveryErr:  g.LastDeliveryErr,
		SentVia:          string(g.SentVia),
	}
}

func toGrantDTOs(gs []loyalty.RewardGrant) []GrantDTO {
	out := make([]GrantDTO, 0, len(gs))
	for _, g := range gs {
		out = append(out, toGrantDTO(g))
	}
	return out
}

func toHistoryDTO(e loyalty.TierHistoryEntry) TierHistoryDTO {
	dto := TierHistoryDTO{
		ID:            string(e.ID),
		CustomerID:    string(e.CustomerID),
		TierFrom:      e.TierFrom,
		TierTo:        e.TierTo,
		SpendAtChange: e.SpendAtChange,
		ChangedAt:     e.ChangedAt,
		Notes:         e.Notes,
	}
	if e.RewardGrantID != nil {
		ref := string(*e.RewardGrantID)
		dto.RewardGrantID = &ref
	}
	return dto
}

func toHistoryDTOs(es []loyalty.TierHistoryEntry) []TierHistoryDTO {
	out := make([]TierHistoryDTO, 0, len(es))
	for _, e := range es {
		out = append(out, toHistoryDTO(e))
	}
	return out
}

func toEvaluationDTO(ev *loyalty.Evaluation) *EvaluationDTO {
	if ev == nil {
		return nil
	}
	dto := &EvaluationDTO{
		CustomerID:        string(ev.CustomerID),
		TotalCombined:     ev.Summary.TotalCombined,
		TierBefore:        ev.TierBefore,
		TierAfter:         ev.TierAfter,
		Changed:           ev.Changed,
		FirstEverPurchase: ev.FirstEverPurchase,
		MilestoneTier:     ev.MilestoneTier,
		Rejections:        ev.Rejections,
	}
	if ev.MilestoneGrant != nil {
		g := toGrantDTO(*ev.MilestoneGrant)
		dto.MilestoneGrant = &g
	}
	if ev.WelcomeGrant != nil {
		g := toGrantDTO(*ev.WelcomeGrant)
		dto.WelcomeGrant = &g
	}
	if ev.History != nil {
		h := toHistoryDTO(*ev.History)
		dto.History = &h
	}
	return dto
}

func toStatusDTO(st *loyalty.CustomerStatus) CustomerStatusDTO {
	ledger := make([]SpendRecordDTO, 0, len(st.Summary.Ledger))
	for _, r := range st.Summary.Ledger {
		ledger = append(ledger, SpendRecordDTO{
			ID:           r.ID,
			Date:         r.Date,
			Amount:       r.Amount,
			Category:     r.Category,
			Source:       string(r.Source),
			PaymentState: string(r.PaymentState),
		})
	}
	return CustomerStatusDTO{
		Customer:        toCustomerDTO(st.Customer),
		TotalHistorical: st.Summary.TotalHistorical,
		TotalLive:       st.Summary.TotalLive,
		TotalCombined:   st.Summary.TotalCombined,
		ArchiveMissing:  st.Summary.HistoricalUnavailable,
		Tier:            st.Tier,
		RecordedTier:    st.RecordedTier,
		TierMin:         st.TierMin,
		TierMax:         st.TierMax,
		SpendToNextTier: st.SpendToNextTier,
		Ledger:          ledger,
		History:         toHistoryDTOs(st.History),
		Grants:          toGrantDTOs(st.Grants),
	}
}

func toDefinitionDTO(d loyalty.RewardDefinition) DefinitionDTO {
	active := d.Active
	return DefinitionDTO{
		Category:     string(d.Category),
		Name:         d.Name,
		Description:  d.Description,
		Active:       &active,
		ValidityDays: d.ValidityDays,
		UpdatedAt:    d.UpdatedAt,
	}
}

func toAuditReportDTO(r loyalty.AuditReport) AuditReportDTO {
	dto := AuditReportDTO{Checked: r.Checked, Findings: make([]AuditFindingDTO, 0, len(r.Findings))}
	for _, f := range r.Findings {
		dto.Findings = append(dto.Findings, AuditFindingDTO{
			CustomerID: string(f.CustomerID),
			Kind:       string(f.Kind),
			GrantID:    string(f.GrantID),
			GrantState: string(f.GrantState),
			Detail:     f.Detail,
			Fixed:      f.Fixed,
		})
	}
	return dto
}
