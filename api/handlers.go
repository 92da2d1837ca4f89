/*
handlers.go - HTTP request handlers for the loyalty API

PURPOSE:
  Implements the REST endpoints for operators and for the live sales
  system. Each handler:
  1. Parses the request (URL params, query, JSON body)
  2. Validates input
  3. Calls the loyalty engine
  4. Returns a JSON response

HANDLER GROUPS:
  Customers:    List, Create, Get, UpdateContact, Status, Evaluate, History, Grants
  Spend:        RecordTransaction, UpdatePaymentState, ImportArchive
  Grants:       List, Get, Approve, ApproveBatch, Cancel, Redeem
  Definitions:  List, Save
  Admin:        Sweep, Deliver, Reevaluate, AuditWelcome
  Scenarios:    List, Load (scenarios.go)

ERROR HANDLING:
  writeFailure maps engine errors to status codes:
  - 400 Bad Request: Invalid input (bad JSON, unknown state or category)
  - 404 Not Found: Customer or grant doesn't exist
  - 409 Conflict: Ledger rejection (invalid transition, duplicate, expired)
  - 500 Internal Server Error: Storage or unexpected errors

  All errors return: {"error": "message", "details": "..."}

EVALUATION ON INTAKE:
  Recording a paid or partial transaction evaluates the customer inline,
  so the response already carries any tier change and grant it caused.

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
  - loyalty/engine.go: Engine wiring
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oasis-spa/loyalty-engine/factory"
	"github.com/oasis-spa/loyalty-engine/loyalty"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine         *loyalty.Engine
	CatalogFactory *factory.CatalogFactory
	Log            *zap.Logger

	// Concurrency is the worker count for ReevaluateAll.
	Concurrency int

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(engine *loyalty.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:         engine,
		CatalogFactory: factory.NewCatalogFactory(),
		Log:            log.Named("api"),
		Concurrency:    4,
	}
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// ListCustomers returns all customers.
// GET /api/customers
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Engine.Backend.ListCustomers(r.Context())
	if err != nil {
		h.writeFailure(w, "Failed to list customers", err)
		return
	}
	dtos := make([]CustomerDTO, 0, len(customers))
	for _, c := range customers {
		dtos = append(dtos, toCustomerDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer registers a new customer.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SaveCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}
	channel, ok := parseChannel(req.PreferredChannel)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown preferred_channel", fmt.Errorf("%q", req.PreferredChannel))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	existing, err := h.Engine.Backend.GetCustomer(ctx, loyalty.CustomerID(req.ID))
	if err != nil {
		h.writeFailure(w, "Failed to load customer", err)
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "Customer already exists", nil)
		return
	}

	c := loyalty.Customer{
		ID:               loyalty.CustomerID(req.ID),
		Name:             req.Name,
		Email:            req.Email,
		Phone:            req.Phone,
		PreferredChannel: channel,
		CreatedAt:        h.Engine.Clock.Now(),
	}
	if err := h.Engine.Backend.SaveCustomer(ctx, c); err != nil {
		h.writeFailure(w, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// GetCustomer returns a single customer.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCustomer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c))
}

// UpdateCustomerContact changes contact fields. Identity and creation time
// are never changed.
// PUT /api/customers/{id}
func (h *Handler) UpdateCustomerContact(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCustomer(w, r)
	if !ok {
		return
	}
	var req SaveCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PreferredChannel != "" {
		channel, ok := parseChannel(req.PreferredChannel)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown preferred_channel", fmt.Errorf("%q", req.PreferredChannel))
			return
		}
		c.PreferredChannel = channel
	}
	if req.Email != "" {
		c.Email = req.Email
	}
	if req.Phone != "" {
		c.Phone = req.Phone
	}
	if err := h.Engine.Backend.SaveCustomer(r.Context(), *c); err != nil {
		h.writeFailure(w, "Failed to update customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c))
}

// GetCustomerStatus returns spend totals, tier, range and grants.
// GET /api/customers/{id}/status
func (h *Handler) GetCustomerStatus(w http.ResponseWriter, r *http.Request) {
	id := loyalty.CustomerID(chi.URLParam(r, "id"))
	st, err := h.Engine.Status(r.Context(), id)
	if err != nil {
		h.writeFailure(w, "Failed to compute status", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(st))
}

// EvaluateCustomer runs the evaluation flow for one customer.
// POST /api/customers/{id}/evaluate
func (h *Handler) EvaluateCustomer(w http.ResponseWriter, r *http.Request) {
	id := loyalty.CustomerID(chi.URLParam(r, "id"))
	ev, err := h.Engine.Evaluator.Evaluate(r.Context(), id)
	if err != nil {
		h.writeFailure(w, "Evaluation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toEvaluationDTO(ev))
}

// GetTierHistory returns the customer's tier changes, oldest first.
// GET /api/customers/{id}/tier-history
func (h *Handler) GetTierHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCustomer(w, r)
	if !ok {
		return
	}
	history, err := h.Engine.Backend.TierHistory(r.Context(), c.ID)
	if err != nil {
		h.writeFailure(w, "Failed to load tier history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(history))
}

// ListCustomerGrants returns every grant the customer ever received.
// GET /api/customers/{id}/grants
func (h *Handler) ListCustomerGrants(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadCustomer(w, r)
	if !ok {
		return
	}
	grants, err := h.Engine.Backend.GrantsByCustomer(r.Context(), c.ID)
	if err != nil {
		h.writeFailure(w, "Failed to load grants", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTOs(grants))
}

// =============================================================================
// SPEND INTAKE ENDPOINTS
// =============================================================================

// RecordTransaction records a live sale and evaluates the customer if it counts.
// POST /api/customers/{id}/transactions
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	customerID := loyalty.CustomerID(chi.URLParam(r, "id"))
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	state := loyalty.PaymentState(req.PaymentState)
	if !state.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown payment_state", fmt.Errorf("%q", req.PaymentState))
		return
	}
	if req.Amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "Amount must not be negative", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	date := h.Engine.Clock.Now()
	if req.Date != nil {
		date = req.Date.UTC()
	}

	ev, err := h.Engine.RecordTransaction(r.Context(), loyalty.LiveSpendRecord{
		ID:           req.ID,
		CustomerID:   customerID,
		Date:         date,
		Amount:       req.Amount,
		Category:     req.Category,
		PaymentState: state,
	})
	if err != nil {
		h.writeFailure(w, "Failed to record transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionResponse{
		TransactionID: req.ID,
		PaymentState:  string(state),
		Evaluation:    toEvaluationDTO(ev),
	})
}

// UpdatePaymentState changes a transaction's payment state and re-evaluates.
// PATCH /api/customers/{id}/transactions/{txid}
func (h *Handler) UpdatePaymentState(w http.ResponseWriter, r *http.Request) {
	customerID := loyalty.CustomerID(chi.URLParam(r, "id"))
	txID := chi.URLParam(r, "txid")
	var req PaymentStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	state := loyalty.PaymentState(req.PaymentState)
	if !state.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown payment_state", fmt.Errorf("%q", req.PaymentState))
		return
	}

	// The URL scopes the transaction to a customer; refuse cross-customer updates.
	existing, err := h.findLiveTransaction(r, customerID, txID)
	if err != nil {
		h.writeFailure(w, "Failed to load transaction", err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}

	rec, ev, err := h.Engine.UpdatePaymentState(r.Context(), txID, state)
	if err != nil {
		h.writeFailure(w, "Failed to update payment state", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, TransactionResponse{
		TransactionID: rec.ID,
		PaymentState:  string(rec.PaymentState),
		Evaluation:    toEvaluationDTO(ev),
	})
}

func (h *Handler) findLiveTransaction(r *http.Request, customerID loyalty.CustomerID, txID string) (*loyalty.LiveSpendRecord, error) {
	records, err := h.Engine.Backend.LiveSpend(r.Context(), customerID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == txID {
			return &records[i], nil
		}
	}
	return nil, nil
}

// ImportArchive imports legacy archive rows. Rows on the placeholder date are
// stored as synthetic and never count toward spend.
// POST /api/archive/import
func (h *Handler) ImportArchive(w http.ResponseWriter, r *http.Request) {
	var req ArchiveImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	records := make([]loyalty.HistoricalSpendRecord, 0, len(req.Records))
	for i, dto := range req.Records {
		if dto.ID == "" || dto.CustomerID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Record %d: id and customer_id are required", i), nil)
			return
		}
		date, err := time.Parse("2006-01-02", dto.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Record %d: invalid date", i), err)
			return
		}
		records = append(records, loyalty.HistoricalSpendRecord{
			ID:         dto.ID,
			CustomerID: loyalty.CustomerID(dto.CustomerID),
			Date:       date,
			Amount:     dto.Amount,
			Category:   dto.Category,
		})
	}
	n, err := h.Engine.ImportHistorical(r.Context(), records)
	if err != nil {
		h.writeFailure(w, "Failed to import archive", err)
		return
	}
	writeJSON(w, http.StatusOK, ArchiveImportResponse{Received: len(records), Inserted: n})
}

// =============================================================================
// GRANT ENDPOINTS
// =============================================================================

// ListGrants returns grants in one state, oldest first.
// GET /api/grants?state=pending_approval&limit=50
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	state := loyalty.GrantState(r.URL.Query().Get("state"))
	if state == "" {
		state = loyalty.StatePendingApproval
	}
	if !state.IsLive() && !state.IsTerminal() {
		writeError(w, http.StatusBadRequest, "Unknown state", fmt.Errorf("%q", state))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	grants, err := h.Engine.Backend.GrantsByState(r.Context(), state, limit)
	if err != nil {
		h.writeFailure(w, "Failed to list grants", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTOs(grants))
}

// GetGrant returns a single grant.
// GET /api/grants/{id}
func (h *Handler) GetGrant(w http.ResponseWriter, r *http.Request) {
	id := loyalty.GrantID(chi.URLParam(r, "id"))
	g, err := h.Engine.Backend.GetGrant(r.Context(), id)
	if err != nil {
		h.writeFailure(w, "Failed to load grant", err)
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "Grant not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(*g))
}

// ApproveGrant moves a pending grant to approved.
// POST /api/grants/{id}/approve
func (h *Handler) ApproveGrant(w http.ResponseWriter, r *http.Request) {
	id := loyalty.GrantID(chi.URLParam(r, "id"))
	var req ApproveRequest
	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Actor == "" {
		req.Actor = "operator"
	}
	g, err := h.Engine.Ledger.Approve(r.Context(), id, req.Actor)
	if err != nil {
		h.writeFailure(w, "Failed to approve grant", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(*g))
}

// ApproveBatch approves several grants; each is decided independently.
// POST /api/grants/approve-batch
func (h *Handler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	var req ApproveBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}
	ids := make([]loyalty.GrantID, 0, len(req.IDs))
	for _, id := range req.IDs {
		ids = append(ids, loyalty.GrantID(id))
	}
	res := h.Engine.Ledger.ApproveBatch(r.Context(), ids, req.Actor)
	resp := ApproveBatchResponse{Approved: res.Approved, Rejected: res.Rejected}
	if len(res.Failures) > 0 {
		resp.Failures = make(map[string]string, len(res.Failures))
		for id, reason := range res.Failures {
			resp.Failures[string(id)] = reason
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelGrant cancels a live grant.
// POST /api/grants/{id}/cancel
func (h *Handler) CancelGrant(w http.ResponseWriter, r *http.Request) {
	id := loyalty.GrantID(chi.URLParam(r, "id"))
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "Reason is required", nil)
		return
	}
	g, err := h.Engine.Ledger.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeFailure(w, "Failed to cancel grant", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(*g))
}

// RedeemGrant marks a grant used by redemption code.
// POST /api/grants/redeem
func (h *Handler) RedeemGrant(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "Code is required", nil)
		return
	}
	g, err := h.Engine.Ledger.Redeem(r.Context(), req.Code, req.TransactionRef)
	if err != nil {
		h.writeFailure(w, "Failed to redeem grant", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTO(*g))
}

// =============================================================================
// DEFINITION ENDPOINTS
// =============================================================================

// ListDefinitions returns the reward catalog.
// GET /api/definitions
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.Engine.Backend.ListDefinitions(r.Context())
	if err != nil {
		h.writeFailure(w, "Failed to list definitions", err)
		return
	}
	dtos := make([]DefinitionDTO, 0, len(defs))
	for _, d := range defs {
		dtos = append(dtos, toDefinitionDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveDefinition creates or replaces the definition for a category.
// Validation goes through the catalog factory so files and API agree.
// PUT /api/definitions/{category}
func (h *Handler) SaveDefinition(w http.ResponseWriter, r *http.Request) {
	var req DefinitionDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Category = chi.URLParam(r, "category")

	catalog, err := h.CatalogFactory.FromJSON(factory.CatalogJSON{
		Rewards: []factory.RewardJSON{{
			Category:     req.Category,
			Name:         req.Name,
			Description:  req.Description,
			Active:       req.Active,
			ValidityDays: req.ValidityDays,
		}},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid definition", err)
		return
	}
	now := h.Engine.Clock.Now()
	if err := catalog.Apply(r.Context(), h.Engine.Backend, now); err != nil {
		h.writeFailure(w, "Failed to save definition", err)
		return
	}
	def := catalog.Definitions[0]
	def.UpdatedAt = now
	writeJSON(w, http.StatusOK, toDefinitionDTO(def))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// Sweep expires approved and sent grants past their validity.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.Ledger.SweepExpired(r.Context())
	if err != nil {
		h.writeFailure(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: n})
}

// Deliver sends up to limit approved grants.
// POST /api/admin/deliver?limit=20
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	rep, err := h.Engine.Delivery.DeliverNext(r.Context(), limit)
	if err != nil {
		h.writeFailure(w, "Delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, DeliveryReportDTO(rep))
}

// Reevaluate evaluates every customer.
// POST /api/admin/reevaluate
func (h *Handler) Reevaluate(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ReevaluateAll(r.Context(), h.Concurrency)
	if err != nil {
		h.writeFailure(w, "Re-evaluation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, BatchEvaluationDTO(res))
}

// AuditWelcome checks welcome grants against the first-purchase rule.
// With fix=true, unwarranted live grants are cancelled.
// GET /api/admin/audit/welcome?fix=true
func (h *Handler) AuditWelcome(w http.ResponseWriter, r *http.Request) {
	fix := false
	if v := r.URL.Query().Get("fix"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid fix flag", err)
			return
		}
		fix = b
	}
	rep, err := h.Engine.Auditor.Audit(r.Context(), fix)
	if err != nil {
		h.writeFailure(w, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(rep))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadCustomer(w http.ResponseWriter, r *http.Request) (*loyalty.Customer, bool) {
	id := loyalty.CustomerID(chi.URLParam(r, "id"))
	c, err := h.Engine.Backend.GetCustomer(r.Context(), id)
	if err != nil {
		h.writeFailure(w, "Failed to load customer", err)
		return nil, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return nil, false
	}
	return c, true
}

// writeFailure picks the status code from the error.
func (h *Handler) writeFailure(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case loyalty.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrInvalidCategory):
		return http.StatusBadRequest
	case loyalty.IsRejection(err), errors.Is(err, loyalty.ErrDuplicateTransaction):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func parseChannel(s string) (loyalty.Channel, bool) {
	switch c := loyalty.Channel(s); c {
	case "":
		return "", true
	case loyalty.ChannelEmail, loyalty.ChannelWhatsApp, loyalty.ChannelLog:
		return c, true
	}
	return "", false
}
