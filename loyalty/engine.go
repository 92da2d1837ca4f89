package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EngineOptions configures NewEngine. Zero values fall back to defaults.
type EngineOptions struct {
	Clock     Clock
	Log       *zap.Logger
	TierWidth decimal.Decimal
	Plan      *MilestonePlan
	Delivery  DeliveryConfig

	// ArchiveDisabled runs without the historical source at all.
	ArchiveDisabled bool
	// Placeholder is the migration sentinel date; archive rows on it are
	// flagged synthetic when imported through the engine.
	Placeholder time.Time
}

// Engine wires every component over one Backend.
type Engine struct {
	Backend     Backend
	Clock       Clock
	Log         *zap.Logger
	Tiers       TierCalculator
	Milestones  MilestoneResolver
	Aggregator  *SpendAggregator
	Ledger      *RewardLedger
	History     *TierHistoryRecorder
	Evaluator   *Evaluator
	Delivery    *DeliveryScheduler
	Auditor     *WelcomeAuditor
	Placeholder time.Time
}

func NewEngine(backend Backend, notifier Notifier, opts EngineOptions) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	plan := DefaultMilestonePlan()
	if opts.Plan != nil {
		plan = *opts.Plan
	}

	var historical HistoricalSpendSource = backend
	if opts.ArchiveDisabled {
		historical = nil
	}

	e := &Engine{
		Backend:     backend,
		Clock:       clock,
		Log:         log,
		Tiers:       NewTierCalculator(opts.TierWidth),
		Milestones:  NewMilestoneResolver(plan),
		Aggregator:  NewSpendAggregator(backend, historical, log),
		Ledger:      NewRewardLedger(backend, clock, log),
		History:     NewTierHistoryRecorder(clock, log),
		Placeholder: opts.Placeholder,
	}
	e.Evaluator = &Evaluator{
		Store:      backend,
		Directory:  backend,
		Aggregator: e.Aggregator,
		Tiers:      e.Tiers,
		Milestones: e.Milestones,
		Ledger:     e.Ledger,
		History:    e.History,
		Log:        log.Named("loyalty.evaluator"),
	}
	e.Delivery = NewDeliveryScheduler(backend, e.Ledger, backend, backend, notifier, clock, opts.Delivery, log)
	e.Auditor = &WelcomeAuditor{
		Store:      backend,
		Directory:  backend,
		Aggregator: e.Aggregator,
		Ledger:     e.Ledger,
		Log:        log.Named("loyalty.audit"),
	}
	return e
}

// =============================================================================
// INTAKE
// =============================================================================

// RecordTransaction stores a live transaction and, if it counts toward
// spend, evaluates the customer. The evaluation is nil otherwise.
func (e *Engine) RecordTransaction(ctx context.Context, r LiveSpendRecord) (*Evaluation, error) {
	if !r.PaymentState.Valid() {
		return nil, fmt.Errorf("payment state %q is not valid", r.PaymentState)
	}
	if err := e.Backend.RecordLiveTransaction(ctx, r); err != nil {
		return nil, err
	}
	if !r.PaymentState.Counts() {
		return nil, nil
	}
	return e.Evaluator.Evaluate(ctx, r.CustomerID)
}

// UpdatePaymentState changes a live transaction's payment state and
// re-evaluates the customer. The record is nil when the transaction is unknown.
func (e *Engine) UpdatePaymentState(ctx context.Context, txID string, state PaymentState) (*LiveSpendRecord, *Evaluation, error) {
	if !state.Valid() {
		return nil, nil, fmt.Errorf("payment state %q is not valid", state)
	}
	r, err := e.Backend.UpdatePaymentState(ctx, txID, state)
	if err != nil || r == nil {
		return r, nil, err
	}
	ev, err := e.Evaluator.Evaluate(ctx, r.CustomerID)
	return r, ev, err
}

// ImportHistorical flags placeholder-dated rows and stores the batch.
func (e *Engine) ImportHistorical(ctx context.Context, records []HistoricalSpendRecord) (int, error) {
	marked := MarkSynthetic(records, e.Placeholder)
	n, err := e.Backend.ImportHistorical(ctx, marked)
	if err != nil {
		return 0, err
	}
	synthetic := 0
	for _, r := range marked {
		if r.IsSynthetic {
			synthetic++
		}
	}
	e.Log.Info("historical spend imported", zap.Int("rows", len(records)), zap.Int("inserted", n), zap.Int("synthetic", synthetic))
	return n, nil
}

// ReevaluateAll evaluates every customer in the directory.
func (e *Engine) ReevaluateAll(ctx context.Context, concurrency int) (BatchEvaluation, error) {
	ids, err := e.Backend.ListCustomerIDs(ctx)
	if err != nil {
		return BatchEvaluation{}, fmt.Errorf("list customers: %w", err)
	}
	return e.Evaluator.EvaluateAll(ctx, ids, concurrency), nil
}

// =============================================================================
// QUERIES
// =============================================================================

// CustomerStatus is a read-only view of one customer's standing.
type CustomerStatus struct {
	Customer        Customer
	Summary         SpendSummary
	Tier            int
	RecordedTier    int
	TierMin         decimal.Decimal
	TierMax         decimal.Decimal
	SpendToNextTier decimal.Decimal
	History         []TierHistoryEntry
	Grants          []RewardGrant
}

// Status computes the customer's current standing without writing anything.
func (e *Engine) Status(ctx context.Context, id CustomerID) (*CustomerStatus, error) {
	c, err := e.Backend.GetCustomer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load customer %s: %w", id, err)
	}
	if c == nil {
		return nil, fmt.Errorf("status %s: %w", id, ErrCustomerNotFound)
	}
	summary, err := e.Aggregator.Aggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := e.Backend.TierHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load tier history: %w", err)
	}
	grants, err := e.Backend.GrantsByCustomer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}

	st := &CustomerStatus{
		Customer:        *c,
		Summary:         summary,
		Tier:            e.Tiers.TierFor(summary.TotalCombined),
		SpendToNextTier: e.Tiers.SpendToNextTier(summary.TotalCombined),
		History:         history,
		Grants:          grants,
	}
	if len(history) > 0 {
		st.RecordedTier = history[len(history)-1].TierTo
	}
	st.TierMin, st.TierMax = e.Tiers.RangeFor(st.Tier)
	return st, nil
}
