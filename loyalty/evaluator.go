/*
evaluator.go - Orchestrates one customer evaluation

FLOW:
  ┌───────────────┐   ┌──────────────┐   ┌──────────────┐
  │ Aggregate     │──▶│ Tier for     │──▶│ Same as last │──▶ stop
  │ spend         │   │ total spend  │   │ history?     │
  └───────────────┘   └──────────────┘   └──────┬───────┘
                                                │ changed
                             ┌──────────────────┴───────────────────┐
                             ▼                                      ▼
                  milestone crossed above      left tier 0, first-ever purchase,
                  peak tier? ──▶ Grant         never welcomed? ──▶ Grant welcome
                             └──────────────────┬───────────────────┘
                                                ▼
                                   Append tier history entry
                                   (references the grant, if any)

TRIGGERS:
  - A paid or partial live transaction (inline, from the API)
  - Scheduled re-evaluation of every customer (EvaluateAll)

RE-ENTRANCY:
  The previous tier is read from the latest history entry inside the same
  store transaction that writes the new entry, and evaluations of one
  customer are serialized by a per-customer lock. Evaluating twice with no
  new spend finds the tier unchanged and writes nothing.

  A tier that drops and climbs back (a payment cancelled, then paid again)
  is recorded in history but earns nothing twice: milestones resolve only
  above the highest tier ever recorded, and the welcome reward is skipped
  once any welcome grant other than a cancelled one exists.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oasis-spa/loyalty-engine/observability"
	"go.uber.org/zap"
)

// Evaluation is the outcome of evaluating one customer.
type Evaluation struct {
	CustomerID        CustomerID
	Summary           SpendSummary
	TierBefore        int
	TierAfter         int
	Changed           bool
	FirstEverPurchase bool
	MilestoneTier     int
	MilestoneGrant    *RewardGrant
	WelcomeGrant      *RewardGrant
	History           *TierHistoryEntry
	// Rejections lists grant attempts the ledger declined (duplicate, inactive definition).
	Rejections []string
}

// Evaluator runs the aggregate -> tier -> milestone -> grant -> history flow.
type Evaluator struct {
	Store      TxStore
	Directory  CustomerDirectory // optional; when set, unknown customers are rejected
	Aggregator *SpendAggregator
	Tiers      TierCalculator
	Milestones MilestoneResolver
	Ledger     *RewardLedger
	History    *TierHistoryRecorder
	Log        *zap.Logger

	locks keyedMutex
}

// Evaluate runs one evaluation for the customer.
func (e *Evaluator) Evaluate(ctx context.Context, customerID CustomerID) (*Evaluation, error) {
	unlock := e.locks.Lock(customerID)
	defer unlock()

	ev, err := e.evaluate(ctx, customerID)
	switch {
	case err != nil:
		observability.Evaluations.WithLabelValues("error").Inc()
	case ev.Changed:
		observability.Evaluations.WithLabelValues("changed").Inc()
	default:
		observability.Evaluations.WithLabelValues("unchanged").Inc()
	}
	return ev, err
}

func (e *Evaluator) evaluate(ctx context.Context, customerID CustomerID) (*Evaluation, error) {
	log := e.log().With(zap.String("customer_id", string(customerID)))

	if e.Directory != nil {
		c, err := e.Directory.GetCustomer(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("load customer %s: %w", customerID, err)
		}
		if c == nil {
			return nil, fmt.Errorf("evaluate %s: %w", customerID, ErrCustomerNotFound)
		}
	}

	summary, err := e.Aggregator.Aggregate(ctx, customerID)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{
		CustomerID:        customerID,
		Summary:           summary,
		TierAfter:         e.Tiers.TierFor(summary.TotalCombined),
		FirstEverPurchase: IsFirstEverPurchase(summary),
	}

	err = e.Store.WithTx(ctx, func(s Store) error {
		before, err := CurrentTier(ctx, s, customerID)
		if err != nil {
			return err
		}
		ev.TierBefore = before
		if before == ev.TierAfter {
			return nil
		}
		ev.Changed = true

		// Milestones below the highest tier ever recorded were already paid out.
		peak, err := PeakTier(ctx, s, customerID)
		if err != nil {
			return err
		}
		from := max(before, peak)
		if category, ok := e.Milestones.Resolve(from, ev.TierAfter); ok {
			ev.MilestoneTier = e.Milestones.Crossed(from, ev.TierAfter)
			g, err := e.grant(ctx, s, ev, category)
			if err != nil {
				return err
			}
			ev.MilestoneGrant = g
		}

		if before == 0 && ev.TierAfter > 0 && ev.FirstEverPurchase {
			welcomed, err := HasWelcomeGrant(ctx, s, customerID)
			if err != nil {
				return err
			}
			if welcomed {
				log.Debug("welcome reward already issued", zap.Int("tier_after", ev.TierAfter))
			} else {
				g, err := e.grant(ctx, s, ev, CategoryWelcomeDiscount)
				if err != nil {
					return err
				}
				ev.WelcomeGrant = g
			}
		}

		change := TierChange{
			CustomerID:    customerID,
			TierBefore:    before,
			TierAfter:     ev.TierAfter,
			SpendAtChange: summary.TotalCombined,
		}
		switch {
		case ev.MilestoneGrant != nil && ev.WelcomeGrant != nil:
			change.RewardGrantID = &ev.MilestoneGrant.ID
			change.Notes = fmt.Sprintf("welcome grant %s", ev.WelcomeGrant.ID)
		case ev.MilestoneGrant != nil:
			change.RewardGrantID = &ev.MilestoneGrant.ID
		case ev.WelcomeGrant != nil:
			change.RewardGrantID = &ev.WelcomeGrant.ID
		}
		entry, err := e.History.Record(ctx, s, change)
		if err != nil {
			return err
		}
		ev.History = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ev.Changed {
		direction := "up"
		if ev.TierAfter < ev.TierBefore {
			direction = "down"
		}
		observability.TierChanges.WithLabelValues(direction).Inc()
		log.Info("customer evaluated",
			zap.Int("tier_before", ev.TierBefore),
			zap.Int("tier_after", ev.TierAfter),
			zap.String("total_spend", summary.TotalCombined.String()),
			zap.Bool("first_ever_purchase", ev.FirstEverPurchase),
			zap.Int("milestone", ev.MilestoneTier))
	}
	return ev, nil
}

// grant asks the ledger for a grant. Rejections are recorded on the evaluation
// and do not fail it; infrastructure errors do.
func (e *Evaluator) grant(ctx context.Context, s Store, ev *Evaluation, category RewardCategory) (*RewardGrant, error) {
	g, err := e.Ledger.GrantTx(ctx, s, GrantRequest{
		CustomerID:   ev.CustomerID,
		Category:     category,
		TierBefore:   ev.TierBefore,
		TierAfter:    ev.TierAfter,
		SpendAtGrant: ev.Summary.TotalCombined,
	})
	if err != nil {
		if IsRejection(err) {
			ev.Rejections = append(ev.Rejections, err.Error())
			return nil, nil
		}
		return nil, err
	}
	return g, nil
}

// =============================================================================
// BATCH RE-EVALUATION
// =============================================================================

// BatchEvaluation summarises EvaluateAll.
type BatchEvaluation struct {
	Evaluated int
	Changed   int
	Granted   int
	Errors    int
}

// EvaluateAll evaluates customers with up to concurrency workers. Different
// customers are independent; one failure does not stop the others. A
// cancelled ctx stops handing out new customers.
func (e *Evaluator) EvaluateAll(ctx context.Context, ids []CustomerID, concurrency int) BatchEvaluation {
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		mu     sync.Mutex
		result BatchEvaluation
		wg     sync.WaitGroup
		work   = make(chan CustomerID)
	)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				ev, err := e.Evaluate(ctx, id)
				mu.Lock()
				result.Evaluated++
				if err != nil {
					result.Errors++
					e.log().Error("evaluation failed", zap.String("customer_id", string(id)), zap.Error(err))
				} else {
					if ev.Changed {
						result.Changed++
					}
					if ev.MilestoneGrant != nil {
						result.Granted++
					}
					if ev.WelcomeGrant != nil {
						result.Granted++
					}
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, id := range ids {
		select {
		case <-ctx.Done():
			break feed
		case work <- id:
		}
	}
	close(work)
	wg.Wait()
	return result
}

func (e *Evaluator) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// =============================================================================
// PER-CUSTOMER LOCK
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[CustomerID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key CustomerID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[CustomerID]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// IsCustomerNotFound reports whether err means the evaluated customer is unknown.
func IsCustomerNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound)
}
