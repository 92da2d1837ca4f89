/*
ledger.go - RewardGrant lifecycle

PURPOSE:
  RewardLedger creates reward grants and moves them through their state
  machine. Every mutating call runs inside one store transaction, so a
  partially updated grant is never observable.

TRANSITIONS:
  Grant        -> pending_approval (definition active, no active grant of category)
  Approve      pending_approval -> approved (now <= expires_at)
  MarkSent     approved -> sent
  Redeem       approved|sent -> used   (now <= expires_at)
  SweepExpired approved|sent -> expired (now > expires_at)
  Cancel       pending_approval|approved|sent -> cancelled

AT MOST ONE ACTIVE GRANT:
  Active = live state and not past expires_at. The check and the insert
  share one transaction. A live grant found past its expiry is closed in
  that same transaction before the new grant is inserted, so stores that
  also enforce uniqueness over live states never see a conflict: approved
  and sent grants are expired, a pending grant nobody approved in time is
  cancelled. Approve refuses a pending grant already past its expiry.

REDEMPTION CODES:
  Codes are short, so a collision is possible. The insert is retried with
  a fresh code up to maxCodeAttempts times before giving up.

SEE ALSO:
  - evaluator.go: Calls Grant when a milestone or first purchase fires
  - delivery.go: Calls MarkSent after a successful notification
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oasis-spa/loyalty-engine/observability"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxCodeAttempts = 5

// GrantRequest carries everything needed to create a grant.
type GrantRequest struct {
	CustomerID   CustomerID
	Category     RewardCategory
	TierBefore   int
	TierAfter    int
	SpendAtGrant decimal.Decimal
	Notes        string
}

// BatchResult summarises a per-item batch operation.
type BatchResult struct {
	Approved int
	Rejected int
	Failures map[GrantID]string
}

// RewardLedger manages RewardGrant state.
type RewardLedger struct {
	Store   TxStore
	Clock   Clock
	Log     *zap.Logger
	NewID   func() GrantID
	NewCode func() string
}

func NewRewardLedger(store TxStore, clock Clock, log *zap.Logger) *RewardLedger {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RewardLedger{
		Store:   store,
		Clock:   clock,
		Log:     log.Named("loyalty.ledger"),
		NewID:   func() GrantID { return GrantID(uuid.NewString()) },
		NewCode: NewRedemptionCode,
	}
}

// NewRedemptionCode returns a short human-typable code, e.g. "SPA-3F9A2C1B".
func NewRedemptionCode() string {
	id := uuid.New()
	return "SPA-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// =============================================================================
// GRANT
// =============================================================================

// Grant creates a pending grant. It rejects when the category has no active
// definition or the customer already holds an active grant of the category.
func (l *RewardLedger) Grant(ctx context.Context, req GrantRequest) (*RewardGrant, error) {
	var created *RewardGrant
	err := l.Store.WithTx(ctx, func(s Store) error {
		g, err := l.GrantTx(ctx, s, req)
		created = g
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GrantTx is Grant inside a caller-owned transaction. The evaluator uses it
// so the grant and the tier history entry commit together.
func (l *RewardLedger) GrantTx(ctx context.Context, s Store, req GrantRequest) (*RewardGrant, error) {
	log := l.log().With(zap.String("customer_id", string(req.CustomerID)), zap.String("category", string(req.Category)))

	if !req.Category.Valid() {
		return nil, reject("grant", nil, ErrInvalidCategory, fmt.Sprintf("unknown category %q", req.Category))
	}

	def, err := s.GetDefinition(ctx, req.Category)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", req.Category, err)
	}
	if def == nil || !def.Active {
		log.Warn("grant rejected: reward definition missing or inactive")
		return nil, reject("grant", nil, ErrDefinitionUnavailable, fmt.Sprintf("no active definition for %s", req.Category))
	}

	now := l.now()
	live, err := s.LiveGrants(ctx, req.CustomerID, req.Category)
	if err != nil {
		return nil, fmt.Errorf("load live grants: %w", err)
	}
	for i := range live {
		g := live[i]
		if g.IsActive(now) {
			log.Info("grant rejected: active grant already exists", zap.String("existing_grant_id", string(g.ID)))
			return nil, reject("grant", &g, ErrDuplicateActiveGrant, "customer already holds an active grant of this category")
		}
		// Live but past expiry: close it out before taking the slot.
		if g.State == StatePendingApproval {
			err = l.cancelStaleTx(ctx, s, &g, now)
		} else {
			err = l.expireTx(ctx, s, &g, now)
		}
		if err != nil {
			return nil, err
		}
	}

	g := RewardGrant{
		ID:             l.NewID(),
		CustomerID:     req.CustomerID,
		Category:       req.Category,
		State:          StatePendingApproval,
		TierBefore:     req.TierBefore,
		TierAtGrant:    req.TierAfter,
		SpendAtGrant:   req.SpendAtGrant,
		GrantedAt:      now,
		ExpiresAt:      now.AddDate(0, 0, def.ValidityDays),
		Notes:          req.Notes,
	}
	for attempt := 1; ; attempt++ {
		g.RedemptionCode = l.NewCode()
		err = s.InsertGrant(ctx, g)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDuplicateActiveGrant) {
			return nil, reject("grant", nil, ErrDuplicateActiveGrant, "customer already holds an active grant of this category")
		}
		if errors.Is(err, ErrDuplicateRedemptionCode) && attempt < maxCodeAttempts {
			log.Warn("redemption code collision, retrying", zap.Int("attempt", attempt))
			continue
		}
		return nil, fmt.Errorf("insert grant: %w", err)
	}

	observability.GrantsCreated.WithLabelValues(string(g.Category)).Inc()
	log.Info("reward granted",
		zap.String("grant_id", string(g.ID)),
		zap.Int("tier_before", g.TierBefore),
		zap.Int("tier_at_grant", g.TierAtGrant),
		zap.Time("expires_at", g.ExpiresAt))
	return &g, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Approve moves a pending grant to approved.
func (l *RewardLedger) Approve(ctx context.Context, id GrantID, actor string) (*RewardGrant, error) {
	return l.transition(ctx, "approve", id, func(g *RewardGrant, now time.Time) error {
		if g.State != StatePendingApproval {
			return reject("approve", g, ErrInvalidTransition, "only pending_approval grants can be approved")
		}
		if g.Expired(now) {
			return reject("approve", g, ErrGrantExpired, fmt.Sprintf("expired at %s before approval", g.ExpiresAt.Format(time.RFC3339)))
		}
		g.State = StateApproved
		g.ApprovedAt = &now
		g.ApprovedBy = actor
		return nil
	})
}

// ApproveBatch approves each id in its own transaction. One bad id does not
// affect the rest.
func (l *RewardLedger) ApproveBatch(ctx context.Context, ids []GrantID, actor string) BatchResult {
	result := BatchResult{Failures: make(map[GrantID]string)}
	for _, id := range ids {
		if _, err := l.Approve(ctx, id, actor); err != nil {
			result.Rejected++
			result.Failures[id] = err.Error()
			continue
		}
		result.Approved++
	}
	return result
}

// MarkSent records a successful notification for an approved grant and the
// channel it went out on.
func (l *RewardLedger) MarkSent(ctx context.Context, id GrantID, channel Channel, message string) (*RewardGrant, error) {
	return l.transition(ctx, "mark_sent", id, func(g *RewardGrant, now time.Time) error {
		if g.State != StateApproved {
			return reject("mark_sent", g, ErrInvalidTransition, "only approved grants can be marked sent")
		}
		g.State = StateSent
		g.SentAt = &now
		g.SentVia = channel
		g.MessageSent = message
		g.DeliveryAttempts++
		g.LastDeliveryErr = ""
		return nil
	})
}

// RecordDeliveryFailure stores a send error on the grant without changing its state.
func (l *RewardLedger) RecordDeliveryFailure(ctx context.Context, id GrantID, sendErr error) (*RewardGrant, error) {
	return l.transition(ctx, "record_delivery_failure", id, func(g *RewardGrant, _ time.Time) error {
		g.DeliveryAttempts++
		g.LastDeliveryErr = "unknown delivery error"
		if sendErr != nil {
			g.LastDeliveryErr = sendErr.Error()
		}
		return nil
	})
}

// Redeem marks the grant with the given code as used. transactionRef, if
// non-empty, links the redeeming sale.
func (l *RewardLedger) Redeem(ctx context.Context, code string, transactionRef string) (*RewardGrant, error) {
	var out *RewardGrant
	err := l.Store.WithTx(ctx, func(s Store) error {
		g, err := s.GetGrantByCode(ctx, code)
		if err != nil {
			return fmt.Errorf("load grant by code: %w", err)
		}
		if g == nil {
			return reject("redeem", nil, ErrGrantNotFound, "unknown redemption code")
		}
		now := l.now()
		if g.State != StateApproved && g.State != StateSent {
			return reject("redeem", g, ErrInvalidTransition, "only approved or sent grants can be redeemed")
		}
		if g.Expired(now) {
			return reject("redeem", g, ErrGrantExpired, fmt.Sprintf("expired at %s", g.ExpiresAt.Format(time.RFC3339)))
		}
		g.State = StateUsed
		g.UsedAt = &now
		g.RedeemedTxRef = transactionRef
		if err := s.UpdateGrant(ctx, *g); err != nil {
			return fmt.Errorf("update grant: %w", err)
		}
		out = g
		return nil
	})
	if err != nil {
		l.logRejection("redeem", err)
		return nil, err
	}
	observability.GrantTransitions.WithLabelValues(string(StateUsed)).Inc()
	l.log().Info("reward redeemed", zap.String("grant_id", string(out.ID)), zap.String("transaction_ref", transactionRef))
	return out, nil
}

// Cancel cancels a grant that has not been used and has not already ended.
func (l *RewardLedger) Cancel(ctx context.Context, id GrantID, reason string) (*RewardGrant, error) {
	return l.transition(ctx, "cancel", id, func(g *RewardGrant, now time.Time) error {
		if !g.State.IsLive() {
			return reject("cancel", g, ErrInvalidTransition, "only pending, approved or sent grants can be cancelled")
		}
		g.State = StateCancelled
		g.CancelledAt = &now
		g.CancelReason = reason
		return nil
	})
}

// SweepExpired expires every approved or sent grant past its expiry.
// Safe to run repeatedly.
func (l *RewardLedger) SweepExpired(ctx context.Context) (int, error) {
	count := 0
	err := l.Store.WithTx(ctx, func(s Store) error {
		count = 0
		now := l.now()
		grants, err := s.ExpirableGrants(ctx, now)
		if err != nil {
			return fmt.Errorf("load expirable grants: %w", err)
		}
		for i := range grants {
			if err := l.expireTx(ctx, s, &grants[i], now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		observability.GrantTransitions.WithLabelValues(string(StateExpired)).Add(float64(count))
		l.log().Info("expired grants swept", zap.Int("count", count))
	}
	return count, nil
}

func (l *RewardLedger) cancelStaleTx(ctx context.Context, s Store, g *RewardGrant, now time.Time) error {
	g.State = StateCancelled
	g.CancelledAt = &now
	g.CancelReason = "expired before approval"
	if err := s.UpdateGrant(ctx, *g); err != nil {
		return fmt.Errorf("cancel stale grant %s: %w", g.ID, err)
	}
	return nil
}

func (l *RewardLedger) expireTx(ctx context.Context, s Store, g *RewardGrant, now time.Time) error {
	g.State = StateExpired
	g.ExpiredAt = &now
	if err := s.UpdateGrant(ctx, *g); err != nil {
		return fmt.Errorf("expire grant %s: %w", g.ID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *RewardLedger) transition(ctx context.Context, op string, id GrantID, apply func(g *RewardGrant, now time.Time) error) (*RewardGrant, error) {
	var out *RewardGrant
	err := l.Store.WithTx(ctx, func(s Store) error {
		g, err := s.GetGrant(ctx, id)
		if err != nil {
			return fmt.Errorf("load grant %s: %w", id, err)
		}
		if g == nil {
			return reject(op, nil, ErrGrantNotFound, fmt.Sprintf("grant %s not found", id))
		}
		if err := apply(g, l.now()); err != nil {
			return err
		}
		if err := s.UpdateGrant(ctx, *g); err != nil {
			return fmt.Errorf("update grant %s: %w", id, err)
		}
		out = g
		return nil
	})
	if err != nil {
		l.logRejection(op, err)
		return nil, err
	}
	if op != "record_delivery_failure" {
		observability.GrantTransitions.WithLabelValues(string(out.State)).Inc()
	}
	return out, nil
}

func (l *RewardLedger) logRejection(op string, err error) {
	if IsRejection(err) {
		l.log().Info("ledger operation rejected", zap.String("op", op), zap.Error(err))
		return
	}
	l.log().Error("ledger operation failed", zap.String("op", op), zap.Error(err))
}

func (l *RewardLedger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now()
}

func (l *RewardLedger) log() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}
