package loyalty

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TierChange describes one detected tier transition.
type TierChange struct {
	CustomerID    CustomerID
	TierBefore    int
	TierAfter     int
	SpendAtChange decimal.Decimal
	RewardGrantID *GrantID
	Notes         string
}

// TierHistoryRecorder appends tier transitions. It never updates or deletes.
type TierHistoryRecorder struct {
	Clock Clock
	Log   *zap.Logger
	NewID func() HistoryID
}

func NewTierHistoryRecorder(clock Clock, log *zap.Logger) *TierHistoryRecorder {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TierHistoryRecorder{
		Clock: clock,
		Log:   log.Named("loyalty.history"),
		NewID: func() HistoryID { return HistoryID(uuid.NewString()) },
	}
}

// Record appends an entry for a tier change. A call with equal tiers is a no-op
// and returns (nil, nil).
func (r *TierHistoryRecorder) Record(ctx context.Context, s Store, change TierChange) (*TierHistoryEntry, error) {
	if change.TierBefore == change.TierAfter {
		return nil, nil
	}
	entry := TierHistoryEntry{
		ID:            r.NewID(),
		CustomerID:    change.CustomerID,
		TierFrom:      change.TierBefore,
		TierTo:        change.TierAfter,
		SpendAtChange: change.SpendAtChange,
		ChangedAt:     r.Clock.Now(),
		RewardGrantID: change.RewardGrantID,
		Notes:         change.Notes,
	}
	if err := s.AppendTierHistory(ctx, entry); err != nil {
		return nil, fmt.Errorf("append tier history for %s: %w", change.CustomerID, err)
	}

	fields := []zap.Field{
		zap.String("customer_id", string(entry.CustomerID)),
		zap.Int("tier_from", entry.TierFrom),
		zap.Int("tier_to", entry.TierTo),
		zap.String("spend", entry.SpendAtChange.String()),
	}
	if entry.RewardGrantID != nil {
		fields = append(fields, zap.String("grant_id", string(*entry.RewardGrantID)))
	}
	r.Log.Info("tier change recorded", fields...)
	return &entry, nil
}

// CurrentTier returns the tier from the latest history entry, 0 if none.
func CurrentTier(ctx context.Context, s Store, customerID CustomerID) (int, error) {
	last, err := s.LastTierEntry(ctx, customerID)
	if err != nil {
		return 0, fmt.Errorf("load last tier entry for %s: %w", customerID, err)
	}
	if last == nil {
		return 0, nil
	}
	return last.TierTo, nil
}

// PeakTier returns the highest tier the customer has ever been recorded at.
func PeakTier(ctx context.Context, s Store, customerID CustomerID) (int, error) {
	entries, err := s.TierHistory(ctx, customerID)
	if err != nil {
		return 0, fmt.Errorf("load tier history for %s: %w", customerID, err)
	}
	peak := 0
	for _, e := range entries {
		peak = max(peak, e.TierTo)
	}
	return peak, nil
}

// HasWelcomeGrant reports whether the customer was ever issued a welcome
// reward that was not cancelled. Used and expired grants count.
func HasWelcomeGrant(ctx context.Context, s Store, customerID CustomerID) (bool, error) {
	grants, err := s.GrantsByCustomer(ctx, customerID)
	if err != nil {
		return false, fmt.Errorf("load grants for %s: %w", customerID, err)
	}
	for _, g := range grants {
		if g.Category == CategoryWelcomeDiscount && g.State != StateCancelled {
			return true, nil
		}
	}
	return false, nil
}
