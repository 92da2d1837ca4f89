/*
spend.go - Unified spend ledger from archive and live sources

PURPOSE:
  A customer's spend lives in two places: the legacy archive imported once
  during migration, and the live sales system. SpendAggregator merges them
  into one ledger sorted newest first, with per-source totals.

FILTERING:
  - Archive rows flagged IsSynthetic never count. The flag is set at import
    time by MarkSynthetic; the aggregator does not know the placeholder date.
  - Live rows count only when their payment state is paid or partial.

DEGRADATION:
  If the archive source is missing or returns ErrSourceUnavailable, the
  archive contribution is zero and a warning is logged. Any other archive
  error, and any live source error, fails the aggregation.

SEE ALSO:
  - tier.go: Consumes TotalCombined
  - milestone.go: IsFirstEverPurchase consumes the counts
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SpendAggregator combines historical and live spend. Read-only.
type SpendAggregator struct {
	Live       LiveSpendSource
	Historical HistoricalSpendSource // nil when the archive is not provisioned
	Log        *zap.Logger
}

func NewSpendAggregator(live LiveSpendSource, historical HistoricalSpendSource, log *zap.Logger) *SpendAggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &SpendAggregator{Live: live, Historical: historical, Log: log.Named("loyalty.spend")}
}

// Aggregate returns the customer's full spend ledger and totals.
func (a *SpendAggregator) Aggregate(ctx context.Context, customerID CustomerID) (SpendSummary, error) {
	summary := SpendSummary{
		CustomerID:      customerID,
		TotalHistorical: decimal.Zero,
		TotalLive:       decimal.Zero,
		TotalCombined:   decimal.Zero,
	}

	historical, err := a.loadHistorical(ctx, customerID)
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			return summary, fmt.Errorf("load historical spend for %s: %w", customerID, err)
		}
		a.log().Warn("historical spend source unavailable, counting archive as zero",
			zap.String("customer_id", string(customerID)), zap.Error(err))
		summary.HistoricalUnavailable = true
	}

	for _, h := range historical {
		if h.IsSynthetic {
			continue
		}
		summary.Ledger = append(summary.Ledger, SpendRecord{
			ID:       h.ID,
			Date:     h.Date,
			Amount:   h.Amount,
			Category: h.Category,
			Source:   SourceArchive,
		})
		summary.TotalHistorical = summary.TotalHistorical.Add(h.Amount)
		summary.CountHistorical++
	}

	if a.Live != nil {
		live, err := a.Live.LiveSpend(ctx, customerID)
		if err != nil {
			return summary, fmt.Errorf("load live spend for %s: %w", customerID, err)
		}
		for _, l := range live {
			if !l.PaymentState.Counts() {
				continue
			}
			summary.Ledger = append(summary.Ledger, SpendRecord{
				ID:           l.ID,
				Date:         l.Date,
				Amount:       l.Amount,
				Category:     l.Category,
				Source:       SourceLive,
				PaymentState: l.PaymentState,
			})
			summary.TotalLive = summary.TotalLive.Add(l.Amount)
			summary.CountLive++
		}
	}

	sort.SliceStable(summary.Ledger, func(i, j int) bool {
		return summary.Ledger[i].Date.After(summary.Ledger[j].Date)
	})
	summary.TotalCombined = summary.TotalHistorical.Add(summary.TotalLive)
	return summary, nil
}

func (a *SpendAggregator) loadHistorical(ctx context.Context, customerID CustomerID) ([]HistoricalSpendRecord, error) {
	if a.Historical == nil {
		return nil, ErrSourceUnavailable
	}
	return a.Historical.HistoricalSpend(ctx, customerID)
}

func (a *SpendAggregator) log() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// MarkSynthetic flags archive rows dated on the migration placeholder date.
// This is the only place the placeholder date is known; call it when importing.
func MarkSynthetic(records []HistoricalSpendRecord, placeholder time.Time) []HistoricalSpendRecord {
	if placeholder.IsZero() {
		return records
	}
	py, pm, pd := placeholder.Date()
	out := make([]HistoricalSpendRecord, len(records))
	for i, r := range records {
		y, m, d := r.Date.Date()
		if y == py && m == pm && d == pd {
			r.IsSynthetic = true
		}
		out[i] = r
	}
	return out
}
