package loyalty

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AuditFindingKind classifies a welcome-grant discrepancy.
type AuditFindingKind string

const (
	// FindingMissing: the customer's first purchase qualified but no welcome grant exists.
	FindingMissing AuditFindingKind = "missing"
	// FindingUnwarranted: a welcome grant exists but the customer had prior spend.
	FindingUnwarranted AuditFindingKind = "unwarranted"
)

type AuditFinding struct {
	CustomerID CustomerID
	Kind       AuditFindingKind
	GrantID    GrantID
	GrantState GrantState
	Detail     string
	Fixed      bool
}

type AuditReport struct {
	Checked  int
	Findings []AuditFinding
}

// WelcomeAuditor checks existing welcome grants against the same
// first-ever-purchase predicate the evaluator uses.
type WelcomeAuditor struct {
	Store      TxStore
	Directory  CustomerDirectory
	Aggregator *SpendAggregator
	Ledger     *RewardLedger
	Log        *zap.Logger
}

// FirstPurchaseView rebuilds the summary as it looked when the customer's
// earliest counted live transaction was made: the whole archive plus that
// one live record. The archive is always prior spend.
func FirstPurchaseView(s SpendSummary) SpendSummary {
	view := SpendSummary{
		CustomerID:            s.CustomerID,
		TotalHistorical:       s.TotalHistorical,
		TotalLive:             decimal.Zero,
		CountHistorical:       s.CountHistorical,
		HistoricalUnavailable: s.HistoricalUnavailable,
	}
	var first *SpendRecord
	for i := range s.Ledger {
		r := s.Ledger[i]
		if r.Source == SourceArchive {
			view.Ledger = append(view.Ledger, r)
			continue
		}
		// Ledger is date descending, so the last live row seen is the earliest.
		first = &s.Ledger[i]
	}
	if first != nil {
		view.Ledger = append(view.Ledger, *first)
		view.TotalLive = first.Amount
		view.CountLive = 1
	}
	view.TotalCombined = view.TotalHistorical.Add(view.TotalLive)
	return view
}

// Audit checks every customer. With fix set, unwarranted grants that are
// still live are cancelled; missing grants are only reported.
func (a *WelcomeAuditor) Audit(ctx context.Context, fix bool) (AuditReport, error) {
	var report AuditReport
	ids, err := a.Directory.ListCustomerIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list customers: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		findings, err := a.auditCustomer(ctx, id, fix)
		if err != nil {
			return report, err
		}
		report.Checked++
		report.Findings = append(report.Findings, findings...)
	}
	a.log().Info("welcome audit finished",
		zap.Int("checked", report.Checked),
		zap.Int("findings", len(report.Findings)),
		zap.Bool("fix", fix))
	return report, nil
}

func (a *WelcomeAuditor) auditCustomer(ctx context.Context, id CustomerID, fix bool) ([]AuditFinding, error) {
	summary, err := a.Aggregator.Aggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	grants, err := a.Store.GrantsByCustomer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load grants for %s: %w", id, err)
	}

	eligible := summary.CountLive > 0 && IsFirstEverPurchase(FirstPurchaseView(summary))

	var welcome []RewardGrant
	for _, g := range grants {
		if g.Category == CategoryWelcomeDiscount && g.State != StateCancelled {
			welcome = append(welcome, g)
		}
	}

	var findings []AuditFinding
	switch {
	case eligible && len(welcome) == 0:
		findings = append(findings, AuditFinding{
			CustomerID: id,
			Kind:       FindingMissing,
			Detail:     "first purchase qualified but no welcome grant exists",
		})
	case !eligible:
		for _, g := range welcome {
			f := AuditFinding{
				CustomerID: id,
				Kind:       FindingUnwarranted,
				GrantID:    g.ID,
				GrantState: g.State,
				Detail:     fmt.Sprintf("prior spend %s in %d archive records", summary.TotalHistorical, summary.CountHistorical),
			}
			if fix && g.State.IsLive() {
				if _, err := a.Ledger.Cancel(ctx, g.ID, "welcome audit: customer had prior spend"); err != nil {
					if !IsRejection(err) {
						return nil, err
					}
				} else {
					f.Fixed = true
				}
			}
			findings = append(findings, f)
		}
	}

	for _, f := range findings {
		a.log().Warn("welcome audit finding",
			zap.String("customer_id", string(f.CustomerID)),
			zap.String("kind", string(f.Kind)),
			zap.String("grant_id", string(f.GrantID)),
			zap.Bool("fixed", f.Fixed))
	}
	return findings, nil
}

func (a *WelcomeAuditor) log() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}
