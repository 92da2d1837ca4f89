package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oasis-spa/loyalty-engine/app"
	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(deliverCmd)
	rootCmd.AddCommand(reevaluateCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditWelcomeCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(importArchiveCmd)

	deliverCmd.Flags().Int("limit", 0, "maximum grants to process (0 = configured batch size)")
	reevaluateCmd.Flags().Int("concurrency", 0, "worker count (0 = configured)")
	auditWelcomeCmd.Flags().Bool("fix", false, "cancel unwarranted welcome grants that are still live")
	approveCmd.Flags().String("actor", "loyaltyctl", "operator recorded as approver")
}

// ─── sweep ──────────────────────────────────────────────────────────────────

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire approved and sent grants past their validity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Engine.Ledger.SweepExpired(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"expired": n})
		})
	},
}

// ─── deliver ────────────────────────────────────────────────────────────────

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Send approved grants, one per channel per cooldown window",
	Long: `Drains approved grants oldest first. Each channel sends at most once per
cooldown window; grants that would exceed it stay approved for the next run.
Failed sends are recorded on the grant and retried next time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rep, err := a.Engine.Delivery.DeliverNext(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

// ─── reevaluate / evaluate ──────────────────────────────────────────────────

var reevaluateCmd = &cobra.Command{
	Use:   "reevaluate",
	Short: "Re-run tier evaluation for every customer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if concurrency <= 0 {
				concurrency = a.Config.Jobs.Concurrency
			}
			res, err := a.Engine.ReevaluateAll(ctx, concurrency)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Errors > 0 {
				return fmt.Errorf("%d evaluations failed", res.Errors)
			}
			return nil
		})
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate CUSTOMER_ID",
	Short: "Evaluate one customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ev, err := a.Engine.Evaluator.Evaluate(ctx, loyalty.CustomerID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ev)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status CUSTOMER_ID",
	Short: "Show a customer's spend, tier, history and grants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			st, err := a.Engine.Status(ctx, loyalty.CustomerID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

// ─── audit-welcome ──────────────────────────────────────────────────────────

var auditWelcomeCmd = &cobra.Command{
	Use:   "audit-welcome",
	Short: "Check welcome grants against the first-purchase rule",
	Long: `Reports customers whose first purchase qualified but who never received a
welcome grant, and welcome grants held by customers who do not qualify.
With --fix, unwarranted grants still pending, approved or sent are cancelled.
Missing grants are only reported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rep, err := a.Engine.Auditor.Audit(ctx, fix)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

// ─── approve ────────────────────────────────────────────────────────────────

var approveCmd = &cobra.Command{
	Use:   "approve GRANT_ID...",
	Short: "Approve pending grants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		ids := make([]loyalty.GrantID, 0, len(args))
		for _, id := range args {
			ids = append(ids, loyalty.GrantID(id))
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res := a.Engine.Ledger.ApproveBatch(ctx, ids, actor)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Rejected > 0 {
				return fmt.Errorf("%d of %d approvals rejected", res.Rejected, len(ids))
			}
			return nil
		})
	},
}

// ─── import-archive ─────────────────────────────────────────────────────────

var importArchiveCmd = &cobra.Command{
	Use:   "import-archive FILE.csv",
	Short: "Import legacy archive spend",
	Long: `Imports archive rows from a CSV file with the header
id,customer_id,date,amount,category (date as YYYY-MM-DD). Rows dated on the
configured placeholder date are stored as synthetic and never count toward
spend. Rows whose id was already imported are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		records, err := parseArchiveCSV(f)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Engine.ImportHistorical(ctx, records)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"received": len(records), "inserted": n})
		})
	},
}

var archiveColumns = []string{"id", "customer_id", "date", "amount", "category"}

// parseArchiveCSV reads archive rows. The category column is optional.
func parseArchiveCSV(r io.Reader) ([]loyalty.HistoricalSpendRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range archiveColumns[:4] {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []loyalty.HistoricalSpendRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		date, err := time.Parse("2006-01-02", field(row, "date"))
		if err != nil {
			return nil, fmt.Errorf("line %d: date: %w", line, err)
		}
		amount, err := decimal.NewFromString(field(row, "amount"))
		if err != nil {
			return nil, fmt.Errorf("line %d: amount: %w", line, err)
		}
		id, customer := field(row, "id"), field(row, "customer_id")
		if id == "" || customer == "" {
			return nil, fmt.Errorf("line %d: id and customer_id are required", line)
		}
		out = append(out, loyalty.HistoricalSpendRecord{
			ID:         id,
			CustomerID: loyalty.CustomerID(customer),
			Date:       date,
			Amount:     amount,
			Category:   field(row, "category"),
		})
	}
	return out, nil
}
