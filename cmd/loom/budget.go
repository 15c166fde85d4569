package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/pkg/models"
)

var budgetCmd = &cobra.Command{
	Use:   "budget [project-id]",
	Short: "Show spend against the daily and monthly caps",
	Long: `Budget sums the billing ledger for the current UTC day and month and
reports remaining headroom under each cap. With a project ID it also
prints that project's ledger entries.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		gov := budget.NewGovernor(db, cfg.Budget)
		now := time.Now()

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Window", "Spent", "Cap", "Remaining"})
		for _, w := range []models.Window{models.WindowDay, models.WindowMonth} {
			spent, err := db.SumSpend(w, now)
			if err != nil {
				return err
			}
			remaining, capped, err := gov.RemainingBudget(w)
			if err != nil {
				return err
			}
			capCell, remCell := "none", "-"
			if capped {
				capCell = formatMicroUSD(capFor(cfg.Budget, w))
				remCell = formatMicroUSD(remaining)
			}
			tw.AppendRow(table.Row{w, formatMicroUSD(spent), capCell, remCell})
		}
		tw.Render()

		if exceeded, err := gov.CapExceeded(); err == nil && exceeded {
			fmt.Printf("\nCap met: paid tiers are blocked, traffic is pinned to %s\n", cfg.Budget.FloorTier)
		}

		if len(args) == 1 {
			entries, err := db.ListLedger(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Printf("\nNo ledger entries for project %s\n", args[0])
				return nil
			}
			fmt.Printf("\nLedger for %s:\n", args[0])
			lt := table.NewWriter()
			lt.SetOutputMirror(os.Stdout)
			lt.AppendHeader(table.Row{"Tier", "Class", "In", "Out", "Cost", "At"})
			var total int64
			for _, e := range entries {
				lt.AppendRow(table.Row{
					e.Tier, e.Class, e.InputUnits, e.OutputUnits,
					formatMicroUSD(e.CostMicroUSD),
					e.At.Local().Format("Jan 2 15:04:05"),
				})
				total += e.CostMicroUSD
			}
			lt.AppendFooter(table.Row{"", "", "", "Total", formatMicroUSD(total), ""})
			lt.Render()
		}
		return nil
	},
}

func capFor(p budget.Policy, w models.Window) int64 {
	if w == models.WindowDay {
		return p.DailyCapMicroUSD
	}
	return p.MonthlyCapMicroUSD
}
