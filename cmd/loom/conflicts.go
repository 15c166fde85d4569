package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jmorrell/loom/internal/arbiter"
	"github.com/jmorrell/loom/internal/backend"
	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/internal/bus"
	"github.com/jmorrell/loom/pkg/models"
)

var resolvePayload string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve write conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List conflicts awaiting manual resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		pending, err := db.ListConflicts(args[0], models.ManualPending)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No conflicts awaiting manual resolution.")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "Key", "Base version", "Challenger", "Attempts", "Age"})
		for _, c := range pending {
			tw.AppendRow(table.Row{
				c.ID, c.Key, c.BaseVersion, c.ChallengerHolder,
				len(c.Attempts),
				formatDuration(time.Since(c.DetectedAt)),
			})
		}
		tw.Render()
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show both payloads and the tier audit trail of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		c, err := db.GetConflict(args[0])
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("conflict %s not found", args[0])
		}

		fmt.Printf("Conflict %s on %q (project %s)\n", c.ID, c.Key, c.ProjectID)
		fmt.Printf("  Status: %s\n", c.Status)
		fmt.Printf("  Both writers read version %d\n", c.BaseVersion)
		fmt.Printf("\nCommitted payload:\n  %s\n", c.Committed.Data)
		fmt.Printf("\nChallenger payload (from %s):\n  %s\n", c.ChallengerHolder, c.Challenger.Data)
		if len(c.Attempts) > 0 {
			fmt.Println("\nResolution attempts:")
			for _, a := range c.Attempts {
				outcome := "rejected"
				if a.Accepted {
					outcome = "accepted"
				}
				fmt.Printf("  %-18s %s", a.Tier, outcome)
				if a.Confidence > 0 {
					fmt.Printf(" (confidence %.2f)", a.Confidence)
				}
				if a.CostMicroUSD > 0 {
					fmt.Printf(" cost %s", formatMicroUSD(a.CostMicroUSD))
				}
				if a.Detail != "" {
					fmt.Printf(": %s", a.Detail)
				}
				fmt.Println()
			}
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve an escalated conflict with a reviewer-supplied payload",
	Long: `Resolve commits the given JSON payload as the authoritative value of the
disputed key and releases its lock.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(resolvePayload)) {
			return fmt.Errorf("--payload must be a valid JSON object")
		}

		cfg, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		b := bus.New(db, bus.Options{})
		gov := budget.NewGovernor(db, cfg.Budget)
		arb := arbiter.New(b, gov, backend.NewRegistry(), db, arbiter.Options{})

		if err := arb.SubmitResolution(args[0], models.StructuredPayload([]byte(resolvePayload))); err != nil {
			return err
		}
		color.Green("Conflict %s resolved", args[0])
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolvePayload, "payload", "", "Resolution payload as JSON (required)")
	conflictsResolveCmd.MarkFlagRequired("payload")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}
