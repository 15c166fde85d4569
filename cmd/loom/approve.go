package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmorrell/loom/internal/bus"
	"github.com/jmorrell/loom/internal/store"
	"github.com/jmorrell/loom/internal/workflow"
)

var rejectReason string

var approveCmd = &cobra.Command{
	Use:   "approve <project-id>",
	Short: "Approve the gated sub-stage a project is parked on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := engine.Approve(args[0])
		if errors.Is(err, workflow.ErrNotAwaiting) {
			return fmt.Errorf("project %s is %s, not awaiting approval", args[0], p.Status)
		}
		if err != nil {
			return err
		}
		color.Green("Approved; project %s is now %s at %s", p.ID, p.Status, p.SubStageID)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <project-id>",
	Short: "Reject the gated sub-stage a project is parked on",
	Long: `Reject sends the project back to its current sub-stage for another pass,
incrementing the retry counter. Exhausting the retry budget fails the project.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := engine.Reject(args[0], rejectReason)
		switch {
		case errors.Is(err, workflow.ErrNotAwaiting):
			return fmt.Errorf("project %s is %s, not awaiting approval", args[0], p.Status)
		case errors.Is(err, workflow.ErrMaxRetriesExceeded):
			color.Red("Retry budget exhausted; project %s failed", p.ID)
			return nil
		case err != nil:
			return err
		}
		color.Yellow("Rejected; sub-stage %s will re-run (retry %d)", p.SubStageID, p.RetryCount)
		return nil
	},
}

func init() {
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the work was rejected")
}

// openEngine builds a workflow engine over the configured store and plan.
func openEngine() (*workflow.Engine, *store.DB, error) {
	cfg, db, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	plan := workflow.DefaultPlan()
	if cfg.Workflow.PlanPath != "" {
		if plan, err = workflow.LoadPlan(cfg.Workflow.PlanPath); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	b := bus.New(db, bus.Options{})
	return workflow.New(db, b, plan, cfg.Workflow.MaxRetries), db, nil
}
