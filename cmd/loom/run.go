package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmorrell/loom/internal/arbiter"
	"github.com/jmorrell/loom/internal/backend"
	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/internal/bus"
	"github.com/jmorrell/loom/internal/config"
	"github.com/jmorrell/loom/internal/orchestrator"
	"github.com/jmorrell/loom/internal/workflow"
	"github.com/jmorrell/loom/pkg/models"
)

var runLocalOnly bool

var runCmd = &cobra.Command{
	Use:   "run <project-id>",
	Short: "Drive a project through its stage plan",
	Long: `Run creates the project if needed and drives it through every stage of
the configured plan, dispatching one agent task per required task type.
Interrupting with Ctrl-C releases task locks and leaves the project
resumable; running the same project id again picks up where it stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runProject,
}

func init() {
	runCmd.Flags().BoolVar(&runLocalOnly, "local-only", false, "Use only the free local backend (no API calls)")
}

func runProject(cmd *cobra.Command, args []string) error {
	projectID := args[0]

	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	logger := orchestrator.NewDebugLoggerForDir(cfg.Data.Dir)
	defer logger.Close()

	b := bus.New(db, bus.Options{LockTTL: cfg.Bus.LockTTL, Logger: logger})

	plan := workflow.DefaultPlan()
	if cfg.Workflow.PlanPath != "" {
		if plan, err = workflow.LoadPlan(cfg.Workflow.PlanPath); err != nil {
			return err
		}
	}
	engine := workflow.New(db, b, plan, cfg.Workflow.MaxRetries)

	gov := budget.NewGovernor(db, cfg.Budget)
	if userConfig := config.GetUserConfigPath(); fileExists(userConfig) {
		watcher, err := config.WatchBudget(userConfig, gov.SetPolicy, logger.Logf)
		if err != nil {
			logger.Logf("budget hot-reload disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return err
	}

	arb := arbiter.New(b, gov, backends, db, arbiter.Options{
		ConfidenceThreshold: cfg.Arbiter.ConfidenceThreshold,
		Logger:              logger,
	})

	workers := orchestrator.NewWorkerRegistry()
	for _, stage := range plan.Stages {
		for _, sub := range stage.SubStages {
			for _, taskType := range sub.RequiredTasks {
				workers.Register(taskType, modelWorker(taskType))
			}
		}
	}

	orch := orchestrator.New(b, engine, arb, gov, backends, workers, orchestrator.Options{
		MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
		SLA:            cfg.Orchestrator.SLA,
		Logger:         logger,
	})

	if p, err := db.GetProject(projectID); err != nil {
		return err
	} else if p == nil {
		if _, err := engine.Start(projectID); err != nil {
			return err
		}
		fmt.Printf("Created project %s\n", projectID)
	} else {
		fmt.Printf("Resuming project %s (%s at %s)\n", projectID, p.Status, p.SubStageID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go renderEvents(orch)
	defer orch.Close()

	err = orch.Run(ctx, projectID)
	switch {
	case err == nil:
		color.Green("Project %s completed", projectID)
		return nil
	case errors.Is(err, context.Canceled):
		color.Yellow("Interrupted; project %s is resumable", projectID)
		return nil
	default:
		return err
	}
}

// buildBackends registers a backend per tier. Paid tiers need Anthropic
// credentials; the free local tier is always available.
func buildBackends(cfg *config.Config) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	reg.Register(models.TierLocal, backend.NewLocal())

	if runLocalOnly {
		return reg, nil
	}
	if cfg.Anthropic.APIKey == "" && !cfg.Anthropic.UseBedrock && os.Getenv("ANTHROPIC_API_KEY") == "" {
		color.Yellow("No Anthropic credentials; paid tiers disabled, using local backend only")
		return reg, nil
	}

	primary, err := backend.NewAnthropic(backend.AnthropicConfig{
		Model:         anthropic.Model(cfg.Anthropic.PrimaryModel),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
	})
	if err != nil {
		return nil, fmt.Errorf("primary backend: %w", err)
	}
	reg.Register(models.TierPrimary, primary)

	economical, err := backend.NewAnthropic(backend.AnthropicConfig{
		Model:         anthropic.Model(cfg.Anthropic.EconomicalModel),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
	})
	if err != nil {
		return nil, fmt.Errorf("economical backend: %w", err)
	}
	reg.Register(models.TierEconomical, economical)
	return reg, nil
}

// modelWorker returns a generic agent task: it reads the project's
// requirements record, asks the selected backend for a contribution of its
// task type, and commits the output under an artifact key.
func modelWorker(taskType string) orchestrator.WorkerFunc {
	return func(ctx context.Context, tc *orchestrator.TaskContext) error {
		var requirements string
		if rec, err := tc.Read("requirements"); err != nil {
			return err
		} else if rec != nil {
			requirements = string(rec.Payload.Data)
		}

		prompt := fmt.Sprintf(`You are the %q agent for sub-stage %q of a staged project.

PROJECT REQUIREMENTS:
%s

Produce your contribution as a single JSON object of the form:
{"payload": <your output as a JSON object>, "confidence": <0.0-1.0>}`,
			taskType, tc.SubStageID, requirements)

		resp, _, err := tc.Model(ctx, prompt, 4096)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("artifact:%s:%s", tc.SubStageID, taskType)
		lock, err := tc.Lock(ctx, key)
		if err != nil {
			return err
		}
		defer tc.Unlock(key, lock.Token)

		var version int64
		if rec, err := tc.Read(key); err != nil {
			return err
		} else if rec != nil {
			version = rec.Version
		}
		_, err = tc.Write(ctx, key, version, models.StructuredPayload([]byte(resp.Payload)), lock.Token)
		return err
	}
}

// renderEvents prints orchestration events until the channel closes.
func renderEvents(orch *orchestrator.Orchestrator) {
	for ev := range orch.Events() {
		switch ev.Type {
		case orchestrator.EventTaskStarted:
			fmt.Printf("  %s %s/%s\n", color.CyanString("task started"), ev.SubStageID, ev.TaskType)
		case orchestrator.EventTaskCompleted:
			fmt.Printf("  %s %s/%s\n", color.GreenString("task done"), ev.SubStageID, ev.TaskType)
		case orchestrator.EventTaskFailed:
			fmt.Printf("  %s %s/%s: %v\n", color.RedString("task failed"), ev.SubStageID, ev.TaskType, ev.Err)
		case orchestrator.EventConflictDetected:
			fmt.Printf("  %s %s\n", color.YellowString("conflict"), ev.Message)
		case orchestrator.EventConflictResolved:
			fmt.Printf("  %s %s\n", color.GreenString("resolved"), ev.Message)
		case orchestrator.EventConflictEscalated:
			fmt.Printf("  %s %s (resolve with 'loom conflicts resolve %s')\n",
				color.RedString("escalated"), ev.Message, ev.ConflictID)
		case orchestrator.EventApprovalRequested:
			fmt.Printf("  %s %s (decide with 'loom approve %s' or 'loom reject %s')\n",
				color.MagentaString("approval needed"), ev.Message, ev.ProjectID, ev.ProjectID)
		case orchestrator.EventStageAdvanced:
			fmt.Printf("  %s %s\n", color.CyanString("advanced"), ev.Message)
		case orchestrator.EventBudgetDegraded:
			fmt.Printf("  %s %s\n", color.YellowString("budget"), ev.Message)
		case orchestrator.EventProjectFailed:
			fmt.Printf("  %s %s\n", color.RedString("project failed"), ev.Message)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
