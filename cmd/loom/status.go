package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jmorrell/loom/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show project state",
	Long: `Display project workflow state.

Without arguments, lists every known project. With a project id, shows its
position in the stage plan, spend, context records, and open conflicts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 0 {
		projects, err := db.ListProjects()
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		if len(projects) == 0 {
			fmt.Println("No projects. Run 'loom run <project-id>' to start one.")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "Status", "Sub-stage", "Retries", "Spend", "Age"})
		for _, p := range projects {
			spend, err := db.SumProjectSpend(p.ID)
			if err != nil {
				return err
			}
			tw.AppendRow(table.Row{
				p.ID, p.Status,
				fmt.Sprintf("%d/%s", p.StageIndex, p.SubStageID),
				p.RetryCount,
				formatMicroUSD(spend),
				formatDuration(time.Since(p.CreatedAt)),
			})
		}
		tw.Render()
		return nil
	}

	projectID := args[0]
	p, err := db.GetProject(projectID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("project %s not found", projectID)
	}

	spend, err := db.SumProjectSpend(p.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Project: %s\n", p.ID)
	fmt.Printf("  Status: %s\n", p.Status)
	fmt.Printf("  Sub-stage: %d/%s (retries %d)\n", p.StageIndex, p.SubStageID, p.RetryCount)
	fmt.Printf("  Spend: %s\n", formatMicroUSD(spend))
	fmt.Printf("  Age: %s\n", formatDuration(time.Since(p.CreatedAt)))
	if p.FailureReason != "" {
		fmt.Printf("  Failure: %s\n", p.FailureReason)
	}

	records, err := db.ListRecords(p.ID)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		fmt.Println()
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Key", "Version", "Last writer", "Updated"})
		for _, r := range records {
			tw.AppendRow(table.Row{r.Key, r.Version, r.LastWriter, formatDuration(time.Since(r.UpdatedAt)) + " ago"})
		}
		tw.Render()
	}

	pending, err := db.ListConflicts(p.ID, models.ManualPending)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Printf("\n%d conflict(s) awaiting manual resolution; see 'loom conflicts list %s'\n", len(pending), p.ID)
	}
	return nil
}

// formatMicroUSD renders integer micro-USD as dollars.
func formatMicroUSD(micro int64) string {
	return fmt.Sprintf("$%d.%06d", micro/1_000_000, micro%1_000_000)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
