package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorrell/loom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show effective configuration",
	Long: `View the effective Loom configuration after defaults, the user config,
the project .loom.yaml, and environment variables have been merged.

Without arguments, displays all configuration values.
With one argument (key), displays the value for that key.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if len(args) == 1 {
			displayConfigKey(cfg, args[0])
			return
		}
		displayAllConfig(cfg)
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s\n", maskKey(cfg.Anthropic.APIKey))
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("anthropic.primary_model: %s\n", cfg.Anthropic.PrimaryModel)
	fmt.Printf("anthropic.economical_model: %s\n", cfg.Anthropic.EconomicalModel)
	fmt.Printf("data.dir: %s\n", cfg.Data.Dir)
	fmt.Printf("bus.lock_ttl: %s\n", cfg.Bus.LockTTL)
	fmt.Printf("budget.daily_cap_micro_usd: %d\n", cfg.Budget.DailyCapMicroUSD)
	fmt.Printf("budget.monthly_cap_micro_usd: %d\n", cfg.Budget.MonthlyCapMicroUSD)
	fmt.Printf("budget.floor_tier: %s\n", cfg.Budget.FloorTier)
	fmt.Printf("budget.error_rate_threshold: %.2f\n", cfg.Budget.ErrorRateThreshold)
	fmt.Printf("budget.error_window: %s\n", cfg.Budget.ErrorWindow)
	fmt.Printf("orchestrator.max_concurrency: %d\n", cfg.Orchestrator.MaxConcurrency)
	fmt.Printf("orchestrator.sla: %s\n", cfg.Orchestrator.SLA)
	fmt.Printf("workflow.plan_path: %s\n", cfg.Workflow.PlanPath)
	fmt.Printf("workflow.max_retries: %d\n", cfg.Workflow.MaxRetries)
	fmt.Printf("arbiter.confidence_threshold: %.2f\n", cfg.Arbiter.ConfidenceThreshold)

	fmt.Printf("\nuser config: %s\n", config.GetUserConfigPath())
	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("project config: %s\n", project)
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return maskKey(cfg.Anthropic.APIKey), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.primary_model":
		return cfg.Anthropic.PrimaryModel, nil
	case "anthropic.economical_model":
		return cfg.Anthropic.EconomicalModel, nil
	case "data.dir":
		return cfg.Data.Dir, nil
	case "bus.lock_ttl":
		return cfg.Bus.LockTTL.String(), nil
	case "budget.daily_cap_micro_usd":
		return strconv.FormatInt(cfg.Budget.DailyCapMicroUSD, 10), nil
	case "budget.monthly_cap_micro_usd":
		return strconv.FormatInt(cfg.Budget.MonthlyCapMicroUSD, 10), nil
	case "budget.floor_tier":
		return string(cfg.Budget.FloorTier), nil
	case "budget.error_rate_threshold":
		return strconv.FormatFloat(cfg.Budget.ErrorRateThreshold, 'f', 2, 64), nil
	case "budget.error_window":
		return cfg.Budget.ErrorWindow.String(), nil
	case "orchestrator.max_concurrency":
		return strconv.Itoa(cfg.Orchestrator.MaxConcurrency), nil
	case "orchestrator.sla":
		return cfg.Orchestrator.SLA.String(), nil
	case "workflow.plan_path":
		return cfg.Workflow.PlanPath, nil
	case "workflow.max_retries":
		return strconv.Itoa(cfg.Workflow.MaxRetries), nil
	case "arbiter.confidence_threshold":
		return strconv.FormatFloat(cfg.Arbiter.ConfidenceThreshold, 'f', 2, 64), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// maskKey hides the API key value, showing only whether it is set.
func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	return "****"
}
