package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/pkg/models"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromPath_Defaults(t *testing.T) {
	cfg, err := LoadFromPath(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Orchestrator.MaxConcurrency != 4 {
		t.Errorf("max_concurrency = %d, want 4", cfg.Orchestrator.MaxConcurrency)
	}
	if cfg.Workflow.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Workflow.MaxRetries)
	}
	if cfg.Arbiter.ConfidenceThreshold != 0.8 {
		t.Errorf("confidence_threshold = %v, want 0.8", cfg.Arbiter.ConfidenceThreshold)
	}
	if cfg.Bus.LockTTL != 30*time.Second {
		t.Errorf("lock_ttl = %s, want 30s", cfg.Bus.LockTTL)
	}
	if cfg.Budget.FloorTier != models.TierLocal {
		t.Errorf("floor_tier = %s, want local", cfg.Budget.FloorTier)
	}
	if cfg.Budget.Prices == nil {
		t.Error("default price table not applied")
	}
	if cfg.DatabasePath() == "" {
		t.Error("database path empty")
	}
}

func TestLoadFromPath_BudgetPolicy(t *testing.T) {
	cfg, err := LoadFromPath(writeConfig(t, `
budget:
  daily_cap_micro_usd: 5000000
  monthly_cap_micro_usd: 100000000
  floor_tier: economical
  error_rate_threshold: 0.25
  error_window: 2m
  prices:
    primary:
      input_per_million: 3000000
      output_per_million: 15000000
orchestrator:
  max_concurrency: 8
  sla: 2h
workflow:
  plan_path: /etc/loom/plan.yaml
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Budget.DailyCapMicroUSD != 5_000_000 || cfg.Budget.MonthlyCapMicroUSD != 100_000_000 {
		t.Errorf("caps = %d/%d", cfg.Budget.DailyCapMicroUSD, cfg.Budget.MonthlyCapMicroUSD)
	}
	if cfg.Budget.FloorTier != models.TierEconomical {
		t.Errorf("floor_tier = %s, want economical", cfg.Budget.FloorTier)
	}
	if cfg.Budget.ErrorWindow != 2*time.Minute {
		t.Errorf("error_window = %s, want 2m", cfg.Budget.ErrorWindow)
	}
	if got := cfg.Budget.Prices[models.TierPrimary].OutputPerMillion; got != 15_000_000 {
		t.Errorf("primary output price = %d", got)
	}
	if cfg.Orchestrator.MaxConcurrency != 8 || cfg.Orchestrator.SLA != 2*time.Hour {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Workflow.PlanPath != "/etc/loom/plan.yaml" {
		t.Errorf("plan_path = %s", cfg.Workflow.PlanPath)
	}
}

func TestLoadFromPath_ExpandsAPIKeyReference(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-test-123")
	cfg, err := LoadFromPath(writeConfig(t, "anthropic:\n  api_key: ${LOOM_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want expanded value", cfg.Anthropic.APIKey)
	}
}

func TestWatchBudget_AppliesPolicyOnChange(t *testing.T) {
	path := writeConfig(t, "budget:\n  daily_cap_micro_usd: 1000\n")

	var mu sync.Mutex
	var got *budget.Policy
	w, err := WatchBudget(path, func(p budget.Policy) {
		mu.Lock()
		defer mu.Unlock()
		got = &p
	}, t.Logf)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("budget:\n  daily_cap_micro_usd: 2000\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := got != nil && got.DailyCapMicroUSD == 2000
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("policy change not applied")
}
