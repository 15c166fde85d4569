package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jmorrell/loom/pkg/models"
)

// LoadPlan reads and validates a stage plan from a yaml file.
func LoadPlan(path string) (models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan parses and validates a stage plan from yaml bytes.
func ParsePlan(data []byte) (models.Plan, error) {
	var plan models.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return models.Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return models.Plan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

// DefaultPlan is a minimal two-stage plan used when no plan file is
// configured: a draft sub-stage, a gated review sub-stage, and a delivery
// stage.
func DefaultPlan() models.Plan {
	return models.Plan{
		Stages: []models.Stage{
			{
				Name: "build",
				SubStages: []models.SubStage{
					{ID: "draft", RequiredTasks: []string{"writer"}},
					{ID: "review", RequiredTasks: []string{"reviewer"}, Gate: true},
				},
			},
			{
				Name: "deliver",
				SubStages: []models.SubStage{
					{ID: "finalize", RequiredTasks: []string{"publisher"}},
				},
			},
		},
	}
}
