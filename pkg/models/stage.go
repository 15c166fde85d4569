package models

import "fmt"

// SubStage declares one checkpoint within a stage.
type SubStage struct {
	// ID uniquely names the sub-stage within the plan.
	ID string `yaml:"id" json:"id"`
	// RequiredTasks lists the task types that must post a success result
	// before the sub-stage can advance.
	RequiredTasks []string `yaml:"required_tasks" json:"required_tasks"`
	// Gate is true when advancement additionally requires human approval.
	Gate bool `yaml:"gate" json:"gate"`
}

// Stage is an ordered group of sub-stages.
type Stage struct {
	// Name labels the stage for operators.
	Name string `yaml:"name" json:"name"`
	// SubStages run in order within the stage.
	SubStages []SubStage `yaml:"sub_stages" json:"sub_stages"`
}

// Plan is the static, ordered stage configuration for a workflow.
// It is immutable at runtime and loaded once.
type Plan struct {
	// Stages run in order.
	Stages []Stage `yaml:"stages" json:"stages"`
}

// Validate checks the plan is well-formed: at least one stage, every stage
// non-empty, sub-stage IDs unique across the plan, and every sub-stage
// declaring at least one required task type.
func (p Plan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan has no stages")
	}
	seen := make(map[string]bool)
	for si, stage := range p.Stages {
		if len(stage.SubStages) == 0 {
			return fmt.Errorf("stage %d (%s) has no sub-stages", si, stage.Name)
		}
		for _, sub := range stage.SubStages {
			if sub.ID == "" {
				return fmt.Errorf("stage %d (%s) has a sub-stage with no id", si, stage.Name)
			}
			if seen[sub.ID] {
				return fmt.Errorf("duplicate sub-stage id %q", sub.ID)
			}
			seen[sub.ID] = true
			if len(sub.RequiredTasks) == 0 {
				return fmt.Errorf("sub-stage %q declares no required tasks", sub.ID)
			}
		}
	}
	return nil
}

// SubStageAt returns the sub-stage at the given position.
func (p Plan) SubStageAt(stageIndex int, subStageID string) (SubStage, bool) {
	if stageIndex < 0 || stageIndex >= len(p.Stages) {
		return SubStage{}, false
	}
	for _, sub := range p.Stages[stageIndex].SubStages {
		if sub.ID == subStageID {
			return sub, true
		}
	}
	return SubStage{}, false
}

// Next returns the position after (stageIndex, subStageID), or ok=false when
// the given position is the final sub-stage of the final stage.
func (p Plan) Next(stageIndex int, subStageID string) (nextStage int, nextSub string, ok bool) {
	if stageIndex < 0 || stageIndex >= len(p.Stages) {
		return 0, "", false
	}
	subs := p.Stages[stageIndex].SubStages
	for i, sub := range subs {
		if sub.ID != subStageID {
			continue
		}
		if i+1 < len(subs) {
			return stageIndex, subs[i+1].ID, true
		}
		if stageIndex+1 < len(p.Stages) {
			return stageIndex + 1, p.Stages[stageIndex+1].SubStages[0].ID, true
		}
		return 0, "", false
	}
	return 0, "", false
}

// First returns the initial position of the plan.
func (p Plan) First() (stageIndex int, subStageID string) {
	return 0, p.Stages[0].SubStages[0].ID
}
