package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/model"
)

// PlanStep is one node of an orchestration plan.
type PlanStep struct {
	TaskID    string     `json:"id"`
	Prompt    string     `json:"prompt"`
	ModelTier model.Tier `json:"tier"`
	DependsOn []string   `json:"depends_on,omitempty"`
}

// OrchestrationPlan is a DAG of steps executing one submitted task.
type OrchestrationPlan struct {
	RootTaskID string     `json:"root_task_id"`
	Steps      []PlanStep `json:"steps"`
}

// SingleStepPlan wraps one task into a trivial plan.
func SingleStepPlan(rootTaskID, prompt string, tier model.Tier) OrchestrationPlan {
	return OrchestrationPlan{
		RootTaskID: rootTaskID,
		Steps:      []PlanStep{{TaskID: rootTaskID, Prompt: prompt, ModelTier: tier}},
	}
}

// fileTarget matches filenames named in task text, e.g. "foo.ts".
var fileTarget = regexp.MustCompile(`[\w./-]+\.\w+`)

// splitParallel fans a parallelizable task out into one independent step per
// named file target. Tasks naming fewer than two targets stay single-step.
func splitParallel(rootTaskID, content string, tier model.Tier) OrchestrationPlan {
	var targets []string
	seen := make(map[string]bool)
	for _, m := range fileTarget.FindAllString(content, -1) {
		if !seen[m] {
			seen[m] = true
			targets = append(targets, m)
		}
	}
	if len(targets) < 2 {
		return SingleStepPlan(rootTaskID, content, tier)
	}

	steps := make([]PlanStep, 0, len(targets))
	for i, target := range targets {
		steps = append(steps, PlanStep{
			TaskID:    fmt.Sprintf("%s-s%d", rootTaskID, i+1),
			Prompt:    content + "\n\nWork only on " + target + ".",
			ModelTier: tier,
		})
	}
	return OrchestrationPlan{RootTaskID: rootTaskID, Steps: steps}
}

// ParsePlan extracts the first JSON array of steps from planning agent
// output. Model output wraps the array in prose and code fences, so the
// parser scans for a balanced bracket range rather than unmarshalling the
// whole text.
func ParsePlan(rootTaskID, text string) (OrchestrationPlan, error) {
	raw, err := firstJSONArray(text)
	if err != nil {
		return OrchestrationPlan{}, err
	}

	var steps []PlanStep
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return OrchestrationPlan{}, errors.Parse("plan array is not valid JSON", err)
	}
	if len(steps) == 0 {
		return OrchestrationPlan{}, errors.Parse("plan contains no steps", nil)
	}

	seen := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].TaskID == "" {
			steps[i].TaskID = fmt.Sprintf("%s-s%d", rootTaskID, i+1)
		}
		if seen[steps[i].TaskID] {
			return OrchestrationPlan{}, errors.Parse("duplicate step id: "+steps[i].TaskID, nil)
		}
		seen[steps[i].TaskID] = true
		if steps[i].Prompt == "" {
			return OrchestrationPlan{}, errors.Parse("step "+steps[i].TaskID+" has no prompt", nil)
		}
		steps[i].ModelTier = model.ParseTier(string(steps[i].ModelTier))
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return OrchestrationPlan{}, errors.Parse("step "+step.TaskID+" depends on unknown step "+dep, nil)
			}
		}
	}

	plan := OrchestrationPlan{RootTaskID: rootTaskID, Steps: steps}
	if _, err := topoOrder(plan); err != nil {
		return OrchestrationPlan{}, err
	}
	return plan, nil
}

// firstJSONArray returns the first balanced top-level bracket range,
// respecting string literals and escapes.
func firstJSONArray(text string) (string, error) {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return "", errors.Parse("no JSON array in plan output", nil)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errors.Parse("unterminated JSON array in plan output", nil)
}

// topoOrder returns the step ids in dependency order, failing on cycles.
func topoOrder(plan OrchestrationPlan) ([]string, error) {
	indegree := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		indegree[step.TaskID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.TaskID]++
			dependents[dep] = append(dependents[dep], step.TaskID)
		}
	}

	var ready []string
	for _, step := range plan.Steps {
		if indegree[step.TaskID] == 0 {
			ready = append(ready, step.TaskID)
		}
	}

	order := make([]string, 0, len(plan.Steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(plan.Steps) {
		return nil, errors.Parse("plan has a dependency cycle", nil)
	}
	return order, nil
}
