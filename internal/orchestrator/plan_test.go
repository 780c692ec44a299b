package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/model"
)

func TestParsePlanExtractsArrayFromProse(t *testing.T) {
	output := `Here is the breakdown you asked for:

` + "```json" + `
[
  {"id": "s1", "prompt": "update the parser", "tier": "smart-mid"},
  {"id": "s2", "prompt": "update the tests", "tier": "fast", "depends_on": ["s1"]}
]
` + "```" + `

Let me know if you want changes.`

	plan, err := ParsePlan("t-1", output)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "t-1", plan.RootTaskID)
	assert.Equal(t, model.TierSmartMid, plan.Steps[0].ModelTier)
	assert.Equal(t, []string{"s1"}, plan.Steps[1].DependsOn)
}

func TestParsePlanAssignsMissingStepIDs(t *testing.T) {
	plan, err := ParsePlan("t-9", `[{"prompt": "a"}, {"prompt": "b"}]`)
	require.NoError(t, err)
	assert.Equal(t, "t-9-s1", plan.Steps[0].TaskID)
	assert.Equal(t, "t-9-s2", plan.Steps[1].TaskID)
}

func TestParsePlanRejectsBadOutput(t *testing.T) {
	cases := map[string]string{
		"no array":     `the task is too simple to split`,
		"unterminated": `[{"id": "s1", "prompt": "a"}`,
		"not steps":    `[1, 2, 3]`,
		"empty":        `[]`,
		"no prompt":    `[{"id": "s1"}]`,
		"duplicate id": `[{"id": "s1", "prompt": "a"}, {"id": "s1", "prompt": "b"}]`,
		"unknown dep":  `[{"id": "s1", "prompt": "a", "depends_on": ["nope"]}]`,
		"cycle":        `[{"id": "s1", "prompt": "a", "depends_on": ["s2"]}, {"id": "s2", "prompt": "b", "depends_on": ["s1"]}]`,
		"self-cycle":   `[{"id": "s1", "prompt": "a", "depends_on": ["s1"]}]`,
	}
	for name, output := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan("t-1", output)
			require.Error(t, err)
			assert.Equal(t, errors.KindParse, errors.KindOf(err))
		})
	}
}

func TestFirstJSONArraySkipsBracketsInStrings(t *testing.T) {
	raw, err := firstJSONArray(`prefix [{"prompt": "fix arr[0] and \"b]\""}] suffix`)
	require.NoError(t, err)
	assert.Equal(t, `[{"prompt": "fix arr[0] and \"b]\""}]`, raw)
}

func TestTopoOrderRespectsDependencies(t *testing.T) {
	plan := OrchestrationPlan{Steps: []PlanStep{
		{TaskID: "s3", DependsOn: []string{"s1", "s2"}},
		{TaskID: "s1"},
		{TaskID: "s2", DependsOn: []string{"s1"}},
	}}
	order, err := topoOrder(plan)
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2", "s3"}, order)
}

func TestSplitParallelFansOutPerFile(t *testing.T) {
	plan := splitParallel("t-1", "fix imports in foo.ts and bar.ts", model.TierFast)
	require.Len(t, plan.Steps, 2)
	assert.Contains(t, plan.Steps[0].Prompt, "foo.ts")
	assert.Contains(t, plan.Steps[1].Prompt, "bar.ts")
	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.Empty(t, plan.Steps[1].DependsOn)
	for _, step := range plan.Steps {
		assert.Equal(t, model.TierFast, step.ModelTier)
	}
}

func TestSplitParallelSingleTargetStaysWhole(t *testing.T) {
	plan := splitParallel("t-1", "fix imports in foo.ts", model.TierFast)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "t-1", plan.Steps[0].TaskID)
}
