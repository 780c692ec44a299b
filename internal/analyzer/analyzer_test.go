package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jasonkneen/claudelet/internal/model"
)

func TestAnalyzeIsDeterministic(t *testing.T) {
	input := "refactor the payment flow across all modules"
	first := Analyze(input, Context{ContextFiles: 5, Constraints: true})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Analyze(input, Context{ContextFiles: 5, Constraints: true}))
	}
}

func TestAnalyzeFastLookup(t *testing.T) {
	a := Analyze("list files in the current directory", Context{})

	assert.Equal(t, 1, a.Complexity)
	assert.Equal(t, model.TierFast, a.SuggestedTier)
	assert.Equal(t, TimeFast, a.EstimatedTime)
	assert.False(t, a.NeedsPlanning)
}

func TestAnalyzeTrivialEditGetsFastDiscount(t *testing.T) {
	a := Analyze("fix the typo in the README heading", Context{})

	assert.Equal(t, IntentFix, a.Intent)
	assert.Equal(t, 1, a.Complexity, "fast-task discount must floor at 1")
	assert.Equal(t, model.TierFast, a.SuggestedTier)
}

func TestAnalyzeComplexRefactor(t *testing.T) {
	a := Analyze("refactor the authentication layer across all modules to use the new schema", Context{})

	assert.GreaterOrEqual(t, a.Complexity, 8)
	assert.Equal(t, model.TierSmartHigh, a.SuggestedTier)
	assert.True(t, a.NeedsPlanning, "complexity >= 8 implies planning")
	assert.Equal(t, TimeSlow, a.EstimatedTime)
}

func TestAnalyzePlanningPatternForcesHighComplexity(t *testing.T) {
	a := Analyze("break this down step by step for me", Context{})

	assert.GreaterOrEqual(t, a.Complexity, 8)
	assert.True(t, a.NeedsPlanning)
	assert.Equal(t, model.TierSmartHigh, a.SuggestedTier)
}

func TestAnalyzePlanningVerbAloneDoesNotRaiseComplexity(t *testing.T) {
	a := Analyze("design a small helper for parsing dates please", Context{})

	assert.Less(t, a.Complexity, 8)
	assert.True(t, a.NeedsPlanning, "planning verb sets the flag without raising complexity")
}

func TestAnalyzeContextSignals(t *testing.T) {
	base := Analyze("add a retry feature to the client", Context{})
	withCtx := Analyze("add a retry feature to the client", Context{ContextFiles: 6, Constraints: true})

	// 6 files contributes min(6-3, 3) = 3; constraints contribute 1.
	assert.Equal(t, base.Complexity+4, withCtx.Complexity)
}

func TestAnalyzeContextFilesContributionIsCapped(t *testing.T) {
	few := Analyze("add a retry feature to the client", Context{ContextFiles: 6})
	many := Analyze("add a retry feature to the client", Context{ContextFiles: 60})
	assert.Equal(t, few.Complexity, many.Complexity)
}

func TestAnalyzeLengthBonus(t *testing.T) {
	short := Analyze("add a retry feature to the client", Context{})
	medium := Analyze("add a retry feature to the client "+strings.Repeat("x", 500), Context{})
	long := Analyze("add a retry feature to the client "+strings.Repeat("x", 1000), Context{})

	assert.Equal(t, short.Complexity+1, medium.Complexity)
	assert.Equal(t, short.Complexity+2, long.Complexity)
}

func TestAnalyzeComplexityCappedAtTen(t *testing.T) {
	input := "refactor and rewrite the security architecture and migration schema " +
		"across all files, fix the race condition and memory leak, optimize performance, " +
		"and build the integration tests " + strings.Repeat("x", 1100)
	a := Analyze(input, Context{ContextFiles: 10, Constraints: true})
	assert.Equal(t, 10, a.Complexity)
}

func TestAnalyzeParallelizableTargets(t *testing.T) {
	a := Analyze("fix imports in foo.ts and bar.ts", Context{})

	assert.True(t, a.CanParallelize)
	assert.Equal(t, IntentFix, a.Intent)
	assert.False(t, a.NeedsPlanning)
}

func TestAnalyzeMidTier(t *testing.T) {
	a := Analyze("implement a pagination feature for the admin listing", Context{})

	assert.Equal(t, 3, a.Complexity)
	assert.Equal(t, model.TierSmartMid, a.SuggestedTier)
}

func TestAnalyzeConfidenceBounds(t *testing.T) {
	short := Analyze("hi", Context{})
	assert.InDelta(t, 0.3, short.Confidence, 0.001, "short input loses confidence")

	fast := Analyze("list files under cmd please, thanks", Context{})
	assert.InDelta(t, 0.7, fast.Confidence, 0.001, "fast-task match gains confidence")

	planning := Analyze("break this down step by step into a project plan", Context{})
	assert.InDelta(t, 0.7, planning.Confidence, 0.001)

	for _, input := range []string{"hi", "list files", strings.Repeat("z", 3000)} {
		a := Analyze(input, Context{})
		assert.GreaterOrEqual(t, a.Confidence, 0.1)
		assert.LessOrEqual(t, a.Confidence, 1.0)
	}
}

func TestAnalyzeRequiredTools(t *testing.T) {
	a := Analyze("find the config loader and fix the default path", Context{})
	assert.Contains(t, a.RequiredTools, "grep")
	assert.Contains(t, a.RequiredTools, "write_file")
}
