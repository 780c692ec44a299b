// Package analyzer classifies user input into complexity, intent, and a
// suggested model tier. Classification is a pure function of the input: the
// same text and context always produce the same analysis.
package analyzer

import (
	"regexp"
	"strings"

	"github.com/jasonkneen/claudelet/internal/model"
)

// Intent is the coarse classification of what the user wants.
type Intent string

const (
	IntentFix       Intent = "fix"
	IntentImplement Intent = "implement"
	IntentRefactor  Intent = "refactor"
	IntentExplain   Intent = "explain"
	IntentSearch    Intent = "search"
	IntentTest      Intent = "test"
	IntentDocument  Intent = "document"
	IntentPlan      Intent = "plan"
	IntentGeneral   Intent = "general"
)

// EstimatedTime buckets expected execution duration.
type EstimatedTime string

const (
	TimeFast   EstimatedTime = "fast"
	TimeMedium EstimatedTime = "medium"
	TimeSlow   EstimatedTime = "slow"
)

// TaskAnalysis is the deterministic classification result.
type TaskAnalysis struct {
	Intent         Intent        `json:"intent"`
	Complexity     int           `json:"complexity"` // 1..10
	EstimatedTime  EstimatedTime `json:"estimated_time"`
	RequiredTools  []string      `json:"required_tools"`
	SuggestedTier  model.Tier    `json:"suggested_tier"`
	CanParallelize bool          `json:"can_parallelize"`
	NeedsPlanning  bool          `json:"needs_planning"`
	Confidence     float64       `json:"confidence"` // 0.1..1.0
}

// Context carries optional signals beyond the input text.
type Context struct {
	// ContextFiles is the number of files attached to the request.
	ContextFiles int

	// Constraints reports whether the request carries explicit constraints
	// (style rules, performance budgets, API contracts).
	Constraints bool
}

// Pattern is one weighted complexity signal. The pattern sets below are part
// of the analyzer's external contract: harnesses may inspect them but the
// ordering and weights are fixed.
type Pattern struct {
	Name   string
	Re     *regexp.Regexp
	Weight int
}

// ComplexityPatterns are evaluated in order; each match adds its weight.
var ComplexityPatterns = []Pattern{
	{Name: "multi-file", Re: regexp.MustCompile(`\b(all|every|across|throughout)\b.*\b(files?|modules?|packages?)\b`), Weight: 2},
	{Name: "refactor", Re: regexp.MustCompile(`\b(refactor|restructure|redesign|rewrite)\b`), Weight: 2},
	{Name: "architecture", Re: regexp.MustCompile(`\b(architecture|microservices?|schema|migration|distributed)\b`), Weight: 3},
	{Name: "hard-debug", Re: regexp.MustCompile(`\b(race condition|deadlock|memory leak|corruption|nondeterministic)\b`), Weight: 3},
	{Name: "feature", Re: regexp.MustCompile(`\b(implement|build|create|add)\b.*\b(feature|endpoint|command|support)\b`), Weight: 2},
	{Name: "testing", Re: regexp.MustCompile(`\b(test suite|integration tests?|end.to.end|e2e)\b`), Weight: 2},
	{Name: "security", Re: regexp.MustCompile(`\b(security|vulnerabilit|authenticat|authoriz)`), Weight: 2},
	{Name: "performance", Re: regexp.MustCompile(`\b(optimi[sz]e|performance|latency|profil)`), Weight: 2},
}

// FastTaskPatterns identify requests answerable with minimal work.
var FastTaskPatterns = []Pattern{
	{Name: "lookup", Re: regexp.MustCompile(`^\s*(list|show|print|display|cat|read)\b`)},
	{Name: "question", Re: regexp.MustCompile(`^\s*(what|where|which|who|when|how many)\b`)},
	{Name: "trivial-edit", Re: regexp.MustCompile(`\b(typo|rename|format|indent|comment out)\b`)},
}

// PlanningPatterns identify requests that require decomposition before
// execution. Any match forces complexity to at least 8.
var PlanningPatterns = []Pattern{
	{Name: "explicit-plan", Re: regexp.MustCompile(`\b(break (this |it )?down|step.by.step|roadmap|project plan)\b`)},
	{Name: "multi-stage", Re: regexp.MustCompile(`\b(first\b.*\bthen\b.*\bfinally|multiple (stages|phases))\b`)},
	{Name: "large-scope", Re: regexp.MustCompile(`\b(entire (codebase|project|system)|from scratch|end.to.end migration)\b`)},
}

// planningVerbs supplement PlanningPatterns for NeedsPlanning only; they do
// not raise complexity on their own.
var planningVerbs = regexp.MustCompile(`\b(plan|design|architect|coordinate|organize)`)

// parallelPattern matches inputs naming several independent targets, e.g.
// "fix imports in foo.ts and bar.ts".
var parallelPattern = regexp.MustCompile(`\S+\.\w+\b.*\b(and|,)\s+\S+\.\w+`)

// intentPatterns are matched in order; first hit wins.
var intentPatterns = []struct {
	intent Intent
	re     *regexp.Regexp
}{
	{IntentFix, regexp.MustCompile(`\b(fix|repair|resolve|debug|broken|bug|error|crash)\b`)},
	{IntentRefactor, regexp.MustCompile(`\b(refactor|restructure|redesign|clean up|rewrite)\b`)},
	{IntentTest, regexp.MustCompile(`\b(test|tests|testing|coverage|spec)\b`)},
	{IntentDocument, regexp.MustCompile(`\b(document|docs|readme|changelog|comment)\b`)},
	{IntentSearch, regexp.MustCompile(`\b(find|search|locate|grep|look for|where is)\b`)},
	{IntentExplain, regexp.MustCompile(`\b(explain|describe|what does|how does|why)\b`)},
	{IntentPlan, regexp.MustCompile(`\b(plan|design|architect|roadmap)\b`)},
	{IntentImplement, regexp.MustCompile(`\b(implement|build|create|add|write)\b`)},
}

// toolHints map textual cues to the tools a task will likely need.
var toolHints = []struct {
	tool string
	re   *regexp.Regexp
}{
	{"read_file", regexp.MustCompile(`\b(read|show|look at|inspect|review)\b`)},
	{"write_file", regexp.MustCompile(`\b(write|create|add|implement|fix|edit|update|rename)\b`)},
	{"grep", regexp.MustCompile(`\b(find|search|grep|locate|where)\b`)},
	{"bash", regexp.MustCompile(`\b(run|execute|install|build|compile|test)\b`)},
}

// Analyze classifies the input deterministically.
func Analyze(input string, ctx Context) TaskAnalysis {
	lower := strings.ToLower(input)
	length := len(input)

	fastTask := anyMatch(FastTaskPatterns, lower)
	planning := anyMatch(PlanningPatterns, lower)

	complexity := 1
	for _, p := range ComplexityPatterns {
		if p.Re.MatchString(lower) {
			complexity += p.Weight
		}
	}
	complexity += clampInt(ctx.ContextFiles-3, 0, 3)
	if ctx.Constraints {
		complexity++
	}
	if length > 500 {
		complexity++
	}
	if length > 1000 {
		complexity++
	}
	if complexity > 10 {
		complexity = 10
	}
	if fastTask && complexity < 5 {
		complexity -= 2
		if complexity < 1 {
			complexity = 1
		}
	}
	if planning && complexity < 8 {
		complexity = 8
	}

	needsPlanning := complexity >= 8 || planning || hasPlanningVerb(lower)

	confidence := 0.5
	if fastTask {
		confidence += 0.2
	}
	if planning {
		confidence += 0.2
	}
	if length < 20 {
		confidence -= 0.2
	}
	if length > 2000 {
		confidence -= 0.1
	}
	if complexity >= 4 && complexity <= 6 {
		confidence -= 0.1
	}
	confidence = clampFloat(confidence, 0.1, 1.0)

	return TaskAnalysis{
		Intent:         classifyIntent(lower),
		Complexity:     complexity,
		EstimatedTime:  estimateTime(complexity),
		RequiredTools:  requiredTools(lower),
		SuggestedTier:  suggestTier(complexity, fastTask),
		CanParallelize: parallelPattern.MatchString(lower) && !needsPlanning,
		NeedsPlanning:  needsPlanning,
		Confidence:     confidence,
	}
}

// suggestTier maps complexity to a model tier.
func suggestTier(complexity int, fastTask bool) model.Tier {
	switch {
	case complexity <= 2:
		return model.TierFast
	case complexity <= 5:
		if fastTask {
			return model.TierFast
		}
		return model.TierSmartMid
	case complexity <= 7:
		return model.TierSmartMid
	default:
		return model.TierSmartHigh
	}
}

func estimateTime(complexity int) EstimatedTime {
	switch {
	case complexity <= 3:
		return TimeFast
	case complexity <= 6:
		return TimeMedium
	default:
		return TimeSlow
	}
}

func classifyIntent(lower string) Intent {
	for _, ip := range intentPatterns {
		if ip.re.MatchString(lower) {
			return ip.intent
		}
	}
	return IntentGeneral
}

func requiredTools(lower string) []string {
	var tools []string
	for _, h := range toolHints {
		if h.re.MatchString(lower) {
			tools = append(tools, h.tool)
		}
	}
	return tools
}

func anyMatch(patterns []Pattern, lower string) bool {
	for _, p := range patterns {
		if p.Re.MatchString(lower) {
			return true
		}
	}
	return false
}

func hasPlanningVerb(lower string) bool {
	return planningVerbs.MatchString(lower)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
