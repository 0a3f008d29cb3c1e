package promptengine

import (
	"strings"
	"testing"

	"github.com/ralphcore/ralph/internal/iterstore"
	"github.com/ralphcore/ralph/internal/session"
)

func baseVars() Vars {
	return Vars{
		Task:          TaskVars{ID: "1.1", Description: "add the widget", AttemptCount: 1},
		Iteration:     2,
		MaxIterations: 10,
		ProjectName:   "demo",
		ProjectPath:   "/repo/demo",
		CheckCommand:  "make check",
		SpecContext:   "the widget must be blue",
	}
}

func TestBuildMain_OmitsConditionalSectionsWhenEmpty(t *testing.T) {
	prompt := BuildMain(baseVars(), nil, nil, nil)
	if strings.Contains(prompt, "Previous Failure Analysis") {
		t.Fatal("expected no failure section with empty failures")
	}
	if strings.Contains(prompt, "Accumulated Codebase Patterns") {
		t.Fatal("expected no patterns section with empty patterns")
	}
	if strings.Contains(prompt, "Recent Progress") {
		t.Fatal("expected no recent progress section with empty logs")
	}
	if !strings.Contains(prompt, "the widget must be blue") {
		t.Fatal("expected spec context present")
	}
	if !strings.Contains(prompt, "<RALPH_ITERATION_LOG_JSON>") {
		t.Fatal("expected sentinel markers in response format section")
	}
}

func TestBuildMain_IncludesFailuresPatternsAndProgress(t *testing.T) {
	failures := []session.FailureRecord{
		{Iteration: 1, TaskID: "1.1", RootCause: "missing import", FixPlan: "add it"},
	}
	patterns := []string{"use atomic writes"}
	recent := []*iterstore.IterationLog{
		{Iteration: 1, Status: iterstore.StatusFailed, FailureAnalysis: &iterstore.FailureAnalysis{RootCause: "missing import"}},
	}

	prompt := BuildMain(baseVars(), failures, patterns, recent)
	if !strings.Contains(prompt, "missing import") {
		t.Fatal("expected failure root cause present")
	}
	if !strings.Contains(prompt, "use atomic writes") {
		t.Fatal("expected pattern present")
	}
	if !strings.Contains(prompt, "Recent Progress") {
		t.Fatal("expected recent progress section present")
	}
}

func TestBuildAnalysis_RequiresFailureAnalysisSentinel(t *testing.T) {
	prior := &session.FailureRecord{RootCause: "timeout", FixPlan: "increase timeout"}
	prompt := BuildAnalysis(baseVars(), prior, "Operation timed out after 30s")
	if !strings.Contains(prompt, "failureAnalysis") {
		t.Fatal("expected failureAnalysis field in response format")
	}
	if !strings.Contains(prompt, "Operation timed out after 30s") {
		t.Fatal("expected current error present")
	}
	if !strings.Contains(prompt, "increase timeout") {
		t.Fatal("expected prior fix plan present")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("expected 2 (ceil), got %d", got)
	}
}
