// Package promptengine composes the main execution prompt and the
// failure-analysis prompt from session context, recent iteration logs, and
// spec context.
package promptengine

import (
	"fmt"
	"strings"

	"github.com/ralphcore/ralph/internal/iterstore"
	"github.com/ralphcore/ralph/internal/session"
)

// sentinelOpen and sentinelClose bound the required JSON response block.
const (
	sentinelOpen  = "<RALPH_ITERATION_LOG_JSON>"
	sentinelClose = "</RALPH_ITERATION_LOG_JSON>"
)

// TaskVars carries the current task's identity into prompt composition.
type TaskVars struct {
	ID            string
	Description   string
	AttemptCount  int
}

// Vars is the full set of substitution variables available to both prompts.
type Vars struct {
	Task          TaskVars
	Iteration     int
	MaxIterations int
	ProjectName   string
	ProjectPath   string
	CheckCommand  string
	SpecContext   string
}

// EstimateTokens returns ceil(len(prompt)/4), used for diagnostics only.
func EstimateTokens(prompt string) int {
	return (len(prompt) + 3) / 4
}

// BuildMain composes the main execution prompt: title, current task, project
// context, conditional previous-failure-analysis, conditional accumulated
// patterns, authoritative spec, conditional recent progress, execution
// workflow, and the response-format sentinel spec.
func BuildMain(v Vars, failures []session.FailureRecord, patterns []string, recent []*iterstore.IterationLog) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Ralph Iteration %d/%d\n\n", v.Iteration, v.MaxIterations)

	fmt.Fprintf(&b, "## Current Task\n")
	fmt.Fprintf(&b, "- id: %s\n- description: %s\n- attempt: %d\n\n", v.Task.ID, v.Task.Description, v.Task.AttemptCount)

	fmt.Fprintf(&b, "## Project\n")
	fmt.Fprintf(&b, "- name: %s\n- path: %s\n- check command: %s\n\n", v.ProjectName, v.ProjectPath, v.CheckCommand)

	if len(failures) > 0 {
		fmt.Fprintf(&b, "## Previous Failure Analysis\n")
		fmt.Fprintf(&b, "Address the following root causes before making further changes:\n\n")
		for _, f := range lastN(failures, 3) {
			fmt.Fprintf(&b, "- iteration %d (task %s): root cause: %s; fix plan: %s\n", f.Iteration, f.TaskID, f.RootCause, f.FixPlan)
		}
		b.WriteString("\n")
	}

	if len(patterns) > 0 {
		fmt.Fprintf(&b, "## Accumulated Codebase Patterns\n")
		for _, p := range patterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Authoritative Spec\n%s\n\n", v.SpecContext)

	if len(recent) > 0 {
		fmt.Fprintf(&b, "## Recent Progress\n")
		for _, log := range lastNLogs(recent, 3) {
			icon := "✓"
			detail := log.Summary
			if log.Status != iterstore.StatusSuccess {
				icon = "✗"
				if log.FailureAnalysis != nil {
					detail = log.FailureAnalysis.RootCause
				}
			}
			fmt.Fprintf(&b, "- %s iteration %d: %s\n", icon, log.Iteration, detail)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Execution Workflow\n")
	b.WriteString("1. Explore the relevant code before changing anything.\n")
	b.WriteString("2. Implement the current task.\n")
	b.WriteString("3. Run the project check command and the spec validator.\n")
	b.WriteString("4. Update the task list and any local knowledge files.\n\n")

	fmt.Fprintf(&b, "## Response Format\n")
	fmt.Fprintf(&b, "Conclude your response with a single %s...%s block containing:\n", sentinelOpen, sentinelClose)
	b.WriteString("```\n")
	b.WriteString(`{"taskId": "...", "complete": true|false, "implemented": ["..."], "codebasePatterns": ["..."], "summary": "...", "learnings": "...", "filesChanged": ["..."], "gotchas": "..."}`)
	b.WriteString("\n```\n")

	return b.String()
}

// BuildAnalysis composes the failure-analysis prompt: task + attempt +
// iteration + prior failure (if any) + current error, requiring a sentinel
// JSON with complete:false and a failureAnalysis sub-object.
func BuildAnalysis(v Vars, priorFailure *session.FailureRecord, errorMessage string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Ralph Failure Analysis — Iteration %d/%d\n\n", v.Iteration, v.MaxIterations)
	fmt.Fprintf(&b, "## Task\n- id: %s\n- description: %s\n- attempt: %d\n\n", v.Task.ID, v.Task.Description, v.Task.AttemptCount)

	if priorFailure != nil {
		fmt.Fprintf(&b, "## Prior Failure\n- root cause: %s\n- fix plan: %s\n\n", priorFailure.RootCause, priorFailure.FixPlan)
	}

	fmt.Fprintf(&b, "## Current Error\n%s\n\n", errorMessage)

	fmt.Fprintf(&b, "## Response Format\n")
	fmt.Fprintf(&b, "Conclude your response with a single %s...%s block containing:\n", sentinelOpen, sentinelClose)
	b.WriteString("```\n")
	b.WriteString(`{"complete": false, "failureAnalysis": {"rootCause": "...", "fixPlan": "...", "errorMessage": "...", "errorType": "validation|runtime|timeout|unknown"}}`)
	b.WriteString("\n```\n")

	return b.String()
}

func lastN(failures []session.FailureRecord, n int) []session.FailureRecord {
	if len(failures) <= n {
		return failures
	}
	return failures[len(failures)-n:]
}

func lastNLogs(logs []*iterstore.IterationLog, n int) []*iterstore.IterationLog {
	if len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}
