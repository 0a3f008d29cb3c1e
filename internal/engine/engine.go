// Package engine implements the per-run iteration loop: lock acquisition,
// session bookkeeping, prompt assembly, agent execution, quality gating,
// and the retry/escalation policy, driving one change from its current
// state to a terminal outcome.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ralphcore/ralph/internal/agentrunner"
	"github.com/ralphcore/ralph/internal/extract"
	"github.com/ralphcore/ralph/internal/iterstore"
	"github.com/ralphcore/ralph/internal/planprovider"
	"github.com/ralphcore/ralph/internal/promptengine"
	"github.com/ralphcore/ralph/internal/qualitygate"
	"github.com/ralphcore/ralph/internal/session"
)

// Options parameterize one Engine run, mirroring the defaults session.Store
// applies to a freshly created session.
type Options struct {
	MaxIterations int
	ErrorStrategy string
	MaxRetries    int
	Resume        bool
	Force         bool
}

// ProjectConfig names the project an Engine operates within.
type ProjectConfig struct {
	Name            string
	Path            string
	CheckCommand    string
	PreCheckCommand string
}

// Callbacks are invoked at the protocol's observation points. Any nil
// callback is skipped.
type Callbacks struct {
	OnLog              func(level, message string)
	OnTaskStart         func(taskID, title string)
	OnTaskComplete      func(taskID string, success bool)
	OnIterationComplete func(iteration int)
	OnRunComplete       func(success bool, message string)
}

// Result is the Engine's return value, emitted alongside exactly one
// OnRunComplete call.
type Result struct {
	Success bool
	Message string
}

// Engine drives one run's session from its current state to a terminal
// outcome: completed, failed, or paused.
type Engine struct {
	Project  ProjectConfig
	ChangeID string
	Options  Options
	Callbacks

	SessionStore *session.Store
	PlanProvider *planprovider.Provider
	AgentRunner  *agentrunner.Runner
	QualityGate  *qualitygate.Runner

	sessionID string
	iterStore *iterstore.Store
}

// ChangeDir is the directory the plan provider addresses by changeID,
// conventionally <project path>/openspec/changes/<change id>. Exported so
// callers constructing an Engine's SessionStore can point it at the same
// directory the Engine itself will use.
func ChangeDir(projectPath, changeID string) string {
	return projectPath + "/openspec/changes/" + changeID
}

func (e *Engine) changeDir() string {
	return ChangeDir(e.Project.Path, e.ChangeID)
}

func (e *Engine) tasksFile() string {
	return e.changeDir() + "/tasks.md"
}

func (e *Engine) log(level, message string) {
	if e.OnLog != nil {
		e.OnLog(level, message)
	}
}

// Run executes iterations 1..MaxIterations until a terminal state is
// reached, always invoking OnRunComplete exactly once before returning.
func (e *Engine) Run(ctx context.Context) Result {
	result := e.run(ctx)
	if e.OnRunComplete != nil {
		e.OnRunComplete(result.Success, result.Message)
	}
	return result
}

func (e *Engine) run(ctx context.Context) Result {
	lockState, err := e.SessionStore.CheckLock()
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("check lock: %v", err)}
	}
	if !lockState.Free && !lockState.Stale {
		return Result{Success: false, Message: fmt.Sprintf("change is locked by pid %d", lockState.Lock.PID)}
	}

	if err := e.SessionStore.EnsureDirs(); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("ensure session dirs: %v", err)}
	}

	state, err := e.SessionStore.Read()
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("read session: %v", err)}
	}
	if state == nil {
		state = session.CreateInitial(session.InitialOptions{
			SessionID:     newSessionID(e.ChangeID),
			ChangeID:      e.ChangeID,
			MaxIterations: e.Options.MaxIterations,
			ErrorStrategy: e.Options.ErrorStrategy,
			MaxRetries:    e.Options.MaxRetries,
		})
	}
	e.sessionID = state.SessionID
	e.iterStore = iterstore.New(e.SessionStore.IterationsDir(), e.SessionStore.RalphDir())

	if err := e.SessionStore.AcquireLock(state.SessionID); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("acquire lock: %v", err)}
	}
	defer e.SessionStore.ReleaseLock()

	for state.Iteration < state.MaxIterations {
		select {
		case <-ctx.Done():
			state.Status = session.StatusPaused
			e.SessionStore.Write(state)
			return Result{Success: false, Message: "run cancelled"}
		default:
		}

		terminal, result := e.iterate(ctx, state)
		if terminal {
			return result
		}

		state.Iteration++
		if err := e.SessionStore.Write(state); err != nil {
			return Result{Success: false, Message: fmt.Sprintf("write session: %v", err)}
		}
		if e.OnIterationComplete != nil {
			e.OnIterationComplete(state.Iteration)
		}
	}

	state.Status = session.StatusFailed
	e.SessionStore.Write(state)
	return Result{Success: false, Message: "Max iterations reached"}
}

// iterate runs one pass of the 9-step protocol, steps 3-8. It returns
// terminal=true when the run has reached a final outcome (all_done,
// blocked, or escalated) that Run should return directly, without looping
// further.
func (e *Engine) iterate(ctx context.Context, state *session.State) (terminal bool, result Result) {
	status, err := e.PlanProvider.Status(ctx, e.ChangeID)
	if err != nil {
		state.Status = session.StatusFailed
		e.SessionStore.Write(state)
		return true, Result{Success: false, Message: fmt.Sprintf("plan provider status: %v", err)}
	}

	switch status.State {
	case planprovider.StateBlocked:
		state.Status = session.StatusPaused
		e.SessionStore.Write(state)
		return true, Result{Success: false, Message: status.Instruction}
	case planprovider.StateAllDone:
		state.Status = session.StatusCompleted
		e.SessionStore.Write(state)
		if err := e.PlanProvider.Validate(ctx, e.ChangeID); err != nil {
			return true, Result{Success: false, Message: fmt.Sprintf("finalize validate: %v", err)}
		}
		if err := e.PlanProvider.Archive(ctx, e.ChangeID); err != nil {
			return true, Result{Success: false, Message: fmt.Sprintf("finalize archive: %v", err)}
		}
		return true, Result{Success: true, Message: "All tasks completed"}
	}

	task, ok := status.FirstUndone()
	if !ok {
		state.Status = session.StatusCompleted
		e.SessionStore.Write(state)
		return true, Result{Success: true, Message: "All tasks completed"}
	}

	attempt := 1
	if state.CurrentTask != nil && state.CurrentTask.ID == task.ID {
		attempt = state.CurrentTask.AttemptCount + 1
	}
	state.CurrentTask = &session.Task{ID: task.ID, Description: task.Description, AttemptCount: attempt}
	if e.OnTaskStart != nil {
		e.OnTaskStart(task.ID, task.Description)
	}

	iterNum, err := e.iterStore.NextIterationNumber()
	if err != nil {
		state.Status = session.StatusFailed
		e.SessionStore.Write(state)
		return true, Result{Success: false, Message: fmt.Sprintf("next iteration number: %v", err)}
	}

	vars := promptengine.Vars{
		Task:          promptengine.TaskVars{ID: task.ID, Description: task.Description, AttemptCount: attempt},
		Iteration:     iterNum,
		MaxIterations: state.MaxIterations,
		ProjectName:   e.Project.Name,
		ProjectPath:   e.Project.Path,
		CheckCommand:  e.Project.CheckCommand,
		SpecContext:   status.Instruction,
	}

	recent, err := e.iterStore.ReadRecent(5)
	if err != nil {
		e.log("error", fmt.Sprintf("read recent iterations: %v", err))
	}

	start := time.Now()
	prompt := promptengine.BuildMain(vars, state.Context.RecentFailures, state.Context.CodebasePatterns, recent)
	shaBefore := gitRevParseHead(e.Project.Path)

	stdout, runErr := e.AgentRunner.Run(ctx, prompt, e.Project.Path)
	extracted := extract.Extract(stdout)

	var evidence *iterstore.VerificationEvidence
	gateErr := runErr
	if runErr == nil {
		evidence, gateErr = e.QualityGate.Run(ctx, e.ChangeID)
		if gateErr == nil && !evidence.AllChecksPassed {
			gateErr = fmt.Errorf("quality gate failed")
		}
	}

	durationMS := time.Since(start).Milliseconds()

	if gateErr == nil {
		return false, e.onSuccess(state, task.ID, attempt, iterNum, extracted, evidence, shaBefore, durationMS)
	}
	return e.onFailure(ctx, state, task, attempt, iterNum, vars, extracted, evidence, gateErr, durationMS)
}

func (e *Engine) onSuccess(state *session.State, taskID string, attempt, iterNum int, extracted extract.Result,
	evidence *iterstore.VerificationEvidence, shaBefore string, durationMS int64) Result {

	gitAdd(e.Project.Path)
	commitMsg := fmt.Sprintf("feat: %s - %s", taskID, state.CurrentTask.Description)
	gitCommit(e.Project.Path, commitMsg)
	shaAfter := gitRevParseHead(e.Project.Path)

	log := &iterstore.IterationLog{
		SchemaVersion: iterstore.SchemaVersion,
		SessionID:     state.SessionID,
		Iteration:     iterNum,
		TaskID:        taskID,
		TaskAttempt:   attempt,
		Timestamp:     time.Now(),
		Status:        iterstore.StatusSuccess,
		GitSHABefore:  shaBefore,
		GitSHAAfter:   shaAfter,
		DurationMS:    durationMS,
		RawOutput:     extracted.Raw,
		Evidence:      evidence,
	}

	if extracted.Structured != nil {
		log.AgentClaimedComplete = extracted.Structured.AgentClaimedComplete
		log.Implemented = extracted.Structured.Implemented
		log.CodebasePatterns = extracted.Structured.CodebasePatterns
		log.Summary = extracted.Structured.Summary
		log.Context = &iterstore.IterationContext{
			WhatWasDone:  extracted.Structured.WhatWasDone,
			Learnings:    extracted.Structured.Learnings,
			FilesChanged: extracted.Structured.FilesChanged,
			Gotchas:      extracted.Structured.Gotchas,
		}
		for _, p := range extracted.Structured.CodebasePatterns {
			session.AddPattern(state, p)
		}
	}

	if err := e.iterStore.Save(log); err != nil {
		e.log("error", fmt.Sprintf("save iteration log: %v", err))
	}
	if err := e.iterStore.GenerateProgress(state.Context.CodebasePatterns); err != nil {
		e.log("error", fmt.Sprintf("generate progress.md: %v", err))
	}

	markTaskDone(e.tasksFile(), taskID)
	state.LastSuccessfulCommit = shaAfter
	state.ErrorHandling.CurrentRetryCount = 0
	if e.OnTaskComplete != nil {
		e.OnTaskComplete(taskID, true)
	}
	return Result{Success: true}
}

func (e *Engine) onFailure(ctx context.Context, state *session.State, task planprovider.Task, attempt, iterNum int,
	vars promptengine.Vars, extracted extract.Result, evidence *iterstore.VerificationEvidence, gateErr error,
	durationMS int64) (terminal bool, result Result) {

	errorMessage := gateErr.Error()
	if evidence != nil {
		errorMessage = evidence.CheckOutputSummary
	}

	var analysis *iterstore.FailureAnalysis
	if state.ErrorHandling.Strategy == session.StrategyAnalyzeRetry {
		var priorFailure *session.FailureRecord
		if len(state.Context.RecentFailures) > 0 {
			priorFailure = &state.Context.RecentFailures[len(state.Context.RecentFailures)-1]
		}
		analysisPrompt := promptengine.BuildAnalysis(vars, priorFailure, errorMessage)
		analysisOut, _ := e.AgentRunner.Run(ctx, analysisPrompt, e.Project.Path)
		fr := extract.ExtractFailureAnalysis(analysisOut, errorMessage)
		analysis = fr.Analysis
	} else {
		analysis = &iterstore.FailureAnalysis{
			RootCause:    errorMessage,
			FixPlan:      "Retry with careful attention to the error",
			ErrorMessage: errorMessage,
			ErrorType:    iterstore.Categorize(errorMessage),
		}
	}

	log := &iterstore.IterationLog{
		SchemaVersion:   iterstore.SchemaVersion,
		SessionID:       state.SessionID,
		Iteration:       iterNum,
		TaskID:          task.ID,
		TaskAttempt:     attempt,
		Timestamp:       time.Now(),
		Status:          iterstore.StatusFailed,
		DurationMS:      durationMS,
		RawOutput:       extracted.Raw,
		Evidence:        evidence,
		FailureAnalysis: analysis,
	}
	if err := e.iterStore.Save(log); err != nil {
		e.log("error", fmt.Sprintf("save iteration log: %v", err))
	}
	if err := e.iterStore.GenerateProgress(state.Context.CodebasePatterns); err != nil {
		e.log("error", fmt.Sprintf("generate progress.md: %v", err))
	}

	session.AddFailure(state, session.FailureRecord{
		Iteration: iterNum,
		TaskID:    task.ID,
		RootCause: analysis.RootCause,
		FixPlan:   analysis.FixPlan,
	})
	state.ErrorHandling.CurrentRetryCount++

	strategy := state.ErrorHandling.Strategy
	reachedMax := state.ErrorHandling.CurrentRetryCount >= state.ErrorHandling.MaxRetries

	if reachedMax && (strategy == session.StrategyEscalate || strategy == session.StrategyAnalyzeRetry) {
		e.PlanProvider.Block(ctx, e.ChangeID, analysis.RootCause)
		state.Status = session.StatusFailed
		e.SessionStore.Write(state)
		if e.OnTaskComplete != nil {
			e.OnTaskComplete(task.ID, false)
		}
		return true, Result{Success: false, Message: analysis.RootCause}
	}

	if strategy == session.StrategySkip && reachedMax {
		markTaskSkipped(e.tasksFile(), task.ID, analysis.RootCause)
		if e.OnTaskComplete != nil {
			e.OnTaskComplete(task.ID, false)
		}
		return false, Result{}
	}

	return false, Result{}
}

func newSessionID(changeID string) string {
	return fmt.Sprintf("%s-%s", changeID, uuid.NewString())
}

func gitAdd(dir string) {
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	_ = cmd.Run()
}

func gitCommit(dir, message string) {
	cmd := exec.Command("git", "commit", "-m", message)
	cmd.Dir = dir
	_ = cmd.Run()
}

func gitRevParseHead(dir string) string {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// markTaskDone rewrites the line in path naming taskID, turning its "[ ]"
// checkbox marker into "[x]". Matches the spec's stated intent exactly: a
// direct checkbox flip, not a captured-group substitution.
func markTaskDone(path, taskID string) {
	rewriteTaskLine(path, taskID, func(line string) string {
		re := regexp.MustCompile(`\[( |x|X)\]`)
		return re.ReplaceAllString(line, "[x]")
	})
}

// markTaskSkipped rewrites the line naming taskID with a strike-through
// marker and the skip reason appended.
func markTaskSkipped(path, taskID, reason string) {
	rewriteTaskLine(path, taskID, func(line string) string {
		return "~~" + strings.TrimRight(line, "\n") + "~~ (skipped: " + reason + ")"
	})
}

func rewriteTaskLine(path, taskID string, transform func(string) string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		if strings.Contains(line, taskID) {
			lines[i] = transform(line)
			changed = true
			break
		}
	}
	if !changed {
		return
	}
	_ = os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
