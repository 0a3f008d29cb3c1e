// Package worker implements the Worker: a bounded-concurrency dispatcher
// that admits runs from the registry and drives each one to completion
// through its own Engine, one goroutine per run id.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ralphcore/ralph/internal/agentrunner"
	"github.com/ralphcore/ralph/internal/engine"
	"github.com/ralphcore/ralph/internal/notify"
	"github.com/ralphcore/ralph/internal/planprovider"
	"github.com/ralphcore/ralph/internal/qualitygate"
	"github.com/ralphcore/ralph/internal/registry"
	"github.com/ralphcore/ralph/internal/session"
)

// defaultConcurrency is the global cap on simultaneously running Engines.
const defaultConcurrency = 20

// EngineFactory builds an Engine for one run. Exposed so tests can stub
// Engine construction without spawning real agent/PTY child processes.
type EngineFactory func(run *registry.Run, callbacks engine.Callbacks) Runnable

// Runnable is the subset of *engine.Engine the Worker depends on.
type Runnable interface {
	Run(ctx context.Context) engine.Result
}

// Worker dispatches runs from the registry to bounded-concurrency Engine
// invocations.
type Worker struct {
	Registry *registry.Store
	Notify   *notify.Sink
	Factory  EngineFactory

	// PlanProviderBinary, AgentBinary, and ValidatorBinary configure the
	// default Factory's Engine dependencies. Ignored when Factory is set
	// explicitly.
	PlanProviderBinary string
	AgentBinary        string
	ValidatorBinary    string

	// Concurrency caps the number of simultaneously running Engines. Zero
	// selects defaultConcurrency.
	Concurrency int

	once   sync.Once
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	flight map[string]struct{}

	// started is set by the first successful Start; guarded by mu.
	started bool
}

// New constructs a Worker backed by reg and sink, ready for Start.
func New(reg *registry.Store, sink *notify.Sink) *Worker {
	w := &Worker{Registry: reg, Notify: sink}
	w.Factory = w.defaultFactory
	return w
}

func (w *Worker) defaultFactory(run *registry.Run, callbacks engine.Callbacks) Runnable {
	changeDir := engine.ChangeDir(run.ProjectConfig.Path, run.ChangeID)
	return &engine.Engine{
		Project: engine.ProjectConfig{
			Name:            run.ProjectConfig.Name,
			Path:            run.ProjectConfig.Path,
			CheckCommand:    run.ProjectConfig.CheckCommand,
			PreCheckCommand: run.ProjectConfig.PreCheckCommand,
		},
		ChangeID:     run.ChangeID,
		Options:      engine.Options{MaxIterations: run.MaxIterations},
		Callbacks:    callbacks,
		SessionStore: session.New(changeDir),
		PlanProvider: planprovider.New(w.PlanProviderBinary),
		AgentRunner:  agentrunner.New(w.AgentBinary),
		QualityGate:  qualitygate.New(run.ProjectConfig.CheckCommand, w.ValidatorBinary, run.ProjectConfig.Path),
	}
}

func (w *Worker) init() {
	w.once.Do(func() {
		limit := w.Concurrency
		if limit <= 0 {
			limit = defaultConcurrency
		}
		w.sem = make(chan struct{}, limit)
		w.flight = make(map[string]struct{})
	})
}

// sweepInterval bounds how long a run submitted by another process (e.g.
// ralphctl, writing to the same registry database) waits before this
// Worker notices it without an explicit NotifyNewRun call.
const sweepInterval = 5 * time.Second

// Start performs one initial sweep of the run registry, admitting every
// already-running run, then launches a background sweep loop that repeats
// the same query every sweepInterval until ctx is done. Idempotent:
// calling Start more than once has no further effect beyond the first
// successful call.
func (w *Worker) Start(ctx context.Context) error {
	w.init()
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.sweep(ctx); err != nil {
		w.mu.Lock()
		w.started = false
		w.mu.Unlock()
		return fmt.Errorf("worker: initial sweep: %w", err)
	}
	go w.sweepLoop(ctx)
	return nil
}

func (w *Worker) sweep(ctx context.Context) error {
	runs, err := w.Registry.ListRunning()
	if err != nil {
		return err
	}
	for _, run := range runs {
		w.admit(ctx, run.ID)
	}
	return nil
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.sweep(ctx)
		}
	}
}

// NotifyNewRun signals that run_id has entered the running state. The
// Worker attempts to admit it immediately and emits a run:new notification.
func (w *Worker) NotifyNewRun(ctx context.Context, runID string) {
	w.init()
	if w.Notify != nil {
		w.Notify.Publish(notify.Event{Type: notify.RunNew, RunID: runID})
	}
	w.admit(ctx, runID)
}

// admit adds runID to the in-flight set and schedules an Engine invocation,
// unless it is already in flight. Admission is idempotent under concurrent
// callers: the in-flight check-and-set happens under a single mutex
// acquisition.
func (w *Worker) admit(ctx context.Context, runID string) {
	w.mu.Lock()
	if _, ok := w.flight[runID]; ok {
		w.mu.Unlock()
		return
	}
	w.flight[runID] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx, runID)
}

// stopPollInterval bounds how long after an operator runs `ralphctl run
// stop` a daemon actually driving that run notices and cancels it. A var,
// not a const, so tests can shorten it instead of waiting out the default.
var stopPollInterval = 2 * time.Second

func (w *Worker) run(ctx context.Context, runID string) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.flight, runID)
		w.mu.Unlock()
	}()

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-w.sem }()

	run, err := w.Registry.GetRun(runID)
	if err != nil {
		w.fail(runID, fmt.Sprintf("load run: %v", err))
		return
	}
	if run.ProjectConfig.Path == "" || run.ChangeID == "" {
		w.fail(runID, "run missing project config or change id")
		return
	}

	callbacks := w.callbacksFor(runID)
	eng := w.Factory(run, callbacks)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := make(chan struct{})
	go w.watchForStop(runCtx, cancel, runID, stopWatch)

	result := eng.Run(runCtx)
	close(stopWatch)

	if !result.Success {
		if w.stoppedByOperator(runID) {
			w.publishStatus(runID, registry.StatusStopped)
			return
		}
		w.fail(runID, result.Message)
		return
	}
	if err := w.Registry.UpdateStatus(runID, registry.StatusCompleted); err != nil {
		w.logError(runID, fmt.Sprintf("update status completed: %v", err))
	}
	w.publishStatus(runID, registry.StatusCompleted)
}

// watchForStop polls the registry row for runID and cancels the run's
// context the moment an operator (or another process sharing the same
// registry database) flips its status to stopped. It exits as soon as
// stopWatch is closed, which the caller does right after eng.Run returns.
func (w *Worker) watchForStop(ctx context.Context, cancel context.CancelFunc, runID string, stopWatch <-chan struct{}) {
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopWatch:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.stoppedByOperator(runID) {
				cancel()
				return
			}
		}
	}
}

// stoppedByOperator reports whether runID's registry row currently reads
// stopped, i.e. whether eng.Run's failure (or early return) was caused by
// an operator-requested stop rather than a genuine engine failure.
func (w *Worker) stoppedByOperator(runID string) bool {
	run, err := w.Registry.GetRun(runID)
	if err != nil {
		return false
	}
	return run.Status == registry.StatusStopped
}

func (w *Worker) fail(runID, message string) {
	w.logError(runID, message)
	if err := w.Registry.UpdateStatus(runID, registry.StatusFailed); err != nil {
		w.logError(runID, fmt.Sprintf("update status failed: %v", err))
	}
	w.publishStatus(runID, registry.StatusFailed)
}

func (w *Worker) logError(runID, message string) {
	if w.Registry != nil {
		_ = w.Registry.AppendLog(runID, registry.LevelError, message)
	}
	if w.Notify != nil {
		w.Notify.Publish(notify.Event{Type: notify.Log, RunID: runID, Level: registry.LevelError, Message: message})
	}
}

func (w *Worker) publishStatus(runID, status string) {
	if w.Notify != nil {
		w.Notify.Publish(notify.Event{Type: notify.RunStatus, RunID: runID, Status: status})
	}
}

func (w *Worker) callbacksFor(runID string) engine.Callbacks {
	return engine.Callbacks{
		OnLog: func(level, message string) {
			if w.Registry != nil {
				_ = w.Registry.AppendLog(runID, level, message)
			}
			if w.Notify != nil {
				w.Notify.Publish(notify.Event{Type: notify.Log, RunID: runID, Level: level, Message: message})
			}
		},
		OnTaskStart: func(taskID, title string) {
			if w.Registry != nil {
				_ = w.Registry.UpsertTask(runID, taskID, title, "in_progress")
			}
			if w.Notify != nil {
				w.Notify.Publish(notify.Event{Type: notify.TaskStart, RunID: runID, TaskID: taskID, Title: title})
			}
		},
		OnTaskComplete: func(taskID string, success bool) {
			status := "done"
			if !success {
				status = "failed"
			}
			if w.Registry != nil {
				_ = w.Registry.UpsertTask(runID, taskID, "", status)
			}
			if w.Notify != nil {
				w.Notify.Publish(notify.Event{Type: notify.TaskComplete, RunID: runID, TaskID: taskID, Success: success})
			}
		},
		OnIterationComplete: func(iteration int) {
			if w.Registry != nil {
				_ = w.Registry.UpdateIteration(runID, iteration, "")
			}
		},
	}
}

// Stop waits for every in-flight Engine to return, or for ctx to be done,
// whichever comes first.
func (w *Worker) Stop(ctx context.Context) error {
	w.init()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlightCount returns the number of runs currently being driven by an
// Engine. Exposed for tests and operator diagnostics.
func (w *Worker) InFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.flight)
}
