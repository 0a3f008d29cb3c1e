// Package session implements the Session Store: durable, crash-safe
// session state and lock-file concurrency control for one change
// directory's .ralph/ tree.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ralphcore/ralph/internal/clockprobe"
	"github.com/ralphcore/ralph/internal/fsatomic"
)

// SchemaVersion is the current session.json schema version this
// implementation writes and expects to read.
const SchemaVersion = 1

// Status values for a Session.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
)

// Error strategy values.
const (
	StrategyRetry        = "retry"
	StrategyAnalyzeRetry = "analyze-retry"
	StrategySkip         = "skip"
	StrategyEscalate     = "escalate"
)

// maxRecentFailures is the rolling-window cap on session.context.recent_failures.
const maxRecentFailures = 3

// staleThreshold is the lock-file age beyond which a lock MAY be replaced
// regardless of owner liveness.
const staleThreshold = 5 * time.Minute

// ErrCorrupt is returned by Read when session.json exists but cannot be
// parsed or fails schema validation. It is a fatal, non-recoverable
// condition for the engine: the file is not auto-repaired.
var ErrCorrupt = errors.New("session: corrupt session.json")

// Task describes the current task a session is working on.
type Task struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	AttemptCount int    `json:"attempt_count"`
}

// FailureRecord is one entry in the recent-failures rolling window.
type FailureRecord struct {
	Iteration int    `json:"iteration"`
	TaskID    string `json:"task_id"`
	RootCause string `json:"root_cause"`
	FixPlan   string `json:"fix_plan"`
}

// ErrorHandling is the session's retry/escalation policy state.
type ErrorHandling struct {
	Strategy          string `json:"strategy"`
	MaxRetries        int    `json:"max_retries"`
	CurrentRetryCount int    `json:"current_retry_count"`
}

// Context is the session's accumulated cross-iteration context.
type Context struct {
	CodebasePatterns []string        `json:"codebase_patterns"`
	RecentFailures   []FailureRecord `json:"recent_failures"`
}

// LockDescriptor is the informational copy of lock state embedded in the
// session record (the authoritative lock state lives in the .lock file).
type LockDescriptor struct {
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	SessionID   string    `json:"session_id"`
}

// State is the full persisted content of session.json.
type State struct {
	SchemaVersion        int             `json:"schema_version"`
	SessionID            string          `json:"session_id"`
	ChangeID             string          `json:"change_id"`
	Status               string          `json:"status"`
	CurrentTask          *Task           `json:"current_task"`
	Iteration            int             `json:"iteration"`
	MaxIterations        int             `json:"max_iterations"`
	LastSuccessfulCommit string          `json:"last_successful_commit,omitempty"`
	Lock                 *LockDescriptor `json:"lock,omitempty"`
	ErrorHandling        ErrorHandling   `json:"error_handling"`
	Context              Context         `json:"context"`
}

// InitialOptions parameterize create_initial.
type InitialOptions struct {
	SessionID     string
	ChangeID      string
	MaxIterations int
	ErrorStrategy string
	MaxRetries    int
}

// Lock is the parsed content of a .lock file.
type Lock struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	SessionID  string    `json:"session_id"`
}

// LockState is the outcome of check_lock.
type LockState struct {
	// Free is true when no lock file exists.
	Free bool
	// Stale is true when a lock file exists but its owner is dead or it
	// has aged past the stale threshold.
	Stale bool
	// Lock is the parsed lock file content, non-nil whenever Free is false.
	Lock *Lock
}

// Store manages session.json and the .lock file for a single change's
// .ralph/ directory.
type Store struct {
	changeDir string
	clock     clockprobe.Clock
	probe     clockprobe.ProcessProbe
}

// New constructs a Store rooted at changeDir (the directory that contains
// .ralph/), using the real clock and process probe.
func New(changeDir string) *Store {
	return &Store{changeDir: changeDir, clock: clockprobe.RealClock{}, probe: clockprobe.RealProcessProbe{}}
}

// NewWithDeps constructs a Store with injected clock/probe implementations,
// for deterministic testing of staleness logic.
func NewWithDeps(changeDir string, clock clockprobe.Clock, probe clockprobe.ProcessProbe) *Store {
	return &Store{changeDir: changeDir, clock: clock, probe: probe}
}

func (s *Store) ralphDir() string       { return filepath.Join(s.changeDir, ".ralph") }
func (s *Store) iterationsDir() string  { return filepath.Join(s.ralphDir(), "iterations") }
func (s *Store) sessionPath() string    { return filepath.Join(s.ralphDir(), "session.json") }
func (s *Store) lockPath() string       { return filepath.Join(s.ralphDir(), ".lock") }

// RalphDir exposes the .ralph/ directory path.
func (s *Store) RalphDir() string { return s.ralphDir() }

// IterationsDir exposes the iterations/ directory path.
func (s *Store) IterationsDir() string { return s.iterationsDir() }

// EnsureDirs creates .ralph/ and .ralph/iterations/.
func (s *Store) EnsureDirs() error {
	if err := fsatomic.EnsureDir(s.iterationsDir()); err != nil {
		return fmt.Errorf("ensure session dirs: %w", err)
	}
	return nil
}

// Read reads and validates session.json. It returns (nil, nil) if the file
// is absent, and a wrapped ErrCorrupt for unparseable or invalid contents.
func (s *Store) Read() (*State, error) {
	data, err := os.ReadFile(s.sessionPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session.json: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if st.SchemaVersion == 0 {
		return nil, fmt.Errorf("%w: missing schema_version", ErrCorrupt)
	}
	if st.SchemaVersion != SchemaVersion {
		// Future: migrate. For now, warn via the returned state unchanged;
		// callers may inspect SchemaVersion themselves.
		fmt.Fprintf(os.Stderr, "session: schema_version %d != current %d for %s, reading as-is\n",
			st.SchemaVersion, SchemaVersion, s.sessionPath())
	}
	return &st, nil
}

// Write atomically persists state: write-temp, fsync, rename. A crash at
// any point leaves either the previous or the new content on disk.
func (s *Store) Write(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := fsatomic.WriteFile(s.sessionPath(), data, 0o644); err != nil {
		return fmt.Errorf("write session.json: %w", err)
	}
	return nil
}

// CreateInitial constructs a fresh State from InitialOptions.
func CreateInitial(opts InitialOptions) *State {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	strategy := opts.ErrorStrategy
	if strategy == "" {
		strategy = StrategyAnalyzeRetry
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &State{
		SchemaVersion: SchemaVersion,
		SessionID:     opts.SessionID,
		ChangeID:      opts.ChangeID,
		Status:        StatusRunning,
		CurrentTask:   nil,
		Iteration:     0,
		MaxIterations: maxIter,
		ErrorHandling: ErrorHandling{
			Strategy:   strategy,
			MaxRetries: maxRetries,
		},
		Context: Context{
			CodebasePatterns: []string{},
			RecentFailures:   []FailureRecord{},
		},
	}
}

// AddFailure pushes f onto state.Context.RecentFailures, truncating to the
// most recent maxRecentFailures entries (FIFO, cap 3).
func AddFailure(state *State, f FailureRecord) {
	state.Context.RecentFailures = append(state.Context.RecentFailures, f)
	if len(state.Context.RecentFailures) > maxRecentFailures {
		excess := len(state.Context.RecentFailures) - maxRecentFailures
		state.Context.RecentFailures = state.Context.RecentFailures[excess:]
	}
}

// AddPattern appends p to state.Context.CodebasePatterns iff it is not
// already present, preserving insertion order and uniqueness.
func AddPattern(state *State, p string) {
	for _, existing := range state.Context.CodebasePatterns {
		if existing == p {
			return
		}
	}
	state.Context.CodebasePatterns = append(state.Context.CodebasePatterns, p)
}

// AcquireLock atomically writes the .lock file naming the current process
// as owner.
func (s *Store) AcquireLock(sessionID string) error {
	lock := Lock{PID: os.Getpid(), AcquiredAt: s.clock.Now(), SessionID: sessionID}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsatomic.WriteFile(s.lockPath(), data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// ReleaseLock removes the .lock file. Deleting a missing lock is not an
// error.
func (s *Store) ReleaseLock() error {
	err := os.Remove(s.lockPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// CheckLock reports the current lock state: free, locked (live and
// fresh), or stale (dead owner or aged past the stale threshold).
func (s *Store) CheckLock() (LockState, error) {
	data, err := os.ReadFile(s.lockPath())
	if errors.Is(err, os.ErrNotExist) {
		return LockState{Free: true}, nil
	}
	if err != nil {
		return LockState{}, fmt.Errorf("read lock file: %w", err)
	}

	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		// An unparseable lock file is treated as stale: it cannot name a
		// verifiable live owner.
		return LockState{Stale: true, Lock: &Lock{}}, nil
	}

	alive := s.probe.IsAlive(lock.PID)
	age := s.clock.Now().Sub(lock.AcquiredAt)
	stale := !alive || age > staleThreshold

	return LockState{Stale: stale, Lock: &lock}, nil
}
