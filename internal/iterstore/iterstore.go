// Package iterstore implements the Iteration Store: append-only
// persistence of per-iteration logs, plus derived read views and a
// human-readable progress summary.
package iterstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ralphcore/ralph/internal/fsatomic"
)

// SchemaVersion is the current iteration log schema version.
const SchemaVersion = 1

// Status values for an IterationLog.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusInProgress = "in_progress"
)

// Error type values for a FailureAnalysis.
const (
	ErrorTypeValidation = "validation"
	ErrorTypeRuntime    = "runtime"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeUnknown    = "unknown"
)

// filenameWidth is the default zero-pad width for iteration filenames.
const filenameWidth = 4

// SpecValidation is the spec-validator portion of VerificationEvidence.
type SpecValidation struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// VerificationEvidence is the quality-gate record attached to an iteration.
type VerificationEvidence struct {
	CheckOutput        string         `json:"check_output"`
	CheckOutputSummary string         `json:"check_output_summary"`
	TestOutput         string         `json:"test_output,omitempty"`
	SpecValidation     SpecValidation `json:"spec_validation"`
	AllChecksPassed    bool           `json:"all_checks_passed"`
	CollectedAt        time.Time      `json:"collected_at"`
}

// IterationContext holds the extracted narrative fields for a successful
// or partially-successful iteration.
type IterationContext struct {
	WhatWasDone  string   `json:"what_was_done,omitempty"`
	Learnings    string   `json:"learnings,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Gotchas      string   `json:"gotchas,omitempty"`
}

// FailureAnalysis is the extracted or synthesized root-cause record for a
// failed iteration.
type FailureAnalysis struct {
	RootCause    string `json:"root_cause"`
	FixPlan      string `json:"fix_plan"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
}

// IterationLog is one immutable record of a single pass of prompt → agent
// → verify.
type IterationLog struct {
	SchemaVersion        int                   `json:"schema_version"`
	SessionID            string                `json:"session_id"`
	Iteration            int                   `json:"iteration"`
	TaskID               string                `json:"task_id"`
	TaskAttempt          int                   `json:"task_attempt"`
	Timestamp            time.Time             `json:"timestamp"`
	AgentThreadID        string                `json:"agent_thread_id,omitempty"`
	Status               string                `json:"status"`
	PromptTokenEstimate  int                   `json:"prompt_token_estimate,omitempty"`
	AgentClaimedComplete bool                  `json:"agent_claimed_complete"`
	Evidence             *VerificationEvidence `json:"evidence,omitempty"`
	Context              *IterationContext     `json:"context,omitempty"`
	Implemented          []string              `json:"implemented,omitempty"`
	CodebasePatterns     []string              `json:"codebase_patterns,omitempty"`
	Summary              string                `json:"summary,omitempty"`
	FailureAnalysis      *FailureAnalysis      `json:"failure_analysis,omitempty"`
	GitSHABefore         string                `json:"git_sha_before,omitempty"`
	GitSHAAfter          string                `json:"git_sha_after,omitempty"`
	DurationMS           int64                 `json:"duration_ms"`
	RawOutput            string                `json:"raw_output,omitempty"`
}

// ErrImmutable is returned by Save when an iteration log with the given
// number already exists on disk.
var ErrImmutable = errors.New("iterstore: iteration log already exists and cannot be overwritten")

// Store manages the iterations/ directory and progress.md for one session.
type Store struct {
	iterationsDir string
	progressPath  string
}

// New constructs a Store given the directories produced by
// session.Store.IterationsDir and the session directory for progress.md.
func New(iterationsDir, sessionDir string) *Store {
	return &Store{
		iterationsDir: iterationsDir,
		progressPath:  filepath.Join(sessionDir, "progress.md"),
	}
}

func (s *Store) pathFor(n int) string {
	name := fsatomic.ZeroPad(n, filenameWidth) + ".json"
	return filepath.Join(s.iterationsDir, name)
}

// Save atomically writes log to iterations/NNNN.json. Saving over an
// existing iteration number is rejected: logs are immutable once written.
func (s *Store) Save(log *IterationLog) error {
	path := s.pathFor(log.Iteration)
	if fsatomic.FileExists(path) {
		return fmt.Errorf("%w: iteration %d", ErrImmutable, log.Iteration)
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal iteration log: %w", err)
	}
	if err := fsatomic.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write iteration log %d: %w", log.Iteration, err)
	}
	return nil
}

// Read returns the log for iteration n, or nil if absent.
func (s *Store) Read(n int) (*IterationLog, error) {
	data, err := os.ReadFile(s.pathFor(n))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read iteration log %d: %w", n, err)
	}
	var log IterationLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("unmarshal iteration log %d: %w", n, err)
	}
	return &log, nil
}

// List returns the sorted list of iteration numbers present on disk.
func (s *Store) List() ([]int, error) {
	entries, err := os.ReadDir(s.iterationsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read iterations dir: %w", err)
	}

	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		raw := strings.TrimSuffix(name, ".json")
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// ReadRecent returns the last count logs by iteration number, in
// chronological order.
func (s *Store) ReadRecent(count int) ([]*IterationLog, error) {
	nums, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(nums) > count {
		nums = nums[len(nums)-count:]
	}
	var out []*IterationLog
	for _, n := range nums {
		log, err := s.Read(n)
		if err != nil {
			return nil, err
		}
		if log != nil {
			out = append(out, log)
		}
	}
	return out, nil
}

// ReadByTask returns every log matching taskID, in iteration order.
func (s *Store) ReadByTask(taskID string) ([]*IterationLog, error) {
	nums, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*IterationLog
	for _, n := range nums {
		log, err := s.Read(n)
		if err != nil {
			return nil, err
		}
		if log != nil && log.TaskID == taskID {
			out = append(out, log)
		}
	}
	return out, nil
}

// LastFailure returns the most recent log with status=failed and a
// non-null failure analysis, or nil if none exists.
func (s *Store) LastFailure() (*IterationLog, error) {
	nums, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := len(nums) - 1; i >= 0; i-- {
		log, err := s.Read(nums[i])
		if err != nil {
			return nil, err
		}
		if log != nil && log.Status == StatusFailed && log.FailureAnalysis != nil {
			return log, nil
		}
	}
	return nil, nil
}

// TaskFailureHistory returns up to max most recent FailureAnalysis records
// for taskID, most recent last.
func (s *Store) TaskFailureHistory(taskID string, max int) ([]*FailureAnalysis, error) {
	logs, err := s.ReadByTask(taskID)
	if err != nil {
		return nil, err
	}
	var analyses []*FailureAnalysis
	for _, log := range logs {
		if log.Status == StatusFailed && log.FailureAnalysis != nil {
			analyses = append(analyses, log.FailureAnalysis)
		}
	}
	if len(analyses) > max {
		analyses = analyses[len(analyses)-max:]
	}
	return analyses, nil
}

// NextIterationNumber returns max(List())+1, or 1 if no iterations exist
// yet.
func (s *Store) NextIterationNumber() (int, error) {
	nums, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 1, nil
	}
	return nums[len(nums)-1] + 1, nil
}

// GenerateProgress derives a human-readable progress.md view: stats,
// accumulated patterns, and the last 5 iterations. Callers MUST NOT edit
// this file; it is a derived view, regenerated on each call.
func (s *Store) GenerateProgress(patterns []string) error {
	nums, err := s.List()
	if err != nil {
		return err
	}

	var successCount, failedCount int
	for _, n := range nums {
		log, err := s.Read(n)
		if err != nil {
			return err
		}
		if log == nil {
			continue
		}
		switch log.Status {
		case StatusSuccess:
			successCount++
		case StatusFailed:
			failedCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Progress\n\n")
	fmt.Fprintf(&b, "- Total iterations: %d\n", len(nums))
	fmt.Fprintf(&b, "- Successful: %d\n", successCount)
	fmt.Fprintf(&b, "- Failed: %d\n\n", failedCount)

	if len(patterns) > 0 {
		fmt.Fprintf(&b, "## Accumulated codebase patterns\n\n")
		for _, p := range patterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		fmt.Fprintf(&b, "\n")
	}

	fmt.Fprintf(&b, "## Last iterations\n\n")
	recent, err := s.ReadRecent(5)
	if err != nil {
		return err
	}
	for _, log := range recent {
		icon := "✓"
		detail := log.Summary
		if log.Status != StatusSuccess {
			icon = "✗"
			if log.FailureAnalysis != nil {
				detail = log.FailureAnalysis.RootCause
			}
		}
		fmt.Fprintf(&b, "- %s iteration %d (task %s): %s\n", icon, log.Iteration, log.TaskID, detail)
	}

	if err := fsatomic.WriteFile(s.progressPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write progress.md: %w", err)
	}
	return nil
}

// Categorize classifies an error message into the FailureAnalysis error
// taxonomy: timeout, validation, runtime, or unknown.
func Categorize(errorMessage string) string {
	lower := strings.ToLower(errorMessage)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return ErrorTypeTimeout
	case strings.Contains(lower, "syntax") || strings.Contains(lower, "type") || strings.Contains(lower, "lint"):
		return ErrorTypeValidation
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception") || strings.Contains(lower, "failed"):
		return ErrorTypeRuntime
	default:
		return ErrorTypeUnknown
	}
}
