// Package planprovider adapts an external spec CLI into the task-plan
// interface the Engine consults before each iteration.
package planprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// State values for a Status response.
const (
	StateReady   = "ready"
	StateBlocked = "blocked"
	StateAllDone = "all_done"
)

// Task is one entry in a plan's ordered task list.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Progress summarizes task completion counts.
type Progress struct {
	Total     int `json:"total"`
	Complete  int `json:"complete"`
	Remaining int `json:"remaining"`
}

// Status is the full response of the status operation.
type Status struct {
	ChangeName  string     `json:"change_name"`
	ChangeDir   string     `json:"change_dir"`
	SchemaName  string     `json:"schema_name"`
	Progress    Progress   `json:"progress"`
	Tasks       []Task     `json:"tasks"`
	State       string     `json:"state"`
	Instruction string     `json:"instruction"`
}

// FirstUndone returns the first task in Tasks with Done == false, or
// (Task{}, false) if every task is done.
func (s *Status) FirstUndone() (Task, bool) {
	for _, t := range s.Tasks {
		if !t.Done {
			return t, true
		}
	}
	return Task{}, false
}

// Provider invokes an external CLI binary to query and mutate a change's
// task plan.
type Provider struct {
	Binary string
}

// New constructs a Provider wrapping the given CLI binary path or name.
func New(binary string) *Provider {
	return &Provider{Binary: binary}
}

// Status queries the current ordered task list and overall state for
// changeID.
func (p *Provider) Status(ctx context.Context, changeID string) (*Status, error) {
	out, err := p.run(ctx, "status", "--change", changeID, "--json")
	if err != nil {
		return nil, fmt.Errorf("planprovider: status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("planprovider: parse status: %w", err)
	}
	return &st, nil
}

// Validate checks the change's artifacts for internal consistency,
// returning an error (the CLI's non-zero exit) when invalid.
func (p *Provider) Validate(ctx context.Context, changeID string) error {
	_, err := p.run(ctx, "validate", changeID)
	if err != nil {
		return fmt.Errorf("planprovider: validate: %w", err)
	}
	return nil
}

// Block marks changeID as blocked with the given reason.
func (p *Provider) Block(ctx context.Context, changeID, reason string) error {
	_, err := p.run(ctx, "block", changeID, "--reason", reason)
	if err != nil {
		return fmt.Errorf("planprovider: block: %w", err)
	}
	return nil
}

// Archive finalizes changeID.
func (p *Provider) Archive(ctx context.Context, changeID string) error {
	_, err := p.run(ctx, "archive", changeID, "--yes")
	if err != nil {
		return fmt.Errorf("planprovider: archive: %w", err)
	}
	return nil
}

// Instructions returns authoring instructions for the given artifact. Used
// only by the artifact-authoring flow, which this module does not otherwise
// implement; exposed here for completeness of the external CLI surface.
func (p *Provider) Instructions(ctx context.Context, artifact, changeID string) (string, error) {
	out, err := p.run(ctx, "instructions", artifact, changeID)
	if err != nil {
		return "", fmt.Errorf("planprovider: instructions: %w", err)
	}
	return string(out), nil
}

func (p *Provider) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, stderr.String())
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
