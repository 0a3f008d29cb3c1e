// Package qualitygate executes the project's quality-check command and the
// external spec validator, and packages the results as verification
// evidence.
package qualitygate

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/ralphcore/ralph/internal/iterstore"
)

// summaryLength bounds the first-N-characters evidence summary.
const summaryLength = 1000

// Runner executes quality checks for one project.
type Runner struct {
	// CheckCommand is run via "sh -c" in ProjectPath; empty disables it.
	CheckCommand string
	// ValidatorBinary is the external spec-validator CLI; invoked as
	// "<ValidatorBinary> validate <changeID>".
	ValidatorBinary string
	ProjectPath     string
}

// New constructs a Runner.
func New(checkCommand, validatorBinary, projectPath string) *Runner {
	return &Runner{CheckCommand: checkCommand, ValidatorBinary: validatorBinary, ProjectPath: projectPath}
}

// Run executes the check command (if configured) followed by the spec
// validator, and composes a VerificationEvidence record.
func (r *Runner) Run(ctx context.Context, changeID string) (*iterstore.VerificationEvidence, error) {
	var combined bytes.Buffer

	if r.CheckCommand != "" {
		out, _ := runShell(ctx, r.CheckCommand, r.ProjectPath)
		combined.Write(out)
		combined.WriteString("\n")
	}

	specPassed, validatorOut, _ := r.runValidator(ctx, changeID)
	combined.Write(validatorOut)

	checkOutput := combined.String()
	allPassed := specPassed && !strings.Contains(strings.ToLower(checkOutput), "error")

	return &iterstore.VerificationEvidence{
		CheckOutput:        checkOutput,
		CheckOutputSummary: truncate(checkOutput, summaryLength),
		SpecValidation: iterstore.SpecValidation{
			Passed: specPassed,
		},
		AllChecksPassed: allPassed,
		CollectedAt:     time.Now(),
	}, nil
}

func (r *Runner) runValidator(ctx context.Context, changeID string) (passed bool, output []byte, err error) {
	if r.ValidatorBinary == "" {
		return true, nil, nil
	}
	cmd := exec.CommandContext(ctx, r.ValidatorBinary, "validate", changeID)
	cmd.Dir = r.ProjectPath
	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return false, out, runErr
	}
	return true, out, nil
}

func runShell(ctx context.Context, command, dir string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
