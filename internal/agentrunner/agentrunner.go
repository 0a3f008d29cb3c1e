// Package agentrunner spawns the configured external coding agent as a
// pseudo-terminal child process, collects its full output, and strips
// terminal escape sequences from the result.
package agentrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ralphcore/ralph/internal/extract"
)

// ptyRows and ptyCols size the allocated pseudo-terminal.
const (
	ptyRows = 40
	ptyCols = 120
)

// killGrace is how long SIGTERM is given to take effect before SIGKILL.
const killGrace = 5 * time.Second

// Runner executes the configured agent binary as a PTY child process.
type Runner struct {
	// BinaryName is the bare command name resolved against PATH when no
	// other candidate exists, e.g. "amp".
	BinaryName string
	// TimeoutMS is an optional per-invocation timeout in milliseconds; zero
	// disables the timeout.
	TimeoutMS int
}

// New constructs a Runner for the given agent binary name.
func New(binaryName string) *Runner {
	return &Runner{BinaryName: binaryName}
}

// ResolveBinary returns the agent binary path, preferring (in order)
// <HOME>/.amp/bin/<name>, <projectPath>/node_modules/.bin/<name>, then the
// bare name resolved on PATH.
func (r *Runner) ResolveBinary(projectPath string) (string, error) {
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".amp", "bin", r.BinaryName)
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	candidate := filepath.Join(projectPath, "node_modules", ".bin", r.BinaryName)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}

	resolved, err := exec.LookPath(r.BinaryName)
	if err != nil {
		return "", fmt.Errorf("agentrunner: resolve binary %q: %w", r.BinaryName, err)
	}
	return resolved, nil
}

// TimeoutError marks an agent invocation killed for exceeding its timeout.
type TimeoutError struct{ Elapsed time.Duration }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agentrunner: timed out after %s", e.Elapsed)
}

// ExitError wraps a non-zero agent exit code.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("exit code %d", e.Code) }

// Run spawns the agent with --execute <prompt> in cwd over a 120x40
// pseudo-terminal, collects the full transcript, and returns the
// ANSI/CSI-stripped output on a zero exit. Non-zero exit or timeout returns
// the collected output alongside a typed error.
func (r *Runner) Run(ctx context.Context, prompt, cwd string) (string, error) {
	binary, err := r.ResolveBinary(cwd)
	if err != nil {
		return "", err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(r.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.Command(binary, "--execute", prompt)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return "", fmt.Errorf("agentrunner: start pty: %w", err)
	}
	defer ptm.Close()

	var buf bytes.Buffer
	var mu sync.Mutex
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		chunk := make([]byte, 4096)
		for {
			n, readErr := ptm.Read(chunk)
			if n > 0 {
				mu.Lock()
				buf.Write(chunk[:n])
				mu.Unlock()
			}
			if readErr != nil {
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	started := time.Now()
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		terminate(cmd)
		select {
		case waitErr = <-waitCh:
		case <-time.After(killGrace):
		}
		<-readDoneOrTimeout(readDone)
		mu.Lock()
		output := extract.Sanitize(buf.String())
		mu.Unlock()
		return output, &TimeoutError{Elapsed: time.Since(started)}
	}

	<-readDoneOrTimeout(readDone)
	mu.Lock()
	output := extract.Sanitize(buf.String())
	mu.Unlock()

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return output, &ExitError{Code: exitErr.ExitCode()}
		}
		return output, fmt.Errorf("agentrunner: wait: %w", waitErr)
	}
	return output, nil
}

// readDoneOrTimeout bounds how long Run waits for the reader goroutine to
// drain the pty after the process has exited or been killed.
func readDoneOrTimeout(done chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		close(out)
	}()
	return out
}

// terminate sends SIGTERM to the agent process, escalating to SIGKILL after
// killGrace if it has not exited. Only that process is signalled, not its
// process group.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		_ = cmd.Process.Signal(syscall.SIGKILL)
	}()
}
