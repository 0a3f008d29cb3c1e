package agentrunner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func withPath(t *testing.T, dir string) {
	t.Helper()
	old := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+old)
	t.Cleanup(func() { os.Setenv("PATH", old) })
}

func TestResolveBinary_FallsBackToPATH(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	dir := t.TempDir()
	writeScript(t, dir, "fake-agent", "#!/bin/sh\necho hi\n")
	withPath(t, dir)

	r := New("fake-agent")
	resolved, err := r.ResolveBinary(t.TempDir())
	if err != nil {
		t.Fatalf("ResolveBinary: %v", err)
	}
	if filepath.Base(resolved) != "fake-agent" {
		t.Fatalf("unexpected resolved path: %s", resolved)
	}
}

func TestResolveBinary_PrefersProjectNodeModules(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	projectDir := t.TempDir()
	binDir := filepath.Join(projectDir, "node_modules", ".bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeScript(t, binDir, "fake-agent", "#!/bin/sh\necho hi\n")

	r := New("fake-agent")
	resolved, err := r.ResolveBinary(projectDir)
	if err != nil {
		t.Fatalf("ResolveBinary: %v", err)
	}
	if resolved != filepath.Join(binDir, "fake-agent") {
		t.Fatalf("expected project-local binary, got %s", resolved)
	}
}

func TestResolveBinary_NotFound(t *testing.T) {
	r := New("definitely-not-a-real-binary-xyz")
	if _, err := r.ResolveBinary(t.TempDir()); err == nil {
		t.Fatal("expected error for unresolvable binary")
	}
}

func TestRun_SuccessStripsANSIAndReturnsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	projectDir := t.TempDir()
	binDir := t.TempDir()
	writeScript(t, binDir, "fake-agent", "#!/bin/sh\nprintf '\\033[31mred\\033[0m plain: %s\\n' \"$2\"\nexit 0\n")
	withPath(t, binDir)

	r := New("fake-agent")
	out, err := r.Run(context.Background(), "hello prompt", projectDir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty output")
	}
	for _, c := range out {
		if c == 0x1b {
			t.Fatal("expected ANSI escape sequences stripped")
		}
	}
}

func TestRun_NonZeroExitReturnsExitError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	projectDir := t.TempDir()
	binDir := t.TempDir()
	writeScript(t, binDir, "fake-agent", "#!/bin/sh\necho failing\nexit 3\n")
	withPath(t, binDir)

	r := New("fake-agent")
	_, err := r.Run(context.Background(), "prompt", projectDir)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	exitErr, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("expected exit code 3, got %d", exitErr.Code)
	}
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only test")
	}
	projectDir := t.TempDir()
	binDir := t.TempDir()
	writeScript(t, binDir, "fake-agent", "#!/bin/sh\nsleep 30\n")
	withPath(t, binDir)

	r := New("fake-agent")
	r.TimeoutMS = 200

	start := time.Now()
	_, err := r.Run(context.Background(), "prompt", projectDir)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("expected prompt termination, took %s", elapsed)
	}
}
