package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ralphcore/ralph/internal/registry"
)

func openTestRegistry(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTailLoop_StopsWhenContextDone(t *testing.T) {
	reg := openTestRegistry(t)
	if err := reg.CreateRun("run-1", "change-1", registry.ProjectConfig{Name: "p", Path: "/tmp/p"}, 10); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := reg.AppendLog("run-1", registry.LevelInfo, "iteration 1 started"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := tailLoop(ctx, reg, "", 5*time.Millisecond, &out); err != nil {
		t.Fatalf("tailLoop: %v", err)
	}

	if !strings.Contains(out.String(), "iteration 1 started") {
		t.Errorf("expected output to contain the appended log line, got %q", out.String())
	}
}

func TestTailLoop_FiltersByRunID(t *testing.T) {
	reg := openTestRegistry(t)
	for _, id := range []string{"run-a", "run-b"} {
		if err := reg.CreateRun(id, "change-"+id, registry.ProjectConfig{Name: "p", Path: "/tmp/p"}, 10); err != nil {
			t.Fatalf("CreateRun %s: %v", id, err)
		}
		if err := reg.AppendLog(id, registry.LevelInfo, "hello from "+id); err != nil {
			t.Fatalf("AppendLog %s: %v", id, err)
		}
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := tailLoop(ctx, reg, "run-a", 5*time.Millisecond, &out); err != nil {
		t.Fatalf("tailLoop: %v", err)
	}

	if !strings.Contains(out.String(), "hello from run-a") {
		t.Errorf("expected output to contain run-a's log line, got %q", out.String())
	}
	if strings.Contains(out.String(), "hello from run-b") {
		t.Errorf("expected output to exclude run-b's log line, got %q", out.String())
	}
}

func TestTailLoop_DoesNotRepeatLines(t *testing.T) {
	reg := openTestRegistry(t)
	if err := reg.CreateRun("run-1", "change-1", registry.ProjectConfig{Name: "p", Path: "/tmp/p"}, 10); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := reg.AppendLog("run-1", registry.LevelInfo, "only once"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	if err := tailLoop(ctx, reg, "", 5*time.Millisecond, &out); err != nil {
		t.Fatalf("tailLoop: %v", err)
	}

	if n := strings.Count(out.String(), "only once"); n != 1 {
		t.Errorf("expected exactly one occurrence of the log line, got %d", n)
	}
}
