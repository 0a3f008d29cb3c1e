package registry

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "ralph.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := openTestStore(t)
	cfg := ProjectConfig{Name: "demo", Path: "/tmp/demo", CheckCommand: "make check"}

	if err := s.CreateRun("run-1", "change-1", cfg, 10); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusRunning || run.ChangeID != "change-1" || run.MaxIterations != 10 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.ProjectConfig.CheckCommand != "make check" {
		t.Fatalf("unexpected project config: %+v", run.ProjectConfig)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunning(t *testing.T) {
	s := openTestStore(t)
	cfg := ProjectConfig{Name: "demo", Path: "/tmp/demo"}
	if err := s.CreateRun("r1", "c1", cfg, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun("r2", "c2", cfg, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus("r2", StatusCompleted); err != nil {
		t.Fatal(err)
	}

	running, err := s.ListRunning()
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(running) != 1 || running[0].ID != "r1" {
		t.Fatalf("unexpected running set: %+v", running)
	}
}

func TestUpdateIterationAndTasks(t *testing.T) {
	s := openTestStore(t)
	cfg := ProjectConfig{Name: "demo", Path: "/tmp/demo"}
	if err := s.CreateRun("r1", "c1", cfg, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateIteration("r1", 3, "1.1"); err != nil {
		t.Fatalf("UpdateIteration: %v", err)
	}
	run, err := s.GetRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.CurrentIteration != 3 || run.LastTaskID != "1.1" {
		t.Fatalf("unexpected run: %+v", run)
	}

	if err := s.UpsertTask("r1", "1.1", "Add X", "done"); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := s.UpsertTask("r1", "1.1", "Add X", "done-again"); err != nil {
		t.Fatalf("UpsertTask update: %v", err)
	}
	tasks, err := s.ListTasks("r1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != "done-again" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestAppendLog(t *testing.T) {
	s := openTestStore(t)
	cfg := ProjectConfig{Name: "demo", Path: "/tmp/demo"}
	if err := s.CreateRun("r1", "c1", cfg, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLog("r1", LevelInfo, "starting"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateStatus("missing", StatusFailed); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListLogsSince(t *testing.T) {
	s := openTestStore(t)
	cfg := ProjectConfig{Name: "demo", Path: "/tmp/demo"}
	if err := s.CreateRun("r1", "c1", cfg, 5); err != nil {
		t.Fatal(err)
	}
	for _, msg := range []string{"first", "second", "third"} {
		if err := s.AppendLog("r1", LevelInfo, msg); err != nil {
			t.Fatalf("AppendLog(%s): %v", msg, err)
		}
	}

	all, err := s.ListLogsSince(0)
	if err != nil {
		t.Fatalf("ListLogsSince(0): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(all))
	}

	rest, err := s.ListLogsSince(all[0].ID)
	if err != nil {
		t.Fatalf("ListLogsSince(%d): %v", all[0].ID, err)
	}
	if len(rest) != 2 || rest[0].Message != "second" {
		t.Fatalf("unexpected remaining logs: %+v", rest)
	}
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	cfg := ProjectConfig{Name: "demo", Path: "/tmp/demo"}
	if err := s.CreateRun("r1", "c1", cfg, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun("r2", "c2", cfg, 5); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
}
