package iterstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "iterations"), dir)
}

func TestSaveAndRead(t *testing.T) {
	s := newTestStore(t)
	log := &IterationLog{SchemaVersion: SchemaVersion, SessionID: "s1", Iteration: 1, TaskID: "1.1", Status: StatusSuccess, Timestamp: time.Now()}
	if err := s.Save(log); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Read(1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil || got.TaskID != "1.1" {
		t.Fatalf("unexpected log: %+v", got)
	}
}

func TestSave_ImmutableRejectsOverwrite(t *testing.T) {
	s := newTestStore(t)
	log := &IterationLog{SchemaVersion: SchemaVersion, Iteration: 1, Status: StatusSuccess}
	if err := s.Save(log); err != nil {
		t.Fatal(err)
	}
	err := s.Save(log)
	if err == nil {
		t.Fatal("expected error overwriting existing iteration log")
	}
}

func TestRead_Absent(t *testing.T) {
	s := newTestStore(t)
	log, err := s.Read(1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if log != nil {
		t.Fatalf("expected nil log, got %+v", log)
	}
}

func TestListOutOfOrderInput(t *testing.T) {
	s := newTestStore(t)
	for _, n := range []int{1, 99, 5} {
		if err := s.Save(&IterationLog{Iteration: n, SchemaVersion: SchemaVersion, Status: StatusSuccess}); err != nil {
			t.Fatalf("Save %d: %v", n, err)
		}
	}
	nums, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []int{1, 5, 99}
	if len(nums) != len(want) {
		t.Fatalf("got %v, want %v", nums, want)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("got %v, want %v", nums, want)
		}
	}
}

func TestNextIterationNumber(t *testing.T) {
	s := newTestStore(t)
	n, err := s.NextIterationNumber()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 for empty store, got %d err=%v", n, err)
	}
	if err := s.Save(&IterationLog{Iteration: 1, SchemaVersion: SchemaVersion, Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&IterationLog{Iteration: 3, SchemaVersion: SchemaVersion, Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	n, err = s.NextIterationNumber()
	if err != nil || n != 4 {
		t.Fatalf("expected 4, got %d err=%v", n, err)
	}
}

func TestLastFailure(t *testing.T) {
	s := newTestStore(t)
	if got, err := s.LastFailure(); err != nil || got != nil {
		t.Fatalf("expected nil last failure on empty store, got %+v err=%v", got, err)
	}

	if err := s.Save(&IterationLog{Iteration: 1, SchemaVersion: SchemaVersion, Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&IterationLog{Iteration: 2, SchemaVersion: SchemaVersion, Status: StatusFailed,
		FailureAnalysis: &FailureAnalysis{RootCause: "missing import"}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LastFailure()
	if err != nil {
		t.Fatalf("LastFailure: %v", err)
	}
	if got == nil || got.Iteration != 2 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestReadByTaskAndHistory(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(&IterationLog{Iteration: 1, SchemaVersion: SchemaVersion, TaskID: "1.1", Status: StatusFailed,
		FailureAnalysis: &FailureAnalysis{RootCause: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&IterationLog{Iteration: 2, SchemaVersion: SchemaVersion, TaskID: "1.1", Status: StatusFailed,
		FailureAnalysis: &FailureAnalysis{RootCause: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(&IterationLog{Iteration: 3, SchemaVersion: SchemaVersion, TaskID: "2.1", Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	logs, err := s.ReadByTask("1.1")
	if err != nil || len(logs) != 2 {
		t.Fatalf("ReadByTask: %v logs=%v", err, logs)
	}

	hist, err := s.TaskFailureHistory("1.1", 1)
	if err != nil {
		t.Fatalf("TaskFailureHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].RootCause != "b" {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestGenerateProgress(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(&IterationLog{Iteration: 1, SchemaVersion: SchemaVersion, Status: StatusSuccess, Summary: "did X"}); err != nil {
		t.Fatal(err)
	}
	if err := s.GenerateProgress([]string{"use atomic writes"}); err != nil {
		t.Fatalf("GenerateProgress: %v", err)
	}
}

func TestCategorize(t *testing.T) {
	cases := map[string]string{
		"Operation timed out after 30s": ErrorTypeTimeout,
		"Type error: cannot assign":     ErrorTypeValidation,
		"Runtime exception: nil ptr":    ErrorTypeRuntime,
		"completely unrelated message":  ErrorTypeUnknown,
	}
	for msg, want := range cases {
		if got := Categorize(msg); got != want {
			t.Errorf("Categorize(%q) = %q, want %q", msg, got, want)
		}
	}
}
