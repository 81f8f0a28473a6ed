package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

func createTestRecord(taskID string, number int) v1.StepRecord {
	return v1.StepRecord{
		TaskID:     taskID,
		StepNumber: number,
		Timestamp:  time.Now().UTC(),
		StepType:   v1.StepTypeAction,
		Content:    "tapped home",
		Outcome:    v1.OutcomeSuccess,
	}
}

func TestSpillRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-1.spill")
	spill := newSpillFile(path)

	records := []v1.StepRecord{
		createTestRecord("task-1", 1),
		createTestRecord("task-1", 2),
		createTestRecord("task-1", 3),
	}
	if err := spill.Append(records); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if spill.Empty() {
		t.Error("expected spill file to be non-empty")
	}

	got, err := spill.ReadAll()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, record := range got {
		if record.StepNumber != i+1 {
			t.Errorf("expected step %d at position %d, got %d", i+1, i, record.StepNumber)
		}
		if record.TaskID != "task-1" {
			t.Errorf("expected task-1, got %s", record.TaskID)
		}
	}

	if err := spill.Truncate(); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	if !spill.Empty() {
		t.Error("expected spill file to be empty after truncate")
	}
	got, err = spill.ReadAll()
	if err != nil {
		t.Fatalf("read after truncate failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no records after truncate, got %d", len(got))
	}
}

func TestSpillAppendAccumulates(t *testing.T) {
	spill := newSpillFile(filepath.Join(t.TempDir(), "task-1.spill"))

	if err := spill.Append([]v1.StepRecord{createTestRecord("task-1", 1)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := spill.Append([]v1.StepRecord{createTestRecord("task-1", 2)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := spill.ReadAll()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records across appends, got %d", len(got))
	}
}

func TestSpillToleratesTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-1.spill")
	spill := newSpillFile(path)

	if err := spill.Append([]v1.StepRecord{createTestRecord("task-1", 1), createTestRecord("task-1", 2)}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Simulate a crash mid-append: a length prefix promising more bytes
	// than were written.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := file.Write([]byte{0x00, 0x00, 0x01, 0x00, 'p', 'a', 'r', 't'}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	file.Close()

	got, err := spill.ReadAll()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the 2 intact records, got %d", len(got))
	}
}

func TestSpillMissingFile(t *testing.T) {
	spill := newSpillFile(filepath.Join(t.TempDir(), "never-written.spill"))

	got, err := spill.ReadAll()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil records for missing file, got %d", len(got))
	}
	if !spill.Empty() {
		t.Error("expected missing file to report empty")
	}
	if err := spill.Truncate(); err != nil {
		t.Errorf("truncate of missing file failed: %v", err)
	}
}
