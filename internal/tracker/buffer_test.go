package tracker

import (
	"testing"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

func createTestStep(number int) Step {
	return Step{
		Record: v1.StepRecord{
			StepNumber: number,
			StepType:   v1.StepTypeAction,
			Outcome:    v1.OutcomeSuccess,
		},
	}
}

func TestBufferAppendAndDrainOrder(t *testing.T) {
	b := newStepBuffer(4)

	for i := 1; i <= 3; i++ {
		if dropped := b.Append(createTestStep(i)); dropped != 0 {
			t.Errorf("expected no drops, got %d", dropped)
		}
	}
	if b.Len() != 3 {
		t.Errorf("expected length 3, got %d", b.Len())
	}

	steps := b.Drain()
	if len(steps) != 3 {
		t.Fatalf("expected 3 drained steps, got %d", len(steps))
	}
	for i, step := range steps {
		if step.Record.StepNumber != i+1 {
			t.Errorf("expected step %d at position %d, got %d", i+1, i, step.Record.StepNumber)
		}
	}
	if b.Len() != 0 {
		t.Errorf("expected empty buffer after drain, got %d", b.Len())
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	b := newStepBuffer(2)

	b.Append(createTestStep(1))
	b.Append(createTestStep(2))
	if dropped := b.Append(createTestStep(3)); dropped != 1 {
		t.Fatalf("expected 1 dropped step, got %d", dropped)
	}

	steps := b.Drain()
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps after overflow, got %d", len(steps))
	}
	// The newest append always lands; the oldest unflushed is evicted.
	if steps[0].Record.StepNumber != 2 || steps[1].Record.StepNumber != 3 {
		t.Errorf("expected steps [2, 3], got [%d, %d]", steps[0].Record.StepNumber, steps[1].Record.StepNumber)
	}
}

func TestBufferDrainEmpty(t *testing.T) {
	b := newStepBuffer(2)
	if steps := b.Drain(); steps != nil {
		t.Errorf("expected nil from empty drain, got %d steps", len(steps))
	}
}
