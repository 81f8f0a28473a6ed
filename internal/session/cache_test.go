package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
	"github.com/droidpilot/droidpilot/pkg/events"
)

func TestObserveCachesStepUpdates(t *testing.T) {
	c := newStepCache(0)

	c.observe(events.NewStepUpdateEvent("s1", "t1", events.StepUpdateData{
		TaskID:        "t1",
		StepNumber:    3,
		Thought:       "tap the send button",
		Action:        "Tap",
		ActionParams:  map[string]interface{}{"x": 540, "y": 1200},
		Outcome:       "success",
		Message:       "",
		ScreenshotRef: "screenshot_20250101_120000_abcd1234.png",
		Success:       true,
	}))

	recs := c.steps("t1")
	require.Len(t, recs, 1)
	assert.Equal(t, "t1", recs[0].TaskID)
	assert.Equal(t, 3, recs[0].StepNumber)
	assert.Equal(t, v1.StepTypeAction, recs[0].StepType)
	assert.Equal(t, "tap the send button", recs[0].ModelThought)
	assert.Equal(t, "Tap", recs[0].Action)
	assert.Equal(t, v1.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, "screenshot_20250101_120000_abcd1234.png", recs[0].ScreenshotRef)
}

func TestObserveIgnoresNonStepEvents(t *testing.T) {
	c := newStepCache(0)

	c.observe(events.NewTerminalEvent("s1", "t1", events.TerminalData{
		TaskID: "t1",
		Status: "completed",
	}))
	c.observe(events.NewOverflowEvent("s1", "t1", events.OverflowData{
		TaskID:       "t1",
		DroppedCount: 4,
	}))

	assert.Empty(t, c.steps("t1"))
}

func TestObserveMarksActionlessStepsAsErrors(t *testing.T) {
	c := newStepCache(0)

	c.observe(events.NewStepUpdateEvent("s1", "t1", events.StepUpdateData{
		TaskID:     "t1",
		StepNumber: 1,
		Message:    "no action call found",
	}))

	recs := c.steps("t1")
	require.Len(t, recs, 1)
	assert.Equal(t, v1.StepTypeError, recs[0].StepType)
	assert.Equal(t, "no action call found", recs[0].Content)
}

func TestCacheTrimsOldestBeyondCapacity(t *testing.T) {
	c := newStepCache(3)
	for n := 1; n <= 5; n++ {
		c.add(v1.StepRecord{TaskID: "t1", StepNumber: n})
	}

	recs := c.steps("t1")
	require.Len(t, recs, 3)
	assert.Equal(t, 3, recs[0].StepNumber)
	assert.Equal(t, 5, recs[2].StepNumber)
}

func TestDropForgetsTask(t *testing.T) {
	c := newStepCache(0)
	c.add(v1.StepRecord{TaskID: "t1", StepNumber: 1})
	c.add(v1.StepRecord{TaskID: "t2", StepNumber: 1})

	c.drop("t1")

	assert.Empty(t, c.steps("t1"))
	assert.Len(t, c.steps("t2"), 1)
}

func TestMergePrefersStoredRows(t *testing.T) {
	stored := []v1.StepRecord{
		{TaskID: "t1", StepNumber: 1, ScreenshotRef: "/screenshots/task/t1/step/1.png"},
		{TaskID: "t1", StepNumber: 2, ScreenshotRef: "/screenshots/task/t1/step/2.png"},
	}
	cached := []v1.StepRecord{
		{TaskID: "t1", StepNumber: 2, ScreenshotRef: "screenshot_local.png"},
		{TaskID: "t1", StepNumber: 3, ScreenshotRef: "screenshot_local.png"},
	}

	got := merge(stored, cached)

	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].StepNumber)
	assert.Equal(t, 2, got[1].StepNumber)
	assert.Equal(t, "/screenshots/task/t1/step/2.png", got[1].ScreenshotRef,
		"persisted row wins: it carries the durable blob URL")
	assert.Equal(t, 3, got[2].StepNumber)
	assert.Equal(t, "screenshot_local.png", got[2].ScreenshotRef,
		"cached row fills the step the flusher has not written yet")
}

func TestMergeWithoutCacheReturnsStored(t *testing.T) {
	stored := []v1.StepRecord{{TaskID: "t1", StepNumber: 1}}
	assert.Equal(t, stored, merge(stored, nil))
	assert.Empty(t, merge(nil, nil))
}
