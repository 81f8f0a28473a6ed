package session

import (
	"sort"
	"sync"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
	"github.com/droidpilot/droidpilot/pkg/events"
)

// stepCacheCapacity bounds the per-task ring of recent steps.
const stepCacheCapacity = 1000

// stepCache keeps the most recent steps of running tasks so step reads
// can be served before the tracker's background flush reaches the
// store. Entries are dropped when the task terminates.
type stepCache struct {
	mu       sync.RWMutex
	tasks    map[string][]v1.StepRecord
	capacity int
}

func newStepCache(capacity int) *stepCache {
	if capacity <= 0 {
		capacity = stepCacheCapacity
	}
	return &stepCache{
		tasks:    make(map[string][]v1.StepRecord),
		capacity: capacity,
	}
}

// observe rebuilds a step record from a step_update event and caches
// it. Non-step events pass through untouched.
func (c *stepCache) observe(evt *events.Event) {
	if evt.Type != events.EventTypeStepUpdate {
		return
	}
	rec := v1.StepRecord{
		TaskID:    evt.TaskID,
		Timestamp: evt.Timestamp,
		StepType:  v1.StepTypeAction,
	}
	if n, ok := evt.Data["step_number"].(int); ok {
		rec.StepNumber = n
	}
	if s, ok := evt.Data["thought"].(string); ok {
		rec.ModelThought = s
	}
	if s, ok := evt.Data["action"].(string); ok {
		rec.Action = s
	}
	if m, ok := evt.Data["action_params"].(map[string]interface{}); ok {
		rec.ActionParams = m
	}
	if s, ok := evt.Data["outcome"].(string); ok {
		rec.Outcome = v1.Outcome(s)
	}
	if s, ok := evt.Data["message"].(string); ok {
		rec.Content = s
	}
	if s, ok := evt.Data["screenshot_ref"].(string); ok {
		rec.ScreenshotRef = s
	}
	if rec.Action == "" {
		rec.StepType = v1.StepTypeError
	}
	c.add(rec)
}

func (c *stepCache) add(rec v1.StepRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := append(c.tasks[rec.TaskID], rec)
	if len(steps) > c.capacity {
		steps = steps[len(steps)-c.capacity:]
	}
	c.tasks[rec.TaskID] = steps
}

// steps returns a copy of the cached records for a task.
func (c *stepCache) steps(taskID string) []v1.StepRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]v1.StepRecord(nil), c.tasks[taskID]...)
}

// drop discards a task's cached steps.
func (c *stepCache) drop(taskID string) {
	c.mu.Lock()
	delete(c.tasks, taskID)
	c.mu.Unlock()
}

// merge combines persisted and cached records for one task. Persisted
// rows win on conflict because they carry the durable screenshot URL;
// cached rows fill in steps the flusher has not written yet.
func merge(stored, cached []v1.StepRecord) []v1.StepRecord {
	if len(cached) == 0 {
		return stored
	}
	byNumber := make(map[int]v1.StepRecord, len(stored)+len(cached))
	for _, rec := range cached {
		byNumber[rec.StepNumber] = rec
	}
	for _, rec := range stored {
		byNumber[rec.StepNumber] = rec
	}
	out := make([]v1.StepRecord, 0, len(byNumber))
	for _, rec := range byNumber {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}
