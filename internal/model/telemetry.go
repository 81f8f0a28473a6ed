package model

import (
	"sync"
	"time"
)

// RequestStat records the outcome of one model request.
type RequestStat struct {
	Timestamp time.Time
	Model     string
	Duration  time.Duration
	Timeout   time.Duration
	Success   bool
	IsTimeout bool
}

// Summary is the aggregated view served by the stats endpoint.
type Summary struct {
	TotalRequests     int      `json:"total_requests"`
	SuccessRate       float64  `json:"success_rate"`
	TimeoutRate       float64  `json:"timeout_rate"`
	AverageDurationMs float64  `json:"average_duration_ms"`
	Models            []string `json:"models"`
}

// Telemetry keeps a bounded window of recent request statistics.
type Telemetry struct {
	mu       sync.RWMutex
	stats    []RequestStat
	maxStats int
}

// NewTelemetry creates a telemetry window holding at most maxStats entries.
func NewTelemetry(maxStats int) *Telemetry {
	if maxStats <= 0 {
		maxStats = 1000
	}
	return &Telemetry{maxStats: maxStats}
}

// Record appends a request outcome, trimming the oldest entries beyond the cap.
func (t *Telemetry) Record(stat RequestStat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats = append(t.stats, stat)
	if len(t.stats) > t.maxStats {
		t.stats = t.stats[len(t.stats)-t.maxStats:]
	}
}

// recent returns the stats newer than the cutoff. Callers hold the read lock.
func (t *Telemetry) recent(window time.Duration) []RequestStat {
	cutoff := time.Now().Add(-window)
	var out []RequestStat
	for _, s := range t.stats {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// TimeoutRate reports the fraction of requests within the window that ran
// out of their deadline.
func (t *Telemetry) TimeoutRate(window time.Duration) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	recent := t.recent(window)
	if len(recent) == 0 {
		return 0
	}
	timeouts := 0
	for _, s := range recent {
		if s.IsTimeout {
			timeouts++
		}
	}
	return float64(timeouts) / float64(len(recent))
}

// AverageDuration reports the mean duration of successful requests within
// the window, optionally filtered to one model.
func (t *Telemetry) AverageDuration(model string, window time.Duration) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total time.Duration
	count := 0
	for _, s := range t.recent(window) {
		if !s.Success {
			continue
		}
		if model != "" && s.Model != model {
			continue
		}
		total += s.Duration
		count++
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Summarize aggregates the window into the stats endpoint payload.
func (t *Telemetry) Summarize(window time.Duration) Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	recent := t.recent(window)
	if len(recent) == 0 {
		return Summary{Models: []string{}}
	}

	successes := 0
	timeouts := 0
	var total time.Duration
	seen := make(map[string]bool)
	models := make([]string, 0, 1)
	for _, s := range recent {
		if s.Success {
			successes++
		}
		if s.IsTimeout {
			timeouts++
		}
		total += s.Duration
		if !seen[s.Model] {
			seen[s.Model] = true
			models = append(models, s.Model)
		}
	}

	n := float64(len(recent))
	return Summary{
		TotalRequests:     len(recent),
		SuccessRate:       float64(successes) / n,
		TimeoutRate:       float64(timeouts) / n,
		AverageDurationMs: float64(total.Milliseconds()) / n,
		Models:            models,
	}
}
