package model

import "time"

// Timeout tuning. The first attempt uses a deadline derived from the request
// payload: the configured base plus one millisecond per character of prompt
// text and eight seconds per attached image, capped at the configured max.
// Each retry widens its deadline by attemptGrowth up to attemptCeiling.
const (
	contentFactor  = time.Millisecond
	imageFactor    = 8 * time.Second
	attemptGrowth  = 1.5
	attemptCeiling = 120 * time.Second
)

var defaultRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// adaptiveTimeout computes the first-attempt deadline for a request.
func adaptiveTimeout(base, max time.Duration, messages []Message) time.Duration {
	chars, images := contentStats(messages)
	timeout := base + time.Duration(chars)*contentFactor + time.Duration(images)*imageFactor
	if timeout > max {
		timeout = max
	}
	return timeout
}

// attemptTimeout widens the deadline for retry attempts. Attempt 0 keeps
// the adaptive value unchanged.
func attemptTimeout(initial time.Duration, attempt int) time.Duration {
	timeout := initial
	for i := 0; i < attempt; i++ {
		timeout = time.Duration(float64(timeout) * attemptGrowth)
	}
	if timeout > attemptCeiling {
		timeout = attemptCeiling
	}
	return timeout
}

// retryDelay returns the backoff before the given retry attempt. Attempts
// beyond the table reuse its last entry.
func retryDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return time.Second
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	return delays[attempt]
}
