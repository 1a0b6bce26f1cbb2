package client

import (
	"math"
	"time"
)

// backoffDelay returns the reconnect delay for attempt n (0-indexed):
// min(base * 1.5^n, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if delay > max || delay < 0 {
		return max
	}
	return delay
}
