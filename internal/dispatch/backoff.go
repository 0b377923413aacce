package dispatch

import "time"

// DefaultBackoff escalates the wait between retries of one item:
// 1s, 5s, 30s, 5m, 30m. Past the last entry the schedule stays flat.
var DefaultBackoff = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
}

// backoffDelay returns the wait after the given 0-based attempt number,
// clamped to the schedule's last entry.
func backoffDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return schedule[attempt]
}
