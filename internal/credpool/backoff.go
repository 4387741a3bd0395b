package credpool

import "time"

const (
	backoffBase      = 5 * time.Second
	backoffFactor    = 2
	backoffCap       = 5 * time.Minute
	disableThreshold = 3
)

// backoffFor returns the disable duration for the nth consecutive
// failure (n counted from disableThreshold, so n==disableThreshold is
// the first disable). Geometric with a hard cap, pure so the schedule
// is independently testable.
func backoffFor(consecutiveFailures int) time.Duration {
	exp := consecutiveFailures - disableThreshold
	if exp < 0 {
		exp = 0
	}
	d := backoffBase
	for i := 0; i < exp; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
