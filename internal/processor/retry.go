package processor

import "time"

// NextRetryAt computes the schedule for the retry that follows a failed
// attempt. The wait is the endpoint's base delay tripled per prior failure:
// with a 60s base, failures schedule retries at +60s, +180s, +540s and so on.
func NextRetryAt(now time.Time, failedAttempt int, base time.Duration) time.Time {
	wait := base
	for i := 1; i < failedAttempt; i++ {
		wait *= 3
	}
	return now.Add(wait)
}

// ShouldRetry reports whether another attempt is allowed after failure number
// failedAttempt. MaxRetries counts retries beyond the first attempt, so an
// endpoint with MaxRetries 3 sees up to four attempts in total.
func ShouldRetry(failedAttempt, maxRetries int) bool {
	return failedAttempt <= maxRetries
}
