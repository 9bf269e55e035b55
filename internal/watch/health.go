package watch

import "time"

// Health is the state of the section feed as seen by the poller.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
)

// fetchHealth counts consecutive failed fetches. Like Tracker it belongs
// to the polling goroutine.
type fetchHealth struct {
	failures    int
	lastErr     string
	lastFail    time.Time
	lastEmitted Health
	// failuresAtRecovery is the streak length that the last success ended.
	failuresAtRecovery int
}

func newFetchHealth() *fetchHealth {
	return &fetchHealth{lastEmitted: HealthOK}
}

func (h *fetchHealth) recordSuccess() {
	h.failuresAtRecovery = h.failures
	h.failures = 0
	h.lastErr = ""
}

func (h *fetchHealth) recordFailure(err error, at time.Time) {
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = at
}

// status is degraded once the streak reaches threshold. A non-positive
// threshold disables degradation.
func (h *fetchHealth) status(threshold int) Health {
	if threshold > 0 && h.failures >= threshold {
		return HealthDegraded
	}
	return HealthOK
}

// transition returns the current status and whether it differs from the
// last one reported, marking it reported.
func (h *fetchHealth) transition(threshold int) (Health, bool) {
	status := h.status(threshold)
	if status == h.lastEmitted {
		return status, false
	}
	h.lastEmitted = status
	return status, true
}
