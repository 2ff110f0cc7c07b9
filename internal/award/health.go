package award

import (
	"sync"
	"time"
)

// HealthStatus describes how the downstream award sink is doing.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

const defaultFailureThreshold = 3

// HealthChange is invoked when the sink health status transitions. It runs
// while the engine lock is held (Award is called mid-evaluation), so it must
// not call back into the engine.
type HealthChange func(status HealthStatus, consecutiveFailures int, lastErr string)

// SinkHealth wraps a Sink and tracks consecutive delivery failures. A single
// failure marks the sink degraded; hitting the threshold marks it failed. Any
// success resets the counter. Status transitions are reported through the
// optional HealthChange callback.
type SinkHealth struct {
	mu          sync.Mutex
	next        Sink
	threshold   int
	consecutive int
	lastErr     string
	lastFail    time.Time
	status      HealthStatus
	onChange    HealthChange
}

// NewSinkHealth wraps next with failure tracking. A threshold of zero or less
// falls back to the default of 3.
func NewSinkHealth(next Sink, threshold int, onChange HealthChange) *SinkHealth {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &SinkHealth{
		next:      next,
		threshold: threshold,
		status:    StatusHealthy,
		onChange:  onChange,
	}
}

// Award forwards to the wrapped sink and records the outcome. The delivery
// error, if any, is passed through unchanged.
func (h *SinkHealth) Award(key string) error {
	err := h.next.Award(key)

	h.mu.Lock()
	if err != nil {
		h.consecutive++
		h.lastErr = err.Error()
		h.lastFail = time.Now()
	} else {
		h.consecutive = 0
		h.lastErr = ""
	}
	status := h.statusLocked()
	changed := status != h.status
	if changed {
		h.status = status
	}
	consecutive := h.consecutive
	lastErr := h.lastErr
	cb := h.onChange
	h.mu.Unlock()

	if changed && cb != nil {
		cb(status, consecutive, lastErr)
	}
	return err
}

// Snapshot returns a consistent copy of the current health fields.
func (h *SinkHealth) Snapshot() (status HealthStatus, consecutiveFailures int, lastErr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(), h.consecutive, h.lastErr
}

// statusLocked computes the status. Caller must hold h.mu.
func (h *SinkHealth) statusLocked() HealthStatus {
	if h.consecutive >= h.threshold {
		return StatusFailed
	}
	if h.consecutive > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}
