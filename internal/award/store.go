package award

import "fmt"

// factSlot backs a single metric. Only the field matching the metric's
// declared kind is ever written; the others stay at their zero values.
type factSlot struct {
	count   int
	seconds float64
	label   string
}

// FactStore holds the current value of every tracked gameplay metric, one
// eagerly allocated slot per declared MetricID. It is owned by the Engine;
// gameplay code reaches it only through the Engine's forwarding setters, so
// the store itself carries no locking.
type FactStore struct {
	slots map[MetricID]*factSlot
}

// NewFactStore allocates a store with every slot at its zero value.
func NewFactStore() *FactStore {
	s := &FactStore{slots: make(map[MetricID]*factSlot, len(metricOrder))}
	for _, id := range metricOrder {
		s.slots[id] = &factSlot{}
	}
	return s
}

// slot fetches the backing slot for id after checking that the metric is
// declared and carries the wanted kind. Violations are configuration errors
// in the calling code and fail loudly.
func (s *FactStore) slot(id MetricID, want Kind) *factSlot {
	info, ok := metricInfo[id]
	if !ok {
		panic(fmt.Sprintf("award: undeclared metric %q", id))
	}
	if info.kind != want {
		panic(fmt.Sprintf("award: metric %s is %s-kind, used as %s", id, info.kind, want))
	}
	return s.slots[id]
}

// SetAbsolute overwrites a counter with an exact value. This is the restore
// path for persisted state, so the value may be lower than the current one.
// Negative values clamp to zero; counters are never negative.
func (s *FactStore) SetAbsolute(id MetricID, value int) {
	if value < 0 {
		value = 0
	}
	s.slot(id, KindCounter).count = value
}

// AddDelta adds delta to a counter, flooring the result at zero.
func (s *FactStore) AddDelta(id MetricID, delta int) {
	v := s.slot(id, KindCounter)
	v.count += delta
	if v.count < 0 {
		v.count = 0
	}
}

// KeepMaximum raises a counter to candidate if candidate is larger. Equal or
// smaller candidates are a no-op.
func (s *FactStore) KeepMaximum(id MetricID, candidate int) {
	v := s.slot(id, KindCounter)
	if candidate > v.count {
		v.count = candidate
	}
}

// SetTimerAbsolute overwrites a timer with an exact duration in seconds.
// Negative values clamp to zero.
func (s *FactStore) SetTimerAbsolute(id MetricID, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	s.slot(id, KindTimer).seconds = seconds
}

// KeepMaximumTimer raises a timer to candidate if candidate is larger.
func (s *FactStore) KeepMaximumTimer(id MetricID, candidate float64) {
	v := s.slot(id, KindTimer)
	if candidate > v.seconds {
		v.seconds = candidate
	}
}

// SetLabel overwrites a label metric.
func (s *FactStore) SetLabel(id MetricID, text string) {
	s.slot(id, KindLabel).label = text
}

// Count returns the current value of a counter metric.
func (s *FactStore) Count(id MetricID) int {
	return s.slot(id, KindCounter).count
}

// Seconds returns the current value of a timer metric.
func (s *FactStore) Seconds(id MetricID) float64 {
	return s.slot(id, KindTimer).seconds
}

// Label returns the current value of a label metric.
func (s *FactStore) Label(id MetricID) string {
	return s.slot(id, KindLabel).label
}

// Wipe resets a single slot to its defaults, whatever its kind.
func (s *FactStore) Wipe(id MetricID) {
	v, ok := s.slots[id]
	if !ok {
		panic(fmt.Sprintf("award: undeclared metric %q", id))
	}
	*v = factSlot{}
}

// WipeAllInstanceMetrics resets every instance-scope slot. Called at session
// start; global metrics are owned by external progress storage and survive.
func (s *FactStore) WipeAllInstanceMetrics() {
	for id, info := range metricInfo {
		if info.scope == ScopeInstance {
			*s.slots[id] = factSlot{}
		}
	}
}
