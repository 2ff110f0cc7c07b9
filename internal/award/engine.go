package award

import (
	"log"
	"sync"
	"time"
)

// Sink receives achievement keys the moment their rule first becomes true in
// a session. The engine calls Award at most once per key per session, but
// implementations are expected to de-duplicate against persisted state too,
// for crash-safety. Award is called with the engine's lock held, so a sink
// must never call back into the engine.
type Sink interface {
	Award(key string) error
}

// Engine owns the fact store and the award catalog and reports newly
// satisfied rules to the sink, at most once per rule per session. A single
// mutex guards the store and the per-session fired table together, held for
// the duration of one setter or evaluation call, so hosts running gameplay
// and heartbeat on different goroutines can share one Engine.
type Engine struct {
	mu      sync.Mutex
	store   *FactStore
	catalog []Award
	fired   map[string]time.Time
	sink    Sink
}

// NewEngine creates an engine with a zeroed fact store and the full catalog.
func NewEngine() *Engine {
	return &Engine{
		store:   NewFactStore(),
		catalog: Catalog(),
		fired:   make(map[string]time.Time),
	}
}

// SetSink wires the destination for fired awards. Must be called before the
// first evaluation; with a nil sink, firings are recorded but not delivered
// (useful in tests).
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// EvaluateAndFire scans the catalog in order and fires every not-yet-fired
// award whose condition holds. Each firing marks the award before the sink
// is notified and the sink call completes before the next rule is evaluated.
// A sink error is logged, never retried within the session; durability is
// the sink's concern. Returns the newly fired awards in catalog order.
func (e *Engine) EvaluateAndFire() []Award {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	var fired []Award
	for _, a := range e.catalog {
		if _, already := e.fired[a.Key]; already {
			continue
		}
		if !a.Condition(e.store) {
			continue
		}
		e.fired[a.Key] = now
		if e.sink != nil {
			if err := e.sink.Award(a.Key); err != nil {
				log.Printf("award sink rejected %s: %v", a.Key, err)
			}
		}
		fired = append(fired, a)
	}
	return fired
}

// ResetSession clears every fired flag and wipes instance metrics. Awards
// whose rules still hold afterwards fire again on the next evaluation; that
// re-trigger is intended (level restarts, test and cheat replay) and the
// sink absorbs the duplicate.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fired = make(map[string]time.Time)
	e.store.WipeAllInstanceMetrics()
}

// Awards returns a shallow copy of the catalog in firing order.
func (e *Engine) Awards() []Award {
	out := make([]Award, len(e.catalog))
	copy(out, e.catalog)
	return out
}

// Fired returns a copy of the fired table: award key to firing time for
// every award fired this session.
func (e *Engine) Fired() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time, len(e.fired))
	for k, v := range e.fired {
		out[k] = v
	}
	return out
}

// Apply validates a mutation and applies it through the matching setter.
// Remote input goes through here so a bad op or metric comes back as an
// error instead of reaching the store's panicking primitives.
func (e *Engine) Apply(m Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	switch m.Op {
	case OpSetAbsolute:
		e.SetAbsolute(m.Metric, m.Count)
	case OpAddDelta:
		e.AddDelta(m.Metric, m.Count)
	case OpKeepMaximum:
		e.KeepMaximum(m.Metric, m.Count)
	case OpSetTimerAbsolute:
		e.SetTimerAbsolute(m.Metric, m.Seconds)
	case OpKeepMaximumTimer:
		e.KeepMaximumTimer(m.Metric, m.Seconds)
	case OpSetLabel:
		e.SetLabel(m.Metric, m.Label)
	case OpWipe:
		e.Wipe(m.Metric)
	}
	return nil
}

// SetAbsolute overwrites a counter with an exact value.
func (e *Engine) SetAbsolute(id MetricID, value int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.SetAbsolute(id, value)
}

// AddDelta adds delta to a counter, flooring at zero.
func (e *Engine) AddDelta(id MetricID, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.AddDelta(id, delta)
}

// KeepMaximum raises a counter to candidate if candidate is larger.
func (e *Engine) KeepMaximum(id MetricID, candidate int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.KeepMaximum(id, candidate)
}

// SetTimerAbsolute overwrites a timer with an exact duration in seconds.
func (e *Engine) SetTimerAbsolute(id MetricID, seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.SetTimerAbsolute(id, seconds)
}

// KeepMaximumTimer raises a timer to candidate if candidate is larger.
func (e *Engine) KeepMaximumTimer(id MetricID, candidate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.KeepMaximumTimer(id, candidate)
}

// SetLabel overwrites a label metric.
func (e *Engine) SetLabel(id MetricID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.SetLabel(id, text)
}

// Wipe resets a single slot to defaults.
func (e *Engine) Wipe(id MetricID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Wipe(id)
}

// Count returns the current value of a counter metric.
func (e *Engine) Count(id MetricID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Count(id)
}

// Seconds returns the current value of a timer metric.
func (e *Engine) Seconds(id MetricID) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Seconds(id)
}

// Label returns the current value of a label metric.
func (e *Engine) Label(id MetricID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Label(id)
}

// Snapshot returns a flat copy of every slot's current value, for the
// external serializer.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotStore(e.store)
}

// RestoreSnapshot writes a previously captured snapshot back through the
// absolute-set primitives. Metrics the snapshot does not mention keep their
// current values; metrics this build does not declare are skipped, so an
// older binary can load a newer snapshot.
func (e *Engine) RestoreSnapshot(snap *Snapshot) {
	if snap == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, v := range snap.Counters {
		if info, ok := metricInfo[id]; ok && info.kind == KindCounter {
			e.store.SetAbsolute(id, v)
		}
	}
	for id, v := range snap.Timers {
		if info, ok := metricInfo[id]; ok && info.kind == KindTimer {
			e.store.SetTimerAbsolute(id, v)
		}
	}
	for id, v := range snap.Labels {
		if info, ok := metricInfo[id]; ok && info.kind == KindLabel {
			e.store.SetLabel(id, v)
		}
	}
}
