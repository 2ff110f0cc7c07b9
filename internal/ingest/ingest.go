package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

const failedThreshold = 3

// HealthChange is invoked when a source's health status transitions.
// It runs on the ingestor poll goroutine.
type HealthChange func(source string, status award.HealthStatus, consecutiveFailures int, lastErr string)

// SourceStatus is a point-in-time health reading for one source.
type SourceStatus struct {
	Status              award.HealthStatus
	ConsecutiveFailures int
	LastError           string
}

// trackedSpool holds per-spool state used by the ingestor between polls.
// Offsets are retained for the life of the process, so a spool that ages
// out of the discovery window and is touched again resumes where it left
// off instead of replaying events.
type trackedSpool struct {
	handle SpoolHandle
	offset int64
}

// trackingKey returns the composite key used to identify a tracked spool.
// Using source:id avoids collisions across sources.
func trackingKey(source, id string) string {
	return source + ":" + id
}

// sourceHealth tracks consecutive failure counts for a single source.
// Fields are protected by mu because poll() writes them from the ingestor
// goroutine while Health() reads them from HTTP handlers.
type sourceHealth struct {
	mu               sync.Mutex
	discoverFailures int
	parseFailures    map[string]int // keyed by spool tracking key
	lastErr          string
	lastFail         time.Time
	lastStatus       award.HealthStatus
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{
		parseFailures: make(map[string]int),
		lastStatus:    award.StatusHealthy,
	}
}

func (h *sourceHealth) recordDiscoverSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discoverFailures = 0
}

func (h *sourceHealth) recordDiscoverFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discoverFailures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

func (h *sourceHealth) recordParseSuccess(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parseFailures, key)
}

func (h *sourceHealth) recordParseFailure(key string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parseFailures[key]++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

// status computes the current status from the worst failure streak.
// Caller must hold h.mu.
func (h *sourceHealth) statusLocked() (award.HealthStatus, int) {
	worst := h.discoverFailures
	for _, n := range h.parseFailures {
		if n > worst {
			worst = n
		}
	}
	switch {
	case worst >= failedThreshold:
		return award.StatusFailed, worst
	case worst > 0:
		return award.StatusDegraded, worst
	default:
		return award.StatusHealthy, 0
	}
}

// transition records the current status and reports whether it changed
// since the last call. A recovery to healthy carries no error text.
func (h *sourceHealth) transition() (status award.HealthStatus, failures int, lastErr string, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status, failures = h.statusLocked()
	changed = status != h.lastStatus
	h.lastStatus = status
	if status != award.StatusHealthy {
		lastErr = h.lastErr
	}
	return status, failures, lastErr, changed
}

func (h *sourceHealth) snapshot() SourceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	status, failures := h.statusLocked()
	s := SourceStatus{Status: status, ConsecutiveFailures: failures}
	if status != award.StatusHealthy {
		s.LastError = h.lastErr
	}
	return s
}

// Ingestor tails gameplay event spools and feeds the parsed mutations into
// the tracker. One goroutine polls all sources; each source's spools are
// read incrementally by byte offset so only new lines are parsed.
type Ingestor struct {
	tracker      *award.Tracker
	sources      []Source
	pollInterval time.Duration

	startSession func(label string) (string, error)
	onHealth     HealthChange

	tracked map[string]*trackedSpool // keyed by source:id
	health  map[string]*sourceHealth // keyed by source name
}

func NewIngestor(tracker *award.Tracker, sources []Source, pollInterval time.Duration) *Ingestor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	healthMap := make(map[string]*sourceHealth, len(sources))
	for _, src := range sources {
		healthMap[src.Name()] = newSourceHealth()
	}
	return &Ingestor{
		tracker:      tracker,
		sources:      sources,
		pollInterval: pollInterval,
		tracked:      make(map[string]*trackedSpool),
		health:       healthMap,
	}
}

// SetSessionStarter wires the callback run for session_started markers.
// When unset, markers fall back to a bare tracker session reset.
// Must be called before Run.
func (i *Ingestor) SetSessionStarter(fn func(label string) (string, error)) {
	i.startSession = fn
}

// OnHealthChange registers a callback for source health transitions.
// Must be called before Run.
func (i *Ingestor) OnHealthChange(fn HealthChange) {
	i.onHealth = fn
}

// Health returns a point-in-time health reading per source.
func (i *Ingestor) Health() map[string]SourceStatus {
	out := make(map[string]SourceStatus, len(i.health))
	for name, h := range i.health {
		out[name] = h.snapshot()
	}
	return out
}

// Run polls the sources until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	names := make([]string, len(i.sources))
	for n, s := range i.sources {
		names[n] = s.Name()
	}
	log.Printf("Ingestor started with sources: %v", names)

	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	i.poll()

	for {
		select {
		case <-ctx.Done():
			log.Println("Ingestor stopped")
			return
		case <-ticker.C:
			i.poll()
		}
	}
}

func (i *Ingestor) poll() {
	for _, src := range i.sources {
		sh := i.health[src.Name()]

		handles, err := src.Discover()
		if err != nil {
			log.Printf("[%s] discovery error: %v", src.Name(), err)
			sh.recordDiscoverFailure(err)
			i.reportHealth(src.Name(), sh)
			continue
		}
		sh.recordDiscoverSuccess()

		for _, h := range handles {
			key := trackingKey(h.Source, h.ID)

			ts, exists := i.tracked[key]
			if !exists {
				ts = &trackedSpool{handle: h}
				i.tracked[key] = ts
				log.Printf("[%s] Tracking new spool: %s (offset=0)", src.Name(), h.ID)
			}

			oldOffset := ts.offset
			batch, newOffset, err := src.Parse(ts.handle, ts.offset)
			if err != nil {
				log.Printf("[%s] parse error for %s: %v", src.Name(), h.ID, err)
				sh.recordParseFailure(key, err)
				continue
			}
			sh.recordParseSuccess(key)
			ts.offset = newOffset
			if newOffset > oldOffset {
				log.Printf("[%s] Parsed %d new bytes from %s (offset %d→%d)", src.Name(), newOffset-oldOffset, h.Path, oldOffset, newOffset)
			}

			i.applyBatch(src.Name(), batch)
		}

		i.reportHealth(src.Name(), sh)
	}
}

// applyBatch replays one batch in file order: mutations go to the tracker
// queue, session markers run the session starter.
func (i *Ingestor) applyBatch(source string, batch Batch) {
	for _, e := range batch.Entries {
		switch {
		case e.Session != nil:
			if i.startSession != nil {
				if _, err := i.startSession(e.Session.Label); err != nil {
					log.Printf("[%s] session start failed: %v", source, err)
				}
			} else {
				i.tracker.StartSession()
			}
		case e.Mutation != nil:
			if err := i.tracker.Submit(*e.Mutation); err != nil {
				log.Printf("[%s] dropping mutation %s %s: %v", source, e.Mutation.Op, e.Mutation.Metric, err)
			}
		}
	}
}

func (i *Ingestor) reportHealth(name string, sh *sourceHealth) {
	status, failures, lastErr, changed := sh.transition()
	if changed && i.onHealth != nil {
		i.onHealth(name, status, failures, lastErr)
	}
}
