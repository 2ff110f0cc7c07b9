package award

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	defaultHeartbeat    = 2 * time.Second
	defaultStartupDelay = 6 * time.Second
	defaultSaveInterval = 30 * time.Second
)

// ErrQueueFull is returned by Submit when the mutation queue is saturated.
// The producer should drop the mutation; the next heartbeat still evaluates
// whatever state did land.
var ErrQueueFull = errors.New("award: mutation queue full")

// AppliedCallback is invoked for each mutation after the engine has applied
// it. It runs on the tracker goroutine, so it must not block.
type AppliedCallback func(m Mutation)

// Tracker feeds mutations into an Engine and drives award evaluation on a
// coarse heartbeat. Evaluation is deferred for a startup delay so a burst of
// restored state does not fire a wall of awards while the host is still
// coming up; urgent mutations trigger an immediate extra evaluation once the
// delay has elapsed. It also periodically persists the fact snapshot to disk.
type Tracker struct {
	engine    *Engine
	persist   *SnapshotStore
	mutations chan Mutation

	heartbeat time.Duration
	delay     time.Duration
	saveEvery time.Duration

	mu    sync.Mutex
	dirty bool

	onApplied AppliedCallback
}

// NewTracker creates a Tracker around the given engine and persistence store.
// It loads the previous fact snapshot from disk and restores it into the
// engine before returning. Durations that are zero or negative fall back to
// defaults, except startupDelay where zero is honored (evaluate immediately)
// and only negative values fall back. The caller must run Run in a goroutine.
func NewTracker(engine *Engine, persist *SnapshotStore, heartbeat, startupDelay, saveEvery time.Duration) (*Tracker, error) {
	snap, err := persist.Load()
	if err != nil {
		return nil, err
	}
	engine.RestoreSnapshot(snap)

	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if startupDelay < 0 {
		startupDelay = defaultStartupDelay
	}
	if saveEvery <= 0 {
		saveEvery = defaultSaveInterval
	}

	return &Tracker{
		engine:    engine,
		persist:   persist,
		mutations: make(chan Mutation, 256),
		heartbeat: heartbeat,
		delay:     startupDelay,
		saveEvery: saveEvery,
	}, nil
}

// OnApplied registers a callback invoked after each applied mutation.
// Must be called before Run.
func (t *Tracker) OnApplied(cb AppliedCallback) {
	t.onApplied = cb
}

// Submit validates m and queues it for the tracker goroutine. It never
// blocks; a saturated queue returns ErrQueueFull.
func (t *Tracker) Submit(m Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	select {
	case t.mutations <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// StartSession re-arms every award and wipes the per-session metrics.
// Calling it mid-session is valid: already-granted awards whose facts still
// hold will fire again on the next evaluation, and the downstream ledger
// absorbs the duplicates.
func (t *Tracker) StartSession() {
	t.engine.ResetSession()
	t.markDirty()
}

// Run processes mutations, evaluates awards on the heartbeat, and
// periodically saves dirty facts to disk. It blocks until ctx is cancelled,
// then performs a final save.
func (t *Tracker) Run(ctx context.Context) {
	heart := time.NewTicker(t.heartbeat)
	defer heart.Stop()
	saver := time.NewTicker(t.saveEvery)
	defer saver.Stop()

	armed := t.delay == 0
	var armCh <-chan time.Time
	if armed {
		t.engine.EvaluateAndFire()
	} else {
		arm := time.NewTimer(t.delay)
		defer arm.Stop()
		armCh = arm.C
	}

	for {
		select {
		case <-ctx.Done():
			t.save()
			return
		case <-armCh:
			armed = true
			armCh = nil
			t.engine.EvaluateAndFire()
		case m := <-t.mutations:
			t.apply(m, armed)
		case <-heart.C:
			if armed {
				t.engine.EvaluateAndFire()
			}
		case <-saver.C:
			if t.isDirty() {
				t.save()
			}
		}
	}
}

func (t *Tracker) apply(m Mutation, armed bool) {
	if err := t.engine.Apply(m); err != nil {
		log.Printf("Dropping invalid mutation %s %s: %v", m.Op, m.Metric, err)
		return
	}
	t.markDirty()
	if t.onApplied != nil {
		t.onApplied(m)
	}
	if m.Urgent && armed {
		t.engine.EvaluateAndFire()
	}
}

func (t *Tracker) markDirty() {
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()
}

func (t *Tracker) isDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *Tracker) save() {
	snap := t.engine.Snapshot()
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(snap); err != nil {
		log.Printf("Failed to save facts: %v", err)
	}
}
