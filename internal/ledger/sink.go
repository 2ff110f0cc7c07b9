package ledger

import (
	"fmt"
	"sync"
	"time"
)

// Notifier receives unlocks that were recorded for the first time ever.
// It is called while the engine lock is held, so implementations must not
// call back into the engine.
type Notifier interface {
	AwardUnlocked(key, sessionID string, at time.Time)
}

// Sink persists engine award firings. The engine fires at most once per
// session but re-arms on every session restart; the ledger's primary key
// makes the write idempotent, and the notifier only hears about rows that
// were actually new.
type Sink struct {
	mu       sync.Mutex
	ledger   *Ledger
	session  string
	notifier Notifier
}

// NewSink creates a Sink writing into l. notifier may be nil.
func NewSink(l *Ledger, notifier Notifier) *Sink {
	return &Sink{ledger: l, notifier: notifier}
}

// SetSession switches the session ID attached to subsequent unlocks.
func (s *Sink) SetSession(id string) {
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
}

// Session returns the current session ID.
func (s *Sink) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Award records the unlock. Duplicate keys are absorbed without error.
func (s *Sink) Award(key string) error {
	session := s.Session()
	at := time.Now().UTC()

	fresh, err := s.ledger.RecordUnlock(session, key, at)
	if err != nil {
		return fmt.Errorf("recording unlock %s: %w", key, err)
	}
	if fresh && s.notifier != nil {
		s.notifier.AwardUnlocked(key, session, at)
	}
	return nil
}
