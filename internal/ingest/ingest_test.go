package ingest

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type nopSink struct{}

func (nopSink) Award(string) error { return nil }

// newTrackerForTest builds an engine/tracker pair with a long heartbeat and
// startup delay so polls drive all activity.
func newTrackerForTest(t *testing.T) (*award.Tracker, *award.Engine) {
	t.Helper()
	e := award.NewEngine()
	e.SetSink(nopSink{})
	tr, err := award.NewTracker(e, award.NewSnapshotStore(t.TempDir()), time.Hour, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tr, e
}

func TestIngestorPollFeedsTracker(t *testing.T) {
	tracker, engine := newTrackerForTest(t)

	spoolDir := t.TempDir()
	writeSpool(t, spoolDir, "run-1.jsonl", `{"event":"session_started","label":"slot-1"}
{"event":"wipeout"}
{"event":"wipeout"}
{"event":"flight","speed":40}
`)

	ing := NewIngestor(tracker, []Source{NewSpoolSource(spoolDir, time.Hour)}, time.Second)

	var mu sync.Mutex
	var labels []string
	ing.SetSessionStarter(func(label string) (string, error) {
		mu.Lock()
		labels = append(labels, label)
		mu.Unlock()
		return "session-1", nil
	})

	ing.poll()

	waitFor(t, time.Second, "wipeouts to land", func() bool {
		return engine.Count(award.WipeoutsCount) == 2
	})
	waitFor(t, time.Second, "flight speed to land", func() bool {
		return engine.Count(award.FlyingMaxSpeed) == 40
	})

	mu.Lock()
	defer mu.Unlock()
	if len(labels) != 1 || labels[0] != "slot-1" {
		t.Errorf("session starter calls = %v, want [slot-1]", labels)
	}
}

func TestIngestorResumesFromOffset(t *testing.T) {
	tracker, engine := newTrackerForTest(t)

	spoolDir := t.TempDir()
	path := writeSpool(t, spoolDir, "run-1.jsonl", `{"event":"wipeout"}
`)

	ing := NewIngestor(tracker, []Source{NewSpoolSource(spoolDir, time.Hour)}, time.Second)

	ing.poll()
	waitFor(t, time.Second, "first wipeout", func() bool {
		return engine.Count(award.WipeoutsCount) == 1
	})

	// Re-polling without new data must not double-count.
	ing.poll()
	time.Sleep(20 * time.Millisecond)
	if got := engine.Count(award.WipeoutsCount); got != 1 {
		t.Fatalf("WipeoutsCount = %d after idle re-poll, want 1", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"event":"wipeout"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ing.poll()
	waitFor(t, time.Second, "appended wipeout", func() bool {
		return engine.Count(award.WipeoutsCount) == 2
	})
}

func TestIngestorSessionFallback(t *testing.T) {
	tracker, engine := newTrackerForTest(t)

	// Per-session state that a session boundary must clear.
	engine.AddDelta(award.ShotsFiredCount, 9)

	spoolDir := t.TempDir()
	writeSpool(t, spoolDir, "run-1.jsonl", `{"event":"session_started"}
`)

	ing := NewIngestor(tracker, []Source{NewSpoolSource(spoolDir, time.Hour)}, time.Second)
	ing.poll()

	// Without a session starter the ingestor resets the tracker directly,
	// so the wipe is visible as soon as poll returns.
	if got := engine.Count(award.ShotsFiredCount); got != 0 {
		t.Errorf("ShotsFiredCount = %d after session boundary, want 0", got)
	}
	if got := engine.Count(award.WipeoutsCount); got != 0 {
		t.Errorf("WipeoutsCount = %d, want 0", got)
	}
}

// flakySource fails Discover a configurable number of times before
// recovering.
type flakySource struct {
	name     string
	failures int
	calls    int
}

func (f *flakySource) Name() string { return f.name }

func (f *flakySource) Discover() ([]SpoolHandle, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("spool dir unreadable")
	}
	return nil, nil
}

func (f *flakySource) Parse(h SpoolHandle, offset int64) (Batch, int64, error) {
	return Batch{}, offset, nil
}

func TestIngestorHealthTransitions(t *testing.T) {
	tracker, _ := newTrackerForTest(t)

	src := &flakySource{name: "flaky", failures: failedThreshold}
	ing := NewIngestor(tracker, []Source{src}, time.Second)

	type alert struct {
		source string
		status award.HealthStatus
	}
	var alerts []alert
	ing.OnHealthChange(func(source string, status award.HealthStatus, failures int, lastErr string) {
		alerts = append(alerts, alert{source, status})
	})

	ing.poll()
	if got := ing.Health()["flaky"]; got.Status != award.StatusDegraded {
		t.Fatalf("status after 1 failure = %s, want degraded", got.Status)
	}

	for n := 1; n < failedThreshold; n++ {
		ing.poll()
	}
	got := ing.Health()["flaky"]
	if got.Status != award.StatusFailed {
		t.Fatalf("status after %d failures = %s, want failed", failedThreshold, got.Status)
	}
	if got.ConsecutiveFailures != failedThreshold {
		t.Errorf("consecutive failures = %d, want %d", got.ConsecutiveFailures, failedThreshold)
	}
	if got.LastError == "" {
		t.Error("expected last error to be reported while failed")
	}

	// Recovery resets the streak and clears the reported error.
	ing.poll()
	got = ing.Health()["flaky"]
	if got.Status != award.StatusHealthy {
		t.Fatalf("status after recovery = %s, want healthy", got.Status)
	}
	if got.LastError != "" {
		t.Errorf("last error after recovery = %q, want empty", got.LastError)
	}

	want := []alert{
		{"flaky", award.StatusDegraded},
		{"flaky", award.StatusFailed},
		{"flaky", award.StatusHealthy},
	}
	if len(alerts) != len(want) {
		t.Fatalf("alerts = %v, want %v", alerts, want)
	}
	for n := range want {
		if alerts[n] != want[n] {
			t.Errorf("alert %d = %v, want %v", n, alerts[n], want[n])
		}
	}
}

// brokenParseSource discovers one spool whose Parse always fails.
type brokenParseSource struct {
	fail bool
}

func (b *brokenParseSource) Name() string { return "broken" }

func (b *brokenParseSource) Discover() ([]SpoolHandle, error) {
	return []SpoolHandle{{ID: "run-1", Path: "/nope/run-1.jsonl", Source: "broken"}}, nil
}

func (b *brokenParseSource) Parse(h SpoolHandle, offset int64) (Batch, int64, error) {
	if b.fail {
		return Batch{}, offset, errors.New("short read")
	}
	return Batch{}, offset, nil
}

func TestIngestorParseFailureHealth(t *testing.T) {
	tracker, _ := newTrackerForTest(t)

	src := &brokenParseSource{fail: true}
	ing := NewIngestor(tracker, []Source{src}, time.Second)

	ing.poll()
	if got := ing.Health()["broken"]; got.Status != award.StatusDegraded {
		t.Fatalf("status after parse failure = %s, want degraded", got.Status)
	}

	src.fail = false
	ing.poll()
	if got := ing.Health()["broken"]; got.Status != award.StatusHealthy {
		t.Fatalf("status after parse recovery = %s, want healthy", got.Status)
	}
}

func TestIngestorTracksNewSpoolOnce(t *testing.T) {
	tracker, _ := newTrackerForTest(t)

	spoolDir := t.TempDir()
	writeSpool(t, spoolDir, "run-1.jsonl", `{"event":"wipeout"}
`)

	ing := NewIngestor(tracker, []Source{NewSpoolSource(spoolDir, time.Hour)}, time.Second)
	ing.poll()
	ing.poll()

	if len(ing.tracked) != 1 {
		t.Errorf("tracked spools = %d, want 1", len(ing.tracked))
	}
}
