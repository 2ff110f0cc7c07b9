package mock

import (
	"context"
	"testing"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

// waitFor polls cond until it holds or the timeout expires. Tracker
// application is asynchronous, so assertions on engine state poll.
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

type sessionRecorder struct {
	labels []string
}

func (r *sessionRecorder) start(label string) (string, error) {
	r.labels = append(r.labels, label)
	return "demo-session", nil
}

// newDemoRig wires a generator to a live tracker. The tracker runs with a
// long heartbeat and startup delay so tests drive all activity through
// advance() instead of the ticker.
func newDemoRig(t *testing.T) (*Generator, *award.Engine, *sessionRecorder) {
	t.Helper()
	engine := award.NewEngine()
	engine.SetSink(nopSink{})
	tracker, err := award.NewTracker(engine, award.NewSnapshotStore(t.TempDir()), time.Hour, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rec := &sessionRecorder{}
	return NewGenerator(tracker, rec.start), engine, rec
}

func TestGenerator_StartsSessionOnFirstTick(t *testing.T) {
	gen, engine, rec := newDemoRig(t)

	gen.advance()

	if len(rec.labels) != 1 || rec.labels[0] != "grand-tour" {
		t.Fatalf("session starts = %v, want [grand-tour]", rec.labels)
	}
	waitFor(t, time.Second, "level entry to land", func() bool {
		return engine.Label(award.LevelName) == "Backyard" &&
			engine.Count(award.WeaponsUsedCount) == 1
	})
}

func TestGenerator_PlaysThroughFirstLevel(t *testing.T) {
	gen, engine, _ := newDemoRig(t)

	first := demoScript[0].levels[0]
	for i := 0; i < first.ticks; i++ {
		gen.advance()
	}

	waitFor(t, time.Second, "level completion to land", func() bool {
		return engine.Count(award.LevelsCompletedCount) == 1
	})

	if got := engine.Label(award.LevelCompletedName); got != first.name {
		t.Errorf("LevelCompletedName = %q, want %q", got, first.name)
	}
	if got := engine.Seconds(award.LevelCompletedTimer); got != first.seconds {
		t.Errorf("LevelCompletedTimer = %g, want %g", got, first.seconds)
	}
	if got := engine.Count(award.TotalScoreCount); got != first.score {
		t.Errorf("TotalScoreCount = %d, want %d", got, first.score)
	}
	if got := engine.Count(award.PickupsCollectedCount); got != first.pickups {
		t.Errorf("PickupsCollectedCount = %d, want %d", got, first.pickups)
	}
	if got := engine.Count(award.WipeoutsCount); got != first.wipeouts {
		t.Errorf("WipeoutsCount = %d, want %d", got, first.wipeouts)
	}
}

// playLevels advances the generator through n levels of the current session,
// draining the tracker queue after each one so a burst never outruns it.
func playLevels(t *testing.T, gen *Generator, engine *award.Engine, levels []demoLevel) {
	t.Helper()
	base := engine.Count(award.LevelsCompletedCount)
	for n, lvl := range levels {
		for i := 0; i < lvl.ticks; i++ {
			gen.advance()
		}
		want := base + n + 1
		waitFor(t, time.Second, "completion of "+lvl.name, func() bool {
			return engine.Count(award.LevelsCompletedCount) == want
		})
	}
}

func TestGenerator_FirstSessionSweep(t *testing.T) {
	gen, engine, _ := newDemoRig(t)

	tour := demoScript[0]
	playLevels(t, gen, engine, tour.levels)

	// The scripted peaks must actually cross the acrobatic thresholds.
	if got := engine.Count(award.FlyingMaxSpeed); got < 900 {
		t.Errorf("FlyingMaxSpeed = %d, want >= 900", got)
	}
	if got := engine.Seconds(award.AirborneMaxTimer); got < 4.5 {
		t.Errorf("AirborneMaxTimer = %g, want >= 4.5", got)
	}
	if got := engine.Count(award.PickupsCollectedCount); got < 30 {
		t.Errorf("PickupsCollectedCount = %d, want >= 30", got)
	}
	if got := engine.Count(award.PickupsMaxForSingleGerbilCount); got < 12 {
		t.Errorf("PickupsMaxForSingleGerbilCount = %d, want >= 12", got)
	}
}

func TestGenerator_RollsOverToNextSession(t *testing.T) {
	gen, engine, rec := newDemoRig(t)

	playLevels(t, gen, engine, demoScript[0].levels)
	gen.advance() // first tick of the next session

	want := []string{"grand-tour", "clean-hands"}
	if len(rec.labels) != len(want) {
		t.Fatalf("session starts = %v, want %v", rec.labels, want)
	}
	for i := range want {
		if rec.labels[i] != want[i] {
			t.Errorf("session %d = %q, want %q", i, rec.labels[i], want[i])
		}
	}
}

// TestDemoScriptShape guards the script against parameter drift that would
// silently stop awards from firing.
func TestDemoScriptShape(t *testing.T) {
	if len(demoScript) < 2 {
		t.Fatalf("demoScript has %d sessions, want at least 2", len(demoScript))
	}
	for _, sess := range demoScript {
		if len(sess.levels) == 0 {
			t.Fatalf("session %s has no levels", sess.label)
		}
		for _, lvl := range sess.levels {
			if lvl.ticks < 4 {
				t.Errorf("%s/%s: ticks = %d, want >= 4", sess.label, lvl.name, lvl.ticks)
			}
			if lvl.pickups > lvl.ticks-2 {
				t.Errorf("%s/%s: %d pickups do not fit in %d gameplay ticks", sess.label, lvl.name, lvl.pickups, lvl.ticks-2)
			}
			if lvl.gerbil > lvl.pickups {
				t.Errorf("%s/%s: gerbil peak %d exceeds pickups %d", sess.label, lvl.name, lvl.gerbil, lvl.pickups)
			}
			if lvl.pacifist && lvl.weapons > 0 {
				t.Errorf("%s/%s: pacifist level arms %d weapons", sess.label, lvl.name, lvl.weapons)
			}
		}
	}

	// The second session exists to hit the conditional clears: a shot-free
	// Spooky run followed by a one-weapon Sink finish.
	clean := demoScript[1]
	if clean.levels[0].name != "Spooky" || !clean.levels[0].pacifist {
		t.Error("clean-hands must open with a pacifist Spooky run")
	}
	if clean.levels[1].name != "Sink" || clean.levels[1].weapons != 1 {
		t.Error("clean-hands must follow with a one-weapon Sink clear")
	}
}
