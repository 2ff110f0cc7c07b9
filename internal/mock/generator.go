package mock

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

// demoLevel scripts one level of the demo playthrough. The generator turns
// these parameters into a tick-by-tick stream of fact mutations: entry on
// the first tick, gameplay spread over the middle ticks, the completion
// batch on the last.
type demoLevel struct {
	name     string
	ticks    int     // total ticks including entry and completion
	seconds  float64 // reported completion time
	score    int
	gold     bool
	pacifist bool // no shots fired during the level
	weapons  int  // distinct weapons used by this point in the session
	pickups  int
	gerbil   int // peak pickups carried by a single gerbil
	wipeouts int
	bombs    int
	topSpeed int     // peak flight speed reached
	airborne float64 // longest airborne stretch in seconds
}

// demoSession scripts one game session: a fresh session boundary followed
// by a run of levels.
type demoSession struct {
	label  string
	levels []demoLevel
}

// demoScript drives the full demo. The first session is an ordinary tour
// that sweeps the progress and acrobatic awards; the second is a clean
// session built around the conditional awards (a shot-free Spooky run,
// then a one-weapon Sink clear). The script loops forever.
var demoScript = []demoSession{
	{
		label: "grand-tour",
		levels: []demoLevel{
			{name: "Backyard", ticks: 10, seconds: 44.2, score: 650, weapons: 1,
				pickups: 4, gerbil: 4, wipeouts: 1, topSpeed: 120, airborne: 0.9},
			{name: "Greenhouse", ticks: 12, seconds: 37.0, score: 1100, gold: true, weapons: 2,
				pickups: 6, gerbil: 5, wipeouts: 2, bombs: 2, topSpeed: 260, airborne: 1.6},
			{name: "TwoSeasons", ticks: 12, seconds: 29.8, score: 1400, gold: true, weapons: 2,
				pickups: 6, gerbil: 6, wipeouts: 1, bombs: 1, topSpeed: 340, airborne: 2.0},
			{name: "CheeseFactory", ticks: 14, seconds: 41.3, score: 2250, weapons: 3,
				pickups: 9, gerbil: 9, wipeouts: 3, bombs: 4, topSpeed: 480, airborne: 2.8},
			{name: "Stratosphere", ticks: 16, seconds: 55.6, score: 3100, gold: true, weapons: 4,
				pickups: 13, gerbil: 13, wipeouts: 2, bombs: 3, topSpeed: 960, airborne: 5.4},
		},
	},
	{
		label: "clean-hands",
		levels: []demoLevel{
			{name: "Spooky", ticks: 14, seconds: 33.4, score: 1500, gold: true, pacifist: true,
				pickups: 5, gerbil: 5, wipeouts: 1, topSpeed: 180, airborne: 1.2},
			{name: "Sink", ticks: 12, seconds: 30.2, score: 1750, gold: true, weapons: 1,
				pickups: 8, gerbil: 8, wipeouts: 1, bombs: 1, topSpeed: 220, airborne: 1.5},
		},
	},
}

// Generator replays the demo script against a live tracker so the full
// pipeline (store, engine, sink, ledger, WS) can be exercised with no game
// attached.
type Generator struct {
	tracker      *award.Tracker
	startSession func(label string) (string, error)

	sessionIdx int
	levelIdx   int
	tick       int

	levelPickups  int
	levelWipeouts int
	levelBombs    int
}

// NewGenerator creates a demo generator. startSession is the shared
// session-start path; it runs at the top of each scripted session.
func NewGenerator(tracker *award.Tracker, startSession func(label string) (string, error)) *Generator {
	return &Generator{
		tracker:      tracker,
		startSession: startSession,
	}
}

func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.advance()
		}
	}
}

// advance plays one tick of the script.
func (g *Generator) advance() {
	sess := demoScript[g.sessionIdx]
	lvl := sess.levels[g.levelIdx]

	if g.levelIdx == 0 && g.tick == 0 {
		if _, err := g.startSession(sess.label); err != nil {
			log.Printf("demo: session start failed: %v", err)
		}
	}

	switch {
	case g.tick == 0:
		g.enterLevel(lvl)
	case g.tick == lvl.ticks-1:
		g.completeLevel(lvl)
	default:
		g.playLevel(lvl)
	}

	g.tick++
	if g.tick >= lvl.ticks {
		g.tick = 0
		g.levelPickups = 0
		g.levelWipeouts = 0
		g.levelBombs = 0
		g.levelIdx++
		if g.levelIdx >= len(sess.levels) {
			g.levelIdx = 0
			g.sessionIdx = (g.sessionIdx + 1) % len(demoScript)
		}
	}
}

func (g *Generator) enterLevel(lvl demoLevel) {
	g.submit(award.Mutation{Op: award.OpSetLabel, Metric: award.LevelName, Label: lvl.name})
	if lvl.weapons > 0 {
		g.submit(award.Mutation{Op: award.OpSetAbsolute, Metric: award.WeaponsUsedCount, Count: lvl.weapons})
	}
}

// playLevel emits one gameplay tick: shots, pickups, demolition, flight.
func (g *Generator) playLevel(lvl demoLevel) {
	if !lvl.pacifist {
		g.submit(award.Mutation{Op: award.OpAddDelta, Metric: award.ShotsFiredCount, Count: 1 + rand.Intn(2)})
	}

	if g.levelPickups < lvl.pickups {
		g.levelPickups++
		g.submit(award.Mutation{Op: award.OpAddDelta, Metric: award.PickupsCollectedCount, Count: 1})
		carried := g.levelPickups
		if carried > lvl.gerbil {
			carried = lvl.gerbil
		}
		g.submit(award.Mutation{Op: award.OpKeepMaximum, Metric: award.PickupsMaxForSingleGerbilCount, Count: carried})
	}

	if due(g.tick, lvl.ticks, lvl.wipeouts, g.levelWipeouts) {
		g.levelWipeouts++
		g.submit(award.Mutation{Op: award.OpAddDelta, Metric: award.WipeoutsCount, Count: 1})
	}
	if due(g.tick, lvl.ticks, lvl.bombs, g.levelBombs) {
		g.levelBombs++
		g.submit(award.Mutation{Op: award.OpAddDelta, Metric: award.BombsDetonatedCount, Count: 1})
	}

	// Flight ramps linearly so the scripted peak lands exactly on the
	// last gameplay tick.
	progress := float64(g.tick) / float64(lvl.ticks-2)
	if speed := int(progress * float64(lvl.topSpeed)); speed > 0 {
		g.submit(award.Mutation{Op: award.OpKeepMaximum, Metric: award.FlyingMaxSpeed, Count: speed})
	}
	if airborne := progress * lvl.airborne; airborne > 0 {
		g.submit(award.Mutation{Op: award.OpKeepMaximumTimer, Metric: award.AirborneMaxTimer, Seconds: airborne})
	}
}

func (g *Generator) completeLevel(lvl demoLevel) {
	batch := []award.Mutation{
		{Op: award.OpAddDelta, Metric: award.LevelsCompletedCount, Count: 1},
		{Op: award.OpSetLabel, Metric: award.LevelCompletedName, Label: lvl.name},
		{Op: award.OpSetTimerAbsolute, Metric: award.LevelCompletedTimer, Seconds: lvl.seconds},
		{Op: award.OpAddDelta, Metric: award.TotalScoreCount, Count: lvl.score},
	}
	if lvl.gold {
		batch = append(batch, award.Mutation{Op: award.OpAddDelta, Metric: award.GoldMedalsCount, Count: 1})
	}
	// The last completion fact is urgent so completion awards fire before
	// the next level loads.
	batch[len(batch)-1].Urgent = true
	for _, m := range batch {
		g.submit(m)
	}
}

// due spreads count occurrences evenly across a level's ticks.
func due(tick, ticks, count, done int) bool {
	if count <= 0 || done >= count {
		return false
	}
	interval := ticks / (count + 1)
	if interval <= 0 {
		interval = 1
	}
	return tick%interval == 0
}

func (g *Generator) submit(m award.Mutation) {
	if err := g.tracker.Submit(m); err != nil {
		log.Printf("demo: dropping %s %s: %v", m.Op, m.Metric, err)
	}
}
