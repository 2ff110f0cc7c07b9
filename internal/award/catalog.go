package award

import (
	"fmt"
	"sync"
)

// Tier represents an award's difficulty level.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Category groups related awards in the UI.
type Category string

const (
	CategoryMayhem     Category = "Mayhem"
	CategoryProgress   Category = "Progress"
	CategoryCollection Category = "Collection"
	CategoryAcrobatics Category = "Acrobatics"
	CategoryFinesse    Category = "Finesse"
)

// Award describes a single unlockable achievement: a platform key, display
// metadata, and the rule that unlocks it.
type Award struct {
	Key         string
	Name        string
	Description string
	Tier        Tier
	Category    Category
	// Condition reports whether the award's rule holds for the current
	// facts. Conditions are pure O(1) reads over store slots and never
	// mutate the store; they are re-evaluated on every heartbeat.
	Condition func(*FactStore) bool
}

var (
	buildOnce    sync.Once
	catalog      []Award
	catalogByKey map[string]Award
)

// Catalog returns a shallow copy of the full award catalog in firing order.
// The catalog is built and validated exactly once; repeated calls reuse it.
// A rule referencing an undeclared metric or the wrong kind panics here, at
// load, instead of in the middle of a game.
func Catalog() []Award {
	buildOnce.Do(func() {
		catalog = buildCatalog()
		validateCatalog(catalog)
		catalogByKey = make(map[string]Award, len(catalog))
		for _, a := range catalog {
			catalogByKey[a.Key] = a
		}
	})
	out := make([]Award, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a catalog entry by its key.
func Lookup(key string) (Award, bool) {
	Catalog()
	a, ok := catalogByKey[key]
	return a, ok
}

func validateCatalog(rules []Award) {
	seen := make(map[string]bool, len(rules))
	probe := NewFactStore()
	for _, a := range rules {
		if a.Key == "" {
			panic("award: catalog entry with empty key")
		}
		if seen[a.Key] {
			panic(fmt.Sprintf("award: duplicate award key %q", a.Key))
		}
		seen[a.Key] = true
		if a.Condition == nil {
			panic(fmt.Sprintf("award: %s has no condition", a.Key))
		}
		probeCondition(a, probe)
	}
}

// probeCondition evaluates a rule once against a zeroed store so a bad
// metric reference surfaces with the offending key attached.
func probeCondition(a Award, probe *FactStore) {
	defer func() {
		if r := recover(); r != nil {
			panic(fmt.Sprintf("award: %s condition invalid: %v", a.Key, r))
		}
	}()
	a.Condition(probe)
}

func buildCatalog() []Award {
	return []Award{

		// ── Mayhem ─────────────────────────────────────────────────────────

		{
			Key: "WipeoutProgress00", Name: "First Casualty",
			Description: "Wipe out your first gerbil",
			Tier:        TierBronze, Category: CategoryMayhem,
			Condition: func(s *FactStore) bool { return s.Count(WipeoutsCount) >= 1 },
		},
		{
			Key: "WipeoutProgress01", Name: "Acceptable Losses",
			Description: "Wipe out 5 gerbils",
			Tier:        TierBronze, Category: CategoryMayhem,
			Condition: func(s *FactStore) bool { return s.Count(WipeoutsCount) >= 5 },
		},
		{
			Key: "WipeoutProgress02", Name: "Attrition",
			Description: "Wipe out 25 gerbils",
			Tier:        TierSilver, Category: CategoryMayhem,
			Condition: func(s *FactStore) bool { return s.Count(WipeoutsCount) >= 25 },
		},
		{
			Key: "WipeoutProgress03", Name: "Gerbil Grinder",
			Description: "Wipe out 100 gerbils",
			Tier:        TierGold, Category: CategoryMayhem,
			Condition: func(s *FactStore) bool { return s.Count(WipeoutsCount) >= 100 },
		},
		{
			Key: "Demolitionist", Name: "Demolitionist",
			Description: "Detonate 50 bombs",
			Tier:        TierSilver, Category: CategoryMayhem,
			Condition: func(s *FactStore) bool { return s.Count(BombsDetonatedCount) >= 50 },
		},

		// ── Progress ───────────────────────────────────────────────────────

		{
			Key: "LevelProgress00", Name: "Out of the Cage",
			Description: "Complete your first level",
			Tier:        TierBronze, Category: CategoryProgress,
			Condition: func(s *FactStore) bool { return s.Count(LevelsCompletedCount) >= 1 },
		},
		{
			Key: "LevelProgress01", Name: "Finding Your Feet",
			Description: "Complete 8 levels",
			Tier:        TierBronze, Category: CategoryProgress,
			Condition: func(s *FactStore) bool { return s.Count(LevelsCompletedCount) >= 8 },
		},
		{
			Key: "LevelProgress02", Name: "Seasoned Camper",
			Description: "Complete 16 levels",
			Tier:        TierSilver, Category: CategoryProgress,
			Condition: func(s *FactStore) bool { return s.Count(LevelsCompletedCount) >= 16 },
		},
		{
			Key: "LevelProgress03", Name: "Habitat Conqueror",
			Description: "Complete all 24 levels",
			Tier:        TierGold, Category: CategoryProgress,
			Condition: func(s *FactStore) bool { return s.Count(LevelsCompletedCount) >= 24 },
		},
		{
			Key: "ScoreProgress00", Name: "Point Taken",
			Description: "Reach a total score of 10,000",
			Tier:        TierBronze, Category: CategoryProgress,
			Condition: func(s *FactStore) bool { return s.Count(TotalScoreCount) >= 10000 },
		},
		{
			Key: "ScoreProgress01", Name: "Score Hound",
			Description: "Reach a total score of 100,000",
			Tier:        TierSilver, Category: CategoryProgress,
			Condition: func(s *FactStore) bool { return s.Count(TotalScoreCount) >= 100000 },
		},
		{
			Key: "ScoreProgress02", Name: "Leaderboard Bait",
			Description: "Reach a total score of 500,000",
			Tier:        TierPlatinum, Category: CategoryProgress,
			Condition: func(s *FactStore) bool { return s.Count(TotalScoreCount) >= 500000 },
		},

		// ── Collection ─────────────────────────────────────────────────────

		{
			Key: "MadHoarder", Name: "Mad Hoarder",
			Description: "Collect 30 pickups in a single level",
			Tier:        TierBronze, Category: CategoryCollection,
			Condition: func(s *FactStore) bool { return s.Count(PickupsCollectedCount) >= 30 },
		},
		{
			Key: "GoldRush", Name: "Gold Rush",
			Description: "Earn 10 gold medals",
			Tier:        TierGold, Category: CategoryCollection,
			Condition: func(s *FactStore) bool { return s.Count(GoldMedalsCount) >= 10 },
		},
		{
			Key: "OneGerbilArmy", Name: "One-Gerbil Army",
			Description: "Collect 12 pickups with a single gerbil",
			Tier:        TierGold, Category: CategoryCollection,
			Condition: func(s *FactStore) bool { return s.Count(PickupsMaxForSingleGerbilCount) >= 12 },
		},

		// ── Acrobatics ─────────────────────────────────────────────────────

		{
			Key: "Skybound", Name: "Skybound",
			Description: "Fling a gerbil past 900 speed",
			Tier:        TierSilver, Category: CategoryAcrobatics,
			Condition: func(s *FactStore) bool { return s.Count(FlyingMaxSpeed) >= 900 },
		},
		{
			Key: "FrequentFlyer", Name: "Frequent Flyer",
			Description: "Keep a gerbil airborne for 4.5 seconds",
			Tier:        TierBronze, Category: CategoryAcrobatics,
			Condition: func(s *FactStore) bool { return s.Seconds(AirborneMaxTimer) >= 4.5 },
		},

		// ── Finesse ────────────────────────────────────────────────────────

		{
			Key: "Einstein", Name: "Einstein",
			Description: "Clear Sink with one weapon and 7 pickups on a single gerbil",
			Tier:        TierGold, Category: CategoryFinesse,
			Condition: func(s *FactStore) bool {
				return s.Label(LevelCompletedName) == "Sink" &&
					s.Count(WeaponsUsedCount) == 1 &&
					s.Count(PickupsMaxForSingleGerbilCount) >= 7
			},
		},
		{
			Key: "TwoSeasonsExpress", Name: "Two Seasons Express",
			Description: "Clear Two Seasons in under 32 seconds",
			Tier:        TierSilver, Category: CategoryFinesse,
			Condition: func(s *FactStore) bool {
				t := s.Seconds(LevelCompletedTimer)
				return t > 0 && t < 32.0 && s.Label(LevelCompletedName) == "TwoSeasons"
			},
		},
		{
			Key: "SpookyPacifist", Name: "Spooky Pacifist",
			Description: "Clear Spooky without firing a single shot",
			Tier:        TierSilver, Category: CategoryFinesse,
			Condition: func(s *FactStore) bool {
				return s.Label(LevelCompletedName) == "Spooky" &&
					s.Count(ShotsFiredCount) == 0
			},
		},
	}
}
