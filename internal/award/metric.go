package award

import "encoding/json"

// Kind is the value semantic a metric carries. Every MetricID is declared
// with exactly one kind; using a slot through a setter of another kind is a
// programmer error and panics.
type Kind int

const (
	KindCounter Kind = iota
	KindTimer
	KindLabel
)

var kindNames = map[Kind]string{
	KindCounter: "counter",
	KindTimer:   "timer",
	KindLabel:   "label",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Scope says who owns a metric's lifetime. Instance metrics are wiped at
// every session start; global metrics persist and are only ever overwritten
// by external progress storage through the absolute setters.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeInstance
)

var scopeNames = map[Scope]string{
	ScopeGlobal:   "global",
	ScopeInstance: "instance",
}

func (s Scope) String() string {
	if n, ok := scopeNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MetricID names a single tracked gameplay measurement. The set is closed:
// every ID is declared below with its kind and scope, and the fact store
// allocates one slot per ID eagerly.
type MetricID string

const (
	WipeoutsCount        MetricID = "WipeoutsCount"
	LevelsCompletedCount MetricID = "LevelsCompletedCount"
	TotalScoreCount      MetricID = "TotalScoreCount"
	BombsDetonatedCount  MetricID = "BombsDetonatedCount"
	GoldMedalsCount      MetricID = "GoldMedalsCount"

	WeaponsUsedCount               MetricID = "WeaponsUsedCount"
	PickupsCollectedCount          MetricID = "PickupsCollectedCount"
	PickupsMaxForSingleGerbilCount MetricID = "PickupsMaxForSingleGerbilCount"
	ShotsFiredCount                MetricID = "ShotsFiredCount"
	FlyingMaxSpeed                 MetricID = "FlyingMaxSpeed"

	LevelCompletedTimer MetricID = "LevelCompletedTimer"
	AirborneMaxTimer    MetricID = "AirborneMaxTimer"

	LevelName          MetricID = "LevelName"
	LevelCompletedName MetricID = "LevelCompletedName"
)

type metricDescriptor struct {
	kind  Kind
	scope Scope
}

var metricInfo = map[MetricID]metricDescriptor{
	WipeoutsCount:        {KindCounter, ScopeGlobal},
	LevelsCompletedCount: {KindCounter, ScopeGlobal},
	TotalScoreCount:      {KindCounter, ScopeGlobal},
	BombsDetonatedCount:  {KindCounter, ScopeGlobal},
	GoldMedalsCount:      {KindCounter, ScopeGlobal},

	WeaponsUsedCount:               {KindCounter, ScopeInstance},
	PickupsCollectedCount:          {KindCounter, ScopeInstance},
	PickupsMaxForSingleGerbilCount: {KindCounter, ScopeInstance},
	ShotsFiredCount:                {KindCounter, ScopeInstance},
	FlyingMaxSpeed:                 {KindCounter, ScopeInstance},

	LevelCompletedTimer: {KindTimer, ScopeInstance},
	AirborneMaxTimer:    {KindTimer, ScopeInstance},

	LevelName:          {KindLabel, ScopeInstance},
	LevelCompletedName: {KindLabel, ScopeInstance},
}

// metricOrder fixes the order used for store allocation and snapshot
// serialization so output is stable across runs.
var metricOrder = []MetricID{
	WipeoutsCount,
	LevelsCompletedCount,
	TotalScoreCount,
	BombsDetonatedCount,
	GoldMedalsCount,
	WeaponsUsedCount,
	PickupsCollectedCount,
	PickupsMaxForSingleGerbilCount,
	ShotsFiredCount,
	FlyingMaxSpeed,
	LevelCompletedTimer,
	AirborneMaxTimer,
	LevelName,
	LevelCompletedName,
}

// Metrics returns every declared MetricID in declaration order.
func Metrics() []MetricID {
	out := make([]MetricID, len(metricOrder))
	copy(out, metricOrder)
	return out
}

// MetricInfo reports the declared kind and scope of id, and whether the id
// is declared at all.
func MetricInfo(id MetricID) (Kind, Scope, bool) {
	info, ok := metricInfo[id]
	return info.kind, info.scope, ok
}
