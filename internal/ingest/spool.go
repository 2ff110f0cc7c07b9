package ingest

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

// SpoolSource implements Source for the game's own telemetry spool. The
// game appends one JSON event per line to a <run>.jsonl file in the spool
// directory; each run of the game writes a fresh file and opens it with a
// session_started line.
type SpoolSource struct {
	dir string

	// discoverWindow controls how far back to look for spool files.
	// Files untouched for longer are considered finished runs.
	discoverWindow time.Duration
}

const defaultDiscoverWindow = 15 * time.Minute

// NewSpoolSource creates a SpoolSource over dir. A discoverWindow of zero
// or less falls back to the default of 15 minutes.
func NewSpoolSource(dir string, discoverWindow time.Duration) *SpoolSource {
	if discoverWindow <= 0 {
		discoverWindow = defaultDiscoverWindow
	}
	return &SpoolSource{dir: dir, discoverWindow: discoverWindow}
}

func (s *SpoolSource) Name() string { return "spool" }

func (s *SpoolSource) Discover() ([]SpoolHandle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.discoverWindow)
	var handles []SpoolHandle
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		handles = append(handles, SpoolHandle{
			ID:      strings.TrimSuffix(entry.Name(), ".jsonl"),
			Path:    filepath.Join(s.dir, entry.Name()),
			ModTime: info.ModTime(),
			Source:  s.Name(),
		})
	}

	// Stable order so the ingestor processes spools deterministically.
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles, nil
}

// spoolEvent is the game's wire format for one telemetry line. Fields not
// used by a given event type are simply absent.
type spoolEvent struct {
	Event       string  `json:"event"`
	Timestamp   string  `json:"ts,omitempty"`
	Label       string  `json:"label,omitempty"`
	Level       string  `json:"level,omitempty"`
	Count       int     `json:"count,omitempty"`
	Distinct    int     `json:"distinct,omitempty"`
	GerbilTotal int     `json:"gerbil_total,omitempty"`
	Speed       int     `json:"speed,omitempty"`
	Airborne    float64 `json:"airborne,omitempty"`
	Seconds     float64 `json:"seconds,omitempty"`
	Score       int     `json:"score,omitempty"`
	Gold        bool    `json:"gold,omitempty"`
}

func (s *SpoolSource) Parse(handle SpoolHandle, offset int64) (Batch, int64, error) {
	f, err := os.Open(handle.Path)
	if err != nil {
		return Batch{}, offset, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return Batch{}, offset, err
		}
	}

	var batch Batch
	reader := bufio.NewReader(f)
	parsedOffset := offset // advances only past complete lines

	for {
		line, err := reader.ReadBytes('\n')

		if err != nil && err != io.EOF {
			return batch, parsedOffset, err
		}

		if len(line) == 0 {
			break
		}

		// An incomplete trailing line (no newline yet) belongs to the
		// next read; don't parse it or advance past it.
		if line[len(line)-1] != '\n' {
			if err == io.EOF {
				break
			}
			continue
		}

		lineData := line[:len(line)-1]

		var ev spoolEvent
		if jsonErr := json.Unmarshal(lineData, &ev); jsonErr != nil {
			// Skip malformed lines but do advance the offset.
			parsedOffset += int64(len(line))
			if err == io.EOF {
				break
			}
			continue
		}

		parsedOffset += int64(len(line))
		batch.Entries = append(batch.Entries, entriesFor(ev)...)

		if err == io.EOF {
			break
		}
	}

	return batch, parsedOffset, nil
}

// entriesFor maps one game event to store entries. Unrecognized events
// yield nothing; the game is free to log telemetry this service ignores.
func entriesFor(ev spoolEvent) []Entry {
	switch ev.Event {
	case "session_started":
		at := time.Now()
		if ev.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
				at = t
			}
		}
		return []Entry{{Session: &SessionStart{Label: ev.Label, At: at}}}

	case "wipeout":
		return counterEntries(award.WipeoutsCount, ev.Count)

	case "bomb_detonated":
		return counterEntries(award.BombsDetonatedCount, ev.Count)

	case "shot_fired":
		return counterEntries(award.ShotsFiredCount, ev.Count)

	case "weapon_used":
		if ev.Distinct <= 0 {
			return nil
		}
		return []Entry{mutationEntry(award.Mutation{
			Op:     award.OpSetAbsolute,
			Metric: award.WeaponsUsedCount,
			Count:  ev.Distinct,
		})}

	case "pickup":
		entries := counterEntries(award.PickupsCollectedCount, ev.Count)
		if ev.GerbilTotal > 0 {
			entries = append(entries, mutationEntry(award.Mutation{
				Op:     award.OpKeepMaximum,
				Metric: award.PickupsMaxForSingleGerbilCount,
				Count:  ev.GerbilTotal,
			}))
		}
		return entries

	case "flight":
		var entries []Entry
		if ev.Speed > 0 {
			entries = append(entries, mutationEntry(award.Mutation{
				Op:     award.OpKeepMaximum,
				Metric: award.FlyingMaxSpeed,
				Count:  ev.Speed,
			}))
		}
		if ev.Airborne > 0 {
			entries = append(entries, mutationEntry(award.Mutation{
				Op:      award.OpKeepMaximumTimer,
				Metric:  award.AirborneMaxTimer,
				Seconds: ev.Airborne,
			}))
		}
		return entries

	case "level_started":
		if ev.Level == "" {
			return nil
		}
		return []Entry{mutationEntry(award.Mutation{
			Op:     award.OpSetLabel,
			Metric: award.LevelName,
			Label:  ev.Level,
		})}

	case "level_completed":
		// Completion facts land together and the last one asks for an
		// immediate evaluation pass so completion awards fire before
		// the next level starts.
		entries := []Entry{
			mutationEntry(award.Mutation{
				Op:     award.OpAddDelta,
				Metric: award.LevelsCompletedCount,
				Count:  1,
			}),
		}
		if ev.Level != "" {
			entries = append(entries, mutationEntry(award.Mutation{
				Op:     award.OpSetLabel,
				Metric: award.LevelCompletedName,
				Label:  ev.Level,
			}))
		}
		if ev.Seconds > 0 {
			entries = append(entries, mutationEntry(award.Mutation{
				Op:      award.OpSetTimerAbsolute,
				Metric:  award.LevelCompletedTimer,
				Seconds: ev.Seconds,
			}))
		}
		if ev.Score > 0 {
			entries = append(entries, mutationEntry(award.Mutation{
				Op:     award.OpAddDelta,
				Metric: award.TotalScoreCount,
				Count:  ev.Score,
			}))
		}
		if ev.Gold {
			entries = append(entries, mutationEntry(award.Mutation{
				Op:     award.OpAddDelta,
				Metric: award.GoldMedalsCount,
				Count:  1,
			}))
		}
		last := entries[len(entries)-1]
		last.Mutation.Urgent = true
		return entries
	}

	return nil
}

func counterEntries(id award.MetricID, count int) []Entry {
	if count <= 0 {
		count = 1
	}
	return []Entry{mutationEntry(award.Mutation{
		Op:     award.OpAddDelta,
		Metric: id,
		Count:  count,
	})}
}

func mutationEntry(m award.Mutation) Entry {
	return Entry{Mutation: &m}
}
