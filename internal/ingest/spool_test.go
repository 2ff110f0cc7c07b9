package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

func writeSpool(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSpoolParse(t *testing.T) {
	dir := t.TempDir()
	path := writeSpool(t, dir, "run-1.jsonl", `{"event":"session_started","label":"slot-1","ts":"2026-04-02T10:00:00.000Z"}
{"event":"level_started","level":"Cheese Factory"}
{"event":"shot_fired"}
{"event":"wipeout"}
{"event":"flight","speed":34,"airborne":1.75}
`)

	src := NewSpoolSource(dir, 0)
	batch, offset, err := src.Parse(SpoolHandle{ID: "run-1", Path: path}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if offset == 0 {
		t.Error("expected non-zero offset after parsing")
	}

	if len(batch.Entries) != 6 {
		t.Fatalf("expected 6 entries (flight yields two), got %d", len(batch.Entries))
	}

	first := batch.Entries[0]
	if first.Session == nil {
		t.Fatal("expected first entry to be a session start")
	}
	if first.Session.Label != "slot-1" {
		t.Errorf("session label = %q, want slot-1", first.Session.Label)
	}
	wantAt := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	if !first.Session.At.Equal(wantAt) {
		t.Errorf("session at = %s, want %s", first.Session.At, wantAt)
	}

	wantMutations := []struct {
		op     award.Op
		metric award.MetricID
	}{
		{award.OpSetLabel, award.LevelName},
		{award.OpAddDelta, award.ShotsFiredCount},
		{award.OpAddDelta, award.WipeoutsCount},
		{award.OpKeepMaximum, award.FlyingMaxSpeed},
		{award.OpKeepMaximumTimer, award.AirborneMaxTimer},
	}
	for n, want := range wantMutations {
		e := batch.Entries[n+1]
		if e.Mutation == nil {
			t.Fatalf("entry %d: expected mutation, got session", n+1)
		}
		if e.Mutation.Op != want.op || e.Mutation.Metric != want.metric {
			t.Errorf("entry %d = %s %s, want %s %s", n+1, e.Mutation.Op, e.Mutation.Metric, want.op, want.metric)
		}
	}

	// Incremental re-read from the saved offset yields nothing new.
	batch2, offset2, err := src.Parse(SpoolHandle{ID: "run-1", Path: path}, offset)
	if err != nil {
		t.Fatal(err)
	}
	if batch2.HasData() {
		t.Errorf("expected empty batch on re-read, got %d entries", len(batch2.Entries))
	}
	if offset2 != offset {
		t.Errorf("expected offset unchanged, got %d vs %d", offset2, offset)
	}
}

func TestSpoolParseIncompleteLine(t *testing.T) {
	dir := t.TempDir()
	path := writeSpool(t, dir, "run-1.jsonl", `{"event":"wipeout"}
{"event":"pic`)

	src := NewSpoolSource(dir, 0)
	batch, offset, err := src.Parse(SpoolHandle{ID: "run-1", Path: path}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(batch.Entries) != 1 {
		t.Fatalf("expected 1 entry from the complete line, got %d", len(batch.Entries))
	}

	// The partial line must not advance the offset; completing it later
	// makes it parseable on the next read.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("kup\",\"gerbil_total\":5}\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	batch2, offset2, err := src.Parse(SpoolHandle{ID: "run-1", Path: path}, offset)
	if err != nil {
		t.Fatal(err)
	}
	if offset2 <= offset {
		t.Errorf("expected offset to advance, got %d vs %d", offset2, offset)
	}
	if len(batch2.Entries) != 2 {
		t.Fatalf("expected 2 entries (pickup plus gerbil max), got %d", len(batch2.Entries))
	}
	if batch2.Entries[0].Mutation.Metric != award.PickupsCollectedCount {
		t.Errorf("entry 0 metric = %s, want PickupsCollectedCount", batch2.Entries[0].Mutation.Metric)
	}
	if m := batch2.Entries[1].Mutation; m.Metric != award.PickupsMaxForSingleGerbilCount || m.Count != 5 {
		t.Errorf("entry 1 = %s %d, want PickupsMaxForSingleGerbilCount 5", m.Metric, m.Count)
	}
}

func TestSpoolParseMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := writeSpool(t, dir, "run-1.jsonl", `{"event":"wipeout"}
not json at all
{"event":"bomb_detonated","count":3}
`)

	src := NewSpoolSource(dir, 0)
	batch, offset, err := src.Parse(SpoolHandle{ID: "run-1", Path: path}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(batch.Entries) != 2 {
		t.Fatalf("expected 2 entries with malformed line skipped, got %d", len(batch.Entries))
	}
	if m := batch.Entries[1].Mutation; m.Metric != award.BombsDetonatedCount || m.Count != 3 {
		t.Errorf("entry 1 = %s %d, want BombsDetonatedCount 3", m.Metric, m.Count)
	}

	// The malformed line still advances the offset so it is not re-read.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if offset != info.Size() {
		t.Errorf("offset = %d, want file size %d", offset, info.Size())
	}
}

func TestSpoolParseMissingFile(t *testing.T) {
	src := NewSpoolSource(t.TempDir(), 0)
	_, offset, err := src.Parse(SpoolHandle{ID: "gone", Path: "/nonexistent/run.jsonl"}, 42)
	if err == nil {
		t.Fatal("expected error for missing spool")
	}
	if offset != 42 {
		t.Errorf("offset = %d, want 42 preserved on error", offset)
	}
}

func TestSpoolDiscover(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "run-b.jsonl", "{}\n")
	writeSpool(t, dir, "run-a.jsonl", "{}\n")
	writeSpool(t, dir, "notes.txt", "not a spool\n")

	// An old spool outside the discovery window is skipped.
	oldPath := writeSpool(t, dir, "run-old.jsonl", "{}\n")
	oldTime := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	src := NewSpoolSource(dir, 15*time.Minute)
	handles, err := src.Discover()
	if err != nil {
		t.Fatal(err)
	}

	if len(handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(handles))
	}
	if handles[0].ID != "run-a" || handles[1].ID != "run-b" {
		t.Errorf("handles = [%s %s], want sorted [run-a run-b]", handles[0].ID, handles[1].ID)
	}
	if handles[0].Source != "spool" {
		t.Errorf("handle source = %q, want spool", handles[0].Source)
	}
}

func TestSpoolDiscoverMissingDir(t *testing.T) {
	src := NewSpoolSource("/nonexistent/spool/dir", 0)
	if _, err := src.Discover(); err == nil {
		t.Fatal("expected error for missing spool dir")
	}
}

func TestEntriesForEventMapping(t *testing.T) {
	tests := []struct {
		name string
		ev   spoolEvent
		want []award.Mutation
	}{
		{
			name: "wipeout defaults to one",
			ev:   spoolEvent{Event: "wipeout"},
			want: []award.Mutation{{Op: award.OpAddDelta, Metric: award.WipeoutsCount, Count: 1}},
		},
		{
			name: "wipeout with explicit count",
			ev:   spoolEvent{Event: "wipeout", Count: 4},
			want: []award.Mutation{{Op: award.OpAddDelta, Metric: award.WipeoutsCount, Count: 4}},
		},
		{
			name: "weapon used sets the distinct total",
			ev:   spoolEvent{Event: "weapon_used", Distinct: 3},
			want: []award.Mutation{{Op: award.OpSetAbsolute, Metric: award.WeaponsUsedCount, Count: 3}},
		},
		{
			name: "weapon used without total is ignored",
			ev:   spoolEvent{Event: "weapon_used"},
			want: nil,
		},
		{
			name: "level started without a name is ignored",
			ev:   spoolEvent{Event: "level_started"},
			want: nil,
		},
		{
			name: "unknown telemetry is ignored",
			ev:   spoolEvent{Event: "music_changed"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := entriesFor(tt.ev)
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(entries), len(tt.want))
			}
			for n, want := range tt.want {
				got := entries[n].Mutation
				if got == nil {
					t.Fatalf("entry %d is not a mutation", n)
				}
				if *got != want {
					t.Errorf("entry %d = %+v, want %+v", n, *got, want)
				}
			}
		})
	}
}

func TestEntriesForLevelCompleted(t *testing.T) {
	entries := entriesFor(spoolEvent{
		Event:   "level_completed",
		Level:   "Cheese Factory",
		Seconds: 31.5,
		Score:   1200,
		Gold:    true,
	})

	wantMetrics := []award.MetricID{
		award.LevelsCompletedCount,
		award.LevelCompletedName,
		award.LevelCompletedTimer,
		award.TotalScoreCount,
		award.GoldMedalsCount,
	}
	if len(entries) != len(wantMetrics) {
		t.Fatalf("got %d entries, want %d", len(entries), len(wantMetrics))
	}
	for n, want := range wantMetrics {
		if entries[n].Mutation.Metric != want {
			t.Errorf("entry %d metric = %s, want %s", n, entries[n].Mutation.Metric, want)
		}
	}

	// Only the final completion fact requests an immediate evaluation.
	for n, e := range entries {
		urgent := n == len(entries)-1
		if e.Mutation.Urgent != urgent {
			t.Errorf("entry %d urgent = %t, want %t", n, e.Mutation.Urgent, urgent)
		}
	}

	if entries[3].Mutation.Count != 1200 {
		t.Errorf("score delta = %d, want 1200", entries[3].Mutation.Count)
	}
	if entries[2].Mutation.Seconds != 31.5 {
		t.Errorf("completion seconds = %g, want 31.5", entries[2].Mutation.Seconds)
	}
}

func TestEntriesForBareLevelCompleted(t *testing.T) {
	// A completion with no extras still counts the level and still asks
	// for the immediate pass.
	entries := entriesFor(spoolEvent{Event: "level_completed"})
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	m := entries[0].Mutation
	if m.Metric != award.LevelsCompletedCount || m.Count != 1 || !m.Urgent {
		t.Errorf("got %+v, want urgent LevelsCompletedCount +1", *m)
	}
}
