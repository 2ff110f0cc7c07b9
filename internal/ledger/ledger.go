package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Ledger is the durable record of award unlocks. The engine refires awards
// freely (session restarts, crash recovery, restored snapshots); the ledger
// collapses all of that into one row per award, so an unlock is announced at
// most once ever.
type Ledger struct {
	db *sql.DB
}

// Open opens the ledger database at path, creating it if needed.
// Use ":memory:" for an ephemeral ledger.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; also keeps :memory: ledgers on one connection, since
	// every connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Migrate runs database migrations
func (l *Ledger) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS unlocks (
			award_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			unlocked_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS best_times (
			level TEXT PRIMARY KEY,
			seconds REAL NOT NULL,
			session_id TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_unlocks_session ON unlocks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_unlocks_time ON unlocks(unlocked_at)`,
	}

	for _, migration := range migrations {
		if _, err := l.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Unlock is one durable award unlock.
type Unlock struct {
	AwardKey   string    `json:"awardKey"`
	SessionID  string    `json:"sessionId"`
	UnlockedAt time.Time `json:"unlockedAt"`
}

// BestTime is the fastest recorded completion of a level.
type BestTime struct {
	Level      string    `json:"level"`
	Seconds    float64   `json:"seconds"`
	SessionID  string    `json:"sessionId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// StartSession records a new play session and returns its generated ID.
func (l *Ledger) StartSession(label string, at time.Time) (string, error) {
	id := uuid.New().String()
	_, err := l.db.Exec(
		`INSERT INTO sessions (id, started_at, label) VALUES (?, ?, ?)`,
		id, at.UTC().Format(time.RFC3339Nano), label,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// RecordUnlock stores an award unlock if it is the first ever for that key.
// It reports whether the row was fresh; duplicates are absorbed silently.
func (l *Ledger) RecordUnlock(sessionID, awardKey string, at time.Time) (bool, error) {
	res, err := l.db.Exec(
		`INSERT OR IGNORE INTO unlocks (award_key, session_id, unlocked_at) VALUES (?, ?, ?)`,
		awardKey, sessionID, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert unlock: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// Unlocks returns every recorded unlock, oldest first.
func (l *Ledger) Unlocks() ([]Unlock, error) {
	rows, err := l.db.Query(
		`SELECT award_key, session_id, unlocked_at FROM unlocks ORDER BY unlocked_at, award_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocks: %w", err)
	}
	defer rows.Close()

	var unlocks []Unlock
	for rows.Next() {
		var u Unlock
		var at string
		if err := rows.Scan(&u.AwardKey, &u.SessionID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan unlock: %w", err)
		}
		if u.UnlockedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse unlock time %q: %w", at, err)
		}
		unlocks = append(unlocks, u)
	}

	return unlocks, rows.Err()
}

// UnlockTimes returns the unlock timestamp per award key.
func (l *Ledger) UnlockTimes() (map[string]time.Time, error) {
	rows, err := l.db.Query(`SELECT award_key, unlocked_at FROM unlocks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlock times: %w", err)
	}
	defer rows.Close()

	times := make(map[string]time.Time)
	for rows.Next() {
		var key, at string
		if err := rows.Scan(&key, &at); err != nil {
			return nil, fmt.Errorf("failed to scan unlock time: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse unlock time %q: %w", at, err)
		}
		times[key] = ts
	}

	return times, rows.Err()
}

// RecordBestTime stores a level completion time if it beats the stored best.
// It reports whether the time was an improvement (or the first recorded).
func (l *Ledger) RecordBestTime(level string, seconds float64, sessionID string, at time.Time) (bool, error) {
	res, err := l.db.Exec(
		`INSERT INTO best_times (level, seconds, session_id, recorded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(level) DO UPDATE SET
			seconds = excluded.seconds,
			session_id = excluded.session_id,
			recorded_at = excluded.recorded_at
		WHERE excluded.seconds < best_times.seconds`,
		level, seconds, sessionID, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert best time: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// BestTimes returns the fastest completion per level, alphabetical by level.
func (l *Ledger) BestTimes() ([]BestTime, error) {
	rows, err := l.db.Query(
		`SELECT level, seconds, session_id, recorded_at FROM best_times ORDER BY level`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query best times: %w", err)
	}
	defer rows.Close()

	var times []BestTime
	for rows.Next() {
		var bt BestTime
		var at string
		if err := rows.Scan(&bt.Level, &bt.Seconds, &bt.SessionID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan best time: %w", err)
		}
		if bt.RecordedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse best time %q: %w", at, err)
		}
		times = append(times, bt)
	}

	return times, rows.Err()
}
