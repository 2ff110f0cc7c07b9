package ingest

import (
	"time"

	"github.com/gerbilphysics/awards/internal/award"
)

// Source defines the interface for a gameplay event provider. Each
// implementation knows how to discover active spool files on disk and
// incrementally parse them into fact mutations the tracker can consume.
//
// Implementations should be safe to call from a single goroutine (the
// ingestor poll loop). They do not need to be safe for concurrent use.
type Source interface {
	// Name returns a short lowercase identifier for this source,
	// e.g. "spool". Used in log lines and health reporting.
	Name() string

	// Discover finds spools that are currently active (or recently
	// active) on the local machine. The returned handles uniquely
	// identify each spool and carry enough context for subsequent
	// Parse calls.
	//
	// Discover is called on every poll tick. Implementations should be
	// efficient, typically a directory listing with a recency filter.
	Discover() ([]SpoolHandle, error)

	// Parse reads new data from a spool starting at the given byte
	// offset. It returns the parsed incremental batch, the new byte
	// offset to use on the next call, and any error encountered.
	//
	// If there is no new data since offset, implementations should
	// return a zero-value Batch, the same offset, and nil error.
	Parse(handle SpoolHandle, offset int64) (Batch, int64, error)
}

// SpoolHandle identifies a single event spool discovered by a Source. The
// ingestor uses these as keys to track spools and pass back into
// Source.Parse on subsequent polls.
type SpoolHandle struct {
	// ID uniquely identifies this spool, derived from the filename.
	ID string

	// Path is the absolute path to the spool file on disk. This is the
	// file that Parse reads incrementally.
	Path string

	// ModTime is the spool file's last modification time at discovery.
	ModTime time.Time

	// Source is the lowercase name of the source that produced this
	// handle (matches Source.Name()).
	Source string
}

// SessionStart is an explicit session boundary found in a spool. The game
// writes one as the first line of each run.
type SessionStart struct {
	Label string
	At    time.Time
}

// Entry is one parsed spool line in file order: exactly one of the two
// fields is set. Order matters because a session boundary wipes per-session
// facts, so mutations before and after it must not be reordered.
type Entry struct {
	Session  *SessionStart
	Mutation *award.Mutation
}

// Batch contains the incremental data parsed from a spool since the last
// offset.
type Batch struct {
	Entries []Entry
}

// HasData reports whether this batch contains anything to apply.
func (b Batch) HasData() bool {
	return len(b.Entries) > 0
}
