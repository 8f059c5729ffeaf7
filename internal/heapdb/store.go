// Package heapdb records heap sessions, collection passes and per-type
// snapshots in a sqlite database.
package heapdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/funvibe/rcheap/internal/heap"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	label      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS passes (
	session    TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	cause      TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	pause_ns   INTEGER NOT NULL,
	roots      INTEGER NOT NULL,
	stale      INTEGER NOT NULL,
	examined   INTEGER NOT NULL,
	live       INTEGER NOT NULL,
	freed      INTEGER NOT NULL,
	cycles     INTEGER NOT NULL,
	leaked     INTEGER NOT NULL,
	requeued   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session, seq)
);
CREATE TABLE IF NOT EXISTS type_snapshots (
	session       TEXT NOT NULL REFERENCES sessions(id),
	taken_at      INTEGER NOT NULL,
	type_id       INTEGER NOT NULL,
	name          TEXT NOT NULL,
	allocations   INTEGER NOT NULL,
	deallocations INTEGER NOT NULL,
	current_bytes INTEGER NOT NULL,
	peak_bytes    INTEGER NOT NULL
);
`

// Store is a collection history database.
type Store struct {
	db *sql.DB
}

// Session is one recorded heap lifetime.
type Session struct {
	ID      uuid.UUID
	Started time.Time
	Label   string
	Passes  int
	Freed   int64
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession records a heap session. Recording the same id twice is a
// no-op.
func (s *Store) BeginSession(id uuid.UUID, started time.Time, label string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, started_at, label) VALUES (?, ?, ?)`,
		id.String(), started.UnixNano(), label,
	)
	if err != nil {
		return fmt.Errorf("recording session %s: %w", id, err)
	}
	return nil
}

// RecordPass stores one collection report.
func (s *Store) RecordPass(r heap.CollectionReport) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO passes
			(session, seq, cause, started_at, pause_ns, roots, stale, examined, live, freed, cycles, leaked, requeued)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Session.String(), int64(r.Seq), r.Trigger.String(), r.Started.UnixNano(), int64(r.Pause),
		r.Roots, r.Stale, r.Examined, r.Live, r.Freed, r.Cycles, r.Leaked, r.Requeued,
	)
	if err != nil {
		return fmt.Errorf("recording pass %d: %w", r.Seq, err)
	}
	return nil
}

// RecordTypes stores a per-type snapshot taken at at.
func (s *Store) RecordTypes(session uuid.UUID, at time.Time, stats []heap.TypeStats) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("recording type snapshot: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO type_snapshots
		(session, taken_at, type_id, name, allocations, deallocations, current_bytes, peak_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("recording type snapshot: %w", err)
	}
	defer stmt.Close()

	for _, ts := range stats {
		if _, err := stmt.Exec(session.String(), at.UnixNano(), int64(ts.ID), ts.Name,
			int64(ts.Allocations), int64(ts.Deallocations), ts.CurrentBytes, ts.PeakBytes); err != nil {
			return fmt.Errorf("recording type %s: %w", ts.Name, err)
		}
	}
	return tx.Commit()
}

// Sessions lists recorded sessions, newest first, with pass totals.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.started_at, s.label, COUNT(p.seq), COALESCE(SUM(p.freed), 0)
		FROM sessions s LEFT JOIN passes p ON p.session = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			id      string
			started int64
			sess    Session
		)
		if err := rows.Scan(&id, &started, &sess.Label, &sess.Passes, &sess.Freed); err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		if sess.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("session id %q: %w", id, err)
		}
		sess.Started = time.Unix(0, started)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Passes returns the recorded reports of a session in order.
func (s *Store) Passes(session uuid.UUID) ([]heap.CollectionReport, error) {
	rows, err := s.db.Query(`
		SELECT seq, cause, started_at, pause_ns, roots, stale, examined, live, freed, cycles, leaked, requeued
		FROM passes WHERE session = ? ORDER BY seq`, session.String())
	if err != nil {
		return nil, fmt.Errorf("listing passes: %w", err)
	}
	defer rows.Close()

	var out []heap.CollectionReport
	for rows.Next() {
		var (
			r       heap.CollectionReport
			seq     int64
			cause   string
			started int64
			pause   int64
		)
		if err := rows.Scan(&seq, &cause, &started, &pause,
			&r.Roots, &r.Stale, &r.Examined, &r.Live, &r.Freed, &r.Cycles, &r.Leaked, &r.Requeued); err != nil {
			return nil, fmt.Errorf("listing passes: %w", err)
		}
		r.Session = session
		r.Seq = uint64(seq)
		r.Trigger = parseTrigger(cause)
		r.Started = time.Unix(0, started)
		r.Pause = time.Duration(pause)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestTypes returns the most recent per-type snapshot of a session.
func (s *Store) LatestTypes(session uuid.UUID) ([]heap.TypeStats, error) {
	rows, err := s.db.Query(`
		SELECT type_id, name, allocations, deallocations, current_bytes, peak_bytes
		FROM type_snapshots
		WHERE session = ? AND taken_at = (SELECT MAX(taken_at) FROM type_snapshots WHERE session = ?)
		ORDER BY type_id`, session.String(), session.String())
	if err != nil {
		return nil, fmt.Errorf("reading type snapshot: %w", err)
	}
	defer rows.Close()

	var out []heap.TypeStats
	for rows.Next() {
		var (
			ts            heap.TypeStats
			id            int64
			allocs, frees int64
		)
		if err := rows.Scan(&id, &ts.Name, &allocs, &frees, &ts.CurrentBytes, &ts.PeakBytes); err != nil {
			return nil, fmt.Errorf("reading type snapshot: %w", err)
		}
		ts.ID = heap.TypeID(id)
		ts.Allocations = uint64(allocs)
		ts.Deallocations = uint64(frees)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Attach records h's session now and every later pass. Recording
// failures go to the heap's logger, never back to the collector.
func (s *Store) Attach(h *heap.Heap, label string) error {
	if err := s.BeginSession(h.Session(), h.Created(), label); err != nil {
		return err
	}
	h.OnCollection(func(r heap.CollectionReport) {
		if err := s.RecordPass(r); err != nil {
			heap.Logger().Printf("history: %v", err)
		}
	})
	return nil
}

func parseTrigger(s string) heap.Trigger {
	for _, t := range []heap.Trigger{heap.TriggerExplicit, heap.TriggerThreshold, heap.TriggerBackground, heap.TriggerAllocation} {
		if t.String() == s {
			return t
		}
	}
	return heap.TriggerExplicit
}
