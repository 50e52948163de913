// Package record persists event streams as named sessions in SQLite, so a
// run can be replayed or exported after the producer is gone.
package record

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/scopevis/scopevis/internal/domain"
)

// ErrSessionExists is returned when recording under a name already taken
var ErrSessionExists = errors.New("session already recorded")

// ErrNotFound is returned when a session name is unknown
var ErrNotFound = errors.New("session not found")

// Store provides SQLite-backed session persistence
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database path
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Session describes one recorded run
type Session struct {
	ID         string
	Name       string
	Producer   string
	StartedAt  time.Time
	FinishedAt time.Time
	Events     int
	// Clean is true when the stream ended with the end-of-stream record
	Clean bool
}

// Begin starts recording a new session. Names are unique; recording over
// an existing session fails with ErrSessionExists rather than clobbering
// it.
func (s *Store) Begin(name, producer string) (*Recorder, error) {
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO sessions (id, name, producer, started_at) VALUES (?, ?, ?, ?)`,
		id, name, producer, time.Now())
	if err != nil {
		return nil, err
	}

	return &Recorder{store: s, sessionID: id}, nil
}

// Recorder appends events to one session. Not safe for concurrent use;
// the tracker tees events from a single goroutine.
type Recorder struct {
	store     *Store
	sessionID string
	seq       int
}

// Record appends one raw event exactly as it arrived, markers for
// undecodable input included, so a replay reproduces the original run
func (r *Recorder) Record(raw domain.RawEvent) error {
	r.seq++
	_, err := r.store.db.Exec(`
		INSERT INTO events (session_id, seq, kind, subject, parent, name, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.sessionID, r.seq, raw.Kind, raw.ID, raw.Parent, raw.Name, raw.TS)
	return err
}

// Finish closes the session. clean marks streams that ended with the
// end-of-stream record.
func (r *Recorder) Finish(clean bool) error {
	_, err := r.store.db.Exec(`
		UPDATE sessions SET finished_at = ?, events = ?, clean = ? WHERE id = ?
	`, time.Now(), r.seq, clean, r.sessionID)
	return err
}

// Sessions lists all recorded sessions, newest first
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, name, producer, started_at, finished_at, events, clean
		FROM sessions ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Session looks a session up by name
func (s *Store) Session(name string) (Session, error) {
	rows, err := s.db.Query(`
		SELECT id, name, producer, started_at, finished_at, events, clean
		FROM sessions WHERE name = ?
	`, name)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return scanSession(rows)
}

// Events returns a session's events in arrival order, ready to replay
func (s *Store) Events(sessionID string) ([]domain.RawEvent, error) {
	rows, err := s.db.Query(`
		SELECT kind, subject, parent, name, ts
		FROM events WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.RawEvent
	for rows.Next() {
		var raw domain.RawEvent
		var parent, name sql.NullString
		if err := rows.Scan(&raw.Kind, &raw.ID, &parent, &name, &raw.TS); err != nil {
			return nil, err
		}
		raw.Parent = parent.String
		raw.Name = name.String
		events = append(events, raw)
	}
	return events, rows.Err()
}

// Delete removes a session and its events
func (s *Store) Delete(name string) error {
	sess, err := s.Session(name)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM events WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sess.ID)
	return err
}

func scanSession(rows *sql.Rows) (Session, error) {
	var sess Session
	var producer sql.NullString
	var finished sql.NullTime
	err := rows.Scan(&sess.ID, &sess.Name, &producer, &sess.StartedAt, &finished, &sess.Events, &sess.Clean)
	if err != nil {
		return Session{}, err
	}
	sess.Producer = producer.String
	if finished.Valid {
		sess.FinishedAt = finished.Time
	}
	return sess, nil
}
