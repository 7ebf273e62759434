// Package recorder keeps a SQLite history of published marker poses.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// Errors returned by Store.
var (
	ErrStoreClosed = errors.New("recorder: store closed")
	ErrNotFound    = errors.New("recorder: no pose recorded")
)

// Session describes one run of the node.
type Session struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
	Batches int       `json:"batches"`
}

// Store persists marker batches to SQLite. Each Store instance records
// into its own session.
type Store struct {
	db      *sql.DB
	session string
	mu      sync.RWMutex
	closed  bool
}

// NewStore opens (or creates) the database at path and starts a new session.
// Use ":memory:" for a throwaway store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: in-memory databases are per connection, and writes are
	// serialized anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	s := &Store{db: db, session: uuid.NewString()}
	if _, err := db.Exec(`INSERT INTO sessions (id, started_ns) VALUES (?, ?)`,
		s.session, time.Now().UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_ns INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS poses (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		batch_stamp_ns INTEGER NOT NULL,
		marker_id INTEGER NOT NULL,
		frame_id TEXT NOT NULL,
		child_frame_id TEXT NOT NULL,
		stamp_ns INTEGER NOT NULL,
		tx REAL NOT NULL, ty REAL NOT NULL, tz REAL NOT NULL,
		qw REAL NOT NULL, qx REAL NOT NULL, qy REAL NOT NULL, qz REAL NOT NULL,
		confidence REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_poses_marker ON poses(marker_id, stamp_ns)`,
	`CREATE INDEX IF NOT EXISTS idx_poses_session ON poses(session_id, seq)`,
}

// SessionID returns the session this store records into.
func (s *Store) SessionID() string {
	return s.session
}

// SaveBatch records every marker of batch in one transaction.
func (s *Store) SaveBatch(ctx context.Context, batch pipeline.MarkerBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO poses (session_id, seq, batch_stamp_ns, marker_id, frame_id, child_frame_id,
			stamp_ns, tx, ty, tz, qw, qx, qy, qz, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch.Markers {
		t, q := m.Pose.Translation, m.Pose.Rotation
		if _, err := stmt.ExecContext(ctx,
			s.session, int64(batch.Seq), batch.Stamp.UnixNano(), m.ID, m.FrameID, m.ChildFrameID,
			m.Stamp.UnixNano(), t.X, t.Y, t.Z, q.Real, q.Imag, q.Jmag, q.Kmag, m.Confidence,
		); err != nil {
			return fmt.Errorf("insert pose %d: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// History returns up to limit poses of marker id, newest first.
func (s *Store) History(ctx context.Context, id, limit int) ([]pipeline.MarkerPoseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT marker_id, frame_id, child_frame_id, stamp_ns,
			tx, ty, tz, qw, qx, qy, qz, confidence
		FROM poses
		WHERE marker_id = ?
		ORDER BY stamp_ns DESC, seq DESC
		LIMIT ?
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []pipeline.MarkerPoseRecord
	for rows.Next() {
		var (
			r     pipeline.MarkerPoseRecord
			stamp int64
			t     r3.Vec
			q     quat.Number
		)
		if err := rows.Scan(&r.ID, &r.FrameID, &r.ChildFrameID, &stamp,
			&t.X, &t.Y, &t.Z, &q.Real, &q.Imag, &q.Jmag, &q.Kmag, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		r.Stamp = time.Unix(0, stamp).UTC()
		r.Pose = spatial.New(t, q)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poses: %w", err)
	}
	return out, nil
}

// Latest returns the newest pose of marker id.
func (s *Store) Latest(ctx context.Context, id int) (pipeline.MarkerPoseRecord, error) {
	recs, err := s.History(ctx, id, 1)
	if err != nil {
		return pipeline.MarkerPoseRecord{}, err
	}
	if len(recs) == 0 {
		return pipeline.MarkerPoseRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// Sessions lists recorded sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_ns, COUNT(DISTINCT p.seq)
		FROM sessions s LEFT JOIN poses p ON p.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_ns DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		if err := rows.Scan(&sess.ID, &started, &sess.Batches); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Started = time.Unix(0, started).UTC()
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
