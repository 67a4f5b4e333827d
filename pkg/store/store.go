// Package store provides the Observation Store (C1): durable typed storage
// for observations, summaries, prompts, sessions, and pending messages, as
// a single SQLite file accessed through sqlx.
//
// The teacher (pkg/database) wraps an ent client over a PostgreSQL server
// reached via pgx, with schema managed by golang-migrate. A single local
// background worker has no server to run and §6 of the spec requires a
// single-file store with no custom binary format, so this package instead
// opens one file with modernc.org/sqlite (pure Go, no cgo) and bootstraps
// its schema inline — see DESIGN.md for the full list of dropped deps.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the Observation Store. All writes are funneled through a single
// goroutine (writeLoop) so that, regardless of how many goroutines call a
// write method concurrently, mutations to the file are strictly serialized
// — the "single writer" half of §4.1's concurrency model. Reads use a
// separate, multi-connection handle and may proceed concurrently with the
// writer, observing whatever the writer has most recently committed.
type Store struct {
	writeDB *sqlx.DB
	readDB  *sqlx.DB

	writeJobs chan writeJob
	closeOnce sync.Once
	closed    chan struct{}
}

type writeJob struct {
	fn   func(*sqlx.Tx) error
	done chan error
}

// Open creates or opens the SQLite file at path and ensures its schema
// exists. path may be ":memory:" for tests, in which case a single shared
// connection backs both the read and write handles (an in-memory SQLite
// database is otherwise invisible across connections).
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}

	writeDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open read handle: %w", err)
	}
	if path != ":memory:" {
		readDB.SetMaxOpenConns(4)
	} else {
		readDB.SetMaxOpenConns(1)
	}

	s := &Store{
		writeDB:   writeDB,
		readDB:    readDB,
		writeJobs: make(chan writeJob, 64),
		closed:    make(chan struct{}),
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	go s.writeLoop()

	return s, nil
}

// Close stops the writer goroutine and releases both database handles.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (s *Store) writeLoop() {
	for {
		select {
		case job := <-s.writeJobs:
			job.done <- s.runWrite(job.fn)
		case <-s.closed:
			return
		}
	}
}

func (s *Store) runWrite(fn func(*sqlx.Tx) error) error {
	tx, err := s.writeDB.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// withWrite submits fn to the single writer goroutine and blocks for its
// result, or for ctx cancellation / store shutdown, whichever comes first.
func (s *Store) withWrite(ctx context.Context, fn func(*sqlx.Tx) error) error {
	job := writeJob{fn: fn, done: make(chan error, 1)}
	select {
	case s.writeJobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return sql.ErrConnDone
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return sql.ErrConnDone
	}
}

// ReadDB exposes the read-only handle for components that run their own
// aggregation SQL against the store (the Token Metrics Engine, C7).
func (s *Store) ReadDB() *sqlx.DB { return s.readDB }

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	analyzer_session_id     TEXT NOT NULL,
	assistant_session_id    TEXT NOT NULL UNIQUE,
	project                 TEXT NOT NULL,
	current_prompt          TEXT NOT NULL DEFAULT '',
	last_prompt_number      INTEGER NOT NULL DEFAULT 1,
	cumulative_input_tokens INTEGER NOT NULL DEFAULT 0,
	cumulative_output_tokens INTEGER NOT NULL DEFAULT 0,
	status                  TEXT NOT NULL DEFAULT 'active',
	started_at_epoch        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_assistant ON sessions(assistant_session_id);

CREATE TABLE IF NOT EXISTS pending_messages (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       INTEGER NOT NULL REFERENCES sessions(id),
	kind             TEXT NOT NULL,
	tool_name        TEXT NOT NULL DEFAULT '',
	tool_input       BLOB,
	tool_response    BLOB,
	cwd              TEXT NOT NULL DEFAULT '',
	last_user_message      TEXT NOT NULL DEFAULT '',
	last_assistant_message TEXT NOT NULL DEFAULT '',
	prompt_number    INTEGER NOT NULL DEFAULT 0,
	state            TEXT NOT NULL DEFAULT 'pending',
	created_at_epoch INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_session_state ON pending_messages(session_id, state, id);
CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_messages(state, id);

CREATE TABLE IF NOT EXISTS observations (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	assistant_session_id TEXT NOT NULL,
	project              TEXT NOT NULL,
	type                 TEXT NOT NULL DEFAULT '',
	title                TEXT NOT NULL DEFAULT '',
	subtitle             TEXT NOT NULL DEFAULT '',
	narrative            TEXT NOT NULL DEFAULT '',
	text                 TEXT NOT NULL DEFAULT '',
	facts                TEXT NOT NULL DEFAULT '[]',
	concepts             TEXT NOT NULL DEFAULT '[]',
	files_read           TEXT NOT NULL DEFAULT '[]',
	files_modified       TEXT NOT NULL DEFAULT '[]',
	prompt_number        INTEGER NOT NULL DEFAULT 0,
	created_at_epoch     INTEGER NOT NULL,
	discovery_tokens     INTEGER NOT NULL DEFAULT 0 CHECK (discovery_tokens >= 0)
);
CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project, id);
CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at_epoch);
CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(project, type);

CREATE TABLE IF NOT EXISTS summaries (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       INTEGER NOT NULL REFERENCES sessions(id),
	project          TEXT NOT NULL,
	request          TEXT NOT NULL DEFAULT '',
	investigated     TEXT NOT NULL DEFAULT '',
	learned          TEXT NOT NULL DEFAULT '',
	completed        TEXT NOT NULL DEFAULT '',
	next_steps       TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	created_at_epoch INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_project ON summaries(project, id);

CREATE TABLE IF NOT EXISTS user_prompts (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	assistant_session_id TEXT NOT NULL,
	project              TEXT NOT NULL,
	prompt_number        INTEGER NOT NULL,
	prompt_text          TEXT NOT NULL DEFAULT '',
	created_at_epoch     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompts_project ON user_prompts(project, id);
`

func (s *Store) migrate(ctx context.Context) error {
	return s.withWrite(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(schema)
		return err
	})
}
