// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name          TEXT PRIMARY KEY,
	registered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent        TEXT NOT NULL REFERENCES agents(name),
	filename     TEXT NOT NULL,
	reward_mean  REAL NOT NULL,
	reward_std   REAL NOT NULL,
	score        REAL NOT NULL,
	submitted_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS submissions_by_agent
	ON submissions (agent, submitted_at DESC, id DESC);
`

// StoreConfig holds the parameters for OpenStore.
type StoreConfig struct {
	// Path is the database file; its directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// Clock stamps registrations and submissions. Required.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// Store is the SQLite-backed Registry.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

var _ Registry = (*Store)(nil)

// OpenStore opens (creating if needed) the registry database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("registry: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("registry: Logger is required")
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) NewestSubmissionPerAgent(ctx context.Context) ([]Submission, error) {
	const op = "newest submission per agent"
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer s.pool.Put(conn)

	var submissions []Submission
	err = sqlitex.Execute(conn, `
		SELECT s.id, s.agent, s.filename, s.reward_mean, s.reward_std, s.score, s.submitted_at
		FROM submissions s
		WHERE s.id = (
			SELECT latest.id FROM submissions latest
			WHERE latest.agent = s.agent
			ORDER BY latest.submitted_at DESC, latest.id DESC
			LIMIT 1
		)
		ORDER BY s.agent`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			submissions = append(submissions, scanSubmission(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return submissions, nil
}

func (s *Store) AgentsExcept(ctx context.Context, agent string) ([]string, error) {
	const op = "agents except"
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer s.pool.Put(conn)

	var agents []string
	err = sqlitex.Execute(conn, `SELECT name FROM agents WHERE name != ? ORDER BY name`, &sqlitex.ExecOptions{
		Args: []any{agent},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			agents = append(agents, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return agents, nil
}

// InsertSubmission also registers the submitting agent if it never
// announced itself, in the same transaction.
func (s *Store) InsertSubmission(ctx context.Context, submission NewSubmission) (result Submission, err error) {
	const op = "insert submission"
	if submission.Agent == "" || submission.Filename == "" {
		return Submission{}, &Error{Op: op, Err: fmt.Errorf("agent and filename are required")}
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Submission{}, &Error{Op: op, Err: err}
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Submission{}, &Error{Op: op, Err: err}
	}
	defer endTransaction(&err)

	now := s.clock.Now().UTC()
	err = sqlitex.Execute(conn, `INSERT INTO agents (name, registered_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{submission.Agent, now.UnixNano()},
	})
	if err != nil {
		return Submission{}, &Error{Op: op, Err: err}
	}
	if conn.Changes() > 0 {
		s.logger.Info("agent registered implicitly by submission", "agent", submission.Agent)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO submissions (agent, filename, reward_mean, reward_std, score, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			submission.Agent,
			submission.Filename,
			submission.RewardMean,
			submission.RewardStd,
			submission.Score,
			now.UnixNano(),
		},
	})
	if err != nil {
		return Submission{}, &Error{Op: op, Err: err}
	}

	return Submission{
		ID:          conn.LastInsertRowID(),
		Agent:       submission.Agent,
		Filename:    submission.Filename,
		RewardMean:  submission.RewardMean,
		RewardStd:   submission.RewardStd,
		Score:       submission.Score,
		SubmittedAt: now,
	}, nil
}

func (s *Store) InsertAgent(ctx context.Context, agent string) (bool, error) {
	const op = "insert agent"
	if agent == "" {
		return false, &Error{Op: op, Err: fmt.Errorf("agent name is required")}
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, &Error{Op: op, Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO agents (name, registered_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{agent, s.clock.Now().UTC().UnixNano()},
	})
	if err != nil {
		return false, &Error{Op: op, Err: err}
	}
	return conn.Changes() > 0, nil
}

func (s *Store) LookupAgent(ctx context.Context, agent string) (Agent, bool, error) {
	const op = "lookup agent"
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Agent{}, false, &Error{Op: op, Err: err}
	}
	defer s.pool.Put(conn)

	var found Agent
	var exists bool
	err = sqlitex.Execute(conn, `SELECT name, registered_at FROM agents WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{agent},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = Agent{
				Name:         stmt.ColumnText(0),
				RegisteredAt: time.Unix(0, stmt.ColumnInt64(1)).UTC(),
			}
			exists = true
			return nil
		},
	})
	if err != nil {
		return Agent{}, false, &Error{Op: op, Err: err}
	}
	return found, exists, nil
}

func scanSubmission(stmt *sqlite.Stmt) Submission {
	return Submission{
		ID:          stmt.ColumnInt64(0),
		Agent:       stmt.ColumnText(1),
		Filename:    stmt.ColumnText(2),
		RewardMean:  stmt.ColumnFloat(3),
		RewardStd:   stmt.ColumnFloat(4),
		Score:       stmt.ColumnFloat(5),
		SubmittedAt: time.Unix(0, stmt.ColumnInt64(6)).UTC(),
	}
}
