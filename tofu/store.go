// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package tofu

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/pairlink/pairlink/lib/clock"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
    peer_code   TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    first_seen  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// Verdict is the outcome of checking a just-verified fingerprint
// against the stored one.
type Verdict int

const (
	// FirstUse means no fingerprint was on record for the peer code.
	FirstUse Verdict = iota

	// Match means the stored fingerprint equals the verified one.
	Match

	// Mismatch means the peer's key changed since it was last
	// accepted. The caller must get explicit confirmation before the
	// session proceeds.
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case FirstUse:
		return "first-use"
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Config holds the parameters for opening a fingerprint store.
type Config struct {
	// Path is the SQLite database file, created if absent. ":memory:"
	// keeps the store in memory, for tests.
	Path string

	// Clock provides record timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the SQLite-backed fingerprint table. Safe for concurrent
// use; the trust decisions that consult it are serialized per peer by
// the client anyway.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open creates or opens the fingerprint database and ensures the
// schema exists.
func Open(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("tofu: Path is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	// Pool size 1: the store sees one write per session establishment.
	// It also keeps ":memory:" coherent, where every connection would
	// otherwise get its own database.
	pool, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: 1,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA busy_timeout=5000",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("tofu: %s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tofu: opening %s: %w", config.Path, err)
	}

	return &Store{
		pool:   pool,
		clock:  config.Clock,
		logger: config.Logger,
	}, nil
}

// Get returns the stored fingerprint for a peer code, if any.
func (s *Store) Get(ctx context.Context, peerCode string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("tofu: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	var fingerprint string
	found := false
	err = sqlitex.Execute(conn,
		"SELECT fingerprint FROM fingerprints WHERE peer_code = ?",
		&sqlitex.ExecOptions{
			Args: []any{peerCode},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				fingerprint = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("tofu: reading fingerprint for %s: %w", peerCode, err)
	}
	return fingerprint, found, nil
}

// Put records the accepted fingerprint for a peer code, replacing any
// previous record.
func (s *Store) Put(ctx context.Context, peerCode, fingerprint string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("tofu: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().Unix()
	err = sqlitex.Execute(conn,
		`INSERT INTO fingerprints (peer_code, fingerprint, first_seen, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_code) DO UPDATE SET fingerprint = excluded.fingerprint,
		                                      updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{peerCode, fingerprint, now, now},
		})
	if err != nil {
		return fmt.Errorf("tofu: storing fingerprint for %s: %w", peerCode, err)
	}
	s.logger.Debug("fingerprint stored", "peer", peerCode)
	return nil
}

// Check compares a just-verified fingerprint against the stored one
// and returns the verdict plus the previously stored fingerprint on a
// mismatch. On first use the fingerprint is recorded immediately; on
// a mismatch nothing is written until the caller accepts the change
// with Put.
func (s *Store) Check(ctx context.Context, peerCode, fingerprint string) (Verdict, string, error) {
	stored, found, err := s.Get(ctx, peerCode)
	if err != nil {
		return FirstUse, "", err
	}
	if !found {
		if err := s.Put(ctx, peerCode, fingerprint); err != nil {
			return FirstUse, "", err
		}
		return FirstUse, "", nil
	}
	if stored == fingerprint {
		return Match, "", nil
	}
	s.logger.Warn("peer fingerprint changed", "peer", peerCode)
	return Mismatch, stored, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("tofu: closing store: %w", err)
	}
	return nil
}
