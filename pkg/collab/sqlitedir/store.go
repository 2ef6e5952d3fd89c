// Package sqlitedir provides a SQLite-backed ban list, allow list, block list
// and community directory.
package sqlitedir

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-essam23/go-relay/pkg/collab"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store persists directory state in SQLite.
type Store struct {
	sqlDB      *sql.DB
	openAccess bool
}

var _ collab.Backend = (*Store)(nil)

// Open opens the database at path and creates the schema if needed. With
// openAccess the allow list admits everyone.
func Open(path string, openAccess bool) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, openAccess: openAccess}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func now() int64 { return time.Now().UTC().UnixMilli() }

// --- Admin mutators ---

func (s *Store) Ban(ctx context.Context, identity, reason string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO bans (identity, reason, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET reason = excluded.reason`,
		identity, reason, now())
	if err != nil {
		return fmt.Errorf("ban %s: %w", identity, err)
	}
	return nil
}

func (s *Store) Unban(ctx context.Context, identity string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM bans WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("unban %s: %w", identity, err)
	}
	return nil
}

func (s *Store) Allow(ctx context.Context, identity string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO allowlist (identity, created_at) VALUES (?, ?) ON CONFLICT(identity) DO NOTHING`,
		identity, now())
	if err != nil {
		return fmt.Errorf("allow %s: %w", identity, err)
	}
	return nil
}

func (s *Store) Block(ctx context.Context, blocker, target string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO blocks (blocker, target, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		blocker, target, now())
	if err != nil {
		return fmt.Errorf("block %s -> %s: %w", blocker, target, err)
	}
	return nil
}

func (s *Store) Unblock(ctx context.Context, blocker, target string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM blocks WHERE blocker = ? AND target = ?`, blocker, target); err != nil {
		return fmt.Errorf("unblock %s -> %s: %w", blocker, target, err)
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, owner, member string, innerCircle bool) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO community (owner, member, inner_circle, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner, member) DO UPDATE SET inner_circle = excluded.inner_circle`,
		owner, member, innerCircle, now())
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", member, owner, err)
	}
	return nil
}

// --- Lookups ---

func (s *Store) IsBanned(ctx context.Context, identity string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM bans WHERE identity = ?`, identity)
}

func (s *Store) IsAllowed(ctx context.Context, identity string) (bool, error) {
	if s.openAccess {
		return true, nil
	}
	return s.exists(ctx, `SELECT 1 FROM allowlist WHERE identity = ?`, identity)
}

func (s *Store) DoesBlock(ctx context.Context, blocker, target string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM blocks WHERE blocker = ? AND target = ?`, blocker, target)
}

func (s *Store) IsMember(ctx context.Context, owner, other string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM community WHERE owner = ? AND member = ?`, owner, other)
}

func (s *Store) IsInnerCircle(ctx context.Context, owner, other string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM community WHERE owner = ? AND member = ? AND inner_circle = 1`, owner, other)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var one int
	err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory lookup: %w", err)
	}
	return true, nil
}
