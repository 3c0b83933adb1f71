// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Stranger is a pooled fake remote ID assigned to a chat participant
// the remote service exposes no user ID for. Strangers are matched by
// profile (name and avatar) while in use, and marked available for
// reuse when their participant disappears.
type Stranger struct {
	FakeMID    string
	Name       string
	AvatarPath string
	Available  bool
}

func scanStranger(stmt *sqlite.Stmt) *Stranger {
	return &Stranger{
		FakeMID:    stmt.ColumnText(0),
		Name:       stmt.ColumnText(1),
		AvatarPath: stmt.ColumnText(2),
		Available:  stmt.ColumnInt64(3) != 0,
	}
}

// InsertStranger adds a fresh pool entry. Fails on a fake MID
// collision; the caller regenerates and retries.
func (s *Store) InsertStranger(ctx context.Context, stranger *Stranger) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO stranger (fake_mid, name, avatar_path, available)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				stranger.FakeMID,
				stranger.Name,
				stranger.AvatarPath,
				boolToInt(stranger.Available),
			}})
	})
}

func (s *Store) strangerWhere(ctx context.Context, where string, args ...any) (*Stranger, error) {
	var stranger *Stranger
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT fake_mid, name, avatar_path, available FROM stranger WHERE "+where+" LIMIT 1",
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stranger = scanStranger(stmt)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return stranger, nil
}

// StrangerByFakeMID returns a pool entry by its fake ID, or nil.
func (s *Store) StrangerByFakeMID(ctx context.Context, fakeMID string) (*Stranger, error) {
	return s.strangerWhere(ctx, "fake_mid = ?", fakeMID)
}

// StrangerByProfile returns the in-use pool entry matching a profile,
// or nil.
func (s *Store) StrangerByProfile(ctx context.Context, name, avatarPath string) (*Stranger, error) {
	return s.strangerWhere(ctx, "name = ? AND avatar_path = ? AND available = 0", name, avatarPath)
}

// AnyAvailableStranger returns a released pool entry for reuse, or nil
// when the pool has none.
func (s *Store) AnyAvailableStranger(ctx context.Context) (*Stranger, error) {
	return s.strangerWhere(ctx, "available = 1")
}

// UpdateStrangerProfile rebinds a pool entry to a profile and marks it
// in use.
func (s *Store) UpdateStrangerProfile(ctx context.Context, fakeMID, name, avatarPath string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"UPDATE stranger SET name = ?, avatar_path = ?, available = 0 WHERE fake_mid = ?",
			&sqlitex.ExecOptions{Args: []any{name, avatarPath, fakeMID}})
	})
}

// ReleaseStranger marks a pool entry available for reuse.
func (s *Store) ReleaseStranger(ctx context.Context, fakeMID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"UPDATE stranger SET available = 1 WHERE fake_mid = ?",
			&sqlitex.ExecOptions{Args: []any{fakeMID}})
	})
}
