// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/miscworks/linebridge/lib/ref"
)

// Puppet is the persistent profile state of one ghost user.
type Puppet struct {
	// MID is the remote user ID the ghost represents. This may also be
	// a pooled stranger ID or the bridge user's own-puppet ID.
	MID string

	Name       string
	AvatarPath string
	AvatarMXC  ref.ContentURI

	// NameSet and AvatarSet track whether the Matrix profile matches
	// Name and AvatarPath, so unchanged profiles skip homeserver calls.
	NameSet   bool
	AvatarSet bool

	// Registered tracks whether the ghost account exists.
	Registered bool
}

// UpsertPuppet inserts or fully replaces a ghost profile record.
func (s *Store) UpsertPuppet(ctx context.Context, puppet *Puppet) error {
	var avatarMXC string
	if !puppet.AvatarMXC.IsZero() {
		avatarMXC = puppet.AvatarMXC.String()
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO puppet (mid, name, avatar_path, avatar_mxc, name_set, avatar_set, is_registered)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (mid) DO UPDATE SET
				name = excluded.name,
				avatar_path = excluded.avatar_path,
				avatar_mxc = excluded.avatar_mxc,
				name_set = excluded.name_set,
				avatar_set = excluded.avatar_set,
				is_registered = excluded.is_registered`,
			&sqlitex.ExecOptions{Args: []any{
				puppet.MID,
				puppet.Name,
				puppet.AvatarPath,
				avatarMXC,
				boolToInt(puppet.NameSet),
				boolToInt(puppet.AvatarSet),
				boolToInt(puppet.Registered),
			}})
	})
}

// PuppetByMID returns the ghost profile for a remote user ID, or nil.
func (s *Store) PuppetByMID(ctx context.Context, mid string) (*Puppet, error) {
	var puppet *Puppet
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT mid, name, avatar_path, avatar_mxc, name_set, avatar_set, is_registered
			FROM puppet WHERE mid = ?`,
			&sqlitex.ExecOptions{
				Args: []any{mid},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					puppet = &Puppet{
						MID:        stmt.ColumnText(0),
						Name:       stmt.ColumnText(1),
						AvatarPath: stmt.ColumnText(2),
						NameSet:    stmt.ColumnInt64(4) != 0,
						AvatarSet:  stmt.ColumnInt64(5) != 0,
						Registered: stmt.ColumnInt64(6) != 0,
					}
					if raw := stmt.ColumnText(3); raw != "" {
						mxc, err := ref.ParseContentURI(raw)
						if err != nil {
							return fmt.Errorf("store: corrupt puppet avatar_mxc: %w", err)
						}
						puppet.AvatarMXC = mxc
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return puppet, nil
}
