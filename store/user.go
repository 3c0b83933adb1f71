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

// User is the bridge user's persistent state.
type User struct {
	MXID ref.UserID

	// NoticeRoom is the private room where the bridge posts status
	// notices and login prompts, zero until first created.
	NoticeRoom ref.RoomID
}

// UpsertUser inserts or replaces the bridge user record.
func (s *Store) UpsertUser(ctx context.Context, user *User) error {
	var noticeRoom string
	if !user.NoticeRoom.IsZero() {
		noticeRoom = user.NoticeRoom.String()
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO bridge_user (mxid, notice_room) VALUES (?, ?)
			ON CONFLICT (mxid) DO UPDATE SET notice_room = excluded.notice_room`,
			&sqlitex.ExecOptions{Args: []any{user.MXID.String(), noticeRoom}})
	})
}

// UserByMXID returns the bridge user record, or nil.
func (s *Store) UserByMXID(ctx context.Context, mxid ref.UserID) (*User, error) {
	var user *User
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT mxid, notice_room FROM bridge_user WHERE mxid = ?",
			&sqlitex.ExecOptions{
				Args: []any{mxid.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					parsed, err := ref.ParseUserID(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("store: corrupt user mxid: %w", err)
					}
					user = &User{MXID: parsed}
					if raw := stmt.ColumnText(1); raw != "" {
						if user.NoticeRoom, err = ref.ParseRoomID(raw); err != nil {
							return fmt.Errorf("store: corrupt notice_room: %w", err)
						}
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
