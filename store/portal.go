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

// Portal is the persistent record of one bridged chat.
type Portal struct {
	ChatID ref.ChatID

	// OtherUser is the remote user ID of the peer in a direct chat,
	// "" for multi-user chats.
	OtherUser string

	// RoomID is the Matrix room, zero until the room is created.
	RoomID ref.RoomID

	Name      string
	IconPath  string
	IconMXC   ref.ContentURI
	Encrypted bool
}

const portalColumns = "chat_id, other_user, mxid, name, icon_path, icon_mxc, encrypted"

func scanPortal(stmt *sqlite.Stmt) (*Portal, error) {
	portal := &Portal{
		OtherUser: stmt.ColumnText(1),
		Name:      stmt.ColumnText(3),
		IconPath:  stmt.ColumnText(4),
		Encrypted: stmt.ColumnInt64(6) != 0,
	}
	var err error
	if portal.ChatID, err = ref.ParseChatID(stmt.ColumnText(0)); err != nil {
		return nil, fmt.Errorf("store: corrupt portal chat_id: %w", err)
	}
	if raw := stmt.ColumnText(2); raw != "" {
		if portal.RoomID, err = ref.ParseRoomID(raw); err != nil {
			return nil, fmt.Errorf("store: corrupt portal mxid: %w", err)
		}
	}
	if raw := stmt.ColumnText(5); raw != "" {
		if portal.IconMXC, err = ref.ParseContentURI(raw); err != nil {
			return nil, fmt.Errorf("store: corrupt portal icon_mxc: %w", err)
		}
	}
	return portal, nil
}

// UpsertPortal inserts or fully replaces a portal record.
func (s *Store) UpsertPortal(ctx context.Context, portal *Portal) error {
	var roomID any
	if !portal.RoomID.IsZero() {
		roomID = portal.RoomID.String()
	}
	var iconMXC string
	if !portal.IconMXC.IsZero() {
		iconMXC = portal.IconMXC.String()
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO portal (`+portalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (chat_id) DO UPDATE SET
				other_user = excluded.other_user,
				mxid = excluded.mxid,
				name = excluded.name,
				icon_path = excluded.icon_path,
				icon_mxc = excluded.icon_mxc,
				encrypted = excluded.encrypted`,
			&sqlitex.ExecOptions{Args: []any{
				portal.ChatID.String(),
				portal.OtherUser,
				roomID,
				portal.Name,
				portal.IconPath,
				iconMXC,
				boolToInt(portal.Encrypted),
			}})
	})
}

func (s *Store) portalWhere(ctx context.Context, where string, args ...any) (*Portal, error) {
	var portal *Portal
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+portalColumns+" FROM portal WHERE "+where,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					portal, err = scanPortal(stmt)
					return err
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return portal, nil
}

// PortalByChatID returns the portal for a remote chat, or nil when the
// chat has never been seen.
func (s *Store) PortalByChatID(ctx context.Context, chatID ref.ChatID) (*Portal, error) {
	return s.portalWhere(ctx, "chat_id = ?", chatID.String())
}

// PortalByRoomID returns the portal backing a Matrix room, or nil.
func (s *Store) PortalByRoomID(ctx context.Context, roomID ref.RoomID) (*Portal, error) {
	return s.portalWhere(ctx, "mxid = ?", roomID.String())
}

// PortalsWithRoom returns every portal that has a Matrix room.
func (s *Store) PortalsWithRoom(ctx context.Context) ([]*Portal, error) {
	var portals []*Portal
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+portalColumns+" FROM portal WHERE mxid IS NOT NULL",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					portal, err := scanPortal(stmt)
					if err != nil {
						return err
					}
					portals = append(portals, portal)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return portals, nil
}

// DeletePortal removes a portal record. Messages, receipts, and
// reactions for the chat are removed separately by the cleanup path.
func (s *Store) DeletePortal(ctx context.Context, chatID ref.ChatID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM portal WHERE chat_id = ?",
			&sqlitex.ExecOptions{Args: []any{chatID.String()}})
	})
}
