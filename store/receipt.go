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

// ReceiptReaction is a "(Read by N)" annotation the bridge bot placed
// on an outgoing message in a group chat.
type ReceiptReaction struct {
	// MXID is the reaction event itself.
	MXID   ref.EventID
	RoomID ref.RoomID
	// RelatesTo is the annotated message event.
	RelatesTo ref.EventID
	// NumRead is the read count the reaction displays.
	NumRead int
}

// UpsertReceipt records that the message with remoteID has been read
// by numRead participants, keeping the highest remote ID per count and
// pruning rows made redundant by the new high-water mark: any count
// lower than numRead on an earlier message is implied by this receipt.
func (s *Store) UpsertReceipt(ctx context.Context, chatID ref.ChatID, numRead int, remoteID int64) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO receipt (chat_id, num_read, mid) VALUES (?, ?, ?)
			ON CONFLICT (chat_id, num_read) DO UPDATE SET mid = excluded.mid
			WHERE excluded.mid > receipt.mid`,
			&sqlitex.ExecOptions{Args: []any{chatID.String(), numRead, remoteID}})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			"DELETE FROM receipt WHERE chat_id = ? AND mid < ? AND num_read < ?",
			&sqlitex.ExecOptions{Args: []any{chatID.String(), remoteID, numRead}})
	})
}

// MaxReceiptID returns the highest remote ID recorded for exactly
// numRead readers in a chat, or 0.
func (s *Store) MaxReceiptID(ctx context.Context, chatID ref.ChatID, numRead int) (int64, error) {
	var maxID int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT COALESCE(MAX(mid), 0) FROM receipt WHERE chat_id = ? AND num_read = ?",
			&sqlitex.ExecOptions{
				Args: []any{chatID.String(), numRead},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					maxID = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	return maxID, err
}

// ReceiptIDsPerCount returns a chat's receipt high-water marks keyed by
// read count.
func (s *Store) ReceiptIDsPerCount(ctx context.Context, chatID ref.ChatID) (map[int]int64, error) {
	perCount := make(map[int]int64)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT num_read, mid FROM receipt WHERE chat_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{chatID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					perCount[int(stmt.ColumnInt64(0))] = stmt.ColumnInt64(1)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return perCount, nil
}

// AllReceiptIDsPerCount returns receipt high-water marks for every
// chat, for priming the subprocess after a restart.
func (s *Store) AllReceiptIDsPerCount(ctx context.Context) (map[string]map[int]int64, error) {
	all := make(map[string]map[int]int64)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT chat_id, num_read, mid FROM receipt",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					chatID := stmt.ColumnText(0)
					if all[chatID] == nil {
						all[chatID] = make(map[int]int64)
					}
					all[chatID][int(stmt.ColumnInt64(1))] = stmt.ColumnInt64(2)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// DeleteReceipts removes a chat's receipt rows, for portal cleanup.
func (s *Store) DeleteReceipts(ctx context.Context, chatID ref.ChatID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM receipt WHERE chat_id = ?",
			&sqlitex.ExecOptions{Args: []any{chatID.String()}})
	})
}

// InsertReceiptReaction records a read-count annotation. Each message
// carries at most one; replacing it means deleting the old row first.
func (s *Store) InsertReceiptReaction(ctx context.Context, reaction *ReceiptReaction) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO receipt_reaction (mxid, mx_room, relates_to, num_read)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				reaction.MXID.String(),
				reaction.RoomID.String(),
				reaction.RelatesTo.String(),
				reaction.NumRead,
			}})
	})
}

func scanReceiptReaction(stmt *sqlite.Stmt) (*ReceiptReaction, error) {
	reaction := &ReceiptReaction{NumRead: int(stmt.ColumnInt64(3))}
	var err error
	if reaction.MXID, err = ref.ParseEventID(stmt.ColumnText(0)); err != nil {
		return nil, fmt.Errorf("store: corrupt reaction mxid: %w", err)
	}
	if reaction.RoomID, err = ref.ParseRoomID(stmt.ColumnText(1)); err != nil {
		return nil, fmt.Errorf("store: corrupt reaction mx_room: %w", err)
	}
	if reaction.RelatesTo, err = ref.ParseEventID(stmt.ColumnText(2)); err != nil {
		return nil, fmt.Errorf("store: corrupt reaction relates_to: %w", err)
	}
	return reaction, nil
}

// ReceiptReactionByTarget returns the annotation on a message event,
// or nil.
func (s *Store) ReceiptReactionByTarget(ctx context.Context, target ref.EventID) (*ReceiptReaction, error) {
	var reaction *ReceiptReaction
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT mxid, mx_room, relates_to, num_read FROM receipt_reaction WHERE relates_to = ?",
			&sqlitex.ExecOptions{
				Args: []any{target.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					reaction, err = scanReceiptReaction(stmt)
					return err
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return reaction, nil
}

// DeleteReceiptReaction removes one annotation record.
func (s *Store) DeleteReceiptReaction(ctx context.Context, mxid ref.EventID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM receipt_reaction WHERE mxid = ?",
			&sqlitex.ExecOptions{Args: []any{mxid.String()}})
	})
}

// ReceiptReactionsInRoom returns all annotation records in a room.
func (s *Store) ReceiptReactionsInRoom(ctx context.Context, roomID ref.RoomID) ([]*ReceiptReaction, error) {
	var reactions []*ReceiptReaction
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT mxid, mx_room, relates_to, num_read FROM receipt_reaction WHERE mx_room = ?",
			&sqlitex.ExecOptions{
				Args: []any{roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					reaction, err := scanReceiptReaction(stmt)
					if err != nil {
						return err
					}
					reactions = append(reactions, reaction)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

// DeleteReceiptReactionsInRoom removes all annotation records in a
// room, for portal cleanup.
func (s *Store) DeleteReceiptReactionsInRoom(ctx context.Context, roomID ref.RoomID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM receipt_reaction WHERE mx_room = ?",
			&sqlitex.ExecOptions{Args: []any{roomID.String()}})
	})
}
