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

// Message maps one Matrix event to one remote message.
type Message struct {
	MXID   ref.EventID
	RoomID ref.RoomID

	// RemoteID is the remote service's message ID. Zero marks a
	// placeholder: an outgoing Matrix message whose remote echo has not
	// been observed yet.
	RemoteID int64

	ChatID     ref.ChatID
	IsOutgoing bool
}

// IsPlaceholder reports whether the remote echo is still pending.
func (m *Message) IsPlaceholder() bool {
	return m.RemoteID == 0
}

const messageColumns = "mxid, mx_room, mid, chat_id, is_outgoing"

func scanMessage(stmt *sqlite.Stmt) (*Message, error) {
	message := &Message{
		RemoteID:   stmt.ColumnInt64(2),
		IsOutgoing: stmt.ColumnInt64(4) != 0,
	}
	var err error
	if message.MXID, err = ref.ParseEventID(stmt.ColumnText(0)); err != nil {
		return nil, fmt.Errorf("store: corrupt message mxid: %w", err)
	}
	if message.RoomID, err = ref.ParseRoomID(stmt.ColumnText(1)); err != nil {
		return nil, fmt.Errorf("store: corrupt message mx_room: %w", err)
	}
	if message.ChatID, err = ref.ParseChatID(stmt.ColumnText(3)); err != nil {
		return nil, fmt.Errorf("store: corrupt message chat_id: %w", err)
	}
	return message, nil
}

// InsertMessage records a bridged message. A zero RemoteID inserts a
// placeholder. Inserting a duplicate (remote id, chat) pair fails on
// the unique constraint.
func (s *Store) InsertMessage(ctx context.Context, message *Message) error {
	var remoteID any
	if message.RemoteID != 0 {
		remoteID = message.RemoteID
	}
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO message (`+messageColumns+`) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				message.MXID.String(),
				message.RoomID.String(),
				remoteID,
				message.ChatID.String(),
				boolToInt(message.IsOutgoing),
			}})
	})
}

func (s *Store) messagesWhere(ctx context.Context, clause string, args ...any) ([]*Message, error) {
	var messages []*Message
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+messageColumns+" FROM message "+clause,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					message, err := scanMessage(stmt)
					if err != nil {
						return err
					}
					messages = append(messages, message)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MessageByRemoteID returns the bridged message for a remote ID in a
// chat, or nil when the message was never bridged.
func (s *Store) MessageByRemoteID(ctx context.Context, chatID ref.ChatID, remoteID int64) (*Message, error) {
	messages, err := s.messagesWhere(ctx, "WHERE chat_id = ? AND mid = ?", chatID.String(), remoteID)
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return messages[0], nil
}

// MessageByMXID returns the bridged message for a Matrix event, or nil.
func (s *Store) MessageByMXID(ctx context.Context, eventID ref.EventID) (*Message, error) {
	messages, err := s.messagesWhere(ctx, "WHERE mxid = ?", eventID.String())
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return messages[0], nil
}

// PlaceholderMessages returns a room's placeholders, oldest first.
func (s *Store) PlaceholderMessages(ctx context.Context, roomID ref.RoomID) ([]*Message, error) {
	return s.messagesWhere(ctx, "WHERE mx_room = ? AND mid IS NULL ORDER BY rowid", roomID.String())
}

// ResolvePlaceholder assigns a remote ID to a placeholder. Fails when
// the event is not a placeholder (already resolved, or never existed).
func (s *Store) ResolvePlaceholder(ctx context.Context, eventID ref.EventID, remoteID int64) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "UPDATE message SET mid = ? WHERE mxid = ? AND mid IS NULL",
			&sqlitex.ExecOptions{Args: []any{remoteID, eventID.String()}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("store: %s is not a pending placeholder", eventID)
		}
		return nil
	})
}

// DeletePlaceholders removes all of a room's placeholders and returns
// how many were removed.
func (s *Store) DeletePlaceholders(ctx context.Context, roomID ref.RoomID) (int, error) {
	var removed int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM message WHERE mx_room = ? AND mid IS NULL",
			&sqlitex.ExecOptions{Args: []any{roomID.String()}})
		removed = conn.Changes()
		return err
	})
	return removed, err
}

// DeleteMessage removes one bridged message record.
func (s *Store) DeleteMessage(ctx context.Context, eventID ref.EventID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM message WHERE mxid = ?",
			&sqlitex.ExecOptions{Args: []any{eventID.String()}})
	})
}

// DeleteMessagesInRoom removes all message records for a room, for
// portal cleanup.
func (s *Store) DeleteMessagesInRoom(ctx context.Context, roomID ref.RoomID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM message WHERE mx_room = ?",
			&sqlitex.ExecOptions{Args: []any{roomID.String()}})
	})
}

// MaxRemoteID returns the highest bridged remote ID in a chat, or 0
// when nothing is bridged yet.
func (s *Store) MaxRemoteID(ctx context.Context, chatID ref.ChatID) (int64, error) {
	var maxID int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COALESCE(MAX(mid), 0) FROM message WHERE chat_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{chatID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					maxID = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	return maxID, err
}

func (s *Store) maxRemoteIDs(ctx context.Context, where string) (map[string]int64, error) {
	maxIDs := make(map[string]int64)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT chat_id, MAX(mid) FROM message WHERE mid IS NOT NULL "+where+" GROUP BY chat_id",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					maxIDs[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	return maxIDs, nil
}

// MaxRemoteIDs returns the highest bridged remote ID per chat, for
// priming the subprocess's deduplication state.
func (s *Store) MaxRemoteIDs(ctx context.Context) (map[string]int64, error) {
	return s.maxRemoteIDs(ctx, "")
}

// MaxOutgoingRemoteIDs is MaxRemoteIDs restricted to outgoing messages.
func (s *Store) MaxOutgoingRemoteIDs(ctx context.Context) (map[string]int64, error) {
	return s.maxRemoteIDs(ctx, "AND is_outgoing = 1")
}

// OutgoingMessagesBetween returns a chat's outgoing messages with
// after < mid <= upTo, ordered by remote ID. This is the receipt
// accounting window.
func (s *Store) OutgoingMessagesBetween(ctx context.Context, chatID ref.ChatID, after, upTo int64) ([]*Message, error) {
	return s.messagesWhere(ctx,
		"WHERE chat_id = ? AND is_outgoing = 1 AND mid > ? AND mid <= ? ORDER BY mid",
		chatID.String(), after, upTo)
}
