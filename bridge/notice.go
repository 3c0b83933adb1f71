// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"

	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

// NoticeRoom returns the user's notice room, zero when none is marked
// yet.
func (b *Bridge) NoticeRoom() ref.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.noticeRoom
}

// MarkNoticeRoom records a room as the user's notice room and persists
// the choice. The first room the user invites the bot to becomes the
// notice room.
func (b *Bridge) MarkNoticeRoom(ctx context.Context, roomID ref.RoomID) error {
	b.mu.Lock()
	if !b.noticeRoom.IsZero() {
		b.mu.Unlock()
		return nil
	}
	b.noticeRoom = roomID
	b.mu.Unlock()

	if err := b.store.UpsertUser(ctx, &store.User{MXID: b.mxid, NoticeRoom: roomID}); err != nil {
		return err
	}
	b.logger.Info("notice room marked", "room_id", roomID.String())
	return nil
}

// HandleBotInvite accepts an invite to the bridge bot. A portal room
// invite is just joined; anything else becomes the notice room if none
// is marked yet.
func (b *Bridge) HandleBotInvite(ctx context.Context, roomID ref.RoomID, inviter ref.UserID) error {
	if inviter != b.mxid {
		b.logger.Warn("ignoring invite from foreign user", "inviter", inviter.String())
		return nil
	}
	if err := b.matrix.Bot().EnsureJoined(ctx, roomID); err != nil {
		return err
	}

	p, err := b.portals.ByRoomID(ctx, roomID)
	if err != nil {
		return err
	}
	if p != nil {
		return nil
	}
	if err := b.MarkNoticeRoom(ctx, roomID); err != nil {
		return err
	}
	if b.NoticeRoom() == roomID {
		b.sendNotice(ctx, "This room is now the LINE bridge notice room.")
	}
	return nil
}

// HandleMatrixMessage routes a Matrix room message into the owning
// portal. Messages in non-portal rooms are ignored.
func (b *Bridge) HandleMatrixMessage(ctx context.Context, roomID ref.RoomID, sender ref.UserID, eventID ref.EventID, content *messaging.MessageContent) error {
	if sender != b.mxid {
		return nil
	}
	p, err := b.portals.ByRoomID(ctx, roomID)
	if err != nil || p == nil {
		return err
	}
	return p.HandleMatrixMessage(ctx, b, sender, eventID, content)
}

// HandleMatrixLeave tears down a portal after the bridge user leaves
// its room.
func (b *Bridge) HandleMatrixLeave(ctx context.Context, roomID ref.RoomID, sender ref.UserID) error {
	if sender != b.mxid {
		return nil
	}
	p, err := b.portals.ByRoomID(ctx, roomID)
	if err != nil || p == nil {
		return err
	}
	return p.HandleMatrixLeave(ctx, b)
}

// sendNotice posts a markdown notice to the notice room, when one is
// marked. Notices are best effort.
func (b *Bridge) sendNotice(ctx context.Context, markdown string) {
	roomID := b.NoticeRoom()
	if roomID.IsZero() {
		b.logger.Debug("dropping bridge notice, no notice room", "notice", markdown)
		return
	}
	if _, err := b.matrix.Bot().SendMarkdownNotice(ctx, roomID, markdown); err != nil {
		b.logger.Warn("sending bridge notice failed", "error", err)
	}
}
