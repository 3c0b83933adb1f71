// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/identity"
	"github.com/miscworks/linebridge/lib/ref"
)

// Sync reconciles local state with the remote account: own profile,
// contact profiles, replay watermarks, and the most recent chats. The
// subprocess is paused for the duration so bulk reads see a stable
// view and no broadcasts interleave.
func (b *Bridge) Sync(ctx context.Context) error {
	remote := b.client()
	if remote == nil {
		return fmt.Errorf("bridge: not connected")
	}

	if err := remote.Pause(ctx); err != nil {
		return fmt.Errorf("bridge: pausing subprocess: %w", err)
	}
	defer func() {
		if err := remote.Resume(ctx); err != nil {
			b.logger.Warn("resuming subprocess failed", "error", err)
		}
	}()

	if err := b.syncOwnProfile(ctx, remote); err != nil {
		b.logger.Warn("own profile sync failed", "error", err)
	}
	if err := b.primeReplayWindows(ctx, remote); err != nil {
		return err
	}
	if err := b.syncContacts(ctx, remote); err != nil {
		b.logger.Warn("contact sync failed", "error", err)
	}
	return b.syncChats(ctx, remote)
}

// syncOwnProfile refreshes the user's own-puppet ghost from the remote
// account profile.
func (b *Bridge) syncOwnProfile(ctx context.Context, remote *control.Client) error {
	profile, err := remote.GetOwnProfile(ctx)
	if err != nil {
		return err
	}
	own, err := b.identity.Get(ctx, identity.OwnMID(b.mxid))
	if err != nil {
		return err
	}
	if err := own.EnsureRegistered(ctx); err != nil {
		return err
	}
	return own.UpdateProfile(ctx, profile.Name, profile.Avatar, remote)
}

// primeReplayWindows tells the subprocess which message and receipt IDs
// were already handled, so a restart does not replay them as live
// broadcasts.
func (b *Bridge) primeReplayWindows(ctx context.Context, remote *control.Client) error {
	messageIDs, err := b.store.MaxRemoteIDs(ctx)
	if err != nil {
		return fmt.Errorf("bridge: loading message watermarks: %w", err)
	}
	ownMessageIDs, err := b.store.MaxOutgoingRemoteIDs(ctx)
	if err != nil {
		return fmt.Errorf("bridge: loading own-message watermarks: %w", err)
	}
	receiptIDs, err := b.store.AllReceiptIDsPerCount(ctx)
	if err != nil {
		return fmt.Errorf("bridge: loading receipt watermarks: %w", err)
	}
	if err := remote.SetLastMessageIDs(ctx, messageIDs, ownMessageIDs, receiptIDs); err != nil {
		return fmt.Errorf("bridge: priming replay windows: %w", err)
	}
	return nil
}

// syncContacts refreshes puppet profiles from the contact list.
func (b *Bridge) syncContacts(ctx context.Context, remote *control.Client) error {
	contacts, err := remote.GetContacts(ctx)
	if err != nil {
		return err
	}
	for _, contact := range contacts {
		if contact.ID == "" {
			continue
		}
		puppet, err := b.identity.Get(ctx, contact.ID)
		if err != nil {
			b.logger.Warn("resolving contact puppet failed", "mid", contact.ID, "error", err)
			continue
		}
		if err := puppet.UpdateProfile(ctx, contact.Name, contact.Avatar, remote); err != nil {
			b.logger.Warn("contact profile update failed", "mid", contact.ID, "error", err)
		}
	}
	return nil
}

// syncChats refreshes the most recent conversations, newest first, up
// to the configured limit, then any already-mapped portal the list did
// not cover.
func (b *Bridge) syncChats(ctx context.Context, remote *control.Client) error {
	limit := b.cfg.Bridge.InitialConversationSync
	if limit <= 0 {
		b.logger.Debug("chat sync disabled")
		return nil
	}

	chats, err := remote.GetChats(ctx)
	if err != nil {
		return fmt.Errorf("bridge: listing chats: %w", err)
	}

	synced := make(map[ref.ChatID]bool, limit)
	for i := range chats {
		if i >= limit {
			break
		}
		info := chats[i]
		p, err := b.portals.Get(ctx, info.ID)
		if err != nil {
			b.logger.Warn("resolving portal failed", "chat_id", info.ID.String(), "error", err)
			continue
		}
		if err := p.Sync(ctx, b, &info); err != nil {
			b.logger.Warn("chat sync failed", "chat_id", info.ID.String(), "error", err)
			continue
		}
		synced[info.ID] = true
	}

	mapped, err := b.portals.LoadMapped(ctx)
	if err != nil {
		return err
	}
	for _, p := range mapped {
		if synced[p.ChatID()] {
			continue
		}
		info := control.ChatListInfo{ID: p.ChatID()}
		if err := p.Sync(ctx, b, &info); err != nil {
			b.logger.Warn("mapped portal sync failed", "chat_id", p.ChatID().String(), "error", err)
		}
	}
	b.logger.Info("chat sync finished", "listed", len(chats), "synced", len(synced))
	return nil
}
