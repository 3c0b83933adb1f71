// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/identity"
	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

// Portal maps one remote chat to one Matrix room.
type Portal struct {
	deps     Deps
	registry *Registry
	logger   *slog.Logger

	// createMu collapses concurrent room-creation triggers into one
	// attempt.
	createMu sync.Mutex

	// backfillMu serializes history replay against live events for
	// this chat. It is held across room creation and the initial
	// backfill so live events arriving in the gap queue behind them.
	backfillMu sync.Mutex

	mu             sync.Mutex
	record         store.Portal
	participantIDs []string
}

// ChatID returns the remote chat this portal mirrors.
func (p *Portal) ChatID() ref.ChatID {
	return p.record.ChatID
}

// RoomID returns the mapped Matrix room, zero while unmapped.
func (p *Portal) RoomID() ref.RoomID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.RoomID
}

// Encrypted reports whether the mapped room carries attachment
// encryption.
func (p *Portal) Encrypted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Encrypted
}

func (p *Portal) persist(ctx context.Context) error {
	p.mu.Lock()
	record := p.record
	p.mu.Unlock()
	if err := p.deps.Store.UpsertPortal(ctx, &record); err != nil {
		return fmt.Errorf("portal: persisting %s: %w", record.ChatID, err)
	}
	return nil
}

// EnsureRoom creates the Matrix room for this chat if it does not
// exist yet, fetching chat metadata from the remote side, syncing
// participants, and replaying history. A failure to obtain a room ID
// is fatal to the triggering operation.
func (p *Portal) EnsureRoom(ctx context.Context, user User) error {
	p.createMu.Lock()
	defer p.createMu.Unlock()
	if !p.RoomID().IsZero() {
		return nil
	}

	remote := user.Remote()
	if remote == nil {
		return fmt.Errorf("portal: %s: not connected", p.ChatID())
	}
	info, err := remote.GetChat(ctx, p.ChatID(), true)
	if err != nil {
		return fmt.Errorf("portal: fetching chat %s: %w", p.ChatID(), err)
	}

	p.backfillMu.Lock()
	defer p.backfillMu.Unlock()

	roomID, err := p.createRoom(ctx, user, info)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.record.RoomID = roomID
	p.record.Name = info.Name
	p.record.Encrypted = p.deps.Config.Bridge.EncryptionDefault
	p.mu.Unlock()
	if err := p.persist(ctx); err != nil {
		return err
	}
	p.registry.indexRoom(p, roomID)
	p.logger.Info("created portal room", "room_id", roomID.String())

	if err := p.setBridgeInfo(ctx, roomID); err != nil {
		p.logger.Warn("setting bridge info failed", "error", err)
	}
	if err := p.syncParticipants(ctx, user, info.Participants); err != nil {
		p.logger.Warn("initial participant sync failed", "error", err)
	}
	if err := p.updateIcon(ctx, user, info.Icon); err != nil {
		p.logger.Warn("setting room icon failed", "error", err)
	}
	if err := p.backfillLocked(ctx, user); err != nil {
		p.logger.Warn("initial backfill failed", "error", err)
	}
	return nil
}

// createRoom issues the createRoom call. Direct chats are created by
// the other participant's ghost so clients render them as DMs; group
// chats are created by the bridge bot.
func (p *Portal) createRoom(ctx context.Context, user User, info *control.ChatInfo) (ref.RoomID, error) {
	chatID := p.ChatID()
	cfg := p.deps.Config

	creator := p.deps.Matrix.Bot()
	invites := []ref.UserID{user.MXID()}
	request := messaging.CreateRoomRequest{
		Visibility: "private",
		Preset:     "private_chat",
	}

	if chatID.IsDirect() {
		puppet, err := p.deps.Identity.Get(ctx, chatID.OtherUser())
		if err != nil {
			return ref.RoomID{}, err
		}
		if err := puppet.EnsureRegistered(ctx); err != nil {
			return ref.RoomID{}, err
		}
		creator = puppet.Intent()
		request.IsDirect = true
		request.Invite = append(invites, p.deps.Matrix.Bot().UserID())
		if cfg.Bridge.InviteOwnPuppetToPM {
			own, err := p.deps.Identity.Get(ctx, identity.OwnMID(user.MXID()))
			if err != nil {
				return ref.RoomID{}, err
			}
			request.Invite = append(request.Invite, own.MXID())
		}
		if cfg.Bridge.PrivateChatPortalMeta {
			request.Name = info.Name
		}
	} else {
		request.Name = info.Name
		request.Invite = invites
	}

	if cfg.Bridge.EncryptionDefault {
		request.InitialState = append(request.InitialState, messaging.StateEvent{
			Type:    "m.room.encryption",
			Content: messaging.EncryptionEventContent{Algorithm: "m.megolm.v1.aes-sha2"},
		})
	}

	roomID, err := creator.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("portal: creating room for %s: %w", chatID, err)
	}
	return roomID, nil
}

// setBridgeInfo publishes the uk.half-shot.bridge state event so
// clients can identify the room as bridged.
func (p *Portal) setBridgeInfo(ctx context.Context, roomID ref.RoomID) error {
	chatID := p.ChatID()
	content := messaging.BridgeInfoContent{
		BridgeBot: p.deps.Matrix.Bot().UserID(),
		Creator:   p.deps.Matrix.Bot().UserID(),
		Protocol: messaging.BridgeInfoSection{
			ID:          "line",
			DisplayName: "LINE",
			AvatarURL:   p.deps.Config.Appservice.BotAvatar,
		},
		Channel: messaging.BridgeInfoSection{
			ID:          chatID.String(),
			DisplayName: p.record.Name,
		},
	}
	stateKey := "net.miscworks.linebridge://line/" + chatID.String()
	return p.deps.Matrix.Bot().SendStateEvent(ctx, roomID, "uk.half-shot.bridge", stateKey, content)
}

// Sync refreshes a mapped portal from a conversation-list row: room
// metadata, participants, and any history missed while disconnected.
func (p *Portal) Sync(ctx context.Context, user User, info *control.ChatListInfo) error {
	if err := p.EnsureRoom(ctx, user); err != nil {
		return err
	}

	if err := p.UpdateName(ctx, user, info.Name); err != nil {
		p.logger.Warn("updating room name failed", "error", err)
	}
	if err := p.updateIcon(ctx, user, info.Icon); err != nil {
		p.logger.Warn("updating room icon failed", "error", err)
	}

	remote := user.Remote()
	if remote == nil {
		return fmt.Errorf("portal: %s: not connected", p.ChatID())
	}
	chat, err := remote.GetChat(ctx, p.ChatID(), false)
	if err != nil {
		return fmt.Errorf("portal: fetching chat %s: %w", p.ChatID(), err)
	}
	if err := p.syncParticipants(ctx, user, chat.Participants); err != nil {
		p.logger.Warn("participant sync failed", "error", err)
	}

	p.backfillMu.Lock()
	defer p.backfillMu.Unlock()
	return p.backfillLocked(ctx, user)
}

// UpdateName renames the room when the remote chat name changed.
// Direct chats keep the ghost's profile name unless configured
// otherwise.
func (p *Portal) UpdateName(ctx context.Context, user User, name string) error {
	if name == "" {
		return nil
	}
	if p.ChatID().IsDirect() && !p.deps.Config.Bridge.PrivateChatPortalMeta {
		return nil
	}

	p.mu.Lock()
	unchanged := p.record.Name == name
	roomID := p.record.RoomID
	p.mu.Unlock()
	if unchanged || roomID.IsZero() {
		return nil
	}

	if err := p.deps.Matrix.Bot().SetRoomName(ctx, roomID, name); err != nil {
		return fmt.Errorf("portal: renaming %s: %w", p.ChatID(), err)
	}
	p.mu.Lock()
	p.record.Name = name
	p.mu.Unlock()
	return p.persist(ctx)
}

// updateIcon applies a changed chat icon as the room avatar.
func (p *Portal) updateIcon(ctx context.Context, user User, icon *control.PathImage) error {
	if icon.IsZero() {
		return nil
	}
	if p.ChatID().IsDirect() && !p.deps.Config.Bridge.PrivateChatPortalMeta {
		return nil
	}

	location := icon.URL
	if location == "" {
		location = icon.Path
	}
	p.mu.Lock()
	unchanged := p.record.IconPath == location
	roomID := p.record.RoomID
	p.mu.Unlock()
	if unchanged || roomID.IsZero() {
		return nil
	}

	remote := user.Remote()
	if remote == nil {
		return fmt.Errorf("portal: %s: not connected", p.ChatID())
	}
	mxc, _, _, err := p.uploadRemoteMedia(ctx, remote, location, "", false)
	if err != nil {
		return err
	}
	if err := p.deps.Matrix.Bot().SetRoomAvatar(ctx, roomID, mxc); err != nil {
		return fmt.Errorf("portal: setting avatar for %s: %w", p.ChatID(), err)
	}

	p.mu.Lock()
	p.record.IconPath = location
	p.record.IconMXC = mxc
	p.mu.Unlock()
	return p.persist(ctx)
}

// backfillLocked replays remote history newer than the highest known
// remote ID. The caller holds backfillMu. Push notifications are
// suppressed for the replay window when configured, and placeholders
// left unresolved from earlier passes are purged at the end.
func (p *Portal) backfillLocked(ctx context.Context, user User) error {
	remote := user.Remote()
	if remote == nil {
		return fmt.Errorf("portal: %s: not connected", p.ChatID())
	}
	roomID := p.RoomID()

	if p.deps.Config.Bridge.DisableBackfillNotifications {
		if err := p.deps.Matrix.DisableNotifications(ctx, user.MXID(), roomID); err != nil {
			p.logger.Warn("disabling backfill notifications failed", "error", err)
		} else {
			defer func() {
				if err := p.deps.Matrix.EnableNotifications(ctx, user.MXID(), roomID); err != nil {
					p.logger.Warn("re-enabling notifications failed", "error", err)
				}
			}()
		}
	}

	stale, err := p.deps.Store.PlaceholderMessages(ctx, roomID)
	if err != nil {
		return fmt.Errorf("portal: listing placeholders for %s: %w", p.ChatID(), err)
	}

	events, err := remote.GetMessages(ctx, p.ChatID())
	if err != nil {
		return fmt.Errorf("portal: fetching history for %s: %w", p.ChatID(), err)
	}
	maxKnown, err := p.deps.Store.MaxRemoteID(ctx, p.ChatID())
	if err != nil {
		return err
	}

	for i := range events.Messages {
		message := &events.Messages[i]
		if message.ID != 0 && message.ID <= maxKnown {
			continue
		}
		if err := p.ingestMessage(ctx, user, message); err != nil {
			p.logger.Warn("backfill message failed", "remote_id", message.ID, "error", err)
		}
	}
	for i := range events.Receipts {
		if err := p.applyReceipt(ctx, user, &events.Receipts[i]); err != nil {
			p.logger.Warn("backfill receipt failed", "remote_id", events.Receipts[i].ID, "error", err)
		}
	}

	p.purgeStalePlaceholders(ctx, stale)
	return nil
}

// purgeStalePlaceholders removes placeholder records from earlier
// passes that the history replay did not resolve. The rendered events
// are redacted so the room does not keep messages the remote side
// never acknowledged.
func (p *Portal) purgeStalePlaceholders(ctx context.Context, stale []*store.Message) {
	for _, placeholder := range stale {
		current, err := p.deps.Store.MessageByMXID(ctx, placeholder.MXID)
		if err != nil || current == nil || !current.IsPlaceholder() {
			continue
		}
		p.logger.Warn("purging unresolved placeholder", "event_id", placeholder.MXID.String())
		if _, err := p.deps.Matrix.Bot().Redact(ctx, placeholder.RoomID, placeholder.MXID, "message not confirmed"); err != nil {
			p.logger.Warn("redacting stale placeholder failed", "error", err)
		}
		if err := p.deps.Store.DeleteMessage(ctx, placeholder.MXID); err != nil {
			p.logger.Warn("deleting stale placeholder failed", "error", err)
		}
	}
}

// HandleMatrixLeave tears the portal down after the bridge user left
// the room: the remote chat is forgotten, ghosts leave, local state is
// wiped, and the portal is removed from the registry.
func (p *Portal) HandleMatrixLeave(ctx context.Context, user User) error {
	roomID := p.RoomID()
	p.logger.Info("bridge user left, cleaning up portal", "room_id", roomID.String())

	if remote := user.Remote(); remote != nil {
		if err := remote.ForgetChat(ctx, p.ChatID()); err != nil {
			p.logger.Warn("forget_chat failed", "error", err)
		}
	}

	if !roomID.IsZero() {
		members, err := p.deps.Matrix.JoinedMembers(ctx, roomID)
		if err != nil {
			p.logger.Warn("listing members for cleanup failed", "error", err)
		}
		for _, member := range members {
			mid := p.deps.Config.ParsePuppetMXID(member)
			if mid == "" {
				continue
			}
			if err := p.deps.Matrix.Intent(member).LeaveRoom(ctx, roomID); err != nil {
				p.logger.Warn("ghost leave failed", "ghost", member.String(), "error", err)
			}
			if identity.IsStrangerMID(mid) {
				if err := p.deps.Identity.Release(ctx, mid); err != nil {
					p.logger.Warn("releasing stranger failed", "error", err)
				}
			}
		}
		if err := p.deps.Store.DeleteMessagesInRoom(ctx, roomID); err != nil {
			return fmt.Errorf("portal: wiping messages for %s: %w", p.ChatID(), err)
		}
		if err := p.deps.Store.DeleteReceiptReactionsInRoom(ctx, roomID); err != nil {
			return fmt.Errorf("portal: wiping reactions for %s: %w", p.ChatID(), err)
		}
	}
	if err := p.deps.Store.DeleteReceipts(ctx, p.ChatID()); err != nil {
		return fmt.Errorf("portal: wiping receipts for %s: %w", p.ChatID(), err)
	}
	if err := p.deps.Store.DeletePortal(ctx, p.ChatID()); err != nil {
		return fmt.Errorf("portal: deleting %s: %w", p.ChatID(), err)
	}
	p.registry.remove(p, roomID)
	return nil
}
