// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"slices"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/identity"
)

// syncParticipants reconciles the room's ghost membership with the
// remote member list. The set comparison short-circuits when nothing
// changed, which is the common case on every sync pass. Ghosts no
// longer present are kicked, except the user's own puppet, which only
// leaves when the configuration disallows it in direct chats.
func (p *Portal) syncParticipants(ctx context.Context, user User, participants []control.Participant) error {
	roomID := p.RoomID()
	if roomID.IsZero() {
		return nil
	}

	puppets := make([]*identity.Puppet, 0, len(participants))
	currentIDs := make([]string, 0, len(participants))
	for i := range participants {
		puppet, err := p.deps.Identity.ByProfile(ctx, participants[i])
		if err != nil {
			return fmt.Errorf("portal: resolving participant: %w", err)
		}
		puppets = append(puppets, puppet)
		currentIDs = append(currentIDs, puppet.MID())
	}
	slices.Sort(currentIDs)

	p.mu.Lock()
	unchanged := slices.Equal(p.participantIDs, currentIDs)
	p.mu.Unlock()
	if unchanged {
		return nil
	}
	p.logger.Debug("participant set changed", "count", len(currentIDs))

	remote := user.Remote()
	for i, puppet := range puppets {
		if remote != nil {
			if err := puppet.UpdateProfile(ctx, participants[i].Name, participants[i].Avatar, remote); err != nil {
				p.logger.Warn("participant profile update failed", "mid", puppet.MID(), "error", err)
			}
		}
		if err := puppet.Intent().EnsureJoined(ctx, roomID); err != nil {
			p.logger.Warn("joining participant failed", "mid", puppet.MID(), "error", err)
		}
	}

	if err := p.removeDepartedGhosts(ctx, currentIDs); err != nil {
		p.logger.Warn("removing departed ghosts failed", "error", err)
	}

	p.mu.Lock()
	p.participantIDs = currentIDs
	p.mu.Unlock()
	return nil
}

// removeDepartedGhosts kicks ghosts that are joined to the room but no
// longer in the remote member list.
func (p *Portal) removeDepartedGhosts(ctx context.Context, currentIDs []string) error {
	roomID := p.RoomID()
	members, err := p.deps.Matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		return err
	}
	for _, member := range members {
		mid := p.deps.Config.ParsePuppetMXID(member)
		if mid == "" {
			continue
		}
		if slices.Contains(currentIDs, mid) {
			continue
		}
		if identity.IsOwnMID(mid) && p.deps.Config.Bridge.InviteOwnPuppetToPM {
			continue
		}
		if err := p.deps.Matrix.Bot().KickUser(ctx, roomID, member, "no longer in the chat"); err != nil {
			p.logger.Warn("kicking departed ghost failed", "ghost", member.String(), "error", err)
			continue
		}
		p.deps.Matrix.Intent(member).ForgetJoined(roomID)
		if identity.IsStrangerMID(mid) {
			if err := p.deps.Identity.Release(ctx, mid); err != nil {
				p.logger.Warn("releasing departed stranger failed", "error", err)
			}
		}
	}
	return nil
}
