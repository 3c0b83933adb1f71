// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/identity"
	"github.com/miscworks/linebridge/store"
)

// HandleRemoteReceipt applies a live read receipt. Receipts for chats
// with no room yet are only persisted, so the replay window stays
// correct without rendering anything.
func (p *Portal) HandleRemoteReceipt(ctx context.Context, user User, receipt *control.Receipt) error {
	if p.RoomID().IsZero() {
		return p.persistReceipt(ctx, receipt)
	}
	p.backfillMu.Lock()
	defer p.backfillMu.Unlock()
	return p.applyReceipt(ctx, user, receipt)
}

// applyReceipt renders read state into the room. Direct chats get a
// native receipt from the other participant. Group chats only report a
// count: when everyone has read, every ghost emits a native receipt
// and count annotations disappear; otherwise outgoing messages in the
// newly-read window get a "(Read by N)" annotation, replacing stale
// ones.
func (p *Portal) applyReceipt(ctx context.Context, user User, receipt *control.Receipt) error {
	target, err := p.deps.Store.MessageByRemoteID(ctx, p.ChatID(), receipt.ID)
	if err != nil {
		return err
	}
	if target == nil {
		p.logger.Debug("receipt for unknown message", "remote_id", receipt.ID)
		return p.persistReceipt(ctx, receipt)
	}

	if p.ChatID().IsDirect() {
		if err := p.markReadByMID(ctx, p.ChatID().OtherUser(), target); err != nil {
			return err
		}
		return p.persistReceipt(ctx, receipt)
	}

	participants := p.remoteParticipants()
	if len(participants) > 0 && receipt.Count >= len(participants) {
		if err := p.applyFullRead(ctx, participants, target, receipt); err != nil {
			return err
		}
	} else {
		if err := p.applyPartialRead(ctx, receipt); err != nil {
			return err
		}
	}
	return p.persistReceipt(ctx, receipt)
}

func (p *Portal) persistReceipt(ctx context.Context, receipt *control.Receipt) error {
	if err := p.deps.Store.UpsertReceipt(ctx, p.ChatID(), receipt.Count, receipt.ID); err != nil {
		return fmt.Errorf("portal: persisting receipt: %w", err)
	}
	return nil
}

// remoteParticipants returns the last applied participant set minus
// the user's own-puppet identity, i.e. the readers a group receipt
// count refers to.
func (p *Portal) remoteParticipants() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	participants := make([]string, 0, len(p.participantIDs))
	for _, mid := range p.participantIDs {
		if identity.IsOwnMID(mid) {
			continue
		}
		participants = append(participants, mid)
	}
	return participants
}

func (p *Portal) markReadByMID(ctx context.Context, mid string, target *store.Message) error {
	puppet, err := p.deps.Identity.Get(ctx, mid)
	if err != nil {
		return err
	}
	if err := puppet.Intent().MarkRead(ctx, target.RoomID, target.MXID); err != nil {
		return fmt.Errorf("portal: marking %s read: %w", target.MXID, err)
	}
	return nil
}

// applyFullRead renders "everyone has read up to here": every
// participant ghost emits a native receipt on the target, and count
// annotations on the target and earlier messages are redacted, since
// native receipts now carry the state.
func (p *Portal) applyFullRead(ctx context.Context, participants []string, target *store.Message, receipt *control.Receipt) error {
	for _, mid := range participants {
		if err := p.markReadByMID(ctx, mid, target); err != nil {
			p.logger.Warn("native receipt failed", "mid", mid, "error", err)
		}
	}

	reactions, err := p.deps.Store.ReceiptReactionsInRoom(ctx, target.RoomID)
	if err != nil {
		return err
	}
	for _, reaction := range reactions {
		annotated, err := p.deps.Store.MessageByMXID(ctx, reaction.RelatesTo)
		if err != nil {
			return err
		}
		if annotated != nil && annotated.RemoteID > receipt.ID {
			continue
		}
		if reaction.NumRead > receipt.Count {
			continue
		}
		p.removeAnnotation(ctx, reaction)
	}
	return nil
}

// applyPartialRead slides the "(Read by N)" annotation for this count
// forward: the newest outgoing message covered by the receipt gets the
// annotation, and annotations on earlier messages with the same or
// lower count are removed, because reading a later message implies the
// earlier ones were read too.
func (p *Portal) applyPartialRead(ctx context.Context, receipt *control.Receipt) error {
	previousMax, err := p.deps.Store.MaxReceiptID(ctx, p.ChatID(), receipt.Count)
	if err != nil {
		return err
	}
	window, err := p.deps.Store.OutgoingMessagesBetween(ctx, p.ChatID(), previousMax, receipt.ID)
	if err != nil {
		return err
	}
	if len(window) == 0 {
		return nil
	}
	newest := window[len(window)-1]

	existing, err := p.deps.Store.ReceiptReactionByTarget(ctx, newest.MXID)
	if err != nil {
		return err
	}
	if existing == nil || existing.NumRead < receipt.Count {
		if existing != nil {
			p.removeAnnotation(ctx, existing)
		}
		annotation, err := p.deps.Matrix.Bot().SendReaction(ctx, newest.RoomID, newest.MXID,
			fmt.Sprintf("(Read by %d)", receipt.Count))
		if err != nil {
			return fmt.Errorf("portal: sending read annotation: %w", err)
		}
		err = p.deps.Store.InsertReceiptReaction(ctx, &store.ReceiptReaction{
			MXID:      annotation,
			RoomID:    newest.RoomID,
			RelatesTo: newest.MXID,
			NumRead:   receipt.Count,
		})
		if err != nil {
			return fmt.Errorf("portal: recording read annotation: %w", err)
		}
	}

	reactions, err := p.deps.Store.ReceiptReactionsInRoom(ctx, newest.RoomID)
	if err != nil {
		return err
	}
	for _, reaction := range reactions {
		annotated, err := p.deps.Store.MessageByMXID(ctx, reaction.RelatesTo)
		if err != nil {
			return err
		}
		if annotated == nil || annotated.RemoteID >= newest.RemoteID {
			continue
		}
		if reaction.NumRead > receipt.Count {
			continue
		}
		p.removeAnnotation(ctx, reaction)
	}
	return nil
}

func (p *Portal) removeAnnotation(ctx context.Context, reaction *store.ReceiptReaction) {
	if _, err := p.deps.Matrix.Bot().Redact(ctx, reaction.RoomID, reaction.MXID, ""); err != nil {
		p.logger.Warn("redacting stale annotation failed", "error", err)
	}
	if err := p.deps.Store.DeleteReceiptReaction(ctx, reaction.MXID); err != nil {
		p.logger.Warn("deleting stale annotation record failed", "error", err)
	}
}
