// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	stdhtml "html"
	"strings"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/identity"
	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/lib/richtext"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

// HandleRemoteMessage ingests one live remote message, creating the
// room first if the chat has never been seen. Ingestion is serialized
// behind any in-flight backfill so history lands before live events.
func (p *Portal) HandleRemoteMessage(ctx context.Context, user User, message *control.Message) error {
	if err := p.EnsureRoom(ctx, user); err != nil {
		return err
	}
	p.backfillMu.Lock()
	defer p.backfillMu.Unlock()
	return p.ingestMessage(ctx, user, message)
}

// ingestMessage applies one remote message to the room. The caller
// holds backfillMu. Ingestion is idempotent: a remote ID that already
// has a record is a duplicate delivery and is dropped.
func (p *Portal) ingestMessage(ctx context.Context, user User, message *control.Message) error {
	if message.MemberInfo != nil {
		return p.applyMembership(ctx, user, message)
	}
	roomID := p.RoomID()

	if message.ID != 0 {
		existing, err := p.deps.Store.MessageByRemoteID(ctx, p.ChatID(), message.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			p.logger.Debug("dropping duplicate message", "remote_id", message.ID)
			return nil
		}
	}

	intent, senderKnown, err := p.senderIntent(ctx, user, message)
	if err != nil {
		return err
	}

	if message.ID != 0 {
		resolved, err := p.resolvePlaceholder(ctx, user, message, intent, senderKnown)
		if err != nil {
			return err
		}
		if resolved {
			return p.applyCarriedReceipt(ctx, user, message)
		}
	}

	eventID, err := p.renderMessage(ctx, user, intent, message)
	if err != nil {
		return err
	}
	if eventID.IsZero() {
		return nil
	}

	record := &store.Message{
		MXID:       eventID,
		RoomID:     roomID,
		RemoteID:   message.ID,
		ChatID:     p.ChatID(),
		IsOutgoing: message.IsOutgoing,
	}
	if err := p.deps.Store.InsertMessage(ctx, record); err != nil {
		return fmt.Errorf("portal: recording message %d: %w", message.ID, err)
	}
	return p.applyCarriedReceipt(ctx, user, message)
}

// applyCarriedReceipt renders the read count the remote side attaches
// to its own outgoing messages, so reads that happened before the
// bridge observed the message are not lost.
func (p *Portal) applyCarriedReceipt(ctx context.Context, user User, message *control.Message) error {
	if !message.IsOutgoing || message.ID == 0 || message.ReceiptCount == 0 {
		return nil
	}
	return p.applyReceipt(ctx, user, &control.Receipt{
		ID:     message.ID,
		ChatID: p.ChatID(),
		Count:  message.ReceiptCount,
	})
}

// senderIntent picks the ghost that renders a remote message. Outgoing
// messages come from the user's real account when double puppeting is
// available, from their own-puppet ghost otherwise. Incoming messages
// come from the resolved sender; the bridge bot stands in when the
// remote side reported no sender at all.
func (p *Portal) senderIntent(ctx context.Context, user User, message *control.Message) (*messaging.Intent, bool, error) {
	if message.IsOutgoing {
		if double := user.DoublePuppet(); double != nil {
			return double, true, nil
		}
		own, err := p.deps.Identity.Get(ctx, identity.OwnMID(user.MXID()))
		if err != nil {
			return nil, false, err
		}
		if err := own.EnsureRegistered(ctx); err != nil {
			return nil, false, err
		}
		return own.Intent(), true, nil
	}

	if message.Sender == nil {
		return p.deps.Matrix.Bot(), false, nil
	}
	puppet, err := p.deps.Identity.ByProfile(ctx, *message.Sender)
	if err != nil {
		return nil, false, err
	}
	if remote := user.Remote(); remote != nil {
		if err := puppet.UpdateProfile(ctx, message.Sender.Name, message.Sender.Avatar, remote); err != nil {
			p.logger.Warn("sender profile update failed", "mid", puppet.MID(), "error", err)
		}
	}
	return puppet.Intent(), true, nil
}

// resolvePlaceholder attaches a confirmed remote ID to the oldest
// matching placeholder record, if one is outstanding. In multi-user
// chats a placeholder rendered before the sender was known came from
// the bridge bot; once the proper sender arrives the bot's event is
// redacted and the message re-sent from the right ghost, which the
// normal render path then records.
func (p *Portal) resolvePlaceholder(ctx context.Context, user User, message *control.Message, intent *messaging.Intent, senderKnown bool) (bool, error) {
	placeholders, err := p.deps.Store.PlaceholderMessages(ctx, p.RoomID())
	if err != nil {
		return false, err
	}
	var placeholder *store.Message
	for _, candidate := range placeholders {
		if candidate.IsOutgoing == message.IsOutgoing {
			placeholder = candidate
			break
		}
	}
	if placeholder == nil {
		return false, nil
	}

	reSend := !p.ChatID().IsDirect() && !message.IsOutgoing && senderKnown
	if !reSend {
		if err := p.deps.Store.ResolvePlaceholder(ctx, placeholder.MXID, message.ID); err != nil {
			return false, fmt.Errorf("portal: resolving placeholder %s: %w", placeholder.MXID, err)
		}
		p.logger.Debug("resolved placeholder", "event_id", placeholder.MXID.String(), "remote_id", message.ID)
		if message.Image != nil {
			if err := p.upgradePlaceholder(ctx, user, intent, placeholder, message); err != nil {
				p.logger.Warn("upgrading placeholder preview failed", "event_id", placeholder.MXID.String(), "error", err)
			}
		}
		return true, nil
	}

	if _, err := p.deps.Matrix.Bot().Redact(ctx, placeholder.RoomID, placeholder.MXID, ""); err != nil {
		p.logger.Warn("redacting preseen placeholder failed", "error", err)
	}
	if err := p.deps.Store.DeleteMessage(ctx, placeholder.MXID); err != nil {
		return false, fmt.Errorf("portal: deleting preseen placeholder: %w", err)
	}
	p.logger.Debug("re-sending preseen message from resolved sender", "remote_id", message.ID)
	return false, nil
}

// renderMessage turns a remote message into a room event and returns
// its ID. Events are stamped with the remote timestamp so backfilled
// history keeps its original times. A zero event ID with nil error
// means the message was deliberately not bridged.
func (p *Portal) renderMessage(ctx context.Context, user User, intent *messaging.Intent, message *control.Message) (ref.EventID, error) {
	roomID := p.RoomID()

	if message.Image != nil {
		return p.renderImage(ctx, user, intent, roomID, message)
	}

	runs := richtext.Parse(message.HTML, p.deps.Config.EmojiScale())
	if len(runs) == 0 {
		p.logger.Debug("dropping empty message", "remote_id", message.ID)
		return ref.EventID{}, nil
	}
	if richtext.OnlyText(runs) {
		return intent.SendMessageAt(ctx, roomID, &messaging.MessageContent{
			MsgType: messaging.MsgText,
			Body:    richtext.PlainText(runs),
		}, message.Timestamp)
	}

	formatted, err := p.renderRuns(ctx, user, runs)
	if err != nil {
		return ref.EventID{}, err
	}
	return intent.SendMessageAt(ctx, roomID, &messaging.MessageContent{
		MsgType:       messaging.MsgText,
		Body:          richtext.PlainText(runs),
		Format:        messaging.FormatHTML,
		FormattedBody: formatted,
	}, message.Timestamp)
}

// renderRuns builds the formatted body for a message with inline
// images. Standard emoji contribute their Unicode alt text directly;
// sticker-emoji are uploaded (deduplicated by their package/sticker
// ID) and inlined as emoticon images.
func (p *Portal) renderRuns(ctx context.Context, user User, runs []richtext.Run) (string, error) {
	remote := user.Remote()
	var formatted strings.Builder
	for _, run := range runs {
		if run.Image == nil {
			formatted.WriteString(strings.ReplaceAll(stdhtml.EscapeString(run.Text), "\n", "<br/>"))
			continue
		}
		if run.Image.Emoji {
			formatted.WriteString(stdhtml.EscapeString(run.Image.Alt))
			continue
		}
		if remote == nil {
			formatted.WriteString(stdhtml.EscapeString(run.Image.Alt))
			continue
		}
		mxc, _, _, err := p.uploadRemoteMedia(ctx, remote, run.Image.Source, run.Image.MediaID, false)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&formatted, `<img data-mx-emoticon src="%s" alt="%s" title="%s" height="%d"/>`,
			mxc, stdhtml.EscapeString(run.Image.Alt), stdhtml.EscapeString(run.Image.Alt), run.Image.Height)
	}
	return formatted.String(), nil
}

// renderImage bridges a remote attachment. Stickers are dropped when
// disabled, sent as native sticker events in unencrypted rooms when
// enabled, and fall back to image messages otherwise.
func (p *Portal) renderImage(ctx context.Context, user User, intent *messaging.Intent, roomID ref.RoomID, message *control.Message) (ref.EventID, error) {
	image := message.Image
	cfg := p.deps.Config.Bridge
	if image.IsSticker && !cfg.ReceiveStickers {
		p.logger.Debug("dropping sticker, receive_stickers is off")
		return ref.EventID{}, nil
	}

	content, err := p.imageContent(ctx, user, image)
	if err != nil {
		return ref.EventID{}, err
	}

	if image.IsSticker && cfg.UseStickerEvents && !p.Encrypted() {
		return intent.SendStickerAt(ctx, roomID, &messaging.StickerContent{
			Body: content.Body,
			URL:  content.URL,
			Info: content.Info,
		}, message.Timestamp)
	}
	return intent.SendMessageAt(ctx, roomID, content, message.Timestamp)
}

// imageContent uploads a remote attachment and builds the image
// message content for it.
func (p *Portal) imageContent(ctx context.Context, user User, image *control.MessageImage) (*messaging.MessageContent, error) {
	remote := user.Remote()
	if remote == nil {
		return nil, fmt.Errorf("portal: %s: not connected", p.ChatID())
	}

	encrypted := p.Encrypted()
	mxc, file, info, err := p.uploadRemoteMedia(ctx, remote, image.URL, "", encrypted)
	if err != nil {
		return nil, err
	}
	// Animated stickers are APNGs; most clients only animate them when
	// the advertised mimetype is a gif.
	if image.IsSticker && image.IsAnimated && info.MimeType == "image/png" {
		info.MimeType = "image/gif"
	}

	body := "image"
	if image.IsSticker {
		body = "sticker"
	}
	content := &messaging.MessageContent{
		MsgType: messaging.MsgImage,
		Body:    body,
		Info:    info,
	}
	if file != nil {
		content.File = file
	} else {
		content.URL = mxc.String()
	}
	return content, nil
}

// upgradePlaceholder edits a resolved placeholder whose confirmed
// message carries an attachment the preview lacked, replacing the text
// preview with the real media.
func (p *Portal) upgradePlaceholder(ctx context.Context, user User, intent *messaging.Intent, placeholder *store.Message, message *control.Message) error {
	content, err := p.imageContent(ctx, user, message.Image)
	if err != nil {
		return err
	}
	if _, err := intent.SendEdit(ctx, placeholder.RoomID, placeholder.MXID, content); err != nil {
		return err
	}
	return nil
}

// applyMembership handles a message that is really a join or leave
// notification.
func (p *Portal) applyMembership(ctx context.Context, user User, message *control.Message) error {
	if message.Sender == nil {
		p.logger.Debug("dropping membership event without sender")
		return nil
	}
	puppet, err := p.deps.Identity.ByProfile(ctx, *message.Sender)
	if err != nil {
		return err
	}
	roomID := p.RoomID()

	switch {
	case message.MemberInfo.Joined:
		if remote := user.Remote(); remote != nil {
			if err := puppet.UpdateProfile(ctx, message.Sender.Name, message.Sender.Avatar, remote); err != nil {
				p.logger.Warn("joining member profile update failed", "error", err)
			}
		}
		if err := puppet.Intent().EnsureJoined(ctx, roomID); err != nil {
			return fmt.Errorf("portal: joining %s: %w", puppet.MXID(), err)
		}
	case message.MemberInfo.Left:
		if err := p.deps.Matrix.Bot().KickUser(ctx, roomID, puppet.MXID(), "left the chat"); err != nil {
			return fmt.Errorf("portal: removing %s: %w", puppet.MXID(), err)
		}
		puppet.Intent().ForgetJoined(roomID)
		if identity.IsStrangerMID(puppet.MID()) {
			if err := p.deps.Identity.Release(ctx, puppet.MID()); err != nil {
				p.logger.Warn("releasing departed stranger failed", "error", err)
			}
		}
	}
	return nil
}
