// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

// HandleMatrixMessage forwards a room message to the remote chat.
// Ghost echoes and events the bridge itself rendered (double-puppeted
// phone messages already have a record) are ignored so bridged
// messages never loop. When the remote connection is down the message
// is not forwarded and a failure notice is posted instead; no record
// is kept, so there is nothing to resolve later.
func (p *Portal) HandleMatrixMessage(ctx context.Context, user User, sender ref.UserID, eventID ref.EventID, content *messaging.MessageContent) error {
	if p.deps.Config.ParsePuppetMXID(sender) != "" {
		return nil
	}
	existing, err := p.deps.Store.MessageByMXID(ctx, eventID)
	if err != nil {
		return err
	}
	if existing != nil {
		p.logger.Debug("ignoring already bridged event", "event_id", eventID.String())
		return nil
	}
	roomID := p.RoomID()
	if roomID.IsZero() {
		return fmt.Errorf("portal: %s has no room", p.ChatID())
	}

	remote := user.Remote()
	if remote == nil {
		p.logger.Warn("dropping outgoing message, not connected", "event_id", eventID.String())
		if _, err := p.deps.Matrix.Bot().SendNotice(ctx, roomID, "⚠ Message not bridged: not connected to LINE"); err != nil {
			p.logger.Warn("sending failure notice failed", "error", err)
		}
		return nil
	}

	remoteID, err := p.forwardContent(ctx, remote, content)
	if err != nil {
		p.logger.Warn("forwarding message failed", "event_id", eventID.String(), "error", err)
		if p.deps.Config.Bridge.DeliveryErrorReports {
			if _, noticeErr := p.deps.Matrix.Bot().SendNotice(ctx, roomID, "⚠ Message delivery to LINE failed"); noticeErr != nil {
				p.logger.Warn("sending failure notice failed", "error", noticeErr)
			}
		}
		return err
	}

	record := &store.Message{
		MXID:       eventID,
		RoomID:     roomID,
		RemoteID:   remoteID,
		ChatID:     p.ChatID(),
		IsOutgoing: true,
	}
	if err := p.deps.Store.InsertMessage(ctx, record); err != nil {
		// The remote echo can race the send response and insert the
		// same remote ID first.
		p.logger.Debug("outgoing message already recorded", "remote_id", remoteID, "error", err)
	}

	if p.deps.Config.Bridge.DeliveryReceipts {
		if err := p.deps.Matrix.Bot().MarkRead(ctx, roomID, eventID); err != nil {
			p.logger.Warn("delivery receipt failed", "error", err)
		}
	}
	return nil
}

// forwardContent issues the remote send for one Matrix message.
func (p *Portal) forwardContent(ctx context.Context, remote RemoteClient, content *messaging.MessageContent) (int64, error) {
	switch content.MsgType {
	case messaging.MsgText, messaging.MsgNotice:
		return remote.Send(ctx, p.ChatID(), content.Body)
	case messaging.MsgEmote:
		return remote.Send(ctx, p.ChatID(), "/me "+content.Body)
	case messaging.MsgImage, messaging.MsgFile:
		return p.forwardFile(ctx, remote, content)
	default:
		return 0, fmt.Errorf("portal: unsupported message type %q", content.MsgType)
	}
}

// forwardFile downloads (and if needed decrypts) Matrix media, stages
// it in a temporary file, and hands the path to the subprocess.
func (p *Portal) forwardFile(ctx context.Context, remote RemoteClient, content *messaging.MessageContent) (int64, error) {
	var data []byte
	var err error
	switch {
	case content.File != nil:
		mxc, parseErr := ref.ParseContentURI(content.File.URL)
		if parseErr != nil {
			return 0, fmt.Errorf("portal: bad encrypted media URI: %w", parseErr)
		}
		ciphertext, downloadErr := p.deps.Matrix.DownloadMedia(ctx, mxc)
		if downloadErr != nil {
			return 0, downloadErr
		}
		data, err = messaging.DecryptAttachment(ciphertext, content.File)
		if err != nil {
			return 0, err
		}
	case content.URL != "":
		mxc, parseErr := ref.ParseContentURI(content.URL)
		if parseErr != nil {
			return 0, fmt.Errorf("portal: bad media URI: %w", parseErr)
		}
		data, err = p.deps.Matrix.DownloadMedia(ctx, mxc)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("portal: media message carries no content")
	}

	staged, err := os.CreateTemp("", "linebridge-upload-*"+filepath.Ext(content.Body))
	if err != nil {
		return 0, fmt.Errorf("portal: staging media: %w", err)
	}
	defer os.Remove(staged.Name())
	if _, err := staged.Write(data); err != nil {
		staged.Close()
		return 0, fmt.Errorf("portal: staging media: %w", err)
	}
	if err := staged.Close(); err != nil {
		return 0, fmt.Errorf("portal: staging media: %w", err)
	}

	return remote.SendFile(ctx, p.ChatID(), staged.Name())
}
