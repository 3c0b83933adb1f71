// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/miscworks/linebridge/lib/ref"
)

// Client exposes the control channel commands as typed methods.
type Client struct {
	transport *Transport
	logger    *slog.Logger
}

// NewClient wraps a running transport.
func NewClient(transport *Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: transport, logger: logger}
}

// Close tears down the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Done is closed when the underlying transport shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

func (c *Client) request(ctx context.Context, command string, payload, result any) error {
	raw, err := c.transport.Request(ctx, command, payload)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("control: decoding %s response: %w", command, err)
	}
	return nil
}

// Register binds this channel to a bridge user before start.
func (c *Client) Register(ctx context.Context, userID ref.UserID) error {
	payload := struct {
		MXID ref.UserID `json:"mxid"`
	}{MXID: userID}
	return c.request(ctx, "register", payload, nil)
}

// Start launches the remote client session in the subprocess.
func (c *Client) Start(ctx context.Context) (*StartStatus, error) {
	var status StartStatus
	if err := c.request(ctx, "start", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Stop shuts down the remote client session.
func (c *Client) Stop(ctx context.Context) error {
	return c.request(ctx, "stop", nil, nil)
}

// Pause suspends the subprocess's own event observation so bulk
// operations see a stable view.
func (c *Client) Pause(ctx context.Context) error {
	return c.request(ctx, "pause", nil, nil)
}

// Resume restarts event observation after Pause.
func (c *Client) Resume(ctx context.Context) error {
	return c.request(ctx, "resume", nil, nil)
}

// IsConnected reports whether the remote session is currently usable.
func (c *Client) IsConnected(ctx context.Context) (bool, error) {
	var result struct {
		IsConnected bool `json:"is_connected"`
	}
	if err := c.request(ctx, "is_connected", nil, &result); err != nil {
		return false, err
	}
	return result.IsConnected, nil
}

// GetOwnProfile fetches the logged-in account's profile.
func (c *Client) GetOwnProfile(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := c.request(ctx, "get_own_profile", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetContacts fetches the account's contact list.
func (c *Client) GetContacts(ctx context.Context) ([]Participant, error) {
	var contacts []Participant
	if err := c.request(ctx, "get_contacts", nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// GetChats fetches the conversation list, most recent first.
func (c *Client) GetChats(ctx context.Context) ([]ChatListInfo, error) {
	var chats []ChatListInfo
	if err := c.request(ctx, "get_chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetChat fetches one chat's full view. forceView makes the subprocess
// bring the chat on screen even if it believes it already is, which
// also marks it read remotely.
func (c *Client) GetChat(ctx context.Context, chatID ref.ChatID, forceView bool) (*ChatInfo, error) {
	payload := struct {
		ChatID    ref.ChatID `json:"chat_id"`
		ForceView bool       `json:"force_view"`
	}{ChatID: chatID, ForceView: forceView}
	var info ChatInfo
	if err := c.request(ctx, "get_chat", payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMessages fetches the visible history of a chat.
func (c *Client) GetMessages(ctx context.Context, chatID ref.ChatID) (*ChatEvents, error) {
	payload := struct {
		ChatID ref.ChatID `json:"chat_id"`
	}{ChatID: chatID}
	var events ChatEvents
	if err := c.request(ctx, "get_messages", payload, &events); err != nil {
		return nil, err
	}
	return &events, nil
}

// ReadImage downloads a remote image through the subprocess, which
// holds the authenticated session. The subprocess answers with a data:
// URL.
func (c *Client) ReadImage(ctx context.Context, imageURL string) (*ImageData, error) {
	payload := struct {
		ImageURL string `json:"image_url"`
	}{ImageURL: imageURL}
	var dataURL string
	if err := c.request(ctx, "read_image", payload, &dataURL); err != nil {
		return nil, err
	}
	return parseDataURL(dataURL)
}

// Send forwards a text message and returns the remote message ID.
func (c *Client) Send(ctx context.Context, chatID ref.ChatID, text string) (int64, error) {
	payload := struct {
		ChatID ref.ChatID `json:"chat_id"`
		Text   string     `json:"text"`
	}{ChatID: chatID, Text: text}
	var messageID int64
	if err := c.request(ctx, "send", payload, &messageID); err != nil {
		return 0, err
	}
	return messageID, nil
}

// SendFile forwards a file from a local path and returns the remote
// message ID.
func (c *Client) SendFile(ctx context.Context, chatID ref.ChatID, filePath string) (int64, error) {
	payload := struct {
		ChatID   ref.ChatID `json:"chat_id"`
		FilePath string     `json:"file_path"`
	}{ChatID: chatID, FilePath: filePath}
	var messageID int64
	if err := c.request(ctx, "send_file", payload, &messageID); err != nil {
		return 0, err
	}
	return messageID, nil
}

// SetLastMessageIDs primes the subprocess's deduplication state with
// the highest message, own-message, and receipt IDs already handled,
// so replays after a restart are suppressed at the source.
func (c *Client) SetLastMessageIDs(ctx context.Context, messageIDs, ownMessageIDs map[string]int64, receiptIDs map[string]map[int]int64) error {
	payload := struct {
		MessageIDs    map[string]int64         `json:"msg_ids"`
		OwnMessageIDs map[string]int64         `json:"own_msg_ids"`
		ReceiptIDs    map[string]map[int]int64 `json:"rct_ids"`
	}{MessageIDs: messageIDs, OwnMessageIDs: ownMessageIDs, ReceiptIDs: receiptIDs}
	return c.request(ctx, "set_last_message_ids", payload, nil)
}

// ForgetChat removes a chat from the remote conversation list.
func (c *Client) ForgetChat(ctx context.Context, chatID ref.ChatID) error {
	payload := struct {
		ChatID ref.ChatID `json:"chat_id"`
	}{ChatID: chatID}
	return c.request(ctx, "forget_chat", payload, nil)
}

// OnMessage subscribes to new-message broadcasts. Message broadcasts
// are sequential: the handler observes them in arrival order.
func (c *Client) OnMessage(handler func(Message)) *Subscription {
	return c.transport.Subscribe("message", func(raw json.RawMessage) {
		var frame struct {
			Message Message `json:"message"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("dropping undecodable message broadcast", "error", err)
			return
		}
		handler(frame.Message)
	})
}

// OnReceipt subscribes to read-receipt broadcasts.
func (c *Client) OnReceipt(handler func(Receipt)) *Subscription {
	return c.transport.Subscribe("receipt", func(raw json.RawMessage) {
		var frame struct {
			Receipt Receipt `json:"receipt"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("dropping undecodable receipt broadcast", "error", err)
			return
		}
		handler(frame.Receipt)
	})
}

// OnLoggedOut subscribes to session-expiry broadcasts.
func (c *Client) OnLoggedOut(handler func()) *Subscription {
	return c.transport.Subscribe("logged_out", func(json.RawMessage) {
		handler()
	})
}

// Unsubscribe removes a subscription created by an On* method.
func (c *Client) Unsubscribe(subscription *Subscription) {
	c.transport.Unsubscribe(subscription)
}

// parseDataURL decodes a "data:<mime>[;base64],<payload>" URL.
func parseDataURL(dataURL string) (*ImageData, error) {
	rest, found := strings.CutPrefix(dataURL, "data:")
	if !found {
		return nil, fmt.Errorf("control: not a data URL: %.40q", dataURL)
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, fmt.Errorf("control: data URL has no payload")
	}

	mime, encoding := meta, ""
	if before, after, isEncoded := strings.Cut(meta, ";"); isEncoded {
		mime, encoding = before, after
	}

	var data []byte
	var err error
	switch encoding {
	case "base64":
		data, err = base64.StdEncoding.DecodeString(payload)
	case "":
		var decoded string
		decoded, err = url.QueryUnescape(payload)
		data = []byte(decoded)
	default:
		return nil, fmt.Errorf("control: unsupported data URL encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("control: decoding data URL payload: %w", err)
	}
	return &ImageData{Mime: mime, Data: data}, nil
}
