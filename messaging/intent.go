// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miscworks/linebridge/lib/ref"
)

// Intent performs Matrix operations as one ghost user. Send operations
// lazily register the ghost and join it to the target room. Intents are
// safe for concurrent use.
type Intent struct {
	client *Client
	userID ref.UserID

	registered atomic.Bool

	joinMu sync.Mutex
	joined map[ref.RoomID]bool
}

// UserID returns the ghost this intent acts as.
func (i *Intent) UserID() ref.UserID {
	return i.userID
}

// EnsureRegistered registers the ghost account if this intent has not
// seen it registered yet.
func (i *Intent) EnsureRegistered(ctx context.Context) error {
	if i.registered.Load() {
		return nil
	}
	if err := i.client.RegisterGhost(ctx, i.userID); err != nil {
		return err
	}
	i.registered.Store(true)
	return nil
}

// EnsureJoined joins the ghost to a room. When the room denies the
// direct join, the bridge bot invites the ghost and the join is
// retried.
func (i *Intent) EnsureJoined(ctx context.Context, roomID ref.RoomID) error {
	i.joinMu.Lock()
	alreadyJoined := i.joined[roomID]
	i.joinMu.Unlock()
	if alreadyJoined {
		return nil
	}

	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}

	err := i.join(ctx, roomID)
	if IsMatrixError(err, ErrCodeForbidden) && i.userID != i.client.botUserID {
		if inviteErr := i.client.Bot().InviteUser(ctx, roomID, i.userID); inviteErr != nil {
			return fmt.Errorf("messaging: bot-inviting %s to %s: %w", i.userID, roomID, inviteErr)
		}
		err = i.join(ctx, roomID)
	}
	if err != nil {
		return fmt.Errorf("messaging: joining %s to %s: %w", i.userID, roomID, err)
	}

	i.joinMu.Lock()
	i.joined[roomID] = true
	i.joinMu.Unlock()
	return nil
}

// ForgetJoined drops the cached join state for a room, e.g. after the
// ghost was kicked.
func (i *Intent) ForgetJoined(roomID ref.RoomID) {
	i.joinMu.Lock()
	delete(i.joined, roomID)
	i.joinMu.Unlock()
}

func (i *Intent) join(ctx context.Context, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	_, err := i.client.doRequest(ctx, http.MethodPost, path, i.userID, struct{}{})
	return err
}

// CreateRoom creates a room with the ghost as creator and returns its
// ID.
func (i *Intent) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	if err := i.EnsureRegistered(ctx); err != nil {
		return ref.RoomID{}, err
	}
	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	err := i.client.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", i.userID, request, &response)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: creating room: %w", err)
	}
	i.joinMu.Lock()
	i.joined[response.RoomID] = true
	i.joinMu.Unlock()
	return response.RoomID, nil
}

// InviteUser invites another user to a room the ghost is in.
func (i *Intent) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/invite"
	body := map[string]string{"user_id": userID.String()}
	_, err := i.client.doRequest(ctx, http.MethodPost, path, i.userID, body)
	if err != nil {
		return fmt.Errorf("messaging: inviting %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// KickUser removes another user from a room.
func (i *Intent) KickUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID, reason string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/kick"
	body := map[string]string{"user_id": userID.String(), "reason": reason}
	_, err := i.client.doRequest(ctx, http.MethodPost, path, i.userID, body)
	if err != nil {
		return fmt.Errorf("messaging: kicking %s from %s: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom makes the ghost leave a room.
func (i *Intent) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/leave"
	_, err := i.client.doRequest(ctx, http.MethodPost, path, i.userID, struct{}{})
	i.ForgetJoined(roomID)
	if err != nil {
		return fmt.Errorf("messaging: leaving %s as %s: %w", roomID, i.userID, err)
	}
	return nil
}

// SendMessage sends an m.room.message event and returns its event ID.
func (i *Intent) SendMessage(ctx context.Context, roomID ref.RoomID, content *MessageContent) (ref.EventID, error) {
	return i.SendMessageEvent(ctx, roomID, "m.room.message", content)
}

// SendMessageAt sends an m.room.message stamped with an origin
// timestamp in milliseconds, so replayed history keeps its original
// send times. A zero timestamp uses the homeserver clock.
func (i *Intent) SendMessageAt(ctx context.Context, roomID ref.RoomID, content *MessageContent, timestamp int64) (ref.EventID, error) {
	return i.sendEventAt(ctx, roomID, "m.room.message", content, timestamp)
}

// SendSticker sends an m.sticker event.
func (i *Intent) SendSticker(ctx context.Context, roomID ref.RoomID, content *StickerContent) (ref.EventID, error) {
	return i.SendMessageEvent(ctx, roomID, "m.sticker", content)
}

// SendStickerAt sends an m.sticker stamped with an origin timestamp in
// milliseconds.
func (i *Intent) SendStickerAt(ctx context.Context, roomID ref.RoomID, content *StickerContent, timestamp int64) (ref.EventID, error) {
	return i.sendEventAt(ctx, roomID, "m.sticker", content, timestamp)
}

// SendEdit replaces the content of an earlier message. The fallback
// body gets the conventional "* " prefix for clients that do not
// understand replacements.
func (i *Intent) SendEdit(ctx context.Context, roomID ref.RoomID, target ref.EventID, content *MessageContent) (ref.EventID, error) {
	edit := *content
	edit.Body = "* " + content.Body
	if edit.FormattedBody != "" {
		edit.FormattedBody = "* " + content.FormattedBody
	}
	edit.RelatesTo = &RelatesTo{RelType: "m.replace", EventID: target.String()}
	wrapped := struct {
		MessageContent
		NewContent *MessageContent `json:"m.new_content"`
	}{MessageContent: edit, NewContent: content}
	return i.SendMessageEvent(ctx, roomID, "m.room.message", wrapped)
}

// SendReaction annotates a target event with an m.reaction.
func (i *Intent) SendReaction(ctx context.Context, roomID ref.RoomID, target ref.EventID, key string) (ref.EventID, error) {
	content := map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.annotation",
			"event_id": target.String(),
			"key":      key,
		},
	}
	return i.SendMessageEvent(ctx, roomID, "m.reaction", content)
}

// SendMessageEvent sends an arbitrary timeline event.
func (i *Intent) SendMessageEvent(ctx context.Context, roomID ref.RoomID, eventType string, content any) (ref.EventID, error) {
	return i.sendEventAt(ctx, roomID, eventType, content, 0)
}

func (i *Intent) sendEventAt(ctx context.Context, roomID ref.RoomID, eventType string, content any, timestamp int64) (ref.EventID, error) {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return ref.EventID{}, err
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/send/" + url.PathEscape(eventType) + "/" + url.PathEscape(i.client.transactionID())
	if timestamp > 0 {
		path += "?ts=" + strconv.FormatInt(timestamp, 10)
	}
	var response struct {
		EventID ref.EventID `json:"event_id"`
	}
	if err := i.client.doJSON(ctx, http.MethodPut, path, i.userID, content, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: sending %s to %s: %w", eventType, roomID, err)
	}
	return response.EventID, nil
}

// SendStateEvent sets a state event in a room.
func (i *Intent) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string, content any) error {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return err
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/state/" + url.PathEscape(eventType) + "/" + url.PathEscape(stateKey)
	if err := i.client.doJSON(ctx, http.MethodPut, path, i.userID, content, nil); err != nil {
		return fmt.Errorf("messaging: setting %s state in %s: %w", eventType, roomID, err)
	}
	return nil
}

// SetPowerLevels replaces the room's m.room.power_levels state.
func (i *Intent) SetPowerLevels(ctx context.Context, roomID ref.RoomID, levels *PowerLevels) error {
	return i.SendStateEvent(ctx, roomID, "m.room.power_levels", "", levels)
}

// SetRoomName sets the room's m.room.name.
func (i *Intent) SetRoomName(ctx context.Context, roomID ref.RoomID, name string) error {
	return i.SendStateEvent(ctx, roomID, "m.room.name", "", map[string]string{"name": name})
}

// SetRoomAvatar sets the room's m.room.avatar.
func (i *Intent) SetRoomAvatar(ctx context.Context, roomID ref.RoomID, avatarURL ref.ContentURI) error {
	return i.SendStateEvent(ctx, roomID, "m.room.avatar", "", map[string]string{"url": avatarURL.String()})
}

// Redact removes an event and returns the redaction's event ID.
func (i *Intent) Redact(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, reason string) (ref.EventID, error) {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return ref.EventID{}, err
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/redact/" + url.PathEscape(eventID.String()) + "/" + url.PathEscape(i.client.transactionID())
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	var response struct {
		EventID ref.EventID `json:"event_id"`
	}
	if err := i.client.doJSON(ctx, http.MethodPut, path, i.userID, body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: redacting %s in %s: %w", eventID, roomID, err)
	}
	return response.EventID, nil
}

// SetTyping starts or stops the ghost's typing notification. timeout
// only applies when typing starts.
func (i *Intent) SetTyping(ctx context.Context, roomID ref.RoomID, typing bool, timeout time.Duration) error {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return err
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/typing/" + url.PathEscape(i.userID.String())
	body := map[string]any{"typing": typing}
	if typing {
		body["timeout"] = timeout.Milliseconds()
	}
	if _, err := i.client.doRequest(ctx, http.MethodPut, path, i.userID, body); err != nil {
		return fmt.Errorf("messaging: setting typing for %s in %s: %w", i.userID, roomID, err)
	}
	return nil
}

// MarkRead sends an m.read receipt for an event.
func (i *Intent) MarkRead(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) error {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return err
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/receipt/m.read/" + url.PathEscape(eventID.String())
	if _, err := i.client.doRequest(ctx, http.MethodPost, path, i.userID, struct{}{}); err != nil {
		return fmt.Errorf("messaging: marking %s read in %s: %w", eventID, roomID, err)
	}
	return nil
}

// SetDisplayName sets the ghost's profile display name.
func (i *Intent) SetDisplayName(ctx context.Context, displayName string) error {
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	path := "/_matrix/client/v3/profile/" + url.PathEscape(i.userID.String()) + "/displayname"
	body := map[string]string{"displayname": displayName}
	if err := i.client.doJSON(ctx, http.MethodPut, path, i.userID, body, nil); err != nil {
		return fmt.Errorf("messaging: setting display name for %s: %w", i.userID, err)
	}
	return nil
}

// SetAvatarURL sets the ghost's profile avatar.
func (i *Intent) SetAvatarURL(ctx context.Context, avatarURL ref.ContentURI) error {
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	path := "/_matrix/client/v3/profile/" + url.PathEscape(i.userID.String()) + "/avatar_url"
	body := map[string]string{"avatar_url": avatarURL.String()}
	if err := i.client.doJSON(ctx, http.MethodPut, path, i.userID, body, nil); err != nil {
		return fmt.Errorf("messaging: setting avatar for %s: %w", i.userID, err)
	}
	return nil
}
