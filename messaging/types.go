// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "github.com/miscworks/linebridge/lib/ref"

// Message types for m.room.message events.
const (
	MsgText   = "m.text"
	MsgNotice = "m.notice"
	MsgEmote  = "m.emote"
	MsgImage  = "m.image"
	MsgFile   = "m.file"
)

// FormatHTML is the only formatted_body format Matrix defines.
const FormatHTML = "org.matrix.custom.html"

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`

	// URL carries plaintext media; File carries encrypted media.
	// Exactly one is set for media messages.
	URL  string         `json:"url,omitempty"`
	File *EncryptedFile `json:"file,omitempty"`
	Info *ImageInfo     `json:"info,omitempty"`

	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// StickerContent is the content of an m.sticker event.
type StickerContent struct {
	Body string         `json:"body"`
	URL  string         `json:"url,omitempty"`
	File *EncryptedFile `json:"file,omitempty"`
	Info *ImageInfo     `json:"info"`
}

// ImageInfo describes media attached to a message.
type ImageInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int    `json:"size,omitempty"`
	Width    int    `json:"w,omitempty"`
	Height   int    `json:"h,omitempty"`
}

// RelatesTo expresses an event relation.
type RelatesTo struct {
	RelType   string     `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// PowerLevels is the content of an m.room.power_levels state event.
// Only the fields the bridge manages are modeled.
type PowerLevels struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  int            `json:"users_default"`
	Events        map[string]int `json:"events,omitempty"`
	EventsDefault int            `json:"events_default"`
	StateDefault  int            `json:"state_default"`
	Redact        int            `json:"redact"`
}

// CreateRoomRequest is the body of POST /createRoom.
type CreateRoomRequest struct {
	Name            string         `json:"name,omitempty"`
	Topic           string         `json:"topic,omitempty"`
	Invite          []ref.UserID   `json:"invite,omitempty"`
	Preset          string         `json:"preset,omitempty"`
	Visibility      string         `json:"visibility,omitempty"`
	IsDirect        bool           `json:"is_direct,omitempty"`
	InitialState    []StateEvent   `json:"initial_state,omitempty"`
	CreationContent map[string]any `json:"creation_content,omitempty"`
}

// StateEvent is a state event included at room creation.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// BridgeInfoSection identifies one side of a bridged channel in the
// uk.half-shot.bridge state event.
type BridgeInfoSection struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// BridgeInfoContent is the content of the uk.half-shot.bridge state
// event set in every portal room.
type BridgeInfoContent struct {
	BridgeBot ref.UserID        `json:"bridgebot"`
	Creator   ref.UserID        `json:"creator,omitempty"`
	Protocol  BridgeInfoSection `json:"protocol"`
	Channel   BridgeInfoSection `json:"channel"`
}

// EncryptionEventContent enables megolm encryption in a room.
type EncryptionEventContent struct {
	Algorithm string `json:"algorithm"`
}
