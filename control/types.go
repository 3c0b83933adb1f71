// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package control

import "github.com/miscworks/linebridge/lib/ref"

// PathImage locates an avatar or icon. The subprocess exposes a local
// screenshot path or a remote URL, sometimes both.
type PathImage struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

// IsZero reports whether neither location is set.
func (p *PathImage) IsZero() bool {
	return p == nil || (p.Path == "" && p.URL == "")
}

// Profile is the logged-in account's own remote profile.
type Profile struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Avatar *PathImage `json:"avatar,omitempty"`
}

// Participant is a remote user as seen in a chat's member list or the
// contact list.
type Participant struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Avatar *PathImage `json:"avatar,omitempty"`
}

// ChatListInfo is the summary row for a chat in the conversation list.
type ChatListInfo struct {
	ID          ref.ChatID `json:"id"`
	Name        string     `json:"name"`
	Icon        *PathImage `json:"icon,omitempty"`
	LastMessage string     `json:"lastMsg"`
	LastUpdated string     `json:"lastMsgDate"`
}

// ChatInfo is the full view of one chat, including its member list.
type ChatInfo struct {
	ChatListInfo
	Participants []Participant `json:"participants"`
}

// MessageImage describes an attachment on a remote message.
type MessageImage struct {
	URL        string `json:"url"`
	IsSticker  bool   `json:"is_sticker"`
	IsAnimated bool   `json:"is_animated"`
}

// MemberInfo marks messages that are really membership changes.
type MemberInfo struct {
	Joined bool `json:"joined,omitempty"`
	Left   bool `json:"left,omitempty"`
}

// Message is one remote message observed by the subprocess. IDs are
// assigned by the remote service and increase within a chat.
type Message struct {
	ID           int64         `json:"id"`
	ChatID       ref.ChatID    `json:"chat_id"`
	IsOutgoing   bool          `json:"is_outgoing"`
	Sender       *Participant  `json:"sender,omitempty"`
	Timestamp    int64         `json:"timestamp"`
	HTML         string        `json:"html,omitempty"`
	Image        *MessageImage `json:"image,omitempty"`
	ReceiptCount int           `json:"receipt_count,omitempty"`
	MemberInfo   *MemberInfo   `json:"member_info,omitempty"`
}

// Receipt reports how many participants have read a chat up to and
// including the message with ID.
type Receipt struct {
	ID     int64      `json:"id"`
	ChatID ref.ChatID `json:"chat_id"`
	Count  int        `json:"count"`
}

// ChatEvents bundles the recent history returned by a chat view.
type ChatEvents struct {
	Messages []Message `json:"messages"`
	Receipts []Receipt `json:"receipts"`
}

// StartStatus reports the subprocess state after start.
type StartStatus struct {
	Started                   bool `json:"started"`
	IsLoggedIn                bool `json:"is_logged_in"`
	IsConnected               bool `json:"is_connected"`
	IsPermanentlyDisconnected bool `json:"is_permanently_disconnected"`
}

// ImageData is decoded attachment bytes with their MIME type.
type ImageData struct {
	Mime string
	Data []byte
}
