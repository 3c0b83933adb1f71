// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ChatKind distinguishes the three remote conversation types, encoded
// in the first byte of the remote chat identifier.
type ChatKind byte

const (
	// ChatDirect is a one-on-one conversation; its chat ID doubles as
	// the other participant's user identifier.
	ChatDirect ChatKind = 'u'
	// ChatGroup is a named group conversation with a managed member list.
	ChatGroup ChatKind = 'c'
	// ChatRoom is an ad-hoc multi-user conversation.
	ChatRoom ChatKind = 'r'
)

// ChatID is a validated remote chat identifier. The remote service
// prefixes every chat ID with a byte identifying the conversation kind
// ('u' direct, 'c' group, 'r' room) followed by an opaque token.
type ChatID struct {
	id string
}

// ParseChatID validates and wraps a raw remote chat identifier.
func ParseChatID(raw string) (ChatID, error) {
	if raw == "" {
		return ChatID{}, fmt.Errorf("empty chat ID")
	}
	switch ChatKind(raw[0]) {
	case ChatDirect, ChatGroup, ChatRoom:
	default:
		return ChatID{}, fmt.Errorf("chat ID has unknown kind prefix %q: %q", raw[0], raw)
	}
	if len(raw) == 1 {
		return ChatID{}, fmt.Errorf("chat ID has no content: %q", raw)
	}
	return ChatID{id: raw}, nil
}

// MustChatID parses a chat ID and panics on failure. For tests only.
func MustChatID(raw string) ChatID {
	chatID, err := ParseChatID(raw)
	if err != nil {
		panic(err)
	}
	return chatID
}

// String returns the full chat ID string.
func (c ChatID) String() string { return c.id }

// IsZero reports whether the ChatID is the zero value.
func (c ChatID) IsZero() bool { return c.id == "" }

// Kind returns the conversation kind encoded in the ID prefix.
func (c ChatID) Kind() ChatKind { return ChatKind(c.id[0]) }

// IsDirect reports whether the chat is a one-on-one conversation.
func (c ChatID) IsDirect() bool { return !c.IsZero() && c.Kind() == ChatDirect }

// IsGroup reports whether the chat is a named group conversation.
func (c ChatID) IsGroup() bool { return !c.IsZero() && c.Kind() == ChatGroup }

// IsRoom reports whether the chat is an ad-hoc multi-user conversation.
func (c ChatID) IsRoom() bool { return !c.IsZero() && c.Kind() == ChatRoom }

// OtherUser returns the remote user ID of the non-bridge participant in
// a direct chat (the chat ID itself), or "" for multi-user chats.
func (c ChatID) OtherUser() string {
	if c.IsDirect() {
		return c.id
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (c ChatID) MarshalText() ([]byte, error) {
	return []byte(c.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
func (c *ChatID) UnmarshalText(text []byte) error {
	parsed, err := ParseChatID(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
