// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseUserID(t *testing.T) {
	valid := []string{"@alice:example.com", "@line_u1234:bridge.local", "@a:b"}
	for _, raw := range valid {
		userID, err := ParseUserID(raw)
		if err != nil {
			t.Errorf("ParseUserID(%q) failed: %v", raw, err)
		}
		if userID.String() != raw {
			t.Errorf("ParseUserID(%q) round-trip mismatch: %q", raw, userID)
		}
	}

	invalid := []string{"", "alice:example.com", "@:example.com", "@alice", "@alice:"}
	for _, raw := range invalid {
		if _, err := ParseUserID(raw); err == nil {
			t.Errorf("ParseUserID(%q) unexpectedly succeeded", raw)
		}
	}
}

func TestUserIDParts(t *testing.T) {
	userID := MustUserID("@line_u42:bridge.local")
	if userID.Localpart() != "line_u42" {
		t.Errorf("unexpected localpart: %q", userID.Localpart())
	}
	if userID.ServerName() != "bridge.local" {
		t.Errorf("unexpected server name: %q", userID.ServerName())
	}
}

func TestParseRoomID(t *testing.T) {
	if _, err := ParseRoomID("!room:example.com"); err != nil {
		t.Fatalf("ParseRoomID failed: %v", err)
	}
	for _, raw := range []string{"", "room:example.com", "!:example.com", "!room", "!room:"} {
		if _, err := ParseRoomID(raw); err == nil {
			t.Errorf("ParseRoomID(%q) unexpectedly succeeded", raw)
		}
	}
}

func TestParseEventID(t *testing.T) {
	if _, err := ParseEventID("$abc123"); err != nil {
		t.Fatalf("ParseEventID failed: %v", err)
	}
	for _, raw := range []string{"", "abc", "$"} {
		if _, err := ParseEventID(raw); err == nil {
			t.Errorf("ParseEventID(%q) unexpectedly succeeded", raw)
		}
	}
}

func TestParseContentURI(t *testing.T) {
	uri, err := ParseContentURI("mxc://example.com/abc123")
	if err != nil {
		t.Fatalf("ParseContentURI failed: %v", err)
	}
	if uri.ServerName() != "example.com" {
		t.Errorf("unexpected server: %q", uri.ServerName())
	}
	if uri.MediaID() != "abc123" {
		t.Errorf("unexpected media ID: %q", uri.MediaID())
	}

	for _, raw := range []string{"", "http://example.com/a", "mxc://", "mxc://server", "mxc://server/"} {
		if _, err := ParseContentURI(raw); err == nil {
			t.Errorf("ParseContentURI(%q) unexpectedly succeeded", raw)
		}
	}
}

func TestParseChatID(t *testing.T) {
	tests := []struct {
		raw    string
		direct bool
		group  bool
		room   bool
	}{
		{"u1234abcd", true, false, false},
		{"c5678efgh", false, true, false},
		{"r9999ijkl", false, false, true},
	}
	for _, test := range tests {
		chatID, err := ParseChatID(test.raw)
		if err != nil {
			t.Fatalf("ParseChatID(%q) failed: %v", test.raw, err)
		}
		if chatID.IsDirect() != test.direct || chatID.IsGroup() != test.group || chatID.IsRoom() != test.room {
			t.Errorf("ParseChatID(%q) kind mismatch: direct=%v group=%v room=%v",
				test.raw, chatID.IsDirect(), chatID.IsGroup(), chatID.IsRoom())
		}
	}

	for _, raw := range []string{"", "x123", "u"} {
		if _, err := ParseChatID(raw); err == nil {
			t.Errorf("ParseChatID(%q) unexpectedly succeeded", raw)
		}
	}
}

func TestChatIDOtherUser(t *testing.T) {
	if other := MustChatID("u1234").OtherUser(); other != "u1234" {
		t.Errorf("direct chat other user: got %q, want u1234", other)
	}
	if other := MustChatID("c1234").OtherUser(); other != "" {
		t.Errorf("group chat other user: got %q, want empty", other)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		User  UserID     `json:"user"`
		Room  RoomID     `json:"room"`
		Event EventID    `json:"event"`
		Chat  ChatID     `json:"chat"`
		Icon  ContentURI `json:"icon"`
	}
	original := payload{
		User:  MustUserID("@a:b"),
		Room:  MustRoomID("!r:b"),
		Event: MustEventID("$e"),
		Chat:  MustChatID("u1"),
		Icon:  MustContentURI("mxc://b/m"),
	}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded payload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, original)
	}
}
