// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/lib/sealed"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "bridge.db"),
		PoolSize: 2,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func TestPortalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	portal := &Portal{
		ChatID:    ref.MustChatID("c1234"),
		Name:      "Friends",
		IconPath:  "/icons/abc.png",
		Encrypted: true,
	}
	if err := s.UpsertPortal(ctx, portal); err != nil {
		t.Fatalf("UpsertPortal failed: %v", err)
	}

	loaded, err := s.PortalByChatID(ctx, portal.ChatID)
	if err != nil {
		t.Fatalf("PortalByChatID failed: %v", err)
	}
	if loaded == nil || loaded.Name != "Friends" || !loaded.Encrypted || !loaded.RoomID.IsZero() {
		t.Fatalf("unexpected portal: %+v", loaded)
	}

	// A second room-less portal must not collide on the NULL mxid.
	if err := s.UpsertPortal(ctx, &Portal{ChatID: ref.MustChatID("u5678"), OtherUser: "u5678"}); err != nil {
		t.Fatalf("second room-less portal failed: %v", err)
	}

	portal.RoomID = ref.MustRoomID("!friends:example.com")
	if err := s.UpsertPortal(ctx, portal); err != nil {
		t.Fatalf("UpsertPortal with room failed: %v", err)
	}
	byRoom, err := s.PortalByRoomID(ctx, portal.RoomID)
	if err != nil || byRoom == nil || byRoom.ChatID != portal.ChatID {
		t.Fatalf("PortalByRoomID: %+v, %v", byRoom, err)
	}

	withRoom, err := s.PortalsWithRoom(ctx)
	if err != nil || len(withRoom) != 1 {
		t.Fatalf("PortalsWithRoom: %d portals, %v", len(withRoom), err)
	}

	if err := s.DeletePortal(ctx, portal.ChatID); err != nil {
		t.Fatalf("DeletePortal failed: %v", err)
	}
	if gone, _ := s.PortalByChatID(ctx, portal.ChatID); gone != nil {
		t.Error("portal survived deletion")
	}
}

func TestMessageDeduplication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chatID := ref.MustChatID("c1")
	roomID := ref.MustRoomID("!r:example.com")

	first := &Message{MXID: ref.MustEventID("$m1"), RoomID: roomID, RemoteID: 10, ChatID: chatID}
	if err := s.InsertMessage(ctx, first); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	// The same remote message can never be bridged twice.
	duplicate := &Message{MXID: ref.MustEventID("$m2"), RoomID: roomID, RemoteID: 10, ChatID: chatID}
	if err := s.InsertMessage(ctx, duplicate); err == nil {
		t.Fatal("duplicate (remote id, chat) insert succeeded")
	}

	loaded, err := s.MessageByRemoteID(ctx, chatID, 10)
	if err != nil || loaded == nil || loaded.MXID != first.MXID {
		t.Fatalf("MessageByRemoteID: %+v, %v", loaded, err)
	}
	if missing, _ := s.MessageByRemoteID(ctx, chatID, 11); missing != nil {
		t.Error("lookup of unbridged remote ID returned a message")
	}
}

func TestPlaceholderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chatID := ref.MustChatID("c1")
	roomID := ref.MustRoomID("!r:example.com")

	// Two outstanding placeholders in send order.
	for _, eventID := range []string{"$out1", "$out2"} {
		message := &Message{MXID: ref.MustEventID(eventID), RoomID: roomID, ChatID: chatID, IsOutgoing: true}
		if err := s.InsertMessage(ctx, message); err != nil {
			t.Fatalf("placeholder insert %s failed: %v", eventID, err)
		}
	}

	pending, err := s.PlaceholderMessages(ctx, roomID)
	if err != nil || len(pending) != 2 {
		t.Fatalf("PlaceholderMessages: %d, %v", len(pending), err)
	}
	if pending[0].MXID.String() != "$out1" {
		t.Fatalf("placeholders not oldest-first: %+v", pending[0])
	}

	if err := s.ResolvePlaceholder(ctx, pending[0].MXID, 20); err != nil {
		t.Fatalf("ResolvePlaceholder failed: %v", err)
	}
	// Resolving the same event again must fail: it is no longer pending.
	if err := s.ResolvePlaceholder(ctx, pending[0].MXID, 21); err == nil {
		t.Fatal("re-resolving a placeholder succeeded")
	}

	resolved, err := s.MessageByRemoteID(ctx, chatID, 20)
	if err != nil || resolved == nil || !resolved.IsOutgoing {
		t.Fatalf("resolved message lookup: %+v, %v", resolved, err)
	}

	removed, err := s.DeletePlaceholders(ctx, roomID)
	if err != nil || removed != 1 {
		t.Fatalf("DeletePlaceholders removed %d, %v", removed, err)
	}
}

func TestMaxRemoteIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := ref.MustRoomID("!r:example.com")

	inserts := []Message{
		{MXID: ref.MustEventID("$a"), RoomID: roomID, RemoteID: 5, ChatID: ref.MustChatID("c1")},
		{MXID: ref.MustEventID("$b"), RoomID: roomID, RemoteID: 9, ChatID: ref.MustChatID("c1"), IsOutgoing: true},
		{MXID: ref.MustEventID("$c"), RoomID: roomID, RemoteID: 3, ChatID: ref.MustChatID("u2")},
	}
	for i := range inserts {
		if err := s.InsertMessage(ctx, &inserts[i]); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	maxID, err := s.MaxRemoteID(ctx, ref.MustChatID("c1"))
	if err != nil || maxID != 9 {
		t.Errorf("MaxRemoteID: %d, %v", maxID, err)
	}

	all, err := s.MaxRemoteIDs(ctx)
	if err != nil || all["c1"] != 9 || all["u2"] != 3 {
		t.Errorf("MaxRemoteIDs: %v, %v", all, err)
	}

	outgoing, err := s.MaxOutgoingRemoteIDs(ctx)
	if err != nil || outgoing["c1"] != 9 || len(outgoing) != 1 {
		t.Errorf("MaxOutgoingRemoteIDs: %v, %v", outgoing, err)
	}

	window, err := s.OutgoingMessagesBetween(ctx, ref.MustChatID("c1"), 5, 9)
	if err != nil || len(window) != 1 || window[0].RemoteID != 9 {
		t.Errorf("OutgoingMessagesBetween: %+v, %v", window, err)
	}
}

func TestReceiptUpsertAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chatID := ref.MustChatID("c1")

	if err := s.UpsertReceipt(ctx, chatID, 1, 5); err != nil {
		t.Fatalf("UpsertReceipt failed: %v", err)
	}
	// A receipt for more readers on a later message subsumes the older
	// row with fewer readers.
	if err := s.UpsertReceipt(ctx, chatID, 2, 7); err != nil {
		t.Fatalf("UpsertReceipt failed: %v", err)
	}

	perCount, err := s.ReceiptIDsPerCount(ctx, chatID)
	if err != nil {
		t.Fatalf("ReceiptIDsPerCount failed: %v", err)
	}
	if len(perCount) != 1 || perCount[2] != 7 {
		t.Errorf("stale receipt row not pruned: %v", perCount)
	}

	// A lower remote ID for an existing count must not regress the
	// high-water mark.
	if err := s.UpsertReceipt(ctx, chatID, 2, 6); err != nil {
		t.Fatalf("UpsertReceipt failed: %v", err)
	}
	maxID, err := s.MaxReceiptID(ctx, chatID, 2)
	if err != nil || maxID != 7 {
		t.Errorf("MaxReceiptID regressed: %d, %v", maxID, err)
	}

	all, err := s.AllReceiptIDsPerCount(ctx)
	if err != nil || all["c1"][2] != 7 {
		t.Errorf("AllReceiptIDsPerCount: %v, %v", all, err)
	}
}

func TestReceiptReactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := ref.MustRoomID("!r:example.com")

	reaction := &ReceiptReaction{
		MXID:      ref.MustEventID("$react1"),
		RoomID:    roomID,
		RelatesTo: ref.MustEventID("$msg1"),
		NumRead:   2,
	}
	if err := s.InsertReceiptReaction(ctx, reaction); err != nil {
		t.Fatalf("InsertReceiptReaction failed: %v", err)
	}

	byTarget, err := s.ReceiptReactionByTarget(ctx, reaction.RelatesTo)
	if err != nil || byTarget == nil || byTarget.NumRead != 2 {
		t.Fatalf("ReceiptReactionByTarget: %+v, %v", byTarget, err)
	}

	if err := s.DeleteReceiptReaction(ctx, reaction.MXID); err != nil {
		t.Fatalf("DeleteReceiptReaction failed: %v", err)
	}
	if gone, _ := s.ReceiptReactionByTarget(ctx, reaction.RelatesTo); gone != nil {
		t.Error("reaction survived deletion")
	}
}

func TestMediaIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Media{Key: "abc", MXC: ref.MustContentURI("mxc://example.com/one"), Mime: "image/png"}
	if err := s.InsertMedia(ctx, first); err != nil {
		t.Fatalf("InsertMedia failed: %v", err)
	}
	// A racing second upload of the same media loses silently.
	second := &Media{Key: "abc", MXC: ref.MustContentURI("mxc://example.com/two")}
	if err := s.InsertMedia(ctx, second); err != nil {
		t.Fatalf("duplicate InsertMedia errored: %v", err)
	}

	loaded, err := s.MediaByKey(ctx, "abc")
	if err != nil || loaded == nil {
		t.Fatalf("MediaByKey: %v", err)
	}
	if loaded.MXC.String() != "mxc://example.com/one" {
		t.Errorf("first upload did not win: %s", loaded.MXC)
	}
	if missing, _ := s.MediaByKey(ctx, "nope"); missing != nil {
		t.Error("unknown key returned media")
	}
}

func TestStrangerPool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stranger := &Stranger{FakeMID: "_STRANGER_0123", Name: "Alice", AvatarPath: "/a.png"}
	if err := s.InsertStranger(ctx, stranger); err != nil {
		t.Fatalf("InsertStranger failed: %v", err)
	}
	// Colliding fake IDs must fail so the caller can regenerate.
	if err := s.InsertStranger(ctx, &Stranger{FakeMID: "_STRANGER_0123"}); err == nil {
		t.Fatal("colliding fake MID insert succeeded")
	}

	byProfile, err := s.StrangerByProfile(ctx, "Alice", "/a.png")
	if err != nil || byProfile == nil {
		t.Fatalf("StrangerByProfile: %v", err)
	}

	if err := s.ReleaseStranger(ctx, stranger.FakeMID); err != nil {
		t.Fatalf("ReleaseStranger failed: %v", err)
	}
	// Released entries stop matching by profile and become reusable.
	if inUse, _ := s.StrangerByProfile(ctx, "Alice", "/a.png"); inUse != nil {
		t.Error("released stranger still matched by profile")
	}
	available, err := s.AnyAvailableStranger(ctx)
	if err != nil || available == nil || available.FakeMID != stranger.FakeMID {
		t.Fatalf("AnyAvailableStranger: %+v, %v", available, err)
	}

	if err := s.UpdateStrangerProfile(ctx, available.FakeMID, "Bob", "/b.png"); err != nil {
		t.Fatalf("UpdateStrangerProfile failed: %v", err)
	}
	if reused, _ := s.AnyAvailableStranger(ctx); reused != nil {
		t.Error("rebound stranger still listed as available")
	}
	if rebound, _ := s.StrangerByProfile(ctx, "Bob", "/b.png"); rebound == nil {
		t.Error("rebound stranger not found by new profile")
	}
}

func TestPuppetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	puppet := &Puppet{MID: "u999", Name: "Carol", NameSet: true, Registered: true}
	if err := s.UpsertPuppet(ctx, puppet); err != nil {
		t.Fatalf("UpsertPuppet failed: %v", err)
	}
	loaded, err := s.PuppetByMID(ctx, "u999")
	if err != nil || loaded == nil || loaded.Name != "Carol" || !loaded.Registered {
		t.Fatalf("PuppetByMID: %+v, %v", loaded, err)
	}
	if missing, _ := s.PuppetByMID(ctx, "u0"); missing != nil {
		t.Error("unknown MID returned a puppet")
	}
}

func TestCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keyPath := filepath.Join(t.TempDir(), "bridge.key")
	if err := sealed.GenerateKeyFile(keyPath); err != nil {
		t.Fatalf("GenerateKeyFile failed: %v", err)
	}
	sealer, err := sealed.LoadSealer(keyPath)
	if err != nil {
		t.Fatalf("LoadSealer failed: %v", err)
	}

	mxid := ref.MustUserID("@admin:example.com")
	credentials := LoginCredentials{Email: "a@b.c", Password: "hunter2"}
	if err := s.SaveCredentials(ctx, mxid, credentials, sealer); err != nil {
		t.Fatalf("SaveCredentials failed: %v", err)
	}

	loaded, err := s.LoadCredentials(ctx, mxid, sealer)
	if err != nil || loaded == nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if *loaded != credentials {
		t.Errorf("round trip mismatch: %+v", loaded)
	}

	if err := s.DeleteCredentials(ctx, mxid); err != nil {
		t.Fatalf("DeleteCredentials failed: %v", err)
	}
	if gone, _ := s.LoadCredentials(ctx, mxid, sealer); gone != nil {
		t.Error("credentials survived deletion")
	}
}

func TestUserNoticeRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{MXID: ref.MustUserID("@admin:example.com")}
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	user.NoticeRoom = ref.MustRoomID("!notice:example.com")
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser update failed: %v", err)
	}
	loaded, err := s.UserByMXID(ctx, user.MXID)
	if err != nil || loaded == nil || loaded.NoticeRoom != user.NoticeRoom {
		t.Fatalf("UserByMXID: %+v, %v", loaded, err)
	}
}
