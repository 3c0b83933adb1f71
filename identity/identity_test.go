// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/lib/config"
	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

// fakeHomeserver accepts the profile and media endpoints the registry
// touches and counts calls per endpoint.
type fakeHomeserver struct {
	mu     sync.Mutex
	calls  map[string]int
	server *httptest.Server
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	fake := &fakeHomeserver{calls: make(map[string]int)}

	mux := http.NewServeMux()
	record := func(name string, response string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fake.mu.Lock()
			fake.calls[name]++
			fake.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, response)
		}
	}
	mux.HandleFunc("POST /_matrix/client/v3/register", record("register", `{"user_id":"@x:example.com"}`))
	mux.HandleFunc("PUT /_matrix/client/v3/profile/{userID}/displayname", record("displayname", `{}`))
	mux.HandleFunc("PUT /_matrix/client/v3/profile/{userID}/avatar_url", record("avatar_url", `{}`))
	mux.HandleFunc("POST /_matrix/media/v3/upload", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		fake.calls["upload"]++
		n := fake.calls["upload"]
		fake.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"content_uri":"mxc://example.com/media%d"}`, n)
	})

	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeHomeserver) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type fakeFetcher struct{}

func (fakeFetcher) ReadImage(ctx context.Context, imageURL string) (*control.ImageData, error) {
	return &control.ImageData{Mime: "image/png", Data: []byte("png-bytes-for-" + imageURL)}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeHomeserver) {
	t.Helper()

	dataStore, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "bridge.db"),
		PoolSize: 2,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })

	fake := newFakeHomeserver(t)
	bridgeConfig := config.Default()
	bridgeConfig.Homeserver.Address = fake.server.URL
	bridgeConfig.Homeserver.Domain = "example.com"
	bridgeConfig.Appservice.ASToken = "as-token"
	bridgeConfig.Appservice.BotUsername = "linebot"
	bridgeConfig.Bridge.User = "@admin:example.com"

	matrix, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: fake.server.URL,
		ASToken:       "as-token",
		BotUserID:     bridgeConfig.BotMXID(),
		Logger:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("building matrix client: %v", err)
	}

	registry := NewRegistry(RegistryConfig{
		Store:  dataStore,
		Matrix: matrix,
		Bridge: bridgeConfig,
		Logger: slog.New(slog.DiscardHandler),
	})
	return registry, fake
}

func TestGetIsCachedAndPersistent(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := registry.Get(ctx, "u12345")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := first.MXID().String(); got != "@line_u12345:example.com" {
		t.Errorf("puppet MXID = %s", got)
	}

	second, err := registry.Get(ctx, "u12345")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if first != second {
		t.Error("repeated Get returned a different puppet instance")
	}
}

func TestByProfileWithDurableID(t *testing.T) {
	registry, _ := newTestRegistry(t)

	puppet, err := registry.ByProfile(context.Background(), control.Participant{ID: "u777", Name: "Carol"})
	if err != nil {
		t.Fatalf("ByProfile failed: %v", err)
	}
	if puppet.MID() != "u777" {
		t.Errorf("durable participant resolved to %s", puppet.MID())
	}
}

func TestStrangerAllocationAndReuse(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	alice := control.Participant{Name: "Alice", Avatar: &control.PathImage{Path: "/a.png"}}
	first, err := registry.ByProfile(ctx, alice)
	if err != nil {
		t.Fatalf("ByProfile failed: %v", err)
	}
	if !IsStrangerMID(first.MID()) {
		t.Fatalf("anonymous participant got non-stranger ID %s", first.MID())
	}

	// The same profile keeps resolving to the same identity.
	again, err := registry.ByProfile(ctx, alice)
	if err != nil {
		t.Fatalf("repeat ByProfile failed: %v", err)
	}
	if again.MID() != first.MID() {
		t.Errorf("profile rematched to %s, want %s", again.MID(), first.MID())
	}

	// A different profile while the pool is exhausted mints a fresh ID.
	bob := control.Participant{Name: "Bob", Avatar: &control.PathImage{Path: "/b.png"}}
	second, err := registry.ByProfile(ctx, bob)
	if err != nil {
		t.Fatalf("ByProfile for second stranger failed: %v", err)
	}
	if second.MID() == first.MID() {
		t.Fatal("distinct profiles shared a stranger identity")
	}

	// Releasing returns the identity to the pool; the next unknown
	// profile reuses it instead of minting a new one.
	if err := registry.Release(ctx, first.MID()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	carol := control.Participant{Name: "Carol", Avatar: &control.PathImage{Path: "/c.png"}}
	reused, err := registry.ByProfile(ctx, carol)
	if err != nil {
		t.Fatalf("ByProfile after release failed: %v", err)
	}
	if reused.MID() != first.MID() {
		t.Errorf("released identity not reused: got %s, want %s", reused.MID(), first.MID())
	}

	// The old profile no longer matches the rebound entry.
	fresh, err := registry.ByProfile(ctx, alice)
	if err != nil {
		t.Fatalf("ByProfile for rebound profile failed: %v", err)
	}
	if fresh.MID() == first.MID() {
		t.Error("rebound identity still matched its old profile")
	}
}

func TestReleaseRejectsDurableIDs(t *testing.T) {
	registry, _ := newTestRegistry(t)
	if err := registry.Release(context.Background(), "u12345"); err == nil {
		t.Fatal("releasing a durable remote ID succeeded")
	}
	if err := registry.Release(context.Background(), "_STRANGER_deadbeef"); err == nil {
		t.Fatal("releasing an unallocated stranger ID succeeded")
	}
}

func TestOwnMID(t *testing.T) {
	mid := OwnMID(ref.MustUserID("@admin:example.com"))
	if mid != "_OWN_admin_ON_example.com" {
		t.Errorf("OwnMID = %s", mid)
	}
	if !IsOwnMID(mid) {
		t.Error("IsOwnMID rejected an own-puppet ID")
	}
	if IsStrangerMID(mid) || IsOwnMID("u12345") {
		t.Error("ID kind predicates overlap")
	}
	if OwnMID(ref.MustUserID("@admin:example.com")) != mid {
		t.Error("OwnMID is not deterministic")
	}
}

func TestUpdateProfileSkipsUnchanged(t *testing.T) {
	registry, fake := newTestRegistry(t)
	ctx := context.Background()

	puppet, err := registry.Get(ctx, "u12345")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	avatar := &control.PathImage{URL: "https://cdn.example.com/alice.png"}
	if err := puppet.UpdateProfile(ctx, "Alice", avatar, fakeFetcher{}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if fake.count("displayname") != 1 || fake.count("avatar_url") != 1 || fake.count("upload") != 1 {
		t.Fatalf("unexpected call counts after first update: displayname=%d avatar=%d upload=%d",
			fake.count("displayname"), fake.count("avatar_url"), fake.count("upload"))
	}
	if puppet.Name() != "Alice" {
		t.Errorf("puppet name = %s", puppet.Name())
	}

	// An identical profile is a no-op.
	if err := puppet.UpdateProfile(ctx, "Alice", avatar, fakeFetcher{}); err != nil {
		t.Fatalf("repeat UpdateProfile failed: %v", err)
	}
	if fake.count("displayname") != 1 || fake.count("avatar_url") != 1 {
		t.Error("unchanged profile still hit the homeserver")
	}

	// Only the name changed, so only the display name is reapplied.
	if err := puppet.UpdateProfile(ctx, "Alice R.", avatar, fakeFetcher{}); err != nil {
		t.Fatalf("rename UpdateProfile failed: %v", err)
	}
	if fake.count("displayname") != 2 || fake.count("avatar_url") != 1 {
		t.Errorf("rename call counts: displayname=%d avatar=%d",
			fake.count("displayname"), fake.count("avatar_url"))
	}
}

func TestAvatarUploadIsDeduplicated(t *testing.T) {
	registry, fake := newTestRegistry(t)
	ctx := context.Background()

	avatar := &control.PathImage{URL: "https://cdn.example.com/shared.png"}
	for _, mid := range []string{"u1111", "u2222"} {
		puppet, err := registry.Get(ctx, mid)
		if err != nil {
			t.Fatalf("Get %s failed: %v", mid, err)
		}
		if err := puppet.UpdateProfile(ctx, "User "+mid, avatar, fakeFetcher{}); err != nil {
			t.Fatalf("UpdateProfile %s failed: %v", mid, err)
		}
	}

	if fake.count("upload") != 1 {
		t.Errorf("shared avatar uploaded %d times", fake.count("upload"))
	}
	if fake.count("avatar_url") != 2 {
		t.Errorf("avatar applied to %d puppets", fake.count("avatar_url"))
	}
}

func TestUpdateProfileWithoutAvatar(t *testing.T) {
	registry, fake := newTestRegistry(t)
	ctx := context.Background()

	puppet, err := registry.Get(ctx, "u9")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := puppet.UpdateProfile(ctx, "Dave", nil, fakeFetcher{}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	// No avatar means nothing to fetch or upload; the (empty) avatar
	// state is still applied once.
	if fake.count("upload") != 0 {
		t.Errorf("avatar-less profile uploaded %d times", fake.count("upload"))
	}
	if fake.count("avatar_url") != 1 {
		t.Errorf("avatar_url applied %d times", fake.count("avatar_url"))
	}
}
