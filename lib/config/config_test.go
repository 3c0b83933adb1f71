// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miscworks/linebridge/lib/ref"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linebridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
homeserver:
  address: http://localhost:8008
  domain: example.com
appservice:
  as_token: secret-token
  bot_username: linebot
puppeteer:
  type: unix
  path: /tmp/puppet.sock
database:
  path: /tmp/bridge.db
bridge:
  user: "@admin:example.com"
`

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("unexpected domain: %q", cfg.Homeserver.Domain)
	}
	// Defaults survive a partial file.
	if cfg.Bridge.UsernameTemplate != "line_{userid}" {
		t.Errorf("unexpected username template: %q", cfg.Bridge.UsernameTemplate)
	}
	if cfg.Bridge.InitialConversationSync != 10 {
		t.Errorf("unexpected initial sync limit: %d", cfg.Bridge.InitialConversationSync)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := Default()
	cfg.Homeserver.Domain = ""
	cfg.Appservice.ASToken = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate unexpectedly succeeded")
	}
}

func TestValidateRejectsBadConnectionType(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	cfg.Puppeteer.Type = "pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate unexpectedly accepted connection type \"pigeon\"")
	}
}

func TestPuppetMXIDRoundTrip(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	mxid := cfg.PuppetMXID("u1234")
	if mxid.String() != "@line_u1234:example.com" {
		t.Errorf("unexpected puppet MXID: %s", mxid)
	}
	if remoteID := cfg.ParsePuppetMXID(mxid); remoteID != "u1234" {
		t.Errorf("ParsePuppetMXID round trip: got %q, want u1234", remoteID)
	}

	// Non-puppet IDs don't parse.
	if remoteID := cfg.ParsePuppetMXID(ref.MustUserID("@admin:example.com")); remoteID != "" {
		t.Errorf("ParsePuppetMXID accepted non-puppet ID: %q", remoteID)
	}
	if remoteID := cfg.ParsePuppetMXID(ref.MustUserID("@line_u1:other.com")); remoteID != "" {
		t.Errorf("ParsePuppetMXID accepted foreign domain: %q", remoteID)
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("HOME", "/home/bridge")
	cfg, err := LoadFile(writeConfig(t, validConfig+"  # trailing comment\n"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	cfg.Database.Path = "${HOME}/data/bridge.db"
	cfg.expandVariables()
	if cfg.Database.Path != "/home/bridge/data/bridge.db" {
		t.Errorf("unexpected expanded path: %q", cfg.Database.Path)
	}
}

func TestPuppetDisplayname(t *testing.T) {
	cfg := Default()
	if name := cfg.PuppetDisplayname("Alice"); name != "Alice (LINE)" {
		t.Errorf("unexpected displayname: %q", name)
	}
}
