// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miscworks/linebridge/lib/ref"
)

// Config is the master configuration for the bridge.
type Config struct {
	// Homeserver configures the Matrix homeserver connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Appservice configures the bridge's appservice identity.
	Appservice AppserviceConfig `yaml:"appservice"`

	// Puppeteer configures the control channel to the automation
	// subprocess.
	Puppeteer PuppeteerConfig `yaml:"puppeteer"`

	// Database configures local persistence.
	Database DatabaseConfig `yaml:"database"`

	// Bridge configures reconciliation behavior.
	Bridge BridgeConfig `yaml:"bridge"`
}

// HomeserverConfig configures the Matrix homeserver connection.
type HomeserverConfig struct {
	// Address is the base URL of the homeserver (e.g., "http://localhost:8008").
	Address string `yaml:"address"`

	// Domain is the server name used in user IDs (e.g., "example.com").
	Domain string `yaml:"domain"`
}

// AppserviceConfig configures the bridge's appservice identity.
type AppserviceConfig struct {
	// ASToken is the appservice token from the homeserver registration.
	ASToken string `yaml:"as_token"`

	// BotUsername is the localpart of the bridge bot (e.g., "linebot").
	BotUsername string `yaml:"bot_username"`

	// BotAvatar is an optional mxc URI for the bot's avatar, included
	// in bridge-info state events.
	BotAvatar string `yaml:"bot_avatar"`
}

// PuppeteerConfig configures the control channel to the automation
// subprocess that drives the remote service.
type PuppeteerConfig struct {
	// Type selects the connection transport: "unix" or "tcp".
	Type string `yaml:"type"`

	// Path is the Unix socket path (type "unix").
	Path string `yaml:"path"`

	// Host and Port locate the subprocess listener (type "tcp").
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures local persistence.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must exist.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero uses the default.
	PoolSize int `yaml:"pool_size"`

	// CredentialKeyFile is the path to the age identity used to seal
	// stored login credentials. Auto-login is disabled when empty.
	CredentialKeyFile string `yaml:"credential_key_file"`
}

// BridgeConfig configures reconciliation behavior.
type BridgeConfig struct {
	// User is the Matrix ID of the (single) bridge user.
	User string `yaml:"user"`

	// UsernameTemplate is the puppet localpart template; "{userid}" is
	// replaced by the remote participant ID (e.g., "line_{userid}").
	UsernameTemplate string `yaml:"username_template"`

	// DisplaynameTemplate formats puppet display names; "{displayname}"
	// is replaced by the remote profile name.
	DisplaynameTemplate string `yaml:"displayname_template"`

	// InitialConversationSync is how many chats to create rooms for on
	// the first sync. Zero skips chat sync entirely.
	InitialConversationSync int `yaml:"initial_conversation_sync"`

	// InviteOwnPuppetToPM invites the user's own remote puppet to
	// direct chats so their own outgoing messages can be mirrored.
	InviteOwnPuppetToPM bool `yaml:"invite_own_puppet_to_pm"`

	// ReceiveStickers bridges remote stickers instead of dropping them.
	ReceiveStickers bool `yaml:"receive_stickers"`

	// UseStickerEvents sends remote stickers as native m.sticker events
	// in unencrypted rooms instead of image messages.
	UseStickerEvents bool `yaml:"use_sticker_events"`

	// DeliveryReceipts marks handled outgoing messages as read by the
	// bridge bot.
	DeliveryReceipts bool `yaml:"delivery_receipts"`

	// DeliveryErrorReports posts an in-room notice when forwarding a
	// message to the remote side fails.
	DeliveryErrorReports bool `yaml:"delivery_error_reports"`

	// DisableBackfillNotifications suppresses push notifications while
	// history is replayed into a room.
	DisableBackfillNotifications bool `yaml:"disable_backfill_notifications"`

	// EmojiScaleFactor multiplies the rendered height of inline emoji
	// images. Values below 1 are treated as 1.
	EmojiScaleFactor int `yaml:"emoji_scale_factor"`

	// EncryptionDefault enables end-to-bridge encryption on newly
	// created portal rooms.
	EncryptionDefault bool `yaml:"encryption_default"`

	// PrivateChatPortalMeta sets room name/avatar even on direct chats.
	PrivateChatPortalMeta bool `yaml:"private_chat_portal_meta"`
}

// Default returns the default configuration. These defaults ensure all
// fields have sensible zero-values; the config file is still required.
func Default() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			Address: "http://localhost:8008",
		},
		Appservice: AppserviceConfig{
			BotUsername: "linebot",
		},
		Puppeteer: PuppeteerConfig{
			Type: "unix",
			Path: "/var/run/linebridge/puppet.sock",
		},
		Database: DatabaseConfig{
			Path: "${HOME}/.local/share/linebridge/bridge.db",
		},
		Bridge: BridgeConfig{
			UsernameTemplate:        "line_{userid}",
			DisplaynameTemplate:     "{displayname} (LINE)",
			InitialConversationSync: 10,
			ReceiveStickers:         true,
			UseStickerEvents:        true,
			DeliveryErrorReports:    true,
			EmojiScaleFactor:        1,
		},
	}
}

// Load loads configuration from the LINEBRIDGE_CONFIG environment
// variable. Fails if it is not set; there are no fallback paths.
func Load() (*Config, error) {
	configPath := os.Getenv("LINEBRIDGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("LINEBRIDGE_CONFIG environment variable not set; " +
			"set it to the path of your linebridge.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Puppeteer.Path = expandVars(c.Puppeteer.Path, vars)
	c.Database.Path = expandVars(c.Database.Path, vars)
	c.Database.CredentialKeyFile = expandVars(c.Database.CredentialKeyFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.Address == "" {
		errs = append(errs, fmt.Errorf("homeserver.address is required"))
	}
	if c.Homeserver.Domain == "" {
		errs = append(errs, fmt.Errorf("homeserver.domain is required"))
	}
	if c.Appservice.ASToken == "" {
		errs = append(errs, fmt.Errorf("appservice.as_token is required"))
	}
	if c.Appservice.BotUsername == "" {
		errs = append(errs, fmt.Errorf("appservice.bot_username is required"))
	}

	switch c.Puppeteer.Type {
	case "unix":
		if c.Puppeteer.Path == "" {
			errs = append(errs, fmt.Errorf("puppeteer.path is required for unix connections"))
		}
	case "tcp":
		if c.Puppeteer.Host == "" || c.Puppeteer.Port == 0 {
			errs = append(errs, fmt.Errorf("puppeteer.host and puppeteer.port are required for tcp connections"))
		}
	default:
		errs = append(errs, fmt.Errorf("puppeteer.type must be \"unix\" or \"tcp\", got %q", c.Puppeteer.Type))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Bridge.User == "" {
		errs = append(errs, fmt.Errorf("bridge.user is required"))
	} else if _, err := ref.ParseUserID(c.Bridge.User); err != nil {
		errs = append(errs, fmt.Errorf("bridge.user: %w", err))
	}
	if !strings.Contains(c.Bridge.UsernameTemplate, "{userid}") {
		errs = append(errs, fmt.Errorf("bridge.username_template must contain {userid}"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// BridgeUser returns bridge.user as a parsed user ID. Call after
// Validate.
func (c *Config) BridgeUser() ref.UserID {
	userID, _ := ref.ParseUserID(c.Bridge.User)
	return userID
}

// BotMXID returns the bridge bot's Matrix user ID.
func (c *Config) BotMXID() ref.UserID {
	userID, _ := ref.ParseUserID("@" + c.Appservice.BotUsername + ":" + c.Homeserver.Domain)
	return userID
}

// PuppetMXID returns the Matrix user ID for a remote participant ID,
// per bridge.username_template.
func (c *Config) PuppetMXID(remoteID string) ref.UserID {
	localpart := strings.ReplaceAll(c.Bridge.UsernameTemplate, "{userid}", remoteID)
	userID, _ := ref.ParseUserID("@" + localpart + ":" + c.Homeserver.Domain)
	return userID
}

// ParsePuppetMXID extracts the remote participant ID from a puppet's
// Matrix user ID. Returns "" when the user ID does not match the puppet
// template on this bridge's domain.
func (c *Config) ParsePuppetMXID(userID ref.UserID) string {
	if userID.ServerName() != c.Homeserver.Domain {
		return ""
	}
	prefix, suffix, _ := strings.Cut(c.Bridge.UsernameTemplate, "{userid}")
	localpart := userID.Localpart()
	if !strings.HasPrefix(localpart, prefix) || !strings.HasSuffix(localpart, suffix) {
		return ""
	}
	remoteID := strings.TrimSuffix(strings.TrimPrefix(localpart, prefix), suffix)
	if remoteID == "" {
		return ""
	}
	return remoteID
}

// PuppetDisplayname formats a remote profile name per
// bridge.displayname_template.
func (c *Config) PuppetDisplayname(name string) string {
	if c.Bridge.DisplaynameTemplate == "" {
		return name
	}
	return strings.ReplaceAll(c.Bridge.DisplaynameTemplate, "{displayname}", name)
}

// EmojiScale returns the emoji scale factor, clamped to at least 1.
func (c *Config) EmojiScale() int {
	if c.Bridge.EmojiScaleFactor < 1 {
		return 1
	}
	return c.Bridge.EmojiScaleFactor
}

// PuppeteerAddress returns the network and address for dialing the
// control channel.
func (c *Config) PuppeteerAddress() (network, address string) {
	if c.Puppeteer.Type == "tcp" {
		return "tcp", fmt.Sprintf("%s:%d", c.Puppeteer.Host, c.Puppeteer.Port)
	}
	return "unix", c.Puppeteer.Path
}
