// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miscworks/linebridge/lib/netutil"
	"github.com/miscworks/linebridge/lib/ref"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver (e.g., "http://localhost:8008").
	HomeserverURL string
	// ASToken is the appservice token from the registration file.
	ASToken string
	// BotUserID is the bridge bot. It is the fallback inviter when a
	// ghost cannot join a room on its own.
	BotUserID ref.UserID
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is the appservice-authenticated Matrix client. All requests
// carry the appservice token; requests on behalf of a ghost add the
// user_id query parameter.
type Client struct {
	baseURL    string
	asToken    string
	botUserID  ref.UserID
	httpClient *http.Client
	logger     *slog.Logger

	transactionCounter atomic.Int64

	intentMu sync.Mutex
	intents  map[ref.UserID]*Intent
}

// NewClient creates a new appservice client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	if config.ASToken == "" {
		return nil, fmt.Errorf("messaging: ASToken is required")
	}
	if config.BotUserID.IsZero() {
		return nil, fmt.Errorf("messaging: BotUserID is required")
	}

	// Validate the URL structure. The string form (trailing slash
	// stripped) is stored and request URLs are built by concatenation,
	// which avoids double-encoding issues with url.URL.String().
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		asToken:    config.ASToken,
		botUserID:  config.BotUserID,
		httpClient: httpClient,
		logger:     logger,
		intents:    make(map[ref.UserID]*Intent),
	}, nil
}

// Intent returns the intent for a ghost user, creating it on first use.
// Intents are cached so registration and join state is checked once.
func (c *Client) Intent(userID ref.UserID) *Intent {
	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	if intent, found := c.intents[userID]; found {
		return intent
	}
	intent := &Intent{
		client: c,
		userID: userID,
		joined: make(map[ref.RoomID]bool),
	}
	c.intents[userID] = intent
	return intent
}

// Bot returns the bridge bot's intent. The bot exists by virtue of the
// appservice registration, so its intent skips self-registration.
func (c *Client) Bot() *Intent {
	intent := c.Intent(c.botUserID)
	intent.registered.Store(true)
	return intent
}

// transactionID returns a request-unique transaction ID for PUT /send
// endpoints. Uniqueness across restarts comes from the timestamp part.
func (c *Client) transactionID() string {
	return fmt.Sprintf("linebridge-%d-%d", time.Now().UnixMilli(), c.transactionCounter.Add(1))
}

// doRequest performs a request to the homeserver and returns the
// response body. On 2xx, returns the body. On 4xx/5xx, returns the body
// alongside a *MatrixError. impersonate may be the zero UserID for
// requests made as the appservice itself.
func (c *Client) doRequest(ctx context.Context, method, path string, impersonate ref.UserID, requestBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if !impersonate.IsZero() {
		query := url.Values{"user_id": {impersonate.String()}}
		separator := "?"
		if strings.Contains(path, "?") {
			separator = "&"
		}
		requestURL += separator + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+c.asToken)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses use the same JSON shape.
	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	return responseBody, &matrixErr
}

// doJSON performs a request and decodes the 2xx response into result.
func (c *Client) doJSON(ctx context.Context, method, path string, impersonate ref.UserID, requestBody, result any) error {
	body, err := c.doRequest(ctx, method, path, impersonate, requestBody)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("messaging: failed to parse %s %s response: %w", method, path, err)
	}
	return nil
}

// RegisterGhost creates a ghost account through the appservice login
// type. An already-registered ghost is not an error.
func (c *Client) RegisterGhost(ctx context.Context, userID ref.UserID) error {
	request := map[string]any{
		"type":             "m.login.application_service",
		"username":         userID.Localpart(),
		"inhibit_login":    true,
		"device_id":        "linebridge",
		"initial_device_display_name": "LINE bridge",
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", ref.UserID{}, request)
	if err != nil && !IsMatrixError(err, ErrCodeUserInUse) {
		return fmt.Errorf("messaging: registering ghost %s: %w", userID, err)
	}
	return nil
}

// JoinedMembers returns the joined members of a room, as seen by the
// appservice.
func (c *Client) JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	var response struct {
		Joined map[ref.UserID]struct {
			DisplayName string `json:"display_name"`
		} `json:"joined"`
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) + "/joined_members"
	if err := c.doJSON(ctx, http.MethodGet, path, c.botUserID, nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: listing members of %s: %w", roomID, err)
	}
	members := make([]ref.UserID, 0, len(response.Joined))
	for member := range response.Joined {
		members = append(members, member)
	}
	return members, nil
}

// StateEvent fetches one state event's content into result.
func (c *Client) StateEvent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string, result any) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String()) +
		"/state/" + url.PathEscape(eventType) + "/" + url.PathEscape(stateKey)
	return c.doJSON(ctx, http.MethodGet, path, c.botUserID, nil, result)
}

// SetPresence publishes presence for a ghost. Presence failures are
// routinely tolerated by callers; homeservers may disable the endpoint.
func (c *Client) SetPresence(ctx context.Context, userID ref.UserID, presence string) error {
	path := "/_matrix/client/v3/presence/" + url.PathEscape(userID.String()) + "/status"
	return c.doJSON(ctx, http.MethodPut, path, userID, map[string]string{"presence": presence}, nil)
}

// disableRoomRuleID names the per-room push rule used to mute a room
// during history replay.
func disableRoomRuleID(roomID ref.RoomID) string {
	return "net.miscworks.linebridge.silence_" + roomID.String()
}

// DisableNotifications installs an override push rule that silences a
// room for the given user. Used while replaying history so the user is
// not notified for every backfilled message.
func (c *Client) DisableNotifications(ctx context.Context, userID ref.UserID, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/pushrules/global/override/" + url.PathEscape(disableRoomRuleID(roomID))
	rule := map[string]any{
		"actions": []string{},
		"conditions": []map[string]string{{
			"kind":    "event_match",
			"key":     "room_id",
			"pattern": roomID.String(),
		}},
	}
	if err := c.doJSON(ctx, http.MethodPut, path, userID, rule, nil); err != nil {
		return fmt.Errorf("messaging: silencing %s for %s: %w", roomID, userID, err)
	}
	return nil
}

// EnableNotifications removes the override rule installed by
// DisableNotifications. Removing an absent rule is not an error.
func (c *Client) EnableNotifications(ctx context.Context, userID ref.UserID, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/pushrules/global/override/" + url.PathEscape(disableRoomRuleID(roomID))
	_, err := c.doRequest(ctx, http.MethodDelete, path, userID, nil)
	if err != nil && !IsMatrixError(err, ErrCodeNotFound) {
		return fmt.Errorf("messaging: unsilencing %s for %s: %w", roomID, userID, err)
	}
	return nil
}
