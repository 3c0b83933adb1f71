// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge owns the single bridge user's connection to the
// automation subprocess and routes traffic between it and the portal
// layer.
//
// A Bridge dials the control channel, registers the user, starts the
// remote session, and subscribes to message, receipt, and logged-out
// broadcasts. While connected it runs a periodic is_connected probe and
// posts lifecycle notices to the user's private notice room. After a
// session expiry it replays sealed stored credentials to log back in
// without user interaction, when a credential key is configured.
//
// The Bridge implements portal.User: portals reach the live control
// client through it and see nil while the connection is down or the
// session is not usable, which makes them fall back to failure notices
// instead of forwarding.
package bridge
