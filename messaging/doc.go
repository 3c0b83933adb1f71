// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the bridge's Matrix client.
//
// The bridge authenticates as an application service: every request
// carries the appservice token, and requests made on behalf of a ghost
// user add a user_id query parameter to impersonate it. Intent wraps
// one ghost user and lazily ensures it is registered and joined to the
// target room before acting.
//
// The package covers exactly the client-server API surface the bridge
// needs: room lifecycle, messages and stickers, reactions, redactions,
// receipts, profiles, push rule toggling, and media transfer with
// optional attachment encryption.
package messaging
