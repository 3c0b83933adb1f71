// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity maps remote user identifiers to Matrix ghost
// accounts.
//
// Most remote users carry a durable identifier and map directly to a
// ghost. Some chat participants expose no identifier at all; the
// registry assigns those a pooled synthetic "stranger" identity keyed
// by exact (name, avatar path) profile match, and returns the identity
// to the pool when the participant disappears. The bridge user's own
// outgoing messages use a third kind, a deterministic own-puppet
// identity derived from their Matrix ID.
package identity
