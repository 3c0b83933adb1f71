// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated identifier value types for the two
// sides of the bridge: Matrix identifiers (user IDs, room IDs, event
// IDs, mxc content URIs) and remote chat identifiers.
//
// All types are immutable value types constructed through Parse
// functions that validate at the boundary. The zero value of every
// type is invalid; use IsZero to check. Code past the boundary can
// trust that a non-zero ref is well-formed and never re-validates.
package ref
