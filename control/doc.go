// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the JSON-lines control channel to the
// automation subprocess that drives the remote chat service.
//
// The channel carries two traffic classes over one connection:
//
//   - Requests, correlated by positive, strictly increasing integer
//     ids. Each request gets exactly one response frame carrying the
//     same id.
//
//   - Broadcasts, pushed by the subprocess with negative ids. The
//     subprocess may replay broadcasts after an internal reconnect, so
//     the transport deduplicates them with a watermark: a broadcast is
//     accepted only if its id is lower than every id seen before.
//
// Broadcasts marked sequential are delivered in arrival order by a
// single consumer; all other broadcasts are dispatched concurrently.
package control
