// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package portal keeps one Matrix room in sync with one remote chat.
//
// Each Portal is an independent state machine: it creates its room
// lazily on first reference, backfills missed history, ingests live
// remote events exactly once, forwards Matrix events to the remote
// side, and tears the mapping down when the bridge user leaves. Two
// per-portal locks provide all the required ordering. The creation
// lock collapses concurrent room-creation triggers into one attempt,
// and the backfill lock serializes history replay against live events
// so a message arriving mid-backfill queues behind it instead of
// interleaving.
//
// Portals never synchronize with each other; the Registry only guards
// its lookup maps.
package portal
