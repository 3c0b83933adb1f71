// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the bridge's durable state: the mapping between
// remote chats and Matrix rooms, bridged message identities, read
// receipt accounting, deduplicated media uploads, ghost profiles, and
// the stranger pool of stable fake identifiers for remote users the
// service exposes no ID for.
//
// Everything lives in one SQLite database. Message rows are the
// deduplication ground truth: a remote message is bridged at most once
// because (remote id, chat) is unique, and a placeholder row (NULL
// remote id) reserves the identity of an outgoing message until its
// echo arrives.
package store
