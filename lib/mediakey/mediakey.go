// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package mediakey derives stable deduplication keys for remote media.
//
// The remote service serves the same image under many short-lived URLs,
// but assigns stable media identifiers to most attachments. The key is
// the media ID when present, otherwise the URL, hashed so the local
// database never stores raw remote URLs.
package mediakey

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ForMedia returns the deduplication key for a remote attachment.
// mediaID takes priority; url is the fallback for attachments the
// remote service never assigns an ID (notably custom emoji and some
// sticker variants). Returns "" when both inputs are empty.
func ForMedia(mediaID, url string) string {
	source := mediaID
	if source == "" {
		source = url
	}
	if source == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
