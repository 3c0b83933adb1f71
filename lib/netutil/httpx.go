// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers.
//
// All response body reads are bounded at MaxResponseSize so a
// misbehaving server cannot exhaust memory. The bound is sized for the
// largest legitimate payloads the bridge handles, which are media
// downloads from the homeserver.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds HTTP response body reads: 256 MB. Well above
// any homeserver media size limit in practice.
const MaxResponseSize int64 = 256 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes. Use
// instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a response body (up to MaxResponseSize bytes)
// and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}
