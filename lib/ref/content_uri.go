// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// ContentURI is a validated Matrix content URI
// (e.g., "mxc://example.com/abc123") referencing uploaded media.
type ContentURI struct {
	uri string
}

// ParseContentURI validates and wraps a raw mxc URI string.
func ParseContentURI(raw string) (ContentURI, error) {
	rest, ok := strings.CutPrefix(raw, "mxc://")
	if !ok {
		return ContentURI{}, fmt.Errorf("content URI must start with mxc://: %q", raw)
	}
	server, mediaID, found := strings.Cut(rest, "/")
	if !found || server == "" || mediaID == "" {
		return ContentURI{}, fmt.Errorf("content URI must be mxc://server/id: %q", raw)
	}
	return ContentURI{uri: raw}, nil
}

// MustContentURI parses a content URI and panics on failure. For tests only.
func MustContentURI(raw string) ContentURI {
	uri, err := ParseContentURI(raw)
	if err != nil {
		panic(err)
	}
	return uri
}

// String returns the full mxc URI string.
func (c ContentURI) String() string { return c.uri }

// IsZero reports whether the ContentURI is the zero value.
func (c ContentURI) IsZero() bool { return c.uri == "" }

// ServerName returns the homeserver component of the URI.
func (c ContentURI) ServerName() string {
	rest := strings.TrimPrefix(c.uri, "mxc://")
	server, _, _ := strings.Cut(rest, "/")
	return server
}

// MediaID returns the opaque media identifier component of the URI.
func (c ContentURI) MediaID() string {
	rest := strings.TrimPrefix(c.uri, "mxc://")
	_, mediaID, _ := strings.Cut(rest, "/")
	return mediaID
}

// MarshalText implements encoding.TextMarshaler.
func (c ContentURI) MarshalText() ([]byte, error) {
	return []byte(c.uri), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
func (c *ContentURI) UnmarshalText(text []byte) error {
	parsed, err := ParseContentURI(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
