// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// UserID is a validated Matrix user ID (e.g., "@line_u1234:example.com").
//
// User IDs always start with '@' and contain a ':' separating the
// localpart from the server name. They are parsed into this type at the
// boundary (config, homeserver responses) and never constructed from
// raw strings elsewhere.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw Matrix user ID string.
func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, fmt.Errorf("empty user ID")
	}
	if raw[0] != '@' {
		return UserID{}, fmt.Errorf("user ID must start with '@': %q", raw)
	}

	colonIndex := strings.IndexByte(raw[1:], ':')
	if colonIndex < 0 {
		return UserID{}, fmt.Errorf("user ID missing ':server' suffix: %q", raw)
	}
	if colonIndex == 0 {
		return UserID{}, fmt.Errorf("user ID has empty localpart: %q", raw)
	}
	if raw[1+colonIndex+1:] == "" {
		return UserID{}, fmt.Errorf("user ID has empty server name: %q", raw)
	}

	return UserID{id: raw}, nil
}

// MustUserID parses a user ID and panics on failure. For tests and
// compile-time-constant IDs only.
func MustUserID(raw string) UserID {
	userID, err := ParseUserID(raw)
	if err != nil {
		panic(err)
	}
	return userID
}

// String returns the full user ID string.
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value.
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and ':'.
func (u UserID) Localpart() string {
	if u.id == "" {
		return ""
	}
	colonIndex := strings.IndexByte(u.id, ':')
	return u.id[1:colonIndex]
}

// ServerName returns the part after the first ':'.
func (u UserID) ServerName() string {
	if u.id == "" {
		return ""
	}
	colonIndex := strings.IndexByte(u.id, ':')
	return u.id[colonIndex+1:]
}

// MarshalText implements encoding.TextMarshaler so UserID round-trips
// through JSON as a plain string.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
func (u *UserID) UnmarshalText(text []byte) error {
	parsed, err := ParseUserID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
