// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package control

import "errors"

// ErrConnectionClosed is returned for requests issued on, or pending
// over, a closed control channel. The transport never reconnects; the
// caller owns the subprocess lifecycle and must dial a fresh channel.
var ErrConnectionClosed = errors.New("control: connection closed")

// ErrLoginInProgress is returned when a login attempt is started while
// another one is still running.
var ErrLoginInProgress = errors.New("control: another login is already in progress")

// RemoteError is a failure reported by the automation subprocess in a
// response frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "control: remote error: " + e.Message
}
