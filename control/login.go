// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// LoginStepKind identifies a stage of the interactive login flow.
type LoginStepKind string

const (
	// LoginQR carries a fresh QR code URL to show the user. The
	// subprocess refreshes the code periodically until it is scanned.
	LoginQR LoginStepKind = "qr"
	// LoginPIN carries the confirmation PIN the user must enter on
	// their primary device.
	LoginPIN LoginStepKind = "pin"
	// LoginSuccess terminates the flow with a usable session.
	LoginSuccess LoginStepKind = "login_success"
	// LoginFailure terminates the flow without a session.
	LoginFailure LoginStepKind = "login_failure"
)

// LoginStep is one stage of the login flow. The channel returned by
// Login closes after the first terminal step.
type LoginStep struct {
	Kind   LoginStepKind
	URL    string
	PIN    string
	Reason string
}

// Terminal reports whether the step ends the flow.
func (s LoginStep) Terminal() bool {
	return s.Kind == LoginSuccess || s.Kind == LoginFailure
}

// LoginOptions selects the login method.
type LoginOptions struct {
	// Type is "qr" or "email".
	Type string

	// Email and Password are used when Type is "email".
	Email    string
	Password string
}

// loginPollInterval is how often the cancel watcher re-checks that the
// caller still wants the flow.
var loginPollInterval = time.Second

// Login starts the interactive login flow and streams its steps. The
// flow runs until a terminal step, until ctx is cancelled, or until
// active returns false; the last two abort it with cancel_login and
// surface the abort as a LoginFailure step. active may be nil.
func (c *Client) Login(ctx context.Context, opts LoginOptions, active func() bool) <-chan LoginStep {
	steps := make(chan LoginStep, 8)
	finished := make(chan struct{})
	var finishOnce sync.Once
	var subscriptions []*Subscription

	emit := func(step LoginStep) {
		select {
		case steps <- step:
		default:
			// A full buffer means the consumer is behind on QR
			// refreshes; the newest state is all that matters.
			c.logger.Warn("dropping login step, consumer not keeping up", "kind", step.Kind)
		}
	}
	finish := func(step LoginStep) {
		finishOnce.Do(func() {
			for _, subscription := range subscriptions {
				c.transport.Unsubscribe(subscription)
			}
			emit(step)
			close(steps)
			close(finished)
		})
	}

	subscriptions = append(subscriptions,
		c.transport.Subscribe("qr", func(raw json.RawMessage) {
			var frame struct {
				URL string `json:"url"`
			}
			if json.Unmarshal(raw, &frame) == nil {
				emit(LoginStep{Kind: LoginQR, URL: frame.URL})
			}
		}),
		c.transport.Subscribe("pin", func(raw json.RawMessage) {
			var frame struct {
				PIN string `json:"pin"`
			}
			if json.Unmarshal(raw, &frame) == nil {
				emit(LoginStep{Kind: LoginPIN, PIN: frame.PIN})
			}
		}),
		c.transport.Subscribe("login_success", func(json.RawMessage) {
			finish(LoginStep{Kind: LoginSuccess})
		}),
		c.transport.Subscribe("login_failure", func(raw json.RawMessage) {
			var frame struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(raw, &frame)
			finish(LoginStep{Kind: LoginFailure, Reason: frame.Reason})
		}),
	)

	go func() {
		payload := struct {
			LoginType string `json:"login_type"`
			Email     string `json:"email,omitempty"`
			Password  string `json:"password,omitempty"`
		}{LoginType: opts.Type, Email: opts.Email, Password: opts.Password}
		_, err := c.transport.Request(ctx, "login", payload)
		if err != nil {
			finish(LoginStep{Kind: LoginFailure, Reason: err.Error()})
			return
		}
		// The command resolving without a prior terminal broadcast
		// means the subprocess considers the flow complete.
		finish(LoginStep{Kind: LoginSuccess})
	}()

	go func() {
		ticker := time.NewTicker(loginPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-finished:
				return
			case <-ctx.Done():
				c.cancelLoginBestEffort()
				return
			case <-ticker.C:
				if active != nil && !active() {
					c.cancelLoginBestEffort()
					return
				}
			}
		}
	}()

	return steps
}

// CancelLogin aborts a running login flow. The flow's step channel
// receives the resulting failure step.
func (c *Client) CancelLogin(ctx context.Context) error {
	return c.request(ctx, "cancel_login", nil, nil)
}

func (c *Client) cancelLoginBestEffort() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.CancelLogin(ctx); err != nil {
		c.logger.Warn("cancelling login failed", "error", err)
	}
}
