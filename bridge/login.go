// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/store"
)

// Login starts an interactive login flow and streams its steps. Only
// one flow can run at a time; a second call while one is in progress
// fails with control.ErrLoginInProgress. A successful email login
// stores the credentials for automatic re-login when a sealer is
// configured, and every success triggers a full sync before the
// channel closes.
func (b *Bridge) Login(ctx context.Context, opts control.LoginOptions) (<-chan control.LoginStep, error) {
	if !b.loginInProgress.CompareAndSwap(false, true) {
		return nil, control.ErrLoginInProgress
	}
	remote := b.client()
	if remote == nil {
		b.loginInProgress.Store(false)
		return nil, fmt.Errorf("bridge: not connected")
	}

	inner := remote.Login(ctx, opts, func() bool {
		return b.loginInProgress.Load()
	})

	steps := make(chan control.LoginStep, 8)
	go func() {
		defer close(steps)
		defer b.loginInProgress.Store(false)

		succeeded := false
		for step := range inner {
			if step.Kind == control.LoginSuccess {
				succeeded = true
			}
			steps <- step
		}
		if succeeded {
			b.finishLogin(opts)
		}
	}()
	return steps, nil
}

// CancelLogin aborts a running login flow. The flow's step channel
// receives the resulting failure step.
func (b *Bridge) CancelLogin(ctx context.Context) error {
	if !b.loginInProgress.Load() {
		return nil
	}
	b.loginInProgress.Store(false)
	remote := b.client()
	if remote == nil {
		return nil
	}
	return remote.CancelLogin(ctx)
}

// finishLogin runs after a successful login: the session becomes
// usable, email credentials are sealed and stored, and a full sync
// brings chats up to date.
func (b *Bridge) finishLogin(opts control.LoginOptions) {
	b.mu.Lock()
	b.loggedIn = true
	b.remoteUp = true
	b.mu.Unlock()
	b.logger.Info("login succeeded", "login_type", opts.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if opts.Type == "email" && b.sealer != nil {
		credentials := store.LoginCredentials{Email: opts.Email, Password: opts.Password}
		if err := b.store.SaveCredentials(ctx, b.mxid, credentials, b.sealer); err != nil {
			b.logger.Warn("storing credentials failed", "error", err)
		}
	}

	b.sendNotice(ctx, "Logged in to LINE, synchronizing chats...")
	if err := b.Sync(ctx); err != nil {
		b.logger.Warn("post-login sync failed", "error", err)
		b.sendNotice(ctx, "⚠ Chat sync after login failed: "+err.Error())
	}
}

// Logout clears stored credentials and stops the remote session. The
// subprocess keeps running and accepts a fresh login.
func (b *Bridge) Logout(ctx context.Context) error {
	if err := b.store.DeleteCredentials(ctx, b.mxid); err != nil {
		b.logger.Warn("deleting stored credentials failed", "error", err)
	}

	remote := b.client()
	if remote == nil {
		return fmt.Errorf("bridge: not connected")
	}
	b.mu.Lock()
	b.loggedIn = false
	b.mu.Unlock()
	if err := remote.Stop(ctx); err != nil {
		return fmt.Errorf("bridge: stopping session: %w", err)
	}
	b.sendNotice(ctx, "Logged out of LINE.")
	return nil
}
