// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"testing"
	"time"
)

func collectSteps(t *testing.T, steps <-chan LoginStep) []LoginStep {
	t.Helper()
	var collected []LoginStep
	for {
		select {
		case step, open := <-steps:
			if !open {
				return collected
			}
			collected = append(collected, step)
		case <-time.After(10 * time.Second):
			t.Fatalf("login step channel stalled after %d steps", len(collected))
		}
	}
}

func TestLoginQRFlow(t *testing.T) {
	client, server := newTestClient(t)

	go func() {
		frame, err := server.readFrame()
		if err != nil {
			return
		}
		if frame["command"] != "login" || frame["login_type"] != "qr" {
			_ = server.writeFrame(map[string]any{"id": frame["id"], "command": "error", "error": "bad login frame"})
			return
		}
		_ = server.writeFrame(map[string]any{"id": -1, "command": "qr", "url": "https://line.example/qr/1"})
		_ = server.writeFrame(map[string]any{"id": -2, "command": "qr", "url": "https://line.example/qr/2"})
		_ = server.writeFrame(map[string]any{"id": -3, "command": "pin", "pin": "4821"})
		_ = server.writeFrame(map[string]any{"id": -4, "command": "login_success"})
		_ = server.writeFrame(map[string]any{"id": frame["id"], "command": "response"})
	}()

	steps := collectSteps(t, client.Login(testContext(t), LoginOptions{Type: "qr"}, nil))
	if len(steps) != 4 {
		t.Fatalf("expected 4 steps, got %d: %+v", len(steps), steps)
	}
	if steps[0].Kind != LoginQR || steps[0].URL != "https://line.example/qr/1" {
		t.Errorf("unexpected first step: %+v", steps[0])
	}
	if steps[1].Kind != LoginQR || steps[1].URL != "https://line.example/qr/2" {
		t.Errorf("unexpected second step: %+v", steps[1])
	}
	if steps[2].Kind != LoginPIN || steps[2].PIN != "4821" {
		t.Errorf("unexpected third step: %+v", steps[2])
	}
	if steps[3].Kind != LoginSuccess || !steps[3].Terminal() {
		t.Errorf("unexpected terminal step: %+v", steps[3])
	}
}

func TestLoginFailure(t *testing.T) {
	client, server := newTestClient(t)

	go func() {
		frame, err := server.readFrame()
		if err != nil {
			return
		}
		_ = server.writeFrame(map[string]any{"id": -1, "command": "login_failure", "reason": "wrong password"})
		_ = server.writeFrame(map[string]any{"id": frame["id"], "command": "error", "error": "login failed"})
	}()

	options := LoginOptions{Type: "email", Email: "a@b.c", Password: "hunter2"}
	steps := collectSteps(t, client.Login(testContext(t), options, nil))
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d: %+v", len(steps), steps)
	}
	if steps[0].Kind != LoginFailure || steps[0].Reason != "wrong password" {
		t.Errorf("unexpected step: %+v", steps[0])
	}
}

func TestLoginCancelledWhenInactive(t *testing.T) {
	previous := loginPollInterval
	loginPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { loginPollInterval = previous })

	client, server := newTestClient(t)

	cancelSeen := make(chan struct{})
	go func() {
		loginFrame, err := server.readFrame()
		if err != nil {
			return
		}
		cancelFrame, err := server.readFrame()
		if err != nil {
			return
		}
		if cancelFrame["command"] == "cancel_login" {
			close(cancelSeen)
		}
		_ = server.writeFrame(map[string]any{"id": cancelFrame["id"], "command": "response"})
		_ = server.writeFrame(map[string]any{"id": -1, "command": "login_failure", "reason": "cancelled"})
		_ = server.writeFrame(map[string]any{"id": loginFrame["id"], "command": "error", "error": "cancelled"})
	}()

	steps := collectSteps(t, client.Login(testContext(t), LoginOptions{Type: "qr"}, func() bool { return false }))

	select {
	case <-cancelSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess never received cancel_login")
	}
	if len(steps) != 1 || steps[0].Kind != LoginFailure {
		t.Fatalf("expected a single failure step, got %+v", steps)
	}
}

func TestLoginContextCancel(t *testing.T) {
	previous := loginPollInterval
	loginPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { loginPollInterval = previous })

	client, server := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		loginFrame, err := server.readFrame()
		if err != nil {
			return
		}
		cancel()
		cancelFrame, err := server.readFrame()
		if err != nil {
			return
		}
		_ = server.writeFrame(map[string]any{"id": cancelFrame["id"], "command": "response"})
		_ = server.writeFrame(map[string]any{"id": -1, "command": "login_failure", "reason": "cancelled"})
		_ = server.writeFrame(map[string]any{"id": loginFrame["id"], "command": "error", "error": "cancelled"})
	}()

	steps := collectSteps(t, client.Login(ctx, LoginOptions{Type: "qr"}, nil))
	if len(steps) != 1 || steps[0].Kind != LoginFailure {
		t.Fatalf("expected a single failure step, got %+v", steps)
	}
}
