// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeSubprocess is the remote end of a piped control channel.
type fakeSubprocess struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTestTransport(t *testing.T) (*Transport, *fakeSubprocess) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	transport := NewTransport(TransportConfig{
		Conn:   clientConn,
		Logger: slog.New(slog.DiscardHandler),
	})
	t.Cleanup(func() {
		_ = transport.Close()
		_ = serverConn.Close()
	})
	return transport, &fakeSubprocess{conn: serverConn, reader: bufio.NewReader(serverConn)}
}

func (s *fakeSubprocess) readFrame() (map[string]any, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var frame map[string]any
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *fakeSubprocess) writeFrame(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = s.conn.Write(append(data, '\n'))
	return err
}

func (s *fakeSubprocess) writeLine(line string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write([]byte(line + "\n"))
	return err
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRequestResponse(t *testing.T) {
	transport, server := newTestTransport(t)

	serverErr := make(chan error, 1)
	go func() {
		for i := 0; i < 2; i++ {
			frame, err := server.readFrame()
			if err != nil {
				serverErr <- err
				return
			}
			wantID := float64(i + 1)
			if frame["id"] != wantID {
				serverErr <- fmt.Errorf("request %d carried id %v", i+1, frame["id"])
				return
			}
			if frame["command"] != "get_chats" {
				serverErr <- fmt.Errorf("unexpected command %v", frame["command"])
				return
			}
			if err := server.writeFrame(map[string]any{
				"id": frame["id"], "command": "response", "response": []string{"u1"},
			}); err != nil {
				serverErr <- err
				return
			}
		}
		serverErr <- nil
	}()

	ctx := testContext(t)
	for i := 0; i < 2; i++ {
		raw, err := transport.Request(ctx, "get_chats", nil)
		if err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
		var chats []string
		if err := json.Unmarshal(raw, &chats); err != nil || len(chats) != 1 {
			t.Fatalf("request %d returned bad response %s: %v", i+1, raw, err)
		}
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestRequestRemoteError(t *testing.T) {
	transport, server := newTestTransport(t)

	go func() {
		frame, err := server.readFrame()
		if err != nil {
			return
		}
		_ = server.writeFrame(map[string]any{"id": frame["id"], "command": "error", "error": "not logged in"})
	}()

	_, err := transport.Request(testContext(t), "get_chats", nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.Message != "not logged in" {
		t.Errorf("unexpected message: %q", remoteErr.Message)
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	transport, server := newTestTransport(t)

	received := make(chan string, 16)
	transport.Subscribe("message", func(raw json.RawMessage) {
		var frame struct {
			Marker string `json:"marker"`
		}
		_ = json.Unmarshal(raw, &frame)
		received <- frame.Marker
	})

	frames := []map[string]any{
		{"id": -1, "command": "message", "marker": "a"},
		{"id": -1, "command": "message", "marker": "a-replay"},
		{"id": -2, "command": "message", "marker": "b"},
		{"id": -1, "command": "message", "marker": "a-replay-again"},
		{"id": 0, "command": "message", "marker": "no-id"},
		{"id": -3, "command": "message", "marker": "c"},
	}
	for _, frame := range frames {
		if err := server.writeFrame(frame); err != nil {
			t.Fatalf("writing broadcast: %v", err)
		}
	}
	// Undecodable lines must not kill the channel.
	if err := server.writeLine("{not json"); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	if err := server.writeFrame(map[string]any{"id": -4, "command": "message", "marker": "d"}); err != nil {
		t.Fatalf("writing broadcast: %v", err)
	}

	want := map[string]bool{"a": true, "b": true, "c": true, "d": true}
	for len(want) > 0 {
		select {
		case marker := <-received:
			if !want[marker] {
				t.Fatalf("unexpected delivery %q (replay leaked through)", marker)
			}
			delete(want, marker)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for broadcasts, still missing %v", want)
		}
	}
	select {
	case marker := <-received:
		t.Fatalf("extra delivery %q", marker)
	case <-time.After(50 * time.Millisecond):
	}
}

// captureHandler records log messages so tests can assert on them.
type captureHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	h.messages = append(h.messages, record.Message)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) contains(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, logged := range h.messages {
		if logged == message {
			return true
		}
	}
	return false
}

func TestReplayedBroadcastDropIsLogged(t *testing.T) {
	logs := &captureHandler{}
	clientConn, serverConn := net.Pipe()
	transport := NewTransport(TransportConfig{Conn: clientConn, Logger: slog.New(logs)})
	t.Cleanup(func() {
		_ = transport.Close()
		_ = serverConn.Close()
	})
	server := &fakeSubprocess{conn: serverConn, reader: bufio.NewReader(serverConn)}

	received := make(chan struct{}, 4)
	transport.Subscribe("message", func(json.RawMessage) { received <- struct{}{} })

	for _, frame := range []map[string]any{
		{"id": -1, "command": "message"},
		{"id": -1, "command": "message"},
		{"id": -2, "command": "message"},
	} {
		if err := server.writeFrame(frame); err != nil {
			t.Fatalf("writing broadcast: %v", err)
		}
	}

	// The read loop processes lines in order, so once the -2 broadcast
	// has been delivered the replay in between was already handled.
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for broadcast %d", i)
		}
	}
	if !logs.contains("dropping replayed broadcast") {
		t.Error("replay drop was not logged")
	}
}

func TestSequentialHandlerMayIssueRequests(t *testing.T) {
	transport, server := newTestTransport(t)
	ctx := testContext(t)

	const burst = 100
	results := make(chan error, burst)
	transport.Subscribe("message", func(json.RawMessage) {
		_, err := transport.Request(ctx, "get_chat", nil)
		results <- err
	})

	// Deliver the whole burst before answering anything, so the read
	// loop must keep draining while the first handler is blocked
	// waiting for its response.
	for i := 0; i < burst; i++ {
		frame := map[string]any{"id": -(i + 1), "command": "message", "is_sequential": true}
		if err := server.writeFrame(frame); err != nil {
			t.Fatalf("writing broadcast %d: %v", i, err)
		}
	}

	for i := 0; i < burst; i++ {
		frame, err := server.readFrame()
		if err != nil {
			t.Fatalf("reading request %d: %v", i, err)
		}
		if err := server.writeFrame(map[string]any{
			"id": frame["id"], "command": "response", "response": true,
		}); err != nil {
			t.Fatalf("answering request %d: %v", i, err)
		}
	}
	for i := 0; i < burst; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("handler request %d failed: %v", i, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("handler %d never completed", i)
		}
	}
}

func TestSequentialBroadcastOrdering(t *testing.T) {
	transport, server := newTestTransport(t)

	const count = 20
	received := make(chan int, count)
	transport.Subscribe("message", func(raw json.RawMessage) {
		var frame struct {
			Seq int `json:"seq"`
		}
		_ = json.Unmarshal(raw, &frame)
		received <- frame.Seq
	})

	for i := 0; i < count; i++ {
		frame := map[string]any{"id": -(i + 1), "command": "message", "is_sequential": true, "seq": i}
		if err := server.writeFrame(frame); err != nil {
			t.Fatalf("writing broadcast %d: %v", i, err)
		}
	}

	for i := 0; i < count; i++ {
		select {
		case seq := <-received:
			if seq != i {
				t.Fatalf("out of order: got %d at position %d", seq, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out at position %d", i)
		}
	}
}

func TestPendingRequestsFailOnDisconnect(t *testing.T) {
	transport, server := newTestTransport(t)

	requestErr := make(chan error, 1)
	go func() {
		_, err := transport.Request(testContext(t), "get_chats", nil)
		requestErr <- err
	}()

	if _, err := server.readFrame(); err != nil {
		t.Fatalf("reading request: %v", err)
	}
	_ = server.conn.Close()

	if err := <-requestErr; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}

	<-transport.Done()
	if _, err := transport.Request(testContext(t), "get_chats", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("request on dead transport: expected ErrConnectionClosed, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	transport, server := newTestTransport(t)

	kept := make(chan struct{}, 1)
	removed := make(chan struct{}, 1)
	transport.Subscribe("receipt", func(json.RawMessage) { kept <- struct{}{} })
	subscription := transport.Subscribe("receipt", func(json.RawMessage) { removed <- struct{}{} })
	transport.Unsubscribe(subscription)
	transport.Unsubscribe(subscription)

	if err := server.writeFrame(map[string]any{"id": -1, "command": "receipt"}); err != nil {
		t.Fatalf("writing broadcast: %v", err)
	}

	select {
	case <-kept:
	case <-time.After(5 * time.Second):
		t.Fatal("remaining subscription never fired")
	}
	select {
	case <-removed:
		t.Fatal("unsubscribed handler fired")
	case <-time.After(50 * time.Millisecond):
	}
}
