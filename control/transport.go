// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// EventHandler receives the raw frame of an accepted broadcast.
type EventHandler func(json.RawMessage)

// Subscription identifies a registered event handler. Subscriptions
// are compared by pointer identity; subscribing the same function
// twice yields two independent subscriptions.
type Subscription struct {
	event   string
	handler EventHandler
}

// frameHeader is the bookkeeping portion of an incoming frame.
type frameHeader struct {
	ID           int64  `json:"id"`
	Command      string `json:"command"`
	IsSequential bool   `json:"is_sequential"`
	Error        string `json:"error"`
}

type response struct {
	data json.RawMessage
	err  error
}

type inboundEvent struct {
	command string
	raw     json.RawMessage
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Conn is the connection to the automation subprocess. Required.
	Conn net.Conn

	// Logger receives transport diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Transport multiplexes requests and broadcasts over one JSON-lines
// connection. All methods are safe for concurrent use.
type Transport struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	nextRequestID int64
	pending       map[int64]chan response
	watermark     int64
	subscriptions map[string][]*Subscription
	closed        bool

	// Sequential events queue here for the single ordered consumer.
	// The queue is unbounded: sequential handlers issue requests back
	// through this transport, so enqueueing must never block the read
	// loop or the response a handler is waiting for could not arrive.
	seqMu     sync.Mutex
	seqCond   *sync.Cond
	seqQueue  []inboundEvent
	seqClosed bool

	done chan struct{}
}

// NewTransport wraps an established connection and starts the read
// loop. The caller must eventually call Close.
func NewTransport(cfg TransportConfig) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := &Transport{
		conn:          cfg.Conn,
		logger:        logger,
		pending:       make(map[int64]chan response),
		subscriptions: make(map[string][]*Subscription),
		done:          make(chan struct{}),
	}
	transport.seqCond = sync.NewCond(&transport.seqMu)
	go transport.readLoop()
	go transport.sequentialLoop()
	return transport
}

// Dial connects to the automation subprocess over the given network
// ("unix" or "tcp") and address, returning a running transport.
func Dial(ctx context.Context, network, address string, logger *slog.Logger) (*Transport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("control: dialing %s %s: %w", network, address, err)
	}
	return NewTransport(TransportConfig{Conn: conn, Logger: logger}), nil
}

// Close tears down the connection. Pending requests fail with
// ErrConnectionClosed.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Done is closed once the read loop has exited and all pending
// requests have been failed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Request sends a command frame and waits for the matching response.
// payload must marshal to a JSON object (or be nil); its fields are
// merged into the frame beside id and command.
func (t *Transport) Request(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	frame := map[string]json.RawMessage{}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("control: encoding %s payload: %w", command, err)
		}
		if err := json.Unmarshal(encoded, &frame); err != nil {
			return nil, fmt.Errorf("control: %s payload is not an object: %w", command, err)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	t.nextRequestID++
	requestID := t.nextRequestID
	responseChan := make(chan response, 1)
	t.pending[requestID] = responseChan
	t.mu.Unlock()

	frame["id"], _ = json.Marshal(requestID)
	frame["command"], _ = json.Marshal(command)
	line, err := json.Marshal(frame)
	if err != nil {
		t.abandon(requestID)
		return nil, fmt.Errorf("control: encoding %s frame: %w", command, err)
	}
	line = append(line, '\n')

	t.writeMu.Lock()
	_, err = t.conn.Write(line)
	t.writeMu.Unlock()
	if err != nil {
		t.abandon(requestID)
		return nil, fmt.Errorf("control: writing %s frame: %w", command, err)
	}

	select {
	case result := <-responseChan:
		if result.err != nil {
			return nil, result.err
		}
		return result.data, nil
	case <-ctx.Done():
		t.abandon(requestID)
		return nil, ctx.Err()
	}
}

func (t *Transport) abandon(requestID int64) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

// Subscribe registers a handler for a broadcast event. The returned
// subscription is the handle for Unsubscribe.
func (t *Transport) Subscribe(event string, handler EventHandler) *Subscription {
	subscription := &Subscription{event: event, handler: handler}
	t.mu.Lock()
	t.subscriptions[event] = append(t.subscriptions[event], subscription)
	t.mu.Unlock()
	return subscription
}

// Unsubscribe removes a subscription. Removing one twice is a no-op.
func (t *Transport) Unsubscribe(subscription *Subscription) {
	if subscription == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.subscriptions[subscription.event]
	for i, registered := range handlers {
		if registered == subscription {
			t.subscriptions[subscription.event] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
}

func (t *Transport) readLoop() {
	reader := bufio.NewReaderSize(t.conn, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 1 {
			t.handleLine(line)
		}
		if err != nil {
			break
		}
	}
	t.shutdown()
}

// shutdown fails every pending request and stops delivery. Runs once,
// when the read loop exits.
func (t *Transport) shutdown() {
	t.mu.Lock()
	t.closed = true
	pending := t.pending
	t.pending = make(map[int64]chan response)
	t.mu.Unlock()

	for _, responseChan := range pending {
		responseChan <- response{err: ErrConnectionClosed}
	}
	t.seqMu.Lock()
	t.seqClosed = true
	t.seqMu.Unlock()
	t.seqCond.Broadcast()
	_ = t.conn.Close()
	close(t.done)
}

func (t *Transport) handleLine(line []byte) {
	var header frameHeader
	if err := json.Unmarshal(line, &header); err != nil {
		t.logger.Warn("dropping undecodable control frame", "error", err)
		return
	}

	switch {
	case header.ID > 0:
		t.resolveRequest(header, line)
	case header.ID < 0:
		t.handleBroadcast(header, line)
	default:
		t.logger.Warn("dropping control frame without id", "command", header.Command)
	}
}

func (t *Transport) resolveRequest(header frameHeader, line []byte) {
	t.mu.Lock()
	responseChan, found := t.pending[header.ID]
	delete(t.pending, header.ID)
	t.mu.Unlock()
	if !found {
		t.logger.Warn("dropping response for unknown request", "id", header.ID)
		return
	}

	if header.Command == "error" {
		responseChan <- response{err: &RemoteError{Message: header.Error}}
		return
	}
	var body struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(line, &body); err != nil {
		responseChan <- response{err: fmt.Errorf("control: decoding response %d: %w", header.ID, err)}
		return
	}
	responseChan <- response{data: body.Response}
}

func (t *Transport) handleBroadcast(header frameHeader, line []byte) {
	t.mu.Lock()
	// Broadcast ids decrease monotonically. Replays after a subprocess
	// reconnect reuse old (higher) ids and must be dropped.
	if header.ID >= t.watermark {
		watermark := t.watermark
		t.mu.Unlock()
		t.logger.Debug("dropping replayed broadcast", "id", header.ID, "watermark", watermark)
		return
	}
	t.watermark = header.ID
	t.mu.Unlock()

	raw := json.RawMessage(append([]byte(nil), line...))
	if header.IsSequential {
		t.seqMu.Lock()
		t.seqQueue = append(t.seqQueue, inboundEvent{command: header.Command, raw: raw})
		t.seqMu.Unlock()
		t.seqCond.Signal()
		return
	}
	go t.dispatch(header.Command, raw)
}

func (t *Transport) sequentialLoop() {
	for {
		t.seqMu.Lock()
		for len(t.seqQueue) == 0 && !t.seqClosed {
			t.seqCond.Wait()
		}
		if len(t.seqQueue) == 0 {
			t.seqMu.Unlock()
			return
		}
		event := t.seqQueue[0]
		t.seqQueue = t.seqQueue[1:]
		t.seqMu.Unlock()
		t.dispatch(event.command, event.raw)
	}
}

func (t *Transport) dispatch(event string, raw json.RawMessage) {
	t.mu.Lock()
	handlers := make([]*Subscription, len(t.subscriptions[event]))
	copy(handlers, t.subscriptions[event])
	t.mu.Unlock()

	for _, subscription := range handlers {
		subscription.handler(raw)
	}
}
