// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/identity"
	"github.com/miscworks/linebridge/lib/config"
	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/lib/sealed"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/portal"
	"github.com/miscworks/linebridge/store"
)

// connectionCheckInterval is how often the bridge probes the subprocess
// for remote-session health while connected.
var connectionCheckInterval = time.Minute

// eventTimeout bounds the handling of one broadcast event.
const eventTimeout = 2 * time.Minute

// Config carries the collaborators a Bridge needs.
type Config struct {
	Store    *store.Store
	Matrix   *messaging.Client
	Portals  *portal.Registry
	Identity *identity.Registry
	Bridge   *config.Config

	// Sealer protects stored login credentials. Nil disables credential
	// storage and automatic re-login.
	Sealer *sealed.Sealer

	// Logger receives bridge diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// DialFunc opens the control channel. Defaults to dialing the
	// configured puppeteer address.
	DialFunc func(ctx context.Context) (*control.Client, error)
}

// Bridge owns the bridge user's control-channel connection and its
// lifecycle. All methods are safe for concurrent use.
type Bridge struct {
	store    *store.Store
	matrix   *messaging.Client
	portals  *portal.Registry
	identity *identity.Registry
	cfg      *config.Config
	sealer   *sealed.Sealer
	logger   *slog.Logger
	dial     func(ctx context.Context) (*control.Client, error)

	mxid ref.UserID

	mu            sync.Mutex
	remote        *control.Client
	subscriptions []*control.Subscription
	loggedIn      bool
	remoteUp      bool
	noticeRoom    ref.RoomID
	checkCancel   context.CancelFunc

	loginInProgress atomic.Bool
}

// New builds a Bridge and restores the user's persisted state.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.Store == nil || cfg.Matrix == nil || cfg.Portals == nil ||
		cfg.Identity == nil || cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge: store, matrix, portals, identity, and bridge config are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		store:    cfg.Store,
		matrix:   cfg.Matrix,
		portals:  cfg.Portals,
		identity: cfg.Identity,
		cfg:      cfg.Bridge,
		sealer:   cfg.Sealer,
		logger:   logger,
		dial:     cfg.DialFunc,
		mxid:     cfg.Bridge.BridgeUser(),
	}
	if b.dial == nil {
		b.dial = func(ctx context.Context) (*control.Client, error) {
			network, address := b.cfg.PuppeteerAddress()
			transport, err := control.Dial(ctx, network, address, b.logger)
			if err != nil {
				return nil, err
			}
			return control.NewClient(transport, b.logger), nil
		}
	}

	user, err := b.store.UserByMXID(ctx, b.mxid)
	if err != nil {
		return nil, fmt.Errorf("bridge: loading user state: %w", err)
	}
	if user != nil {
		b.noticeRoom = user.NoticeRoom
	}
	return b, nil
}

// Connect dials the subprocess, registers the user, and starts the
// remote session. A logged-in session triggers a full sync; a
// logged-out one triggers automatic re-login when stored credentials
// exist, and a prompt otherwise.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.remote != nil {
		b.mu.Unlock()
		return fmt.Errorf("bridge: already connected")
	}
	b.mu.Unlock()

	client, err := b.dial(ctx)
	if err != nil {
		return err
	}
	if err := client.Register(ctx, b.mxid); err != nil {
		client.Close()
		return fmt.Errorf("bridge: registering %s: %w", b.mxid, err)
	}
	status, err := client.Start(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("bridge: starting session: %w", err)
	}
	b.logger.Info("session started",
		"is_logged_in", status.IsLoggedIn, "is_connected", status.IsConnected)

	checkCtx, checkCancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.remote = client
	b.loggedIn = status.IsLoggedIn
	b.remoteUp = status.IsConnected
	b.checkCancel = checkCancel
	b.subscriptions = []*control.Subscription{
		client.OnMessage(b.handleMessage),
		client.OnReceipt(b.handleReceipt),
		client.OnLoggedOut(b.handleLoggedOut),
	}
	b.mu.Unlock()

	go b.watchDone(client)
	go b.checkLoop(checkCtx, client)

	if status.IsPermanentlyDisconnected {
		b.sendNotice(ctx, "⚠ LINE has permanently disconnected this session. Log in again to reconnect.")
	}

	if status.IsLoggedIn {
		if err := b.Sync(ctx); err != nil {
			b.logger.Warn("initial sync failed", "error", err)
			b.sendNotice(ctx, "⚠ Initial chat sync failed: "+err.Error())
		}
	} else if !b.tryAutoLogin(ctx) {
		b.sendNotice(ctx, "Not logged in to LINE. Log in to start bridging.")
	}
	return nil
}

// Stop tears down the remote session and the control channel.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	client := b.remote
	subscriptions := b.subscriptions
	checkCancel := b.checkCancel
	b.remote = nil
	b.subscriptions = nil
	b.checkCancel = nil
	b.loggedIn = false
	b.remoteUp = false
	b.mu.Unlock()

	if checkCancel != nil {
		checkCancel()
	}
	if client == nil {
		return
	}
	for _, subscription := range subscriptions {
		client.Unsubscribe(subscription)
	}
	if err := client.Stop(ctx); err != nil {
		b.logger.Warn("stopping session failed", "error", err)
	}
	if err := client.Close(); err != nil {
		b.logger.Warn("closing control channel failed", "error", err)
	}
	b.logger.Info("bridge stopped")
}

// client returns the live control client, or nil.
func (b *Bridge) client() *control.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote
}

// MXID is the bridge user's Matrix ID.
func (b *Bridge) MXID() ref.UserID {
	return b.mxid
}

// Remote returns the control client for portal operations, or nil
// while the channel is down, the session is logged out, or the remote
// service is unreachable.
func (b *Bridge) Remote() portal.RemoteClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remote == nil || !b.loggedIn || !b.remoteUp {
		return nil
	}
	return b.remote
}

// DoublePuppet returns an intent acting as the bridge user's real
// account. Appservice impersonation only works for users on the
// bridge's own homeserver.
func (b *Bridge) DoublePuppet() *messaging.Intent {
	if b.mxid.ServerName() != b.cfg.Homeserver.Domain {
		return nil
	}
	return b.matrix.Intent(b.mxid)
}

// watchDone marks the connection dead once the transport shuts down.
func (b *Bridge) watchDone(client *control.Client) {
	<-client.Done()

	b.mu.Lock()
	if b.remote != client {
		b.mu.Unlock()
		return
	}
	checkCancel := b.checkCancel
	b.remote = nil
	b.subscriptions = nil
	b.checkCancel = nil
	b.loggedIn = false
	b.remoteUp = false
	b.mu.Unlock()

	if checkCancel != nil {
		checkCancel()
	}
	b.logger.Error("control channel closed")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	b.sendNotice(ctx, "⚠ Lost the connection to the LINE automation subprocess. Restart the bridge to reconnect.")
}

// checkLoop probes the remote session and reports health transitions.
func (b *Bridge) checkLoop(ctx context.Context, client *control.Client) {
	ticker := time.NewTicker(connectionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, connectionCheckInterval)
		connected, err := client.IsConnected(probeCtx)
		cancel()
		if err != nil {
			b.logger.Warn("connection probe failed", "error", err)
			continue
		}

		b.mu.Lock()
		changed := b.remote == client && b.remoteUp != connected
		if changed {
			b.remoteUp = connected
		}
		b.mu.Unlock()
		if !changed {
			continue
		}

		noticeCtx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		if connected {
			b.logger.Info("remote session reconnected")
			b.sendNotice(noticeCtx, "Reconnected to LINE.")
		} else {
			b.logger.Warn("remote session disconnected")
			b.sendNotice(noticeCtx, "⚠ Disconnected from LINE. Messages will not be bridged until the connection recovers.")
		}
		cancel()
	}
}

// handleMessage ingests one message broadcast. Message broadcasts
// arrive in order on a single goroutine, so handling stays inline to
// preserve that order.
func (b *Bridge) handleMessage(message control.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	p, err := b.portals.Get(ctx, message.ChatID)
	if err != nil {
		b.logger.Error("resolving portal failed", "chat_id", message.ChatID.String(), "error", err)
		return
	}
	if err := p.HandleRemoteMessage(ctx, b, &message); err != nil {
		b.logger.Error("handling remote message failed",
			"chat_id", message.ChatID.String(), "remote_id", message.ID, "error", err)
	}
}

// handleReceipt applies one read-receipt broadcast.
func (b *Bridge) handleReceipt(receipt control.Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	p, err := b.portals.Get(ctx, receipt.ChatID)
	if err != nil {
		b.logger.Error("resolving portal failed", "chat_id", receipt.ChatID.String(), "error", err)
		return
	}
	if err := p.HandleRemoteReceipt(ctx, b, &receipt); err != nil {
		b.logger.Error("handling receipt failed",
			"chat_id", receipt.ChatID.String(), "remote_id", receipt.ID, "error", err)
	}
}

// handleLoggedOut reacts to a session expiry: the session becomes
// unusable and a re-login is attempted from stored credentials.
func (b *Bridge) handleLoggedOut() {
	b.mu.Lock()
	b.loggedIn = false
	b.mu.Unlock()
	b.logger.Warn("remote session expired")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if b.tryAutoLogin(ctx) {
		return
	}
	b.sendNotice(ctx, "⚠ Logged out of LINE. Log in again to resume bridging.")
}

// tryAutoLogin starts a background email login from stored credentials.
// It reports whether a flow was started.
func (b *Bridge) tryAutoLogin(ctx context.Context) bool {
	if b.sealer == nil {
		return false
	}
	credentials, err := b.store.LoadCredentials(ctx, b.mxid, b.sealer)
	if err != nil {
		b.logger.Warn("loading stored credentials failed", "error", err)
		return false
	}
	if credentials == nil {
		return false
	}

	b.logger.Info("replaying stored credentials")
	go b.autoLogin(control.LoginOptions{
		Type:     "email",
		Email:    credentials.Email,
		Password: credentials.Password,
	})
	return true
}

func (b *Bridge) autoLogin(opts control.LoginOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	steps, err := b.Login(ctx, opts)
	if err != nil {
		b.logger.Warn("automatic login not started", "error", err)
		return
	}
	for step := range steps {
		if step.Kind == control.LoginFailure {
			b.logger.Warn("automatic login failed", "reason", step.Reason)
			b.sendNotice(ctx, "⚠ Automatic re-login failed: "+step.Reason+". Log in manually to resume bridging.")
		}
	}
}
