// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/identity"
	"github.com/miscworks/linebridge/lib/config"
	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

// RemoteClient is the subset of subprocess commands portals issue.
type RemoteClient interface {
	GetChat(ctx context.Context, chatID ref.ChatID, forceView bool) (*control.ChatInfo, error)
	GetMessages(ctx context.Context, chatID ref.ChatID) (*control.ChatEvents, error)
	ReadImage(ctx context.Context, imageURL string) (*control.ImageData, error)
	Send(ctx context.Context, chatID ref.ChatID, text string) (int64, error)
	SendFile(ctx context.Context, chatID ref.ChatID, filePath string) (int64, error)
	ForgetChat(ctx context.Context, chatID ref.ChatID) error
}

// User is the bridge-user context a portal operation acts on behalf of.
type User interface {
	// MXID is the bridge user's Matrix ID.
	MXID() ref.UserID

	// Remote returns the live control client, or nil while the
	// subprocess connection is down.
	Remote() RemoteClient

	// DoublePuppet returns an intent acting as the bridge user's real
	// Matrix account, or nil when double puppeting is unavailable.
	DoublePuppet() *messaging.Intent
}

// Deps are the collaborators shared by every portal.
type Deps struct {
	Store    *store.Store
	Matrix   *messaging.Client
	Identity *identity.Registry
	Config   *config.Config
	Logger   *slog.Logger
}

// Registry owns the portal instances, one per remote chat. Lookup maps
// are populated lazily and cleared when a portal is deleted.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	byChatID map[ref.ChatID]*Portal
	byRoomID map[ref.RoomID]*Portal
}

// NewRegistry builds a portal registry.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	return &Registry{
		deps:     deps,
		logger:   logger,
		byChatID: make(map[ref.ChatID]*Portal),
		byRoomID: make(map[ref.RoomID]*Portal),
	}
}

// Get resolves the portal for a chat, creating its record on first
// reference. The room itself is not created here.
func (r *Registry) Get(ctx context.Context, chatID ref.ChatID) (*Portal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if portal, ok := r.byChatID[chatID]; ok {
		return portal, nil
	}

	record, err := r.deps.Store.PortalByChatID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("portal: loading %s: %w", chatID, err)
	}
	if record == nil {
		record = &store.Portal{ChatID: chatID, OtherUser: chatID.OtherUser()}
		if err := r.deps.Store.UpsertPortal(ctx, record); err != nil {
			return nil, fmt.Errorf("portal: creating %s: %w", chatID, err)
		}
	}

	portal := r.wrap(record)
	r.byChatID[chatID] = portal
	if !record.RoomID.IsZero() {
		r.byRoomID[record.RoomID] = portal
	}
	return portal, nil
}

// ByRoomID resolves the portal mapped to a Matrix room, or nil when
// the room is not a portal.
func (r *Registry) ByRoomID(ctx context.Context, roomID ref.RoomID) (*Portal, error) {
	r.mu.Lock()
	if portal, ok := r.byRoomID[roomID]; ok {
		r.mu.Unlock()
		return portal, nil
	}
	r.mu.Unlock()

	record, err := r.deps.Store.PortalByRoomID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("portal: loading room %s: %w", roomID, err)
	}
	if record == nil {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if portal, ok := r.byChatID[record.ChatID]; ok {
		r.byRoomID[roomID] = portal
		return portal, nil
	}
	portal := r.wrap(record)
	r.byChatID[record.ChatID] = portal
	r.byRoomID[roomID] = portal
	return portal, nil
}

// LoadMapped returns every portal that already has a room, for startup
// sync.
func (r *Registry) LoadMapped(ctx context.Context) ([]*Portal, error) {
	records, err := r.deps.Store.PortalsWithRoom(ctx)
	if err != nil {
		return nil, fmt.Errorf("portal: loading mapped portals: %w", err)
	}
	portals := make([]*Portal, 0, len(records))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range records {
		portal, ok := r.byChatID[record.ChatID]
		if !ok {
			portal = r.wrap(record)
			r.byChatID[record.ChatID] = portal
			r.byRoomID[record.RoomID] = portal
		}
		portals = append(portals, portal)
	}
	return portals, nil
}

func (r *Registry) wrap(record *store.Portal) *Portal {
	return &Portal{
		deps:     r.deps,
		registry: r,
		logger:   r.logger.With("chat_id", record.ChatID.String()),
		record:   *record,
	}
}

// indexRoom records a freshly created room in the lookup map.
func (r *Registry) indexRoom(portal *Portal, roomID ref.RoomID) {
	r.mu.Lock()
	r.byRoomID[roomID] = portal
	r.mu.Unlock()
}

// remove drops a deleted portal from the registry. A later Get mints a
// fresh portal (and room) for the chat.
func (r *Registry) remove(portal *Portal, roomID ref.RoomID) {
	r.mu.Lock()
	delete(r.byChatID, portal.ChatID())
	if !roomID.IsZero() {
		delete(r.byRoomID, roomID)
	}
	r.mu.Unlock()
}
