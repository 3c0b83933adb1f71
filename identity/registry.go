// Copyright 2026 The Linebridge Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/miscworks/linebridge/control"
	"github.com/miscworks/linebridge/lib/config"
	"github.com/miscworks/linebridge/lib/mediakey"
	"github.com/miscworks/linebridge/lib/ref"
	"github.com/miscworks/linebridge/messaging"
	"github.com/miscworks/linebridge/store"
)

const (
	strangerPrefix = "_STRANGER_"
	ownPrefix      = "_OWN_"

	// strangerInsertAttempts bounds regeneration after a random
	// synthetic ID collides with an existing pool entry.
	strangerInsertAttempts = 8
)

// MediaFetcher reads remote image bytes, typically backed by the
// subprocess read_image command.
type MediaFetcher interface {
	ReadImage(ctx context.Context, imageURL string) (*control.ImageData, error)
}

// IsStrangerMID reports whether a remote ID is a pooled synthetic
// stranger identity rather than a durable remote user ID.
func IsStrangerMID(mid string) bool {
	return strings.HasPrefix(mid, strangerPrefix)
}

// IsOwnMID reports whether a remote ID is a synthetic own-puppet
// identity for a bridge user.
func IsOwnMID(mid string) bool {
	return strings.HasPrefix(mid, ownPrefix)
}

// OwnMID derives the synthetic remote ID that represents a bridge
// user's own outgoing messages. The mapping is deterministic so the
// same user always resolves to the same ghost.
func OwnMID(mxid ref.UserID) string {
	escaped := strings.ReplaceAll(strings.TrimPrefix(mxid.String(), "@"), ":", "_ON_")
	return ownPrefix + escaped
}

// RegistryConfig configures a Registry. Store, Matrix, and Bridge are
// required.
type RegistryConfig struct {
	Store  *store.Store
	Matrix *messaging.Client
	Bridge *config.Config
	Logger *slog.Logger
}

// Registry resolves remote user IDs to ghost puppets, allocating
// stranger identities for participants that have none.
type Registry struct {
	store  *store.Store
	matrix *messaging.Client
	cfg    *config.Config
	logger *slog.Logger

	mu    sync.Mutex
	byMID map[string]*Puppet
}

// NewRegistry builds a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  cfg.Store,
		matrix: cfg.Matrix,
		cfg:    cfg.Bridge,
		logger: logger,
		byMID:  make(map[string]*Puppet),
	}
}

// Get resolves the puppet for a remote user ID, creating its record on
// first reference. Get never touches the homeserver.
func (r *Registry) Get(ctx context.Context, mid string) (*Puppet, error) {
	if mid == "" {
		return nil, fmt.Errorf("identity: empty remote ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if puppet, ok := r.byMID[mid]; ok {
		return puppet, nil
	}

	state, err := r.store.PuppetByMID(ctx, mid)
	if err != nil {
		return nil, fmt.Errorf("identity: loading puppet %s: %w", mid, err)
	}
	if state == nil {
		state = &store.Puppet{MID: mid}
		if err := r.store.UpsertPuppet(ctx, state); err != nil {
			return nil, fmt.Errorf("identity: creating puppet %s: %w", mid, err)
		}
	}

	puppet := &Puppet{
		registry: r,
		state:    *state,
		intent:   r.matrix.Intent(r.cfg.PuppetMXID(mid)),
	}
	r.byMID[mid] = puppet
	return puppet, nil
}

// ByProfile resolves the puppet for a chat participant. Participants
// with a durable ID resolve directly; the rest go through the stranger
// pool by exact (name, avatar path) profile match, reusing a released
// pool entry or minting a fresh synthetic ID when nothing matches.
func (r *Registry) ByProfile(ctx context.Context, participant control.Participant) (*Puppet, error) {
	if participant.ID != "" {
		return r.Get(ctx, participant.ID)
	}

	name := participant.Name
	avatarPath := avatarLocation(participant.Avatar)

	existing, err := r.store.StrangerByProfile(ctx, name, avatarPath)
	if err != nil {
		return nil, fmt.Errorf("identity: matching stranger profile: %w", err)
	}
	if existing != nil {
		return r.Get(ctx, existing.FakeMID)
	}

	released, err := r.store.AnyAvailableStranger(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: checking stranger pool: %w", err)
	}
	if released != nil {
		if err := r.store.UpdateStrangerProfile(ctx, released.FakeMID, name, avatarPath); err != nil {
			return nil, fmt.Errorf("identity: rebinding stranger %s: %w", released.FakeMID, err)
		}
		r.logger.Debug("reused stranger identity", "fake_mid", released.FakeMID, "name", name)
		return r.Get(ctx, released.FakeMID)
	}

	fakeMID, err := r.insertFreshStranger(ctx, name, avatarPath)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("allocated stranger identity", "fake_mid", fakeMID, "name", name)
	return r.Get(ctx, fakeMID)
}

// insertFreshStranger mints a random synthetic ID and inserts the pool
// entry, regenerating on the off chance the ID collides.
func (r *Registry) insertFreshStranger(ctx context.Context, name, avatarPath string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < strangerInsertAttempts; attempt++ {
		seed := make([]byte, 16)
		if _, err := rand.Read(seed); err != nil {
			return "", fmt.Errorf("identity: generating stranger ID: %w", err)
		}
		fakeMID := strangerPrefix + hex.EncodeToString(seed)
		err := r.store.InsertStranger(ctx, &store.Stranger{
			FakeMID:    fakeMID,
			Name:       name,
			AvatarPath: avatarPath,
		})
		if err == nil {
			return fakeMID, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("identity: inserting stranger entry: %w", lastErr)
}

// Release returns a stranger identity to the available pool. Calling
// it with a non-stranger or unknown ID is an error.
func (r *Registry) Release(ctx context.Context, mid string) error {
	if !IsStrangerMID(mid) {
		return fmt.Errorf("identity: %s is not a stranger identity", mid)
	}
	entry, err := r.store.StrangerByFakeMID(ctx, mid)
	if err != nil {
		return fmt.Errorf("identity: looking up stranger %s: %w", mid, err)
	}
	if entry == nil {
		return fmt.Errorf("identity: unknown stranger identity %s", mid)
	}
	if err := r.store.ReleaseStranger(ctx, mid); err != nil {
		return fmt.Errorf("identity: releasing stranger %s: %w", mid, err)
	}
	return nil
}

// Puppet is one ghost account bound to a remote identity. All methods
// are safe for concurrent use.
type Puppet struct {
	registry *Registry
	intent   *messaging.Intent

	mu    sync.Mutex
	state store.Puppet
}

// MID returns the remote identity the puppet represents.
func (p *Puppet) MID() string {
	return p.state.MID
}

// MXID returns the ghost's Matrix user ID.
func (p *Puppet) MXID() ref.UserID {
	return p.intent.UserID()
}

// Intent returns the messaging intent acting as this ghost.
func (p *Puppet) Intent() *messaging.Intent {
	return p.intent
}

// Name returns the last remote display name applied to the ghost.
func (p *Puppet) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Name
}

// EnsureRegistered registers the ghost account once, persisting the
// fact so restarts skip the homeserver call.
func (p *Puppet) EnsureRegistered(ctx context.Context) error {
	p.mu.Lock()
	registered := p.state.Registered
	p.mu.Unlock()
	if registered {
		return nil
	}
	if err := p.intent.EnsureRegistered(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.Registered = true
	state := p.state
	p.mu.Unlock()
	return p.registry.store.UpsertPuppet(ctx, &state)
}

// UpdateProfile applies a remote profile to the ghost's Matrix
// account. Unchanged fields that were already applied are skipped, and
// avatar bytes are deduplicated through the media table so the same
// remote image uploads once.
func (p *Puppet) UpdateProfile(ctx context.Context, name string, avatar *control.PathImage, fetcher MediaFetcher) error {
	if err := p.EnsureRegistered(ctx); err != nil {
		return err
	}

	avatarPath := avatarLocation(avatar)

	p.mu.Lock()
	nameStale := !p.state.NameSet || p.state.Name != name
	avatarStale := !p.state.AvatarSet || p.state.AvatarPath != avatarPath
	p.mu.Unlock()

	if nameStale {
		if err := p.intent.SetDisplayName(ctx, p.registry.cfg.PuppetDisplayname(name)); err != nil {
			return fmt.Errorf("identity: setting display name for %s: %w", p.state.MID, err)
		}
		p.mu.Lock()
		p.state.Name = name
		p.state.NameSet = true
		p.mu.Unlock()
	}

	if avatarStale {
		var avatarMXC ref.ContentURI
		if avatarPath != "" {
			uploaded, err := p.uploadAvatar(ctx, avatar, fetcher)
			if err != nil {
				return err
			}
			avatarMXC = uploaded
		}
		if err := p.intent.SetAvatarURL(ctx, avatarMXC); err != nil {
			return fmt.Errorf("identity: setting avatar for %s: %w", p.state.MID, err)
		}
		p.mu.Lock()
		p.state.AvatarPath = avatarPath
		p.state.AvatarMXC = avatarMXC
		p.state.AvatarSet = true
		p.mu.Unlock()
	}

	if !nameStale && !avatarStale {
		return nil
	}
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if err := p.registry.store.UpsertPuppet(ctx, &state); err != nil {
		return fmt.Errorf("identity: persisting puppet %s: %w", p.state.MID, err)
	}
	return nil
}

// uploadAvatar fetches the remote image and uploads it to the
// homeserver, reusing a previous upload of the same content location.
func (p *Puppet) uploadAvatar(ctx context.Context, avatar *control.PathImage, fetcher MediaFetcher) (ref.ContentURI, error) {
	location := avatarLocation(avatar)
	key := mediakey.ForMedia("", location)

	cached, err := p.registry.store.MediaByKey(ctx, key)
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("identity: checking avatar cache: %w", err)
	}
	if cached != nil {
		return cached.MXC, nil
	}

	image, err := fetcher.ReadImage(ctx, location)
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("identity: fetching avatar for %s: %w", p.state.MID, err)
	}
	mxc, err := p.registry.matrix.UploadMedia(ctx, image.Data, image.Mime, "avatar")
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("identity: uploading avatar for %s: %w", p.state.MID, err)
	}

	err = p.registry.store.InsertMedia(ctx, &store.Media{
		Key:  key,
		MXC:  mxc,
		Mime: image.Mime,
		Size: len(image.Data),
	})
	if err != nil {
		return ref.ContentURI{}, fmt.Errorf("identity: recording avatar upload: %w", err)
	}
	return mxc, nil
}

// avatarLocation picks the fetchable location out of a remote avatar
// reference, preferring the URL.
func avatarLocation(avatar *control.PathImage) string {
	if avatar.IsZero() {
		return ""
	}
	if avatar.URL != "" {
		return avatar.URL
	}
	return avatar.Path
}
