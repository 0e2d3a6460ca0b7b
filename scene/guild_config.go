package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// GuildPolicy is the per-guild configuration for automatic image handling
type GuildPolicy struct {
	GuildID uint64 `json:"guild_id,string"`

	// AutoResizeEnabled replaces single-emoji (and double static emoji)
	// messages with a resized image
	AutoResizeEnabled bool `json:"auto_resize_enabled"`

	// DefaultSizeTier is the size single static emoji are resized to
	DefaultSizeTier SizeTier `json:"default_size_tier"`

	// AutoWebPTransferEnabled replaces messages with a single animated
	// WebP attachment with a GIF
	AutoWebPTransferEnabled bool `json:"auto_webp_transfer_enabled"`
}

// DefaultGuildPolicy returns the policy used for guilds with no
// stored configuration
func DefaultGuildPolicy(guildID uint64) GuildPolicy {
	return GuildPolicy{GuildID: guildID, DefaultSizeTier: SizeTierAuto}
}

func (p GuildPolicy) document() GuildPolicyDocument {
	return GuildPolicyDocument{
		GuildID:             p.GuildID,
		AutoMagnitudeEnable: p.AutoResizeEnabled,
		AutoMagnitudeConfig: p.DefaultSizeTier.String(),
		AutoTransferWebP:    p.AutoWebPTransferEnabled,
	}
}

func (p GuildPolicy) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("guild_id", p.GuildID),
		slog.Bool("auto_resize_enabled", p.AutoResizeEnabled),
		slog.String("default_size_tier", p.DefaultSizeTier.String()),
		slog.Bool("auto_webp_transfer_enabled", p.AutoWebPTransferEnabled),
	)
}

// GuildPolicyUpdate is a partial update to a GuildPolicy. Nil fields
// are left unchanged.
type GuildPolicyUpdate struct {
	AutoResizeEnabled       *bool     `json:"auto_resize_enabled,omitempty"`
	DefaultSizeTier         *SizeTier `json:"default_size_tier,omitempty"`
	AutoWebPTransferEnabled *bool     `json:"auto_webp_transfer_enabled,omitempty"`
}

func (u GuildPolicyUpdate) apply(p *GuildPolicy) {
	if u.AutoResizeEnabled != nil {
		p.AutoResizeEnabled = *u.AutoResizeEnabled
	}
	if u.DefaultSizeTier != nil {
		p.DefaultSizeTier = *u.DefaultSizeTier
	}
	if u.AutoWebPTransferEnabled != nil {
		p.AutoWebPTransferEnabled = *u.AutoWebPTransferEnabled
	}
}

type guildEntry struct {
	mu     sync.Mutex
	policy GuildPolicy
	// removed is set once the guild is dropped from the store. Updates
	// to a removed entry aren't persisted.
	removed bool
}

// GuildPolicyHandle is a reference to the live policy of a guild.
// It remains valid after the guild is removed from the store, but
// updates made through it are neither visible via the store nor
// persisted.
type GuildPolicyHandle struct {
	entry *guildEntry
	store *GuildConfigStore
}

// Snapshot returns a copy of the current policy
func (h *GuildPolicyHandle) Snapshot() GuildPolicy {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.policy
}

// Update applies fn to the policy and writes the result to the document
// store while still holding the guild's lock, so writes for a guild are
// persisted in the order they were made. A failed write is logged and
// counted, and the in-memory change is kept. fn must not block.
func (h *GuildPolicyHandle) Update(ctx context.Context, fn func(p *GuildPolicy)) GuildPolicy {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	guildID := h.entry.policy.GuildID
	fn(&h.entry.policy)
	h.entry.policy.GuildID = guildID
	if h.entry.removed {
		h.store.logger.DebugContext(
			ctx,
			"guild was removed, not persisting update",
			"guild_id", guildID,
		)
		return h.entry.policy
	}
	h.store.persist(ctx, h.entry.policy)
	return h.entry.policy
}

// BootLoadResult summarizes a BootLoad call
type BootLoadResult struct {
	Loaded  int `json:"loaded"`
	Created int `json:"created"`
	Failed  int `json:"failed"`
}

// GuildConfigStore holds the live policy of every guild the bot is in,
// backed by a PolicyDocumentStore. Guilds are independent: each has
// its own lock, and operations on one guild never wait on another.
type GuildConfigStore struct {
	mu              sync.RWMutex
	guilds          map[uint64]*guildEntry
	documents       PolicyDocumentStore
	bootConcurrency int
	persistFailures atomic.Int64
	logger          *slog.Logger
}

func NewGuildConfigStore(
	documents PolicyDocumentStore,
	bootConcurrency int,
	logger *slog.Logger,
) *GuildConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	if bootConcurrency < 1 {
		bootConcurrency = DefaultBootConcurrency
	}
	return &GuildConfigStore{
		guilds:          map[uint64]*guildEntry{},
		documents:       documents,
		bootConcurrency: bootConcurrency,
		logger:          logger.With(loggerNameKey, "guild_config"),
	}
}

// Get returns a handle to the guild's policy, if the guild is loaded
func (s *GuildConfigStore) Get(guildID uint64) (*GuildPolicyHandle, bool) {
	s.mu.RLock()
	entry, ok := s.guilds[guildID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &GuildPolicyHandle{entry: entry, store: s}, true
}

// Snapshot returns a copy of the guild's current policy
func (s *GuildConfigStore) Snapshot(guildID uint64) (GuildPolicy, error) {
	h, ok := s.Get(guildID)
	if !ok {
		return GuildPolicy{}, ErrGuildPolicyNotFound
	}
	return h.Snapshot(), nil
}

// Len returns the number of loaded guilds
func (s *GuildConfigStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.guilds)
}

// Policies returns a snapshot of every loaded policy, ordered by guild ID
func (s *GuildConfigStore) Policies() []GuildPolicy {
	s.mu.RLock()
	entries := make([]*guildEntry, 0, len(s.guilds))
	for _, e := range s.guilds {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	policies := make([]GuildPolicy, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		policies = append(policies, e.policy)
		e.mu.Unlock()
	}
	sort.Slice(
		policies, func(i, j int) bool {
			return policies[i].GuildID < policies[j].GuildID
		},
	)
	return policies
}

// PersistFailures returns the number of writes to the document store
// which have failed
func (s *GuildConfigStore) PersistFailures() int64 {
	return s.persistFailures.Load()
}

// ToggleAutoResize flips AutoResizeEnabled and returns the new policy
func (s *GuildConfigStore) ToggleAutoResize(ctx context.Context, guildID uint64) (
	GuildPolicy,
	error,
) {
	return s.update(
		ctx, guildID, func(p *GuildPolicy) {
			p.AutoResizeEnabled = !p.AutoResizeEnabled
		},
	)
}

// ToggleAutoWebPTransfer flips AutoWebPTransferEnabled and returns the
// new policy
func (s *GuildConfigStore) ToggleAutoWebPTransfer(
	ctx context.Context,
	guildID uint64,
) (GuildPolicy, error) {
	return s.update(
		ctx, guildID, func(p *GuildPolicy) {
			p.AutoWebPTransferEnabled = !p.AutoWebPTransferEnabled
		},
	)
}

func (s *GuildConfigStore) SetDefaultSizeTier(
	ctx context.Context,
	guildID uint64,
	tier SizeTier,
) (GuildPolicy, error) {
	if !tier.Valid() {
		return GuildPolicy{}, fmt.Errorf("%w: %d", ErrUnknownSizeTier, int(tier))
	}
	return s.update(
		ctx, guildID, func(p *GuildPolicy) {
			p.DefaultSizeTier = tier
		},
	)
}

// SetPolicy applies a partial update to the guild's policy
func (s *GuildConfigStore) SetPolicy(
	ctx context.Context,
	guildID uint64,
	u GuildPolicyUpdate,
) (GuildPolicy, error) {
	if u.DefaultSizeTier != nil && !u.DefaultSizeTier.Valid() {
		return GuildPolicy{}, fmt.Errorf(
			"%w: %d",
			ErrUnknownSizeTier,
			int(*u.DefaultSizeTier),
		)
	}
	return s.update(ctx, guildID, u.apply)
}

func (s *GuildConfigStore) update(
	ctx context.Context,
	guildID uint64,
	fn func(p *GuildPolicy),
) (GuildPolicy, error) {
	h, ok := s.Get(guildID)
	if !ok {
		return GuildPolicy{}, ErrGuildPolicyNotFound
	}
	return h.Update(ctx, fn), nil
}

// UpsertDefault adds a default policy for the guild and persists it,
// if the guild isn't already loaded. The current policy is returned,
// along with true if it was created.
func (s *GuildConfigStore) UpsertDefault(ctx context.Context, guildID uint64) (
	GuildPolicy,
	bool,
) {
	entry, created := s.insert(DefaultGuildPolicy(guildID))
	if !created {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.policy, false
	}
	defer entry.mu.Unlock()
	s.logger.InfoContext(ctx, "added default guild policy", "guild_id", guildID)
	s.persist(ctx, entry.policy)
	return entry.policy, true
}

// insert adds policy if its guild isn't loaded, returning the new entry
// still locked, so nothing else can update it until the caller is done
// initializing it. If the guild is already loaded, the existing
// (unlocked) entry is returned.
func (s *GuildConfigStore) insert(policy GuildPolicy) (*guildEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.guilds[policy.GuildID]; ok {
		return entry, false
	}
	entry := &guildEntry{policy: policy}
	entry.mu.Lock()
	s.guilds[policy.GuildID] = entry
	return entry, true
}

// Remove drops the guild's policy from memory, without touching the
// document store
func (s *GuildConfigStore) Remove(guildID uint64) error {
	s.mu.Lock()
	entry, ok := s.guilds[guildID]
	if ok {
		delete(s.guilds, guildID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrGuildPolicyNotFound
	}

	// waits for any in-flight update to finish persisting
	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()
	return nil
}

// Destroy removes the guild from memory, then deletes its stored
// document. Updates through existing handles are no longer persisted,
// so the document isn't recreated. A failure to delete the document
// is logged and counted. ErrGuildPolicyNotFound is returned if the
// guild wasn't loaded, after its document is deleted.
func (s *GuildConfigStore) Destroy(ctx context.Context, guildID uint64) error {
	logger := s.logger.With("guild_id", guildID)
	removeErr := s.Remove(guildID)
	if err := s.documents.Delete(ctx, guildID); err != nil &&
		!errors.Is(err, ErrPolicyDocumentNotFound) {
		s.persistFailures.Add(1)
		logger.ErrorContext(ctx, "failed to delete guild policy document", tint.Err(err))
	}
	if removeErr != nil {
		return removeErr
	}
	logger.InfoContext(ctx, "removed guild policy")
	return nil
}

// Load makes sure the guild's policy is in memory. If the guild is
// already loaded, its current policy is kept. Otherwise, the stored
// document is used, or a default policy is created if there isn't one.
func (s *GuildConfigStore) Load(ctx context.Context, guildID uint64) (GuildPolicy, error) {
	policy, _, err := s.load(ctx, guildID)
	return policy, err
}

// load is Load, also reporting whether a new default policy was created
func (s *GuildConfigStore) load(ctx context.Context, guildID uint64) (
	GuildPolicy,
	bool,
	error,
) {
	if h, ok := s.Get(guildID); ok {
		return h.Snapshot(), false, nil
	}

	doc, err := s.documents.Get(ctx, guildID)
	switch {
	case errors.Is(err, ErrPolicyDocumentNotFound):
		policy, created := s.UpsertDefault(ctx, guildID)
		return policy, created, nil
	case err != nil:
		return GuildPolicy{}, false, fmt.Errorf("failed to load guild %d: %w", guildID, err)
	}

	entry, created := s.insert(doc.Policy())
	if !created {
		entry.mu.Lock()
	}
	defer entry.mu.Unlock()
	if created {
		s.logger.DebugContext(ctx, "loaded guild policy", "policy", entry.policy)
	}
	return entry.policy, false, nil
}

// Reload replaces the guild's in-memory policy with its stored
// document. The document is read while holding the guild's lock, so
// updates to the guild wait for the reload to finish.
// ErrGuildPolicyNotFound is returned for guilds that aren't loaded.
func (s *GuildConfigStore) Reload(ctx context.Context, guildID uint64) (GuildPolicy, error) {
	h, ok := s.Get(guildID)
	if !ok {
		return GuildPolicy{}, ErrGuildPolicyNotFound
	}
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	if h.entry.removed {
		return GuildPolicy{}, ErrGuildPolicyNotFound
	}
	doc, err := s.documents.Get(ctx, guildID)
	if err != nil {
		return GuildPolicy{}, err
	}
	h.entry.policy = doc.Policy()
	return h.entry.policy, nil
}

// BootLoad loads each guild concurrently. A guild that fails to load
// is logged and skipped.
func (s *GuildConfigStore) BootLoad(ctx context.Context, guildIDs []uint64) BootLoadResult {
	var loaded, created, failed atomic.Int64

	g := &errgroup.Group{}
	g.SetLimit(s.bootConcurrency)
	for _, guildID := range guildIDs {
		g.Go(
			func() error {
				_, isNew, err := s.load(ctx, guildID)
				if err != nil {
					failed.Add(1)
					s.logger.ErrorContext(
						ctx,
						"failed to load guild policy",
						"guild_id", guildID,
						tint.Err(err),
					)
					return nil
				}
				if isNew {
					created.Add(1)
				} else {
					loaded.Add(1)
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	result := BootLoadResult{
		Loaded:  int(loaded.Load()),
		Created: int(created.Load()),
		Failed:  int(failed.Load()),
	}
	s.logger.InfoContext(
		ctx,
		"loaded guild policies",
		"loaded", result.Loaded,
		"created", result.Created,
		"failed", result.Failed,
	)
	return result
}

func (s *GuildConfigStore) persist(ctx context.Context, policy GuildPolicy) {
	if err := s.documents.Upsert(ctx, policy.document()); err != nil {
		s.persistFailures.Add(1)
		s.logger.ErrorContext(
			ctx,
			"failed to persist guild policy",
			"policy", policy,
			tint.Err(err),
		)
	}
}
