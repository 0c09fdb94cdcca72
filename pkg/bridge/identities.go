// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/config"
	"github.com/aiku/mattermost-matrix-bridge/pkg/metrics"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

// Identities resolves Mattermost users to Matrix ghosts. Resolutions are
// cached with a bounded size and TTL; a miss falls through to the store and,
// for unknown users, to ghost registration.
type Identities struct {
	store       store.IdentityStore
	matrix      Matrix
	mm          Mattermost
	displayname func(config.DisplaynameParams) string
	cache       *ristretto.Cache[string, id.UserID]
	ttl         time.Duration
	log         zerolog.Logger
}

type IdentitiesOptions struct {
	CacheSize int64
	CacheTTL  time.Duration
	// Displayname renders a ghost's display name. Nil uses the username.
	Displayname func(config.DisplaynameParams) string
	Log         zerolog.Logger
}

func NewIdentities(st store.IdentityStore, mx Matrix, mm Mattermost, opts IdentitiesOptions) (*Identities, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, id.UserID]{
		NumCounters: opts.CacheSize * 10,
		MaxCost:     opts.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create identity cache: %w", err)
	}
	return &Identities{
		store:       st,
		matrix:      mx,
		mm:          mm,
		displayname: opts.Displayname,
		cache:       cache,
		ttl:         opts.CacheTTL,
		log:         opts.Log.With().Str("component", "identities").Logger(),
	}, nil
}

// Ghost returns the Matrix ghost of a Mattermost user, registering the ghost
// and storing the mapping the first time the user is seen.
func (i *Identities) Ghost(ctx context.Context, mmUserID string) (id.UserID, error) {
	if mmUserID == "" {
		return "", fmt.Errorf("%w: empty mattermost user id", ErrBadRequest)
	}
	if userID, ok := i.cache.Get(mmUserID); ok {
		metrics.ObserveCache(true)
		return userID, nil
	}
	metrics.ObserveCache(false)

	mapping, err := i.store.GetUserByMattermost(ctx, mmUserID)
	if err != nil {
		return "", fmt.Errorf("failed to get user mapping: %w", err)
	} else if mapping != nil {
		i.remember(mmUserID, mapping.MatrixUserID)
		return mapping.MatrixUserID, nil
	}

	ghost := i.matrix.GhostUserID(mmUserID)
	intent := i.matrix.Intent(ghost)
	if err = intent.EnsureRegistered(ctx); err != nil {
		return "", fmt.Errorf("failed to register ghost %s: %w", ghost, err)
	}
	i.syncProfile(ctx, intent, mmUserID)

	mapping, err = i.store.CreateUser(ctx, mmUserID, ghost)
	if errors.Is(err, store.ErrConflict) {
		// Someone else created it first; the stored value must be re-fetched,
		// never overwritten.
		mapping, err = i.store.GetUserByMattermost(ctx, mmUserID)
		if err == nil && mapping == nil {
			return "", fmt.Errorf("ghost %s is already mapped to another mattermost user", ghost)
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to store user mapping: %w", err)
	}
	i.log.Debug().Str("mm_user_id", mmUserID).Stringer("ghost", mapping.MatrixUserID).Msg("Created user mapping")
	i.remember(mmUserID, mapping.MatrixUserID)
	return mapping.MatrixUserID, nil
}

// Existing returns the stored ghost of mmUserID without creating one.
func (i *Identities) Existing(ctx context.Context, mmUserID string) (id.UserID, bool, error) {
	if userID, ok := i.cache.Get(mmUserID); ok {
		return userID, true, nil
	}
	mapping, err := i.store.GetUserByMattermost(ctx, mmUserID)
	if err != nil || mapping == nil {
		return "", false, err
	}
	i.remember(mmUserID, mapping.MatrixUserID)
	return mapping.MatrixUserID, true, nil
}

// MattermostUser resolves a ghost back to its Mattermost user ID.
func (i *Identities) MattermostUser(ctx context.Context, userID id.UserID) (string, bool, error) {
	mapping, err := i.store.GetUserByMatrix(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("failed to get user mapping: %w", err)
	} else if mapping != nil {
		return mapping.MattermostUserID, true, nil
	}
	mmUserID, ok := i.matrix.ParseGhost(userID)
	return mmUserID, ok, nil
}

// Forget drops a cached resolution. Used by admin tooling after a mapping reset.
func (i *Identities) Forget(mmUserID string) {
	i.cache.Del(mmUserID)
}

// Reset deletes the user mapping of mmUserID so the next message re-creates
// it. It reports whether a mapping existed.
func (i *Identities) Reset(ctx context.Context, mmUserID string) (bool, error) {
	mapping, err := i.store.GetUserByMattermost(ctx, mmUserID)
	if err != nil {
		return false, fmt.Errorf("failed to get user mapping: %w", err)
	}
	i.Forget(mmUserID)
	if mapping == nil {
		return false, nil
	}
	if err = i.store.DeleteUser(ctx, mmUserID); err != nil {
		return false, fmt.Errorf("failed to delete user mapping: %w", err)
	}
	i.log.Info().Str("mm_user_id", mmUserID).Stringer("ghost", mapping.MatrixUserID).Msg("Reset user mapping")
	return true, nil
}

func (i *Identities) Close() {
	i.cache.Close()
}

func (i *Identities) remember(mmUserID string, userID id.UserID) {
	i.cache.SetWithTTL(mmUserID, userID, 1, i.ttl)
}

func (i *Identities) syncProfile(ctx context.Context, intent Intent, mmUserID string) {
	user, err := i.mm.GetUser(ctx, mmUserID)
	if err != nil {
		i.log.Warn().Err(err).Str("mm_user_id", mmUserID).Msg("Failed to fetch Mattermost user for ghost profile")
		return
	}
	params := config.DisplaynameParams{
		Username:  user.Username,
		Nickname:  user.Nickname,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}
	name := user.Username
	if i.displayname != nil {
		name = i.displayname(params)
	}
	if err = intent.SetDisplayName(ctx, name); err != nil {
		i.log.Warn().Err(err).Stringer("ghost", intent.UserID()).Msg("Failed to set ghost display name")
	}
}
