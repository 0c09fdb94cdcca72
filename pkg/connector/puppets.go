// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
)

// PuppetEntry describes a single puppet agent for config-driven loading
// via the hot-reload JSON API.
type PuppetEntry struct {
	Slug  string `json:"slug"`
	MXID  string `json:"mxid"`
	Token string `json:"token"`
	// URL overrides the Mattermost server for this puppet.
	URL string `json:"url,omitempty"`
}

// PuppetClient holds a Mattermost API client for a specific Matrix user,
// allowing their messages to appear as a dedicated Mattermost bot/user.
type PuppetClient struct {
	MXID     id.UserID
	Client   *model.Client4
	UserID   string // Mattermost user/bot ID
	Username string
}

// Puppets is the registry of puppet clients. It is safe for concurrent use.
type Puppets struct {
	serverURL string
	log       zerolog.Logger

	lock    sync.RWMutex
	byMXID  map[id.UserID]*PuppetClient
	environ func() []string
}

var _ bridge.Puppets = (*Puppets)(nil)

// NewPuppets creates an empty registry. Puppets without their own URL use
// serverURL.
func NewPuppets(serverURL string, log zerolog.Logger) *Puppets {
	return &Puppets{
		serverURL: serverURL,
		log:       log.With().Str("component", "puppets").Logger(),
		byMXID:    make(map[id.UserID]*PuppetClient),
		environ:   os.Environ,
	}
}

func (p *Puppets) PosterFor(userID id.UserID) (bridge.Poster, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	puppet, ok := p.byMXID[userID]
	if !ok {
		return nil, false
	}
	return apiPoster{api: puppet.Client}, true
}

// IsPuppetUserID returns true if the given Mattermost user ID belongs to
// any loaded puppet bot.
func (p *Puppets) IsPuppetUserID(mmUserID string) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, puppet := range p.byMXID {
		if puppet.UserID == mmUserID {
			return true
		}
	}
	return false
}

// Count returns the current number of loaded puppets.
func (p *Puppets) Count() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.byMXID)
}

// Reload re-reads puppet configuration from environment variables.
//
// Env var format:
//
//	MATTERMOST_PUPPET_<NAME>_MXID  = @puppet-bot:example.com
//	MATTERMOST_PUPPET_<NAME>_TOKEN = <mattermost bot access token>
//	MATTERMOST_PUPPET_<NAME>_URL   = http://mattermost:8065  (optional)
func (p *Puppets) Reload(ctx context.Context) (added, removed int) {
	return p.ReloadFromEntries(ctx, p.envEntries())
}

// envEntries scans the environment for puppet config pairs.
func (p *Puppets) envEntries() []PuppetEntry {
	const prefix = "MATTERMOST_PUPPET_"
	const mxidSuffix = "_MXID"

	env := make(map[string]string)
	for _, kv := range p.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, prefix) {
			env[key] = value
		}
	}
	var entries []PuppetEntry
	for key, mxid := range env {
		rest := strings.TrimPrefix(key, prefix)
		slug, ok := strings.CutSuffix(rest, mxidSuffix)
		if !ok || slug == "" {
			continue
		}
		token := env[prefix+slug+"_TOKEN"]
		if mxid != "" && token != "" {
			entries = append(entries, PuppetEntry{Slug: slug, MXID: mxid, Token: token, URL: env[prefix+slug+"_URL"]})
		}
	}
	return entries
}

// ReloadFromEntries replaces the registry with entries. New puppets are
// authenticated, missing ones removed, and unchanged ones kept as-is.
func (p *Puppets) ReloadFromEntries(ctx context.Context, entries []PuppetEntry) (added, removed int) {
	desired := make(map[id.UserID]PuppetEntry, len(entries))
	for _, e := range entries {
		desired[id.UserID(e.MXID)] = e
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	for uid := range p.byMXID {
		if _, ok := desired[uid]; !ok {
			p.log.Info().Stringer("mxid", uid).Msg("Removing puppet")
			delete(p.byMXID, uid)
			removed++
		}
	}

	for uid, entry := range desired {
		existing, ok := p.byMXID[uid]
		if ok && existing.Client != nil && existing.Client.AuthToken == entry.Token {
			continue
		}

		serverURL := entry.URL
		if serverURL == "" {
			serverURL = p.serverURL
		}
		client := model.NewAPIv4Client(serverURL)
		client.SetToken(entry.Token)

		me, _, err := client.GetMe(ctx, "")
		if err != nil {
			p.log.Error().Err(err).
				Str("slug", entry.Slug).
				Str("mxid", entry.MXID).
				Msg("Failed to authenticate puppet, skipping")
			continue
		}
		p.byMXID[uid] = &PuppetClient{
			MXID:     uid,
			Client:   client,
			UserID:   me.Id,
			Username: me.Username,
		}
		added++
		p.log.Info().
			Str("slug", entry.Slug).
			Str("mxid", entry.MXID).
			Str("mm_user_id", me.Id).
			Str("mm_username", me.Username).
			Msg("Loaded puppet")
	}

	p.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", len(p.byMXID)).
		Msg("Puppet reload complete")
	return added, removed
}
