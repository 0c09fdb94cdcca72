// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
	"github.com/aiku/mattermost-matrix-bridge/pkg/importer"
)

// maxPerPage is the largest page the Mattermost API serves.
const maxPerPage = 200

// Client is the bridge bot's Mattermost session.
type Client struct {
	apiPoster

	serverURL string
	teamID    string
	botUserID string
	botName   string
	log       zerolog.Logger
}

var (
	_ bridge.Mattermost = (*Client)(nil)
	_ importer.Source   = (*Client)(nil)
)

// NewClient creates a client for the bot token. Connect must be called
// before use.
func NewClient(serverURL, token, teamID string, log zerolog.Logger) *Client {
	api := model.NewAPIv4Client(serverURL)
	api.SetToken(token)
	return &Client{
		apiPoster: apiPoster{api: api},
		serverURL: strings.TrimSuffix(serverURL, "/"),
		teamID:    teamID,
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

// Connect verifies the bot token and resolves the team when none is
// configured.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Str("server_url", c.serverURL).Msg("Connecting to Mattermost")
	me, _, err := c.api.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	c.botUserID = me.Id
	c.botName = me.Username
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if c.teamID == "" {
		teams, _, err := c.api.GetTeamsForUser(ctx, c.botUserID, "")
		if err != nil {
			return fmt.Errorf("failed to get teams: %w", err)
		}
		if len(teams) > 0 {
			c.teamID = teams[0].Id
			c.log.Info().Str("team_id", c.teamID).Str("team_name", teams[0].Name).Msg("Using first team of bot")
		}
	}
	return nil
}

func (c *Client) BotUserID() string { return c.botUserID }

// BotUsername returns the username of the bot account.
func (c *Client) BotUsername() string { return c.botName }

func (c *Client) ServerURL() string { return c.serverURL }

// Token returns the bot's access token.
func (c *Client) Token() string { return c.api.AuthToken }

func (c *Client) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	channel, _, err := c.api.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %s: %w", channelID, err)
	}
	return channel, nil
}

// GetChannelMembers returns every member of a channel.
func (c *Client) GetChannelMembers(ctx context.Context, channelID string) (model.ChannelMembers, error) {
	var all model.ChannelMembers
	for page := 0; ; page++ {
		members, _, err := c.api.GetChannelMembers(ctx, channelID, page, maxPerPage, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get members of channel %s: %w", channelID, err)
		}
		all = append(all, members...)
		if len(members) < maxPerPage {
			return all, nil
		}
	}
}

func (c *Client) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, _, err := c.api.GetUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return user, nil
}

func (c *Client) GetPost(ctx context.Context, postID string) (*model.Post, error) {
	post, _, err := c.api.GetPost(ctx, postID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s: %w", postID, err)
	}
	return post, nil
}

func (c *Client) GetPostThread(ctx context.Context, postID string) (*model.PostList, error) {
	thread, _, err := c.api.GetPostThread(ctx, postID, "", false)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread of %s: %w", postID, err)
	}
	return thread, nil
}

func (c *Client) CreateDirectChannel(ctx context.Context, userID1, userID2 string) (*model.Channel, error) {
	channel, _, err := c.api.CreateDirectChannel(ctx, userID1, userID2)
	if err != nil {
		return nil, fmt.Errorf("failed to create direct channel: %w", err)
	}
	return channel, nil
}

// TeamChannels lists the team channels the bot is a member of.
func (c *Client) TeamChannels(ctx context.Context) ([]*model.Channel, error) {
	if c.teamID == "" {
		return nil, errors.New("no team configured")
	}
	channels, _, err := c.api.GetChannelsForTeamForUser(ctx, c.teamID, c.botUserID, false, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channels of team %s: %w", c.teamID, err)
	}
	return channels, nil
}

// PostsAfter returns up to limit posts following afterPostID, oldest first.
// An empty afterPostID starts at the oldest post of the channel, which takes
// a walk back through the whole channel.
func (c *Client) PostsAfter(ctx context.Context, channelID, afterPostID string, limit int) ([]*model.Post, error) {
	limit = min(max(limit, 1), maxPerPage)
	var first *model.Post
	if afterPostID == "" {
		oldest, err := c.oldestPost(ctx, channelID)
		if err != nil || oldest == nil {
			return nil, err
		}
		first, afterPostID = oldest, oldest.Id
		limit--
	}
	var posts []*model.Post
	if limit > 0 {
		list, _, err := c.api.GetPostsAfter(ctx, channelID, afterPostID, 0, limit, "", false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get posts after %s: %w", afterPostID, err)
		}
		posts = chronological(list)
	}
	if first != nil {
		posts = append([]*model.Post{first}, posts...)
	}
	return posts, nil
}

// oldestPost pages backwards through a channel and returns its first post.
func (c *Client) oldestPost(ctx context.Context, channelID string) (*model.Post, error) {
	var oldest *model.Post
	for page := 0; ; page++ {
		list, _, err := c.api.GetPostsForChannel(ctx, channelID, page, maxPerPage, "", false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get posts of channel %s: %w", channelID, err)
		}
		posts := chronological(list)
		if len(posts) > 0 {
			oldest = posts[0]
		}
		if len(list.Order) < maxPerPage {
			return oldest, nil
		}
	}
}

// chronological returns the posts of a list sorted oldest first.
func chronological(list *model.PostList) []*model.Post {
	if list == nil {
		return nil
	}
	posts := list.ToSlice()
	slices.SortFunc(posts, func(a, b *model.Post) int {
		return cmp.Or(cmp.Compare(a.CreateAt, b.CreateAt), cmp.Compare(a.Id, b.Id))
	})
	return posts
}

// apiPoster writes posts through a Client4 session.
type apiPoster struct {
	api *model.Client4
}

var _ bridge.Poster = apiPoster{}

func (p apiPoster) CreatePost(ctx context.Context, post *model.Post) (*model.Post, error) {
	created, _, err := p.api.CreatePost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	return created, nil
}

func (p apiPoster) PatchPost(ctx context.Context, postID string, patch *model.PostPatch) (*model.Post, error) {
	patched, _, err := p.api.PatchPost(ctx, postID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to patch post %s: %w", postID, err)
	}
	return patched, nil
}

func (p apiPoster) DeletePost(ctx context.Context, postID string) error {
	if _, err := p.api.DeletePost(ctx, postID); err != nil {
		return fmt.Errorf("failed to delete post %s: %w", postID, err)
	}
	return nil
}
