// Copyright 2024-2026 Aiku AI

package bridge

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/id"
)

// threadTarget resolves where a reply sent into roomID is attached in Matrix.
// The thread root's mapped event wins; when the root was never bridged into
// roomID the most recent earlier reply that was is used as a plain reply
// target. Mappings in other rooms, such as a historical room, are ignored.
// Both empty means the post is sent unthreaded.
func (b *Bridge) threadTarget(ctx context.Context, roomID id.RoomID, post *model.Post) (root, replyTo id.EventID, err error) {
	if post.RootId == "" {
		return "", "", nil
	}
	rootMapping, err := b.Store.GetMessageByPost(ctx, post.RootId)
	if err != nil {
		return "", "", fmt.Errorf("failed to get thread root mapping: %w", err)
	} else if rootMapping != nil && rootMapping.RoomID == roomID {
		return rootMapping.EventID, "", nil
	}

	thread, err := b.MM.GetPostThread(ctx, post.RootId)
	if err != nil {
		b.Log.Warn().Err(err).Str("root_id", post.RootId).Msg("Failed to get thread, sending unthreaded")
		return "", "", nil
	}
	for _, reply := range earlierReplies(thread, post) {
		mapping, err := b.Store.GetMessageByPost(ctx, reply.Id)
		if err != nil {
			return "", "", fmt.Errorf("failed to get reply mapping: %w", err)
		} else if mapping != nil && mapping.RoomID == roomID {
			return "", mapping.EventID, nil
		}
	}
	return "", "", nil
}

// earlierReplies returns the thread's replies created before post, newest first.
func earlierReplies(thread *model.PostList, post *model.Post) []*model.Post {
	if thread == nil {
		return nil
	}
	var replies []*model.Post
	for _, p := range thread.Posts {
		if p == nil || p.Id == post.Id || p.Id == post.RootId || p.RootId != post.RootId {
			continue
		}
		if p.CreateAt < post.CreateAt || (p.CreateAt == post.CreateAt && p.Id < post.Id) {
			replies = append(replies, p)
		}
	}
	slices.SortFunc(replies, func(a, b *model.Post) int {
		return cmp.Or(cmp.Compare(b.CreateAt, a.CreateAt), cmp.Compare(b.Id, a.Id))
	})
	return replies
}
