// Copyright 2024-2026 Aiku AI

package importer

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
	"github.com/aiku/mattermost-matrix-bridge/pkg/metrics"
	"github.com/aiku/mattermost-matrix-bridge/pkg/store"
)

// commitTimeout bounds a send and its mapping write once started. They run
// detached from the run context so a cancelled run never leaves a sent event
// without its mapping.
const commitTimeout = 30 * time.Second

func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

// boundary is the exclusive upper end of an import: the first message the
// live bridge delivered.
type boundary struct {
	postID string
	sentAt time.Time
}

func newBoundary(m *store.MessageMapping) *boundary {
	if m == nil {
		return nil
	}
	return &boundary{postID: m.PostID, sentAt: m.SentAt}
}

// reached reports whether post is at or past the boundary. A nil boundary is
// never reached.
func (b *boundary) reached(post *model.Post) bool {
	if b == nil {
		return false
	}
	return post.Id == b.postID || !time.UnixMilli(post.CreateAt).Before(b.sentAt)
}

// channelImport is the state of one channel's import.
type channelImport struct {
	e      *Engine
	log    zerolog.Logger
	roomID id.RoomID
	stopAt *boundary
	// pending holds mappings not yet written in bulk mode.
	pending  []*store.MessageMapping
	imported int
}

// ImportChannel imports the history of one channel into its historical room
// and returns the number of posts sent. onPage, if set, is called with the
// running total after every page.
func (e *Engine) ImportChannel(ctx context.Context, channelID string, onPage func(imported int)) (int, error) {
	parent := zerolog.Ctx(ctx)
	if parent.GetLevel() == zerolog.Disabled {
		parent = &e.log
	}
	log := parent.With().Str("channel_id", channelID).Logger()
	ctx = log.WithContext(ctx)

	channel, err := e.src.GetChannel(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("failed to get channel: %w", err)
	}
	live, err := e.bridge.EnsureRoom(ctx, channel)
	if err != nil {
		return 0, err
	} else if live == nil {
		log.Debug().Str("channel_type", string(channel.Type)).Msg("Channel has no room, skipping import")
		return 0, nil
	}
	historical, err := e.bridge.EnsureHistoricalRoom(ctx, channel, live)
	if err != nil {
		return 0, err
	}

	resumeFrom, err := e.bridge.Store.LatestMessageInRoom(ctx, historical)
	if err != nil {
		return 0, fmt.Errorf("failed to get resume point: %w", err)
	}
	stopAt, err := e.bridge.Store.EarliestMessageInRoom(ctx, live.RoomID)
	if err != nil {
		return 0, fmt.Errorf("failed to get stop point: %w", err)
	}
	ci := &channelImport{
		e:      e,
		log:    log,
		roomID: historical,
		stopAt: newBoundary(stopAt),
	}
	evt := log.Info().Stringer("room_id", historical)
	if resumeFrom != nil {
		evt = evt.Str("resume_from", resumeFrom.PostID)
	}
	if stopAt != nil {
		evt = evt.Str("stop_at", stopAt.PostID)
	}
	evt.Msg("Importing channel history")

	err = ci.resume(ctx, channelID, resumeFrom, onPage)
	if ferr := ci.flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	metrics.AddImported(ci.imported)
	if err != nil {
		return ci.imported, err
	}
	log.Info().Int("imported", ci.imported).Msg("Imported channel history")
	return ci.imported, nil
}

// resume continues the main stream after the last imported post. When that
// post was a thread reply, the rest of its thread is imported first and the
// stream restarts after the thread root.
func (ci *channelImport) resume(ctx context.Context, channelID string, resumeFrom *store.MessageMapping, onPage func(int)) error {
	if resumeFrom == nil {
		return ci.stream(ctx, channelID, "", onPage)
	}
	post, err := ci.e.src.GetPost(ctx, resumeFrom.PostID)
	if err != nil {
		return fmt.Errorf("failed to get last imported post: %w", err)
	}
	if post.RootId == "" {
		return ci.stream(ctx, channelID, post.Id, onPage)
	}
	rootMapping, err := ci.e.bridge.Store.GetMessageByPost(ctx, post.RootId)
	if err != nil {
		return fmt.Errorf("failed to get thread root mapping: %w", err)
	}
	if rootMapping != nil && rootMapping.RoomID == ci.roomID {
		root, err := ci.e.src.GetPost(ctx, post.RootId)
		if err != nil {
			return fmt.Errorf("failed to get thread root: %w", err)
		}
		if err = ci.thread(ctx, root, rootMapping.EventID); err != nil {
			return err
		}
	}
	return ci.stream(ctx, channelID, post.RootId, onPage)
}

// stream pages through the channel after the given post until the stop
// boundary or the end of the channel.
func (ci *channelImport) stream(ctx context.Context, channelID, after string, onPage func(int)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		posts, err := ci.e.src.PostsAfter(ctx, channelID, after, ci.e.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to get posts after %q: %w", after, err)
		}
		if len(posts) == 0 {
			return nil
		}
		done, err := ci.page(ctx, posts)
		if ferr := ci.flush(ctx); ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			return err
		}
		if onPage != nil {
			onPage(ci.imported)
		}
		if done || len(posts) < ci.e.opts.BatchSize {
			return nil
		}
		after = posts[len(posts)-1].Id
	}
}

// page imports one page of the main stream. Replies are skipped here and
// imported right after their root. It reports whether the stop boundary was
// reached.
func (ci *channelImport) page(ctx context.Context, posts []*model.Post) (bool, error) {
	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if ci.stopAt.reached(post) {
			ci.log.Debug().Str("post_id", post.Id).Msg("Reached live bridged messages")
			return true, nil
		}
		if post.RootId != "" {
			continue
		}
		eventID, err := ci.send(ctx, post, "")
		if err != nil {
			return false, err
		} else if eventID == "" {
			continue
		}
		if err = ci.thread(ctx, post, eventID); err != nil {
			return false, err
		}
	}
	return false, nil
}

// thread imports the replies of root that precede the stop boundary, oldest
// first, threaded on rootEvent.
func (ci *channelImport) thread(ctx context.Context, root *model.Post, rootEvent id.EventID) error {
	if root.ReplyCount == 0 {
		return nil
	}
	list, err := ci.e.src.GetPostThread(ctx, root.Id)
	if err != nil {
		return fmt.Errorf("failed to get thread %s: %w", root.Id, err)
	}
	replies := make([]*model.Post, 0, len(list.Posts))
	for _, p := range list.Posts {
		if p.Id != root.Id && p.RootId == root.Id {
			replies = append(replies, p)
		}
	}
	slices.SortFunc(replies, func(a, b *model.Post) int {
		return cmp.Or(cmp.Compare(a.CreateAt, b.CreateAt), cmp.Compare(a.Id, b.Id))
	})
	for _, reply := range replies {
		if err = ctx.Err(); err != nil {
			return err
		}
		if ci.stopAt.reached(reply) {
			return nil
		}
		if _, err = ci.send(ctx, reply, rootEvent); err != nil {
			return err
		}
	}
	return nil
}

// send imports a single post and returns its event. Posts that must not be
// imported return an empty event ID; posts already bridged return the event
// they were bridged as.
func (ci *channelImport) send(ctx context.Context, post *model.Post, threadRoot id.EventID) (id.EventID, error) {
	log := ci.log.With().Str("post_id", post.Id).Logger()
	if ci.e.bridge.IsEcho(post) {
		log.Debug().Msg("Skipping post written by the bridge")
		return "", nil
	}
	if post.Type != "" || post.DeleteAt != 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ctx, cancel := commitContext(ctx)
	defer cancel()
	existing, err := ci.e.bridge.Store.GetMessageByPost(ctx, post.Id)
	if err != nil {
		return "", fmt.Errorf("failed to get message mapping: %w", err)
	} else if existing != nil {
		if existing.RoomID != ci.roomID {
			return "", nil
		}
		return existing.EventID, nil
	}
	if ev, ok := ci.pendingEvent(post.Id); ok {
		return ev, nil
	}

	mapping, err := ci.e.bridge.SendPost(ctx, bridge.OutgoingPost{
		Post:       post,
		RoomID:     ci.roomID,
		ThreadRoot: threadRoot,
		Timestamp:  time.UnixMilli(post.CreateAt),
	})
	if err != nil {
		return "", err
	}
	ci.imported++
	if ci.e.opts.BulkInsert {
		ci.pending = append(ci.pending, mapping)
		return mapping.EventID, nil
	}
	if err = ci.e.bridge.Store.UpsertMessage(ctx, mapping); err != nil {
		return "", fmt.Errorf("failed to store message mapping: %w", err)
	}
	return mapping.EventID, nil
}

func (ci *channelImport) pendingEvent(postID string) (id.EventID, bool) {
	for _, m := range ci.pending {
		if m.PostID == postID {
			return m.EventID, true
		}
	}
	return "", false
}

// flush writes the mappings collected in bulk mode. It completes even when
// ctx is already cancelled.
func (ci *channelImport) flush(ctx context.Context) error {
	if len(ci.pending) == 0 {
		return nil
	}
	ctx, cancel := commitContext(ctx)
	defer cancel()
	if err := ci.e.bridge.Store.InsertMessageBatch(ctx, ci.roomID, ci.pending); err != nil {
		return fmt.Errorf("failed to store %d message mappings: %w", len(ci.pending), err)
	}
	ci.pending = ci.pending[:0]
	return nil
}
