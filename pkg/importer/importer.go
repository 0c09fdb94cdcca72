// Copyright 2024-2026 Aiku AI

// Package importer replays the history of Mattermost channels into separate
// historical Matrix rooms.
//
// Each channel is one unit of work. Units run on a fixed number of lanes and
// share nothing but the identity store: a unit imports the posts between the
// newest message already in the channel's historical room and the oldest
// message the live bridge delivered, so runs can be resumed and never bridge
// a post twice.
package importer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
	"github.com/aiku/mattermost-matrix-bridge/pkg/jsonfile"
	"github.com/aiku/mattermost-matrix-bridge/pkg/lanequeue"
	"github.com/aiku/mattermost-matrix-bridge/pkg/metrics"
)

// Source is the part of the Mattermost API the importer reads from.
type Source interface {
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	GetPost(ctx context.Context, postID string) (*model.Post, error)
	// TeamChannels lists the channels of the configured team the bot can read.
	TeamChannels(ctx context.Context) ([]*model.Channel, error)
	// PostsAfter returns up to limit posts created after afterPostID, oldest
	// first. An empty afterPostID starts at the beginning of the channel.
	PostsAfter(ctx context.Context, channelID, afterPostID string, limit int) ([]*model.Post, error)
	GetPostThread(ctx context.Context, postID string) (*model.PostList, error)
}

type Options struct {
	Lanes     int
	BatchSize int
	// RoomDelay is slept between two channels on the same lane.
	RoomDelay          time.Duration
	CheckpointPath     string
	CheckpointInterval time.Duration
	LaneStatusPath     string
	// BulkInsert writes one batch of message mappings per page.
	BulkInsert bool
	// RoomFilterPath limits a run to the channels listed in the file.
	RoomFilterPath string
}

// Progress is reported after every page and when a channel finishes.
type Progress struct {
	RunID     string
	ChannelID string
	Imported  int
	Done      bool
	Err       error
}

type ProgressFunc func(Progress)

// Result summarizes a run.
type Result struct {
	RunID            string
	Channels         int
	Imported         int
	FailedChannelIDs []string
}

// unit is the in-flight import of one channel on one lane.
type unit struct {
	channelID string
	done      chan struct{}
}

// Engine runs historical imports.
type Engine struct {
	bridge *bridge.Bridge
	src    Source
	opts   Options
	log    zerolog.Logger

	progressLock sync.RWMutex
	progress     []ProgressFunc

	inflightLock sync.Mutex
	inflight     map[int]*unit
	queue        *lanequeue.Queue[string]
	imported     int
}

func New(b *bridge.Bridge, src Source, opts Options, log zerolog.Logger) *Engine {
	if opts.Lanes <= 0 {
		opts.Lanes = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 30 * time.Second
	}
	return &Engine{
		bridge:   b,
		src:      src,
		opts:     opts,
		log:      log.With().Str("component", "importer").Logger(),
		inflight: make(map[int]*unit),
	}
}

// OnProgress subscribes fn to progress reports. fn is called from lane
// goroutines and must not block.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.progressLock.Lock()
	e.progress = append(e.progress, fn)
	e.progressLock.Unlock()
}

func (e *Engine) report(p Progress) {
	e.progressLock.RLock()
	defer e.progressLock.RUnlock()
	for _, fn := range e.progress {
		fn(p)
	}
}

// LaneStatuses returns the status of every lane of the current run.
func (e *Engine) LaneStatuses() []lanequeue.LaneStatus {
	e.inflightLock.Lock()
	queue := e.queue
	e.inflightLock.Unlock()
	if queue == nil {
		return nil
	}
	return queue.LaneStatuses()
}

// Run imports every channel of the run: those listed in the room filter file
// or, without one, all team channels. Channels are processed in id order and
// a run resumes after the checkpoint left by an interrupted one.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	log := e.log.With().Str("run_id", runID).Logger()
	ctx = log.WithContext(ctx)

	channelIDs, err := e.channelIDs(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(channelIDs)
	channelIDs = slices.Compact(channelIDs)
	if cp, err := readCheckpoint(e.opts.CheckpointPath); err != nil {
		return nil, err
	} else if cp != nil {
		idx, _ := slices.BinarySearch(channelIDs, cp.ResumeFromRoomID)
		log.Info().
			Str("checkpoint", cp.ResumeFromRoomID).
			Str("previous_run_id", cp.RunID).
			Int("skipped", idx).
			Msg("Resuming from checkpoint")
		channelIDs = channelIDs[idx:]
	}
	log.Info().Int("channels", len(channelIDs)).Int("lanes", e.opts.Lanes).Msg("Starting historical import")

	queue := lanequeue.New(lanequeue.Options[string]{
		Lanes:      e.opts.Lanes,
		ItemID:     func(channelID string) string { return channelID },
		StatusPath: e.opts.LaneStatusPath,
		Log:        log,
	})
	e.inflightLock.Lock()
	e.queue = queue
	e.imported = 0
	e.inflightLock.Unlock()

	stopCheckpoints := e.startCheckpoints(runID)
	err = queue.ProcessFromGenerator(ctx, channelSeq(channelIDs), func(ctx context.Context, lane int, channelID string) error {
		return e.runUnit(ctx, runID, lane, channelID)
	})
	stopCheckpoints()

	result := &Result{
		RunID:            runID,
		Channels:         len(channelIDs),
		FailedChannelIDs: queue.FailedItemIDs(),
	}
	e.inflightLock.Lock()
	result.Imported = e.imported
	e.inflightLock.Unlock()
	if ferr := e.writeFailed(result.FailedChannelIDs); ferr != nil {
		log.Warn().Err(ferr).Msg("Failed to write failed channel list")
	}
	if err != nil {
		return result, err
	}
	if e.opts.CheckpointPath != "" {
		if rerr := os.Remove(e.opts.CheckpointPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			log.Warn().Err(rerr).Msg("Failed to remove checkpoint")
		}
	}
	log.Info().
		Int("imported", result.Imported).
		Int("failed", len(result.FailedChannelIDs)).
		Msg("Historical import finished")
	return result, nil
}

func channelSeq(channelIDs []string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, channelID := range channelIDs {
			if !yield(channelID, nil) {
				return
			}
		}
	}
}

func (e *Engine) channelIDs(ctx context.Context) ([]string, error) {
	if e.opts.RoomFilterPath != "" {
		return ReadRoomFilter(e.opts.RoomFilterPath)
	}
	channels, err := e.src.TeamChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list team channels: %w", err)
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		if e.bridge.AllowList.Allowed(ch.Id, ch.Type == model.ChannelTypeDirect) {
			ids = append(ids, ch.Id)
		}
	}
	return ids, nil
}

// runUnit registers the lane's in-flight handle around one channel import
// and sleeps the room delay afterwards.
func (e *Engine) runUnit(ctx context.Context, runID string, lane int, channelID string) error {
	u := &unit{channelID: channelID, done: make(chan struct{})}
	e.inflightLock.Lock()
	e.inflight[lane] = u
	e.inflightLock.Unlock()
	metrics.AddActiveLanes(1)
	defer func() {
		metrics.AddActiveLanes(-1)
		e.inflightLock.Lock()
		if e.inflight[lane] == u {
			delete(e.inflight, lane)
		}
		e.inflightLock.Unlock()
		close(u.done)
	}()

	n, err := e.ImportChannel(ctx, channelID, func(imported int) {
		e.report(Progress{RunID: runID, ChannelID: channelID, Imported: imported})
	})
	e.inflightLock.Lock()
	e.imported += n
	e.inflightLock.Unlock()
	e.report(Progress{RunID: runID, ChannelID: channelID, Imported: n, Done: true, Err: err})
	if err != nil {
		metrics.IncImportFailure()
		return err
	}

	if e.opts.RoomDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(e.opts.RoomDelay):
		}
	}
	return nil
}

// Shutdown waits for every in-flight unit to finish or ctx to expire.
// Callers cancel the run's context first so lanes stop picking up channels.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.inflightLock.Lock()
	units := make([]*unit, 0, len(e.inflight))
	for _, u := range e.inflight {
		units = append(units, u)
	}
	e.inflightLock.Unlock()
	for _, u := range units {
		select {
		case <-u.done:
		case <-ctx.Done():
			return fmt.Errorf("import of %s still running: %w", u.channelID, ctx.Err())
		}
	}
	return nil
}

// oldestInFlight returns the smallest channel id currently being imported.
func (e *Engine) oldestInFlight() (string, bool) {
	e.inflightLock.Lock()
	defer e.inflightLock.Unlock()
	oldest := ""
	for _, u := range e.inflight {
		if oldest == "" || u.channelID < oldest {
			oldest = u.channelID
		}
	}
	return oldest, oldest != ""
}

func (e *Engine) writeFailed(channelIDs []string) error {
	if e.opts.CheckpointPath == "" || len(channelIDs) == 0 {
		return nil
	}
	return jsonfile.Write(failedPath(e.opts.CheckpointPath), channelIDs)
}

func failedPath(checkpointPath string) string {
	return checkpointPath + ".failed.json"
}
