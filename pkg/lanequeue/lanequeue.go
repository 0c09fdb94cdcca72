// Copyright 2024-2026 Aiku AI

// Package lanequeue runs a caller-supplied task over a shared item stream
// with a fixed number of concurrent lanes.
//
// Every lane pulls from the same generator. Pulls are serialized, so the
// generator never hands the same item to two lanes and does not need to be
// safe for concurrent use. A failing task never stops the other lanes; its
// item id is collected and can be read with FailedItemIDs.
package lanequeue

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/mattermost-matrix-bridge/pkg/jsonfile"
)

// Task processes a single item on the given lane.
type Task[T any] func(ctx context.Context, lane int, item T) error

// Options configures a Queue.
type Options[T any] struct {
	// Lanes is the number of concurrent workers. Defaults to 1.
	Lanes int
	// ItemID returns the identifier used for status lookups and failure reports.
	ItemID func(T) string
	// RecentItems bounds the item -> lane lookup cache. Defaults to 1024.
	RecentItems int
	// StatusPath, if set, receives a JSON snapshot of the lane statuses
	// every PersistInterval and once more when processing finishes.
	StatusPath      string
	PersistInterval time.Duration
	Log             zerolog.Logger
}

// LaneStatus describes what a lane is currently doing.
type LaneStatus struct {
	LaneIndex        int            `json:"laneIndex"`
	CurrentItemID    string         `json:"currentItemId,omitempty"`
	StartedAt        time.Time      `json:"startedAt,omitzero"`
	CountersByMetric map[string]int `json:"countersByMetric,omitempty"`
}

// StatusUpdate is a partial LaneStatus. Nil fields are left untouched and
// Counters are merged key by key.
type StatusUpdate struct {
	CurrentItemID *string
	StartedAt     *time.Time
	Counters      map[string]int
}

type statusSnapshot struct {
	UpdatedAt     time.Time    `json:"updatedAt"`
	Lanes         []LaneStatus `json:"lanes"`
	FailedItemIDs []string     `json:"failedItemIds"`
}

// Queue is a bounded-concurrency consumer of an item stream.
type Queue[T any] struct {
	opts   Options[T]
	log    zerolog.Logger
	recent *exsync.RingBuffer[string, int]

	statusLock sync.RWMutex
	statuses   []LaneStatus

	failedLock sync.Mutex
	failed     []string
}

// New creates a Queue. It does not start any goroutines.
func New[T any](opts Options[T]) *Queue[T] {
	if opts.Lanes <= 0 {
		opts.Lanes = 1
	}
	if opts.RecentItems <= 0 {
		opts.RecentItems = 1024
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = 10 * time.Second
	}
	if opts.ItemID == nil {
		opts.ItemID = func(item T) string { return fmt.Sprint(item) }
	}
	statuses := make([]LaneStatus, opts.Lanes)
	for i := range statuses {
		statuses[i] = LaneStatus{LaneIndex: i, CountersByMetric: map[string]int{}}
	}
	return &Queue[T]{
		opts:     opts,
		log:      opts.Log.With().Str("component", "lane_queue").Logger(),
		recent:   exsync.NewRingBuffer[string, int](opts.RecentItems),
		statuses: statuses,
	}
}

// Lanes returns the configured number of lanes.
func (q *Queue[T]) Lanes() int {
	return q.opts.Lanes
}

// ProcessFromGenerator runs task over every item yielded by items and returns
// once all lanes have exhausted the generator. A non-nil error yielded by the
// generator stops all lanes and is returned. Cancelling ctx stops lanes from
// pulling further items; items already in flight are finished first.
func (q *Queue[T]) ProcessFromGenerator(ctx context.Context, items iter.Seq2[T, error], task Task[T]) error {
	next, stop := iter.Pull2(items)
	defer stop()

	var pullLock sync.Mutex
	exhausted := false
	pull := func() (item T, ok bool, err error) {
		pullLock.Lock()
		defer pullLock.Unlock()
		if exhausted {
			return item, false, nil
		}
		item, err, ok = next()
		if !ok {
			exhausted = true
		} else if err != nil {
			exhausted = true
			ok = false
		}
		return
	}

	laneCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	persistDone := make(chan struct{})
	persistStop := make(chan struct{})
	go func() {
		defer close(persistDone)
		q.persistLoop(persistStop)
	}()

	var wg sync.WaitGroup
	for lane := range q.opts.Lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.runLane(laneCtx, lane, pull, task); err != nil {
				cancel(err)
			}
		}()
	}
	wg.Wait()

	close(persistStop)
	<-persistDone
	q.persist()

	if err := context.Cause(laneCtx); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (q *Queue[T]) runLane(ctx context.Context, lane int, pull func() (T, bool, error), task Task[T]) error {
	log := q.log.With().Int("lane", lane).Logger()
	for ctx.Err() == nil {
		item, ok, err := pull()
		if err != nil {
			return fmt.Errorf("failed to fetch next item: %w", err)
		} else if !ok {
			log.Debug().Msg("Lane exhausted generator")
			return nil
		}
		itemID := q.opts.ItemID(item)
		q.recent.Push(itemID, lane)
		now := time.Now()
		q.UpdateLaneStatus(lane, StatusUpdate{CurrentItemID: &itemID, StartedAt: &now})

		if err = task(ctx, lane, item); err != nil {
			log.Err(err).Str("item_id", itemID).Msg("Task failed")
			q.failedLock.Lock()
			q.failed = append(q.failed, itemID)
			q.failedLock.Unlock()
			q.AddCounter(lane, "failed", 1)
		} else {
			q.AddCounter(lane, "completed", 1)
		}

		empty := ""
		q.UpdateLaneStatus(lane, StatusUpdate{CurrentItemID: &empty})
	}
	return nil
}

// GetLaneStatus returns a copy of the status of lane i.
func (q *Queue[T]) GetLaneStatus(i int) (LaneStatus, bool) {
	q.statusLock.RLock()
	defer q.statusLock.RUnlock()
	if i < 0 || i >= len(q.statuses) {
		return LaneStatus{}, false
	}
	return copyStatus(q.statuses[i]), true
}

// LaneStatuses returns a copy of every lane's status.
func (q *Queue[T]) LaneStatuses() []LaneStatus {
	q.statusLock.RLock()
	defer q.statusLock.RUnlock()
	out := make([]LaneStatus, len(q.statuses))
	for i, st := range q.statuses {
		out[i] = copyStatus(st)
	}
	return out
}

// UpdateLaneStatus applies a partial update to lane i. Out-of-range lanes are ignored.
func (q *Queue[T]) UpdateLaneStatus(i int, update StatusUpdate) {
	q.statusLock.Lock()
	defer q.statusLock.Unlock()
	if i < 0 || i >= len(q.statuses) {
		return
	}
	st := &q.statuses[i]
	if update.CurrentItemID != nil {
		st.CurrentItemID = *update.CurrentItemID
	}
	if update.StartedAt != nil {
		st.StartedAt = *update.StartedAt
	}
	for k, v := range update.Counters {
		st.CountersByMetric[k] = v
	}
}

// AddCounter adds delta to a metric counter of lane i.
func (q *Queue[T]) AddCounter(i int, metric string, delta int) {
	q.statusLock.Lock()
	defer q.statusLock.Unlock()
	if i < 0 || i >= len(q.statuses) {
		return
	}
	q.statuses[i].CountersByMetric[metric] += delta
}

// FindLaneIndexFromItemID returns the lane that most recently picked up itemID.
// Only a bounded number of recent items are remembered.
func (q *Queue[T]) FindLaneIndexFromItemID(itemID string) (int, bool) {
	return q.recent.Get(itemID)
}

// FailedItemIDs returns the ids of every item whose task returned an error.
func (q *Queue[T]) FailedItemIDs() []string {
	q.failedLock.Lock()
	defer q.failedLock.Unlock()
	out := make([]string, len(q.failed))
	copy(out, q.failed)
	return out
}

func (q *Queue[T]) persistLoop(stop <-chan struct{}) {
	if q.opts.StatusPath == "" {
		return
	}
	ticker := time.NewTicker(q.opts.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.persist()
		}
	}
}

// persist is best-effort: failures are logged and otherwise ignored.
func (q *Queue[T]) persist() {
	if q.opts.StatusPath == "" {
		return
	}
	snapshot := statusSnapshot{
		UpdatedAt:     time.Now(),
		Lanes:         q.LaneStatuses(),
		FailedItemIDs: q.FailedItemIDs(),
	}
	if err := jsonfile.Write(q.opts.StatusPath, snapshot); err != nil {
		q.log.Warn().Err(err).Str("path", q.opts.StatusPath).Msg("Failed to persist lane status")
	}
}

func copyStatus(st LaneStatus) LaneStatus {
	counters := make(map[string]int, len(st.CountersByMetric))
	for k, v := range st.CountersByMetric {
		counters[k] = v
	}
	st.CountersByMetric = counters
	return st
}
