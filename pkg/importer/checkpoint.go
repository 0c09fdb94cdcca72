// Copyright 2024-2026 Aiku AI

package importer

import (
	"time"

	"github.com/aiku/mattermost-matrix-bridge/pkg/jsonfile"
)

// checkpoint is the file an interrupted run resumes from.
// ResumeFromRoomID holds a Mattermost channel id.
type checkpoint struct {
	ResumeFromRoomID string    `json:"resumeFromRoomId"`
	RunID            string    `json:"runId,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt,omitzero"`
}

func readCheckpoint(path string) (*checkpoint, error) {
	if path == "" {
		return nil, nil
	}
	var cp checkpoint
	found, err := jsonfile.Read(path, &cp)
	if err != nil || !found || cp.ResumeFromRoomID == "" {
		return nil, err
	}
	return &cp, nil
}

// startCheckpoints rewrites the checkpoint every interval with the oldest
// in-flight channel until the returned func is called. The func writes one
// last checkpoint if a channel is still in flight.
func (e *Engine) startCheckpoints(runID string) func() {
	if e.opts.CheckpointPath == "" {
		return func() {}
	}
	write := func() {
		channelID, ok := e.oldestInFlight()
		if !ok {
			return
		}
		cp := checkpoint{ResumeFromRoomID: channelID, RunID: runID, UpdatedAt: time.Now()}
		if err := jsonfile.Write(e.opts.CheckpointPath, cp); err != nil {
			e.log.Warn().Err(err).Str("path", e.opts.CheckpointPath).Msg("Failed to write checkpoint")
		}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.opts.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				write()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
		write()
	}
}
