// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-bridge/pkg/jsonfile"
)

// AllowList decides which channels bridge. An empty list allows everything
// and direct message channels are always allowed.
type AllowList struct {
	lock   sync.RWMutex
	static map[string]struct{}
	file   map[string]struct{}
}

func NewAllowList(channelIDs []string) *AllowList {
	static := make(map[string]struct{}, len(channelIDs))
	for _, ch := range channelIDs {
		static[ch] = struct{}{}
	}
	return &AllowList{static: static}
}

// Allowed reports whether channelID may bridge.
func (a *AllowList) Allowed(channelID string, direct bool) bool {
	if a == nil || direct {
		return true
	}
	a.lock.RLock()
	defer a.lock.RUnlock()
	if len(a.static) == 0 && len(a.file) == 0 {
		return true
	}
	if _, ok := a.static[channelID]; ok {
		return true
	}
	_, ok := a.file[channelID]
	return ok
}

// LoadFile replaces the file-sourced entries with the JSON string array at path.
// A missing file clears them.
func (a *AllowList) LoadFile(path string) error {
	var ids []string
	if _, err := jsonfile.Read(path, &ids); err != nil {
		return fmt.Errorf("failed to read allow-list file: %w", err)
	}
	file := make(map[string]struct{}, len(ids))
	for _, ch := range ids {
		file[ch] = struct{}{}
	}
	a.lock.Lock()
	a.file = file
	a.lock.Unlock()
	return nil
}

// Watch loads path and reloads it whenever it changes until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (a *AllowList) Watch(ctx context.Context, path string, log zerolog.Logger) error {
	if err := a.LoadFile(path); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch allow-list directory: %w", err)
	}
	log = log.With().Str("component", "allow_list").Str("path", path).Logger()
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
					continue
				}
				if err := a.LoadFile(path); err != nil {
					log.Warn().Err(err).Msg("Failed to reload allow-list")
				} else {
					log.Info().Stringer("op", evt.Op).Msg("Reloaded allow-list")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Allow-list watcher error")
			}
		}
	}()
	return nil
}
