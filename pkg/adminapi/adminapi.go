// Copyright 2024-2026 Aiku AI

// Package adminapi serves the bridge's operator HTTP API: change-feed
// ingestion, puppet hot reload, user mapping resets, import lane status and
// Prometheus metrics.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
	"github.com/aiku/mattermost-matrix-bridge/pkg/connector"
	"github.com/aiku/mattermost-matrix-bridge/pkg/lanequeue"
)

// maxBodySize is the maximum allowed request body (1 MB).
const maxBodySize = 1 << 20

type ChangeHandler interface {
	HandleChange(ctx context.Context, e *bridge.ChangeEvent) error
}

type PuppetReloader interface {
	Reload(ctx context.Context) (added, removed int)
	ReloadFromEntries(ctx context.Context, entries []connector.PuppetEntry) (added, removed int)
	Count() int
}

type UserResetter interface {
	Reset(ctx context.Context, mmUserID string) (bool, error)
}

type LaneReporter interface {
	LaneStatuses() []lanequeue.LaneStatus
}

// Options selects the routes to serve. Nil fields leave their routes
// unregistered.
type Options struct {
	Changes ChangeHandler
	Puppets PuppetReloader
	Users   UserResetter
	Lanes   LaneReporter
	// Metrics is served at /metrics. Nil uses the default Prometheus gatherer.
	Metrics http.Handler
}

type Server struct {
	opts Options
	log  zerolog.Logger
	mux  *http.ServeMux
}

func New(opts Options, log zerolog.Logger) *Server {
	s := &Server{
		opts: opts,
		log:  log.With().Str("component", "admin_api").Logger(),
		mux:  http.NewServeMux(),
	}
	if opts.Changes != nil {
		s.mux.HandleFunc("POST /api/changes", s.handleChange)
	}
	if opts.Puppets != nil {
		s.mux.HandleFunc("POST /api/reload-puppets", s.handleReloadPuppets)
	}
	if opts.Users != nil {
		s.mux.HandleFunc("DELETE /api/user-mapping/{id}", s.handleResetUser)
	}
	if opts.Lanes != nil {
		s.mux.HandleFunc("GET /api/import/lanes", s.handleLanes)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	s.mux.Handle("GET /metrics", metrics)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// readBody reads a size-limited request body. It returns nil for an empty body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

// handleChange is the HTTP handler for POST /api/changes. The body is a
// single change event in the same shape the WebSocket listener produces.
func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	var change bridge.ChangeEvent
	if err := json.Unmarshal(body, &change); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	log := s.log.With().
		Str("change_type", string(change.Type)).
		Str("operation", string(change.Operation)).
		Str("url", change.URL).
		Logger()
	err := s.opts.Changes.HandleChange(log.WithContext(r.Context()), &change)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case bridge.IsBadRequest(err):
		log.Debug().Err(err).Msg("Rejected change event")
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Err(err).Msg("Failed to handle change event")
		http.Error(w, "failed to handle change", http.StatusInternalServerError)
	}
}

// handleReloadPuppets is the HTTP handler for POST /api/reload-puppets.
// It accepts an optional JSON body with explicit puppet entries; if the body
// is empty or absent, it reloads from environment variables.
func (s *Server) handleReloadPuppets(w http.ResponseWriter, r *http.Request) {
	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Puppet reload requested")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var entries []connector.PuppetEntry
	if len(body) > 0 {
		if err := json.Unmarshal(body, &entries); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	source := "env"
	if len(entries) > 0 {
		source = "body"
	}
	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Int("entries", len(entries)).
		Str("source", source).
		Msg("Processing puppet reload")

	var added, removed int
	if len(entries) > 0 {
		added, removed = s.opts.Puppets.ReloadFromEntries(r.Context(), entries)
	} else {
		added, removed = s.opts.Puppets.Reload(r.Context())
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   s.opts.Puppets.Count(),
	})
}

func (s *Server) handleResetUser(w http.ResponseWriter, r *http.Request) {
	mmUserID := r.PathValue("id")
	existed, err := s.opts.Users.Reset(r.Context(), mmUserID)
	if err != nil {
		s.log.Err(err).Str("mm_user_id", mmUserID).Msg("Failed to reset user mapping")
		http.Error(w, "failed to reset user mapping", http.StatusInternalServerError)
		return
	}
	if !existed {
		http.Error(w, "user mapping not found", http.StatusNotFound)
		return
	}
	s.log.Info().Str("remote_addr", r.RemoteAddr).Str("mm_user_id", mmUserID).Msg("User mapping reset via admin API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLanes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Lanes.LaneStatuses())
}
