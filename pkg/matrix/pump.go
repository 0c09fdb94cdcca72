// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mattermost-matrix-bridge/pkg/bridge"
)

// handleTimeout bounds one event handler call. Handlers run detached from
// the pump's context so shutdown never interrupts a half-bridged event.
const handleTimeout = time.Minute

// EventHandler receives Matrix events from the pump.
type EventHandler func(ctx context.Context, evt *event.Event) error

// Run serves the transaction endpoint and pumps events into handle until
// ctx is done. Failing to bind the listener, or the server stopping on its
// own, is returned as an error.
func (m *Matrix) Run(ctx context.Context, handle EventHandler) error {
	network, addr := "tcp", m.as.Host.Address()
	if m.as.Host.IsUnixSocket() {
		network, addr = "unix", m.as.Host.Hostname
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("failed to listen for transactions on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: m.as.Router, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	m.as.Ready = true
	m.log.Info().Str("address", ln.Addr().String()).Msg("Listening for transactions")

	pumpCtx, cancel := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		m.Pump(pumpCtx, handle)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		err = fmt.Errorf("transaction listener stopped: %w", err)
	}
	m.as.Ready = false
	cancel()
	<-pumpDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelShutdown()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		m.log.Warn().Err(serr).Msg("Failed to stop transaction listener")
	}
	return err
}

// Pump hands received events to handle one at a time, in transaction order.
func (m *Matrix) Pump(ctx context.Context, handle EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-m.as.Events:
			if evt != nil {
				m.dispatch(ctx, evt, handle)
			}
		}
	}
}

func (m *Matrix) dispatch(ctx context.Context, evt *event.Event, handle EventHandler) {
	log := m.log.With().
		Stringer("event_id", evt.ID).
		Str("event_type", evt.Type.Type).
		Logger()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
	defer cancel()
	err := handle(log.WithContext(ctx), evt)
	switch {
	case err == nil:
	case bridge.IsBadRequest(err):
		log.Debug().Err(err).Msg("Dropped malformed Matrix event")
	default:
		log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to handle Matrix event")
	}
}
