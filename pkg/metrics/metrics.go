// Copyright 2024-2026 Aiku AI

// Package metrics registers the bridge's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreLatency records identity store operation latency by operation name.
	StoreLatency *prometheus.HistogramVec

	// EventsHandled counts routed change events by direction, kind and outcome.
	EventsHandled *prometheus.CounterVec

	// EchoesSuppressed counts events dropped by echo prevention.
	EchoesSuppressed *prometheus.CounterVec

	IdentityCacheHits   prometheus.Counter
	IdentityCacheMisses prometheus.Counter

	// ImportedMessages counts messages written by the historical importer.
	ImportedMessages prometheus.Counter
	// ImportFailures counts channels whose import unit failed.
	ImportFailures prometheus.Counter
	// ActiveLanes tracks lanes currently working on an item.
	ActiveLanes prometheus.Gauge
)

var initOnce sync.Once

// Init registers all collectors with the given constant labels. Only the
// first call registers; later calls are no-ops.
func Init(constLabels prometheus.Labels) {
	initOnce.Do(func() {
		reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
		f := promauto.With(reg)

		StoreLatency = f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mattermost_bridge_store_latency_seconds",
			Help:    "Identity store operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"})
		EventsHandled = f.NewCounterVec(prometheus.CounterOpts{
			Name: "mattermost_bridge_events_total",
			Help: "Change events routed by the bridge",
		}, []string{"direction", "kind", "outcome"})
		EchoesSuppressed = f.NewCounterVec(prometheus.CounterOpts{
			Name: "mattermost_bridge_echoes_suppressed_total",
			Help: "Events dropped by echo prevention",
		}, []string{"direction"})
		IdentityCacheHits = f.NewCounter(prometheus.CounterOpts{
			Name: "mattermost_bridge_identity_cache_hits_total",
			Help: "Ghost identity cache hits",
		})
		IdentityCacheMisses = f.NewCounter(prometheus.CounterOpts{
			Name: "mattermost_bridge_identity_cache_misses_total",
			Help: "Ghost identity cache misses",
		})
		ImportedMessages = f.NewCounter(prometheus.CounterOpts{
			Name: "mattermost_bridge_imported_messages_total",
			Help: "Messages written by the historical importer",
		})
		ImportFailures = f.NewCounter(prometheus.CounterOpts{
			Name: "mattermost_bridge_import_failures_total",
			Help: "Channels whose historical import failed",
		})
		ActiveLanes = f.NewGauge(prometheus.GaugeOpts{
			Name: "mattermost_bridge_active_lanes",
			Help: "Import lanes currently processing a channel",
		})
	})
}

// ObserveEvent increments EventsHandled if metrics are initialized.
func ObserveEvent(direction, kind, outcome string) {
	if EventsHandled != nil {
		EventsHandled.WithLabelValues(direction, kind, outcome).Inc()
	}
}

// ObserveEcho increments EchoesSuppressed if metrics are initialized.
func ObserveEcho(direction string) {
	if EchoesSuppressed != nil {
		EchoesSuppressed.WithLabelValues(direction).Inc()
	}
}

// ObserveCache records an identity cache lookup.
func ObserveCache(hit bool) {
	switch {
	case hit && IdentityCacheHits != nil:
		IdentityCacheHits.Inc()
	case !hit && IdentityCacheMisses != nil:
		IdentityCacheMisses.Inc()
	}
}

// AddImported adds n to ImportedMessages.
func AddImported(n int) {
	if ImportedMessages != nil {
		ImportedMessages.Add(float64(n))
	}
}

// IncImportFailure increments ImportFailures.
func IncImportFailure() {
	if ImportFailures != nil {
		ImportFailures.Inc()
	}
}

// AddActiveLanes moves the ActiveLanes gauge by delta.
func AddActiveLanes(delta float64) {
	if ActiveLanes != nil {
		ActiveLanes.Add(delta)
	}
}
