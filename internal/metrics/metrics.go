// Package metrics exposes Prometheus instrumentation for the proxy engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesForwarded counts frames moved through a proxy connection,
	// labelled by connection id and direction (client_to_target,
	// target_to_client).
	FramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botswitch",
		Name:      "frames_forwarded_total",
		Help:      "Frames forwarded through the proxy.",
	}, []string{"connection", "direction"})

	// FramesDropped counts frames dropped due to decode failures or
	// missing echo correlation.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botswitch",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped instead of forwarded.",
	}, []string{"connection", "reason"})

	// ReconnectAttempts counts target redial attempts.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botswitch",
		Name:      "reconnect_attempts_total",
		Help:      "Target reconnect attempts.",
	}, []string{"connection"})

	// EchoCacheSize tracks the number of pending echo entries per connection.
	EchoCacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "botswitch",
		Name:      "echo_cache_entries",
		Help:      "Pending echo correlation entries.",
	}, []string{"connection"})

	// ActiveClients tracks live client sockets per connection id (0 or 1).
	ActiveClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "botswitch",
		Name:      "active_clients",
		Help:      "Live client sockets.",
	}, []string{"connection"})
)
