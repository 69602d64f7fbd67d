// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for xfrpc.
package metrics

import (
	"time"

	"github.com/Nurdich/xfrpc/pkg/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for xfrpc.
type Metrics struct {
	// Proxy client metrics
	ActiveClients  prometheus.Gauge
	ClientsTotal   *prometheus.CounterVec
	TunnelErrors   *prometheus.CounterVec
	TunnelDuration *prometheus.HistogramVec

	// Traffic metrics
	Bytes  *prometheus.CounterVec
	Events *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. A nil reg uses
// the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "xfrpc"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_proxy_clients",
				Help:      "Number of live proxy clients",
			},
		),
		ClientsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_total",
				Help:      "Total number of tunnels started",
			},
			[]string{"type"},
		),
		TunnelErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnel_errors_total",
				Help:      "Total number of tunnels that failed",
			},
			[]string{"type", "reason"},
		),
		TunnelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tunnel_duration_seconds",
				Help:      "Tunnel lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"type"},
		),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Bytes relayed between backends and the server",
			},
			[]string{"type", "direction"},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Connection events handled by the engine",
			},
			[]string{"side", "kind"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
	}
}

// TunnelOpened records a new proxy client.
func (m *Metrics) TunnelOpened(proxyType string) {
	m.ActiveClients.Inc()
	m.ClientsTotal.WithLabelValues(proxyType).Inc()
}

// TunnelClosed records the end of a proxy client.
func (m *Metrics) TunnelClosed(proxyType string, lifetime time.Duration, sent, received int64) {
	m.ActiveClients.Dec()
	m.TunnelDuration.WithLabelValues(proxyType).Observe(lifetime.Seconds())
	m.Bytes.WithLabelValues(proxyType, "upstream").Add(float64(received))
	m.Bytes.WithLabelValues(proxyType, "downstream").Add(float64(sent))
}

// TunnelFailed records a tunnel that could not be established or broke.
func (m *Metrics) TunnelFailed(proxyType, reason string) {
	m.TunnelErrors.WithLabelValues(proxyType, reason).Inc()
}

// Event counts a handled connection event.
func (m *Metrics) Event(side, kind string) {
	m.Events.WithLabelValues(side, kind).Inc()
}

// BreakerStateChanged is a breaker.StateChangeFunc.
func (m *Metrics) BreakerStateChanged(key string, from, to breaker.State) {
	m.CircuitBreakerState.WithLabelValues(key).Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(key).Inc()
	}
}
