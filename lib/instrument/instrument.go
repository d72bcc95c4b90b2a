// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package instrument holds the process-wide Prometheus counters for
// brokers and fortresses, and serves them over HTTP when a metrics
// address is configured.
//
// Counters are registered on a private registry rather than the
// default one, so importing the package never adds collectors to an
// embedding program's /metrics.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddi_accepted_connections_total",
			Help: "Connections accepted, by role and transport tag.",
		},
		[]string{"role", "transport"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddi_broker_handshakes_total",
			Help: "Broker handshakes, by outcome.",
		},
		[]string{"outcome"},
	)
	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddi_fortress_sessions_total",
			Help: "Fortress session attempts, by outcome.",
		},
		[]string{"outcome"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddi_fortress_messages_total",
			Help: "Messages accepted, delivered and expired by fortresses.",
		},
		[]string{"event"},
	)
	transportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddi_transport_failures_total",
			Help: "Transports that could not be brought up, by tag.",
		},
		[]string{"transport"},
	)
)

func init() {
	registry.MustRegister(
		connections,
		handshakes,
		sessions,
		messages,
		transportFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Roles label accepted connections.
const (
	RoleBroker      = "broker"
	RoleFortress    = "fortress"
	RoleApplication = "application"
)

// Outcomes label handshakes and sessions.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Message events.
const (
	MessageAccepted  = "accepted"
	MessageDelivered = "delivered"
	MessageExpired   = "expired"
	MessageEvicted   = "evicted"
)

// Connection counts one accepted connection.
func Connection(role, transport string) {
	connections.WithLabelValues(role, transport).Inc()
}

// Handshake counts one broker handshake.
func Handshake(outcome string) {
	handshakes.WithLabelValues(outcome).Inc()
}

// Session counts one fortress hello.
func Session(outcome string) {
	sessions.WithLabelValues(outcome).Inc()
}

// Messages adds count to the given message event.
func Messages(event string, count int) {
	if count <= 0 {
		return
	}
	messages.WithLabelValues(event).Add(float64(count))
}

// TransportFailure counts a transport that failed to start.
func TransportFailure(transport string) {
	transportFailures.WithLabelValues(transport).Inc()
}

// Handler returns the HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on address until ctx is cancelled. An empty
// address disables the endpoint and returns immediately.
func Serve(ctx context.Context, address string, logger *slog.Logger) error {
	if address == "" {
		return nil
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("instrument: listening on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("instrument: serving metrics: %w", err)
	}
	return nil
}
