// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Nurdich/xfrpc/pkg/event"
	"github.com/Nurdich/xfrpc/pkg/handler"
	"github.com/Nurdich/xfrpc/pkg/metrics"
	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/transport"
	"github.com/jpillora/sizestr"
)

// ErrEngineStopped is returned by Submit once Run has returned.
var ErrEngineStopped = errors.New("tunnel engine stopped")

// Config holds the engine configuration.
type Config struct {
	// Common is the shared configuration. Only ServerAddr is read.
	Common service.Common

	// Transport provides the logical streams.
	Transport transport.Transport

	// Connector dials backends. Without it tunnels cannot be started.
	Connector Connector

	// Events is the queue transport and connector goroutines post to.
	// Run consumes it and closes it on return.
	Events *event.Queue

	// Handler receives lifecycle hooks. Defaults to handler.NoopHandler.
	Handler handler.Handler

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for engine events
	Logger *slog.Logger
}

// Engine owns the proxy clients and runs their state machines. Except for
// Run, Submit and NumClients, its methods must be called on the loop
// goroutine: from Run itself, from a function passed to Submit, or from a
// test that does not call Run.
type Engine struct {
	config    Config
	transport transport.Transport
	connector Connector
	handler   handler.Handler
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sink      event.Sink

	registry *Registry
	tasks    chan func()
	done     chan struct{}
	running  atomic.Bool
	clients  atomic.Int64
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	var sink event.Sink = event.SinkFunc(func(event.Event) {})
	if cfg.Events != nil {
		sink = cfg.Events
	}
	return &Engine{
		config:    cfg,
		sink:      sink,
		transport: cfg.Transport,
		connector: cfg.Connector,
		handler:   cfg.Handler,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		registry:  NewRegistry(),
		tasks:     make(chan func()),
		done:      make(chan struct{}),
	}
}

// Run dispatches events and submitted functions until ctx is cancelled,
// then clears every proxy client.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("tunnel engine already running")
	}
	defer func() {
		close(e.done)
		e.ClearAllProxyClients()
		if e.config.Events != nil {
			e.config.Events.Close()
		}
	}()

	var events <-chan event.Event
	if e.config.Events != nil {
		events = e.config.Events.C()
	}

	e.logger.Info("tunnel engine started",
		slog.String("server", e.config.Common.ServerAddr),
		slog.Bool("multiplexed", e.transport != nil && e.transport.Multiplexed()))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("tunnel engine stopping", slog.Int("clients", e.registry.Len()))
			return nil
		case ev := <-events:
			e.HandleEvent(ev)
		case fn := <-e.tasks:
			fn()
		}
	}
}

// Submit runs fn on the loop goroutine and waits until it has run.
func (e *Engine) Submit(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case e.tasks <- task:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NumClients returns the number of live proxy clients. It is safe to call
// from any goroutine.
func (e *Engine) NumClients() int {
	return int(e.clients.Load())
}

// CreateProxyClient opens a new stream and registers a client for it.
func (e *Engine) CreateProxyClient() (*ProxyClient, error) {
	if e.transport == nil {
		return nil, errors.New("no stream transport")
	}

	id := e.transport.NextStreamID()
	st, err := e.transport.NewStream(id, transport.StateInit)
	if err != nil {
		e.logger.Error("failed to create proxy client",
			slog.Uint64("stream", uint64(id)),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to create proxy client: %w", err)
	}

	c := newProxyClient(id, st)
	if err := e.registry.Add(c); err != nil {
		e.transport.RemoveStream(id)
		e.logger.Error("failed to register proxy client",
			slog.Uint64("stream", uint64(id)),
			slog.String("error", err.Error()))
		return nil, err
	}
	e.clients.Add(1)

	e.logger.Debug("proxy client created", slog.Uint64("stream", uint64(id)))
	return c, nil
}

// LookupProxyClient returns the client for id, if any.
func (e *Engine) LookupProxyClient(id uint32) (*ProxyClient, bool) {
	return e.registry.Get(id)
}

// DeleteProxyClientByStreamID removes the stream and its client. It is a
// no-op for an unknown id.
func (e *Engine) DeleteProxyClientByStreamID(id uint32) {
	if e.transport != nil {
		e.transport.RemoveStream(id)
	}

	c, ok := e.registry.Get(id)
	if !ok {
		return
	}
	e.retire(c)
	e.registry.Remove(id)
	e.clients.Add(-1)
}

// ClearAllProxyClients removes every stream, then every client.
func (e *Engine) ClearAllProxyClients() {
	if e.transport != nil {
		e.transport.ClearStreams()
	}
	e.registry.Clear(func(c *ProxyClient) {
		e.retire(c)
		e.clients.Add(-1)
	})
}

// retire runs the bookkeeping of a client about to leave the registry.
func (e *Engine) retire(c *ProxyClient) {
	if c.hctx == nil {
		return
	}

	var sent, received int64
	if c.backend != nil {
		sent, received = c.backend.Stats()
	}

	attrs := []any{
		slog.Uint64("stream", uint64(c.id)),
		slog.String("proxy", c.proxyName()),
		slog.String("type", c.proxyType()),
		slog.String("sent", sizestr.ToString(sent)),
		slog.String("received", sizestr.ToString(received)),
	}
	switch c.svc.Type {
	case service.SOCKS5:
		attrs = append(attrs, slog.String("target", c.remoteAddr))
	case service.TCP, service.UDP, service.FTP:
		attrs = append(attrs, slog.String("local", c.svc.LocalAddr()))
	}
	e.logger.Debug("tunnel closed", attrs...)

	if err := e.handler.OnDisconnect(context.Background(), c.hctx); err != nil {
		e.logger.Warn("disconnect hook failed",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("error", err.Error()))
	}
	if e.metrics != nil {
		e.metrics.TunnelClosed(c.proxyType(), time.Since(c.started), sent, received)
	}
}
