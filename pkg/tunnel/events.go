// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Nurdich/xfrpc/pkg/backend"
	xerrors "github.com/Nurdich/xfrpc/pkg/errors"
	"github.com/Nurdich/xfrpc/pkg/event"
	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/transport"
)

// HandleEvent advances the state machine of the client ev belongs to.
// Events for unknown streams are dropped.
func (e *Engine) HandleEvent(ev event.Event) {
	if e.metrics != nil {
		e.metrics.Event(ev.Side.String(), ev.Kind.String())
	}

	c, ok := e.registry.Get(ev.StreamID)
	if !ok {
		e.logger.Debug("event for unknown stream", slog.String("event", ev.String()))
		return
	}

	switch ev.Side {
	case event.Backend:
		e.backendEvent(c, ev)
	case event.Control:
		e.controlEvent(c, ev)
	}
}

// SendTail writes the early data of c to its backend and clears it. It
// returns the number of bytes written; later calls return 0.
func (e *Engine) SendTail(c *ProxyClient) int {
	if c == nil || len(c.tail) == 0 || c.backend == nil {
		return 0
	}

	tail := c.tail
	c.tail = nil
	n, err := c.backend.Write(tail)
	if err != nil {
		e.logger.Debug("failed to send early data",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("error", err.Error()))
	}
	return n
}

func (e *Engine) backendEvent(c *ProxyClient, ev event.Event) {
	if c.backend == nil || c.backendState == ConnClosed {
		return
	}

	switch ev.Kind {
	case event.Connected:
		e.connected(c)
	case event.Writable:
		e.drain(c)
		e.finishDrained(c)
	case event.EOF, event.Error:
		if !c.connected {
			addr := c.backend.Addr()
			e.logger.Error("backend connect failed",
				slog.Uint64("stream", uint64(c.id)),
				slog.String("proxy", c.proxyName()),
				slog.String("address", addr),
				slog.Any("error", ev.Err))
			e.fail(c, "dial")
			return
		}
		e.logger.Debug("backend closed",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("kind", ev.Kind.String()),
			slog.Any("error", ev.Err))
		c.backendState = ConnClosed
		e.closeStream(c)
	}
}

func (e *Engine) connected(c *ProxyClient) {
	c.connected = true
	c.stream.Establish()

	// The tail precedes anything still buffered on the stream.
	e.SendTail(c)
	e.drain(c)

	if c.svc.Type == service.SOCKS5 {
		c.socks5 = Socks5Established
	}

	if err := e.handler.OnConnect(context.Background(), c.hctx); err != nil {
		e.logger.Warn("connect hook failed",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("error", err.Error()))
	}
	e.logger.Debug("backend connected",
		slog.Uint64("stream", uint64(c.id)),
		slog.String("session", c.hctx.SessionID),
		slog.String("address", c.backend.Addr()))

	// The server finished sending while the backend was dialing.
	if c.control != ConnOpen {
		e.finishBackend(c)
	}
}

func (e *Engine) controlEvent(c *ProxyClient, ev event.Event) {
	switch ev.Kind {
	case event.Connected:
		e.logger.Debug("work connection ready", slog.Uint64("stream", uint64(c.id)))

	case event.Data:
		e.trySOCKS5(c)
		e.drain(c)

	case event.EOF:
		e.trySOCKS5(c)
		e.drain(c)
		if e.transport.Multiplexed() {
			c.control = ConnClosing
		} else {
			e.releaseControl(c)
		}
		e.peerFinished(c)

	case event.Error:
		if !c.stream.Attached() {
			e.logger.Error("work connection failed",
				slog.Uint64("stream", uint64(c.id)),
				slog.String("proxy", c.proxyName()),
				slog.Any("error", ev.Err))
			e.fail(c, "work_conn")
			return
		}
		e.logger.Debug("stream failed",
			slog.Uint64("stream", uint64(c.id)),
			slog.Any("error", ev.Err))
		if e.transport.Multiplexed() {
			e.DeleteProxyClientByStreamID(c.id)
			return
		}
		e.drain(c)
		e.releaseControl(c)
		e.peerFinished(c)

	case event.Closed:
		// Nothing can be relayed once the stream is gone.
		c.control = ConnClosed
		c.backendState = ConnClosed
		e.settle(c)
	}
}

// trySOCKS5 attempts the deferred connect of a waiting socks5 client.
func (e *Engine) trySOCKS5(c *ProxyClient) {
	if !service.IsSOCKS5(c.svc) || c.hctx == nil || c.socks5 != Socks5Init || c.backend != nil {
		return
	}
	err := e.ConnectSOCKS5(c)
	if err != nil && !errors.Is(err, xerrors.ErrNoRemoteAddr) {
		e.logger.Debug("socks5 connect aborted",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("error", err.Error()))
	}
}

// releaseControl closes a work connection without touching the backend.
func (e *Engine) releaseControl(c *ProxyClient) {
	e.transport.CloseStream(c.id)
	c.control = ConnClosed
}

// peerFinished handles the end of the server to backend direction.
func (e *Engine) peerFinished(c *ProxyClient) {
	if _, ok := e.registry.Get(c.id); !ok {
		return
	}
	switch {
	case c.backend == nil:
		c.backendState = ConnClosed
		e.closeStream(c)
	case !c.connected:
		// connected finishes the backend once the dial completes.
	default:
		e.finishBackend(c)
	}
}

// finishBackend stops writing to a connected backend once the stream's
// buffered bytes are written. Datagram backends have no half close and are
// closed right away.
func (e *Engine) finishBackend(c *ProxyClient) {
	if c.svc.Type == service.UDP {
		c.backendState = ConnClosed
		e.closeStream(c)
		return
	}
	c.halfClose = true
	e.finishDrained(c)
}

// finishDrained half closes the backend of c if that is pending and
// nothing is left to write.
func (e *Engine) finishDrained(c *ProxyClient) {
	if !c.halfClose || c.backendState != ConnOpen || c.stream.Buffered() > 0 {
		return
	}
	c.halfClose = false
	c.backend.CloseWrite()
}

// closeStream closes the stream of c on the transport. The client is
// released at once if the stream is fully closed, or after the event.Closed
// confirmation otherwise.
func (e *Engine) closeStream(c *ProxyClient) {
	switch e.transport.CloseStream(c.id) {
	case transport.FullyClosed:
		c.control = ConnClosed
		e.settle(c)
	case transport.StillDraining:
		c.control = ConnClosing
		e.logger.Debug("stream draining", slog.Uint64("stream", uint64(c.id)))
	}
}

// settle removes c once both of its sides are closed.
func (e *Engine) settle(c *ProxyClient) {
	if c.control != ConnClosed || c.backendState != ConnClosed {
		return
	}
	e.DeleteProxyClientByStreamID(c.id)
}

// drain forwards the stream's buffered bytes to a connected backend. Bytes
// the backend refuses stay buffered until it reports event.Writable.
func (e *Engine) drain(c *ProxyClient) {
	if !c.connected || c.backend == nil || c.backendState != ConnOpen || c.relay == nil {
		return
	}
	if c.stream.Buffered() == 0 {
		return
	}

	be, rl := c.backend, c.relay
	_, err := c.stream.Consume(func(buf []byte) (int, error) {
		return rl.Downstream(be, buf)
	})
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrQueueFull):
		e.logger.Debug("backend busy",
			slog.Uint64("stream", uint64(c.id)),
			slog.Int("buffered", c.stream.Buffered()))
	default:
		e.logger.Debug("backend write failed",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("error", err.Error()))
	}
}
