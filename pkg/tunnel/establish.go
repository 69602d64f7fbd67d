// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	xerrors "github.com/Nurdich/xfrpc/pkg/errors"
	"github.com/Nurdich/xfrpc/pkg/handler"
	"github.com/Nurdich/xfrpc/pkg/relay"
	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/socks5"
	"github.com/google/uuid"
)

// StartTunnel selects the relay for c and starts dialing its backend.
//
// A failed precondition leaves c untouched and is only logged and
// returned. A rejected or failed dial removes c. socks5 clients do not dial
// here: they stay in Socks5Init until ConnectSOCKS5 knows their target.
func (e *Engine) StartTunnel(c *ProxyClient) error {
	if err := e.checkTunnel(c); err != nil {
		id, proxyType := uint32(0), "unknown"
		if c != nil {
			id, proxyType = c.id, c.proxyType()
		}
		e.logger.Error("failed to start tunnel",
			slog.Uint64("stream", uint64(id)),
			slog.String("error", err.Error()))
		if e.metrics != nil {
			e.metrics.TunnelFailed(proxyType, "precondition")
		}
		return xerrors.New("start", proxyType, id, "", err)
	}

	svc := c.svc
	c.started = time.Now()
	c.hctx = &handler.Context{
		SessionID:  uuid.NewString(),
		StreamID:   c.id,
		ProxyName:  svc.Name,
		ProxyType:  svc.Type.String(),
		LocalAddr:  svc.LocalAddr(),
		RemoteAddr: c.remoteAddr,
	}
	if e.metrics != nil {
		e.metrics.TunnelOpened(svc.Type.String())
	}

	if err := e.handler.AuthOpen(context.Background(), c.hctx); err != nil {
		e.logger.Warn("tunnel rejected",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("proxy", svc.Name),
			slog.String("error", err.Error()))
		e.fail(c, "rejected")
		return xerrors.New("start", svc.Type.String(), c.id, svc.LocalAddr(), err)
	}

	c.relay = relay.For(svc, e.config.Common.ServerAddr)

	// Without multiplexing the work connection is ours to read.
	if !e.transport.Multiplexed() {
		c.stream.Arm(e.sink)
	}

	var (
		be  Backend
		err error
	)
	switch svc.Type {
	case service.UDP:
		be, err = e.connector.ConnectUDP(c.id, svc.LocalIP, svc.LocalPort)
	case service.SOCKS5:
		c.socks5 = Socks5Init
		e.logger.Debug("socks5 tunnel waiting for target",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("session", c.hctx.SessionID))
		return nil
	case service.TCP, service.FTP:
		be, err = e.connector.ConnectTCP(c.id, svc.LocalIP, svc.LocalPort)
	default:
		e.logger.Error("failed to start tunnel",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("proxy", svc.Name),
			slog.Int("type", int(svc.Type)))
		e.fail(c, "precondition")
		return xerrors.New("start", svc.Type.String(), c.id, svc.LocalAddr(), xerrors.ErrNoService)
	}
	if err != nil {
		e.logger.Error("failed to connect backend",
			slog.Uint64("stream", uint64(c.id)),
			slog.String("proxy", svc.Name),
			slog.String("address", svc.LocalAddr()),
			slog.String("error", err.Error()))
		e.fail(c, "dial")
		return xerrors.New("start", svc.Type.String(), c.id, svc.LocalAddr(), err)
	}

	e.attach(c, be)
	e.logger.Debug("tunnel started",
		slog.Uint64("stream", uint64(c.id)),
		slog.String("session", c.hctx.SessionID),
		slog.String("proxy", svc.Name),
		slog.String("type", svc.Type.String()),
		slog.String("address", be.Addr()))
	return nil
}

func (e *Engine) checkTunnel(c *ProxyClient) error {
	switch {
	case c == nil || c.stream == nil:
		return xerrors.ErrNoControlStream
	case e.connector == nil || e.transport == nil:
		return xerrors.ErrNoEventLoop
	case c.svc == nil:
		return xerrors.ErrNoService
	case c.svc.LocalPort == 0:
		return xerrors.ErrNoLocalPort
	}
	return nil
}

// ConnectSOCKS5 dials the target of a socks5 client waiting in Socks5Init.
// The target is the address set with SetRemoteAddr or, failing that, the
// SOCKS5 address at the head of the stream's receive buffer. While that
// address is incomplete it returns an error wrapping
// errors.ErrNoRemoteAddr and leaves c waiting. Any other failure removes c.
func (e *Engine) ConnectSOCKS5(c *ProxyClient) error {
	if c == nil || !service.IsSOCKS5(c.svc) || c.hctx == nil {
		return xerrors.ErrNoService
	}
	if c.socks5 != Socks5Init || c.backend != nil {
		return nil
	}

	addr := c.remoteAddr
	if addr == "" {
		target, err := e.readTarget(c)
		switch {
		case errors.Is(err, socks5.ErrShortBuffer):
			return xerrors.New("socks5 connect", "socks5", c.id, "", xerrors.ErrNoRemoteAddr)
		case err != nil:
			return e.socks5Failed(c, addr, err)
		}
		addr = target.String()
		c.remoteAddr = addr
	}
	c.hctx.RemoteAddr = addr

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return e.socks5Failed(c, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return e.socks5Failed(c, addr, fmt.Errorf("invalid port %q", portStr))
	}

	be, err := e.connector.ConnectTCP(c.id, host, port)
	if err != nil {
		return e.socks5Failed(c, addr, err)
	}

	c.socks5 = Socks5Connecting
	e.attach(c, be)
	e.logger.Debug("socks5 connecting",
		slog.Uint64("stream", uint64(c.id)),
		slog.String("session", c.hctx.SessionID),
		slog.String("target", addr))
	return nil
}

// readTarget consumes the SOCKS5 address at the head of the receive buffer.
func (e *Engine) readTarget(c *ProxyClient) (socks5.Addr, error) {
	var (
		target socks5.Addr
		perr   = socks5.ErrShortBuffer
	)
	c.stream.Consume(func(buf []byte) (int, error) {
		var n int
		target, n, perr = socks5.Parse(buf)
		if perr != nil {
			return 0, nil
		}
		return n, nil
	})
	return target, perr
}

func (e *Engine) socks5Failed(c *ProxyClient, addr string, err error) error {
	e.logger.Error("failed to connect socks5 target",
		slog.Uint64("stream", uint64(c.id)),
		slog.String("target", addr),
		slog.String("error", err.Error()))
	e.fail(c, "dial")
	return xerrors.New("socks5 connect", "socks5", c.id, addr, err)
}

// attach makes be the backend of c and wires the upstream relay.
func (e *Engine) attach(c *ProxyClient, be Backend) {
	c.backend = be
	c.backendState = ConnOpen

	rl, st := c.relay, c.stream
	be.SetReadHandler(func(r io.Reader) error {
		return rl.Upstream(st, r)
	})
	be.Enable()
}

// fail removes a client whose tunnel could not be set up.
func (e *Engine) fail(c *ProxyClient, reason string) {
	if e.metrics != nil {
		e.metrics.TunnelFailed(c.proxyType(), reason)
	}
	e.DeleteProxyClientByStreamID(c.id)
}
