// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package control turns work connection requests from the server into
// tunnels.
//
// Messages are JSON objects, one per line. The server sends StartWorkConn;
// the agent answers each with a WorkConnReady naming the stream it opened,
// or the reason it could not.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/tunnel"
)

// ErrUnknownProxy is returned for a StartWorkConn naming no configured service.
var ErrUnknownProxy = errors.New("unknown proxy")

// StartWorkConn asks the agent to bridge a new stream to a service.
type StartWorkConn struct {
	ProxyName string `json:"proxy_name"`

	// RemoteAddr is the socks5 target, if the server already knows it.
	RemoteAddr string `json:"remote_addr,omitempty"`

	// Tail is data that must reach the service before anything else.
	Tail []byte `json:"tail,omitempty"`
}

// WorkConnReady answers a StartWorkConn.
type WorkConnReady struct {
	ProxyName string `json:"proxy_name"`
	StreamID  uint32 `json:"stream_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Engine is the part of tunnel.Engine the dispatcher drives.
type Engine interface {
	Submit(ctx context.Context, fn func()) error
	CreateProxyClient() (*tunnel.ProxyClient, error)
	StartTunnel(c *tunnel.ProxyClient) error
	ConnectSOCKS5(c *tunnel.ProxyClient) error
	DeleteProxyClientByStreamID(id uint32)
}

var _ Engine = (*tunnel.Engine)(nil)

// Config configures a Dispatcher.
type Config struct {
	Engine   Engine
	Services map[string]*service.Service
	Logger   *slog.Logger
}

// Dispatcher serves one control connection.
type Dispatcher struct {
	engine   Engine
	services map[string]*service.Service
	logger   *slog.Logger

	wmu sync.Mutex
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		engine:   cfg.Engine,
		services: cfg.Services,
		logger:   cfg.Logger,
	}
}

// Serve reads StartWorkConn messages from r and answers on w until r ends
// or ctx is cancelled. Cancelling ctx closes r if it is an io.Closer.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if rc, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { rc.Close() })
		defer stop()
	}

	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		var msg StartWorkConn
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to decode control message: %w", err)
		}

		reply := WorkConnReady{ProxyName: msg.ProxyName}
		id, err := d.Dispatch(ctx, msg)
		if err != nil {
			d.logger.Warn("work connection refused",
				slog.String("proxy", msg.ProxyName),
				slog.String("error", err.Error()))
			reply.Error = err.Error()
		} else {
			reply.StreamID = id
		}

		d.wmu.Lock()
		err = enc.Encode(reply)
		d.wmu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to answer control message: %w", err)
		}
	}
}

// Dispatch creates a proxy client for msg and starts its tunnel. It returns
// the stream id of the new client.
func (d *Dispatcher) Dispatch(ctx context.Context, msg StartWorkConn) (uint32, error) {
	svc, ok := d.services[msg.ProxyName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProxy, msg.ProxyName)
	}

	var (
		id  uint32
		err error
	)
	serr := d.engine.Submit(ctx, func() {
		c, cerr := d.engine.CreateProxyClient()
		if cerr != nil {
			err = cerr
			return
		}
		id = c.ID()

		c.SetService(svc)
		c.SetTail(msg.Tail)
		if msg.RemoteAddr != "" {
			c.SetRemoteAddr(msg.RemoteAddr)
		}
		if err = d.engine.StartTunnel(c); err != nil {
			// Removing an already removed client is a no-op.
			d.engine.DeleteProxyClientByStreamID(id)
			return
		}
		if service.IsSOCKS5(svc) && msg.RemoteAddr != "" {
			err = d.engine.ConnectSOCKS5(c)
		}
	})
	if serr != nil {
		return 0, serr
	}
	if err != nil {
		return 0, err
	}

	d.logger.Debug("work connection started",
		slog.String("proxy", msg.ProxyName),
		slog.Uint64("stream", uint64(id)))
	return id, nil
}
