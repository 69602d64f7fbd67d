// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
)

// Context describes one tunnel.
type Context struct {
	// SessionID is a unique identifier for this tunnel
	SessionID string

	// StreamID is the logical stream id
	StreamID uint32

	// ProxyName is the configured service name
	ProxyName string

	// ProxyType is tcp, udp, socks5 or ftp
	ProxyType string

	// LocalAddr is the backend address
	LocalAddr string

	// RemoteAddr is the target requested by a SOCKS5 peer
	RemoteAddr string
}

// Handler defines the tunnel lifecycle hooks.
type Handler interface {
	// AuthOpen authorizes a tunnel before its backend is dialed.
	// Return an error to reject the tunnel.
	AuthOpen(ctx context.Context, hctx *Context) error

	// OnConnect is called after the backend connection is established.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called once when the tunnel is torn down.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a handler that accepts every tunnel.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthOpen(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
