// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/Nurdich/xfrpc/pkg/handler"
	"github.com/Nurdich/xfrpc/pkg/ratelimit"
)

var _ handler.Handler = (*tunnelHandler)(nil)

// tunnelHandler logs tunnel lifecycles and limits how fast tunnels to each
// service are opened.
type tunnelHandler struct {
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

func newHandler(limiter *ratelimit.Limiter, logger *slog.Logger) *tunnelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &tunnelHandler{limiter: limiter, logger: logger}
}

// AuthOpen implements handler.Handler with per-service rate limiting.
func (h *tunnelHandler) AuthOpen(ctx context.Context, hctx *handler.Context) error {
	if h.limiter != nil && !h.limiter.Allow(hctx.ProxyName) {
		h.logger.Warn("tunnel rate limit exceeded",
			slog.String("proxy", hctx.ProxyName),
			slog.Uint64("stream", uint64(hctx.StreamID)))
		return ratelimit.ErrRateLimitExceeded
	}

	h.logger.Info("tunnel opening",
		slog.String("session", hctx.SessionID),
		slog.Uint64("stream", uint64(hctx.StreamID)),
		slog.String("proxy", hctx.ProxyName),
		slog.String("type", hctx.ProxyType),
		slog.String("local", hctx.LocalAddr),
		slog.String("remote", hctx.RemoteAddr))
	return nil
}

// OnConnect logs the backend connection.
func (h *tunnelHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.logger.Debug("tunnel connected",
		slog.String("session", hctx.SessionID),
		slog.String("proxy", hctx.ProxyName),
		slog.String("remote", hctx.RemoteAddr))
	return nil
}

// OnDisconnect logs the end of the tunnel.
func (h *tunnelHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.logger.Info("tunnel closed",
		slog.String("session", hctx.SessionID),
		slog.String("proxy", hctx.ProxyName))
	return nil
}
