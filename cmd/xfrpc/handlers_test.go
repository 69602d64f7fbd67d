// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Nurdich/xfrpc/pkg/handler"
	"github.com/Nurdich/xfrpc/pkg/ratelimit"
)

func TestTunnelHandlerRateLimit(t *testing.T) {
	h := newHandler(ratelimit.NewLimiter(1, 0), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	ssh := &handler.Context{SessionID: "a", ProxyName: "ssh", ProxyType: "tcp"}
	if err := h.AuthOpen(ctx, ssh); err != nil {
		t.Fatalf("first AuthOpen() error: %v", err)
	}
	if err := h.AuthOpen(ctx, ssh); !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		t.Errorf("second AuthOpen() error = %v, want %v", err, ratelimit.ErrRateLimitExceeded)
	}
	if err := h.AuthOpen(ctx, &handler.Context{ProxyName: "web"}); err != nil {
		t.Errorf("AuthOpen() for another service error: %v", err)
	}

	if err := h.OnConnect(ctx, ssh); err != nil {
		t.Errorf("OnConnect() error: %v", err)
	}
	if err := h.OnDisconnect(ctx, ssh); err != nil {
		t.Errorf("OnDisconnect() error: %v", err)
	}
}

func TestSetupLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if setupLogger(level, "text") == nil {
			t.Errorf("setupLogger(%q) returned nil", level)
		}
	}
}
