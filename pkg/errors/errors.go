// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the tunnel client.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNoControlStream indicates a proxy client without a stream towards the server.
	ErrNoControlStream = errors.New("proxy client has no control stream")

	// ErrNoEventLoop indicates the engine has no backend connector to dial with.
	ErrNoEventLoop = errors.New("event loop unavailable")

	// ErrNoService indicates a proxy client without a service descriptor.
	ErrNoService = errors.New("no proxy service")

	// ErrNoLocalPort indicates a service descriptor without a local port.
	ErrNoLocalPort = errors.New("proxy service has no local port")

	// ErrNoRemoteAddr indicates a SOCKS5 connect without a target address.
	ErrNoRemoteAddr = errors.New("socks5 target address not set")

	// ErrBackendUnavailable indicates the local backend could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnknownStream indicates no proxy client exists for a stream id.
	ErrUnknownStream = errors.New("unknown stream")
)

// TunnelError wraps an error with the identity of the tunnel it happened on.
type TunnelError struct {
	Op        string // Operation that failed
	ProxyType string // tcp, udp, socks5, ftp
	StreamID  uint32 // Logical stream id
	Addr      string // Backend address, if known
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s stream %d [%s]: %v", e.ProxyType, e.Op, e.StreamID, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s %s stream %d: %v", e.ProxyType, e.Op, e.StreamID, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError. It returns nil if err is nil.
func New(op, proxyType string, streamID uint32, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:        op,
		ProxyType: proxyType,
		StreamID:  streamID,
		Addr:      addr,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
