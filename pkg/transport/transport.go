// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
)

var (
	// ErrNotAttached is returned when writing to a stream without a connection.
	ErrNotAttached = errors.New("stream has no connection")

	// ErrDuplicateStream is returned when a stream id is registered twice.
	ErrDuplicateStream = errors.New("duplicate stream id")
)

// CloseResult is the outcome of CloseStream.
type CloseResult int

const (
	// StillDraining means the stream is half closed and a later
	// event.Closed notification will confirm the close.
	StillDraining CloseResult = iota

	// FullyClosed means both directions are closed.
	FullyClosed
)

func (r CloseResult) String() string {
	if r == FullyClosed {
		return "fully_closed"
	}
	return "still_draining"
}

// Transport provides logical streams to the tunnel engine.
// All methods are safe for concurrent use.
type Transport interface {
	// NextStreamID returns an id not used by any live stream.
	NextStreamID() uint32

	// NewStream registers a stream with the given id and initial state
	// and connects it towards the server.
	NewStream(id uint32, state State) (*Stream, error)

	// Stream returns the live stream with the given id.
	Stream(id uint32) (*Stream, bool)

	// CloseStream starts or completes closing the stream.
	CloseStream(id uint32) CloseResult

	// RemoveStream closes the stream unconditionally and forgets it.
	RemoveStream(id uint32)

	// ClearStreams removes every stream.
	ClearStreams()

	// Multiplexed reports whether streams share one control connection.
	Multiplexed() bool
}
