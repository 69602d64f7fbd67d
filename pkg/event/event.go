// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package event defines the notifications that connection goroutines deliver
// to the tunnel engine loop.
package event

import "fmt"

// Kind is the class of a notification.
type Kind int

const (
	// Connected reports that a dial completed: a backend connection, or a
	// work connection on the control side.
	Connected Kind = iota

	// Data reports that bytes were appended to a stream's receive buffer.
	Data

	// EOF reports an orderly close by the peer.
	EOF

	// Error reports a connection failure, including a failed dial.
	Error

	// Closed reports that the transport finished closing a stream that was
	// previously left draining.
	Closed

	// Writable reports that a backend whose write queue was full has room
	// again.
	Writable
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Data:
		return "data"
	case EOF:
		return "eof"
	case Error:
		return "error"
	case Closed:
		return "closed"
	case Writable:
		return "writable"
	default:
		return "unknown"
	}
}

// Side identifies which half of a bridged pair raised the event.
type Side int

const (
	// Backend is the connection to the local service.
	Backend Side = iota

	// Control is the logical stream (or work connection) towards the server.
	Control
)

func (s Side) String() string {
	switch s {
	case Backend:
		return "backend"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// Event is a single notification for one stream.
type Event struct {
	StreamID uint32
	Kind     Kind
	Side     Side
	Err      error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("stream %d %s %s: %v", e.StreamID, e.Side, e.Kind, e.Err)
	}
	return fmt.Sprintf("stream %d %s %s", e.StreamID, e.Side, e.Kind)
}

// Sink accepts events. Implementations must not block for long, since
// callers are I/O goroutines.
type Sink interface {
	Post(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

// Post calls f(ev).
func (f SinkFunc) Post(ev Event) {
	f(ev)
}
