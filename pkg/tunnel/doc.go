// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel bridges logical streams from the server to local backends.
//
// # Architecture Overview
//
// An Engine owns a Registry of ProxyClients keyed by stream id. Each client
// pairs one transport.Stream (the control side) with one backend connection.
// All registry mutations happen on the goroutine running Engine.Run:
// transport and backend goroutines never touch a client, they post
// event.Events to a shared event.Queue that Run consumes.
//
// # Data Flow
//
//	server → transport.Stream rx buffer → event.Data → relay.Downstream → backend
//	backend → relay.Upstream → transport.Stream.Write → server
//
// Bytes that reach a client before its backend is connected stay in the
// stream's receive buffer, and the early data tail handed to the client at
// creation is written first when the backend connects.
//
// A backend accepts a bounded amount of queued data. What it refuses stays
// in the receive buffer until it posts event.Writable, and a full receive
// buffer stops the stream from reading, so a slow local service slows the
// server down instead of growing memory.
//
// # Closing
//
// Each side of a client carries a ConnState. A backend EOF or error closes
// the stream on the transport; a multiplexed stream may answer
// transport.StillDraining, in which case the backend handle is kept until
// the transport confirms with an event.Closed. A client is released only
// once both sides are closed.
package tunnel
