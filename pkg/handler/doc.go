// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks the tunnel engine calls over the life
// of a proxy client.
//
// # Lifecycle
//
//	StartTunnel → AuthOpen → backend dial → OnConnect → ... → OnDisconnect
//
// AuthOpen is called before the backend is dialed. Returning an error
// rejects the tunnel and tears the proxy client down. OnConnect and
// OnDisconnect are notifications: their errors are logged and otherwise
// ignored.
//
// # Context
//
// The Context carries the identity of the tunnel across all calls:
//   - SessionID: unique identifier of this tunnel, for log correlation
//   - StreamID: the logical stream the tunnel runs on
//   - ProxyName, ProxyType: the service being proxied
//   - LocalAddr: the backend address
//   - RemoteAddr: the SOCKS5 target, if any
//
// Hooks run on the engine loop and must not block.
package handler
