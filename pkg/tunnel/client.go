// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"time"

	"github.com/Nurdich/xfrpc/pkg/handler"
	"github.com/Nurdich/xfrpc/pkg/relay"
	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/transport"
)

// ConnState is the state of one side of a proxy client.
type ConnState int

const (
	ConnOpen ConnState = iota
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socks5State tracks the deferred connect of a socks5 client.
type Socks5State int

const (
	// Socks5Init means the tunnel is started but the target is not dialed.
	Socks5Init Socks5State = iota

	// Socks5Connecting means the target dial is in flight.
	Socks5Connecting

	// Socks5Established means the target is connected and relaying.
	Socks5Established
)

func (s Socks5State) String() string {
	switch s {
	case Socks5Init:
		return "init"
	case Socks5Connecting:
		return "connecting"
	case Socks5Established:
		return "established"
	default:
		return "unknown"
	}
}

// ProxyClient bridges one logical stream to one backend connection.
// It is owned by the Engine loop and must not be used from other goroutines.
type ProxyClient struct {
	id     uint32
	svc    *service.Service
	stream *transport.Stream

	backend    Backend
	relay      relay.Relay
	connected  bool
	tail       []byte
	remoteAddr string
	socks5     Socks5State

	control      ConnState
	backendState ConnState

	// halfClose is set when the backend must be half closed as soon as
	// the stream's buffered bytes have been written to it.
	halfClose bool

	hctx    *handler.Context
	started time.Time
}

func newProxyClient(id uint32, stream *transport.Stream) *ProxyClient {
	return &ProxyClient{
		id:           id,
		stream:       stream,
		backendState: ConnClosed,
	}
}

// ID returns the stream id.
func (c *ProxyClient) ID() uint32 {
	return c.id
}

// Service returns the proxied service.
func (c *ProxyClient) Service() *service.Service {
	return c.svc
}

// SetService sets the proxied service. The descriptor is shared and never
// modified by the engine.
func (c *ProxyClient) SetService(svc *service.Service) {
	c.svc = svc
}

// Stream returns the control-side stream.
func (c *ProxyClient) Stream() *transport.Stream {
	return c.stream
}

// Backend returns the backend connection, or nil.
func (c *ProxyClient) Backend() Backend {
	return c.backend
}

// SetTail sets data to write to the backend before anything else.
func (c *ProxyClient) SetTail(p []byte) {
	c.tail = p
}

// HasTail reports whether early data is waiting to be sent.
func (c *ProxyClient) HasTail() bool {
	return len(c.tail) > 0
}

// SetRemoteAddr sets the host:port a socks5 client connects to.
func (c *ProxyClient) SetRemoteAddr(addr string) {
	c.remoteAddr = addr
}

// RemoteAddr returns the socks5 target.
func (c *ProxyClient) RemoteAddr() string {
	return c.remoteAddr
}

// Socks5State returns the deferred connect state.
func (c *ProxyClient) Socks5State() Socks5State {
	return c.socks5
}

// ControlState returns the state of the stream side.
func (c *ProxyClient) ControlState() ConnState {
	return c.control
}

// BackendState returns the state of the backend side.
func (c *ProxyClient) BackendState() ConnState {
	return c.backendState
}

func (c *ProxyClient) proxyType() string {
	if c.svc == nil {
		return "unknown"
	}
	return c.svc.Type.String()
}

func (c *ProxyClient) proxyName() string {
	if c.svc == nil {
		return ""
	}
	return c.svc.Name
}

// release closes the backend and drops buffered data.
func (c *ProxyClient) release() {
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
	c.backendState = ConnClosed
	c.connected = false
	c.tail = nil
}
