// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"io"

	"github.com/Nurdich/xfrpc/pkg/backend"
)

// Backend is a connection to the local service.
type Backend interface {
	io.Writer

	// SetReadHandler sets the function consuming backend data.
	SetReadHandler(fn backend.ReadFunc)

	// Enable arms the connection for reading.
	Enable()

	// CloseWrite half closes the connection after queued writes.
	CloseWrite()

	// Close releases the connection without further notifications.
	Close() error

	Addr() string
	Network() string
	Stats() (sent, received int64)
}

// Connector opens backend connections. Outcomes are reported later as
// backend-side events for streamID.
type Connector interface {
	ConnectTCP(streamID uint32, host string, port int) (Backend, error)
	ConnectUDP(streamID uint32, host string, port int) (Backend, error)
}

var _ Backend = (*backend.Conn)(nil)

type connector struct {
	c *backend.Connector
}

// NewConnector adapts a backend.Connector.
func NewConnector(c *backend.Connector) Connector {
	return &connector{c: c}
}

func (c *connector) ConnectTCP(streamID uint32, host string, port int) (Backend, error) {
	conn, err := c.c.ConnectTCP(streamID, host, port)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *connector) ConnectUDP(streamID uint32, host string, port int) (Backend, error) {
	conn, err := c.c.ConnectUDP(streamID, host, port)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
