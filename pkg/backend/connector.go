// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend opens connections to the local services behind the tunnel.
//
// Dials are asynchronous: ConnectTCP and ConnectUDP return a Conn at once
// and report the outcome later as an event.Connected or event.Error
// notification on the backend side. Writes made before the dial completes
// are queued and sent in order once it does. The queue is bounded: a Write
// that does not fit returns ErrQueueFull, and an event.Writable follows once
// the queue has drained to half its size.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/Nurdich/xfrpc/pkg/breaker"
	"github.com/Nurdich/xfrpc/pkg/event"
)

// DefaultDialTimeout bounds a single backend dial.
const DefaultDialTimeout = 10 * time.Second

// DefaultMaxQueued is the default write queue bound of a Conn, in bytes.
const DefaultMaxQueued = 256 * 1024

// ErrInvalidAddress is returned for a backend address that can never be dialed.
var ErrInvalidAddress = errors.New("invalid backend address")

// Config holds the connector configuration.
type Config struct {
	// DialTimeout bounds each dial. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// Breakers, if set, fail dials fast for backends that keep refusing.
	Breakers *breaker.Group

	// MaxQueued bounds the bytes a Conn holds for writing. Defaults to
	// DefaultMaxQueued.
	MaxQueued int

	// Sink receives connect, writable, EOF and error notifications.
	Sink event.Sink

	// Logger for connector events
	Logger *slog.Logger
}

// Connector dials backend connections.
type Connector struct {
	config Config
}

// NewConnector creates a connector.
func NewConnector(cfg Config) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	return &Connector{config: cfg}
}

// ConnectTCP starts a TCP dial to host:port on behalf of streamID.
func (c *Connector) ConnectTCP(streamID uint32, host string, port int) (*Conn, error) {
	return c.connect(streamID, "tcp", host, port)
}

// ConnectUDP creates a connected UDP socket to host:port on behalf of
// streamID. Each Write on the returned Conn is sent as one datagram.
func (c *Connector) ConnectUDP(streamID uint32, host string, port int) (*Conn, error) {
	return c.connect(streamID, "udp", host, port)
}

func (c *Connector) connect(streamID uint32, network, host string, port int) (*Conn, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidAddress, port)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn := newConn(streamID, network, addr, c.config.MaxQueued, c.config.Sink, c.config.Logger)
	go c.dial(conn)
	return conn, nil
}

func (c *Connector) dial(conn *Conn) {
	ctx, cancel := context.WithTimeout(conn.ctx, c.config.DialTimeout)
	defer cancel()

	var nc net.Conn
	dialFn := func() error {
		var d net.Dialer
		var err error
		nc, err = d.DialContext(ctx, conn.network, conn.addr)
		return err
	}

	var err error
	if c.config.Breakers != nil {
		err = c.config.Breakers.Get(conn.network + "://" + conn.addr).Call(dialFn)
	} else {
		err = dialFn()
	}

	if err != nil {
		c.config.Logger.Debug("backend dial failed",
			slog.Uint64("stream", uint64(conn.streamID)),
			slog.String("network", conn.network),
			slog.String("address", conn.addr),
			slog.String("error", err.Error()))
		conn.report(event.Error, err)
		return
	}

	conn.established(nc)
}
