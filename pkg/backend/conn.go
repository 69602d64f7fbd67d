// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Nurdich/xfrpc/pkg/event"
)

var (
	// ErrConnectionClosed is returned when writing to a closed Conn.
	ErrConnectionClosed = errors.New("backend connection closed")

	// ErrQueueFull is returned when a Write does not fit in the write queue.
	ErrQueueFull = errors.New("backend write queue full")
)

// ReadFunc consumes everything the backend sends. It returns when r is
// exhausted (nil or io.EOF) or on the first failure.
type ReadFunc func(r io.Reader) error

// State is the lifecycle state of a Conn.
type State int

const (
	StateDialing State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a backend connection handle. It is usable for writes as soon as
// it is returned; its reader starts once the dial completed and Enable was
// called.
type Conn struct {
	streamID uint32
	network  string
	addr     string
	sink     event.Sink
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	nc         net.Conn
	queue      [][]byte
	queued     int
	maxQueued  int
	blocked    bool
	readFn     ReadFunc
	enabled    bool
	reading    bool
	closeWrite bool
	wake       chan struct{}
	reported   atomic.Bool
	closeOnce  sync.Once
	sent       atomic.Int64
	received   atomic.Int64
}

func newConn(streamID uint32, network, addr string, maxQueued int, sink event.Sink, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		streamID:  streamID,
		network:   network,
		addr:      addr,
		maxQueued: maxQueued,
		sink:      sink,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}
}

// Addr returns the backend address.
func (c *Conn) Addr() string {
	return c.addr
}

// Network returns "tcp" or "udp".
func (c *Conn) Network() string {
	return c.network
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the bytes written to and read from the backend.
func (c *Conn) Stats() (sent, received int64) {
	return c.sent.Load(), c.received.Load()
}

// SetReadHandler sets the function that consumes backend data.
func (c *Conn) SetReadHandler(fn ReadFunc) {
	c.mu.Lock()
	c.readFn = fn
	c.mu.Unlock()
}

// Enable arms the connection for reading. Writes are always enabled.
func (c *Conn) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	c.startReader()
}

// Write queues a copy of p. Queued chunks are written in order, one
// network write per chunk, so UDP message boundaries are kept.
//
// A write to an empty queue is always taken whole. Otherwise a TCP Conn
// takes what fits and a UDP Conn takes the datagram only if it fits
// entirely; the rest is refused with ErrQueueFull and an event.Writable
// is posted once there is room again.
func (c *Conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return 0, ErrConnectionClosed
	}

	n := len(p)
	if c.queued > 0 {
		space := c.maxQueued - c.queued
		if c.network == "udp" && space < n {
			space = 0
		}
		if space < n {
			n = max(space, 0)
		}
	}
	if n < len(p) {
		c.blocked = true
	}
	if n == 0 {
		c.mu.Unlock()
		return 0, ErrQueueFull
	}

	chunk := make([]byte, n)
	copy(chunk, p)
	c.queue = append(c.queue, chunk)
	c.queued += n
	c.mu.Unlock()

	c.signal()
	if n < len(p) {
		return n, ErrQueueFull
	}
	return n, nil
}

// Queued returns the number of bytes waiting to be written.
func (c *Conn) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// CloseWrite half closes the connection once the queue has been flushed.
// It is a no-op for UDP.
func (c *Conn) CloseWrite() {
	c.mu.Lock()
	c.closeWrite = true
	c.mu.Unlock()
	c.signal()
}

// Close releases the connection. Pending writes are dropped and no further
// notifications are posted.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		nc := c.nc
		c.queue = nil
		c.queued = 0
		c.mu.Unlock()

		c.reported.Store(true)
		c.cancel()
		if nc != nil {
			err = nc.Close()
		}
	})
	return err
}

func (c *Conn) established(nc net.Conn) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		nc.Close()
		return
	}
	c.nc = nc
	c.mu.Unlock()

	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	// The reader may only start after Connected is posted, otherwise its
	// EOF could overtake the connect notification.
	c.post(event.Connected, nil)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	c.mu.Unlock()

	go c.writeLoop(nc)
	c.startReader()
}

func (c *Conn) startReader() {
	c.mu.Lock()
	if !c.enabled || c.readFn == nil || c.nc == nil || c.reading || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.reading = true
	nc, fn := c.nc, c.readFn
	c.mu.Unlock()

	go c.readLoop(nc, fn)
}

func (c *Conn) readLoop(nc net.Conn, fn ReadFunc) {
	err := fn(&countingReader{r: nc, n: &c.received})
	if err == nil || errors.Is(err, io.EOF) {
		c.report(event.EOF, nil)
		return
	}
	c.report(event.Error, err)
}

func (c *Conn) writeLoop(nc net.Conn) {
	for {
		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				halfClose := c.closeWrite
				c.closeWrite = false
				c.mu.Unlock()
				if halfClose {
					if cw, ok := nc.(interface{ CloseWrite() error }); ok {
						cw.CloseWrite()
					}
				}
				break
			}
			chunk := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			n, err := nc.Write(chunk)
			c.sent.Add(int64(n))
			if err != nil {
				c.report(event.Error, err)
				return
			}

			c.mu.Lock()
			c.queued -= len(chunk)
			writable := c.blocked && c.state != StateClosed && c.queued <= c.maxQueued/2
			if writable {
				c.blocked = false
			}
			c.mu.Unlock()
			if writable {
				c.post(event.Writable, nil)
			}
		}
	}
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// report posts the single terminal notification of the connection.
func (c *Conn) report(kind event.Kind, err error) {
	if !c.reported.CompareAndSwap(false, true) {
		return
	}
	c.post(kind, err)
}

func (c *Conn) post(kind event.Kind, err error) {
	if c.sink == nil {
		return
	}
	c.sink.Post(event.Event{
		StreamID: c.streamID,
		Kind:     kind,
		Side:     event.Backend,
		Err:      err,
	})
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n.Add(int64(n))
	return n, err
}
