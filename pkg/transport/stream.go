// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/Nurdich/xfrpc/pkg/event"
)

const readBufferSize = 32 * 1024

// DefaultReceiveLimit is the receive buffer size above which a stream stops
// reading from its connection.
const DefaultReceiveLimit = 256 * 1024

// minReceiveLimit keeps room for one whole length-prefixed datagram.
const minReceiveLimit = 2 + 65535

// State is the lifecycle state of a stream.
type State int

const (
	StateInit State = iota
	StateEstablished
	StateLocalClose
	StateRemoteClose
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEstablished:
		return "established"
	case StateLocalClose:
		return "local_close"
	case StateRemoteClose:
		return "remote_close"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is the transport bookkeeping of one logical stream: its connection,
// its close state and the bytes received but not yet consumed.
//
// The receive buffer is bounded: once it holds limit bytes the stream stops
// reading until Consume frees space, so the peer is flow controlled by the
// connection underneath.
type Stream struct {
	id    uint32
	muxed bool

	mu       sync.Mutex
	state    State
	rx       bytes.Buffer
	limit    int
	space    *sync.Cond
	conn     io.ReadWriteCloser
	ready    chan struct{}
	released bool
	armed    bool
	pumping  bool
	sink     event.Sink

	wmu sync.Mutex
}

// NewStream creates an unattached stream.
func NewStream(id uint32, state State) *Stream {
	s := &Stream{
		id:    id,
		state: state,
		limit: DefaultReceiveLimit,
		ready: make(chan struct{}),
	}
	s.space = sync.NewCond(&s.mu)
	return s
}

// SetReceiveLimit sets the receive buffer high-water mark. Values below the
// size of one framed datagram are raised to it.
func (s *Stream) SetReceiveLimit(n int) {
	if n < minReceiveLimit {
		n = minReceiveLimit
	}
	s.mu.Lock()
	s.limit = n
	s.mu.Unlock()
	s.space.Broadcast()
}

// ID returns the stream id.
func (s *Stream) ID() uint32 {
	return s.id
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState overrides the stream state.
func (s *Stream) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Establish moves a stream from StateInit to StateEstablished and reports
// whether it did. Streams in any other state are left alone.
func (s *Stream) Establish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInit {
		return false
	}
	s.state = StateEstablished
	return true
}

// Attach sets the connection the stream reads from and writes to. If the
// stream is already armed, reading starts now. A released stream closes
// conn instead.
func (s *Stream) Attach(conn io.ReadWriteCloser) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.markReady()
	start := s.startPump()
	s.mu.Unlock()

	if start {
		go s.pump(conn, s.sink)
	}
}

// Attached reports whether the stream has a connection.
func (s *Stream) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Buffered returns the number of received bytes not yet consumed.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Len()
}

// Append adds p to the receive buffer.
func (s *Stream) Append(p []byte) {
	s.mu.Lock()
	s.rx.Write(p)
	s.mu.Unlock()
}

// Consume passes the buffered bytes to fn and discards the prefix fn
// reports as consumed. fn must not retain buf.
func (s *Stream) Consume(fn func(buf []byte) (int, error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rx.Len() == 0 {
		return 0, nil
	}
	n, err := fn(s.rx.Bytes())
	if n > s.rx.Len() {
		n = s.rx.Len()
	}
	s.rx.Next(n)
	if s.rx.Len() == 0 {
		s.rx.Reset()
	}
	if n > 0 {
		s.space.Broadcast()
	}
	return n, err
}

// WriteBuffered writes up to n buffered bytes to w and consumes them.
func (s *Stream) WriteBuffered(w io.Writer, n int) (int, error) {
	return s.Consume(func(buf []byte) (int, error) {
		if n < len(buf) {
			buf = buf[:n]
		}
		return w.Write(buf)
	})
}

// Write sends p to the server side of the stream. While the connection is
// still being dialed it waits for Attach or Release.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	<-ready

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if conn == nil {
		return 0, ErrNotAttached
	}
	if state == StateLocalClose || state == StateClosed {
		return 0, io.ErrClosedPipe
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.Write(p)
}

// Arm starts reading the stream into the receive buffer, or defers it
// until Attach when there is no connection yet. Every read posts
// event.Data; the end of the stream posts event.EOF, event.Error or, for a
// stream closed locally on a mux, event.Closed. A second call is a no-op.
func (s *Stream) Arm(sink event.Sink) {
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = true
	s.sink = sink
	conn := s.conn
	start := s.startPump()
	s.mu.Unlock()

	if start {
		go s.pump(conn, sink)
	}
}

// startPump reports whether the caller must start the reader. s.mu is held.
func (s *Stream) startPump() bool {
	if !s.armed || s.conn == nil || s.pumping {
		return false
	}
	s.pumping = true
	return true
}

// markReady releases writers waiting for a connection. s.mu is held.
func (s *Stream) markReady() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// Release closes the connection and marks the stream closed.
func (s *Stream) Release() error {
	s.mu.Lock()
	conn := s.conn
	s.state = StateClosed
	s.released = true
	s.rx.Reset()
	s.markReady()
	s.mu.Unlock()
	s.space.Broadcast()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// closeLocal implements the mux side of CloseStream.
func (s *Stream) closeLocal() CloseResult {
	s.mu.Lock()
	var result CloseResult
	switch s.state {
	case StateInit, StateEstablished:
		s.state = StateLocalClose
		result = StillDraining
	case StateRemoteClose:
		s.state = StateClosed
		result = FullyClosed
	default:
		s.mu.Unlock()
		return StillDraining
	}
	conn := s.conn
	s.mu.Unlock()
	s.space.Broadcast()

	if conn != nil {
		conn.Close()
	}
	return result
}

func (s *Stream) pump(conn io.Reader, sink event.Sink) {
	buf := make([]byte, readBufferSize)
	for {
		s.waitSpace()
		n, err := conn.Read(buf)
		if n > 0 {
			s.Append(buf[:n])
			sink.Post(event.Event{StreamID: s.id, Kind: event.Data, Side: event.Control})
		}
		if err != nil {
			s.finish(err, sink)
			return
		}
	}
}

// waitSpace blocks while the receive buffer is over its limit and the
// stream is still open for reading.
func (s *Stream) waitSpace() {
	s.mu.Lock()
	for s.rx.Len() >= s.limit && (s.state == StateInit || s.state == StateEstablished) {
		s.space.Wait()
	}
	s.mu.Unlock()
}

func (s *Stream) finish(err error, sink event.Sink) {
	s.mu.Lock()
	state := s.state
	switch {
	case state == StateClosed:
		// Released locally; nobody is waiting for a notification.
		s.mu.Unlock()
		return
	case state == StateLocalClose:
		s.state = StateClosed
		s.mu.Unlock()
		sink.Post(event.Event{StreamID: s.id, Kind: event.Closed, Side: event.Control})
		return
	case errors.Is(err, io.EOF):
		if s.muxed {
			s.state = StateRemoteClose
		}
		s.mu.Unlock()
		sink.Post(event.Event{StreamID: s.id, Kind: event.EOF, Side: event.Control})
		return
	}
	s.mu.Unlock()

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = io.ErrClosedPipe
	}
	sink.Post(event.Event{StreamID: s.id, Kind: event.Error, Side: event.Control, Err: err})
}
