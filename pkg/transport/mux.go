// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nurdich/xfrpc/pkg/event"
	"github.com/xtaci/smux"
)

var _ Transport = (*Mux)(nil)

// MuxConfig tunes the smux session.
type MuxConfig struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	MaxReceiveBuffer  int
	MaxStreamBuffer   int

	// Logger for transport events
	Logger *slog.Logger
}

// SmuxConfig converts c into a validated smux configuration.
func (c MuxConfig) SmuxConfig() (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	if c.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.KeepAliveTimeout > 0 {
		cfg.KeepAliveTimeout = c.KeepAliveTimeout
	}
	if c.MaxReceiveBuffer > 0 {
		cfg.MaxReceiveBuffer = c.MaxReceiveBuffer
	}
	if c.MaxStreamBuffer > 0 {
		cfg.MaxStreamBuffer = c.MaxStreamBuffer
	}
	if err := smux.VerifyConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid smux config: %w", err)
	}
	return cfg, nil
}

// Mux multiplexes streams over a single smux session.
type Mux struct {
	session *smux.Session
	sink    event.Sink
	logger  *slog.Logger
	rxLimit int

	mu      sync.Mutex
	streams map[uint32]*Stream
	lastID  atomic.Uint32
}

// NewMux starts a client smux session over conn. Stream notifications are
// posted to sink.
func NewMux(conn io.ReadWriteCloser, cfg MuxConfig, sink event.Sink) (*Mux, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	smuxCfg, err := cfg.SmuxConfig()
	if err != nil {
		return nil, err
	}
	session, err := smux.Client(conn, smuxCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start smux session: %w", err)
	}
	return &Mux{
		session: session,
		sink:    sink,
		logger:  cfg.Logger,
		rxLimit: cfg.MaxStreamBuffer,
		streams: make(map[uint32]*Stream),
	}, nil
}

// NextStreamID returns odd ids, the range owned by the client side.
func (m *Mux) NextStreamID() uint32 {
	for {
		id := m.lastID.Add(2) - 1
		if id == 0 {
			continue
		}
		m.mu.Lock()
		_, used := m.streams[id]
		m.mu.Unlock()
		if !used {
			return id
		}
	}
}

// NewStream opens an smux stream for id and starts reading it.
func (m *Mux) NewStream(id uint32, state State) (*Stream, error) {
	m.mu.Lock()
	if _, ok := m.streams[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %d: %w", id, ErrDuplicateStream)
	}
	m.mu.Unlock()

	ss, err := m.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %d: %w", id, err)
	}

	st := NewStream(id, state)
	st.muxed = true
	if m.rxLimit > 0 {
		// Buffer no more than the smux window the server is granted.
		st.SetReceiveLimit(m.rxLimit)
	}
	st.Attach(ss)

	m.mu.Lock()
	if _, ok := m.streams[id]; ok {
		m.mu.Unlock()
		ss.Close()
		return nil, fmt.Errorf("stream %d: %w", id, ErrDuplicateStream)
	}
	m.streams[id] = st
	m.mu.Unlock()

	st.Arm(m.sink)

	m.logger.Debug("stream opened",
		slog.Uint64("stream", uint64(id)),
		slog.Uint64("smux_stream", uint64(ss.ID())))

	return st, nil
}

// Stream returns the stream with the given id.
func (m *Mux) Stream(id uint32) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	return st, ok
}

// CloseStream half closes the stream, or fully closes it when the peer
// already finished. An unknown id counts as fully closed.
func (m *Mux) CloseStream(id uint32) CloseResult {
	st, ok := m.Stream(id)
	if !ok {
		return FullyClosed
	}
	res := st.closeLocal()
	m.logger.Debug("stream close",
		slog.Uint64("stream", uint64(id)),
		slog.String("result", res.String()))
	return res
}

// RemoveStream closes and forgets the stream.
func (m *Mux) RemoveStream(id uint32) {
	m.mu.Lock()
	st, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()

	if ok {
		st.Release()
	}
}

// ClearStreams removes every stream.
func (m *Mux) ClearStreams() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()

	for _, st := range streams {
		st.Release()
	}
}

// Multiplexed always returns true.
func (m *Mux) Multiplexed() bool {
	return true
}

// OpenControl opens a raw smux stream outside the stream table, used for
// control messages.
func (m *Mux) OpenControl() (io.ReadWriteCloser, error) {
	return m.session.OpenStream()
}

// NumStreams returns the number of registered streams.
func (m *Mux) NumStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// IsClosed reports whether the smux session is dead.
func (m *Mux) IsClosed() bool {
	return m.session.IsClosed()
}

// CloseChan is closed when the smux session dies.
func (m *Mux) CloseChan() <-chan struct{} {
	return m.session.CloseChan()
}

// Close clears all streams and closes the session.
func (m *Mux) Close() error {
	m.ClearStreams()
	return m.session.Close()
}
