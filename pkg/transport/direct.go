// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nurdich/xfrpc/pkg/event"
)

var _ Transport = (*Direct)(nil)

// DialFunc opens a work connection to the server.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// DirectConfig configures a Direct transport.
type DirectConfig struct {
	// Dial opens one work connection per stream. Defaults to a TCP dial of
	// ServerAddress.
	Dial DialFunc

	ServerAddress string
	DialTimeout   time.Duration

	// Sink receives event.Connected once a work connection is up, or
	// event.Error if its dial failed. Both are control-side events.
	Sink event.Sink

	Logger *slog.Logger
}

// Direct uses one work connection per stream. Work connections are dialed
// in the background, so NewStream never blocks. Streams are not armed on
// creation: the owner decides when to start reading them.
type Direct struct {
	config DirectConfig

	mu      sync.Mutex
	streams map[uint32]*Stream
	dials   map[uint32]pendingDial
	lastID  atomic.Uint32
}

// NewDirect creates a Direct transport.
func NewDirect(cfg DirectConfig) *Direct {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = event.SinkFunc(func(event.Event) {})
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		addr, timeout := cfg.ServerAddress, cfg.DialTimeout
		cfg.Dial = func(ctx context.Context) (io.ReadWriteCloser, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Direct{
		config:  cfg,
		streams: make(map[uint32]*Stream),
		dials:   make(map[uint32]pendingDial),
	}
}

// NextStreamID returns a fresh id.
func (d *Direct) NextStreamID() uint32 {
	for {
		id := d.lastID.Add(1)
		if id == 0 {
			continue
		}
		d.mu.Lock()
		_, used := d.streams[id]
		d.mu.Unlock()
		if !used {
			return id
		}
	}
}

type pendingDial struct {
	st     *Stream
	cancel context.CancelFunc
}

// NewStream registers a stream for id and starts dialing its work
// connection. The outcome is posted to the configured sink.
func (d *Direct) NewStream(id uint32, state State) (*Stream, error) {
	st := NewStream(id, state)
	ctx, cancel := context.WithTimeout(context.Background(), d.config.DialTimeout)

	d.mu.Lock()
	if _, ok := d.streams[id]; ok {
		d.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("stream %d: %w", id, ErrDuplicateStream)
	}
	d.streams[id] = st
	d.dials[id] = pendingDial{st: st, cancel: cancel}
	d.mu.Unlock()

	go d.dial(ctx, st)
	return st, nil
}

func (d *Direct) dial(ctx context.Context, st *Stream) {
	id := st.ID()
	conn, err := d.config.Dial(ctx)

	d.mu.Lock()
	p, ok := d.dials[id]
	pending := ok && p.st == st
	if pending {
		delete(d.dials, id)
	}
	live := d.streams[id] == st
	d.mu.Unlock()
	if pending {
		p.cancel()
	}

	// Closed or removed while dialing.
	if !live || !pending {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		d.config.Logger.Warn("failed to dial work connection",
			slog.Uint64("stream", uint64(id)),
			slog.String("error", err.Error()))
		d.config.Sink.Post(event.Event{
			StreamID: id,
			Kind:     event.Error,
			Side:     event.Control,
			Err:      fmt.Errorf("failed to dial work connection for stream %d: %w", id, err),
		})
		return
	}

	st.Attach(conn)
	d.config.Logger.Debug("work connection opened", slog.Uint64("stream", uint64(id)))
	d.config.Sink.Post(event.Event{StreamID: id, Kind: event.Connected, Side: event.Control})
}

// cancelDial aborts a pending dial for id. d.mu is held.
func (d *Direct) cancelDial(id uint32) {
	if p, ok := d.dials[id]; ok {
		delete(d.dials, id)
		p.cancel()
	}
}

// Stream returns the stream with the given id.
func (d *Direct) Stream(id uint32) (*Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[id]
	return st, ok
}

// CloseStream closes the work connection. Without multiplexing there is
// nothing left to drain, so the result is always FullyClosed.
func (d *Direct) CloseStream(id uint32) CloseResult {
	d.mu.Lock()
	d.cancelDial(id)
	st, ok := d.streams[id]
	d.mu.Unlock()

	if ok {
		st.Release()
	}
	return FullyClosed
}

// RemoveStream closes and forgets the stream.
func (d *Direct) RemoveStream(id uint32) {
	d.mu.Lock()
	d.cancelDial(id)
	st, ok := d.streams[id]
	delete(d.streams, id)
	d.mu.Unlock()

	if ok {
		st.Release()
	}
}

// ClearStreams removes every stream.
func (d *Direct) ClearStreams() {
	d.mu.Lock()
	for id := range d.dials {
		d.cancelDial(id)
	}
	streams := d.streams
	d.streams = make(map[uint32]*Stream)
	d.mu.Unlock()

	for _, st := range streams {
		st.Release()
	}
}

// Multiplexed always returns false.
func (d *Direct) Multiplexed() bool {
	return false
}
