// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/Nurdich/xfrpc/pkg/backend"
	"github.com/Nurdich/xfrpc/pkg/handler"
	"github.com/Nurdich/xfrpc/pkg/transport"
)

// mockTransport keeps unattached streams and records every call.
type mockTransport struct {
	muxed   bool
	lastID  uint32
	newErr  error
	streams map[uint32]*transport.Stream

	// closeResults are returned by CloseStream in order; FullyClosed
	// once exhausted.
	closeResults []transport.CloseResult

	closed  []uint32
	removed []uint32
	cleared int
}

var _ transport.Transport = (*mockTransport)(nil)

func newMockTransport(muxed bool) *mockTransport {
	return &mockTransport{muxed: muxed, streams: make(map[uint32]*transport.Stream)}
}

func (m *mockTransport) NextStreamID() uint32 {
	m.lastID += 2
	return m.lastID - 1
}

func (m *mockTransport) NewStream(id uint32, state transport.State) (*transport.Stream, error) {
	if m.newErr != nil {
		return nil, m.newErr
	}
	st := transport.NewStream(id, state)
	m.streams[id] = st
	return st, nil
}

func (m *mockTransport) Stream(id uint32) (*transport.Stream, bool) {
	st, ok := m.streams[id]
	return st, ok
}

func (m *mockTransport) CloseStream(id uint32) transport.CloseResult {
	m.closed = append(m.closed, id)
	if len(m.closeResults) == 0 {
		return transport.FullyClosed
	}
	res := m.closeResults[0]
	m.closeResults = m.closeResults[1:]
	return res
}

func (m *mockTransport) RemoveStream(id uint32) {
	m.removed = append(m.removed, id)
	delete(m.streams, id)
}

func (m *mockTransport) ClearStreams() {
	m.cleared++
	m.streams = make(map[uint32]*transport.Stream)
}

func (m *mockTransport) Multiplexed() bool {
	return m.muxed
}

func (m *mockTransport) wasRemoved(id uint32) bool {
	for _, r := range m.removed {
		if r == id {
			return true
		}
	}
	return false
}

// fakeBackend records writes as separate chunks. A positive capacity
// bounds the bytes it accepts, like a full write queue.
type fakeBackend struct {
	addr     string
	network  string
	capacity int

	writes     []string
	readFn     backend.ReadFunc
	enabled    bool
	closeWrite bool
	closed     bool
}

var _ Backend = (*fakeBackend)(nil)

func (f *fakeBackend) Write(p []byte) (int, error) {
	if f.closed {
		return 0, backend.ErrConnectionClosed
	}
	n := len(p)
	if f.capacity > 0 {
		room := f.capacity - len(f.received())
		n = min(n, max(room, 0))
	}
	if n > 0 {
		f.writes = append(f.writes, string(p[:n]))
	}
	if n < len(p) {
		return n, backend.ErrQueueFull
	}
	return n, nil
}

func (f *fakeBackend) SetReadHandler(fn backend.ReadFunc) { f.readFn = fn }
func (f *fakeBackend) Enable()                            { f.enabled = true }
func (f *fakeBackend) CloseWrite()                        { f.closeWrite = true }
func (f *fakeBackend) Addr() string                       { return f.addr }
func (f *fakeBackend) Network() string                    { return f.network }
func (f *fakeBackend) Stats() (int64, int64)              { return 0, 0 }

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func (f *fakeBackend) received() string {
	var s string
	for _, w := range f.writes {
		s += w
	}
	return s
}

// mockConnector hands out fake backends.
type mockConnector struct {
	err      error
	calls    []string
	backends map[uint32]*fakeBackend
}

var _ Connector = (*mockConnector)(nil)

func newMockConnector() *mockConnector {
	return &mockConnector{backends: make(map[uint32]*fakeBackend)}
}

func (m *mockConnector) ConnectTCP(id uint32, host string, port int) (Backend, error) {
	return m.connect("tcp", id, host, port)
}

func (m *mockConnector) ConnectUDP(id uint32, host string, port int) (Backend, error) {
	return m.connect("udp", id, host, port)
}

func (m *mockConnector) connect(network string, id uint32, host string, port int) (Backend, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	m.calls = append(m.calls, fmt.Sprintf("%s %s", network, addr))
	if m.err != nil {
		return nil, m.err
	}
	be := &fakeBackend{addr: addr, network: network}
	m.backends[id] = be
	return be, nil
}

// mockHandler counts hook calls.
type mockHandler struct {
	openErr error

	opens       int
	connects    int
	disconnects int
}

var _ handler.Handler = (*mockHandler)(nil)

func (m *mockHandler) AuthOpen(ctx context.Context, hctx *handler.Context) error {
	m.opens++
	return m.openErr
}

func (m *mockHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	m.connects++
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.disconnects++
	return errors.New("ignored")
}
