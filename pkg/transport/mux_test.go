// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/Nurdich/xfrpc/pkg/event"
	"github.com/xtaci/smux"
)

func newTestMux(t *testing.T) (*Mux, *smux.Session, *event.Queue) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	events := event.NewQueue(16)

	mux, err := NewMux(clientConn, MuxConfig{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}, events)
	if err != nil {
		t.Fatalf("NewMux() error: %v", err)
	}

	server, err := smux.Server(serverConn, smux.DefaultConfig())
	if err != nil {
		t.Fatalf("smux.Server() error: %v", err)
	}

	t.Cleanup(func() {
		mux.Close()
		server.Close()
		events.Close()
	})
	return mux, server, events
}

func waitEvent(t *testing.T, events *event.Queue, kind event.Kind) event.Event {
	t.Helper()
	for {
		select {
		case ev := <-events.C():
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestMuxStreamIDs(t *testing.T) {
	mux, _, _ := newTestMux(t)

	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id := mux.NextStreamID()
		if id%2 == 0 {
			t.Fatalf("NextStreamID() = %d, want odd id", id)
		}
		if seen[id] {
			t.Fatalf("NextStreamID() returned duplicate %d", id)
		}
		seen[id] = true
	}
}

func TestMuxReceiveAndRemoteClose(t *testing.T) {
	mux, server, events := newTestMux(t)

	id := mux.NextStreamID()
	st, err := mux.NewStream(id, StateInit)
	if err != nil {
		t.Fatalf("NewStream() error: %v", err)
	}
	if _, err := mux.NewStream(id, StateInit); err == nil {
		t.Error("expected error for duplicate stream id")
	}

	if _, err := st.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	remote, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream() error: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := remote.Read(buf); err != nil || string(buf) != "ping" {
		t.Fatalf("remote Read() = %q, %v", buf, err)
	}

	if _, err := remote.Write([]byte("hello")); err != nil {
		t.Fatalf("remote Write() error: %v", err)
	}
	ev := waitEvent(t, events, event.Data)
	if ev.StreamID != id || ev.Side != event.Control {
		t.Errorf("unexpected data event %v", ev)
	}
	if st.Buffered() != 5 {
		t.Errorf("Buffered() = %d, want 5", st.Buffered())
	}

	remote.Close()
	waitEvent(t, events, event.EOF)
	if st.State() != StateRemoteClose {
		t.Fatalf("state = %v, want remote_close", st.State())
	}

	if res := mux.CloseStream(id); res != FullyClosed {
		t.Errorf("CloseStream() = %v, want fully_closed", res)
	}

	mux.RemoveStream(id)
	if _, ok := mux.Stream(id); ok {
		t.Error("stream still registered after RemoveStream")
	}
	mux.RemoveStream(id)
}

func TestMuxLocalCloseConfirmed(t *testing.T) {
	mux, _, events := newTestMux(t)

	id := mux.NextStreamID()
	st, err := mux.NewStream(id, StateEstablished)
	if err != nil {
		t.Fatalf("NewStream() error: %v", err)
	}

	if res := mux.CloseStream(id); res != StillDraining {
		t.Fatalf("CloseStream() = %v, want still_draining", res)
	}

	ev := waitEvent(t, events, event.Closed)
	if ev.StreamID != id {
		t.Errorf("closed event for stream %d, want %d", ev.StreamID, id)
	}
	if st.State() != StateClosed {
		t.Errorf("state = %v, want closed", st.State())
	}
}

func TestMuxUnknownStream(t *testing.T) {
	mux, _, _ := newTestMux(t)
	if res := mux.CloseStream(12345); res != FullyClosed {
		t.Errorf("CloseStream() on unknown id = %v, want fully_closed", res)
	}
	mux.RemoveStream(12345)
}

func TestMuxClearStreams(t *testing.T) {
	mux, _, _ := newTestMux(t)

	for i := 0; i < 3; i++ {
		if _, err := mux.NewStream(mux.NextStreamID(), StateInit); err != nil {
			t.Fatalf("NewStream() error: %v", err)
		}
	}
	if mux.NumStreams() != 3 {
		t.Fatalf("NumStreams() = %d, want 3", mux.NumStreams())
	}

	mux.ClearStreams()
	if mux.NumStreams() != 0 {
		t.Errorf("NumStreams() = %d after ClearStreams", mux.NumStreams())
	}
}

func TestMuxConfigValidation(t *testing.T) {
	cfg := MuxConfig{MaxReceiveBuffer: 1024, MaxStreamBuffer: 4096}
	if _, err := cfg.SmuxConfig(); err == nil {
		t.Error("expected error when stream buffer exceeds receive buffer")
	}
}
