// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Nurdich/xfrpc/pkg/backend"
	"github.com/Nurdich/xfrpc/pkg/event"
	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/transport"
	"github.com/xtaci/smux"
)

func startEchoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestTunnelOverMux(t *testing.T) {
	port := startEchoServer(t)

	clientConn, serverConn := net.Pipe()
	queue := event.NewQueue(0)

	mux, err := transport.NewMux(clientConn, transport.MuxConfig{Logger: discard}, queue)
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
	})

	e := New(Config{
		Common:    service.Common{ServerAddr: "127.0.0.1"},
		Transport: mux,
		Connector: NewConnector(backend.NewConnector(backend.Config{Sink: queue, Logger: discard})),
		Events:    queue,
		Logger:    discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	svc := &service.Service{Name: "echo", Type: service.TCP, LocalIP: "127.0.0.1", LocalPort: port}
	var startErr error
	err = e.Submit(ctx, func() {
		c, err := e.CreateProxyClient()
		if err != nil {
			startErr = err
			return
		}
		c.SetService(svc)
		c.SetTail([]byte("hi "))
		startErr = e.StartTunnel(c)
	})
	if err != nil || startErr != nil {
		t.Fatalf("starting tunnel: %v, %v", err, startErr)
	}

	ss, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream() error: %v", err)
	}
	if _, err := ss.Write([]byte("there")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	ss.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len("hi there"))
	if _, err := io.ReadFull(ss, buf); err != nil {
		t.Fatalf("ReadFull() error: %v", err)
	}
	if string(buf) != "hi there" {
		t.Errorf("echo = %q, want %q", buf, "hi there")
	}

	// Closing the server side ends the tunnel once the backend answers EOF.
	ss.Close()

	deadline := time.Now().Add(5 * time.Second)
	for e.NumClients() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := e.NumClients(); n != 0 {
		t.Errorf("NumClients() = %d after the stream closed", n)
	}
}

func TestLoopRunsWhileWorkConnDials(t *testing.T) {
	port := startEchoServer(t)

	release := make(chan struct{})
	servers := make(chan net.Conn, 1)
	queue := event.NewQueue(0)
	direct := transport.NewDirect(transport.DirectConfig{
		Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			client, server := net.Pipe()
			servers <- server
			return client, nil
		},
		Sink:   queue,
		Logger: discard,
	})
	eng := New(Config{
		Transport: direct,
		Connector: NewConnector(backend.NewConnector(backend.Config{Sink: queue, Logger: discard})),
		Events:    queue,
		Logger:    discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	svc := &service.Service{Name: "echo", Type: service.TCP, LocalIP: "127.0.0.1", LocalPort: port}
	start := func() error {
		var err error
		serr := eng.Submit(ctx, func() {
			c, cerr := eng.CreateProxyClient()
			if cerr != nil {
				err = cerr
				return
			}
			c.SetService(svc)
			c.SetTail([]byte("hi "))
			err = eng.StartTunnel(c)
		})
		if serr != nil {
			return serr
		}
		return err
	}

	began := time.Now()
	if err := start(); err != nil {
		t.Fatalf("starting tunnel: %v", err)
	}
	if elapsed := time.Since(began); elapsed > 500*time.Millisecond {
		t.Errorf("starting a tunnel held the loop for %s", elapsed)
	}

	sctx, scancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer scancel()
	if err := eng.Submit(sctx, func() {}); err != nil {
		t.Fatalf("Submit() while a work connection dials: %v", err)
	}

	close(release)
	var server net.Conn
	select {
	case server = <-servers:
	case <-time.After(2 * time.Second):
		t.Fatal("work connection never dialed")
	}
	defer server.Close()

	server.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := server.Write([]byte("there")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	buf := make([]byte, len("hi there"))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("ReadFull() error: %v", err)
	}
	if string(buf) != "hi there" {
		t.Errorf("echo = %q, want %q", buf, "hi there")
	}
}
