// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Nurdich/xfrpc/pkg/backend"
	"github.com/Nurdich/xfrpc/pkg/event"
	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/transport"
	"github.com/Nurdich/xfrpc/pkg/tunnel"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

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

func TestServe(t *testing.T) {
	port := startEchoServer(t)

	workConns := make(chan net.Conn, 4)
	queue := event.NewQueue(0)
	direct := transport.NewDirect(transport.DirectConfig{
		Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			client, server := net.Pipe()
			workConns <- server
			return client, nil
		},
		Sink:   queue,
		Logger: discard,
	})
	eng := tunnel.New(tunnel.Config{
		Transport: direct,
		Connector: tunnel.NewConnector(backend.NewConnector(backend.Config{Sink: queue, Logger: discard})),
		Events:    queue,
		Logger:    discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	d := New(Config{
		Engine: eng,
		Services: map[string]*service.Service{
			"echo": {Name: "echo", Type: service.TCP, LocalIP: "127.0.0.1", LocalPort: port},
		},
		Logger: discard,
	})

	in := strings.NewReader(`{"proxy_name":"echo","tail":"aGkg"}` + "\n" + `{"proxy_name":"nope"}` + "\n")
	var out bytes.Buffer
	if err := d.Serve(ctx, in, &out); err != nil {
		t.Fatalf("Serve() error: %v", err)
	}

	dec := json.NewDecoder(&out)
	var ok, refused WorkConnReady
	if err := dec.Decode(&ok); err != nil {
		t.Fatalf("decoding first reply: %v", err)
	}
	if err := dec.Decode(&refused); err != nil {
		t.Fatalf("decoding second reply: %v", err)
	}
	if ok.StreamID == 0 || ok.Error != "" {
		t.Errorf("first reply = %+v, want a stream id", ok)
	}
	if !strings.Contains(refused.Error, "unknown proxy") {
		t.Errorf("second reply = %+v, want unknown proxy", refused)
	}

	var wc net.Conn
	select {
	case wc = <-workConns:
	case <-time.After(2 * time.Second):
		t.Fatal("no work connection dialed")
	}
	defer wc.Close()

	wc.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := wc.Write([]byte("there")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	buf := make([]byte, len("hi there"))
	if _, err := io.ReadFull(wc, buf); err != nil {
		t.Fatalf("ReadFull() error: %v", err)
	}
	if string(buf) != "hi there" {
		t.Errorf("echo = %q, want %q", buf, "hi there")
	}
}

type stoppedEngine struct{}

func (stoppedEngine) Submit(ctx context.Context, fn func()) error {
	return tunnel.ErrEngineStopped
}

func (stoppedEngine) CreateProxyClient() (*tunnel.ProxyClient, error) {
	return nil, errors.New("unreachable")
}

func (stoppedEngine) StartTunnel(c *tunnel.ProxyClient) error   { return nil }
func (stoppedEngine) ConnectSOCKS5(c *tunnel.ProxyClient) error { return nil }
func (stoppedEngine) DeleteProxyClientByStreamID(id uint32)     {}

func TestDispatchStoppedEngine(t *testing.T) {
	d := New(Config{
		Engine:   stoppedEngine{},
		Services: map[string]*service.Service{"ssh": {Name: "ssh", Type: service.TCP, LocalPort: 22}},
		Logger:   discard,
	})

	if _, err := d.Dispatch(context.Background(), StartWorkConn{ProxyName: "ssh"}); !errors.Is(err, tunnel.ErrEngineStopped) {
		t.Errorf("Dispatch() error = %v, want %v", err, tunnel.ErrEngineStopped)
	}
	if _, err := d.Dispatch(context.Background(), StartWorkConn{ProxyName: "web"}); !errors.Is(err, ErrUnknownProxy) {
		t.Errorf("Dispatch() error = %v, want %v", err, ErrUnknownProxy)
	}
}

func TestServeMalformed(t *testing.T) {
	d := New(Config{Engine: stoppedEngine{}, Logger: discard})
	var out bytes.Buffer
	if err := d.Serve(context.Background(), strings.NewReader("{not json"), &out); err == nil {
		t.Error("Serve() accepted malformed input")
	}
}

func TestDispatchRemovesUnstartedClient(t *testing.T) {
	direct := transport.NewDirect(transport.DirectConfig{
		Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			client, server := net.Pipe()
			go io.Copy(io.Discard, server)
			return client, nil
		},
		Logger: discard,
	})
	queue := event.NewQueue(0)
	eng := tunnel.New(tunnel.Config{
		Transport: direct,
		Connector: tunnel.NewConnector(backend.NewConnector(backend.Config{Sink: queue, Logger: discard})),
		Events:    queue,
		Logger:    discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	d := New(Config{
		Engine: eng,
		Services: map[string]*service.Service{
			"noport": {Name: "noport", Type: service.TCP, LocalIP: "127.0.0.1"},
		},
		Logger: discard,
	})

	if _, err := d.Dispatch(ctx, StartWorkConn{ProxyName: "noport"}); err == nil {
		t.Fatal("Dispatch() error = nil, want precondition error")
	}
	if n := eng.NumClients(); n != 0 {
		t.Errorf("NumClients() = %d, want 0", n)
	}
}
