// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay moves bytes between a local service and its tunnel stream.
//
// A Relay has two halves. Upstream runs on the backend reader goroutine and
// copies everything the local service sends into the stream. Downstream is
// called by the engine with the bytes buffered on the stream and writes them
// to the backend, returning how many it consumed so that partial frames can
// stay buffered.
package relay

import (
	"io"
	"sync"

	"github.com/Nurdich/xfrpc/pkg/service"
)

// Direction indicates the direction of data flow.
type Direction int

const (
	// Upstream is local service → tunnel server.
	Upstream Direction = iota

	// Downstream is tunnel server → local service.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Relay is the per-proxy-type copy behaviour.
type Relay interface {
	// Upstream copies from the local service to the tunnel until src is
	// exhausted. It returns nil on a clean end of stream.
	Upstream(dst io.Writer, src io.Reader) error

	// Downstream writes buffered tunnel bytes to the local service and
	// returns the number of bytes consumed from buf.
	Downstream(dst io.Writer, buf []byte) (int, error)
}

// For selects the relay for svc. serverAddr is the tunnel server host,
// used by the FTP relay to rewrite passive mode replies.
func For(svc *service.Service, serverAddr string) Relay {
	if svc == nil {
		return TCP{}
	}
	switch svc.Type {
	case service.FTP:
		if service.IsFTP(svc) {
			return NewFTP(serverAddr, svc.RemoteDataPort)
		}
		return TCP{}
	case service.UDP:
		return UDP{}
	case service.TCP, service.SOCKS5:
		return TCP{}
	default:
		return TCP{}
	}
}

var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufPool.Put(buf)
}

// TCP relays an opaque byte stream in both directions.
type TCP struct{}

var _ Relay = TCP{}

// Upstream copies src to dst.
func (TCP) Upstream(dst io.Writer, src io.Reader) error {
	buf := getBuffer()
	defer putBuffer(buf)

	_, err := io.CopyBuffer(dst, src, *buf)
	return err
}

// Downstream writes all of buf.
func (TCP) Downstream(dst io.Writer, buf []byte) (int, error) {
	return dst.Write(buf)
}
