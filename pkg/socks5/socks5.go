// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package socks5 decodes the target address a SOCKS5 peer asks the tunnel
// to connect to. The server side performs the method negotiation; the
// client only sees the ATYP, DST.ADDR and DST.PORT fields of the request
// at the head of the stream.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Address types.
const (
	AtypIPv4   byte = 0x01
	AtypDomain byte = 0x03
	AtypIPv6   byte = 0x04
)

var (
	// ErrShortBuffer means more bytes are needed to decode the address.
	ErrShortBuffer = errors.New("socks5: short address")

	// ErrAddrType means the address type is not supported.
	ErrAddrType = errors.New("socks5: unsupported address type")

	// ErrEmptyDomain means a domain address of zero length.
	ErrEmptyDomain = errors.New("socks5: empty domain name")
)

// Addr is a SOCKS5 target.
type Addr struct {
	Type byte
	Host string
	Port int
}

// String returns host:port.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Parse decodes an address from the start of b and returns it with the
// number of bytes it occupied.
func Parse(b []byte) (Addr, int, error) {
	if len(b) < 1 {
		return Addr{}, 0, ErrShortBuffer
	}

	var (
		addr = Addr{Type: b[0]}
		end  int
	)
	switch b[0] {
	case AtypIPv4:
		end = 1 + net.IPv4len
		if len(b) < end+2 {
			return Addr{}, 0, ErrShortBuffer
		}
		addr.Host = net.IP(b[1:end]).String()
	case AtypIPv6:
		end = 1 + net.IPv6len
		if len(b) < end+2 {
			return Addr{}, 0, ErrShortBuffer
		}
		addr.Host = net.IP(b[1:end]).String()
	case AtypDomain:
		if len(b) < 2 {
			return Addr{}, 0, ErrShortBuffer
		}
		if b[1] == 0 {
			return Addr{}, 0, ErrEmptyDomain
		}
		end = 2 + int(b[1])
		if len(b) < end+2 {
			return Addr{}, 0, ErrShortBuffer
		}
		addr.Host = string(b[2:end])
	default:
		return Addr{}, 0, fmt.Errorf("%w: 0x%02x", ErrAddrType, b[0])
	}

	addr.Port = int(binary.BigEndian.Uint16(b[end:]))
	return addr, end + 2, nil
}
