// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/binary"
	"io"
)

// MaxDatagramSize is the largest datagram carried over a stream.
const MaxDatagramSize = 65535

const frameHeaderSize = 2

// UDP carries datagrams over the stream as a big-endian uint16 length
// followed by the payload.
type UDP struct{}

var _ Relay = UDP{}

// Upstream frames every datagram read from src. src must return one
// datagram per Read.
func (UDP) Upstream(dst io.Writer, src io.Reader) error {
	buf := make([]byte, frameHeaderSize+MaxDatagramSize)
	for {
		n, err := src.Read(buf[frameHeaderSize:])
		if n > 0 {
			binary.BigEndian.PutUint16(buf, uint16(n))
			if _, werr := dst.Write(buf[:frameHeaderSize+n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Downstream writes each complete frame in buf as one datagram. A trailing
// partial frame is left unconsumed.
func (UDP) Downstream(dst io.Writer, buf []byte) (int, error) {
	consumed := 0
	for len(buf)-consumed >= frameHeaderSize {
		size := int(binary.BigEndian.Uint16(buf[consumed:]))
		end := consumed + frameHeaderSize + size
		if end > len(buf) {
			break
		}
		if size > 0 {
			if _, err := dst.Write(buf[consumed+frameHeaderSize : end]); err != nil {
				return consumed, err
			}
		}
		consumed = end
	}
	return consumed, nil
}
