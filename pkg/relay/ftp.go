// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
)

var pasvReply = regexp.MustCompile(`^227 [^(]*\((\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3})\)`)

// FTP relays an FTP control connection. Passive mode replies from the
// local server are rewritten to point at the tunnel server's data port.
type FTP struct {
	serverAddr string
	dataPort   int

	once     sync.Once
	serverIP net.IP
}

var _ Relay = (*FTP)(nil)

// NewFTP creates an FTP relay that advertises serverAddr:dataPort.
func NewFTP(serverAddr string, dataPort int) *FTP {
	return &FTP{serverAddr: serverAddr, dataPort: dataPort}
}

// Upstream copies control replies line by line, rewriting 227 replies.
func (f *FTP) Upstream(dst io.Writer, src io.Reader) error {
	br := bufio.NewReaderSize(src, 4096)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			if _, werr := dst.Write(f.rewrite(line)); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil, err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			return nil
		default:
			return err
		}
	}
}

// Downstream forwards client commands unchanged.
func (f *FTP) Downstream(dst io.Writer, buf []byte) (int, error) {
	return dst.Write(buf)
}

func (f *FTP) rewrite(line []byte) []byte {
	if !pasvReply.Match(line) {
		return line
	}
	ip := f.ip()
	if ip == nil {
		return line
	}
	return []byte(fmt.Sprintf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).\r\n",
		ip[0], ip[1], ip[2], ip[3], f.dataPort>>8, f.dataPort&0xff))
}

func (f *FTP) ip() net.IP {
	f.once.Do(func() {
		if ip := net.ParseIP(f.serverAddr); ip != nil {
			f.serverIP = ip.To4()
			return
		}
		ips, err := net.LookupIP(f.serverAddr)
		if err != nil {
			return
		}
		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil {
				f.serverIP = v4
				return
			}
		}
	})
	return f.serverIP
}
