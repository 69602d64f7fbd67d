// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package service describes the local services exposed through the tunnel.
package service

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ProxyType is the closed set of proxy kinds a service can have.
type ProxyType int

const (
	TCP ProxyType = iota
	UDP
	SOCKS5
	FTP
)

func (t ProxyType) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case SOCKS5:
		return "socks5"
	case FTP:
		return "ftp"
	default:
		return "unknown"
	}
}

// ParseProxyType maps a configuration string to a ProxyType.
func ParseProxyType(s string) (ProxyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	case "socks5":
		return SOCKS5, nil
	case "ftp":
		return FTP, nil
	default:
		return TCP, fmt.Errorf("unknown proxy type %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so ProxyType can be read
// straight from the environment.
func (t *ProxyType) UnmarshalText(text []byte) error {
	pt, err := ParseProxyType(string(text))
	if err != nil {
		return err
	}
	*t = pt
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t ProxyType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Service is the read-only descriptor of one proxied local service.
// It is owned by configuration and shared by every client of the service.
type Service struct {
	Name       string
	Type       ProxyType `env:"TYPE"       envDefault:"tcp"`
	LocalIP    string    `env:"LOCAL_IP"   envDefault:"127.0.0.1"`
	LocalPort  int       `env:"LOCAL_PORT"`
	RemotePort int       `env:"REMOTE_PORT"`

	// RemoteDataPort is the server-side port for FTP passive data
	// connections. Only meaningful for FTP services.
	RemoteDataPort int `env:"REMOTE_DATA_PORT"`
}

// LocalAddr returns the host:port of the local service.
func (s *Service) LocalAddr() string {
	ip := s.LocalIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return net.JoinHostPort(ip, strconv.Itoa(s.LocalPort))
}

// IsFTP reports whether s is an FTP service with a usable data port.
func IsFTP(s *Service) bool {
	return s != nil && s.Type == FTP && s.RemoteDataPort > 0
}

// IsSOCKS5 reports whether s is a SOCKS5 service.
func IsSOCKS5(s *Service) bool {
	return s != nil && s.Type == SOCKS5
}

// IsUDP reports whether s is a UDP service.
func IsUDP(s *Service) bool {
	return s != nil && s.Type == UDP
}
