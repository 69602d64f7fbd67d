// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Common is the configuration shared by every service.
type Common struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:"127.0.0.1"`
	ServerPort int    `env:"SERVER_PORT" envDefault:"7000"`

	// TCPMux selects one smux session over the control connection. When
	// false every stream is its own work connection to the server.
	TCPMux bool `env:"TCP_MUX" envDefault:"true"`

	MuxKeepAliveInterval time.Duration `env:"MUX_KEEPALIVE_INTERVAL" envDefault:"10s"`
	MuxKeepAliveTimeout  time.Duration `env:"MUX_KEEPALIVE_TIMEOUT"  envDefault:"30s"`
	MuxMaxReceiveBuffer  int           `env:"MUX_MAX_RECEIVE_BUFFER" envDefault:"4194304"`
	MuxMaxStreamBuffer   int           `env:"MUX_MAX_STREAM_BUFFER"  envDefault:"65536"`

	Services []string `env:"SERVICES" envSeparator:","`
}

// ServerAddress returns the tunnel server host:port.
func (c Common) ServerAddress() string {
	return net.JoinHostPort(c.ServerAddr, strconv.Itoa(c.ServerPort))
}

// LoadCommon parses the common configuration from the environment.
func LoadCommon(opts env.Options) (Common, error) {
	var c Common
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Common{}, fmt.Errorf("failed to parse common config: %w", err)
	}
	return c, nil
}

// Load parses one service named name. Its variables are looked up under
// opts.Prefix followed by the upper-cased name, e.g. XFRPC_SSH_LOCAL_PORT.
func Load(opts env.Options, name string) (*Service, error) {
	opts.Prefix = opts.Prefix + strings.ToUpper(name) + "_"

	svc := &Service{Name: name}
	if err := env.ParseWithOptions(svc, opts); err != nil {
		return nil, fmt.Errorf("failed to parse service %s: %w", name, err)
	}
	if svc.LocalPort <= 0 || svc.LocalPort > 65535 {
		return nil, fmt.Errorf("service %s: invalid local port %d", name, svc.LocalPort)
	}
	if svc.Type == FTP && svc.RemoteDataPort <= 0 {
		return nil, fmt.Errorf("service %s: ftp requires a remote data port", name)
	}
	return svc, nil
}

// LoadAll loads every service listed in c.Services.
func LoadAll(opts env.Options, c Common) (map[string]*Service, error) {
	services := make(map[string]*Service, len(c.Services))
	for _, name := range c.Services {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := services[name]; ok {
			return nil, fmt.Errorf("duplicate service %s", name)
		}
		svc, err := Load(opts, name)
		if err != nil {
			return nil, err
		}
		services[name] = svc
	}
	return services, nil
}
