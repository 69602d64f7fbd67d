// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"errors"
	"fmt"
)

// ErrDuplicateClient is returned when a stream id is already registered.
var ErrDuplicateClient = errors.New("proxy client already registered")

// Registry maps stream ids to proxy clients. It is not safe for concurrent
// use; the Engine loop is its only user.
type Registry struct {
	clients map[uint32]*ProxyClient
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[uint32]*ProxyClient)}
}

// Add inserts c.
func (r *Registry) Add(c *ProxyClient) error {
	if _, ok := r.clients[c.id]; ok {
		return fmt.Errorf("stream %d: %w", c.id, ErrDuplicateClient)
	}
	r.clients[c.id] = c
	return nil
}

// Get returns the client for id.
func (r *Registry) Get(id uint32) (*ProxyClient, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// Remove releases and deletes the client for id. It returns the removed
// client, or false if there was none.
func (r *Registry) Remove(id uint32) (*ProxyClient, bool) {
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	c.release()
	delete(r.clients, id)
	return c, true
}

// Clear calls fn, if non-nil, for each client, then releases and deletes it.
func (r *Registry) Clear(fn func(c *ProxyClient)) {
	for id, c := range r.clients {
		if fn != nil {
			fn(c)
		}
		c.release()
		delete(r.clients, id)
	}
}

// Len returns the number of clients.
func (r *Registry) Len() int {
	return len(r.clients)
}
