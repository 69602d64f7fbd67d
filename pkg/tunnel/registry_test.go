// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newProxyClient(1, nil)
	b := newProxyClient(3, nil)

	if err := r.Add(a); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := r.Add(b); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := r.Add(newProxyClient(1, nil)); !errors.Is(err, ErrDuplicateClient) {
		t.Errorf("Add() duplicate error = %v, want %v", err, ErrDuplicateClient)
	}

	if got, ok := r.Get(1); !ok || got != a {
		t.Errorf("Get(1) = %v, %v", got, ok)
	}
	if _, ok := r.Get(2); ok {
		t.Error("Get(2) found a client that was never added")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryRemoveReleases(t *testing.T) {
	r := NewRegistry()
	c := newProxyClient(5, nil)
	be := &fakeBackend{addr: "127.0.0.1:22"}
	c.backend = be
	c.backendState = ConnOpen
	c.tail = []byte("early")
	r.Add(c)

	removed, ok := r.Remove(5)
	if !ok || removed != c {
		t.Fatalf("Remove() = %v, %v", removed, ok)
	}
	if !be.closed {
		t.Error("backend not closed on removal")
	}
	if c.backend != nil || c.tail != nil {
		t.Error("client still references its backend or tail")
	}

	if _, ok := r.Remove(5); ok {
		t.Error("second Remove() reported a client")
	}
	if _, ok := r.Remove(99); ok {
		t.Error("Remove() of unknown id reported a client")
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	backends := make([]*fakeBackend, 3)
	for i := range backends {
		c := newProxyClient(uint32(2*i+1), nil)
		backends[i] = &fakeBackend{}
		c.backend = backends[i]
		r.Add(c)
	}

	visited := 0
	r.Clear(func(c *ProxyClient) {
		if c.backend == nil {
			t.Error("Clear() released a client before visiting it")
		}
		visited++
	})

	if visited != 3 || r.Len() != 0 {
		t.Errorf("Clear() visited %d, left %d", visited, r.Len())
	}
	for i, be := range backends {
		if !be.closed {
			t.Errorf("backend %d not closed", i)
		}
	}
}
