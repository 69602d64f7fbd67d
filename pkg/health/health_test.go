// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthStatus(t *testing.T) {
	failing := func(ctx context.Context) error { return errors.New("down") }
	passing := func(ctx context.Context) error { return nil }

	tests := []struct {
		name     string
		register func(c *Checker)
		want     Status
	}{
		{
			name:     "no checks",
			register: func(c *Checker) {},
			want:     StatusHealthy,
		},
		{
			name: "all passing",
			register: func(c *Checker) {
				c.Register("session", passing, true)
				c.Register("clients", passing, false)
			},
			want: StatusHealthy,
		},
		{
			name: "non-critical failing",
			register: func(c *Checker) {
				c.Register("session", passing, true)
				c.Register("clients", failing, false)
			},
			want: StatusDegraded,
		},
		{
			name: "critical failing",
			register: func(c *Checker) {
				c.Register("session", failing, true)
				c.Register("clients", passing, false)
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			tt.register(c)
			got, _ := c.Health(context.Background())
			if got != tt.want {
				t.Errorf("Health() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHealthCache(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	}, false)

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("check ran %d times, want 1", calls)
	}
}

func TestSessionCheck(t *testing.T) {
	closed := false
	check := SessionCheck(func() bool { return closed })

	if err := check(context.Background()); err != nil {
		t.Fatalf("open session reported %v", err)
	}
	closed = true
	if err := check(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("closed session reported %v", err)
	}
}

func TestRoutes(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("session", func(ctx context.Context) error { return nil }, true)
	c.Register("clients", func(ctx context.Context) error { return errors.New("none") }, false)

	srv := httptest.NewServer(c.Routes())
	defer srv.Close()

	tests := []struct {
		path string
		code int
	}{
		{path: "/health", code: http.StatusOK},
		{path: "/livez", code: http.StatusOK},
		{path: "/readyz", code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.code {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.code)
			}
			var body map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Errorf("invalid JSON body: %v", err)
			}
		})
	}
}
