// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker fails backend dials fast while a local service keeps
// refusing connections.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failed dials before opening.
	MaxFailures int
	// ResetTimeout is how long to stay Open before letting a trial dial through.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successful trial dials needed to close.
	SuccessThreshold int
}

// StateChangeFunc observes transitions. key identifies the breaker within a Group.
type StateChangeFunc func(key string, from, to State)

// CircuitBreaker implements the circuit breaker pattern for one backend.
type CircuitBreaker struct {
	mu              sync.Mutex
	key             string
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   StateChangeFunc
	now             func() time.Time
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Call executes fn unless the circuit is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()

	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastStateChange) > cb.config.ResetTimeout {
		cb.setState(StateHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.key, oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Group holds one breaker per backend address.
type Group struct {
	mu            sync.Mutex
	config        Config
	breakers      map[string]*CircuitBreaker
	onStateChange StateChangeFunc
}

// NewGroup creates an empty group whose breakers share config.
func NewGroup(config Config) *Group {
	return &Group{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange registers a callback for transitions of any breaker in the group.
// It applies to breakers created afterwards.
func (g *Group) OnStateChange(fn StateChangeFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStateChange = fn
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cb := New(g.config)
	cb.key = key
	cb.onStateChange = g.onStateChange
	g.breakers[key] = cb
	return cb
}
