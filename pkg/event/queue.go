// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import "sync"

// DefaultQueueSize is the buffer size used when NewQueue is given zero.
const DefaultQueueSize = 1024

// Queue is a buffered, multi-producer single-consumer event channel.
type Queue struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

var _ Sink = (*Queue)(nil)

// NewQueue creates a queue holding up to size pending events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Post enqueues ev. It blocks while the queue is full and returns without
// delivering once the queue is closed.
func (q *Queue) Post(ev Event) {
	select {
	case <-q.done:
		return
	default:
	}

	select {
	case q.ch <- ev:
	case <-q.done:
	}
}

// C returns the receive side of the queue.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Done is closed after Close.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close stops accepting events and releases blocked producers.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
	})
}
