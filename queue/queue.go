// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the bounded FIFO that buffers outbound backend
// traffic while no backend connection exists. Depth and drop counts are
// the daemon's primary backpressure signal, reported in heartbeats.
package queue

import "sync"

// DefaultCapacity bounds the pending queue when no capacity is
// configured.
const DefaultCapacity = 500

// Queue is a bounded FIFO of raw outbound messages. Safe for concurrent
// use.
type Queue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	drops    uint64
}

// New creates a Queue. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends message when the queue has room. When full, the
// message is dropped, the drop counter increments, and Enqueue returns
// false. The oldest entries are always retained: backpressure sheds the
// newest traffic, preserving FIFO order of what remains.
func (q *Queue) Enqueue(message []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.drops++
		return false
	}
	q.items = append(q.items, message)
	return true
}

// DrainTo removes and forwards queued messages to sink in arrival
// order, one at a time, until the queue is empty or sink fails. The
// lock is not held across sink calls (sink performs network I/O), but
// each removal is atomic, so messages enqueued concurrently during the
// drain are forwarded too, in order, before DrainTo returns. On sink
// error the failed message is restored to the head of the queue and
// DrainTo returns the error; nothing is lost.
//
// Returns the number of messages forwarded.
func (q *Queue) DrainTo(sink func([]byte) error) (int, error) {
	forwarded := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return forwarded, nil
		}
		message := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := sink(message); err != nil {
			q.mu.Lock()
			q.items = append([][]byte{message}, q.items...)
			q.mu.Unlock()
			return forwarded, err
		}
		forwarded++
	}
}

// Depth returns the current queue depth.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drops returns the number of messages rejected at capacity.
func (q *Queue) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}
