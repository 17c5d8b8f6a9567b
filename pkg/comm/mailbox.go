// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package comm

import (
	"context"
	"sync"
)

type mailboxKey struct {
	ctx uint64
	src int
	tag int
}

type mailboxQueue struct {
	items [][]byte
	ready chan struct{}
}

// Mailbox buffers inbound frames until the matching receive is posted.
//
// Frames are queued per (context, source, tag) so a receive never consumes a
// message meant for another communicator or tag, and messages between one
// pair with one tag stay in arrival order.
//
// Thread Safety:
//
//	Safe for concurrent Put from transport goroutines and Take from the
//	owning process.
type Mailbox struct {
	mu     sync.Mutex
	queues map[mailboxKey]*mailboxQueue
	err    error
	done   chan struct{}
}

// NewMailbox creates an empty, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		queues: make(map[mailboxKey]*mailboxQueue),
		done:   make(chan struct{}),
	}
}

func (m *Mailbox) queue(key mailboxKey) *mailboxQueue {
	q, ok := m.queues[key]
	if !ok {
		q = &mailboxQueue{ready: make(chan struct{}, 1)}
		m.queues[key] = q
	}
	return q
}

// Put enqueues f and wakes a waiting receiver.
func (m *Mailbox) Put(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(mailboxKey{ctx: f.Context, src: f.Src, tag: f.Tag})
	q.items = append(q.items, f.Payload)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Take returns the oldest payload queued under key, blocking until one
// arrives, ctx is done, or the mailbox is closed. Queued payloads are still
// returned after Close.
func (m *Mailbox) Take(ctx context.Context, key mailboxKey) ([]byte, error) {
	for {
		m.mu.Lock()
		q := m.queue(key)
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			m.mu.Unlock()
			return item, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return nil, err
		}
		ready := q.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-m.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close fails every current and future Take that finds its queue empty.
// The first non-nil error wins; a nil err closes with ErrClosed.
func (m *Mailbox) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	close(m.done)
}

// Pending returns the number of queued payloads across all keys.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q.items)
	}
	return n
}
