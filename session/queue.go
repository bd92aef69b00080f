// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package session

import (
	"context"
	"sync"
)

// Queue is unbounded FIFO of events. Many producers, single consumer.
// Put never blocks.
type Queue struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
	}
}

func (q *Queue) Put(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Get blocks until event is available or context is done
func (q *Queue) Get(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events[0] = nil
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Handler returns function that engine can use as event handler
func (q *Queue) Handler() EventHandler {
	return q.Put
}
