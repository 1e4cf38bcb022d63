// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrQueueClosed is returned by ChanQueue.Pop when the queue is closed and empty.
var ErrQueueClosed = errors.New("data queue closed")

// ChanQueue is a DataQueue backed by a buffered channel. Batches are pushed by a producer goroutine
// and popped by the data source actor of a GetNext node.
type ChanQueue struct {
	batches   chan [][]byte
	closeOnce sync.Once
}

var _ DataQueue = (*ChanQueue)(nil)

// NewChanQueue creates a queue that buffers up to capacity batches.
func NewChanQueue(capacity int) *ChanQueue {
	return &ChanQueue{batches: make(chan [][]byte, capacity)}
}

// Push a batch, blocking while the queue is full. It returns ctx's error if it's cancelled first.
func (q *ChanQueue) Push(ctx context.Context, batch ...[]byte) error {
	select {
	case q.batches <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop implements DataQueue.
func (q *ChanQueue) Pop(ctx context.Context) ([][]byte, error) {
	select {
	case batch, ok := <-q.batches:
		if !ok {
			return nil, ErrQueueClosed
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of batches waiting in the queue.
func (q *ChanQueue) Len() int { return len(q.batches) }

// Close the queue: pending batches can still be popped. Pushing to a closed queue panics.
func (q *ChanQueue) Close() {
	q.closeOnce.Do(func() { close(q.batches) })
}
