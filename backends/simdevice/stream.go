// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream executes submitted operations in order, in its own goroutine.
//
// Once an operation fails, the stream is marked as failed: the following operations are
// discarded and Synchronize always returns the first error.
type Stream struct {
	name string
	ops  chan func() error

	mu      sync.Mutex
	cond    *sync.Cond // Signaled whenever pending reaches 0.
	pending int
	err     error
	closed  bool
	done    chan struct{}
}

// NewStream creates a stream with room for queueDepth operations and starts its goroutine.
func NewStream(name string, queueDepth int) *Stream {
	s := &Stream{
		name: name,
		ops:  make(chan func() error, queueDepth),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.done)
	for op := range s.ops {
		s.mu.Lock()
		failed := s.err != nil
		s.mu.Unlock()

		var err error
		if !failed {
			err = s.execute(op)
		}

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = errors.WithMessagef(err, "stream %q failed", s.name)
			klog.Errorf("%v", s.err)
		}
		s.pending--
		if s.pending == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

// execute op, converting a panic into an error.
func (s *Stream) execute(op func() error) (err error) {
	exception := exceptions.Try(func() { err = op() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessage(e, "panic while executing stream operation")
		}
		return errors.Errorf("panic while executing stream operation: %v", exception)
	}
	return err
}

// Submit implements backends.Stream. It only blocks if the queue is full.
func (s *Stream) Submit(op func() error) {
	s.mu.Lock()
	if s.closed {
		if s.err == nil {
			s.err = errors.Errorf("stream %q: operation submitted after it was closed", s.name)
		}
		s.mu.Unlock()
		return
	}
	s.pending++
	s.mu.Unlock()
	s.ops <- op
}

// Synchronize implements backends.Stream.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	return s.err
}

// Close waits for the pending operations and stops the stream goroutine. Further submissions fail the stream.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Operations counted in pending before closed was set are still delivered to s.ops.
	_ = s.Synchronize()
	close(s.ops)
	<-s.done
}
