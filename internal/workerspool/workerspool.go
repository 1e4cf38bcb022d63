// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs actor tasks in goroutines, with a bound on how many run at the same time,
// and computes the size of the pools from the hardware concurrency (see ComputeThreadCounts).
package workerspool

import (
	"sync"
)

// Pool of workers: each task runs in its own goroutine, and at most MaxParallelism of them run at a time.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	// If 0 tasks are run inline. If negative there is no limit.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Broadcast whenever numRunning is decreased.
	numRunning int
	peak       int
}

// New returns a new Pool that runs at most maxParallelism tasks at a time.
// If maxParallelism is 0 tasks are run inline, and if it's negative the parallelism is unlimited.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// NewForActors returns a Pool sized to run actors and kernels, see ComputeThreadCounts.
func NewForActors() *Pool {
	_, actorAndKernelThreads := ComputeThreadCounts()
	return New(actorAndKernelThreads)
}

// MaxParallelism returns the limit of tasks running in parallel.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	w.peak = max(w.peak, w.numRunning)
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Broadcast()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Peak returns the maximum number of tasks that ran at the same time.
func (w *Pool) Peak() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak
}
