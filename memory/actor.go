// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/gomlx/actorflow/devicetensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type requestKind int

const (
	allocateRequest requestKind = iota
	freeRequest
	barrierRequest
)

type request struct {
	kind    requestKind
	tensors []*devicetensor.DeviceTensor
	reply   chan error
}

// Actor serializes all the allocations and frees of a Manager in one dedicated goroutine.
//
// Allocate is synchronous (the requester needs the memory to proceed), Free is asynchronous: errors of freeing
// are kept and returned by the next Wait.
type Actor struct {
	manager  *Manager
	requests chan request
	done     chan struct{}

	// mu protects stopped, and is held while sending requests: the loop never acquires it.
	mu      sync.Mutex
	stopped bool

	errMu sync.Mutex
	err   error
}

// DefaultActorQueueDepth is the size of the request queue of the memory Actor.
var DefaultActorQueueDepth = 128

// StartActor starts the goroutine serving the requests to m. It must be stopped with Actor.Stop.
func (m *Manager) StartActor() *Actor {
	a := &Actor{
		manager:  m,
		requests: make(chan request, DefaultActorQueueDepth),
		done:     make(chan struct{}),
	}
	go a.loop()
	return a
}

// Manager served by the actor.
func (a *Actor) Manager() *Manager { return a.manager }

func (a *Actor) loop() {
	defer close(a.done)
	for req := range a.requests {
		var err error
		switch req.kind {
		case allocateRequest:
			for _, t := range req.tensors {
				if err = a.manager.Allocate(t); err != nil {
					break
				}
			}
		case freeRequest:
			for _, t := range req.tensors {
				if freeErr := a.manager.Free(t); freeErr != nil {
					klog.Errorf("memory actor: %+v", freeErr)
					a.setErr(freeErr)
				}
			}
		case barrierRequest:
			a.errMu.Lock()
			err = a.err
			a.err = nil
			a.errMu.Unlock()
		}
		if req.reply != nil {
			req.reply <- err
		}
	}
}

func (a *Actor) setErr(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

// send enqueues the request, it returns false if the actor was already stopped.
func (a *Actor) send(req request) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.requests <- req
	return true
}

// Allocate binds device memory to the tensors, and waits for it to happen.
func (a *Actor) Allocate(tensors ...*devicetensor.DeviceTensor) error {
	reply := make(chan error, 1)
	if !a.send(request{kind: allocateRequest, tensors: tensors, reply: reply}) {
		return errors.New("memory actor already stopped, can't allocate")
	}
	return <-reply
}

// Free requests the memory of the tensors to be released. It doesn't wait.
func (a *Actor) Free(tensors ...*devicetensor.DeviceTensor) {
	if len(tensors) == 0 {
		return
	}
	if !a.send(request{kind: freeRequest, tensors: tensors}) {
		klog.Warningf("memory actor already stopped, ignoring the release of %d tensors", len(tensors))
	}
}

// Wait until all the requests sent so far are served, and returns (and clears) the first error that happened
// while freeing memory since the last Wait.
func (a *Actor) Wait() error {
	reply := make(chan error, 1)
	if !a.send(request{kind: barrierRequest, reply: reply}) {
		return errors.New("memory actor already stopped")
	}
	return <-reply
}

// Stop serving requests, after the ones already sent are served. It doesn't close the Manager.
func (a *Actor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.requests)
	a.mu.Unlock()
	<-a.done
}
