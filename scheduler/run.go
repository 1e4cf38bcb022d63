// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/actorflow/actor"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run executes one step of the graph: feeds are the host values of the parameters fed by the host
// (keyed by parameter name), and it returns the host values of the graph outputs.
//
// Any failure (an unsupported copy between backends, a kernel or stream failure) is fatal for the run:
// the error names the node, tensor and backends involved. There are no retries.
func (g *ActorGraph) Run(ctx context.Context, feeds map[string][]byte) (outputs [][]byte, err error) {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.closed {
		return nil, errors.Errorf("%s: Run() called after Close()", g)
	}
	g.runs++
	klog.V(1).Infof("%s: run #%d", g, g.runs)

	err = exceptions.TryCatch[error](func() {
		outputs, err = g.run(ctx, feeds)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		// Work already submitted may still read the tensors.
		for _, device := range g.manager.Devices() {
			_ = device.Stream().Synchronize()
		}
		g.flushPendingFrees()
		g.releaseTransient()
		_ = g.memActor.Wait()
		return nil, errors.WithMessagef(err, "%s: run #%d failed", g, g.runs)
	}
	return outputs, nil
}

func (g *ActorGraph) run(ctx context.Context, feeds map[string][]byte) ([][]byte, error) {
	if err := g.checkFeeds(feeds); err != nil {
		return nil, err
	}
	for _, t := range g.transient {
		t.ResetRefCount()
	}
	for _, param := range g.directFeeds {
		if err := g.feed(param, feeds[param.Name()]); err != nil {
			return nil, err
		}
		if t := param.Output(0); t.OriginalRefCount() == 0 {
			g.freeAfterStream(t)
		}
	}

	var err error
	if g.opts.Strategy == actor.Pipeline {
		err = g.executeParallel(ctx, feeds)
	} else {
		err = g.executeSequentially(ctx, feeds)
	}
	if err != nil {
		return nil, err
	}

	for deviceType, device := range g.manager.Devices() {
		if err := device.Stream().Synchronize(); err != nil {
			return nil, errors.WithMessagef(err, "%s device %q", deviceType, device.Name())
		}
	}
	g.flushPendingFrees()
	outputs := make([][]byte, len(g.graph.Outputs()))
	for ii, output := range g.graph.Outputs() {
		outputs[ii], err = download(output.Tensor())
		if err != nil {
			return nil, errors.WithMessagef(err, "downloading output #%d (%s)", ii, output)
		}
	}
	if err := g.memActor.Wait(); err != nil {
		return nil, err
	}
	for _, t := range g.transient {
		if t.IsAllocated() {
			return nil, errors.Errorf("tensor %s still allocated at the end of the run", t)
		}
	}
	return outputs, nil
}

// checkFeeds checks that every parameter fed by the host has a value of the right size.
func (g *ActorGraph) checkFeeds(feeds map[string][]byte) error {
	check := func(param string, size int) error {
		value, found := feeds[param]
		if !found {
			return errors.Errorf("missing feed for parameter %q", param)
		}
		if len(value) != size {
			return errors.Errorf("feed for parameter %q has %s, but it requires %s", param,
				humanize.IBytes(uint64(len(value))), humanize.IBytes(uint64(size)))
		}
		return nil
	}
	for _, param := range g.directFeeds {
		if err := check(param.Name(), param.OutputSize(0)); err != nil {
			return err
		}
	}
	for _, a := range g.actors {
		for _, param := range a.hostParams {
			if err := check(param.Name(), param.OutputSize(0)); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeSequentially runs the actors one at a time, in order of creation: that is the execution order
// of the graph, with the host data source first.
func (g *ActorGraph) executeSequentially(ctx context.Context, feeds map[string][]byte) error {
	for _, a := range g.actors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.execute(ctx, a, feeds); err != nil {
			return err
		}
	}
	return nil
}

// executeParallel dispatches each actor to the worker pool as soon as all its dependencies have executed.
func (g *ActorGraph) executeParallel(ctx context.Context, feeds map[string][]byte) error {
	var (
		readyToExecute chan int // protected by execMu
		collectErrors  []error  // protected by execMu
		execMu         sync.Mutex
		running        sync.WaitGroup
	)
	expected := len(g.actors)
	if expected == 0 {
		return nil
	}
	completed := 0
	remainingDeps := make([]int, expected)
	readyToExecute = make(chan int, expected)
	stopExecutionFn := sync.OnceFunc(func() { close(readyToExecute) })
	for _, a := range g.actors {
		remainingDeps[a.idx] = a.numDeps
		if a.numDeps == 0 {
			readyToExecute <- a.idx
		}
	}

	appendErrorFn := func(err error) {
		execMu.Lock()
		defer execMu.Unlock()
		collectErrors = append(collectErrors, err)
		stopExecutionFn()
	}

	for actorIdx := range readyToExecute {
		a := g.actors[actorIdx]
		running.Add(1)
		g.pool.WaitToStart(func() {
			defer running.Done()
			if err := ctx.Err(); err != nil {
				appendErrorFn(err)
				return
			}
			execMu.Lock()
			interrupted := len(collectErrors) > 0
			execMu.Unlock()
			if interrupted {
				return
			}
			err := exceptions.TryCatch[error](func() {
				if err := g.execute(ctx, a, feeds); err != nil {
					panic(err)
				}
			})
			if err != nil {
				appendErrorFn(err)
				return
			}

			execMu.Lock()
			defer execMu.Unlock()
			if len(collectErrors) > 0 {
				// Interrupted anyway.
				return
			}
			completed++
			if completed == expected {
				stopExecutionFn()
				return
			}
			for _, depIdx := range a.dependents {
				remainingDeps[depIdx]--
				if remainingDeps[depIdx] == 0 {
					readyToExecute <- depIdx
				}
			}
		})
	}
	running.Wait()

	if len(collectErrors) > 0 {
		return collectErrors[0]
	}
	return nil
}

// release is called once per consumed tensor: the tensor is handed to the memory actor when its count reaches 0.
func (g *ActorGraph) release(a *actorNode, t *devicetensor.DeviceTensor) error {
	remaining, err := t.DecreaseRefCount()
	if err != nil {
		return errors.WithMessagef(err, "actor %s", a.name)
	}
	if remaining == 0 {
		klog.V(2).Infof("%s: %s releases %s", g.id, a.name, t.Name())
		g.freeAfterStream(t)
	}
	return nil
}

// releaseUnused frees the produced tensors no one consumes.
func (g *ActorGraph) releaseUnused(a *actorNode) {
	for _, t := range a.produced {
		if t.OriginalRefCount() == 0 {
			g.freeAfterStream(t)
		}
	}
}

// freeAfterStream hands the tensors to the memory actor once their device stream has executed all the work
// submitted so far, which includes every kernel and copy reading them. Host tensors are freed right away:
// host work is synchronous.
func (g *ActorGraph) freeAfterStream(tensors ...*devicetensor.DeviceTensor) {
	var hostTensors []*devicetensor.DeviceTensor
	for _, t := range tensors {
		if t.DeviceType().IsHost() {
			hostTensors = append(hostTensors, t)
			continue
		}
		t.Device().Stream().Submit(func() error {
			g.pendingMu.Lock()
			defer g.pendingMu.Unlock()
			g.pendingFrees = append(g.pendingFrees, t)
			return nil
		})
	}
	g.memActor.Free(hostTensors...)
}

// flushPendingFrees hands the accelerator tensors whose stream work is done to the memory actor.
func (g *ActorGraph) flushPendingFrees() {
	g.pendingMu.Lock()
	pending := g.pendingFrees
	g.pendingFrees = nil
	g.pendingMu.Unlock()
	g.memActor.Free(pending...)
}

// releaseTransient frees all the transient tensors still allocated, after a failed run.
func (g *ActorGraph) releaseTransient() {
	var toFree []*devicetensor.DeviceTensor
	for _, t := range g.transient {
		if t.IsAllocated() {
			toFree = append(toFree, t)
		}
	}
	for _, a := range g.actors {
		for _, t := range a.staging {
			if t != nil && t.IsAllocated() {
				toFree = append(toFree, t)
			}
		}
		for _, t := range a.workspace {
			if t.IsAllocated() {
				toFree = append(toFree, t)
			}
		}
	}
	g.memActor.Free(toFree...)
}

// releaseAll frees all the tensors of the graph, persistent ones included.
func (g *ActorGraph) releaseAll() {
	g.releaseTransient()
	var toFree []*devicetensor.DeviceTensor
	for _, t := range g.persistent {
		if t.IsAllocated() {
			toFree = append(toFree, t)
		}
	}
	g.memActor.Free(toFree...)
}

// RunSteps runs n steps, feeding each with the values returned by feedFn, and returns the outputs of each step.
// It stops at the first failure.
func (g *ActorGraph) RunSteps(ctx context.Context, n int, feedFn func(step int) (map[string][]byte, error)) (
	[][][]byte, error) {
	outputs := make([][][]byte, 0, n)
	for step := range n {
		var feeds map[string][]byte
		if feedFn != nil {
			var err error
			feeds, err = feedFn(step)
			if err != nil {
				return outputs, errors.WithMessagef(err, "feeds for step %d", step)
			}
		}
		stepOutputs, err := g.Run(ctx, feeds)
		if err != nil {
			return outputs, errors.WithMessagef(err, "step %d", step)
		}
		outputs = append(outputs, stepOutputs)
	}
	return outputs, nil
}

// Close releases all the tensors of the graph and stops its memory actor. The memory manager is not closed.
func (g *ActorGraph) Close() error {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.releaseAll()
	err := g.memActor.Wait()
	g.memActor.Stop()
	klog.V(1).Infof("%s: closed after %d runs", g, g.runs)
	return err
}
