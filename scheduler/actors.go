// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"slices"

	"github.com/gomlx/actorflow/actor"
	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/internal/workerspool"
	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/actorflow/transfer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// execute runs actor a: it produces its outputs, and then releases the tensors it consumed.
func (g *ActorGraph) execute(ctx context.Context, a *actorNode, feeds map[string][]byte) error {
	if klog.V(2).Enabled() {
		klog.Infof("%s: executing %s (%s)", g.id, a.name, a.role)
	}
	g.flushPendingFrees()
	var err error
	switch a.role {
	case actor.HostQueueDataSource:
		err = g.executeHostQueue(ctx, a, feeds)
	case actor.DeviceQueueDataSource:
		err = g.executeDeviceQueue(ctx, a)
	case actor.Kernel:
		err = g.executeKernel(a)
	case actor.SkippedKernel:
		// Output is an alias to the first input: nothing to compute.
	case actor.Switch:
		err = g.executeSwitch(a)
	case actor.Gather:
		err = g.executeGather(a)
	default:
		err = errors.Errorf("actor %s has unexpected role %s", a.name, a.role)
	}
	if err != nil {
		if a.node != nil {
			return errors.WithMessagef(err, "%s actor for node %s on %s", a.role, a.node, a.node.Device())
		}
		return errors.WithMessagef(err, "%s actor", a.role)
	}
	for _, t := range a.consumed {
		if err := g.release(a, t); err != nil {
			return err
		}
	}
	g.releaseUnused(a)
	return nil
}

// executeHostQueue copies the host feeds into the host parameters, concurrently.
func (g *ActorGraph) executeHostQueue(ctx context.Context, a *actorNode, feeds map[string][]byte) error {
	eg, egCtx := errgroup.WithContext(ctx)
	actorThreads, _ := workerspool.ComputeThreadCounts()
	eg.SetLimit(actorThreads)
	for _, param := range a.hostParams {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return g.feed(param, feeds[param.Name()])
		})
	}
	return eg.Wait()
}

// feed allocates the parameter tensor and copies value into it.
func (g *ActorGraph) feed(param *ir.Node, value []byte) error {
	t := param.Output(0)
	if err := g.memActor.Allocate(t); err != nil {
		return err
	}
	if err := g.upload(t, value); err != nil {
		return errors.WithMessagef(err, "feeding parameter %s", param)
	}
	return nil
}

func (g *ActorGraph) executeDeviceQueue(ctx context.Context, a *actorNode) error {
	batch, err := g.opts.DataQueues[a.node.Name()].Pop(ctx)
	if err != nil {
		return errors.WithMessage(err, "popping from data queue")
	}
	if len(batch) != len(a.produced) {
		return errors.Errorf("data queue returned %d buffers, but %s has %d outputs", len(batch), a.node,
			len(a.produced))
	}
	if err = g.memActor.Allocate(a.produced...); err != nil {
		return err
	}
	for ii, t := range a.produced {
		if err = g.upload(t, batch[ii]); err != nil {
			return errors.WithMessagef(err, "output #%d", ii)
		}
	}
	return nil
}

func (g *ActorGraph) executeKernel(a *actorNode) error {
	if err := g.memActor.Allocate(a.produced...); err != nil {
		return err
	}
	if err := g.memActor.Allocate(a.workspace...); err != nil {
		return err
	}
	inputs := make([]*devicetensor.DeviceTensor, len(a.consumed))
	var staged []*devicetensor.DeviceTensor
	for ii, t := range a.consumed {
		staging := a.staging[ii]
		if staging == nil {
			inputs[ii] = t
			continue
		}
		if err := g.memActor.Allocate(staging); err != nil {
			return err
		}
		staged = append(staged, staging)
		if _, err := transfer.CopyTensor(staging, t); err != nil {
			g.freeAfterStream(staged...)
			return errors.WithMessagef(err, "staging input #%d", ii)
		}
		inputs[ii] = staging
	}
	device := a.node.Device()
	stream := g.nodeDevice(a).Stream()
	err := a.kernel.Launch(inputs, a.workspace, a.produced, stream)
	g.freeAfterStream(staged...)
	g.freeAfterStream(a.workspace...)
	if err != nil {
		return errors.WithMessagef(err, "launching kernel on %s", device)
	}
	return nil
}

// nodeDevice returns the device executing a's node.
func (g *ActorGraph) nodeDevice(a *actorNode) backends.Device {
	device, err := g.manager.Device(a.node.Device())
	if err != nil {
		// Devices are checked when the tensors are created in Build.
		panic(err)
	}
	return device
}

// executeSwitch copies the "on true" or the "on false" input to the output, according to the condition.
func (g *ActorGraph) executeSwitch(a *actorNode) error {
	condition, err := download(a.consumed[0])
	if err != nil {
		return errors.WithMessage(err, "reading condition")
	}
	branch := a.consumed[2]
	if slices.ContainsFunc(condition, func(b byte) bool { return b != 0 }) {
		branch = a.consumed[1]
	}
	if err = g.memActor.Allocate(a.produced[0]); err != nil {
		return err
	}
	if _, err = transfer.CopyTensor(a.produced[0], branch); err != nil {
		return err
	}
	return nil
}

// executeGather copies the tensor its parameter resolves to.
func (g *ActorGraph) executeGather(a *actorNode) error {
	if err := g.memActor.Allocate(a.produced[0]); err != nil {
		return err
	}
	if _, err := transfer.CopyTensor(a.produced[0], a.consumed[0]); err != nil {
		return err
	}
	return nil
}

// upload copies the host value into t, staging it on a host tensor if t is on an accelerator.
func (g *ActorGraph) upload(t *devicetensor.DeviceTensor, value []byte) error {
	if t.DeviceType().IsHost() {
		data, err := t.HostBytes()
		if err != nil {
			return err
		}
		copy(data, value)
		return nil
	}
	staging, err := g.manager.NewTensorWithSize(t.Name()+"/upload", backends.Host, len(value))
	if err != nil {
		return errors.WithMessagef(err, "uploading to %s requires a Host device", t.DeviceType())
	}
	if err = g.memActor.Allocate(staging); err != nil {
		return err
	}
	defer g.memActor.Free(staging)
	data, err := staging.HostBytes()
	if err != nil {
		return err
	}
	copy(data, value)
	_, err = transfer.CopyTensor(t, staging)
	return err
}

// download returns a copy of the contents of t in host memory. It waits for t to be ready.
func download(t *devicetensor.DeviceTensor) ([]byte, error) {
	value := make([]byte, t.Size())
	if t.DeviceType().IsHost() {
		data, err := t.HostBytes()
		if err != nil {
			return nil, err
		}
		copy(value, data)
		return value, nil
	}
	if err := t.SyncDeviceToHost(len(value), value); err != nil {
		return nil, err
	}
	return value, nil
}
