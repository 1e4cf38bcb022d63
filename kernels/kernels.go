// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels defines the uniform interface used by the scheduler to launch computational kernels,
// and a registry of kernel factories keyed by operator name.
//
// The numeric implementations live elsewhere (see kernels/elementwise for a few simple ones): the scheduler
// only hands each kernel its input, workspace and output tensors, and the stream of its device.
package kernels

import (
	"slices"
	"sync"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/ir"
	"github.com/pkg/errors"
)

// Kernel is a compiled computational kernel for one graph node.
type Kernel interface {
	// Launch submits the computation to the stream and returns without waiting for it.
	//
	// All tensors are allocated and held by the device that owns the stream. The inputs have been submitted
	// to the same stream, so the work only needs to follow them. Errors found during the computation should
	// be returned by the submitted function: they make the stream fail.
	//
	// The tensors are only guaranteed to be allocated during the call: Launch must resolve their storage
	// before returning, and the submitted work must use that storage, not the tensors. The scheduler
	// reclaims the tensors' memory through the same stream, after the submitted work.
	Launch(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error
}

// WorkspaceSizer is optionally implemented by kernels that require scratch memory.
// The scheduler allocates one workspace tensor per size returned, for the duration of the launch.
type WorkspaceSizer interface {
	WorkspaceSizes() []int
}

// Factory creates the kernel for the given node.
// It should validate the node shapes, since Launch is only given the tensors.
type Factory func(node *ir.Node) (Kernel, error)

var (
	muRegistry sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register the kernel factory for the operator op. It replaces any previous registration.
//
// To be safe, call Register during initialization of a package.
func Register(op string, factory Factory) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[op] = factory
}

// IsRegistered returns whether there is a factory for the operator op.
func IsRegistered(op string) bool {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	_, found := registry[op]
	return found
}

// Registered returns the sorted list of operators with a registered kernel.
func Registered() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	ops := make([]string, 0, len(registry))
	for op := range registry {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// New creates the kernel for node, using the factory registered for its operator.
func New(node *ir.Node) (Kernel, error) {
	muRegistry.RLock()
	factory, found := registry[node.Op()]
	muRegistry.RUnlock()
	if !found {
		return nil, errors.Errorf("no kernel registered for operator %q (node %s), "+
			"maybe import \"github.com/gomlx/actorflow/kernels/elementwise\"?", node.Op(), node)
	}
	kernel, err := factory(node)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating kernel for node %s", node)
	}
	return kernel, nil
}

// WorkspaceSizes returns the workspace sizes of kernel, or nil if it doesn't require any.
func WorkspaceSizes(kernel Kernel) []int {
	if sizer, ok := kernel.(WorkspaceSizer); ok {
		return sizer.WorkspaceSizes()
	}
	return nil
}

// Func adapts a function to a Kernel.
type Func func(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error

// Launch implements Kernel.
func (f Func) Launch(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error {
	return f(inputs, workspace, outputs, stream)
}
