// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/exceptions"
)

// UpdateRefCount accounts for one more consumer of t found by the static analysis of the graph,
// or marks it as never reclaimed if isMaxRefCount (graph outputs and persistent tensors).
//
// The current reference count is then reset to the original one.
func UpdateRefCount(t *devicetensor.DeviceTensor, isMaxRefCount bool) {
	if t == nil {
		exceptions.Panicf("UpdateRefCount(nil)")
	}
	if isMaxRefCount {
		t.SetOriginalRefCount(devicetensor.MaxRefCount)
	} else {
		t.IncreaseOriginalRefCount()
	}
	t.ResetRefCount()
}

// UpdateNodeRefCount is UpdateRefCount applied to the tensor bound to the given output of node.
// It panics if the output is not bound.
func UpdateNodeRefCount(node *ir.Node, outputIdx int, isMaxRefCount bool) {
	if node == nil {
		exceptions.Panicf("UpdateNodeRefCount(nil, %d)", outputIdx)
	}
	t := node.Output(outputIdx)
	if t == nil {
		exceptions.Panicf("UpdateNodeRefCount(%s, %d): output is not bound to a DeviceTensor", node, outputIdx)
	}
	UpdateRefCount(t, isMaxRefCount)
}
