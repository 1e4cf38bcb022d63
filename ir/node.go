// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/exceptions"
)

// NodeKind is the kind of node in the graph.
type NodeKind int

const (
	// KindParameter is an input placeholder or mutable state of the graph. Weights are parameters
	// marked with IsWeight.
	KindParameter NodeKind = iota

	// KindValueNode is a constant.
	KindValueNode

	// KindCNode is an operator invocation.
	KindCNode
)

var nodeKindNames = []string{"Parameter", "ValueNode", "CNode"}

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	if k < 0 || int(k) >= len(nodeKindNames) {
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
	return nodeKindNames[k]
}

// Node of the graph. It is created by the Graph methods (Graph.Parameter, Graph.Op, etc.) and it is
// read-only after the graph is finalized, except for its output tensors, bound once by the scheduler.
type Node struct {
	graph *Graph
	id    int
	kind  NodeKind
	name  string

	// op is the operator name, only for KindCNode.
	op string

	isWeight bool
	inputs   []KernelWithIndex
	device   backends.DeviceType

	// funcGraph is the name of the (sub-)graph that owns the node.
	funcGraph string

	outputShapes []devicetensor.Shape
	outputs      []*devicetensor.DeviceTensor
	attributes   map[string]any

	// value is the content of a ValueNode, or the initial value of a weight.
	value []byte
}

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// ID of the node, unique within its graph.
func (n *Node) ID() int { return n.id }

// Kind of the node.
func (n *Node) Kind() NodeKind { return n.kind }

// Name of the node.
func (n *Node) Name() string { return n.name }

// Op returns the operator name of a CNode, or "" for other kinds.
func (n *Node) Op() string { return n.op }

// IsParameter returns whether the node is a Parameter (weight or not).
func (n *Node) IsParameter() bool { return n.kind == KindParameter }

// IsWeight returns whether the node is a weight Parameter: persistent state of the graph.
func (n *Node) IsWeight() bool { return n.kind == KindParameter && n.isWeight }

// IsValueNode returns whether the node is a constant.
func (n *Node) IsValueNode() bool { return n.kind == KindValueNode }

// IsCNode returns whether the node is an operator invocation.
func (n *Node) IsCNode() bool { return n.kind == KindCNode }

// IsRealKernel returns whether the node is an operator invocation that does actual computation,
// as opposed to meta operations (tuples, dependency markers, control flow primitives).
func (n *Node) IsRealKernel() bool {
	return n.kind == KindCNode && !nonKernelOps[n.op]
}

// IsPrimitive returns whether the node is an invocation of the operator op.
func (n *Node) IsPrimitive(op string) bool {
	return n.kind == KindCNode && n.op == op
}

// Inputs of the node.
func (n *Node) Inputs() []KernelWithIndex { return n.inputs }

// Device where the node's outputs live and where the node executes.
func (n *Node) Device() backends.DeviceType { return n.device }

// SetDevice sets where the node executes and where its outputs live. It returns the node itself.
func (n *Node) SetDevice(device backends.DeviceType) *Node {
	n.graph.assertNotFinalized("SetDevice")
	n.device = device
	return n
}

// FuncGraph returns the name of the (sub-)graph that owns the node.
func (n *Node) FuncGraph() string { return n.funcGraph }

// SetFuncGraph sets the name of the (sub-)graph that owns the node. It returns the node itself.
func (n *Node) SetFuncGraph(name string) *Node {
	n.graph.assertNotFinalized("SetFuncGraph")
	n.funcGraph = name
	return n
}

// SetName changes the name of the node. It returns the node itself.
func (n *Node) SetName(name string) *Node {
	n.graph.assertNotFinalized("SetName")
	n.name = name
	return n
}

// Attr returns the attribute key of the node, and whether it was set.
func (n *Node) Attr(key string) (any, bool) {
	value, found := n.attributes[key]
	return value, found
}

// SetAttr sets an attribute of the node. It returns the node itself.
func (n *Node) SetAttr(key string, value any) *Node {
	n.graph.assertNotFinalized("SetAttr")
	if n.attributes == nil {
		n.attributes = make(map[string]any)
	}
	n.attributes[key] = value
	return n
}

// IsInplace returns whether the node carries the inplace annotation with the given value (e.g.: InplaceSkip).
func (n *Node) IsInplace(value string) bool {
	attr, found := n.attributes[AttrInplace]
	if !found {
		return false
	}
	s, ok := attr.(string)
	return ok && s == value
}

// Value returns the content of a ValueNode, or the initial value of a weight (it may be nil).
func (n *Node) Value() []byte { return n.value }

// NumOutputs of the node.
func (n *Node) NumOutputs() int { return len(n.outputShapes) }

// OutputShape returns the shape of the given output.
func (n *Node) OutputShape(outputIdx int) devicetensor.Shape {
	n.assertOutputIdx(outputIdx)
	return n.outputShapes[outputIdx]
}

// OutputSize returns the number of bytes of the given output.
func (n *Node) OutputSize(outputIdx int) int {
	return n.OutputShape(outputIdx).Memory()
}

// Output returns the DeviceTensor bound to the given output, or nil if not bound yet.
func (n *Node) Output(outputIdx int) *devicetensor.DeviceTensor {
	n.assertOutputIdx(outputIdx)
	if n.outputs == nil {
		return nil
	}
	return n.outputs[outputIdx]
}

// BindOutput binds the DeviceTensor of the given output. It's used by the scheduler when the graph is compiled.
func (n *Node) BindOutput(outputIdx int, tensor *devicetensor.DeviceTensor) {
	n.assertOutputIdx(outputIdx)
	if n.outputs == nil {
		n.outputs = make([]*devicetensor.DeviceTensor, len(n.outputShapes))
	}
	n.outputs[outputIdx] = tensor
}

// At returns a reference to the given output of the node, to be used as input to other nodes.
func (n *Node) At(outputIdx int) KernelWithIndex {
	n.assertOutputIdx(outputIdx)
	return KernelWithIndex{Node: n, Index: outputIdx}
}

func (n *Node) assertOutputIdx(outputIdx int) {
	if outputIdx < 0 || outputIdx >= len(n.outputShapes) {
		exceptions.Panicf("node %s has %d outputs, output #%d requested", n, len(n.outputShapes), outputIdx)
	}
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.kind == KindCNode {
		return fmt.Sprintf("%s[%s]#%d", n.name, n.op, n.id)
	}
	return fmt.Sprintf("%s#%d", n.name, n.id)
}

// KernelWithIndex references one output of a node.
type KernelWithIndex struct {
	Node  *Node
	Index int
}

// IsNil returns whether it doesn't reference any node.
func (k KernelWithIndex) IsNil() bool { return k.Node == nil }

// Tensor returns the DeviceTensor bound to the referenced output.
func (k KernelWithIndex) Tensor() *devicetensor.DeviceTensor { return k.Node.Output(k.Index) }

// String implements fmt.Stringer.
func (k KernelWithIndex) String() string {
	if k.Node == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%d", k.Node, k.Index)
}

// InputNodes returns the distinct nodes used as inputs by n, in order of first use.
func (n *Node) InputNodes() []*Node {
	nodes := make([]*Node, 0, len(n.inputs))
	for _, input := range n.inputs {
		if !slices.Contains(nodes, input.Node) {
			nodes = append(nodes, input.Node)
		}
	}
	return nodes
}
