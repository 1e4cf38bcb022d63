// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir is the read-only graph description consumed by the actor scheduler: nodes (parameters,
// constants and operator invocations), their execution order, and the tables mapping scheduled
// ("backend") nodes back to the front-end graph they were compiled from.
//
// A Graph is built once with its builder methods (Parameter, Weight, Constant, Op, ...), then finalized
// with SetOutputs. After that it is only read.
package ir

import (
	"fmt"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/exceptions"
)

// Operator names with a special meaning to the scheduler.
const (
	// OpGetNext is the data-ingestion operator: it pops a batch from a device data queue.
	OpGetNext = "GetNext"

	// OpSwitch is the conditional-branch primitive: Switch(cond, onTrue, onFalse).
	OpSwitch = "Switch"

	// Meta and control operators, not computational kernels.
	OpReturn       = "Return"
	OpMakeTuple    = "MakeTuple"
	OpTupleGetItem = "TupleGetItem"
	OpDepend       = "Depend"
	OpUpdateState  = "UpdateState"
	OpLoad         = "Load"
	OpPartial      = "Partial"
	OpCall         = "Call"
)

// nonKernelOps are the operators that don't do actual computation.
var nonKernelOps = map[string]bool{
	OpReturn:       true,
	OpMakeTuple:    true,
	OpTupleGetItem: true,
	OpDepend:       true,
	OpUpdateState:  true,
	OpLoad:         true,
	OpPartial:      true,
	OpCall:         true,
	OpSwitch:       true,
}

const (
	// AttrInplace is the attribute with the inplace annotation of a node.
	AttrInplace = "inplace"

	// InplaceSkip marks an operator whose output is its first input: it's scheduled as a no-op pass-through.
	InplaceSkip = "skip"
)

// Graph is a static computation graph ready to be scheduled.
type Graph struct {
	name          string
	defaultDevice backends.DeviceType
	finalized     bool

	nodes          []*Node
	parameters     []*Node
	valueNodes     []*Node
	executionOrder []*Node
	outputs        []KernelWithIndex

	frontByBackend     map[*Node]*Node
	internalParameters map[*Node]KernelWithIndex
	frontOutputs       map[KernelWithIndex]KernelWithIndex
}

// New creates an empty graph. Nodes are placed on the Host by default, see SetDefaultDevice.
func New(name string) *Graph {
	return &Graph{
		name:               name,
		frontByBackend:     make(map[*Node]*Node),
		internalParameters: make(map[*Node]KernelWithIndex),
		frontOutputs:       make(map[KernelWithIndex]KernelWithIndex),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, %d nodes, %d ops)", g.name, len(g.nodes), len(g.executionOrder))
}

// SetDefaultDevice sets the device of the nodes created from now on. It returns the graph itself.
func (g *Graph) SetDefaultDevice(device backends.DeviceType) *Graph {
	g.assertNotFinalized("SetDefaultDevice")
	g.defaultDevice = device
	return g
}

func (g *Graph) assertNotFinalized(method string) {
	if g.finalized {
		exceptions.Panicf("%s: graph %q is already finalized, it can't be changed", method, g.name)
	}
}

func (g *Graph) newNode(kind NodeKind, name string, outputShapes ...devicetensor.Shape) *Node {
	g.assertNotFinalized("new node")
	node := &Node{
		graph:        g,
		id:           len(g.nodes),
		kind:         kind,
		name:         name,
		device:       g.defaultDevice,
		funcGraph:    g.name,
		outputShapes: outputShapes,
	}
	g.nodes = append(g.nodes, node)
	return node
}

// Parameter creates an input placeholder of the graph.
func (g *Graph) Parameter(name string, shape devicetensor.Shape) *Node {
	node := g.newNode(KindParameter, name, shape)
	g.parameters = append(g.parameters, node)
	return node
}

// Weight creates a persistent parameter of the graph, with the given initial value (it can be nil).
func (g *Graph) Weight(name string, shape devicetensor.Shape, initialValue []byte) *Node {
	node := g.Parameter(name, shape)
	node.isWeight = true
	node.value = initialValue
	return node
}

// Constant creates a ValueNode with the given value.
func (g *Graph) Constant(name string, shape devicetensor.Shape, value []byte) *Node {
	if len(value) != shape.Memory() {
		exceptions.Panicf("Constant(%q): value has %d bytes, but shape %s requires %d bytes",
			name, len(value), shape, shape.Memory())
	}
	node := g.newNode(KindValueNode, name, shape)
	node.value = value
	g.valueNodes = append(g.valueNodes, node)
	return node
}

// Op creates an invocation of operator op with a single output of the given shape, using the first output
// of each of the input nodes.
func (g *Graph) Op(op string, shape devicetensor.Shape, inputs ...*Node) *Node {
	inputsWithIndex := make([]KernelWithIndex, len(inputs))
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("Op(%q): input #%d is nil", op, ii)
		}
		inputsWithIndex[ii] = input.At(0)
	}
	return g.MultiOutputOp(op, []devicetensor.Shape{shape}, inputsWithIndex...)
}

// MultiOutputOp creates an invocation of operator op with the given outputs and inputs.
//
// Operators are executed in the order they are created (their execution order), so inputs must have been
// created before.
func (g *Graph) MultiOutputOp(op string, outputShapes []devicetensor.Shape, inputs ...KernelWithIndex) *Node {
	for ii, input := range inputs {
		if input.Node == nil {
			exceptions.Panicf("Op(%q): input #%d is nil", op, ii)
		}
		if input.Node.graph != g {
			exceptions.Panicf("Op(%q): input #%d (%s) belongs to graph %q, not %q",
				op, ii, input.Node, input.Node.graph.name, g.name)
		}
		input.Node.assertOutputIdx(input.Index)
	}
	node := g.newNode(KindCNode, "", outputShapes...)
	node.op = op
	node.name = fmt.Sprintf("%s_%d", op, node.id)
	node.inputs = inputs
	g.executionOrder = append(g.executionOrder, node)
	return node
}

// SetOutputs sets the outputs of the graph and finalizes it: no more nodes can be added.
func (g *Graph) SetOutputs(outputs ...KernelWithIndex) {
	g.assertNotFinalized("SetOutputs")
	for ii, output := range outputs {
		if output.Node == nil || output.Node.graph != g {
			exceptions.Panicf("SetOutputs(): output #%d (%s) doesn't belong to graph %q", ii, output, g.name)
		}
		output.Node.assertOutputIdx(output.Index)
	}
	g.outputs = outputs
	g.finalized = true
}

// IsFinalized returns whether SetOutputs has been called.
func (g *Graph) IsFinalized() bool { return g.finalized }

// Outputs of the graph.
func (g *Graph) Outputs() []KernelWithIndex { return g.outputs }

// Nodes returns all the nodes of the graph, in order of creation.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Parameters returns the parameters (weights included) of the graph.
func (g *Graph) Parameters() []*Node { return g.parameters }

// ValueNodes returns the constants of the graph.
func (g *Graph) ValueNodes() []*Node { return g.valueNodes }

// ExecutionOrder returns the operator invocations, in the order they are executed in a step.
func (g *Graph) ExecutionOrder() []*Node { return g.executionOrder }

// IsOutput returns whether the node output is one of the graph outputs.
func (g *Graph) IsOutput(output KernelWithIndex) bool {
	for _, o := range g.outputs {
		if o == output {
			return true
		}
	}
	return false
}
