// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"slices"

	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/exceptions"
)

// GraphContext holds the read-only, graph-wide information used to classify nodes.
// A nil *GraphContext is valid, and means there is no graph context (e.g.: eager single-op execution).
type GraphContext struct {
	graph          *ir.Graph
	hostParameters []*ir.Node
	knownActors    map[string]bool
}

// NewGraphContext creates the context for classifying the nodes of graph.
//
// hostParameters are the front-end nodes of the root graph's declared host parameters: in control flow,
// only those are fed by the host data source. knownActors are the names of the (sub-)graphs that already
// have an actor.
func NewGraphContext(graph *ir.Graph, hostParameters []*ir.Node, knownActors ...string) *GraphContext {
	c := &GraphContext{
		graph:          graph,
		hostParameters: slices.Clone(hostParameters),
		knownActors:    make(map[string]bool, len(knownActors)),
	}
	for _, name := range knownActors {
		c.knownActors[name] = true
	}
	return c
}

// Graph returns the graph of the context, or nil if there is none.
func (c *GraphContext) Graph() *ir.Graph {
	if c == nil {
		return nil
	}
	return c.graph
}

// HostParameters returns the front-end nodes of the root graph's declared host parameters.
func (c *GraphContext) HostParameters() []*ir.Node {
	if c == nil {
		return nil
	}
	return c.hostParameters
}

// IsKnownActor returns whether an actor with the given name is registered.
func (c *GraphContext) IsKnownActor(name string) bool {
	if c == nil {
		return false
	}
	return c.knownActors[name]
}

// WithKnownActors returns a copy of the context with the given actor names also registered.
func (c *GraphContext) WithKnownActors(names ...string) *GraphContext {
	var c2 *GraphContext
	if c == nil {
		c2 = NewGraphContext(nil, nil)
	} else {
		c2 = NewGraphContext(c.graph, c.hostParameters)
		for name := range c.knownActors {
			c2.knownActors[name] = true
		}
	}
	for _, name := range names {
		c2.knownActors[name] = true
	}
	return c2
}

func assertNode(node *ir.Node, method string) {
	if node == nil {
		exceptions.Panicf("%s: nil graph node", method)
	}
}

// ClassifyRole returns the runtime role of node. The rules are checked in order, the first one to match wins:
//
//  1. DeviceQueueDataSource: see IsDeviceQueueDataSource.
//  2. HostQueueDataSource: see IsHostQueueDataSource.
//  3. Kernel, or SkippedKernel if marked with the inplace "skip" annotation: see IsKernel.
//  4. Switch: see IsSwitch.
//  5. Gather: see IsGather.
//  6. None otherwise.
//
// It panics if node is nil, or in the Step strategy if gctx has no graph and node is a non-weight parameter.
func ClassifyRole(node *ir.Node, strategy Strategy, gctx *GraphContext) Role {
	assertNode(node, "ClassifyRole")
	switch {
	case IsDeviceQueueDataSource(node, strategy):
		return DeviceQueueDataSource
	case IsHostQueueDataSource(node, gctx, strategy):
		return HostQueueDataSource
	case IsKernel(node, strategy):
		if node.IsInplace(ir.InplaceSkip) {
			return SkippedKernel
		}
		return Kernel
	case IsSwitch(node):
		return Switch
	case IsGather(node, gctx):
		return Gather
	}
	return None
}

// isParameterData returns whether node is a non-weight parameter.
func isParameterData(node *ir.Node) bool {
	return node.IsParameter() && !node.IsWeight()
}

// IsDeviceQueueDataSource returns whether node is the data-ingestion operator and the strategy is not Step.
func IsDeviceQueueDataSource(node *ir.Node, strategy Strategy) bool {
	assertNode(node, "IsDeviceQueueDataSource")
	if strategy == Step {
		return false
	}
	return node.IsPrimitive(ir.OpGetNext)
}

// IsHostQueueDataSource returns whether node is a non-weight parameter fed by the host data source:
//
//   - Step strategy: if the graph has more than one operator in its execution order.
//   - Pipeline strategy: if there is no graph context; otherwise if it's not an internal parameter and either it
//     has no front node, or there are no declared host parameters, or its front node is one of them.
func IsHostQueueDataSource(node *ir.Node, gctx *GraphContext, strategy Strategy) bool {
	assertNode(node, "IsHostQueueDataSource")
	if !isParameterData(node) {
		return false
	}

	graph := gctx.Graph()
	if strategy == Step {
		if graph == nil {
			exceptions.Panicf("IsHostQueueDataSource(%s): the Step strategy requires a graph context", node)
		}
		return len(graph.ExecutionOrder()) > 1
	}
	if graph == nil {
		return true
	}

	// In control flow, only the parameters of the root graph are in the host data source.
	frontNode := graph.FrontNode(node)
	hostParameters := gctx.HostParameters()
	isHost := frontNode == nil || len(hostParameters) == 0 || slices.Contains(hostParameters, frontNode)
	if !isHost {
		return false
	}
	_, isInternal := graph.InternalParameterOrigin(node)
	return !isInternal
}

// IsKernel returns whether node is a real computational operator invocation, which in the Pipeline strategy is not
// the data-ingestion operator.
func IsKernel(node *ir.Node, strategy Strategy) bool {
	assertNode(node, "IsKernel")
	if !node.IsRealKernel() {
		return false
	}
	if strategy == Step {
		return true
	}
	return !node.IsPrimitive(ir.OpGetNext)
}

// IsSkippedKernel returns whether node is a Kernel marked with the inplace "skip" annotation.
func IsSkippedKernel(node *ir.Node, strategy Strategy) bool {
	assertNode(node, "IsSkippedKernel")
	return IsKernel(node, strategy) && node.IsInplace(ir.InplaceSkip)
}

// IsSwitch returns whether node is an invocation of the conditional-branch primitive.
func IsSwitch(node *ir.Node) bool {
	assertNode(node, "IsSwitch")
	return node.IsPrimitive(ir.OpSwitch)
}

// IsGather returns whether node is a non-weight parameter of a (sub-)graph that already has an actor.
func IsGather(node *ir.Node, gctx *GraphContext) bool {
	assertNode(node, "IsGather")
	return isParameterData(node) && node.FuncGraph() != "" && gctx.IsKnownActor(node.FuncGraph())
}

// IsInternalParameter returns whether node is a non-weight parameter introduced by inlining a called sub-graph,
// that is, it has a recorded internal-parameter origin in graph. It panics if graph is nil.
func IsInternalParameter(node *ir.Node, graph *ir.Graph) bool {
	assertNode(node, "IsInternalParameter")
	if graph == nil {
		exceptions.Panicf("IsInternalParameter(%s): nil graph", node)
	}
	if !isParameterData(node) {
		return false
	}
	_, found := graph.InternalParameterOrigin(node)
	return found
}

// IsPersistentDeviceTensor returns whether the outputs of node are never reclaimed during a run:
// true for constants and weights.
func IsPersistentDeviceTensor(node *ir.Node) bool {
	assertNode(node, "IsPersistentDeviceTensor")
	return node.IsValueNode() || node.IsWeight()
}
