// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import "github.com/gomlx/exceptions"

// The mapping tables relate the nodes of this (backend) graph to the front-end graph it was compiled from.
// They can be filled after the graph is finalized, but must not change once the graph is scheduled.

// SetFrontNode records that backendNode was compiled from frontNode.
func (g *Graph) SetFrontNode(backendNode, frontNode *Node) {
	g.assertOwns("SetFrontNode", backendNode)
	if frontNode == nil {
		exceptions.Panicf("SetFrontNode(%s): nil front node", backendNode)
	}
	g.frontByBackend[backendNode] = frontNode
}

// FrontNode returns the front-end node backendNode was compiled from, or nil if there is no record.
func (g *Graph) FrontNode(backendNode *Node) *Node {
	return g.frontByBackend[backendNode]
}

// SetInternalParameter records that the parameter backendNode was introduced by inlining a called sub-graph,
// and that its value comes from the front-end output origin.
func (g *Graph) SetInternalParameter(backendNode *Node, origin KernelWithIndex) {
	g.assertOwns("SetInternalParameter", backendNode)
	if !backendNode.IsParameter() {
		exceptions.Panicf("SetInternalParameter(%s): only parameters can be internal parameters, got a %s",
			backendNode, backendNode.Kind())
	}
	if origin.Node == nil {
		exceptions.Panicf("SetInternalParameter(%s): nil origin node", backendNode)
	}
	g.internalParameters[backendNode] = origin
}

// InternalParameterOrigin returns the origin of an internal parameter, and whether backendNode is one.
func (g *Graph) InternalParameterOrigin(backendNode *Node) (KernelWithIndex, bool) {
	origin, found := g.internalParameters[backendNode]
	return origin, found
}

// SetFrontOutput records that the backend output corresponds to the front-end output.
func (g *Graph) SetFrontOutput(backendOutput, frontOutput KernelWithIndex) {
	g.assertOwns("SetFrontOutput", backendOutput.Node)
	if frontOutput.Node == nil {
		exceptions.Panicf("SetFrontOutput(%s): nil front node", backendOutput)
	}
	g.frontOutputs[backendOutput] = frontOutput
}

// FrontOutput returns the front-end output corresponding to backendOutput, and whether there is a record.
func (g *Graph) FrontOutput(backendOutput KernelWithIndex) (KernelWithIndex, bool) {
	front, found := g.frontOutputs[backendOutput]
	return front, found
}

func (g *Graph) assertOwns(method string, node *Node) {
	if node == nil {
		exceptions.Panicf("%s: nil node", method)
	}
	if node.graph != g {
		exceptions.Panicf("%s: node %s doesn't belong to graph %q", method, node, g.name)
	}
}
