// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actor

import (
	"fmt"

	"github.com/gomlx/actorflow/ir"
)

// ResolutionSource tells how a front node was found.
type ResolutionSource int

const (
	// ResolvedByInternalParameter means the backend node is an internal parameter, and the front node is its origin.
	ResolvedByInternalParameter ResolutionSource = iota

	// ResolvedByMapping means the graph has a direct backend to front mapping.
	ResolvedByMapping

	// ResolvedByFallback means there is no front graph information (e.g. eager single-op execution),
	// and the backend node is used as its own front node.
	ResolvedByFallback
)

// String implements fmt.Stringer.
func (s ResolutionSource) String() string {
	switch s {
	case ResolvedByInternalParameter:
		return "InternalParameter"
	case ResolvedByMapping:
		return "Mapping"
	case ResolvedByFallback:
		return "Fallback"
	}
	return fmt.Sprintf("ResolutionSource(%d)", int(s))
}

// Resolution is the front node of a backend node, tagged with how it was found.
type Resolution struct {
	Node   *ir.Node
	Source ResolutionSource
}

// IsFallback returns whether there was no mapping, and Node is the backend node itself.
func (r Resolution) IsFallback() bool { return r.Source == ResolvedByFallback }

// ResolveFrontNode returns the front-end node backendNode was compiled from:
//
//  1. The origin of the internal parameter, if backendNode is one.
//  2. The direct mapping recorded in graph.
//  3. The backend node itself otherwise (also if graph is nil): it never fails.
func ResolveFrontNode(backendNode *ir.Node, graph *ir.Graph) Resolution {
	assertNode(backendNode, "ResolveFrontNode")
	if graph != nil {
		if origin, found := graph.InternalParameterOrigin(backendNode); found {
			return Resolution{Node: origin.Node, Source: ResolvedByInternalParameter}
		}
		if frontNode := graph.FrontNode(backendNode); frontNode != nil {
			return Resolution{Node: frontNode, Source: ResolvedByMapping}
		}
	}
	return Resolution{Node: backendNode, Source: ResolvedByFallback}
}

// OutputResolution is the front output of a backend output, tagged with how it was found.
type OutputResolution struct {
	Output ir.KernelWithIndex
	Source ResolutionSource
}

// IsFallback returns whether there was no mapping, and Output is the backend output itself.
func (r OutputResolution) IsFallback() bool { return r.Source == ResolvedByFallback }

// ResolveFrontOutput is the indexed-output version of ResolveFrontNode: it uses the internal parameter origin,
// then the graph output mapping table, and falls back to the backend output itself.
func ResolveFrontOutput(backendOutput ir.KernelWithIndex, graph *ir.Graph) OutputResolution {
	assertNode(backendOutput.Node, "ResolveFrontOutput")
	if graph != nil {
		if origin, found := graph.InternalParameterOrigin(backendOutput.Node); found {
			return OutputResolution{Output: origin, Source: ResolvedByInternalParameter}
		}
		if frontOutput, found := graph.FrontOutput(backendOutput); found {
			return OutputResolution{Output: frontOutput, Source: ResolvedByMapping}
		}
	}
	return OutputResolution{Output: backendOutput, Source: ResolvedByFallback}
}
