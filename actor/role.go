// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package actor decides which runtime role each node of a graph plays in the actor scheduler (see ClassifyRole),
// and maps scheduled nodes back to the front-end nodes they were compiled from (see ResolveFrontNode).
//
// All the graph-wide information needed (host parameters, known actors, mapping tables) is passed explicitly
// through a read-only GraphContext.
package actor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Role is the runtime role of a graph node. A node has exactly one role for a given Strategy.
type Role int

const (
	// None means no actor is instantiated for the node: e.g. weights and constants, handled purely through
	// persistent storage.
	None Role = iota

	// DeviceQueueDataSource pops batches from a device data queue (the data-ingestion operator).
	DeviceQueueDataSource

	// HostQueueDataSource feeds host data into the graph parameters.
	HostQueueDataSource

	// Kernel launches a computational kernel.
	Kernel

	// SkippedKernel is a Kernel marked to be skipped: its output is a pass-through of its first input.
	SkippedKernel

	// Gather fans data into a sub-graph's actor.
	Gather

	// Switch selects a conditional branch.
	Switch

	// RoleLast is the number of roles, not a valid value.
	RoleLast
)

var roleNames = [RoleLast]string{
	"None", "DeviceQueueDataSource", "HostQueueDataSource", "Kernel", "SkippedKernel", "Gather", "Switch",
}

// String implements fmt.Stringer.
func (r Role) String() string {
	if r < 0 || r >= RoleLast {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// IsDataSource returns whether the role produces data from outside the graph.
func (r Role) IsDataSource() bool {
	return r == DeviceQueueDataSource || r == HostQueueDataSource
}

// IsKernel returns whether the role is a Kernel, skipped or not.
func (r Role) IsKernel() bool {
	return r == Kernel || r == SkippedKernel
}

// Strategy is how the scheduler executes the graph.
type Strategy int

const (
	// Step processes the whole graph synchronously per step, in its execution order.
	Step Strategy = iota

	// Pipeline enables asynchronous, actor-driven execution: actors run as soon as their inputs are ready.
	Pipeline
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case Step:
		return "Step"
	case Pipeline:
		return "Pipeline"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy converts "step" or "pipeline" to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "step", "Step":
		return Step, nil
	case "pipeline", "Pipeline":
		return Pipeline, nil
	}
	return Step, errors.Errorf("unknown execution strategy %q, valid values are \"step\" or \"pipeline\"", s)
}
