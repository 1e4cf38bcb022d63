// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler compiles a finalized ir.Graph into an ActorGraph: one actor per node with a runtime role
// (see actor.ClassifyRole), connected by their data dependencies, and runs it on the configured devices.
//
// Every node output is bound to a DeviceTensor owned by the memory.Manager, and the reference counts of the
// tensors are set by a static analysis of the graph at Build time. During a run, each actor decrements the
// count of the tensors it consumed, and when a count reaches 0 the tensor is handed to the memory actor,
// the one goroutine that allocates and frees memory. Accelerator tensors are only handed over after their
// device stream has executed the work submitted before the release.
//
// With the Step strategy actors run one at a time in execution order. With the Pipeline strategy they are
// dispatched to a worker pool as soon as all their dependencies are satisfied.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/actorflow/actor"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/internal/workerspool"
	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/actorflow/kernels"
	"github.com/gomlx/actorflow/memory"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataQueue is the source of the batches consumed by the device data-ingestion operator (ir.OpGetNext).
type DataQueue interface {
	// Pop returns the next batch: one host buffer per output of the GetNext node.
	Pop(ctx context.Context) ([][]byte, error)
}

// Options to Build an ActorGraph.
type Options struct {
	// Strategy used to run the actors.
	Strategy actor.Strategy

	// Manager owns the memory of the tensors, and holds the devices. Required.
	Manager *memory.Manager

	// HostParameters are the front-end nodes of the root graph's declared host parameters.
	// See actor.NewGraphContext.
	HostParameters []*ir.Node

	// KnownActors are the names of the sub-graphs that already have an actor: their non-weight parameters
	// become Gather actors.
	KnownActors []string

	// DataQueues for the GetNext nodes, keyed by node name.
	DataQueues map[string]DataQueue

	// Pool used by the Pipeline strategy. If nil a pool sized by workerspool.ComputeThreadCounts is used.
	Pool *workerspool.Pool
}

// actorNode is one actor of the graph.
type actorNode struct {
	idx  int
	name string
	role actor.Role

	// node is nil for the host queue data source, which feeds all hostParams.
	node       *ir.Node
	hostParams []*ir.Node

	kernel kernels.Kernel

	// consumed tensors, one per data edge: each is decremented once after the actor executes.
	consumed []*devicetensor.DeviceTensor

	// staging holds, for each consumed tensor, the tensor it's copied to when it's held by a different
	// device than the one executing the actor. nil entries mean no copy is needed.
	staging []*devicetensor.DeviceTensor

	workspace []*devicetensor.DeviceTensor

	// produced are the tensors allocated by the actor.
	produced []*devicetensor.DeviceTensor

	numDeps    int
	dependents []int
}

// ActorGraph is a graph compiled into actors, ready to run.
type ActorGraph struct {
	id       uuid.UUID
	graph    *ir.Graph
	opts     Options
	gctx     *actor.GraphContext
	manager  *memory.Manager
	memActor *memory.Actor
	pool     *workerspool.Pool

	roles  map[*ir.Node]actor.Role
	actors []*actorNode

	// directFeeds are the non-weight parameters without an actor, fed synchronously at the start of a run.
	directFeeds []*ir.Node

	// transient are the tensors reclaimed during a run, persistent are the ones kept until Close.
	transient, persistent []*devicetensor.DeviceTensor

	// pendingFrees are accelerator tensors released by their consumers, whose stream has since executed
	// all the work submitted before the release. They are handed to the memory actor by flushPendingFrees.
	pendingMu    sync.Mutex
	pendingFrees []*devicetensor.DeviceTensor

	// runMu serializes runs: tensors are bound to the graph nodes.
	runMu  sync.Mutex
	closed bool
	runs   int
}

// ID of the actor graph, used in its log messages.
func (g *ActorGraph) ID() uuid.UUID { return g.id }

// Graph returns the graph the actors were built from.
func (g *ActorGraph) Graph() *ir.Graph { return g.graph }

// Strategy used to run the actors.
func (g *ActorGraph) Strategy() actor.Strategy { return g.opts.Strategy }

// Pool of workers used by the Pipeline strategy.
func (g *ActorGraph) Pool() *workerspool.Pool { return g.pool }

// Role returns the role assigned to node.
func (g *ActorGraph) Role(node *ir.Node) actor.Role { return g.roles[node] }

// String implements fmt.Stringer.
func (g *ActorGraph) String() string {
	return fmt.Sprintf("ActorGraph(%s, %q, %s, %d actors)", g.id, g.graph.Name(), g.opts.Strategy, len(g.actors))
}

// Build compiles graph into an ActorGraph.
//
// It classifies every node, binds every node output to a DeviceTensor on the node's device, uploads the
// values of constants and weights, and sets the reference counts of the tensors: one per consumer, and
// MaxRefCount for graph outputs and persistent tensors.
func Build(graph *ir.Graph, opts Options) (g *ActorGraph, err error) {
	if graph == nil || !graph.IsFinalized() {
		return nil, errors.Errorf("scheduler.Build() requires a finalized graph, got %v", graph)
	}
	if opts.Manager == nil {
		return nil, errors.Errorf("scheduler.Build(%q): Options.Manager is required", graph.Name())
	}
	g = &ActorGraph{
		id:      uuid.New(),
		graph:   graph,
		opts:    opts,
		gctx:    actor.NewGraphContext(graph, opts.HostParameters, opts.KnownActors...),
		manager: opts.Manager,
		pool:    opts.Pool,
		roles:   make(map[*ir.Node]actor.Role, len(graph.Nodes())),
	}
	if g.pool == nil {
		g.pool = workerspool.NewForActors()
	}
	g.memActor = g.manager.StartActor()
	err = exceptions.TryCatch[error](func() {
		if err := g.build(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		g.releaseAll()
		g.memActor.Stop()
		return nil, errors.WithMessagef(err, "while building actor graph for %q", graph.Name())
	}
	if klog.V(1).Enabled() {
		counts := make([]int, actor.RoleLast)
		for _, role := range g.roles {
			counts[role]++
		}
		klog.Infof("%s: built with %d transient and %d persistent tensors, roles:", g, len(g.transient),
			len(g.persistent))
		for role := actor.None; role < actor.RoleLast; role++ {
			if counts[role] > 0 {
				klog.Infof("  %s: %d", role, counts[role])
			}
		}
	}
	return g, nil
}

func (g *ActorGraph) build() error {
	// Classify.
	for _, node := range g.graph.Nodes() {
		g.roles[node] = actor.ClassifyRole(node, g.opts.Strategy, g.gctx)
	}

	// Bind outputs, and create the actors, in order of creation of the nodes: inputs are always bound first.
	var hostQueue *actorNode
	producerOf := make(map[*devicetensor.DeviceTensor]*actorNode)
	for _, node := range g.graph.Nodes() {
		role := g.roles[node]
		klog.V(2).Infof("%s: node %s -> %s", g.id, node, role)
		if role == actor.SkippedKernel {
			a, err := g.newSkippedKernel(node)
			if err != nil {
				return err
			}
			g.addActor(a, producerOf)
			continue
		}

		if err := g.bindOutputs(node); err != nil {
			return err
		}
		var a *actorNode
		var err error
		switch role {
		case actor.HostQueueDataSource:
			if hostQueue == nil {
				hostQueue = &actorNode{name: "HostQueue", role: actor.HostQueueDataSource}
				g.addActor(hostQueue, nil)
			}
			hostQueue.hostParams = append(hostQueue.hostParams, node)
			hostQueue.produced = append(hostQueue.produced, node.Output(0))
			producerOf[node.Output(0)] = hostQueue
			continue
		case actor.DeviceQueueDataSource:
			a, err = g.newDeviceQueue(node)
		case actor.Kernel:
			a, err = g.newKernel(node)
		case actor.Switch:
			a, err = g.newSwitch(node)
		case actor.Gather:
			a, err = g.newGather(node)
		case actor.None:
			err = g.checkNoActor(node)
		default:
			err = errors.Errorf("node %s: unknown role %s", node, role)
		}
		if err != nil {
			return err
		}
		if a != nil {
			g.addActor(a, producerOf)
		}
	}

	// Static reference counts.
	for _, output := range g.graph.Outputs() {
		memory.UpdateNodeRefCount(output.Node, output.Index, true)
	}
	for _, node := range g.graph.Nodes() {
		if actor.IsPersistentDeviceTensor(node) {
			for ii := range node.NumOutputs() {
				memory.UpdateNodeRefCount(node, ii, true)
			}
		}
	}
	for _, a := range g.actors {
		for _, t := range a.consumed {
			memory.UpdateRefCount(t, false)
		}
	}
	for _, node := range g.graph.Nodes() {
		for ii := range node.NumOutputs() {
			t := node.Output(ii)
			if t.IsMaxRefCount() {
				if !slices.Contains(g.persistent, t) {
					g.persistent = append(g.persistent, t)
				}
			} else if !slices.Contains(g.transient, t) {
				g.transient = append(g.transient, t)
			}
		}
	}

	// Persistent values are uploaded once.
	for _, node := range g.graph.Nodes() {
		if !actor.IsPersistentDeviceTensor(node) {
			continue
		}
		t := node.Output(0)
		if err := g.memActor.Allocate(t); err != nil {
			return err
		}
		if value := node.Value(); value != nil {
			if err := g.upload(t, value); err != nil {
				return errors.WithMessagef(err, "uploading value of %s", node)
			}
		}
	}
	return nil
}

// addActor appends a to the graph, and connects it to the producers of the tensors it consumes.
func (g *ActorGraph) addActor(a *actorNode, producerOf map[*devicetensor.DeviceTensor]*actorNode) {
	a.idx = len(g.actors)
	g.actors = append(g.actors, a)
	var producers []*actorNode
	for _, t := range a.consumed {
		if producer := producerOf[t]; producer != nil && !slices.Contains(producers, producer) {
			producers = append(producers, producer)
		}
	}
	a.numDeps = len(producers)
	for _, producer := range producers {
		producer.dependents = append(producer.dependents, a.idx)
	}
	for _, t := range a.produced {
		producerOf[t] = a
	}
	if a.role == actor.SkippedKernel {
		// The aliased tensor is only ready for the consumers of the skipped kernel after it "executes".
		producerOf[a.node.Output(0)] = a
	}
}

// bindOutputs binds a new DeviceTensor, on the node's device, to each output of node.
func (g *ActorGraph) bindOutputs(node *ir.Node) error {
	for ii := range node.NumOutputs() {
		t, err := g.manager.NewTensor(fmt.Sprintf("%s:%d", node.Name(), ii), node.Device(), node.OutputShape(ii))
		if err != nil {
			return errors.WithMessagef(err, "binding output of %s", node)
		}
		node.BindOutput(ii, t)
	}
	return nil
}

// consume registers that a reads each of the given inputs, staging them to device of the node if needed.
func (g *ActorGraph) consume(a *actorNode, inputs ...ir.KernelWithIndex) error {
	for _, input := range inputs {
		t := input.Tensor()
		if t == nil {
			return errors.Errorf("node %s: input %s is not bound to a tensor", a.node, input)
		}
		a.consumed = append(a.consumed, t)
		var staging *devicetensor.DeviceTensor
		if t.DeviceType() != a.node.Device() {
			var err error
			staging, err = g.manager.NewTensor(fmt.Sprintf("%s/staging:%s", a.node.Name(), t.Name()),
				a.node.Device(), t.Shape())
			if err != nil {
				return errors.WithMessagef(err, "staging input %s of %s", input, a.node)
			}
		}
		a.staging = append(a.staging, staging)
	}
	return nil
}

func (g *ActorGraph) outputsOf(node *ir.Node) []*devicetensor.DeviceTensor {
	outputs := make([]*devicetensor.DeviceTensor, node.NumOutputs())
	for ii := range outputs {
		outputs[ii] = node.Output(ii)
	}
	return outputs
}

func (g *ActorGraph) newKernel(node *ir.Node) (*actorNode, error) {
	kernel, err := kernels.New(node)
	if err != nil {
		return nil, err
	}
	a := &actorNode{name: node.Name(), role: actor.Kernel, node: node, kernel: kernel, produced: g.outputsOf(node)}
	if err = g.consume(a, node.Inputs()...); err != nil {
		return nil, err
	}
	for ii, size := range kernels.WorkspaceSizes(kernel) {
		t, err := g.manager.NewTensorWithSize(fmt.Sprintf("%s/workspace:%d", node.Name(), ii), node.Device(), size)
		if err != nil {
			return nil, errors.WithMessagef(err, "workspace of %s", node)
		}
		a.workspace = append(a.workspace, t)
	}
	return a, nil
}

// newSkippedKernel aliases the output of node to its first input: the actor only consumes the other inputs.
func (g *ActorGraph) newSkippedKernel(node *ir.Node) (*actorNode, error) {
	inputs := node.Inputs()
	if len(inputs) == 0 || node.NumOutputs() != 1 {
		return nil, errors.Errorf("skipped kernel %s must have at least one input and exactly one output, "+
			"it has %d inputs and %d outputs", node, len(inputs), node.NumOutputs())
	}
	aliased := inputs[0].Tensor()
	if aliased.DeviceType() != node.Device() {
		return nil, errors.Errorf("skipped kernel %s is placed on %s, but its first input %s is on %s",
			node, node.Device(), inputs[0], aliased.DeviceType())
	}
	node.BindOutput(0, aliased)
	a := &actorNode{name: node.Name(), role: actor.SkippedKernel, node: node}
	for _, input := range inputs {
		// Inputs are not read, so they are not staged. The aliased tensor is counted as consumed once by the
		// skipped kernel itself, on top of the consumers of its output.
		a.consumed = append(a.consumed, input.Tensor())
		a.staging = append(a.staging, nil)
	}
	return a, nil
}

func (g *ActorGraph) newDeviceQueue(node *ir.Node) (*actorNode, error) {
	if _, found := g.opts.DataQueues[node.Name()]; !found {
		return nil, errors.Errorf("no DataQueue configured for data source %s, see Options.DataQueues", node)
	}
	return &actorNode{name: node.Name(), role: actor.DeviceQueueDataSource, node: node, produced: g.outputsOf(node)}, nil
}

func (g *ActorGraph) newSwitch(node *ir.Node) (*actorNode, error) {
	if len(node.Inputs()) != 3 || node.NumOutputs() != 1 {
		return nil, errors.Errorf("switch %s requires 3 inputs (condition, on true, on false) and 1 output, "+
			"it has %d inputs and %d outputs", node, len(node.Inputs()), node.NumOutputs())
	}
	a := &actorNode{name: node.Name(), role: actor.Switch, node: node, produced: g.outputsOf(node)}
	a.consumed = make([]*devicetensor.DeviceTensor, 0, 3)
	for _, input := range node.Inputs() {
		a.consumed = append(a.consumed, input.Tensor())
		a.staging = append(a.staging, nil) // Branches are copied with the copy engine directly.
	}
	return a, nil
}

func (g *ActorGraph) newGather(node *ir.Node) (*actorNode, error) {
	resolution := actor.ResolveFrontOutput(node.At(0), g.graph)
	if resolution.IsFallback() {
		return nil, errors.Errorf("gather parameter %s has no internal-parameter or output mapping", node)
	}
	source := resolution.Output
	if source.Node.Graph() != g.graph {
		return nil, errors.Errorf("gather parameter %s resolves to %s, which is not part of graph %q",
			node, source, g.graph.Name())
	}
	a := &actorNode{name: node.Name(), role: actor.Gather, node: node, produced: g.outputsOf(node)}
	t := source.Tensor()
	if t == nil {
		return nil, errors.Errorf("gather parameter %s resolves to %s, which is created after it", node, source)
	}
	a.consumed = append(a.consumed, t)
	a.staging = append(a.staging, nil)
	klog.V(2).Infof("%s: gather %s <- %s (resolved by %s)", g.id, node, source, resolution.Source)
	return a, nil
}

// checkNoActor validates nodes without an actor: only parameters and constants are handled without one.
func (g *ActorGraph) checkNoActor(node *ir.Node) error {
	switch {
	case node.IsValueNode() || node.IsWeight():
		return nil
	case node.IsParameter():
		g.directFeeds = append(g.directFeeds, node)
		return nil
	}
	return errors.Errorf("node %s has no actor role under the %s strategy: operator %q must be lowered "+
		"before scheduling", node, g.opts.Strategy, node.Op())
}

// ActorInfo describes one actor of the graph.
type ActorInfo struct {
	Name          string
	Role          actor.Role
	Device        string
	NumInputs     int
	NumDeps       int
	NumDependents int
}

// Actors returns a description of the actors, in order of creation.
func (g *ActorGraph) Actors() []ActorInfo {
	infos := make([]ActorInfo, 0, len(g.actors))
	for _, a := range g.actors {
		info := ActorInfo{
			Name:          a.name,
			Role:          a.role,
			Device:        "Host",
			NumInputs:     len(a.consumed),
			NumDeps:       a.numDeps,
			NumDependents: len(a.dependents),
		}
		if a.node != nil {
			info.Device = a.node.Device().String()
		} else {
			info.NumInputs = len(a.hostParams)
		}
		infos = append(infos, info)
	}
	return infos
}
