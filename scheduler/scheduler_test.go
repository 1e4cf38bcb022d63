package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/actorflow/actor"
	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/backends/host"
	"github.com/gomlx/actorflow/backends/simdevice"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/internal/workerspool"
	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/actorflow/kernels/elementwise"
	"github.com/gomlx/actorflow/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var f32x4 = devicetensor.MakeShape(dtypes.Float32, 4)

func newTestManager(t *testing.T) *memory.Manager {
	gpu := must.M1(simdevice.New(backends.Accelerator, "capacity=16MiB"))
	asic := must.M1(simdevice.New(backends.DedicatedAccelerator, "capacity=16MiB"))
	m := memory.NewManager(map[backends.DeviceType]backends.Device{
		backends.Host:                 host.NewDevice(0),
		backends.Accelerator:          gpu,
		backends.DedicatedAccelerator: asic,
	})
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		gpu.Finalize()
		asic.Finalize()
	})
	return m
}

func build(t *testing.T, graph *ir.Graph, opts Options) *ActorGraph {
	if opts.Pool == nil {
		opts.Pool = workerspool.New(4)
	}
	g, err := Build(graph, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, g.Close()) })
	return g
}

func f32Bytes(values ...float32) []byte { return devicetensor.FlatBytes(values) }

// newMLPGraph computes relu((x*w) + c) and (x*w) + c, with the multiplication and the relu on the accelerator,
// so values cross between the host and the accelerator 3 times.
func newMLPGraph() *ir.Graph {
	g := ir.New("mlp")
	x := g.Parameter("x", f32x4)
	w := g.Weight("w", f32x4, f32Bytes(1, 2, 3, 4))
	c := g.Constant("c", f32x4, f32Bytes(10, 10, 10, 10))
	mul := g.Op(elementwise.OpMul, f32x4, x, w).SetDevice(backends.Accelerator)
	add := g.Op(elementwise.OpAdd, f32x4, mul, c)
	relu := g.Op(elementwise.OpRelu, f32x4, add).SetDevice(backends.Accelerator)
	g.SetOutputs(relu.At(0), add.At(0))
	return g
}

func TestRunMLP(t *testing.T) {
	feeds := map[string][]byte{"x": f32Bytes(1, -2, 3, -4)}
	for _, strategy := range []actor.Strategy{actor.Step, actor.Pipeline} {
		t.Run(strategy.String(), func(t *testing.T) {
			m := newTestManager(t)
			g := build(t, newMLPGraph(), Options{Strategy: strategy, Manager: m})

			infos := g.Actors()
			require.Len(t, infos, 4)
			assert.Equal(t, ActorInfo{Name: "HostQueue", Role: actor.HostQueueDataSource, Device: "Host",
				NumInputs: 1, NumDeps: 0, NumDependents: 1}, infos[0])
			assert.Equal(t, actor.Kernel, infos[1].Role)
			assert.Equal(t, "Accelerator", infos[1].Device)
			assert.Equal(t, 2, infos[1].NumInputs)
			assert.Equal(t, 1, infos[2].NumDeps)
			assert.Equal(t, 0, infos[3].NumDependents)

			for range 3 {
				outputs, err := g.Run(context.Background(), feeds)
				require.NoError(t, err)
				require.Len(t, outputs, 2)
				assert.Equal(t, []float32{11, 6, 19, 0}, devicetensor.BytesAs[float32](outputs[0]))
				assert.Equal(t, []float32{11, 6, 19, -6}, devicetensor.BytesAs[float32](outputs[1]))

				// Only the weight, the constant and the graph outputs are left.
				assert.Equal(t, 3, m.Stats(backends.Host).Live)
				assert.Equal(t, 1, m.Stats(backends.Accelerator).Live)
			}
			if strategy == actor.Pipeline {
				assert.Equal(t, 4, g.Pool().MaxParallelism())
				assert.GreaterOrEqual(t, g.Pool().Peak(), 1)
			}
		})
	}
}

// TestRunWithBusyStream checks that tensors consumed on an accelerator are only reclaimed after the
// stream executes the kernels reading them, even when the stream lags behind the actors.
func TestRunWithBusyStream(t *testing.T) {
	for _, strategy := range []actor.Strategy{actor.Step, actor.Pipeline} {
		t.Run(strategy.String(), func(t *testing.T) {
			m := newTestManager(t)
			graph := ir.New("busy")
			x := graph.Parameter("x", f32x4)
			y := graph.Op(elementwise.OpNeg, f32x4, x).SetDevice(backends.Accelerator)
			z := graph.Op(elementwise.OpNeg, f32x4, y).SetDevice(backends.Accelerator)
			graph.SetOutputs(z.At(0))
			g := build(t, graph, Options{Strategy: strategy, Manager: m})

			stream := must.M1(m.Device(backends.Accelerator)).Stream()
			for range 2 {
				stream.Submit(func() error {
					time.Sleep(200 * time.Millisecond)
					return nil
				})
				outputs, err := g.Run(context.Background(), map[string][]byte{"x": f32Bytes(1, 2, 3, 4)})
				require.NoError(t, err)
				assert.Equal(t, []float32{1, 2, 3, 4}, devicetensor.BytesAs[float32](outputs[0]))
				assert.Equal(t, 0, m.Stats(backends.Host).Live)
				assert.Equal(t, 1, m.Stats(backends.Accelerator).Live)
			}
			// Blocks released in the first run are reused by the second.
			assert.Positive(t, m.Stats(backends.Accelerator).Reuses)
		})
	}
}

func TestRunErrors(t *testing.T) {
	m := newTestManager(t)
	g := build(t, newMLPGraph(), Options{Strategy: actor.Pipeline, Manager: m})

	_, err := g.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing feed for parameter "x"`)

	_, err = g.Run(context.Background(), map[string][]byte{"x": f32Bytes(1, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires 16 B")

	// The graph is still usable.
	outputs, err := g.Run(context.Background(), map[string][]byte{"x": f32Bytes(1, 1, 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 12, 13, 14}, devicetensor.BytesAs[float32](outputs[1]))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Run(ctx, map[string][]byte{"x": f32Bytes(1, 1, 1, 1)})
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, g.Close())
	_, err = g.Run(context.Background(), map[string][]byte{"x": f32Bytes(1, 1, 1, 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after Close()")
}

// newGPUToASICGraph requires a copy from the accelerator to the dedicated accelerator, which is not supported.
func newGPUToASICGraph() *ir.Graph {
	graph := ir.New("gpu_to_asic")
	x := graph.Parameter("x", f32x4).SetDevice(backends.Accelerator)
	y := graph.Op(elementwise.OpNeg, f32x4, x).SetDevice(backends.Accelerator)
	z := graph.Op(elementwise.OpNeg, f32x4, y).SetDevice(backends.DedicatedAccelerator)
	graph.SetOutputs(z.At(0))
	return graph
}

func TestRunUnsupportedTransfer(t *testing.T) {
	m := newTestManager(t)
	for _, strategy := range []actor.Strategy{actor.Step, actor.Pipeline} {
		g := build(t, newGPUToASICGraph(), Options{Strategy: strategy, Manager: m})
		_, err := g.Run(context.Background(), map[string][]byte{"x": f32Bytes(1, 2, 3, 4)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `no copy path from Accelerator ("gpu") to DedicatedAccelerator ("asic")`)
		assert.Contains(t, err.Error(), "Neg_2")

		// Transient tensors are released after a failure: only the graph output is left.
		assert.Equal(t, 1, m.Stats(backends.DedicatedAccelerator).Live)
		assert.Equal(t, 0, m.Stats(backends.Accelerator).Live)
		require.NoError(t, g.Close())
	}
	assert.Equal(t, 0, m.Stats(backends.DedicatedAccelerator).Live)
}

func TestSkippedKernel(t *testing.T) {
	m := newTestManager(t)
	graph := ir.New("skipped")
	x := graph.Parameter("x", f32x4)
	y := graph.Op(elementwise.OpIdentity, f32x4, x).SetAttr(ir.AttrInplace, ir.InplaceSkip)
	z := graph.Op(elementwise.OpNeg, f32x4, y)
	graph.SetOutputs(z.At(0))

	g := build(t, graph, Options{Strategy: actor.Step, Manager: m})
	assert.Equal(t, actor.SkippedKernel, g.Role(y))
	assert.Same(t, x.Output(0), y.Output(0))
	assert.Equal(t, uint64(2), x.Output(0).OriginalRefCount())

	outputs, err := g.Run(context.Background(), map[string][]byte{"x": f32Bytes(1, -2, 3, -4)})
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 2, -3, 4}, devicetensor.BytesAs[float32](outputs[0]))
	assert.False(t, x.Output(0).IsAllocated())
}

func newSwitchGraph() *ir.Graph {
	graph := ir.New("switch")
	cond := graph.Parameter("cond", devicetensor.MakeShape(dtypes.Int32))
	onTrue := graph.Parameter("on_true", f32x4)
	onFalse := graph.Parameter("on_false", f32x4)
	out := graph.Op(ir.OpSwitch, f32x4, cond, onTrue, onFalse)
	graph.SetOutputs(out.At(0))
	return graph
}

func TestSwitch(t *testing.T) {
	feeds := func(cond int32) map[string][]byte {
		return map[string][]byte{
			"cond":     devicetensor.FlatBytes([]int32{cond}),
			"on_true":  f32Bytes(1, 1, 1, 1),
			"on_false": f32Bytes(2, 2, 2, 2),
		}
	}
	for _, strategy := range []actor.Strategy{actor.Step, actor.Pipeline} {
		t.Run(strategy.String(), func(t *testing.T) {
			m := newTestManager(t)
			graph := newSwitchGraph()
			g := build(t, graph, Options{Strategy: strategy, Manager: m})
			out := graph.ExecutionOrder()[0]
			assert.Equal(t, actor.Switch, g.Role(out))
			if strategy == actor.Step {
				// A single operator: the parameters are fed directly, without a data source actor.
				assert.Equal(t, actor.None, g.Role(graph.Parameters()[0]))
			} else {
				assert.Equal(t, actor.HostQueueDataSource, g.Role(graph.Parameters()[0]))
			}

			outputs, err := g.RunSteps(context.Background(), 3, func(step int) (map[string][]byte, error) {
				return feeds(int32(step % 2)), nil
			})
			require.NoError(t, err)
			require.Len(t, outputs, 3)
			assert.Equal(t, []float32{2, 2, 2, 2}, devicetensor.BytesAs[float32](outputs[0][0]))
			assert.Equal(t, []float32{1, 1, 1, 1}, devicetensor.BytesAs[float32](outputs[1][0]))
			assert.Equal(t, []float32{2, 2, 2, 2}, devicetensor.BytesAs[float32](outputs[2][0]))
			assert.Equal(t, 1, m.Stats(backends.Host).Live)
		})
	}
}

func TestGather(t *testing.T) {
	m := newTestManager(t)
	graph := ir.New("main")
	x := graph.Parameter("x", f32x4)
	y := graph.Op(elementwise.OpNeg, f32x4, x)
	p := graph.Parameter("p", f32x4).SetFuncGraph("body")
	z := graph.Op(elementwise.OpMul, f32x4, p, x)
	graph.SetOutputs(z.At(0))
	graph.SetInternalParameter(p, y.At(0))

	g := build(t, graph, Options{Strategy: actor.Pipeline, Manager: m, KnownActors: []string{"body"}})
	assert.Equal(t, actor.HostQueueDataSource, g.Role(x))
	assert.Equal(t, actor.Gather, g.Role(p))
	assert.Equal(t, uint64(2), x.Output(0).OriginalRefCount())

	outputs, err := g.Run(context.Background(), map[string][]byte{"x": f32Bytes(1, 2, 3, 4)})
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -4, -9, -16}, devicetensor.BytesAs[float32](outputs[0]))
	assert.Equal(t, 1, m.Stats(backends.Host).Live)
}

func TestGatherWithoutMapping(t *testing.T) {
	m := newTestManager(t)
	graph := ir.New("main")
	x := graph.Parameter("x", f32x4)
	p := graph.Parameter("p", f32x4).SetFuncGraph("body")
	z := graph.Op(elementwise.OpMul, f32x4, p, x)
	graph.SetOutputs(z.At(0))
	front := ir.New("front")
	graph.SetFrontNode(p, front.Parameter("front_p", f32x4))

	// p's front node is not a declared host parameter, so it's not fed by the host.
	_, err := Build(graph, Options{Strategy: actor.Pipeline, Manager: m, KnownActors: []string{"body"},
		HostParameters: []*ir.Node{x}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no internal-parameter or output mapping")
}

func TestDeviceQueue(t *testing.T) {
	m := newTestManager(t)
	graph := ir.New("input_pipeline")
	batch := graph.MultiOutputOp(ir.OpGetNext, []devicetensor.Shape{f32x4, f32x4}).
		SetName("batches").SetDevice(backends.Accelerator)
	sum := graph.MultiOutputOp(elementwise.OpAdd, []devicetensor.Shape{f32x4}, batch.At(0), batch.At(1)).
		SetDevice(backends.Accelerator)
	graph.SetOutputs(sum.At(0))

	queue := NewChanQueue(3)
	ctx := context.Background()
	for ii := range 3 {
		v := float32(ii)
		require.NoError(t, queue.Push(ctx, f32Bytes(v, v, v, v), f32Bytes(1, 2, 3, 4)))
	}
	queue.Close()

	g := build(t, graph, Options{Strategy: actor.Pipeline, Manager: m,
		DataQueues: map[string]DataQueue{"batches": queue}})
	assert.Equal(t, actor.DeviceQueueDataSource, g.Role(batch))

	outputs, err := g.RunSteps(ctx, 3, nil)
	require.NoError(t, err)
	for ii, stepOutputs := range outputs {
		v := float32(ii)
		assert.Equal(t, []float32{v + 1, v + 2, v + 3, v + 4}, devicetensor.BytesAs[float32](stepOutputs[0]))
	}
	assert.Equal(t, 1, m.Stats(backends.Accelerator).Live)

	// Queue exhausted.
	_, err = g.Run(ctx, nil)
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestBuildErrors(t *testing.T) {
	m := newTestManager(t)

	graph := ir.New("not_finalized")
	_, err := Build(graph, Options{Manager: m})
	require.Error(t, err)

	_, err = Build(newMLPGraph(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Manager is required")

	graph = ir.New("unknown_op")
	x := graph.Parameter("x", f32x4)
	y := graph.Op("Softmax", f32x4, x)
	graph.SetOutputs(y.At(0))
	_, err = Build(graph, Options{Manager: m})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Softmax")

	graph = ir.New("meta_op")
	x = graph.Parameter("x", f32x4)
	y = graph.Op(ir.OpMakeTuple, f32x4, x)
	graph.SetOutputs(y.At(0))
	_, err = Build(graph, Options{Manager: m})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be lowered")

	graph = ir.New("no_queue")
	batch := graph.MultiOutputOp(ir.OpGetNext, []devicetensor.Shape{f32x4})
	graph.SetOutputs(batch.At(0))
	_, err = Build(graph, Options{Strategy: actor.Pipeline, Manager: m})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no DataQueue")

	// Nothing is left allocated by the failed builds.
	for deviceType := range backends.DeviceTypeLast {
		assert.Equal(t, 0, m.Stats(deviceType).Live, "device %s", deviceType)
	}
}

func TestChanQueue(t *testing.T) {
	q := NewChanQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(ctx, []byte{1}))
	assert.Equal(t, 1, q.Len())
	cancel()
	require.ErrorIs(t, q.Push(ctx, []byte{2}), context.Canceled)
	batch, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}}, batch)
	_, err = q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
	q.Close()
	q.Close()
	_, err = q.Pop(context.Background())
	require.ErrorIs(t, err, ErrQueueClosed)
}
