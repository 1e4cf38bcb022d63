package ir

import (
	"testing"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var f32 = devicetensor.MakeShape(dtypes.Float32, 3)

func TestGraph(t *testing.T) {
	g := New("main").SetDefaultDevice(backends.Accelerator)
	x := g.Parameter("x", f32)
	w := g.Weight("w", f32, nil)
	c := g.Constant("c", f32, make([]byte, 12))
	add := g.Op("Add", f32, x, w)
	tuple := g.MultiOutputOp(OpMakeTuple, []devicetensor.Shape{f32, f32}, add.At(0), c.At(0))
	out := g.Op("Neg", f32, add).SetDevice(backends.Host).SetAttr(AttrInplace, InplaceSkip)
	g.SetOutputs(out.At(0), tuple.At(1))

	assert.True(t, g.IsFinalized())
	assert.Equal(t, []*Node{x, w, c, add, tuple, out}, g.Nodes())
	assert.Equal(t, []*Node{x, w}, g.Parameters())
	assert.Equal(t, []*Node{c}, g.ValueNodes())
	assert.Equal(t, []*Node{add, tuple, out}, g.ExecutionOrder())
	assert.True(t, g.IsOutput(tuple.At(1)))
	assert.False(t, g.IsOutput(tuple.At(0)))

	assert.True(t, x.IsParameter())
	assert.False(t, x.IsWeight())
	assert.True(t, w.IsWeight())
	assert.True(t, c.IsValueNode())
	assert.Equal(t, KindCNode, add.Kind())
	assert.True(t, add.IsRealKernel())
	assert.False(t, tuple.IsRealKernel())
	assert.True(t, tuple.IsPrimitive(OpMakeTuple))
	assert.False(t, x.IsPrimitive(""))
	assert.True(t, out.IsInplace(InplaceSkip))
	assert.False(t, add.IsInplace(InplaceSkip))

	assert.Equal(t, backends.Accelerator, add.Device())
	assert.Equal(t, backends.Host, out.Device())
	assert.Equal(t, "main", add.FuncGraph())
	assert.Equal(t, "Add_3", add.Name())
	assert.Equal(t, "Add_3[Add]#3", add.String())
	assert.Equal(t, []*Node{add, c}, tuple.InputNodes())
	assert.Equal(t, 12, tuple.OutputSize(1))

	// Nodes can't be changed after the graph is finalized.
	require.Panics(t, func() { g.Parameter("y", f32) })
	require.Panics(t, func() { x.SetDevice(backends.Host) })
	require.Panics(t, func() { tuple.At(2) })
}

func TestGraphPanics(t *testing.T) {
	g := New("g")
	other := New("other")
	y := other.Parameter("y", f32)
	require.Panics(t, func() { g.Constant("c", f32, []byte{1}) })
	require.Panics(t, func() { g.Op("Neg", f32, nil) })
	require.Panics(t, func() { g.Op("Neg", f32, y) })
	require.Panics(t, func() { g.SetOutputs(y.At(0)) })
}

func TestBindOutput(t *testing.T) {
	g := New("g")
	x := g.Parameter("x", f32)
	assert.Nil(t, x.Output(0))
	tensor := devicetensor.New("x:0", fakeDevice{}, f32.Memory())
	x.BindOutput(0, tensor)
	assert.Same(t, tensor, x.Output(0))
	assert.Same(t, tensor, x.At(0).Tensor())
}

func TestMappings(t *testing.T) {
	front := New("front")
	frontX := front.Parameter("x", f32)
	frontOp := front.Op("Neg", f32, frontX)

	g := New("backend")
	x := g.Parameter("x", f32)
	p := g.Parameter("p", f32)
	neg := g.Op("Neg", f32, x)
	g.SetOutputs(neg.At(0))

	g.SetFrontNode(x, frontX)
	g.SetInternalParameter(p, frontOp.At(0))
	g.SetFrontOutput(neg.At(0), frontOp.At(0))

	assert.Same(t, frontX, g.FrontNode(x))
	assert.Nil(t, g.FrontNode(p))
	origin, found := g.InternalParameterOrigin(p)
	require.True(t, found)
	assert.Equal(t, frontOp.At(0), origin)
	_, found = g.InternalParameterOrigin(x)
	assert.False(t, found)
	frontOutput, found := g.FrontOutput(neg.At(0))
	require.True(t, found)
	assert.Equal(t, frontOp.At(0), frontOutput)

	require.Panics(t, func() { g.SetInternalParameter(neg, frontOp.At(0)) })
	require.Panics(t, func() { g.SetFrontNode(frontX, x) })
	require.Panics(t, func() { g.SetFrontNode(x, nil) })
}

// fakeDevice is enough to create unallocated tensors.
type fakeDevice struct{ backends.Device }

func (fakeDevice) Type() backends.DeviceType { return backends.Host }
