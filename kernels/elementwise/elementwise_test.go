package elementwise

import (
	"testing"
	"time"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/backends/host"
	"github.com/gomlx/actorflow/backends/simdevice"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/actorflow/kernels"
	"github.com/gomlx/actorflow/memory"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type testEnv struct {
	manager *memory.Manager
	device  backends.Device
}

func newEnv(t *testing.T, deviceType backends.DeviceType) *testEnv {
	var device backends.Device
	if deviceType.IsHost() {
		device = host.NewDevice(0)
	} else {
		device = must.M1(simdevice.New(deviceType, ""))
	}
	m := memory.NewManager(map[backends.DeviceType]backends.Device{deviceType: device})
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		device.Finalize()
	})
	return &testEnv{manager: m, device: device}
}

// tensorWith returns a tensor on the test device holding the flat values.
func tensorWith[T devicetensor.Flat](t *testing.T, env *testEnv, flat []T) *devicetensor.DeviceTensor {
	shape := devicetensor.MakeShape(devicetensor.DTypeOf[T](), len(flat))
	tensor := must.M1(env.manager.NewTensor("t", env.device.Type(), shape))
	require.NoError(t, env.manager.Allocate(tensor))
	data := devicetensor.FlatBytes(flat)
	require.NoError(t, tensor.SyncHostToDevice(len(data), data))
	return tensor
}

func emptyTensor(t *testing.T, env *testEnv, shape devicetensor.Shape) *devicetensor.DeviceTensor {
	tensor := must.M1(env.manager.NewTensor("out", env.device.Type(), shape))
	require.NoError(t, env.manager.Allocate(tensor))
	return tensor
}

func valuesOf[T devicetensor.Flat](t *testing.T, tensor *devicetensor.DeviceTensor) []T {
	data := make([]byte, tensor.Size())
	require.NoError(t, tensor.SyncDeviceToHost(len(data), data))
	return devicetensor.BytesAs[T](data)
}

func TestBinaryAndUnary(t *testing.T) {
	for _, deviceType := range []backends.DeviceType{backends.Host, backends.Accelerator} {
		t.Run(deviceType.String(), func(t *testing.T) {
			env := newEnv(t, deviceType)
			shape := devicetensor.MakeShape(dtypes.Float32, 4)
			g := ir.New("g")
			x := g.Parameter("x", shape)
			y := g.Parameter("y", shape)
			add := g.Op(OpAdd, shape, x, y)
			relu := g.Op(OpRelu, shape, add)
			g.SetOutputs(relu.At(0))

			xT := tensorWith(t, env, []float32{1, -2, 3, -4})
			yT := tensorWith(t, env, []float32{10, 1, -5, 0})
			sum := emptyTensor(t, env, shape)
			out := emptyTensor(t, env, shape)
			stream := env.device.Stream()

			addKernel := must.M1(kernels.New(add))
			require.NoError(t, addKernel.Launch([]*devicetensor.DeviceTensor{xT, yT}, nil,
				[]*devicetensor.DeviceTensor{sum}, stream))
			reluKernel := must.M1(kernels.New(relu))
			require.NoError(t, reluKernel.Launch([]*devicetensor.DeviceTensor{sum}, nil,
				[]*devicetensor.DeviceTensor{out}, stream))
			require.NoError(t, stream.Synchronize())
			assert.Equal(t, []float32{11, -1, -2, -4}, valuesOf[float32](t, sum))
			assert.Equal(t, []float32{11, 0, 0, 0}, valuesOf[float32](t, out))

			// Wrong number of tensors.
			require.Error(t, addKernel.Launch([]*devicetensor.DeviceTensor{xT}, nil,
				[]*devicetensor.DeviceTensor{sum}, stream))
		})
	}
}

func TestLaunchResolvesStorage(t *testing.T) {
	env := newEnv(t, backends.Accelerator)
	shape := devicetensor.MakeShape(dtypes.Float32, 4)
	g := ir.New("g")
	x := g.Parameter("x", shape)
	neg := g.Op(OpNeg, shape, x)
	g.SetOutputs(neg.At(0))
	negKernel := must.M1(kernels.New(neg))

	xT := tensorWith(t, env, []float32{1, 2, 3, 4})
	out := emptyTensor(t, env, shape)
	stream := env.device.Stream()
	stream.Submit(func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, negKernel.Launch([]*devicetensor.DeviceTensor{xT}, nil,
		[]*devicetensor.DeviceTensor{out}, stream))
	// The input is released before the kernel executes on the stream.
	require.NoError(t, env.manager.Free(xT))
	require.NoError(t, stream.Synchronize())
	assert.Equal(t, []float32{-1, -2, -3, -4}, valuesOf[float32](t, out))

	// Unallocated tensors are reported at launch.
	err := negKernel.Launch([]*devicetensor.DeviceTensor{xT}, nil, []*devicetensor.DeviceTensor{out}, stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allocated")
	require.NoError(t, stream.Synchronize())
}

func TestIntegerKernels(t *testing.T) {
	env := newEnv(t, backends.Host)
	shape := devicetensor.MakeShape(dtypes.Int64, 3)
	g := ir.New("g")
	x := g.Parameter("x", shape)
	mul := g.Op(OpMul, shape, x, x)
	neg := g.Op(OpNeg, shape, mul)
	g.SetOutputs(neg.At(0))

	xT := tensorWith(t, env, []int64{1, 2, -3})
	sq := emptyTensor(t, env, shape)
	out := emptyTensor(t, env, shape)
	stream := env.device.Stream()
	require.NoError(t, must.M1(kernels.New(mul)).Launch(
		[]*devicetensor.DeviceTensor{xT, xT}, nil, []*devicetensor.DeviceTensor{sq}, stream))
	require.NoError(t, must.M1(kernels.New(neg)).Launch(
		[]*devicetensor.DeviceTensor{sq}, nil, []*devicetensor.DeviceTensor{out}, stream))
	require.NoError(t, stream.Synchronize())
	assert.Equal(t, []int64{-1, -4, -9}, valuesOf[int64](t, out))
}

func TestCastAndReduce(t *testing.T) {
	env := newEnv(t, backends.DedicatedAccelerator)
	shape := devicetensor.MakeShape(dtypes.Float32, 3)
	g := ir.New("g")
	x := g.Parameter("x", shape)
	cast := g.Op(OpCastToFloat16, devicetensor.MakeShape(dtypes.Float16, 3), x)
	sum := g.Op(OpReduceSum, devicetensor.MakeShape(dtypes.Float32), x)
	g.SetOutputs(cast.At(0), sum.At(0))

	xT := tensorWith(t, env, []float32{0.5, 1.5, 2})
	stream := env.device.Stream()

	halfs := emptyTensor(t, env, cast.OutputShape(0))
	require.NoError(t, must.M1(kernels.New(cast)).Launch(
		[]*devicetensor.DeviceTensor{xT}, nil, []*devicetensor.DeviceTensor{halfs}, stream))

	reduceKernel := must.M1(kernels.New(sum))
	sizes := kernels.WorkspaceSizes(reduceKernel)
	require.Equal(t, []int{8}, sizes)
	workspace := must.M1(env.manager.NewTensorWithSize("workspace", env.device.Type(), sizes[0]))
	require.NoError(t, env.manager.Allocate(workspace))
	total := emptyTensor(t, env, sum.OutputShape(0))
	require.NoError(t, reduceKernel.Launch([]*devicetensor.DeviceTensor{xT},
		[]*devicetensor.DeviceTensor{workspace}, []*devicetensor.DeviceTensor{total}, stream))
	require.Error(t, reduceKernel.Launch([]*devicetensor.DeviceTensor{xT}, nil,
		[]*devicetensor.DeviceTensor{total}, stream))

	require.NoError(t, stream.Synchronize())
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(1.5), float16.Fromfloat32(2)},
		valuesOf[float16.Float16](t, halfs))
	assert.Equal(t, []float32{4}, valuesOf[float32](t, total))
	assert.Nil(t, kernels.WorkspaceSizes(must.M1(kernels.New(cast))))
}

func TestFactoryErrors(t *testing.T) {
	f32 := devicetensor.MakeShape(dtypes.Float32, 2)
	g := ir.New("g")
	x := g.Parameter("x", f32)
	y := g.Parameter("y", devicetensor.MakeShape(dtypes.Float32, 3))
	b := g.Parameter("b", devicetensor.MakeShape(dtypes.Bool, 2))
	badShapes := g.Op(OpAdd, f32, x, y)
	badArity := g.Op(OpRelu, f32, x, x)
	badDType := g.Op(OpNeg, b.OutputShape(0), b)
	badCast := g.Op(OpCastToFloat16, f32, x)
	unknown := g.Op("FFT", f32, x)
	g.SetOutputs(x.At(0))

	for _, node := range []*ir.Node{badShapes, badArity, badDType, badCast, unknown} {
		_, err := kernels.New(node)
		assert.Errorf(t, err, "creating kernel for %s should have failed", node)
	}
	assert.True(t, kernels.IsRegistered(OpCastToFloat16))
	assert.Contains(t, kernels.Registered(), OpReduceSum)
}
