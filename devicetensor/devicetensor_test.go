package devicetensor

import (
	"sync"
	"testing"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/backends/host"
	"github.com/gomlx/actorflow/backends/simdevice"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestShape(t *testing.T) {
	s := MakeShape(dtypes.Float32, 2, 3)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 24, s.Memory())
	assert.Equal(t, "(Float32)[2 3]", s.String())
	assert.True(t, s.Equal(s.Clone()))
	assert.False(t, s.Equal(MakeShape(dtypes.Float32, 3, 2)))

	scalar := MakeShape(dtypes.Int64)
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, 8, scalar.Memory())
	assert.Equal(t, "(Int64)", scalar.String())

	assert.False(t, Shape{}.Ok())
	assert.Equal(t, 0, Shape{}.Memory())
	require.Panics(t, func() { MakeShape(dtypes.Float32, -1) })
}

func TestFlat(t *testing.T) {
	values := []float32{1, 2, 3}
	data := FlatBytes(values)
	require.Len(t, data, 12)
	assert.Equal(t, values, BytesAs[float32](data))
	assert.Nil(t, FlatBytes([]int64{}))
	assert.Nil(t, BytesAs[int64](make([]byte, 7)))

	assert.Equal(t, dtypes.Float16, DTypeOf[float16.Float16]())
	assert.Equal(t, dtypes.Uint8, DTypeOf[uint8]())
	assert.Equal(t, dtypes.Bool, DTypeOf[bool]())
}

func TestRefCounts(t *testing.T) {
	tensor := New("x:0", host.NewDevice(0), 16)
	assert.Equal(t, uint64(0), tensor.OriginalRefCount())
	for range 3 {
		tensor.IncreaseOriginalRefCount()
	}
	tensor.ResetRefCount()
	assert.Equal(t, uint64(3), tensor.RefCount())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var zeros int
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, err := tensor.DecreaseRefCount()
			require.NoError(t, err)
			if remaining == 0 {
				mu.Lock()
				zeros++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, zeros)
	_, err := tensor.DecreaseRefCount()
	require.Error(t, err)

	// Max reference count is sticky, and never decremented.
	tensor.SetOriginalRefCount(MaxRefCount)
	tensor.IncreaseOriginalRefCount()
	tensor.ResetRefCount()
	assert.True(t, tensor.IsMaxRefCount())
	remaining, err := tensor.DecreaseRefCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(MaxRefCount), remaining)
	assert.Contains(t, tensor.String(), "refs=max")
}

func TestHostAccess(t *testing.T) {
	device := host.NewDevice(0)
	tensor := New("x:0", device, 4)
	_, err := tensor.HostBytes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allocated")

	tensor.SetAddress(must.M1(device.Allocate(4)))
	require.True(t, tensor.IsAllocated())
	require.NoError(t, tensor.SyncHostToDevice(4, []byte{1, 2, 3, 4}))
	data, err := tensor.HostBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	require.Error(t, tensor.SyncHostToDevice(8, make([]byte, 8)))

	out := make([]byte, 2)
	require.NoError(t, tensor.SyncDeviceToHost(2, out))
	assert.Equal(t, []byte{1, 2}, out)
}

func TestAcceleratorAccess(t *testing.T) {
	gpu := must.M1(simdevice.New(backends.Accelerator, ""))
	defer gpu.Finalize()
	src := New("src", gpu, 8)
	src.SetAddress(must.M1(gpu.Allocate(8)))
	src.SetShape(MakeShape(dtypes.Int32, 2))
	src.SetFormat("NC")
	dst := New("dst", gpu, 8)
	dst.SetAddress(must.M1(gpu.Allocate(8)))

	_, err := src.HostBytes()
	require.Error(t, err)
	require.NoError(t, src.SyncHostToDevice(8, FlatBytes([]int32{3, 4})))
	require.NoError(t, dst.SyncDeviceToDevice(src, 8))
	assert.True(t, dst.Shape().Equal(src.Shape()))
	assert.Equal(t, "NC", dst.Format())

	out := make([]byte, 8)
	require.NoError(t, dst.SyncDeviceToHost(8, out))
	assert.Equal(t, []int32{3, 4}, BytesAs[int32](out))

	other := New("other", host.NewDevice(0), 8)
	require.Error(t, other.SyncDeviceToDevice(src, 8))
}

func TestNewPanics(t *testing.T) {
	require.Panics(t, func() { New("x", nil, 1) })
	require.Panics(t, func() { New("x", host.NewDevice(0), -1) })
}
