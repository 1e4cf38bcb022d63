// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devicetensor defines DeviceTensor, a handle to a memory region on a specific backend device,
// along with the reference counts that decide when the memory can be reclaimed.
//
// A DeviceTensor doesn't own its memory: the address is handed in by the memory manager (see package memory),
// which is the only component that allocates and frees device memory. Everyone else holds non-owning
// references and decrements the reference count when they are done consuming it.
package devicetensor

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// MaxRefCount is the reference count of tensors that are never reclaimed automatically:
// graph outputs and persistent tensors (weights and constants).
const MaxRefCount = math.MaxUint64

// DeviceTensor is a handle to a memory region of Size bytes on a backend Device.
type DeviceTensor struct {
	name   string
	size   int
	device backends.Device

	mu     sync.RWMutex
	addr   backends.Address
	shape  Shape
	format string

	// refCount is the number of remaining consumers in the current run cycle.
	refCount atomic.Uint64

	// originalRefCount is the value refCount is reset to at the start of each run cycle.
	// It is only mutated during the static analysis, before any run.
	originalRefCount atomic.Uint64
}

// New creates a DeviceTensor of size bytes to be held by device. It's not allocated yet.
//
// Only the memory manager should create DeviceTensors, see memory.Manager.NewTensor.
func New(name string, device backends.Device, size int) *DeviceTensor {
	if device == nil {
		exceptions.Panicf("devicetensor.New(%q): nil device", name)
	}
	if size < 0 {
		exceptions.Panicf("devicetensor.New(%q): negative size %d", name, size)
	}
	return &DeviceTensor{
		name:   name,
		size:   size,
		device: device,
	}
}

// Name used to identify the tensor in messages, usually "<node_name>:<output_index>".
func (t *DeviceTensor) Name() string { return t.name }

// Size in bytes of the tensor.
func (t *DeviceTensor) Size() int { return t.size }

// Device holding the tensor.
func (t *DeviceTensor) Device() backends.Device { return t.device }

// DeviceType of the memory holding the tensor.
func (t *DeviceTensor) DeviceType() backends.DeviceType { return t.device.Type() }

// Address of the device memory, or backends.InvalidAddress if not allocated.
func (t *DeviceTensor) Address() backends.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// IsAllocated returns whether the tensor currently holds device memory.
func (t *DeviceTensor) IsAllocated() bool {
	return t.Address() != backends.InvalidAddress
}

// SetAddress is used by the memory manager to bind (or unbind, with backends.InvalidAddress) device memory.
func (t *DeviceTensor) SetAddress(addr backends.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addr = addr
}

// Shape returns the metadata of the data stored.
func (t *DeviceTensor) Shape() Shape {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.shape
}

// SetShape sets the metadata of the data stored.
func (t *DeviceTensor) SetShape(shape Shape) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shape = shape.Clone()
}

// Format is a backend specific layout name, e.g. "NCHW". It's only carried along.
func (t *DeviceTensor) Format() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.format
}

// SetFormat sets the backend specific layout name.
func (t *DeviceTensor) SetFormat(format string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.format = format
}

// String implements fmt.Stringer.
func (t *DeviceTensor) String() string {
	refCount := "max"
	if !t.IsMaxRefCount() {
		refCount = fmt.Sprintf("%d/%d", t.RefCount(), t.OriginalRefCount())
	}
	return fmt.Sprintf("DeviceTensor(%q, %s, %s, shape=%s, refs=%s)",
		t.name, t.DeviceType(), humanize.IBytes(uint64(t.size)), t.Shape(), refCount)
}

// RefCount returns the number of remaining consumers in the current run cycle.
func (t *DeviceTensor) RefCount() uint64 { return t.refCount.Load() }

// OriginalRefCount returns the value the reference count is reset to at the start of each run cycle.
func (t *DeviceTensor) OriginalRefCount() uint64 { return t.originalRefCount.Load() }

// IsMaxRefCount returns whether the tensor is never reclaimed automatically.
func (t *DeviceTensor) IsMaxRefCount() bool { return t.originalRefCount.Load() == MaxRefCount }

// SetOriginalRefCount sets the value the reference count is reset to.
func (t *DeviceTensor) SetOriginalRefCount(count uint64) { t.originalRefCount.Store(count) }

// IncreaseOriginalRefCount accounts for one more consumer. It is a no-op for max reference count tensors.
func (t *DeviceTensor) IncreaseOriginalRefCount() {
	for {
		current := t.originalRefCount.Load()
		if current == MaxRefCount {
			return
		}
		if t.originalRefCount.CompareAndSwap(current, current+1) {
			return
		}
	}
}

// ResetRefCount starts a new run cycle: the reference count is set back to the original reference count.
func (t *DeviceTensor) ResetRefCount() { t.refCount.Store(t.originalRefCount.Load()) }

// DecreaseRefCount is called once by each consumer when it's done reading the tensor.
// It returns the remaining count: when it reaches 0 the tensor can be released.
//
// Tensors with max reference count are never decremented.
// It returns an error if the count is already 0: a consumer decremented more than once.
func (t *DeviceTensor) DecreaseRefCount() (uint64, error) {
	for {
		current := t.refCount.Load()
		if current == MaxRefCount {
			return current, nil
		}
		if current == 0 {
			return 0, errors.Errorf("DecreaseRefCount(%q): reference count is already 0", t.name)
		}
		if t.refCount.CompareAndSwap(current, current-1) {
			return current - 1, nil
		}
	}
}

// checkAllocated returns an error if the tensor has no device memory.
func (t *DeviceTensor) checkAllocated(op string) (backends.Address, error) {
	addr := t.Address()
	if addr == backends.InvalidAddress {
		return addr, errors.Errorf("%s: DeviceTensor %q (%s) is not allocated", op, t.name, t.DeviceType())
	}
	return addr, nil
}

// SyncHostToDevice copies size bytes from host memory src into the tensor.
// The copy is submitted to the device stream, src can be reused as soon as it returns.
func (t *DeviceTensor) SyncHostToDevice(size int, src []byte) error {
	addr, err := t.checkAllocated("SyncHostToDevice")
	if err != nil {
		return err
	}
	if size > len(src) || size > t.size {
		return errors.Errorf("SyncHostToDevice(%q): copy of %d bytes from %d host bytes into %d device bytes",
			t.name, size, len(src), t.size)
	}
	return t.device.CopyHostToDevice(addr, src[:size], t.device.Stream())
}

// SyncDeviceToHost copies size bytes from the tensor into host memory dst. It waits for the copy to finish.
func (t *DeviceTensor) SyncDeviceToHost(size int, dst []byte) error {
	addr, err := t.checkAllocated("SyncDeviceToHost")
	if err != nil {
		return err
	}
	if size > len(dst) || size > t.size {
		return errors.Errorf("SyncDeviceToHost(%q): copy of %d bytes from %d device bytes into %d host bytes",
			t.name, size, t.size, len(dst))
	}
	return t.device.CopyDeviceToHost(dst[:size], addr, t.device.Stream())
}

// SyncDeviceToDevice copies size bytes from src into this tensor, both held by the same device.
// The shape and format of src are carried along.
func (t *DeviceTensor) SyncDeviceToDevice(src *DeviceTensor, size int) error {
	if src.device != t.device {
		return errors.Errorf("SyncDeviceToDevice(%q <- %q): tensors are on different devices (%s and %s)",
			t.name, src.name, t.device.Name(), src.device.Name())
	}
	dstAddr, err := t.checkAllocated("SyncDeviceToDevice")
	if err != nil {
		return err
	}
	srcAddr, err := src.checkAllocated("SyncDeviceToDevice")
	if err != nil {
		return err
	}
	if err = t.device.CopyDeviceToDevice(dstAddr, srcAddr, size, t.device.Stream()); err != nil {
		return err
	}
	t.SetShape(src.Shape())
	t.SetFormat(src.Format())
	return nil
}

// HostBytes returns the memory of a Host tensor directly.
func (t *DeviceTensor) HostBytes() ([]byte, error) {
	if !t.DeviceType().IsHost() {
		return nil, errors.Errorf("HostBytes(%q): tensor is on %s, not on host memory", t.name, t.DeviceType())
	}
	return t.DeviceBytes()
}

// DeviceBytes returns the Size bytes of the tensor's storage directly. For accelerators, it should only be
// used from work submitted to the device's stream (e.g.: by kernels).
func (t *DeviceTensor) DeviceBytes() ([]byte, error) {
	addr, err := t.checkAllocated("DeviceBytes")
	if err != nil {
		return nil, err
	}
	data, err := t.device.Bytes(addr)
	if err != nil {
		return nil, err
	}
	if len(data) < t.size {
		return nil, errors.Errorf("DeviceBytes(%q): device block has %d bytes, tensor requires %d",
			t.name, len(data), t.size)
	}
	return data[:t.size], nil
}
