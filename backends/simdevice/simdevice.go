// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simdevice implements simulated accelerators: a GPU-class Accelerator ("gpu") and an ASIC-class
// DedicatedAccelerator ("asic").
//
// Device memory is a private arena that the host cannot address directly: data gets in and out only through
// the copy methods, and kernels touch it only from work submitted to the device stream. The stream is
// asynchronous: a goroutine executes submitted work in order, so submission never blocks on execution
// (unless the queue is full).
//
// Configuration options (separated by ";"):
//
//   - capacity: device memory size, e.g. "capacity=256MiB". Default is 1GiB.
//   - queue: max number of operations queued in the stream before Submit blocks. Default is 64.
package simdevice

import (
	"fmt"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/backends/internal/arena"
	"github.com/pkg/errors"
)

const (
	// AcceleratorName to be used in ACTORFLOW_BACKENDS to specify the simulated GPU-class accelerator.
	AcceleratorName = "gpu"

	// DedicatedAcceleratorName to be used in ACTORFLOW_BACKENDS to specify the simulated ASIC-class accelerator.
	DedicatedAcceleratorName = "asic"

	// DefaultCapacity of the simulated device memory.
	DefaultCapacity = 1 << 30

	// DefaultQueueDepth of the device stream.
	DefaultQueueDepth = 64
)

func init() {
	backends.Register(AcceleratorName, func(config string) (backends.Device, error) {
		return New(backends.Accelerator, config)
	})
	backends.Register(DedicatedAcceleratorName, func(config string) (backends.Device, error) {
		return New(backends.DedicatedAccelerator, config)
	})
}

// Device implements backends.Device for a simulated accelerator.
type Device struct {
	name       string
	deviceType backends.DeviceType
	arena      *arena.Arena
	stream     *Stream
}

// Compile-time check that simdevice.Device implements backends.Device.
var _ backends.Device = (*Device)(nil)

// New creates a simulated device of the given type, configured by config.
func New(deviceType backends.DeviceType, config string) (*Device, error) {
	if deviceType.IsHost() {
		return nil, errors.Errorf("simdevice can only simulate accelerators, not %s", deviceType)
	}
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	if err = options.CheckKnown("capacity", "queue"); err != nil {
		return nil, err
	}
	capacity, err := options.Bytes("capacity", DefaultCapacity)
	if err != nil {
		return nil, err
	}
	queueDepth, err := options.Int("queue", DefaultQueueDepth)
	if err != nil {
		return nil, err
	}
	if queueDepth <= 0 {
		return nil, errors.Errorf("simdevice: queue depth must be > 0, got %d", queueDepth)
	}
	name := AcceleratorName
	if deviceType == backends.DedicatedAccelerator {
		name = DedicatedAcceleratorName
	}
	return &Device{
		name:       name,
		deviceType: deviceType,
		arena:      arena.New(name, capacity),
		stream:     NewStream(name, queueDepth),
	}, nil
}

// Name implements backends.Device.
func (d *Device) Name() string { return d.name }

// String implements fmt.Stringer.
func (d *Device) String() string { return fmt.Sprintf("%s(%s)", d.name, d.deviceType) }

// Type implements backends.Device.
func (d *Device) Type() backends.DeviceType { return d.deviceType }

// Allocate implements backends.Device.
func (d *Device) Allocate(size int) (backends.Address, error) { return d.arena.Allocate(size) }

// Free implements backends.Device.
//
// Work already submitted to the stream may still be using the memory, so the actual release
// is also submitted to the stream.
func (d *Device) Free(addr backends.Address) error {
	if _, err := d.arena.Bytes(addr); err != nil {
		return err
	}
	d.stream.Submit(func() error { return d.arena.Free(addr) })
	return nil
}

// Bytes implements backends.Device. It should only be used from work submitted to the device stream.
func (d *Device) Bytes(addr backends.Address) ([]byte, error) { return d.arena.Bytes(addr) }

// Allocated returns the number of bytes currently allocated in the device.
func (d *Device) Allocated() uint64 { return d.arena.Allocated() }

// CopyHostToDevice implements backends.Device. The host bytes are staged, so src can be reused immediately.
func (d *Device) CopyHostToDevice(dst backends.Address, src []byte, stream backends.Stream) error {
	dstBytes, err := d.arena.Bytes(dst)
	if err != nil {
		return err
	}
	if len(src) > len(dstBytes) {
		return errors.Errorf("%s: copying %d bytes into a device buffer of %d bytes", d.name, len(src), len(dstBytes))
	}
	staged := make([]byte, len(src))
	copy(staged, src)
	stream.Submit(func() error {
		copy(dstBytes, staged)
		return nil
	})
	return nil
}

// CopyDeviceToHost implements backends.Device. It waits for the stream to finish the copy.
func (d *Device) CopyDeviceToHost(dst []byte, src backends.Address, stream backends.Stream) error {
	srcBytes, err := d.arena.Bytes(src)
	if err != nil {
		return err
	}
	if len(dst) > len(srcBytes) {
		return errors.Errorf("%s: copying %d bytes out of a device buffer of %d bytes", d.name, len(dst), len(srcBytes))
	}
	stream.Submit(func() error {
		copy(dst, srcBytes)
		return nil
	})
	return stream.Synchronize()
}

// CopyDeviceToDevice implements backends.Device.
func (d *Device) CopyDeviceToDevice(dst, src backends.Address, size int, stream backends.Stream) error {
	srcBytes, err := d.arena.Bytes(src)
	if err != nil {
		return err
	}
	dstBytes, err := d.arena.Bytes(dst)
	if err != nil {
		return err
	}
	if size > len(srcBytes) || size > len(dstBytes) {
		return errors.Errorf("%s: copying %d bytes between device buffers of %d and %d bytes",
			d.name, size, len(srcBytes), len(dstBytes))
	}
	stream.Submit(func() error {
		copy(dstBytes[:size], srcBytes[:size])
		return nil
	})
	return nil
}

// Stream implements backends.Device.
func (d *Device) Stream() backends.Stream { return d.stream }

// Finalize implements backends.Device. It waits for the pending work in the stream before releasing the memory.
func (d *Device) Finalize() {
	d.stream.Close()
	d.arena.Finalize()
}
