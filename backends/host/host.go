// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements the Host (CPU) backend: memory is plain Go memory, and its stream
// executes the submitted work immediately, in the caller's goroutine.
package host

import (
	"sync"

	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/backends/internal/arena"
	"github.com/pkg/errors"
)

// BackendName to be used in ACTORFLOW_BACKENDS to specify this backend.
const BackendName = "host"

// Registers New as the constructor for the "host" backend.
func init() {
	backends.Register(BackendName, New)
}

// Device implements backends.Device for the host memory.
type Device struct {
	arena  *arena.Arena
	stream *Stream
}

// Compile-time check that host.Device implements backends.Device.
var _ backends.Device = (*Device)(nil)

// New constructs a new Host device. The only option is "capacity" (e.g.: "capacity=4GiB"), by default
// it is unlimited.
func New(config string) (backends.Device, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	if err = options.CheckKnown("capacity"); err != nil {
		return nil, err
	}
	capacity, err := options.Bytes("capacity", 0)
	if err != nil {
		return nil, err
	}
	return NewDevice(capacity), nil
}

// NewDevice creates a host device with the given capacity in bytes (0 for unlimited).
func NewDevice(capacity uint64) *Device {
	return &Device{
		arena:  arena.New(BackendName, capacity),
		stream: &Stream{},
	}
}

// Name implements backends.Device.
func (d *Device) Name() string { return BackendName }

// String implements fmt.Stringer.
func (d *Device) String() string { return BackendName }

// Type implements backends.Device.
func (d *Device) Type() backends.DeviceType { return backends.Host }

// Allocate implements backends.Device.
func (d *Device) Allocate(size int) (backends.Address, error) { return d.arena.Allocate(size) }

// Free implements backends.Device.
func (d *Device) Free(addr backends.Address) error { return d.arena.Free(addr) }

// Bytes implements backends.Device. The returned slice is host memory and can be used directly.
func (d *Device) Bytes(addr backends.Address) ([]byte, error) { return d.arena.Bytes(addr) }

// Allocated returns the number of bytes currently allocated in the device.
func (d *Device) Allocated() uint64 { return d.arena.Allocated() }

// CopyHostToDevice implements backends.Device. For the host it's a plain memory copy.
func (d *Device) CopyHostToDevice(dst backends.Address, src []byte, stream backends.Stream) error {
	dstBytes, err := d.arena.Bytes(dst)
	if err != nil {
		return err
	}
	if len(src) > len(dstBytes) {
		return errors.Errorf("host: copying %d bytes into a buffer of %d bytes", len(src), len(dstBytes))
	}
	stream.Submit(func() error {
		copy(dstBytes, src)
		return nil
	})
	return nil
}

// CopyDeviceToHost implements backends.Device. For the host it's a plain memory copy.
func (d *Device) CopyDeviceToHost(dst []byte, src backends.Address, stream backends.Stream) error {
	srcBytes, err := d.arena.Bytes(src)
	if err != nil {
		return err
	}
	if len(dst) > len(srcBytes) {
		return errors.Errorf("host: copying %d bytes out of a buffer of %d bytes", len(dst), len(srcBytes))
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
		return errors.Errorf("host: copying %d bytes between buffers of %d and %d bytes",
			size, len(srcBytes), len(dstBytes))
	}
	stream.Submit(func() error {
		copy(dstBytes[:size], srcBytes[:size])
		return nil
	})
	return nil
}

// Stream implements backends.Device.
func (d *Device) Stream() backends.Stream { return d.stream }

// Finalize implements backends.Device.
func (d *Device) Finalize() { d.arena.Finalize() }

// Stream executes work immediately as it is submitted. It keeps the first error that happens,
// and discards any work submitted after that.
type Stream struct {
	mu  sync.Mutex
	err error
}

// Compile-time check.
var _ backends.Stream = (*Stream)(nil)

// Submit implements backends.Stream.
func (s *Stream) Submit(op func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = op()
}

// Synchronize implements backends.Stream.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
