// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Address is an opaque handle to a memory region allocated by a Device.
// Only the Device that allocated it can interpret it. The zero value is an invalid address.
type Address uint64

// InvalidAddress is the zero Address, never returned by a successful Allocate.
const InvalidAddress Address = 0

// Device is the API a backend implements to hold memory and to transfer data to/from it.
//
// All copy methods submit their work to the given Stream: the copy is guaranteed to have happened
// only after Stream.Synchronize returns, unless stated otherwise. Work submitted to the same stream
// executes in order of submission.
type Device interface {
	// Name returns the short name of the backend. E.g.: "host", "gpu".
	Name() string

	// Type of the memory held by the device.
	Type() DeviceType

	// Allocate reserves size bytes of device memory.
	Allocate(size int) (Address, error)

	// Free releases memory previously allocated with Allocate. The address should not be used afterward.
	Free(addr Address) error

	// Bytes returns a slice pointing to the storage of addr directly.
	//
	// For the Host device this is host memory and can be read or mutated directly.
	// For accelerators it is the device-side storage, and it should only be touched from work
	// submitted to the device's stream (that's how kernels access their buffers).
	Bytes(addr Address) ([]byte, error)

	// CopyHostToDevice copies len(src) bytes from host memory into dst.
	// The contents of src are staged before returning, so src can be reused right away.
	CopyHostToDevice(dst Address, src []byte, stream Stream) error

	// CopyDeviceToHost copies len(dst) bytes from src into host memory.
	// It synchronizes the stream before returning, since the data has to be available on the host.
	CopyDeviceToHost(dst []byte, src Address, stream Stream) error

	// CopyDeviceToDevice copies size bytes between two addresses of this same device.
	CopyDeviceToDevice(dst, src Address, size int, stream Stream) error

	// Stream returns the default stream of the device, where its work is ordered.
	Stream() Stream

	// Finalize releases all the associated resources immediately, and makes the device invalid.
	Finalize()
}

// Stream is an in-order queue of asynchronous operations on one device.
type Stream interface {
	// Submit enqueues op to be executed after all previously submitted ops. It doesn't wait for its execution.
	//
	// If any op fails, the stream is marked as failed, and the subsequent ops are discarded: accelerator state
	// after a failure is not assumed to be recoverable.
	Submit(op func() error)

	// Synchronize waits for all submitted ops to execute and returns the first error that happened
	// in the stream, if any.
	Synchronize() error
}
