// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transfer copies the contents of one DeviceTensor into another, dispatching to the host-to-device,
// device-to-host or device-to-device path according to the pair of backends involved.
//
// The number of bytes moved is the smaller of the two sizes: a size mismatch is logged as a warning, but it's
// not an error, since backends may pad or align their buffers differently. Shape and format metadata are only
// carried along in device-to-device copies.
package transfer

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Path taken by a copy.
type Path int

const (
	// Unsupported means there is no transfer defined between the two backends.
	Unsupported Path = iota

	// HostToHost is a plain memory copy.
	HostToHost

	// HostToDevice uploads host memory to an accelerator.
	HostToDevice

	// DeviceToHost downloads accelerator memory to the host. It waits for the copy to finish.
	DeviceToHost

	// DeviceToDevice copies within the same accelerator.
	DeviceToDevice
)

var pathNames = []string{"Unsupported", "HostToHost", "HostToDevice", "DeviceToHost", "DeviceToDevice"}

// String implements fmt.Stringer.
func (p Path) String() string {
	if p < 0 || int(p) >= len(pathNames) {
		return "Path(?)"
	}
	return pathNames[p]
}

// PathFor returns the path used to copy src into dst.
func PathFor(dst, src *devicetensor.DeviceTensor) Path {
	srcType, dstType := src.DeviceType(), dst.DeviceType()
	switch {
	case srcType.IsHost() && dstType.IsHost():
		return HostToHost
	case srcType.IsHost():
		return HostToDevice
	case dstType.IsHost():
		return DeviceToHost
	case srcType == dstType:
		return DeviceToDevice
	}
	return Unsupported
}

// Copy copies the contents of src into dst, and returns whether it succeeded. Errors are logged.
// It panics if dst or src is nil.
//
// See CopyTensor for details.
func Copy(dst, src *devicetensor.DeviceTensor) bool {
	if _, err := CopyTensor(dst, src); err != nil {
		klog.Errorf("%v", err)
		return false
	}
	return true
}

// CopyTensor copies the contents of src into dst, and returns the number of bytes moved.
//
// The copy is submitted to the stream of the device holding the data, and only host-bound copies
// (DeviceToHost) wait for it to finish.
//
// It returns an error naming both backends if there is no transfer defined between them:
// that is the case of two different accelerators. It panics if dst or src is nil.
func CopyTensor(dst, src *devicetensor.DeviceTensor) (int, error) {
	if dst == nil || src == nil {
		exceptions.Panicf("transfer.Copy(%v <- %v): nil tensor", dst, src)
	}
	size := min(src.Size(), dst.Size())
	if src.Size() != dst.Size() {
		klog.Warningf("transfer.Copy(%q <- %q): size mismatch, source has %s, destination %s: copying %s",
			dst.Name(), src.Name(), humanize.IBytes(uint64(src.Size())), humanize.IBytes(uint64(dst.Size())),
			humanize.IBytes(uint64(size)))
	}

	var err error
	path := PathFor(dst, src)
	switch path {
	case HostToHost:
		err = copyHostToHost(dst, src, size)
	case HostToDevice:
		var data []byte
		data, err = src.HostBytes()
		if err == nil {
			err = dst.SyncHostToDevice(size, data)
		}
	case DeviceToHost:
		var data []byte
		data, err = dst.HostBytes()
		if err == nil {
			err = src.SyncDeviceToHost(size, data)
		}
	case DeviceToDevice:
		err = dst.SyncDeviceToDevice(src, size)
	default:
		return 0, errors.Errorf("transfer.Copy(%q <- %q): no copy path from %s (%q) to %s (%q)",
			dst.Name(), src.Name(), src.DeviceType(), src.Device().Name(), dst.DeviceType(), dst.Device().Name())
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "transfer.Copy(%q <- %q) %s of %s", dst.Name(), src.Name(),
			path, humanize.IBytes(uint64(size)))
	}
	if klog.V(2).Enabled() {
		klog.Infof("transfer.Copy(%q <- %q): %s of %s", dst.Name(), src.Name(), path, humanize.IBytes(uint64(size)))
	}
	return size, nil
}

func copyHostToHost(dst, src *devicetensor.DeviceTensor, size int) error {
	srcData, err := src.HostBytes()
	if err != nil {
		return err
	}
	dstData, err := dst.HostBytes()
	if err != nil {
		return err
	}
	copy(dstData[:size], srcData[:size])
	return nil
}
