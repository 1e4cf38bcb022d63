// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devicetensor

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Flat is the constraint of Go types that can be viewed as the raw bytes of a DeviceTensor.
type Flat interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

// FlatBytes returns the bytes used by the flat slice given, without copying.
func FlatBytes[T Flat](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(t)))
}

// BytesAs returns a view of data as a slice of T, without copying. Trailing bytes that don't
// make a full element are ignored.
//
// data must be aligned to T, which is the case for memory allocated by the backends.
func BytesAs[T Flat](data []byte) []T {
	var t T
	n := len(data) / int(unsafe.Sizeof(t))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}

// DTypeOf returns the dtype corresponding to the Go type T.
func DTypeOf[T Flat]() dtypes.DType {
	var t T
	switch any(t).(type) {
	case bool:
		return dtypes.Bool
	case int8:
		return dtypes.Int8
	case int16:
		return dtypes.Int16
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case uint8:
		return dtypes.Uint8
	case uint16:
		return dtypes.Uint16
	case uint32:
		return dtypes.Uint32
	case uint64:
		return dtypes.Uint64
	case float16.Float16:
		return dtypes.Float16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}
