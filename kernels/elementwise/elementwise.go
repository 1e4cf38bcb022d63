// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package elementwise registers simple kernels (Identity, Add, Sub, Mul, Max, Neg, Relu, CastToFloat16
// and ReduceSum), enough to run actor graphs end-to-end on any of the backends.
//
// Import it for its side effect of registering the kernels:
//
//	import _ "github.com/gomlx/actorflow/kernels/elementwise"
package elementwise

import (
	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/actorflow/kernels"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Operator names of the kernels registered by this package.
const (
	OpIdentity      = "Identity"
	OpAdd           = "Add"
	OpSub           = "Sub"
	OpMul           = "Mul"
	OpMax           = "Max"
	OpNeg           = "Neg"
	OpRelu          = "Relu"
	OpCastToFloat16 = "CastToFloat16"
	OpReduceSum     = "ReduceSum"
)

func init() {
	kernels.Register(OpIdentity, newIdentity)
	kernels.Register(OpAdd, newBinary(func(a, b float64) float64 { return a + b }))
	kernels.Register(OpSub, newBinary(func(a, b float64) float64 { return a - b }))
	kernels.Register(OpMul, newBinary(func(a, b float64) float64 { return a * b }))
	kernels.Register(OpMax, newBinary(func(a, b float64) float64 { return max(a, b) }))
	kernels.Register(OpNeg, newUnary(func(x float64) float64 { return -x }))
	kernels.Register(OpRelu, newUnary(func(x float64) float64 { return max(x, 0) }))
	kernels.Register(OpCastToFloat16, newCastToFloat16)
	kernels.Register(OpReduceSum, newReduceSum)
}

// Number is the constraint of the element types supported by the arithmetic kernels.
type Number interface {
	int32 | int64 | float32 | float64
}

func checkArity(node *ir.Node, numInputs int) error {
	if len(node.Inputs()) != numInputs {
		return errors.Errorf("%s requires %d inputs, got %d", node.Op(), numInputs, len(node.Inputs()))
	}
	if node.NumOutputs() != 1 {
		return errors.Errorf("%s requires 1 output, got %d", node.Op(), node.NumOutputs())
	}
	return nil
}

func inputShape(node *ir.Node, idx int) devicetensor.Shape {
	input := node.Inputs()[idx]
	return input.Node.OutputShape(input.Index)
}

// checkSameShapes returns an error if the inputs and output of node don't all have the same shape.
func checkSameShapes(node *ir.Node) error {
	output := node.OutputShape(0)
	for ii := range node.Inputs() {
		if shape := inputShape(node, ii); !shape.Equal(output) {
			return errors.Errorf("%s: input #%d has shape %s, but the output has shape %s",
				node.Op(), ii, shape, output)
		}
	}
	return nil
}

// tensorBytes returns the storage of each tensor: only to be touched by work submitted to the tensors' stream.
func tensorBytes(tensors []*devicetensor.DeviceTensor) ([][]byte, error) {
	data := make([][]byte, len(tensors))
	for ii, t := range tensors {
		var err error
		data[ii], err = t.DeviceBytes()
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// launch checks the number of tensors, resolves their storage and submits fn to the stream with it.
//
// The storage is resolved before submitting: by the time fn executes the tensors may already have been
// released, but their memory is only reused by work submitted after fn.
func launch(name string, inputs, workspace, outputs []*devicetensor.DeviceTensor, numInputs int,
	stream backends.Stream, fn func(inputs, workspace, outputs [][]byte) error) error {
	if len(inputs) != numInputs || len(outputs) != 1 {
		return errors.Errorf("%s kernel launched with %d inputs and %d outputs, expected %d and 1",
			name, len(inputs), len(outputs), numInputs)
	}
	inputsData, err := tensorBytes(inputs)
	if err != nil {
		return errors.WithMessagef(err, "%s kernel", name)
	}
	workspaceData, err := tensorBytes(workspace)
	if err != nil {
		return errors.WithMessagef(err, "%s kernel", name)
	}
	outputsData, err := tensorBytes(outputs)
	if err != nil {
		return errors.WithMessagef(err, "%s kernel", name)
	}
	stream.Submit(func() error {
		return fn(inputsData, workspaceData, outputsData)
	})
	return nil
}

func newIdentity(node *ir.Node) (kernels.Kernel, error) {
	if err := checkArity(node, 1); err != nil {
		return nil, err
	}
	if err := checkSameShapes(node); err != nil {
		return nil, err
	}
	return kernels.Func(func(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error {
		return launch(OpIdentity, inputs, workspace, outputs, 1, stream, func(inputs, _, outputs [][]byte) error {
			copy(outputs[0], inputs[0])
			return nil
		})
	}), nil
}

func binaryKernel[T Number](name string, fn func(a, b float64) float64) kernels.Kernel {
	return kernels.Func(func(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error {
		return launch(name, inputs, workspace, outputs, 2, stream, func(inputs, _, outputs [][]byte) error {
			lhs := devicetensor.BytesAs[T](inputs[0])
			rhs := devicetensor.BytesAs[T](inputs[1])
			out := devicetensor.BytesAs[T](outputs[0])
			for ii := range out {
				out[ii] = T(fn(float64(lhs[ii]), float64(rhs[ii])))
			}
			return nil
		})
	})
}

func newBinary(fn func(a, b float64) float64) kernels.Factory {
	return func(node *ir.Node) (kernels.Kernel, error) {
		if err := checkArity(node, 2); err != nil {
			return nil, err
		}
		if err := checkSameShapes(node); err != nil {
			return nil, err
		}
		switch dtype := node.OutputShape(0).DType; dtype {
		case dtypes.Float32:
			return binaryKernel[float32](node.Op(), fn), nil
		case dtypes.Float64:
			return binaryKernel[float64](node.Op(), fn), nil
		case dtypes.Int32:
			return binaryKernel[int32](node.Op(), fn), nil
		case dtypes.Int64:
			return binaryKernel[int64](node.Op(), fn), nil
		default:
			return nil, errors.Errorf("%s: dtype %s not supported", node.Op(), dtype)
		}
	}
}

func unaryKernel[T Number](name string, fn func(x float64) float64) kernels.Kernel {
	return kernels.Func(func(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error {
		return launch(name, inputs, workspace, outputs, 1, stream, func(inputs, _, outputs [][]byte) error {
			operand := devicetensor.BytesAs[T](inputs[0])
			out := devicetensor.BytesAs[T](outputs[0])
			for ii := range out {
				out[ii] = T(fn(float64(operand[ii])))
			}
			return nil
		})
	})
}

func newUnary(fn func(x float64) float64) kernels.Factory {
	return func(node *ir.Node) (kernels.Kernel, error) {
		if err := checkArity(node, 1); err != nil {
			return nil, err
		}
		if err := checkSameShapes(node); err != nil {
			return nil, err
		}
		switch dtype := node.OutputShape(0).DType; dtype {
		case dtypes.Float32:
			return unaryKernel[float32](node.Op(), fn), nil
		case dtypes.Float64:
			return unaryKernel[float64](node.Op(), fn), nil
		case dtypes.Int32:
			return unaryKernel[int32](node.Op(), fn), nil
		case dtypes.Int64:
			return unaryKernel[int64](node.Op(), fn), nil
		default:
			return nil, errors.Errorf("%s: dtype %s not supported", node.Op(), dtype)
		}
	}
}

func newCastToFloat16(node *ir.Node) (kernels.Kernel, error) {
	if err := checkArity(node, 1); err != nil {
		return nil, err
	}
	input, output := inputShape(node, 0), node.OutputShape(0)
	if input.DType != dtypes.Float32 || output.DType != dtypes.Float16 || input.Size() != output.Size() {
		return nil, errors.Errorf("%s: requires a Float32 input and a Float16 output of the same size, got %s -> %s",
			node.Op(), input, output)
	}
	return kernels.Func(func(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error {
		return launch(OpCastToFloat16, inputs, workspace, outputs, 1, stream, func(inputs, _, outputs [][]byte) error {
			operand := devicetensor.BytesAs[float32](inputs[0])
			out := devicetensor.BytesAs[float16.Float16](outputs[0])
			for ii := range out {
				out[ii] = float16.Fromfloat32(operand[ii])
			}
			return nil
		})
	}), nil
}

// reduceSum adds all the elements of a Float32 tensor into a scalar, accumulating in a float64 workspace.
type reduceSum struct{}

// WorkspaceSizes implements kernels.WorkspaceSizer.
func (reduceSum) WorkspaceSizes() []int { return []int{8} }

// Launch implements kernels.Kernel.
func (reduceSum) Launch(inputs, workspace, outputs []*devicetensor.DeviceTensor, stream backends.Stream) error {
	if len(workspace) != 1 {
		return errors.Errorf("%s kernel requires 1 workspace tensor, got %d", OpReduceSum, len(workspace))
	}
	return launch(OpReduceSum, inputs, workspace, outputs, 1, stream, func(inputs, workspace, outputs [][]byte) error {
		acc := devicetensor.BytesAs[float64](workspace[0])
		acc[0] = 0
		for _, x := range devicetensor.BytesAs[float32](inputs[0]) {
			acc[0] += float64(x)
		}
		devicetensor.BytesAs[float32](outputs[0])[0] = float32(acc[0])
		return nil
	})
}

func newReduceSum(node *ir.Node) (kernels.Kernel, error) {
	if err := checkArity(node, 1); err != nil {
		return nil, err
	}
	input, output := inputShape(node, 0), node.OutputShape(0)
	if input.DType != dtypes.Float32 || output.DType != dtypes.Float32 || output.Size() != 1 {
		return nil, errors.Errorf("%s: requires a Float32 input and a Float32 scalar output, got %s -> %s",
			node.Op(), input, output)
	}
	return reduceSum{}, nil
}
