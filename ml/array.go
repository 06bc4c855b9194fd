// array.go - N-dimensionale float32 Arrays
// Dieses Modul definiert Array, den Datentyp fuer Bilder, Batches und Vorhersagen.
package ml

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pdevine/tensor"
)

var ErrShape = errors.New("ml: invalid shape")

// Array is a dense row-major float32 array.
type Array struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// NewArray allocates a zeroed array with the given shape.
func NewArray(shape ...int) *Array {
	return &Array{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

// FromData wraps data without copying. len(data) must match the shape.
func FromData(data []float32, shape ...int) (*Array, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v (%d)", ErrShape, len(data), shape, n)
	}
	return &Array{Shape: slices.Clone(shape), Data: data}, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Dim returns the number of dimensions.
func (a *Array) Dim() int {
	return len(a.Shape)
}

// Size returns the number of elements.
func (a *Array) Size() int {
	return len(a.Data)
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return &Array{Shape: slices.Clone(a.Shape), Data: slices.Clone(a.Data)}
}

// Reshape returns an array sharing a's data with a new shape.
// One dimension may be -1 and is inferred.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	shape = slices.Clone(shape)
	infer, known := -1, 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, a.Shape, shape)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || a.Size()%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, a.Shape, shape)
		}
		shape[infer] = a.Size() / known
	}

	return FromData(a.Data, shape...)
}

// Unsqueeze adds a leading dimension of size 1.
func (a *Array) Unsqueeze() *Array {
	return &Array{Shape: append([]int{1}, a.Shape...), Data: a.Data}
}

// Squeeze removes the leading dimension. It must have size 1.
func (a *Array) Squeeze() (*Array, error) {
	if a.Dim() == 0 || a.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: cannot squeeze leading dimension of %v", ErrShape, a.Shape)
	}
	return &Array{Shape: slices.Clone(a.Shape[1:]), Data: a.Data}, nil
}

// Index returns the flat offset of idx.
func (a *Array) Index(idx ...int) int {
	off := 0
	for i, d := range a.Shape {
		off = off*d + idx[i]
	}
	return off
}

func (a *Array) At(idx ...int) float32 {
	return a.Data[a.Index(idx...)]
}

func (a *Array) Set(v float32, idx ...int) {
	a.Data[a.Index(idx...)] = v
}

// Slice returns the i-th sub-array along the leading axis. The data is shared.
func (a *Array) Slice(i int) *Array {
	stride := numel(a.Shape[1:])
	return &Array{Shape: slices.Clone(a.Shape[1:]), Data: a.Data[i*stride : (i+1)*stride]}
}

// Stack joins arrays of equal shape along a new leading axis.
func Stack(arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}

	expanded := make([]*Array, len(arrays))
	for i, a := range arrays {
		if !slices.Equal(a.Shape, arrays[0].Shape) {
			return nil, fmt.Errorf("%w: cannot stack %v with %v", ErrShape, arrays[0].Shape, a.Shape)
		}
		expanded[i] = a.Unsqueeze()
	}
	return Concat(0, expanded...)
}

// Concat joins arrays along axis. All other dimensions must agree.
func Concat(axis int, arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}

	first := arrays[0]
	if axis < 0 || axis >= first.Dim() {
		return nil, fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, first.Shape)
	}

	for _, a := range arrays[1:] {
		if a.Dim() != first.Dim() {
			return nil, fmt.Errorf("%w: cannot concatenate %v with %v", ErrShape, first.Shape, a.Shape)
		}
		for i := range a.Shape {
			if i != axis && a.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("%w: cannot concatenate %v with %v", ErrShape, first.Shape, a.Shape)
			}
		}
	}

	if len(arrays) == 1 {
		return first.Clone(), nil
	}

	ts := make([]tensor.Tensor, len(arrays))
	for i, a := range arrays {
		ts[i] = tensor.New(tensor.WithShape(a.Shape...), tensor.WithBacking(slices.Clone(a.Data)))
	}

	t, err := tensor.Concat(axis, ts[0], ts[1:]...)
	if err != nil {
		return nil, err
	}

	shape := slices.Clone(first.Shape)
	for _, a := range arrays[1:] {
		shape[axis] += a.Shape[axis]
	}

	switch data := t.Data().(type) {
	case []float32:
		return FromData(slices.Clone(data), shape...)
	case float32:
		return FromData([]float32{data}, shape...)
	default:
		return nil, fmt.Errorf("ml: unexpected tensor data %T", data)
	}
}

func (a *Array) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("shape", a.Shape),
		slog.Int("size", a.Size()),
	)
}
