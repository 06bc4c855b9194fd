// Package nn - Trainierbare Parameter, Loss-Funktionen und Optimizer
package nn

import (
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func NewParameter(name string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{
		Name:  name,
		Shape: slices.Clone(shape),
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// Norm returns the L2 norm of the values.
func (p *Parameter) Norm() float64 {
	return floats.Norm(p.Value, 2)
}

// ZeroGrad clears the gradients of all parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}
