package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	params []*Parameter
	m, v   [][]float64
	t      int
}

func NewAdam(params []*Parameter, lr float64) *Adam {
	a := &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		params:       params,
		m:            make([][]float64, len(params)),
		v:            make([][]float64, len(params)),
	}

	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}

	return a
}

func (a *Adam) ZeroGrad() {
	ZeroGrad(a.params)
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.t
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))

	sq := make([]float64, 0)
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]

		// m = b1*m + (1-b1)*g
		floats.Scale(a.Beta1, m)
		floats.AddScaled(m, 1-a.Beta1, p.Grad)

		// v = b2*v + (1-b2)*g^2
		sq = append(sq[:0], p.Grad...)
		floats.Mul(sq, p.Grad)
		floats.Scale(a.Beta2, v)
		floats.AddScaled(v, 1-a.Beta2, sq)

		for j := range p.Value {
			p.Value[j] -= a.LearningRate * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.Epsilon)
		}
	}
}
