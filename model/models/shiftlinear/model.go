// Package shiftlinear implementiert ein lineares Affinitaets-Netz
//
// Pro Voxel v und Kanal c werden Features gebildet:
// - x(v)
// - x(v+o_k) fuer jeden Offset o_k (0 ausserhalb des Bildes)
// - (x(v) - x(v+o_k))^2
//
// Zwei lineare Koepfe mit Sigmoid liefern Affinitaeten (ein Kanal pro Offset)
// und optional Local Shape Descriptors.
package shiftlinear

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/ml/nn"
	"github.com/affinities/affinities/model"
)

const Architecture = "shift-linear"

var errNoForward = errors.New("shiftlinear: backward without forward")

type head struct {
	weight, bias *nn.Parameter
}

// forward berechnet sigmoid(features * W^T + b) fuer eine Batch-Probe
func (h head) forward(features *mat.Dense, out []float32, voxels int) {
	k, f := h.weight.Shape[0], h.weight.Shape[1]
	w := mat.NewDense(k, f, h.weight.Value)

	var z mat.Dense
	z.Mul(features, w.T())
	for c := range k {
		for v := range voxels {
			out[c*voxels+v] = float32(sigmoid(z.At(v, c) + h.bias.Value[c]))
		}
	}
}

// backward akkumuliert dL/dW und dL/db aus dL/dy
func (h head) backward(features *mat.Dense, out, grad []float32, voxels int) {
	k, f := h.weight.Shape[0], h.weight.Shape[1]

	dz := mat.NewDense(voxels, k, nil)
	for c := range k {
		var sum float64
		for v := range voxels {
			s := float64(out[c*voxels+v])
			d := float64(grad[c*voxels+v]) * s * (1 - s)
			dz.Set(v, c, d)
			sum += d
		}
		h.bias.Grad[c] += sum
	}

	dw := mat.NewDense(k, f, h.weight.Grad)
	var t mat.Dense
	t.Mul(dz.T(), features)
	dw.Add(dw, &t)
}

// Model ist das shift-linear Netz
type Model struct {
	offsets    [][]int
	inChannels int

	aff head
	lsd *head

	// Zustand des letzten Forward-Aufrufs
	features []*mat.Dense
	outputs  []*ml.Array
}

func New(spec *model.Spec) (model.Module, error) {
	m := &Model{
		offsets:    spec.Offsets,
		inChannels: spec.InChannels,
	}

	features := spec.InChannels * (1 + 2*len(spec.Offsets))
	rng := rand.New(rand.NewPCG(uint64(len(spec.Offsets)), uint64(features)))

	m.aff = newHead("aff", len(spec.Offsets), features, rng)
	if spec.LSDChannels > 0 {
		lsd := newHead("lsd", spec.LSDChannels, features, rng)
		m.lsd = &lsd
	}

	return m, nil
}

func newHead(name string, outputs, features int, rng *rand.Rand) head {
	h := head{
		weight: nn.NewParameter(name+".weight", outputs, features),
		bias:   nn.NewParameter(name+".bias", outputs),
	}

	scale := 1 / math.Sqrt(float64(features))
	for i := range h.weight.Value {
		h.weight.Value[i] = (rng.Float64()*2 - 1) * scale
	}
	return h
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func (m *Model) Parameters() []*nn.Parameter {
	params := []*nn.Parameter{m.aff.weight, m.aff.bias}
	if m.lsd != nil {
		params = append(params, m.lsd.weight, m.lsd.bias)
	}
	return params
}

// Forward erwartet x mit Form (batch, channel, *spatial)
func (m *Model) Forward(x *ml.Array) ([]*ml.Array, error) {
	ndim := len(m.offsets[0])
	if x.Dim() != ndim+2 || x.Shape[1] != m.inChannels {
		return nil, fmt.Errorf("%w: input %v, expected (batch, %d, %d spatial)", ml.ErrShape, x.Shape, m.inChannels, ndim)
	}

	batch, spatial := x.Shape[0], x.Shape[2:]
	grid := ml.NewGrid(spatial...)
	voxels := grid.Size()

	aff := ml.NewArray(append([]int{batch, len(m.offsets)}, spatial...)...)
	var lsd *ml.Array
	if m.lsd != nil {
		lsd = ml.NewArray(append([]int{batch, m.lsd.weight.Shape[0]}, spatial...)...)
	}

	m.features = make([]*mat.Dense, batch)
	for b := range batch {
		features := m.featurize(x, b, grid)
		m.features[b] = features

		m.aff.forward(features, aff.Slice(b).Data, voxels)
		if lsd != nil {
			m.lsd.forward(features, lsd.Slice(b).Data, voxels)
		}
	}

	m.outputs = []*ml.Array{aff}
	if lsd != nil {
		m.outputs = append(m.outputs, lsd)
	}
	return m.outputs, nil
}

func (m *Model) featurize(x *ml.Array, b int, grid ml.Grid) *mat.Dense {
	voxels := grid.Size()
	stride := 1 + 2*len(m.offsets)
	features := mat.NewDense(voxels, m.inChannels*stride, nil)

	sample := x.Slice(b)
	for c := range m.inChannels {
		data := sample.Slice(c).Data
		for v := range voxels {
			col := c * stride
			features.Set(v, col, float64(data[v]))
			for k, o := range m.offsets {
				var shifted float64
				if j, ok := grid.Shift(v, o); ok {
					shifted = float64(data[j])
				}
				d := float64(data[v]) - shifted
				features.Set(v, col+1+2*k, shifted)
				features.Set(v, col+2+2*k, d*d)
			}
		}
	}
	return features
}

func (m *Model) Backward(grads []*ml.Array) error {
	if m.features == nil {
		return errNoForward
	}

	heads := []*head{&m.aff, m.lsd}
	for i, g := range grads {
		if g == nil {
			continue
		}
		if i >= len(m.outputs) || heads[i] == nil {
			return fmt.Errorf("shiftlinear: gradient for unknown output %d", i)
		}

		out := m.outputs[i]
		if g.Size() != out.Size() {
			return fmt.Errorf("%w: gradient %v for output %v", ml.ErrShape, g.Shape, out.Shape)
		}

		voxels := out.Size() / (out.Shape[0] * out.Shape[1])
		for b, features := range m.features {
			heads[i].backward(features, out.Slice(b).Data, g.Slice(b).Data, voxels)
		}
	}
	return nil
}

func init() {
	model.Register(Architecture, New)
}
