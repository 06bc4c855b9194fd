package shiftlinear

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/model"
)

func testSpec(lsds int) *model.Spec {
	return &model.Spec{
		Architecture: Architecture,
		Offsets:      [][]int{{-1, 0}, {0, -1}},
		InChannels:   1,
		LSDChannels:  lsds,
	}
}

func testInput(t *testing.T) *ml.Array {
	x, err := ml.FromData([]float32{
		0.1, 0.5, 0.9,
		0.3, 0.2, 0.8,
		0.7, 0.4, 0.6,
	}, 1, 1, 3, 3)
	require.NoError(t, err)
	return x
}

func TestForwardShapes(t *testing.T) {
	m, err := New(testSpec(6))
	require.NoError(t, err)

	out, err := m.Forward(testInput(t))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, []int{1, 2, 3, 3}, out[0].Shape)
	assert.Equal(t, []int{1, 6, 3, 3}, out[1].Shape)
	for _, v := range out[0].Data {
		assert.True(t, v > 0 && v < 1, "sigmoid output %v out of range", v)
	}

	_, err = m.Forward(ml.NewArray(1, 1, 3))
	assert.True(t, errors.Is(err, ml.ErrShape))

	_, err = m.Forward(ml.NewArray(1, 2, 3, 3))
	assert.True(t, errors.Is(err, ml.ErrShape))
}

func TestDeterministicInit(t *testing.T) {
	a, err := New(testSpec(0))
	require.NoError(t, err)
	b, err := New(testSpec(0))
	require.NoError(t, err)

	assert.Equal(t, a.Parameters()[0].Value, b.Parameters()[0].Value)
	assert.Len(t, a.Parameters(), 2)
}

func TestBackwardWithoutForward(t *testing.T) {
	m, err := New(testSpec(0))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Backward([]*ml.Array{nil}), errNoForward)
}

// Gradienten gegen zentrale Differenzen pruefen
// Loss: sum(out_i * r_i) ueber alle Ausgaenge
func TestGradients(t *testing.T) {
	m, err := New(testSpec(6))
	require.NoError(t, err)
	x := testInput(t)

	weights := func(a *ml.Array) *ml.Array {
		w := ml.NewArray(a.Shape...)
		for i := range w.Data {
			w.Data[i] = float32(i%5) - 2
		}
		return w
	}

	loss := func() float64 {
		out, err := m.Forward(x)
		require.NoError(t, err)

		var sum float64
		for _, o := range out {
			r := weights(o)
			for i := range o.Data {
				sum += float64(o.Data[i]) * float64(r.Data[i])
			}
		}
		return sum
	}

	out, err := m.Forward(x)
	require.NoError(t, err)
	for _, p := range m.Parameters() {
		clear(p.Grad)
	}
	require.NoError(t, m.Backward([]*ml.Array{weights(out[0]), weights(out[1])}))

	const eps = 1e-2
	for _, p := range m.Parameters() {
		for _, i := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[i]

			p.Value[i] = orig + eps
			plus := loss()
			p.Value[i] = orig - eps
			minus := loss()
			p.Value[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad[i], 1e-2+1e-2*abs(numeric), "%s[%d]", p.Name, i)
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
