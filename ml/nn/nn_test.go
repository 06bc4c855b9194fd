package nn

import (
	"errors"
	"math"
	"testing"

	"github.com/affinities/affinities/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskedMSE(t *testing.T) {
	pred, _ := ml.FromData([]float32{1, 2, 3, 4}, 4)
	target, _ := ml.FromData([]float32{0, 0, 3, 0}, 4)
	mask, _ := ml.FromData([]float32{1, 1, 1, 0}, 4)

	loss, grad, err := MaskedMSE(pred, mask, target)
	require.NoError(t, err)

	// (1 + 4 + 0 + 0) / 4
	assert.InDelta(t, 1.25, loss, 1e-9)
	assert.InDeltaSlice(t, []float32{0.5, 1, 0, 0}, grad.Data, 1e-6)
}

func TestMaskedMSEShape(t *testing.T) {
	_, _, err := MaskedMSE(ml.NewArray(2), ml.NewArray(2), ml.NewArray(3))
	assert.True(t, errors.Is(err, ml.ErrShape))
}

func TestAdamMinimizes(t *testing.T) {
	p := NewParameter("w", 2)
	p.Value[0], p.Value[1] = 3, -2

	opt := NewAdam([]*Parameter{p}, 0.1)
	for range 500 {
		opt.ZeroGrad()
		for i, v := range p.Value {
			p.Grad[i] = 2 * v
		}
		opt.Step()
	}

	assert.Equal(t, 500, opt.Steps())
	assert.Less(t, p.Norm(), 0.5)
}

func TestAdamFirstStep(t *testing.T) {
	p := NewParameter("w", 1)
	p.Grad[0] = 4

	opt := NewAdam([]*Parameter{p}, 1e-3)
	opt.Step()

	// Erster Schritt nach Bias-Korrektur: -lr * sign(g)
	assert.InDelta(t, -1e-3, p.Value[0], 1e-9)
	assert.False(t, math.IsNaN(p.Value[0]))
}
