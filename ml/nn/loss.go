package nn

import (
	"fmt"
	"slices"

	"github.com/affinities/affinities/ml"
)

// MaskedMSE returns mean((pred*mask - target*mask)^2) and its gradient with respect to pred.
func MaskedMSE(pred, mask, target *ml.Array) (float64, *ml.Array, error) {
	if !slices.Equal(pred.Shape, target.Shape) || !slices.Equal(pred.Shape, mask.Shape) {
		return 0, nil, fmt.Errorf("%w: prediction %v, target %v, mask %v", ml.ErrShape, pred.Shape, target.Shape, mask.Shape)
	}

	grad := ml.NewArray(pred.Shape...)
	n := float64(pred.Size())
	if n == 0 {
		return 0, grad, nil
	}

	var sum float64
	for i, p := range pred.Data {
		m := float64(mask.Data[i])
		d := float64(p)*m - float64(target.Data[i])*m
		sum += d * d
		grad.Data[i] = float32(2 * d * m / n)
	}

	return sum / n, grad, nil
}

// Scale multiplies every element of a by s in place.
func Scale(a *ml.Array, s float64) *ml.Array {
	for i := range a.Data {
		a.Data[i] = float32(float64(a.Data[i]) * s)
	}
	return a
}
