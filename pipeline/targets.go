package pipeline

import (
	"github.com/affinities/affinities/ml"
)

// Affinities berechnet Affinitaets-Ziel und -Maske fuer ein Label-Volumen
//
// target[k, v] = 1 wenn gt[v] == gt[v+o_k] != 0
// mask[k, v] = 1 wenn v+o_k im Volumen liegt und mask[v], mask[v+o_k] gesetzt sind
func Affinities(gt, mask []float32, grid ml.Grid, offsets [][]int) (target, affMask []float32) {
	voxels := grid.Size()
	target = make([]float32, len(offsets)*voxels)
	affMask = make([]float32, len(offsets)*voxels)

	for k, o := range offsets {
		for v := range voxels {
			j, ok := grid.Shift(v, o)
			if !ok {
				continue
			}

			if mask[v] != 0 && mask[j] != 0 {
				affMask[k*voxels+v] = 1
			}
			if gt[v] != 0 && gt[v] == gt[j] {
				target[k*voxels+v] = 1
			}
		}
	}
	return target, affMask
}

// LSDChannels gibt die Anzahl der Local Shape Descriptor Kanaele zurueck:
// Mittelwert-Offset (ndim), Varianzen (ndim), Kovarianzen und Groesse
func LSDChannels(ndim int) int {
	return ndim + ndim + ndim*(ndim-1)/2 + 1
}

// LocalShapeDescriptors berechnet LSDs in einem Fenster mit Radius radius
//
// Fuer jedes Voxel mit Label l werden die Voxel gleichen Labels im Fenster
// betrachtet. Alle Kanaele liegen in [0, 1]. Die Maske ist gt != 0 und mask.
func LocalShapeDescriptors(gt, mask []float32, grid ml.Grid, radius int) (target, lsdMask []float32) {
	ndim := len(grid.Shape)
	channels := LSDChannels(ndim)
	voxels := grid.Size()

	target = make([]float32, channels*voxels)
	lsdMask = make([]float32, channels*voxels)
	if radius < 1 {
		radius = 1
	}

	window := ml.NewGrid(repeat(2*radius+1, ndim)...)
	offset := make([]int, ndim)
	coords := make([]int, 0, ndim)

	mean := make([]float64, ndim)
	second := make([]float64, ndim*ndim)

	r := float64(radius)
	for v := range voxels {
		label := gt[v]
		if label == 0 {
			continue
		}

		clear(mean)
		clear(second)
		var count float64
		for w := range window.Size() {
			coords = window.Coords(w, coords)
			for i := range coords {
				offset[i] = coords[i] - radius
			}

			j, ok := grid.Shift(v, offset)
			if !ok || gt[j] != label {
				continue
			}

			count++
			for a := range ndim {
				mean[a] += float64(offset[a])
				for b := range ndim {
					second[a*ndim+b] += float64(offset[a] * offset[b])
				}
			}
		}

		// count >= 1, das Zentrum gehoert immer dazu
		for a := range ndim {
			mean[a] /= count
		}

		c := 0
		set := func(val float64) {
			target[c*voxels+v] = float32(min(max(val, 0), 1))
			c++
		}

		for a := range ndim {
			set(mean[a]/(2*r) + 0.5)
		}
		for a := range ndim {
			set((second[a*ndim+a]/count - mean[a]*mean[a]) / (r * r))
		}
		for a := range ndim {
			for b := a + 1; b < ndim; b++ {
				set((second[a*ndim+b]/count-mean[a]*mean[b])/(2*r*r) + 0.5)
			}
		}
		set(count / float64(window.Size()))

		if mask[v] != 0 {
			for c := range channels {
				lsdMask[c*voxels+v] = 1
			}
		}
	}

	return target, lsdMask
}

func repeat(v, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}
