package ml

import "slices"

// Grid maps between flat offsets and coordinates of a row-major shape.
type Grid struct {
	Shape   []int
	strides []int
}

func NewGrid(shape ...int) Grid {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return Grid{Shape: slices.Clone(shape), strides: strides}
}

func (g Grid) Size() int {
	return numel(g.Shape)
}

// Coords writes the coordinates of offset i into dst and returns it.
func (g Grid) Coords(i int, dst []int) []int {
	dst = dst[:0]
	for _, s := range g.strides {
		dst = append(dst, i/s)
		i %= s
	}
	return dst
}

func (g Grid) Index(coords []int) int {
	off := 0
	for i, c := range coords {
		off += c * g.strides[i]
	}
	return off
}

// Shift returns the offset of i moved by offset, or false if it leaves the grid.
func (g Grid) Shift(i int, offset []int) (int, bool) {
	j := 0
	for k, s := range g.strides {
		c := i/s + offset[k]
		if c < 0 || c >= g.Shape[k] {
			return 0, false
		}
		j += c * s
		i %= s
	}
	return j, true
}
