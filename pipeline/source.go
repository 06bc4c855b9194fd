package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/envconfig"
	"github.com/affinities/affinities/logutil"
	"github.com/affinities/affinities/ml"
)

// Source erzeugt Batches aus zufaelligen, gespiegelten Crops der Eingabe-Layer
type Source struct {
	BatchSize int
	PatchSize int
	Prefetch  int
	LSDRadius int

	// Seed fuer reproduzierbare Crops, 0 waehlt einen zufaelligen Seed
	Seed uint64
}

// NewSource erstellt eine Source mit Werten aus der Umgebung
func NewSource() *Source {
	return &Source{
		BatchSize: int(envconfig.BatchSize()),
		PatchSize: int(envconfig.PatchSize()),
		Prefetch:  int(envconfig.Prefetch()),
		LSDRadius: int(envconfig.LSDRadius()),
	}
}

// volume ist ein Eingabe-Layer als (channel, *spatial)
type volume struct {
	channels int
	data     []float32
}

type sample struct {
	raw, affTarget, affMask, lsdTarget, lsdMask, gt, mask *ml.Array
}

type sourceHandle struct {
	src     *Source
	req     Request
	spatial []int
	patch   []int
	raw     volume
	gt      []float32
	mask    []float32

	cancel  context.CancelFunc
	g       *errgroup.Group
	batches chan sample
	once    sync.Once
}

func (s *Source) Open(ctx context.Context, req Request) (Handle, error) {
	if req.Spec == nil {
		return nil, errors.New("pipeline: no model")
	}
	if req.Raw == nil || req.Raw.Data == nil {
		return nil, fmt.Errorf("%w: raw", ErrMissingLayer)
	}
	if req.GT == nil || req.GT.Data == nil {
		return nil, fmt.Errorf("%w: gt", ErrMissingLayer)
	}

	ndim := req.Spec.NDim()
	raw := req.Raw.Data

	var channels int
	switch raw.Dim() {
	case ndim:
		channels = 1
	case ndim + 1:
		channels = raw.Shape[0]
	default:
		return nil, fmt.Errorf("%w: raw has shape %v, expected %d spatial dimensions", ErrLayerShape, raw.Shape, ndim)
	}
	if channels != req.Spec.InChannels {
		return nil, fmt.Errorf("%w: raw has %d channels, model expects %d", ErrLayerShape, channels, req.Spec.InChannels)
	}

	spatial := slices.Clone(raw.Shape[raw.Dim()-ndim:])
	if !slices.Equal(req.GT.Data.Shape, spatial) {
		return nil, fmt.Errorf("%w: gt %v, raw %v", ErrLayerShape, req.GT.Data.Shape, raw.Shape)
	}

	mask := make([]float32, req.GT.Data.Size())
	if req.Mask != nil && req.Mask.Data != nil {
		if !slices.Equal(req.Mask.Data.Shape, spatial) {
			return nil, fmt.Errorf("%w: mask %v, raw %v", ErrLayerShape, req.Mask.Data.Shape, raw.Shape)
		}
		copy(mask, req.Mask.Data.Data)
	} else {
		for i := range mask {
			mask[i] = 1
		}
	}

	if req.LSDs && req.Spec.LSDChannels != LSDChannels(ndim) {
		return nil, fmt.Errorf("%w: model has %d lsd channels, %dD descriptors have %d", ErrLayerShape, req.Spec.LSDChannels, ndim, LSDChannels(ndim))
	}

	patch := make([]int, ndim)
	for i, d := range spatial {
		patch[i] = min(max(s.PatchSize, 1), d)
	}

	seed := s.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	h := &sourceHandle{
		src:     s,
		req:     req,
		spatial: spatial,
		patch:   patch,
		raw:     volume{channels: channels, data: slices.Clone(raw.Data)},
		gt:      slices.Clone(req.GT.Data.Data),
		mask:    mask,
		cancel:  cancel,
		g:       g,
		batches: make(chan sample, max(s.Prefetch, 1)),
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	g.Go(func() error {
		defer close(h.batches)
		for {
			b, err := h.batch(rng)
			if err != nil {
				return err
			}

			select {
			case h.batches <- b:
			case <-ctx.Done():
				return nil
			}
		}
	})

	slog.Info("pipeline opened", "raw", req.Raw.Name, "gt", req.GT.Name, "lsds", req.LSDs, "shape", spatial, "patch", patch)
	return h, nil
}

// batch erzeugt einen Batch aus BatchSize zufaelligen Crops
func (h *sourceHandle) batch(rng *rand.Rand) (sample, error) {
	parts := make([]sample, max(h.src.BatchSize, 1))
	for i := range parts {
		parts[i] = h.crop(rng)
	}

	var b sample
	fields := []struct {
		dst **ml.Array
		get func(sample) *ml.Array
	}{
		{&b.raw, func(s sample) *ml.Array { return s.raw }},
		{&b.affTarget, func(s sample) *ml.Array { return s.affTarget }},
		{&b.affMask, func(s sample) *ml.Array { return s.affMask }},
		{&b.lsdTarget, func(s sample) *ml.Array { return s.lsdTarget }},
		{&b.lsdMask, func(s sample) *ml.Array { return s.lsdMask }},
		{&b.gt, func(s sample) *ml.Array { return s.gt }},
		{&b.mask, func(s sample) *ml.Array { return s.mask }},
	}

	for _, f := range fields {
		arrays := make([]*ml.Array, len(parts))
		for i, p := range parts {
			arrays[i] = f.get(p)
		}

		// ohne LSDs bleiben deren Felder leer
		if arrays[0] == nil {
			continue
		}

		var err error
		if *f.dst, err = ml.Stack(arrays...); err != nil {
			return sample{}, err
		}
	}
	return b, nil
}

// crop schneidet einen zufaelligen, zufaellig gespiegelten Patch aus
func (h *sourceHandle) crop(rng *rand.Rand) sample {
	ndim := len(h.spatial)
	origin := make([]int, ndim)
	mirror := make([]bool, ndim)
	for i := range ndim {
		origin[i] = rng.IntN(h.spatial[i] - h.patch[i] + 1)
		mirror[i] = rng.IntN(2) == 1
	}

	src := ml.NewGrid(h.spatial...)
	dst := ml.NewGrid(h.patch...)
	voxels := dst.Size()

	// index[v] ist das Quell-Voxel fuer Patch-Voxel v
	index := make([]int, voxels)
	coords := make([]int, 0, ndim)
	for v := range voxels {
		coords = dst.Coords(v, coords)
		for i, c := range coords {
			if mirror[i] {
				c = h.patch[i] - 1 - c
			}
			coords[i] = origin[i] + c
		}
		index[v] = src.Index(coords)
	}

	gather := func(data []float32, channels int) []float32 {
		out := make([]float32, channels*voxels)
		for c := range channels {
			plane := data[c*src.Size() : (c+1)*src.Size()]
			for v, j := range index {
				out[c*voxels+v] = plane[j]
			}
		}
		return out
	}

	raw := gather(h.raw.data, h.raw.channels)
	gt := gather(h.gt, 1)
	mask := gather(h.mask, 1)

	offsets := h.req.Spec.Offsets
	affTarget, affMask := Affinities(gt, mask, dst, offsets)

	s := sample{
		raw:       mustArray(raw, append([]int{h.raw.channels}, h.patch...)...),
		affTarget: mustArray(affTarget, append([]int{len(offsets)}, h.patch...)...),
		affMask:   mustArray(affMask, append([]int{len(offsets)}, h.patch...)...),
		gt:        mustArray(gt, h.patch...),
		mask:      mustArray(mask, h.patch...),
	}

	if h.req.LSDs {
		lsdTarget, lsdMask := LocalShapeDescriptors(gt, mask, dst, h.src.LSDRadius)
		channels := LSDChannels(ndim)
		s.lsdTarget = mustArray(lsdTarget, append([]int{channels}, h.patch...)...)
		s.lsdMask = mustArray(lsdMask, append([]int{channels}, h.patch...)...)
	}

	return s
}

func mustArray(data []float32, shape ...int) *ml.Array {
	a, err := ml.FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return a
}

func (h *sourceHandle) Next(ctx context.Context, snapshot bool) (Batch, []display.NamedArray, error) {
	select {
	case <-ctx.Done():
		return Batch{}, nil, ctx.Err()
	case s, ok := <-h.batches:
		if !ok {
			if err := h.g.Wait(); err != nil {
				return Batch{}, nil, err
			}
			return Batch{}, nil, ErrClosed
		}

		logutil.Trace("pipeline batch", "raw", s.raw, "snapshot", snapshot)

		b := Batch{Raw: s.raw, AffTarget: s.affTarget, AffMask: s.affMask, LSDTarget: s.lsdTarget, LSDMask: s.lsdMask}
		if !snapshot {
			return b, nil, nil
		}

		axes := append([]string{display.AxisBatch}, h.req.Spec.SpatialAxes()...)
		return b, []display.NamedArray{
			{Data: s.gt, Name: NameGT, Axes: axes, Kind: display.KindLabels},
			{Data: s.mask, Name: NameMask, Axes: slices.Clone(axes), Kind: display.KindLabels},
		}, nil
	}
}

func (h *sourceHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		for range h.batches {
		}
		if err = h.g.Wait(); errors.Is(err, context.Canceled) {
			err = nil
		}
		slog.Info("pipeline closed", "raw", h.req.Raw.Name)
	})
	return err
}
