package pipeline

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/model"
)

func testSpec(lsdChannels int) *model.Spec {
	return &model.Spec{
		Name:         "test",
		Architecture: "shift-linear",
		Offsets:      [][]int{{-1, 0}, {0, -1}},
		Inputs:       []model.TensorSpec{{Name: "raw", Axes: "bcyx"}},
		Outputs:      []model.TensorSpec{{Name: "affinities", Axes: "bcyx"}},
		InChannels:   1,
		LSDChannels:  lsdChannels,
	}
}

func layer(t *testing.T, name string, kind display.LayerKind, data []float32, shape ...int) *display.Layer {
	t.Helper()
	a, err := ml.FromData(data, shape...)
	require.NoError(t, err)
	return &display.Layer{Name: name, Kind: kind, Data: a}
}

func TestAffinities(t *testing.T) {
	// 2x3 Labels
	gt := []float32{
		1, 1, 2,
		1, 0, 2,
	}
	mask := []float32{
		1, 1, 1,
		1, 1, 0,
	}

	target, affMask := Affinities(gt, mask, ml.NewGrid(2, 3), [][]int{{-1, 0}, {0, -1}})

	wantTarget := []float32{
		// (-1, 0): erste Zeile hat keinen Nachbarn
		0, 0, 0,
		1, 0, 1,
		// (0, -1): erste Spalte hat keinen Nachbarn
		0, 1, 0,
		0, 0, 0,
	}
	wantMask := []float32{
		0, 0, 0,
		1, 1, 0,
		0, 1, 1,
		0, 1, 0,
	}

	if diff := cmp.Diff(wantTarget, target); diff != "" {
		t.Errorf("target (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantMask, affMask); diff != "" {
		t.Errorf("mask (-want +got):\n%s", diff)
	}
}

func TestLSDChannels(t *testing.T) {
	for ndim, want := range map[int]int{1: 3, 2: 6, 3: 10} {
		if got := LSDChannels(ndim); got != want {
			t.Errorf("LSDChannels(%d) = %d, erwartet %d", ndim, got, want)
		}
	}
}

func TestLocalShapeDescriptors(t *testing.T) {
	grid := ml.NewGrid(5, 5)
	gt := make([]float32, grid.Size())
	mask := make([]float32, grid.Size())
	for i := range gt {
		mask[i] = 1
		// linke Haelfte Label 1, rechte Spalten Label 2, Mitte Hintergrund
		switch i % 5 {
		case 0, 1:
			gt[i] = 1
		case 3, 4:
			gt[i] = 2
		}
	}

	target, lsdMask := LocalShapeDescriptors(gt, mask, grid, 2)
	require.Len(t, target, 6*grid.Size())

	for i, v := range target {
		if v < 0 || v > 1 {
			t.Fatalf("target[%d] = %v liegt nicht in [0, 1]", i, v)
		}
	}

	// Hintergrund ist maskiert
	center := grid.Index([]int{2, 2})
	for c := range 6 {
		if lsdMask[c*grid.Size()+center] != 0 {
			t.Errorf("Kanal %d: Hintergrund nicht maskiert", c)
		}
	}

	// In Spalte 0 liegt das Objekt rechts, der mittlere x-Offset ist positiv
	left := grid.Index([]int{2, 0})
	if got := target[1*grid.Size()+left]; got <= 0.5 {
		t.Errorf("mittlerer x-Offset = %v, erwartet > 0.5", got)
	}
	// Symmetrisch in y
	if got := target[0*grid.Size()+left]; got != 0.5 {
		t.Errorf("mittlerer y-Offset = %v, erwartet 0.5", got)
	}
	if lsdMask[left] != 1 {
		t.Error("Objekt-Voxel ist maskiert")
	}
}

func TestSourceOpenErrors(t *testing.T) {
	raw := layer(t, "raw", display.KindImage, make([]float32, 16), 4, 4)
	gt := layer(t, "gt", display.KindLabels, make([]float32, 16), 4, 4)

	cases := []struct {
		name string
		req  Request
		err  error
	}{
		{"no raw", Request{GT: gt, Spec: testSpec(0)}, ErrMissingLayer},
		{"no gt", Request{Raw: raw, Spec: testSpec(0)}, ErrMissingLayer},
		{"gt shape", Request{Raw: raw, GT: layer(t, "gt", display.KindLabels, make([]float32, 12), 3, 4), Spec: testSpec(0)}, ErrLayerShape},
		{"mask shape", Request{Raw: raw, GT: gt, Mask: layer(t, "m", display.KindLabels, make([]float32, 4), 2, 2), Spec: testSpec(0)}, ErrLayerShape},
		{"raw dims", Request{Raw: layer(t, "raw", display.KindImage, make([]float32, 4), 4), GT: gt, Spec: testSpec(0)}, ErrLayerShape},
		{"raw channels", Request{Raw: layer(t, "raw", display.KindImage, make([]float32, 32), 2, 4, 4), GT: gt, Spec: testSpec(0)}, ErrLayerShape},
		{"lsd channels", Request{Raw: raw, GT: gt, LSDs: true, Spec: testSpec(3)}, ErrLayerShape},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			src := &Source{BatchSize: 1, PatchSize: 4, Prefetch: 1, LSDRadius: 1, Seed: 1}
			_, err := src.Open(t.Context(), tt.req)
			if !errors.Is(err, tt.err) {
				t.Errorf("erwartet %v, bekommen %v", tt.err, err)
			}
		})
	}
}

func TestSourceNext(t *testing.T) {
	raw := make([]float32, 8*8)
	gt := make([]float32, 8*8)
	for i := range raw {
		raw[i] = float32(i) / 64
		gt[i] = float32(i/16 + 1)
	}

	src := &Source{BatchSize: 2, PatchSize: 4, Prefetch: 2, LSDRadius: 1, Seed: 42}
	h, err := src.Open(t.Context(), Request{
		Raw:  layer(t, "raw", display.KindImage, raw, 8, 8),
		GT:   layer(t, "gt", display.KindLabels, gt, 8, 8),
		LSDs: true,
		Spec: testSpec(6),
	})
	require.NoError(t, err)
	defer h.Close()

	b, snapshot, err := h.Next(t.Context(), false)
	require.NoError(t, err)
	if snapshot != nil {
		t.Errorf("ohne Snapshot erwartet keine Arrays, bekommen %d", len(snapshot))
	}

	shapes := map[string][]int{
		NameRaw:       {2, 1, 4, 4},
		NameAffTarget: {2, 2, 4, 4},
		NameAffMask:   {2, 2, 4, 4},
		NameLSDTarget: {2, 6, 4, 4},
		NameLSDMask:   {2, 6, 4, 4},
	}
	arrays := b.Arrays([]string{"y", "x"})
	require.Len(t, arrays, len(shapes))
	for _, a := range arrays {
		if diff := cmp.Diff(shapes[a.Name], a.Data.Shape); diff != "" {
			t.Errorf("%s (-want +got):\n%s", a.Name, diff)
		}
		if diff := cmp.Diff([]string{"batch", "channel", "y", "x"}, a.Axes); diff != "" {
			t.Errorf("%s Achsen (-want +got):\n%s", a.Name, diff)
		}
	}

	_, snapshot, err = h.Next(t.Context(), true)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	if snapshot[0].Name != NameGT || snapshot[1].Name != NameMask {
		t.Errorf("Snapshot-Namen %s, %s", snapshot[0].Name, snapshot[1].Name)
	}
	if snapshot[0].Kind != display.KindLabels {
		t.Errorf("Snapshot-Typ %s", snapshot[0].Kind)
	}
	if diff := cmp.Diff([]int{2, 4, 4}, snapshot[0].Data.Shape); diff != "" {
		t.Errorf("Snapshot-Shape (-want +got):\n%s", diff)
	}

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	if _, _, err := h.Next(t.Context(), false); !errors.Is(err, ErrClosed) {
		t.Errorf("erwartet ErrClosed, bekommen %v", err)
	}
}

func TestSourceSmallVolume(t *testing.T) {
	src := &Source{BatchSize: 1, PatchSize: 64, Prefetch: 1, LSDRadius: 1, Seed: 7}
	h, err := src.Open(t.Context(), Request{
		Raw:  layer(t, "raw", display.KindImage, make([]float32, 6), 1, 2, 3),
		GT:   layer(t, "gt", display.KindLabels, []float32{1, 1, 1, 2, 2, 2}, 2, 3),
		Spec: testSpec(0),
	})
	require.NoError(t, err)
	defer h.Close()

	b, _, err := h.Next(t.Context(), false)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{1, 1, 2, 3}, b.Raw.Shape); diff != "" {
		t.Errorf("Patch wird auf das Volumen begrenzt (-want +got):\n%s", diff)
	}
	if b.LSDTarget != nil {
		t.Error("LSD-Ziel ohne LSDs")
	}
}
