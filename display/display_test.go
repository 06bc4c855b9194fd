package display

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/affinities/affinities/ml"
)

func batchArray(t *testing.T, name string, shape ...int) NamedArray {
	t.Helper()
	data := ml.NewArray(shape...)
	for i := range data.Data {
		data.Data[i] = float32(i)
	}
	return NamedArray{
		Data: data,
		Name: name,
		Axes: []string{"batch", "channel", "y", "x"},
		Kind: KindImage,
	}
}

func TestApplyConcatenates(t *testing.T) {
	v := NewViewer()

	require.NoError(t, Apply(v, batchArray(t, "sample_raw", 2, 1, 4, 4)))
	if diff := cmp.Diff([]string{"y", "x"}, v.AxisLabels()); diff != "" {
		t.Errorf("Labels nach erstem Array (-want +got):\n%s", diff)
	}

	require.NoError(t, Apply(v, batchArray(t, "sample_raw", 3, 1, 4, 4)))

	layer, err := v.Layer("sample_raw")
	require.NoError(t, err)
	if diff := cmp.Diff([]int{5, 1, 4, 4}, layer.Data.Shape); diff != "" {
		t.Errorf("Shape nach Anhaengen (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"batch", "y", "x"}, v.AxisLabels()); diff != "" {
		t.Errorf("Labels nach Anhaengen (-want +got):\n%s", diff)
	}

	// Die ersten zwei Proben bleiben unveraendert vorne
	if got := layer.Data.At(1, 0, 3, 3); got != 31 {
		t.Errorf("At(1, 0, 3, 3) = %v, erwartet 31", got)
	}
	if got := layer.Data.At(2, 0, 0, 0); got != 0 {
		t.Errorf("At(2, 0, 0, 0) = %v, erwartet 0", got)
	}
}

func TestApplyIdempotentLabels(t *testing.T) {
	v := NewViewer()
	for range 4 {
		require.NoError(t, Apply(v, batchArray(t, "sample_aff_pred", 1, 2, 3, 3)))
	}

	if diff := cmp.Diff([]string{"batch", "y", "x"}, v.AxisLabels()); diff != "" {
		t.Errorf("Labels (-want +got):\n%s", diff)
	}

	layer, err := v.Layer("sample_aff_pred")
	require.NoError(t, err)
	if diff := cmp.Diff([]int{4, 2, 3, 3}, layer.Data.Shape); diff != "" {
		t.Errorf("Shape (-want +got):\n%s", diff)
	}
}

func TestApplyKeepsChannels(t *testing.T) {
	v := NewViewer()
	affs := NamedArray{
		Data:     ml.NewArray(2, 5, 5),
		Name:     "Affinities",
		Axes:     []string{"channel", "y", "x"},
		Kind:     KindImage,
		Metadata: map[string]any{"offsets": [][]int{{-1, 0}, {0, -1}}},
	}

	require.NoError(t, Apply(v, affs))
	require.NoError(t, Apply(v, affs))

	layer, err := v.Layer("Affinities")
	require.NoError(t, err)
	if diff := cmp.Diff([]int{2, 2, 5, 5}, layer.Data.Shape); diff != "" {
		t.Errorf("Kanal-Achse verloren (-want +got):\n%s", diff)
	}
	if _, ok := layer.Metadata["offsets"]; !ok {
		t.Error("offsets fehlen in den Metadaten")
	}

	// Inkompatible Kanalzahl darf nicht still umgeformt werden
	wrong := affs
	wrong.Data = ml.NewArray(3, 5, 5)
	err = Apply(v, wrong)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("erwartet ErrShapeMismatch, bekommen %v", err)
	}
}

func TestApplyAxisLabels(t *testing.T) {
	cases := []struct {
		name   string
		labels []string
		axes   []string
		want   []string
		err    error
	}{
		{
			name:   "channels prefix",
			labels: []string{"0", "1", "2"},
			axes:   []string{"channel", "y", "x"},
			want:   []string{"channels", "y", "x"},
		},
		{
			name:   "spatial only",
			labels: []string{"0", "1"},
			axes:   []string{"z", "y", "x"},
			want:   []string{"z", "y", "x"},
		},
		{
			name:   "overlap keeps labels",
			labels: []string{"a", "y", "x"},
			axes:   []string{"channel", "y", "x"},
			want:   []string{"a", "y", "x"},
		},
		{
			name:   "too many viewer axes",
			labels: []string{"0", "1", "2", "3"},
			axes:   []string{"batch", "channel", "y", "x"},
			want:   []string{"0", "1", "2", "3"},
			err:    ErrAxisMismatch,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViewer()
			v.SetAxisLabels(tt.labels)

			shape := make([]int, len(tt.axes))
			for i := range shape {
				shape[i] = 2
			}

			err := Apply(v, NamedArray{Data: ml.NewArray(shape...), Name: "a", Axes: tt.axes})
			if !errors.Is(err, tt.err) {
				t.Fatalf("erwartet %v, bekommen %v", tt.err, err)
			}
			if diff := cmp.Diff(tt.want, v.AxisLabels()); diff != "" {
				t.Errorf("Labels (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyKinds(t *testing.T) {
	v := NewViewer()
	gt := NamedArray{Data: ml.NewArray(1, 4, 4), Name: "sample_gt", Axes: []string{"batch", "y", "x"}, Kind: KindLabels}
	pred := NamedArray{Data: ml.NewArray(1, 4, 4), Name: "sample_pred", Axes: []string{"batch", "y", "x"}}

	require.NoError(t, Apply(v, gt, pred))

	layers := v.Layers()
	require.Len(t, layers, 2)
	if layers[0].Kind != KindLabels || layers[1].Kind != KindImage {
		t.Errorf("Layer-Typen %s, %s", layers[0].Kind, layers[1].Kind)
	}

	err := Apply(v, NamedArray{Data: ml.NewArray(2), Name: "bad", Axes: []string{"x"}, Kind: "points"})
	if err == nil {
		t.Error("erwartet Fehler fuer unbekannten Layer-Typ")
	}
}

func TestViewerLookup(t *testing.T) {
	v := NewViewer()
	var changes []string
	v.OnChange = func(name string) { changes = append(changes, name) }

	require.NoError(t, v.Add(&Layer{Name: "sample_raw", Kind: KindImage, Data: ml.NewArray(2, 2)}))

	_, err := v.Layer("sample_rwa")
	if !errors.Is(err, ErrLayerNotFound) || !strings.Contains(err.Error(), `did you mean "sample_raw"`) {
		t.Errorf("erwartet Vorschlag, bekommen %v", err)
	}

	_, err = v.Layer("something else entirely")
	if !errors.Is(err, ErrLayerNotFound) || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("erwartet keinen Vorschlag, bekommen %v", err)
	}

	require.NoError(t, v.Remove("sample_raw"))
	if err := v.Remove("sample_raw"); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("erwartet ErrLayerNotFound, bekommen %v", err)
	}

	if diff := cmp.Diff([]string{"sample_raw", "sample_raw"}, changes); diff != "" {
		t.Errorf("OnChange (-want +got):\n%s", diff)
	}
}

func TestViewerConcurrentMerge(t *testing.T) {
	v := NewViewer()
	require.NoError(t, Apply(v, batchArray(t, "sample_raw", 1, 1, 4, 4)))

	held, err := v.Layer("sample_raw")
	require.NoError(t, err)

	const merges = 50

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range merges {
			if err := Apply(v, batchArray(t, "sample_raw", 1, 1, 4, 4)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range merges {
			for _, l := range v.Layers() {
				if n := l.Data.Shape[0] * 16; n != len(l.Data.Data) {
					t.Errorf("%s: shape %v passt nicht zu %d Werten", l.Name, l.Data.Shape, len(l.Data.Data))
				}
			}
		}
	}()
	wg.Wait()

	// Frueher ausgegebene Layer sehen die Merges nicht
	if diff := cmp.Diff([]int{1, 1, 4, 4}, held.Data.Shape); diff != "" {
		t.Errorf("gehaltener Layer (-want +got):\n%s", diff)
	}

	layer, err := v.Layer("sample_raw")
	require.NoError(t, err)
	if diff := cmp.Diff([]int{merges + 1, 1, 4, 4}, layer.Data.Shape); diff != "" {
		t.Errorf("Shape nach Merges (-want +got):\n%s", diff)
	}
}

func TestDecodeImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	img.SetGray(0, 0, color.Gray{Y: 255})
	img.SetGray(2, 1, color.Gray{Y: 7})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	raw := buf.Bytes()

	a, err := DecodeImage(bytes.NewReader(raw), KindImage)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{2, 3}, a.Shape); diff != "" {
		t.Errorf("Shape (-want +got):\n%s", diff)
	}
	if got := a.At(0, 0); got != 1 {
		t.Errorf("At(0, 0) = %v, erwartet 1", got)
	}

	labels, err := DecodeImage(bytes.NewReader(raw), KindLabels)
	require.NoError(t, err)
	if got := labels.At(1, 2); got != 7 {
		t.Errorf("Label At(1, 2) = %v, erwartet 7", got)
	}

	if _, err := DecodeImage(strings.NewReader("not an image"), KindImage); err == nil {
		t.Error("erwartet Dekodierfehler")
	}
}
