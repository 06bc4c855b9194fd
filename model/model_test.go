package model_test

import (
	"archive/zip"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affinities/affinities/fs/ggml"
	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/model"
	_ "github.com/affinities/affinities/model/models"
)

const testRDF = `name: 2d-affinities
description: test model
inputs: [{name: raw, axes: bcyx}]
outputs: [{name: affinities, axes: bcyx}]
config:
  mws: {offsets: [[-1, 0], [0, -1]]}
  affinities: {architecture: shift-linear, in_channels: 1, lsd_channels: 6}
`

func writeModel(t *testing.T, dir, rdf string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rdf.yaml"), []byte(rdf), 0o644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, testRDF)

	spec, err := model.Load(t.Context(), dir)
	require.NoError(t, err)

	assert.Equal(t, "2d-affinities", spec.Name)
	assert.Equal(t, 2, spec.NDim())
	assert.Equal(t, []string{"y", "x"}, spec.SpatialAxes())
	assert.Equal(t, "bcyx", spec.InputAxes())
	assert.Equal(t, 6, spec.LSDChannels)
	assert.Empty(t, spec.WeightsPath())

	// Pfad der rdf.yaml direkt
	spec, err = model.Load(t.Context(), filepath.Join(dir, "rdf.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, spec.Root)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"missing":         filepath.Join(dir, "missing"),
		"no offsets":      "name: x\nconfig: {mws: {offsets: []}}\n",
		"ragged offsets":  "name: x\nconfig: {mws: {offsets: [[1, 0], [1]]}}\n",
		"missing weights": testRDF + "weights: {gguf: {source: nope.gguf}}\n",
		"only pytorch":    testRDF + "weights: {pytorch_state_dict: {source: weights.pt}}\n",
		"bad axes":        "name: x\ninputs: [{name: raw, axes: cyx}]\nconfig: {mws: {offsets: [[1, 0]]}}\n",
		"unknown arch":    "name: x\nconfig: {mws: {offsets: [[1, 0]]}, affinities: {architecture: unet}}\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			locator := content
			if name != "missing" {
				locator = filepath.Join(t.TempDir(), "m")
				writeModel(t, locator, content)
			}

			_, err := model.Load(t.Context(), locator)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrModelLoad))

			var lerr *model.LoadError
			require.True(t, errors.As(err, &lerr))
			assert.Equal(t, locator, lerr.Locator)

			if name == "unknown arch" {
				assert.True(t, errors.Is(err, model.ErrUnsupportedModel))
			}
		})
	}
}

func TestLoadZip(t *testing.T) {
	t.Setenv("AFFINITIES_MODELS", t.TempDir())

	archive := filepath.Join(t.TempDir(), "model.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	w, err := zw.Create("affinities/rdf.yaml")
	require.NoError(t, err)
	_, err = w.Write([]byte(testRDF))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	spec, err := model.Load(t.Context(), archive)
	require.NoError(t, err)
	assert.Equal(t, "2d-affinities", spec.Name)
	assert.FileExists(t, filepath.Join(spec.Root, "rdf.yaml"))
}

func TestLoadURL(t *testing.T) {
	t.Setenv("AFFINITIES_MODELS", t.TempDir())

	// Gewichte eines frischen Netzes als Download-Quelle
	src := t.TempDir()
	writeModel(t, src, testRDF)
	spec, err := model.Load(t.Context(), src)
	require.NoError(t, err)
	h, err := model.Open(spec)
	require.NoError(t, err)
	require.NoError(t, h.Save(filepath.Join(src, "weights.gguf")))

	rdf := testRDF + "weights: {gguf: {source: weights.gguf}}\n"
	require.NoError(t, os.WriteFile(filepath.Join(src, "rdf.yaml"), []byte(rdf), 0o644))

	srv := httptest.NewServer(http.FileServer(http.Dir(src)))
	defer srv.Close()

	spec, err = model.Load(t.Context(), srv.URL+"/")
	require.NoError(t, err)
	assert.FileExists(t, spec.WeightsPath())

	_, err = model.Load(t.Context(), srv.URL+"/missing/rdf.yaml")
	assert.True(t, errors.Is(err, model.ErrModelLoad))
}

func TestWithWeights(t *testing.T) {
	spec := &model.Spec{
		Name:         "a",
		Architecture: "shift-linear",
		Offsets:      [][]int{{1, 0}},
		Root:         "/models/a",
		Weights:      model.Weights{Format: "gguf", Source: "weights.gguf"},
	}

	derived := spec.WithWeights("/tmp/checkpoints/3.gguf")
	derived.Offsets[0][0] = 7

	assert.Equal(t, "/models/a/weights.gguf", spec.WeightsPath())
	assert.Equal(t, "/tmp/checkpoints/3.gguf", derived.WeightsPath())
	assert.Equal(t, 1, spec.Offsets[0][0], "WithWeights darf die Offsets nicht teilen")
}

func TestCheckpointAndPredict(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, testRDF)

	spec, err := model.Load(t.Context(), dir)
	require.NoError(t, err)

	h, err := model.Open(spec)
	require.NoError(t, err)

	// Gewichte veraendern, damit der Checkpoint vom frischen Netz abweicht
	for _, p := range h.Module().Parameters() {
		for i := range p.Value {
			p.Value[i] += 0.25
		}
	}

	ckpt, err := h.Checkpoint(filepath.Join(dir, "checkpoints"), 12)
	require.NoError(t, err)
	assert.Equal(t, 12, ckpt.Iteration)
	assert.Equal(t, filepath.Join(dir, "checkpoints", "12.gguf"), ckpt.Path)

	restored, err := model.Open(spec.WithWeights(ckpt.Path))
	require.NoError(t, err)
	if diff := cmp.Diff(h.Module().Parameters()[0].Value, restored.Module().Parameters()[0].Value, cmp.Comparer(func(a, b float64) bool {
		return a-b < 1e-6 && b-a < 1e-6
	})); diff != "" {
		t.Errorf("Checkpoint-Gewichte (-want +got):\n%s", diff)
	}

	x := ml.NewArray(1, 4, 5)
	affs, err := model.Predict(t.Context(), spec.WithWeights(ckpt.Path), x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 5}, affs.Shape)

	_, err = model.Predict(t.Context(), spec.WithWeights(filepath.Join(dir, "missing.gguf")), x)
	assert.Error(t, err)
}

func TestSaveF16(t *testing.T) {
	t.Setenv("AFFINITIES_F16_WEIGHTS", "1")

	dir := t.TempDir()
	writeModel(t, dir, testRDF)

	spec, err := model.Load(t.Context(), dir)
	require.NoError(t, err)
	h, err := model.Open(spec)
	require.NoError(t, err)

	for _, p := range h.Module().Parameters() {
		for i := range p.Value {
			p.Value[i] = 0.5
		}
	}

	ckpt, err := h.Checkpoint(filepath.Join(dir, "checkpoints"), 3)
	require.NoError(t, err)

	f, err := ggml.Open(ckpt.Path)
	require.NoError(t, err)
	require.NotEmpty(t, f.Tensors)
	for _, tensor := range f.Tensors {
		assert.Equal(t, ggml.TensorTypeF16, tensor.Kind, tensor.Name)
	}

	// 0.5 ist in F16 exakt darstellbar
	restored, err := model.Open(spec.WithWeights(ckpt.Path))
	require.NoError(t, err)
	for _, p := range restored.Module().Parameters() {
		for _, v := range p.Value {
			require.Equal(t, 0.5, v, p.Name)
		}
	}
}

func TestOpenUnsupported(t *testing.T) {
	_, err := model.Open(&model.Spec{Architecture: "unet", Offsets: [][]int{{1}}})
	assert.True(t, errors.Is(err, model.ErrUnsupportedModel))
}
