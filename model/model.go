// Package model - Netz-Interface, Registry und Gewichts-Verwaltung
//
// Dieses Paket definiert das Module-Interface und stellt Funktionen
// zum Erstellen, Speichern und Ausfuehren von Affinitaets-Netzen bereit.
//
// Hauptkomponenten:
// - Spec: Geladene Modell-Beschreibung (spec.go)
// - Load: Laedt Beschreibungen aus Archiven, Ordnern oder URLs (load.go)
// - Module: Interface fuer alle Netz-Architekturen
// - Register: Registriert Architektur-Konstruktoren
// - Handle: Netz mit Gewichten, Checkpoints und Speichern
// - Predict: Zustandslose Vorhersage mit frischem Netz
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/affinities/affinities/envconfig"
	"github.com/affinities/affinities/fs/ggml"
	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/ml/nn"
)

// Fehler-Definitionen
var (
	ErrUnsupportedModel = errors.New("model architecture not supported")
	ErrWeights          = errors.New("weights do not match model")
)

// Module ist ein trainierbares Netz
// Forward erwartet (batch, channel, *spatial) und gibt Affinitaeten
// und, falls vorhanden, LSDs mit gleicher Form zurueck
type Module interface {
	Forward(x *ml.Array) ([]*ml.Array, error)

	// Backward akkumuliert Gradienten des letzten Forward-Aufrufs
	// Ein nil-Gradient steht fuer einen unbenutzten Ausgang
	Backward(grads []*ml.Array) error

	Parameters() []*nn.Parameter
}

// models speichert registrierte Architektur-Konstruktoren
var models = make(map[string]func(*Spec) (Module, error))

// Register registriert einen Konstruktor fuer eine Architektur
func Register(name string, f func(*Spec) (Module, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New erstellt ein frisch initialisiertes Netz fuer spec
func New(spec *Spec) (Module, error) {
	f, ok := models[spec.Architecture]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, spec.Architecture)
	}

	return f(spec)
}

// Checkpoint beschreibt eine geschriebene Gewichtsdatei
type Checkpoint struct {
	Iteration int    `json:"iteration"`
	Path      string `json:"path"`
}

// Handle verbindet eine Spec mit einem Netz
type Handle struct {
	Spec   *Spec
	module Module
}

// Open erstellt das Netz fuer spec und laedt vorhandene Gewichte
func Open(spec *Spec) (*Handle, error) {
	m, err := New(spec)
	if err != nil {
		return nil, err
	}

	if p := spec.WeightsPath(); p != "" {
		if err := loadWeights(p, spec, m.Parameters()); err != nil {
			return nil, err
		}
	}

	return &Handle{Spec: spec, module: m}, nil
}

func (h *Handle) Module() Module {
	return h.module
}

// Save schreibt die aktuellen Gewichte als GGUF nach path
func (h *Handle) Save(path string) error {
	return h.save(path, nil)
}

// Checkpoint schreibt die Gewichte nach <dir>/<iteration>.gguf
func (h *Handle) Checkpoint(dir string, iteration int) (Checkpoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Checkpoint{}, err
	}

	path := filepath.Join(dir, strconv.Itoa(iteration)+".gguf")
	if err := h.save(path, ggml.KV{"iteration": uint64(iteration)}); err != nil {
		return Checkpoint{}, err
	}

	return Checkpoint{Iteration: iteration, Path: path}, nil
}

func (h *Handle) save(path string, extra ggml.KV) error {
	kv := ggml.KV{
		"general.architecture": h.Spec.Architecture,
		"general.name":         h.Spec.Name,
		"ndim":                 uint32(h.Spec.NDim()),
		"offsets":              flatten(h.Spec.Offsets),
		"in_channels":          uint32(h.Spec.InChannels),
		"lsd_channels":         uint32(h.Spec.LSDChannels),
	}
	for k, v := range extra {
		kv[k] = v
	}

	kind := ggml.TensorTypeF32
	if envconfig.F16Weights() {
		kind = ggml.TensorTypeF16
	}

	params := h.module.Parameters()
	ts := make([]*ggml.Tensor, 0, len(params))
	for _, p := range params {
		values := make([]float32, len(p.Value))
		for i, v := range p.Value {
			values[i] = float32(v)
		}

		shape := make([]uint64, len(p.Shape))
		for i, d := range p.Shape {
			shape[i] = uint64(d)
		}

		t, err := ggml.NewTensor(p.Name, kind, values, shape...)
		if err != nil {
			return err
		}
		ts = append(ts, t)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := ggml.WriteGGUF(f, kv, ts); err != nil {
		f.Close()
		return err
	}

	slog.Debug("saved weights", "path", path, "tensors", len(ts), "kind", kind)
	return f.Close()
}

func flatten(offsets [][]int) []int32 {
	var s []int32
	for _, o := range offsets {
		for _, v := range o {
			s = append(s, int32(v))
		}
	}
	return s
}

// loadWeights liest die Parameter aus einem GGUF-File
func loadWeights(path string, spec *Spec, params []*nn.Parameter) error {
	f, err := ggml.Open(path)
	if err != nil {
		return fmt.Errorf("weights %s: %w", path, err)
	}

	if arch := f.KV.Architecture(); arch != spec.Architecture {
		return fmt.Errorf("%w: %s has architecture %q, expected %q", ErrWeights, path, arch, spec.Architecture)
	}

	for _, p := range params {
		values, t, ok := f.Values(p.Name)
		if !ok {
			return fmt.Errorf("%w: %s is missing tensor %s", ErrWeights, path, p.Name)
		}

		shape := make([]int, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int(d)
		}
		if !slices.Equal(shape, p.Shape) {
			return fmt.Errorf("%w: tensor %s has shape %v, expected %v", ErrWeights, p.Name, shape, p.Shape)
		}

		for i, v := range values {
			p.Value[i] = float64(v)
		}
	}

	return nil
}

// Predict fuehrt x durch ein frisch gebautes Netz mit den Gewichten aus spec
// x hat eine fuehrende Batch-Achse, eine Kanal-Achse wird ergaenzt falls
// die Eingangs-Achsen eine erwarten. Das Ergebnis sind die Affinitaeten.
func Predict(ctx context.Context, spec *Spec, x *ml.Array) (*ml.Array, error) {
	h, err := Open(spec)
	if err != nil {
		return nil, err
	}

	if axes := spec.InputAxes(); len(axes) == x.Dim()+1 && len(axes) > 1 && axes[1] == AxisChannel {
		shape := slices.Insert(slices.Clone(x.Shape), 1, 1)
		if x, err = x.Reshape(shape...); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := h.module.Forward(x)
	if err != nil {
		return nil, err
	}

	return out[0], nil
}
