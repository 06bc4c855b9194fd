// Package display - Ergebnis-Senke fuer Trainings- und Inferenz-Ergebnisse
//
// Dieses Paket enthaelt:
// - NamedArray: Ein benanntes Array mit Achsen, Layer-Typ und Metadaten
// - Display: Schnittstelle zum Viewer (Upsert und Achsen-Labels)
// - Apply: Abgleich von Ergebnissen mit bestehenden Layern
// - Viewer: In-Process Layer-Speicher (viewer.go)
package display

import (
	"errors"
	"fmt"
	"slices"

	"github.com/affinities/affinities/ml"
)

// Fehler-Definitionen
var (
	ErrAxisMismatch  = errors.New("viewer axes do not match array axes")
	ErrShapeMismatch = errors.New("array shape does not match layer")
	ErrLayerNotFound = errors.New("layer not found")
)

// Achsen-Namen
const (
	AxisBatch    = "batch"
	AxisChannel  = "channel"
	AxisChannels = "channels"
)

// LayerKind ist der Darstellungstyp eines Layers
type LayerKind string

const (
	KindImage  LayerKind = "image"
	KindLabels LayerKind = "labels"
)

func (k LayerKind) Valid() bool {
	return k == KindImage || k == KindLabels
}

// NamedArray ist ein Ergebnis-Array mit Anzeige-Informationen
type NamedArray struct {
	Data     *ml.Array      `json:"data"`
	Name     string         `json:"name"`
	Axes     []string       `json:"axes"`
	Kind     LayerKind      `json:"kind"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Display ist die Schnittstelle, ueber die Ergebnisse angezeigt werden
type Display interface {
	// Upsert fuegt data an den Layer name an oder erstellt ihn
	// existed meldet, ob der Layer schon vorhanden war
	Upsert(name string, data *ml.Array, axes []string, kind LayerKind, metadata map[string]any) (existed bool, err error)

	AxisLabels() []string
	SetAxisLabels(labels []string)
}

// Merge haengt data entlang der Batch-Achse an existing an
// Beide werden zu (-1, *sample_shape) umgeformt, sample_shape ist alles
// nach der Batch-Achse von data (die ganze Form ohne Batch-Achse)
func Merge(existing, data *ml.Array, axes []string) (*ml.Array, error) {
	sample := SampleShape(data.Shape, axes)

	prev, err := existing.Reshape(append([]int{-1}, sample...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: layer %v, sample %v", ErrShapeMismatch, existing.Shape, sample)
	}

	next, err := data.Reshape(append([]int{-1}, sample...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: array %v, sample %v", ErrShapeMismatch, data.Shape, sample)
	}

	return ml.Concat(0, prev, next)
}

// SampleShape gibt die Form nach der Batch-Achse zurueck
func SampleShape(shape []int, axes []string) []int {
	batch := slices.Index(axes, AxisBatch)
	return slices.Clone(shape[batch+1:])
}

// SpatialAxes gibt alle Achsen ausser batch und channel zurueck
func SpatialAxes(axes []string) []string {
	var spatial []string
	for _, a := range axes {
		if a != AxisBatch && a != AxisChannel {
			spatial = append(spatial, a)
		}
	}
	return spatial
}

// Apply gleicht die Arrays mit dem Display ab
//
// Achsen-Labels werden neu gesetzt, wenn die Achsen eines Arrays keine
// gemeinsamen Namen mit den aktuellen Labels haben. Nach einem Anhaengen an
// einen bestehenden Layer bekommen die Labels ein fuehrendes "batch".
func Apply(d Display, arrays ...NamedArray) error {
	for _, a := range arrays {
		if a.Data == nil {
			return fmt.Errorf("array %s has no data", a.Name)
		}
		if len(a.Axes) != a.Data.Dim() {
			return fmt.Errorf("%w: %s has shape %v but axes %v", ErrAxisMismatch, a.Name, a.Data.Shape, a.Axes)
		}

		labels := d.AxisLabels()
		if !overlaps(labels, a.Axes) {
			spatial := SpatialAxes(a.Axes)
			if len(labels)-len(spatial) > 1 {
				return fmt.Errorf("%w: viewer has axes %v, expected ((channels), %v)", ErrAxisMismatch, labels, spatial)
			}

			if len(labels) > len(spatial) {
				labels = append([]string{AxisChannels}, spatial...)
			} else {
				labels = spatial
			}
			d.SetAxisLabels(labels)
		}

		kind := a.Kind
		if kind == "" {
			kind = KindImage
		}

		existed, err := d.Upsert(a.Name, a.Data, a.Axes, kind, a.Metadata)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Name, err)
		}

		if existed && (len(labels) == 0 || labels[0] != AxisBatch) {
			d.SetAxisLabels(append([]string{AxisBatch}, labels...))
		}
	}

	return nil
}

func overlaps(a, b []string) bool {
	for _, s := range a {
		if slices.Contains(b, s) {
			return true
		}
	}
	return false
}
