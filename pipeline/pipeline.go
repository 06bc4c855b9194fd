// Package pipeline - Trainingsdaten fuer Affinitaets-Netze
//
// Dieses Paket enthaelt:
// - Provider/Handle: Lebenszyklus einer offenen Pipeline
// - Request: Eingabe-Layer und Optionen
// - Batch: Ein Trainings-Batch mit Zielen und Masken
// - Source: Zufaellige Crops mit Spiegelung und Prefetch (source.go)
// - Affinitaets- und LSD-Ziele (targets.go)
package pipeline

import (
	"context"
	"errors"
	"slices"

	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/model"
)

// Fehler-Definitionen
var (
	ErrMissingLayer = errors.New("pipeline: missing input layer")
	ErrLayerShape   = errors.New("pipeline: layer shapes do not match")
	ErrClosed       = errors.New("pipeline: closed")
)

// Namen der emittierten Arrays
const (
	NameRaw       = "sample_raw"
	NameAffTarget = "sample_aff_target"
	NameAffMask   = "sample_aff_mask"
	NameLSDTarget = "sample_lsd_target"
	NameLSDMask   = "sample_lsd_mask"
	NameGT        = "sample_gt"
	NameMask      = "sample_mask"
)

// Request beschreibt die Eingaben einer Pipeline
type Request struct {
	Raw  *display.Layer
	GT   *display.Layer
	Mask *display.Layer // optional
	LSDs bool
	Spec *model.Spec
}

// Batch ist ein Trainings-Batch
// Alle Arrays teilen Batch-Groesse und raeumliche Ausdehnung,
// LSDTarget und LSDMask sind nur mit LSDs gesetzt
type Batch struct {
	Raw       *ml.Array
	AffTarget *ml.Array
	AffMask   *ml.Array
	LSDTarget *ml.Array
	LSDMask   *ml.Array
}

// Arrays gibt die Batch-Arrays in fester Reihenfolge als benannte Arrays zurueck
func (b Batch) Arrays(spatialAxes []string) []display.NamedArray {
	axes := append([]string{display.AxisBatch, display.AxisChannel}, spatialAxes...)

	named := func(name string, a *ml.Array) display.NamedArray {
		return display.NamedArray{Data: a, Name: name, Axes: slices.Clone(axes), Kind: display.KindImage}
	}

	arrays := []display.NamedArray{
		named(NameRaw, b.Raw),
		named(NameAffTarget, b.AffTarget),
		named(NameAffMask, b.AffMask),
	}
	if b.LSDTarget != nil {
		arrays = append(arrays, named(NameLSDTarget, b.LSDTarget), named(NameLSDMask, b.LSDMask))
	}
	return arrays
}

// Handle ist eine offene Pipeline
type Handle interface {
	// Next liefert den naechsten Batch, mit snapshot zusaetzlich die Labels
	Next(ctx context.Context, snapshot bool) (Batch, []display.NamedArray, error)

	// Close beendet die Pipeline, mehrfache Aufrufe sind erlaubt
	Close() error
}

// Provider oeffnet Pipelines
type Provider interface {
	Open(ctx context.Context, req Request) (Handle, error)
}
