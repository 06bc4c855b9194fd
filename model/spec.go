package model

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
)

// Achsen-Rollen in Modell-Beschreibungen
const (
	AxisBatch   = 'b'
	AxisChannel = 'c'
)

// spatialAxes sind die Namen der Raumachsen, die letzten ndim werden verwendet
var spatialAxes = []string{"time", "z", "y", "x"}

// TensorSpec beschreibt einen Ein- oder Ausgang des Netzes
type TensorSpec struct {
	Name string `yaml:"name" json:"name"`
	Axes string `yaml:"axes" json:"axes"`
}

// Weights verweist auf die Gewichte eines Modells
// Source ist absolut oder relativ zu Spec.Root
type Weights struct {
	Format string `json:"format,omitempty"`
	Source string `json:"source,omitempty"`
}

// Spec ist die geladene Modell-Beschreibung
// Nach dem Laden unveraenderlich, WithWeights erzeugt eine neue Spec
type Spec struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Architecture string       `json:"architecture"`
	Offsets      [][]int      `json:"offsets"`
	Inputs       []TensorSpec `json:"inputs"`
	Outputs      []TensorSpec `json:"outputs"`
	Weights      Weights      `json:"weights"`
	InChannels   int          `json:"in_channels"`
	LSDChannels  int          `json:"lsd_channels"`

	// Root ist das Verzeichnis der rdf.yaml
	Root string `json:"-"`
}

// NDim gibt die Anzahl der Raumachsen zurueck
func (s *Spec) NDim() int {
	if len(s.Offsets) == 0 {
		return 0
	}
	return len(s.Offsets[0])
}

// SpatialAxes gibt die Namen der Raumachsen zurueck, z.B. [y x] fuer 2D
func (s *Spec) SpatialAxes() []string {
	n := min(s.NDim(), len(spatialAxes))
	return slices.Clone(spatialAxes[len(spatialAxes)-n:])
}

// InputAxes gibt die Achsen des ersten Eingangs zurueck
func (s *Spec) InputAxes() string {
	if len(s.Inputs) == 0 {
		return ""
	}
	return s.Inputs[0].Axes
}

// WithWeights gibt eine Kopie mit neuer Gewichtsquelle zurueck
func (s *Spec) WithWeights(path string) *Spec {
	c := *s
	c.Offsets = make([][]int, len(s.Offsets))
	for i, o := range s.Offsets {
		c.Offsets[i] = slices.Clone(o)
	}
	c.Inputs = slices.Clone(s.Inputs)
	c.Outputs = slices.Clone(s.Outputs)
	c.Weights = Weights{Format: "gguf", Source: path}
	return &c
}

// WeightsPath gibt den aufgeloesten Pfad der Gewichte zurueck, "" ohne Gewichte
func (s *Spec) WeightsPath() string {
	if s.Weights.Source == "" {
		return ""
	}
	if filepath.IsAbs(s.Weights.Source) || s.Root == "" {
		return s.Weights.Source
	}
	return filepath.Join(s.Root, s.Weights.Source)
}

// Validate prueft die Konsistenz der Beschreibung
func (s *Spec) Validate() error {
	if len(s.Offsets) == 0 {
		return errors.New("config.mws.offsets is empty")
	}

	ndim := len(s.Offsets[0])
	if ndim < 1 || ndim > len(spatialAxes) {
		return fmt.Errorf("offsets must have 1 to %d dimensions, got %d", len(spatialAxes), ndim)
	}

	for i, o := range s.Offsets {
		if len(o) != ndim {
			return fmt.Errorf("offset %d has %d dimensions, expected %d", i, len(o), ndim)
		}
	}

	if s.InChannels < 1 {
		return fmt.Errorf("in_channels must be positive, got %d", s.InChannels)
	}

	if s.LSDChannels < 0 {
		return fmt.Errorf("lsd_channels must not be negative, got %d", s.LSDChannels)
	}

	for _, t := range append(slices.Clone(s.Inputs), s.Outputs...) {
		if err := validateAxes(t.Axes, ndim); err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
	}

	return nil
}

func validateAxes(axes string, ndim int) error {
	if !strings.HasPrefix(axes, string(AxisBatch)) {
		return fmt.Errorf("axes %q must start with %q", axes, AxisBatch)
	}

	spatial := strings.Count(axes, "t") + strings.Count(axes, "z") + strings.Count(axes, "y") + strings.Count(axes, "x")
	if spatial != ndim {
		return fmt.Errorf("axes %q have %d spatial axes, offsets have %d", axes, spatial, ndim)
	}
	return nil
}

func (s *Spec) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", s.Name),
		slog.String("architecture", s.Architecture),
		slog.Int("ndim", s.NDim()),
		slog.Int("offsets", len(s.Offsets)),
		slog.String("weights", s.WeightsPath()),
	)
}
