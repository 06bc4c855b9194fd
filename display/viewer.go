package display

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/agnivade/levenshtein"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/affinities/affinities/ml"
)

// Layer ist ein angezeigter Layer
type Layer struct {
	Name     string         `json:"name"`
	Kind     LayerKind      `json:"kind"`
	Data     *ml.Array      `json:"data,omitempty"`
	Axes     []string       `json:"axes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (l *Layer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", l.Name),
		slog.String("kind", string(l.Kind)),
	}
	if l.Data != nil {
		attrs = append(attrs, slog.Any("shape", l.Data.Shape))
	}
	return slog.GroupValue(attrs...)
}

// Viewer haelt Layer in Einfuegereihenfolge und die Achsen-Labels
// Gespeicherte Layer werden nie veraendert, nur ersetzt
type Viewer struct {
	mu     sync.RWMutex
	layers *orderedmap.OrderedMap[string, *Layer]
	labels []string

	// OnChange wird nach jeder Aenderung mit dem Layer-Namen aufgerufen
	OnChange func(name string)
}

// NewViewer erstellt einen leeren Viewer mit numerischen Default-Labels
func NewViewer() *Viewer {
	return &Viewer{
		layers: orderedmap.New[string, *Layer](),
		labels: []string{"0", "1"},
	}
}

func (v *Viewer) changed(name string) {
	if v.OnChange != nil {
		v.OnChange(name)
	}
}

func (v *Viewer) AxisLabels() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.labels)
}

func (v *Viewer) SetAxisLabels(labels []string) {
	v.mu.Lock()
	v.labels = slices.Clone(labels)
	v.mu.Unlock()

	slog.Debug("viewer axis labels", "labels", labels)
}

func (v *Viewer) Upsert(name string, data *ml.Array, axes []string, kind LayerKind, metadata map[string]any) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("invalid layer kind %q", kind)
	}

	v.mu.Lock()
	layer, ok := v.layers.Get(name)
	if ok {
		merged, err := Merge(layer.Data, data, axes)
		if err != nil {
			v.mu.Unlock()
			return true, err
		}
		// Ausgegebene Layer bleiben unveraendert, Leser brauchen kein Lock
		layer = &Layer{
			Name:     layer.Name,
			Kind:     layer.Kind,
			Data:     merged,
			Axes:     layer.Axes,
			Metadata: layer.Metadata,
		}
		v.layers.Set(name, layer)
	} else {
		layer = &Layer{
			Name:     name,
			Kind:     kind,
			Data:     data.Clone(),
			Axes:     slices.Clone(axes),
			Metadata: metadata,
		}
		v.layers.Set(name, layer)
	}
	shape := slices.Clone(layer.Data.Shape)
	v.mu.Unlock()

	slog.Debug("viewer layer updated", "name", name, "shape", shape, "existed", ok)
	v.changed(name)
	return ok, nil
}

// Add fuegt einen Layer hinzu oder ersetzt ihn
func (v *Viewer) Add(layer *Layer) error {
	if !layer.Kind.Valid() {
		return fmt.Errorf("invalid layer kind %q", layer.Kind)
	}
	if layer.Name == "" || layer.Data == nil {
		return fmt.Errorf("layer needs a name and data")
	}

	v.mu.Lock()
	v.layers.Set(layer.Name, layer)
	v.mu.Unlock()

	v.changed(layer.Name)
	return nil
}

// Layer gibt den Layer name zurueck, mit Vorschlag bei Tippfehlern
func (v *Viewer) Layer(name string) (*Layer, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if layer, ok := v.layers.Get(name); ok {
		return layer, nil
	}

	if suggestion := v.suggest(name); suggestion != "" {
		return nil, fmt.Errorf("%w: %q, did you mean %q?", ErrLayerNotFound, name, suggestion)
	}
	return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, name)
}

// suggest gibt den aehnlichsten Layer-Namen zurueck
func (v *Viewer) suggest(name string) string {
	best, score := "", math.MaxInt
	for pair := v.layers.Oldest(); pair != nil; pair = pair.Next() {
		if d := levenshtein.ComputeDistance(name, pair.Key); d < score {
			best, score = pair.Key, d
		}
	}

	if score <= max(2, len(name)/3) {
		return best
	}
	return ""
}

// Remove entfernt den Layer name
func (v *Viewer) Remove(name string) error {
	v.mu.Lock()
	_, ok := v.layers.Delete(name)
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrLayerNotFound, name)
	}

	v.changed(name)
	return nil
}

// Layers gibt alle Layer in Einfuegereihenfolge zurueck
func (v *Viewer) Layers() []*Layer {
	v.mu.RLock()
	defer v.mu.RUnlock()

	layers := make([]*Layer, 0, v.layers.Len())
	for pair := v.layers.Oldest(); pair != nil; pair = pair.Next() {
		layers = append(layers, pair.Value)
	}
	return layers
}
