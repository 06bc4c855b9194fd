// Package api - Typen der affinities REST-API
// Enthaelt: StatusError, Modell-, Trainings-, Layer-, Status-, Event- und Sitzungs-Typen
package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the affinities server logs for details"
	}
}

// LoadRequest laedt ein Modell aus einer Datei, einem Ordner oder einer URL
type LoadRequest struct {
	Model string `json:"model"`
}

// ModelResponse beschreibt das geladene Modell
type ModelResponse struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Architecture string   `json:"architecture"`
	Offsets      [][]int  `json:"offsets"`
	InputAxes    string   `json:"input_axes"`
	OutputAxes   string   `json:"output_axes"`
	SpatialAxes  []string `json:"spatial_axes"`
	InChannels   int      `json:"in_channels"`
	LSDChannels  int      `json:"lsd_channels"`
	Weights      string   `json:"weights,omitempty"`
}

// SaveRequest speichert die aktuellen Gewichte
type SaveRequest struct {
	Path string `json:"path"`
}

type SaveResponse struct {
	Path      string `json:"path"`
	Iteration int    `json:"iteration"`
}

// TrainRequest startet oder setzt das Training fort
// Die Layer werden nur beim Start einer neuen Sitzung ausgewertet
type TrainRequest struct {
	Raw          string  `json:"raw,omitempty"`
	GT           string  `json:"gt,omitempty"`
	Mask         string  `json:"mask,omitempty"`
	LSDs         bool    `json:"lsds,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	Device       string  `json:"device,omitempty"`
}

// PredictRequest sagt Affinitaeten fuer einen Layer vorher
// Ohne Layer wird der Raw-Layer der Sitzung verwendet
type PredictRequest struct {
	TrainRequest
	Layer string `json:"layer,omitempty"`
}

// Controls sind die aktivierbaren Bedienelemente
type Controls struct {
	Train    bool `json:"train"`
	Pause    bool `json:"pause"`
	Snapshot bool `json:"snapshot"`
	Predict  bool `json:"predict"`
	Save     bool `json:"save"`
}

// StatusResponse ist der Zustand der Oberflaeche
type StatusResponse struct {
	Model      string   `json:"model,omitempty"`
	State      string   `json:"state"`
	Session    string   `json:"session,omitempty"`
	Iterations string   `json:"iterations"`
	Loss       string   `json:"loss"`
	Controls   Controls `json:"controls"`
	Error      string   `json:"error,omitempty"`
}

// Event-Typen
const (
	EventProgress = "progress"
	EventLayers   = "layers"
	EventError    = "error"
	EventStopped  = "stopped"
)

// EventResponse ist eine Zeile des Event-Streams
type EventResponse struct {
	Type      string    `json:"type"`
	Session   string    `json:"session,omitempty"`
	Iteration *int      `json:"iteration,omitempty"`
	Loss      *float64  `json:"loss,omitempty"`
	Layers    []string  `json:"layers,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// LayerRequest fuegt einen Layer hinzu, entweder aus Daten oder aus einer Bilddatei
type LayerRequest struct {
	Name  string    `json:"name"`
	Kind  string    `json:"kind"`
	Path  string    `json:"path,omitempty"`
	Shape []int     `json:"shape,omitempty"`
	Data  []float32 `json:"data,omitempty"`
	Axes  []string  `json:"axes,omitempty"`
}

// LayerResponse beschreibt einen Layer, Data nur auf Anfrage
type LayerResponse struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Shape    []int          `json:"shape"`
	Axes     []string       `json:"axes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Data     []float32      `json:"data,omitempty"`
}

type ListLayersResponse struct {
	Layers     []LayerResponse `json:"layers"`
	AxisLabels []string        `json:"axis_labels"`
}

// SessionResponse ist eine gespeicherte Trainings-Sitzung
type SessionResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Raw          string     `json:"raw"`
	GT           string     `json:"gt"`
	Mask         string     `json:"mask,omitempty"`
	LSDs         bool       `json:"lsds"`
	Device       string     `json:"device"`
	LearningRate float64    `json:"learning_rate"`
	Iterations   int        `json:"iterations"`
	LastLoss     *float64   `json:"last_loss,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type ProgressEntry struct {
	Iteration int       `json:"iteration"`
	Loss      *float64  `json:"loss,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CheckpointEntry struct {
	Iteration int       `json:"iteration"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionProgressResponse struct {
	Session     SessionResponse   `json:"session"`
	Progress    []ProgressEntry   `json:"progress"`
	Checkpoints []CheckpointEntry `json:"checkpoints"`
}
