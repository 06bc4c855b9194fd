// session.go - Trainings- und Inferenz-Sitzung
//
// Enthaelt:
// - Classify: Ordnet Befehle einem Schritt-Typ zu
// - Result/Progress: Ergebnis eines Schritts
// - Session: Netz, Optimierer und offene Pipeline einer Sitzung
// - Step: Fuehrt genau einen Trainings-, Snapshot- oder Vorhersage-Schritt aus

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/envconfig"
	"github.com/affinities/affinities/logutil"
	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/ml/nn"
	"github.com/affinities/affinities/model"
	"github.com/affinities/affinities/pipeline"
)

// Snapshot ist der Befehl fuer einen Trainings-Schritt mit Snapshot
const Snapshot = "snapshot"

// Namen der emittierten Vorhersagen
const (
	NameAffinities = "Affinities"
	NameAffPred    = "sample_aff_pred"
	NameLSDPred    = "sample_lsd_pred"
)

// Fehler-Definitionen
var (
	ErrMissingModel       = errors.New("no model loaded")
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrSessionClosed      = errors.New("session closed")
	ErrCommandPending     = errors.New("a command is already pending")
)

// StepKind ist der Typ eines Schritts
type StepKind int

const (
	StepTrain StepKind = iota
	StepSnapshot
	StepPredict
)

func (k StepKind) String() string {
	switch k {
	case StepTrain:
		return "train"
	case StepSnapshot:
		return "snapshot"
	case StepPredict:
		return "predict"
	default:
		return "unknown"
	}
}

// Classify ordnet einen Befehl einem Schritt zu
// nil trainiert, Snapshot trainiert mit Snapshot, ein Array wird vorhergesagt
func Classify(cmd any) (StepKind, *ml.Array, error) {
	switch c := cmd.(type) {
	case nil:
		return StepTrain, nil, nil
	case string:
		if c == Snapshot {
			return StepSnapshot, nil, nil
		}
	case *ml.Array:
		if c != nil {
			return StepPredict, c, nil
		}
	}

	return 0, nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
}

// Progress ist der Trainings-Fortschritt nach einem Schritt
type Progress struct {
	Iteration int
	Loss      float64
}

// Result ist das Ergebnis eines Schritts
// Progress ist nil bei Vorhersagen
type Result struct {
	Progress *Progress
	Arrays   []display.NamedArray
}

// Len gibt die Tupel-Laenge zurueck: Iteration, Loss und die Arrays
func (r Result) Len() int {
	return 2 + len(r.Arrays)
}

// Options konfiguriert eine Sitzung
type Options struct {
	Raw  *display.Layer
	GT   *display.Layer
	Mask *display.Layer
	LSDs bool

	// CheckpointDir nimmt die Checkpoints fuer Vorhersagen auf
	CheckpointDir string

	// Device und LearningRate fallen auf die Umgebung zurueck
	Device       string
	LearningRate float64

	// OnCheckpoint wird nach jedem geschriebenen Checkpoint aufgerufen
	OnCheckpoint func(model.Checkpoint)
}

// Session besitzt Netz, Optimierer und Pipeline einer Trainings-Sitzung
type Session struct {
	mu sync.Mutex

	spec   *model.Spec
	handle *model.Handle
	optim  *nn.Adam
	device ml.Device
	pipe   pipeline.Handle
	opts   Options

	iteration int
	loss      float64

	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewSession oeffnet die Pipeline und erstellt Netz und Optimierer
// ctx begrenzt die Lebensdauer der Pipeline
func NewSession(ctx context.Context, spec *model.Spec, provider pipeline.Provider, opts Options) (*Session, error) {
	if spec == nil {
		return nil, ErrMissingModel
	}

	if opts.Device == "" {
		opts.Device = envconfig.Device()
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = envconfig.LearningRate()
	}
	if opts.CheckpointDir == "" {
		opts.CheckpointDir = envconfig.Checkpoints()
	}

	device, err := ml.NewDevice(opts.Device)
	if err != nil {
		return nil, err
	}

	handle, err := model.Open(spec)
	if err != nil {
		return nil, err
	}

	pipe, err := provider.Open(ctx, pipeline.Request{
		Raw:  opts.Raw,
		GT:   opts.GT,
		Mask: opts.Mask,
		LSDs: opts.LSDs,
		Spec: spec,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		spec:   spec,
		handle: handle,
		optim:  nn.NewAdam(handle.Module().Parameters(), opts.LearningRate),
		device: device,
		pipe:   pipe,
		opts:   opts,
		loss:   math.NaN(),
	}

	slog.Info("session started", "session", s)
	return s, nil
}

// Initial gibt das erste Ergebnis nach dem Oeffnen der Pipeline zurueck
func (s *Session) Initial() Result {
	return Result{Progress: &Progress{Iteration: 0, Loss: math.NaN()}}
}

// Step fuehrt einen Schritt fuer cmd aus
// Fehler einer Vorhersage oder eines unbekannten Befehls brechen nur den
// Schritt ab, alle anderen Fehler beenden die Sitzung
func (s *Session) Step(ctx context.Context, cmd any) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{}, ErrSessionClosed
	}

	kind, x, err := Classify(cmd)
	if err != nil {
		slog.Warn("step rejected", "error", err)
		return Result{}, err
	}

	logutil.Trace("step", "kind", kind, "iteration", s.iteration)

	if kind == StepPredict {
		r, err := s.predict(ctx, x)
		if err != nil {
			slog.Warn("prediction failed", "iteration", s.iteration, "error", err)
		}
		return r, err
	}

	r, err := s.train(ctx, kind == StepSnapshot)
	if err != nil {
		slog.Error("training failed, closing session", "iteration", s.iteration, "error", err)
		s.closeLocked()
		return Result{}, err
	}
	return r, nil
}

func (s *Session) train(ctx context.Context, snapshot bool) (Result, error) {
	batch, extra, err := s.pipe.Next(ctx, snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: %w", err)
	}

	logutil.Trace("batch", "raw", batch.Raw, "device", s.device)

	s.optim.ZeroGrad()

	module := s.handle.Module()
	outs, err := module.Forward(batch.Raw)
	if err != nil {
		return Result{}, fmt.Errorf("forward: %w", err)
	}

	affLoss, affGrad, err := nn.MaskedMSE(outs[0], batch.AffMask, batch.AffTarget)
	if err != nil {
		return Result{}, fmt.Errorf("affinity loss: %w", err)
	}

	loss := affLoss
	grads := []*ml.Array{affGrad}
	if s.opts.LSDs {
		if len(outs) < 2 {
			return Result{}, fmt.Errorf("model %s has no lsd output", s.spec.Name)
		}

		lsdLoss, lsdGrad, err := nn.MaskedMSE(outs[1], batch.LSDMask, batch.LSDTarget)
		if err != nil {
			return Result{}, fmt.Errorf("lsd loss: %w", err)
		}

		// loss = aff * lsd, d/daff = lsd, d/dlsd = aff
		loss = affLoss * lsdLoss
		grads = []*ml.Array{nn.Scale(affGrad, lsdLoss), nn.Scale(lsdGrad, affLoss)}
	}

	if err := module.Backward(grads); err != nil {
		return Result{}, fmt.Errorf("backward: %w", err)
	}
	s.optim.Step()

	s.iteration++
	s.loss = loss
	slog.Debug("training step", "iteration", s.iteration, "loss", loss, "snapshot", snapshot)

	r := Result{Progress: &Progress{Iteration: s.iteration, Loss: loss}}
	if !snapshot {
		return r, nil
	}

	spatial := s.spec.SpatialAxes()
	axes := append([]string{display.AxisBatch, display.AxisChannel}, spatial...)

	r.Arrays = append(batch.Arrays(spatial), extra...)
	r.Arrays = append(r.Arrays, display.NamedArray{Data: outs[0], Name: NameAffPred, Axes: axes, Kind: display.KindImage})
	if s.opts.LSDs {
		r.Arrays = append(r.Arrays, display.NamedArray{Data: outs[1], Name: NameLSDPred, Axes: slices.Clone(axes), Kind: display.KindImage})
	}
	return r, nil
}

func (s *Session) predict(ctx context.Context, x *ml.Array) (Result, error) {
	ckpt, err := s.handle.Checkpoint(s.opts.CheckpointDir, s.iteration)
	if err != nil {
		return Result{}, fmt.Errorf("checkpoint: %w", err)
	}
	if s.opts.OnCheckpoint != nil {
		s.opts.OnCheckpoint(ckpt)
	}

	spec := s.spec.WithWeights(ckpt.Path)
	ndim := spec.NDim()
	if x.Dim() != ndim {
		return Result{}, fmt.Errorf("%w: input has %d dimensions, model expects %d", ErrShapeMismatch, x.Dim(), ndim)
	}

	out, err := model.Predict(ctx, spec, x.Unsqueeze())
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}

	affs, err := out.Squeeze()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	if affs.Dim() != ndim+1 {
		return Result{}, fmt.Errorf("%w: output has %d dimensions, expected %d", ErrShapeMismatch, affs.Dim(), ndim+1)
	}
	if affs.Shape[0] != len(spec.Offsets) {
		return Result{}, fmt.Errorf("%w: output has %d channels, model has %d offsets", ErrShapeMismatch, affs.Shape[0], len(spec.Offsets))
	}

	slog.Info("prediction", "iteration", s.iteration, "checkpoint", ckpt.Path, "shape", affs.Shape)

	return Result{Arrays: []display.NamedArray{{
		Data:     affs,
		Name:     NameAffinities,
		Axes:     append([]string{display.AxisChannel}, spec.SpatialAxes()...),
		Kind:     display.KindImage,
		Metadata: map[string]any{"offsets": spec.Offsets},
	}}}, nil
}

// Save schreibt die aktuellen Gewichte nach path
func (s *Session) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Save(path)
}

func (s *Session) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

func (s *Session) Loss() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loss
}

func (s *Session) Spec() *model.Spec {
	return s.spec
}

// Close schliesst die Pipeline genau einmal
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.closeErr = s.pipe.Close()
		slog.Info("session closed", "iteration", s.iteration)
	})
	return s.closeErr
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("model", s.spec.Name),
		slog.Any("device", s.device),
		slog.Int("iteration", s.iteration),
		slog.Float64("lr", s.opts.LearningRate),
		slog.Bool("lsds", s.opts.LSDs),
	)
}
