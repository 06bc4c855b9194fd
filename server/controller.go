// controller.go - Zustand des Trainings-Widgets
// Enthaelt: controller (Modell, Worker, Labels, Bedienelemente), Event-Verteilung

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/affinities/affinities/api"
	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/format"
	"github.com/affinities/affinities/model"
	"github.com/affinities/affinities/pipeline"
	"github.com/affinities/affinities/runner"
	"github.com/affinities/affinities/store"
)

var (
	errNotTraining = errors.New("training is not running")
	errNoLayer     = errors.New("no layer selected")
)

// state ist der Zustand des Widgets
type state int

const (
	stateNoModel state = iota
	stateIdle
	stateTraining
	statePaused
)

func (s state) String() string {
	switch s {
	case stateNoModel:
		return "no model"
	case stateIdle:
		return "idle"
	case stateTraining:
		return "training"
	case statePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// controls gibt die aktiven Bedienelemente fuer s zurueck
func (s state) controls() api.Controls {
	switch s {
	case stateIdle, statePaused:
		return api.Controls{Train: true, Snapshot: true, Predict: true, Save: true}
	case stateTraining:
		return api.Controls{Pause: true, Snapshot: true, Predict: true, Save: true}
	default:
		return api.Controls{}
	}
}

const (
	labelNoIterations = "None"
	labelNoLoss       = "nan"
)

// controller verbindet Viewer, Modell und Trainings-Worker
type controller struct {
	// ctx begrenzt Pipelines und Worker
	ctx context.Context

	viewer      *display.Viewer
	provider    pipeline.Provider
	store       *store.Store
	checkpoints string

	mu         sync.Mutex
	spec       *model.Spec
	worker     *runner.Worker
	sessionID  string
	opts       runner.Options
	state      state
	iterations string
	loss       string
	lastErr    string

	subsMu sync.Mutex
	subs   map[chan api.EventResponse]struct{}
}

func newController(ctx context.Context, viewer *display.Viewer, provider pipeline.Provider, st *store.Store, checkpoints string) *controller {
	return &controller{
		ctx:         ctx,
		viewer:      viewer,
		provider:    provider,
		store:       st,
		checkpoints: checkpoints,
		iterations:  labelNoIterations,
		loss:        labelNoLoss,
		subs:        make(map[chan api.EventResponse]struct{}),
	}
}

// LoadModel ersetzt das Modell und setzt den Trainings-Zustand zurueck
func (c *controller) LoadModel(ctx context.Context, locator string) (*model.Spec, error) {
	spec, err := model.Load(ctx, locator)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.spec = spec
	c.state = stateIdle
	return spec, nil
}

func (c *controller) Spec() *model.Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec
}

// Train startet eine Sitzung oder setzt sie fort
func (c *controller) Train(req api.TrainRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureWorkerLocked(req); err != nil {
		return err
	}

	c.worker.Resume()
	c.state = stateTraining
	return nil
}

func (c *controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker == nil {
		return errNotTraining
	}

	c.worker.Pause()
	c.state = statePaused
	return nil
}

// Snapshot startet das Training falls noetig und fordert einen Snapshot an
func (c *controller) Snapshot(req api.TrainRequest) error {
	return c.send(req, runner.Snapshot)
}

// Predict startet das Training falls noetig und sagt den Layer vorher
func (c *controller) Predict(req api.PredictRequest) error {
	name := req.Layer
	if name == "" {
		name = req.Raw
	}

	c.mu.Lock()
	if name == "" && c.opts.Raw != nil {
		name = c.opts.Raw.Name
	}
	c.mu.Unlock()

	if name == "" {
		return fmt.Errorf("%w: predict needs a raw layer", errNoLayer)
	}

	layer, err := c.viewer.Layer(name)
	if err != nil {
		return err
	}

	return c.send(req.TrainRequest, layer.Data.Clone())
}

func (c *controller) send(req api.TrainRequest, cmd any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureWorkerLocked(req); err != nil {
		return err
	}

	if err := c.worker.Send(cmd); err != nil {
		return err
	}

	c.worker.Resume()
	c.state = stateTraining
	return nil
}

// Stop beendet die Sitzung
func (c *controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Save schreibt die trainierten oder geladenen Gewichte nach path
func (c *controller) Save(path string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker != nil {
		session := c.worker.Session()
		return session.Iteration(), session.Save(path)
	}

	if c.spec == nil {
		return 0, runner.ErrMissingModel
	}

	h, err := model.Open(c.spec)
	if err != nil {
		return 0, err
	}
	return 0, h.Save(path)
}

func (c *controller) Status() api.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp := api.StatusResponse{
		State:      c.state.String(),
		Session:    c.sessionID,
		Iterations: c.iterations,
		Loss:       c.loss,
		Controls:   c.state.controls(),
		Error:      c.lastErr,
	}
	if c.spec != nil {
		resp.Model = c.spec.Name
	}
	return resp
}

// Close beendet eine laufende Sitzung und alle Event-Streams
func (c *controller) Close() {
	c.Stop()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
}

// ensureWorkerLocked startet eine neue Sitzung falls keine laeuft
func (c *controller) ensureWorkerLocked(req api.TrainRequest) error {
	if c.worker != nil {
		return nil
	}

	if c.spec == nil {
		return runner.ErrMissingModel
	}

	opts, err := c.options(req)
	if err != nil {
		return err
	}

	// id wird vor dem Start des Workers gesetzt
	var id string
	opts.OnCheckpoint = func(ckpt model.Checkpoint) { c.recordCheckpoint(id, ckpt) }

	session, err := runner.NewSession(c.ctx, c.spec, c.provider, opts)
	if err != nil {
		return err
	}

	if c.store != nil {
		mask := ""
		if opts.Mask != nil {
			mask = opts.Mask.Name
		}

		rec, err := c.store.CreateSession(store.Session{
			Model:        c.spec.Name,
			Raw:          opts.Raw.Name,
			GT:           opts.GT.Name,
			Mask:         mask,
			LSDs:         opts.LSDs,
			Device:       opts.Device,
			LearningRate: opts.LearningRate,
		})
		if err != nil {
			slog.Warn("failed to record session", "error", err)
		} else {
			id = rec.ID
		}
	}

	w := runner.NewWorker(session)
	c.worker = w
	c.sessionID = id
	c.opts = opts
	c.iterations = labelNoIterations
	c.loss = labelNoLoss
	c.lastErr = ""

	go c.consume(w, id)
	w.Start(c.ctx)

	slog.Info("training session started", "session", id, "model", c.spec.Name)
	return nil
}

// options loest die Layer-Namen gegen den Viewer auf
func (c *controller) options(req api.TrainRequest) (runner.Options, error) {
	if req.Raw == "" || req.GT == "" {
		return runner.Options{}, fmt.Errorf("%w: training needs raw and gt layers", errNoLayer)
	}

	raw, err := c.viewer.Layer(req.Raw)
	if err != nil {
		return runner.Options{}, err
	}

	gt, err := c.viewer.Layer(req.GT)
	if err != nil {
		return runner.Options{}, err
	}

	var mask *display.Layer
	if req.Mask != "" {
		if mask, err = c.viewer.Layer(req.Mask); err != nil {
			return runner.Options{}, err
		}
	}

	opts := runner.Options{
		Raw:           raw,
		GT:            gt,
		Mask:          mask,
		LSDs:          req.LSDs,
		CheckpointDir: c.checkpoints,
		Device:        req.Device,
		LearningRate:  req.LearningRate,
	}
	return opts, nil
}

// resetLocked beendet den Worker und setzt die Labels zurueck
func (c *controller) resetLocked() {
	if c.worker != nil {
		if err := c.worker.Quit(); err != nil {
			slog.Warn("closing session", "error", err)
		}
		c.endSession(c.sessionID, "")
	}

	c.worker = nil
	c.sessionID = ""
	c.opts = runner.Options{}
	c.iterations = labelNoIterations
	c.loss = labelNoLoss
	if c.spec != nil {
		c.state = stateIdle
	} else {
		c.state = stateNoModel
	}
}

func (c *controller) endSession(id, reason string) {
	if c.store == nil || id == "" {
		return
	}
	if err := c.store.EndSession(id, reason); err != nil {
		slog.Warn("failed to end session", "session", id, "error", err)
	}
}

// consume wendet die Ergebnisse des Workers auf den Viewer an
func (c *controller) consume(w *runner.Worker, id string) {
	for e := range w.Events() {
		c.handle(w, id, e)
	}

	// Nach einem Sitzungsfehler ist der Worker beendet
	c.mu.Lock()
	if c.worker == w {
		c.worker = nil
		c.sessionID = ""
		c.opts = runner.Options{}
		c.state = stateIdle
	}
	c.mu.Unlock()

	c.broadcast(api.EventResponse{Type: api.EventStopped, Session: id})
}

func (c *controller) handle(w *runner.Worker, id string, e runner.Event) {
	if e.Err != nil {
		c.mu.Lock()
		c.lastErr = e.Err.Error()
		c.mu.Unlock()

		if w.Session().Closed() {
			c.endSession(id, e.Err.Error())
		}

		c.broadcast(api.EventResponse{Type: api.EventError, Session: id, Error: e.Err.Error()})
		return
	}

	r := e.Result
	if p := r.Progress; p != nil {
		c.mu.Lock()
		if c.worker == w {
			c.iterations = strconv.Itoa(p.Iteration)
			c.loss = format.Loss(p.Loss)
		}
		c.mu.Unlock()

		if c.store != nil && id != "" {
			if err := c.store.RecordProgress(id, p.Iteration, p.Loss); err != nil {
				slog.Warn("failed to record progress", "session", id, "error", err)
			}
		}

		iteration := p.Iteration
		event := api.EventResponse{Type: api.EventProgress, Session: id, Iteration: &iteration}
		if loss := p.Loss; !math.IsNaN(loss) {
			event.Loss = &loss
		}
		c.broadcast(event)
	}

	if len(r.Arrays) > 0 {
		if err := display.Apply(c.viewer, r.Arrays...); err != nil {
			slog.Warn("failed to display result", "error", err)
			c.broadcast(api.EventResponse{Type: api.EventError, Session: id, Error: err.Error()})
			return
		}

		names := make([]string, len(r.Arrays))
		for i, a := range r.Arrays {
			names[i] = a.Name
		}
		c.broadcast(api.EventResponse{Type: api.EventLayers, Session: id, Layers: names})
	}
}

func (c *controller) recordCheckpoint(id string, ckpt model.Checkpoint) {
	if c.store == nil || id == "" {
		return
	}
	if err := c.store.RecordCheckpoint(id, ckpt.Iteration, ckpt.Path); err != nil {
		slog.Warn("failed to record checkpoint", "session", id, "error", err)
	}
}

// subscribe registriert einen Event-Stream
func (c *controller) subscribe() (<-chan api.EventResponse, func()) {
	ch := make(chan api.EventResponse, 16)

	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// broadcast verteilt e an alle Streams, volle Streams verlieren das Event
func (c *controller) broadcast(e api.EventResponse) {
	e.Time = time.Now().UTC()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for ch := range c.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("dropping event for slow subscriber", "type", e.Type)
		}
	}
}
