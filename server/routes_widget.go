// routes_widget.go - Handler fuer Modell und Trainings-Widget
// Enthaelt: Load/Model/Save, Train/Pause/Snapshot/Predict/Stop, Status, Events

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/affinities/affinities/api"
	"github.com/affinities/affinities/envconfig"
	"github.com/affinities/affinities/model"
)

// bindOptional liest einen JSON-Body, ein leerer Body ist erlaubt
func bindOptional(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func modelResponse(spec *model.Spec) api.ModelResponse {
	resp := api.ModelResponse{
		Name:         spec.Name,
		Description:  spec.Description,
		Architecture: spec.Architecture,
		Offsets:      spec.Offsets,
		InputAxes:    spec.InputAxes(),
		SpatialAxes:  spec.SpatialAxes(),
		InChannels:   spec.InChannels,
		LSDChannels:  spec.LSDChannels,
		Weights:      spec.WeightsPath(),
	}
	if len(spec.Outputs) > 0 {
		resp.OutputAxes = spec.Outputs[0].Axes
	}
	return resp
}

// LoadModelHandler laedt ein Modell und setzt den Trainings-Zustand zurueck
func (s *Server) LoadModelHandler(c *gin.Context) {
	var req api.LoadRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Model == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), envconfig.LoadTimeout())
	defer cancel()

	spec, err := s.ctl.LoadModel(ctx, req.Model)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, modelResponse(spec))
}

func (s *Server) ModelHandler(c *gin.Context) {
	spec := s.ctl.Spec()
	if spec == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no model loaded"})
		return
	}

	c.JSON(http.StatusOK, modelResponse(spec))
}

// SaveModelHandler schreibt die aktuellen Gewichte als GGUF
func (s *Server) SaveModelHandler(c *gin.Context) {
	var req api.SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Path == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	iteration, err := s.ctl.Save(req.Path)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.SaveResponse{Path: req.Path, Iteration: iteration})
}

func (s *Server) TrainHandler(c *gin.Context) {
	var req api.TrainRequest
	if !bindOptional(c, &req) {
		return
	}

	if err := s.ctl.Train(req); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) PauseHandler(c *gin.Context) {
	if err := s.ctl.Pause(); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) SnapshotHandler(c *gin.Context) {
	var req api.TrainRequest
	if !bindOptional(c, &req) {
		return
	}

	if err := s.ctl.Snapshot(req); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) PredictHandler(c *gin.Context) {
	var req api.PredictRequest
	if !bindOptional(c, &req) {
		return
	}

	if err := s.ctl.Predict(req); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.ctl.Status())
}

// StopHandler beendet die Sitzung, ohne Sitzung ist es ein No-Op
func (s *Server) StopHandler(c *gin.Context) {
	s.ctl.Stop()
	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Status())
}

// EventsHandler streamt Fortschritts- und Layer-Events als ndjson
func (s *Server) EventsHandler(c *gin.Context) {
	ch, unsubscribe := s.ctl.subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}

			bts, err := json.Marshal(e)
			if err != nil {
				slog.Info("events: json.Marshal failed", "error", err)
				return false
			}

			bts = append(bts, '\n')
			if _, err := w.Write(bts); err != nil {
				slog.Info("events: write failed", "error", err)
				return false
			}

			return true
		}
	})
}
