// routes_layers.go - Handler fuer Viewer-Layer und Sitzungs-Historie

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/affinities/affinities/api"
	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/ml"
	"github.com/affinities/affinities/store"
)

func layerResponse(l *display.Layer, withData bool) api.LayerResponse {
	resp := api.LayerResponse{
		Name:     l.Name,
		Kind:     string(l.Kind),
		Axes:     l.Axes,
		Metadata: l.Metadata,
	}
	if l.Data != nil {
		resp.Shape = slices.Clone(l.Data.Shape)
		if withData {
			resp.Data = l.Data.Data
		}
	}
	return resp
}

// ListLayersHandler listet alle Layer ohne Daten
func (s *Server) ListLayersHandler(c *gin.Context) {
	layers := s.viewer.Layers()

	resp := api.ListLayersResponse{
		Layers:     make([]api.LayerResponse, 0, len(layers)),
		AxisLabels: s.viewer.AxisLabels(),
	}
	for _, l := range layers {
		resp.Layers = append(resp.Layers, layerResponse(l, false))
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) LayerHandler(c *gin.Context) {
	layer, err := s.viewer.Layer(c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, layerResponse(layer, true))
}

// CreateLayerHandler fuegt einen Layer aus Daten oder aus einer Bilddatei hinzu
func (s *Server) CreateLayerHandler(c *gin.Context) {
	var req api.LayerRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := display.LayerKind(req.Kind)
	if kind == "" {
		kind = display.KindImage
	}
	if !kind.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid layer kind %q", req.Kind)})
		return
	}

	layer, err := newLayer(req, kind)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.viewer.Add(layer); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, layerResponse(layer, false))
}

// newLayer baut einen Layer aus Path oder aus Shape und Data
func newLayer(req api.LayerRequest, kind display.LayerKind) (*display.Layer, error) {
	switch {
	case req.Path != "" && len(req.Data) > 0:
		return nil, errors.New("either path or data is allowed")
	case req.Path != "":
		return display.LoadLayer(req.Path, req.Name, kind)
	case req.Name == "":
		return nil, errors.New("name is required")
	}

	data, err := ml.FromData(req.Data, req.Shape...)
	if err != nil {
		return nil, err
	}

	if len(req.Axes) > 0 && len(req.Axes) != data.Dim() {
		return nil, fmt.Errorf("%w: shape %v, axes %v", display.ErrAxisMismatch, data.Shape, req.Axes)
	}

	return &display.Layer{Name: req.Name, Kind: kind, Data: data, Axes: req.Axes}, nil
}

func (s *Server) DeleteLayerHandler(c *gin.Context) {
	if err := s.viewer.Remove(c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusOK)
}

func sessionResponse(r store.Session) api.SessionResponse {
	return api.SessionResponse{
		ID:           r.ID,
		Model:        r.Model,
		Raw:          r.Raw,
		GT:           r.GT,
		Mask:         r.Mask,
		LSDs:         r.LSDs,
		Device:       r.Device,
		LearningRate: r.LearningRate,
		Iterations:   r.Iterations,
		LastLoss:     r.LastLoss,
		Error:        r.Error,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
	}
}

// ListSessionsHandler listet die Trainings-Historie, neueste zuerst
func (s *Server) ListSessionsHandler(c *gin.Context) {
	sessions, err := s.store.Sessions()
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := api.ListSessionsResponse{Sessions: make([]api.SessionResponse, 0, len(sessions))}
	for _, r := range sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse(r))
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) SessionProgressHandler(c *gin.Context) {
	id := c.Param("id")

	session, err := s.store.Session(id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	progress, err := s.store.Progress(id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	checkpoints, err := s.store.Checkpoints(id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := api.SessionProgressResponse{
		Session:     sessionResponse(*session),
		Progress:    make([]api.ProgressEntry, 0, len(progress)),
		Checkpoints: make([]api.CheckpointEntry, 0, len(checkpoints)),
	}
	for _, p := range progress {
		resp.Progress = append(resp.Progress, api.ProgressEntry(p))
	}
	for _, ckpt := range checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, api.CheckpointEntry(ckpt))
	}

	c.JSON(http.StatusOK, resp)
}
