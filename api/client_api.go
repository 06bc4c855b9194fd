// Package api - Einfache API-Methoden des Clients.
// Dieses Modul enthaelt alle nicht-streaming API-Methoden.

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// LoadModel loads a model and resets any training state.
func (c *Client) LoadModel(ctx context.Context, req *LoadRequest) (*ModelResponse, error) {
	var resp ModelResponse
	if err := c.do(ctx, http.MethodPost, "/api/model", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Model describes the loaded model.
func (c *Client) Model(ctx context.Context) (*ModelResponse, error) {
	var resp ModelResponse
	if err := c.do(ctx, http.MethodGet, "/api/model", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveModel writes the current weights to req.Path on the server.
func (c *Client) SaveModel(ctx context.Context, req *SaveRequest) (*SaveResponse, error) {
	var resp SaveResponse
	if err := c.do(ctx, http.MethodPost, "/api/model/save", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Train starts a new session or resumes the paused one.
func (c *Client) Train(ctx context.Context, req *TrainRequest) (*StatusResponse, error) {
	return c.control(ctx, http.MethodPost, "/api/train", req)
}

// Pause pauses training after the running step.
func (c *Client) Pause(ctx context.Context) (*StatusResponse, error) {
	return c.control(ctx, http.MethodPost, "/api/pause", nil)
}

// Snapshot requests a snapshot step, starting training if needed.
func (c *Client) Snapshot(ctx context.Context, req *TrainRequest) (*StatusResponse, error) {
	return c.control(ctx, http.MethodPost, "/api/snapshot", req)
}

// Predict requests affinities for a layer, starting training if needed.
func (c *Client) Predict(ctx context.Context, req *PredictRequest) (*StatusResponse, error) {
	return c.control(ctx, http.MethodPost, "/api/predict", req)
}

// Stop tears down the training session.
func (c *Client) Stop(ctx context.Context) (*StatusResponse, error) {
	return c.control(ctx, http.MethodDelete, "/api/train", nil)
}

// Status returns the labels and enabled controls.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return c.control(ctx, http.MethodGet, "/api/status", nil)
}

func (c *Client) control(ctx context.Context, method, path string, req any) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, method, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Layers lists the viewer layers without their data.
func (c *Client) Layers(ctx context.Context) (*ListLayersResponse, error) {
	var resp ListLayersResponse
	if err := c.do(ctx, http.MethodGet, "/api/layers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Layer returns a layer including its data.
func (c *Client) Layer(ctx context.Context, name string) (*LayerResponse, error) {
	var resp LayerResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/layers/%s", url.PathEscape(name)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddLayer adds or replaces a layer.
func (c *Client) AddLayer(ctx context.Context, req *LayerRequest) (*LayerResponse, error) {
	var resp LayerResponse
	if err := c.do(ctx, http.MethodPost, "/api/layers", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteLayer removes a layer.
func (c *Client) DeleteLayer(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/layers/%s", url.PathEscape(name)), nil, nil)
}

// Sessions lists the training history, newest first.
func (c *Client) Sessions(ctx context.Context) (*ListSessionsResponse, error) {
	var resp ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionProgress returns the progress and checkpoints of a session.
func (c *Client) SessionProgress(ctx context.Context, id string) (*SessionProgressResponse, error) {
	var resp SessionProgressResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%s/progress", url.PathEscape(id)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat checks if the server has started and is responsive; if yes, it
// returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodHead, "/", nil, nil); err != nil {
		return err
	}
	return nil
}

// Version returns the affinities server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version struct {
		Version string `json:"version"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version); err != nil {
		return "", err
	}

	return version.Version, nil
}
