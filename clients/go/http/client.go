// Package http provides an HTTP client for the strata evaluation service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	strata "github.com/stratahq/strata/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the strata server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements strata.LayerManager, strata.ExperimentManager,
// strata.FieldTypeManager, and strata.Evaluator over HTTP. The HTTP
// transport has no streaming surface; use the gRPC client for Subscribe.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the strata service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("strata: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("strata: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("strata: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("strata: http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("strata: decode response: %w", err)
	}
	return nil
}

// -- Evaluator ----------------------------------------------------------------

type evaluateRequest struct {
	Services []string          `json:"services"`
	Keys     map[string]string `json:"keys"`
	Context  map[string]any    `json:"context"`
}

type serviceResultWire struct {
	Parameters    map[string]any `json:"parameters"`
	VIDs          []int64        `json:"vids"`
	MatchedLayers []string       `json:"matched_layers"`
}

type evaluateResponse struct {
	Results map[string]serviceResultWire `json:"results"`
}

func (c *Client) Evaluate(ctx context.Context, services []string, keys map[string]string, evalCtx map[string]any) (strata.EvaluateResponse, error) {
	var out evaluateResponse
	req := evaluateRequest{Services: services, Keys: keys, Context: evalCtx}
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", req, &out); err != nil {
		return strata.EvaluateResponse{}, err
	}
	resp := strata.EvaluateResponse{Results: make(map[string]strata.ServiceResult, len(out.Results))}
	for service, r := range out.Results {
		resp.Results[service] = strata.ServiceResult{
			Parameters:    r.Parameters,
			VIDs:          r.VIDs,
			MatchedLayers: r.MatchedLayers,
		}
	}
	return resp, nil
}

// -- LayerManager ---------------------------------------------------------

func (c *Client) CreateLayer(ctx context.Context, layer strata.Layer) (strata.Layer, error) {
	var out strata.Layer
	if err := c.do(ctx, http.MethodPost, "/v1/layers", layer, &out); err != nil {
		return strata.Layer{}, err
	}
	return out, nil
}

func (c *Client) UpdateLayer(ctx context.Context, layer strata.Layer) (strata.Layer, error) {
	var out strata.Layer
	if err := c.do(ctx, http.MethodPut, "/v1/layers/"+layer.LayerID, layer, &out); err != nil {
		return strata.Layer{}, err
	}
	return out, nil
}

func (c *Client) GetLayer(ctx context.Context, layerID string) (strata.Layer, error) {
	var out strata.Layer
	if err := c.do(ctx, http.MethodGet, "/v1/layers/"+layerID, nil, &out); err != nil {
		return strata.Layer{}, err
	}
	return out, nil
}

func (c *Client) ListLayers(ctx context.Context) ([]strata.Layer, error) {
	var out []strata.Layer
	if err := c.do(ctx, http.MethodGet, "/v1/layers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteLayer(ctx context.Context, layerID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/layers/"+layerID, nil, nil)
}

// -- ExperimentManager ------------------------------------------------------

func (c *Client) CreateExperiment(ctx context.Context, exp strata.Experiment) (strata.Experiment, error) {
	var out strata.Experiment
	if err := c.do(ctx, http.MethodPost, "/v1/experiments", exp, &out); err != nil {
		return strata.Experiment{}, err
	}
	return out, nil
}

func (c *Client) UpdateExperiment(ctx context.Context, exp strata.Experiment) (strata.Experiment, error) {
	var out strata.Experiment
	path := "/v1/experiments/" + strconv.FormatInt(exp.EID, 10)
	if err := c.do(ctx, http.MethodPut, path, exp, &out); err != nil {
		return strata.Experiment{}, err
	}
	return out, nil
}

func (c *Client) GetExperiment(ctx context.Context, eid int64) (strata.Experiment, error) {
	var out strata.Experiment
	path := "/v1/experiments/" + strconv.FormatInt(eid, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return strata.Experiment{}, err
	}
	return out, nil
}

func (c *Client) ListExperiments(ctx context.Context) ([]strata.Experiment, error) {
	var out []strata.Experiment
	if err := c.do(ctx, http.MethodGet, "/v1/experiments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteExperiment(ctx context.Context, eid int64) error {
	path := "/v1/experiments/" + strconv.FormatInt(eid, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// -- FieldTypeManager -------------------------------------------------------

type fieldTypeRequest struct {
	Field string           `json:"field"`
	Kind  strata.FieldKind `json:"kind"`
}

func (c *Client) GetFieldTypes(ctx context.Context) (strata.FieldTypes, error) {
	var out strata.FieldTypes
	if err := c.do(ctx, http.MethodGet, "/v1/field-types", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetFieldType(ctx context.Context, field string, kind strata.FieldKind) error {
	req := fieldTypeRequest{Field: field, Kind: kind}
	return c.do(ctx, http.MethodPut, "/v1/field-types", req, nil)
}
