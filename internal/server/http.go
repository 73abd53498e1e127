package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/eval"
	"github.com/stratahq/strata/internal/metrics"
	"github.com/stratahq/strata/internal/middleware"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the Evaluation API and writer CRUD surface over plain
// JSON.
type HTTPServer struct {
	service         Service
	metrics         *metrics.Metrics
	maxJSONBodySize int64
}

// HTTPOption configures optional HTTPServer parameters.
type HTTPOption func(*HTTPServer)

func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

func WithHTTPMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// NewHTTPHandler builds the strata HTTP API, bearer-token protected except
// for /healthz and /metrics.
func NewHTTPHandler(svc Service, validator middleware.TokenValidator, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	s := &HTTPServer{service: svc, maxJSONBodySize: defaultMaxJSONBodyBytes}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	protected.HandleFunc("GET /v1/layers", s.handleListLayers)
	protected.HandleFunc("POST /v1/layers", s.handleCreateLayer)
	protected.HandleFunc("GET /v1/layers/{id}", s.handleGetLayer)
	protected.HandleFunc("PUT /v1/layers/{id}", s.handleUpdateLayer)
	protected.HandleFunc("DELETE /v1/layers/{id}", s.handleDeleteLayer)
	protected.HandleFunc("GET /v1/experiments", s.handleListExperiments)
	protected.HandleFunc("POST /v1/experiments", s.handleCreateExperiment)
	protected.HandleFunc("GET /v1/experiments/{eid}", s.handleGetExperiment)
	protected.HandleFunc("PUT /v1/experiments/{eid}", s.handleUpdateExperiment)
	protected.HandleFunc("DELETE /v1/experiments/{eid}", s.handleDeleteExperiment)
	protected.HandleFunc("GET /v1/field-types", s.handleGetFieldTypes)
	protected.HandleFunc("PUT /v1/field-types", s.handleSetFieldType)

	var authOpts []middleware.AuthOption
	if s.metrics != nil {
		authOpts = append(authOpts, middleware.WithOnAuthFailure(func() { s.metrics.AuthFailuresTotal.Inc() }))
	}

	mux.Handle("/v1/", middleware.HTTPBearerAuthMiddleware(validator, authOpts...)(protected))

	return mux
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())

	var req eval.Request
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	resp, err := s.service.Evaluate(r.Context(), projectID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListLayers(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	layers, err := s.service.ListLayers(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, layers)
}

func (s *HTTPServer) handleCreateLayer(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())

	var layer core.Layer
	if err := s.decodeJSONBody(w, r, &layer); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(layer.LayerID) == "" {
		writeJSONError(w, http.StatusBadRequest, "layer_id is required")
		return
	}

	created, err := s.service.CreateLayer(r.Context(), projectID, layer)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	layerID := r.PathValue("id")

	layer, err := s.service.GetLayer(r.Context(), projectID, layerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, layer)
}

func (s *HTTPServer) handleUpdateLayer(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	layerID := r.PathValue("id")

	var layer core.Layer
	if err := s.decodeJSONBody(w, r, &layer); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	layer.LayerID = layerID

	updated, err := s.service.UpdateLayer(r.Context(), projectID, layer)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteLayer(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	layerID := r.PathValue("id")

	if err := s.service.DeleteLayer(r.Context(), projectID, layerID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	exps, err := s.service.ListExperiments(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *HTTPServer) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())

	var exp core.Experiment
	if err := s.decodeJSONBody(w, r, &exp); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateExperiment(r.Context(), projectID, exp)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	eid, err := strconv.ParseInt(r.PathValue("eid"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid eid")
		return
	}

	exp, err := s.service.GetExperiment(r.Context(), projectID, eid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *HTTPServer) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	eid, err := strconv.ParseInt(r.PathValue("eid"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid eid")
		return
	}

	var exp core.Experiment
	if err := s.decodeJSONBody(w, r, &exp); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	exp.EID = eid

	updated, err := s.service.UpdateExperiment(r.Context(), projectID, exp)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	eid, err := strconv.ParseInt(r.PathValue("eid"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid eid")
		return
	}

	if err := s.service.DeleteExperiment(r.Context(), projectID, eid); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetFieldTypes(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())
	types, err := s.service.GetFieldTypes(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

type setFieldTypeRequest struct {
	Field string         `json:"field"`
	Kind  core.FieldKind `json:"kind"`
}

func (s *HTTPServer) handleSetFieldType(w http.ResponseWriter, r *http.Request) {
	projectID, _ := middleware.ProjectIDFromContext(r.Context())

	var req setFieldTypeRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Field) == "" {
		writeJSONError(w, http.StatusBadRequest, "field is required")
		return
	}

	if err := s.service.SetFieldType(r.Context(), projectID, req.Field, req.Kind); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, eval.ErrRequestInvalid):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, eval.ErrNoSnapshot):
		writeJSONError(w, http.StatusServiceUnavailable, "snapshot not yet loaded")
	case errors.Is(err, errUnknownProject):
		writeJSONError(w, http.StatusNotFound, "unknown project")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}
	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
