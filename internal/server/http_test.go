package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/eval"
	"github.com/stratahq/strata/internal/subscriber"
)

type stubValidator struct {
	projectID string
	err       error
}

func (v *stubValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return v.projectID, nil
}

type stubService struct {
	evaluateResp eval.Response
	evaluateErr  error

	layers    []core.Layer
	layer     core.Layer
	layerErr  error
	created   core.Layer

	fieldTypes core.FieldTypes
}

func (s *stubService) Evaluate(_ context.Context, _ string, _ eval.Request) (eval.Response, error) {
	return s.evaluateResp, s.evaluateErr
}
func (s *stubService) CreateLayer(_ context.Context, _ string, layer core.Layer) (core.Layer, error) {
	s.created = layer
	return layer, s.layerErr
}
func (s *stubService) UpdateLayer(_ context.Context, _ string, layer core.Layer) (core.Layer, error) {
	return layer, s.layerErr
}
func (s *stubService) GetLayer(_ context.Context, _, _ string) (core.Layer, error) {
	return s.layer, s.layerErr
}
func (s *stubService) ListLayers(_ context.Context, _ string) ([]core.Layer, error) {
	return s.layers, s.layerErr
}
func (s *stubService) DeleteLayer(_ context.Context, _, _ string) error { return s.layerErr }

func (s *stubService) CreateExperiment(_ context.Context, _ string, exp core.Experiment) (core.Experiment, error) {
	return exp, nil
}
func (s *stubService) UpdateExperiment(_ context.Context, _ string, exp core.Experiment) (core.Experiment, error) {
	return exp, nil
}
func (s *stubService) GetExperiment(_ context.Context, _ string, _ int64) (core.Experiment, error) {
	return core.Experiment{}, nil
}
func (s *stubService) ListExperiments(_ context.Context, _ string) ([]core.Experiment, error) {
	return nil, nil
}
func (s *stubService) DeleteExperiment(_ context.Context, _ string, _ int64) error { return nil }

func (s *stubService) GetFieldTypes(_ context.Context, _ string) (core.FieldTypes, error) {
	return s.fieldTypes, nil
}
func (s *stubService) SetFieldType(_ context.Context, _, _ string, _ core.FieldKind) error {
	return nil
}

func (s *stubService) Subscribe(_ context.Context, _ string, _ subscriber.Registration) (*subscriber.Subscription, error) {
	return nil, errors.New("not used in these tests")
}

func TestHandleEvaluate(t *testing.T) {
	svc := &stubService{evaluateResp: eval.Response{Results: map[string]eval.ServiceResult{
		"checkout": {VIDs: []int64{1}},
	}}}
	handler := NewHTTPHandler(svc, &stubValidator{projectID: "proj_1"})

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewBufferString(
		`{"services":["checkout"],"keys":{"user_id":"u1"},"context":{}}`))
	req.Header.Set("Authorization", "Bearer proj_1.secret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "checkout")
}

func TestHandleEvaluate_Unauthenticated(t *testing.T) {
	svc := &stubService{}
	handler := NewHTTPHandler(svc, &stubValidator{err: errInvalidAPIKey})

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer bad.token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCreateLayer(t *testing.T) {
	svc := &stubService{}
	handler := NewHTTPHandler(svc, &stubValidator{projectID: "proj_1"})

	req := httptest.NewRequest(http.MethodPost, "/v1/layers", bytes.NewBufferString(
		`{"layer_id":"homepage","priority":1,"hash_key":"user_id"}`))
	req.Header.Set("Authorization", "Bearer proj_1.secret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "homepage", svc.created.LayerID)
}

func TestHandleCreateLayer_MissingLayerID(t *testing.T) {
	svc := &stubService{}
	handler := NewHTTPHandler(svc, &stubValidator{projectID: "proj_1"})

	req := httptest.NewRequest(http.MethodPost, "/v1/layers", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer proj_1.secret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetFieldTypes(t *testing.T) {
	svc := &stubService{fieldTypes: core.FieldTypes{"country": core.FieldString}}
	handler := NewHTTPHandler(svc, &stubValidator{projectID: "proj_1"})

	req := httptest.NewRequest(http.MethodGet, "/v1/field-types", nil)
	req.Header.Set("Authorization", "Bearer proj_1.secret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "country")
}

func TestHandleHealthz_NoAuthRequired(t *testing.T) {
	svc := &stubService{}
	handler := NewHTTPHandler(svc, &stubValidator{err: errInvalidAPIKey})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteServiceError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{eval.ErrRequestInvalid, http.StatusBadRequest},
		{eval.ErrNoSnapshot, http.StatusServiceUnavailable},
		{errUnknownProject, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code)
	}
}
