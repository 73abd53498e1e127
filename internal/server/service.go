package server

import (
	"context"
	"fmt"

	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/eval"
	"github.com/stratahq/strata/internal/subscriber"
)

// Service is the project-scoped surface the HTTP and gRPC transports drive.
// Registry implements it; every method takes the caller's resolved
// projectID as its first argument (resolved upstream by the auth
// middleware from the bearer token).
type Service interface {
	Evaluate(ctx context.Context, projectID string, req eval.Request) (eval.Response, error)

	CreateLayer(ctx context.Context, projectID string, layer core.Layer) (core.Layer, error)
	UpdateLayer(ctx context.Context, projectID string, layer core.Layer) (core.Layer, error)
	GetLayer(ctx context.Context, projectID, layerID string) (core.Layer, error)
	ListLayers(ctx context.Context, projectID string) ([]core.Layer, error)
	DeleteLayer(ctx context.Context, projectID, layerID string) error

	CreateExperiment(ctx context.Context, projectID string, exp core.Experiment) (core.Experiment, error)
	UpdateExperiment(ctx context.Context, projectID string, exp core.Experiment) (core.Experiment, error)
	GetExperiment(ctx context.Context, projectID string, eid int64) (core.Experiment, error)
	ListExperiments(ctx context.Context, projectID string) ([]core.Experiment, error)
	DeleteExperiment(ctx context.Context, projectID string, eid int64) error

	GetFieldTypes(ctx context.Context, projectID string) (core.FieldTypes, error)
	SetFieldType(ctx context.Context, projectID, field string, kind core.FieldKind) error

	Subscribe(ctx context.Context, projectID string, reg subscriber.Registration) (*subscriber.Subscription, error)
}

var _ Service = (*Registry)(nil)

func (r *Registry) Evaluate(ctx context.Context, projectID string, req eval.Request) (eval.Response, error) {
	rt, ok := r.runtime(projectID)
	if !ok {
		return eval.Response{}, errUnknownProject
	}
	return rt.eval.Evaluate(ctx, req)
}

func (r *Registry) CreateLayer(ctx context.Context, projectID string, layer core.Layer) (core.Layer, error) {
	return r.repo.CreateLayer(ctx, projectID, layer)
}

func (r *Registry) UpdateLayer(ctx context.Context, projectID string, layer core.Layer) (core.Layer, error) {
	return r.repo.UpdateLayer(ctx, projectID, layer)
}

func (r *Registry) GetLayer(ctx context.Context, projectID, layerID string) (core.Layer, error) {
	return r.repo.GetLayer(ctx, projectID, layerID)
}

func (r *Registry) ListLayers(ctx context.Context, projectID string) ([]core.Layer, error) {
	return r.repo.ListLayers(ctx, projectID)
}

func (r *Registry) DeleteLayer(ctx context.Context, projectID, layerID string) error {
	return r.repo.DeleteLayer(ctx, projectID, layerID)
}

func (r *Registry) CreateExperiment(ctx context.Context, projectID string, exp core.Experiment) (core.Experiment, error) {
	return r.repo.CreateExperiment(ctx, projectID, exp)
}

func (r *Registry) UpdateExperiment(ctx context.Context, projectID string, exp core.Experiment) (core.Experiment, error) {
	return r.repo.UpdateExperiment(ctx, projectID, exp)
}

func (r *Registry) GetExperiment(ctx context.Context, projectID string, eid int64) (core.Experiment, error) {
	return r.repo.GetExperiment(ctx, projectID, eid)
}

func (r *Registry) ListExperiments(ctx context.Context, projectID string) ([]core.Experiment, error) {
	return r.repo.ListExperiments(ctx, projectID)
}

func (r *Registry) DeleteExperiment(ctx context.Context, projectID string, eid int64) error {
	return r.repo.DeleteExperiment(ctx, projectID, eid)
}

func (r *Registry) GetFieldTypes(ctx context.Context, projectID string) (core.FieldTypes, error) {
	return r.repo.GetFieldTypes(ctx, projectID)
}

func (r *Registry) SetFieldType(ctx context.Context, projectID, field string, kind core.FieldKind) error {
	return r.repo.SetFieldType(ctx, projectID, field, kind)
}

// Subscribe registers a new subscriber against projectID's Subscriber
// Fan-out, seeded with the project's current Snapshot so the caller always
// starts from a consistent FullReload (spec §6's subscribe-then-seed
// ordering).
func (r *Registry) Subscribe(ctx context.Context, projectID string, reg subscriber.Registration) (*subscriber.Subscription, error) {
	rt, ok := r.runtime(projectID)
	if !ok {
		return nil, fmt.Errorf("subscribe to project %s: %w", projectID, errUnknownProject)
	}
	return rt.hub.Register(ctx, reg, rt.manager.Snapshot()), nil
}
