package repository

import (
	"context"

	"github.com/stratahq/strata/internal/changelog"
	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/state"
)

// ProjectStore scopes a PostgresRepository to a single project, giving
// the State Manager and Change-Log Poller the project-less interfaces
// they expect (state.Store, changelog.Store) without them needing to know
// about multi-tenancy at all.
type ProjectStore struct {
	repo      *PostgresRepository
	projectID string
}

var (
	_ changelog.Store = (*ProjectStore)(nil)
	_ state.Store     = (*ProjectStore)(nil)
)

func (p *ProjectStore) GetLayer(ctx context.Context, id string) (core.Layer, error) {
	return p.repo.GetLayer(ctx, p.projectID, id)
}

func (p *ProjectStore) ListLayers(ctx context.Context) ([]core.Layer, error) {
	return p.repo.ListLayers(ctx, p.projectID)
}

func (p *ProjectStore) GetExperiment(ctx context.Context, eid int64) (core.Experiment, error) {
	return p.repo.GetExperiment(ctx, p.projectID, eid)
}

func (p *ProjectStore) ListExperiments(ctx context.Context) ([]core.Experiment, error) {
	return p.repo.ListExperiments(ctx, p.projectID)
}

func (p *ProjectStore) GetFieldTypes(ctx context.Context) (core.FieldTypes, error) {
	return p.repo.GetFieldTypes(ctx, p.projectID)
}

func (p *ProjectStore) MaxChangeID(ctx context.Context) (int64, error) {
	return p.repo.MaxChangeID(ctx, p.projectID)
}

func (p *ProjectStore) ListChangesSince(ctx context.Context, lastID int64, limit int) ([]changelog.Entry, error) {
	rows, err := p.repo.ListChangesSince(ctx, p.projectID, lastID, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]changelog.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, changelog.Entry{
			ID:         row.ID,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Operation:  row.Operation,
			CreatedAt:  row.CreatedAt,
		})
	}
	return entries, nil
}

// Notify returns a channel that fires whenever a change for this project
// is NOTIFYed, for wiring into changelog.WithNotify.
func (p *ProjectStore) Notify(ctx context.Context) (<-chan struct{}, error) {
	return p.repo.SubscribeChanges(ctx, p.projectID)
}
