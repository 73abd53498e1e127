package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratahq/strata/internal/changelog"
	"github.com/stratahq/strata/internal/core"
)

type fakeStore struct {
	mu          sync.Mutex
	layers      map[string]core.Layer
	experiments map[int64]core.Experiment
	fieldTypes  core.FieldTypes
	getLayerErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{layers: map[string]core.Layer{}, experiments: map[int64]core.Experiment{}, fieldTypes: core.FieldTypes{}}
}

func (f *fakeStore) GetLayer(_ context.Context, id string) (core.Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getLayerErr != nil {
		return core.Layer{}, f.getLayerErr
	}
	l, ok := f.layers[id]
	if !ok {
		return core.Layer{}, errors.New("not found")
	}
	return l, nil
}

func (f *fakeStore) ListLayers(context.Context) ([]core.Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Layer
	for _, l := range f.layers {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeStore) GetExperiment(_ context.Context, eid int64) (core.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.experiments[eid]
	if !ok {
		return core.Experiment{}, errors.New("not found")
	}
	return e, nil
}

func (f *fakeStore) ListExperiments(context.Context) ([]core.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Experiment
	for _, e := range f.experiments {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) GetFieldTypes(context.Context) (core.FieldTypes, error) {
	return f.fieldTypes, nil
}

func (f *fakeStore) putLayer(l core.Layer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.layers[l.LayerID] = l
}

func (f *fakeStore) putExperiment(e core.Experiment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.experiments[e.EID] = e
}

type recordingPublisher struct {
	mu      sync.Mutex
	reloads int
	changes []ConfigChange
}

func (r *recordingPublisher) PublishFullReload(*core.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads++
}

func (r *recordingPublisher) PublishChange(c ConfigChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func TestManagerStartLoadsInitialSnapshot(t *testing.T) {
	store := newFakeStore()
	store.putLayer(core.Layer{LayerID: "L1", Enabled: true, HashKey: "user_id", Ranges: []core.Range{{Start: 0, End: 10000, VID: 1}}})
	store.putExperiment(core.Experiment{EID: 1, Variants: []core.Variant{{VID: 1}}})

	pub := &recordingPublisher{}
	mgr := New(store, WithPublisher(pub))

	require.NoError(t, mgr.Start(context.Background()))

	snap := mgr.Snapshot()
	require.NotNil(t, snap)
	assert.Len(t, snap.LayersByID, 1)
	assert.Equal(t, 1, pub.reloads)
}

func TestManagerHandleLayerCreateThenUpdate(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	mgr := New(store, WithPublisher(pub))
	require.NoError(t, mgr.Start(context.Background()))

	store.putLayer(core.Layer{LayerID: "L1", Enabled: true, HashKey: "user_id", Ranges: []core.Range{{Start: 0, End: 10000, VID: 1}}})
	require.NoError(t, mgr.Handle(context.Background(), changelog.Entry{EntityType: "layer", EntityID: "L1", Operation: "create"}))

	snap := mgr.Snapshot()
	_, ok := snap.LayersByID["L1"]
	assert.True(t, ok)

	store.putLayer(core.Layer{LayerID: "L1", Enabled: false, HashKey: "user_id", Ranges: []core.Range{{Start: 0, End: 10000, VID: 1}}})
	require.NoError(t, mgr.Handle(context.Background(), changelog.Entry{EntityType: "layer", EntityID: "L1", Operation: "update"}))

	snap = mgr.Snapshot()
	assert.False(t, snap.LayersByID["L1"].Enabled)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.changes, 2)
	assert.Equal(t, LayerCreated, pub.changes[0].Kind)
	assert.Equal(t, LayerUpdated, pub.changes[1].Kind)
}

func TestManagerHandleLayerDelete(t *testing.T) {
	store := newFakeStore()
	store.putLayer(core.Layer{LayerID: "L1", Enabled: true, HashKey: "user_id", Ranges: []core.Range{{Start: 0, End: 10000, VID: 1}}})
	mgr := New(store)
	require.NoError(t, mgr.Start(context.Background()))

	require.NoError(t, mgr.Handle(context.Background(), changelog.Entry{EntityType: "layer", EntityID: "L1", Operation: "delete"}))

	snap := mgr.Snapshot()
	_, ok := snap.LayersByID["L1"]
	assert.False(t, ok)
}

func TestManagerHandlePropagatesStorageError(t *testing.T) {
	store := newFakeStore()
	store.getLayerErr = errors.New("connection reset")
	mgr := New(store)
	require.NoError(t, mgr.Start(context.Background()))

	before := mgr.Snapshot()
	err := mgr.Handle(context.Background(), changelog.Entry{EntityType: "layer", EntityID: "L1", Operation: "create"})
	require.Error(t, err)

	// Snapshot must not change on a failed reload.
	assert.Same(t, before, mgr.Snapshot())
}

func TestManagerVersionMonotonic(t *testing.T) {
	store := newFakeStore()
	mgr := New(store)
	require.NoError(t, mgr.Start(context.Background()))
	v0 := mgr.Snapshot().Version

	store.putLayer(core.Layer{LayerID: "L1", Enabled: true, HashKey: "user_id", Ranges: []core.Range{{Start: 0, End: 10000, VID: 1}}})
	require.NoError(t, mgr.Handle(context.Background(), changelog.Entry{EntityType: "layer", EntityID: "L1", Operation: "create"}))
	v1 := mgr.Snapshot().Version

	assert.GreaterOrEqual(t, v1, v0)
}

func TestManagerExperimentDeleteByID(t *testing.T) {
	store := newFakeStore()
	store.putExperiment(core.Experiment{EID: 42, Variants: []core.Variant{{VID: 1}}})
	mgr := New(store)
	require.NoError(t, mgr.Start(context.Background()))

	require.NoError(t, mgr.Handle(context.Background(), changelog.Entry{EntityType: "experiment", EntityID: "42", Operation: "delete"}))

	snap := mgr.Snapshot()
	_, ok := snap.ExperimentsByEID[42]
	assert.False(t, ok)
}
