// Package state holds the current Snapshot behind an atomic pointer and
// rebuilds it as change-log entries arrive. Writes are serialized through
// a single mutex; reads (Snapshot) never take a lock.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratahq/strata/internal/changelog"
	"github.com/stratahq/strata/internal/core"
)

// ChangeKind names the six event kinds a Manager emits after a swap.
type ChangeKind string

const (
	LayerCreated      ChangeKind = "LayerCreated"
	LayerUpdated      ChangeKind = "LayerUpdated"
	LayerDeleted      ChangeKind = "LayerDeleted"
	ExperimentCreated ChangeKind = "ExperimentCreated"
	ExperimentUpdated ChangeKind = "ExperimentUpdated"
	ExperimentDeleted ChangeKind = "ExperimentDeleted"
)

// ConfigChange is emitted to subscribers after every applied entity
// mutation.
type ConfigChange struct {
	Kind      ChangeKind
	Version   int64
	Timestamp time.Time
	EntityID  string
	// Services lists the services the changed entity is scoped to; empty
	// means it applies to every service (spec.md's wildcard scope). The
	// Subscriber Fan-out uses this to filter delivery to interested
	// subscribers.
	Services []string
	Payload  any
}

// Store is the authoritative entity store the Manager reloads from. It
// never writes; external writers own layers, experiments, and field
// types.
type Store interface {
	GetLayer(ctx context.Context, id string) (core.Layer, error)
	ListLayers(ctx context.Context) ([]core.Layer, error)
	GetExperiment(ctx context.Context, eid int64) (core.Experiment, error)
	ListExperiments(ctx context.Context) ([]core.Experiment, error)
	GetFieldTypes(ctx context.Context) (core.FieldTypes, error)
}

// Publisher receives ConfigChange and full-reload notifications. The
// Subscriber Fan-out implements this; it is optional (nil is a valid
// no-subscribers configuration).
type Publisher interface {
	PublishFullReload(snapshot *core.Snapshot)
	PublishChange(change ConfigChange)
}

// Metrics receives load-time skip and version observations.
type Metrics interface {
	ObserveSkip(entityType string, reason core.SkipReason)
	SetSnapshotVersion(version int64)
}

// Manager is the State Manager for a single project/tenant: one
// Manager owns exactly one Snapshot pointer.
type Manager struct {
	store     Store
	publisher Publisher
	metrics   Metrics
	logger    *slog.Logger

	mu          sync.Mutex // serializes writers only; Snapshot() never locks
	layers      map[string]core.Layer
	experiments map[int64]core.Experiment
	fieldTypes  core.FieldTypes
	version     int64

	snapshot atomic.Pointer[core.Snapshot]
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher wires the Subscriber Fan-out so writes reach connected
// clients. Omit it to run with no subscribers.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithMetrics wires load-time skip and snapshot-version reporting.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager. Call Start before serving any reads.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start performs the startup load sequence (§4.7): load every layer and
// experiment from the authoritative store, build the initial Snapshot,
// and record version = current_time_seconds().
func (m *Manager) Start(ctx context.Context) error {
	layers, err := m.store.ListLayers(ctx)
	if err != nil {
		return fmt.Errorf("load layers: %w", err)
	}
	experiments, err := m.store.ListExperiments(ctx)
	if err != nil {
		return fmt.Errorf("load experiments: %w", err)
	}
	fieldTypes, err := m.store.GetFieldTypes(ctx)
	if err != nil {
		return fmt.Errorf("load field types: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.layers = indexLayers(layers)
	m.experiments = indexExperiments(experiments)
	m.fieldTypes = fieldTypes
	m.version = time.Now().Unix()

	m.rebuildLocked()

	if m.publisher != nil {
		m.publisher.PublishFullReload(m.snapshot.Load())
	}

	return nil
}

// Snapshot returns the current Snapshot. Safe for concurrent use; never
// blocks and never takes a lock.
func (m *Manager) Snapshot() *core.Snapshot {
	return m.snapshot.Load()
}

// Handle applies one change-log entry (the changelog.Handler signature),
// reloading the entity from the authoritative store, rebuilding the
// Snapshot, publishing it, and emitting a ConfigChange. A returned error
// means the entry was not applied (StorageError); the caller (the Poller)
// must not advance its watermark past it.
func (m *Manager) Handle(ctx context.Context, entry changelog.Entry) error {
	switch entry.EntityType {
	case "layer":
		return m.handleLayer(ctx, entry)
	case "experiment":
		return m.handleExperiment(ctx, entry)
	default:
		m.logger.Warn("state: unknown entity type, skipping", "entity_type", entry.EntityType)
		return nil
	}
}

func (m *Manager) handleLayer(ctx context.Context, entry changelog.Entry) error {
	var kind ChangeKind
	var services []string

	m.mu.Lock()
	if entry.Operation == "delete" {
		if prior, existed := m.layers[entry.EntityID]; existed {
			services = layerServices(prior)
		}
		delete(m.layers, entry.EntityID)
		kind = LayerDeleted
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		layer, err := m.store.GetLayer(ctx, entry.EntityID)
		if err != nil {
			return fmt.Errorf("reload layer %q: %w", entry.EntityID, err)
		}
		services = layerServices(layer)
		m.mu.Lock()
		_, existed := m.layers[entry.EntityID]
		m.layers[entry.EntityID] = layer
		m.mu.Unlock()
		kind = LayerUpdated
		if !existed {
			kind = LayerCreated
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceVersionLocked()
	m.rebuildLocked()
	m.publish(kind, entry.EntityID, services)
	return nil
}

func layerServices(l core.Layer) []string {
	if l.Service == "" && len(l.Services) == 0 {
		return nil
	}
	if l.Service != "" {
		return append([]string{l.Service}, l.Services...)
	}
	return l.Services
}

func (m *Manager) handleExperiment(ctx context.Context, entry changelog.Entry) error {
	eid, err := strconv.ParseInt(entry.EntityID, 10, 64)
	if err != nil {
		m.logger.Warn("state: experiment entity id is not an integer, skipping", "entity_id", entry.EntityID)
		return nil
	}

	var kind ChangeKind
	var services []string

	if entry.Operation == "delete" {
		m.mu.Lock()
		if prior, existed := m.experiments[eid]; existed && prior.Service != "" {
			services = []string{prior.Service}
		}
		delete(m.experiments, eid)
		m.mu.Unlock()
		kind = ExperimentDeleted
	} else {
		exp, err := m.store.GetExperiment(ctx, eid)
		if err != nil {
			return fmt.Errorf("reload experiment %d: %w", eid, err)
		}
		if exp.Service != "" {
			services = []string{exp.Service}
		}
		m.mu.Lock()
		_, existed := m.experiments[eid]
		m.experiments[eid] = exp
		m.mu.Unlock()
		kind = ExperimentUpdated
		if !existed {
			kind = ExperimentCreated
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceVersionLocked()
	m.rebuildLocked()
	m.publish(kind, entry.EntityID, services)
	return nil
}

// advanceVersionLocked bumps the monotonic version counter, preferring
// wall-clock seconds but never regressing even if the clock does.
func (m *Manager) advanceVersionLocked() {
	now := time.Now().Unix()
	if now > m.version {
		m.version = now
	} else {
		m.version++
	}
}

// rebuildLocked recomputes the Snapshot from the maintained in-memory
// entity maps (not a full store reload) and publishes it via atomic
// swap. Must be called with mu held.
func (m *Manager) rebuildLocked() {
	layers := make([]core.Layer, 0, len(m.layers))
	for _, l := range m.layers {
		layers = append(layers, l)
	}
	experiments := make([]core.Experiment, 0, len(m.experiments))
	for _, e := range m.experiments {
		experiments = append(experiments, e)
	}

	snap, skips := core.BuildSnapshot(layers, experiments, m.fieldTypes, m.version)
	m.snapshot.Store(snap)

	if m.metrics != nil {
		m.metrics.SetSnapshotVersion(m.version)
	}
	for _, skip := range skips {
		m.logger.Warn("state: entity omitted from snapshot",
			"entity_type", skip.EntityType, "entity_id", skip.EntityID, "reason", skip.Reason, "detail", skip.Detail)
		if m.metrics != nil {
			m.metrics.ObserveSkip(skip.EntityType, skip.Reason)
		}
	}
}

// publish emits a ConfigChange to the fan-out layer, if one is configured.
// Must be called with mu held (it reads m.version).
func (m *Manager) publish(kind ChangeKind, entityID string, services []string) {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishChange(ConfigChange{
		Kind:      kind,
		Version:   m.version,
		Timestamp: time.Now(),
		EntityID:  entityID,
		Services:  services,
	})
}

func indexLayers(layers []core.Layer) map[string]core.Layer {
	out := make(map[string]core.Layer, len(layers))
	for _, l := range layers {
		out[l.LayerID] = l
	}
	return out
}

func indexExperiments(experiments []core.Experiment) map[int64]core.Experiment {
	out := make(map[int64]core.Experiment, len(experiments))
	for _, e := range experiments {
		out[e.EID] = e
	}
	return out
}
