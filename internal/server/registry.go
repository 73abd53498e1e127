// Package server wires the Evaluation API, State Manager, Change-Log
// Poller, and Subscriber Fan-out to HTTP and gRPC transports, one runtime
// per project.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratahq/strata/internal/changelog"
	"github.com/stratahq/strata/internal/eval"
	"github.com/stratahq/strata/internal/metrics"
	"github.com/stratahq/strata/internal/repository"
	"github.com/stratahq/strata/internal/state"
	"github.com/stratahq/strata/internal/subscriber"
)

const defaultPollInterval = time.Second

// projectRuntime bundles one project's State Manager, Change-Log Poller,
// Subscriber Fan-out, and Evaluation API.
type projectRuntime struct {
	manager *state.Manager
	hub     *subscriber.Hub
	eval    *eval.Service
	poller  *changelog.Poller
	cancel  context.CancelFunc
}

// Registry owns every project's runtime and the shared repository/metrics
// they read and report through. It implements the Service interface the
// HTTP and gRPC transports depend on.
type Registry struct {
	repo    *repository.PostgresRepository
	metrics *metrics.Metrics
	logger  *slog.Logger

	pollInterval time.Duration
	pollBatch    int
	pollRetries  int
	queueDepth   int

	mu       sync.RWMutex
	projects map[string]*projectRuntime
}

// RegistryOption configures optional Registry parameters.
type RegistryOption func(*Registry)

func WithPollInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.pollInterval = d }
}

func WithPollBatch(n int) RegistryOption { return func(r *Registry) { r.pollBatch = n } }

func WithPollRetries(n int) RegistryOption { return func(r *Registry) { r.pollRetries = n } }

func WithQueueDepth(n int) RegistryOption { return func(r *Registry) { r.queueDepth = n } }

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry with no projects started yet; call
// StartProject for each project the server should serve.
func NewRegistry(repo *repository.PostgresRepository, m *metrics.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:         repo,
		metrics:      m,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		pollBatch:    1000,
		pollRetries:  3,
		queueDepth:   64,
		projects:     make(map[string]*projectRuntime),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// StartProject loads the initial Snapshot for projectID and begins polling
// its change log. Calling it twice for the same project is a no-op on the
// second call.
func (r *Registry) StartProject(ctx context.Context, projectID string) error {
	r.mu.Lock()
	if _, ok := r.projects[projectID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	store := r.repo.ForProject(projectID)
	logger := r.logger.With(slog.String("project_id", projectID))

	var stateMetrics state.Metrics
	var counters eval.Counters
	var subMetrics subscriber.Metrics
	if r.metrics != nil {
		stateMetrics = r.metrics.ForProject(projectID)
		counters = r.metrics
		subMetrics = r.metrics
	}

	hub := subscriber.New(
		subscriber.WithDefaultQueueDepth(r.queueDepth),
		subscriber.WithMetrics(subMetrics),
		subscriber.WithLogger(logger),
	)

	mgr := state.New(store,
		state.WithPublisher(hub),
		state.WithMetrics(stateMetrics),
		state.WithLogger(logger),
	)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start project %s: %w", projectID, err)
	}

	pollCtx, cancel := context.WithCancel(ctx)

	pollerOpts := []changelog.Option{
		changelog.WithInterval(r.pollInterval),
		changelog.WithBatch(r.pollBatch),
		changelog.WithMaxRetries(r.pollRetries),
		changelog.WithLogger(logger),
	}
	if notifyCh, err := store.Notify(pollCtx); err != nil {
		logger.Warn("changelog: LISTEN/NOTIFY unavailable, falling back to poll interval only", "error", err)
	} else {
		pollerOpts = append(pollerOpts, changelog.WithNotify(notifyCh))
	}

	poller := changelog.New(store, mgr.Handle, pollerOpts...)
	go poller.Run(pollCtx)

	rt := &projectRuntime{
		manager: mgr,
		hub:     hub,
		eval:    eval.New(mgr, counters, logger),
		poller:  poller,
		cancel:  cancel,
	}

	r.mu.Lock()
	r.projects[projectID] = rt
	r.mu.Unlock()

	return nil
}

// StopProject cancels a project's background poller and removes its runtime
// from the Registry; later Evaluate and Subscribe calls for projectID return
// errUnknownProject until StartProject is called again.
func (r *Registry) StopProject(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.projects[projectID]; ok {
		rt.cancel()
		delete(r.projects, projectID)
	}
}

// Bootstrap starts every project currently in storage. Projects created
// afterwards must be started explicitly via StartProject.
func (r *Registry) Bootstrap(ctx context.Context) error {
	projects, err := r.repo.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		if err := r.StartProject(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) runtime(projectID string) (*projectRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.projects[projectID]
	return rt, ok
}

var errUnknownProject = fmt.Errorf("project runtime not started")
