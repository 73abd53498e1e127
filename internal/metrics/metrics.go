// Package metrics provides Prometheus instrumentation for the strata server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only strata metrics appear on the /metrics
// endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/stratahq/strata/internal/core"
)

// Metrics holds all Prometheus collectors used by the strata server. It
// implements the state.Metrics, eval.Counters, and subscriber.Metrics seams
// so the State Manager, Evaluation API, and Subscriber Fan-out can report
// into the same registry without importing prometheus themselves.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec

	SnapshotVersion *prometheus.GaugeVec
	LayerSkipsTotal *prometheus.CounterVec
	RuleSkipsTotal  *prometheus.CounterVec

	EvaluationsTotal *prometheus.CounterVec
	AuthFailuresTotal prometheus.Counter

	ActiveStreams           *prometheus.GaugeVec
	SubscriberOverflowTotal *prometheus.CounterVec
	SubscriberQueueDepth    *prometheus.GaugeVec
	SubscriberAckedVersion  *prometheus.GaugeVec

	DBPoolAcquired prometheus.Gauge
	DBPoolIdle     prometheus.Gauge
	DBPoolTotal    prometheus.Gauge
}

// New creates and registers all strata metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		SnapshotVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strata_snapshot_version",
			Help: "Version number of the currently active Snapshot, per project.",
		}, []string{"project_id"}),

		LayerSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_layer_skips_total",
			Help: "Total number of layers/experiments omitted from a Snapshot, by reason.",
		}, []string{"entity_type", "reason"}),

		RuleSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_rule_skips_total",
			Help: "Total number of merge-time request skips, by service and kind.",
		}, []string{"service", "kind"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_evaluations_total",
			Help: "Total number of flag/experiment evaluations.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strata_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),

		SubscriberOverflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_subscriber_overflow_total",
			Help: "Total number of subscriber queues that overflowed and were dropped.",
		}, []string{"subscriber_id"}),

		SubscriberQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strata_subscriber_queue_depth",
			Help: "Current queued message count for a subscriber.",
		}, []string{"subscriber_id"}),

		SubscriberAckedVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strata_subscriber_acked_version",
			Help: "Highest snapshot version a subscriber has acknowledged applying.",
		}, []string{"subscriber_id"}),

		DBPoolAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_db_pool_acquired",
			Help: "Number of currently acquired database connections.",
		}),

		DBPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_db_pool_idle",
			Help: "Number of idle database connections in the pool.",
		}),

		DBPoolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_db_pool_total",
			Help: "Total number of database connections in the pool.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.SnapshotVersion,
		m.LayerSkipsTotal,
		m.RuleSkipsTotal,
		m.EvaluationsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.SubscriberOverflowTotal,
		m.SubscriberQueueDepth,
		m.SubscriberAckedVersion,
		m.DBPoolAcquired,
		m.DBPoolIdle,
		m.DBPoolTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(resultLabel(result)).Inc()
}

func resultLabel(result bool) string {
	if result {
		return "true"
	}
	return "false"
}

// ObserveSkips implements eval.Counters: folds merge-time per-request skip
// counts into per-service, per-kind counters.
func (m *Metrics) ObserveSkips(service string, c core.SkipCounters) {
	m.RuleSkipsTotal.WithLabelValues(service, "missing_key").Add(float64(c.MissingKey))
	m.RuleSkipsTotal.WithLabelValues(service, "no_range_match").Add(float64(c.NoRangeMatch))
	m.RuleSkipsTotal.WithLabelValues(service, "rule_no_match").Add(float64(c.RuleNoMatch))
	m.RuleSkipsTotal.WithLabelValues(service, "rule_error").Add(float64(c.RuleError))
	m.RuleSkipsTotal.WithLabelValues(service, "unknown_variant").Add(float64(c.UnknownVariant))
}

// ObserveSubscriberOverflow implements subscriber.Metrics.
func (m *Metrics) ObserveSubscriberOverflow(subscriberID string) {
	m.SubscriberOverflowTotal.WithLabelValues(subscriberID).Inc()
	m.SubscriberQueueDepth.DeleteLabelValues(subscriberID)
}

// SetSubscriberQueueDepth implements subscriber.Metrics.
func (m *Metrics) SetSubscriberQueueDepth(subscriberID string, depth int) {
	m.SubscriberQueueDepth.WithLabelValues(subscriberID).Set(float64(depth))
}

// SetSubscriberAckedVersion implements subscriber.Metrics.
func (m *Metrics) SetSubscriberAckedVersion(subscriberID string, version int64) {
	m.SubscriberAckedVersion.WithLabelValues(subscriberID).Set(float64(version))
}

// ProjectMetrics scopes the snapshot-version gauge and layer-skip counters
// to a single project, so each project's state.Manager can report into the
// shared registry without every metric needing a project_id label at the
// interface level. One ProjectMetrics per Manager, obtained via
// [Metrics.ForProject].
type ProjectMetrics struct {
	projectID string
	parent    *Metrics
}

// ForProject returns a state.Metrics implementation scoped to projectID.
func (m *Metrics) ForProject(projectID string) *ProjectMetrics {
	return &ProjectMetrics{projectID: projectID, parent: m}
}

// ObserveSkip implements state.Metrics: a layer or experiment was omitted
// from this project's rebuilt Snapshot.
func (p *ProjectMetrics) ObserveSkip(entityType string, reason core.SkipReason) {
	p.parent.LayerSkipsTotal.WithLabelValues(entityType, string(reason)).Inc()
}

// SetSnapshotVersion implements state.Metrics: records the version of the
// Snapshot this project's State Manager just installed.
func (p *ProjectMetrics) SetSnapshotVersion(version int64) {
	p.parent.SnapshotVersion.WithLabelValues(p.projectID).Set(float64(version))
}

// DBPoolStats holds connection pool statistics for metric updates.
type DBPoolStats struct {
	Acquired float64
	Idle     float64
	Total    float64
}

// SetDBPoolStats updates the DB pool gauges.
func (m *Metrics) SetDBPoolStats(stats DBPoolStats) {
	m.DBPoolAcquired.Set(stats.Acquired)
	m.DBPoolIdle.Set(stats.Idle)
	m.DBPoolTotal.Set(stats.Total)
}
