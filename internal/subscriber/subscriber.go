// Package subscriber fans out ConfigChange notifications from the State
// Manager to connected clients, one bounded queue per subscriber. A slow
// or wedged subscriber is dropped from delivery rather than allowed to
// block the publisher.
package subscriber

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/state"
)

// Metrics receives per-subscriber overflow observations.
type Metrics interface {
	ObserveSubscriberOverflow(subscriberID string)
	SetSubscriberQueueDepth(subscriberID string, depth int)
	SetSubscriberAckedVersion(subscriberID string, version int64)
}

// Registration describes a new subscriber's interest (spec §6: the
// client's initial {id, services, known_version} frame).
type Registration struct {
	ID           string
	Services     []string
	KnownVersion int64
	QueueDepth   int
}

// Subscription is the handle a transport (gRPC Subscribe stream) reads
// from. Close must be called when the stream ends to release the slot.
type Subscription struct {
	id           string
	services     map[string]struct{}
	queue        chan any // FullReload (*core.Snapshot) or state.ConfigChange
	stale        bool
	closed       bool
	ackedVersion int64
	mu           sync.Mutex
	hub          *Hub
}

// Recv returns the channel to range over. It is closed when the
// subscriber is removed (overflow or explicit Close).
func (s *Subscription) Recv() <-chan any { return s.queue }

// Stale reports whether this subscriber has been dropped for overflowing
// its queue. A stale subscriber's Recv channel is already closed.
func (s *Subscription) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Ack records the highest version the client reports having applied. It
// never regresses the recorded value, since Acks can arrive out of order
// over an unreliable client-side ticker.
func (s *Subscription) Ack(version int64) {
	s.mu.Lock()
	if version > s.ackedVersion {
		s.ackedVersion = version
	}
	current := s.ackedVersion
	s.mu.Unlock()
	if s.hub.metrics != nil {
		s.hub.metrics.SetSubscriberAckedVersion(s.id, current)
	}
}

// AckedVersion returns the highest version this subscriber has acked.
func (s *Subscription) AckedVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedVersion
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

func (s *Subscription) interested(services []string) bool {
	if len(s.services) == 0 || len(services) == 0 {
		return true // no subscriber filter, or an unscoped (global) change
	}
	for _, svc := range services {
		if _, ok := s.services[svc]; ok {
			return true
		}
	}
	return false
}

// Hub is the Subscriber Fan-out: it implements state.Publisher so a
// state.Manager can be wired directly to it.
type Hub struct {
	mu           sync.Mutex
	subs         map[string]*Subscription
	defaultDepth int
	metrics      Metrics
	logger       *slog.Logger
}

var _ state.Publisher = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithDefaultQueueDepth overrides the per-subscriber queue depth used
// when a Registration does not specify one.
func WithDefaultQueueDepth(n int) Option {
	return func(h *Hub) { h.defaultDepth = n }
}

// WithMetrics wires overflow and queue-depth reporting.
func WithMetrics(m Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

const defaultQueueDepth = 64

// New constructs an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:         make(map[string]*Subscription),
		defaultDepth: defaultQueueDepth,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a subscriber and, if snapshot is non-nil, seeds its queue
// with an initial FullReload filtered to its services — mirroring the
// registration handshake in spec.md §6 (full snapshot before any
// incremental change is ever delivered).
func (h *Hub) Register(_ context.Context, reg Registration, snapshot *core.Snapshot) *Subscription {
	depth := reg.QueueDepth
	if depth <= 0 {
		depth = h.defaultDepth
	}

	services := make(map[string]struct{}, len(reg.Services))
	for _, s := range reg.Services {
		services[s] = struct{}{}
	}

	sub := &Subscription{
		id:       reg.ID,
		services: services,
		queue:    make(chan any, depth),
		hub:      h,
	}

	h.mu.Lock()
	h.subs[reg.ID] = sub
	h.mu.Unlock()

	if snapshot != nil {
		h.trySend(sub, snapshot)
	}

	if h.metrics != nil {
		h.metrics.SetSubscriberQueueDepth(reg.ID, depth)
	}

	return sub
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.mu.Unlock()
	if !alreadyClosed {
		close(sub.queue)
	}
}

// PublishFullReload implements state.Publisher. Every registered
// subscriber (regardless of service filter — a full reload always
// carries the complete Snapshot) receives it, unless its queue is full,
// in which case it is marked stale and dropped.
func (h *Hub) PublishFullReload(snapshot *core.Snapshot) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.trySend(sub, snapshot)
	}
}

// PublishChange implements state.Publisher. Only subscribers whose
// service filter matches change.Services receive it (an empty Services
// means the entity is unscoped and reaches everyone).
func (h *Hub) PublishChange(change state.ConfigChange) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if !sub.interested(change.Services) {
			continue
		}
		h.trySend(sub, change)
	}
}

// trySend delivers payload to sub, holding sub.mu across the send so a
// concurrent Close (which sets sub.closed before closing sub.queue) cannot
// race with this select and send on a closed channel.
func (h *Hub) trySend(sub *Subscription, payload any) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	select {
	case sub.queue <- payload:
		sub.mu.Unlock()
	default:
		sub.mu.Unlock()
		h.markStale(sub)
	}
}

func (h *Hub) markStale(sub *Subscription) {
	sub.mu.Lock()
	alreadyStale := sub.stale || sub.closed
	sub.stale = true
	sub.mu.Unlock()

	if alreadyStale {
		return
	}

	h.logger.Warn("subscriber: queue overflow, dropping subscriber", "subscriber_id", sub.id)
	if h.metrics != nil {
		h.metrics.ObserveSubscriberOverflow(sub.id)
	}
	h.remove(sub.id)
}

// Count returns the number of currently registered subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Lookup returns the subscription registered under id, or nil if none is
// registered (including one already dropped for overflow).
func (h *Hub) Lookup(id string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs[id]
}
