// Package changelog tails the authoritative change log and delivers
// ordered entity events to the State Manager. The log is the only source
// of truth for ordering; polling never regresses its watermark.
package changelog

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Entry is one row of the change log table (spec §6): id bigserial,
// entity_type, entity_id, operation, created_at.
type Entry struct {
	ID         int64
	EntityType string // "layer" or "experiment"
	EntityID   string
	Operation  string // "create", "update", or "delete"
	CreatedAt  time.Time
}

// Store is the read-only view of the change log the Poller needs.
type Store interface {
	MaxChangeID(ctx context.Context) (int64, error)
	ListChangesSince(ctx context.Context, lastID int64, limit int) ([]Entry, error)
}

// Handler applies one change log entry to the State Manager. A returned
// error is treated as a StorageError: the entry (and everything after it
// in the same batch) is not considered consumed, so last_id does not
// advance past it.
type Handler func(ctx context.Context, entry Entry) error

const (
	defaultPollInterval = time.Second
	defaultPollBatch    = 1000
	defaultMaxRetries   = 3
)

// Poller tails Store on a fixed interval (optionally nudged early by a
// push notification) and delivers entries to Handler in order.
type Poller struct {
	store      Store
	handle     Handler
	interval   time.Duration
	batch      int
	maxRetries int
	notify     <-chan struct{}
	logger     *slog.Logger
	lastIDFunc func(int64) // test hook, called after every advance
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval overrides the default 1s poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithBatch overrides the default 1000-row poll batch size.
func WithBatch(n int) Option {
	return func(p *Poller) { p.batch = n }
}

// WithMaxRetries overrides how many times a failing entry is retried
// within one poll cycle before the cycle gives up without advancing
// last_id past it.
func WithMaxRetries(n int) Option {
	return func(p *Poller) { p.maxRetries = n }
}

// WithNotify wires an optional push channel (e.g. Postgres LISTEN/NOTIFY)
// that only shortens the wait for the next poll; it never replaces the
// poll-and-advance-last_id path, so the ordering guarantee holds even if
// every notification is lost.
func WithNotify(ch <-chan struct{}) Option {
	return func(p *Poller) { p.notify = ch }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func withLastIDObserver(fn func(int64)) Option {
	return func(p *Poller) { p.lastIDFunc = fn }
}

// New constructs a Poller. handle is invoked once per entry, in id order.
func New(store Store, handle Handler, opts ...Option) *Poller {
	p := &Poller{
		store:      store,
		handle:     handle,
		interval:   defaultPollInterval,
		batch:      defaultPollBatch,
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks, polling until ctx is cancelled. It queries max(id) once on
// entry to establish the starting watermark, then polls every interval
// (or immediately on a notify signal) thereafter.
func (p *Poller) Run(ctx context.Context) error {
	lastID, err := p.store.MaxChangeID(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lastID = p.pollOnce(ctx, lastID)
		case <-p.notify:
			lastID = p.pollOnce(ctx, lastID)
		}
	}
}

// pollOnce fetches and applies one batch, returning the new watermark.
// Fetch failures and handler failures alike leave the watermark exactly
// where it was before the failing id; they never regress it.
func (p *Poller) pollOnce(ctx context.Context, lastID int64) int64 {
	entries, err := p.store.ListChangesSince(ctx, lastID, p.batch)
	if err != nil {
		p.logger.Warn("changelog: fetch failed, will retry next interval", "error", err, "last_id", lastID)
		return lastID
	}

	for _, entry := range entries {
		if err := p.applyWithRetry(ctx, entry); err != nil {
			p.logger.Warn("changelog: entry failed after retries, deferring",
				"entry_id", entry.ID, "entity_type", entry.EntityType, "entity_id", entry.EntityID, "error", err)
			return lastID
		}
		lastID = entry.ID
		if p.lastIDFunc != nil {
			p.lastIDFunc(lastID)
		}
	}

	return lastID
}

func (p *Poller) applyWithRetry(ctx context.Context, entry Entry) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.handle(ctx, entry); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errors.Join(errors.New("exhausted retries"), lastErr)
}
