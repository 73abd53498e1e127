// Package eval implements the Evaluation API: validate a request, acquire
// the current snapshot, dispatch to the merger, and format the result.
// Nothing here blocks or performs I/O.
package eval

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stratahq/strata/internal/core"
)

// ErrRequestInvalid wraps malformed-request failures: missing services,
// missing keys. Surfaced to the caller with a structured code.
var ErrRequestInvalid = errors.New("request invalid")

// ErrNoSnapshot is returned when the project has not finished its startup
// load yet; it is a service-level error distinct from "no match".
var ErrNoSnapshot = errors.New("no snapshot available")

// Request is the wire shape of an evaluation call.
type Request struct {
	Services []string          `json:"services"`
	Keys     map[string]string `json:"keys"`
	Context  map[string]any    `json:"context"`
}

// Response is the wire shape of an evaluation result.
type Response struct {
	Results map[string]ServiceResult `json:"results"`
}

// ServiceResult is the per-service slice of a Response.
type ServiceResult struct {
	Parameters    map[string]any `json:"parameters"`
	VIDs          []int64        `json:"vids"`
	MatchedLayers []string       `json:"matched_layers"`
}

// Snapshotter exposes O(1) access to the current snapshot. internal/state's
// Manager implements this.
type Snapshotter interface {
	Snapshot() *core.Snapshot
}

// Counters receives per-kind skip counts for telemetry after each
// evaluation. Implementations must not block.
type Counters interface {
	ObserveSkips(service string, c core.SkipCounters)
}

// Service is the Evaluation API.
type Service struct {
	snapshots Snapshotter
	counters  Counters
	logger    *slog.Logger
}

// New constructs a Service. counters and logger may be nil.
func New(snapshots Snapshotter, counters Counters, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{snapshots: snapshots, counters: counters, logger: logger}
}

// Evaluate validates req, acquires the current snapshot (a single atomic
// pointer load, no copy), invokes the Merger, and formats the response.
// It never blocks and performs no I/O.
func (s *Service) Evaluate(_ context.Context, req Request) (Response, error) {
	if err := validate(req); err != nil {
		return Response{}, err
	}

	snap := s.snapshots.Snapshot()
	if snap == nil {
		return Response{}, ErrNoSnapshot
	}

	resp := Response{Results: make(map[string]ServiceResult, len(req.Services))}

	for _, service := range req.Services {
		counters := &core.SkipCounters{}
		coreReq := core.Request{Services: []string{service}, Keys: req.Keys, Context: req.Context}
		result := core.Merge(coreReq, snap, counters)[service]
		if s.counters != nil {
			s.counters.ObserveSkips(service, *counters)
		}

		params := result.Params
		if params == nil {
			params = map[string]any{}
		}
		resp.Results[service] = ServiceResult{
			Parameters:    params,
			VIDs:          orEmpty(result.VIDs),
			MatchedLayers: orEmptyStr(result.MatchedLayers),
		}
	}

	return resp, nil
}

func validate(req Request) error {
	if len(req.Services) == 0 {
		return errorf("services must not be empty")
	}
	if len(req.Keys) == 0 {
		return errorf("keys must not be empty")
	}
	return nil
}

func errorf(msg string) error {
	return &requestInvalidError{msg: msg}
}

type requestInvalidError struct{ msg string }

func (e *requestInvalidError) Error() string { return e.msg }
func (e *requestInvalidError) Unwrap() error { return ErrRequestInvalid }

func orEmpty(vids []int64) []int64 {
	if vids == nil {
		return []int64{}
	}
	return vids
}

func orEmptyStr(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
