package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratahq/strata/internal/core"
)

type fixedSnapshot struct{ snap *core.Snapshot }

func (f fixedSnapshot) Snapshot() *core.Snapshot { return f.snap }

type recordingCounters struct {
	calls []core.SkipCounters
}

func (r *recordingCounters) ObserveSkips(_ string, c core.SkipCounters) {
	r.calls = append(r.calls, c)
}

func buildTestSnapshot(t *testing.T) *core.Snapshot {
	t.Helper()
	layers := []core.Layer{
		{LayerID: "L1", Enabled: true, HashKey: "user_id", Ranges: []core.Range{{Start: 0, End: 10000, VID: 1}}},
	}
	experiments := []core.Experiment{
		{EID: 1, Variants: []core.Variant{{VID: 1, Params: map[string]any{"on": true}}}},
	}
	snap, skips := core.BuildSnapshot(layers, experiments, core.FieldTypes{}, 1)
	require.Empty(t, skips)
	return snap
}

func TestEvaluateHappyPath(t *testing.T) {
	svc := New(fixedSnapshot{buildTestSnapshot(t)}, nil, nil)

	resp, err := svc.Evaluate(context.Background(), Request{
		Services: []string{"checkout"},
		Keys:     map[string]string{"user_id": "u1"},
		Context:  map[string]any{},
	})
	require.NoError(t, err)

	result, ok := resp.Results["checkout"]
	require.True(t, ok)
	assert.Equal(t, []string{"L1"}, result.MatchedLayers)
	assert.Equal(t, []int64{1}, result.VIDs)
	assert.Equal(t, true, result.Parameters["on"])
}

func TestEvaluateRejectsEmptyServices(t *testing.T) {
	svc := New(fixedSnapshot{buildTestSnapshot(t)}, nil, nil)
	_, err := svc.Evaluate(context.Background(), Request{Keys: map[string]string{"user_id": "u1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestInvalid))
}

func TestEvaluateRejectsEmptyKeys(t *testing.T) {
	svc := New(fixedSnapshot{buildTestSnapshot(t)}, nil, nil)
	_, err := svc.Evaluate(context.Background(), Request{Services: []string{"checkout"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestInvalid))
}

func TestEvaluateNoSnapshotYet(t *testing.T) {
	svc := New(fixedSnapshot{nil}, nil, nil)
	_, err := svc.Evaluate(context.Background(), Request{
		Services: []string{"checkout"},
		Keys:     map[string]string{"user_id": "u1"},
	})
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestEvaluateNoMatchReturnsEmptyBundle(t *testing.T) {
	snap, _ := core.BuildSnapshot(nil, nil, core.FieldTypes{}, 1)
	svc := New(fixedSnapshot{snap}, nil, nil)

	resp, err := svc.Evaluate(context.Background(), Request{
		Services: []string{"checkout"},
		Keys:     map[string]string{"user_id": "u1"},
	})
	require.NoError(t, err)

	result := resp.Results["checkout"]
	assert.Empty(t, result.MatchedLayers)
	assert.Empty(t, result.VIDs)
	assert.Empty(t, result.Parameters)
}

func TestEvaluateReportsSkipCounters(t *testing.T) {
	counters := &recordingCounters{}
	svc := New(fixedSnapshot{buildTestSnapshot(t)}, counters, nil)

	_, err := svc.Evaluate(context.Background(), Request{
		Services: []string{"checkout"},
		Keys:     map[string]string{"wrong_key": "u1"},
	})
	require.NoError(t, err)
	require.Len(t, counters.calls, 1)
	assert.Equal(t, 1, counters.calls[0].MissingKey)
}
