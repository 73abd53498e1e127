package core

// Request is one evaluation call: the set of services to evaluate, the
// identifying keys used for bucketing, and the typed context rules are
// evaluated against.
type Request struct {
	Services []string
	Keys     map[string]string
	Context  map[string]any
}

// ServiceResult is the merged outcome for one requested service.
type ServiceResult struct {
	Params        map[string]any
	MatchedLayers []string
	VIDs          []int64
}

// SkipCounters tallies per-kind silent skips encountered while merging, for
// the caller to fold into telemetry. Nil-safe: a nil *SkipCounters simply
// discards increments.
type SkipCounters struct {
	MissingKey     int
	NoRangeMatch   int
	RuleNoMatch    int
	RuleError      int
	UnknownVariant int
}

func (c *SkipCounters) incMissingKey() {
	if c != nil {
		c.MissingKey++
	}
}
func (c *SkipCounters) incNoRangeMatch() {
	if c != nil {
		c.NoRangeMatch++
	}
}
func (c *SkipCounters) incRuleNoMatch() {
	if c != nil {
		c.RuleNoMatch++
	}
}
func (c *SkipCounters) incRuleError() {
	if c != nil {
		c.RuleError++
	}
}
func (c *SkipCounters) incUnknownVariant() {
	if c != nil {
		c.UnknownVariant++
	}
}

// Merge computes the per-service parameter bundle for request against
// snapshot, following §4.4: for each requested service, walk its
// priority-sorted layer list, bucket the request's key for each enabled
// layer, resolve the matching range's variant, gate it through the
// experiment's rule, and deep-merge matching variants' params with
// already-present (higher priority) keys winning. counters may be nil.
func Merge(request Request, snapshot *Snapshot, counters *SkipCounters) map[string]ServiceResult {
	results := make(map[string]ServiceResult, len(request.Services))
	for _, service := range request.Services {
		results[service] = mergeService(request, snapshot, service, counters)
	}
	return results
}

func mergeService(request Request, snapshot *Snapshot, service string, counters *SkipCounters) ServiceResult {
	accParams := make(map[string]any)
	matchedLayers := make([]string, 0, 4)
	vids := make([]int64, 0, 4)

	for _, layer := range snapshot.LayersFor(service) {
		if !layer.Enabled {
			continue
		}

		key, ok := request.Keys[layer.HashKey]
		if !ok {
			counters.incMissingKey()
			continue
		}

		bucket := Bucket(key, layer.EffectiveSalt())

		var matchedRange *Range
		for i := range layer.Ranges {
			if layer.Ranges[i].Contains(bucket) {
				matchedRange = &layer.Ranges[i]
				break
			}
		}
		if matchedRange == nil {
			counters.incNoRangeMatch()
			continue
		}

		eid, variantParams, ok := snapshot.VariantOf(matchedRange.VID)
		if !ok {
			counters.incUnknownVariant()
			continue
		}

		exp, ok := snapshot.ExperimentsByEID[eid]
		if !ok {
			counters.incUnknownVariant()
			continue
		}
		if exp.Service != "" && exp.Service != service {
			counters.incRuleNoMatch()
			continue
		}

		outcome, err := Evaluate(exp.Rule, request.Context, snapshot.FieldTypes)
		if err != nil {
			counters.incRuleError()
			continue
		}
		if outcome != Match {
			counters.incRuleNoMatch()
			continue
		}

		accParams = mergeParams(accParams, variantParams)
		matchedLayers = append(matchedLayers, layer.LayerID)
		vids = append(vids, matchedRange.VID)
	}

	return ServiceResult{Params: accParams, MatchedLayers: matchedLayers, VIDs: vids}
}

// mergeParams merges loser's keys into a copy of winner: keys already in
// winner are preserved (recursing when both sides hold an object at that
// key); keys only in loser are added as-is. This is the deep merge from
// §4.4 applied one layer's params at a time, with the running accumulator
// always playing the winner since it holds the results of every
// higher-priority layer processed so far.
func mergeParams(winner, loser map[string]any) map[string]any {
	merged := make(map[string]any, len(winner)+len(loser))
	for k, v := range loser {
		merged[k] = v
	}
	for k, wv := range winner {
		if lv, exists := merged[k]; exists {
			merged[k] = deepMerge(wv, lv)
		} else {
			merged[k] = wv
		}
	}
	return merged
}

// deepMerge combines two JSON-shaped values where a is the winner: if both
// are objects, keys are unioned and intersecting keys recurse; arrays are
// opaque; on any other type (or type mismatch) the winner is kept whole.
func deepMerge(a, b any) any {
	aMap, aOK := a.(map[string]any)
	bMap, bOK := b.(map[string]any)
	if !aOK || !bOK {
		return a
	}

	merged := make(map[string]any, len(aMap)+len(bMap))
	for k, v := range bMap {
		merged[k] = v
	}
	for k, av := range aMap {
		if bv, exists := merged[k]; exists {
			merged[k] = deepMerge(av, bv)
		} else {
			merged[k] = av
		}
	}
	return merged
}
