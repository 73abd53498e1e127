package core

import "fmt"

// SkipReason names why a layer or experiment was omitted from a built
// Snapshot. Every omission is counted by callers under this label.
type SkipReason string

const (
	SkipInvalidField  SkipReason = "invalid_field"
	SkipBadRanges     SkipReason = "bad_ranges"
	SkipDuplicateVID  SkipReason = "duplicate_vid"
	SkipEmptyRuleTree SkipReason = "empty_rule_tree"
)

// Skip records one omitted entity for logging/telemetry.
type Skip struct {
	EntityType string // "layer" or "experiment"
	EntityID   string
	Reason     SkipReason
	Detail     string
}

// BuildSnapshot constructs an immutable Snapshot from the full set of
// layers and experiments, recomputing the priority-sorted per-service
// layer lists and the vid->experiment index so the Merger never sorts or
// indexes per request. Entities that fail validation are omitted and
// reported via the returned Skip slice (invariant I3); the rest of the
// Snapshot still builds (LoadError semantics, §7).
func BuildSnapshot(layers []Layer, experiments []Experiment, fieldTypes FieldTypes, version int64) (*Snapshot, []Skip) {
	var skips []Skip

	validExperiments := make(map[int64]Experiment, len(experiments))
	variantIndex := make(map[int64]variantRef)
	services := make(map[string]struct{})

	for _, exp := range experiments {
		if err := validateRuleFields(exp.Rule, fieldTypes); err != nil {
			skips = append(skips, Skip{
				EntityType: "experiment",
				EntityID:   fmt.Sprintf("%d", exp.EID),
				Reason:     SkipInvalidField,
				Detail:     err.Error(),
			})
			continue
		}
		validExperiments[exp.EID] = exp
		services[exp.Service] = struct{}{}
		for _, variant := range exp.Variants {
			variantIndex[variant.VID] = variantRef{EID: exp.EID, Params: variant.Params}
		}
	}

	validLayers := make(map[string]Layer, len(layers))
	seenVIDs := make(map[int64]string)

	for _, layer := range layers {
		if err := validateRanges(layer.Ranges); err != nil {
			skips = append(skips, Skip{
				EntityType: "layer",
				EntityID:   layer.LayerID,
				Reason:     SkipBadRanges,
				Detail:     err.Error(),
			})
			continue
		}

		dup := false
		for _, r := range layer.Ranges {
			if owner, exists := seenVIDs[r.VID]; exists {
				skips = append(skips, Skip{
					EntityType: "layer",
					EntityID:   layer.LayerID,
					Reason:     SkipDuplicateVID,
					Detail:     fmt.Sprintf("vid %d already owned by layer %q", r.VID, owner),
				})
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		for _, r := range layer.Ranges {
			seenVIDs[r.VID] = layer.LayerID
		}

		validLayers[layer.LayerID] = layer
		if layer.Service != "" {
			services[layer.Service] = struct{}{}
		}
		for _, s := range layer.Services {
			services[s] = struct{}{}
		}
	}

	layersByService := make(map[string][]Layer, len(services))
	for service := range services {
		var list []Layer
		for _, layer := range validLayers {
			if layer.AppliesTo(service) {
				list = append(list, layer)
			}
		}
		sortLayers(list)
		layersByService[service] = list
	}

	var globalLayers []Layer
	for _, layer := range validLayers {
		if layer.Service == "" && len(layer.Services) == 0 {
			globalLayers = append(globalLayers, layer)
		}
	}
	sortLayers(globalLayers)

	return &Snapshot{
		Version:          version,
		LayersByID:       validLayers,
		ExperimentsByEID: validExperiments,
		FieldTypes:       fieldTypes,
		variantIndex:     variantIndex,
		layersByService:  layersByService,
		globalLayers:     globalLayers,
	}, skips
}

func validateRuleFields(rule Node, fieldTypes FieldTypes) error {
	for _, field := range CollectFields(rule, nil) {
		if _, ok := fieldTypes[field]; !ok {
			return fmt.Errorf("rule references undeclared field %q", field)
		}
	}
	return validateTreeShape(rule)
}

func validateTreeShape(node Node) error {
	switch node.Kind {
	case NodeField:
		return nil
	case NodeAnd, NodeOr:
		if len(node.Children) == 0 {
			return fmt.Errorf("%s node has no children", node.Kind)
		}
		for _, child := range node.Children {
			if err := validateTreeShape(child); err != nil {
				return err
			}
		}
		return nil
	case NodeNot:
		if len(node.Children) != 1 {
			return fmt.Errorf("not node must have exactly one child")
		}
		return validateTreeShape(node.Children[0])
	case "":
		// Empty rule (no gating) is legal: the experiment always matches.
		return nil
	default:
		return fmt.Errorf("unknown rule node kind %q", node.Kind)
	}
}

// validateRanges checks 0 <= start < end <= HashSlots and that ranges are
// pairwise non-overlapping.
func validateRanges(ranges []Range) error {
	for _, r := range ranges {
		if r.Start >= r.End {
			return fmt.Errorf("range [%d,%d) is empty or inverted", r.Start, r.End)
		}
		if r.End > HashSlots {
			return fmt.Errorf("range [%d,%d) exceeds hash space of %d", r.Start, r.End, HashSlots)
		}
	}
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].Start < ranges[j].End && ranges[j].Start < ranges[i].End {
				return fmt.Errorf("ranges [%d,%d) and [%d,%d) overlap",
					ranges[i].Start, ranges[i].End, ranges[j].Start, ranges[j].End)
			}
		}
	}
	return nil
}
