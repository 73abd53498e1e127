// Package core implements the experiment evaluation engine: deterministic
// bucketing, rule evaluation, the layer/experiment catalog, and the
// priority-biased parameter merge. Everything here is pure and allocation
// conscious; nothing in this package performs I/O.
package core

import "sort"

// FieldKind is the declared type of a context attribute, used to coerce
// rule values before comparison.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldInt    FieldKind = "int"
	FieldFloat  FieldKind = "float"
	FieldBool   FieldKind = "bool"
	FieldSemver FieldKind = "semver"
)

// FieldTypes maps a context attribute name to its declared kind.
type FieldTypes map[string]FieldKind

// Operator names a comparison applied by a field rule node.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpIn      Operator = "in"
	OpNotIn   Operator = "not_in"
	OpLike    Operator = "like"
	OpNotLike Operator = "not_like"
)

// NodeKind discriminates the rule tree sum type.
type NodeKind string

const (
	NodeField NodeKind = "field"
	NodeAnd   NodeKind = "and"
	NodeOr    NodeKind = "or"
	NodeNot   NodeKind = "not"
)

// Node is a rule tree node. Only the fields relevant to Kind are populated:
// Field/Op/Values for NodeField, Children for NodeAnd/NodeOr, Children[0]
// for NodeNot.
type Node struct {
	Kind     NodeKind `json:"kind"`
	Field    string   `json:"field,omitempty"`
	Op       Operator `json:"op,omitempty"`
	Values   []any    `json:"values,omitempty"`
	Children []Node   `json:"children,omitempty"`
}

// Range binds a contiguous, half-open bucket interval to a variant id.
// 0 <= Start < End <= core.HashSlots.
type Range struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
	VID   int64  `json:"vid"`
}

// Contains reports whether bucket b falls in [Start, End).
func (r Range) Contains(b uint32) bool {
	return b >= r.Start && b < r.End
}

// Layer is an independent experimentation stratum.
type Layer struct {
	LayerID  string  `json:"layer_id"`
	Version  string  `json:"version"`
	Priority int32   `json:"priority"`
	HashKey  string  `json:"hash_key"`
	Salt     string  `json:"salt,omitempty"`
	Enabled  bool    `json:"enabled"`
	Ranges   []Range `json:"ranges"`
	// Service restricts the layer to a single service; Services restricts it
	// to several. If both are empty the layer applies to every service.
	Service  string   `json:"service,omitempty"`
	Services []string `json:"services,omitempty"`
}

// EffectiveSalt returns Salt, falling back to "{layer_id}_{version}" when
// unset.
func (l Layer) EffectiveSalt() string {
	if l.Salt != "" {
		return l.Salt
	}
	return l.LayerID + "_" + l.Version
}

// AppliesTo reports whether the layer is in scope for service.
func (l Layer) AppliesTo(service string) bool {
	if l.Service == "" && len(l.Services) == 0 {
		return true
	}
	if l.Service == service {
		return true
	}
	for _, s := range l.Services {
		if s == service {
			return true
		}
	}
	return false
}

// Variant is one arm of an experiment.
type Variant struct {
	VID    int64          `json:"vid"`
	Params map[string]any `json:"params,omitempty"`
}

// Experiment is the set of variants gated behind a common rule.
type Experiment struct {
	EID      int64     `json:"eid"`
	Service  string    `json:"service"`
	Rule     Node      `json:"rule"`
	Variants []Variant `json:"variants"`
}

// variantRef is the Snapshot's flattened vid -> (experiment, params) index.
type variantRef struct {
	EID    int64
	Params map[string]any
}

// Snapshot is an immutable view of every layer, experiment, and field type
// at a point in time. Snapshots are built once by BuildSnapshot and never
// mutated afterward; State Manager publishes a new Snapshot by swapping a
// pointer, never by editing one in place.
type Snapshot struct {
	Version          int64
	LayersByID       map[string]Layer
	ExperimentsByEID map[int64]Experiment
	FieldTypes       FieldTypes

	variantIndex    map[int64]variantRef
	layersByService map[string][]Layer
	globalLayers    []Layer // unscoped layers, sorted, for services with no dedicated entry
}

// LayersFor returns the layers in scope for service, sorted by priority
// descending, tied broken by layer_id ascending. The slice is pre-sorted at
// build time; callers must not mutate it. Services never seen by any
// scoped layer or experiment still receive every unscoped (wildcard)
// layer: the Catalog only precomputes per-service lists for services it
// has observed, so an unrecognized service falls back to the
// globally-applicable list rather than an empty one.
func (s *Snapshot) LayersFor(service string) []Layer {
	if s == nil {
		return nil
	}
	if list, ok := s.layersByService[service]; ok {
		return list
	}
	return s.globalLayers
}

// VariantOf resolves a vid to its owning experiment id and parameters.
func (s *Snapshot) VariantOf(vid int64) (eid int64, params map[string]any, ok bool) {
	if s == nil {
		return 0, nil, false
	}
	ref, ok := s.variantIndex[vid]
	if !ok {
		return 0, nil, false
	}
	return ref.EID, ref.Params, true
}

// sortLayers orders by priority descending, layer_id ascending on ties, per
// §4.3's contract that the Merger never re-sorts per request.
func sortLayers(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool {
		if layers[i].Priority != layers[j].Priority {
			return layers[i].Priority > layers[j].Priority
		}
		return layers[i].LayerID < layers[j].LayerID
	})
}
