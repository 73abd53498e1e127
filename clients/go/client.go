// Package strata provides client interfaces and domain types for the
// strata evaluation service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import stratahttp "github.com/stratahq/strata/clients/go/http"
//	import stratagrpc "github.com/stratahq/strata/clients/go/grpc"
package strata

import "context"

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

// Operator names a comparison applied by a rule node.
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

// Node is a rule tree node, mirroring the server's wire shape exactly so it
// round-trips through JSON with no translation layer.
type Node struct {
	Kind     NodeKind `json:"kind"`
	Field    string   `json:"field,omitempty"`
	Op       Operator `json:"op,omitempty"`
	Values   []any    `json:"values,omitempty"`
	Children []Node   `json:"children,omitempty"`
}

// Range binds a contiguous, half-open bucket interval to a variant id.
type Range struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
	VID   int64  `json:"vid"`
}

// Layer is an independent experimentation stratum.
type Layer struct {
	LayerID  string   `json:"layer_id"`
	Version  string   `json:"version"`
	Priority int32    `json:"priority"`
	HashKey  string   `json:"hash_key"`
	Salt     string   `json:"salt,omitempty"`
	Enabled  bool     `json:"enabled"`
	Ranges   []Range  `json:"ranges"`
	Service  string   `json:"service,omitempty"`
	Services []string `json:"services,omitempty"`
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

// FieldTypes maps a context attribute name to its declared kind.
type FieldTypes map[string]FieldKind

// LayerManager covers CRUD operations on layers.
type LayerManager interface {
	CreateLayer(ctx context.Context, layer Layer) (Layer, error)
	GetLayer(ctx context.Context, layerID string) (Layer, error)
	ListLayers(ctx context.Context) ([]Layer, error)
	UpdateLayer(ctx context.Context, layer Layer) (Layer, error)
	DeleteLayer(ctx context.Context, layerID string) error
}

// ExperimentManager covers CRUD operations on experiments.
type ExperimentManager interface {
	CreateExperiment(ctx context.Context, exp Experiment) (Experiment, error)
	GetExperiment(ctx context.Context, eid int64) (Experiment, error)
	ListExperiments(ctx context.Context) ([]Experiment, error)
	UpdateExperiment(ctx context.Context, exp Experiment) (Experiment, error)
	DeleteExperiment(ctx context.Context, eid int64) error
}

// FieldTypeManager covers the field-type registry.
type FieldTypeManager interface {
	GetFieldTypes(ctx context.Context) (FieldTypes, error)
	SetFieldType(ctx context.Context, field string, kind FieldKind) error
}

// Evaluator covers evaluation of one or more services against a request
// context.
type Evaluator interface {
	Evaluate(ctx context.Context, services []string, keys map[string]string, evalCtx map[string]any) (EvaluateResponse, error)
}

// EvaluateResponse is the outcome of an Evaluate call, one ServiceResult
// per requested service.
type EvaluateResponse struct {
	Results map[string]ServiceResult
}

// ServiceResult is a single service's merged evaluation outcome.
type ServiceResult struct {
	Parameters    map[string]any
	VIDs          []int64
	MatchedLayers []string
}

// ConfigChange is a real-time notification of a layer or experiment
// mutation, delivered over a Subscriber stream.
type ConfigChange struct {
	Kind      string // "LayerCreated" | "LayerUpdated" | "LayerDeleted" | "ExperimentCreated" | "ExperimentUpdated" | "ExperimentDeleted"
	Version   int64
	EntityID  string
	Services  []string
	Timestamp string
}

// Snapshot is a full reload: every layer, experiment, and field type known
// at Version.
type Snapshot struct {
	Version     int64
	Layers      []Layer
	Experiments []Experiment
	FieldTypes  FieldTypes
}

// SubscribeFrame is one message on a Subscribe stream: either a full
// Snapshot (on connect, or after a missed-version reload) or an
// incremental Change.
type SubscribeFrame struct {
	Snapshot *Snapshot
	Change   *ConfigChange
}

// Subscriber delivers real-time config change notifications. The returned
// channel is closed when ctx is cancelled or the connection drops. Only
// the gRPC client implements this; the HTTP transport has no streaming
// surface.
type Subscriber interface {
	Subscribe(ctx context.Context, subscriberID string, services []string, knownVersion int64) (<-chan SubscribeFrame, error)
}
