// Package v1 defines the wire messages for strata's gRPC transport as plain
// Go structs, plus a JSON codec that lets gRPC carry them without a
// generated protobuf stub.
package v1

import (
	"github.com/stratahq/strata/internal/core"
)

// The Evaluate RPC carries eval.Request/eval.Response directly as its wire
// messages rather than a dedicated rpc/v1 type: both already have the JSON
// tags the codec needs, and Request's Services field covers the
// multi-service case without a parallel message pair.

// SubscribeRequest is the Subscribe RPC's initial request frame: a
// subscriber's declared interest (spec §6's {id, services, known_version}).
type SubscribeRequest struct {
	SubscriberID string   `json:"subscriber_id"`
	Services     []string `json:"services"`
	KnownVersion int64    `json:"known_version"`
}

// SubscribeFrame is one message sent down the Subscribe stream: either a
// FullReload (Snapshot non-nil) or a ConfigChange (Change non-nil).
type SubscribeFrame struct {
	Snapshot *core.Snapshot `json:"snapshot,omitempty"`
	Change   *ConfigChange  `json:"change,omitempty"`
}

// SubscribeAck is the client-to-server frame on the Subscribe stream: a
// periodic acknowledgement of the highest version the client has applied.
type SubscribeAck struct {
	AppliedVersion int64 `json:"applied_version"`
}

// ConfigChange is the wire shape of a state.ConfigChange notification.
type ConfigChange struct {
	Kind      string   `json:"kind"`
	Version   int64    `json:"version"`
	EntityID  string   `json:"entity_id"`
	Services  []string `json:"services,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// LayerRequest/LayerResponse wrap a core.Layer for the writer CRUD RPCs.
type LayerRequest struct {
	Layer core.Layer `json:"layer"`
}

type LayerResponse struct {
	Layer core.Layer `json:"layer"`
}

type GetLayerRequest struct {
	LayerID string `json:"layer_id"`
}

type DeleteLayerRequest struct {
	LayerID string `json:"layer_id"`
}

type ListLayersRequest struct{}

type ListLayersResponse struct {
	Layers []core.Layer `json:"layers"`
}

// ExperimentRequest/ExperimentResponse wrap a core.Experiment for the writer
// CRUD RPCs.
type ExperimentRequest struct {
	Experiment core.Experiment `json:"experiment"`
}

type ExperimentResponse struct {
	Experiment core.Experiment `json:"experiment"`
}

type GetExperimentRequest struct {
	EID int64 `json:"eid"`
}

type DeleteExperimentRequest struct {
	EID int64 `json:"eid"`
}

type ListExperimentsRequest struct{}

type ListExperimentsResponse struct {
	Experiments []core.Experiment `json:"experiments"`
}

// SetFieldTypeRequest/Response, GetFieldTypesRequest/Response wrap the
// field-type registry CRUD RPCs.
type SetFieldTypeRequest struct {
	Field string         `json:"field"`
	Kind  core.FieldKind `json:"kind"`
}

type SetFieldTypeResponse struct{}

type GetFieldTypesRequest struct{}

type GetFieldTypesResponse struct {
	FieldTypes core.FieldTypes `json:"field_types"`
}

// Empty is used by RPCs with no meaningful response payload.
type Empty struct{}
