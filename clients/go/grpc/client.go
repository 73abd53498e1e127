// Package grpc provides a gRPC client for the strata evaluation service.
//
// strata's gRPC service ships no .proto file or generated stub (see
// internal/rpc/v1's JSON codec); this client dials the raw *grpc.ClientConn
// and invokes methods by name against rpc/v1's plain Go structs instead of
// a generated client interface.
package grpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	strata "github.com/stratahq/strata/clients/go"
	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/eval"
	rpcv1 "github.com/stratahq/strata/internal/rpc/v1"
)

const serviceName = "strata.v1.EvaluationService"

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the strata gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
	// AckInterval overrides how often Subscribe reports its applied_version
	// back to the server. Defaults to 5s.
	AckInterval time.Duration
}

// Client implements strata.LayerManager, strata.ExperimentManager,
// strata.FieldTypeManager, strata.Evaluator, and strata.Subscriber over
// gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// NewGRPCClient dials the strata gRPC server and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := cfg.DialOpts
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("strata: dial %s: %w", cfg.Address, err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) outgoingCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	fullMethod := "/" + serviceName + "/" + method
	opts := []grpc.CallOption{grpc.CallContentSubtype(rpcv1.JSONCodecName)}
	if err := c.conn.Invoke(c.outgoingCtx(ctx), fullMethod, in, out, opts...); err != nil {
		return fmt.Errorf("strata: %s: %w", method, err)
	}
	return nil
}

// -- Evaluator ----------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, services []string, keys map[string]string, evalCtx map[string]any) (strata.EvaluateResponse, error) {
	req := &eval.Request{Services: services, Keys: keys, Context: evalCtx}
	out := new(eval.Response)
	if err := c.invoke(ctx, "Evaluate", req, out); err != nil {
		return strata.EvaluateResponse{}, err
	}
	resp := strata.EvaluateResponse{Results: make(map[string]strata.ServiceResult, len(out.Results))}
	for service, r := range out.Results {
		resp.Results[service] = strata.ServiceResult{
			Parameters:    r.Parameters,
			VIDs:          r.VIDs,
			MatchedLayers: r.MatchedLayers,
		}
	}
	return resp, nil
}

// -- LayerManager ---------------------------------------------------------

func (c *Client) CreateLayer(ctx context.Context, layer strata.Layer) (strata.Layer, error) {
	out := new(rpcv1.LayerResponse)
	if err := c.invoke(ctx, "CreateLayer", &rpcv1.LayerRequest{Layer: toCoreLayer(layer)}, out); err != nil {
		return strata.Layer{}, err
	}
	return fromCoreLayer(out.Layer), nil
}

func (c *Client) UpdateLayer(ctx context.Context, layer strata.Layer) (strata.Layer, error) {
	out := new(rpcv1.LayerResponse)
	if err := c.invoke(ctx, "UpdateLayer", &rpcv1.LayerRequest{Layer: toCoreLayer(layer)}, out); err != nil {
		return strata.Layer{}, err
	}
	return fromCoreLayer(out.Layer), nil
}

func (c *Client) GetLayer(ctx context.Context, layerID string) (strata.Layer, error) {
	out := new(rpcv1.LayerResponse)
	if err := c.invoke(ctx, "GetLayer", &rpcv1.GetLayerRequest{LayerID: layerID}, out); err != nil {
		return strata.Layer{}, err
	}
	return fromCoreLayer(out.Layer), nil
}

func (c *Client) ListLayers(ctx context.Context) ([]strata.Layer, error) {
	out := new(rpcv1.ListLayersResponse)
	if err := c.invoke(ctx, "ListLayers", &rpcv1.ListLayersRequest{}, out); err != nil {
		return nil, err
	}
	layers := make([]strata.Layer, len(out.Layers))
	for i, l := range out.Layers {
		layers[i] = fromCoreLayer(l)
	}
	return layers, nil
}

func (c *Client) DeleteLayer(ctx context.Context, layerID string) error {
	return c.invoke(ctx, "DeleteLayer", &rpcv1.DeleteLayerRequest{LayerID: layerID}, new(rpcv1.Empty))
}

// -- ExperimentManager ------------------------------------------------------

func (c *Client) CreateExperiment(ctx context.Context, exp strata.Experiment) (strata.Experiment, error) {
	out := new(rpcv1.ExperimentResponse)
	if err := c.invoke(ctx, "CreateExperiment", &rpcv1.ExperimentRequest{Experiment: toCoreExperiment(exp)}, out); err != nil {
		return strata.Experiment{}, err
	}
	return fromCoreExperiment(out.Experiment), nil
}

func (c *Client) UpdateExperiment(ctx context.Context, exp strata.Experiment) (strata.Experiment, error) {
	out := new(rpcv1.ExperimentResponse)
	if err := c.invoke(ctx, "UpdateExperiment", &rpcv1.ExperimentRequest{Experiment: toCoreExperiment(exp)}, out); err != nil {
		return strata.Experiment{}, err
	}
	return fromCoreExperiment(out.Experiment), nil
}

func (c *Client) GetExperiment(ctx context.Context, eid int64) (strata.Experiment, error) {
	out := new(rpcv1.ExperimentResponse)
	if err := c.invoke(ctx, "GetExperiment", &rpcv1.GetExperimentRequest{EID: eid}, out); err != nil {
		return strata.Experiment{}, err
	}
	return fromCoreExperiment(out.Experiment), nil
}

func (c *Client) ListExperiments(ctx context.Context) ([]strata.Experiment, error) {
	out := new(rpcv1.ListExperimentsResponse)
	if err := c.invoke(ctx, "ListExperiments", &rpcv1.ListExperimentsRequest{}, out); err != nil {
		return nil, err
	}
	exps := make([]strata.Experiment, len(out.Experiments))
	for i, e := range out.Experiments {
		exps[i] = fromCoreExperiment(e)
	}
	return exps, nil
}

func (c *Client) DeleteExperiment(ctx context.Context, eid int64) error {
	return c.invoke(ctx, "DeleteExperiment", &rpcv1.DeleteExperimentRequest{EID: eid}, new(rpcv1.Empty))
}

// -- FieldTypeManager -------------------------------------------------------

func (c *Client) GetFieldTypes(ctx context.Context) (strata.FieldTypes, error) {
	out := new(rpcv1.GetFieldTypesResponse)
	if err := c.invoke(ctx, "GetFieldTypes", &rpcv1.GetFieldTypesRequest{}, out); err != nil {
		return nil, err
	}
	types := make(strata.FieldTypes, len(out.FieldTypes))
	for field, kind := range out.FieldTypes {
		types[field] = strata.FieldKind(kind)
	}
	return types, nil
}

func (c *Client) SetFieldType(ctx context.Context, field string, kind strata.FieldKind) error {
	req := &rpcv1.SetFieldTypeRequest{Field: field, Kind: core.FieldKind(kind)}
	return c.invoke(ctx, "SetFieldType", req, new(rpcv1.SetFieldTypeResponse))
}

// -- Subscriber ---------------------------------------------------------------

// Subscribe opens the server-streaming Subscribe RPC and emits SubscribeFrames
// on the returned channel. The channel closes when ctx is cancelled, the
// server ends the stream, or an error occurs.
func (c *Client) Subscribe(ctx context.Context, subscriberID string, services []string, knownVersion int64) (<-chan strata.SubscribeFrame, error) {
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true, ClientStreams: true}
	stream, err := c.conn.NewStream(c.outgoingCtx(ctx), desc, "/"+serviceName+"/Subscribe",
		grpc.CallContentSubtype(rpcv1.JSONCodecName))
	if err != nil {
		return nil, fmt.Errorf("strata: open subscribe stream: %w", err)
	}

	req := &rpcv1.SubscribeRequest{SubscriberID: subscriberID, Services: services, KnownVersion: knownVersion}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("strata: send subscribe request: %w", err)
	}

	interval := c.cfg.AckInterval
	if interval <= 0 {
		interval = defaultAckInterval
	}
	var appliedVersion atomic.Int64
	go sendAcks(ctx, stream, &appliedVersion, interval)

	ch := make(chan strata.SubscribeFrame, 16)
	go func() {
		defer close(ch)
		for {
			frame := new(rpcv1.SubscribeFrame)
			if err := stream.RecvMsg(frame); err != nil {
				return
			}
			out := toClientFrame(frame)
			if out.Snapshot != nil {
				appliedVersion.Store(out.Snapshot.Version)
			} else if out.Change != nil {
				appliedVersion.Store(out.Change.Version)
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

const defaultAckInterval = 5 * time.Second

// sendAcks reports the highest version the caller has applied back to the
// server on a fixed interval, until ctx is cancelled or the stream errors.
// It never sends a stale version twice in a row.
func sendAcks(ctx context.Context, stream grpc.ClientStream, appliedVersion *atomic.Int64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastSent int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := appliedVersion.Load()
			if v == 0 || v == lastSent {
				continue
			}
			if err := stream.SendMsg(&rpcv1.SubscribeAck{AppliedVersion: v}); err != nil {
				return
			}
			lastSent = v
		}
	}
}

// -- wire <-> domain conversions ----------------------------------------------

func toCoreLayer(l strata.Layer) core.Layer {
	ranges := make([]core.Range, len(l.Ranges))
	for i, r := range l.Ranges {
		ranges[i] = core.Range{Start: r.Start, End: r.End, VID: r.VID}
	}
	return core.Layer{
		LayerID: l.LayerID, Version: l.Version, Priority: l.Priority,
		HashKey: l.HashKey, Salt: l.Salt, Enabled: l.Enabled,
		Ranges: ranges, Service: l.Service, Services: l.Services,
	}
}

func fromCoreLayer(l core.Layer) strata.Layer {
	ranges := make([]strata.Range, len(l.Ranges))
	for i, r := range l.Ranges {
		ranges[i] = strata.Range{Start: r.Start, End: r.End, VID: r.VID}
	}
	return strata.Layer{
		LayerID: l.LayerID, Version: l.Version, Priority: l.Priority,
		HashKey: l.HashKey, Salt: l.Salt, Enabled: l.Enabled,
		Ranges: ranges, Service: l.Service, Services: l.Services,
	}
}

func toCoreNode(n strata.Node) core.Node {
	children := make([]core.Node, len(n.Children))
	for i, c := range n.Children {
		children[i] = toCoreNode(c)
	}
	return core.Node{
		Kind: core.NodeKind(n.Kind), Field: n.Field, Op: core.Operator(n.Op),
		Values: n.Values, Children: children,
	}
}

func fromCoreNode(n core.Node) strata.Node {
	children := make([]strata.Node, len(n.Children))
	for i, c := range n.Children {
		children[i] = fromCoreNode(c)
	}
	return strata.Node{
		Kind: strata.NodeKind(n.Kind), Field: n.Field, Op: strata.Operator(n.Op),
		Values: n.Values, Children: children,
	}
}

func toCoreExperiment(e strata.Experiment) core.Experiment {
	variants := make([]core.Variant, len(e.Variants))
	for i, v := range e.Variants {
		variants[i] = core.Variant{VID: v.VID, Params: v.Params}
	}
	return core.Experiment{EID: e.EID, Service: e.Service, Rule: toCoreNode(e.Rule), Variants: variants}
}

func fromCoreExperiment(e core.Experiment) strata.Experiment {
	variants := make([]strata.Variant, len(e.Variants))
	for i, v := range e.Variants {
		variants[i] = strata.Variant{VID: v.VID, Params: v.Params}
	}
	return strata.Experiment{EID: e.EID, Service: e.Service, Rule: fromCoreNode(e.Rule), Variants: variants}
}

func toClientFrame(frame *rpcv1.SubscribeFrame) strata.SubscribeFrame {
	out := strata.SubscribeFrame{}
	if frame.Snapshot != nil {
		snap := &strata.Snapshot{
			Version:    frame.Snapshot.Version,
			FieldTypes: make(strata.FieldTypes, len(frame.Snapshot.FieldTypes)),
		}
		for field, kind := range frame.Snapshot.FieldTypes {
			snap.FieldTypes[field] = strata.FieldKind(kind)
		}
		for _, l := range frame.Snapshot.LayersByID {
			snap.Layers = append(snap.Layers, fromCoreLayer(l))
		}
		for _, e := range frame.Snapshot.ExperimentsByEID {
			snap.Experiments = append(snap.Experiments, fromCoreExperiment(e))
		}
		out.Snapshot = snap
	}
	if frame.Change != nil {
		out.Change = &strata.ConfigChange{
			Kind: frame.Change.Kind, Version: frame.Change.Version,
			EntityID: frame.Change.EntityID, Services: frame.Change.Services,
			Timestamp: frame.Change.Timestamp,
		}
	}
	return out
}
