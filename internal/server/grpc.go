package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stratahq/strata/internal/core"
	"github.com/stratahq/strata/internal/eval"
	"github.com/stratahq/strata/internal/middleware"
	rpcv1 "github.com/stratahq/strata/internal/rpc/v1"
	"github.com/stratahq/strata/internal/state"
	"github.com/stratahq/strata/internal/subscriber"
)

// GRPCServer implements the EvaluationService RPCs directly against
// rpc/v1's plain Go structs -- there is no generated *_grpc.pb.go stub to
// embed, so the method set below is registered by hand via ServiceDesc
// rather than by satisfying a generated interface.
type GRPCServer struct {
	service Service
}

// NewGRPCServer wraps svc for registration with a *grpc.Server.
func NewGRPCServer(svc Service) *GRPCServer {
	return &GRPCServer{service: svc}
}

func (s *GRPCServer) evaluate(ctx context.Context, req *eval.Request) (*eval.Response, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}

	resp, err := s.service.Evaluate(ctx, projectID, *req)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &resp, nil
}

func (s *GRPCServer) createLayer(ctx context.Context, req *rpcv1.LayerRequest) (*rpcv1.LayerResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	layer, err := s.service.CreateLayer(ctx, projectID, req.Layer)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.LayerResponse{Layer: layer}, nil
}

func (s *GRPCServer) updateLayer(ctx context.Context, req *rpcv1.LayerRequest) (*rpcv1.LayerResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	layer, err := s.service.UpdateLayer(ctx, projectID, req.Layer)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.LayerResponse{Layer: layer}, nil
}

func (s *GRPCServer) getLayer(ctx context.Context, req *rpcv1.GetLayerRequest) (*rpcv1.LayerResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	layer, err := s.service.GetLayer(ctx, projectID, req.LayerID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.LayerResponse{Layer: layer}, nil
}

func (s *GRPCServer) listLayers(ctx context.Context, _ *rpcv1.ListLayersRequest) (*rpcv1.ListLayersResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	layers, err := s.service.ListLayers(ctx, projectID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.ListLayersResponse{Layers: layers}, nil
}

func (s *GRPCServer) deleteLayer(ctx context.Context, req *rpcv1.DeleteLayerRequest) (*rpcv1.Empty, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	if err := s.service.DeleteLayer(ctx, projectID, req.LayerID); err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.Empty{}, nil
}

func (s *GRPCServer) createExperiment(ctx context.Context, req *rpcv1.ExperimentRequest) (*rpcv1.ExperimentResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	exp, err := s.service.CreateExperiment(ctx, projectID, req.Experiment)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.ExperimentResponse{Experiment: exp}, nil
}

func (s *GRPCServer) updateExperiment(ctx context.Context, req *rpcv1.ExperimentRequest) (*rpcv1.ExperimentResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	exp, err := s.service.UpdateExperiment(ctx, projectID, req.Experiment)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.ExperimentResponse{Experiment: exp}, nil
}

func (s *GRPCServer) getExperiment(ctx context.Context, req *rpcv1.GetExperimentRequest) (*rpcv1.ExperimentResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	exp, err := s.service.GetExperiment(ctx, projectID, req.EID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.ExperimentResponse{Experiment: exp}, nil
}

func (s *GRPCServer) listExperiments(ctx context.Context, _ *rpcv1.ListExperimentsRequest) (*rpcv1.ListExperimentsResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	exps, err := s.service.ListExperiments(ctx, projectID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.ListExperimentsResponse{Experiments: exps}, nil
}

func (s *GRPCServer) deleteExperiment(ctx context.Context, req *rpcv1.DeleteExperimentRequest) (*rpcv1.Empty, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	if err := s.service.DeleteExperiment(ctx, projectID, req.EID); err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.Empty{}, nil
}

func (s *GRPCServer) getFieldTypes(ctx context.Context, _ *rpcv1.GetFieldTypesRequest) (*rpcv1.GetFieldTypesResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	types, err := s.service.GetFieldTypes(ctx, projectID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.GetFieldTypesResponse{FieldTypes: types}, nil
}

func (s *GRPCServer) setFieldType(ctx context.Context, req *rpcv1.SetFieldTypeRequest) (*rpcv1.SetFieldTypeResponse, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing project")
	}
	if err := s.service.SetFieldType(ctx, projectID, req.Field, req.Kind); err != nil {
		return nil, toGRPCError(err)
	}
	return &rpcv1.SetFieldTypeResponse{}, nil
}

// subscribe is the handler behind the Subscribe RPC. It registers against
// the project's Subscriber Fan-out, forwards the seeded FullReload and
// every subsequent ConfigChange until the client disconnects or its queue
// overflows, and concurrently drains the client's SubscribeAck frames.
func (s *GRPCServer) subscribe(req *rpcv1.SubscribeRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing project")
	}

	subscriberID := req.SubscriberID
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	sub, err := s.service.Subscribe(ctx, projectID, subscriber.Registration{
		ID:           subscriberID,
		Services:     req.Services,
		KnownVersion: req.KnownVersion,
	})
	if err != nil {
		return toGRPCError(err)
	}
	defer sub.Close()

	go recvAcks(stream, sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.Recv():
			if !ok {
				if sub.Stale() {
					return status.Error(codes.ResourceExhausted, "subscriber queue overflowed")
				}
				return nil
			}
			frame, err := toSubscribeFrame(payload)
			if err != nil {
				return status.Errorf(codes.Internal, "encode subscribe frame: %v", err)
			}
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		}
	}
}

// recvAcks drains the client's SubscribeAck frames for the lifetime of the
// stream. It runs in its own goroutine since a gRPC server-streaming RPC
// only gets bidirectional sends/receives by reading and writing the raw
// ServerStream concurrently; the Subscribe stream uses it purely to let the
// client report its applied_version high-water mark (spec.md §6), not for
// flow control.
func recvAcks(stream grpc.ServerStream, sub *subscriber.Subscription) {
	for {
		ack := new(rpcv1.SubscribeAck)
		if err := stream.RecvMsg(ack); err != nil {
			return
		}
		sub.Ack(ack.AppliedVersion)
	}
}

func toSubscribeFrame(payload any) (*rpcv1.SubscribeFrame, error) {
	switch v := payload.(type) {
	case *core.Snapshot:
		return &rpcv1.SubscribeFrame{Snapshot: v}, nil
	case state.ConfigChange:
		return &rpcv1.SubscribeFrame{Change: &rpcv1.ConfigChange{
			Kind:      string(v.Kind),
			Version:   v.Version,
			EntityID:  v.EntityID,
			Services:  v.Services,
			Timestamp: v.Timestamp.Format(time.RFC3339Nano),
		}}, nil
	default:
		return nil, errors.New("unknown subscriber payload type")
	}
}

func toGRPCError(err error) error {
	switch {
	case errors.Is(err, eval.ErrRequestInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, eval.ErrNoSnapshot):
		return status.Error(codes.Unavailable, "snapshot not yet loaded")
	case errors.Is(err, errUnknownProject):
		return status.Error(codes.NotFound, "unknown project")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

// ServiceDesc is strata's hand-written analog of a generated
// *_grpc.pb.go's ServiceDesc: rpc/v1 ships no .proto, so the method table
// below is what grpc.Server.RegisterService reads instead of a generated
// RegisterEvaluationServiceServer function.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "strata.v1.EvaluationService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "CreateLayer", Handler: createLayerHandler},
		{MethodName: "UpdateLayer", Handler: updateLayerHandler},
		{MethodName: "GetLayer", Handler: getLayerHandler},
		{MethodName: "ListLayers", Handler: listLayersHandler},
		{MethodName: "DeleteLayer", Handler: deleteLayerHandler},
		{MethodName: "CreateExperiment", Handler: createExperimentHandler},
		{MethodName: "UpdateExperiment", Handler: updateExperimentHandler},
		{MethodName: "GetExperiment", Handler: getExperimentHandler},
		{MethodName: "ListExperiments", Handler: listExperimentsHandler},
		{MethodName: "DeleteExperiment", Handler: deleteExperimentHandler},
		{MethodName: "GetFieldTypes", Handler: getFieldTypesHandler},
		{MethodName: "SetFieldType", Handler: setFieldTypeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "strata/v1/evaluation.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(eval.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/Evaluate"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.evaluate(ctx, req.(*eval.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func createLayerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.LayerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.createLayer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/CreateLayer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.createLayer(ctx, req.(*rpcv1.LayerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateLayerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.LayerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.updateLayer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/UpdateLayer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.updateLayer(ctx, req.(*rpcv1.LayerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getLayerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.GetLayerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.getLayer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/GetLayer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.getLayer(ctx, req.(*rpcv1.GetLayerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listLayersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.ListLayersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.listLayers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/ListLayers"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.listLayers(ctx, req.(*rpcv1.ListLayersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteLayerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.DeleteLayerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.deleteLayer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/DeleteLayer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.deleteLayer(ctx, req.(*rpcv1.DeleteLayerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func createExperimentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.ExperimentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.createExperiment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/CreateExperiment"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.createExperiment(ctx, req.(*rpcv1.ExperimentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateExperimentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.ExperimentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.updateExperiment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/UpdateExperiment"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.updateExperiment(ctx, req.(*rpcv1.ExperimentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getExperimentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.GetExperimentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.getExperiment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/GetExperiment"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.getExperiment(ctx, req.(*rpcv1.GetExperimentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listExperimentsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.ListExperimentsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.listExperiments(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/ListExperiments"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.listExperiments(ctx, req.(*rpcv1.ListExperimentsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteExperimentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.DeleteExperimentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.deleteExperiment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/DeleteExperiment"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.deleteExperiment(ctx, req.(*rpcv1.DeleteExperimentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getFieldTypesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.GetFieldTypesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.getFieldTypes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/GetFieldTypes"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.getFieldTypes(ctx, req.(*rpcv1.GetFieldTypesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setFieldTypeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpcv1.SetFieldTypeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.setFieldType(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/strata.v1.EvaluationService/SetFieldType"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.setFieldType(ctx, req.(*rpcv1.SetFieldTypeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(rpcv1.SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*GRPCServer).subscribe(req, stream)
}
