package model

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"flarelocate/internal/npy"
)

// NewServer returns a gRPC server sized for stacked inputs.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}, opts...)
	return grpc.NewServer(opts...)
}

// RegisterServer exposes m as the heatmap model service on s.
func RegisterServer(s *grpc.Server, m Model) {
	s.RegisterService(&serviceDesc, &modelServer{m: m})
}

type modelService interface {
	train(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	predict(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

type modelServer struct {
	m Model
}

func (s *modelServer) train(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := trainRequestFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid train request: %v", err)
	}
	res, err := s.m.Train(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := res.toStruct()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func (s *modelServer) predict(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	eventID, checkpoint := first(md.Get(eventIDKey)), first(md.Get(checkpointKey))

	diff, err := npy.Decode(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "event %s: %v", eventID, err)
	}
	hm, err := s.m.Predict(ctx, checkpoint, eventID, diff)
	if err != nil {
		return nil, toStatus(err)
	}
	b, err := npy.Encode(hm.Shape, hm.Data)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode heatmap: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func trainHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(modelService).train(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: trainMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(modelService).train(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(modelService).predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(modelService).predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*modelService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Train", Handler: trainHandler},
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flarelocate/model/v1/model.proto",
}
