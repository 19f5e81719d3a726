// Package server exposes the job coordinator over gRPC. Messages are
// google.protobuf.Struct values, so the service needs no generated code.
package server

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/jobs"
	"github.com/joseph-ayodele/transcript-pipeline/internal/utils"
)

const ServiceName = "transcript.v1.Jobs"

// Coordinator is the part of jobs.Service the gRPC layer needs.
type Coordinator interface {
	CreateJob(ctx context.Context, req jobs.CreateRequest) (entity.Job, error)
	GetJob(ctx context.Context, id string) (entity.Job, error)
	ListJobs(ctx context.Context, limit int) ([]entity.Job, error)
	RegenerateFormatting(ctx context.Context, id string) (entity.Job, error)
	Attach(ctx context.Context, id string) (<-chan hub.Event, func(), error)
}

// JobsServer is the server API of transcript.v1.Jobs.
type JobsServer interface {
	CreateJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegenerateFormatting(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Attach(*structpb.Struct, grpc.ServerStream) error
}

type JobsService struct {
	jobs   Coordinator
	logger *slog.Logger
}

func NewJobsService(c Coordinator, logger *slog.Logger) *JobsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsService{jobs: c, logger: logger}
}

// Register adds the service to s.
func Register(s grpc.ServiceRegistrar, srv JobsServer) {
	s.RegisterService(&JobsServiceDesc, srv)
}

func (s *JobsService) CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	body, err := req.MarshalJSON()
	if err != nil {
		return nil, common.InvalidArgumentErrorf("decode request: %v", err)
	}
	in, err := jobs.DecodeCreateRequest(body)
	if err != nil {
		return nil, common.GRPCError(err)
	}
	job, err := s.jobs.CreateJob(ctx, in)
	if err != nil {
		return nil, common.GRPCError(err)
	}
	return s.job(job)
}

func (s *JobsService) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, common.GRPCError(err)
	}
	return s.job(job)
}

func (s *JobsService) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	list, err := s.jobs.ListJobs(ctx, utils.GetInt(req, "limit"))
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		return nil, common.GRPCError(err)
	}
	out, err := utils.ToPBJobs(list)
	if err != nil {
		return nil, common.InternalErrorf("encode jobs: %v", err)
	}
	return out, nil
}

func (s *JobsService) RegenerateFormatting(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.RegenerateFormatting(ctx, id)
	if err != nil {
		return nil, common.GRPCError(err)
	}
	return s.job(job)
}

// Attach streams progress events until the job ends or the client leaves.
func (s *JobsService) Attach(req *structpb.Struct, stream grpc.ServerStream) error {
	id, err := requireID(req)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	events, cancel, err := s.jobs.Attach(ctx, id)
	if err != nil {
		return common.GRPCError(err)
	}
	defer cancel()

	s.logger.Debug("grpc.attach", "job_id", id)
	for ev := range events {
		msg, err := utils.ToPBEvent(ev)
		if err != nil {
			return common.InternalErrorf("encode event: %v", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *JobsService) job(j entity.Job) (*structpb.Struct, error) {
	out, err := utils.ToPBJob(j)
	if err != nil {
		return nil, common.InternalErrorf("encode job: %v", err)
	}
	return out, nil
}

func requireID(req *structpb.Struct) (string, error) {
	id := strings.TrimSpace(utils.GetString(req, "id"))
	if id == "" {
		return "", common.InvalidArgumentError("id is required")
	}
	return id, nil
}

func createJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "CreateJob", JobsServer.CreateJob)
}

func getJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "GetJob", JobsServer.GetJob)
}

func listJobsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "ListJobs", JobsServer.ListJobs)
}

func regenerateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "RegenerateFormatting", JobsServer.RegenerateFormatting)
}

func unary(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
	method string,
	call func(JobsServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(srv.(JobsServer), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
	handler := func(ctx context.Context, req any) (any, error) {
		return call(srv.(JobsServer), ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobsServer).Attach(in, stream)
}

// JobsServiceDesc describes transcript.v1.Jobs for grpc.Server.
var JobsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateJob", Handler: createJobHandler},
		{MethodName: "GetJob", Handler: getJobHandler},
		{MethodName: "ListJobs", Handler: listJobsHandler},
		{MethodName: "RegenerateFormatting", Handler: regenerateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Attach", Handler: attachHandler, ServerStreams: true},
	},
	Metadata: "transcript/v1/jobs.proto",
}
