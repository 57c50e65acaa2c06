package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-relay/internal/collab"
	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/internal/recommend"
	"github.com/ChuLiYu/beaver-relay/internal/stream"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// Jobs is the orchestrator surface exposed over RPC.
type Jobs interface {
	Submit(ctx context.Context, resourceKey string) (types.Submission, error)
	GetJobStatus(ctx context.Context, id types.JobID) (types.Job, error)
	GetCachedResult(ctx context.Context, resourceKey string) (json.RawMessage, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// Recommender is the recommendation surface exposed over RPC.
type Recommender interface {
	Recommend(ctx context.Context, userID string) ([]string, error)
	IndexResource(ctx context.Context, resourceID, text string) (string, error)
	IngestUserComments(ctx context.Context, userID string) (int, error)
}

// Server implements RelayServer on top of the orchestrator and the
// recommendation client.
type Server struct {
	jobs Jobs
	recs Recommender
}

var _ RelayServer = (*Server)(nil)

// NewServer creates a new gRPC server instance. recs may be nil, in which
// case the recommendation methods answer Unavailable.
func NewServer(jobs Jobs, recs Recommender) *Server {
	return &Server{jobs: jobs, recs: recs}
}

// NewGRPCServer returns a grpc.Server with the relay service registered.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(recoverInterceptor, logInterceptor)}, opts...)
	g := grpc.NewServer(opts...)
	RegisterRelayServer(g, srv)
	return g
}

// SubmitJob starts analysis of a resource.
func (s *Server) SubmitJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sub, err := s.jobs.Submit(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(sub)
}

// GetJobStatus returns the latest status written for a job.
func (s *Server) GetJobStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	job, err := s.jobs.GetJobStatus(ctx, types.JobID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(job)
}

// GetCachedResult returns the cached analysis of a resource.
func (s *Server) GetCachedResult(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "resource key is required")
	}
	result, err := s.jobs.GetCachedResult(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(cachedResult{ResourceKey: req.GetValue(), Result: result})
}

// Recommend returns resources similar to what the user commented on.
func (s *Server) Recommend(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.recs == nil {
		return nil, status.Error(codes.Unavailable, "recommendation is not configured")
	}
	ids, err := s.recs.Recommend(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(recommendation{UserID: req.GetValue(), IDs: ids})
}

// IndexResource queues a resource for embedding. The request carries "id"
// and an optional "text".
func (s *Server) IndexResource(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	if s.recs == nil {
		return nil, status.Error(codes.Unavailable, "recommendation is not configured")
	}
	fields := req.GetFields()
	msgID, err := s.recs.IndexResource(ctx, fields["id"].GetStringValue(), fields["text"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(msgID), nil
}

// IngestUserComments fetches a user's comments and stores them for the
// recommendation worker.
func (s *Server) IngestUserComments(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.recs == nil {
		return nil, status.Error(codes.Unavailable, "recommendation is not configured")
	}
	n, err := s.recs.IngestUserComments(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(ingested{UserID: req.GetValue(), CommentCount: n})
}

// Stats returns the request counters.
func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	counters, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(counters)
}

// Helpers

type cachedResult struct {
	ResourceKey string          `json:"resource_key"`
	Result      json.RawMessage `json:"result"`
}

type ingested struct {
	UserID       string `json:"user_id"`
	CommentCount int    `json:"comment_count"`
}

type recommendation struct {
	UserID string   `json:"user_id"`
	IDs    []string `json:"ids"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orchestrator.ErrEmptyResource), errors.Is(err, recommend.ErrEmptyID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, recommend.ErrNoUserFetcher):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, collab.ErrUpstream):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, stream.ErrCallTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("RPC handler panicked", "method", info.FullMethod, "panic", r)
			err = status.Error(codes.Internal, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return handler(ctx, req)
}

func logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Debug("RPC handled",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start))
	return resp, err
}
