package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-relay/internal/orchestrator"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// Client is a typed client for the relay service. NotFound answers come
// back wrapping orchestrator.ErrNotFound.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// SubmitJob submits a resource for analysis.
func (c *Client) SubmitJob(ctx context.Context, resourceKey string, opts ...grpc.CallOption) (types.Submission, error) {
	var sub types.Submission
	err := c.invokeStruct(ctx, MethodSubmitJob, wrapperspb.String(resourceKey), &sub, opts...)
	return sub, err
}

// GetJobStatus fetches the status of a job.
func (c *Client) GetJobStatus(ctx context.Context, id types.JobID, opts ...grpc.CallOption) (types.Job, error) {
	var job types.Job
	err := c.invokeStruct(ctx, MethodGetJobStatus, wrapperspb.String(string(id)), &job, opts...)
	return job, err
}

// GetCachedResult fetches the cached analysis of a resource.
func (c *Client) GetCachedResult(ctx context.Context, resourceKey string, opts ...grpc.CallOption) (json.RawMessage, error) {
	var out cachedResult
	if err := c.invokeStruct(ctx, MethodGetCachedResult, wrapperspb.String(resourceKey), &out, opts...); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Recommend fetches recommendations for a user.
func (c *Client) Recommend(ctx context.Context, userID string, opts ...grpc.CallOption) ([]string, error) {
	var out recommendation
	if err := c.invokeStruct(ctx, MethodRecommend, wrapperspb.String(userID), &out, opts...); err != nil {
		return nil, err
	}
	if out.IDs == nil {
		out.IDs = []string{}
	}
	return out.IDs, nil
}

// IndexResource queues a resource for embedding and returns the stream
// message id.
func (c *Client) IndexResource(ctx context.Context, resourceID, text string, opts ...grpc.CallOption) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"id": resourceID, "text": text})
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, MethodIndexResource, req, out, opts...); err != nil {
		return "", fromStatus(err)
	}
	return out.GetValue(), nil
}

// IngestUserComments asks the server to fetch and store a user's comments
// and returns how many were stored.
func (c *Client) IngestUserComments(ctx context.Context, userID string, opts ...grpc.CallOption) (int, error) {
	var out ingested
	if err := c.invokeStruct(ctx, MethodIngestComments, wrapperspb.String(userID), &out, opts...); err != nil {
		return 0, err
	}
	return out.CommentCount, nil
}

// Stats fetches the request counters.
func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (map[string]int64, error) {
	counters := map[string]int64{}
	err := c.invokeStruct(ctx, MethodStats, &emptypb.Empty{}, &counters, opts...)
	return counters, err
}

func (c *Client) invokeStruct(ctx context.Context, method string, req any, v any, opts ...grpc.CallOption) error {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return fromStatus(err)
	}
	if err := fromStruct(out, v); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func fromStatus(err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, st.Message())
	}
	return err
}
