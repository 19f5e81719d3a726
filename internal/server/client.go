package server

import (
	"context"
	"errors"
	"io"
	"iter"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/jobs"
	"github.com/joseph-ayodele/transcript-pipeline/internal/utils"
)

// Client calls transcript.v1.Jobs and converts replies back to entities.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateJob(ctx context.Context, req jobs.CreateRequest) (entity.Job, error) {
	in := map[string]any{"url": req.URL}
	if req.Provider != "" {
		in["provider"] = req.Provider
	}
	if req.Model != "" {
		in["model"] = req.Model
	}
	out, err := c.invoke(ctx, "CreateJob", in)
	if err != nil {
		return entity.Job{}, err
	}
	return utils.FromPBJob(out)
}

func (c *Client) GetJob(ctx context.Context, id string) (entity.Job, error) {
	out, err := c.invoke(ctx, "GetJob", map[string]any{"id": id})
	if err != nil {
		return entity.Job{}, err
	}
	return utils.FromPBJob(out)
}

func (c *Client) ListJobs(ctx context.Context, limit int) ([]entity.Job, error) {
	out, err := c.invoke(ctx, "ListJobs", map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	return utils.FromPBJobs(out)
}

func (c *Client) RegenerateFormatting(ctx context.Context, id string) (entity.Job, error) {
	out, err := c.invoke(ctx, "RegenerateFormatting", map[string]any{"id": id})
	if err != nil {
		return entity.Job{}, err
	}
	return utils.FromPBJob(out)
}

// Attach yields events for id until the server closes the stream.
func (c *Client) Attach(ctx context.Context, id string) iter.Seq2[hub.Event, error] {
	return func(yield func(hub.Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.cc.NewStream(ctx, &JobsServiceDesc.Streams[0], "/"+ServiceName+"/Attach")
		if err != nil {
			yield(hub.Event{}, err)
			return
		}
		req, err := structpb.NewStruct(map[string]any{"id": id})
		if err != nil {
			yield(hub.Event{}, err)
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield(hub.Event{}, err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(hub.Event{}, err)
			return
		}
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) {
					yield(hub.Event{}, err)
				}
				return
			}
			if !yield(utils.FromPBEvent(msg), nil) {
				return
			}
		}
	}
}
