package server

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// Client calls the Gate service. Errors carrying a driver error kind are
// returned so that errors.Is matches the types sentinels.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return fromStatus(err)
	}
	return nil
}

// RenderSafe submits buffer as the body of the command named by tag.
func (c *Client) RenderSafe(ctx context.Context, buffer []byte, tag uint32) (types.JobID, error) {
	out := new(RenderResponse)
	if err := c.invoke(ctx, "RenderSafe", &RenderRequest{Tag: tag, Buffer: buffer}, out); err != nil {
		return 0, err
	}
	return types.JobID(out.JobID), nil
}

// Status returns the state of a job.
func (c *Client) Status(ctx context.Context, jobID types.JobID) (types.JobStatus, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, "Status", &StatusRequest{JobID: uint64(jobID)}, out); err != nil {
		return types.JobStatus{}, err
	}
	return types.JobStatus{State: types.JobState(out.State), Reason: out.Reason}, nil
}

// Stats returns driver statistics. Numbers arrive as float64.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	out := new(StatsResponse)
	if err := c.invoke(ctx, "Stats", &StatsRequest{}, out); err != nil {
		return nil, err
	}
	return out.Stats, nil
}

// DisplayInfo asks the device for its scanouts.
func (c *Client) DisplayInfo(ctx context.Context) (types.JobID, []gpucmd.DisplayOne, error) {
	out := new(DisplayInfoResponse)
	if err := c.invoke(ctx, "DisplayInfo", &DisplayInfoRequest{}, out); err != nil {
		return 0, nil, err
	}
	return types.JobID(out.JobID), out.Displays, nil
}
