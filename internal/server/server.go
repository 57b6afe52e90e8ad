// Package server exposes the safety gate over gRPC.
//
// The service is "virtgpu.v1.Gate". Messages are the plain structs below,
// carried by a JSON codec registered under the "json" content subtype.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "virtgpu.v1.Gate"

// ============================================================================
// Messages
// ============================================================================

type RenderRequest struct {
	Tag    uint32 `json:"tag"`
	Buffer []byte `json:"buffer"`
}

type RenderResponse struct {
	JobID uint64 `json:"job_id"`
}

type StatusRequest struct {
	JobID uint64 `json:"job_id"`
}

type StatusResponse struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type StatsRequest struct{}

type StatsResponse struct {
	Stats map[string]interface{} `json:"stats"`
}

type DisplayInfoRequest struct{}

type DisplayInfoResponse struct {
	JobID    uint64              `json:"job_id"`
	Displays []gpucmd.DisplayOne `json:"displays"`
}

// ============================================================================
// Server
// ============================================================================

// Gate is the entry point the service forwards caller buffers to.
type Gate interface {
	RenderSafe(buffer []byte, tag uint32) (types.JobID, error)
	Status(jobID types.JobID) (types.JobStatus, error)
}

// Backend gives access to job records and driver statistics.
type Backend interface {
	Job(jobID types.JobID) (types.Job, error)
	Stats() map[string]interface{}
}

// GateServer is the server API of the Gate service.
type GateServer interface {
	RenderSafe(context.Context, *RenderRequest) (*RenderResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	DisplayInfo(context.Context, *DisplayInfoRequest) (*DisplayInfoResponse, error)
}

// Server implements GateServer.
type Server struct {
	gate    Gate
	backend Backend

	// pollInterval 為 DisplayInfo 等待任務完成時的輪詢間隔
	pollInterval time.Duration
}

// NewServer creates a new gRPC server implementation.
func NewServer(g Gate, b Backend) *Server {
	return &Server{
		gate:         g,
		backend:      b,
		pollInterval: 5 * time.Millisecond,
	}
}

// Register adds the service to a grpc.Server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// RenderSafe handles a caller buffer.
func (s *Server) RenderSafe(ctx context.Context, req *RenderRequest) (*RenderResponse, error) {
	id, err := s.gate.RenderSafe(req.Buffer, req.Tag)
	if err != nil {
		return nil, toStatus(err)
	}
	slog.Debug("Render request accepted", "tag", fmt.Sprintf("%#x", req.Tag), "job_id", id)
	return &RenderResponse{JobID: uint64(id)}, nil
}

// Status reports the state of a job.
func (s *Server) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	st, err := s.gate.Status(types.JobID(req.JobID))
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{State: string(st.State), Reason: st.Reason}, nil
}

// Stats reports driver statistics.
func (s *Server) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	return &StatsResponse{Stats: s.backend.Stats()}, nil
}

// DisplayInfo issues GET_DISPLAY_INFO through the gate and waits for the
// device answer, bounded by the request context.
func (s *Server) DisplayInfo(ctx context.Context, req *DisplayInfoRequest) (*DisplayInfoResponse, error) {
	id, err := s.gate.RenderSafe(nil, uint32(gpucmd.KindGetDisplayInfo))
	if err != nil {
		return nil, toStatus(err)
	}

	var job types.Job
	wait := backoff.WithContext(backoff.NewConstantBackOff(s.pollInterval), ctx)
	err = backoff.Retry(func() error {
		j, err := s.backend.Job(id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !j.State.Terminal() {
			return errPending
		}
		job = j
		return nil
	}, wait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, toStatus(err)
	}

	if job.State != types.StateCompleted {
		return nil, toStatus(fmt.Errorf("display info job %d %s: %s", id, job.State, job.Reason))
	}
	resp, err := gpucmd.ParseResponse(job.Response)
	if err != nil {
		return nil, toStatus(err)
	}
	displays, err := gpucmd.ParseDisplayInfo(resp.Body)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DisplayInfoResponse{JobID: uint64(id), Displays: displays}, nil
}

var errPending = errors.New("job still in flight")

// ============================================================================
// Service descriptor
// ============================================================================

func renderSafeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RenderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServer).RenderSafe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RenderSafe"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GateServer).RenderSafe(ctx, req.(*RenderRequest))
	})
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Status"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GateServer).Status(ctx, req.(*StatusRequest))
	})
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Stats"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GateServer).Stats(ctx, req.(*StatsRequest))
	})
}

func displayInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DisplayInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServer).DisplayInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/DisplayInfo"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GateServer).DisplayInfo(ctx, req.(*DisplayInfoRequest))
	})
}

// ServiceDesc describes the Gate service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RenderSafe", Handler: renderSafeHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "DisplayInfo", Handler: displayInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "virtgpu/v1/gate",
}
