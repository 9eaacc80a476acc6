package rpctransport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/uwsaml/nexus/controlpb"
)

// SchedulerClient is the typed client stub a backend or frontend process
// uses to call the scheduler; NewSchedulerClient is the hand-written
// analogue of a protoc-gen-go-grpc constructor.
type SchedulerClient struct {
	cc *grpc.ClientConn
}

func NewSchedulerClient(cc *grpc.ClientConn) *SchedulerClient {
	return &SchedulerClient{cc: cc}
}

func (c *SchedulerClient) Register(ctx context.Context, req *controlpb.RegisterRequest) (*controlpb.RegisterReply, error) {
	out := new(controlpb.RegisterReply)
	if err := c.cc.Invoke(ctx, "/nexus.control.Scheduler/Register", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) Unregister(ctx context.Context, req *controlpb.UnregisterRequest) (*controlpb.RpcReply, error) {
	out := new(controlpb.RpcReply)
	if err := c.cc.Invoke(ctx, "/nexus.control.Scheduler/Unregister", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) LoadModel(ctx context.Context, req *controlpb.LoadModelRequest) (*controlpb.LoadModelReply, error) {
	out := new(controlpb.LoadModelReply)
	if err := c.cc.Invoke(ctx, "/nexus.control.Scheduler/LoadModel", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) UpdateBackendStats(ctx context.Context, req *controlpb.BackendStatsProto) (*controlpb.RpcReply, error) {
	out := new(controlpb.RpcReply)
	if err := c.cc.Invoke(ctx, "/nexus.control.Scheduler/UpdateBackendStats", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) KeepAlive(ctx context.Context, req *controlpb.KeepAliveRequest) (*controlpb.RpcReply, error) {
	out := new(controlpb.RpcReply)
	if err := c.cc.Invoke(ctx, "/nexus.control.Scheduler/KeepAlive", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// BackendControlClient is the stub the scheduler uses to push model-table
// updates out to a registered backend.
type BackendControlClient struct {
	cc *grpc.ClientConn
}

func NewBackendControlClient(cc *grpc.ClientConn) *BackendControlClient {
	return &BackendControlClient{cc: cc}
}

func (c *BackendControlClient) UpdateModelTable(ctx context.Context, req *controlpb.UpdateModelTableRequest) (*controlpb.RpcReply, error) {
	out := new(controlpb.RpcReply)
	if err := c.cc.Invoke(ctx, "/nexus.control.BackendControl/UpdateModelTable", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FrontendControlClient is the stub the scheduler uses to push routing
// updates out to a registered frontend.
type FrontendControlClient struct {
	cc *grpc.ClientConn
}

func NewFrontendControlClient(cc *grpc.ClientConn) *FrontendControlClient {
	return &FrontendControlClient{cc: cc}
}

func (c *FrontendControlClient) UpdateModelRoutes(ctx context.Context, req *controlpb.ModelRouteUpdates) (*controlpb.RpcReply, error) {
	out := new(controlpb.RpcReply)
	if err := c.cc.Invoke(ctx, "/nexus.control.FrontendControl/UpdateModelRoutes", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dial opens a client connection to addr pinned to the JSON codec and
// insecure transport credentials, matching the cluster's trusted-network
// deployment model (control-plane traffic is not TLS-terminated here).
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{
		DialOption(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	return grpc.NewClient(addr, dialOpts...)
}
