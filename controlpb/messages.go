// Package controlpb holds the message and service-contract types for the
// scheduler's control-plane RPC surface: Register/Unregister/LoadModel/
// UpdateBackendStats/KeepAlive inbound from backends and frontends, and
// UpdateModelTable/UpdateModelRoutes outbound to them.
//
// These are plain Go structs rather than protoc output; rpctransport wires
// them onto grpc with a JSON codec instead of the protobuf wire format.
package controlpb

import (
	"context"
	"fmt"
)

// NodeType distinguishes backend and frontend registrants.
type NodeType int32

const (
	BackendNode NodeType = iota
	FrontendNode
)

func (t NodeType) String() string {
	if t == BackendNode {
		return "BACKEND"
	}
	return "FRONTEND"
}

// Status is the result code of a control RPC.
type Status int32

const (
	CtrlOK Status = iota
	ModelNotFound
	CtrlServerNotRegistered
	NotEnoughBackends
	CtrlFrontendNodeIDConflict
	CtrlBackendNodeIDConflict
)

func (s Status) String() string {
	switch s {
	case CtrlOK:
		return "CTRL_OK"
	case ModelNotFound:
		return "MODEL_NOT_FOUND"
	case CtrlServerNotRegistered:
		return "CTRL_SERVER_NOT_REGISTERED"
	case NotEnoughBackends:
		return "NOT_ENOUGH_BACKENDS"
	case CtrlFrontendNodeIDConflict:
		return "CTRL_FRONTEND_NODE_ID_CONFLICT"
	case CtrlBackendNodeIDConflict:
		return "CTRL_BACKEND_NODE_ID_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// ModelSession is the wire form of a routing unit: a concrete
// (framework, model, version, latency-SLA, input-size) tuple.
type ModelSession struct {
	Framework    string
	ModelName    string
	Version      uint32
	LatencySLAMs float32
	ImageHeight  uint32
	ImageWidth   uint32
}

// ModelID returns the model profile database key for a model session:
// "framework:model_name:version", matching the original's
// ModelSessionToModelID() and the on-disk model_id field in the profile
// database. Unlike SessionID, it never varies by latency SLA or input
// size, since the same model weights back every SLA/size variant.
func (s ModelSession) ModelID() string {
	return fmt.Sprintf("%s:%s:%d", s.Framework, s.ModelName, s.Version)
}

// SessionID returns the routing key for a model session:
// "framework:model:version:sla_ms", with ":height:width" appended when an
// input size is set (resizable models carry the requested dims in the
// key so differently-sized requests route independently).
func (s ModelSession) SessionID() string {
	id := fmt.Sprintf("%s:%s:%d:%g", s.Framework, s.ModelName, s.Version, s.LatencySLAMs)
	if s.ImageHeight > 0 || s.ImageWidth > 0 {
		id += fmt.Sprintf(":%d:%d", s.ImageHeight, s.ImageWidth)
	}
	return id
}

// BackendInfo describes a backend node as embedded in a route.
type BackendInfo struct {
	NodeID      uint32
	Address     string
	ServerPort  string
	RpcPort     string
	GpuName     string
	GpuTotalMem uint64
}

// InstanceInfo is the wire form of a concrete per-backend model plan.
type InstanceInfo struct {
	ModelSessionID string
	Batch          uint32
	MaxBatch       uint32
	ThroughputQPS  float64
	DutyCycleUs    float64
	MemoryBytes    uint64
	Fixed          bool
	BackupBackends []uint32
}

// BackendRate pairs a backend with the throughput it contributes to a
// session, as returned in a ModelRoute.
type BackendRate struct {
	Info       BackendInfo
	Throughput float64
}

// ModelRoute is the routing table entry for one session, pushed to
// frontends.
type ModelRoute struct {
	ModelSessionID string
	BackendRates   []BackendRate
}

// RegisterRequest/RegisterReply -- Register RPC.
type RegisterRequest struct {
	NodeType            NodeType
	NodeID              uint32
	ServerPort          string
	RpcPort             string
	GpuDeviceName       string
	GpuAvailableMemory  uint64
}

type RegisterReply struct {
	Status            Status
	BeaconIntervalSec uint32
}

// UnregisterRequest -- Unregister RPC.
type UnregisterRequest struct {
	NodeType NodeType
	NodeID   uint32
}

// RpcReply is the generic ack reply shared by several RPCs.
type RpcReply struct {
	Status Status
}

// LoadModelRequest/LoadModelReply -- LoadModel RPC.
type LoadModelRequest struct {
	NodeID          uint32
	ModelSession    ModelSession
	EstimateWorkload float32
}

type LoadModelReply struct {
	Status     Status
	ModelRoute ModelRoute
}

// RpsSample is one sliding-window rps observation for a model session on a
// reporting backend.
type RpsSample struct {
	ModelSessionID string
	Rps            float64
}

// BackendStatsProto -- UpdateBackendStats RPC.
type BackendStatsProto struct {
	NodeID  uint32
	Samples []RpsSample
}

// KeepAliveRequest -- KeepAlive RPC (frontend-only).
type KeepAliveRequest struct {
	NodeID uint32
}

// UpdateModelTableRequest -- outbound scheduler->backend push.
type UpdateModelTableRequest struct {
	Instances []InstanceInfo
}

// ModelRouteUpdates -- outbound scheduler->frontend push.
type ModelRouteUpdates struct {
	ModelRoutes []ModelRoute
}

// SchedulerServer is the contract the scheduler implements and
// rpctransport exposes over grpc.
type SchedulerServer interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterReply, error)
	Unregister(ctx context.Context, req *UnregisterRequest) (*RpcReply, error)
	LoadModel(ctx context.Context, req *LoadModelRequest) (*LoadModelReply, error)
	UpdateBackendStats(ctx context.Context, req *BackendStatsProto) (*RpcReply, error)
	KeepAlive(ctx context.Context, req *KeepAliveRequest) (*RpcReply, error)
}

// BackendControlServer is the contract a backend process implements to
// receive model-table pushes; only a client stub and a server
// registration helper for it exist in this module, since the backend
// process itself is out of scope.
type BackendControlServer interface {
	UpdateModelTable(ctx context.Context, req *UpdateModelTableRequest) (*RpcReply, error)
}

// FrontendControlServer is the contract a frontend process implements to
// receive route pushes; only a client stub and a server registration
// helper for it exist in this module, since the frontend process itself
// is out of scope.
type FrontendControlServer interface {
	UpdateModelRoutes(ctx context.Context, req *ModelRouteUpdates) (*RpcReply, error)
}
