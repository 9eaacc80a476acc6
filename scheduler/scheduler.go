// Package scheduler implements the central scheduler: the control-plane
// actor that ties ModelProfileDB, BackendDelegate, FrontendDelegate,
// SessionRegistry, the allocator, and the control loop together behind
// one mutex, and exposes them as the control RPC service.
package scheduler

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/peer"
	klog "k8s.io/klog/v2"

	"github.com/uwsaml/nexus/backend"
	"github.com/uwsaml/nexus/config"
	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/frontend"
	"github.com/uwsaml/nexus/modeldb"
	"github.com/uwsaml/nexus/registry"
	"github.com/uwsaml/nexus/rpctransport"
)

// Dialer opens outbound control connections to newly registered nodes.
// The production implementation dials real grpc addresses; tests supply
// a fake that returns nil clients (Delegates treat a nil client as a
// no-op push, matching the fire-and-forget contract).
type Dialer interface {
	DialBackendControl(address string) (*rpctransport.BackendControlClient, func() error, error)
	DialFrontendControl(address string) (*rpctransport.FrontendControlClient, func() error, error)
}

// GrpcDialer is the production Dialer, wiring real grpc client
// connections through rpctransport's JSON codec.
type GrpcDialer struct{}

func (GrpcDialer) DialBackendControl(address string) (*rpctransport.BackendControlClient, func() error, error) {
	cc, err := rpctransport.Dial(address)
	if err != nil {
		return nil, nil, err
	}
	return rpctransport.NewBackendControlClient(cc), cc.Close, nil
}

func (GrpcDialer) DialFrontendControl(address string) (*rpctransport.FrontendControlClient, func() error, error) {
	cc, err := rpctransport.Dial(address)
	if err != nil {
		return nil, nil, err
	}
	return rpctransport.NewFrontendControlClient(cc), cc.Close, nil
}

// Config bundles a Scheduler's fixed construction parameters.
type Config struct {
	DB             *modeldb.DB
	Dialer         Dialer
	BeaconInterval time.Duration
	EpochInterval  time.Duration
	EpochEnabled   bool
	PrefixBatch    bool
	StaticWorkload []config.WorkloadSlot
}

// Scheduler is the central scheduler. All its methods that touch shared
// state acquire mu first; it is the single logical actor the design
// calls for in place of per-registry locks.
type Scheduler struct {
	mu sync.Mutex

	db     *modeldb.DB
	dialer Dialer
	reg    *registry.Registry

	backends  map[uint32]*backend.Delegate
	frontends map[uint32]*frontend.Delegate
	closers   map[uint32]func() error

	beaconInterval time.Duration
	epochInterval  time.Duration
	epochEnabled   bool
	prefixBatch    bool

	staticSlots      []config.WorkloadSlot
	assignedSlots    map[int]uint32 // slot index -> backend node id
	backendSlot      map[uint32]int // backend node id -> slot index

	historyLen int
}

// New returns an empty Scheduler.
func New(cfg Config) *Scheduler {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = GrpcDialer{}
	}
	beacon := cfg.BeaconInterval
	if beacon <= 0 {
		beacon = 2 * time.Second
	}
	epoch := cfg.EpochInterval
	if epoch <= 0 {
		epoch = 10 * time.Second
	}
	return &Scheduler{
		db:             cfg.DB,
		dialer:         dialer,
		reg:            registry.New(),
		backends:       make(map[uint32]*backend.Delegate),
		frontends:      make(map[uint32]*frontend.Delegate),
		closers:        make(map[uint32]func() error),
		beaconInterval: beacon,
		epochInterval:  epoch,
		epochEnabled:   cfg.EpochEnabled,
		prefixBatch:    cfg.PrefixBatch,
		staticSlots:    cfg.StaticWorkload,
		assignedSlots:  make(map[int]uint32),
		backendSlot:    make(map[uint32]int),
		historyLen:     historyCapacity(beacon, epoch),
	}
}

func historyCapacity(beacon, epoch time.Duration) int {
	if beacon <= 0 {
		return 2
	}
	n := int(epoch / beacon)
	if epoch%beacon != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return 2 * n
}

func nowNano() int64 {
	return time.Now().UnixNano()
}

// Register implements controlpb.SchedulerServer.
func (s *Scheduler) Register(ctx context.Context, req *controlpb.RegisterRequest) (*controlpb.RegisterReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.NodeType {
	case controlpb.BackendNode:
		if _, exists := s.backends[req.NodeID]; exists {
			return &controlpb.RegisterReply{Status: controlpb.CtrlBackendNodeIDConflict}, nil
		}
		client, closer, err := s.dialer.DialBackendControl(controlAddr(ctx, req.RpcPort))
		if err != nil {
			klog.Warningf("scheduler: dial backend %d control channel: %v", req.NodeID, err)
		}
		d := backend.New(backend.Config{
			NodeID:      req.NodeID,
			Address:     req.ServerPort,
			ServerPort:  req.ServerPort,
			RpcPort:     req.RpcPort,
			GpuName:     req.GpuDeviceName,
			GpuTotalMem: req.GpuAvailableMemory,
			WorkloadID:  backend.NoStaticWorkload,
			DB:          s.db,
			Client:      client,
		}, nowNano())
		s.backends[req.NodeID] = d
		if closer != nil {
			s.closers[req.NodeID] = closer
		}
		s.addBackendLocked(ctx, d)

	case controlpb.FrontendNode:
		if _, exists := s.frontends[req.NodeID]; exists {
			return &controlpb.RegisterReply{Status: controlpb.CtrlFrontendNodeIDConflict}, nil
		}
		client, closer, err := s.dialer.DialFrontendControl(controlAddr(ctx, req.RpcPort))
		if err != nil {
			klog.Warningf("scheduler: dial frontend %d control channel: %v", req.NodeID, err)
		}
		f := frontend.New(frontend.Config{
			NodeID:  req.NodeID,
			Address: req.ServerPort,
			Client:  client,
		}, nowNano())
		s.frontends[req.NodeID] = f
		if closer != nil {
			s.closers[req.NodeID] = closer
		}
	}

	return &controlpb.RegisterReply{
		Status:            controlpb.CtrlOK,
		BeaconIntervalSec: uint32(s.beaconInterval.Seconds()),
	}, nil
}

// peerHost extracts the caller's IP from ctx, falling back to "" (the
// loopback-relative form) if no peer information is attached, which is
// normal in unit tests that call handlers directly.
func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

func controlAddr(ctx context.Context, rpcPort string) string {
	return net.JoinHostPort(peerHost(ctx), rpcPort)
}

// siblingModelSession reconstructs the ModelSession for a prefix-share
// sibling returned by ModelProfileDB.GetPrefixShareModels, which reports
// its siblings as "framework:model_name:version" model ids (ModelID
// format), not full sessions. The sibling's SLA and input size are
// inherited from sess, since prefix siblings are always loaded at the
// same SLA/input size as the head they share a backbone with.
func siblingModelSession(sess controlpb.ModelSession, siblingModelID string) (controlpb.ModelSession, bool) {
	parts := strings.SplitN(siblingModelID, ":", 3)
	if len(parts) != 3 {
		return controlpb.ModelSession{}, false
	}
	version, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return controlpb.ModelSession{}, false
	}
	sibling := sess
	sibling.Framework = parts[0]
	sibling.ModelName = parts[1]
	sibling.Version = uint32(version)
	return sibling, true
}

// Unregister implements controlpb.SchedulerServer.
func (s *Scheduler) Unregister(ctx context.Context, req *controlpb.UnregisterRequest) (*controlpb.RpcReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.NodeType {
	case controlpb.BackendNode:
		if _, ok := s.backends[req.NodeID]; ok {
			s.removeBackendLocked(ctx, req.NodeID)
		}
	case controlpb.FrontendNode:
		if _, ok := s.frontends[req.NodeID]; ok {
			s.removeFrontendLocked(ctx, req.NodeID)
		}
	}
	return &controlpb.RpcReply{Status: controlpb.CtrlOK}, nil
}

// LoadModel implements controlpb.SchedulerServer.
func (s *Scheduler) LoadModel(ctx context.Context, req *controlpb.LoadModelRequest) (*controlpb.LoadModelReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frontendDelegate, ok := s.frontends[req.NodeID]
	if !ok {
		return &controlpb.LoadModelReply{Status: controlpb.CtrlServerNotRegistered}, nil
	}

	sess := req.ModelSession
	meta, err := s.db.GetModelInfo(sess.ModelID())
	if err != nil {
		return &controlpb.LoadModelReply{Status: controlpb.ModelNotFound}, nil
	}
	if meta.Resizable && sess.ImageHeight == 0 && sess.ImageWidth == 0 {
		sess.ImageHeight = meta.ImageHeight
		sess.ImageWidth = meta.ImageWidth
	}
	sessID := sess.SessionID()

	// Session already known: subscribe (upsert) and return the current
	// route without reallocating; growth is handled by the epoch loop.
	if si, ok := s.reg.Get(sessID); ok {
		s.reg.Subscribe(si.HeadSessionID(), req.NodeID)
		frontendDelegate.SubscribeModel(si.HeadSessionID())
		return &controlpb.LoadModelReply{Status: controlpb.CtrlOK, ModelRoute: s.routeLocked(si)}, nil
	}

	// Prefix batching: attach to an already-loaded sibling's SessionInfo.
	if s.prefixBatch {
		for _, siblingModelID := range s.db.GetPrefixShareModels(sess.ModelID()) {
			headSpec, ok := siblingModelSession(sess, siblingModelID)
			if !ok {
				klog.Warningf("scheduler: prefix_share model id %q is not framework:model:version, skipping", siblingModelID)
				continue
			}
			headID := headSpec.SessionID()
			if si, ok := s.reg.Get(headID); ok {
				s.reg.AttachSibling(headID, sess)
				s.reg.Subscribe(headID, req.NodeID)
				frontendDelegate.SubscribeModel(headID)
				for backendID := range si.BackendThroughputs {
					if b, ok := s.backends[backendID]; ok {
						_ = b.LoadPrefixModel(sess, headID)
					}
				}
				s.pushChangedLocked(ctx)
				return &controlpb.LoadModelReply{Status: controlpb.CtrlOK, ModelRoute: s.routeLocked(si)}, nil
			}
		}
	}

	// Fresh allocation.
	si, _ := s.reg.GetOrCreate(sess, s.historyLen)
	used := make(map[uint32]bool)
	estimate := float64(req.EstimateWorkload)

	if estimate == 0 {
		cand, found := s.findBestBackendLocked(sess, 0, used)
		if !found {
			s.reg.Delete(sessID)
			return &controlpb.LoadModelReply{Status: controlpb.NotEnoughBackends}, nil
		}
		cand.Backend.LoadModel(cand.Instance)
		s.reg.SetBackendThroughput(sessID, cand.Backend.NodeID, cand.Instance.ThroughputQPS)
	} else {
		var placed float64
		for placed < estimate {
			cand, found := s.findBestBackendLocked(sess, estimate-placed, used)
			if !found {
				s.reg.Delete(sessID)
				return &controlpb.LoadModelReply{Status: controlpb.NotEnoughBackends}, nil
			}
			used[cand.Backend.NodeID] = true
			cand.Backend.LoadModel(cand.Instance)
			s.reg.SetBackendThroughput(sessID, cand.Backend.NodeID, cand.Instance.ThroughputQPS)
			placed += cand.Instance.ThroughputQPS
		}
	}

	s.reg.Subscribe(sessID, req.NodeID)
	frontendDelegate.SubscribeModel(sessID)
	s.pushChangedLocked(ctx)
	si, _ = s.reg.Get(sessID)
	return &controlpb.LoadModelReply{Status: controlpb.CtrlOK, ModelRoute: s.routeLocked(si)}, nil
}

// UpdateBackendStats implements controlpb.SchedulerServer.
func (s *Scheduler) UpdateBackendStats(ctx context.Context, req *controlpb.BackendStatsProto) (*controlpb.RpcReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.backends[req.NodeID]
	if !ok {
		return &controlpb.RpcReply{Status: controlpb.CtrlServerNotRegistered}, nil
	}
	now := nowNano()
	d.Tick(now)
	d.IngestStats(now, req.Samples)
	return &controlpb.RpcReply{Status: controlpb.CtrlOK}, nil
}

// KeepAlive implements controlpb.SchedulerServer. Frontend-only.
func (s *Scheduler) KeepAlive(ctx context.Context, req *controlpb.KeepAliveRequest) (*controlpb.RpcReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.frontends[req.NodeID]
	if !ok {
		return &controlpb.RpcReply{Status: controlpb.CtrlServerNotRegistered}, nil
	}
	f.Tick(nowNano())
	return &controlpb.RpcReply{Status: controlpb.CtrlOK}, nil
}

// routeLocked builds a ModelRoute snapshot for si. Callers must hold mu.
func (s *Scheduler) routeLocked(si *registry.SessionInfo) controlpb.ModelRoute {
	route := controlpb.ModelRoute{ModelSessionID: si.HeadSessionID()}
	ids := make([]uint32, 0, len(si.BackendThroughputs))
	for id := range si.BackendThroughputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		b, ok := s.backends[id]
		if !ok {
			continue
		}
		route.BackendRates = append(route.BackendRates, controlpb.BackendRate{
			Info: controlpb.BackendInfo{
				NodeID:      b.NodeID,
				Address:     b.Address,
				ServerPort:  b.ServerPort,
				RpcPort:     b.RpcPort,
				GpuName:     b.GpuName,
				GpuTotalMem: b.GpuTotalMem,
			},
			Throughput: si.BackendThroughputs[id],
		})
	}
	return route
}

// GetModelRoute returns the current route for sessionID, for use by
// callers outside the RPC surface (e.g. the load generator or tests).
func (s *Scheduler) GetModelRoute(sessionID string) (controlpb.ModelRoute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.reg.Get(sessionID)
	if !ok {
		return controlpb.ModelRoute{}, false
	}
	return s.routeLocked(si), true
}
