package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/modeldb"
	"github.com/uwsaml/nexus/rpctransport"
)

type fakeDialer struct{}

func (fakeDialer) DialBackendControl(string) (*rpctransport.BackendControlClient, func() error, error) {
	return nil, nil, nil
}

func (fakeDialer) DialFrontendControl(string) (*rpctransport.FrontendControlClient, func() error, error) {
	return nil, nil, nil
}

func testDB(t *testing.T) *modeldb.DB {
	t.Helper()
	dir := t.TempDir()
	content := `
model_id: "caffe:resnet50:1"
resizable: false
gpus:
  titanx:
    - {batch: 1, latency_us: 5000, memory_bytes: 2000000000}
    - {batch: 2, latency_us: 7000, memory_bytes: 2200000000}
    - {batch: 4, latency_us: 11000, memory_bytes: 2600000000}
`
	if err := os.WriteFile(filepath.Join(dir, "resnet50.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	// resnet50_aux shares resnet50's backbone: its record carries the
	// prefix_share pointer, per GetPrefixShareModels looking up the
	// would-be tail's own record, not the head's.
	auxContent := `
model_id: "caffe:resnet50_aux:1"
resizable: false
prefix_share: ["caffe:resnet50:1"]
gpus: {}
`
	if err := os.WriteFile(filepath.Join(dir, "resnet50_aux.yml"), []byte(auxContent), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	db, err := modeldb.Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return db
}

func newTestScheduler(t *testing.T) *Scheduler {
	return New(Config{
		DB:     testDB(t),
		Dialer: fakeDialer{},
	})
}

func registerBackend(t *testing.T, s *Scheduler, nodeID uint32, gpuMem uint64) {
	t.Helper()
	reply, err := s.Register(context.Background(), &controlpb.RegisterRequest{
		NodeType:           controlpb.BackendNode,
		NodeID:             nodeID,
		GpuDeviceName:      "titanx",
		GpuAvailableMemory: gpuMem,
	})
	if err != nil {
		t.Fatalf("Register backend %d: %v", nodeID, err)
	}
	if reply.Status != controlpb.CtrlOK {
		t.Fatalf("Register backend %d: want CtrlOK, got %v", nodeID, reply.Status)
	}
}

func registerFrontend(t *testing.T, s *Scheduler, nodeID uint32) {
	t.Helper()
	reply, err := s.Register(context.Background(), &controlpb.RegisterRequest{
		NodeType: controlpb.FrontendNode,
		NodeID:   nodeID,
	})
	if err != nil {
		t.Fatalf("Register frontend %d: %v", nodeID, err)
	}
	if reply.Status != controlpb.CtrlOK {
		t.Fatalf("Register frontend %d: want CtrlOK, got %v", nodeID, reply.Status)
	}
}

func resnetSession() controlpb.ModelSession {
	return controlpb.ModelSession{Framework: "caffe", ModelName: "resnet50", Version: 1, LatencySLAMs: 100}
}

func resnetAuxSession() controlpb.ModelSession {
	return controlpb.ModelSession{Framework: "caffe", ModelName: "resnet50_aux", Version: 1, LatencySLAMs: 100}
}

// Scenario 1: two idle backends, LoadModel at 80 rps returns one backend
// sustaining that rate and subscribes the frontend.
func TestScenarioFreshAllocation(t *testing.T) {
	s := newTestScheduler(t)
	registerBackend(t, s, 1, 8<<30)
	registerBackend(t, s, 2, 8<<30)
	registerFrontend(t, s, 100)

	reply, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID:           100,
		ModelSession:     resnetSession(),
		EstimateWorkload: 80,
	})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if reply.Status != controlpb.CtrlOK {
		t.Fatalf("want CtrlOK, got %v", reply.Status)
	}
	if len(reply.ModelRoute.BackendRates) != 1 {
		t.Fatalf("want exactly 1 backend in route, got %d", len(reply.ModelRoute.BackendRates))
	}
	if reply.ModelRoute.BackendRates[0].Throughput < 80 {
		t.Fatalf("want throughput >= 80, got %v", reply.ModelRoute.BackendRates[0].Throughput)
	}
}

// Scenario 2: a second frontend loading the same session gets the
// existing route with no reallocation.
func TestScenarioDuplicateLoadModelIsUpsert(t *testing.T) {
	s := newTestScheduler(t)
	registerBackend(t, s, 1, 8<<30)
	registerBackend(t, s, 2, 8<<30)
	registerFrontend(t, s, 100)
	registerFrontend(t, s, 200)

	first, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID: 100, ModelSession: resnetSession(), EstimateWorkload: 80,
	})
	if err != nil {
		t.Fatalf("LoadModel #1: %v", err)
	}

	second, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID: 200, ModelSession: resnetSession(), EstimateWorkload: 1000,
	})
	if err != nil {
		t.Fatalf("LoadModel #2: %v", err)
	}
	if second.Status != controlpb.CtrlOK {
		t.Fatalf("want CtrlOK, got %v", second.Status)
	}
	if len(second.ModelRoute.BackendRates) != len(first.ModelRoute.BackendRates) {
		t.Fatalf("want unchanged route, got %d vs %d backends", len(second.ModelRoute.BackendRates), len(first.ModelRoute.BackendRates))
	}

	sessID := resnetSession().SessionID()
	if got := s.reg.SessionIDsForFrontend(200); len(got) != 1 || got[0] != sessID {
		t.Fatalf("want frontend 200 subscribed to %q, got %v", sessID, got)
	}
}

// Scenario 6: insufficient memory anywhere returns NOT_ENOUGH_BACKENDS
// with no partial state mutation.
func TestScenarioNotEnoughBackends(t *testing.T) {
	s := newTestScheduler(t)
	registerBackend(t, s, 1, 1<<20) // far too small for any resnet50 batch
	registerFrontend(t, s, 100)

	reply, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID: 100, ModelSession: resnetSession(), EstimateWorkload: 80,
	})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if reply.Status != controlpb.NotEnoughBackends {
		t.Fatalf("want NOT_ENOUGH_BACKENDS, got %v", reply.Status)
	}
	if _, ok := s.reg.Get(resnetSession().SessionID()); ok {
		t.Fatalf("want no SessionInfo left behind after rejection")
	}
}

// Scenario 4: backend failure reassigns its whole plan to an idle
// compatible backend via Assign, preserving throughput.
func TestScenarioBackendFailoverReassignsPlan(t *testing.T) {
	s := newTestScheduler(t)
	registerBackend(t, s, 1, 8<<30)
	registerBackend(t, s, 2, 8<<30)
	registerFrontend(t, s, 100)

	reply, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID: 100, ModelSession: resnetSession(), EstimateWorkload: 80,
	})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	owner := reply.ModelRoute.BackendRates[0].Info.NodeID
	before := reply.ModelRoute.BackendRates[0].Throughput

	s.mu.Lock()
	s.backends[owner].LastBeacon = 0
	s.mu.Unlock()

	s.BeaconCheck(context.Background())

	sessID := resnetSession().SessionID()
	si, ok := s.reg.Get(sessID)
	if !ok {
		t.Fatalf("want session to survive failover")
	}
	if si.TotalThroughput() < before-0.01 {
		t.Fatalf("want throughput preserved across failover, before=%v after=%v", before, si.TotalThroughput())
	}
	if _, stillAlive := s.backends[owner]; stillAlive {
		t.Fatalf("want dead backend removed from scheduler")
	}
	if len(si.BackendThroughputs) != 1 {
		t.Fatalf("want session reassigned to exactly one surviving backend, got %d", len(si.BackendThroughputs))
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	s := newTestScheduler(t)
	reply, err := s.Unregister(context.Background(), &controlpb.UnregisterRequest{
		NodeType: controlpb.BackendNode,
		NodeID:   999,
	})
	if err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if reply.Status != controlpb.CtrlOK {
		t.Fatalf("want CtrlOK, got %v", reply.Status)
	}
}

func TestRegisterBackendDuplicateNodeIDConflict(t *testing.T) {
	s := newTestScheduler(t)
	registerBackend(t, s, 1, 8<<30)
	reply, err := s.Register(context.Background(), &controlpb.RegisterRequest{
		NodeType: controlpb.BackendNode,
		NodeID:   1,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reply.Status != controlpb.CtrlBackendNodeIDConflict {
		t.Fatalf("want CTRL_BACKEND_NODE_ID_CONFLICT, got %v", reply.Status)
	}
}

func TestKeepAliveUnknownFrontendIsServerNotRegistered(t *testing.T) {
	s := newTestScheduler(t)
	reply, err := s.KeepAlive(context.Background(), &controlpb.KeepAliveRequest{NodeID: 42})
	if err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if reply.Status != controlpb.CtrlServerNotRegistered {
		t.Fatalf("want CTRL_SERVER_NOT_REGISTERED, got %v", reply.Status)
	}
}

// Scenario 5: a prefix-sharing tail session loaded after its head attaches
// to the head's existing backend via LoadPrefixModel rather than triggering
// its own allocation, and the head's SessionInfo grows a second entry.
func TestScenarioPrefixBatchingAttachesTailToHead(t *testing.T) {
	s := New(Config{DB: testDB(t), Dialer: fakeDialer{}, PrefixBatch: true})
	registerBackend(t, s, 1, 8<<30)
	registerFrontend(t, s, 100)

	headReply, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID: 100, ModelSession: resnetSession(), EstimateWorkload: 0,
	})
	if err != nil {
		t.Fatalf("LoadModel head: %v", err)
	}
	if headReply.Status != controlpb.CtrlOK {
		t.Fatalf("want CtrlOK for head, got %v", headReply.Status)
	}
	if len(headReply.ModelRoute.BackendRates) != 1 {
		t.Fatalf("want head on exactly 1 backend, got %d", len(headReply.ModelRoute.BackendRates))
	}
	owner := headReply.ModelRoute.BackendRates[0].Info.NodeID

	tailReply, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID: 100, ModelSession: resnetAuxSession(), EstimateWorkload: 0,
	})
	if err != nil {
		t.Fatalf("LoadModel tail: %v", err)
	}
	if tailReply.Status != controlpb.CtrlOK {
		t.Fatalf("want CtrlOK for tail, got %v", tailReply.Status)
	}
	if len(tailReply.ModelRoute.BackendRates) != 1 || tailReply.ModelRoute.BackendRates[0].Info.NodeID != owner {
		t.Fatalf("want tail routed to head's backend %d, got %+v", owner, tailReply.ModelRoute.BackendRates)
	}

	headID := resnetSession().SessionID()
	si, ok := s.reg.Get(headID)
	if !ok {
		t.Fatalf("want head SessionInfo present")
	}
	if len(si.ModelSessions) != 2 {
		t.Fatalf("want 2 model sessions attached to head, got %d", len(si.ModelSessions))
	}

	b := s.backends[owner]
	if _, ok := b.ModelTable[resnetAuxSession().SessionID()]; !ok {
		t.Fatalf("want tail instance present in backend's model table")
	}
}

// Scenario 3: demand drops well below the original allocation; two epoch
// passes should shrink the session's backend plan without ever letting
// its total throughput fall below the new estimate.
func TestScenarioShrinkReducesOverProvisionedSession(t *testing.T) {
	s := New(Config{DB: testDB(t), Dialer: fakeDialer{}, EpochEnabled: true})
	registerBackend(t, s, 1, 8<<30)
	registerBackend(t, s, 2, 8<<30)
	registerFrontend(t, s, 100)

	reply, err := s.LoadModel(context.Background(), &controlpb.LoadModelRequest{
		NodeID: 100, ModelSession: resnetSession(), EstimateWorkload: 0,
	})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if reply.Status != controlpb.CtrlOK {
		t.Fatalf("want CtrlOK, got %v", reply.Status)
	}
	before := reply.ModelRoute.BackendRates[0].Throughput
	estimate := before * 0.2

	sessID := resnetSession().SessionID()
	s.mu.Lock()
	si, ok := s.reg.Get(sessID)
	if !ok {
		s.mu.Unlock()
		t.Fatalf("want SessionInfo present after load")
	}
	minLen := s.historyLen / 2
	for i := 0; i <= minLen; i++ {
		si.RpsHistory.Push(estimate)
	}
	s.mu.Unlock()

	s.EpochSchedule(context.Background())
	s.EpochSchedule(context.Background())

	s.mu.Lock()
	var after float64
	if si, ok := s.reg.Get(sessID); ok {
		after = si.TotalThroughput()
	}
	s.mu.Unlock()

	if after > before+1e-9 {
		t.Fatalf("want shrink to not increase throughput, before=%v after=%v", before, after)
	}
	if after < estimate-1e-9 {
		t.Fatalf("want total throughput >= estimate after shrink, estimate=%v after=%v", estimate, after)
	}
}
