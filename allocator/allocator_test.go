package allocator

import (
	"os"
	"path/filepath"
	"testing"

	backendpkg "github.com/uwsaml/nexus/backend"
	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/modeldb"
	"github.com/uwsaml/nexus/registry"
)

func testDB(t *testing.T) *modeldb.DB {
	t.Helper()
	dir := t.TempDir()
	content := `
model_id: "caffe:resnet50:1"
resizable: false
gpus:
  titanx:
    - {batch: 1, latency_us: 5000, memory_bytes: 200000000}
    - {batch: 2, latency_us: 7000, memory_bytes: 220000000}
    - {batch: 4, latency_us: 11000, memory_bytes: 260000000}
`
	if err := os.WriteFile(filepath.Join(dir, "resnet50.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	db, err := modeldb.Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return db
}

func session() controlpb.ModelSession {
	return controlpb.ModelSession{Framework: "caffe", ModelName: "resnet50", Version: 1, LatencySLAMs: 100}
}

func newBackend(t *testing.T, id uint32, gpuMem uint64) *backendpkg.Delegate {
	return backendpkg.New(backendpkg.Config{
		NodeID:      id,
		GpuName:     "titanx",
		GpuTotalMem: gpuMem,
		WorkloadID:  backendpkg.NoStaticWorkload,
		DB:          testDB(t),
	}, 0)
}

func TestFindBestBackendPicksBestFitUnderLoad(t *testing.T) {
	b1 := newBackend(t, 1, 1<<30)
	b2 := newBackend(t, 2, 1<<30)
	backends := map[uint32]*backendpkg.Delegate{1: b1, 2: b2}

	cand, ok := FindBestBackend(session(), 80, nil, backends)
	if !ok {
		t.Fatalf("want a candidate")
	}
	if cand.Instance.ThroughputQPS < 80 {
		t.Fatalf("want throughput >= 80, got %v", cand.Instance.ThroughputQPS)
	}
}

func TestFindBestBackendSkipsDeadAndStatic(t *testing.T) {
	dead := newBackend(t, 1, 1<<30)
	dead.Alive = false
	static := newBackend(t, 2, 1<<30)
	static.WorkloadID = 0
	alive := newBackend(t, 3, 1<<30)
	backends := map[uint32]*backendpkg.Delegate{1: dead, 2: static, 3: alive}

	cand, ok := FindBestBackend(session(), 80, nil, backends)
	if !ok {
		t.Fatalf("want a candidate")
	}
	if cand.Backend.NodeID != 3 {
		t.Fatalf("want backend 3, got %d", cand.Backend.NodeID)
	}
}

func TestFindBestBackendReturnsNoneWhenEmpty(t *testing.T) {
	if _, ok := FindBestBackend(session(), 80, nil, map[uint32]*backendpkg.Delegate{}); ok {
		t.Fatalf("want no candidate on empty backend set")
	}
}

func TestAllocateUnassignedWorkloadsPlacesResidual(t *testing.T) {
	reg := registry.New()
	sess := session()
	si, _ := reg.GetOrCreate(sess, 10)
	si.UnassignedWorkload = 80

	b1 := newBackend(t, 1, 1<<30)
	backends := map[uint32]*backendpkg.Delegate{1: b1}

	AllocateUnassignedWorkloads(reg, backends)

	if si.UnassignedWorkload != 0 {
		t.Fatalf("want fully placed, residual=%v", si.UnassignedWorkload)
	}
	if si.TotalThroughput() < 80 {
		t.Fatalf("want total throughput >= 80, got %v", si.TotalThroughput())
	}
	if got := reg.SessionIDsForBackend(1); len(got) != 1 {
		t.Fatalf("want backend index updated, got %v", got)
	}
}

func TestAllocateUnassignedWorkloadsRecordsResidualWhenNoCapacity(t *testing.T) {
	reg := registry.New()
	sess := session()
	si, _ := reg.GetOrCreate(sess, 10)
	si.UnassignedWorkload = 1000

	AllocateUnassignedWorkloads(reg, map[uint32]*backendpkg.Delegate{})

	if si.UnassignedWorkload != 1000 {
		t.Fatalf("want residual unchanged with no backends, got %v", si.UnassignedWorkload)
	}
}
