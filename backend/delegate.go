// Package backend implements the scheduler's in-memory mirror of a
// registered GPU backend: its liveness, memory budget, current model
// table, and the batch/duty-cycle solver used to fit a new model onto it.
package backend

import (
	"context"
	"fmt"
	"sort"

	klog "k8s.io/klog/v2"

	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/modeldb"
	"github.com/uwsaml/nexus/rpctransport"
)

// NoStaticWorkload marks a backend as filling no static workload slot;
// callers compare with != NoStaticWorkload to test "has a static slot",
// never with a truthy check, per the workload_id sentinel convention.
const NoStaticWorkload int32 = -1

// maxPushFailures is the number of consecutive UpdateModelTableRpc
// failures tolerated before a backend is marked dead outside the normal
// beacon-expiry path.
const maxPushFailures = 3

// postprocUs is a fixed per-request post-processing overhead folded into
// every duty-cycle computation, matching the profiler's measured
// constant overhead for result marshaling.
const postprocUs = 200.0

// Delegate is the scheduler's authoritative view of one backend process.
type Delegate struct {
	NodeID      uint32
	Address     string
	ServerPort  string
	RpcPort     string
	GpuName     string
	GpuTotalMem uint64
	GpuUsedMem  uint64

	Alive      bool
	LastBeacon int64 // unix nanoseconds
	WorkloadID int32 // NoStaticWorkload if dynamic

	ModelTable  map[string]*controlpb.InstanceInfo
	BackupTable map[string]map[uint32]bool

	db     *modeldb.DB
	stats  *StatsCache
	client *rpctransport.BackendControlClient

	pushFailures int
}

// Config bundles a Delegate's fixed construction parameters.
type Config struct {
	NodeID      uint32
	Address     string
	ServerPort  string
	RpcPort     string
	GpuName     string
	GpuTotalMem uint64
	WorkloadID  int32
	DB          *modeldb.DB
	Client      *rpctransport.BackendControlClient
}

// New returns a freshly-registered Delegate with an empty model table.
func New(cfg Config, nowUnixNano int64) *Delegate {
	return &Delegate{
		NodeID:      cfg.NodeID,
		Address:     cfg.Address,
		ServerPort:  cfg.ServerPort,
		RpcPort:     cfg.RpcPort,
		GpuName:     cfg.GpuName,
		GpuTotalMem: cfg.GpuTotalMem,
		Alive:       true,
		LastBeacon:  nowUnixNano,
		WorkloadID:  cfg.WorkloadID,
		ModelTable:  make(map[string]*controlpb.InstanceInfo),
		BackupTable: make(map[string]map[uint32]bool),
		db:          cfg.DB,
		stats:       NewStatsCache(),
		client:      cfg.Client,
	}
}

// Tick bumps last_beacon liveness on any RPC arrival from this backend.
func (d *Delegate) Tick(nowUnixNano int64) {
	d.LastBeacon = nowUnixNano
}

// IsAlive reports liveness per the 2x beacon-interval grace period.
func (d *Delegate) IsAlive(nowUnixNano int64, beaconIntervalSec float64) bool {
	graceNs := int64(2 * beaconIntervalSec * 1e9)
	return nowUnixNano-d.LastBeacon <= graceNs
}

// IsIdle reports whether this backend has no models loaded and no static
// workload slot to fill.
func (d *Delegate) IsIdle() bool {
	return len(d.ModelTable) == 0 && d.WorkloadID == NoStaticWorkload
}

// AvailableMemory returns the remaining GPU memory budget.
func (d *Delegate) AvailableMemory() uint64 {
	if d.GpuUsedMem >= d.GpuTotalMem {
		return 0
	}
	return d.GpuTotalMem - d.GpuUsedMem
}

// ErrRejected is returned by PrepareLoadModel when no feasible plan fits
// this backend's memory budget or SLA.
var ErrRejected = fmt.Errorf("backend: rejected")

// PrepareLoadModel solves for the smallest batch/duty-cycle plan on this
// backend that sustains requestRate within sess's latency SLA, per the
// batch-size sweep in the allocator design.
func (d *Delegate) PrepareLoadModel(sess controlpb.ModelSession, requestRate float64) (*controlpb.InstanceInfo, float64, error) {
	profile, err := d.db.GetProfile(sess.ModelID(), d.GpuName, sess.ImageHeight, sess.ImageWidth)
	if err != nil {
		return nil, 0, fmt.Errorf("backend: %w", err)
	}
	if len(profile.Points) == 0 {
		return nil, 0, ErrRejected
	}

	type candidate struct {
		batch       uint32
		dutyCycleUs float64
		throughput  float64
		memory      uint64
	}
	var best *candidate
	var maxThroughput *candidate

	slaUs := float64(sess.LatencySLAMs) * 1000.0
	for _, pt := range profile.Points {
		fwd := pt.LatencyUs
		budget := slaUs - fwd - postprocUs
		if budget < 0 {
			continue // infeasible: forward pass alone blows the SLA
		}
		dc := budget
		if requestRate > 0 {
			wantDc := float64(pt.Batch) / requestRate * 1e6
			if wantDc < dc {
				dc = wantDc
			}
		}
		if dc <= 0 {
			continue
		}
		throughput := float64(pt.Batch) * 1e6 / dc
		c := &candidate{batch: pt.Batch, dutyCycleUs: dc, throughput: throughput, memory: pt.MemoryBytes}
		if maxThroughput == nil || c.throughput > maxThroughput.throughput {
			maxThroughput = c
		}
		if c.throughput >= requestRate && (best == nil || c.batch < best.batch) {
			best = c
		}
	}
	var chosen *candidate
	if requestRate > 0 {
		chosen = best
	}
	if chosen == nil {
		chosen = maxThroughput
	}
	if chosen == nil {
		return nil, 0, ErrRejected
	}
	if chosen.memory > d.AvailableMemory() {
		return nil, 0, ErrRejected
	}

	instance := &controlpb.InstanceInfo{
		ModelSessionID: sess.SessionID(),
		Batch:          chosen.batch,
		MaxBatch:       profile.MaxBatch(),
		ThroughputQPS:  chosen.throughput,
		DutyCycleUs:    chosen.dutyCycleUs,
		MemoryBytes:    chosen.memory,
	}
	occupancy := float64(chosen.memory) / float64(d.GpuTotalMem)
	return instance, occupancy, nil
}

// LoadModel installs instance into this backend's model table, charging
// its memory footprint against the GPU budget.
func (d *Delegate) LoadModel(instance *controlpb.InstanceInfo) {
	d.ModelTable[instance.ModelSessionID] = instance
	d.GpuUsedMem += instance.MemoryBytes
}

// LoadPrefixModel installs a tail session that shares its backbone with
// an already-loaded head session, reusing the head's batch/duty-cycle
// plan. The tail instance is charged no GPU memory; the memory and
// latency of its own tail layers are not accounted for.
func (d *Delegate) LoadPrefixModel(tail controlpb.ModelSession, headSessionID string) error {
	head, ok := d.ModelTable[headSessionID]
	if !ok {
		return fmt.Errorf("backend: prefix head %q not loaded", headSessionID)
	}
	instance := &controlpb.InstanceInfo{
		ModelSessionID: tail.SessionID(),
		Batch:          head.Batch,
		MaxBatch:       head.MaxBatch,
		ThroughputQPS:  head.ThroughputQPS,
		DutyCycleUs:    head.DutyCycleUs,
		MemoryBytes:    0,
	}
	d.ModelTable[instance.ModelSessionID] = instance
	return nil
}

// UnloadModel removes a session's instance and frees its memory.
func (d *Delegate) UnloadModel(sessionID string) {
	if inst, ok := d.ModelTable[sessionID]; ok {
		if d.GpuUsedMem >= inst.MemoryBytes {
			d.GpuUsedMem -= inst.MemoryBytes
		} else {
			d.GpuUsedMem = 0
		}
		delete(d.ModelTable, sessionID)
	}
	delete(d.BackupTable, sessionID)
}

// UpdateModelThroughput rescales sessionID's batch/duty-cycle to target a
// new rate, returning the actually achieved throughput.
func (d *Delegate) UpdateModelThroughput(sess controlpb.ModelSession, newRate float64) (float64, error) {
	inst, ok := d.ModelTable[sess.SessionID()]
	if !ok {
		return 0, fmt.Errorf("backend: session %q not loaded", sess.SessionID())
	}
	newInstance, _, err := d.PrepareLoadModel(sess, newRate)
	if err != nil {
		return inst.ThroughputQPS, err
	}
	if d.GpuUsedMem >= inst.MemoryBytes {
		d.GpuUsedMem -= inst.MemoryBytes
	} else {
		d.GpuUsedMem = 0
	}
	d.GpuUsedMem += newInstance.MemoryBytes
	d.ModelTable[sess.SessionID()] = newInstance
	return newInstance.ThroughputQPS, nil
}

// Overload reports whether the memory footprints of the loaded instances
// together exceed the GPU's total memory; used to decide spillout. It
// does not look at duty cycles, forward latency or request rates.
func (d *Delegate) Overload() bool {
	var total uint64
	for _, inst := range d.ModelTable {
		total += inst.MemoryBytes
	}
	return total > d.GpuTotalMem
}

// SpillOutWorkload pops the instance with the smallest marginal
// throughput while the backend is overloaded, returning the unloaded
// sessions and the throughput they were contributing.
func (d *Delegate) SpillOutWorkload() []Spillout {
	var out []Spillout
	for d.Overload() {
		var victim string
		var victimThroughput = -1.0
		ids := make([]string, 0, len(d.ModelTable))
		for id := range d.ModelTable {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			inst := d.ModelTable[id]
			if inst.Fixed {
				continue
			}
			if victimThroughput < 0 || inst.ThroughputQPS < victimThroughput {
				victim = id
				victimThroughput = inst.ThroughputQPS
			}
		}
		if victim == "" {
			break // nothing left to spill; overloaded on fixed instances only
		}
		out = append(out, Spillout{SessionID: victim, Throughput: victimThroughput})
		d.UnloadModel(victim)
	}
	return out
}

// Spillout is one session evicted by SpillOutWorkload.
type Spillout struct {
	SessionID  string
	Throughput float64
}

// Assign accepts another (dead) backend's entire model table if this
// backend is idle, GPU-compatible, and has enough memory, returning
// whether the takeover succeeded.
func (d *Delegate) Assign(other *Delegate) bool {
	if !d.IsIdle() {
		return false
	}
	if d.GpuName != other.GpuName {
		return false
	}
	var need uint64
	for _, inst := range other.ModelTable {
		need += inst.MemoryBytes
	}
	if need > d.GpuTotalMem {
		return false
	}
	for id, inst := range other.ModelTable {
		d.ModelTable[id] = inst
	}
	for id, backups := range other.BackupTable {
		d.BackupTable[id] = backups
	}
	d.GpuUsedMem = need
	if other.WorkloadID != NoStaticWorkload {
		d.WorkloadID = other.WorkloadID
	}
	return true
}

// AddBackupForModel marks this backend as a backup holder for sessionID.
func (d *Delegate) AddBackupForModel(sessionID string) {
	if d.BackupTable[sessionID] == nil {
		d.BackupTable[sessionID] = make(map[uint32]bool)
	}
	d.BackupTable[sessionID][d.NodeID] = true
}

// RemoveBackupForModel clears this backend's backup role for sessionID.
func (d *Delegate) RemoveBackupForModel(sessionID string) {
	delete(d.BackupTable, sessionID)
}

// UpdateModelTableRpc pushes the current model table and backup table to
// the backend process. It is idempotent and retried a bounded number of
// times on transient failure; after maxPushFailures consecutive failures
// the backend is marked dead for the next beacon sweep to reap.
func (d *Delegate) UpdateModelTableRpc(ctx context.Context) error {
	if d.client == nil {
		return nil // no outbound client wired (e.g. in unit tests)
	}
	req := &controlpb.UpdateModelTableRequest{}
	for _, inst := range d.ModelTable {
		withBackups := *inst
		if backups, ok := d.BackupTable[inst.ModelSessionID]; ok {
			for id := range backups {
				withBackups.BackupBackends = append(withBackups.BackupBackends, id)
			}
			sort.Slice(withBackups.BackupBackends, func(i, j int) bool { return withBackups.BackupBackends[i] < withBackups.BackupBackends[j] })
		}
		req.Instances = append(req.Instances, withBackups)
	}
	sort.Slice(req.Instances, func(i, j int) bool { return req.Instances[i].ModelSessionID < req.Instances[j].ModelSessionID })

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := d.client.UpdateModelTable(ctx, req)
		if err == nil {
			d.pushFailures = 0
			return nil
		}
		lastErr = err
		klog.V(2).Infof("backend %d: UpdateModelTableRpc attempt %d failed: %v", d.NodeID, attempt+1, err)
	}
	d.pushFailures++
	if d.pushFailures >= maxPushFailures {
		klog.Warningf("backend %d: marking dead after %d consecutive push failures", d.NodeID, d.pushFailures)
		d.Alive = false
	}
	return fmt.Errorf("backend %d: UpdateModelTableRpc: %w", d.NodeID, lastErr)
}

// IngestStats feeds per-model rps samples from an UpdateBackendStats RPC
// into this backend's decaying rps counters.
func (d *Delegate) IngestStats(nowUnixNano int64, samples []controlpb.RpsSample) {
	for _, s := range samples {
		d.stats.Sample(d.NodeID, s.ModelSessionID, nowUnixNano, s.Rps)
	}
}

// GetModelRps returns the current smoothed rps estimate for sessionID on
// this backend.
func (d *Delegate) GetModelRps(sessionID string) float64 {
	return d.stats.Value(d.NodeID, sessionID)
}
