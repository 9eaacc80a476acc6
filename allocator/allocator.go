// Package allocator holds the scheduler's pure placement functions:
// picking the best backend for a session's residual workload, and
// sweeping every session with unassigned workload to place it.
package allocator

import (
	"sort"

	"github.com/uwsaml/nexus/backend"
	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/registry"
)

// Candidate is a chosen backend paired with the instance plan it would
// run if FindBestBackend's choice is committed by the caller.
type Candidate struct {
	Backend  *backend.Delegate
	Instance *controlpb.InstanceInfo
}

// FindBestBackend scans alive, dynamic, non-skipped backends (in node-id
// order, for deterministic tie-breaking) for the best fit for sess at
// requestRate. When requestRate is 0, only idle backends are considered
// and the one yielding the highest achievable throughput wins. Otherwise
// two candidates are tracked — max-throughput and max-occupancy — and the
// max-occupancy (best-fit packing) one wins unless no candidate can meet
// requestRate, in which case the max-throughput (best-effort) one wins.
func FindBestBackend(sess controlpb.ModelSession, requestRate float64, skip map[uint32]bool, backends map[uint32]*backend.Delegate) (*Candidate, bool) {
	ids := make([]uint32, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var maxThroughput, maxOccupancy *Candidate
	var maxOccupancyVal float64

	for _, id := range ids {
		if skip[id] {
			continue
		}
		b := backends[id]
		if !b.Alive || b.WorkloadID != backend.NoStaticWorkload {
			continue
		}
		if requestRate == 0 && !b.IsIdle() {
			continue
		}
		instance, occupancy, err := b.PrepareLoadModel(sess, requestRate)
		if err != nil {
			continue
		}
		if maxThroughput == nil || instance.ThroughputQPS > maxThroughput.Instance.ThroughputQPS {
			maxThroughput = &Candidate{Backend: b, Instance: instance}
		}
		if maxOccupancy == nil || occupancy > maxOccupancyVal {
			maxOccupancy = &Candidate{Backend: b, Instance: instance}
			maxOccupancyVal = occupancy
		}
	}

	if requestRate == 0 {
		if maxThroughput == nil {
			return nil, false
		}
		return maxThroughput, true
	}
	if maxOccupancy == nil {
		return nil, false
	}
	if maxThroughput != nil && maxThroughput.Instance.ThroughputQPS < requestRate {
		return maxThroughput, true
	}
	return maxOccupancy, true
}

// AllocateUnassignedWorkloads places every session's residual workload,
// highest-residual first (a stable sort, so ties keep their prior
// relative order for deterministic re-runs). For each, it repeatedly
// calls FindBestBackend for the head session, loads the head, attaches
// every prefix sibling via LoadPrefixModel, and decrements the residual
// by the actually achieved throughput until it is exhausted or no
// backend remains. Unplaced residual is written back to
// UnassignedWorkload. Throughput assignments go through reg so its
// by-backend secondary index stays consistent.
func AllocateUnassignedWorkloads(reg *registry.Registry, backends map[uint32]*backend.Delegate) {
	sessions := reg.All()
	pending := make([]*registry.SessionInfo, 0, len(sessions))
	for _, si := range sessions {
		if si.UnassignedWorkload > 0 {
			pending = append(pending, si)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].UnassignedWorkload > pending[j].UnassignedWorkload
	})

	for _, si := range pending {
		head := si.ModelSessions[0]
		headID := head.SessionID()
		used := make(map[uint32]bool)
		residual := si.UnassignedWorkload

		for residual > 0 {
			cand, ok := FindBestBackend(head, residual, used, backends)
			if !ok {
				break
			}
			used[cand.Backend.NodeID] = true
			cand.Backend.LoadModel(cand.Instance)
			reg.SetBackendThroughput(headID, cand.Backend.NodeID, cand.Instance.ThroughputQPS)
			for _, sibling := range si.ModelSessions[1:] {
				_ = cand.Backend.LoadPrefixModel(sibling, headID)
			}
			residual -= cand.Instance.ThroughputQPS
		}
		si.UnassignedWorkload = residual
	}
}
