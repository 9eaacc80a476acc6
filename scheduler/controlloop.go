package scheduler

import (
	"context"
	"sort"

	klog "k8s.io/klog/v2"

	"github.com/uwsaml/nexus/backend"
	"github.com/uwsaml/nexus/registry"
)

// BeaconCheck runs one beacon-interval pass: evict dead frontends,
// aggregate per-session rps into history, evict dead backends.
func (s *Scheduler) BeaconCheck(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowNano()

	for id, f := range s.frontends {
		if !f.IsAlive(now, s.beaconInterval.Seconds()) {
			klog.Infof("scheduler: frontend %d missed beacon deadline, removing", id)
			s.removeFrontendLocked(ctx, id)
		}
	}

	for _, si := range s.reg.All() {
		var rps float64
		for backendID := range si.BackendThroughputs {
			b, ok := s.backends[backendID]
			if !ok {
				continue
			}
			for _, ms := range si.ModelSessions {
				rps += b.GetModelRps(ms.SessionID())
			}
		}
		if rps > 0 || si.RpsHistory.Len() > 0 {
			si.RpsHistory.Push(rps)
		}
	}

	for id, b := range s.backends {
		if !b.Alive || !b.IsAlive(now, s.beaconInterval.Seconds()) {
			klog.Infof("scheduler: backend %d marked dead or missed beacon deadline, removing", id)
			s.removeBackendLocked(ctx, id)
		}
	}
}

// minHistoryLenLocked returns ceil(epoch/beacon), the minimum rps
// history length EpochSchedule requires before revisiting a session.
func (s *Scheduler) minHistoryLenLocked() int {
	return s.historyLen / 2
}

// EpochSchedule runs one epoch-interval reschedule pass, only doing
// anything if epoch scheduling is enabled.
func (s *Scheduler) EpochSchedule(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.epochEnabled {
		return
	}
	minLen := s.minHistoryLenLocked()

	for _, si := range s.reg.All() {
		if si.RpsHistory.Len() < minLen {
			continue
		}
		std := si.RpsHistory.StdDev()
		last := si.RpsHistory.Last()
		estimate := last + std
		if estimate < 0.1 {
			estimate = 0.1
		}
		total := si.TotalThroughput()
		residual := estimate - total
		si.UnassignedWorkload = 0
		if residual > 0 {
			si.UnassignedWorkload = residual
		}

		switch {
		case estimate < 0.97*total:
			s.shrinkSessionLocked(si, estimate)
		case estimate > total:
			s.growSessionLocked(si, residual)
		}
	}

	backendIDs := make([]uint32, 0, len(s.backends))
	for id := range s.backends {
		backendIDs = append(backendIDs, id)
	}
	sort.Slice(backendIDs, func(i, j int) bool { return backendIDs[i] < backendIDs[j] })
	for _, id := range backendIDs {
		b := s.backends[id]
		if !b.Overload() {
			continue
		}
		for _, spill := range b.SpillOutWorkload() {
			if si, ok := s.reg.Get(spill.SessionID); ok {
				si.UnassignedWorkload += spill.Throughput
			}
			s.reg.RemoveBackendThroughput(spill.SessionID, id)
		}
	}

	s.allocateUnassignedLocked()
	s.pushChangedLocked(ctx)
}

// shrinkSessionLocked reduces dynamic backends' plans for si, largest
// throughput first, until their sum no longer exceeds estimate. Static
// slots are never touched.
func (s *Scheduler) shrinkSessionLocked(si interface {
	HeadSessionID() string
}, estimate float64) {
	headID := si.HeadSessionID()
	sinfo, ok := s.reg.Get(headID)
	if !ok {
		return
	}
	head := sinfo.ModelSessions[0]

	type entry struct {
		backendID uint32
		rate      float64
	}
	var dynamic []entry
	for id, rate := range sinfo.BackendThroughputs {
		b, ok := s.backends[id]
		if !ok || b.WorkloadID != backend.NoStaticWorkload {
			continue
		}
		dynamic = append(dynamic, entry{id, rate})
	}
	sort.Slice(dynamic, func(i, j int) bool { return dynamic[i].rate > dynamic[j].rate })

	sum := sinfo.TotalThroughput()
	for _, e := range dynamic {
		if sum <= estimate {
			break
		}
		b := s.backends[e.backendID]
		reduceNeeded := sum - estimate
		if e.rate <= reduceNeeded {
			s.unloadGroupFromBackend(sinfo, b, headID)
			s.reg.RemoveBackendThroughput(headID, e.backendID)
			sum -= e.rate
			continue
		}
		actual, err := b.UpdateModelThroughput(head, e.rate-reduceNeeded)
		if err != nil {
			s.unloadGroupFromBackend(sinfo, b, headID)
			s.reg.RemoveBackendThroughput(headID, e.backendID)
			sum -= e.rate
			continue
		}
		sum -= e.rate - actual
		s.reg.SetBackendThroughput(headID, e.backendID, actual)
	}
}

// unloadGroupFromBackend unloads the head session and every prefix-
// sharing sibling's own backend-table entry from b, so a sibling
// installed by LoadPrefixModel never outlives the head it shares a
// backbone with.
func (s *Scheduler) unloadGroupFromBackend(sinfo *registry.SessionInfo, b *backend.Delegate, headID string) {
	b.UnloadModel(headID)
	for _, sib := range sinfo.ModelSessions[1:] {
		b.UnloadModel(sib.SessionID())
	}
}

// growSessionLocked grows dynamic backends' plans for si by residual,
// largest throughput first, spilling into unassigned workload for
// whatever the existing backends cannot absorb.
func (s *Scheduler) growSessionLocked(si interface {
	HeadSessionID() string
}, residual float64) {
	headID := si.HeadSessionID()
	sinfo, ok := s.reg.Get(headID)
	if !ok || residual <= 0 {
		return
	}
	head := sinfo.ModelSessions[0]

	type entry struct {
		backendID uint32
		rate      float64
	}
	var dynamic []entry
	for id, rate := range sinfo.BackendThroughputs {
		b, ok := s.backends[id]
		if !ok || b.WorkloadID != backend.NoStaticWorkload {
			continue
		}
		dynamic = append(dynamic, entry{id, rate})
	}
	sort.Slice(dynamic, func(i, j int) bool { return dynamic[i].rate > dynamic[j].rate })

	for _, e := range dynamic {
		if residual <= 0 {
			break
		}
		b := s.backends[e.backendID]
		actual, err := b.UpdateModelThroughput(head, e.rate+residual)
		if err != nil {
			continue // leave this backend's plan untouched; residual carries over
		}
		gained := actual - e.rate
		if gained < 0 {
			gained = 0
		}
		residual -= gained
		s.reg.SetBackendThroughput(headID, e.backendID, actual)
	}
	sinfo.UnassignedWorkload = residual
	if sinfo.UnassignedWorkload < 0 {
		sinfo.UnassignedWorkload = 0
	}
}

// removeFrontendLocked runs the RemoveFrontend procedure: unsubscribe
// from every session, tearing down any session that loses its last
// subscriber and has no static workload. Callers must hold mu.
func (s *Scheduler) removeFrontendLocked(ctx context.Context, nodeID uint32) {
	for _, sessID := range s.reg.SessionIDsForFrontend(nodeID) {
		empty := s.reg.Unsubscribe(sessID, nodeID)
		if !empty {
			continue
		}
		si, ok := s.reg.Get(sessID)
		if !ok || si.HasStaticWorkload {
			continue
		}
		for backendID := range si.BackendThroughputs {
			if b, ok := s.backends[backendID]; ok {
				s.unloadGroupFromBackend(si, b, sessID)
			}
		}
		s.reg.Delete(sessID)
	}
	if closer, ok := s.closers[nodeID]; ok {
		_ = closer()
		delete(s.closers, nodeID)
	}
	delete(s.frontends, nodeID)
	s.pushChangedLocked(ctx)
}

// removeBackendLocked runs the RemoveBackend procedure: drop its
// throughput contributions, try to reassign its whole plan to an idle
// compatible backend, else free its static slot or return its dynamic
// contributions to the unassigned pool. Callers must hold mu.
func (s *Scheduler) removeBackendLocked(ctx context.Context, nodeID uint32) {
	dead, ok := s.backends[nodeID]
	if !ok {
		return
	}
	sessionIDs := s.reg.SessionIDsForBackend(nodeID)
	lostThroughput := make(map[string]float64, len(sessionIDs))
	for _, sessID := range sessionIDs {
		if si, ok := s.reg.Get(sessID); ok {
			lostThroughput[sessID] = si.BackendThroughputs[nodeID]
		}
		s.reg.RemoveBackendThroughput(sessID, nodeID)
	}

	ids := make([]uint32, 0, len(s.backends))
	for id := range s.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	reassigned := false
	for _, id := range ids {
		candidate := s.backends[id]
		if id == nodeID || !candidate.IsIdle() || !candidate.Alive {
			continue
		}
		if candidate.Assign(dead) {
			for sessID, throughput := range lostThroughput {
				s.reg.SetBackendThroughput(sessID, candidate.NodeID, throughput)
			}
			if dead.WorkloadID != backend.NoStaticWorkload {
				delete(s.backendSlot, nodeID)
				s.backendSlot[candidate.NodeID] = int(dead.WorkloadID)
				s.assignedSlots[int(dead.WorkloadID)] = candidate.NodeID
			}
			reassigned = true
			break
		}
	}

	if !reassigned {
		if dead.WorkloadID != backend.NoStaticWorkload {
			s.freeStaticSlotLocked(nodeID)
		} else {
			for sessID, throughput := range lostThroughput {
				if si, ok := s.reg.Get(sessID); ok {
					si.UnassignedWorkload += throughput
				}
			}
		}
	}

	for _, si := range s.reg.All() {
		delete(si.BackupBackends, nodeID)
	}

	if closer, ok := s.closers[nodeID]; ok {
		_ = closer()
		delete(s.closers, nodeID)
	}
	delete(s.backends, nodeID)

	s.allocateUnassignedLocked()
	s.pushChangedLocked(ctx)
}
