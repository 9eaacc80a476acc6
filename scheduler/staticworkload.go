package scheduler

import (
	"context"

	klog "k8s.io/klog/v2"

	"github.com/uwsaml/nexus/backend"
)

// addBackendLocked runs the AddBackend procedure: if a static workload
// slot is still unfilled, this backend takes it and its models are
// loaded as a fixed block; any unassigned dynamic workload is then
// swept onto the new capacity. Callers must hold mu.
func (s *Scheduler) addBackendLocked(ctx context.Context, d *backend.Delegate) {
	s.fillStaticSlotLocked(d)
	s.allocateUnassignedLocked()
	s.pushChangedLocked(ctx)
}

// fillStaticSlotLocked assigns the next unfilled static workload slot
// (if any) to d, loading its block of model sessions as fixed instances
// that the epoch loop's shrink/grow pass never touches. Each session in
// the block gets its own profile lookup and its own SessionInfo — a
// static slot is a block of independently loaded models, not a
// prefix-sharing group, matching AddBackend in the original scheduler.
func (s *Scheduler) fillStaticSlotLocked(d *backend.Delegate) {
	for idx, slot := range s.staticSlots {
		if _, taken := s.assignedSlots[idx]; taken {
			continue
		}
		s.assignedSlots[idx] = d.NodeID
		s.backendSlot[d.NodeID] = idx
		d.WorkloadID = int32(idx)

		for _, sess := range slot {
			instance, _, err := d.PrepareLoadModel(sess, 0)
			if err != nil {
				klog.Warningf("scheduler: static slot %d session %q did not fit backend %d: %v", idx, sess.SessionID(), d.NodeID, err)
				continue
			}
			instance.Fixed = true
			d.LoadModel(instance)

			sessID := sess.SessionID()
			si, _ := s.reg.GetOrCreate(sess, s.historyLen)
			si.HasStaticWorkload = true
			s.reg.SetBackendThroughput(sessID, d.NodeID, instance.ThroughputQPS)
		}
		return
	}
}

// freeStaticSlotLocked releases the static slot held by backend
// nodeID, if any, returning it to the unassigned pool for the next
// registering backend.
func (s *Scheduler) freeStaticSlotLocked(nodeID uint32) {
	idx, ok := s.backendSlot[nodeID]
	if !ok {
		return
	}
	delete(s.backendSlot, nodeID)
	delete(s.assignedSlots, idx)
}
