package scheduler

import (
	"github.com/uwsaml/nexus/allocator"
	"github.com/uwsaml/nexus/controlpb"
)

// findBestBackendLocked wraps allocator.FindBestBackend over this
// scheduler's current backend set. Callers must hold mu.
func (s *Scheduler) findBestBackendLocked(sess controlpb.ModelSession, requestRate float64, skip map[uint32]bool) (*allocator.Candidate, bool) {
	return allocator.FindBestBackend(sess, requestRate, skip, s.backends)
}

// allocateUnassignedLocked wraps allocator.AllocateUnassignedWorkloads
// over this scheduler's registry and backend set. Callers must hold mu.
func (s *Scheduler) allocateUnassignedLocked() {
	allocator.AllocateUnassignedWorkloads(s.reg, s.backends)
}
