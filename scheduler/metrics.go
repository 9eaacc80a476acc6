package scheduler

import "github.com/uwsaml/nexus/metricsexport"

// Snapshot reads a point-in-time readout of scheduler-internal gauges,
// for the /metrics endpoint.
func (s *Scheduler) Snapshot() metricsexport.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overloaded int
	for _, b := range s.backends {
		if b.Overload() {
			overloaded++
		}
	}
	var unassigned int
	for _, si := range s.reg.All() {
		if si.UnassignedWorkload > 0 {
			unassigned++
		}
	}
	return metricsexport.Snapshot{
		Backends:           len(s.backends),
		Frontends:          len(s.frontends),
		Sessions:           len(s.reg.All()),
		OverloadedBackends: overloaded,
		UnassignedSessions: unassigned,
	}
}
