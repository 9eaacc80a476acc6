// Package controlloop drives the scheduler's single ticker thread: a
// beacon sub-loop (liveness sweep + rps aggregation) and an epoch
// sub-loop (reschedule), both on configurable periods.
package controlloop

import (
	"context"
	"time"

	klog "k8s.io/klog/v2"
)

// Config holds the two sub-loop periods and the callbacks invoked on
// each tick. EpochEnabled mirrors --epoch_schedule: when false the loop
// still tracks beacon/epoch timing but never calls OnEpoch.
type Config struct {
	BeaconInterval time.Duration
	EpochInterval  time.Duration
	EpochEnabled   bool

	OnBeacon func()
	OnEpoch  func()

	// Now returns the current monotonic time; overridable in tests.
	Now func() time.Time
}

// Loop implements the ticker. It intentionally reproduces the reference
// design's next_sec = min(last_beacon+beacon, last_epoch+epoch) schedule
// computed from t=0 at both last_beacon and last_epoch: the first tick
// fires at min(beacon, epoch) rather than waiting a full period for
// whichever sub-loop runs second. This is called out as a possible
// source of surprising (but intended) behavior, not a bug to fix.
type Loop struct {
	cfg Config
}

// New returns a Loop ready to Run.
func New(cfg Config) *Loop {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{cfg: cfg}
}

// Run blocks, driving beacon and epoch ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	start := l.cfg.Now()
	var lastBeacon, lastEpoch time.Duration // time since start of the last firing

	for {
		beaconAt := lastBeacon + l.cfg.BeaconInterval
		epochAt := lastEpoch + l.cfg.EpochInterval
		next := beaconAt
		if epochAt < next {
			next = epochAt
		}

		elapsed := l.cfg.Now().Sub(start)
		wait := next - elapsed
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := l.cfg.Now().Sub(start)
		if now >= beaconAt {
			lastBeacon = now
			if l.cfg.OnBeacon != nil {
				l.cfg.OnBeacon()
			}
		}
		if l.cfg.EpochEnabled && now >= epochAt {
			lastEpoch = now
			if l.cfg.OnEpoch != nil {
				l.cfg.OnEpoch()
			}
		}
		if !l.cfg.EpochEnabled {
			lastEpoch = now
		}
		klog.V(3).Infof("controlloop: tick at %v (beacon=%v, epoch=%v)", now, lastBeacon, lastEpoch)
	}
}

// MinHistoryLen returns ceil(epoch/beacon), the minimum number of beacon
// samples a session's rps history must hold before EpochSchedule will
// revisit its allocation.
func MinHistoryLen(beacon, epoch time.Duration) int {
	if beacon <= 0 {
		return 1
	}
	n := int(epoch / beacon)
	if epoch%beacon != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// HistoryCapacity returns 2*ceil(epoch/beacon), the bounded rps_history
// length the registry sizes each SessionInfo's ring buffer to.
func HistoryCapacity(beacon, epoch time.Duration) int {
	return 2 * MinHistoryLen(beacon, epoch)
}
