// Package metricsexport exposes scheduler-internal gauges over a
// Prometheus text-exposition /metrics endpoint, built directly from
// client_model types the way the corpus's metrics fetcher parses them,
// run in reverse: here the scheduler is the producer, not the scraper.
package metricsexport

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	klog "k8s.io/klog/v2"
)

// Snapshot is a point-in-time readout of the scheduler's internal
// gauges, cheap enough to compute under the scheduler mutex on every
// scrape.
type Snapshot struct {
	Backends           int
	Frontends          int
	Sessions           int
	OverloadedBackends int
	UnassignedSessions int
}

// SnapshotFunc produces a fresh Snapshot; the scheduler supplies one
// that locks its mutex just long enough to read counters.
type SnapshotFunc func() Snapshot

func gauge(name, help string, value float64) *dto.MetricFamily {
	v := value
	t := dto.MetricType_GAUGE
	return &dto.MetricFamily{
		Name: strPtr(name),
		Help: strPtr(help),
		Type: &t,
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: &v}},
		},
	}
}

func strPtr(s string) *string { return &s }

// Handler returns an http.Handler serving /metrics in Prometheus text
// exposition format.
func Handler(snapshot SnapshotFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := snapshot()
		families := []*dto.MetricFamily{
			gauge("nexus_backends_total", "Number of registered backends.", float64(s.Backends)),
			gauge("nexus_frontends_total", "Number of registered frontends.", float64(s.Frontends)),
			gauge("nexus_sessions_total", "Number of active model sessions.", float64(s.Sessions)),
			gauge("nexus_overloaded_backends", "Number of backends currently overloaded.", float64(s.OverloadedBackends)),
			gauge("nexus_unassigned_sessions", "Number of sessions with unplaced residual workload.", float64(s.UnassignedSessions)),
		}
		encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := encoder.Encode(mf); err != nil {
				klog.Errorf("metricsexport: encoding %s: %v", mf.GetName(), err)
				return
			}
		}
	})
}

// HealthzHandler returns a trivial liveness probe handler: 200 OK once
// the scheduler process is serving.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
