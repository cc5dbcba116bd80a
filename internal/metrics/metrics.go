// Package metrics records peer-mesh run outcomes as Prometheus metrics and
// writes them for the node-exporter textfile collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Bidon15/peermesh/internal/mesh"
)

const namespace = "peermesh"

// Recorder implements mesh.Recorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	links       *prometheus.CounterVec
	writes      *prometheus.CounterVec
	mismatches  *prometheus.GaugeVec
	fullySynced *prometheus.GaugeVec
	duration    *prometheus.GaugeVec
	lastRun     *prometheus.GaugeVec
}

var _ mesh.Recorder = (*Recorder)(nil)

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_total",
			Help:      "Peer links processed, by synchronization status.",
		}, []string{"status"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_writes_total",
			Help:      "setPeer writes attempted, by result.",
		}, []string{"result"}),
		mismatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verification_mismatches",
			Help:      "Peer links that did not verify in the last run.",
		}, []string{"network"}),
		fullySynced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fully_synced",
			Help:      "1 if every outbound peer link verified in the last run.",
		}, []string{"network"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run.",
		}, []string{"network"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}, []string{"network"}),
	}

	r.registry.MustRegister(r.links, r.writes, r.mismatches, r.fullySynced, r.duration, r.lastRun)
	return r
}

// ObserveLink counts one processed link.
func (r *Recorder) ObserveLink(status mesh.Status) {
	r.links.WithLabelValues(string(status)).Inc()
}

// ObserveWrite counts one write attempt.
func (r *Recorder) ObserveWrite(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.writes.WithLabelValues(result).Inc()
}

// ObserveRun records the outcome of a finished run.
func (r *Recorder) ObserveRun(result *mesh.Result) {
	network := result.Network

	r.mismatches.WithLabelValues(network).Set(float64(result.Verification.Mismatches()))
	synced := 0.0
	if result.FullySynced {
		synced = 1
	}
	r.fullySynced.WithLabelValues(network).Set(synced)
	r.duration.WithLabelValues(network).Set(result.FinishedAt.Sub(result.StartedAt).Seconds())
	r.lastRun.WithLabelValues(network).Set(float64(result.FinishedAt.Unix()))
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The file is written atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
