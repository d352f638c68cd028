package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for a mesh node. A nil *Recorder is valid and records nothing.
type Recorder struct {
	queueDepth      *prometheus.GaugeVec
	transmissions   *prometheus.CounterVec
	routed          *prometheus.CounterVec
	peers           prometheus.Gauge
	peersEvicted    prometheus.Counter
	bundles         *prometheus.CounterVec
	bundleBytes     prometheus.Histogram
	syncDuration    prometheus.Histogram
	transportErrors *prometheus.CounterVec
	reconnects      prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_queue_entries",
			Help: "Outbound queue entries by status",
		}, []string{"status"}),
		transmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_queue_transmissions_total",
			Help: "Transmission attempts by result",
		}, []string{"result"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_router_messages_total",
			Help: "Inbound messages by routing outcome",
		}, []string{"outcome"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_peers",
			Help: "Peers currently in the registry",
		}),
		peersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_peers_evicted_total",
			Help: "Peers evicted after missed discovery cycles",
		}),
		bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_bundles_total",
			Help: "Bundles processed by sync result",
		}, []string{"result"}),
		bundleBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_bundle_bytes",
			Help:    "Serialized size of uploaded bundles",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8),
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_sync_duration_seconds",
			Help:    "Duration of bridge sync cycles",
			Buckets: prometheus.DefBuckets,
		}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_transport_errors_total",
			Help: "Transport errors by kind",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_transport_reconnects_total",
			Help: "Transport reconnect attempts",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		r.queueDepth,
		r.transmissions,
		r.routed,
		r.peers,
		r.peersEvicted,
		r.bundles,
		r.bundleBytes,
		r.syncDuration,
		r.transportErrors,
		r.reconnects,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveQueue records queue depth per status.
func (r *Recorder) ObserveQueue(pending, sent, failed int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues("pending").Set(float64(pending))
	r.queueDepth.WithLabelValues("sent").Set(float64(sent))
	r.queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// ObserveTransmission counts one transmission attempt.
func (r *Recorder) ObserveTransmission(ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	r.transmissions.WithLabelValues(result).Inc()
}

// ObserveRouted counts one inbound routing outcome.
func (r *Recorder) ObserveRouted(outcome string) {
	if r == nil {
		return
	}
	r.routed.WithLabelValues(outcome).Inc()
}

// ObservePeers records the registry size.
func (r *Recorder) ObservePeers(count int) {
	if r == nil {
		return
	}
	r.peers.Set(float64(count))
}

// ObserveEviction counts evicted peers.
func (r *Recorder) ObserveEviction(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.peersEvicted.Add(float64(count))
}

// ObserveBundle counts one bundle outcome and its size.
func (r *Recorder) ObserveBundle(result string, size int) {
	if r == nil {
		return
	}
	r.bundles.WithLabelValues(result).Inc()
	if result == "finalized" {
		r.bundleBytes.Observe(float64(size))
	}
}

// ObserveSyncDuration records one sync cycle.
func (r *Recorder) ObserveSyncDuration(seconds float64) {
	if r == nil {
		return
	}
	r.syncDuration.Observe(seconds)
}

// ObserveTransportError counts a transport error by kind.
func (r *Recorder) ObserveTransportError(kind string) {
	if r == nil {
		return
	}
	r.transportErrors.WithLabelValues(kind).Inc()
}

// ObserveReconnect counts a reconnect attempt.
func (r *Recorder) ObserveReconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}
