// Package metrics exposes handshake, transfer and chunk store counters in
// Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"openshare/chunkstore"
)

const namespace = "openshare"

// Registry owns every openshare collector. It implements
// network.HandshakeObserver and transfer.Metrics.
type Registry struct {
	registry *prometheus.Registry

	handshakes       *prometheus.CounterVec
	handshakeLatency *prometheus.HistogramVec

	transfersStarted  *prometheus.CounterVec
	transfersFinished *prometheus.CounterVec
	activeTransfers   *prometheus.GaugeVec
	transferBytes     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec

	chunks            *prometheus.CounterVec
	chunksSkipped     prometheus.Counter
	integrityFailures prometheus.Counter
}

// New returns a registry with the Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Handshakes by role and outcome.",
		}, []string{"role", "outcome"}),
		handshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Time from first message to established session or failure.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"role"}),
		transfersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "started_total",
			Help:      "Transfers started by direction.",
		}, []string{"direction"}),
		transfersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "finished_total",
			Help:      "Transfers finished by direction and final status.",
		}, []string{"direction", "outcome"}),
		activeTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "active",
			Help:      "Transfers currently in progress.",
		}, []string{"direction"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Chunk bytes moved over the wire.",
		}, []string{"direction"}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Wall time of finished transfers.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"direction"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "transferred_total",
			Help:      "Chunks sent or received.",
		}, []string{"direction"}),
		chunksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "skipped_total",
			Help:      "Chunks not transferred because the receiver already had them.",
		}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "integrity_failures_total",
			Help:      "Received chunks that did not match their manifest hash.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.handshakes,
		r.handshakeLatency,
		r.transfersStarted,
		r.transfersFinished,
		r.activeTransfers,
		r.transferBytes,
		r.transferDuration,
		r.chunks,
		r.chunksSkipped,
		r.integrityFailures,
	)
	return r
}

func (r *Registry) ObserveHandshake(role, outcome string, elapsed time.Duration) {
	r.handshakes.WithLabelValues(role, outcome).Inc()
	r.handshakeLatency.WithLabelValues(role).Observe(elapsed.Seconds())
}

func (r *Registry) TransferStarted(direction string) {
	r.transfersStarted.WithLabelValues(direction).Inc()
	r.activeTransfers.WithLabelValues(direction).Inc()
}

func (r *Registry) TransferFinished(direction, outcome string, bytes int64, elapsed time.Duration) {
	r.activeTransfers.WithLabelValues(direction).Dec()
	r.transfersFinished.WithLabelValues(direction, outcome).Inc()
	r.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	r.transferDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}

func (r *Registry) ChunksTransferred(direction string, count int) {
	r.chunks.WithLabelValues(direction).Add(float64(count))
}

func (r *Registry) ChunksSkipped(count int) {
	r.chunksSkipped.Add(float64(count))
}

func (r *Registry) ChunkIntegrityFailure() {
	r.integrityFailures.Inc()
}

// WatchStore publishes chunk store contents, read on every scrape.
func (r *Registry) WatchStore(stats func() chunkstore.Stats) {
	r.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunkstore",
			Name:      "chunks",
			Help:      "Chunks held in the local store.",
		}, func() float64 { return float64(stats().Chunks) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunkstore",
			Name:      "bytes",
			Help:      "Bytes of chunk data held in the local store.",
		}, func() float64 { return float64(stats().Bytes) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkstore",
			Name:      "deduplicated_total",
			Help:      "Writes that found the chunk already stored.",
		}, func() float64 { return float64(stats().Deduplicated) }),
	)
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("address", addr).Info("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
