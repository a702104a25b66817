package core

// Runtime metrics and health endpoint. Grounded in the teacher's
// core/system_health_logging.go HealthLogger (prometheus registry, per-field
// gauges, periodic RecordMetrics loop, ListenAndServe-backed server with
// graceful Shutdown), adapted to this node's fields and, per the domain-
// stack wiring in SPEC_FULL.md, served through a github.com/go-chi/chi/v5
// router instead of a bare http.ServeMux so /healthz and /metrics share one
// mux with room for future routes.

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// MetricsSnapshot is a point-in-time view of node health (spec §6
// node_status, extended with process-level fields).
type MetricsSnapshot struct {
	Height        uint64 `json:"height"`
	Tip           string `json:"tip"`
	MempoolLen    int    `json:"mempool_len"`
	PeerCount     int    `json:"peer_count"`
	MemAllocBytes uint64 `json:"mem_alloc_bytes"`
	Goroutines    int    `json:"goroutines"`
	Timestamp     int64  `json:"timestamp"`
}

// MetricsServer owns a Prometheus registry of gauges mirroring a Node's
// status, a periodic collector, and an HTTP server exposing /healthz and
// /metrics.
type MetricsServer struct {
	node *Node
	log  *logrus.Entry

	registry       *prometheus.Registry
	heightGauge    prometheus.Gauge
	mempoolGauge   prometheus.Gauge
	peerCountGauge prometheus.Gauge
	memAllocGauge  prometheus.Gauge
	goroutineGauge prometheus.Gauge
}

// NewMetricsServer builds the registry and registers its gauges; it does not
// bind a socket until Serve is called.
func NewMetricsServer(n *Node, log *logrus.Logger) *MetricsServer {
	reg := prometheus.NewRegistry()
	m := &MetricsServer{
		node:     n,
		log:      log.WithField("component", "metrics"),
		registry: reg,
		heightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novachain_block_height",
			Help: "Current block height of the node",
		}),
		mempoolGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novachain_mempool_size",
			Help: "Number of transactions waiting in the mempool",
		}),
		peerCountGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novachain_peer_count",
			Help: "Number of known peers",
		}),
		memAllocGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novachain_mem_alloc_bytes",
			Help: "Current heap allocation in bytes",
		}),
		goroutineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novachain_goroutines",
			Help: "Number of running goroutines",
		}),
	}
	reg.MustRegister(m.heightGauge, m.mempoolGauge, m.peerCountGauge, m.memAllocGauge, m.goroutineGauge)
	return m
}

// Snapshot gathers a MetricsSnapshot from the wired node and the Go runtime.
func (m *MetricsServer) Snapshot() MetricsSnapshot {
	status := m.node.Status()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return MetricsSnapshot{
		Height:        status.Height,
		Tip:           status.Tip.String(),
		MempoolLen:    status.MempoolLen,
		PeerCount:     status.PeerCount,
		MemAllocBytes: mem.Alloc,
		Goroutines:    runtime.NumGoroutine(),
		Timestamp:     time.Now().Unix(),
	}
}

// Record updates every gauge from a fresh snapshot.
func (m *MetricsServer) Record() {
	s := m.Snapshot()
	m.heightGauge.Set(float64(s.Height))
	m.mempoolGauge.Set(float64(s.MempoolLen))
	m.peerCountGauge.Set(float64(s.PeerCount))
	m.memAllocGauge.Set(float64(s.MemAllocBytes))
	m.goroutineGauge.Set(float64(s.Goroutines))
}

// RunCollector records metrics on interval until ctx is cancelled.
func (m *MetricsServer) RunCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Record()
		case <-ctx.Done():
			return
		}
	}
}

func (m *MetricsServer) router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := m.node.Status()
		if status.State != NodeRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not running"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

// Serve starts the HTTP server on addr and returns it so the caller can
// manage its lifecycle with Shutdown.
func (m *MetricsServer) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: m.router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops srv.
func (m *MetricsServer) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
